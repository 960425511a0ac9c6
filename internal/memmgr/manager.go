package memmgr

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/chandlercord/km/internal/hypervisor"
)

// Manager is the guest memory manager (spec §4.1): the paired
// brk/tbrk regions, the slot allocator backing them, and the mmap
// interval lists over the upper region. It owns two mutexes with a
// fixed acquire order relative to the rest of the monitor
// (pause_mtx < fork_state.mtx < mmaps.mutex < brk_mutex < ...): muMmap
// before muBrk, never the reverse.
type Manager struct {
	vmFD int
	log  *logrus.Entry

	muBrk sync.Mutex
	slots []*Slot

	nextSlotID   uint32
	nextPhysAddr uint64

	brk  uint64
	tbrk uint64

	lowLadderIdx  int
	highLadderIdx int

	reserved     *Slot
	nextPTOffset uint64
	pdTableOff   map[uint64]uint64
	gdtPhysBase  uint64

	mmapMu Mmap
}

// New constructs a Manager, plugging the reserved slot (PML4/PDPT/PDE,
// GDT, IDT) and initializing brk/tbrk to their starting extents.
func New(vmFD int, log *logrus.Entry) (*Manager, error) {
	m := &Manager{
		vmFD:         vmFD,
		log:          log,
		nextSlotID:   0,
		nextPhysAddr: 0,
		brk:          GuestMemStartVA,
		tbrk:         GuestMemTopVA,
	}
	m.mmapMu.init(m)

	reserved, err := m.plugSlot(RegionReserved, 0, ReservedSlotBase+ReservedSlotSize)
	if err != nil {
		return nil, fmt.Errorf("memmgr: plug reserved slot: %w", err)
	}
	// The bump allocator starts at id 0 and physical address 0 so the
	// reserved slot is registered as slot 0 at guest physical 0: the
	// page tables it holds are referenced by CR3=0 relative offsets
	// during long-mode setup. Later slots start at the next 2MiB
	// boundary, since each PDE maps a 2MiB-aligned physical page.
	m.nextSlotID = 1
	m.nextPhysAddr = (ReservedSlotBase + ReservedSlotSize + twoMB - 1) &^ (twoMB - 1)

	if err := m.buildPageTables(reserved); err != nil {
		return nil, fmt.Errorf("memmgr: build page tables: %w", err)
	}
	if err := m.buildGDT(reserved); err != nil {
		return nil, fmt.Errorf("memmgr: build GDT: %w", err)
	}
	return m, nil
}

// Close tears down every plugged slot, unmapping host memory and
// unregistering hypervisor regions.
func (m *Manager) Close() error {
	m.muBrk.Lock()
	defer m.muBrk.Unlock()
	var first error
	for len(m.slots) > 0 {
		if err := m.unplugSlotLocked(m.slots[len(m.slots)-1]); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Brk returns the current heap ceiling, or moves it. Contract (spec
// §4.1): new==0 returns the current value without mutation; growth
// plugs whole ladder slots until the ceiling covers new, atomically
// (any slot plugged during a failed attempt is freed before
// returning); shrink unplugs slots whose base is strictly above new.
func (m *Manager) Brk(newBrk uint64) (uint64, error) {
	m.muBrk.Lock()
	defer m.muBrk.Unlock()

	if newBrk == 0 {
		return m.brk, nil
	}
	if newBrk > m.brk {
		return m.growLowLocked(newBrk)
	}
	return m.shrinkLowLocked(newBrk)
}

// Tbrk mirrors Brk for the upper (stack/mmap) VA region, which grows
// downward: new < tbrk means "extend the region further down".
func (m *Manager) Tbrk(newTbrk uint64) (uint64, error) {
	m.muBrk.Lock()
	defer m.muBrk.Unlock()

	if newTbrk == 0 {
		return m.tbrk, nil
	}
	if newTbrk < m.tbrk {
		return m.growHighLocked(newTbrk)
	}
	return m.shrinkHighLocked(newTbrk)
}

func (m *Manager) growLowLocked(target uint64) (uint64, error) {
	if target > lowRegionLimit+GuestMemStartVA {
		return 0, fmt.Errorf("memmgr: brk target 0x%x exceeds low region limit: out of memory", target)
	}
	var plugged []*Slot
	rollback := func() {
		for _, s := range plugged {
			_ = m.unplugSlotLocked(s)
		}
	}

	// Growth resumes from the top of the plugged low slots, which can
	// lie above brk when an earlier grow or shrink ended mid-slot.
	cur := GuestMemStartVA
	for _, s := range m.slots {
		if s.Region == RegionLow && s.GuestVirtBase+s.Size > cur {
			cur = s.GuestVirtBase + s.Size
		}
	}
	for cur < target {
		if cur >= m.tbrk {
			rollback()
			return 0, fmt.Errorf("memmgr: brk would overlap tbrk region: out of memory")
		}
		size := slotSizeForIndex(m.lowLadderIdx)
		s, err := m.plugSlot(RegionLow, cur, size)
		if err != nil {
			rollback()
			return 0, fmt.Errorf("memmgr: brk: %w", err)
		}
		plugged = append(plugged, s)
		m.lowLadderIdx++
		cur += size
	}
	m.brk = target
	m.log.WithField("brk", fmt.Sprintf("0x%x", target)).Debug("brk grown")
	return m.brk, nil
}

func (m *Manager) shrinkLowLocked(target uint64) (uint64, error) {
	for i := len(m.slots) - 1; i >= 0; i-- {
		s := m.slots[i]
		if s.Region != RegionLow || s.GuestVirtBase <= target {
			continue
		}
		if err := m.unplugSlotLocked(s); err != nil {
			return 0, fmt.Errorf("memmgr: brk shrink: %w", err)
		}
		if m.lowLadderIdx > 0 {
			m.lowLadderIdx--
		}
	}
	m.brk = target
	return m.brk, nil
}

func (m *Manager) growHighLocked(target uint64) (uint64, error) {
	var plugged []*Slot
	rollback := func() {
		for _, s := range plugged {
			_ = m.unplugSlotLocked(s)
		}
	}

	// Growth resumes from the bottom of the plugged high slots, which
	// can lie below tbrk when an earlier grow or shrink ended mid-slot.
	cur := GuestMemTopVA
	for _, s := range m.slots {
		if s.Region == RegionHigh && s.GuestVirtBase < cur {
			cur = s.GuestVirtBase
		}
	}
	for cur > target {
		if cur <= m.brk {
			rollback()
			return 0, fmt.Errorf("memmgr: tbrk would overlap brk region: out of memory")
		}
		size := slotSizeForIndex(m.highLadderIdx)
		if size > cur-UpperRegionBase {
			size = cur - UpperRegionBase
		}
		base := cur - size
		s, err := m.plugSlot(RegionHigh, base, size)
		if err != nil {
			rollback()
			return 0, fmt.Errorf("memmgr: tbrk: %w", err)
		}
		plugged = append(plugged, s)
		m.highLadderIdx++
		cur = base
	}
	m.tbrk = target
	m.log.WithField("tbrk", fmt.Sprintf("0x%x", target)).Debug("tbrk grown")
	return m.tbrk, nil
}

func (m *Manager) shrinkHighLocked(target uint64) (uint64, error) {
	for i := len(m.slots) - 1; i >= 0; i-- {
		s := m.slots[i]
		if s.Region != RegionHigh || s.GuestVirtBase+s.Size > target {
			continue
		}
		if err := m.unplugSlotLocked(s); err != nil {
			return 0, fmt.Errorf("memmgr: tbrk shrink: %w", err)
		}
		if m.highLadderIdx > 0 {
			m.highLadderIdx--
		}
	}
	m.tbrk = target
	return m.tbrk, nil
}

// Translate performs the mandatory GVA->KMA bounds check (spec §9
// "Scoped guest-memory access"): every read/write of guest memory by
// the monitor must go through this, never a raw pointer cast.
func (m *Manager) Translate(gva uint64, length uint64) ([]byte, error) {
	m.muBrk.Lock()
	defer m.muBrk.Unlock()
	for _, s := range m.slots {
		if s.containsVirt(gva) {
			off := gva - s.GuestVirtBase
			if off+length > s.Size {
				return nil, fmt.Errorf("memmgr: access [0x%x,0x%x) crosses slot boundary", gva, gva+length)
			}
			return s.HostMem[off : off+length], nil
		}
	}
	return nil, fmt.Errorf("memmgr: address 0x%x not backed by any plugged slot", gva)
}

// CurrentBrk / CurrentTbrk let other subsystems (ELF loader, process
// init) read the current extents without going through the mutating
// Brk/Tbrk call.
func (m *Manager) CurrentBrk() uint64  { m.muBrk.Lock(); defer m.muBrk.Unlock(); return m.brk }
func (m *Manager) CurrentTbrk() uint64 { m.muBrk.Lock(); defer m.muBrk.Unlock(); return m.tbrk }

// Mmap / Munmap / Mprotect / Mremap forward to the embedded interval-list
// manager (spec §4.1); Manager is the single public surface other
// subsystems (ELF loader, hypercall dispatcher) call through.
func (m *Manager) Mmap(addr, size uint64, prot, flags uint32, fd int, offset uint64) (uint64, error) {
	return m.mmapMu.Mmap(addr, size, prot, flags, fd, offset)
}

func (m *Manager) Munmap(addr, size uint64) error { return m.mmapMu.Munmap(addr, size) }

func (m *Manager) Mprotect(addr, size uint64, prot uint32) error {
	return m.mmapMu.Mprotect(addr, size, prot)
}

func (m *Manager) Mremap(old, oldSize, newSize uint64, flags uint32) (uint64, error) {
	return m.mmapMu.Mremap(old, oldSize, newSize, flags)
}

// ValidatePartition exposes the busy/free invariant check (spec §8
// "Mmap partition") for tests.
func (m *Manager) ValidatePartition() error { return m.mmapMu.validatePartition() }

// Rebind re-registers every already-plugged slot's host memory against
// a freshly created hypervisor VM (spec §4.5 step 4, fork_child_vm_init
// "re-register memory slots"): the child process inherits the host
// mmap regions via fork's copy-on-write address space duplication, but
// the hypervisor VM object itself does not survive fork, so each slot
// needs a fresh KVM_SET_USER_MEMORY_REGION call against the child's own
// VM fd. Host memory contents and guest virtual/physical layout are
// unchanged; only the owning VM fd and page tables' CR3-relative
// mappings are redone.
func (m *Manager) Rebind(vmFD int) error {
	m.muBrk.Lock()
	defer m.muBrk.Unlock()
	m.vmFD = vmFD
	for _, s := range m.slots {
		umr := &hypervisor.UserMemoryRegion{
			Slot:          s.ID,
			GuestPhysAddr: s.GuestPhysBase,
			MemorySize:    s.Size,
			UserspaceAddr: uint64(uintptr(unsafe.Pointer(&s.HostMem[0]))),
		}
		if err := hypervisor.SetUserMemoryRegion(vmFD, umr); err != nil {
			return fmt.Errorf("memmgr: rebind slot %d to new VM: %w", s.ID, err)
		}
	}
	return nil
}
