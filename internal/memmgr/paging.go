package memmgr

import "fmt"

// 64-bit long-mode page table entry flags (Intel SDM vol 3A §4.5).
// The teacher's 32-bit PTE_* constants don't carry a long-mode NX bit
// or distinguish PDPTE-maps-1GB from PDE-maps-2MB, so these are
// reproduced fresh rather than adapted bit-for-bit.
const (
	pePresent  uint64 = 1 << 0
	peWrite    uint64 = 1 << 1
	peUser     uint64 = 1 << 2
	pePageSize uint64 = 1 << 7 // PS bit: PDE maps a 2MB page directly.

	entrySize   = 8
	entriesPerTable = PageSize / entrySize

	pml4Offset     = 0
	pdptLowOffset  = 1 * PageSize
	pdptHighOffset = 2 * PageSize
	gdtPageOffset  = 3 * PageSize
	firstPDOffset  = 4 * PageSize

	// twoMB is the page-table mapping granularity. It matches
	// slotLadderBase exactly: every slot plugged by the brk/tbrk
	// allocator is a whole multiple of 2MiB, so no slot ever needs a
	// partial PDE.
	twoMB    = uint64(2) * 1024 * 1024
	oneGB    = uint64(512) * twoMB
	pml4Low  = 0
	pml4High = int(UpperRegionBase >> 39 & 0x1FF)
)

// PML4PhysAddr is the guest physical address vCPU setup loads into
// CR3 to enter long mode (spec §4.2 initial vCPU setup).
func (m *Manager) PML4PhysAddr() uint64 { return m.reserved.GuestPhysBase + pml4Offset }

func (m *Manager) writeEntry(tableOff uint64, index int, val uint64) {
	b := m.reserved.HostMem[tableOff+uint64(index)*entrySize:]
	putLeUint64(b, val)
}

func (m *Manager) readEntry(tableOff uint64, index int) uint64 {
	b := m.reserved.HostMem[tableOff+uint64(index)*entrySize:]
	return leUint64(b)
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putLeUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}

// buildPageTables lays down the PML4 and the two top-level PDPTs (one
// for the low region, one for the high region) inside the reserved
// slot. PD tables are allocated lazily, as
// brk/tbrk plug slots that need them: a freshly created monitor backs
// no guest memory yet, so there is nothing to map until the first brk.
func (m *Manager) buildPageTables(reserved *Slot) error {
	m.reserved = reserved
	m.nextPTOffset = firstPDOffset
	m.pdTableOff = make(map[uint64]uint64)

	if ReservedSlotSize < firstPDOffset+PageSize {
		return fmt.Errorf("memmgr: reserved slot too small for page table bootstrap")
	}

	m.writeEntry(pml4Offset, pml4Low, (reserved.GuestPhysBase+pdptLowOffset)|pePresent|peWrite|peUser)
	m.writeEntry(pml4Offset, pml4High, (reserved.GuestPhysBase+pdptHighOffset)|pePresent|peWrite|peUser)
	return nil
}

// mapRegion installs PDE entries for [virt, virt+size) backed starting
// at physical address phys, allocating PD tables from the reserved
// slot's bump region as new 1GB windows are first touched. Called once
// per newly plugged slot; size is always 2MiB-aligned (slotLadderBase).
func (m *Manager) mapRegion(phys, virt, size uint64) error {
	if size%twoMB != 0 || virt%twoMB != 0 {
		return fmt.Errorf("memmgr: region [0x%x,+0x%x) is not 2MiB-aligned", virt, size)
	}
	for off := uint64(0); off < size; off += twoMB {
		if err := m.mapOnePDE(phys+off, virt+off); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) unmapRegion(virt, size uint64) error {
	for off := uint64(0); off < size; off += twoMB {
		v := virt + off
		pdTableOff, ok := m.pdTableOff[v/oneGB]
		if !ok {
			continue
		}
		pdIndex := int((v / twoMB) % entriesPerTable)
		m.writeEntry(pdTableOff, pdIndex, 0)
	}
	return nil
}

func (m *Manager) mapOnePDE(phys, virt uint64) error {
	gbWindow := virt / oneGB
	pdTableOff, ok := m.pdTableOff[gbWindow]
	if !ok {
		var err error
		pdTableOff, err = m.allocTable()
		if err != nil {
			return err
		}
		m.pdTableOff[gbWindow] = pdTableOff

		pdptOff := uint64(pdptLowOffset)
		if virt >= UpperRegionBase {
			pdptOff = pdptHighOffset
		}
		pdptIndex := int(gbWindow % entriesPerTable)
		if m.readEntry(pdptOff, pdptIndex) == 0 {
			m.writeEntry(pdptOff, pdptIndex, (m.reserved.GuestPhysBase+pdTableOff)|pePresent|peWrite|peUser)
		}
	}
	pdIndex := int((virt / twoMB) % entriesPerTable)
	m.writeEntry(pdTableOff, pdIndex, (phys&^(twoMB-1))|pePresent|pePageSize|peWrite|peUser)
	return nil
}

// allocTable bump-allocates one 4KiB page out of the reserved slot for
// use as a PD table. The reserved slot's 256KiB budget allows room for
// 60 such tables (60GiB of address space actively mapped at
// once), which the slot ladder's 1GiB cap makes generous in practice.
func (m *Manager) allocTable() (uint64, error) {
	if m.nextPTOffset+PageSize > ReservedSlotSize {
		return 0, fmt.Errorf("memmgr: reserved slot exhausted: out of page-table space")
	}
	off := m.nextPTOffset
	m.nextPTOffset += PageSize
	return off, nil
}
