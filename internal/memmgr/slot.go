package memmgr

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/chandlercord/km/internal/hypervisor"
)

// Region identifies which side of the address space a Slot backs.
type Region int

const (
	RegionReserved Region = iota
	RegionLow
	RegionHigh
)

// Slot is a unit of host-backed memory registered with the hypervisor
// (spec §3 "Memory Slot"). GuestPhysBase comes from the manager's bump
// allocator for every region, so no region is identity-mapped: each
// slot has its own virtual-to-physical offset, and that is exactly
// what makes GVA->KMA translation a guarded,
// per-slot lookup (§9 "Scoped guest-memory access") rather than a
// single global formula.
type Slot struct {
	ID            uint32
	Region        Region
	GuestVirtBase uint64
	GuestPhysBase uint64
	Size          uint64
	HostMem       []byte
	Flags         uint32
}

func (s *Slot) containsVirt(addr uint64) bool {
	return addr >= s.GuestVirtBase && addr < s.GuestVirtBase+s.Size
}

// plugSlot mmaps host memory for the slot and registers it with the
// hypervisor via KVM_SET_USER_MEMORY_REGION.
func (m *Manager) plugSlot(region Region, guestVirt uint64, size uint64) (*Slot, error) {
	host, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("memmgr: mmap %d bytes for slot: %w", size, err)
	}

	physBase := m.nextPhysAddr
	id := m.nextSlotID

	umr := &hypervisor.UserMemoryRegion{
		Slot:          id,
		GuestPhysAddr: physBase,
		MemorySize:    size,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&host[0]))),
	}
	if err := hypervisor.SetUserMemoryRegion(m.vmFD, umr); err != nil {
		unix.Munmap(host)
		return nil, err
	}

	slot := &Slot{
		ID:            id,
		Region:        region,
		GuestVirtBase: guestVirt,
		GuestPhysBase: physBase,
		Size:          size,
		HostMem:       host,
	}
	m.slots = append(m.slots, slot)
	m.nextSlotID++
	m.nextPhysAddr += size
	if m.nextPhysAddr > MaxPhysmem {
		// Roll back: this plug would exceed the physical memory
		// budget. Caller is responsible for treating this as ENOMEM
		// and unplugging nothing else it hasn't plugged itself.
		m.unplugSlotLocked(slot)
		return nil, fmt.Errorf("memmgr: out of memory: physical budget exhausted")
	}
	if region == RegionLow || region == RegionHigh {
		if err := m.mapRegion(physBase, guestVirt, size); err != nil {
			m.unplugSlotLocked(slot)
			return nil, fmt.Errorf("memmgr: map page tables for slot: %w", err)
		}
	}
	return slot, nil
}

// unplugSlotLocked removes a slot's hypervisor registration and
// releases its host memory. Caller holds m.muBrk.
func (m *Manager) unplugSlotLocked(s *Slot) error {
	if s.Region == RegionLow || s.Region == RegionHigh {
		if err := m.unmapRegion(s.GuestVirtBase, s.Size); err != nil {
			return fmt.Errorf("memmgr: unmap page tables for slot %d: %w", s.ID, err)
		}
	}
	zero := &hypervisor.UserMemoryRegion{Slot: s.ID, GuestPhysAddr: s.GuestPhysBase, MemorySize: 0, UserspaceAddr: 0}
	if err := hypervisor.SetUserMemoryRegion(m.vmFD, zero); err != nil {
		return fmt.Errorf("memmgr: unregister slot %d: %w", s.ID, err)
	}
	if err := unix.Munmap(s.HostMem); err != nil {
		return fmt.Errorf("memmgr: munmap slot %d: %w", s.ID, err)
	}
	for i, cur := range m.slots {
		if cur == s {
			m.slots = append(m.slots[:i], m.slots[i+1:]...)
			break
		}
	}
	return nil
}
