package memmgr

// GDTEntry is a single 64-bit-mode GDT descriptor. In long mode the
// base/limit fields of code and data segments are ignored by the CPU
// (segmentation is effectively flat), but KVM still wants well-formed
// descriptors with the right type/DPL/L bits to enter 64-bit mode, so
// the teacher's 32-bit GDTEntry layout is kept and only the flag
// values passed to it change.
type GDTEntry struct {
	LimitLow  uint16
	BaseLow   uint16
	BaseMid   uint8
	Access    uint8
	LimitHigh uint8
	BaseHigh  uint8
}

func newGDTEntry(access, flags uint8) GDTEntry {
	return GDTEntry{Access: access, LimitHigh: flags & 0xF0}
}

func (e GDTEntry) encode() uint64 {
	return uint64(e.LimitLow) |
		uint64(e.BaseLow)<<16 |
		uint64(e.BaseMid)<<32 |
		uint64(e.Access)<<40 |
		uint64(e.LimitHigh)<<48 |
		uint64(e.BaseHigh)<<56
}

const (
	gdtAccessPresent  uint8 = 1 << 7
	gdtAccessNotSys   uint8 = 1 << 4 // S bit: 1 = code/data, 0 = system descriptor.
	gdtAccessExec     uint8 = 1 << 3
	gdtAccessRW       uint8 = 1 << 1

	gdtFlagLongMode uint8 = 1 << 5 // L bit: this is a 64-bit code segment.
	gdtFlagGranular uint8 = 1 << 7

	gdtOffset  = gdtPageOffset // the reserved slot's bootstrap page right after the two PDPTs.
	gdtEntries = 3             // null, 64-bit code, 64-bit data.

	SelectorNull = 0
	SelectorCode = 1 * 8
	SelectorData = 2 * 8
)

// buildGDT writes a minimal flat GDT (null, code, data) into the
// reserved slot and records its guest physical base for GDTBase;
// callers (vcpu setup) point Sregs.GDT at it and set CS/DS/SS
// selectors and the long-mode bits in CR0/CR4/EFER
// themselves, the same division of labor the teacher's VM/VCPU split
// used for protected mode.
func (m *Manager) buildGDT(reserved *Slot) error {
	entries := []GDTEntry{
		{},
		newGDTEntry(gdtAccessPresent|gdtAccessNotSys|gdtAccessExec|gdtAccessRW, gdtFlagLongMode),
		newGDTEntry(gdtAccessPresent|gdtAccessNotSys|gdtAccessRW, gdtFlagGranular),
	}
	for i, e := range entries {
		putLeUint64(reserved.HostMem[gdtOffset+uint64(i)*8:], e.encode())
	}
	m.gdtPhysBase = reserved.GuestPhysBase + gdtOffset
	return nil
}

// GDTBase / GDTLimit are what vcpu setup passes to hypervisor.DTable
// when populating Sregs.GDT.
func (m *Manager) GDTBase() uint64  { return m.gdtPhysBase }
func (m *Manager) GDTLimit() uint16 { return gdtEntries*8 - 1 }
