package memmgr

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
)

// Prot/flags mirror the POSIX mmap bit meanings the dispatcher
// forwards from the guest; memmgr only records them in the interval
// lists. PROT_* is not applied to hypervisor slot flags, to the guest
// page tables, or to host memory.
const (
	ProtRead  = 1 << 0
	ProtWrite = 1 << 1
	ProtExec  = 1 << 2

	MapShared    = 1 << 0
	MapPrivate   = 1 << 1
	MapFixed     = 1 << 4
	MapAnonymous = 1 << 5

	MremapMayMove = 1 << 0
	MremapFixed   = 1 << 1
)

// interval is one element of the busy or free set over the upper
// region (spec §3 "mmap interval lists").
type interval struct {
	base, size      uint64
	prot, flags     uint32
	backingFD       int
	backingOffset   uint64
}

func (iv interval) end() uint64 { return iv.base + iv.size }

func (iv interval) mergeableWith(other interval) bool {
	return iv.prot == other.prot && iv.flags == other.flags && iv.backingFD == other.backingFD
}

// Mmap is the busy/free interval-list manager over the upper VA
// region. It is embedded in Manager but keeps its own mutex: the fixed
// cross-component lock order (spec §5) is mmaps.mutex before
// brk_mutex, so Mmap methods take mu first and only then call into
// Manager.Tbrk, which takes muBrk internally.
type Mmap struct {
	mgr *Manager
	mu  sync.Mutex

	busy []interval
	free []interval
}

func (mm *Mmap) init(mgr *Manager) {
	mm.mgr = mgr
}

func roundUpPage(n uint64) uint64 {
	return (n + PageSize - 1) &^ (PageSize - 1)
}

// validatePartition is a test/assertion hook for the invariant in spec
// §8: busy ∪ free == [tbrk, GUEST_MEM_TOP_VA) exactly, disjoint, no
// two mergeable adjacent intervals in the same set.
func (mm *Mmap) validatePartition() error {
	all := append(append([]interval{}, mm.busy...), mm.free...)
	sort.Slice(all, func(i, j int) bool { return all[i].base < all[j].base })
	want := mm.mgr.CurrentTbrk()
	for _, iv := range all {
		if iv.base != want {
			return fmt.Errorf("memmgr: partition gap/overlap at 0x%x, expected 0x%x", iv.base, want)
		}
		want = iv.end()
	}
	if want != GuestMemTopVA {
		return fmt.Errorf("memmgr: partition does not reach GUEST_MEM_TOP_VA: got 0x%x", want)
	}
	if err := mm.checkNoAdjacentMerge(mm.busy, "busy"); err != nil {
		return err
	}
	return mm.checkNoAdjacentMerge(mm.free, "free")
}

func (mm *Mmap) checkNoAdjacentMerge(ivs []interval, which string) error {
	sorted := append([]interval{}, ivs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].base < sorted[j].base })
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].end() == sorted[i].base && sorted[i-1].mergeableWith(sorted[i]) {
			return fmt.Errorf("memmgr: %s set has unmerged adjacent intervals at 0x%x", which, sorted[i].base)
		}
	}
	return nil
}

// ensureFreeBelow grows tbrk (via the Manager) until at least `need`
// contiguous bytes of fresh space exist below the current tbrk, then
// records that fresh space as a free interval.
func (mm *Mmap) ensureFreeBelow(need uint64) error {
	oldTbrk := mm.mgr.CurrentTbrk()
	target := oldTbrk - need
	if target < UpperRegionBase && oldTbrk > UpperRegionBase {
		target = UpperRegionBase
	}
	newTbrk, err := mm.mgr.Tbrk(target)
	if err != nil {
		return err
	}
	if newTbrk < oldTbrk {
		mm.free = append(mm.free, interval{base: newTbrk, size: oldTbrk - newTbrk})
	}
	return nil
}

// carveFreeHighestFit implements the resolved Open Question from spec
// §9: mmap's free-list allocation policy is highest-address first-fit.
func (mm *Mmap) carveFreeHighestFit(size uint64) (uint64, bool) {
	best := -1
	for i, f := range mm.free {
		if f.size >= size && (best == -1 || f.base > mm.free[best].base) {
			best = i
		}
	}
	if best == -1 {
		return 0, false
	}
	f := mm.free[best]
	allocBase := f.base + f.size - size
	mm.free = append(mm.free[:best], mm.free[best+1:]...)
	if f.size > size {
		mm.free = append(mm.free, interval{base: f.base, size: f.size - size})
	}
	return allocBase, true
}

func (mm *Mmap) addBusy(iv interval) {
	mm.busy = append(mm.busy, iv)
	mm.mergeBusyAround(iv.base)
}

func (mm *Mmap) mergeBusyAround(addr uint64) {
	mm.busy = mergeSet(mm.busy)
}

func (mm *Mmap) mergeFree() {
	mm.free = mergeSet(mm.free)
}

func mergeSet(ivs []interval) []interval {
	if len(ivs) == 0 {
		return ivs
	}
	sort.Slice(ivs, func(i, j int) bool { return ivs[i].base < ivs[j].base })
	out := []interval{ivs[0]}
	for _, iv := range ivs[1:] {
		last := &out[len(out)-1]
		if last.end() == iv.base && last.mergeableWith(iv) {
			last.size += iv.size
			continue
		}
		out = append(out, iv)
	}
	return out
}

// Mmap carves `size` bytes of protection `prot` from the upper region,
// per spec §4.1.
func (mm *Mmap) Mmap(addr, size uint64, prot, flags uint32, fd int, offset uint64) (uint64, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	size = roundUpPage(size)
	if size == 0 {
		return 0, fmt.Errorf("EINVAL")
	}
	if flags&MapFixed != 0 && addr == 0 {
		return 0, fmt.Errorf("EPERM")
	}
	if size > upperRegionSize {
		return 0, fmt.Errorf("ENOMEM")
	}

	if flags&MapFixed != 0 {
		if err := mm.unmapLocked(addr, size); err != nil {
			return 0, err
		}
		if !mm.reserveExact(addr, size) {
			if err := mm.ensureFreeBelow(size); err != nil {
				return 0, err
			}
			if !mm.reserveExact(addr, size) {
				return 0, fmt.Errorf("ENOMEM")
			}
		}
		mm.addBusy(interval{base: addr, size: size, prot: prot, flags: flags, backingFD: fd, backingOffset: offset})
		if err := mm.populateFileBacked(addr, size, fd, offset); err != nil {
			return 0, err
		}
		return addr, nil
	}

	base, ok := mm.carveFreeHighestFit(size)
	if !ok {
		if err := mm.ensureFreeBelow(size); err != nil {
			return 0, err
		}
		base, ok = mm.carveFreeHighestFit(size)
		if !ok {
			return 0, fmt.Errorf("ENOMEM")
		}
	}
	mm.addBusy(interval{base: base, size: size, prot: prot, flags: flags, backingFD: fd, backingOffset: offset})
	if err := mm.populateFileBacked(base, size, fd, offset); err != nil {
		return 0, err
	}
	return base, nil
}

// reserveExact removes exactly [addr,addr+size) from the free set,
// splitting a containing free interval if needed. False if not free.
func (mm *Mmap) reserveExact(addr, size uint64) bool {
	for i, f := range mm.free {
		if f.base <= addr && addr+size <= f.end() {
			mm.free = append(mm.free[:i], mm.free[i+1:]...)
			if f.base < addr {
				mm.free = append(mm.free, interval{base: f.base, size: addr - f.base})
			}
			if f.end() > addr+size {
				mm.free = append(mm.free, interval{base: addr + size, size: f.end() - addr - size})
			}
			return true
		}
	}
	return false
}

// Munmap releases [addr,addr+size), splitting overlapping busy
// intervals. Unmapping an unmapped-or-partly-unmapped region is not an
// error, provided addr is page-aligned (spec §4.1).
func (mm *Mmap) Munmap(addr, size uint64) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if addr%PageSize != 0 {
		return fmt.Errorf("EINVAL")
	}
	return mm.unmapLocked(addr, roundUpPage(size))
}

func (mm *Mmap) unmapLocked(addr, size uint64) error {
	end := addr + size
	var remaining []interval
	var freed []interval
	for _, b := range mm.busy {
		if b.end() <= addr || b.base >= end {
			remaining = append(remaining, b)
			continue
		}
		if b.base < addr {
			remaining = append(remaining, interval{base: b.base, size: addr - b.base, prot: b.prot, flags: b.flags, backingFD: b.backingFD, backingOffset: b.backingOffset})
		}
		if b.end() > end {
			remaining = append(remaining, interval{base: end, size: b.end() - end, prot: b.prot, flags: b.flags, backingFD: b.backingFD, backingOffset: b.backingOffset + (end - b.base)})
		}
		loBound := addr
		if b.base > addr {
			loBound = b.base
		}
		hiBound := end
		if b.end() < end {
			hiBound = b.end()
		}
		freed = append(freed, interval{base: loBound, size: hiBound - loBound})
	}
	mm.busy = remaining
	mm.free = append(mm.free, freed...)
	mm.mergeFree()
	return nil
}

// Mprotect changes protection on intervals fully covered by busy maps.
// Any uncovered byte fails the whole call with ENOMEM and no state
// changes (spec §4.1).
func (mm *Mmap) Mprotect(addr, size uint64, prot uint32) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	end := addr + size

	covered := uint64(0)
	for _, b := range mm.busy {
		lo, hi := max64(b.base, addr), min64(b.end(), end)
		if hi > lo {
			covered += hi - lo
		}
	}
	if covered != size {
		return fmt.Errorf("ENOMEM")
	}

	var out []interval
	for _, b := range mm.busy {
		if b.end() <= addr || b.base >= end {
			out = append(out, b)
			continue
		}
		if b.base < addr {
			out = append(out, interval{base: b.base, size: addr - b.base, prot: b.prot, flags: b.flags, backingFD: b.backingFD, backingOffset: b.backingOffset})
		}
		lo, hi := max64(b.base, addr), min64(b.end(), end)
		out = append(out, interval{base: lo, size: hi - lo, prot: prot, flags: b.flags, backingFD: b.backingFD, backingOffset: b.backingOffset + (lo - b.base)})
		if b.end() > end {
			out = append(out, interval{base: end, size: b.end() - end, prot: b.prot, flags: b.flags, backingFD: b.backingFD, backingOffset: b.backingOffset + (end - b.base)})
		}
	}
	mm.busy = mergeSet(out)
	return nil
}

// Mremap implements the spec's documented error/behavior contract:
// MREMAP_FIXED without MREMAP_MAYMOVE, a zero size, or an unaligned
// old address all fail EINVAL. Growing in place is attempted first;
// if it collides and MAYMOVE is set, a fresh region is allocated, data
// copied, and the old region freed.
func (mm *Mmap) Mremap(old, oldSize, newSize uint64, flags uint32) (uint64, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	if old%PageSize != 0 || oldSize == 0 || newSize == 0 {
		return 0, fmt.Errorf("EINVAL")
	}
	if flags&MremapFixed != 0 && flags&MremapMayMove == 0 {
		return 0, fmt.Errorf("EINVAL")
	}
	oldSize = roundUpPage(oldSize)
	newSize = roundUpPage(newSize)

	var orig *interval
	for i := range mm.busy {
		if mm.busy[i].base == old {
			orig = &mm.busy[i]
			break
		}
	}
	if orig == nil {
		return 0, fmt.Errorf("EINVAL")
	}

	if newSize <= oldSize {
		if newSize < oldSize {
			if err := mm.unmapLocked(old+newSize, oldSize-newSize); err != nil {
				return 0, err
			}
		}
		return old, nil
	}

	grow := newSize - oldSize
	if mm.reserveExact(old+oldSize, grow) {
		for i := range mm.busy {
			if mm.busy[i].base == old {
				mm.busy[i].size = newSize
				break
			}
		}
		mm.busy = mergeSet(mm.busy)
		return old, nil
	}
	if flags&MremapMayMove == 0 {
		return 0, fmt.Errorf("ENOMEM")
	}

	iv := *orig
	if err := mm.unmapLocked(old, oldSize); err != nil {
		return 0, err
	}
	base, ok := mm.carveFreeHighestFit(newSize)
	if !ok {
		if err := mm.ensureFreeBelow(newSize); err != nil {
			return 0, err
		}
		base, ok = mm.carveFreeHighestFit(newSize)
		if !ok {
			return 0, fmt.Errorf("ENOMEM")
		}
	}
	iv.base, iv.size = base, newSize
	mm.addBusy(iv)
	return base, nil
}

// populateFileBacked reads file contents into already-backed guest
// memory for file-backed maps (spec §4.1: "file-backed maps delegate
// page population to the host's memory-region mechanism"). Anonymous
// maps (fd<0) are already zero-filled by the host mmap backing the
// slot and need no further work.
func (mm *Mmap) populateFileBacked(base, size uint64, fd int, offset uint64) error {
	if fd < 0 {
		return nil
	}
	buf, err := mm.mgr.Translate(base, size)
	if err != nil {
		return fmt.Errorf("memmgr: populate file-backed map: %w", err)
	}
	n, err := unix.Pread(fd, buf, int64(offset))
	if err != nil {
		return fmt.Errorf("memmgr: pread file-backed map: %w", err)
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
