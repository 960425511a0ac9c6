// Package elfload is the ELF loader and process initializer (spec
// §4.3): validation, segment mapping, PT_INTERP dynamic-linker
// loading, dlopen symbol lookup, and the initial argv/envp/auxv stack.
//
// Grounded on bobuhiro11/gokvm's machine/machine.go, the one pack
// member that loads a real ELF image into a KVM guest with debug/elf
// (spec SPEC_FULL.md §11 domain stack).
package elfload

import (
	"bytes"
	"debug/elf"
	"fmt"
	"os"

	"github.com/chandlercord/km/internal/memmgr"
)

// MemTranslator is the narrow seam into the guest memory manager this
// package needs: grow brk, map segments, and read/write guest bytes.
type MemTranslator interface {
	Brk(newBrk uint64) (uint64, error)
	Mmap(addr, size uint64, prot, flags uint32, fd int, offset uint64) (uint64, error)
	Translate(gva uint64, length uint64) ([]byte, error)
}

// Image describes one loaded ELF payload (main executable or its
// PT_INTERP dynamic linker).
type Image struct {
	Entry      uint64
	LoadAdjust uint64
	PHdrAddr   uint64
	PHEntSize  uint16
	PHNum      uint16
	IsDyn      bool
	Interp     string
	MinVaddr   uint64
	MaxVaddr   uint64
}

// Loaded is the result of loading a full payload: the main image, its
// dynamic linker (if PT_INTERP was present), and the resolved dlopen
// entry point used by the payload runtime's own symbol resolution.
type Loaded struct {
	Main       Image
	DynLinker  *Image
	DlopenAddr uint64
}

// validate enforces spec §4.3: "ELF64, little-endian, x86_64, current
// version; any mismatch is fatal. Only ET_EXEC and ET_DYN are
// accepted."
func validate(f *elf.File) error {
	if f.Class != elf.ELFCLASS64 {
		return fmt.Errorf("elfload: not ELF64")
	}
	if f.Data != elf.ELFDATA2LSB {
		return fmt.Errorf("elfload: not little-endian")
	}
	if f.Machine != elf.EM_X86_64 {
		return fmt.Errorf("elfload: not x86_64")
	}
	if f.Version != uint32(elf.EV_CURRENT) {
		return fmt.Errorf("elfload: unsupported ELF version")
	}
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return fmt.Errorf("elfload: unsupported ELF type %v (only ET_EXEC/ET_DYN)", f.Type)
	}
	return nil
}

// Load reads path, maps every PT_LOAD segment into guest memory
// through mem, and returns the resulting Image plus, if a PT_INTERP
// segment is present, the dynamic linker loaded above the main
// image's brk (spec §4.3).
func Load(mem MemTranslator, path string) (*Loaded, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("elfload: open %s: %w", path, err)
	}
	defer f.Close()

	if err := validate(f); err != nil {
		return nil, err
	}

	main, interpPath, err := loadOne(mem, f, 0)
	if err != nil {
		return nil, fmt.Errorf("elfload: load %s: %w", path, err)
	}

	result := &Loaded{Main: main}

	if interpPath != "" {
		interpFile, err := elf.Open(interpPath)
		if err != nil {
			return nil, fmt.Errorf("elfload: open interp %s: %w", interpPath, err)
		}
		defer interpFile.Close()
		if err := validate(interpFile); err != nil {
			return nil, fmt.Errorf("elfload: interp %s: %w", interpPath, err)
		}

		// The dynamic linker is loaded immediately above the main
		// image's brk, page-aligned (spec §4.3).
		curBrk, err := mem.Brk(0)
		if err != nil {
			return nil, fmt.Errorf("elfload: query brk before interp load: %w", err)
		}
		loadBase := (curBrk + memmgr.PageSize - 1) &^ (memmgr.PageSize - 1)

		dyn, _, err := loadOne(mem, interpFile, loadBase)
		if err != nil {
			return nil, fmt.Errorf("elfload: load interp %s: %w", interpPath, err)
		}
		result.DynLinker = &dyn

		dlopen, err := findDlopenSymbol(interpFile, dyn.LoadAdjust)
		if err == nil {
			result.DlopenAddr = dlopen
		}
	}

	return result, nil
}

// loadOne maps every PT_LOAD segment of f into guest memory. ET_EXEC
// always loads at literal p_vaddr, whatever baseHint is. An ET_DYN
// image is relocated to start at baseHint when it is nonzero (used for
// the PT_INTERP linker), and at GuestMemStartVA otherwise.
func loadOne(mem MemTranslator, f *elf.File, baseHint uint64) (Image, string, error) {
	var minVaddr uint64 = ^uint64(0)
	var maxVaddr uint64
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if p.Vaddr < minVaddr {
			minVaddr = p.Vaddr
		}
		if p.Vaddr+p.Memsz > maxVaddr {
			maxVaddr = p.Vaddr + p.Memsz
		}
	}

	var adjust uint64
	switch {
	case f.Type == elf.ET_EXEC:
		adjust = 0
	case baseHint != 0:
		adjust = baseHint - minVaddr
	default:
		adjust = memmgr.GuestMemStartVA - minVaddr
	}

	var phdrAddr uint64
	var interpPath string

	for _, p := range f.Progs {
		switch p.Type {
		case elf.PT_PHDR:
			phdrAddr = p.Vaddr + adjust
		case elf.PT_INTERP:
			data := make([]byte, p.Filesz)
			if _, err := p.ReadAt(data, 0); err != nil {
				return Image{}, "", fmt.Errorf("elfload: read PT_INTERP: %w", err)
			}
			interpPath = string(bytes.TrimRight(data, "\x00"))
		case elf.PT_LOAD:
			if err := loadSegment(mem, p, adjust); err != nil {
				return Image{}, "", err
			}
		}
	}

	if phdrAddr == 0 {
		// No PT_PHDR: fall back to the first PT_LOAD's offset-relative
		// position, per spec §4.3 process-init step 4.
		for _, p := range f.Progs {
			if p.Type == elf.PT_LOAD {
				phdrAddr = p.Off + p.Vaddr + adjust
				break
			}
		}
	}

	img := Image{
		Entry:      f.Entry + adjust,
		LoadAdjust: adjust,
		PHdrAddr:   phdrAddr,
		PHEntSize:  uint16(elfPHEntSize),
		PHNum:      uint16(len(f.Progs)),
		IsDyn:      f.Type == elf.ET_DYN,
		Interp:     interpPath,
		MinVaddr:   minVaddr + adjust,
		MaxVaddr:   maxVaddr + adjust,
	}
	return img, interpPath, nil
}

const elfPHEntSize = 56 // sizeof(Elf64_Phdr)

// loadSegment grows brk to cover the segment (the low region's
// physical backing comes from brk's own slot ladder, not from the
// mmap interval lists, which spec §3 scopes to the upper region only),
// then writes the file-backed portion and zeroes the BSS tail
// directly through the guest-memory accessor.
//
// p_flags becomes the segment's protection once the loader's
// protection-adjust hook (§4.3) is wired to per-slot host mprotect;
// until then the monitor trusts the cooperative guest not to write
// its own text, matching the spec's "not a sandbox against malicious
// payloads" non-goal.
func loadSegment(mem MemTranslator, p *elf.Prog, adjust uint64) error {
	vaddr := p.Vaddr + adjust
	ceiling := vaddr + p.Memsz
	if _, err := mem.Brk(alignUp(ceiling)); err != nil {
		return fmt.Errorf("elfload: grow brk for segment at 0x%x: %w", vaddr, err)
	}

	if p.Filesz > 0 {
		buf, err := mem.Translate(vaddr, p.Filesz)
		if err != nil {
			return fmt.Errorf("elfload: translate segment at 0x%x: %w", vaddr, err)
		}
		if _, err := p.ReadAt(buf, 0); err != nil {
			return fmt.Errorf("elfload: read segment contents at 0x%x: %w", vaddr, err)
		}
	}

	if p.Memsz > p.Filesz {
		bssStart := vaddr + p.Filesz
		bssEnd := vaddr + p.Memsz
		buf, err := mem.Translate(bssStart, bssEnd-bssStart)
		if err != nil {
			return fmt.Errorf("elfload: translate bss at 0x%x: %w", bssStart, err)
		}
		for i := range buf {
			buf[i] = 0
		}
	}
	return nil
}

func alignUp(n uint64) uint64   { return (n + memmgr.PageSize - 1) &^ (memmgr.PageSize - 1) }
func alignDown(n uint64) uint64 { return n &^ (memmgr.PageSize - 1) }

// findDlopenSymbol scans the dynamic linker's symbol table for its
// "dlopen"-named entry, becoming a monitor-callable entry point (spec
// §4.3).
func findDlopenSymbol(f *elf.File, adjust uint64) (uint64, error) {
	syms, err := f.DynamicSymbols()
	if err != nil {
		syms, err = f.Symbols()
	}
	if err != nil {
		return 0, fmt.Errorf("elfload: read symbol table: %w", err)
	}
	for _, sym := range syms {
		if sym.Name == "dlopen" || sym.Name == "__libc_dlopen_mode" {
			return sym.Value + adjust, nil
		}
	}
	return 0, fmt.Errorf("elfload: dlopen symbol not found")
}

// Stat is a convenience used by cmd/km to fail fast on a missing
// payload before handing it to Load.
func Stat(path string) error {
	_, err := os.Stat(path)
	return err
}
