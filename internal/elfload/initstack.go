package elfload

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/chandlercord/km/internal/memmgr"
)

// Auxiliary vector tags (linux/auxvec.h), spec §4.3 step 4.
const (
	atNull     = 0
	atPhdr     = 3
	atPhent    = 4
	atPhnum    = 5
	atPagesz   = 6
	atBase     = 7
	atFlags    = 8
	atEntry    = 9
	atUID      = 11
	atEUID     = 12
	atGID      = 13
	atEGID     = 14
	atPlatform = 15
	atClktck   = 17
	atSecure   = 23
	atRandom   = 25
	atExecfn   = 31
	atSysinfoEhdr = 33
)

const (
	argMax        = 128 * 1024 // spec §4.3 step 1: "bounded by ARG_MAX".
	stackSize     = 8 * 1024 * 1024
	platformStr   = "X86_64\x00"
	randomBytes   = 16
	clockTicksHz  = 100
)

// InitStack is the result of building the initial stack: its top (the
// RSP the vCPU is started with, pointing at argc) and the AT_ENTRY the
// vCPU's RIP is started at (the dynamic linker's entry if one is
// present, else the main image's).
type InitStack struct {
	StackTop uint64
	Entry    uint64
}

// BuildInitialStack lays out argv/envp/auxv at the top of a freshly
// mmapped stack region, per spec §4.3 steps 1-5.
func BuildInitialStack(mem MemTranslator, argv, envp []string, loaded *Loaded, execfn string) (*InitStack, error) {
	total := 0
	for _, s := range argv {
		total += len(s) + 1
	}
	for _, s := range envp {
		total += len(s) + 1
	}
	if total > argMax {
		return nil, fmt.Errorf("elfload: argv+envp exceeds ARG_MAX")
	}

	top, err := mem.Mmap(0, stackSize,
		memmgr.ProtRead|memmgr.ProtWrite,
		memmgr.MapPrivate|memmgr.MapAnonymous, -1, 0)
	if err != nil {
		return nil, fmt.Errorf("elfload: mmap stack: %w", err)
	}
	stackBase := top
	sp := top + stackSize

	// Step 1: strings, envp then argv, each NUL-terminated, written
	// high to low; pointers recorded for the arrays written later.
	writeStr := func(s string) (uint64, error) {
		n := uint64(len(s) + 1)
		sp -= n
		buf, err := mem.Translate(sp, n)
		if err != nil {
			return 0, fmt.Errorf("elfload: write string: %w", err)
		}
		copy(buf, s)
		buf[len(s)] = 0
		return sp, nil
	}

	envPtrs := make([]uint64, len(envp))
	for i := len(envp) - 1; i >= 0; i-- {
		p, err := writeStr(envp[i])
		if err != nil {
			return nil, err
		}
		envPtrs[i] = p
	}
	argPtrs := make([]uint64, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		p, err := writeStr(argv[i])
		if err != nil {
			return nil, err
		}
		argPtrs[i] = p
	}

	// Step 2: platform string and AT_RANDOM entropy.
	platAddr, err := writeStr(platformStr[:len(platformStr)-1])
	if err != nil {
		return nil, err
	}
	execfnAddr := platAddr
	if execfn != "" {
		execfnAddr, err = writeStr(execfn)
		if err != nil {
			return nil, err
		}
	}

	sp -= randomBytes
	randBuf, err := mem.Translate(sp, randomBytes)
	if err != nil {
		return nil, fmt.Errorf("elfload: write AT_RANDOM: %w", err)
	}
	if _, err := rand.Read(randBuf); err != nil {
		return nil, fmt.Errorf("elfload: generate AT_RANDOM entropy: %w", err)
	}
	randomAddr := sp

	// Step 3: lay out the fixed-size region from here down to argc:
	// null auxv entry, auxv entries, envp null+pointers, argv
	// null+pointers, argc. Per km_init_guest.c:126-141, the parity
	// alignment pad is one pointer of *unused* space sitting above the
	// entire block (between the 16-byte boundary and the topmost AT_NULL
	// auxv entry) — it is never a word inside the array, since a real
	// auxv parser computes the auxv base as envp+envc+1 and would
	// misread a stray pad word there as AT_NULL.
	entry := loaded.Main.Entry
	base := loaded.Main.LoadAdjust
	phdr := loaded.Main.PHdrAddr
	if loaded.DynLinker != nil {
		entry = loaded.DynLinker.Entry
		base = loaded.DynLinker.LoadAdjust
	}

	auxv := []struct{ tag, val uint64 }{
		{atPlatform, platAddr},
		{atExecfn, execfnAddr},
		{atRandom, randomAddr},
		{atSecure, 0},
		{atEGID, 0},
		{atGID, 0},
		{atEUID, 0},
		{atUID, 0},
		{atEntry, entry},
		{atFlags, 0},
		{atBase, base},
		{atPhnum, uint64(loaded.Main.PHNum)},
		{atPhent, uint64(loaded.Main.PHEntSize)},
		{atPhdr, phdr},
		{atClktck, clockTicksHz},
		{atPagesz, memmgr.PageSize},
	}

	argc := uint64(len(argv))
	envc := uint64(len(envp))
	// km_init_guest.c's pad test is `(argc+envc)%2 != 0`, but its envc
	// parameter there already counts the trailing NULL slot; translated
	// to our envc (the real env-string count, NULL excluded, one less),
	// the equivalent test is the opposite parity.
	pad := uint64(0)
	if (argc+envc)%2 == 0 {
		pad = 1
	}

	// ceil is the top of the fixed region after 16-byte rounding and the
	// parity pad; it is never itself written to, only the contentWords
	// below it are. This reproduces km_init_guest.c's rounddown-then-pad
	// sequence exactly: the pad shifts the whole block down by one
	// pointer so argc lands 16-byte aligned, without ever materializing
	// as a word a parser could trip over.
	ceil := sp &^ 0xF
	ceil -= pad * 8

	contentWords := 1 /* argc */ + int(argc) + 1 /* argv null */ + int(envc) + 1 /* envp null */ +
		len(auxv)*2 + 2 /* AT_NULL */
	sp = ceil - uint64(contentWords)*8

	buf, err := mem.Translate(sp, uint64(contentWords)*8)
	if err != nil {
		return nil, fmt.Errorf("elfload: write stack frame: %w", err)
	}
	put := func(i int, v uint64) { binary.LittleEndian.PutUint64(buf[i*8:], v) }

	i := 0
	put(i, argc)
	i++
	for _, p := range argPtrs {
		put(i, p)
		i++
	}
	put(i, 0) // argv null terminator
	i++
	for _, p := range envPtrs {
		put(i, p)
		i++
	}
	put(i, 0) // envp null terminator
	i++
	for _, a := range auxv {
		put(i, a.tag)
		i++
		put(i, a.val)
		i++
	}
	put(i, atNull)
	i++
	put(i, 0)
	i++

	if sp < stackBase {
		return nil, fmt.Errorf("elfload: initial stack frame overflowed the stack region")
	}

	return &InitStack{StackTop: sp, Entry: entry}, nil
}
