package elfload

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMem is a bump-allocating MemTranslator backed by a plain Go byte
// slice, standing in for memmgr.Manager so initial-stack layout can be
// tested without a real hypervisor device.
type fakeMem struct {
	base uint64
	buf  []byte
	brk  uint64
	next uint64
}

func newFakeMem(size uint64) *fakeMem {
	const base = 0x10000000
	return &fakeMem{base: base, buf: make([]byte, size), brk: base, next: base}
}

func (m *fakeMem) Brk(newBrk uint64) (uint64, error) {
	if newBrk != 0 {
		m.brk = newBrk
	}
	return m.brk, nil
}

func (m *fakeMem) Mmap(addr, size uint64, prot, flags uint32, fd int, offset uint64) (uint64, error) {
	size = (size + 0xFFF) &^ 0xFFF
	out := m.next
	m.next += size
	if m.next-m.base > uint64(len(m.buf)) {
		return 0, fmt.Errorf("fakeMem: out of space")
	}
	return out, nil
}

func (m *fakeMem) Translate(gva uint64, length uint64) ([]byte, error) {
	if gva < m.base || gva+length > m.base+uint64(len(m.buf)) {
		return nil, fmt.Errorf("fakeMem: out of range 0x%x+%d", gva, length)
	}
	off := gva - m.base
	return m.buf[off : off+length], nil
}

func TestBuildInitialStackLayout(t *testing.T) {
	mem := newFakeMem(16 * 1024 * 1024)
	loaded := &Loaded{Main: Image{Entry: 0x401000, PHdrAddr: 0x400040, PHEntSize: 56, PHNum: 3}}

	stack, err := BuildInitialStack(mem, []string{"/bin/payload", "arg1"}, []string{"HOME=/root"}, loaded, "/bin/payload")
	require.NoError(t, err)

	assert.Equal(t, uint64(0x401000), stack.Entry)
	assert.True(t, stack.StackTop%16 == 0, "stack top must be 16-byte aligned at argc")

	buf, err := mem.Translate(stack.StackTop, 8)
	require.NoError(t, err)
	argc := binary.LittleEndian.Uint64(buf)
	assert.Equal(t, uint64(2), argc, "argc must count argv entries only")

	argv0Buf, err := mem.Translate(stack.StackTop+8, 8)
	require.NoError(t, err)
	argv0Ptr := binary.LittleEndian.Uint64(argv0Buf)
	s, err := readCStringFromFake(mem, argv0Ptr)
	require.NoError(t, err)
	assert.Equal(t, "/bin/payload", s)
}

func TestBuildInitialStackRejectsOversizedArgv(t *testing.T) {
	mem := newFakeMem(16 * 1024 * 1024)
	loaded := &Loaded{Main: Image{Entry: 0x401000}}

	huge := make([]byte, argMax+1)
	for i := range huge {
		huge[i] = 'a'
	}
	_, err := BuildInitialStack(mem, []string{string(huge)}, nil, loaded, "")
	assert.Error(t, err)
}

func TestBuildInitialStackUsesDynLinkerEntryWhenPresent(t *testing.T) {
	mem := newFakeMem(16 * 1024 * 1024)
	loaded := &Loaded{
		Main:      Image{Entry: 0x401000},
		DynLinker: &Image{Entry: 0x7f0000, LoadAdjust: 0x7f0000},
	}
	stack, err := BuildInitialStack(mem, []string{"a"}, nil, loaded, "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x7f0000), stack.Entry, "AT_ENTRY and the vCPU entry must come from the interpreter when one is loaded")
}

func readCStringFromFake(mem *fakeMem, gva uint64) (string, error) {
	var b []byte
	for i := uint64(0); ; i++ {
		buf, err := mem.Translate(gva+i, 1)
		if err != nil {
			return "", err
		}
		if buf[0] == 0 {
			return string(b), nil
		}
		b = append(b, buf[0])
	}
}
