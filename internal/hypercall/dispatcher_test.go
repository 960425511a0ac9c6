package hypercall

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestDecodeArgBlockRoundTrips(t *testing.T) {
	buf := make([]byte, ArgBlockSize)
	binary.LittleEndian.PutUint64(buf[0:], uint64(int64(-42)))
	binary.LittleEndian.PutUint64(buf[8:], 0x1111)
	binary.LittleEndian.PutUint64(buf[16:], 0x2222)
	binary.LittleEndian.PutUint64(buf[24:], 0x3333)
	binary.LittleEndian.PutUint64(buf[32:], 0x4444)
	binary.LittleEndian.PutUint64(buf[40:], 0x5555)
	binary.LittleEndian.PutUint64(buf[48:], 0x6666)

	args := decodeArgBlock(buf)
	assert.Equal(t, int64(-42), args.HCRet)
	assert.Equal(t, uint64(0x1111), args.Arg1)
	assert.Equal(t, uint64(0x2222), args.Arg2)
	assert.Equal(t, uint64(0x3333), args.Arg3)
	assert.Equal(t, uint64(0x4444), args.Arg4)
	assert.Equal(t, uint64(0x5555), args.Arg5)
	assert.Equal(t, uint64(0x6666), args.Arg6)
}

func TestEncodeArgBlockRetWritesOnlyTheReturnWord(t *testing.T) {
	buf := make([]byte, ArgBlockSize)
	for i := 8; i < ArgBlockSize; i++ {
		buf[i] = 0xAB
	}
	encodeArgBlockRet(buf, -int64(unix.ENOENT))

	got := int64(binary.LittleEndian.Uint64(buf[0:8]))
	assert.Equal(t, -int64(unix.ENOENT), got)
	for i := 8; i < ArgBlockSize; i++ {
		assert.Equal(t, byte(0xAB), buf[i], "encodeArgBlockRet must not touch the argument words")
	}
}

func TestEncodeArgBlockRetNegativeRoundTrip(t *testing.T) {
	buf := make([]byte, ArgBlockSize)
	encodeArgBlockRet(buf, -1)
	args := decodeArgBlock(buf)
	assert.Equal(t, int64(-1), args.HCRet)
}

func TestErrnoOfMapsKnownMnemonics(t *testing.T) {
	cases := []struct {
		err  error
		want int64
	}{
		{fmt.Errorf("EINVAL"), -errINVAL},
		{fmt.Errorf("memmgr: ENOMEM: out of slots"), -errNOMEM},
		{fmt.Errorf("EFAULT"), -errFAULT},
		{fmt.Errorf("ESRCH"), -errSRCH},
		{fmt.Errorf("totally unrecognized failure"), -errIO},
		{nil, 0},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, errnoOf(c.err))
	}
}

func TestHcUnsupportedReturnsENOSYS(t *testing.T) {
	got := hcUnsupported(nil, nil, nil)
	assert.Equal(t, -errENOSYS, got)
}
