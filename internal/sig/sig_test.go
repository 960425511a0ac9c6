package sig

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chandlercord/km/internal/vcpu"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l.WithField("test", true)
}

func TestSigactionRejectsSIGKILLAndSIGSTOP(t *testing.T) {
	s := New(nil, testLog())
	err := s.Sigaction(SIGKILL, &Sigaction{Handler: SigHandlerIgnore}, nil)
	assert.Error(t, err)
	err = s.Sigaction(SIGSTOP, &Sigaction{Handler: SigHandlerIgnore}, nil)
	assert.Error(t, err)
}

func TestSigactionInstallAndFetch(t *testing.T) {
	s := New(nil, testLog())
	newAct := &Sigaction{Handler: 0xdead, Flags: SA_RESTART, Mask: 1 << 3}
	require.NoError(t, s.Sigaction(SIGUSR1, newAct, nil))

	var old Sigaction
	require.NoError(t, s.Sigaction(SIGUSR1, nil, &old))
	assert.Equal(t, *newAct, old)
}

func TestRtSigprocmaskBlockUnblockSetMask(t *testing.T) {
	v := &vcpu.VCPU{}

	require.NoError(t, RtSigprocmask(v, SigBlock, maskPtr(1<<(SIGUSR1-1)), nil))
	assert.Equal(t, uint64(1<<(SIGUSR1-1)), v.SigMask)

	require.NoError(t, RtSigprocmask(v, SigBlock, maskPtr(1<<(SIGUSR2-1)), nil))
	assert.Equal(t, uint64(1<<(SIGUSR1-1)|1<<(SIGUSR2-1)), v.SigMask)

	var old uint64
	require.NoError(t, RtSigprocmask(v, SigUnblock, maskPtr(1<<(SIGUSR1-1)), &old))
	assert.Equal(t, uint64(1<<(SIGUSR1-1)|1<<(SIGUSR2-1)), old)
	assert.Equal(t, uint64(1<<(SIGUSR2-1)), v.SigMask)

	require.NoError(t, RtSigprocmask(v, SigSetMask, maskPtr(0), nil))
	assert.Equal(t, uint64(0), v.SigMask)
}

func TestRtSigprocmaskNeverBlocksSIGKILLOrSIGSTOP(t *testing.T) {
	v := &vcpu.VCPU{}
	full := ^uint64(0)
	require.NoError(t, RtSigprocmask(v, SigSetMask, &full, nil))
	assert.False(t, blocks(v.SigMask, SIGKILL))
	assert.False(t, blocks(v.SigMask, SIGSTOP))
}

func TestRtSigprocmaskInvalidHow(t *testing.T) {
	v := &vcpu.VCPU{}
	set := uint64(1)
	err := RtSigprocmask(v, 99, &set, nil)
	assert.Error(t, err)
}

func TestPostSignalAndTakeRespectsMask(t *testing.T) {
	sched := vcpu.New(0, 0, 0, testLog())
	s := New(sched, testLog())
	v := &vcpu.VCPU{}
	v.SigMask = 1 << (SIGUSR1 - 1) // blocking SIGUSR1

	s.PostSignal(Info{Signo: SIGUSR1, VCPUHint: -1})
	_, ok := s.take(v)
	assert.False(t, ok, "a blocked signal must not be taken")

	v.SigMask = 0
	info, ok := s.take(v)
	require.True(t, ok)
	assert.Equal(t, int32(SIGUSR1), info.Signo)

	_, ok = s.take(v)
	assert.False(t, ok, "a signal is removed from the queue once taken")
}

func TestRtSigpendingMasksAgainstVCPUMask(t *testing.T) {
	sched := vcpu.New(0, 0, 0, testLog())
	s := New(sched, testLog())
	s.PostSignal(Info{Signo: SIGUSR1, VCPUHint: -1})
	s.PostSignal(Info{Signo: SIGUSR2, VCPUHint: -1})

	v := &vcpu.VCPU{SigMask: 1 << (SIGUSR1 - 1)}
	mask := s.RtSigpending(v)
	assert.Equal(t, uint64(1<<(SIGUSR1-1)), mask)
}

func TestKillSelfPostsWithoutHostSyscall(t *testing.T) {
	sched := vcpu.New(0, 0, 0, testLog())
	s := New(sched, testLog())
	const selfPID = 4242

	require.NoError(t, s.Kill(selfPID, SIGUSR1, selfPID))

	v := &vcpu.VCPU{}
	info, ok := s.take(v)
	require.True(t, ok)
	assert.Equal(t, int32(SIGUSR1), info.Signo)
}

func TestKillSignalZeroIsExistenceProbeOnly(t *testing.T) {
	sched := vcpu.New(0, 0, 0, testLog())
	s := New(sched, testLog())
	assert.NoError(t, s.Kill(1234, 0, 1234))
}

func TestDefaultIsFatal(t *testing.T) {
	assert.False(t, defaultIsFatal(SIGCHLD))
	assert.False(t, defaultIsFatal(SIGSTOP))
	assert.True(t, defaultIsFatal(SIGSEGV))
	assert.True(t, defaultIsFatal(SIGTERM))
}

func TestResetAfterForkClearsPendingQueue(t *testing.T) {
	sched := vcpu.New(0, 0, 0, testLog())
	s := New(sched, testLog())
	s.PostSignal(Info{Signo: SIGUSR1, VCPUHint: -1})

	newSched := vcpu.New(1, 0, 0, testLog())
	s.ResetAfterFork(newSched)

	v := &vcpu.VCPU{}
	_, ok := s.take(v)
	assert.False(t, ok, "fork must not inherit the parent's pending signal queue")
}

func maskPtr(v uint64) *uint64 { return &v }
