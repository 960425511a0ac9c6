// Package sig is the signal subsystem (spec §4.6, §3 "Signal state"):
// a process-wide pending FIFO, a 64-entry sigaction table, and the
// per-vCPU mask/altstack bookkeeping that the dispatcher consults at
// every hypercall boundary.
package sig

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/chandlercord/km/internal/hypervisor"
	"github.com/chandlercord/km/internal/vcpu"
)

const (
	// NSIG is the count of real-time-numbered signals the monitor
	// tracks (spec §3: "a table of 64 entries").
	NSIG = 64

	SIGHUP  = 1
	SIGINT  = 2
	SIGQUIT = 3
	SIGILL  = 4
	SIGTRAP = 5
	SIGABRT = 6
	SIGBUS  = 7
	SIGFPE  = 8
	SIGKILL = 9
	SIGUSR1 = 10
	SIGSEGV = 11
	SIGUSR2 = 12
	SIGPIPE = 13
	SIGALRM = 14
	SIGTERM = 15
	SIGCHLD = 17
	SIGCONT = 18
	SIGSTOP = 19
	SIGTSTP = 20
	SIGTTIN = 21
	SIGTTOU = 22
	SIGURG  = 23
	SIGWINCH = 28

	SA_NOCLDSTOP = 1 << 0
	SA_NOCLDWAIT = 1 << 1
	SA_SIGINFO   = 1 << 2
	SA_ONSTACK   = 1 << 27
	SA_RESTART   = 1 << 28
	SA_NODEFER   = 1 << 30
	SA_RESETHAND = 1 << 31

	SigHandlerDefault uint64 = 0
	SigHandlerIgnore  uint64 = 1

	SigBlock   = 0
	SigUnblock = 1
	SigSetMask = 2
)

// Sigaction is one entry of the process-wide handler table (spec §3).
type Sigaction struct {
	Handler  uint64
	Flags    uint64
	Mask     uint64
	Restorer uint64
}

// Info is the monitor's internal representation of a pending signal —
// the fields needed to build a guest siginfo_t at delivery time.
type Info struct {
	Signo  int32
	Code   int32
	PID    int32
	UID    int32
	Status int32
	// VCPUHint, if >=0, targets delivery at a specific vCPU (spec §4.6
	// post_signal); -1 means "any vCPU not blocking it".
	VCPUHint int
}

// State is the process-wide signal state: the sigaction table and the
// pending FIFO. Per-vCPU mask/altstack live on vcpu.VCPU itself —
// State only manipulates them through the VCPU's exported fields,
// always under muTable for sigaction-table reads and its own muQueue
// for the FIFO (spec §5 lock order: ... < signal_mutex < vcpu.thr_mtx).
type State struct {
	log *logrus.Entry

	muTable sync.Mutex
	table   [NSIG + 1]Sigaction

	muQueue sync.Mutex
	pending []Info

	sched *vcpu.Scheduler
}

// New constructs a State bound to a Scheduler so post_signal can wake
// a target vCPU via the hypervisor interrupt mechanism.
func New(sched *vcpu.Scheduler, log *logrus.Entry) *State {
	return &State{sched: sched, log: log}
}

// Sigaction installs or fetches a handler table entry (rt_sigaction).
func (s *State) Sigaction(signo int, newAct *Sigaction, old *Sigaction) error {
	if signo <= 0 || signo > NSIG || signo == SIGKILL || signo == SIGSTOP {
		return fmt.Errorf("EINVAL")
	}
	s.muTable.Lock()
	defer s.muTable.Unlock()
	if old != nil {
		*old = s.table[signo]
	}
	if newAct != nil {
		s.table[signo] = *newAct
	}
	return nil
}

func (s *State) actionFor(signo int) Sigaction {
	s.muTable.Lock()
	defer s.muTable.Unlock()
	return s.table[signo]
}

// defaultIsFatal reports whether SIG_DFL for signo terminates the
// payload. The monitor has no job-control model (spec is a flat POSIX
// runtime, not a session/terminal stack) so the historical
// default-stop signals (SIGSTOP/TSTP/TTIN/TTOU) are treated as
// default-ignore rather than suspending a vCPU nothing can resume.
func defaultIsFatal(signo int32) bool {
	switch signo {
	case SIGCHLD, SIGURG, SIGWINCH, SIGCONT, SIGSTOP, SIGTSTP, SIGTTIN, SIGTTOU:
		return false
	default:
		return true
	}
}

// RtSigprocmask implements rt_sigprocmask (spec §4.6): per-vCPU,
// returns the old mask if requested, validates how.
func RtSigprocmask(v *vcpu.VCPU, how int, set *uint64, old *uint64) error {
	if old != nil {
		*old = v.SigMask
	}
	if set == nil {
		return nil
	}
	switch how {
	case SigBlock:
		v.SigMask |= *set
	case SigUnblock:
		v.SigMask &^= *set
	case SigSetMask:
		v.SigMask = *set
	default:
		return fmt.Errorf("EINVAL")
	}
	// SIGKILL and SIGSTOP can never be blocked.
	v.SigMask &^= (uint64(1) << (SIGKILL - 1)) | (uint64(1) << (SIGSTOP - 1))
	return nil
}

// RtSigpending returns the signals in the pending queue currently
// blocked by v, masked into a bitset.
func (s *State) RtSigpending(v *vcpu.VCPU) uint64 {
	s.muQueue.Lock()
	defer s.muQueue.Unlock()
	var mask uint64
	for _, p := range s.pending {
		mask |= uint64(1) << uint(p.Signo-1)
	}
	return mask & v.SigMask
}

func blocks(mask uint64, signo int32) bool {
	return mask&(uint64(1)<<uint(signo-1)) != 0
}

// PostSignal enqueues a signal and, per spec §4.6, wakes a suitable
// vCPU: the hinted one if it isn't blocking the signal; otherwise any
// vCPU not blocking it; otherwise it is left for the next vCPU that
// polls the queue at its hypercall boundary.
func (s *State) PostSignal(info Info) {
	s.muQueue.Lock()
	s.pending = append(s.pending, info)
	s.muQueue.Unlock()

	if info.VCPUHint >= 0 {
		if v, ok := s.sched.Lookup(info.VCPUHint); ok && !blocks(v.SigMask, info.Signo) {
			s.wake(v)
			return
		}
	}
	for _, v := range s.sched.All() {
		if !blocks(v.SigMask, info.Signo) {
			s.wake(v)
			return
		}
	}
	s.log.WithField("signo", info.Signo).Debug("signal posted, all vcpus blocking; left pending")
}

// ResetAfterFork clears the inherited pending-signal queue and rebinds
// to the child's freshly rebuilt scheduler (spec §4.5 step 4 "reinit
// signal state"): the sigaction table itself is process-wide behavior
// the child keeps exactly as inherited from the parent's copy-on-write
// memory, but any signal already queued for a parent vCPU no longer
// refers to anything live in the child.
func (s *State) ResetAfterFork(sched *vcpu.Scheduler) {
	s.muQueue.Lock()
	s.pending = nil
	s.muQueue.Unlock()
	s.sched = sched
}

func (s *State) wake(v *vcpu.VCPU) {
	if v.State() == vcpu.InGuest {
		_ = hypervisor.Interrupt(v.FD(), 0)
	}
}

// take pulls the first pending signal not blocked by v's mask, per
// spec §4.6: "a signal is delivered to at most one vCPU" — removal
// from the shared queue happens exactly once, inside muQueue.
func (s *State) take(v *vcpu.VCPU) (Info, bool) {
	s.muQueue.Lock()
	defer s.muQueue.Unlock()
	for i, p := range s.pending {
		if !blocks(v.SigMask, p.Signo) {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return p, true
		}
	}
	return Info{}, false
}
