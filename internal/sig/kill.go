package sig

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Kill implements the kill hypercall (spec §4.6): cross-process
// delivery maps to the host's kill(2); delivery to this monitor's own
// pid (the only "process" the guest can see, since km runs one
// payload per process) is a self-signal posted directly.
func (s *State) Kill(pid int, signo int, selfPID int) error {
	if signo < 0 || signo > NSIG {
		return fmt.Errorf("EINVAL")
	}
	if signo == 0 {
		if pid == selfPID {
			return nil
		}
		if err := unix.Kill(pid, 0); err != nil {
			return fmt.Errorf("ESRCH")
		}
		return nil
	}
	if pid == selfPID {
		s.PostSignal(Info{Signo: int32(signo), Code: 0, PID: int32(selfPID), VCPUHint: -1})
		return nil
	}
	if err := unix.Kill(pid, unix.Signal(signo)); err != nil {
		return fmt.Errorf("host kill: %w", err)
	}
	return nil
}

// Tkill / Tgkill target a specific guest thread (vCPU), per spec
// §4.6: mapped to post_signal with that vCPU as the hint.
func (s *State) Tkill(tid int, signo int) error {
	if signo < 0 || signo > NSIG {
		return fmt.Errorf("EINVAL")
	}
	if _, ok := s.sched.Lookup(tid); !ok {
		return fmt.Errorf("ESRCH")
	}
	if signo == 0 {
		return nil
	}
	s.PostSignal(Info{Signo: int32(signo), Code: 0, VCPUHint: tid})
	return nil
}

func (s *State) Tgkill(tgid, tid int, signo int) error {
	return s.Tkill(tid, signo)
}

// ForwardSIGCHLD relays a host SIGCHLD into the guest as a pending
// SIGCHLD (spec §4.5 step 5). Machine.watchSIGCHLD calls it from the
// goroutine that receives SIGCHLD through os/signal.Notify, so it runs
// outside async-signal context; PostSignal takes the queue mutex and
// may interrupt a vCPU that is in the guest.
func (s *State) ForwardSIGCHLD() {
	s.PostSignal(Info{Signo: SIGCHLD, Code: 0, VCPUHint: -1})
}
