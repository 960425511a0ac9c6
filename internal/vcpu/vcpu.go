// Package vcpu is the host-thread-per-guest-thread lifecycle mechanic
// (spec §4.2, §3 "VCPU"). It owns the state machine and the idle pool;
// it knows nothing about hypercall semantics, memory layout, or
// signals — those are injected as callbacks from internal/machine so
// this package stays a pure scheduler.
package vcpu

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/chandlercord/km/internal/hypervisor"
)

// State is the per-vCPU state machine (spec §3 "VCPU states").
type State int

const (
	Starting State = iota
	Hypercall
	InGuest
	Paused
	Done
)

func (s State) String() string {
	switch s {
	case Starting:
		return "STARTING"
	case Hypercall:
		return "HYPERCALL"
	case InGuest:
		return "IN_GUEST"
	case Paused:
		return "PAUSED"
	case Done:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// SigAltStack mirrors the payload-visible stack_t used by sigaltstack.
type SigAltStack struct {
	SP    uint64
	Flags uint32
	Size  uint64
}

// RestartInfo captures enough of a hypercall's argument block to
// re-issue it across a pause/resume cycle (e.g. a futex wait
// interrupted by the pause protocol's interrupt-fd kick).
type RestartInfo struct {
	Valid  bool
	HCNum  int
	ArgGVA uint64
}

// VCPU is one guest thread's execution context (spec §3 "VCPU"). Each
// VCPU is exclusively owned by its host goroutine while IN_GUEST or
// HYPERCALL; it is returned to the idle pool once DONE.
type VCPU struct {
	ID   int
	fd   int
	run  *hypervisor.RunData
	runMem []byte

	mu    sync.Mutex
	cond  *sync.Cond
	state State

	Regs      *hypervisor.Regs
	Sregs     *hypervisor.Sregs
	RegsValid bool

	StackTop      uint64
	GuestThr      uint64 // TLS base (%fs.base)
	SigAltStack   SigAltStack
	SigMask       uint64
	SetChildTID   uint64
	ClearChildTID uint64
	DelayedMunmap []DelayedMunmap
	Restart       RestartInfo

	// parentID is the weak back-reference to machine.vcpuTable, an
	// index rather than an owning pointer (spec §9 "Cyclic references").
	parentID int

	log *logrus.Entry
}

// DelayedMunmap is one queued self-unmap request from an exiting
// thread (spec §4.2 exit / §9 open question b): the thread's own stack
// cannot be unmapped synchronously because the thread is still running
// the trampoline that asked for its own death.
type DelayedMunmap struct {
	Addr uint64
	Size uint64
}

func newVCPU(id, fd int, run *hypervisor.RunData, runMem []byte, log *logrus.Entry) *VCPU {
	v := &VCPU{ID: id, fd: fd, run: run, runMem: runMem, state: Starting, log: log}
	v.cond = sync.NewCond(&v.mu)
	return v
}

// FD is the hypervisor vCPU file descriptor, needed by callers that
// must call hypervisor.GetRegs/SetRegs/Interrupt directly.
func (v *VCPU) FD() int { return v.fd }

// Run returns the mmapped kvm_run-equivalent structure for this vCPU.
func (v *VCPU) Run() *hypervisor.RunData { return v.run }

// State returns the current state under lock.
func (v *VCPU) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// setState transitions state and wakes any waiter (e.g. the pause
// protocol waiting for PAUSED, or a joiner waiting for DONE).
func (v *VCPU) setState(s State) {
	v.mu.Lock()
	v.state = s
	v.cond.Broadcast()
	v.mu.Unlock()
}

// WaitState blocks until the vCPU reaches state s.
func (v *VCPU) WaitState(s State) {
	v.mu.Lock()
	for v.state != s {
		v.cond.Wait()
	}
	v.mu.Unlock()
}

// reset clears per-run state when Get takes a vCPU out of the idle pool, per
// spec §4.2 "a re-used vCPU keeps its hypervisor_vcpu_fd but resets
// state, regs_valid, TLS, signal mask, and tid-clear fields."
func (v *VCPU) reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = Starting
	v.RegsValid = false
	v.Regs = nil
	v.Sregs = nil
	v.StackTop = 0
	v.GuestThr = 0
	v.SigAltStack = SigAltStack{}
	v.SigMask = 0
	v.SetChildTID = 0
	v.ClearChildTID = 0
	v.DelayedMunmap = nil
	v.Restart = RestartInfo{}
}

// RefreshRegs pulls the register cache from the hypervisor, lazily
// (spec §4.2: "the dispatcher calls GetRegs lazily on first need").
func (v *VCPU) RefreshRegs() error {
	if v.RegsValid {
		return nil
	}
	r, err := hypervisor.GetRegs(v.fd)
	if err != nil {
		return fmt.Errorf("vcpu %d: refresh regs: %w", v.ID, err)
	}
	v.Regs = r
	v.RegsValid = true
	return nil
}

// FlushRegs pushes the (possibly handler-mutated) register cache back
// to the hypervisor before the next guest entry, only while RegsValid
// says the cache was filled since the last exit.
func (v *VCPU) FlushRegs() error {
	if v.Regs == nil || !v.RegsValid {
		return nil
	}
	if err := hypervisor.SetRegs(v.fd, v.Regs); err != nil {
		return fmt.Errorf("vcpu %d: flush regs: %w", v.ID, err)
	}
	return nil
}
