// Package forkcoord implements fork/clone across address spaces (spec
// §4.5): a faulting vCPU snapshots its architectural state and hands
// off to a single designated host thread, which alone is allowed to
// call the host's fork(2) — duplicating a Go process from any other
// thread leaves the runtime's scheduler, GC, and sysmon state
// undefined in the child, so the monitor pays for POSIX fork semantics
// by serializing every fork/clone through one thread and quiescing
// every other vCPU first via the existing pause protocol.
package forkcoord

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/chandlercord/km/internal/hypercall"
	"github.com/chandlercord/km/internal/hypervisor"
	"github.com/chandlercord/km/internal/memmgr"
	"github.com/chandlercord/km/internal/sig"
	"github.com/chandlercord/km/internal/vcpu"
)

// Snapshot is the faulting vCPU's state captured under fork_state.mtx
// (spec §3 "ForkState") before handoff to the fork thread.
type Snapshot struct {
	Regs          *hypervisor.Regs
	Sregs         *hypervisor.Sregs
	StackTop      uint64
	GuestThr      uint64
	SigAltStack   vcpu.SigAltStack
	SigMask       uint64
	SetChildTID   uint64
	ClearChildTID uint64
	IsClone       bool
}

type request struct {
	snap     Snapshot
	callerID int
	done     chan result
}

type result struct {
	pid int
	err error
}

// Coordinator serializes fork/clone requests (spec §5 "only one fork in
// progress at a time") and owns the one host thread allowed to call
// fork(2).
type Coordinator struct {
	mu          sync.Mutex
	cond        *sync.Cond
	inProgress  bool

	mem      *memmgr.Manager
	sched    *vcpu.Scheduler
	sigState *sig.State
	handler  vcpu.ExitHandler
	log      *logrus.Entry

	devFD int
	vmFD  int

	reqCh chan *request
}

// New constructs a Coordinator. devFD/vmFD are the host hypervisor
// device and VM file descriptors at construction time; handler is the
// vcpu.ExitHandler (machine's dispatcher.HandleExit) installed on every
// vCPU StartAt spawns, including the fork child's rebuilt one.
func New(mem *memmgr.Manager, sched *vcpu.Scheduler, sigState *sig.State, devFD, vmFD int, handler vcpu.ExitHandler, log *logrus.Entry) *Coordinator {
	c := &Coordinator{
		mem: mem, sched: sched, sigState: sigState,
		devFD: devFD, vmFD: vmFD, handler: handler, log: log,
		reqCh: make(chan *request),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// RunMainLoop serves fork requests one at a time until stop is closed.
// The caller MUST have called runtime.LockOSThread() on the process's
// original OS thread before invoking this, and must call it directly
// rather than via a new goroutine — fork(2) is only well-defined from
// the thread that has been present since exec, since every other OS
// thread simply vanishes from the child's address space without
// running its deferred cleanup (spec §4.5 step 1 "single surviving
// thread").
func (c *Coordinator) RunMainLoop(stop <-chan struct{}) {
	for {
		select {
		case req := <-c.reqCh:
			c.serveOne(req)
		case <-stop:
			return
		}
	}
}

func (c *Coordinator) serveOne(req *request) {
	// Stop every other vCPU at a hypercall boundary first: fork()
	// duplicates whatever this thread's siblings were doing mid-flight,
	// and the monitor has no way to resume a KVM_RUN that was in
	// progress on a thread that no longer exists post-fork. The calling
	// vCPU itself is excluded: its goroutine is blocked here, not back
	// in its run loop, so it can never report PAUSED.
	c.sched.Pause(req.callerID)

	pid, _, errno := unix.RawSyscall(unix.SYS_FORK, 0, 0, 0)
	if errno != 0 {
		c.sched.Resume()
		req.done <- result{err: fmt.Errorf("forkcoord: host fork: %w", errno)}
		return
	}
	if pid == 0 {
		if err := c.childInit(req.snap); err != nil {
			c.log.WithError(err).Error("fork child vm init failed")
			unix.Exit(1)
		}
		// The child keeps serving this same loop for any later
		// fork/clone of its own; its parent-side req.done is a dead
		// channel end in this process and nothing reads it.
		return
	}
	c.sched.Resume()
	req.done <- result{pid: int(pid)}
}

// childInit rebuilds hypervisor/memory/scheduler/signal state for the
// freshly forked child (spec §4.5 step 4 "fork_child_vm_init"): the
// host address space (and with it every guest-backing host mmap
// region) survived the fork via copy-on-write, but the hypervisor VM
// object, its vCPU table, and the pending signal queue did not, so
// those get rebuilt from the snapshot while the data they describe
// stays put.
func (c *Coordinator) childInit(snap Snapshot) error {
	oldVMFD := c.vmFD
	newVMFD, err := hypervisor.CreateVM(c.devFD)
	if err != nil {
		return fmt.Errorf("forkcoord: child: create vm: %w", err)
	}
	if err := hypervisor.CreateIRQChip(newVMFD); err != nil {
		return fmt.Errorf("forkcoord: child: create irqchip: %w", err)
	}
	_ = unix.Close(oldVMFD)
	c.vmFD = newVMFD

	if err := c.mem.Rebind(newVMFD); err != nil {
		return fmt.Errorf("forkcoord: child: rebind memory: %w", err)
	}
	c.sched.ResetAfterFork(newVMFD)
	c.sigState.ResetAfterFork(c.sched)

	v, err := c.sched.Get()
	if err != nil {
		return fmt.Errorf("forkcoord: child: allocate vcpu: %w", err)
	}
	v.StackTop = snap.StackTop
	v.GuestThr = snap.GuestThr
	v.SigAltStack = snap.SigAltStack
	v.SigMask = snap.SigMask
	v.SetChildTID = snap.SetChildTID
	v.ClearChildTID = snap.ClearChildTID

	return c.sched.StartAt(v, snap.Regs, snap.Sregs, c.handler)
}

// Fork implements hypercall.Dispatcher's ForkFn (spec §4.5 steps 1-3):
// the faulting vCPU's own goroutine snapshots its state and hands off
// to the Coordinator's main-loop thread, which performs the actual
// fork and (in the parent) reports the child's pid back as the
// hypercall's return value.
func (c *Coordinator) Fork(d *hypercall.Dispatcher, v *vcpu.VCPU, args *hypercall.ArgBlock, isClone bool) int64 {
	c.mu.Lock()
	for c.inProgress {
		c.cond.Wait()
	}
	c.inProgress = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inProgress = false
		c.cond.Broadcast()
		c.mu.Unlock()
	}()

	if err := v.RefreshRegs(); err != nil {
		return -int64(unix.EAGAIN)
	}
	sregs, err := hypervisor.GetSregs(v.FD())
	if err != nil {
		return -int64(unix.EAGAIN)
	}

	regsCopy := *v.Regs
	snap := Snapshot{
		Regs:          &regsCopy,
		Sregs:         sregs,
		StackTop:      v.StackTop,
		GuestThr:      v.GuestThr,
		SigAltStack:   v.SigAltStack,
		SigMask:       v.SigMask,
		SetChildTID:   v.SetChildTID,
		ClearChildTID: v.ClearChildTID,
		IsClone:       isClone,
	}

	if isClone {
		// clone(flags, child_stack, ptid, ctid, tls): Arg2==0 keeps
		// the parent's RSP, which in the forked child points into its
		// own copy of the parent's stack; otherwise the child starts
		// at the caller-supplied stack pointer.
		if args.Arg2 != 0 {
			snap.Regs.RSP = args.Arg2
		}
		snap.GuestThr = args.Arg5
		snap.SetChildTID = args.Arg4
		snap.ClearChildTID = args.Arg4
	}
	snap.Regs.RAX = 0 // the child's view of fork/clone's return value.

	req := &request{snap: snap, callerID: v.ID, done: make(chan result, 1)}
	c.reqCh <- req
	res := <-req.done
	if res.err != nil {
		return -int64(unix.EAGAIN)
	}
	return int64(res.pid)
}
