// Package hypercall is the hypercall/exit dispatcher (spec §4.4): the
// translation layer between guest port-I/O traps and monitor
// handlers.
package hypercall

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/chandlercord/km/internal/hypervisor"
	"github.com/chandlercord/km/internal/memmgr"
	"github.com/chandlercord/km/internal/sig"
	"github.com/chandlercord/km/internal/vcpu"
)

// Handler is one hypercall implementation. Per spec §4.4's error
// convention: a negative return is -errno, non-negative is success;
// the dispatcher never interprets the value beyond writing it back.
type Handler func(d *Dispatcher, v *vcpu.VCPU, args *ArgBlock) int64

// Dispatcher wires the hypercall number -> handler table to the
// monitor's subsystems (spec §4.4 step 3's handler categories: memory,
// threading, signals, process, I/O, snapshot, control).
type Dispatcher struct {
	Mem   *memmgr.Manager
	Sched *vcpu.Scheduler
	Sig   *sig.State
	Log   *logrus.Entry

	// ForkFn implements fork/clone-across-address-spaces (spec §4.5);
	// injected rather than imported directly because forkcoord itself
	// imports this package (its Fork takes *Dispatcher and *ArgBlock).
	// forkcoord does not copy the argument block onto a clone's child
	// stack.
	ForkFn func(d *Dispatcher, v *vcpu.VCPU, args *ArgBlock, isClone bool) int64

	// ExecveFn loads a new image into the current address space,
	// replacing the running payload (spec §4.4 process category).
	ExecveFn func(d *Dispatcher, v *vcpu.VCPU, args *ArgBlock) int64

	// OnExitGroup is invoked once the whole payload process is ending;
	// Machine uses it to record the exit status and trigger shutdown.
	OnExitGroup func(status int32)

	handlers map[int]Handler
}

// New builds a Dispatcher with the full memory/threading/signal/
// control/I/O handler table installed.
func New(mem *memmgr.Manager, sched *vcpu.Scheduler, sigState *sig.State, log *logrus.Entry) *Dispatcher {
	d := &Dispatcher{Mem: mem, Sched: sched, Sig: sigState, Log: log}
	d.handlers = map[int]Handler{
		HCBrk:      hcBrk,
		HCTbrk:     hcTbrk,
		HCMmap:     hcMmap,
		HCMunmap:   hcMunmap,
		HCMprotect: hcMprotect,
		HCMremap:   hcMremap,

		HCSetTidAddress: hcSetTidAddress,
		HCFutex:         hcFutex,

		HCRtSigaction:   hcRtSigaction,
		HCRtSigprocmask: hcRtSigprocmask,
		HCRtSigpending:  hcRtSigpending,
		HCRtSigreturn:   hcRtSigreturn,
		HCKill:          hcKill,
		HCTkill:         hcTkill,
		HCTgkill:        hcTgkill,

		HCGetpid:  hcGetpid,
		HCGetppid: hcGetppid,
		HCWait4:   hcWait4,

		HCRead:  hcRead,
		HCWrite: hcWrite,
		HCClose: hcClose,

		HCSnapshot:        hcUnsupported,
		HCSnapshotGetdata: hcUnsupported,
		HCSnapshotPutdata: hcUnsupported,
		HCUnmapself:       hcUnmapself,
	}
	return d
}

// readArgBlock performs the dispatcher's mandatory GVA->KMA
// translation of the argument block (spec §4.4 step 2).
func (d *Dispatcher) readArgBlock(gva uint64) (*ArgBlock, []byte, error) {
	buf, err := d.Mem.Translate(gva, ArgBlockSize)
	if err != nil {
		return nil, nil, fmt.Errorf("hypercall: translate arg block at 0x%x: %w", gva, err)
	}
	return decodeArgBlock(buf), buf, nil
}

func decodeArgBlock(b []byte) *ArgBlock {
	le := func(i int) uint64 {
		var v uint64
		for j := 7; j >= 0; j-- {
			v = v<<8 | uint64(b[i*8+j])
		}
		return v
	}
	return &ArgBlock{
		HCRet: int64(le(0)),
		Arg1:  le(1), Arg2: le(2), Arg3: le(3),
		Arg4: le(4), Arg5: le(5), Arg6: le(6),
	}
}

func encodeArgBlockRet(b []byte, ret int64) {
	v := uint64(ret)
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}

// HandleExit is the vcpu.ExitHandler the scheduler invokes after every
// guest exit (spec §4.4). It demultiplexes on the hypervisor's exit
// reason, and for port-I/O hypercall traffic, decodes the argument
// block, invokes the indexed handler, writes hc_ret back, and checks
// for a pending signal to deliver before the next guest entry (spec
// §4.4 steps 1-5).
func (d *Dispatcher) HandleExit(v *vcpu.VCPU) (terminate bool, err error) {
	run := v.Run()
	switch run.ExitReason {
	case hypervisor.ExitIO:
		terminate, err = d.handleIOExit(v)
	case hypervisor.ExitHLT:
		terminate, err = d.handleHLT(v)
	case hypervisor.ExitShutdown:
		terminate = true
	case hypervisor.ExitException:
		err = d.handleException(v)
	default:
		d.Log.WithField("exit_reason", run.ExitReason).Warn("unhandled exit reason")
	}
	if err != nil || terminate {
		return terminate, err
	}

	if d.Sched.Pausing() {
		d.Sched.ParkPaused(v)
	}
	if shutdown, signo, derr := d.Sig.DeliverSignal(v, d.Mem); derr != nil {
		return false, derr
	} else if shutdown {
		if d.OnExitGroup != nil {
			d.OnExitGroup(128 + signo)
		}
		return true, nil
	}
	return false, nil
}

func (d *Dispatcher) handleIOExit(v *vcpu.VCPU) (bool, error) {
	run := v.Run()
	direction, _, port, _, _ := run.IO()
	if direction != hypervisor.IODirOut || port < PortBase || port >= PortBase+MaxHypercallRange {
		d.Log.WithField("port", port).Warn("non-hypercall port I/O exit")
		return false, nil
	}
	hcnum := int(port - PortBase)

	if err := v.RefreshRegs(); err != nil {
		return false, err
	}
	argsGVA := v.Regs.RAX

	args, raw, err := d.readArgBlock(argsGVA)
	if err != nil {
		return false, err
	}

	var ret int64
	terminate := false
	switch hcnum {
	case HCClone, HCClone3:
		if args.Arg1&cloneThread != 0 {
			ret = d.cloneThread(v, args)
		} else if d.ForkFn != nil {
			ret = d.ForkFn(d, v, args, true)
		} else {
			ret = -errENOSYS
		}
	case HCFork:
		if d.ForkFn != nil {
			ret = d.ForkFn(d, v, args, false)
		} else {
			ret = -errENOSYS
		}
	case HCExecve:
		if d.ExecveFn != nil {
			ret = d.ExecveFn(d, v, args)
		} else {
			ret = -errENOSYS
		}
	case HCExit:
		ret = hcExit(d, v, args)
		terminate = true
	case HCExitGroup:
		ret = hcExitGroup(d, v, args)
		terminate = true
	default:
		h, ok := d.handlers[hcnum]
		if !ok {
			d.Log.WithField("hcnum", hcnum).Warn("unknown hypercall number")
			ret = -errENOSYS
		} else {
			ret = h(d, v, args)
		}
	}
	encodeArgBlockRet(raw, ret)
	return terminate, nil
}

func (d *Dispatcher) handleHLT(v *vcpu.VCPU) (bool, error) {
	if d.OnExitGroup != nil {
		d.OnExitGroup(0)
	}
	return true, nil
}

// handleException maps x86 faults to guest-visible POSIX signals
// (spec §4.4 step 1 / §7): #PF -> SIGSEGV, #UD -> SIGILL, #DE -> SIGFPE.
// The exact fault vector requires reading the hypervisor's exception
// sub-structure, which is back-end specific; this posts SIGSEGV, the
// common case, and leaves finer vector decoding to the back-end
// adapter the spec treats as an opaque capability.
func (d *Dispatcher) handleException(v *vcpu.VCPU) error {
	d.Sig.PostSignal(sig.Info{Signo: sig.SIGSEGV, Code: 0, VCPUHint: v.ID})
	return nil
}

// clone(2) flag bits the dispatcher inspects directly (linux/sched.h),
// grounded on km/km_init_guest.c:273-330's km_clone, which asserts
// CLONE_THREAD on every path it accepts and km/km_fork.c:341-350's
// km_dofork, which only ever sees the non-CLONE_THREAD clones that
// fall through to the fork coordinator.
const (
	cloneThread        = 0x00010000
	cloneChildCleartid = 0x00200000
	cloneChildSettid   = 0x01000000
)

// cloneThread implements CLONE_THREAD by allocating a new vCPU and
// starting it as a new host thread in this same process (spec §4.2),
// rather than routing through forkcoord: a CLONE_THREAD clone shares
// the caller's address space (page tables, CR3, fd table, signal
// dispositions), which only an in-process vCPU can give it — a host
// fork() would duplicate the address space via copy-on-write instead
// of sharing it, exactly the divergence km_init_guest.c's km_clone
// avoids by never forking for a thread clone.
func (d *Dispatcher) cloneThread(v *vcpu.VCPU, args *ArgBlock) int64 {
	if err := v.RefreshRegs(); err != nil {
		return -errAGAIN
	}
	sregs, err := hypervisor.GetSregs(v.FD())
	if err != nil {
		return -errAGAIN
	}

	newV, err := d.Sched.Get()
	if err != nil {
		return -errAGAIN
	}

	regsCopy := *v.Regs
	if args.Arg2 != 0 {
		regsCopy.RSP = args.Arg2
	}
	regsCopy.RAX = 0 // the new thread's view of clone()'s return value.

	newV.StackTop = args.Arg2
	if newV.StackTop == 0 {
		newV.StackTop = v.StackTop
	}
	newV.GuestThr = args.Arg5
	newV.SigAltStack = v.SigAltStack
	newV.SigMask = v.SigMask
	if args.Arg1&cloneChildSettid != 0 {
		newV.SetChildTID = args.Arg4
	}
	if args.Arg1&cloneChildCleartid != 0 {
		newV.ClearChildTID = args.Arg4
	}

	if err := d.Sched.StartAt(newV, &regsCopy, sregs, d.HandleExit); err != nil {
		d.Sched.Put(newV)
		return -errAGAIN
	}
	return int64(newV.ID)
}

func hcUnsupported(d *Dispatcher, v *vcpu.VCPU, args *ArgBlock) int64 {
	return -errENOSYS
}

func hcUnmapself(d *Dispatcher, v *vcpu.VCPU, args *ArgBlock) int64 {
	if err := d.Mem.Munmap(args.Arg1, args.Arg2); err != nil {
		return errnoOf(err)
	}
	return 0
}
