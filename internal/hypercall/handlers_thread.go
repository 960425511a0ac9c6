package hypercall

import (
	"encoding/binary"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/chandlercord/km/internal/vcpu"
)

const (
	futexWait = 0
	futexWake = 1
	futexPrivateFlag = 128
)

// hcSetTidAddress implements set_tid_address: Arg1 is the guest
// address cleared and futex-woken on thread exit (spec §3
// "clear_child_tid").
func hcSetTidAddress(d *Dispatcher, v *vcpu.VCPU, args *ArgBlock) int64 {
	v.ClearChildTID = args.Arg1
	return int64(v.ID)
}

// hcFutex passes FUTEX_WAIT/FUTEX_WAKE straight through to the host
// futex(2) on the guest address's backing host memory: since every
// guest page is a real host mmap region (spec §3 "Memory Slot"), a
// futex word the guest writes is the same word the host kernel's
// futex queue hashes on, so cross-vCPU wake/wait works without the
// monitor maintaining its own wait-queue.
func hcFutex(d *Dispatcher, v *vcpu.VCPU, args *ArgBlock) int64 {
	buf, err := d.Mem.Translate(args.Arg1, 4)
	if err != nil {
		return errnoOf(err)
	}
	op := int(args.Arg2) &^ futexPrivateFlag
	addr := unsafe.Pointer(&buf[0])

	switch op {
	case futexWait:
		expected := uint32(args.Arg3)
		var timeout *unix.Timespec
		if args.Arg4 != 0 {
			tbuf, err := d.Mem.Translate(args.Arg4, 16)
			if err == nil {
				sec := binary.LittleEndian.Uint64(tbuf[0:8])
				nsec := binary.LittleEndian.Uint64(tbuf[8:16])
				timeout = &unix.Timespec{Sec: int64(sec), Nsec: int64(nsec)}
			}
		}
		_, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(addr), uintptr(futexWait),
			uintptr(expected), uintptr(unsafe.Pointer(timeout)), 0, 0)
		if errno != 0 && errno != unix.EAGAIN && errno != unix.EINTR {
			return -int64(errno)
		}
		return 0
	case futexWake:
		n := int(args.Arg3)
		woken, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(addr), uintptr(futexWake),
			uintptr(n), 0, 0, 0)
		if errno != 0 {
			return -int64(errno)
		}
		return int64(woken)
	default:
		return -errNOSYS
	}
}

// hcExit implements SYS_exit (spec §4.2 "exit(v)"): clears
// clear_child_tid if set and wakes one futex waiter, drains v's
// DelayedMunmap queue, and returns v to the idle pool via Sched.Put,
// which marks it DONE. Nothing adds the thread's own stack to that
// queue, so the stack stays mapped after the thread exits.
func hcExit(d *Dispatcher, v *vcpu.VCPU, args *ArgBlock) int64 {
	if v.ClearChildTID != 0 {
		buf, err := d.Mem.Translate(v.ClearChildTID, 4)
		if err == nil {
			binary.LittleEndian.PutUint32(buf, 0)
			addr := unsafe.Pointer(&buf[0])
			unix.Syscall6(unix.SYS_FUTEX, uintptr(addr), uintptr(futexWake), 1, 0, 0, 0)
		}
	}
	if v.StackTop != 0 {
		d.drainDelayedMunmap(v)
	}
	d.Sched.Put(v)
	return int64(args.Arg1)
}

// hcExitGroup implements exit_group: the whole payload process ends,
// reported through OnExitGroup with the guest's requested status.
func hcExitGroup(d *Dispatcher, v *vcpu.VCPU, args *ArgBlock) int64 {
	if d.OnExitGroup != nil {
		d.OnExitGroup(int32(args.Arg1 & 0xff))
	}
	return 0
}

// drainDelayedMunmap frees every queued self-unmap request under the
// memory manager's mutex, the serialization point spec §9 open
// question (b) calls for.
func (d *Dispatcher) drainDelayedMunmap(v *vcpu.VCPU) {
	for _, req := range v.DelayedMunmap {
		_ = d.Mem.Munmap(req.Addr, req.Size)
	}
	v.DelayedMunmap = nil
}
