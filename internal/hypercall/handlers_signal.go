package hypercall

import (
	"encoding/binary"
	"os"

	"github.com/chandlercord/km/internal/sig"
	"github.com/chandlercord/km/internal/vcpu"
)

// hcRtSigaction: Arg1=signo, Arg2=GVA of new sigaction (0=omit),
// Arg3=GVA to receive the old sigaction (0=omit). The guest-side
// struct sigaction layout is {handler,flags,restorer,mask} as 4
// 64-bit words, matching the x86_64 glibc kernel_sigaction shape
// closely enough for this monitor's own runtime library to agree with
// (it is the monitor's own ABI, not the kernel's).
func hcRtSigaction(d *Dispatcher, v *vcpu.VCPU, args *ArgBlock) int64 {
	var newAct, oldAct *sig.Sigaction
	if args.Arg2 != 0 {
		buf, err := d.Mem.Translate(args.Arg2, 32)
		if err != nil {
			return errnoOf(err)
		}
		a := decodeSigaction(buf)
		newAct = &a
	}
	if args.Arg3 != 0 {
		oldAct = &sig.Sigaction{}
	}
	if err := d.Sig.Sigaction(int(args.Arg1), newAct, oldAct); err != nil {
		return errnoOf(err)
	}
	if oldAct != nil {
		buf, err := d.Mem.Translate(args.Arg3, 32)
		if err != nil {
			return errnoOf(err)
		}
		encodeSigaction(buf, *oldAct)
	}
	return 0
}

func decodeSigaction(b []byte) sig.Sigaction {
	return sig.Sigaction{
		Handler:  binary.LittleEndian.Uint64(b[0:8]),
		Flags:    binary.LittleEndian.Uint64(b[8:16]),
		Restorer: binary.LittleEndian.Uint64(b[16:24]),
		Mask:     binary.LittleEndian.Uint64(b[24:32]),
	}
}

func encodeSigaction(b []byte, a sig.Sigaction) {
	binary.LittleEndian.PutUint64(b[0:8], a.Handler)
	binary.LittleEndian.PutUint64(b[8:16], a.Flags)
	binary.LittleEndian.PutUint64(b[16:24], a.Restorer)
	binary.LittleEndian.PutUint64(b[24:32], a.Mask)
}

// hcRtSigprocmask: Arg1=how, Arg2=GVA of new mask (0=omit),
// Arg3=GVA to receive the old mask (0=omit).
func hcRtSigprocmask(d *Dispatcher, v *vcpu.VCPU, args *ArgBlock) int64 {
	var set, old *uint64
	if args.Arg2 != 0 {
		buf, err := d.Mem.Translate(args.Arg2, 8)
		if err != nil {
			return errnoOf(err)
		}
		s := binary.LittleEndian.Uint64(buf)
		set = &s
	}
	var oldVal uint64
	if args.Arg3 != 0 {
		old = &oldVal
	}
	if err := sig.RtSigprocmask(v, int(args.Arg1), set, old); err != nil {
		return errnoOf(err)
	}
	if old != nil {
		buf, err := d.Mem.Translate(args.Arg3, 8)
		if err != nil {
			return errnoOf(err)
		}
		binary.LittleEndian.PutUint64(buf, oldVal)
	}
	return 0
}

func hcRtSigpending(d *Dispatcher, v *vcpu.VCPU, args *ArgBlock) int64 {
	mask := d.Sig.RtSigpending(v)
	if args.Arg1 != 0 {
		buf, err := d.Mem.Translate(args.Arg1, 8)
		if err != nil {
			return errnoOf(err)
		}
		binary.LittleEndian.PutUint64(buf, mask)
	}
	return 0
}

// hcRtSigreturn: Arg1 is the GVA of the signal frame the guest's
// restorer trampoline leaves RSP pointing at.
func hcRtSigreturn(d *Dispatcher, v *vcpu.VCPU, args *ArgBlock) int64 {
	frameGVA := v.Regs.RSP
	if args.Arg1 != 0 {
		frameGVA = args.Arg1
	}
	if err := d.Sig.RtSigreturn(v, frameGVA, d.Mem); err != nil {
		return errnoOf(err)
	}
	return int64(v.Regs.RAX)
}

func hcKill(d *Dispatcher, v *vcpu.VCPU, args *ArgBlock) int64 {
	if err := d.Sig.Kill(int(int32(args.Arg1)), int(args.Arg2), os.Getpid()); err != nil {
		return errnoOf(err)
	}
	return 0
}

func hcTkill(d *Dispatcher, v *vcpu.VCPU, args *ArgBlock) int64 {
	if err := d.Sig.Tkill(int(args.Arg1), int(args.Arg2)); err != nil {
		return errnoOf(err)
	}
	return 0
}

func hcTgkill(d *Dispatcher, v *vcpu.VCPU, args *ArgBlock) int64 {
	if err := d.Sig.Tgkill(int(args.Arg1), int(args.Arg2), int(args.Arg3)); err != nil {
		return errnoOf(err)
	}
	return 0
}
