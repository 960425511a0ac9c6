package hypercall

import "github.com/chandlercord/km/internal/vcpu"

// hcBrk / hcTbrk implement spec §4.4's memory category over the
// guest memory manager; Arg1 is the requested new break (0 = query).
func hcBrk(d *Dispatcher, v *vcpu.VCPU, args *ArgBlock) int64 {
	newBrk, err := d.Mem.Brk(args.Arg1)
	if err != nil {
		return errnoOf(err)
	}
	return int64(newBrk)
}

func hcTbrk(d *Dispatcher, v *vcpu.VCPU, args *ArgBlock) int64 {
	newTbrk, err := d.Mem.Tbrk(args.Arg1)
	if err != nil {
		return errnoOf(err)
	}
	return int64(newTbrk)
}

// hcMmap: arg1=addr, arg2=size, arg3=prot, arg4=flags, arg5=fd (as
// int64 bit pattern, -1 for anonymous), arg6=offset.
func hcMmap(d *Dispatcher, v *vcpu.VCPU, args *ArgBlock) int64 {
	fd := int(int64(args.Arg5))
	addr, err := d.Mem.Mmap(args.Arg1, args.Arg2, uint32(args.Arg3), uint32(args.Arg4), fd, args.Arg6)
	if err != nil {
		return errnoOf(err)
	}
	return int64(addr)
}

func hcMunmap(d *Dispatcher, v *vcpu.VCPU, args *ArgBlock) int64 {
	if err := d.Mem.Munmap(args.Arg1, args.Arg2); err != nil {
		return errnoOf(err)
	}
	return 0
}

func hcMprotect(d *Dispatcher, v *vcpu.VCPU, args *ArgBlock) int64 {
	if err := d.Mem.Mprotect(args.Arg1, args.Arg2, uint32(args.Arg3)); err != nil {
		return errnoOf(err)
	}
	return 0
}

func hcMremap(d *Dispatcher, v *vcpu.VCPU, args *ArgBlock) int64 {
	newAddr, err := d.Mem.Mremap(args.Arg1, args.Arg2, args.Arg3, uint32(args.Arg4))
	if err != nil {
		return errnoOf(err)
	}
	return int64(newAddr)
}
