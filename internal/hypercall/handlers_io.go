package hypercall

import (
	"golang.org/x/sys/unix"

	"github.com/chandlercord/km/internal/vcpu"
)

// hcRead / hcWrite / hcClose are a minimal stand-in for the
// file-descriptor translation layer spec §1 names as an external
// collaborator out of the core's scope: the core only needs enough
// I/O to drive the "Hello + exit" scenario (spec §8 scenario 1), so
// this forwards guest fds 0/1/2 straight onto the monitor's own
// stdio and nothing else. A real fd table (open/dup/epoll/socket
// translation) lives outside this package.
func hcWrite(d *Dispatcher, v *vcpu.VCPU, args *ArgBlock) int64 {
	fd := int(args.Arg1)
	if fd < 0 || fd > 2 {
		return -errBADF
	}
	buf, err := d.Mem.Translate(args.Arg2, args.Arg3)
	if err != nil {
		return errnoOf(err)
	}
	n, err := unix.Write(fd, buf)
	if err != nil {
		return -errIO
	}
	return int64(n)
}

func hcRead(d *Dispatcher, v *vcpu.VCPU, args *ArgBlock) int64 {
	fd := int(args.Arg1)
	if fd < 0 || fd > 2 {
		return -errBADF
	}
	buf, err := d.Mem.Translate(args.Arg2, args.Arg3)
	if err != nil {
		return errnoOf(err)
	}
	n, err := unix.Read(fd, buf)
	if err != nil {
		return -errIO
	}
	return int64(n)
}

func hcClose(d *Dispatcher, v *vcpu.VCPU, args *ArgBlock) int64 {
	fd := int(args.Arg1)
	if fd < 0 || fd > 2 {
		return -errBADF
	}
	return 0 // never actually close the monitor's own stdio.
}
