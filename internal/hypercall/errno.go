package hypercall

import (
	"strings"

	"golang.org/x/sys/unix"
)

// Guest-facing errno values a handler negates and returns (spec §4.4
// "Error convention"). Named here rather than imported from
// golang.org/x/sys/unix's int constants because handlers build these
// into plain int64 return values, never an error.
const (
	errPERM   = int64(unix.EPERM)
	errNOENT  = int64(unix.ENOENT)
	errSRCH   = int64(unix.ESRCH)
	errINTR   = int64(unix.EINTR)
	errIO     = int64(unix.EIO)
	errBADF   = int64(unix.EBADF)
	errCHILD  = int64(unix.ECHILD)
	errAGAIN  = int64(unix.EAGAIN)
	errNOMEM  = int64(unix.ENOMEM)
	errFAULT  = int64(unix.EFAULT)
	errINVAL  = int64(unix.EINVAL)
	errNOSYS  = int64(unix.ENOSYS)
)

const errENOSYS = errNOSYS

// errnoOf maps an internal handler error (produced as a plain
// fmt.Errorf with a bare "EFOO" message by the lower layers, per the
// convention memmgr and sig already use) to its negated errno;
// memmgr's brk/tbrk exhaustion errors say "out of memory" instead,
// which maps to ENOMEM like a bare "ENOMEM". Errors
// that don't match a known mnemonic fall back to EIO, since at that
// point the failure is a monitor-internal one the guest can't act on
// beyond "the call failed."
func errnoOf(err error) int64 {
	if err == nil {
		return 0
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "EPERM"):
		return -errPERM
	case strings.Contains(msg, "ENOENT"):
		return -errNOENT
	case strings.Contains(msg, "ESRCH"):
		return -errSRCH
	case strings.Contains(msg, "EBADF"):
		return -errBADF
	case strings.Contains(msg, "ECHILD"):
		return -errCHILD
	case strings.Contains(msg, "EAGAIN"):
		return -errAGAIN
	case strings.Contains(msg, "ENOMEM"), strings.Contains(msg, "out of memory"):
		return -errNOMEM
	case strings.Contains(msg, "EFAULT"):
		return -errFAULT
	case strings.Contains(msg, "EINVAL"):
		return -errINVAL
	case strings.Contains(msg, "ENOSYS"):
		return -errNOSYS
	default:
		return -errIO
	}
}
