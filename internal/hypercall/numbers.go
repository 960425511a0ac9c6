package hypercall

// Hypercall numbers mirror Linux x86_64 syscall numbers where a direct
// correspondence exists (spec §6 "Hypercall ABI"), plus monitor-
// specific numbers carved out of a high range so they never collide
// with a real syscall number.
const (
	HCRead            = 0
	HCWrite           = 1
	HCClose           = 3
	HCMmap            = 9
	HCMprotect        = 10
	HCMunmap          = 11
	HCBrk             = 12
	HCRtSigaction     = 13
	HCRtSigprocmask   = 14
	HCRtSigreturn     = 15
	HCIoctl           = 16
	HCTbrk            = 20 // Linux's writev number; the monitor reassigns it to tbrk, so writev has no hypercall.
	HCMremap          = 25
	HCExecve          = 59
	HCExit            = 60
	HCWait4           = 61
	HCKill            = 62
	HCGetpid          = 39
	HCGetppid         = 110
	HCClone           = 56
	HCFork            = 57
	HCRtSigpending    = 127
	HCSetTidAddress   = 218
	HCTkill           = 200
	HCFutex           = 202
	HCTgkill          = 234
	HCExitGroup       = 231
	HCClone3          = 435

	hcMonitorBase       = 0x1000
	HCSnapshot          = hcMonitorBase + 0
	HCSnapshotGetdata   = hcMonitorBase + 1
	HCSnapshotPutdata   = hcMonitorBase + 2
	HCUnmapself         = hcMonitorBase + 3
	HCGuestInterrupt    = hcMonitorBase + 4
)

// PortBase is the first guest I/O port dedicated to hypercalls (spec
// §6): the guest executes `out %eax, %dx` with `DX = PORT_BASE +
// hcnum` and `EAX = gva_of_args`. The dispatcher recovers hcnum as
// `port - PortBase`, the same port-range-registration shape the
// teacher's IOBus uses for its legacy devices (§12), generalized from
// one fixed port per device to one hypercall number per port offset.
const PortBase = 0x510

// MaxHypercallRange bounds how many ports past PortBase the dispatcher
// treats as hypercall traffic; handleIOExit logs port I/O outside it
// and resumes the guest without dispatching anything.
const MaxHypercallRange = 0x2000

// ArgBlock is the guest-resident argument block a hypercall's EAX
// points at (spec §6): hc_ret, then up to six arguments, matching the
// Linux syscall calling convention's argument count.
type ArgBlock struct {
	HCRet int64
	Arg1  uint64
	Arg2  uint64
	Arg3  uint64
	Arg4  uint64
	Arg5  uint64
	Arg6  uint64
}

// ArgBlockSize is sizeof(ArgBlock) on the guest side: 7 packed 64-bit
// words.
const ArgBlockSize = 7 * 8
