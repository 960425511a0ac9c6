// Package hypervisor is the thin adapter over the host's KVM-like
// capability: open the device, create a VM, create vCPUs, get/set
// register state, and run a vCPU until it exits. Nothing in this
// package knows about guest memory layout, ELF images, or hypercalls —
// it only speaks the hypervisor's own ioctl vocabulary.
package hypervisor

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl request numbers for /dev/kvm. These mirror <linux/kvm.h> and
// are reproduced here rather than imported because the kernel header
// constants are not exposed by golang.org/x/sys/unix.
const (
	kvmGetAPIVersion       = 0xAE00
	kvmCreateVM            = 0xAE01
	kvmGetVCPUMMapSize     = 0xAE04
	kvmCreateVCPU          = 0xAE41
	kvmSetUserMemoryRegion = 0x4020AE46
	kvmRun                 = 0xAE80
	kvmGetRegs             = 0x8090AE81
	kvmSetRegs             = 0x4090AE82
	kvmGetSregs            = 0x8138AE83
	kvmSetSregs            = 0x4138AE84
	kvmInterrupt           = 0x4004AE86
	kvmSetTSSAddr          = 0xAE47
	kvmCreateIRQChip       = 0xAE60
	kvmGetSupportedCPUID   = 0xC008AE05
	kvmSetCPUID2           = 0x4008AE90
)

// KVM exit reasons (struct kvm_run.exit_reason).
const (
	ExitUnknown    uint32 = 0
	ExitException  uint32 = 1
	ExitIO         uint32 = 2
	ExitHypercall  uint32 = 3
	ExitDebug      uint32 = 4
	ExitHLT        uint32 = 5
	ExitMMIO       uint32 = 6
	ExitShutdown   uint32 = 8
	ExitFailEntry  uint32 = 9
	ExitIntr       uint32 = 10
	ExitInternal   uint32 = 17
)

// Port-I/O exit direction, matching struct kvm_run's io.direction.
const (
	IODirIn  uint8 = 0
	IODirOut uint8 = 1
)

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// DTable mirrors struct kvm_dtable (GDT/IDT pointer).
type DTable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

const numInterruptBits = 0x100

// Sregs mirrors struct kvm_sregs. The EFER/CR3/CR4 fields are what let
// the monitor put a vCPU into x86_64 long mode, which the 32-bit-only
// teacher VMM never needed.
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               DTable
	CR0, CR2, CR3, CR4, CR8 uint64
	EFER     uint64
	ApicBase uint64
	InterruptBitmap [(numInterruptBits + 63) / 64]uint64
}

// Regs mirrors struct kvm_regs.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// UserMemoryRegion mirrors struct kvm_userspace_memory_region, the
// argument to KVM_SET_USER_MEMORY_REGION (registering a Slot, §3).
type UserMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// ReadOnly marks the region KVM_MEM_READONLY. Nothing in the monitor
// calls it: Mprotect changes only memmgr's interval lists.
func (r *UserMemoryRegion) ReadOnly() { r.Flags |= 1 << 1 }

// RunData mirrors the head of struct kvm_run, the structure mmapped
// over each vCPU fd. Only the fields the dispatcher needs are named;
// the exit-specific union lives in the Data array, same as every pack
// member's KVM binding (teacher's KvmRun.Io, gokvm's RunData.Data).
type RunData struct {
	RequestInterruptWindow uint8
	_                      [7]uint8
	ExitReason             uint32
	ReadyForInterrupt      uint8
	IFFlag                 uint8
	_                      [2]uint8
	CR8      uint64
	ApicBase uint64
	Data     [32]uint64
}

// IO decodes the io-exit union out of Data, matching struct kvm_run's
// io member layout (direction:8, size:8, port:16, count:32, then a
// byte offset of the data buffer from the start of kvm_run).
func (r *RunData) IO() (direction, size uint8, port uint16, count uint32, dataOffset uint64) {
	direction = uint8(r.Data[0] & 0xFF)
	size = uint8((r.Data[0] >> 8) & 0xFF)
	port = uint16((r.Data[0] >> 16) & 0xFFFF)
	count = uint32((r.Data[0] >> 32) & 0xFFFFFFFF)
	dataOffset = r.Data[1]
	return
}

func ioctl(fd int, req uintptr, arg uintptr) (uintptr, error) {
	res, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return 0, errno
	}
	return res, nil
}

// OpenDevice opens the host hypervisor device capability (/dev/kvm).
func OpenDevice() (*os.File, error) {
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("hypervisor: open device: %w", err)
	}
	return f, nil
}

// CreateVM issues KVM_CREATE_VM against the device fd.
func CreateVM(devFD int) (int, error) {
	fd, err := ioctl(devFD, kvmCreateVM, 0)
	if err != nil {
		return 0, fmt.Errorf("hypervisor: create VM: %w", err)
	}
	return int(fd), nil
}

// VCPUMmapSize returns the size to mmap over a newly created vCPU fd
// to obtain its RunData region.
func VCPUMmapSize(devFD int) (int, error) {
	sz, err := ioctl(devFD, kvmGetVCPUMMapSize, 0)
	if err != nil {
		return 0, fmt.Errorf("hypervisor: get vcpu mmap size: %w", err)
	}
	return int(sz), nil
}

// CreateVCPU issues KVM_CREATE_VCPU against the VM fd, returning a new
// vCPU fd. The id is the vCPU index within the VM (mp id, not a tid).
func CreateVCPU(vmFD int, id int) (int, error) {
	fd, err := ioctl(vmFD, kvmCreateVCPU, uintptr(id))
	if err != nil {
		return 0, fmt.Errorf("hypervisor: create vcpu %d: %w", id, err)
	}
	return int(fd), nil
}

// SetUserMemoryRegion registers or updates a memory Slot with the VM.
func SetUserMemoryRegion(vmFD int, region *UserMemoryRegion) error {
	if _, err := ioctl(vmFD, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(region))); err != nil {
		return fmt.Errorf("hypervisor: set user memory region (slot %d): %w", region.Slot, err)
	}
	return nil
}

// CreateIRQChip installs an in-kernel interrupt controller. The monitor
// uses it only so that the exception->signal path (#PF/#UD/#GP) and
// HLT behave like real hardware; the monitor has no PIC/PIT of its own
// (those are the teacher's legacy-PC devices, out of scope here).
func CreateIRQChip(vmFD int) error {
	if _, err := ioctl(vmFD, kvmCreateIRQChip, 0); err != nil {
		return fmt.Errorf("hypervisor: create irqchip: %w", err)
	}
	return nil
}

// Run issues KVM_RUN, blocking the calling host thread until the guest
// traps out. EINTR is not an error: it means a signal (e.g. the pause
// protocol's interrupt-fd kick, §4.2) arrived while in the guest.
func Run(vcpuFD int) error {
	_, err := ioctl(vcpuFD, kvmRun, 0)
	if err == unix.EINTR {
		return nil
	}
	if err != nil {
		return fmt.Errorf("hypervisor: run: %w", err)
	}
	return nil
}

// GetRegs / SetRegs / GetSregs / SetSregs are the vCPU register-cache
// accessors behind VCPU.regs_valid (§3): the dispatcher calls GetRegs
// lazily on first need after an exit and SetRegs once before the next
// entry, never on every single exit.
func GetRegs(vcpuFD int) (*Regs, error) {
	var r Regs
	if _, err := ioctl(vcpuFD, kvmGetRegs, uintptr(unsafe.Pointer(&r))); err != nil {
		return nil, fmt.Errorf("hypervisor: get regs: %w", err)
	}
	return &r, nil
}

func SetRegs(vcpuFD int, r *Regs) error {
	if _, err := ioctl(vcpuFD, kvmSetRegs, uintptr(unsafe.Pointer(r))); err != nil {
		return fmt.Errorf("hypervisor: set regs: %w", err)
	}
	return nil
}

func GetSregs(vcpuFD int) (*Sregs, error) {
	var s Sregs
	if _, err := ioctl(vcpuFD, kvmGetSregs, uintptr(unsafe.Pointer(&s))); err != nil {
		return nil, fmt.Errorf("hypervisor: get sregs: %w", err)
	}
	return &s, nil
}

func SetSregs(vcpuFD int, s *Sregs) error {
	if _, err := ioctl(vcpuFD, kvmSetSregs, uintptr(unsafe.Pointer(s))); err != nil {
		return fmt.Errorf("hypervisor: set sregs: %w", err)
	}
	return nil
}

// MmapRun maps the RunData region for a vCPU fd.
func MmapRun(vcpuFD int, size int) (*RunData, []byte, error) {
	b, err := unix.Mmap(vcpuFD, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("hypervisor: mmap run struct: %w", err)
	}
	return (*RunData)(unsafe.Pointer(&b[0])), b, nil
}

// Interrupt injects a vector into the vCPU (KVM_INTERRUPT). Used by
// the signal subsystem to wake a HLTed guest and by the pause protocol
// to knock a vCPU out of IN_GUEST (§4.2, §4.6).
func Interrupt(vcpuFD int, vector uint32) error {
	irq := vector
	if _, err := ioctl(vcpuFD, kvmInterrupt, uintptr(unsafe.Pointer(&irq))); err != nil {
		return fmt.Errorf("hypervisor: inject interrupt vector 0x%x: %w", vector, err)
	}
	return nil
}
