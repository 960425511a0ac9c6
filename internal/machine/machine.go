// Package machine is the monitor's top-level assembly point (spec §3
// "Machine"): it owns the hypervisor device/VM handles and wires
// memmgr, the vCPU scheduler, signal state, the hypercall dispatcher,
// and fork coordination into one running payload process.
//
// Grounded on the teacher's VirtualMachine/VCPU split (core_engine/
// virtual_machine.go, vcpu.go): a single owner type that opens the
// device, creates the VM, and drives vCPU setup, generalized from
// 32-bit real/protected mode to x86_64 long mode per SPEC_FULL.md.
package machine

import (
	"encoding/binary"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/chandlercord/km/internal/elfload"
	"github.com/chandlercord/km/internal/forkcoord"
	"github.com/chandlercord/km/internal/hypercall"
	"github.com/chandlercord/km/internal/hypervisor"
	"github.com/chandlercord/km/internal/memmgr"
	"github.com/chandlercord/km/internal/sig"
	"github.com/chandlercord/km/internal/vcpu"
)

// Long-mode control-register bits (Intel SDM vol 3A §2.5, §4.1.1).
const (
	cr0PE uint64 = 1 << 0
	cr0MP uint64 = 1 << 1
	cr0ET uint64 = 1 << 4
	cr0NE uint64 = 1 << 5
	cr0WP uint64 = 1 << 16
	cr0AM uint64 = 1 << 18
	cr0PG uint64 = 1 << 31

	cr4PAE uint64 = 1 << 5

	eferLME uint64 = 1 << 8
	eferLMA uint64 = 1 << 10

	rflagsReserved uint64 = 1 << 1 // bit 1 of RFLAGS is always 1.
)

// Config is the payload the monitor runs (spec §4.3, cmd/km's CLI
// surface per SPEC_FULL.md §10).
type Config struct {
	PayloadPath string
	Argv        []string
	Envp        []string
	Log         *logrus.Entry
}

// Machine owns one hypervisor VM and the one payload process running
// inside it (spec §1 "runs exactly one payload per monitor process").
type Machine struct {
	devFile *os.File
	devFD   int
	vmFD    int

	Mem    *memmgr.Manager
	Sched  *vcpu.Scheduler
	Sig    *sig.State
	Dispatch *hypercall.Dispatcher
	Fork   *forkcoord.Coordinator

	exitCh   chan int32
	exitOnce sync.Once
	log      *logrus.Entry
}

// New opens the hypervisor device, creates the VM and its in-kernel
// IRQ chip, and wires every subsystem together (spec §4 "machine_init").
func New(log *logrus.Entry) (*Machine, error) {
	devFile, err := hypervisor.OpenDevice()
	if err != nil {
		return nil, err
	}
	devFD := int(devFile.Fd())

	vmFD, err := hypervisor.CreateVM(devFD)
	if err != nil {
		devFile.Close()
		return nil, err
	}
	if err := hypervisor.CreateIRQChip(vmFD); err != nil {
		unix.Close(vmFD)
		devFile.Close()
		return nil, err
	}
	vcpuMmapSz, err := hypervisor.VCPUMmapSize(devFD)
	if err != nil {
		unix.Close(vmFD)
		devFile.Close()
		return nil, err
	}

	mem, err := memmgr.New(vmFD, log.WithField("subsystem", "memmgr"))
	if err != nil {
		unix.Close(vmFD)
		devFile.Close()
		return nil, fmt.Errorf("machine: init memory manager: %w", err)
	}

	sched := vcpu.New(vmFD, devFD, vcpuMmapSz, log.WithField("subsystem", "vcpu"))
	sigState := sig.New(sched, log.WithField("subsystem", "sig"))
	dispatch := hypercall.New(mem, sched, sigState, log.WithField("subsystem", "hypercall"))

	m := &Machine{
		devFile: devFile, devFD: devFD, vmFD: vmFD,
		Mem: mem, Sched: sched, Sig: sigState, Dispatch: dispatch,
		exitCh: make(chan int32, 1),
		log:    log,
	}

	m.Fork = forkcoord.New(mem, sched, sigState, devFD, vmFD, dispatch.HandleExit, log.WithField("subsystem", "forkcoord"))
	dispatch.ForkFn = m.Fork.Fork
	dispatch.ExecveFn = m.execve
	dispatch.OnExitGroup = m.onExitGroup

	m.watchSIGCHLD()
	return m, nil
}

// watchSIGCHLD forwards the host monitor process's own SIGCHLD into the
// guest payload (spec §4.5 step 5): a forked child's death is the
// monitor's own host wait4 business, but the payload still expects to
// observe it as a signal.
func (m *Machine) watchSIGCHLD() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGCHLD)
	go func() {
		for range ch {
			m.Sig.ForwardSIGCHLD()
		}
	}()
}

// Run loads the payload, starts its first vCPU, and blocks until the
// payload exits (normally or via a fatal signal), serving fork/clone
// requests on this goroutine's OS thread in the meantime (spec §4.5
// step 1: fork(2) may only be called from this one designated thread).
func (m *Machine) Run(cfg Config) (int32, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := m.boot(cfg); err != nil {
		return 0, err
	}

	stop := make(chan struct{})
	var status int32
	go func() {
		status = <-m.exitCh
		close(stop)
	}()
	m.Fork.RunMainLoop(stop)
	return status, nil
}

func (m *Machine) boot(cfg Config) error {
	loaded, err := elfload.Load(m.Mem, cfg.PayloadPath)
	if err != nil {
		return fmt.Errorf("machine: load payload: %w", err)
	}
	stack, err := elfload.BuildInitialStack(m.Mem, cfg.Argv, cfg.Envp, loaded, cfg.PayloadPath)
	if err != nil {
		return fmt.Errorf("machine: build initial stack: %w", err)
	}

	v, err := m.Sched.Get()
	if err != nil {
		return fmt.Errorf("machine: allocate first vcpu: %w", err)
	}
	v.StackTop = stack.StackTop

	regs := &hypervisor.Regs{RIP: stack.Entry, RSP: stack.StackTop, RFLAGS: rflagsReserved}
	sregs := m.longModeSregs()
	return m.Sched.StartAt(v, regs, sregs, m.Dispatch.HandleExit)
}

// longModeSregs builds the segment/control-register state that puts a
// freshly created vCPU straight into 64-bit long mode (spec §4.2):
// a flat code/data GDT (memmgr.buildGDT), PAE paging rooted at the
// guest's PML4 (memmgr.PML4PhysAddr), and the PG/PAE/LME/LMA bit
// quartet Intel's SDM requires for that transition.
func (m *Machine) longModeSregs() *hypervisor.Sregs {
	code := hypervisor.Segment{
		Base: 0, Limit: 0xFFFFFFFF, Selector: memmgr.SelectorCode,
		Type: 0xB, Present: 1, S: 1, L: 1, G: 1,
	}
	data := hypervisor.Segment{
		Base: 0, Limit: 0xFFFFFFFF, Selector: memmgr.SelectorData,
		Type: 0x3, Present: 1, S: 1, DB: 1, G: 1,
	}
	sregs := &hypervisor.Sregs{
		CS: code, DS: data, ES: data, FS: data, GS: data, SS: data,
		GDT: hypervisor.DTable{Base: m.Mem.GDTBase(), Limit: m.Mem.GDTLimit()},
		CR3: m.Mem.PML4PhysAddr(),
		CR4: cr4PAE,
		CR0: cr0PE | cr0MP | cr0ET | cr0NE | cr0WP | cr0AM | cr0PG,
		EFER: eferLME | eferLMA,
	}
	return sregs
}

// onExitGroup records the payload's requested exit status (or 128+signo
// for a fatal-signal shutdown, spec §6) and unblocks Run. Only the
// first report matters: the payload process is ending either way.
func (m *Machine) onExitGroup(status int32) {
	m.exitOnce.Do(func() {
		m.exitCh <- status
	})
}

// execve implements the execve hypercall (spec §4.4 process category):
// replace the calling vCPU's address space contents with a new image.
// The monitor supports this only for the simple, single-threaded case —
// it shrinks brk/tbrk back to empty (reusing the same rollback-safe
// Brk/Tbrk machinery spec §4.1 already guarantees) and loads the new
// image into the reclaimed space, rather than tearing down and
// recreating the guest's memory slots from scratch.
func (m *Machine) execve(d *hypercall.Dispatcher, v *vcpu.VCPU, args *hypercall.ArgBlock) int64 {
	path, err := readCString(d.Mem, args.Arg1)
	if err != nil {
		return -int64(unix.EFAULT)
	}
	argv, err := readStrArray(d.Mem, args.Arg2)
	if err != nil {
		return -int64(unix.EFAULT)
	}
	envp, err := readStrArray(d.Mem, args.Arg3)
	if err != nil {
		return -int64(unix.EFAULT)
	}

	if _, err := m.Mem.Brk(memmgr.GuestMemStartVA); err != nil {
		return -int64(unix.EIO)
	}
	if _, err := m.Mem.Tbrk(memmgr.GuestMemTopVA); err != nil {
		return -int64(unix.EIO)
	}

	loaded, err := elfload.Load(m.Mem, path)
	if err != nil {
		return -int64(unix.ENOEXEC)
	}
	stack, err := elfload.BuildInitialStack(m.Mem, argv, envp, loaded, path)
	if err != nil {
		return -int64(unix.EIO)
	}

	v.Regs.RIP = stack.Entry
	v.Regs.RSP = stack.StackTop
	v.Regs.RFLAGS = rflagsReserved
	return 0
}

const maxCStringLen = 4096

// readCString scans one byte at a time rather than translating a fixed
// run: a guest string can end right at a slot boundary, and Translate
// rejects any access that would cross one.
func readCString(mem *memmgr.Manager, gva uint64) (string, error) {
	if gva == 0 {
		return "", fmt.Errorf("machine: NULL path argument")
	}
	var b []byte
	for i := 0; i < maxCStringLen; i++ {
		buf, err := mem.Translate(gva+uint64(i), 1)
		if err != nil {
			return "", err
		}
		if buf[0] == 0 {
			return string(b), nil
		}
		b = append(b, buf[0])
	}
	return "", fmt.Errorf("machine: string at 0x%x exceeds %d bytes unterminated", gva, maxCStringLen)
}

func readStrArray(mem *memmgr.Manager, gva uint64) ([]string, error) {
	if gva == 0 {
		return nil, nil
	}
	var out []string
	for i := 0; ; i++ {
		buf, err := mem.Translate(gva+uint64(i)*8, 8)
		if err != nil {
			return nil, err
		}
		ptr := binary.LittleEndian.Uint64(buf)
		if ptr == 0 {
			return out, nil
		}
		s, err := readCString(mem, ptr)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
}

// Close releases the machine's hypervisor handles and guest memory
// (spec §4 "machine_fini").
func (m *Machine) Close() error {
	var first error
	if err := m.Mem.Close(); err != nil && first == nil {
		first = err
	}
	if err := unix.Close(m.vmFD); err != nil && first == nil {
		first = err
	}
	if err := m.devFile.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
