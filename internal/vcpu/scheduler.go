package vcpu

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/chandlercord/km/internal/hypervisor"
)

// MaxVCPUs bounds total live vCPUs (spec §8 "vCPU conservation").
const MaxVCPUs = 4096

// ExitHandler is invoked once per guest exit, after the scheduler has
// moved the vCPU from IN_GUEST back to HYPERCALL. It returns true when
// the vCPU's run loop should terminate (payload exit, unrecoverable
// hypervisor failure).
type ExitHandler func(v *VCPU) (terminate bool, err error)

// Scheduler is the machine-wide vCPU allocator and idle pool (spec
// §4.2). It has no knowledge of hypercalls; Machine supplies the
// ExitHandler that actually interprets an exit.
type Scheduler struct {
	vmFD        int
	devFD       int
	vcpuMmapSz  int
	log         *logrus.Entry

	mu       sync.Mutex
	idle     []*VCPU
	table    map[int]*VCPU
	nextID   int
	liveCnt  int

	pauseMu sync.Mutex
	pauseCv *sync.Cond
	pausing bool
	waiting int
}

// New constructs a Scheduler bound to one VM.
func New(vmFD, devFD, vcpuMmapSz int, log *logrus.Entry) *Scheduler {
	s := &Scheduler{
		vmFD:       vmFD,
		devFD:      devFD,
		vcpuMmapSz: vcpuMmapSz,
		log:        log,
		table:      make(map[int]*VCPU),
	}
	s.pauseCv = sync.NewCond(&s.pauseMu)
	return s
}

// Get returns an idle vCPU or allocates a new one, bounded by
// MaxVCPUs (spec §4.2 "vcpu_get").
func (s *Scheduler) Get() (*VCPU, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.idle); n > 0 {
		v := s.idle[n-1]
		s.idle = s.idle[:n-1]
		v.reset()
		return v, nil
	}
	if s.liveCnt >= MaxVCPUs {
		return nil, fmt.Errorf("vcpu: scheduler: MAX_VCPUS (%d) exceeded", MaxVCPUs)
	}
	fd, err := hypervisor.CreateVCPU(s.vmFD, s.nextID)
	if err != nil {
		return nil, err
	}
	run, mem, err := hypervisor.MmapRun(fd, s.vcpuMmapSz)
	if err != nil {
		return nil, err
	}
	v := newVCPU(s.nextID, fd, run, mem, s.log.WithField("vcpu", s.nextID))
	s.table[v.ID] = v
	s.nextID++
	s.liveCnt++
	return v, nil
}

// Put returns v to the idle pool (spec §4.2 "vcpu_put").
func (s *Scheduler) Put(v *VCPU) {
	v.setState(Done)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idle = append(s.idle, v)
}

// Lookup resolves a vCPU by its weak-handle index (spec §9 "Cyclic
// references": vCPU<->machine back-references are indices, not owning
// pointers).
func (s *Scheduler) Lookup(id int) (*VCPU, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.table[id]
	return v, ok
}

// All returns a snapshot of every vCPU in the table, idle-pool entries
// (state DONE) included, since Put does not remove them; used by the
// pause protocol and by signal posting.
func (s *Scheduler) All() []*VCPU {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*VCPU, 0, len(s.table))
	for _, v := range s.table {
		out = append(out, v)
	}
	return out
}

// Spawn starts v's host-thread run loop: lock to an OS thread (the
// hypervisor vCPU fd is thread-affine), then loop enter-guest /
// handle-exit until handler signals termination or returns an error,
// or the hypervisor run fails (spec §4.2 "vcpu_run").
func (s *Scheduler) Spawn(v *VCPU, handler ExitHandler) {
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := s.runLoop(v, handler); err != nil {
			s.log.WithError(err).WithField("vcpu", v.ID).Error("vcpu run loop terminated with error")
		}
	}()
}

func (s *Scheduler) runLoop(v *VCPU, handler ExitHandler) error {
	v.setState(Hypercall)
	for {
		if s.Pausing() {
			s.ParkPaused(v)
		}

		if err := v.FlushRegs(); err != nil {
			return err
		}
		v.setState(InGuest)
		if err := hypervisor.Run(v.fd); err != nil {
			v.setState(Done)
			return fmt.Errorf("vcpu %d: hypervisor run: %w", v.ID, err)
		}
		v.setState(Hypercall)
		v.RegsValid = false

		terminate, err := handler(v)
		if err != nil {
			return err
		}
		if terminate {
			v.setState(Done)
			return nil
		}
	}
}

// StartAt installs the given register/segment state on v and spawns
// its host-thread run loop. Used by clone (new vCPU, same address
// space, child's requested entry RIP/RSP) and by fork-child rebuild
// (restored snapshot state).
func (s *Scheduler) StartAt(v *VCPU, regs *hypervisor.Regs, sregs *hypervisor.Sregs, handler ExitHandler) error {
	if err := hypervisor.SetSregs(v.fd, sregs); err != nil {
		return fmt.Errorf("vcpu %d: start: set sregs: %w", v.ID, err)
	}
	if err := hypervisor.SetRegs(v.fd, regs); err != nil {
		return fmt.Errorf("vcpu %d: start: set regs: %w", v.ID, err)
	}
	v.Regs = regs
	v.RegsValid = true
	s.Spawn(v, handler)
	return nil
}

// Pause implements the stop-the-world primitive (spec §4.2 "Pause
// protocol"): request every non-self vCPU to stop at its next
// hypercall boundary, kicking IN_GUEST vCPUs out via interrupt-fd, and
// wait for all to report PAUSED.
func (s *Scheduler) Pause(selfID int) {
	s.pauseMu.Lock()
	s.pausing = true
	s.pauseMu.Unlock()

	for _, v := range s.All() {
		if v.ID == selfID {
			continue
		}
		if v.State() == InGuest {
			_ = hypervisor.Interrupt(v.fd, 0)
		}
	}
	for _, v := range s.All() {
		if v.ID == selfID {
			continue
		}
		v.mu.Lock()
		for v.state != Paused && v.state != Done {
			v.cond.Wait()
		}
		v.mu.Unlock()
	}
}

// Resume reverses Pause.
func (s *Scheduler) Resume() {
	s.pauseMu.Lock()
	s.pausing = false
	s.pauseCv.Broadcast()
	s.pauseMu.Unlock()
}

// ParkPaused transitions v to PAUSED and blocks until resumed. The run
// loop (before each guest entry) and the dispatcher's HandleExit call
// it once they observe the scheduler is pausing, per the cooperative
// contract in spec §4.2.
func (s *Scheduler) ParkPaused(v *VCPU) {
	v.setState(Paused)
	s.pauseMu.Lock()
	for s.pausing {
		s.pauseCv.Wait()
	}
	s.pauseMu.Unlock()
	v.setState(Hypercall)
}

// Pausing reports whether a stop-the-world request is outstanding;
// the run loop and the dispatcher's HandleExit both poll it on every
// exit.
func (s *Scheduler) Pausing() bool {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	return s.pausing
}

// Forget removes v from the live table without returning it to the
// idle pool — used by fork teardown in the child, where the whole
// vCPU table is discarded and rebuilt from scratch (spec §4.5).
func (s *Scheduler) Forget(v *VCPU) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.table, v.ID)
	s.liveCnt--
}

// ResetAfterFork discards every vCPU and every idle-pool entry inherited
// from the parent's address space after a host fork (spec §4.5 step 4:
// "zero vCPU table"); the child allocates fresh vCPUs against its own
// freshly-created VM fd from here on.
func (s *Scheduler) ResetAfterFork(vmFD int) {
	s.mu.Lock()
	s.vmFD = vmFD
	s.table = make(map[int]*VCPU)
	s.idle = nil
	s.nextID = 0
	s.liveCnt = 0
	s.mu.Unlock()

	// The parent's Pause() call that quiesced everything before fork()
	// left pausing=true in what is now the child's copy of this
	// Scheduler too; the child has nothing left to resume from, so
	// clear it directly rather than going through Resume()'s broadcast
	// (there are no waiters yet in the child).
	s.pauseMu.Lock()
	s.pausing = false
	s.waiting = 0
	s.pauseMu.Unlock()
}
