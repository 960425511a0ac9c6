package hypercall

import (
	"os"

	"github.com/chandlercord/km/internal/vcpu"
)

func hcGetpid(d *Dispatcher, v *vcpu.VCPU, args *ArgBlock) int64 {
	return int64(os.Getpid())
}

func hcGetppid(d *Dispatcher, v *vcpu.VCPU, args *ArgBlock) int64 {
	return int64(os.Getppid())
}

// hcWait4 is not implemented at the core level: spec §1 scopes
// process reaping to whatever collaborator owns the payload's process
// table (this monitor runs exactly one payload per monitor process,
// per the Non-goals, so there is no sibling to wait for beyond what
// forkcoord produces — and that case is wired through the monitor's
// own host wait4 by the owning cmd/km entrypoint, not by the core).
func hcWait4(d *Dispatcher, v *vcpu.VCPU, args *ArgBlock) int64 {
	return -errCHILD
}
