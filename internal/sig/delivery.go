package sig

import (
	"encoding/binary"
	"fmt"

	"github.com/chandlercord/km/internal/hypervisor"
	"github.com/chandlercord/km/internal/vcpu"
)

// Translator is the guest-memory accessor delivery needs; it is
// satisfied by *memmgr.Manager. Kept as an interface here so sig
// doesn't import memmgr directly and create a dependency the spec
// doesn't call for (sig only ever touches memory the dispatcher hands
// it through this narrow seam).
type Translator interface {
	Translate(gva uint64, length uint64) ([]byte, error)
}

// frameSize is sizeof(siginfo-ish) + sizeof(ucontext-ish) laid out by
// encodeFrame/decodeFrame below: 8 register-sized info words, then 18
// general registers, then mask and TLS base.
const (
	infoWords  = 8
	regWords   = 18
	frameWords = infoWords + regWords + 2
	FrameSize  = frameWords * 8
)

func encodeFrame(b []byte, info Info, regs *hypervisor.Regs, mask, tls uint64) {
	put := func(i int, v uint64) { binary.LittleEndian.PutUint64(b[i*8:], v) }
	put(0, uint64(uint32(info.Signo)))
	put(1, uint64(uint32(info.Code)))
	put(2, uint64(uint32(info.PID)))
	put(3, uint64(uint32(info.UID)))
	put(4, uint64(uint32(info.Status)))
	put(5, 0)
	put(6, 0)
	put(7, 0)

	r := []uint64{
		regs.RAX, regs.RBX, regs.RCX, regs.RDX,
		regs.RSI, regs.RDI, regs.RSP, regs.RBP,
		regs.R8, regs.R9, regs.R10, regs.R11,
		regs.R12, regs.R13, regs.R14, regs.R15,
		regs.RIP, regs.RFLAGS,
	}
	for i, v := range r {
		put(infoWords+i, v)
	}
	put(infoWords+regWords, mask)
	put(infoWords+regWords+1, tls)
}

func decodeFrame(b []byte) (Info, *hypervisor.Regs, uint64, uint64) {
	get := func(i int) uint64 { return binary.LittleEndian.Uint64(b[i*8:]) }
	info := Info{
		Signo:  int32(get(0)),
		Code:   int32(get(1)),
		PID:    int32(get(2)),
		UID:    int32(get(3)),
		Status: int32(get(4)),
	}
	regs := &hypervisor.Regs{
		RAX: get(infoWords + 0), RBX: get(infoWords + 1), RCX: get(infoWords + 2), RDX: get(infoWords + 3),
		RSI: get(infoWords + 4), RDI: get(infoWords + 5), RSP: get(infoWords + 6), RBP: get(infoWords + 7),
		R8: get(infoWords + 8), R9: get(infoWords + 9), R10: get(infoWords + 10), R11: get(infoWords + 11),
		R12: get(infoWords + 12), R13: get(infoWords + 13), R14: get(infoWords + 14), R15: get(infoWords + 15),
		RIP: get(infoWords + 16), RFLAGS: get(infoWords + 17),
	}
	mask := get(infoWords + regWords)
	tls := get(infoWords + regWords + 1)
	return info, regs, mask, tls
}

// DeliverSignal implements spec §4.6 "deliver_signal": called by the
// dispatcher at the hypercall boundary, before the vCPU re-enters the
// guest. SIG_DFL with a fatal default action returns (true, nil) to
// tell the caller to initiate orderly shutdown; SIG_IGN silently drops
// the signal; otherwise the handler is armed on the vCPU.
func (s *State) DeliverSignal(v *vcpu.VCPU, mgr Translator) (shutdown bool, shutdownSigno int32, err error) {
	info, ok := s.take(v)
	if !ok {
		return false, 0, nil
	}
	act := s.actionFor(int(info.Signo))

	switch act.Handler {
	case SigHandlerIgnore:
		return false, 0, nil
	case SigHandlerDefault:
		if defaultIsFatal(info.Signo) {
			return true, info.Signo, nil
		}
		return false, 0, nil
	}

	if err := v.RefreshRegs(); err != nil {
		return false, 0, err
	}

	sp := v.Regs.RSP
	if act.Flags&SA_ONSTACK != 0 && v.SigAltStack.SP != 0 {
		sp = v.SigAltStack.SP + v.SigAltStack.Size
	}
	sp -= FrameSize
	sp &^= 0xF // 16-byte align per the x86_64 call ABI the restorer returns into.

	frame, err := mgr.Translate(sp, FrameSize)
	if err != nil {
		return false, 0, fmt.Errorf("sig: deliver signal %d: %w", info.Signo, err)
	}
	encodeFrame(frame, info, v.Regs, v.SigMask, v.GuestThr)

	newMask := v.SigMask | act.Mask | (uint64(1) << uint(info.Signo-1))
	if act.Flags&SA_NODEFER != 0 {
		newMask = v.SigMask
	}
	v.SigMask = newMask

	v.Regs.RSP = sp
	v.Regs.RIP = act.Handler
	v.Regs.RDI = uint64(info.Signo)
	v.Regs.RSI = sp // &siginfo, stored at the front of the frame.
	v.Regs.RDX = sp // &ucontext, same frame (simplified single-struct ABI).
	// The return address the handler's `ret` lands on is the
	// restorer; the guest runtime's trampoline is expected at
	// act.Restorer, pushed just below the aligned frame.
	retSlot, err := mgr.Translate(sp-8, 8)
	if err != nil {
		return false, 0, fmt.Errorf("sig: deliver signal %d: write return addr: %w", info.Signo, err)
	}
	binary.LittleEndian.PutUint64(retSlot, act.Restorer)
	v.Regs.RSP = sp - 8

	if act.Flags&SA_RESETHAND != 0 {
		s.muTable.Lock()
		s.table[info.Signo] = Sigaction{}
		s.muTable.Unlock()
	}
	return false, 0, nil
}

// RtSigreturn restores the machine context saved at delivery time
// (spec §4.6): atomic with respect to other signal delivery because
// the caller holds the vCPU exclusively at its own hypercall boundary.
func (s *State) RtSigreturn(v *vcpu.VCPU, frameGVA uint64, mgr Translator) error {
	frame, err := mgr.Translate(frameGVA, FrameSize)
	if err != nil {
		return fmt.Errorf("sig: rt_sigreturn: %w", err)
	}
	_, regs, mask, tls := decodeFrame(frame)
	v.Regs = regs
	v.RegsValid = true
	v.SigMask = mask
	v.GuestThr = tls
	return nil
}

// SigAltStack implements sigaltstack: sets/gets v's alternate stack
// descriptor (spec §3 "per-vCPU blocked mask + alt-stack descriptor").
func SigAltStack(v *vcpu.VCPU, newStack *vcpu.SigAltStack, old *vcpu.SigAltStack) {
	if old != nil {
		*old = v.SigAltStack
	}
	if newStack != nil {
		v.SigAltStack = *newStack
	}
}
