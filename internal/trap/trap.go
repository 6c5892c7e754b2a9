// Package trap decodes scause and dispatches HS-mode traps taken while a
// guest is running in VS-mode: SBI ecalls go to the SBI server, virtual
// instructions (rdtime) are emulated directly, everything else not
// explicitly handled is forwarded back into the guest's own vstvec.
package trap

import (
	"fmt"

	"github.com/tinyrange/hikami-go/internal/guest"
	insnpkg "github.com/tinyrange/hikami-go/internal/insn"
)

// Cause bit 63 marks an interrupt rather than an exception; the remaining
// bits are the exception/interrupt code, per the privileged spec.
const causeInterruptBit = 1 << 63

// Exception codes this hypervisor cares about (scause with bit 63 clear).
const (
	ExcInstructionMisaligned = 0
	ExcInstructionFault      = 1
	ExcIllegalInstruction    = 2
	ExcBreakpoint            = 3
	ExcLoadMisaligned        = 4
	ExcLoadFault             = 5
	ExcStoreMisaligned       = 6
	ExcStoreFault            = 7
	ExcEcallFromU            = 8
	ExcEcallFromVS           = 10
	ExcInstructionGuestFault = 20
	ExcLoadGuestFault        = 21
	ExcVirtualInstruction    = 22
	ExcStoreGuestFault       = 23
	ExcSoftwareCheck         = 18 // Zicfiss shadow-stack fault
)

// Interrupt codes (scause with bit 63 set). IntSupervisorTimer and
// IntSupervisorExternal are real, hardware-delegated HS-level interrupts
// that land in this dispatcher directly; IntVSSoftware/IntVSTimer/
// IntVSExternal are the *virtual*-supervisor codes, which only ever appear
// in a guest's own scause after hideleg/mideleg delegation and must never
// reach HS-mode software bare -- one arriving here is a delegation
// misconfiguration, not a condition to service.
const (
	IntSupervisorTimer    = 5
	IntSupervisorExternal = 9

	IntVSSoftware = 2
	IntVSTimer    = 6
	IntVSExternal = 10
)

// hvip bits the dispatcher sets or clears on Context.HVIP to reflect a real
// HS-level interrupt into the guest's virtual interrupt-pending state.
const (
	HVIPVSTIP = 1 << 6
	HVIPVSEIP = 1 << 10
)

// Fault reports a trap the dispatcher could not resolve itself and is
// forwarding to the guest's own trap handler, or that should abort guest
// execution entirely.
type Fault struct {
	Scause uint64
	Stval  uint64
}

func (f *Fault) Error() string {
	return fmt.Sprintf("trap: unhandled scause=0x%x stval=0x%x", f.Scause, f.Stval)
}

// IsInterrupt reports whether scause denotes an interrupt rather than an
// exception.
func IsInterrupt(scause uint64) bool { return scause&causeInterruptBit != 0 }

// Code strips the interrupt/exception discriminator bit from scause.
func Code(scause uint64) uint64 { return scause &^ causeInterruptBit }

// SBIHandler services an ecall-from-VS trap, returning the (error, value)
// pair to be placed in a0/a1 before sret, per the SBI calling convention.
type SBIHandler interface {
	Handle(ctx *guest.Context) (a0 int64, a1 uint64)
}

// VirtualInstructionHandler services a virtual-instruction trap (today,
// only RDTIME — a genuine CSR read the hypervisor must service itself since
// the VS-mode `time` CSR access is unconditionally virtualized).
type VirtualInstructionHandler interface {
	// Handle returns the value to place in rd, or an error if the faulting
	// instruction at ctx.Sepc() was not one this handler recognizes.
	Handle(ctx *guest.Context, insn uint32) (uint64, int, error)
}

// CSRHandler services an illegal-instruction trap that decodes as a CSR
// access to a CSR number this hypervisor emulates in software (today, only
// Zicfiss's ssp at 0x011). It returns false when csr is not one it
// recognizes, in which case the trap is forwarded to the guest unchanged,
// matching spec §4.D's "decode the instruction; if Zicsr on an emulated CSR
// ... dispatch to 4.G; else forward to guest" rule for cause 2.
// HandleCSR returns the CSR's prior value (to be written into rd) and
// whether csr was recognized; ok=false leaves ctx untouched and tells
// Dispatch to forward the trap instead.
type CSRHandler interface {
	HandleCSR(ctx *guest.Context, csr uint16, op insnpkg.CSROp, writeVal uint64) (oldValue uint64, ok bool)
}

// ForwardFunc writes the interrupted guest's vsepc/vscause/vstval and
// redirects sepc to the guest's own vstvec, implementing "forward to
// guest" for every exception this hypervisor does not itself service.
// ForwardToGuest is the default implementation; callers may substitute
// their own (tests do, to observe that forwarding happened).
type ForwardFunc func(ctx *guest.Context, scause, stval uint64) (newSepc uint64)

// ForwardToGuest implements the forward-to-guest protocol directly against
// a Context's H-extension CSR shadow state: the guest sees a normal VS-mode
// trap with faithful scause/sepc/stval on its next sret.
func ForwardToGuest(ctx *guest.Context, scause, stval uint64) uint64 {
	ctx.VSEPC = ctx.Sepc()
	ctx.VSCause = scause
	ctx.VSTval = stval
	return ctx.VSTvec
}

// TimerHandler services a genuine scause=5 SupervisorTimer interrupt by
// clearing the real (non-virtualized) sip.STIP bit; hvip.VSTIP itself is
// tracked directly on the Context and needs no hardware callback.
type TimerHandler interface {
	ClearSTIP()
}

// PLICHandler is the MMIO and claim surface internal/plic.PLIC exposes.
// Read/Write service a guest's direct MMIO access to the PLIC window,
// routed here from a load/store guest-page fault; Pending reports whether
// a genuine scause=9 SupervisorExternal interrupt should be reflected into
// the guest via hvip.VSEIP.
type PLICHandler interface {
	Read(context int, offset uint64) uint64
	Write(context int, offset uint64, value uint64)
	Pending(context int) bool
}

// Dispatcher routes a trap taken from VS-mode to the right handler.
type Dispatcher struct {
	SBI        SBIHandler
	VirtualIns VirtualInstructionHandler
	CSR        CSRHandler
	Forward    ForwardFunc
	Timer      TimerHandler

	// PLIC, PLICContext and PLICBase wire component E into the dispatcher:
	// PLICBase is the guest-physical base address of the PLIC MMIO window
	// (from the device registry), and PLICContext is this HART's PLIC
	// context id.
	PLIC        PLICHandler
	PLICContext int
	PLICBase    uint64
	PLICSize    uint64
}

// Dispatch handles one trap. insn is the raw faulting instruction word for
// the virtual-instruction path, or htinst's pseudo-instruction for a
// load/store guest-page fault; it may be zero when not applicable. htval is
// only meaningful for a guest-page-fault exception (20/21/23), where it
// holds the faulting guest-physical address shifted right by two bits. It
// returns the sepc value to resume at (the caller's trap epilogue writes this back into
// ctx before sret) and whether guest execution should continue.
func (d *Dispatcher) Dispatch(ctx *guest.Context, scause, stval, htval uint64, insn uint32) (uint64, error) {
	if IsInterrupt(scause) {
		switch Code(scause) {
		case IntSupervisorTimer:
			if d.Timer != nil {
				d.Timer.ClearSTIP()
			}
			ctx.HVIP |= HVIPVSTIP
			return ctx.Sepc(), nil

		case IntSupervisorExternal:
			if d.PLIC != nil && d.PLIC.Pending(d.PLICContext) {
				ctx.HVIP |= HVIPVSEIP
			} else {
				ctx.HVIP &^= HVIPVSEIP
			}
			return ctx.Sepc(), nil

		default:
			// Every other interrupt cause -- including the virtual-
			// supervisor codes IntVSSoftware/IntVSTimer/IntVSExternal --
			// is delegated straight to VS-mode by hideleg/mideleg hardware
			// and never reaches HS-mode software; one arriving here bare
			// means the delegation setup is wrong.
			return ctx.Sepc(), &Fault{Scause: scause, Stval: stval}
		}
	}

	switch Code(scause) {
	case ExcIllegalInstruction:
		if d.CSR != nil {
			if access, ok := insnpkg.DecodeCSR(insn); ok {
				writeVal := uint64(access.Rs1)
				if !access.Immediate {
					writeVal = ctx.Xreg(int(access.Rs1))
				}
				if old, ok := d.CSR.HandleCSR(ctx, access.CSR, access.Op, writeVal); ok {
					ctx.SetXreg(int(access.Rd), old)
					return ctx.Sepc() + 4, nil
				}
			}
		}
		return d.forward(ctx, scause, stval), nil

	case ExcEcallFromVS:
		if d.SBI == nil {
			return ctx.Sepc(), fmt.Errorf("trap: ecall-from-VS with no SBI handler installed")
		}
		a0, a1 := d.SBI.Handle(ctx)
		ctx.SetXreg(10, uint64(a0))
		ctx.SetXreg(11, a1)
		return ctx.Sepc() + 4, nil

	case ExcLoadGuestFault, ExcStoreGuestFault:
		if d.PLIC != nil {
			faultAddr := HtvalPageAddr(htval)
			if faultAddr >= d.PLICBase && faultAddr-d.PLICBase < d.PLICSize {
				offset := faultAddr - d.PLICBase
				isStore, reg, length := decodeGuestFaultInsn(insn)
				if isStore {
					d.PLIC.Write(d.PLICContext, offset, ctx.Xreg(int(reg)))
				} else {
					ctx.SetXreg(int(reg), d.PLIC.Read(d.PLICContext, offset))
				}
				return ctx.Sepc() + length, nil
			}
		}
		return d.forward(ctx, scause, stval), nil

	case ExcVirtualInstruction:
		if d.VirtualIns != nil {
			if val, rd, err := d.VirtualIns.Handle(ctx, insn); err == nil {
				ctx.SetXreg(rd, val)
				return ctx.Sepc() + 4, nil
			}
		}
		return d.forward(ctx, scause, stval), nil

	default:
		return d.forward(ctx, scause, stval), nil
	}
}

func (d *Dispatcher) forward(ctx *guest.Context, scause, stval uint64) uint64 {
	if d.Forward == nil {
		return ForwardToGuest(ctx, scause, stval)
	}
	return d.Forward(ctx, scause, stval)
}

// decodeGuestFaultInsn reads the load/store opcode out of a guest-page-fault
// htinst pseudo-instruction: the store major opcode (0x23) means the value
// to write lives in rs2, otherwise it is a load and the destination is rd.
// The pseudo-instruction's bit 1 distinguishes a compressed (2-byte) access
// from a full 4-byte one, per spec's sepc-advance rule.
func decodeGuestFaultInsn(word uint32) (isStore bool, reg uint32, length uint64) {
	opcode := word & 0x7f
	isStore = opcode == 0x23
	if isStore {
		reg = (word >> 20) & 0x1f
	} else {
		reg = (word >> 7) & 0x1f
	}
	length = 4
	if word&0x2 == 0 {
		length = 2
	}
	return isStore, reg, length
}

// HtvalPageAddr converts an htval reading into the faulting guest-physical
// address: htval holds the address shifted right by two bits relative to a
// byte address.
func HtvalPageAddr(htval uint64) uint64 {
	return htval << 2
}
