// Package trapasm assembles the hypervisor's trap vector as literal RV64
// machine code, built with the teacher's runtime instruction encoder
// (internal/asm, internal/asm/riscv) instead of a hand-written Plan9 .s
// file, since the retrieval corpus has no Go-assembly precedent to imitate.
// The encoder itself is extended here (via internal/asm/riscv/priv.go) with
// the CSR, fence and privileged-return instructions a compiled-Go trap
// handler can never legally emit on its own.
package trapasm

import (
	"github.com/tinyrange/hikami-go/internal/asm"
	"github.com/tinyrange/hikami-go/internal/asm/riscv"
	"github.com/tinyrange/hikami-go/internal/guest"
)

// Scratch registers used internally by the emitted sequences; chosen to
// avoid clobbering any register before it has been saved or after it has
// been restored.
const (
	t0 = riscv.X5
	t1 = riscv.X6
	sp = riscv.X2
)

// contextOffset returns the byte offset of register i within the 272-byte
// frame guest.Context.Bytes lays out.
func contextOffset(i int) int32 { return int32(i * 8) }

const (
	sstatusOffset = 32 * 8
	sepcOffset    = 33 * 8
)

// BuildTrapVector assembles the HS-mode trap entry sequence:
//
//  1. swap sp for the per-HART trap stack via sscratch
//  2. save x1,x3-x31 (x2/sp handled specially, x0 never saved) plus
//     sepc/sstatus into the guest.Context frame
//  3. load the hypervisor's own stack pointer and jump (via dispatchEntry,
//     a register holding the Go dispatcher trampoline's address, already
//     placed there by the hypervisor at init time) into Go code
//
// dispatchReg names the register the caller has arranged to already hold
// the dispatcher trampoline's entry address (the hypervisor package loads
// it there once per HART, since machine code here cannot itself express a
// call into compiled Go).
func BuildTrapVector(dispatchReg asm.Variable) (asm.Program, error) {
	frag := asm.Group{
		// sp <-> sscratch: sp now points at this HART's trap-frame stack
		// top; sscratch now holds the interrupted mode's stack pointer.
		riscv.Csrrw(sp, riscv.CsrSscratch, sp),
		riscv.AddRegImm(sp, -guest.ContextSize),

		riscv.MovToMemory(sp, riscv.X1, contextOffset(1)),
		riscv.MovToMemory(sp, riscv.X3, contextOffset(3)),
		riscv.MovToMemory(sp, riscv.X4, contextOffset(4)),
		riscv.MovToMemory(sp, riscv.X5, contextOffset(5)),
		riscv.MovToMemory(sp, riscv.X6, contextOffset(6)),
		riscv.MovToMemory(sp, riscv.X7, contextOffset(7)),
		riscv.MovToMemory(sp, riscv.X8, contextOffset(8)),
		riscv.MovToMemory(sp, riscv.X9, contextOffset(9)),
		riscv.MovToMemory(sp, riscv.X10, contextOffset(10)),
		riscv.MovToMemory(sp, riscv.X11, contextOffset(11)),
		riscv.MovToMemory(sp, riscv.X12, contextOffset(12)),
		riscv.MovToMemory(sp, riscv.X13, contextOffset(13)),
		riscv.MovToMemory(sp, riscv.X14, contextOffset(14)),
		riscv.MovToMemory(sp, riscv.X15, contextOffset(15)),
		riscv.MovToMemory(sp, riscv.X16, contextOffset(16)),
		riscv.MovToMemory(sp, riscv.X17, contextOffset(17)),
		riscv.MovToMemory(sp, riscv.X18, contextOffset(18)),
		riscv.MovToMemory(sp, riscv.X19, contextOffset(19)),
		riscv.MovToMemory(sp, riscv.X20, contextOffset(20)),
		riscv.MovToMemory(sp, riscv.X21, contextOffset(21)),
		riscv.MovToMemory(sp, riscv.X22, contextOffset(22)),
		riscv.MovToMemory(sp, riscv.X23, contextOffset(23)),
		riscv.MovToMemory(sp, riscv.X24, contextOffset(24)),
		riscv.MovToMemory(sp, riscv.X25, contextOffset(25)),
		riscv.MovToMemory(sp, riscv.X26, contextOffset(26)),
		riscv.MovToMemory(sp, riscv.X27, contextOffset(27)),
		riscv.MovToMemory(sp, riscv.X28, contextOffset(28)),
		riscv.MovToMemory(sp, riscv.X29, contextOffset(29)),
		riscv.MovToMemory(sp, riscv.X30, contextOffset(30)),
		riscv.MovToMemory(sp, riscv.X31, contextOffset(31)),

		// x2 (sp) itself: read back the interrupted sp from sscratch.
		riscv.Csrr(t0, riscv.CsrSscratch),
		riscv.MovToMemory(sp, t0, contextOffset(2)),

		// sepc, sstatus.
		riscv.Csrr(t0, riscv.CsrSepc),
		riscv.MovToMemory(sp, t0, sepcOffset),
		riscv.Csrr(t1, riscv.CsrSstatus),
		riscv.MovToMemory(sp, t1, sstatusOffset),

		// Jump into the Go-side dispatcher; it receives the frame address
		// in sp and returns control via BuildTrapReturn below.
		riscv.Jalr(riscv.X0, dispatchReg, 0),
	}

	return riscv.EmitProgram(frag)
}

// BuildTrapReturn assembles the restore-and-sret epilogue hart_entry's
// literal inline asm established: reload sstatus/sepc first, then every
// saved GPR except x0/sp, swap sp back out through sscratch, and sret.
// stackTopReg must hold the address one-past-the-end of the context frame
// to restore from (the same value hart_entry calls "stack_top").
func BuildTrapReturn(stackTopReg asm.Variable) (asm.Program, error) {
	frag := asm.Group{
		riscv.FenceI(),
		// mv sp, stackTopReg ; addi sp, sp, -ContextSize
		riscv.AddRegImmFrom(sp, stackTopReg, 0),
		riscv.AddRegImm(sp, -guest.ContextSize),
	}

	frag = append(frag,
		riscv.MovFromMemory(t0, sp, sstatusOffset),
		riscv.Csrw(riscv.CsrSstatus, t0),
		riscv.MovFromMemory(t1, sp, sepcOffset),
		riscv.Csrw(riscv.CsrSepc, t1),

		riscv.MovFromMemory(riscv.X1, sp, contextOffset(1)),
		riscv.MovFromMemory(riscv.X3, sp, contextOffset(3)),
		riscv.MovFromMemory(riscv.X4, sp, contextOffset(4)),
		riscv.MovFromMemory(riscv.X5, sp, contextOffset(5)),
		riscv.MovFromMemory(riscv.X6, sp, contextOffset(6)),
		riscv.MovFromMemory(riscv.X7, sp, contextOffset(7)),
		riscv.MovFromMemory(riscv.X8, sp, contextOffset(8)),
		riscv.MovFromMemory(riscv.X9, sp, contextOffset(9)),
		riscv.MovFromMemory(riscv.X10, sp, contextOffset(10)),
		riscv.MovFromMemory(riscv.X11, sp, contextOffset(11)),
		riscv.MovFromMemory(riscv.X12, sp, contextOffset(12)),
		riscv.MovFromMemory(riscv.X13, sp, contextOffset(13)),
		riscv.MovFromMemory(riscv.X14, sp, contextOffset(14)),
		riscv.MovFromMemory(riscv.X15, sp, contextOffset(15)),
		riscv.MovFromMemory(riscv.X16, sp, contextOffset(16)),
		riscv.MovFromMemory(riscv.X17, sp, contextOffset(17)),
		riscv.MovFromMemory(riscv.X18, sp, contextOffset(18)),
		riscv.MovFromMemory(riscv.X19, sp, contextOffset(19)),
		riscv.MovFromMemory(riscv.X20, sp, contextOffset(20)),
		riscv.MovFromMemory(riscv.X21, sp, contextOffset(21)),
		riscv.MovFromMemory(riscv.X22, sp, contextOffset(22)),
		riscv.MovFromMemory(riscv.X23, sp, contextOffset(23)),
		riscv.MovFromMemory(riscv.X24, sp, contextOffset(24)),
		riscv.MovFromMemory(riscv.X25, sp, contextOffset(25)),
		riscv.MovFromMemory(riscv.X26, sp, contextOffset(26)),
		riscv.MovFromMemory(riscv.X27, sp, contextOffset(27)),
		riscv.MovFromMemory(riscv.X28, sp, contextOffset(28)),
		riscv.MovFromMemory(riscv.X29, sp, contextOffset(29)),
		riscv.MovFromMemory(riscv.X30, sp, contextOffset(30)),
		riscv.MovFromMemory(riscv.X31, sp, contextOffset(31)),

		// swap HS-mode sp for the restored guest sp, then return.
		riscv.AddRegImm(sp, guest.ContextSize),
		riscv.Csrrw(sp, riscv.CsrSscratch, sp),
		riscv.Sret(),
	)

	return riscv.EmitProgram(frag)
}
