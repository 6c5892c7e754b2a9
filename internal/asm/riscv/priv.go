package riscv

import (
	"fmt"

	"github.com/tinyrange/hikami-go/internal/asm"
)

// CSR numbers the hypervisor's emitted machine code touches. Named here
// rather than in the trapasm caller so every privileged fragment in this
// file can be built and tested in isolation from the hypervisor package.
const (
	CsrSstatus = 0x100
	CsrSepc    = 0x141
	CsrSscratch = 0x140
	CsrSsp     = 0x011 // Zicfiss shadow stack pointer
)

type rType struct {
	rd, rs1, rs2 asm.Variable
	funct3       uint32
	funct7       uint32
	opcode       uint32
}

func (r rType) Emit(ctx asm.Context) error {
	insn := (r.funct7 << 25) | (uint32(r.rs2) << 20) | (uint32(r.rs1) << 15) |
		(r.funct3 << 12) | (uint32(r.rd) << 7) | r.opcode
	emitInsn(ctx, insn)
	return nil
}

// csrType encodes the I-type CSR instructions (CSRRW/CSRRS/CSRRC and their
// immediate forms), where the "immediate" field of an I-type instruction
// carries the CSR address instead of a signed offset.
type csrType struct {
	rd, rs1 asm.Variable
	csr     uint32
	funct3  uint32
}

func (c csrType) Emit(ctx asm.Context) error {
	if c.csr > 0xfff {
		return fmt.Errorf("riscv: csr number 0x%x out of range", c.csr)
	}
	insn := (c.csr << 20) | (uint32(c.rs1) << 15) | (c.funct3 << 12) | (uint32(c.rd) << 7) | 0x73
	emitInsn(ctx, insn)
	return nil
}

// Csrrw emits CSRRW rd, csr, rs1: atomically swaps csr's value with rs1.
func Csrrw(rd asm.Variable, csr uint32, rs1 asm.Variable) asm.Fragment {
	return csrType{rd: rd, rs1: rs1, csr: csr, funct3: 1}
}

// Csrrs emits CSRRS rd, csr, rs1: reads csr into rd, ORs in rs1's bits.
func Csrrs(rd asm.Variable, csr uint32, rs1 asm.Variable) asm.Fragment {
	return csrType{rd: rd, rs1: rs1, csr: csr, funct3: 2}
}

// Csrrc emits CSRRC rd, csr, rs1: reads csr into rd, clears rs1's bits.
func Csrrc(rd asm.Variable, csr uint32, rs1 asm.Variable) asm.Fragment {
	return csrType{rd: rd, rs1: rs1, csr: csr, funct3: 3}
}

// Csrrwi emits CSRRWI rd, csr, uimm: swaps csr's value with a 5-bit
// immediate (encoded in the rs1 field).
func Csrrwi(rd asm.Variable, csr uint32, uimm uint32) asm.Fragment {
	return csrType{rd: rd, rs1: asm.Variable(uimm & 0x1f), csr: csr, funct3: 5}
}

// Csrr reads a CSR into rd (CSRRS rd, csr, x0).
func Csrr(rd asm.Variable, csr uint32) asm.Fragment {
	return Csrrs(rd, csr, X0)
}

// Csrw writes rs1 into a CSR, discarding the old value (CSRRW x0, csr, rs1).
func Csrw(csr uint32, rs1 asm.Variable) asm.Fragment {
	return Csrrw(X0, csr, rs1)
}

// SfenceVMA emits SFENCE.VMA rs1, rs2 (VS-stage TLB invalidation).
func SfenceVMA(rs1, rs2 asm.Variable) asm.Fragment {
	return rType{rd: X0, rs1: rs1, rs2: rs2, funct3: 0, funct7: 0x09, opcode: 0x73}
}

// HfenceGVMA emits HFENCE.GVMA rs1, rs2 (G-stage TLB invalidation; rs1=0,
// rs2=0 invalidates everything).
func HfenceGVMA(rs1, rs2 asm.Variable) asm.Fragment {
	return rType{rd: X0, rs1: rs1, rs2: rs2, funct3: 0, funct7: 0x31, opcode: 0x73}
}

// HfenceVVMA emits HFENCE.VVMA rs1, rs2 (VS-stage TLB invalidation issued
// from HS-mode on behalf of a guest).
func HfenceVVMA(rs1, rs2 asm.Variable) asm.Fragment {
	return rType{rd: X0, rs1: rs1, rs2: rs2, funct3: 0, funct7: 0x11, opcode: 0x73}
}

type noArgPriv struct {
	insn uint32
}

func (n noArgPriv) Emit(ctx asm.Context) error {
	emitInsn(ctx, n.insn)
	return nil
}

// Sret emits SRET: return from HS-mode trap to the privilege mode recorded
// in sstatus.SPP/hstatus.SPV.
func Sret() asm.Fragment { return noArgPriv{insn: 0x10200073} }

// Wfi emits WFI: wait for interrupt.
func Wfi() asm.Fragment { return noArgPriv{insn: 0x10500073} }

// Ecall emits ECALL: environment call, used by the SBI forwarding path's
// test harness to synthesize guest-originated traps.
func Ecall() asm.Fragment { return noArgPriv{insn: 0x00000073} }

// FenceI emits FENCE.I: instruction-fetch fence, used once at guest entry
// to make freshly-copied guest code visible to the fetch path.
func FenceI() asm.Fragment { return noArgPriv{insn: 0x0000100f} }

type jalrType struct {
	rd, rs1 asm.Variable
	imm     int32
}

func (j jalrType) Emit(ctx asm.Context) error {
	insn, err := encodeI(j.imm, uint32(j.rs1), 0, uint32(j.rd), 0x67)
	if err != nil {
		return err
	}
	emitInsn(ctx, insn)
	return nil
}

// Jalr emits JALR rd, rs1, imm. Jalr(X1, X5, 0) is the usual "call through
// register t0" form; Jalr(X0, rs1, 0) is a plain indirect jump.
func Jalr(rd, rs1 asm.Variable, imm int32) asm.Fragment {
	return jalrType{rd: rd, rs1: rs1, imm: imm}
}
