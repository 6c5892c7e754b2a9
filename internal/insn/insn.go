// Package insn decodes the narrow slice of the RV64 instruction encoding the
// hypervisor's trap dispatcher needs to interpret directly: CSR-class SYSTEM
// instructions (CSRRW/CSRRS/CSRRC and their immediate forms). A guest's
// illegal-instruction or virtual-instruction trap hands the dispatcher the
// raw 32-bit instruction word; this package turns that word into the
// CSR number, register operands, and read-modify-write op it encodes,
// the same decode tinyrange-cc's software RV64 emulator performs to
// interpret a guest program, repurposed here to decode a single trapped
// instruction rather than an entire instruction stream.
package insn

// CSROp names the read-modify-write combine operation a CSR instruction
// performs against the CSR's current value.
type CSROp int

const (
	CSROpWrite CSROp = iota
	CSROpSet
	CSROpClear
)

// systemOpcode is the RV64 SYSTEM major opcode (0x73) every ECALL/EBREAK/
// SRET/WFI/CSR instruction shares.
const systemOpcode = 0x73

// CSRAccess is a decoded CSRRW/CSRRS/CSRRC(I) instruction.
type CSRAccess struct {
	CSR       uint16
	Rd        uint32
	Rs1       uint32
	Op        CSROp
	Immediate bool // true for the *I forms, where Rs1 is a 5-bit immediate, not a register number
}

// DecodeCSR reports whether insn is a CSR-class SYSTEM instruction and, if
// so, decodes it. It returns false for ECALL/EBREAK/SRET/MRET/WFI/SFENCE.VMA
// (funct3 zero) and for any non-SYSTEM-opcode instruction.
func DecodeCSR(word uint32) (CSRAccess, bool) {
	if word&0x7f != systemOpcode {
		return CSRAccess{}, false
	}
	f3 := (word >> 12) & 0x7
	if f3 == 0 {
		return CSRAccess{}, false
	}

	var op CSROp
	switch f3 & 3 {
	case 1:
		op = CSROpWrite
	case 2:
		op = CSROpSet
	case 3:
		op = CSROpClear
	default:
		return CSRAccess{}, false
	}

	return CSRAccess{
		CSR:       uint16(word >> 20),
		Rd:        (word >> 7) & 0x1f,
		Rs1:       (word >> 15) & 0x1f,
		Op:        op,
		Immediate: f3 >= 5,
	}, true
}

// IsPureRead reports whether a decoded CSR access only reads the CSR and
// never writes it: a plain CSRRS/CSRRC with rs1==x0 (register form) or a
// zero uimm (immediate form) writes nothing, per the RV64 Zicsr spec's
// "writing is suppressed when the rs1/uimm operand is zero for these two
// forms" rule. RDTIME is conventionally encoded this way: `csrrs rd, time,
// x0`.
func (a CSRAccess) IsPureRead() bool {
	return a.Op != CSROpWrite && a.Rs1 == 0
}
