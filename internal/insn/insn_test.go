package insn

import "testing"

func encodeCSR(f3 uint32, csr uint16, rs1, rd uint32) uint32 {
	return (uint32(csr) << 20) | (rs1 << 15) | (f3 << 12) | (rd << 7) | systemOpcode
}

func TestDecodeCSRForms(t *testing.T) {
	cases := []struct {
		name string
		f3   uint32
		op   CSROp
		imm  bool
	}{
		{"csrrw", 1, CSROpWrite, false},
		{"csrrs", 2, CSROpSet, false},
		{"csrrc", 3, CSROpClear, false},
		{"csrrwi", 5, CSROpWrite, true},
		{"csrrsi", 6, CSROpSet, true},
		{"csrrci", 7, CSROpClear, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			word := encodeCSR(c.f3, 0xc01, 3, 5)
			got, ok := DecodeCSR(word)
			if !ok {
				t.Fatalf("DecodeCSR returned ok=false")
			}
			if got.CSR != 0xc01 || got.Rs1 != 3 || got.Rd != 5 {
				t.Fatalf("unexpected decode: %+v", got)
			}
			if got.Op != c.op || got.Immediate != c.imm {
				t.Fatalf("op/immediate mismatch: %+v, want op=%d imm=%v", got, c.op, c.imm)
			}
		})
	}
}

func TestDecodeCSRRejectsNonSystemOpcode(t *testing.T) {
	if _, ok := DecodeCSR(0x00000013); ok { // ADDI x0, x0, 0 (NOP)
		t.Fatalf("expected non-SYSTEM opcode to be rejected")
	}
}

func TestDecodeCSRRejectsFunct3Zero(t *testing.T) {
	if _, ok := DecodeCSR(0x10200073); ok { // SRET
		t.Fatalf("expected SRET (funct3=0) to be rejected as a CSR access")
	}
}

func TestIsPureRead(t *testing.T) {
	rdtime := encodeCSR(2, 0xc01, 0, 5) // csrrs t0, time, x0
	got, ok := DecodeCSR(rdtime)
	if !ok || !got.IsPureRead() {
		t.Fatalf("expected rdtime encoding to decode as a pure read: %+v ok=%v", got, ok)
	}

	write := encodeCSR(1, 0xc01, 3, 5) // csrrw t0, time, x3 -- writes time
	got2, ok := DecodeCSR(write)
	if !ok || got2.IsPureRead() {
		t.Fatalf("expected csrrw to not be classified as a pure read")
	}
}
