// Package zicfiss emulates the ratified Zicfiss (shadow stack) extension:
// a per-guest shadow stack pointer CSR, the SSPUSH/SSPOPCHK instruction
// pair, and the senvcfg/henvcfg SSE bit that gates whether the current
// privilege mode has shadow-stack checking enabled. No hardware in this
// system actually implements Zicfiss. The trap dispatcher routes only
// illegal-instruction traps that decode as ssp CSR accesses here; it does
// not decode SSPUSH/SSPOPCHK instruction words, so Push and Pop are reached
// only by direct calls.
package zicfiss

import (
	"encoding/binary"
	"fmt"
)

// CsrSsp is the ssp CSR number (shadow stack pointer), 0x011.
const CsrSsp = 0x011

// senvcfg/henvcfg bit 3 is SSE, the shadow-stack-enable bit this package
// virtualizes; every other bit of those CSRs is opaque to this package and
// must be tracked by the caller.
const SSEBit = 1 << 3

// Cause/tval pair raised on a shadow-stack mismatch, matching the ratified
// spec's software-check exception: cause 18 (software check), tval 3
// (shadow stack fault), the same pseudo-exception the original
// implementation raises.
const (
	SoftwareCheckCause = 18
	ShadowStackFaultTval = 3
)

// Memory is the byte-addressable guest memory a shadow stack push/pop reads
// and writes through, after VS-stage-then-G-stage translation (performed by
// the caller; this package only knows the already-translated host address).
type Memory interface {
	ReadUint64(hpa uint64) (uint64, error)
	WriteUint64(hpa uint64, v uint64) error
}

// Fault reports a shadow-stack mismatch. The unimplemented SSAMOSWAP.W/.D
// operations return a plain error instead (see ssamoswapUnsupported).
type Fault struct {
	Cause uint64
	Tval  uint64
}

func (f *Fault) Error() string {
	return fmt.Sprintf("zicfiss: software check exception (cause=%d tval=%d)", f.Cause, f.Tval)
}

func softwareCheck() error {
	return &Fault{Cause: SoftwareCheckCause, Tval: ShadowStackFaultTval}
}

// State is one guest HART's shadow-stack CSR state: the ssp value and
// whether shadow-stack checking is currently enabled in HS-mode (henvcfg)
// and VS-mode (senvcfg), tracked separately because a guest's own senvcfg
// write must not leak into the hypervisor's henvcfg bit and vice versa.
type State struct {
	ssp     uint64
	henvSSE bool
	senvSSE bool
}

// NewState returns shadow-stack state with checking disabled, the required
// reset value per the extension's specification.
func NewState() *State { return &State{} }

// Ssp returns the current shadow stack pointer.
func (s *State) Ssp() uint64 { return s.ssp }

// isEnabled reports whether shadow-stack checking applies to the
// privilege mode the guest was in when it trapped, mirroring the original's
// is_ss_enable: sstatus.SPP==0 (user) consults senvSSE, SPP==1 (supervisor,
// i.e. VS-mode here) consults henvSSE.
func (s *State) isEnabled(sstatus uint64) bool {
	const sstatusSPP = 1 << 8
	if sstatus&sstatusSPP != 0 {
		return s.henvSSE
	}
	return s.senvSSE
}

// Push implements SSPUSH/C.SSPUSH: decrement ssp by 8 and store value.
func (s *State) Push(mem Memory, sstatus uint64, value uint64) error {
	if !s.isEnabled(sstatus) {
		return nil
	}
	s.ssp -= 8
	if err := mem.WriteUint64(s.ssp, value); err != nil {
		return err
	}
	return nil
}

// Pop implements SSPOPCHK/C.SSPOPCHK: load the top of the shadow stack,
// compare it to expected (the value the guest's ordinary stack-based return
// address claims), and raise a software-check exception on mismatch before
// advancing ssp.
func (s *State) Pop(mem Memory, sstatus uint64, expected uint64) error {
	if !s.isEnabled(sstatus) {
		return nil
	}
	got, err := mem.ReadUint64(s.ssp)
	if err != nil {
		return err
	}
	if got != expected {
		return softwareCheck()
	}
	s.ssp += 8
	return nil
}

// ReadSsp implements SSRDP: returns ssp if enabled for the current mode,
// else zero (per spec, SSRDP reads zero when shadow stacks are off).
func (s *State) ReadSsp(sstatus uint64) uint64 {
	if !s.isEnabled(sstatus) {
		return 0
	}
	return s.ssp
}

// WriteSsp services a CSRRW/CSRRS/CSRRC/CSRRWI/CSRRSI/CSRRCI targeting the
// ssp CSR (0x011). op selects the CSR instruction's combine semantics;
// write is the already-decoded write-side value (the rs1 register's value,
// or the zero-extended uimm for the *I forms). It returns the CSR's prior
// value, the read side of a CSRR* instruction.
func (s *State) WriteSsp(op CsrOp, write uint64) uint64 {
	old := s.ssp
	switch op {
	case CsrOpWrite:
		s.ssp = write
	case CsrOpSet:
		s.ssp |= write
	case CsrOpClear:
		s.ssp &^= write
	}
	return old
}

// CsrOp names the three CSR read-modify-write combine operations.
type CsrOp int

const (
	CsrOpWrite CsrOp = iota
	CsrOpSet
	CsrOpClear
)

// FieldRead returns the virtualized SSE bit OR'd into an otherwise-real
// senvcfg/henvcfg read value, the same field-virtualization shape the
// original's csr_field applies to CSR_SENVCFG.
func (s *State) FieldRead(hsMode bool, real uint64) uint64 {
	enabled := s.henvSSE
	if !hsMode {
		enabled = s.senvSSE
	}
	if enabled {
		return real | SSEBit
	}
	return real &^ SSEBit
}

// FieldWrite steers henvSSE/senvSSE from a guest write to senvcfg/henvcfg,
// independent of whatever other bits that CSR carries.
func (s *State) FieldWrite(hsMode bool, written uint64) {
	enabled := written&SSEBit != 0
	if hsMode {
		s.henvSSE = enabled
	} else {
		s.senvSSE = enabled
	}
}

// ssamoswapUnsupported is the explicit fatal path for SSAMOSWAP.W/.D,
// matching the original implementation's todo!() — no guest in this
// system's test matrix issues the atomic shadow-stack swap form.
func ssamoswapUnsupported() error {
	return fmt.Errorf("zicfiss: SSAMOSWAP.W/.D is not implemented")
}

// SSAmoSwapW services SSAMOSWAP.W; always fails, see ssamoswapUnsupported.
func (s *State) SSAmoSwapW(Memory, uint64) (uint32, error) { return 0, ssamoswapUnsupported() }

// SSAmoSwapD services SSAMOSWAP.D; always fails, see ssamoswapUnsupported.
func (s *State) SSAmoSwapD(Memory, uint64) (uint64, error) { return 0, ssamoswapUnsupported() }

// encodeWord writes v into buf as one little-endian 64-bit shadow-stack slot.
func encodeWord(buf []byte, v uint64) { binary.LittleEndian.PutUint64(buf, v) }
