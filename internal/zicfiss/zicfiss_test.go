package zicfiss

import "testing"

type fakeMem map[uint64]uint64

func (m fakeMem) ReadUint64(a uint64) (uint64, error) { return m[a], nil }
func (m fakeMem) WriteUint64(a uint64, v uint64) error { m[a] = v; return nil }

const sstatusVSMode = 1 << 8 // SPP=1, matches VS-mode per is_ss_enable

func TestPushPopRoundTrip(t *testing.T) {
	s := NewState()
	s.FieldWrite(true, SSEBit) // enable henvSSE (VS-mode path)
	mem := fakeMem{}

	s.ssp = 0x1000 // arbitrary initial top-of-stack

	if err := s.Push(mem, sstatusVSMode, 0xaaaa); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if s.Ssp() != 0xff8 {
		t.Fatalf("ssp after push = 0x%x, want 0xff8", s.Ssp())
	}

	if err := s.Pop(mem, sstatusVSMode, 0xaaaa); err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if s.Ssp() != 0x1000 {
		t.Fatalf("ssp after pop = 0x%x, want 0x1000", s.Ssp())
	}
}

func TestPopMismatchRaisesSoftwareCheck(t *testing.T) {
	s := NewState()
	s.FieldWrite(true, SSEBit)
	mem := fakeMem{}
	s.ssp = 0x1000

	if err := s.Push(mem, sstatusVSMode, 0xaaaa); err != nil {
		t.Fatalf("Push: %v", err)
	}

	err := s.Pop(mem, sstatusVSMode, 0xbbbb)
	if err == nil {
		t.Fatalf("expected software-check fault on mismatch")
	}
	f, ok := err.(*Fault)
	if !ok {
		t.Fatalf("expected *Fault, got %T", err)
	}
	if f.Cause != SoftwareCheckCause || f.Tval != ShadowStackFaultTval {
		t.Fatalf("unexpected fault fields: %+v", f)
	}
}

func TestDisabledShadowStackIsNoOp(t *testing.T) {
	s := NewState() // henvSSE/senvSSE both default false
	mem := fakeMem{}
	s.ssp = 0x1000

	if err := s.Push(mem, sstatusVSMode, 0x1234); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if s.Ssp() != 0x1000 {
		t.Fatalf("ssp moved despite shadow stack disabled: 0x%x", s.Ssp())
	}
	if len(mem) != 0 {
		t.Fatalf("expected no memory write while disabled")
	}
}

func TestFieldReadWriteVirtualization(t *testing.T) {
	s := NewState()
	s.FieldWrite(true, SSEBit)
	if got := s.FieldRead(true, 0); got&SSEBit == 0 {
		t.Fatalf("henvcfg read did not reflect enabled SSE bit")
	}
	if got := s.FieldRead(false, 0); got&SSEBit != 0 {
		t.Fatalf("senvcfg read should be independent of henvcfg")
	}
}

func TestSSAmoSwapUnsupported(t *testing.T) {
	s := NewState()
	if _, err := s.SSAmoSwapW(fakeMem{}, 0); err == nil {
		t.Fatalf("expected SSAMOSWAP.W to be unsupported")
	}
	if _, err := s.SSAmoSwapD(fakeMem{}, 0); err == nil {
		t.Fatalf("expected SSAMOSWAP.D to be unsupported")
	}
}
