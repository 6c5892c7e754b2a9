package guest

import (
	"testing"

	"github.com/tinyrange/hikami-go/internal/addr"
)

func TestContextX0AlwaysZero(t *testing.T) {
	var c Context
	c.SetXreg(0, 0xdeadbeef)
	if got := c.Xreg(0); got != 0 {
		t.Fatalf("Xreg(0) = 0x%x, want 0", got)
	}
}

func TestContextRoundTripBytes(t *testing.T) {
	var c Context
	for i := 1; i < 32; i++ {
		c.SetXreg(i, uint64(i)*0x1111)
	}
	c.SetSepc(0x8000_0000)
	c.SetSstatus(0x222)

	var c2 Context
	if err := c2.LoadBytes(c.Bytes()); err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}

	for i := 1; i < 32; i++ {
		if c2.Xreg(i) != c.Xreg(i) {
			t.Fatalf("x%d = 0x%x, want 0x%x", i, c2.Xreg(i), c.Xreg(i))
		}
	}
	if c2.Sepc() != c.Sepc() || c2.Sstatus() != c.Sstatus() {
		t.Fatalf("sepc/sstatus round trip mismatch")
	}
}

func TestLoadELFRejectsOutOfWindow(t *testing.T) {
	g := New(0, 0x8000_0000, 0x1000_0000, 0, 0)
	dst := make([]byte, 0x1000_0000)
	image := make([]byte, 0x1000)

	segs := []LoadSegment{{FileOffset: 0, FileSize: 0x100, PhysAddr: 0x9000_0000}}
	if err := g.LoadELF(image, segs, dst); err == nil {
		t.Fatalf("expected error loading segment outside guest window")
	}
}

func TestLoadELFCopiesSegment(t *testing.T) {
	g := New(0, 0x8000_0000, 0x1000_0000, 0, 0)
	dst := make([]byte, 0x1000_0000)
	image := make([]byte, 0x1000)
	for i := range image {
		image[i] = byte(i)
	}

	segs := []LoadSegment{{FileOffset: 0x10, FileSize: 0x20, PhysAddr: addr.GPA(0x8000_0000 + 0x200)}}
	if err := g.LoadELF(image, segs, dst); err != nil {
		t.Fatalf("LoadELF: %v", err)
	}
	for i := 0; i < 0x20; i++ {
		if dst[0x200+i] != byte(0x10+i) {
			t.Fatalf("byte %d = %d, want %d", i, dst[0x200+i], byte(0x10+i))
		}
	}
}
