// Package guest holds per-HART guest state: the saved VS-mode register
// context and the guest's memory window, plus the ELF-load helper that
// copies a guest kernel image into that window before first entry.
package guest

import (
	"fmt"

	"github.com/tinyrange/hikami-go/internal/addr"
)

// ContextWords is the number of 8-byte slots in a saved Context: x1-x31
// (x0 is hard-wired zero and never saved), sepc, sstatus. 31 + 1 + 1 = 33,
// but the original layout reserves a slot for x0 too so offsets line up
// with "register number * 8", giving 34 total words (272 bytes) — see
// hart_entry's "ld t1, 33*8(sp)" addressing sepc at word index 33.
const ContextWords = 34

// ContextSize is the stack footprint of a saved Context, in bytes.
const ContextSize = ContextWords * 8

// Context is the trap-entry/exit register frame for one guest HART. Index 0
// (x0) is never written by SetXreg and always reads zero; index 32 holds
// sstatus and index 33 holds sepc, matching the stack layout the trap
// vector's save/restore sequence addresses directly.
type Context struct {
	words [ContextWords]uint64

	// H-extension CSR shadow state the hardware maintains per guest HART,
	// outside the trap-entry stack frame above. VSEPC/VSCause/VSTval/VSTvec
	// mirror the guest's own exception-handling CSRs and back the
	// forward-to-guest protocol; HVIP carries the virtual-supervisor
	// interrupt-pending bits (VSTIP/VSEIP) a real scause 5/9 interrupt sets
	// to reflect into the guest.
	VSEPC   uint64
	VSCause uint64
	VSTval  uint64
	VSTvec  uint64
	HVIP    uint64
}

// Xreg reads general-purpose register i (0-31). x0 always reads zero.
func (c *Context) Xreg(i int) uint64 {
	if i == 0 {
		return 0
	}
	return c.words[i]
}

// SetXreg writes general-purpose register i (0-31). Writes to x0 are
// silently discarded, matching the ISA's hard-wired-zero register.
func (c *Context) SetXreg(i int, v uint64) {
	if i == 0 {
		return
	}
	c.words[i] = v
}

func (c *Context) Sepc() uint64     { return c.words[33] }
func (c *Context) SetSepc(v uint64) { c.words[33] = v }

func (c *Context) Sstatus() uint64     { return c.words[32] }
func (c *Context) SetSstatus(v uint64) { c.words[32] = v }

// Bytes exposes the raw 272-byte frame, in the exact word order the trap
// vector's machine code expects at [sp+0 .. sp+272).
func (c *Context) Bytes() []byte {
	buf := make([]byte, ContextSize)
	for i, w := range c.words {
		for b := 0; b < 8; b++ {
			buf[i*8+b] = byte(w >> (8 * b))
		}
	}
	return buf
}

// LoadBytes overwrites the frame from a 272-byte buffer in the same layout
// Bytes produces.
func (c *Context) LoadBytes(buf []byte) error {
	if len(buf) != ContextSize {
		return fmt.Errorf("guest: context frame must be %d bytes, got %d", ContextSize, len(buf))
	}
	for i := range c.words {
		var w uint64
		for b := 0; b < 8; b++ {
			w |= uint64(buf[i*8+b]) << (8 * b)
		}
		c.words[i] = w
	}
	return nil
}

// LoadSegment is one PT_LOAD program-header entry, already parsed by the
// caller (ELF parsing is an external collaborator, not this package's job).
type LoadSegment struct {
	FileOffset uint64
	FileSize   uint64
	PhysAddr   addr.GPA
}

// Guest is the per-HART state hikami calls a "Guest": its HART id, memory
// window, page-table root and saved context.
type Guest struct {
	HartID        int
	MemoryBase    addr.GPA
	MemorySize    uint64
	PageTableRoot addr.HPA
	StackTop      addr.HV

	Context Context
}

// New constructs a Guest for the given HART, the window [memBase,
// memBase+memSize) being the guest's entire physical RAM.
func New(hartID int, memBase addr.GPA, memSize uint64, pageTableRoot addr.HPA, stackTop addr.HV) *Guest {
	return &Guest{
		HartID:        hartID,
		MemoryBase:    memBase,
		MemorySize:    memSize,
		PageTableRoot: pageTableRoot,
		StackTop:      stackTop,
	}
}

// Contains reports whether a guest-physical address falls within this
// guest's RAM window.
func (g *Guest) Contains(p addr.GPA) bool {
	return p >= g.MemoryBase && uint64(p-g.MemoryBase) < g.MemorySize
}

// LoadELF copies every PT_LOAD segment from image into dst at
// seg.PhysAddr-g.MemoryBase, returning an error if a segment would run past
// the guest's RAM window. image is the raw ELF file content; dst is the
// backing memory for the guest's RAM window (length >= g.MemorySize).
func (g *Guest) LoadELF(image []byte, segments []LoadSegment, dst []byte) error {
	for _, seg := range segments {
		if seg.FileOffset+seg.FileSize > uint64(len(image)) {
			return fmt.Errorf("guest: segment reads past end of image (offset=0x%x size=0x%x)", seg.FileOffset, seg.FileSize)
		}
		if !g.Contains(seg.PhysAddr) {
			return fmt.Errorf("guest: segment paddr %s outside guest memory window", seg.PhysAddr)
		}
		start := uint64(seg.PhysAddr - g.MemoryBase)
		if start+seg.FileSize > uint64(len(dst)) {
			return fmt.Errorf("guest: segment paddr %s overruns backing memory", seg.PhysAddr)
		}
		copy(dst[start:start+seg.FileSize], image[seg.FileOffset:seg.FileOffset+seg.FileSize])
	}
	return nil
}

// CopyDeviceTree copies a flattened device tree blob into the guest's
// memory window at the given guest-physical address.
func (g *Guest) CopyDeviceTree(dtb []byte, at addr.GPA, dst []byte) error {
	if !g.Contains(at) {
		return fmt.Errorf("guest: device tree address %s outside guest memory window", at)
	}
	start := uint64(at - g.MemoryBase)
	if start+uint64(len(dtb)) > uint64(len(dst)) {
		return fmt.Errorf("guest: device tree overruns backing memory")
	}
	copy(dst[start:start+uint64(len(dtb))], dtb)
	return nil
}
