package hypervisor

import (
	"testing"

	"github.com/tinyrange/hikami-go/internal/addr"
	"github.com/tinyrange/hikami-go/internal/fdt"
	"github.com/tinyrange/hikami-go/internal/guest"
)

func sampleDeviceTree() fdt.Node {
	return fdt.Node{
		Children: []fdt.Node{
			{Name: "cpus", Children: []fdt.Node{{Name: "cpu@0"}}},
			{
				Name: "soc",
				Children: []fdt.Node{
					{Name: "serial@10000000", Properties: map[string]fdt.Property{"reg": {U64: []uint64{0x1000_0000, 0x100}}}},
					{Name: "clint@2000000", Properties: map[string]fdt.Property{"reg": {U64: []uint64{0x200_0000, 0x10_0000}}}},
					{Name: "plic@c000000", Properties: map[string]fdt.Property{"reg": {U64: []uint64{0xc00_0000, 0x60_0000}}}},
				},
			},
		},
	}
}

func TestInitHartEndToEnd(t *testing.T) {
	const memSize = 2 * 1024 * 1024 // 2 MiB guest window, small enough for a fast test

	ram := make(RAM, 16*1024*1024)
	cfg := Config{
		HartID:        0,
		DeviceTree:    sampleDeviceTree(),
		GuestImage:    make([]byte, 0x1000),
		GuestSegments: []guest.LoadSegment{{FileOffset: 0, FileSize: 0x100, PhysAddr: 0x10_0000}},
		GuestEntry:    0x10_0000,
		MemoryBase:    0x8000_0000,
		MemorySize:    memSize,
		RAM:           ram,
		PageTableRoot: 0, // root lives at RAM offset 0; guest window starts well past it
		ArenaEnd:      0x10_0000,
		StackTop:      0,
	}
	// Guest window and page-table arena must not overlap in this flat model;
	// keep the arena in the low 1 MiB and the guest window above it.
	cfg.MemoryBase = addr.GPA(0x10_0000)

	h := New()
	hart, err := h.InitHart(cfg)
	if err != nil {
		t.Fatalf("InitHart: %v", err)
	}

	if hart.Guest.Context.Sepc() != uint64(cfg.GuestEntry) {
		t.Fatalf("sepc = 0x%x, want guest entry", hart.Guest.Context.Sepc())
	}
	if len(hart.TrapVector.Bytes()) == 0 {
		t.Fatalf("expected non-empty trap vector")
	}
	if len(hart.TrapReturn.Bytes()) == 0 {
		t.Fatalf("expected non-empty trap return")
	}
	if hart.Devices.UART.Base != 0x1000_0000 {
		t.Fatalf("unexpected UART base: %s", hart.Devices.UART.Base)
	}

	if got := h.Hart(0); got != hart {
		t.Fatalf("Hart(0) did not return the registered hart")
	}
}

func TestInitHartRejectsDuplicateHartID(t *testing.T) {
	ram := make(RAM, 4*1024*1024)
	cfg := Config{
		HartID:        0,
		DeviceTree:    sampleDeviceTree(),
		GuestImage:    make([]byte, 0x100),
		GuestSegments: nil,
		MemoryBase:    addr.GPA(0x10_0000),
		MemorySize:    0x10_0000,
		RAM:           ram,
		ArenaEnd:      0x10_0000,
	}

	h := New()
	if _, err := h.InitHart(cfg); err != nil {
		t.Fatalf("first InitHart: %v", err)
	}
	if _, err := h.InitHart(cfg); err == nil {
		t.Fatalf("expected error re-initializing the same hart id")
	}
}
