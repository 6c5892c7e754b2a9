// Package main is the freestanding entry point reached from the machine-mode
// bootstrap trampoline once it has dropped to HS-mode: a0 holds the HART id,
// a1 holds the address of the firmware-supplied flattened device tree,
// mirroring the original hikami `hstart(hart_id, dtb_addr)` ABI. There is no
// host OS to return to, so this package exports Start rather than main; the
// out-of-scope linker step is responsible for placing its compiled code at
// the reset vector and arranging for a0/a1 to already hold hart_id/dtb_addr
// when it is entered.
package main

import (
	"fmt"

	"github.com/tinyrange/hikami-go/internal/addr"
	"github.com/tinyrange/hikami-go/internal/devicetree"
	"github.com/tinyrange/hikami-go/internal/fdt"
	"github.com/tinyrange/hikami-go/internal/guest"
	"github.com/tinyrange/hikami-go/internal/hypervisor"
)

// PhysicalMemory is the flat byte-addressable view of host physical RAM this
// binary runs inside of. A real image installs this before Start is ever
// called, mapping the slice's backing array over the platform's actual DRAM;
// constructing that mapping is a linker/runtime concern this module does not
// own (see DESIGN.md).
var PhysicalMemory []byte

// ParseDeviceTree turns the raw flattened device tree at dtbAddr into the
// fdt.Node shape this module's internal/devicetree package consumes. Parsing
// the wire format itself is out of scope (see SPEC_FULL.md §11); a firmware
// build supplies a real implementation, and tests install a fixed tree.
var ParseDeviceTree func(dtbAddr uint64) (fdt.Node, error)

// LoadGuestKernel locates and parses the guest kernel ELF image, described by
// the initrd device the device tree's /chosen node points at. ELF parsing is
// out of scope for the same reason as device-tree parsing (see SPEC_FULL.md
// §11); this module only needs the already-decoded load segments and entry
// point.
var LoadGuestKernel func(initrd devicetree.Device) (image []byte, segments []guest.LoadSegment, entry addr.GPA, err error)

// core is the process-wide hypervisor, shared across every HART that calls
// Start (one call per HART, each hart_id distinct).
var core = hypervisor.New()

// Start runs the full per-HART bring-up sequence: parse the firmware device
// tree, register devices, locate and load the guest kernel, build its
// G-stage page table, and assemble its trap vector, leaving the HART ready
// for the (out-of-scope) first `sret` into VS-mode. It returns an error
// instead of the original's `-> !` no-return signature because Go has no way
// to express "never returns, caller traps instead" without an infinite loop
// that would make this function untestable; the boot trampoline that calls
// Start decides what a non-nil error means (typically: halt, since there is
// no supervisor to report to).
func Start(hartID uint64, dtbAddr uint64) error {
	if hartID >= hypervisor.MaxHartNum {
		return fmt.Errorf("hvcore: hart id %d exceeds MaxHartNum (%d)", hartID, hypervisor.MaxHartNum)
	}
	if dtbAddr == 0 {
		return fmt.Errorf("hvcore: dtb address must not be zero")
	}
	if ParseDeviceTree == nil {
		return fmt.Errorf("hvcore: ParseDeviceTree hook not installed")
	}
	if LoadGuestKernel == nil {
		return fmt.Errorf("hvcore: LoadGuestKernel hook not installed")
	}
	if PhysicalMemory == nil {
		return fmt.Errorf("hvcore: PhysicalMemory not installed")
	}

	root, err := ParseDeviceTree(dtbAddr)
	if err != nil {
		return fmt.Errorf("hvcore: parsing device tree: %w", err)
	}

	devices, err := devicetree.Register(root)
	if err != nil {
		return fmt.Errorf("hvcore: registering devices: %w", err)
	}

	image, segments, entry, err := LoadGuestKernel(devices.Initrd)
	if err != nil {
		return fmt.Errorf("hvcore: loading guest kernel: %w", err)
	}

	guestDTB, err := fdt.Build(root)
	if err != nil {
		return fmt.Errorf("hvcore: rebuilding guest device tree: %w", err)
	}

	id := int(hartID)
	cfg := hypervisor.Config{
		HartID:        id,
		DeviceTree:    root,
		GuestImage:    image,
		GuestSegments: segments,
		GuestEntry:    entry,
		GuestDTB:      guestDTB,
		GuestDTBAddr:  hypervisor.GuestDeviceTreeAddr(id),
		MemoryBase:    hypervisor.GuestMemoryBase(id),
		MemorySize:    hypervisor.DRAMSizePerGuest,
		RAM:           hypervisor.RAM(PhysicalMemory),
		PageTableRoot: hypervisor.PageTableBase(id),
		ArenaEnd:      hypervisor.PageTableBase(id) + hypervisor.PageTableOffsetPerHart,
		StackTop:      addr.HV(hypervisor.HypervisorBaseAddr) - addr.HV(id*hypervisor.StackSizePerHart),
	}

	if _, err := core.InitHart(cfg); err != nil {
		return fmt.Errorf("hvcore: initializing hart %d: %w", hartID, err)
	}
	return nil
}
