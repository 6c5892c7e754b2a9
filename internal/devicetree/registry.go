// Package devicetree turns an already-parsed flattened device tree into the
// hypervisor's device registry: the fixed set of MMIO regions (CLINT, PLIC,
// UART, VirtIO, PCI, plus the initrd range) every guest needs mapped at
// G-stage. Parsing the DTB blob itself is out of scope; callers hand in a
// fdt.Node tree built by an external parser, the same contract the teacher's
// own internal/fdt package exposes for its (reversed) build direction.
package devicetree

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tinyrange/hikami-go/internal/addr"
	"github.com/tinyrange/hikami-go/internal/fdt"
)

// Device is one MMIO region discovered (or synthesized) for a guest.
type Device struct {
	Name  string
	Base  addr.GPA
	Size  uint64
	Flags uint64 // PTE flags applied when this region is G-stage mapped
}

// PlicContext identifies the PLIC context used by a HART's VS-mode external
// interrupt delivery, derived from the /cpus/cpu<n> node the original
// implementation reads this from.
type PlicContext struct {
	HartID int
	Context int
}

// Registry is the fully resolved device set for one guest, mirroring the
// original hikami Devices struct (uart, virtio[], initrd, plic, plic_context,
// clint, pci).
type Registry struct {
	UART        Device
	CLINT       Device
	PLIC        Device
	PLICContext PlicContext
	Initrd      Device
	VirtIO      []Device
	PCI         Device
}

// deviceFlags matches PTE_FLAGS_FOR_DEVICE from the original source: every
// device mapping is valid, accessed, dirty, user-accessible, read+write
// (never executable).
const deviceFlags = addr.PteV | addr.PteA | addr.PteD | addr.PteU | addr.PteW | addr.PteR

// Register walks root and builds a Registry from the conventional node
// paths: /soc/serial (UART), /soc/clint (CLINT), /soc/plic (PLIC),
// /soc/virtio_mmio (repeated), /soc/pci (optional), /chosen (initrd),
// /cpus/cpu* (PLIC context).
func Register(root fdt.Node) (*Registry, error) {
	reg := &Registry{}

	soc, ok := find(root, "soc")
	if !ok {
		return nil, fmt.Errorf("devicetree: no /soc node in device tree")
	}

	if pci, ok := find(soc, "pci"); ok {
		d, err := regDevice(pci, "pci", deviceFlags)
		if err != nil {
			return nil, err
		}
		reg.PCI = d
	}

	for _, child := range soc.Children {
		switch {
		case strings.HasPrefix(child.Name, "serial"):
			d, err := regDevice(child, "uart", deviceFlags)
			if err != nil {
				return nil, err
			}
			reg.UART = d

		case strings.HasPrefix(child.Name, "clint"):
			d, err := regDevice(child, "clint", deviceFlags)
			if err != nil {
				return nil, err
			}
			reg.CLINT = d

		case strings.HasPrefix(child.Name, "plic"):
			d, err := regDevice(child, "plic", deviceFlags)
			if err != nil {
				return nil, err
			}
			reg.PLIC = d

		case strings.HasPrefix(child.Name, "virtio_mmio"):
			d, err := regDevice(child, child.Name, deviceFlags)
			if err != nil {
				return nil, err
			}
			reg.VirtIO = append(reg.VirtIO, d)
		}
	}

	if chosen, ok := find(root, "chosen"); ok {
		if prop, ok := chosen.Properties["linux,initrd-start"]; ok && len(prop.U64) > 0 {
			start := prop.U64[0]
			end := start
			if endProp, ok := chosen.Properties["linux,initrd-end"]; ok && len(endProp.U64) > 0 {
				end = endProp.U64[0]
			}
			reg.Initrd = Device{Name: "initrd", Base: addr.GPA(start), Size: end - start, Flags: deviceFlags}
		}
	}

	if cpus, ok := find(root, "cpus"); ok {
		for i, cpu := range cpus.Children {
			if !strings.HasPrefix(cpu.Name, "cpu@") {
				continue
			}
			ctx := i // the n-th cpu node owns PLIC context n for a single-context-per-hart layout
			reg.PLICContext = PlicContext{HartID: i, Context: ctx}
			break
		}
	}

	return reg, nil
}

func regDevice(n fdt.Node, name string, flags uint64) (Device, error) {
	reg, ok := n.Properties["reg"]
	if !ok || len(reg.U64) < 2 {
		if !ok || len(reg.U32) < 4 {
			return Device{}, fmt.Errorf("devicetree: node %q missing usable reg property", n.Name)
		}
		base := uint64(reg.U32[0])<<32 | uint64(reg.U32[1])
		size := uint64(reg.U32[2])<<32 | uint64(reg.U32[3])
		return Device{Name: name, Base: addr.GPA(base), Size: size, Flags: flags}, nil
	}
	return Device{Name: name, Base: addr.GPA(reg.U64[0]), Size: reg.U64[1], Flags: flags}, nil
}

// find performs a depth-first search for the first child whose name equals
// name or begins with name+"@" (the devicetree unit-address convention).
func find(n fdt.Node, name string) (fdt.Node, bool) {
	if n.Name == name || strings.HasPrefix(n.Name, name+"@") {
		return n, true
	}
	for _, child := range n.Children {
		if found, ok := find(child, name); ok {
			return found, true
		}
	}
	return fdt.Node{}, false
}

// MemoryMap flattens the registry into the list of G-stage regions that
// must be identity-mapped GPA==HPA for device MMIO, matching the original's
// create_device_map/device_mapping_g_stage.
func (r *Registry) MemoryMap() []Device {
	all := []Device{r.UART, r.CLINT, r.PLIC}
	if r.Initrd.Size > 0 {
		all = append(all, r.Initrd)
	}
	all = append(all, r.VirtIO...)
	if r.PCI.Size > 0 {
		all = append(all, r.PCI)
	}
	return all
}

// unitAddress parses the "@<hex>" suffix some node names carry. Register
// reads addresses from the reg property instead and does not call it.
func unitAddress(name string) (uint64, bool) {
	idx := strings.IndexByte(name, '@')
	if idx < 0 {
		return 0, false
	}
	v, err := strconv.ParseUint(name[idx+1:], 16, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
