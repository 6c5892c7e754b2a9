// Package pagetable builds and walks the two page-table formats the
// hypervisor manages: an ordinary Sv39 table for its own VS-stage mappings,
// and the widened Sv39x4 format G-stage translation requires (an 11-bit
// root index, so the root table occupies four consecutive 4 KiB pages
// instead of one).
//
// The walk direction (Translate) mirrors the teacher emulator's software MMU
// walk; the build direction (Generate) has no teacher equivalent (a software
// CPU model is handed page tables by the guest, it never constructs one) and
// instead follows the original hikami implementation's region-list builder.
package pagetable

import (
	"fmt"

	"github.com/tinyrange/hikami-go/internal/addr"
)

// Memory is the byte-addressable backing store page tables are built into
// and walked against. The hypervisor's own identity-mapped RAM satisfies
// this trivially; it is an interface so tests can substitute a plain byte
// slice.
type Memory interface {
	Read64(hpa addr.HPA) (uint64, error)
	Write64(hpa addr.HPA, value uint64) error
}

// Region describes one contiguous range to be mapped by Generate. Size must
// be a multiple of addr.PageSize.
type Region struct {
	Virtual  uint64 // GVA or GPA depending on which table is being built
	Physical uint64 // HPA or GPA depending on which table is being built
	Size     uint64
	Flags    uint64 // PteR/PteW/PteX/PteU, PteV/PteA/PteD are added automatically
}

// Kind selects which root-index width Generate uses.
type Kind int

const (
	Sv39   Kind = iota // ordinary 9-bit VPN2 root, used for VS-stage
	Sv39x4             // 11-bit GVPN2 root, used for G-stage (hgatp)
)

// rootEntries returns how many 8-byte PTE slots the root level holds, and
// therefore how many 4 KiB pages the root occupies (Sv39x4's root is 2048
// entries = 16 KiB = four pages; Sv39's root is 512 entries = one page).
func (k Kind) rootEntries() int {
	if k == Sv39x4 {
		return 2048
	}
	return 512
}

// RootPages reports how many contiguous 4 KiB pages the root level needs.
func (k Kind) RootPages() int {
	return k.rootEntries() * 8 / addr.PageSize
}

// allocator hands out page-aligned scratch pages from a bump arena, in the
// manner of the original's fixed per-HART page-table arena
// (PAGE_TABLE_OFFSET_PER_HART).
type allocator struct {
	mem  Memory
	next addr.HPA
	end  addr.HPA
}

func (a *allocator) alloc(pages int) (addr.HPA, error) {
	base := a.next
	size := addr.HPA(pages * addr.PageSize)
	if base+size > a.end {
		return 0, fmt.Errorf("pagetable: arena exhausted allocating %d pages at %s", pages, base)
	}
	for p := addr.HPA(0); p < size; p += 8 {
		if err := a.mem.Write64(base+p, 0); err != nil {
			return 0, fmt.Errorf("pagetable: zeroing scratch page: %w", err)
		}
	}
	a.next = base + size
	return base, nil
}

// Generate builds a page table of the given kind at root (which must already
// be aligned to kind.RootPages()*addr.PageSize), mapping every region in
// maps, allocating intermediate levels from the arena [root+kind root
// size, arenaEnd). It returns an error if a region is not page aligned or
// the arena runs out.
//
// Largest-fitting-chunk selection: a region is mapped with a gigapage entry
// wherever both its remaining virtual and physical addresses are
// 1 GiB-aligned and at least 1 GiB remains, a megapage where both are
// 2 MiB-aligned with at least 2 MiB remaining, and a 4 KiB page otherwise.
func Generate(mem Memory, kind Kind, root addr.HPA, arenaEnd addr.HPA, regions []Region) error {
	a := &allocator{mem: mem, next: root + addr.HPA(kind.RootPages()*addr.PageSize), end: arenaEnd}

	for _, r := range regions {
		if r.Size%addr.PageSize != 0 {
			return fmt.Errorf("pagetable: region size 0x%x is not page aligned", r.Size)
		}
		if err := mapRegion(mem, a, kind, root, r); err != nil {
			return err
		}
	}
	return nil
}

func mapRegion(mem Memory, a *allocator, kind Kind, root addr.HPA, r Region) error {
	virt, phys, remaining := r.Virtual, r.Physical, r.Size
	leafFlags := r.Flags | addr.PteV | addr.PteA | addr.PteD

	for remaining > 0 {
		var level int
		var step uint64

		switch {
		case remaining >= addr.GigapageSize && virt%addr.GigapageSize == 0 && phys%addr.GigapageSize == 0:
			level, step = 2, addr.GigapageSize
		case remaining >= addr.MegapageSize && virt%addr.MegapageSize == 0 && phys%addr.MegapageSize == 0:
			level, step = 1, addr.MegapageSize
		default:
			level, step = 0, addr.PageSize
		}

		if err := setLeaf(mem, a, kind, root, virt, phys, level, leafFlags); err != nil {
			return err
		}

		virt += step
		phys += step
		remaining -= step
	}
	return nil
}

// vpnAt returns the index into the table at the given walk level (2=root
// down to 0=leaf) for a virtual address, honoring Sv39x4's widened root.
func vpnAt(kind Kind, virt uint64, level int) uint64 {
	if kind == Sv39x4 && level == 2 {
		return (virt >> 30) & 0x7ff
	}
	return (virt >> (addr.PageShift + 9*level)) & 0x1ff
}

func setLeaf(mem Memory, a *allocator, kind Kind, root addr.HPA, virt, phys uint64, leafLevel int, flags uint64) error {
	table := root
	for level := 2; level > leafLevel; level-- {
		idx := vpnAt(kind, virt, level)
		entryAddr := table + addr.HPA(idx*8)

		pte, err := mem.Read64(entryAddr)
		if err != nil {
			return fmt.Errorf("pagetable: reading level-%d entry: %w", level, err)
		}

		if pte&addr.PteV == 0 {
			next, err := a.alloc(1)
			if err != nil {
				return err
			}
			pte = addr.MakePTE(uint64(next)>>addr.PageShift, addr.PteV)
			if err := mem.Write64(entryAddr, pte); err != nil {
				return fmt.Errorf("pagetable: writing level-%d entry: %w", level, err)
			}
		} else if addr.IsLeaf(pte) {
			return fmt.Errorf("pagetable: level-%d entry at vaddr 0x%x already a leaf, cannot descend", level, virt)
		}

		table = addr.HPA(addr.PPN(pte)) << addr.PageShift
	}

	idx := vpnAt(kind, virt, leafLevel)
	entryAddr := table + addr.HPA(idx*8)
	pte := addr.MakePTE(phys>>addr.PageShift, flags)
	if err := mem.Write64(entryAddr, pte); err != nil {
		return fmt.Errorf("pagetable: writing leaf entry: %w", err)
	}
	return nil
}

// Translate walks a page table of the given kind rooted at root, translating
// virt (a GVA for VS-stage, a GPA for G-stage). access is 0=read, 1=write,
// 2=execute; it selects which leaf permission bit (R, W or X) must be set
// and is recorded in any Fault returned.
func Translate(mem Memory, kind Kind, root addr.HPA, virt uint64, access int) (uint64, uint64, error) {
	table := root

	for level := 2; level >= 0; level-- {
		idx := vpnAt(kind, virt, level)
		entryAddr := table + addr.HPA(idx*8)

		pte, err := mem.Read64(entryAddr)
		if err != nil {
			return 0, 0, &Fault{Access: access, Addr: virt}
		}

		if pte&addr.PteV == 0 {
			return 0, 0, &Fault{Access: access, Addr: virt}
		}
		if pte&addr.PteR == 0 && pte&addr.PteW != 0 {
			return 0, 0, &Fault{Access: access, Addr: virt} // reserved W-without-R encoding
		}

		if !addr.IsLeaf(pte) {
			table = addr.HPA(addr.PPN(pte)) << addr.PageShift
			continue
		}

		if level > 0 {
			mask := uint64(1)<<(9*level) - 1
			if addr.PPN(pte)&mask != 0 {
				return 0, 0, &Fault{Access: access, Addr: virt} // misaligned superpage
			}
		}

		if err := checkPermissions(pte, access); err != nil {
			return 0, 0, err
		}

		step := uint64(addr.PageSize) << (9 * level)
		ppn := addr.PPN(pte)
		offset := virt & (step - 1)
		phys := (ppn << addr.PageShift) | offset
		return phys, pte, nil
	}

	return 0, 0, &Fault{Access: access, Addr: virt}
}

func checkPermissions(pte uint64, access int) error {
	switch access {
	case 0:
		if pte&addr.PteR == 0 {
			return &Fault{Access: access}
		}
	case 1:
		if pte&addr.PteW == 0 {
			return &Fault{Access: access}
		}
	case 2:
		if pte&addr.PteX == 0 {
			return &Fault{Access: access}
		}
	}
	return nil
}

// Fault reports a page-table walk failure; access mirrors the convention
// used by Translate (0=read,1=write,2=execute).
type Fault struct {
	Access int
	Addr   uint64
}

func (f *Fault) Error() string {
	kinds := [...]string{"load", "store", "fetch"}
	kind := "access"
	if f.Access >= 0 && f.Access < len(kinds) {
		kind = kinds[f.Access]
	}
	return fmt.Sprintf("pagetable: %s page fault at 0x%x", kind, f.Addr)
}
