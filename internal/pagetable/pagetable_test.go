package pagetable

import (
	"testing"

	"github.com/tinyrange/hikami-go/internal/addr"
)

// flatMemory is a byte slice backing store for tests, addressed by HPA.
type flatMemory []byte

func (m flatMemory) Read64(a addr.HPA) (uint64, error) {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(m[int(a)+i]) << (8 * i)
	}
	return v, nil
}

func (m flatMemory) Write64(a addr.HPA, value uint64) error {
	for i := 0; i < 8; i++ {
		m[int(a)+i] = byte(value >> (8 * i))
	}
	return nil
}

func TestGenerateAndTranslateRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		kind Kind
	}{
		{"Sv39", Sv39},
		{"Sv39x4", Sv39x4},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mem := make(flatMemory, 1<<20)
			root := addr.HPA(0)
			arenaEnd := addr.HPA(len(mem))

			regions := []Region{
				{Virtual: 0x8000_0000, Physical: 0x8000_0000, Size: addr.GigapageSize, Flags: addr.PteR | addr.PteW | addr.PteX},
				{Virtual: 0x1000_0000, Physical: 0x2000_0000, Size: addr.PageSize, Flags: addr.PteR | addr.PteW},
			}

			if err := Generate(mem, tc.kind, root, arenaEnd, regions); err != nil {
				t.Fatalf("Generate: %v", err)
			}

			phys, pte, err := Translate(mem, tc.kind, root, 0x8000_1234, 0)
			if err != nil {
				t.Fatalf("Translate gigapage: %v", err)
			}
			if phys != 0x8000_1234 {
				t.Fatalf("gigapage translate = 0x%x, want 0x8000_1234", phys)
			}
			if pte&addr.PteV == 0 {
				t.Fatalf("expected valid bit set in returned pte")
			}

			phys, _, err = Translate(mem, tc.kind, root, 0x1000_0042, 1)
			if err != nil {
				t.Fatalf("Translate 4K page: %v", err)
			}
			if phys != 0x2000_0042 {
				t.Fatalf("4K translate = 0x%x, want 0x2000_0042", phys)
			}
		})
	}
}

func TestTranslateUnmappedFaults(t *testing.T) {
	mem := make(flatMemory, 1<<16)
	root := addr.HPA(0)

	if err := Generate(mem, Sv39, root, addr.HPA(len(mem)), nil); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if _, _, err := Translate(mem, Sv39, root, 0x1000, 0); err == nil {
		t.Fatalf("expected fault translating unmapped address")
	} else if _, ok := err.(*Fault); !ok {
		t.Fatalf("expected *Fault, got %T", err)
	}
}

func TestTranslatePermissionFault(t *testing.T) {
	mem := make(flatMemory, 1<<20)
	root := addr.HPA(0)

	regions := []Region{
		{Virtual: 0x1000, Physical: 0x2000, Size: addr.PageSize, Flags: addr.PteR},
	}
	if err := Generate(mem, Sv39, root, addr.HPA(len(mem)), regions); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if _, _, err := Translate(mem, Sv39, root, 0x1000, 1); err == nil {
		t.Fatalf("expected write fault against read-only page")
	}
}

// validEntries scans numEntries 8-byte PTE slots starting at table and
// returns the index and raw PTE of every one with V=1 set.
func validEntries(t *testing.T, mem flatMemory, table addr.HPA, numEntries int) map[int]uint64 {
	t.Helper()
	found := make(map[int]uint64)
	for i := 0; i < numEntries; i++ {
		pte, err := mem.Read64(table + addr.HPA(i*8))
		if err != nil {
			t.Fatalf("reading entry %d: %v", i, err)
		}
		if pte&addr.PteV != 0 {
			found[i] = pte
		}
	}
	return found
}

// TestGenerateGranularitySingleGigapage covers spec property 2's first half:
// a 1 GiB region whose endpoints are both 1 GiB-aligned produces exactly one
// level-2 leaf and touches no other table.
func TestGenerateGranularitySingleGigapage(t *testing.T) {
	mem := make(flatMemory, 1<<20)
	root := addr.HPA(0)

	regions := []Region{
		{Virtual: 0x8000_0000, Physical: 0x8000_0000, Size: addr.GigapageSize, Flags: addr.PteR | addr.PteW | addr.PteX},
	}
	if err := Generate(mem, Sv39, root, addr.HPA(len(mem)), regions); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	rootValid := validEntries(t, mem, root, int(Sv39.rootEntries()))
	if len(rootValid) != 1 {
		t.Fatalf("root has %d valid entries, want exactly 1 (the gigapage leaf)", len(rootValid))
	}
	for idx, pte := range rootValid {
		wantIdx := int(vpnAt(Sv39, 0x8000_0000, 2))
		if idx != wantIdx {
			t.Fatalf("valid root entry at index %d, want %d", idx, wantIdx)
		}
		if !addr.IsLeaf(pte) {
			t.Fatalf("root entry is not a leaf: pte=0x%x", pte)
		}
	}
}

// TestGenerateGranularityGigapagePlusTail covers spec property 2's second
// half: appending a 4 KiB tail past the 1 GiB gigapage forces the dispatcher
// down to a 4 KiB leaf for the tail, adding exactly one new level-1 table
// (one valid non-leaf entry, pointing at the level-0 table) and one new
// level-0 table (one valid leaf entry), alongside the unchanged gigapage
// leaf already in the root.
func TestGenerateGranularityGigapagePlusTail(t *testing.T) {
	mem := make(flatMemory, 1<<20)
	root := addr.HPA(0)

	regions := []Region{
		{Virtual: 0x8000_0000, Physical: 0x8000_0000, Size: addr.GigapageSize + addr.PageSize, Flags: addr.PteR | addr.PteW | addr.PteX},
	}
	if err := Generate(mem, Sv39, root, addr.HPA(len(mem)), regions); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	rootValid := validEntries(t, mem, root, int(Sv39.rootEntries()))
	if len(rootValid) != 2 {
		t.Fatalf("root has %d valid entries, want exactly 2 (gigapage leaf + pointer to tail's level-1 table)", len(rootValid))
	}

	gigapageIdx := int(vpnAt(Sv39, 0x8000_0000, 2))
	tailIdx := int(vpnAt(Sv39, 0x8000_0000+addr.GigapageSize, 2))
	if gigapageIdx == tailIdx {
		t.Fatalf("test fixture is degenerate: gigapage and tail share a root index")
	}

	leafPTE, ok := rootValid[gigapageIdx]
	if !ok || !addr.IsLeaf(leafPTE) {
		t.Fatalf("expected a level-2 leaf at root index %d", gigapageIdx)
	}
	ptrPTE, ok := rootValid[tailIdx]
	if !ok || addr.IsLeaf(ptrPTE) {
		t.Fatalf("expected a non-leaf pointer at root index %d", tailIdx)
	}

	level1Table := addr.HPA(addr.PPN(ptrPTE)) << addr.PageShift
	level1Valid := validEntries(t, mem, level1Table, 512)
	if len(level1Valid) != 1 {
		t.Fatalf("level-1 table has %d valid entries, want exactly 1", len(level1Valid))
	}
	var level0Table addr.HPA
	for _, pte := range level1Valid {
		if addr.IsLeaf(pte) {
			t.Fatalf("expected level-1 entry to be a non-leaf pointer to the level-0 table")
		}
		level0Table = addr.HPA(addr.PPN(pte)) << addr.PageShift
	}

	level0Valid := validEntries(t, mem, level0Table, 512)
	if len(level0Valid) != 1 {
		t.Fatalf("level-0 table has %d valid entries, want exactly 1", len(level0Valid))
	}
	for _, pte := range level0Valid {
		if !addr.IsLeaf(pte) {
			t.Fatalf("expected level-0 entry to be a leaf")
		}
	}
}

// TestGenerateIsIdempotent covers spec property 3: calling Generate twice
// with the same inputs produces byte-identical tables.
func TestGenerateIsIdempotent(t *testing.T) {
	regions := []Region{
		{Virtual: 0x8000_0000, Physical: 0x8000_0000, Size: addr.GigapageSize, Flags: addr.PteR | addr.PteW | addr.PteX},
		{Virtual: 0x1000_0000, Physical: 0x2000_0000, Size: addr.PageSize, Flags: addr.PteR | addr.PteW},
		{Virtual: 0x1000_1000, Physical: 0x2000_1000, Size: addr.MegapageSize, Flags: addr.PteR | addr.PteW},
	}

	run := func() flatMemory {
		mem := make(flatMemory, 1<<20)
		if err := Generate(mem, Sv39x4, addr.HPA(0), addr.HPA(len(mem)), regions); err != nil {
			t.Fatalf("Generate: %v", err)
		}
		return mem
	}

	first := run()
	second := run()

	if len(first) != len(second) {
		t.Fatalf("table sizes differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("tables diverge at byte offset %d: 0x%x vs 0x%x", i, first[i], second[i])
		}
	}
}

func TestSv39x4RootSize(t *testing.T) {
	if Sv39.RootPages() != 1 {
		t.Fatalf("Sv39 root pages = %d, want 1", Sv39.RootPages())
	}
	if Sv39x4.RootPages() != 4 {
		t.Fatalf("Sv39x4 root pages = %d, want 4", Sv39x4.RootPages())
	}
}
