package hypervisor

import (
	"os"
	"testing"

	"github.com/tinyrange/hikami-go/internal/addr"
	"github.com/tinyrange/hikami-go/internal/fdt"
	"gopkg.in/yaml.v3"
)

// fixtureDevice mirrors one `reg`-bearing node in testdata/devicetree.yaml:
// a name plus the (base, size) pair a real FDT parser would hand back as a
// `reg` property's decoded cells.
type fixtureDevice struct {
	Name string   `yaml:"name"`
	Reg  []uint64 `yaml:"reg"`
}

type deviceTreeFixture struct {
	Cpus []fixtureDevice `yaml:"cpus"`
	Soc  struct {
		Serial fixtureDevice `yaml:"serial"`
		Clint  fixtureDevice `yaml:"clint"`
		Plic   fixtureDevice `yaml:"plic"`
	} `yaml:"soc"`
}

func (d fixtureDevice) node() fdt.Node {
	n := fdt.Node{Name: d.Name}
	if len(d.Reg) > 0 {
		n.Properties = map[string]fdt.Property{"reg": {U64: d.Reg}}
	}
	return n
}

// loadDeviceTreeFixture stands in for a real FDT parser's output: it reads
// the same YAML shape a host-side test tool would use to describe a guest's
// memory map, the way the teacher's CLI describes build manifests with
// gopkg.in/yaml.v3, and turns it into the fdt.Node tree
// internal/devicetree.Register consumes.
func loadDeviceTreeFixture(t *testing.T, path string) fdt.Node {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading fixture: %v", err)
	}
	var fixture deviceTreeFixture
	if err := yaml.Unmarshal(data, &fixture); err != nil {
		t.Fatalf("unmarshaling fixture: %v", err)
	}

	cpus := fdt.Node{Name: "cpus"}
	for _, c := range fixture.Cpus {
		cpus.Children = append(cpus.Children, c.node())
	}

	soc := fdt.Node{Name: "soc", Children: []fdt.Node{
		fixture.Soc.Serial.node(),
		fixture.Soc.Clint.node(),
		fixture.Soc.Plic.node(),
	}}

	return fdt.Node{Children: []fdt.Node{cpus, soc}}
}

func TestInitHartFromYAMLFixture(t *testing.T) {
	tree := loadDeviceTreeFixture(t, "testdata/devicetree.yaml")

	ram := make(RAM, 16*1024*1024)
	cfg := Config{
		HartID:        0,
		DeviceTree:    tree,
		GuestImage:    make([]byte, 0x1000),
		GuestSegments: nil,
		GuestEntry:    addr.GPA(0x10_0000),
		MemoryBase:    addr.GPA(0x10_0000),
		MemorySize:    2 * 1024 * 1024,
		RAM:           ram,
		ArenaEnd:      0x10_0000,
	}

	h := New()
	hart, err := h.InitHart(cfg)
	if err != nil {
		t.Fatalf("InitHart: %v", err)
	}
	if hart.Devices.UART.Base != addr.GPA(0x1000_0000) {
		t.Fatalf("unexpected UART base from fixture: %s", hart.Devices.UART.Base)
	}
	if hart.Devices.CLINT.Base != addr.GPA(0x200_0000) {
		t.Fatalf("unexpected CLINT base from fixture: %s", hart.Devices.CLINT.Base)
	}
	if hart.Devices.PLIC.Base != addr.GPA(0xc00_0000) {
		t.Fatalf("unexpected PLIC base from fixture: %s", hart.Devices.PLIC.Base)
	}
}
