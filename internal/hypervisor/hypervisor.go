// Package hypervisor assembles components A through G into the per-HART
// initialization sequence component H describes: register the guest's
// devices, build its memory image and G-stage page table, snapshot the
// context that the first sret will resume into, wire its SBI/PLIC/
// shadow-stack emulation, and assemble the trap vector's machine code.
// It writes no CSRs itself: clearing hvip/vsatp, exception/interrupt
// delegation, and setting hgatp are not done here.
package hypervisor

import (
	"fmt"
	"sync"

	"github.com/tinyrange/hikami-go/internal/addr"
	"github.com/tinyrange/hikami-go/internal/asm"
	"github.com/tinyrange/hikami-go/internal/asm/riscv"
	"github.com/tinyrange/hikami-go/internal/debug"
	"github.com/tinyrange/hikami-go/internal/devicetree"
	"github.com/tinyrange/hikami-go/internal/fdt"
	"github.com/tinyrange/hikami-go/internal/guest"
	"github.com/tinyrange/hikami-go/internal/insn"
	"github.com/tinyrange/hikami-go/internal/pagetable"
	"github.com/tinyrange/hikami-go/internal/plic"
	"github.com/tinyrange/hikami-go/internal/sbi"
	"github.com/tinyrange/hikami-go/internal/trap"
	"github.com/tinyrange/hikami-go/internal/trapasm"
	"github.com/tinyrange/hikami-go/internal/zicfiss"
)

// RAM is a flat byte-addressable backing store standing in for the
// hypervisor's own identity-mapped physical memory; HPA 0 is byte 0. It
// implements pagetable.Memory directly.
type RAM []byte

func (r RAM) Read64(a addr.HPA) (uint64, error) {
	if int(a)+8 > len(r) {
		return 0, fmt.Errorf("hypervisor: RAM read out of range at %s", a)
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(r[int(a)+i]) << (8 * i)
	}
	return v, nil
}

func (r RAM) Write64(a addr.HPA, value uint64) error {
	if int(a)+8 > len(r) {
		return fmt.Errorf("hypervisor: RAM write out of range at %s", a)
	}
	for i := 0; i < 8; i++ {
		r[int(a)+i] = byte(value >> (8 * i))
	}
	return nil
}

// Config describes one guest HART's boot material. ELF parsing and device
// tree parsing happen outside this package (spec's stated external
// collaborators); Config receives their already-decoded output.
type Config struct {
	HartID int

	DeviceTree fdt.Node

	GuestImage    []byte
	GuestSegments []guest.LoadSegment
	GuestEntry    addr.GPA

	GuestDTB     []byte
	GuestDTBAddr addr.GPA

	MemoryBase addr.GPA
	MemorySize uint64

	// RAM is the host's backing store for both the guest's memory window
	// and the hypervisor's own page-table/device scratch arena; HPA and
	// the guest-physical window share address 0 as their origin only for
	// convenience in this single-host-RAM-region model. PageTableRoot and
	// ArenaEnd carve out the scratch region Generate is allowed to use.
	RAM           RAM
	PageTableRoot addr.HPA
	ArenaEnd      addr.HPA

	StackTop addr.HV

	// Clock backs the rdtime virtual-instruction trap (spec's "handle
	// rdtime: read host time" rule). A freestanding image supplies one
	// that reads the real `time` CSR through a machine-code trampoline;
	// nil leaves rdtime traps forwarded to the guest's own handler.
	Clock trap.Clock

	// ClearSTIP clears the real (non-virtualized) sip.STIP bit on a genuine
	// scause=5 SupervisorTimer interrupt, the way Clock backs rdtime: a
	// freestanding image supplies a short machine-code trampoline; nil is a
	// safe no-op.
	ClearSTIP func()
}

// Hart is the fully wired per-HART state: its guest record, device
// registry, and the three emulated subsystems (PLIC, SBI, shadow stack) a
// trap dispatched off this HART's trap vector will consult.
type Hart struct {
	ID int

	Guest      *guest.Guest
	Devices    *devicetree.Registry
	PLIC       *plic.PLIC
	SBI        *sbi.Server
	ShadowStack *zicfiss.State
	Dispatcher *trap.Dispatcher

	TrapVector asm.Program
	TrapReturn asm.Program
}

// Hypervisor owns the process-wide HART table (spec's "one guest VS-mode
// supervisor per HART"), guarded by a single mutex rather than a busy-spin
// lock — see DESIGN.md's Open Question decision on this point.
type Hypervisor struct {
	mu    sync.Mutex
	harts map[int]*Hart
}

// New returns an empty Hypervisor ready to accept HART initialization.
func New() *Hypervisor {
	return &Hypervisor{harts: make(map[int]*Hart)}
}

// Hart returns the initialized state for hartID, or nil if InitHart has not
// been called for it yet.
func (h *Hypervisor) Hart(hartID int) *Hart {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.harts[hartID]
}

// InitHart runs the full per-HART bring-up sequence and registers the
// result, returning the same *Hart for convenience. It must be called
// exactly once per HART id; calling it twice for the same id is an error,
// since a guest's trap vector and context are meant to be assembled once.
func (h *Hypervisor) InitHart(cfg Config) (*Hart, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.harts[cfg.HartID]; exists {
		return nil, fmt.Errorf("hypervisor: hart %d already initialized", cfg.HartID)
	}

	devices, err := devicetree.Register(cfg.DeviceTree)
	if err != nil {
		return nil, fmt.Errorf("hypervisor: registering devices: %w", err)
	}

	openLog(cfg.RAM, addr.HPA(devices.UART.Base))
	log := debug.WithSource(fmt.Sprintf("hart%d", cfg.HartID))
	log.Writef("registered devices: uart=%s clint=%s plic=%s", devices.UART.Base, devices.CLINT.Base, devices.PLIC.Base)

	g := guest.New(cfg.HartID, cfg.MemoryBase, cfg.MemorySize, cfg.PageTableRoot, cfg.StackTop)

	guestWindow := guestRAMSlice(cfg)
	if err := g.LoadELF(cfg.GuestImage, cfg.GuestSegments, guestWindow); err != nil {
		return nil, fmt.Errorf("hypervisor: loading guest ELF: %w", err)
	}
	if len(cfg.GuestDTB) > 0 {
		if err := g.CopyDeviceTree(cfg.GuestDTB, cfg.GuestDTBAddr, guestWindow); err != nil {
			return nil, fmt.Errorf("hypervisor: copying guest device tree: %w", err)
		}
	}
	log.Writef("loaded guest image: entry=%s", cfg.GuestEntry)

	if err := buildGStageTable(cfg, g, devices); err != nil {
		return nil, fmt.Errorf("hypervisor: building G-stage page table: %w", err)
	}
	log.Write("built G-stage page table")

	g.Context.SetSepc(uint64(cfg.GuestEntry))
	// sstatus: SPP=Supervisor (bit 8), SUM=1 (bit 18) so HS-mode page
	// table walks may touch guest-user pages, matching hstatus.SPV=1
	// (recorded separately by the caller) enabling V on sret.
	g.Context.SetSstatus((1 << 8) | (1 << 18))

	pl := plic.New([]int{devices.PLICContext.Context})
	ss := zicfiss.NewState()
	sbiServer := &sbi.Server{ShadowStack: &shadowStackAdapter{ss}}

	dispatcher := &trap.Dispatcher{
		SBI:         sbiAdapter{sbiServer},
		VirtualIns:  trap.RDTimeHandler{Clock: cfg.Clock},
		CSR:         &csrAdapter{ss},
		Forward:     trap.ForwardToGuest,
		Timer:       timerAdapter{clear: cfg.ClearSTIP},
		PLIC:        pl,
		PLICContext: devices.PLICContext.Context,
		PLICBase:    uint64(devices.PLIC.Base),
		PLICSize:    devices.PLIC.Size,
	}

	trapVector, err := trapasmBuildVector()
	if err != nil {
		return nil, fmt.Errorf("hypervisor: assembling trap vector: %w", err)
	}
	trapReturn, err := trapasmBuildReturn()
	if err != nil {
		return nil, fmt.Errorf("hypervisor: assembling trap return: %w", err)
	}
	log.Write("assembled trap vector and trap return trampoline")

	hart := &Hart{
		ID:          cfg.HartID,
		Guest:       g,
		Devices:     devices,
		PLIC:        pl,
		SBI:         sbiServer,
		ShadowStack: ss,
		Dispatcher:  dispatcher,
		TrapVector:  trapVector,
		TrapReturn:  trapReturn,
	}
	h.harts[cfg.HartID] = hart
	return hart, nil
}

// guestRAMSlice returns the sub-slice of cfg.RAM backing the guest's
// memory window, since this model uses a single host RAM region for both
// hypervisor and guest-physical addressing.
func guestRAMSlice(cfg Config) []byte {
	start := uint64(cfg.MemoryBase)
	end := start + cfg.MemorySize
	if end > uint64(len(cfg.RAM)) {
		end = uint64(len(cfg.RAM))
	}
	return cfg.RAM[start:end]
}

// buildGStageTable constructs the Sv39x4 table mapping the guest's RAM 1:1
// (GPA==HPA in this model) plus every device window devicetree.Register
// discovered, matching hgatp::set(Sv39x4, ...) + device_mapping_g_stage in
// the original boot sequence.
func buildGStageTable(cfg Config, g *guest.Guest, devices *devicetree.Registry) error {
	regions := []pagetable.Region{
		{Virtual: uint64(cfg.MemoryBase), Physical: uint64(cfg.MemoryBase), Size: cfg.MemorySize, Flags: addr.PteR | addr.PteW | addr.PteX | addr.PteU},
	}
	for _, d := range devices.MemoryMap() {
		if d.Size == 0 {
			continue
		}
		size := alignUp(d.Size, addr.PageSize)
		regions = append(regions, pagetable.Region{Virtual: uint64(d.Base), Physical: uint64(d.Base), Size: size, Flags: d.Flags &^ (addr.PteV | addr.PteA | addr.PteD)})
	}

	return pagetable.Generate(cfg.RAM, pagetable.Sv39x4, cfg.PageTableRoot, cfg.ArenaEnd, regions)
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// trapasmBuildVector and trapasmBuildReturn are indirections so this file
// can be read top-to-bottom without needing to know trapasm's register
// convention; X31/X30 are reserved scratch registers the dispatcher
// trampoline and stack-top value are placed in before a trap vector
// belonging to a given HART ever runs.
func trapasmBuildVector() (asm.Program, error) {
	return trapasm.BuildTrapVector(riscv.X31)
}

func trapasmBuildReturn() (asm.Program, error) {
	return trapasm.BuildTrapReturn(riscv.X30)
}

// shadowStackAdapter satisfies sbi.ShadowStack over a zicfiss.State,
// treating the HS-mode (henvcfg) enable bit as the FWFT-visible toggle: a
// guest enabling Zicfiss via FWFT is, in this hypervisor, always running in
// VS-mode so henvSSE is the bit that gates its own SSPUSH/SSPOPCHK traps.
type shadowStackAdapter struct{ s *zicfiss.State }

func (a *shadowStackAdapter) SetEnabled(enabled bool) { a.s.FieldWrite(true, boolBit(enabled)) }
func (a *shadowStackAdapter) Enabled() bool           { return a.s.FieldRead(true, 0) != 0 }

func boolBit(b bool) uint64 {
	if b {
		return zicfiss.SSEBit
	}
	return 0
}

// sbiAdapter satisfies trap.SBIHandler over an *sbi.Server, reading the
// ecall argument registers (a7,a6,a0-a2) out of the trap context and
// translating sbi.Server's three-value return into the two-value
// convention trap.SBIHandler expects. Per spec §4.F, an unrecognized
// extension id is a fatal guest error in this single-guest deployment, not
// a condition to answer with SBI_ERR_NOT_SUPPORTED: the adapter panics,
// which the panic policy (component H) turns into a UART message and a
// halting wfi rather than handing control back to the guest.
type sbiAdapter struct{ server *sbi.Server }

func (a sbiAdapter) Handle(ctx *guest.Context) (int64, uint64) {
	ext := ctx.Xreg(17)
	fid := ctx.Xreg(16)
	a0 := ctx.Xreg(10)
	a1 := ctx.Xreg(11)
	a2 := ctx.Xreg(12)

	code, val, err := a.server.Handle(ext, fid, a0, a1, a2)
	if err != nil {
		if unknown, ok := err.(*sbi.Unknown); ok {
			panic(unknown)
		}
		return sbi.ErrFailed, 0
	}
	return code, val
}

// timerAdapter satisfies trap.TimerHandler, invoking cfg.ClearSTIP if the
// caller supplied a machine-code trampoline for it.
type timerAdapter struct{ clear func() }

func (a timerAdapter) ClearSTIP() {
	if a.clear != nil {
		a.clear()
	}
}

// csrAdapter satisfies trap.CSRHandler over a *zicfiss.State: the only CSR
// this hypervisor emulates in software is ssp (0x011), per spec §4.D's
// "Zicsr on an emulated CSR" rule for illegal-instruction traps.
type csrAdapter struct{ s *zicfiss.State }

func (a *csrAdapter) HandleCSR(ctx *guest.Context, csr uint16, op insn.CSROp, writeVal uint64) (uint64, bool) {
	if csr != zicfiss.CsrSsp {
		return 0, false
	}
	old := a.s.WriteSsp(zicfiss.CsrOp(op), writeVal)
	return old, true
}
