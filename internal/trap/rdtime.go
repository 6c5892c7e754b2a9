package trap

import (
	"github.com/tinyrange/hikami-go/internal/guest"
	"github.com/tinyrange/hikami-go/internal/insn"
)

// CSRTime is the `time` CSR number (0xc01); `rdtime` is conventionally
// assembled as a plain CSRRS into this CSR with x0 as rs1. `timeh` (0xc81)
// is a different CSR and is not matched here.
const CSRTime = 0xc01

// Clock supplies the host time value a trapped `rdtime` should observe; a
// freestanding image backs this by reading the real `time` CSR through a
// short machine-code trampoline built the same way internal/trapasm builds
// the trap vector, since Go itself has no portable way to execute a CSR read.
type Clock func() uint64

// RDTimeHandler services the virtual-instruction trap spec §4.D's table
// raises for a guest `rdtime`: the `time` CSR is unconditionally
// virtualized by the H-extension, so every access traps and must be
// serviced here rather than by hardware.
type RDTimeHandler struct {
	Clock Clock
}

// Handle decodes insn and, if it is a pure-read access to the time CSR,
// returns the clock's value for placement in rd. Any other decoded
// instruction is reported as unhandled so Dispatch forwards the trap to the
// guest's own handler instead.
func (h RDTimeHandler) Handle(ctx *guest.Context, word uint32) (uint64, int, error) {
	access, ok := insn.DecodeCSR(word)
	if !ok || access.CSR != CSRTime || !access.IsPureRead() {
		return 0, 0, errNotRDTime
	}
	if h.Clock == nil {
		return 0, 0, errNotRDTime
	}
	return h.Clock(), int(access.Rd), nil
}

var errNotRDTime = &unhandledInsnError{}

type unhandledInsnError struct{}

func (*unhandledInsnError) Error() string { return "trap: not an rdtime access" }
