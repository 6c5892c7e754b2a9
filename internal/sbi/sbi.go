// Package sbi implements the subset of the Supervisor Binary Interface a
// guest VS-mode kernel can call into via ecall: the Base extension, RFENCE,
// and the experimental FWFT ("Feature-Frontier"/CFI toggles) extension.
// Unlike the teacher's software emulator, which returns SBI_ERR_NOT_SUPPORTED
// for an unrecognized extension id so a guest OS probe loop degrades
// gracefully, this hypervisor treats an unknown EID as fatal: a VS-mode
// guest has no SBI implementation of its own to fall back to, so silently
// returning "not supported" would let a guest spin forever on a call that
// can never succeed.
package sbi

import "fmt"

// Extension IDs.
const (
	ExtBase   = 0x10
	ExtRFence = 0x52464e43 // "RFNC"
	ExtFWFT   = 0x46574654 // "FWFT"
)

// Base extension function IDs.
const (
	BaseGetSpecVersion = 0
	BaseGetImplID      = 1
	BaseGetImplVersion = 2
	BaseProbeExtension = 3
	BaseGetMvendorID   = 4
	BaseGetMarchID     = 5
	BaseGetMimplID     = 6
)

// RFENCE extension function IDs.
const (
	RFenceRemoteFenceI       = 0
	RFenceRemoteSFenceVMA    = 1
	RFenceRemoteSFenceVMAASID = 2
)

// FWFT function IDs and feature numbers (draft SBI FWFT extension, used
// here purely as the toggle surface for the emulated Zicfiss state).
const (
	FWFTSet = 0
	FWFTGet = 1

	FWFTFeatureShadowStack = 0
)

// Error codes, SBI spec table 3.
const (
	Success           = 0
	ErrFailed         = -1
	ErrNotSupported   = -2
	ErrInvalidParam   = -3
	ErrDenied         = -4
	ErrInvalidAddress = -5
	ErrAlreadyAvail   = -6
)

const ImplID = 0x6869_6b61_6d69 // the ASCII bytes of "hikami"

// SpecVersion is SBI v1.0.
const SpecVersion = 0x01000000

// RemoteFence executes a local TLB shootdown in place of an actual
// multi-HART IPI broadcast (this hypervisor's single-guest-per-HART model
// has no remote harts to fence); sfenceVMA/hfenceVVMA is supplied by the
// caller since the fence instructions themselves are privileged machine
// code this package cannot emit on its own.
type RemoteFence interface {
	SFenceVMA(start, size uint64)
}

// ShadowStack lets FWFT toggle the Zicfiss SSE (shadow-stack enable) bit the
// caller's CSR-field-virtualization state tracks.
type ShadowStack interface {
	SetEnabled(enabled bool)
	Enabled() bool
}

// Server dispatches ecall-from-VS traps whose a7 (extension id) selects one
// of Base/RFENCE/FWFT; any other extension id is reported as Unknown so the
// caller can treat it as fatal per this package's policy (see doc comment).
type Server struct {
	Fence       RemoteFence
	ShadowStack ShadowStack
}

// Unknown is returned by Handle when ext does not name a supported
// extension; per this server's policy the caller must treat this as a fatal
// guest error, not attempt to answer the call.
type Unknown struct {
	Ext uint64
}

func (u *Unknown) Error() string {
	return fmt.Sprintf("sbi: extension id 0x%x is not implemented", u.Ext)
}

// Handle services one SBI call. ext/fid are a7/a6; a0-a2 are the first
// three integer argument registers. It returns (errorCode, value) for a0/a1, or a
// non-nil error (always *Unknown) if the extension id is unrecognized.
func (s *Server) Handle(ext, fid uint64, a0, a1, a2 uint64) (int64, uint64, error) {
	switch ext {
	case ExtBase:
		e, v := s.handleBase(fid, a0)
		return e, v, nil
	case ExtRFence:
		e, v := s.handleRFence(fid, a0, a1)
		return e, v, nil
	case ExtFWFT:
		e, v := s.handleFWFT(fid, a0, a1)
		return e, v, nil
	default:
		return ErrNotSupported, 0, &Unknown{Ext: ext}
	}
}

func (s *Server) handleBase(fid, a0 uint64) (int64, uint64) {
	switch fid {
	case BaseGetSpecVersion:
		return Success, SpecVersion
	case BaseGetImplID:
		return Success, ImplID
	case BaseGetImplVersion:
		return Success, 1
	case BaseProbeExtension:
		switch a0 {
		case ExtBase, ExtRFence, ExtFWFT:
			return Success, 1
		default:
			return Success, 0
		}
	case BaseGetMvendorID, BaseGetMarchID, BaseGetMimplID:
		return Success, 0
	default:
		return ErrNotSupported, 0
	}
}

func (s *Server) handleRFence(fid, a1, a2 uint64) (int64, uint64) {
	switch fid {
	case RFenceRemoteFenceI:
		// No-op: a single-HART-per-guest hypervisor has no other VS-mode
		// contexts whose instruction fetch needs flushing.
		return Success, 0
	case RFenceRemoteSFenceVMA, RFenceRemoteSFenceVMAASID:
		if s.Fence != nil {
			s.Fence.SFenceVMA(a1, a2)
		}
		return Success, 0
	default:
		return ErrNotSupported, 0
	}
}

func (s *Server) handleFWFT(fid, feature, value uint64) (int64, uint64) {
	if s.ShadowStack == nil {
		return ErrNotSupported, 0
	}
	switch fid {
	case FWFTSet:
		if feature != FWFTFeatureShadowStack {
			return ErrNotSupported, 0
		}
		s.ShadowStack.SetEnabled(value != 0)
		return Success, 0
	case FWFTGet:
		if feature != FWFTFeatureShadowStack {
			return ErrNotSupported, 0
		}
		if s.ShadowStack.Enabled() {
			return Success, 1
		}
		return Success, 0
	default:
		return ErrNotSupported, 0
	}
}
