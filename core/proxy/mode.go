package proxy

import "sync/atomic"

// Mode is the gateway's current traffic-admission capability.
type Mode int32

const (
	// ModeHTTPOnly serves plain HTTP only; no certificate is available.
	ModeHTTPOnly Mode = iota

	// ModeHTTPAndTLS additionally terminates TLS with the active certificate.
	ModeHTTPAndTLS
)

func (m Mode) String() string {
	switch m {
	case ModeHTTPOnly:
		return "http-only"
	case ModeHTTPAndTLS:
		return "http-and-tls"
	default:
		return "unknown"
	}
}

// ModeState owns the process-wide proxy mode. Promotion happens exactly once
// per certificate acquisition; demotion is a defensive fallback for when the
// active certificate becomes unreadable, not a routine transition.
type ModeState struct {
	mode atomic.Int32
}

// NewModeState starts in http-only mode.
func NewModeState() *ModeState {
	return &ModeState{}
}

// Mode returns the current mode.
func (s *ModeState) Mode() Mode {
	return Mode(s.mode.Load())
}

// Promote transitions to http-and-tls. Returns false when already promoted,
// making repeated requests a no-op.
func (s *ModeState) Promote() bool {
	return s.mode.CompareAndSwap(int32(ModeHTTPOnly), int32(ModeHTTPAndTLS))
}

// Demote falls back to http-only. Returns false when already demoted.
func (s *ModeState) Demote() bool {
	return s.mode.CompareAndSwap(int32(ModeHTTPAndTLS), int32(ModeHTTPOnly))
}
