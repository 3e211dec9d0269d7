package whep

// ConnectionState is the status reported to the caller.
type ConnectionState int

const (
	Connecting ConnectionState = iota
	Connected
	Error
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Phase is the internal negotiation phase of a StreamSession.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseGathering
	PhaseExchanging
	PhaseVerifying
	PhaseLive
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseGathering:
		return "gathering"
	case PhaseExchanging:
		return "exchanging"
	case PhaseVerifying:
		return "verifying"
	case PhaseLive:
		return "live"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is delivered to the status handler on every reported transition.
type Status struct {
	// SessionID identifies the attempt the status belongs to. Empty while idle.
	SessionID string
	State     ConnectionState
	// Reason is set for Error and is always non-empty in that case.
	Reason string
	// Track is set on Connected.
	Track RemoteTrack
}
