package models

// ConnectionState is the process-wide transport state.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}

	return "unknown"
}

// ConversationPhase is the lifecycle of the single open conversation.
type ConversationPhase int

const (
	PhaseClosed ConversationPhase = iota
	PhaseOpening
	PhaseOpen
	PhaseClosing
)

func (p ConversationPhase) String() string {
	switch p {
	case PhaseClosed:
		return "closed"
	case PhaseOpening:
		return "opening"
	case PhaseOpen:
		return "open"
	case PhaseClosing:
		return "closing"
	}

	return "unknown"
}
