package protocol

// ConnectionStatus is the externally visible state of a session.
//
// Status only ever moves forward: New → Connecting → Connected →
// Disconnected, with the single exception of the New → Disconnected
// shortcut taken when the stream dies before anything was announced.
type ConnectionStatus uint32

const (
	StatusNew ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusDisconnected
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// StatusReason qualifies a status transition.
type StatusReason uint32

const (
	ReasonNoneSpecified StatusReason = iota
	ReasonRequested
	ReasonNetworkError
	ReasonAuthenticationFailed
	ReasonNameInUse
	ReasonEncryptionError
)

func (r StatusReason) String() string {
	switch r {
	case ReasonRequested:
		return "requested"
	case ReasonNetworkError:
		return "network-error"
	case ReasonAuthenticationFailed:
		return "authentication-failed"
	case ReasonNameInUse:
		return "name-in-use"
	case ReasonEncryptionError:
		return "encryption-error"
	default:
		return "none-specified"
	}
}

// StatusChange is broadcast to status handlers on every transition.
type StatusChange struct {
	Status ConnectionStatus
	Reason StatusReason
}
