package session

import "fmt"

// Kind is the coarse error category the frontend renders and the CLI maps
// to an exit code.
type Kind string

const (
	KindConfig    Kind = "Config"
	KindTransport Kind = "Transport"
	KindProtocol  Kind = "Protocol"
	KindUser      Kind = "User"
	KindTimeout   Kind = "Timeout"
)

// Stable machine-readable abort reasons carried in Abort/Nack messages.
const (
	ReasonEquivocatingPeer  = "EquivocatingPeer"
	ReasonKeyMismatch       = "KeyMismatch"
	ReasonRosterMismatch    = "RosterMismatch"
	ReasonDuplicateShare    = "DuplicateShare"
	ReasonDuplicateSum      = "DuplicateSum"
	ReasonInvalidEnvelope   = "InvalidEnvelope"
	ReasonSessionClosed     = "SessionClosed"
	ReasonUnexpectedMessage = "UnexpectedMessage"
	ReasonPeerDisconnected  = "PeerDisconnected"
	ReasonUserDeclined      = "UserDeclined"
	ReasonConfirmTimeout    = "ConfirmTimeout"
	ReasonSessionTimeout    = "SessionTimeout"
	ReasonPhaseTimeout      = "PhaseTimeout"
	ReasonTransportFailure  = "TransportFailure"
	ReasonInternal          = "Internal"
)

// KindOf maps an abort reason to its error category.
func KindOf(reason string) Kind {
	switch reason {
	case ReasonUserDeclined:
		return KindUser
	case ReasonConfirmTimeout, ReasonSessionTimeout, ReasonPhaseTimeout:
		return KindTimeout
	case ReasonPeerDisconnected, ReasonTransportFailure:
		return KindTransport
	default:
		return KindProtocol
	}
}

// AbortError is the fatal outcome of a session. Remote marks aborts that
// were received from the network rather than raised locally.
type AbortError struct {
	Reason string
	Detail string
	Remote bool
}

func (e *AbortError) Error() string {
	origin := "local"
	if e.Remote {
		origin = "remote"
	}
	if e.Detail == "" {
		return fmt.Sprintf("session aborted (%s): %s", origin, e.Reason)
	}
	return fmt.Sprintf("session aborted (%s): %s: %s", origin, e.Reason, e.Detail)
}
