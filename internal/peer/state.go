package peer

import "fmt"

// State is a PeerConnectionState per spec §3: New, GatheringLocal,
// OfferSent, AnswerPending, AnswerSent, Connecting, Connected, Streaming,
// Failed(reason), Closed. Failed carries its reason separately on Session
// rather than encoding it into the State value, so State stays comparable.
type State string

const (
	StateNew            State = "New"
	StateGatheringLocal  State = "GatheringLocal"
	StateOfferSent       State = "OfferSent"
	StateAnswerPending   State = "AnswerPending"
	StateAnswerSent      State = "AnswerSent"
	StateConnecting      State = "Connecting"
	StateConnected       State = "Connected"
	StateStreaming       State = "Streaming"
	StateFailed          State = "Failed"
	StateClosed          State = "Closed"
)

// terminal reports whether a state has no outbound transition. Closed and
// Failed are terminal; every other state always has at least one.
func (s State) terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Role distinguishes the offerer (controller) from the answerer (host).
type Role string

const (
	RoleController Role = "controller" // offerer
	RoleHost       Role = "host"       // answerer
)

// invalidTransitionError records an attempted transition the state graph
// does not allow, so callers can tell a logic error apart from an ordinary
// session failure.
type invalidTransitionError struct {
	from  State
	event string
}

func (e *invalidTransitionError) Error() string {
	return fmt.Sprintf("peer: invalid transition: event %q in state %s", e.event, e.from)
}
