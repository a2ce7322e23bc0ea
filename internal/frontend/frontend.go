package frontend

// The frontend is the I/O boundary the session drives: prompts and
// displays are pushed to it, user input comes back as events on a channel
// so the session's single event loop can demultiplex them with transport
// and timer events.

// UserEventKind discriminates frontend input events.
type UserEventKind int

const (
	// EventEnter is the leader pressing Enter to close the lobby.
	EventEnter UserEventKind = iota
	// EventAnswer is the joiner's yes/no to the confirmation prompt.
	EventAnswer
)

type UserEvent struct {
	Kind UserEventKind
	Yes  bool
}

// Participant is the display form of a roster entry.
type Participant struct {
	Fingerprint string
	Name        string
}

// Frontend is consumed by the session state machine.
type Frontend interface {
	// Events delivers user input; the channel is never closed.
	Events() <-chan UserEvent

	// PromptLeaderStart shows the advertised address and asks the leader
	// to press Enter once everyone has joined.
	PromptLeaderStart(joinAddr string)
	// PromptJoinConfirm shows the roster and asks for a yes/no answer.
	PromptJoinConfirm(participants []Participant)
	// DisplayParticipant announces a newly discovered participant.
	DisplayParticipant(p Participant)
	// Notify shows a one-line informational message.
	Notify(msg string)
	// DisplayResult shows the per-key averages.
	DisplayResult(results map[string]string)
	// DisplayError surfaces a fatal error with its machine-readable kind.
	DisplayError(kind, detail string)
}
