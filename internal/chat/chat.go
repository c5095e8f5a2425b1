// Package chat defines the abstract chat-collaborator contract the
// Approval Coordinator drives: send/edit/delete an inline-keyboard
// message and receive inbound button clicks and free-text replies from
// a single configured operator principal.
package chat

import "context"

// Button is one inline-keyboard button: a label paired with the
// compact payload string returned when it is clicked.
type Button struct {
	Text    string
	Payload string
}

// Keyboard is a grid of buttons, rendered one row per slice entry.
type Keyboard struct {
	Rows [][]Button
}

// NewKeyboard builds a single-row keyboard from the given buttons.
func NewKeyboard(buttons ...Button) *Keyboard {
	return &Keyboard{Rows: [][]Button{buttons}}
}

// EventKind distinguishes the two inbound event shapes a collaborator
// may deliver.
type EventKind string

const (
	EventButtonClick EventKind = "button_click"
	EventTextMessage EventKind = "text_message"
)

// Event is one inbound occurrence from the chat surface, already
// restricted to the configured operator principal by the collaborator
// implementation.
type Event struct {
	Kind     EventKind
	Handle   string // message handle the event concerns
	Payload  string // populated for EventButtonClick
	ReplyTo  string // populated for EventTextMessage, if a reply
	Text     string // populated for EventTextMessage
	SenderID string
}

// Collaborator is the abstract chat surface the Approval Coordinator
// drives. Telegram and the terminal console each implement it.
type Collaborator interface {
	// Send posts a new message, returning an opaque handle later
	// operations use to address it.
	Send(ctx context.Context, text string, keyboard *Keyboard) (handle string, err error)
	// Edit updates a previously sent message in place. A nil keyboard
	// leaves the existing keyboard untouched.
	Edit(ctx context.Context, handle, text string, keyboard *Keyboard) error
	// Delete removes a previously sent message. Best-effort: callers
	// must not treat failure as a correctness violation.
	Delete(ctx context.Context, handle string) error
	// Events returns the channel inbound button clicks and text
	// messages are delivered on. Closed when the collaborator stops.
	Events() <-chan Event
	// Start begins listening for inbound events. Start must not block;
	// it launches its own goroutine(s) and returns once they are
	// running.
	Start(ctx context.Context) error
	// Stop halts the collaborator and closes its Events channel.
	Stop() error
}
