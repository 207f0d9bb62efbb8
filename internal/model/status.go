package model

import "fmt"

type Status string

const (
	Pending   Status = "pending"
	Sending   Status = "sending"
	Sent      Status = "sent"
	Delivered Status = "delivered"
	Read      Status = "read"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
)

// transitions is the complete forward-only state machine. A status not
// present as a key is terminal.
var transitions = map[Status][]Status{
	// Pending -> Failed covers quota denial, which never reaches the
	// channel sender and so never passes through Sending.
	Pending:   {Sending, Failed, Cancelled},
	Sending:   {Sent, Failed, Cancelled},
	Sent:      {Delivered},
	Delivered: {Read},
}

// CanTransition reports whether from -> to is a legal step. Same-status
// "transitions" are not legal steps; callers treat them as idempotent no-ops.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// IsSuccessful reports whether s counts toward successful_messages.
func (s Status) IsSuccessful() bool {
	return s == Sent || s == Delivered || s == Read
}

func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case Pending, Sending, Sent, Delivered, Read, Failed, Cancelled:
		return Status(raw), nil
	}
	return "", fmt.Errorf("unknown status %q", raw)
}

type Channel string

const (
	Email    Channel = "email"
	WhatsApp Channel = "whatsapp"
)

func ParseChannel(raw string) (Channel, error) {
	switch Channel(raw) {
	case Email, WhatsApp:
		return Channel(raw), nil
	}
	return "", fmt.Errorf("unknown channel %q", raw)
}
