package sender

import (
	"context"

	"github.com/LeventeLantos/bulk-messaging/internal/model"
)

type OutcomeCode int

const (
	Success OutcomeCode = iota
	Transient
	Permanent
)

// Outcome is the result of one delivery attempt. Attempted distinguishes
// "the remote channel saw this attempt" from "the transport never got
// through"; the latter lets the engine roll back a quota reservation.
type Outcome struct {
	Code      OutcomeCode
	Detail    string
	RemoteID  string
	Attempted bool
}

// ChannelSender attempts delivery of one outgoing message. Implementations
// must be safe for concurrent use by multiple dispatch workers. The error
// return is reserved for context cancellation; delivery failures are
// expressed through the Outcome.
type ChannelSender interface {
	Send(ctx context.Context, msg model.Message) (Outcome, error)
}

// Mux routes sends to a per-channel sender.
type Mux struct {
	senders map[model.Channel]ChannelSender
}

func NewMux() *Mux {
	return &Mux{senders: map[model.Channel]ChannelSender{}}
}

func (m *Mux) Register(ch model.Channel, s ChannelSender) *Mux {
	m.senders[ch] = s
	return m
}

var _ ChannelSender = (*Mux)(nil)

func (m *Mux) Send(ctx context.Context, msg model.Message) (Outcome, error) {
	s, ok := m.senders[msg.Channel]
	if !ok {
		return Outcome{
			Code:   Permanent,
			Detail: "no sender registered for channel " + string(msg.Channel),
		}, nil
	}
	return s.Send(ctx, msg)
}
