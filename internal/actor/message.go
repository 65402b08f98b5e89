package actor

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/postalsys/denobo/internal/protocol"
)

// ErrInvalidMessage is returned when a decoded message lacks an id or originator.
var ErrInvalidMessage = errors.New("invalid message")

// Message is an addressed payload travelling through the agent graph.
// Messages are shared between agents once sent and must not be modified.
type Message struct {
	// ID is unique among messages recently seen by any agent.
	ID string

	// From is the name of the originating agent.
	From string

	// To lists recipient names. An empty list addresses every agent.
	To []string

	Payload string

	// Created is set by the originating agent. It is not carried on the wire.
	Created time.Time
}

// IsBroadcast reports whether the message has no explicit recipients.
func (m *Message) IsBroadcast() bool {
	return len(m.To) == 0
}

// IsRecipient reports whether the agent called name should handle the
// message. The originator of a broadcast is not a recipient.
func (m *Message) IsRecipient(name string) bool {
	if m.IsBroadcast() {
		return name != m.From
	}
	return slices.Contains(m.To, name)
}

func (m *Message) String() string {
	if m.IsBroadcast() {
		return fmt.Sprintf("Message{ID=%s, From=%s, To=*}", m.ID, m.From)
	}
	return fmt.Sprintf("Message{ID=%s, From=%s, To=%v}", m.ID, m.From, m.To)
}

// Params encodes the message as a PROPAGATE body.
func (m *Message) Params() protocol.Params {
	p := protocol.Params{}
	p.Set("id", m.ID)
	p.Set("from", m.From)
	for _, to := range m.To {
		p.Add("to", to)
	}
	p.Set("payload", m.Payload)
	return p
}

// MessageFromParams decodes a PROPAGATE body.
func MessageFromParams(p protocol.Params) (*Message, error) {
	msg := &Message{
		ID:      p.Get("id"),
		From:    p.Get("from"),
		Payload: p.Get("payload"),
		Created: time.Now(),
	}
	if to := p.All("to"); len(to) > 0 {
		msg.To = slices.Clone(to)
	}
	if msg.ID == "" || msg.From == "" {
		return nil, fmt.Errorf("%w: missing id or from", ErrInvalidMessage)
	}
	return msg, nil
}

// envelope carries a message through a mailbox together with its provenance.
// sender is the neighbor it came from; link is the connection id it arrived
// on. Both are zero for locally originated messages.
type envelope struct {
	msg    *Message
	sender string
	link   uint64
}
