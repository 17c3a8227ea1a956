// Package channel defines the chat-transport contract and the outbound
// delivery pipeline shared by every transport adapter: message chunking,
// Markdown rendering, thread resolution, and inbound admission filtering.
package channel

import (
	"context"

	"github.com/pkg/errors"
)

// ErrThreadRejected marks a send refused because the target thread no longer
// exists. The outbox retries such sends once at chat root.
var ErrThreadRejected = errors.New("thread id rejected by transport")

// InboundMessage is one user message as produced by a transport adapter.
type InboundMessage struct {
	ChatID    int64
	ThreadID  *int64
	MessageID int64
	Sender    string
	Text      string
}

// Update pairs a transport event with its monotonically increasing id.
// Message is nil for events that carry nothing processable; those still
// advance the poll cursor.
type Update struct {
	UpdateID int64
	Message  *InboundMessage
}

// Message is one transport-ready send: a single chunk with its thread
// already resolved.
type Message struct {
	ChatID   int64
	ThreadID *int64
	Text     string
	HTML     bool
}

// Port is the transport contract the relay depends on.
type Port interface {
	// ReceiveUpdates returns the updates at or after cursor, oldest first.
	// A nil cursor means "wherever the transport starts".
	ReceiveUpdates(ctx context.Context, cursor *int64) ([]Update, error)
	// Send delivers one message. ErrThreadRejected (possibly wrapped)
	// reports a dead thread id.
	Send(ctx context.Context, msg Message) error
}

// ThreadRef is a three-state thread reference. The zero value is Unset.
//
// Interactive replies leave the thread Unset so the outbox may substitute
// the chat's last-seen thread. Scheduled messages pin the thread explicitly,
// including the explicit-root form that must never be substituted.
type ThreadRef struct {
	set bool
	id  *int64
}

// ThreadUnset returns the no-opinion reference; substitution is allowed.
func ThreadUnset() ThreadRef {
	return ThreadRef{}
}

// ThreadNone returns the explicit chat-root reference; substitution is
// forbidden.
func ThreadNone() ThreadRef {
	return ThreadRef{set: true}
}

// ThreadOf returns a reference to a concrete thread.
func ThreadOf(id int64) ThreadRef {
	return ThreadRef{set: true, id: &id}
}

// ThreadFrom lifts a nullable stored thread id into an explicit reference:
// nil becomes ThreadNone, a value becomes ThreadOf.
func ThreadFrom(id *int64) ThreadRef {
	if id == nil {
		return ThreadNone()
	}
	return ThreadOf(*id)
}

// IsUnset reports whether the reference carries no opinion.
func (r ThreadRef) IsUnset() bool {
	return !r.set
}

// IsNone reports whether the reference explicitly targets the chat root.
func (r ThreadRef) IsNone() bool {
	return r.set && r.id == nil
}

// ID returns the concrete thread id, if the reference holds one.
func (r ThreadRef) ID() (int64, bool) {
	if r.id == nil {
		return 0, false
	}
	return *r.id, true
}

// OutboundMessage is one logical reply before chunking and thread
// resolution.
type OutboundMessage struct {
	ChatID int64
	Thread ThreadRef
	Text   string
	// Footer is appended after the body, separated by a blank line. Used
	// for usage/cost summaries.
	Footer string
}
