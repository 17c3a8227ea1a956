// Package assistant defines the model backend contract the relay talks to
// and its OpenAI-compatible implementation.
package assistant

import (
	"context"
	"errors"
)

// ErrUnknownSession reports a resume attempt against a session id the
// backend no longer holds. The relay reacts by retrying once with a
// fresh session.
var ErrUnknownSession = errors.New("unknown session")

// ErrEmptyReply reports a completed model call that produced nothing a
// user could read.
var ErrEmptyReply = errors.New("model produced no user-facing text output")

// Turn is one user request handed to the backend.
type Turn struct {
	ChatID        int64
	ThreadID      *int64
	Text          string
	Context       []string
	SessionID     string
	WorkspacePath string
}

// Usage captures token accounting for one turn.
type Usage struct {
	InputTokens  int
	OutputTokens int
	Cost         float64
}

// Reply is the backend's answer to one turn.
type Reply struct {
	Text       string
	SessionID  string
	Usage      Usage
	Mode       string
	Confidence float64
}

// Port is the model backend. Respond blocks until the backend answers
// or ctx is done.
type Port interface {
	Respond(ctx context.Context, turn Turn) (*Reply, error)
}

// Pinger is implemented by backends that can cheaply verify liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Aborter is implemented by backends that can cancel an in-flight turn
// for a session. Abort reports whether a call was actually in flight.
type Aborter interface {
	Abort(sessionID string) bool
}

// Completer is the narrow one-shot capability the reminder time parser
// needs. It carries no session state.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}
