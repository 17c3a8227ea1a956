// Package relay is the worker core: it polls the chat transport, fans
// messages out to per-topic serial queues, short-circuits deterministic
// commands, and runs model turns with progress notices, a deadline, and
// a single fresh-session retry.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Class buckets a finished turn for logging, metrics, and the user
// notice. Only ClassSessionInvalid drives a retry.
type Class string

const (
	ClassSuccess        Class = "success"
	ClassTimeout        Class = "timeout"
	ClassEmptyOutput    Class = "empty_output"
	ClassSessionInvalid Class = "session_invalid"
	ClassTransport      Class = "transport"
)

var sessionInvalidMarkers = []string{
	"stale session",
	"invalid session",
	"unknown session",
	"expired session",
	"session rejected",
}

// Classify buckets a failed turn by its error. A context deadline is
// recognized structurally; everything else is matched on the error
// text, case-insensitively.
func Classify(err error) Class {
	if err == nil {
		return ClassSuccess
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}

	text := strings.ToLower(err.Error())
	if strings.Contains(text, "timed out") {
		return ClassTimeout
	}
	if strings.Contains(text, "no user-facing text output") {
		return ClassEmptyOutput
	}
	for _, marker := range sessionInvalidMarkers {
		if strings.Contains(text, marker) {
			return ClassSessionInvalid
		}
	}
	// Backends phrase this one with the id in the middle, as in
	// "session ses-123 not found".
	if strings.Contains(text, "session") && strings.Contains(text, "not found") {
		return ClassSessionInvalid
	}
	return ClassTransport
}

// FailureNotice is the user-visible text for a failed turn.
func FailureNotice(class Class, relayTimeout time.Duration) string {
	switch class {
	case ClassTimeout:
		return fmt.Sprintf("OpenCode did not finish within %ds. Please retry or increase RELAY_TIMEOUT_MS.", int(relayTimeout.Seconds()))
	case ClassEmptyOutput:
		return "OpenCode finished without any text to show. Internal actions may still have completed; retry if you need a summary."
	case ClassSessionInvalid:
		return "Your previous session expired. I started a fresh session; please retry this request."
	default:
		return "I hit a transport/delivery issue while relaying this response. Please retry now."
	}
}
