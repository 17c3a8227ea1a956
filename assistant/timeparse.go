package assistant

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const timeParseSystemPrompt = `You convert one natural-language time expression into RFC 3339.
Reply with exactly one RFC 3339 timestamp and nothing else.
Resolve relative expressions against the current time given in the request, keeping its UTC offset.
If the expression names no usable time, reply with the single word INVALID.`

// TimeParser resolves reminder time expressions to absolute instants.
// An expression that already is an RFC 3339 timestamp parses locally;
// anything else goes to the model under a constrained prompt whose
// reply must itself be a bare RFC 3339 timestamp. A chatty reply is
// rejected, not repaired.
type TimeParser struct {
	completer Completer
	now       func() time.Time
}

// NewTimeParser creates a parser. completer may be nil, in which case
// only explicit RFC 3339 expressions parse.
func NewTimeParser(completer Completer) *TimeParser {
	return &TimeParser{completer: completer, now: time.Now}
}

// ParseWhen resolves expression to an instant.
func (p *TimeParser) ParseWhen(ctx context.Context, expression string) (time.Time, error) {
	expression = strings.TrimSpace(expression)
	if ts, err := time.Parse(time.RFC3339, expression); err == nil {
		return ts, nil
	}
	if p.completer == nil {
		return time.Time{}, fmt.Errorf("cannot parse time expression %q", expression)
	}

	user := fmt.Sprintf("Current time: %s\nExpression: %s", p.now().Format(time.RFC3339), expression)
	reply, err := p.completer.Complete(ctx, timeParseSystemPrompt, user)
	if err != nil {
		return time.Time{}, fmt.Errorf("time parse call failed: %w", err)
	}

	reply = strings.TrimSpace(reply)
	ts, err := time.Parse(time.RFC3339, reply)
	if err != nil {
		return time.Time{}, fmt.Errorf("model reply %q is not a bare timestamp", reply)
	}
	return ts, nil
}
