package channel

import (
	"log/slog"

	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"
)

// Filter decides which inbound messages the worker handles. Two layers: an
// optional chat-id allowlist, and an optional CEL expression over the
// variables chat_id (int), thread_id (int, 0 at chat root), and text
// (string). A message passes when both layers admit it.
//
// The filter fails closed: an expression that errors at evaluation time
// drops the message with a warning rather than letting it through.
type Filter struct {
	logger  *slog.Logger
	allowed map[int64]bool
	program cel.Program
}

// NewFilter compiles the CEL expression; empty means admit-all. An empty
// allowlist admits every chat.
func NewFilter(expression string, allowedChatIDs []int64, logger *slog.Logger) (*Filter, error) {
	f := &Filter{logger: logger}

	if len(allowedChatIDs) > 0 {
		f.allowed = make(map[int64]bool, len(allowedChatIDs))
		for _, id := range allowedChatIDs {
			f.allowed[id] = true
		}
	}

	if expression == "" {
		return f, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("chat_id", cel.IntType),
		cel.Variable("thread_id", cel.IntType),
		cel.Variable("text", cel.StringType),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create CEL environment")
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, errors.Wrapf(issues.Err(), "invalid message filter expression: %s", expression)
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, errors.Errorf("message filter must evaluate to bool, got %s", ast.OutputType())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build message filter program")
	}
	f.program = program
	return f, nil
}

// Admit reports whether the message should be handled.
func (f *Filter) Admit(msg *InboundMessage) bool {
	if f.allowed != nil && !f.allowed[msg.ChatID] {
		return false
	}
	if f.program == nil {
		return true
	}

	threadID := int64(0)
	if msg.ThreadID != nil {
		threadID = *msg.ThreadID
	}
	out, _, err := f.program.Eval(map[string]any{
		"chat_id":   msg.ChatID,
		"thread_id": threadID,
		"text":      msg.Text,
	})
	if err != nil {
		f.logger.Warn("message filter evaluation failed, dropping message",
			"chat_id", msg.ChatID,
			"error", err)
		return false
	}
	admitted, ok := out.Value().(bool)
	if !ok {
		f.logger.Warn("message filter returned non-bool, dropping message",
			"chat_id", msg.ChatID)
		return false
	}
	return admitted
}
