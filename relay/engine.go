package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hrygo/courier/assistant"
	"github.com/hrygo/courier/channel"
	"github.com/hrygo/courier/relay/metrics"
	"github.com/hrygo/courier/relay/session"
	"github.com/hrygo/courier/relay/topic"
)

// progressText is sent while a turn is still running.
const progressText = "Still working..."

// busyNotice is sent when the global waiter line is full.
const busyNotice = "OpenCode is busy, try again in a moment."

// Sender delivers outbound messages. Satisfied by channel.Outbox.
type Sender interface {
	Send(ctx context.Context, msg channel.OutboundMessage) error
}

// EngineOptions are the per-turn knobs.
type EngineOptions struct {
	RelayTimeout         time.Duration
	SessionRetryAttempts int
	ProgressFirst        time.Duration
	ProgressEvery        time.Duration
	ProgressMaxCount     int
	SessionIdleTimeout   time.Duration
	SessionMaxConcurrent int
}

// Engine runs one model turn end-to-end: concurrency gate, session
// resolution, progress ticker, deadline, classification, and the
// fresh-session retry.
type Engine struct {
	logger     *slog.Logger
	model      assistant.Port
	sender     Sender
	sessions   *session.Registry
	workspaces *session.Workspaces
	permits    *topic.Semaphore
	metrics    *metrics.Exporter
	options    EngineOptions
}

// NewEngine wires the engine. exporter may be nil.
func NewEngine(
	model assistant.Port,
	sender Sender,
	sessions *session.Registry,
	workspaces *session.Workspaces,
	permits *topic.Semaphore,
	exporter *metrics.Exporter,
	options EngineOptions,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger:     logger,
		model:      model,
		sender:     sender,
		sessions:   sessions,
		workspaces: workspaces,
		permits:    permits,
		metrics:    exporter,
		options:    options,
	}
}

// RunTurn delivers one user message through the model and back. It is
// called from inside the topic's serial lane, so per-topic state needs
// no further locking.
func (e *Engine) RunTurn(ctx context.Context, msg *channel.InboundMessage) {
	key := topic.NewKey(msg.ChatID, msg.ThreadID)
	logger := e.logger.With("turn_id", uuid.NewString(), "topic_key", key, "chat_id", msg.ChatID)

	if err := e.permits.Acquire(ctx); err != nil {
		if errors.Is(err, topic.ErrQueueFull) {
			logger.Warn("turn rejected, waiter line full", "waiting", e.permits.Waiting())
			e.metrics.RecordBusyRejection()
			e.reply(ctx, msg, busyNotice, "")
			return
		}
		logger.Info("turn abandoned while waiting for a permit", "error", err)
		return
	}
	defer func() {
		e.permits.Release()
		e.metrics.SetTurnsInFlight(e.permits.InFlight())
	}()
	e.metrics.SetTurnsInFlight(e.permits.InFlight())

	e.sessions.EvictIdle(ctx, e.options.SessionIdleTimeout, e.options.SessionMaxConcurrent)

	workspacePath := e.workspaces.Active(ctx, key)
	sessionID, resumed := e.sessions.Load(ctx, key)

	start := time.Now()
	for attempt := 0; ; attempt++ {
		reply, err := e.attempt(ctx, msg, sessionID, workspacePath, logger)
		if err == nil {
			// Persisting on every success also refreshes last-used, so an
			// active session is never idle-evicted mid-conversation.
			if reply.SessionID != "" {
				e.sessions.Persist(ctx, key, reply.SessionID)
			}
			logger.Info("turn completed",
				"session_id", reply.SessionID,
				"mode", reply.Mode,
				"input_tokens", reply.Usage.InputTokens,
				"output_tokens", reply.Usage.OutputTokens,
				"elapsed_ms", time.Since(start).Milliseconds(),
			)
			e.metrics.RecordTurn(string(ClassSuccess), time.Since(start))
			e.reply(ctx, msg, reply.Text, usageFooter(reply.Usage))
			return
		}

		class := Classify(err)
		logger.Error("turn failed", "class", class, "attempt", attempt, "error", err)

		if class == ClassSessionInvalid && resumed && attempt < e.options.SessionRetryAttempts {
			e.sessions.Invalidate(ctx, key)
			sessionID, resumed = "", false
			continue
		}

		e.metrics.RecordTurn(string(class), time.Since(start))
		e.reply(ctx, msg, FailureNotice(class, e.options.RelayTimeout), "")
		return
	}
}

// attempt runs a single model call under the relay deadline with the
// progress ticker alive for its duration.
func (e *Engine) attempt(ctx context.Context, msg *channel.InboundMessage, sessionID, workspacePath string, logger *slog.Logger) (*assistant.Reply, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.options.RelayTimeout)

	var ticker sync.WaitGroup
	ticker.Add(1)
	go func() {
		defer ticker.Done()
		e.progressLoop(attemptCtx, msg, logger)
	}()
	defer func() {
		cancel()
		ticker.Wait()
	}()

	reply, err := e.model.Respond(attemptCtx, assistant.Turn{
		ChatID:        msg.ChatID,
		ThreadID:      msg.ThreadID,
		Text:          msg.Text,
		SessionID:     sessionID,
		WorkspacePath: workspacePath,
	})
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// progressLoop tells the user the turn is still running: once after
// ProgressFirst, then every ProgressEvery, at most ProgressMaxCount
// times. Send failures are logged and ignored.
func (e *Engine) progressLoop(ctx context.Context, msg *channel.InboundMessage, logger *slog.Logger) {
	if e.options.ProgressMaxCount <= 0 {
		return
	}
	timer := time.NewTimer(e.options.ProgressFirst)
	defer timer.Stop()

	for count := 0; count < e.options.ProgressMaxCount; count++ {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		err := e.sender.Send(ctx, channel.OutboundMessage{
			ChatID: msg.ChatID,
			Thread: replyThread(msg),
			Text:   progressText,
		})
		if err != nil {
			logger.Warn("progress notice failed", "error", err)
		}
		timer.Reset(e.options.ProgressEvery)
	}
}

func (e *Engine) reply(ctx context.Context, msg *channel.InboundMessage, text, footer string) {
	err := e.sender.Send(ctx, channel.OutboundMessage{
		ChatID: msg.ChatID,
		Thread: replyThread(msg),
		Text:   text,
		Footer: footer,
	})
	if err != nil {
		e.logger.Error("failed to deliver reply", "chat_id", msg.ChatID, "error", err)
	}
}

// replyThread pins the reply to the inbound thread when there is one
// and otherwise leaves the thread open for last-seen substitution.
func replyThread(msg *channel.InboundMessage) channel.ThreadRef {
	if msg.ThreadID != nil {
		return channel.ThreadOf(*msg.ThreadID)
	}
	return channel.ThreadUnset()
}

func usageFooter(usage assistant.Usage) string {
	if usage == (assistant.Usage{}) {
		return ""
	}
	return fmt.Sprintf("tokens in %d, out %d, $%.4f", usage.InputTokens, usage.OutputTokens, usage.Cost)
}
