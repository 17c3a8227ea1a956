package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hrygo/courier/channel"
	"github.com/hrygo/courier/internal/version"
	"github.com/hrygo/courier/relay/metrics"
	"github.com/hrygo/courier/relay/schedule"
	"github.com/hrygo/courier/relay/session"
	"github.com/hrygo/courier/relay/topic"
)

// ErrRestartRequested is returned by Run after a chat-initiated restart.
// The process exits with a dedicated code so its supervisor re-execs it.
var ErrRestartRequested = errors.New("restart requested")

// CursorStore persists the transport poll cursor across restarts.
type CursorStore interface {
	GetPollCursor(ctx context.Context) (int64, bool, error)
	SetPollCursor(ctx context.Context, cursor int64) error
}

// Deps are the collaborators the worker drives each poll cycle.
type Deps struct {
	Port        channel.Port
	Outbox      *channel.Outbox
	Filter      *channel.Filter
	Dispatcher  *Dispatcher
	Schedules   *schedule.Service
	StartupAcks *schedule.StartupAcks
	Queues      *topic.QueueMap
	Permits     *topic.Semaphore
	Sessions    *session.Registry
	Cursors     CursorStore
	Metrics     *metrics.Exporter
}

type WorkerOptions struct {
	PollInterval time.Duration
	// StartupAnnounceChatID, when non-zero, receives a one-line banner
	// once the worker is polling.
	StartupAnnounceChatID   int64
	StartupAnnounceThreadID *int64
}

// Worker owns the poll loop: it restores the cursor, sweeps scheduled
// messages, fans admitted updates out to per-topic lanes, and drains
// everything on the way down.
type Worker struct {
	logger  *slog.Logger
	deps    Deps
	options WorkerOptions

	stopOnce sync.Once
	stopped  chan struct{}
	restart  atomic.Bool
}

func NewWorker(deps Deps, options WorkerOptions, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if options.PollInterval <= 0 {
		options.PollInterval = 2 * time.Second
	}
	return &Worker{
		logger:  logger,
		deps:    deps,
		options: options,
		stopped: make(chan struct{}),
	}
}

// Run polls until the context is cancelled or Stop is called, then
// drains in-flight turns. It returns ErrRestartRequested when the stop
// was a chat-initiated restart.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "poll_interval", w.options.PollInterval)
	w.announceStartup(ctx)
	w.deps.Schedules.RecoverPending(ctx)

	var cursor *int64
	cursorRestored := false

	for !w.stopping(ctx) {
		w.deps.StartupAcks.Flush(ctx)

		if !cursorRestored {
			cursor = w.restoreCursor(ctx)
			cursorRestored = true
		}

		w.deps.Schedules.Sweep(ctx)

		updates, err := w.deps.Port.ReceiveUpdates(ctx, cursor)
		if err != nil {
			if w.stopping(ctx) {
				break
			}
			w.logger.Error("poll failed", "error", err)
		} else {
			w.deps.Metrics.RecordPolledUpdates(len(updates))
			for _, update := range updates {
				cursor = w.advanceCursor(ctx, update.UpdateID)
				if update.Message == nil {
					continue
				}
				w.enqueueInbound(update.Message)
			}
		}

		w.deps.Metrics.SetTopicQueues(w.deps.Queues.Len())

		if !w.sleep(ctx) {
			break
		}
	}

	w.logger.Info("worker stopping, draining topic queues")
	w.deps.Queues.DrainAll()
	w.logger.Info("worker stopped")

	if w.restart.Load() {
		return ErrRestartRequested
	}
	return nil
}

// Stop asks the poll loop to exit. In-flight turns finish; Run returns
// after the drain.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopped) })
}

// RequestRestart is Stop plus the restart exit status.
func (w *Worker) RequestRestart() {
	w.restart.Store(true)
	w.Stop()
}

func (w *Worker) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-w.stopped:
		return true
	default:
		return false
	}
}

// sleep waits out the poll interval, returning false when stopped.
func (w *Worker) sleep(ctx context.Context) bool {
	timer := time.NewTimer(w.options.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-w.stopped:
		return false
	case <-timer.C:
		return true
	}
}

func (w *Worker) restoreCursor(ctx context.Context) *int64 {
	if w.deps.Cursors == nil {
		return nil
	}
	cursor, ok, err := w.deps.Cursors.GetPollCursor(ctx)
	if err != nil {
		w.logger.Warn("cursor restore failed, starting from the transport head", "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	w.logger.Info("poll cursor restored", "cursor", cursor)
	return &cursor
}

// advanceCursor persists updateID+1 before the update is processed, so
// a crash mid-turn re-polls from the next update, not this one.
func (w *Worker) advanceCursor(ctx context.Context, updateID int64) *int64 {
	next := updateID + 1
	if w.deps.Cursors != nil {
		if err := w.deps.Cursors.SetPollCursor(ctx, next); err != nil {
			w.logger.Warn("cursor persist failed", "cursor", next, "error", err)
		}
	}
	return &next
}

func (w *Worker) enqueueInbound(msg *channel.InboundMessage) {
	w.deps.Outbox.ObserveThread(msg.ChatID, msg.ThreadID)

	if w.deps.Filter != nil && !w.deps.Filter.Admit(msg) {
		w.deps.Metrics.RecordDroppedUpdate()
		return
	}

	key := topic.NewKey(msg.ChatID, msg.ThreadID)
	w.deps.Queues.Enqueue(key, func() {
		// Tasks outlive the poll loop on purpose: a graceful stop waits
		// for them instead of cancelling them. The engine applies its
		// own per-turn deadline.
		w.deps.Dispatcher.Handle(context.Background(), msg)
	})
}

func (w *Worker) announceStartup(ctx context.Context) {
	if w.options.StartupAnnounceChatID == 0 {
		return
	}
	err := w.deps.Outbox.Send(ctx, channel.OutboundMessage{
		ChatID: w.options.StartupAnnounceChatID,
		Thread: channel.ThreadFrom(w.options.StartupAnnounceThreadID),
		Text:   fmt.Sprintf("%s %s online.", serviceName, version.String()),
	})
	if err != nil {
		w.logger.Warn("startup announcement failed", "error", err)
	}
}

// StatusSnapshot is the worker state reported by the ops server.
type StatusSnapshot struct {
	TopicQueues      int `json:"topic_queues"`
	TurnsInFlight    int `json:"turns_in_flight"`
	TurnsWaiting     int `json:"turns_waiting"`
	LiveSessions     int `json:"live_sessions"`
	PendingReminders int `json:"pending_reminders"`
}

func (w *Worker) Status(ctx context.Context) StatusSnapshot {
	return StatusSnapshot{
		TopicQueues:      w.deps.Queues.Len(),
		TurnsInFlight:    w.deps.Permits.InFlight(),
		TurnsWaiting:     w.deps.Permits.Waiting(),
		LiveSessions:     w.deps.Sessions.Len(),
		PendingReminders: w.deps.Schedules.PendingCount(ctx),
	}
}
