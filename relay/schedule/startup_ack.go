package schedule

import (
	"context"
	"log/slog"
	"time"

	"github.com/hrygo/courier/channel"
	"github.com/hrygo/courier/store"
)

// startupAckText is what the chat that requested a restart hears once
// the worker is back.
const startupAckText = "Restart complete. I'm back online."

// AckStore is the durable side of the restart acknowledgement. A nil
// AckStore means the ack cannot survive the restart it announces, so
// the service does nothing.
type AckStore interface {
	GetStartupAck(ctx context.Context) (*store.StartupAck, error)
	UpsertStartupAck(ctx context.Context, upsert *store.StartupAck) (*store.StartupAck, error)
	DeleteStartupAck(ctx context.Context) error
}

// StartupAcks persists who asked for a restart and tells them when the
// worker is back up.
type StartupAcks struct {
	logger *slog.Logger
	store  AckStore
	sender Sender
}

// NewStartupAcks creates the service. ackStore may be nil.
func NewStartupAcks(ackStore AckStore, sender Sender, logger *slog.Logger) *StartupAcks {
	if logger == nil {
		logger = slog.Default()
	}
	return &StartupAcks{logger: logger, store: ackStore, sender: sender}
}

// Enqueue records that chatID asked for a restart and expects an
// acknowledgement from the next incarnation.
func (a *StartupAcks) Enqueue(ctx context.Context, chatID int64, threadID *int64) {
	if a.store == nil {
		a.logger.Warn("no store for startup ack, restart will not be acknowledged", "chat_id", chatID)
		return
	}
	_, err := a.store.UpsertStartupAck(ctx, &store.StartupAck{
		ChatID:      chatID,
		ThreadID:    threadID,
		RequestedTs: time.Now().Unix(),
	})
	if err != nil {
		a.logger.Warn("startup ack write failed", "chat_id", chatID, "error", err)
	}
}

// Flush sends the pending acknowledgement, if any. Runs once per poll
// cycle; on success the row is cleared, on failure it stays with the
// attempt booked so the next cycle tries again.
func (a *StartupAcks) Flush(ctx context.Context) {
	if a.store == nil {
		return
	}
	ack, err := a.store.GetStartupAck(ctx)
	if err != nil {
		a.logger.Warn("startup ack read failed", "error", err)
		return
	}
	if ack == nil {
		return
	}

	sendErr := a.sender.Send(ctx, channel.OutboundMessage{
		ChatID: ack.ChatID,
		Thread: channel.ThreadFrom(ack.ThreadID),
		Text:   startupAckText,
	})
	if sendErr != nil {
		a.logger.Warn("startup ack send failed", "chat_id", ack.ChatID, "error", sendErr)
		lastError := sendErr.Error()
		ack.Attempts++
		ack.LastError = &lastError
		if _, err := a.store.UpsertStartupAck(ctx, ack); err != nil {
			a.logger.Warn("startup ack bookkeeping failed", "error", err)
		}
		return
	}

	a.logger.Info("startup acknowledged", "chat_id", ack.ChatID)
	if err := a.store.DeleteStartupAck(ctx); err != nil {
		a.logger.Warn("startup ack clear failed, it may be sent again", "error", err)
	}
}
