// Package schedule owns the durable deferred messages: reminders swept
// on the poll cadence with at-least-once delivery and restart dedup,
// and the restart acknowledgement flushed after the worker comes back.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hrygo/courier/channel"
	"github.com/hrygo/courier/relay/metrics"
	"github.com/hrygo/courier/store"
)

const (
	// retryBackoff delays the next attempt after a failed send.
	retryBackoff = time.Minute
	// maxAttempts is how often a reminder is retried before it is left
	// pending with its last error for an operator to inspect.
	maxAttempts = 10
	// sweepBatchSize bounds one sweep pass.
	sweepBatchSize = 32
)

// MessageStore is the durable side of the reminder queue. A nil
// MessageStore degrades the service to in-memory reminders.
type MessageStore interface {
	CreateScheduledMessage(ctx context.Context, create *store.ScheduledMessage) (*store.ScheduledMessage, error)
	ListScheduledMessages(ctx context.Context, find *store.FindScheduledMessage) ([]*store.ScheduledMessage, error)
	UpdateScheduledMessage(ctx context.Context, update *store.UpdateScheduledMessage) (*store.ScheduledMessage, error)
}

// Sender delivers outbound messages. Satisfied by channel.Outbox.
type Sender interface {
	Send(ctx context.Context, msg channel.OutboundMessage) error
}

type memoryReminder struct {
	chatID   int64
	threadID *int64
	body     string
	sendAt   time.Time
}

// Service delivers scheduled messages. The delivery-ack flag on each
// row is the dedup barrier: raised immediately before the transport
// send and lowered by the status flip, so a row found with the barrier
// raised was already handed to the transport and is completed without
// a second send.
type Service struct {
	logger  *slog.Logger
	store   MessageStore
	sender  Sender
	metrics *metrics.Exporter
	now     func() time.Time

	mu     sync.Mutex
	memory []memoryReminder
}

// NewService creates the scheduled-message service. messageStore may be
// nil; reminders then live only in memory and die with the process.
// exporter may be nil.
func NewService(messageStore MessageStore, sender Sender, exporter *metrics.Exporter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		logger:  logger,
		store:   messageStore,
		sender:  sender,
		metrics: exporter,
		now:     time.Now,
	}
}

// Enqueue stores a reminder. The returned flag reports whether it is
// durable; callers warn the user when it is not.
func (s *Service) Enqueue(ctx context.Context, chatID int64, threadID *int64, body string, sendAt time.Time) bool {
	if s.store != nil {
		_, err := s.store.CreateScheduledMessage(ctx, &store.ScheduledMessage{
			ChatID:   chatID,
			ThreadID: threadID,
			Body:     body,
			SendAtTs: sendAt.Unix(),
			Status:   store.ScheduledMessageStatusPending,
		})
		if err == nil {
			s.logger.Info("scheduled reminder", "chat_id", chatID, "send_at", sendAt.Unix())
			return true
		}
		s.logger.Warn("reminder store write failed, keeping it in memory", "chat_id", chatID, "error", err)
	}

	s.mu.Lock()
	s.memory = append(s.memory, memoryReminder{chatID: chatID, threadID: threadID, body: body, sendAt: sendAt})
	s.mu.Unlock()
	return false
}

// Sweep delivers everything due: first it completes deliveries a crash
// interrupted, then in-memory reminders, then due store rows in
// (sendAt, id) order.
func (s *Service) Sweep(ctx context.Context) {
	s.RecoverPending(ctx)
	s.sweepMemory(ctx)

	if s.store == nil {
		return
	}

	now := s.now().Unix()
	pending := store.ScheduledMessageStatusPending
	noAck := false
	attemptCap := maxAttempts
	limit := sweepBatchSize
	due, err := s.store.ListScheduledMessages(ctx, &store.FindScheduledMessage{
		Status:              &pending,
		DeliveryAck:         &noAck,
		SendAtBeforeTs:      &now,
		NextAttemptBeforeTs: &now,
		AttemptBelow:        &attemptCap,
		Limit:               &limit,
	})
	if err != nil {
		s.logger.Error("scheduled sweep list failed", "error", err)
		return
	}

	for _, row := range due {
		s.deliver(ctx, row)
	}
}

// RecoverPending completes rows whose delivery the process lost track
// of: the ack barrier is raised but the flip to sent never landed. They
// are flipped without a second transport send. Called on startup and at
// the top of every sweep.
func (s *Service) RecoverPending(ctx context.Context) {
	if s.store == nil {
		return
	}

	pending := store.ScheduledMessageStatusPending
	acked := true
	interrupted, err := s.store.ListScheduledMessages(ctx, &store.FindScheduledMessage{
		Status:      &pending,
		DeliveryAck: &acked,
	})
	if err != nil {
		s.logger.Error("scheduled recovery list failed", "error", err)
		return
	}

	for _, row := range interrupted {
		s.logger.Info("completing interrupted scheduled delivery", "id", row.ID, "chat_id", row.ChatID)
		if err := s.flipToSent(ctx, row.ID); err != nil {
			s.logger.Error("scheduled recovery flip failed", "id", row.ID, "error", err)
			continue
		}
		s.metrics.RecordScheduledDelivery(metrics.OutcomeDedupSkip)
	}
}

// PendingCount reports undelivered reminders, durable and in-memory.
func (s *Service) PendingCount(ctx context.Context) int {
	s.mu.Lock()
	count := len(s.memory)
	s.mu.Unlock()

	if s.store == nil {
		return count
	}
	pending := store.ScheduledMessageStatusPending
	rows, err := s.store.ListScheduledMessages(ctx, &store.FindScheduledMessage{Status: &pending})
	if err != nil {
		s.logger.Warn("pending count failed", "error", err)
		return count
	}
	return count + len(rows)
}

func (s *Service) deliver(ctx context.Context, row *store.ScheduledMessage) {
	// Raise the dedup barrier before the transport sees the message. If
	// this write fails the message was not sent, so it is a plain
	// delivery failure and stays pending.
	acked := true
	if _, err := s.store.UpdateScheduledMessage(ctx, &store.UpdateScheduledMessage{
		ID:          row.ID,
		DeliveryAck: &acked,
	}); err != nil {
		s.logger.Error("delivery ack write failed", "id", row.ID, "error", err)
		s.recordFailure(ctx, row, err)
		return
	}

	sendErr := s.sender.Send(ctx, channel.OutboundMessage{
		ChatID: row.ChatID,
		// The stored thread is authoritative. A nil thread means the
		// chat root and must never inherit an interactive thread.
		Thread: channel.ThreadFrom(row.ThreadID),
		Text:   row.Body,
	})
	if sendErr != nil {
		s.logger.Warn("scheduled send failed", "id", row.ID, "chat_id", row.ChatID, "error", sendErr)
		s.metrics.RecordScheduledDelivery(metrics.OutcomeSendFailed)
		s.recordFailure(ctx, row, sendErr)
		return
	}
	s.metrics.RecordScheduledDelivery(metrics.OutcomeDelivered)

	if err := s.flipToSent(ctx, row.ID); err != nil {
		// The message reached the transport but the flip did not land.
		// The raised barrier keeps the next sweep from resending; it
		// will retry the flip instead.
		s.logger.Error("scheduled flip failed, leaving delivery barrier raised", "id", row.ID, "error", err)
		return
	}
	s.logger.Info("scheduled message delivered", "id", row.ID, "chat_id", row.ChatID)
}

func (s *Service) flipToSent(ctx context.Context, id int64) error {
	sent := store.ScheduledMessageStatusSent
	noAck := false
	sentTs := s.now().Unix()
	_, err := s.store.UpdateScheduledMessage(ctx, &store.UpdateScheduledMessage{
		ID:          id,
		Status:      &sent,
		DeliveryAck: &noAck,
		SentTs:      &sentTs,
	})
	return err
}

// recordFailure lowers the barrier and books the attempt in one write,
// so a failed send can never read as a completed delivery.
func (s *Service) recordFailure(ctx context.Context, row *store.ScheduledMessage, cause error) {
	noAck := false
	attempts := row.AttemptCount + 1
	nextAttempt := s.now().Add(retryBackoff).Unix()
	lastError := cause.Error()
	if _, err := s.store.UpdateScheduledMessage(ctx, &store.UpdateScheduledMessage{
		ID:            row.ID,
		DeliveryAck:   &noAck,
		AttemptCount:  &attempts,
		NextAttemptTs: &nextAttempt,
		LastError:     &lastError,
	}); err != nil {
		s.logger.Error("scheduled failure bookkeeping failed", "id", row.ID, "error", err)
	}
	if attempts >= maxAttempts {
		s.logger.Error("scheduled message exhausted its attempts", "id", row.ID, "chat_id", row.ChatID, "last_error", lastError)
	}
}

func (s *Service) sweepMemory(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []memoryReminder
	var rest []memoryReminder
	for _, r := range s.memory {
		if !r.sendAt.After(now) {
			due = append(due, r)
		} else {
			rest = append(rest, r)
		}
	}
	s.memory = rest
	s.mu.Unlock()

	for _, r := range due {
		err := s.sender.Send(ctx, channel.OutboundMessage{
			ChatID: r.chatID,
			Thread: channel.ThreadFrom(r.threadID),
			Text:   r.body,
		})
		if err != nil {
			s.logger.Warn("in-memory reminder send failed, requeueing", "chat_id", r.chatID, "error", err)
			s.metrics.RecordScheduledDelivery(metrics.OutcomeSendFailed)
			s.mu.Lock()
			s.memory = append(s.memory, r)
			s.mu.Unlock()
			continue
		}
		s.metrics.RecordScheduledDelivery(metrics.OutcomeDelivered)
	}
}
