package store

import "context"

// ScheduledMessageStatus represents the delivery state of a scheduled message.
type ScheduledMessageStatus string

const (
	// ScheduledMessageStatusPending means the message has not been delivered yet.
	ScheduledMessageStatusPending ScheduledMessageStatus = "PENDING"
	// ScheduledMessageStatusSent means the message was delivered (or assumed
	// delivered after an interrupted attempt, see DeliveryAck).
	ScheduledMessageStatusSent ScheduledMessageStatus = "SENT"
)

// ScheduledMessage is a durable deferred message. DeliveryAck is the dedup
// barrier: it is raised before the transport send and lowered when the row is
// flipped to SENT, so a row found with the barrier raised had its outcome
// interrupted and must not be sent again.
type ScheduledMessage struct {
	ID            int64
	ChatID        int64
	ThreadID      *int64
	Body          string
	SendAtTs      int64
	Status        ScheduledMessageStatus
	DeliveryAck   bool
	AttemptCount  int
	NextAttemptTs int64
	LastError     *string
	CreatedTs     int64
	SentTs        *int64
}

// FindScheduledMessage is the find condition for scheduled messages.
// Results are always ordered by (send_at_ts, id) ascending.
type FindScheduledMessage struct {
	ID                  *int64
	ChatID              *int64
	Status              *ScheduledMessageStatus
	DeliveryAck         *bool
	SendAtBeforeTs      *int64
	NextAttemptBeforeTs *int64
	AttemptBelow        *int
	Limit               *int
}

// UpdateScheduledMessage is the update condition for scheduled messages.
type UpdateScheduledMessage struct {
	ID            int64
	Status        *ScheduledMessageStatus
	DeliveryAck   *bool
	AttemptCount  *int
	NextAttemptTs *int64
	LastError     *string
	SentTs        *int64
}

// DeleteScheduledMessage is the delete condition for scheduled messages.
type DeleteScheduledMessage struct {
	ID int64
}

func (s *Store) CreateScheduledMessage(ctx context.Context, create *ScheduledMessage) (*ScheduledMessage, error) {
	return s.driver.CreateScheduledMessage(ctx, create)
}

func (s *Store) ListScheduledMessages(ctx context.Context, find *FindScheduledMessage) ([]*ScheduledMessage, error) {
	return s.driver.ListScheduledMessages(ctx, find)
}

func (s *Store) UpdateScheduledMessage(ctx context.Context, update *UpdateScheduledMessage) (*ScheduledMessage, error) {
	return s.driver.UpdateScheduledMessage(ctx, update)
}

func (s *Store) DeleteScheduledMessage(ctx context.Context, delete *DeleteScheduledMessage) error {
	return s.driver.DeleteScheduledMessage(ctx, delete)
}
