package postgres

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/courier/store"
)

func scanScheduledMessage(row interface {
	Scan(dest ...any) error
}) (*store.ScheduledMessage, error) {
	var message store.ScheduledMessage
	var threadID, sentTs sql.NullInt64
	var lastError sql.NullString
	if err := row.Scan(
		&message.ID,
		&message.ChatID,
		&threadID,
		&message.Body,
		&message.SendAtTs,
		&message.Status,
		&message.DeliveryAck,
		&message.AttemptCount,
		&message.NextAttemptTs,
		&lastError,
		&message.CreatedTs,
		&sentTs,
	); err != nil {
		return nil, err
	}
	if threadID.Valid {
		message.ThreadID = &threadID.Int64
	}
	if lastError.Valid {
		message.LastError = &lastError.String
	}
	if sentTs.Valid {
		message.SentTs = &sentTs.Int64
	}
	return &message, nil
}

const scheduledMessageColumns = `id, chat_id, thread_id, body, send_at_ts, status, delivery_ack, attempt_count, next_attempt_ts, last_error, created_ts, sent_ts`

func (d *DB) CreateScheduledMessage(ctx context.Context, create *store.ScheduledMessage) (*store.ScheduledMessage, error) {
	status := create.Status
	if status == "" {
		status = store.ScheduledMessageStatusPending
	}
	createdTs := create.CreatedTs
	if createdTs == 0 {
		createdTs = time.Now().Unix()
	}
	var threadID sql.NullInt64
	if create.ThreadID != nil {
		threadID = sql.NullInt64{Int64: *create.ThreadID, Valid: true}
	}

	fields := []string{"chat_id", "thread_id", "body", "send_at_ts", "status", "delivery_ack", "attempt_count", "next_attempt_ts", "created_ts"}
	args := []any{create.ChatID, threadID, create.Body, create.SendAtTs, status, create.DeliveryAck, create.AttemptCount, create.NextAttemptTs, createdTs}

	stmt := `INSERT INTO scheduled_message (` + strings.Join(fields, ", ") + `)
		VALUES (` + placeholders(len(args)) + `)
		RETURNING ` + scheduledMessageColumns
	message, err := scanScheduledMessage(d.db.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create scheduled message")
	}
	return message, nil
}

// ListScheduledMessages lists scheduled messages in delivery order,
// (send_at_ts, id) ascending.
func (d *DB) ListScheduledMessages(ctx context.Context, find *store.FindScheduledMessage) ([]*store.ScheduledMessage, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.ChatID != nil {
		where, args = append(where, "chat_id = "+placeholder(len(args)+1)), append(args, *find.ChatID)
	}
	if find.Status != nil {
		where, args = append(where, "status = "+placeholder(len(args)+1)), append(args, *find.Status)
	}
	if find.DeliveryAck != nil {
		where, args = append(where, "delivery_ack = "+placeholder(len(args)+1)), append(args, *find.DeliveryAck)
	}
	if find.SendAtBeforeTs != nil {
		where, args = append(where, "send_at_ts <= "+placeholder(len(args)+1)), append(args, *find.SendAtBeforeTs)
	}
	if find.NextAttemptBeforeTs != nil {
		where, args = append(where, "next_attempt_ts <= "+placeholder(len(args)+1)), append(args, *find.NextAttemptBeforeTs)
	}
	if find.AttemptBelow != nil {
		where, args = append(where, "attempt_count < "+placeholder(len(args)+1)), append(args, *find.AttemptBelow)
	}

	query := `SELECT ` + scheduledMessageColumns + `
		FROM scheduled_message
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY send_at_ts ASC, id ASC`
	if find.Limit != nil {
		query += " LIMIT " + placeholder(len(args)+1)
		args = append(args, *find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list scheduled messages")
	}
	defer rows.Close()

	var messages []*store.ScheduledMessage
	for rows.Next() {
		message, err := scanScheduledMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan scheduled message")
		}
		messages = append(messages, message)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return messages, nil
}

func (d *DB) UpdateScheduledMessage(ctx context.Context, update *store.UpdateScheduledMessage) (*store.ScheduledMessage, error) {
	set, args := []string{}, []any{}

	if update.Status != nil {
		set, args = append(set, "status = "+placeholder(len(args)+1)), append(args, *update.Status)
	}
	if update.DeliveryAck != nil {
		set, args = append(set, "delivery_ack = "+placeholder(len(args)+1)), append(args, *update.DeliveryAck)
	}
	if update.AttemptCount != nil {
		set, args = append(set, "attempt_count = "+placeholder(len(args)+1)), append(args, *update.AttemptCount)
	}
	if update.NextAttemptTs != nil {
		set, args = append(set, "next_attempt_ts = "+placeholder(len(args)+1)), append(args, *update.NextAttemptTs)
	}
	if update.LastError != nil {
		set, args = append(set, "last_error = "+placeholder(len(args)+1)), append(args, *update.LastError)
	}
	if update.SentTs != nil {
		set, args = append(set, "sent_ts = "+placeholder(len(args)+1)), append(args, *update.SentTs)
	}
	if len(set) == 0 {
		return nil, errors.New("no fields to update")
	}
	args = append(args, update.ID)

	stmt := `UPDATE scheduled_message SET ` + strings.Join(set, ", ") + `
		WHERE id = ` + placeholder(len(args)) + `
		RETURNING ` + scheduledMessageColumns
	message, err := scanScheduledMessage(d.db.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		return nil, errors.Wrap(err, "failed to update scheduled message")
	}
	return message, nil
}

func (d *DB) DeleteScheduledMessage(ctx context.Context, delete *store.DeleteScheduledMessage) error {
	stmt := `DELETE FROM scheduled_message WHERE id = $1`
	if _, err := d.db.ExecContext(ctx, stmt, delete.ID); err != nil {
		return errors.Wrap(err, "failed to delete scheduled message")
	}
	return nil
}
