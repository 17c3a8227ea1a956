package schedule

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/courier/channel"
	"github.com/hrygo/courier/store"
)

type fakeMessageStore struct {
	mu        sync.Mutex
	nextID    int64
	rows      map[int64]*store.ScheduledMessage
	createErr error
	listErr   error
	// failFlips makes the next N flip-to-sent updates fail.
	failFlips int
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{rows: make(map[int64]*store.ScheduledMessage)}
}

func (f *fakeMessageStore) CreateScheduledMessage(_ context.Context, create *store.ScheduledMessage) (*store.ScheduledMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	row := *create
	row.ID = f.nextID
	if row.Status == "" {
		row.Status = store.ScheduledMessageStatusPending
	}
	f.rows[row.ID] = &row
	clone := row
	return &clone, nil
}

func (f *fakeMessageStore) ListScheduledMessages(_ context.Context, find *store.FindScheduledMessage) ([]*store.ScheduledMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*store.ScheduledMessage
	for _, row := range f.rows {
		if find.ID != nil && row.ID != *find.ID {
			continue
		}
		if find.ChatID != nil && row.ChatID != *find.ChatID {
			continue
		}
		if find.Status != nil && row.Status != *find.Status {
			continue
		}
		if find.DeliveryAck != nil && row.DeliveryAck != *find.DeliveryAck {
			continue
		}
		if find.SendAtBeforeTs != nil && row.SendAtTs > *find.SendAtBeforeTs {
			continue
		}
		if find.NextAttemptBeforeTs != nil && row.NextAttemptTs > *find.NextAttemptBeforeTs {
			continue
		}
		if find.AttemptBelow != nil && row.AttemptCount >= *find.AttemptBelow {
			continue
		}
		clone := *row
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SendAtTs != out[j].SendAtTs {
			return out[i].SendAtTs < out[j].SendAtTs
		}
		return out[i].ID < out[j].ID
	})
	if find.Limit != nil && len(out) > *find.Limit {
		out = out[:*find.Limit]
	}
	return out, nil
}

func (f *fakeMessageStore) UpdateScheduledMessage(_ context.Context, update *store.UpdateScheduledMessage) (*store.ScheduledMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[update.ID]
	if !ok {
		return nil, assert.AnError
	}
	if update.Status != nil && *update.Status == store.ScheduledMessageStatusSent && f.failFlips > 0 {
		f.failFlips--
		return nil, assert.AnError
	}
	if update.Status != nil {
		row.Status = *update.Status
	}
	if update.DeliveryAck != nil {
		row.DeliveryAck = *update.DeliveryAck
	}
	if update.AttemptCount != nil {
		row.AttemptCount = *update.AttemptCount
	}
	if update.NextAttemptTs != nil {
		row.NextAttemptTs = *update.NextAttemptTs
	}
	if update.LastError != nil {
		row.LastError = update.LastError
	}
	if update.SentTs != nil {
		row.SentTs = update.SentTs
	}
	clone := *row
	return &clone, nil
}

func (f *fakeMessageStore) row(id int64) store.ScheduledMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.rows[id]
}

type fakeScheduleSender struct {
	mu   sync.Mutex
	sent []channel.OutboundMessage
	errs []error
}

func (f *fakeScheduleSender) Send(_ context.Context, msg channel.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func (f *fakeScheduleSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeScheduleSender) message(i int) channel.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[i]
}

func frozen(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestEnqueueIsDurableWithStore(t *testing.T) {
	messageStore := newFakeMessageStore()
	service := NewService(messageStore, &fakeScheduleSender{}, nil, nil)

	durable := service.Enqueue(context.Background(), 2, nil, "Watch Eternity", time.Unix(1000, 0))
	assert.True(t, durable)

	row := messageStore.row(1)
	assert.Equal(t, int64(2), row.ChatID)
	assert.Nil(t, row.ThreadID)
	assert.Equal(t, "Watch Eternity", row.Body)
	assert.Equal(t, int64(1000), row.SendAtTs)
	assert.Equal(t, store.ScheduledMessageStatusPending, row.Status)
}

func TestEnqueueFallsBackToMemory(t *testing.T) {
	sender := &fakeScheduleSender{}
	service := NewService(nil, sender, nil, nil)
	service.now = frozen(time.Unix(2000, 0))

	durable := service.Enqueue(context.Background(), 5, nil, "stretch", time.Unix(1500, 0))
	assert.False(t, durable)

	service.Sweep(context.Background())
	require.Equal(t, 1, sender.count())
	assert.Equal(t, "stretch", sender.message(0).Text)

	// Delivered reminders leave the in-memory queue.
	service.Sweep(context.Background())
	assert.Equal(t, 1, sender.count())
}

func TestEnqueueFallsBackOnStoreError(t *testing.T) {
	messageStore := newFakeMessageStore()
	messageStore.createErr = assert.AnError
	service := NewService(messageStore, &fakeScheduleSender{}, nil, nil)

	durable := service.Enqueue(context.Background(), 5, nil, "x", time.Unix(1500, 0))
	assert.False(t, durable)
	assert.Equal(t, 1, service.PendingCount(context.Background()))
}

func TestSweepDeliversDueMessage(t *testing.T) {
	messageStore := newFakeMessageStore()
	sender := &fakeScheduleSender{}
	service := NewService(messageStore, sender, nil, nil)

	t0 := time.Unix(10_000, 0)
	service.Enqueue(context.Background(), 2, nil, "Watch Eternity", t0)
	service.now = frozen(t0.Add(60 * time.Second))

	service.Sweep(context.Background())

	require.Equal(t, 1, sender.count())
	msg := sender.message(0)
	assert.Equal(t, int64(2), msg.ChatID)
	assert.True(t, msg.Thread.IsNone(), "stored root reminders must stay at chat root")
	assert.Equal(t, "Watch Eternity", msg.Text)

	row := messageStore.row(1)
	assert.Equal(t, store.ScheduledMessageStatusSent, row.Status)
	assert.False(t, row.DeliveryAck)
	require.NotNil(t, row.SentTs)
	assert.Equal(t, t0.Add(60*time.Second).Unix(), *row.SentTs)
	assert.Equal(t, 0, row.AttemptCount)
}

func TestSweepPreservesStoredThread(t *testing.T) {
	messageStore := newFakeMessageStore()
	sender := &fakeScheduleSender{}
	service := NewService(messageStore, sender, nil, nil)

	threadID := int64(42)
	service.Enqueue(context.Background(), 2, &threadID, "standup", time.Unix(100, 0))
	service.now = frozen(time.Unix(200, 0))

	service.Sweep(context.Background())

	require.Equal(t, 1, sender.count())
	id, ok := sender.message(0).Thread.ID()
	require.True(t, ok)
	assert.Equal(t, int64(42), id)
}

func TestSweepSkipsFutureMessages(t *testing.T) {
	messageStore := newFakeMessageStore()
	sender := &fakeScheduleSender{}
	service := NewService(messageStore, sender, nil, nil)

	service.now = frozen(time.Unix(100, 0))
	service.Enqueue(context.Background(), 2, nil, "later", time.Unix(500, 0))

	service.Sweep(context.Background())
	assert.Equal(t, 0, sender.count())
}

func TestSweepFlipFailureDoesNotResend(t *testing.T) {
	messageStore := newFakeMessageStore()
	sender := &fakeScheduleSender{}
	service := NewService(messageStore, sender, nil, nil)

	service.Enqueue(context.Background(), 2, nil, "once only", time.Unix(100, 0))
	service.now = frozen(time.Unix(200, 0))
	messageStore.failFlips = 1

	// First sweep: sent to the transport, flip fails, barrier stays up.
	service.Sweep(context.Background())
	require.Equal(t, 1, sender.count())
	row := messageStore.row(1)
	assert.Equal(t, store.ScheduledMessageStatusPending, row.Status)
	assert.True(t, row.DeliveryAck)

	// Second sweep: recovery flips the row without a second send.
	service.Sweep(context.Background())
	assert.Equal(t, 1, sender.count())
	row = messageStore.row(1)
	assert.Equal(t, store.ScheduledMessageStatusSent, row.Status)
	assert.False(t, row.DeliveryAck)
	assert.Equal(t, 0, row.AttemptCount)
}

func TestRecoverPendingFlipsInterruptedDeliveries(t *testing.T) {
	messageStore := newFakeMessageStore()
	sender := &fakeScheduleSender{}
	service := NewService(messageStore, sender, nil, nil)

	// A row left behind by a crash between transport send and flip.
	_, err := messageStore.CreateScheduledMessage(context.Background(), &store.ScheduledMessage{
		ChatID:      2,
		Body:        "interrupted",
		SendAtTs:    100,
		Status:      store.ScheduledMessageStatusPending,
		DeliveryAck: true,
	})
	require.NoError(t, err)

	service.RecoverPending(context.Background())

	assert.Equal(t, 0, sender.count())
	row := messageStore.row(1)
	assert.Equal(t, store.ScheduledMessageStatusSent, row.Status)
	assert.False(t, row.DeliveryAck)
}

func TestSweepSendFailureBacksOff(t *testing.T) {
	messageStore := newFakeMessageStore()
	sender := &fakeScheduleSender{errs: []error{assert.AnError}}
	service := NewService(messageStore, sender, nil, nil)

	service.Enqueue(context.Background(), 2, nil, "flaky", time.Unix(100, 0))
	now := time.Unix(200, 0)
	service.now = frozen(now)

	service.Sweep(context.Background())
	require.Equal(t, 1, sender.count())
	row := messageStore.row(1)
	assert.Equal(t, store.ScheduledMessageStatusPending, row.Status)
	assert.False(t, row.DeliveryAck)
	assert.Equal(t, 1, row.AttemptCount)
	require.NotNil(t, row.LastError)
	assert.Equal(t, now.Add(retryBackoff).Unix(), row.NextAttemptTs)

	// Still inside the backoff window: nothing is retried.
	service.Sweep(context.Background())
	assert.Equal(t, 1, sender.count())

	// Past the backoff window the retry succeeds.
	service.now = frozen(now.Add(retryBackoff + time.Second))
	service.Sweep(context.Background())
	assert.Equal(t, 2, sender.count())
	assert.Equal(t, store.ScheduledMessageStatusSent, messageStore.row(1).Status)
}

func TestSweepStopsAfterMaxAttempts(t *testing.T) {
	messageStore := newFakeMessageStore()
	sender := &fakeScheduleSender{}
	service := NewService(messageStore, sender, nil, nil)

	_, err := messageStore.CreateScheduledMessage(context.Background(), &store.ScheduledMessage{
		ChatID:       2,
		Body:         "hopeless",
		SendAtTs:     100,
		Status:       store.ScheduledMessageStatusPending,
		AttemptCount: maxAttempts,
	})
	require.NoError(t, err)
	service.now = frozen(time.Unix(200, 0))

	service.Sweep(context.Background())
	assert.Equal(t, 0, sender.count())
	assert.Equal(t, store.ScheduledMessageStatusPending, messageStore.row(1).Status)
}

func TestPendingCountCombinesStoreAndMemory(t *testing.T) {
	messageStore := newFakeMessageStore()
	service := NewService(messageStore, &fakeScheduleSender{}, nil, nil)

	service.Enqueue(context.Background(), 1, nil, "a", time.Unix(100, 0))
	messageStore.createErr = assert.AnError
	service.Enqueue(context.Background(), 1, nil, "b", time.Unix(100, 0))

	assert.Equal(t, 2, service.PendingCount(context.Background()))
}
