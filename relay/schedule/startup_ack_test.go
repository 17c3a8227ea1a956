package schedule

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/courier/store"
)

type fakeAckStore struct {
	mu     sync.Mutex
	ack    *store.StartupAck
	getErr error
}

func (f *fakeAckStore) GetStartupAck(_ context.Context) (*store.StartupAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.ack == nil {
		return nil, nil
	}
	clone := *f.ack
	return &clone, nil
}

func (f *fakeAckStore) UpsertStartupAck(_ context.Context, upsert *store.StartupAck) (*store.StartupAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *upsert
	f.ack = &clone
	result := clone
	return &result, nil
}

func (f *fakeAckStore) DeleteStartupAck(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ack = nil
	return nil
}

func (f *fakeAckStore) current() *store.StartupAck {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ack == nil {
		return nil
	}
	clone := *f.ack
	return &clone
}

func TestEnqueueStartupAck(t *testing.T) {
	ackStore := &fakeAckStore{}
	acks := NewStartupAcks(ackStore, &fakeScheduleSender{}, nil)

	threadID := int64(42)
	acks.Enqueue(context.Background(), 3, &threadID)

	ack := ackStore.current()
	require.NotNil(t, ack)
	assert.Equal(t, int64(3), ack.ChatID)
	require.NotNil(t, ack.ThreadID)
	assert.Equal(t, int64(42), *ack.ThreadID)
	assert.NotZero(t, ack.RequestedTs)
	assert.Equal(t, 0, ack.Attempts)
}

func TestFlushWithoutPendingAck(t *testing.T) {
	sender := &fakeScheduleSender{}
	acks := NewStartupAcks(&fakeAckStore{}, sender, nil)

	acks.Flush(context.Background())
	assert.Equal(t, 0, sender.count())
}

func TestFlushSendsAndClears(t *testing.T) {
	ackStore := &fakeAckStore{ack: &store.StartupAck{ChatID: 3, RequestedTs: 100}}
	sender := &fakeScheduleSender{}
	acks := NewStartupAcks(ackStore, sender, nil)

	acks.Flush(context.Background())

	require.Equal(t, 1, sender.count())
	msg := sender.message(0)
	assert.Equal(t, int64(3), msg.ChatID)
	assert.True(t, msg.Thread.IsNone())
	assert.Equal(t, "Restart complete. I'm back online.", msg.Text)
	assert.Nil(t, ackStore.current())

	// Nothing left for the next cycle.
	acks.Flush(context.Background())
	assert.Equal(t, 1, sender.count())
}

func TestFlushSendFailureBooksAttempt(t *testing.T) {
	ackStore := &fakeAckStore{ack: &store.StartupAck{ChatID: 3, RequestedTs: 100}}
	sender := &fakeScheduleSender{errs: []error{assert.AnError}}
	acks := NewStartupAcks(ackStore, sender, nil)

	acks.Flush(context.Background())

	ack := ackStore.current()
	require.NotNil(t, ack)
	assert.Equal(t, 1, ack.Attempts)
	require.NotNil(t, ack.LastError)

	// The next cycle retries and clears.
	acks.Flush(context.Background())
	assert.Equal(t, 2, sender.count())
	assert.Nil(t, ackStore.current())
}

func TestStartupAcksWithoutStore(t *testing.T) {
	sender := &fakeScheduleSender{}
	acks := NewStartupAcks(nil, sender, nil)

	acks.Enqueue(context.Background(), 3, nil)
	acks.Flush(context.Background())
	assert.Equal(t, 0, sender.count())
}
