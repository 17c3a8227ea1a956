// Package topic provides the per-conversation scheduling primitives: serial
// lanes keyed by topic, and the global permit semaphore that caps how many
// lanes may talk to the model backend at once.
package topic

import (
	"log/slog"
	"sync"
)

// Task is one unit of lane work. Tasks carry their own error handling; a
// panicking task is recovered and logged so the lane keeps draining.
type Task func()

// Queue runs tasks for one topic strictly in enqueue order, at most one at a
// time. The first task starts a lane goroutine; the goroutine exits when the
// backlog empties.
type Queue struct {
	logger *slog.Logger
	key    Key
	onIdle func(*Queue)

	mu      sync.Mutex
	cond    *sync.Cond
	pending []Task
	running bool
}

func newQueue(key Key, logger *slog.Logger, onIdle func(*Queue)) *Queue {
	q := &Queue{
		logger: logger,
		key:    key,
		onIdle: onIdle,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends a task to the lane, starting the lane goroutine if none is
// running.
func (q *Queue) Enqueue(task Task) {
	q.mu.Lock()
	q.pending = append(q.pending, task)
	if !q.running {
		q.running = true
		go q.loop()
	}
	q.mu.Unlock()
}

func (q *Queue) loop() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.cond.Broadcast()
			q.mu.Unlock()
			if q.onIdle != nil {
				q.onIdle(q)
			}
			return
		}
		task := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.invoke(task)
	}
}

func (q *Queue) invoke(task Task) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("topic task panicked",
				"topic_key", string(q.key),
				"panic", r)
		}
	}()
	task()
}

// Idle reports whether the lane has no queued and no running task.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.running && len(q.pending) == 0
}

// WaitIdle blocks until the lane is empty and no task is running.
func (q *Queue) WaitIdle() {
	q.mu.Lock()
	for q.running || len(q.pending) > 0 {
		q.cond.Wait()
	}
	q.mu.Unlock()
}

// QueueMap lazily creates one Queue per topic and retires queues once they go
// idle. Lanes run in parallel with one another; the Semaphore, not this map,
// bounds how many may hold a model permit.
type QueueMap struct {
	logger *slog.Logger

	mu     sync.Mutex
	queues map[Key]*Queue
}

func NewQueueMap(logger *slog.Logger) *QueueMap {
	return &QueueMap{
		logger: logger,
		queues: make(map[Key]*Queue),
	}
}

// GetOrCreate returns the live queue for a key, creating it on first use.
func (m *QueueMap) GetOrCreate(key Key) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[key]
	if !ok {
		q = newQueue(key, m.logger, m.retire)
		m.queues[key] = q
	}
	return q
}

// Enqueue schedules a task on the key's lane.
func (m *QueueMap) Enqueue(key Key, task Task) {
	m.GetOrCreate(key).Enqueue(task)
}

// retire removes a queue that has gone idle. A task enqueued between the
// idle transition and this call keeps the queue alive.
func (m *QueueMap) retire(q *Queue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.queues[q.key]
	if !ok || current != q {
		return
	}
	if current.Idle() {
		delete(m.queues, q.key)
	}
}

// Len returns the number of live lanes.
func (m *QueueMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues)
}

// DrainAll blocks until every live lane has emptied and retired. The caller
// must have stopped producing new tasks first.
func (m *QueueMap) DrainAll() {
	for {
		m.mu.Lock()
		var q *Queue
		for _, queue := range m.queues {
			q = queue
			break
		}
		m.mu.Unlock()
		if q == nil {
			return
		}

		q.WaitIdle()
		m.retire(q)
	}
}
