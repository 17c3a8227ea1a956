package relay

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/courier/assistant"
	"github.com/hrygo/courier/channel"
	"github.com/hrygo/courier/internal/profile"
	"github.com/hrygo/courier/relay/schedule"
	"github.com/hrygo/courier/relay/session"
	"github.com/hrygo/courier/relay/topic"
	"github.com/hrygo/courier/store"
	"github.com/hrygo/courier/store/db/sqlite"
)

func newTestingStore(ctx context.Context, t *testing.T) *store.Store {
	t.Helper()
	p := &profile.Profile{
		Mode:   "prod",
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "courier_test.db"),
	}
	driver, err := sqlite.NewDB(p)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = driver.Close()
	})

	st := store.New(driver, p)
	require.NoError(t, st.Migrate(ctx))
	return st
}

func inbound(chatID int64, threadID *int64, text string) *channel.InboundMessage {
	return &channel.InboundMessage{
		ChatID:    chatID,
		ThreadID:  threadID,
		MessageID: 100,
		Sender:    "ada",
		Text:      text,
	}
}

// fakeSender records outbound messages in order.
type fakeSender struct {
	mu   sync.Mutex
	errs []error
	sent []channel.OutboundMessage
}

func (s *fakeSender) Send(_ context.Context, msg channel.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return err
	}
	return nil
}

func (s *fakeSender) messages() []channel.OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]channel.OutboundMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *fakeSender) texts() []string {
	msgs := s.messages()
	out := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, msg.Text)
	}
	return out
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type modelCall struct {
	reply *assistant.Reply
	err   error
}

// fakeModel scripts the assistant port. Without a script every call
// succeeds with a canned reply; respond, when set, takes over entirely.
type fakeModel struct {
	mu      sync.Mutex
	turns   []assistant.Turn
	script  []modelCall
	respond func(ctx context.Context, turn assistant.Turn) (*assistant.Reply, error)
}

func (m *fakeModel) Respond(ctx context.Context, turn assistant.Turn) (*assistant.Reply, error) {
	m.mu.Lock()
	m.turns = append(m.turns, turn)
	respond := m.respond
	var call *modelCall
	if len(m.script) > 0 {
		next := m.script[0]
		m.script = m.script[1:]
		call = &next
	}
	m.mu.Unlock()

	if respond != nil {
		return respond(ctx, turn)
	}
	if call != nil {
		return call.reply, call.err
	}
	return &assistant.Reply{Text: "done", SessionID: "ses-fake"}, nil
}

func (m *fakeModel) calls() []assistant.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]assistant.Turn, len(m.turns))
	copy(out, m.turns)
	return out
}

// fakePort scripts the transport: each poll pops one receive error or
// one batch, sends are recorded as transport-level messages.
type fakePort struct {
	mu       sync.Mutex
	batches  [][]channel.Update
	recvErrs []error
	polls    []*int64
	sent     []channel.Message
}

func (p *fakePort) ReceiveUpdates(_ context.Context, cursor *int64) ([]channel.Update, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cursor == nil {
		p.polls = append(p.polls, nil)
	} else {
		v := *cursor
		p.polls = append(p.polls, &v)
	}
	if len(p.recvErrs) > 0 {
		err := p.recvErrs[0]
		p.recvErrs = p.recvErrs[1:]
		return nil, err
	}
	if len(p.batches) == 0 {
		return nil, nil
	}
	batch := p.batches[0]
	p.batches = p.batches[1:]
	return batch, nil
}

func (p *fakePort) Send(_ context.Context, msg channel.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	return nil
}

func (p *fakePort) sentMessages() []channel.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]channel.Message, len(p.sent))
	copy(out, p.sent)
	return out
}

func (p *fakePort) sentTexts() []string {
	msgs := p.sentMessages()
	out := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, msg.Text)
	}
	return out
}

func (p *fakePort) pollCursors() []*int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*int64, len(p.polls))
	copy(out, p.polls)
	return out
}

type fakeWhenParser struct {
	mu    sync.Mutex
	exprs []string
	when  time.Time
	err   error
}

func (p *fakeWhenParser) ParseWhen(_ context.Context, expression string) (time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exprs = append(p.exprs, expression)
	return p.when, p.err
}

func (p *fakeWhenParser) expressions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.exprs))
	copy(out, p.exprs)
	return out
}

// engineHarness wires an engine over a real sqlite store with fakes on
// both sides.
type engineHarness struct {
	ctx        context.Context
	store      *store.Store
	sender     *fakeSender
	model      *fakeModel
	sessions   *session.Registry
	workspaces *session.Workspaces
	permits    *topic.Semaphore
	engine     *Engine
}

func defaultEngineOptions() EngineOptions {
	return EngineOptions{
		RelayTimeout:         2 * time.Second,
		SessionRetryAttempts: 1,
		// Progress notices stay quiet unless a test shortens the timers.
		ProgressFirst:        time.Hour,
		ProgressEvery:        time.Hour,
		ProgressMaxCount:     3,
		SessionIdleTimeout:   45 * time.Minute,
		SessionMaxConcurrent: 5,
	}
}

func newEngineHarness(t *testing.T, mutate func(h *engineHarness, options *EngineOptions)) *engineHarness {
	t.Helper()
	h := &engineHarness{ctx: context.Background()}
	h.store = newTestingStore(h.ctx, t)
	return h.build(t, mutate)
}

func (h *engineHarness) build(t *testing.T, mutate func(h *engineHarness, options *EngineOptions)) *engineHarness {
	t.Helper()
	h.sender = &fakeSender{}
	h.model = &fakeModel{}
	h.sessions = session.NewRegistry(h.store, nil)
	h.workspaces = session.NewWorkspaces(h.store, "/srv/workspace", nil)
	h.permits = topic.NewSemaphore(5, 100)

	options := defaultEngineOptions()
	if mutate != nil {
		mutate(h, &options)
	}
	h.engine = NewEngine(h.model, h.sender, h.sessions, h.workspaces, h.permits, nil, options, nil)
	return h
}

// restart rebuilds the engine stack over the same store, simulating a
// process restart with all in-memory state gone.
func (h *engineHarness) restart(t *testing.T) *engineHarness {
	t.Helper()
	next := &engineHarness{ctx: h.ctx, store: h.store}
	return next.build(t, nil)
}

// workerHarness wires the full stack behind a scripted transport.
type workerHarness struct {
	ctx        context.Context
	store      *store.Store
	port       *fakePort
	model      *fakeModel
	outbox     *channel.Outbox
	queues     *topic.QueueMap
	permits    *topic.Semaphore
	sessions   *session.Registry
	workspaces *session.Workspaces
	schedules  *schedule.Service
	acks       *schedule.StartupAcks
	dispatcher *Dispatcher
	worker     *Worker

	runDone chan error
}

type workerConfig struct {
	filterExpr     string
	parser         WhenParser
	announceChat   int64
	announceThread *int64
	maxConcurrent  int
	engineOptions  func(*EngineOptions)
}

func newWorkerHarness(t *testing.T, st *store.Store, port *fakePort, cfg workerConfig) *workerHarness {
	t.Helper()
	ctx := context.Background()
	if st == nil {
		st = newTestingStore(ctx, t)
	}
	if port == nil {
		port = &fakePort{}
	}
	if cfg.maxConcurrent == 0 {
		cfg.maxConcurrent = 3
	}

	h := &workerHarness{
		ctx:   ctx,
		store: st,
		port:  port,
		model: &fakeModel{},
	}
	h.outbox = channel.NewOutbox(port, nil, 0, slog.Default())
	h.queues = topic.NewQueueMap(slog.Default())
	h.permits = topic.NewSemaphore(cfg.maxConcurrent, 100)
	h.sessions = session.NewRegistry(st, nil)
	h.workspaces = session.NewWorkspaces(st, "/srv/workspace", nil)
	h.schedules = schedule.NewService(st, h.outbox, nil, slog.Default())
	h.acks = schedule.NewStartupAcks(st, h.outbox, nil)

	options := defaultEngineOptions()
	if cfg.engineOptions != nil {
		cfg.engineOptions(&options)
	}
	engine := NewEngine(h.model, h.outbox, h.sessions, h.workspaces, h.permits, nil, options, nil)

	// The worker pointer is not assigned yet; the closure resolves it
	// at restart time.
	onRestart := func() {
		if h.worker != nil {
			h.worker.RequestRestart()
		}
	}
	h.dispatcher = NewDispatcher(engine, h.outbox, h.schedules, h.acks, h.workspaces, cfg.parser, onRestart, nil)

	var filter *channel.Filter
	if cfg.filterExpr != "" {
		var err error
		filter, err = channel.NewFilter(cfg.filterExpr, nil, slog.Default())
		require.NoError(t, err)
	}

	h.worker = NewWorker(Deps{
		Port:        port,
		Outbox:      h.outbox,
		Filter:      filter,
		Dispatcher:  h.dispatcher,
		Schedules:   h.schedules,
		StartupAcks: h.acks,
		Queues:      h.queues,
		Permits:     h.permits,
		Sessions:    h.sessions,
		Cursors:     st,
		Metrics:     nil,
	}, WorkerOptions{
		PollInterval:            10 * time.Millisecond,
		StartupAnnounceChatID:   cfg.announceChat,
		StartupAnnounceThreadID: cfg.announceThread,
	}, nil)
	return h
}

func (h *workerHarness) start() {
	h.runDone = make(chan error, 1)
	go func() { h.runDone <- h.worker.Run(h.ctx) }()
}

func (h *workerHarness) stop(t *testing.T) error {
	t.Helper()
	h.worker.Stop()
	return h.wait(t)
}

func (h *workerHarness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.runDone:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop in time")
		return nil
	}
}
