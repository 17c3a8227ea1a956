package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultMaxTokens       = 2048
	defaultHistoryMessages = 40
	defaultSessionIdle     = 45 * time.Minute
	defaultSessionMax      = 64

	defaultSystemPrompt = "You are OpenCode, a coding assistant working inside the user's workspace. Answer with the final result the user asked for."
)

// Config configures the OpenAI-compatible backend.
type Config struct {
	Model       string
	APIKey      string
	BaseURL     string // empty uses the provider default
	MaxTokens   int
	Temperature float32

	SystemPrompt string

	// Pricing per million tokens, used for the reply cost footer.
	InputCostPerMTok  float64
	OutputCostPerMTok float64

	// Session bookkeeping held adapter-side. A session evicted here is
	// unknown on resume, which the relay treats as session-invalid.
	HistoryMaxMessages int
	SessionIdleTimeout time.Duration
	SessionMaxCount    int
}

type modelSession struct {
	id       string
	history  []openai.ChatCompletionMessage
	lastUsed time.Time
}

// OpenAI is the Port implementation speaking the OpenAI-compatible chat
// API. Conversation history lives in this process, keyed by minted
// session ids; the durable session mapping upstream only stores the id.
type OpenAI struct {
	client *openai.Client
	config Config

	mu       sync.Mutex
	sessions map[string]*modelSession
	inFlight map[string]context.CancelFunc
}

// NewOpenAI creates the backend adapter. BaseURL may point at any
// OpenAI-compatible endpoint.
func NewOpenAI(config Config) (*OpenAI, error) {
	if config.Model == "" {
		return nil, fmt.Errorf("model name is required")
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = defaultMaxTokens
	}
	if config.SystemPrompt == "" {
		config.SystemPrompt = defaultSystemPrompt
	}
	if config.HistoryMaxMessages <= 0 {
		config.HistoryMaxMessages = defaultHistoryMessages
	}
	if config.SessionIdleTimeout <= 0 {
		config.SessionIdleTimeout = defaultSessionIdle
	}
	if config.SessionMaxCount <= 0 {
		config.SessionMaxCount = defaultSessionMax
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	clientConfig.HTTPClient = newHTTPClient()

	return &OpenAI{
		client:   openai.NewClientWithConfig(clientConfig),
		config:   config,
		sessions: make(map[string]*modelSession),
		inFlight: make(map[string]context.CancelFunc),
	}, nil
}

// Respond runs one turn. An empty turn.SessionID mints a fresh session;
// a non-empty id must name a live session or the call fails with
// ErrUnknownSession.
func (o *OpenAI) Respond(ctx context.Context, turn Turn) (*Reply, error) {
	o.mu.Lock()
	o.evictLocked(time.Now())

	sess, err := o.sessionLocked(turn.SessionID)
	if err != nil {
		o.mu.Unlock()
		return nil, err
	}
	messages := o.requestMessagesLocked(sess, turn)

	callCtx, cancel := context.WithCancel(ctx)
	o.inFlight[sess.id] = cancel
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.inFlight, sess.id)
		o.mu.Unlock()
	}()

	slog.Debug("model: chat request",
		"model", o.config.Model,
		"session_id", sess.id,
		"messages_count", len(messages),
	)

	resp, err := o.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model:       o.config.Model,
		MaxTokens:   o.config.MaxTokens,
		Temperature: o.config.Temperature,
		Messages:    messages,
	})
	if err != nil {
		return nil, fmt.Errorf("model call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyReply
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return nil, ErrEmptyReply
	}

	now := time.Now()
	o.mu.Lock()
	sess.history = append(sess.history,
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: turn.Text},
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: text},
	)
	if len(sess.history) > o.config.HistoryMaxMessages {
		sess.history = sess.history[len(sess.history)-o.config.HistoryMaxMessages:]
	}
	sess.lastUsed = now
	o.mu.Unlock()

	usage := Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	usage.Cost = float64(usage.InputTokens)*o.config.InputCostPerMTok/1e6 +
		float64(usage.OutputTokens)*o.config.OutputCostPerMTok/1e6

	return &Reply{
		Text:       text,
		SessionID:  sess.id,
		Usage:      usage,
		Mode:       o.config.Model,
		Confidence: 1,
	}, nil
}

// Complete runs a one-shot system+user exchange with no session state.
// Used for constrained auxiliary prompts such as reminder time parsing.
func (o *OpenAI) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.config.Model,
		MaxTokens:   o.config.MaxTokens,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("model call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyReply
	}
	return resp.Choices[0].Message.Content, nil
}

// Ping sends a one-token request to verify the backend is reachable.
func (o *OpenAI) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     o.config.Model,
		MaxTokens: 1,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "Hi"},
		},
	})
	if err != nil {
		return fmt.Errorf("model ping failed: %w", err)
	}
	return nil
}

// Abort cancels the in-flight call for sessionID, if any.
func (o *OpenAI) Abort(sessionID string) bool {
	o.mu.Lock()
	cancel, ok := o.inFlight[sessionID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// SessionCount reports live adapter-side sessions.
func (o *OpenAI) SessionCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

func (o *OpenAI) sessionLocked(id string) (*modelSession, error) {
	if id == "" {
		sess := &modelSession{id: shortuuid.New(), lastUsed: time.Now()}
		o.sessions[sess.id] = sess
		o.enforceCapLocked()
		slog.Debug("model: minted session", "session_id", sess.id)
		return sess, nil
	}
	sess, ok := o.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownSession, id)
	}
	return sess, nil
}

func (o *OpenAI) requestMessagesLocked(sess *modelSession, turn Turn) []openai.ChatCompletionMessage {
	system := o.config.SystemPrompt
	if turn.WorkspacePath != "" {
		system += "\nActive workspace: " + turn.WorkspacePath
	}
	for _, line := range turn.Context {
		system += "\n" + line
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(sess.history)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: system,
	})
	messages = append(messages, sess.history...)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: turn.Text,
	})
	return messages
}

// evictLocked drops sessions idle past the TTL. Evicted ids become
// unknown on resume.
func (o *OpenAI) evictLocked(now time.Time) {
	for id, sess := range o.sessions {
		if now.Sub(sess.lastUsed) > o.config.SessionIdleTimeout {
			delete(o.sessions, id)
			slog.Info("model: evicted idle session", "session_id", id)
		}
	}
	o.enforceCapLocked()
}

// enforceCapLocked evicts the oldest sessions while over the cap. A
// freshly minted session is never the oldest, so minting under a full
// map pushes out an older one instead.
func (o *OpenAI) enforceCapLocked() {
	for len(o.sessions) > o.config.SessionMaxCount {
		oldestID := ""
		var oldest time.Time
		for id, sess := range o.sessions {
			if oldestID == "" || sess.lastUsed.Before(oldest) {
				oldestID = id
				oldest = sess.lastUsed
			}
		}
		delete(o.sessions, oldestID)
		slog.Info("model: evicted session over cap", "session_id", oldestID)
	}
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Minute,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}
