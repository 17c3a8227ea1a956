package channel

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pkg/errors"
)

// Outbox is the single outbound path. It chunks long replies, renders
// Markdown, resolves the three-state thread reference against the chat's
// last-seen thread, and downgrades to chat root once when the transport
// rejects a thread id.
type Outbox struct {
	logger   *slog.Logger
	port     Port
	renderer *Renderer
	maxLen   int

	mu          sync.Mutex
	lastThreads map[int64]int64
}

// NewOutbox wraps a transport port. A nil renderer sends plain text;
// maxLen <= 0 selects the transport default.
func NewOutbox(port Port, renderer *Renderer, maxLen int, logger *slog.Logger) *Outbox {
	if maxLen <= 0 {
		maxLen = DefaultMaxMessageLen
	}
	return &Outbox{
		logger:      logger,
		port:        port,
		renderer:    renderer,
		maxLen:      maxLen,
		lastThreads: make(map[int64]int64),
	}
}

// ObserveThread records the last thread seen for a chat, or clears it when
// the message arrived at chat root. Called by the poller for every inbound
// message.
func (o *Outbox) ObserveThread(chatID int64, threadID *int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if threadID == nil {
		delete(o.lastThreads, chatID)
		return
	}
	o.lastThreads[chatID] = *threadID
}

// LastThread returns the last thread observed for a chat, if any.
func (o *Outbox) LastThread(chatID int64) *int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if id, ok := o.lastThreads[chatID]; ok {
		return &id
	}
	return nil
}

// resolveThread maps the outbound reference onto a concrete thread id.
// Explicit references are honored as stored; only the unset form may
// inherit the chat's last-seen thread.
func (o *Outbox) resolveThread(out OutboundMessage) *int64 {
	if out.Thread.IsUnset() {
		return o.LastThread(out.ChatID)
	}
	if id, ok := out.Thread.ID(); ok {
		return &id
	}
	return nil
}

// Send chunks, renders, and delivers one logical reply.
func (o *Outbox) Send(ctx context.Context, out OutboundMessage) error {
	text := out.Text
	if out.Footer != "" {
		text = text + "\n\n" + out.Footer
	}
	chunks := SplitMessage(text, o.maxLen)
	threadID := o.resolveThread(out)

	for _, chunk := range chunks {
		body, asHTML := chunk, false
		if o.renderer != nil {
			body, asHTML = o.renderer.Render(chunk)
		}

		msg := Message{
			ChatID:   out.ChatID,
			ThreadID: threadID,
			Text:     body,
			HTML:     asHTML,
		}
		err := o.port.Send(ctx, msg)
		if err != nil && threadID != nil && errors.Is(err, ErrThreadRejected) {
			o.logger.Warn("thread rejected by transport, retrying at chat root",
				"chat_id", out.ChatID,
				"thread_id", *threadID)
			threadID = nil
			msg.ThreadID = nil
			err = o.port.Send(ctx, msg)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to deliver message to chat %d", out.ChatID)
		}
	}
	return nil
}
