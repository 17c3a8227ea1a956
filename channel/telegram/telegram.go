// Package telegram implements the Telegram Bot transport.
package telegram

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/hrygo/courier/channel"
)

const (
	// DefaultPollTimeout is the long-poll hold passed to getUpdates, in
	// seconds. Kept short so stop signals are observed promptly; the
	// worker's own poll interval sets the cadence.
	DefaultPollTimeout = 1

	// Telegram allows ~30 messages per second per bot; pace below that.
	sendRatePerSecond = 25
	sendBurst         = 5
)

// Config holds configuration for the Telegram transport.
type Config struct {
	BotToken string
	// PollTimeout overrides DefaultPollTimeout when positive.
	PollTimeout int
}

// Channel implements channel.Port against the Telegram Bot API. Threads are
// reply chains: an inbound reply belongs to the thread of the message it
// replies to, and outbound thread ids become reply targets.
type Channel struct {
	logger      *slog.Logger
	bot         *tgbotapi.BotAPI
	limiter     *rate.Limiter
	pollTimeout int
}

// NewChannel creates a Telegram transport. The token is validated against
// the live API during construction.
func NewChannel(config *Config, logger *slog.Logger) (*Channel, error) {
	bot, err := tgbotapi.NewBotAPI(config.BotToken)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Telegram bot")
	}
	return newChannel(bot, config, logger), nil
}

// NewChannelWithEndpoint targets a self-hosted Bot API server. Tests use
// this to point the transport at a local fixture.
func NewChannelWithEndpoint(config *Config, endpoint string, client *http.Client, logger *slog.Logger) (*Channel, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	bot, err := tgbotapi.NewBotAPIWithClient(config.BotToken, endpoint, client)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Telegram bot")
	}
	return newChannel(bot, config, logger), nil
}

func newChannel(bot *tgbotapi.BotAPI, config *Config, logger *slog.Logger) *Channel {
	bot.Debug = false
	pollTimeout := config.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}
	return &Channel{
		logger:      logger,
		bot:         bot,
		limiter:     rate.NewLimiter(rate.Limit(sendRatePerSecond), sendBurst),
		pollTimeout: pollTimeout,
	}
}

// Username returns the bot account name resolved during construction.
func (c *Channel) Username() string {
	return c.bot.Self.UserName
}

// ReceiveUpdates fetches updates at or after cursor. Every update is
// returned, including ones without a processable message, so the caller can
// advance its cursor past them.
func (c *Channel) ReceiveUpdates(ctx context.Context, cursor *int64) ([]channel.Update, error) {
	cfg := tgbotapi.NewUpdate(0)
	if cursor != nil {
		cfg.Offset = int(*cursor)
	}
	cfg.Timeout = c.pollTimeout
	cfg.AllowedUpdates = []string{"message"}

	updates, err := c.bot.GetUpdates(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch Telegram updates")
	}

	out := make([]channel.Update, 0, len(updates))
	for _, u := range updates {
		out = append(out, channel.Update{
			UpdateID: int64(u.UpdateID),
			Message:  inboundFromUpdate(u),
		})
	}
	return out, nil
}

// inboundFromUpdate maps one raw update onto the relay's inbound form.
// Edits, service messages, and non-text payloads yield nil.
func inboundFromUpdate(u tgbotapi.Update) *channel.InboundMessage {
	msg := u.Message
	if msg == nil || msg.Chat == nil || msg.Text == "" {
		return nil
	}

	in := &channel.InboundMessage{
		ChatID:    msg.Chat.ID,
		MessageID: int64(msg.MessageID),
		Text:      msg.Text,
	}
	if msg.From != nil {
		in.Sender = msg.From.UserName
		if in.Sender == "" {
			in.Sender = msg.From.FirstName
		}
	}
	if msg.ReplyToMessage != nil {
		root := int64(msg.ReplyToMessage.MessageID)
		in.ThreadID = &root
	}
	return in
}

// Send delivers one chunk, pacing below Telegram's per-bot rate limit. A
// reply target the API no longer knows is reported as
// channel.ErrThreadRejected so the outbox can fall back to chat root.
func (c *Channel) Send(ctx context.Context, msg channel.Message) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "send pacing interrupted")
	}

	out := tgbotapi.NewMessage(msg.ChatID, msg.Text)
	if msg.ThreadID != nil {
		out.ReplyToMessageID = int(*msg.ThreadID)
	}
	if msg.HTML {
		out.ParseMode = tgbotapi.ModeHTML
	}
	out.DisableWebPagePreview = true

	if _, err := c.bot.Send(out); err != nil {
		if isThreadRejected(err) {
			return errors.Wrapf(channel.ErrThreadRejected, "telegram: %v", err)
		}
		return errors.Wrap(err, "failed to send Telegram message")
	}
	return nil
}

// isThreadRejected matches the API errors Telegram returns for reply
// targets that no longer exist.
func isThreadRejected(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "replied message not found") ||
		strings.Contains(s, "message to reply not found") ||
		strings.Contains(s, "message thread not found")
}
