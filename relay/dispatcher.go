package relay

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/hrygo/courier/channel"
	"github.com/hrygo/courier/internal/version"
	"github.com/hrygo/courier/relay/schedule"
	"github.com/hrygo/courier/relay/session"
	"github.com/hrygo/courier/relay/topic"
)

const serviceName = "courier"

const (
	welcomeText      = "Hi — I am ready. Tell me what you want to work on."
	restartAckText   = "Acknowledged. Draining and restarting now."
	unknownSlashText = "Unknown slash command. Supported: /start, /restart, /version, /workspace"
)

// reminderRe matches "remind me at|on|in <when> to <body>". The first
// " to " ends the time expression.
var reminderRe = regexp.MustCompile(`(?is)^remind me\s+(?:at|on|in)\s+(.+?)\s+to\s+(.+)$`)

// WhenParser resolves reminder time expressions to absolute instants.
// Satisfied by assistant.TimeParser.
type WhenParser interface {
	ParseWhen(ctx context.Context, expression string) (time.Time, error)
}

// Dispatcher recognizes deterministic intents before the model is
// involved. The order of checks is fixed; everything unrecognized is
// delegated to the engine.
type Dispatcher struct {
	logger      *slog.Logger
	engine      *Engine
	sender      Sender
	schedules   *schedule.Service
	startupAcks *schedule.StartupAcks
	workspaces  *session.Workspaces
	timeParser  WhenParser
	onRestart   func()
	now         func() time.Time
	statPath    func(string) error

	mu         sync.Mutex
	chatCounts map[int64]int
}

// NewDispatcher wires the dispatcher. onRestart is invoked, on its own
// goroutine, after a restart intent has been acknowledged.
func NewDispatcher(
	engine *Engine,
	sender Sender,
	schedules *schedule.Service,
	startupAcks *schedule.StartupAcks,
	workspaces *session.Workspaces,
	timeParser WhenParser,
	onRestart func(),
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:      logger,
		engine:      engine,
		sender:      sender,
		schedules:   schedules,
		startupAcks: startupAcks,
		workspaces:  workspaces,
		timeParser:  timeParser,
		onRestart:   onRestart,
		now:         time.Now,
		statPath: func(path string) error {
			_, err := os.Stat(path)
			return err
		},
		chatCounts: make(map[int64]int),
	}
}

// Handle processes one admitted inbound message. It runs inside the
// topic's serial lane.
func (d *Dispatcher) Handle(ctx context.Context, msg *channel.InboundMessage) {
	first := d.bumpChat(msg.ChatID)
	text := strings.TrimSpace(msg.Text)

	switch {
	case text == "/start":
		// One welcome per chat, however many times /start arrives.
		if first {
			d.reply(ctx, msg, welcomeText)
		}
		return

	case text == "/restart" || strings.EqualFold(text, "restart assistant"):
		d.logger.Info("restart requested", "chat_id", msg.ChatID)
		d.reply(ctx, msg, restartAckText)
		d.startupAcks.Enqueue(ctx, msg.ChatID, msg.ThreadID)
		if d.onRestart != nil {
			// The callback drains the queues, which includes waiting for
			// this very task; it must not run inside it.
			go d.onRestart()
		}
		return

	case text == "/version":
		d.reply(ctx, msg, serviceName+" "+version.StringFull())
		return

	case text == "/workspace":
		key := topic.NewKey(msg.ChatID, msg.ThreadID)
		d.reply(ctx, msg, "Current workspace: "+d.workspaces.Active(ctx, key))
		return
	}

	if rest, ok := strings.CutPrefix(text, "/workspace "); ok {
		d.handleWorkspaceSet(ctx, msg, strings.TrimSpace(rest))
		return
	}

	if matches := reminderRe.FindStringSubmatch(text); matches != nil {
		if d.handleReminder(ctx, msg, matches[1], matches[2]) {
			return
		}
		// The time expression did not resolve, so this is not a
		// reminder command after all; the model gets to interpret it.
	}

	if strings.HasPrefix(text, "/") {
		d.reply(ctx, msg, unknownSlashText)
		return
	}

	d.engine.RunTurn(ctx, msg)
}

func (d *Dispatcher) handleWorkspaceSet(ctx context.Context, msg *channel.InboundMessage, path string) {
	key := topic.NewKey(msg.ChatID, msg.ThreadID)
	if path == "" {
		d.reply(ctx, msg, "Current workspace: "+d.workspaces.Active(ctx, key))
		return
	}
	if err := d.statPath(path); err != nil {
		d.reply(ctx, msg, "path does not exist")
		return
	}
	d.workspaces.SetActive(ctx, key, path)
	d.logger.Info("workspace switched", "topic_key", key, "path", path)
	d.reply(ctx, msg, "Workspace set to "+path)
}

// handleReminder schedules the reminder and reports true, or reports
// false when the expression does not name a usable future time.
func (d *Dispatcher) handleReminder(ctx context.Context, msg *channel.InboundMessage, whenExpr, body string) bool {
	if d.timeParser == nil {
		return false
	}
	sendAt, err := d.timeParser.ParseWhen(ctx, whenExpr)
	if err != nil {
		d.logger.Debug("reminder time did not parse", "expression", whenExpr, "error", err)
		return false
	}
	if !sendAt.After(d.now()) {
		d.logger.Debug("reminder time is not in the future", "send_at", sendAt)
		return false
	}

	durable := d.schedules.Enqueue(ctx, msg.ChatID, msg.ThreadID, strings.TrimSpace(body), sendAt)
	notice := fmt.Sprintf("Scheduled reminder for %s.", sendAt.Format(time.RFC3339))
	if !durable {
		notice += "\nStorage is unavailable, so this reminder will not survive a restart."
	}
	d.reply(ctx, msg, notice)
	return true
}

func (d *Dispatcher) bumpChat(chatID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chatCounts[chatID]++
	return d.chatCounts[chatID] == 1
}

func (d *Dispatcher) reply(ctx context.Context, msg *channel.InboundMessage, text string) {
	err := d.sender.Send(ctx, channel.OutboundMessage{
		ChatID: msg.ChatID,
		Thread: replyThread(msg),
		Text:   text,
	})
	if err != nil {
		d.logger.Error("failed to deliver reply", "chat_id", msg.ChatID, "error", err)
	}
}
