// Package notify implements best-effort delivery of task completion
// notifications to an external chat channel. It adapts the teacher's
// Telegram channel adapter (plugin/chat_apps/channels/telegram) down
// to the single outbound call the task executor needs: tell someone a
// background task finished.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hrygo/ccgateway/internal/taskstore"
)

// NoOp never sends anything. It is the default when no Telegram bot
// token is configured.
type NoOp struct{}

func (NoOp) Notify(ctx context.Context, ownerFingerprint string, task *taskstore.Task) error {
	return nil
}

// Telegram delivers a single text message to one configured chat for
// every completed or failed task, regardless of owner. The teacher's
// channel adapter is per-platform-user; this system has no
// owner-to-chat-id registry, so a single operator chat id configured
// at startup receives every notification.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    *slog.Logger
}

// NewTelegram constructs a Telegram notifier against the given bot
// token and destination chat id.
func NewTelegram(token string, chatID int64, log *slog.Logger) (*Telegram, error) {
	if log == nil {
		log = slog.Default()
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("notify: create telegram bot: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID, log: log}, nil
}

// Notify sends a one-line summary of task's outcome. Delivery failures
// are returned to the caller (the executor logs and swallows them);
// Notify never blocks on retry.
func (t *Telegram) Notify(ctx context.Context, ownerFingerprint string, task *taskstore.Task) error {
	text := summarize(task)
	msg := tgbotapi.NewMessage(t.chatID, text)
	_, err := t.bot.Send(msg)
	if err != nil {
		return fmt.Errorf("notify: send telegram message: %w", err)
	}
	return nil
}

func summarize(task *taskstore.Task) string {
	switch task.Status {
	case taskstore.StatusCompleted:
		return fmt.Sprintf("task %s completed (%dms)\n%s", task.ID, task.DurationMillis, truncate(task.Result, 500))
	case taskstore.StatusFailed:
		return fmt.Sprintf("task %s failed: %s", task.ID, task.FailureReason)
	default:
		return fmt.Sprintf("task %s: %s", task.ID, task.Status)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
