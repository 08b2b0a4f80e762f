// Package alert sends operator notifications to Telegram when probes change
// state or a sync run fails.
package alert

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"turnover/internal/events"
	"turnover/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Sender delivers one Telegram message; *tgbotapi.BotAPI satisfies it.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler events.Handler) (func(), error)
}

// NewTelegramSender connects to the bot API with the given token.
func NewTelegramSender(token string) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return bot, nil
}

type Notifier struct {
	sender  Sender
	chatIDs []int64
	logger  *zerolog.Logger
	mu      sync.Mutex
}

func NewNotifier(sender Sender, chatIDs []int64, logger *zerolog.Logger) *Notifier {
	return &Notifier{sender: sender, chatIDs: chatIDs, logger: logger}
}

// Watch subscribes to health and sync log events. The returned func
// unsubscribes from both.
func (n *Notifier) Watch(ctx context.Context, sub Subscriber) (func(), error) {
	stopHealth, err := sub.Subscribe(ctx, events.TopicHealthStatusChanged, func(_ context.Context, evt events.Event) error {
		var change models.HealthStatusChange
		if err := evt.Decode(&change); err != nil {
			return err
		}
		n.HealthChanged(change)
		return nil
	})
	if err != nil {
		return nil, err
	}

	stopLogs, err := sub.Subscribe(ctx, events.TopicSyncLogAppended, func(_ context.Context, evt events.Event) error {
		var entry models.SyncLogEntry
		if err := evt.Decode(&entry); err != nil {
			return err
		}
		n.SyncLogged(entry)
		return nil
	})
	if err != nil {
		stopHealth()
		return nil, err
	}

	return func() {
		stopHealth()
		stopLogs()
	}, nil
}

// HealthChanged alerts on failures and recoveries. Unknown to healthy is
// the normal startup path and stays quiet.
func (n *Notifier) HealthChanged(c models.HealthStatusChange) {
	switch {
	case c.To == models.HealthUnhealthy:
		msg := fmt.Sprintf("🔴 Probe %s is unhealthy", c.Probe)
		if c.Error != "" {
			msg += ": " + c.Error
		}
		n.notify(msg)
	case c.Recovered():
		n.notify(fmt.Sprintf("🟢 Probe %s recovered", c.Probe))
	}
}

// SyncLogged alerts on sync runs that ended in error.
func (n *Notifier) SyncLogged(e models.SyncLogEntry) {
	if e.Status != models.SyncError {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "⚠️ %s %s sync failed", e.Service, e.SyncType)
	if e.ErrorClass != nil {
		fmt.Fprintf(&b, " [%s]", *e.ErrorClass)
	}
	if e.Message != "" {
		b.WriteString("\n")
		b.WriteString(e.Message)
	}
	n.notify(b.String())
}

func (n *Notifier) notify(text string) {
	if n.sender == nil || len(n.chatIDs) == 0 {
		n.logger.Debug().Str("alert", text).Msg("Alert not delivered, no telegram chats configured")
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, chatID := range n.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.DisableWebPagePreview = true
		if _, err := n.sender.Send(msg); err != nil {
			n.logger.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to send alert")
		}
	}
}
