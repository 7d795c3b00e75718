// Package notify delivers operator alerts to Telegram.
package notify

import (
	"context"
	"errors"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

var errNotConfigured = errors.New("telegram not configured")

// sender is the part of the bot API used here.
type sender interface {
	Send(c tgbot.Chattable) (tgbot.Message, error)
}

// StatusFunc renders the reply to the /status command.
type StatusFunc func(ctx context.Context) string

// Telegram sends alerts to one chat and answers /status from that chat.
type Telegram struct {
	bot    *tgbot.BotAPI
	out    sender
	chatID int64
	status StatusFunc
	log    *zap.Logger
}

func NewTelegram(token string, chatID int64, status StatusFunc, log *zap.Logger) (*Telegram, error) {
	b, err := tgbot.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Telegram{bot: b, out: b, chatID: chatID, status: status, log: log}, nil
}

// Send implements monitor.AlertSink.
func (t *Telegram) Send(msg string) error {
	if t == nil || t.out == nil || t.chatID == 0 {
		return errNotConfigured
	}
	_, err := t.out.Send(tgbot.NewMessage(t.chatID, msg))
	return err
}

// Start long-polls for commands until ctx is cancelled.
func (t *Telegram) Start(ctx context.Context) {
	if t == nil || t.bot == nil || t.status == nil {
		return
	}
	u := tgbot.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"message"}

	updates := t.bot.GetUpdatesChan(u)
	go func() {
		defer t.bot.StopReceivingUpdates()
		for {
			select {
			case <-ctx.Done():
				return
			case upd := <-updates:
				t.handle(ctx, upd)
			}
		}
	}()
}

func (t *Telegram) handle(ctx context.Context, upd tgbot.Update) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil || msg.Chat.ID != t.chatID || !msg.IsCommand() {
		return
	}
	switch msg.Command() {
	case "status":
		if err := t.Send(t.status(ctx)); err != nil {
			t.log.Warn("status reply failed", zap.Error(err))
		}
	}
}
