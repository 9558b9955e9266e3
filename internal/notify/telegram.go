package notify

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	tele "gopkg.in/telebot.v4"
)

// TelegramConfig configures the optional Telegram transport: the report and
// its attachments are posted to a single chat instead of being mailed.
// Recipient addresses are ignored; chat membership decides who sees it.
type TelegramConfig struct {
	Token  string
	ChatID int64
}

type TelegramTransport struct {
	bot  *tele.Bot
	chat tele.ChatID
}

func NewTelegramTransport(cfg TelegramConfig) (*TelegramTransport, error) {
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
		// The transport only sends; no handler loop is started.
		Synchronous: true,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return &TelegramTransport{bot: b, chat: tele.ChatID(cfg.ChatID)}, nil
}

func (t *TelegramTransport) Send(ctx context.Context, bcc []string, subject, body string, attachments []Attachment) error {
	text := subject
	if body != "" {
		text = subject + "\n\n" + body
	}
	if _, err := t.bot.Send(t.chat, text); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	for _, a := range attachments {
		doc := &tele.Document{
			File:     tele.FromDisk(a.Path),
			FileName: filepath.Base(a.Path),
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.bot.Send(t.chat, doc); err != nil {
			return fmt.Errorf("telegram attachment %s: %w", a.Title, err)
		}
	}
	return nil
}
