package bot

import (
	"context"
	"log/slog"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramSender sends messages through the Telegram Bot API.
type TelegramSender struct {
	api *tgbotapi.BotAPI
}

// NewTelegramSender wraps an authenticated bot API client.
func NewTelegramSender(api *tgbotapi.BotAPI) *TelegramSender {
	return &TelegramSender{api: api}
}

// SendMessage sends text to chatID and returns the message ID.
func (s *TelegramSender) SendMessage(ctx context.Context, chatID int64, text string, html bool) (int64, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	if html {
		msg.ParseMode = tgbotapi.ModeHTML
		msg.DisableWebPagePreview = true
	}

	sent, err := s.api.Send(msg)
	if err != nil {
		slog.Warn("failed to send message", "chat_id", chatID, "error", err)
		return 0, err
	}
	return int64(sent.MessageID), nil
}

// Poll receives updates until ctx is cancelled and hands every text message
// to handler. Each message is handled in its own goroutine so a long /fetch
// does not hold up other commands.
func Poll(ctx context.Context, api *tgbotapi.BotAPI, handler *CommandHandler) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"message"}

	updates := api.GetUpdatesChan(u)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			api.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			msg := update.Message
			if msg == nil || msg.Text == "" {
				continue
			}

			slog.Info("received message", "chat_id", msg.Chat.ID, "text", msg.Text)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := handler.HandleMessage(ctx, msg.Chat.ID, msg.Text); err != nil {
					slog.Warn("command failed", "chat_id", msg.Chat.ID, "text", msg.Text, "error", err)
				}
			}()
		}
	}
}
