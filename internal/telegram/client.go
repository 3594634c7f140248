package telegram

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// CommandHandler answers an inbound command with the reply text.
type CommandHandler func(ctx context.Context, command string) string

// Bot sends notifications to one chat and answers commands from it. A Bot
// without credentials is disabled and every call is a no-op.
type Bot struct {
	token    string
	chatID   int64
	endpoint string
	client   *http.Client
	logger   *zap.Logger

	mu  sync.Mutex
	api *tgbotapi.BotAPI
}

// New parses chatID; empty token or chat id yields a disabled bot.
func New(token, chatID string, logger *zap.Logger) (*Bot, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bot{
		token:    token,
		endpoint: tgbotapi.APIEndpoint,
		client:   &http.Client{Timeout: 70 * time.Second},
		logger:   logger,
	}
	if token == "" || chatID == "" {
		logger.Warn("Telegram credentials missing, notifications disabled")
		b.token = ""
		return b, nil
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID %q: %w", chatID, err)
	}
	b.chatID = id
	return b, nil
}

func (b *Bot) Enabled() bool { return b.token != "" }

// connect authenticates lazily so startup does not depend on Telegram.
func (b *Bot) connect() (*tgbotapi.BotAPI, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.api != nil {
		return b.api, nil
	}
	api, err := tgbotapi.NewBotAPIWithClient(b.token, b.endpoint, b.client)
	if err != nil {
		return nil, fmt.Errorf("telegram connect: %w", err)
	}
	b.logger.Info("Telegram connected", zap.String("bot", api.Self.UserName))
	b.api = api
	return api, nil
}

// Notify sends text to the configured chat.
func (b *Bot) Notify(text string) error {
	if !b.Enabled() {
		return nil
	}
	api, err := b.connect()
	if err != nil {
		return err
	}
	b.logger.Debug("Telegram notify", zap.String("text", text))
	if _, err := api.Send(tgbotapi.NewMessage(b.chatID, text)); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Listen long-polls for commands until ctx is done. Messages from any chat
// other than the configured one are ignored.
func (b *Bot) Listen(ctx context.Context, handler CommandHandler) error {
	if !b.Enabled() {
		return nil
	}
	api, err := b.connect()
	if err != nil {
		return err
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := api.GetUpdatesChan(u)
	defer api.StopReceivingUpdates()

	b.logger.Info("Telegram listener started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Message == nil || up.Message.Text == "" {
				continue
			}
			if up.Message.Chat.ID != b.chatID {
				b.logger.Warn("Ignoring command from unauthorized chat", zap.Int64("chat_id", up.Message.Chat.ID))
				continue
			}
			reply := handler(ctx, up.Message.Text)
			if reply == "" {
				continue
			}
			if _, err := api.Send(tgbotapi.NewMessage(b.chatID, reply)); err != nil {
				b.logger.Warn("Telegram reply failed", zap.Error(err))
			}
		}
	}
}
