// Package telegram implements the chat.Collaborator contract over the
// Telegram Bot API, restricted to a single configured operator chat.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/execbroker/broker/internal/chat"
	"github.com/execbroker/broker/internal/config"
)

// Channel drives approval prompts over a single Telegram chat.
type Channel struct {
	token      string
	operatorID int64

	bot    *tgbotapi.BotAPI
	events chan chat.Event
	stopCh chan struct{}
}

// New builds a Telegram collaborator from configuration. The bot is not
// contacted until Start is called.
func New(cfg config.TelegramConfig) (*Channel, error) {
	operatorID, err := strconv.ParseInt(strings.TrimSpace(cfg.Operator), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram: invalid operator chat id %q: %w", cfg.Operator, err)
	}
	return &Channel{
		token:      cfg.Token,
		operatorID: operatorID,
		events:     make(chan chat.Event, 16),
		stopCh:     make(chan struct{}),
	}, nil
}

// Start connects to Telegram and begins delivering inbound events.
func (c *Channel) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(c.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	c.bot = bot
	slog.Info("telegram collaborator connected", "username", bot.Self.UserName)

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 60
	updates := bot.GetUpdatesChan(updateConfig)

	go func() {
		defer close(c.events)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				c.handleUpdate(update)
			}
		}
	}()
	return nil
}

func (c *Channel) handleUpdate(update tgbotapi.Update) {
	if update.CallbackQuery != nil {
		c.handleCallback(update.CallbackQuery)
		return
	}
	if update.Message != nil {
		c.handleMessage(update.Message)
	}
}

func (c *Channel) handleCallback(cb *tgbotapi.CallbackQuery) {
	if cb.From == nil || cb.From.ID != c.operatorID {
		slog.Debug("ignoring callback from non-operator sender", "sender_id", cb.From)
		return
	}
	if c.bot != nil {
		ack := tgbotapi.NewCallback(cb.ID, "")
		_, _ = c.bot.Request(ack)
	}

	var handle string
	if cb.Message != nil {
		handle = messageHandle(cb.Message.Chat.ID, cb.Message.MessageID)
	}
	c.events <- chat.Event{
		Kind:     chat.EventButtonClick,
		Handle:   handle,
		Payload:  cb.Data,
		SenderID: strconv.FormatInt(cb.From.ID, 10),
	}
}

func (c *Channel) handleMessage(msg *tgbotapi.Message) {
	if msg.From == nil || msg.From.ID != c.operatorID {
		return
	}
	text := msg.Text
	if text == "" {
		return
	}

	var replyTo string
	if msg.ReplyToMessage != nil {
		replyTo = messageHandle(msg.Chat.ID, msg.ReplyToMessage.MessageID)
	}
	c.events <- chat.Event{
		Kind:     chat.EventTextMessage,
		Handle:   messageHandle(msg.Chat.ID, msg.MessageID),
		ReplyTo:  replyTo,
		Text:     text,
		SenderID: strconv.FormatInt(msg.From.ID, 10),
	}
}

// Events returns the inbound event stream.
func (c *Channel) Events() <-chan chat.Event {
	return c.events
}

// Send posts a new message to the operator chat.
func (c *Channel) Send(ctx context.Context, text string, keyboard *chat.Keyboard) (string, error) {
	if c.bot == nil {
		return "", fmt.Errorf("telegram: not started")
	}
	msg := tgbotapi.NewMessage(c.operatorID, text)
	msg.ParseMode = "HTML"
	if keyboard != nil {
		msg.ReplyMarkup = toInlineKeyboard(keyboard)
	}

	sent, err := c.bot.Send(msg)
	if err != nil {
		return "", fmt.Errorf("telegram send: %w", err)
	}
	return messageHandle(sent.Chat.ID, sent.MessageID), nil
}

// Edit updates a previously sent message in place.
func (c *Channel) Edit(ctx context.Context, handle, text string, keyboard *chat.Keyboard) error {
	if c.bot == nil {
		return fmt.Errorf("telegram: not started")
	}
	chatID, messageID, err := parseHandle(handle)
	if err != nil {
		return err
	}

	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edit.ParseMode = "HTML"
	if keyboard != nil {
		markup := toInlineKeyboard(keyboard)
		edit.ReplyMarkup = &markup
	}
	_, err = c.bot.Send(edit)
	if err != nil {
		return fmt.Errorf("telegram edit: %w", err)
	}
	return nil
}

// Delete removes a previously sent message. Best-effort: Telegram
// rejects deletes on messages older than 48 hours, which callers must
// tolerate rather than treat as a correctness failure.
func (c *Channel) Delete(ctx context.Context, handle string) error {
	if c.bot == nil {
		return fmt.Errorf("telegram: not started")
	}
	chatID, messageID, err := parseHandle(handle)
	if err != nil {
		return err
	}
	_, err = c.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID))
	if err != nil {
		slog.Warn("telegram delete failed", "handle", handle, "error", err)
	}
	return nil
}

// Stop halts update polling and closes the event channel.
func (c *Channel) Stop() error {
	close(c.stopCh)
	if c.bot != nil {
		c.bot.StopReceivingUpdates()
	}
	return nil
}

func toInlineKeyboard(k *chat.Keyboard) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(k.Rows))
	for _, row := range k.Rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Payload))
		}
		rows = append(rows, buttons)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func messageHandle(chatID int64, messageID int) string {
	return fmt.Sprintf("%d:%d", chatID, messageID)
}

func parseHandle(handle string) (chatID int64, messageID int, err error) {
	parts := strings.SplitN(handle, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("telegram: malformed message handle %q", handle)
	}
	chatID, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("telegram: malformed chat id in handle %q: %w", handle, err)
	}
	messageIDValue, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("telegram: malformed message id in handle %q: %w", handle, err)
	}
	return chatID, messageIDValue, nil
}
