// Package notify tells operators about actions that will not be retried
// automatically.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"fieldsync/internal/domain"
	"fieldsync/internal/logging"
	"fieldsync/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

const maxErrorLen = 300

// TelegramNotifier posts terminally failed actions to a chat.
type TelegramNotifier struct {
	bot    domain.TelegramSender
	chatID int64
	logger zerolog.Logger
}

func NewTelegramNotifier(bot domain.TelegramSender, chatID int64, logger *zerolog.Logger) *TelegramNotifier {
	l := logging.Component(logger, "telegram_notifier")
	return &TelegramNotifier{bot: bot, chatID: chatID, logger: l}
}

// NewTelegramBot connects to the Bot API with token.
func NewTelegramBot(token string) (*tgbotapi.BotAPI, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram bot token is empty")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot: %w", err)
	}
	return bot, nil
}

// ActionFailed implements domain.FailureSink.
func (n *TelegramNotifier) ActionFailed(ctx context.Context, action models.QueuedAction, cause error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(n.chatID, FormatFailure(action, cause))
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := n.bot.Send(msg); err != nil {
		return fmt.Errorf("send telegram notification: %w", err)
	}
	n.logger.Debug().Str("action_id", action.ID).Int64("chat_id", n.chatID).Msg("Failure notification sent")
	return nil
}

// FormatFailure renders the Markdown notification text for action.
func FormatFailure(action models.QueuedAction, cause error) string {
	reason := action.LastError
	if cause != nil {
		reason = cause.Error()
	}
	if len(reason) > maxErrorLen {
		reason = reason[:maxErrorLen] + "..."
	}
	esc := func(s string) string { return tgbotapi.EscapeText(tgbotapi.ModeMarkdown, s) }

	var b strings.Builder
	b.WriteString("*Action failed*\n")
	fmt.Fprintf(&b, "Type: `%s`\n", action.Type)
	fmt.Fprintf(&b, "Target: %s\n", esc(action.TargetID))
	fmt.Fprintf(&b, "Attempts: %d/%d\n", action.RetryCount, action.MaxRetries)
	fmt.Fprintf(&b, "ID: `%s`\n", action.ID)
	if reason != "" {
		fmt.Fprintf(&b, "Error: %s\n", esc(reason))
	}
	b.WriteString("Use retry to requeue failed actions.")
	return b.String()
}
