package approval

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"smm-post-bot/internal/domain"
	"smm-post-bot/internal/infra/metrics"
)

// Channel отправляет кандидатов на согласование в операторский чат.
type Channel struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewChannel создаёт канал согласования.
func NewChannel(bot *tgbotapi.BotAPI, chatID int64) *Channel {
	return &Channel{bot: bot, chatID: chatID}
}

// Notify отправляет превью кандидата с кнопками решения и возвращает
// ссылку на сообщение в формате chatID:messageID.
func (c *Channel) Notify(_ context.Context, client domain.Client, candidate domain.PostCandidate) (string, error) {
	msg := tgbotapi.NewMessage(c.chatID, BuildPreview(client, candidate))
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.ReplyMarkup = DecisionKeyboard(candidate.ID)

	start := time.Now()
	sent, err := c.bot.Send(msg)
	metrics.ObserveNetworkRequest("telegram_bot", "send_preview", strconv.FormatInt(c.chatID, 10), start, err)
	if err != nil {
		return "", fmt.Errorf("отправка превью: %w", err)
	}
	return fmt.Sprintf("%d:%d", c.chatID, sent.MessageID), nil
}

// BuildPreview собирает текст превью кандидата для операторского чата.
func BuildPreview(client domain.Client, candidate domain.PostCandidate) string {
	header := fmt.Sprintf("🏢 *%s*", client.Name)
	if client.Industry != "" {
		header += fmt.Sprintf(" (%s)", client.Industry)
	}
	lines := []string{header}
	if client.City != "" {
		lines = append(lines, "📍 "+client.City)
	}
	meta := fmt.Sprintf("🗂 %s · slot %s", candidate.Category, candidate.SlotTime.Format("02 Jan 15:04"))
	if len(candidate.Platforms) > 0 {
		meta += " · " + strings.Join(candidate.Platforms, ", ")
	}
	lines = append(lines, meta)
	if candidate.MediaURL != "" {
		lines = append(lines, "🖼 "+candidate.MediaURL)
	}
	lines = append(lines, "", candidate.Text)
	return strings.Join(lines, "\n")
}

// DecisionKeyboard возвращает кнопки решений по кандидату.
func DecisionKeyboard(candidateID string) *tgbotapi.InlineKeyboardMarkup {
	markup := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Approve", "approve:"+candidateID),
			tgbotapi.NewInlineKeyboardButtonData("❌ Reject", "reject:"+candidateID),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔁 Regenerate", "regen:"+candidateID),
			tgbotapi.NewInlineKeyboardButtonData("✏️ Customise", "custom:"+candidateID),
		),
	)
	return &markup
}
