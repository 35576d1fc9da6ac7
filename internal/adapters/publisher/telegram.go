package publisher

import (
	"context"
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"smm-post-bot/internal/infra/metrics"
)

// Telegram публикует посты в канал клиентского аккаунта через Bot API.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegram создаёт телеграм-площадку.
func NewTelegram(bot *tgbotapi.BotAPI, chatID int64) *Telegram {
	return &Telegram{bot: bot, chatID: chatID}
}

// Platform возвращает имя площадки.
func (p *Telegram) Platform() string { return "telegram" }

// Publish отправляет пост в канал. Пост с картинкой уходит фотографией
// с подписью, без картинки — обычным сообщением.
func (p *Telegram) Publish(_ context.Context, text, mediaURL string) (string, error) {
	var (
		sent tgbotapi.Message
		err  error
	)
	start := time.Now()
	if mediaURL != "" {
		photo := tgbotapi.NewPhoto(p.chatID, tgbotapi.FileURL(mediaURL))
		photo.Caption = text
		sent, err = p.bot.Send(photo)
	} else {
		sent, err = p.bot.Send(tgbotapi.NewMessage(p.chatID, text))
	}
	metrics.ObserveNetworkRequest("telegram_bot", "publish_post", strconv.FormatInt(p.chatID, 10), start, err)
	if err != nil {
		return "", fmt.Errorf("отправка поста в канал: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}
