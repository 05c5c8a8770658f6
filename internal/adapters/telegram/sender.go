// Package telegram отправляет дайджесты получателям через Bot API.
package telegram

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-digest-pipeline/internal/infra/metrics"
)

// Sender реализует domain.Sender через tgbotapi.
type Sender struct {
	bot       *tgbotapi.BotAPI
	textLimit int
	log       zerolog.Logger
}

// NewSender создаёт отправителя. textLimit ограничивает длину одной части
// текстового сообщения; 0 означает лимит Telegram.
func NewSender(bot *tgbotapi.BotAPI, textLimit int, log zerolog.Logger) *Sender {
	return &Sender{bot: bot, textLimit: textLimit, log: log}
}

// SendText отправляет текст, при необходимости разбивая его на части.
// Части после первой отправляются только при успехе предыдущей, чтобы
// повтор неудачной доставки не плодил дубликатов хвоста.
func (s *Sender) SendText(ctx context.Context, telegramID int64, text string) error {
	parts := SplitMessage(text, s.textLimit)
	if len(parts) == 0 {
		return nil
	}
	for i, part := range parts {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(telegramID, part)
		msg.ParseMode = tgbotapi.ModeMarkdown
		msg.DisableWebPagePreview = true

		start := time.Now()
		_, err := s.bot.Send(msg)
		if err != nil {
			// Markdown в пользовательском тексте бывает битым, пробуем без разметки.
			msg.ParseMode = ""
			_, err = s.bot.Send(msg)
		}
		metrics.ObserveNetworkRequest("telegram", "send_message", "bot_api", start, err)
		if err != nil {
			return fmt.Errorf("отправка части %d/%d: %w", i+1, len(parts), err)
		}
	}
	s.log.Debug().Int64("telegram_id", telegramID).Int("parts", len(parts)).Msg("текст отправлен")
	return nil
}

// SendFile отправляет документ с подписью.
func (s *Sender) SendFile(ctx context.Context, telegramID int64, fileName string, data []byte, caption string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc := tgbotapi.NewDocument(telegramID, tgbotapi.FileBytes{Name: fileName, Bytes: data})
	doc.Caption = caption

	start := time.Now()
	_, err := s.bot.Send(doc)
	metrics.ObserveNetworkRequest("telegram", "send_document", "bot_api", start, err)
	if err != nil {
		return fmt.Errorf("отправка файла %s: %w", fileName, err)
	}
	s.log.Debug().Int64("telegram_id", telegramID).Str("file", fileName).Msg("файл отправлен")
	return nil
}
