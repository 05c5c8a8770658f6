package pipeline

import (
	"fmt"
	"strings"
	"time"

	"tg-digest-pipeline/internal/domain"
)

// Больше в одну строку хроники не помещаем.
const defaultClipRunes = 1500

// formatRawDigest собирает детерминированную хронику окна (from, to].
// Сообщения идут по возрастанию dt и msg_id, текст каждого обрезается.
func formatRawDigest(ch domain.Channel, messages []domain.Message, from, to int64, clipRunes int) string {
	if clipRunes <= 0 {
		clipRunes = defaultClipRunes
	}
	ts := time.Now().UTC().Format("2006-01-02T15:04:05Z")

	lines := []string{
		"# Increment digest",
		"",
		fmt.Sprintf("Channel: %s (ID: %d)", ch.Title, ch.PeerID),
		fmt.Sprintf("Window: msg_id (%d, %d]", from, to),
		"Generated: " + ts,
		fmt.Sprintf("Messages: %d", len(messages)),
		"",
	}

	for _, msg := range messages {
		dt := "?"
		if !msg.Date.IsZero() {
			dt = msg.Date.Format("2006-01-02 15:04:05")
		}
		sender := strings.TrimSpace(msg.SenderName)
		if sender == "" {
			sender = "[NO_SENDER]"
		}
		text := msg.Text
		if text == "" {
			text = "[EMPTY]"
		}
		text = strings.ReplaceAll(clipText(text, clipRunes), "\n", " ")
		lines = append(lines, fmt.Sprintf("- **%s** `msg_id=%d` **%s**: %s", dt, msg.MsgID, sender, text))
	}
	return strings.Join(lines, "\n")
}

func clipText(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}

// hasUsableContent сообщает, есть ли в окне хоть что-то для генерации:
// непустой текст сообщений или распознанный текст вложений.
func hasUsableContent(messages []domain.Message, ocrTexts []domain.OCRResult) bool {
	for _, m := range messages {
		if strings.TrimSpace(m.Text) != "" {
			return true
		}
	}
	for _, o := range ocrTexts {
		if strings.TrimSpace(o.Text) != "" {
			return true
		}
	}
	return false
}

// digestFileName — имя markdown-файла дайджеста для отправки и публикации.
func digestFileName(ch domain.Channel, d domain.Digest, now time.Time) string {
	return fmt.Sprintf("digest_%d_%d_%d_%s.md", ch.PeerID, d.MsgIDFrom, d.MsgIDTo, now.UTC().Format("20060102T150405"))
}

// digestDocument — полный markdown-документ дайджеста для файловой доставки.
func digestDocument(ch domain.Channel, d domain.Digest, changesSummary string, now time.Time) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Дайджест по чату: %s\n", ch.Title)
	fmt.Fprintf(&sb, "Чат ID: %d\n", ch.PeerID)
	fmt.Fprintf(&sb, "Период: msg_id (%d, %d]\n", d.MsgIDFrom, d.MsgIDTo)
	fmt.Fprintf(&sb, "Сгенерировано: %s\n\n", now.UTC().Format("2006-01-02 15:04:05 UTC"))
	sb.WriteString(d.LLMText)
	sb.WriteString("\n")
	if changesSummary != "" {
		fmt.Fprintf(&sb, "\n---\n## Изменения в сводном документе (чат: %s)\n\n%s\n", ch.Title, changesSummary)
	}
	return sb.String()
}

// digestMessageText — текст дайджеста для отправки сообщением с учётом
// настроек доставки канала.
func digestMessageText(ch domain.Channel, d domain.Digest, changesSummary string) string {
	header := fmt.Sprintf("📊 *Дайджест по чату:* %s\nЧат ID: `%d`\n\n", ch.Title, ch.PeerID)

	text := d.LLMText
	maxChars := ch.Delivery.TextMaxChars
	if maxChars > 0 && ch.Delivery.SummaryOnly {
		if len([]rune(text)) > maxChars {
			text = clipText(text, maxChars) + "…"
		}
	} else {
		text = clipText(text, 3500)
	}

	if changesSummary != "" {
		text += fmt.Sprintf("\n\n---\n_Изменения в сводном документе (чат: %s):_\n%s", ch.Title, changesSummary)
	}
	return header + text
}
