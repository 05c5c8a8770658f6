package telegram

import "strings"

// Жёсткий лимит Telegram на длину одного сообщения.
const messageLimit = 4096

// SplitMessage разбивает текст на части не длиннее limit рун. Предпочитает
// резать по переводам строк, чтобы не ломать форматированные блоки.
// Значение limit вне (0, 4096] заменяется лимитом Telegram.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 || limit > messageLimit {
		limit = messageLimit
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	runes := []rune(trimmed)
	if len(runes) <= limit {
		return []string{trimmed}
	}

	var parts []string
	for start := 0; start < len(runes); {
		end := start + limit
		if end >= len(runes) {
			chunk := strings.Trim(string(runes[start:]), "\n")
			if chunk != "" {
				parts = append(parts, chunk)
			}
			break
		}

		split := -1
		for i := end; i > start; i-- {
			if runes[i-1] == '\n' {
				split = i
				break
			}
		}
		if split == -1 {
			split = end
		}

		chunk := strings.Trim(string(runes[start:split]), "\n")
		if chunk != "" {
			parts = append(parts, chunk)
		}

		start = split
		for start < len(runes) && runes[start] == '\n' {
			start++
		}
	}

	if len(parts) == 0 {
		return []string{trimmed}
	}

	return parts
}
