package approval

import "strings"

const messageLimit = 4096

// splitMessage разбивает текст на части в пределах лимита Telegram,
// предпочитая границы строк. Строка длиннее лимита режется по рунам.
func splitMessage(text string) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	var (
		parts   []string
		current []rune
	)
	flush := func() {
		chunk := strings.Trim(string(current), "\n")
		if chunk != "" {
			parts = append(parts, chunk)
		}
		current = current[:0]
	}

	for _, line := range strings.Split(trimmed, "\n") {
		runes := []rune(line)
		for len(runes) > messageLimit {
			flush()
			parts = append(parts, string(runes[:messageLimit]))
			runes = runes[messageLimit:]
		}
		if len(current)+len(runes)+1 > messageLimit {
			flush()
		}
		if len(current) > 0 {
			current = append(current, '\n')
		}
		current = append(current, runes...)
	}
	flush()

	if len(parts) == 0 {
		return []string{trimmed}
	}
	return parts
}
