package events

import "strings"

func normalizeToken(token string) string {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return ""
	}
	return strings.ToUpper(trimmed)
}
