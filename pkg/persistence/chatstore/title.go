package chatstore

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const maxTitleLength = 50

var titlePrefixes = []string{"can you ", "could you ", "please ", "i want to ", "i need to ", "help me "}

var titleBreaks = []string{". ", "? ", "! ", "\n"}

// SessionTitle derives a session name from the first user message.
func SessionTitle(message string) string {
	title := strings.TrimSpace(message)
	lower := strings.ToLower(title)
	for _, p := range titlePrefixes {
		if strings.HasPrefix(lower, p) {
			title = title[len(p):]
			break
		}
	}

	if r, size := utf8.DecodeRuneInString(title); size > 0 {
		title = string(unicode.ToUpper(r)) + title[size:]
	}

	for _, sep := range titleBreaks {
		idx := strings.Index(title, sep)
		if idx >= 0 && idx+len(sep) <= maxTitleLength {
			title = title[:idx+1]
			break
		}
	}

	if runes := []rune(title); len(runes) > maxTitleLength {
		cut := string(runes[:maxTitleLength-3])
		if i := strings.LastIndex(cut, " "); i >= 0 {
			cut = cut[:i]
		}
		title = cut + "..."
	}

	title = strings.TrimSpace(title)
	if title == "" {
		return "New Chat"
	}
	return title
}
