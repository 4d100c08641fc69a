// Package markup tokenizes model output once and feeds the token stream to both the HTML
// formatter and the artifact indexer.
//
// Block tokens are fenced code, <think> blocks, "##" headings and plain text. Plain text is
// further split into inline tokens (inline code, bold, italic, links) on demand.
package markup

import (
	"strings"
)

type Kind int

const (
	KindText Kind = iota
	KindFence
	KindThink
	KindHeading

	KindInlineCode
	KindBold
	KindItalic
	KindLink
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindFence:
		return "fence"
	case KindThink:
		return "think"
	case KindHeading:
		return "heading"
	case KindInlineCode:
		return "inline-code"
	case KindBold:
		return "bold"
	case KindItalic:
		return "italic"
	case KindLink:
		return "link"
	}
	return "unknown"
}

// Token is a lexical unit of the input. Raw always holds the exact source slice, so
// concatenating the Raw of a token sequence reproduces the input.
type Token struct {
	Kind Kind
	Raw  string

	// Text is the body: fence/think contents, heading title, inline text, link label.
	Text string
	// Lang is the fence info word, empty when absent.
	Lang string
	// Level is the number of '#' of a heading.
	Level int
	// URL is the link target.
	URL string
	// Children holds the inline tokens of bold, italic and link labels.
	Children []Token
}

const (
	fenceMark  = "```"
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// Tokenize splits s into block tokens. An opening fence or <think> without its closing
// counterpart is left as text; this is what a half-streamed message looks like.
func Tokenize(s string) []Token {
	var out []Token
	textStart := 0
	flush := func(end int) {
		if end > textStart {
			out = append(out, Token{Kind: KindText, Raw: s[textStart:end], Text: s[textStart:end]})
		}
	}

	i := 0
	for i < len(s) {
		lineStart := i == 0 || s[i-1] == '\n'
		switch {
		case strings.HasPrefix(s[i:], fenceMark):
			if tok, n, ok := scanFence(s[i:]); ok {
				flush(i)
				out = append(out, tok)
				i += n
				textStart = i
				continue
			}
		case strings.HasPrefix(s[i:], thinkOpen):
			if end := strings.Index(s[i+len(thinkOpen):], thinkClose); end >= 0 {
				flush(i)
				bodyStart := i + len(thinkOpen)
				n := len(thinkOpen) + end + len(thinkClose)
				out = append(out, Token{Kind: KindThink, Raw: s[i : i+n], Text: s[bodyStart : bodyStart+end]})
				i += n
				textStart = i
				continue
			}
		case lineStart && strings.HasPrefix(s[i:], "##"):
			if tok, n, ok := scanHeading(s[i:]); ok {
				flush(i)
				out = append(out, tok)
				i += n
				textStart = i
				continue
			}
		}
		i++
	}
	flush(len(s))
	return out
}

// scanFence matches "```" + optional word + "\n" + body + "```" with the shortest body.
func scanFence(s string) (Token, int, bool) {
	j := len(fenceMark)
	for j < len(s) && isWordByte(s[j]) {
		j++
	}
	if j >= len(s) || s[j] != '\n' {
		return Token{}, 0, false
	}
	lang := s[len(fenceMark):j]
	bodyStart := j + 1
	end := strings.Index(s[bodyStart:], fenceMark)
	if end < 0 {
		return Token{}, 0, false
	}
	n := bodyStart + end + len(fenceMark)
	return Token{Kind: KindFence, Raw: s[:n], Lang: lang, Text: s[bodyStart : bodyStart+end]}, n, true
}

// scanHeading matches a line of two or more '#' followed by whitespace and a title.
// The token includes the line's newline.
func scanHeading(s string) (Token, int, bool) {
	level := 0
	for level < len(s) && s[level] == '#' {
		level++
	}
	if level >= len(s) || (s[level] != ' ' && s[level] != '\t') {
		return Token{}, 0, false
	}
	n := strings.IndexByte(s, '\n')
	line := s
	if n < 0 {
		n = len(s)
	} else {
		line = s[:n]
		n++
	}
	title := strings.TrimSpace(line[level:])
	if title == "" {
		return Token{}, 0, false
	}
	return Token{Kind: KindHeading, Raw: s[:n], Text: title, Level: level}, n, true
}

func isWordByte(b byte) bool {
	return b == '_' || ('0' <= b && b <= '9') || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}

// TokenizeInline splits plain text into inline tokens.
func TokenizeInline(s string) []Token {
	var out []Token
	textStart := 0
	flush := func(end int) {
		if end > textStart {
			out = append(out, Token{Kind: KindText, Raw: s[textStart:end], Text: s[textStart:end]})
		}
	}

	i := 0
	for i < len(s) {
		var (
			tok Token
			n   int
			ok  bool
		)
		switch s[i] {
		case '`':
			tok, n, ok = scanDelimited(s[i:], "`", KindInlineCode, '`')
		case '*':
			if strings.HasPrefix(s[i:], "**") {
				tok, n, ok = scanDelimited(s[i:], "**", KindBold, '*')
			}
			if !ok {
				tok, n, ok = scanDelimited(s[i:], "*", KindItalic, '*')
			}
		case '[':
			tok, n, ok = scanLink(s[i:])
		}
		if ok {
			flush(i)
			out = append(out, tok)
			i += n
			textStart = i
			continue
		}
		i++
	}
	flush(len(s))
	return out
}

// scanDelimited matches delim + body + delim where body is non-empty and free of stop.
func scanDelimited(s, delim string, kind Kind, stop byte) (Token, int, bool) {
	body := s[len(delim):]
	end := strings.IndexByte(body, stop)
	if end <= 0 || !strings.HasPrefix(body[end:], delim) {
		return Token{}, 0, false
	}
	n := len(delim) + end + len(delim)
	tok := Token{Kind: kind, Raw: s[:n], Text: body[:end]}
	if kind != KindInlineCode {
		tok.Children = TokenizeInline(tok.Text)
	}
	return tok, n, true
}

// scanLink matches [label](target) with non-empty label and target.
func scanLink(s string) (Token, int, bool) {
	closeLabel := strings.IndexByte(s, ']')
	if closeLabel <= 1 || closeLabel+1 >= len(s) || s[closeLabel+1] != '(' {
		return Token{}, 0, false
	}
	rest := s[closeLabel+2:]
	closeURL := strings.IndexByte(rest, ')')
	if closeURL <= 0 {
		return Token{}, 0, false
	}
	n := closeLabel + 2 + closeURL + 1
	label := s[1:closeLabel]
	return Token{Kind: KindLink, Raw: s[:n], Text: label, URL: rest[:closeURL], Children: TokenizeInline(label)}, n, true
}
