package markup

import (
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// Escape replaces the three HTML-significant characters.
func Escape(s string) string {
	return htmlEscaper.Replace(s)
}

// knownLanguages are the fence tags that keep their own code class.
var knownLanguages = map[string]struct{}{
	"python": {}, "py": {}, "javascript": {}, "js": {}, "typescript": {}, "ts": {},
	"html": {}, "css": {}, "json": {}, "yaml": {}, "yml": {}, "markdown": {}, "md": {},
	"java": {}, "cpp": {}, "c": {}, "go": {}, "rust": {}, "ruby": {}, "php": {},
	"shell": {}, "bash": {}, "sh": {}, "sql": {}, "text": {}, "xml": {}, "toml": {},
	"kotlin": {}, "swift": {}, "csharp": {}, "lua": {}, "r": {}, "dockerfile": {},
}

// CodeClass returns the CSS class for a fence info word.
func CodeClass(lang string) string {
	lang = strings.ToLower(lang)
	if _, ok := knownLanguages[lang]; ok {
		return "language-" + lang
	}
	return "language-text"
}

// Format renders raw model or user text as HTML.
//
// The input is escaped first, unconditionally, and the structural substitutions run over the
// escaped text. No character of the input can therefore reach the output as markup.
func Format(raw string) string {
	if raw == "" {
		return ""
	}
	escaped := Escape(raw)

	var b strings.Builder
	b.Grow(len(escaped) + len(escaped)/4)
	for _, tok := range Tokenize(escaped) {
		switch tok.Kind {
		case KindFence:
			b.WriteString(`<pre><code class="`)
			b.WriteString(CodeClass(tok.Lang))
			b.WriteString(`">`)
			b.WriteString(tok.Text)
			b.WriteString(`</code></pre>`)
		case KindText:
			writeInline(&b, TokenizeInline(tok.Text))
		default:
			// headings and think blocks are not restyled
			writeInline(&b, TokenizeInline(tok.Raw))
		}
	}
	return b.String()
}

func writeInline(b *strings.Builder, toks []Token) {
	for _, tok := range toks {
		switch tok.Kind {
		case KindInlineCode:
			b.WriteString("<code>")
			b.WriteString(tok.Text)
			b.WriteString("</code>")
		case KindBold:
			b.WriteString("<strong>")
			writeInline(b, tok.Children)
			b.WriteString("</strong>")
		case KindItalic:
			b.WriteString("<em>")
			writeInline(b, tok.Children)
			b.WriteString("</em>")
		case KindLink:
			if !safeURL(tok.URL) {
				b.WriteString(tok.Raw)
				continue
			}
			b.WriteString(`<a href="`)
			b.WriteString(tok.URL)
			b.WriteString(`" target="_blank" rel="noopener noreferrer">`)
			writeInline(b, tok.Children)
			b.WriteString("</a>")
		default:
			b.WriteString(tok.Raw)
		}
	}
}

// safeURL rejects targets that could break out of the href attribute or run script.
func safeURL(u string) bool {
	if strings.ContainsAny(u, "\"' \t\n\r`") {
		return false
	}
	lower := strings.ToLower(u)
	if i := strings.IndexByte(lower, ':'); i >= 0 {
		scheme := lower[:i]
		if strings.ContainsAny(scheme, "/?#") {
			return true
		}
		switch scheme {
		case "http", "https", "mailto":
			return true
		}
		return false
	}
	return true
}

var (
	policyOnce sync.Once
	policy     *bluemonday.Policy
)

// sanitizePolicy allows exactly the markup Format produces.
func sanitizePolicy() *bluemonday.Policy {
	policyOnce.Do(func() {
		p := bluemonday.NewPolicy()
		p.AllowElements("pre", "strong", "em")
		p.AllowAttrs("class").Matching(bluemonday.SpaceSeparatedTokens).OnElements("code")
		p.AllowStandardURLs()
		p.AllowAttrs("href").OnElements("a")
		p.AllowAttrs("target").Matching(bluemonday.Paragraph).OnElements("a")
		p.AllowAttrs("rel").Matching(bluemonday.SpaceSeparatedTokens).OnElements("a")
		p.AllowElements("code")
		policy = p
	})
	return policy
}

// Sanitize runs HTML produced by Format through an allow-list policy.
func Sanitize(html string) string {
	return sanitizePolicy().Sanitize(html)
}

// FormatSafe is Format followed by Sanitize.
func FormatSafe(raw string) string {
	return Sanitize(Format(raw))
}
