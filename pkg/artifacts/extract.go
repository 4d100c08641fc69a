// Package artifacts finds structured pieces of assistant output (code, reasoning, document
// sections) and keeps the per-session artifact index.
package artifacts

import (
	"strings"
	"unicode/utf8"

	"github.com/go-go-golems/borak/pkg/chat"
	"github.com/go-go-golems/borak/pkg/markup"
)

// MinSectionLength is the trimmed body length (in characters) a "## " section needs to
// count as a document.
const MinSectionLength = 50

const thoughtTitle = "Reasoning"

// Extract returns the artifacts found in text, in the order code, thought, document.
func Extract(text string) []chat.Artifact {
	var code, thoughts, docs []chat.Artifact
	walk(text, func(a chat.Artifact) {
		switch a.Type {
		case chat.ArtifactCode:
			code = append(code, a)
		case chat.ArtifactThought:
			thoughts = append(thoughts, a)
		case chat.ArtifactDocument:
			docs = append(docs, a)
		}
	})
	out := make([]chat.Artifact, 0, len(code)+len(thoughts)+len(docs))
	out = append(out, code...)
	out = append(out, thoughts...)
	return append(out, docs...)
}

// Count applies the extraction rules to text and only counts the matches. It is cheap enough
// to run over the whole accumulated text on every streamed delta.
func Count(text string) chat.ArtifactCounts {
	var c chat.ArtifactCounts
	walk(text, func(a chat.Artifact) {
		switch a.Type {
		case chat.ArtifactCode:
			c.Code++
		case chat.ArtifactThought:
			c.Thought++
		case chat.ArtifactDocument:
			c.Document++
		}
	})
	return c
}

func walk(text string, visit func(chat.Artifact)) {
	toks := markup.Tokenize(text)
	for i, tok := range toks {
		switch tok.Kind {
		case markup.KindFence:
			body := strings.TrimSpace(tok.Text)
			if body == "" {
				continue
			}
			lang := tok.Lang
			if lang == "" {
				lang = "text"
			}
			visit(chat.Artifact{Type: chat.ArtifactCode, Language: lang, Title: capitalize(lang) + " Code", Content: body})
		case markup.KindThink:
			body := strings.TrimSpace(tok.Text)
			if body == "" {
				continue
			}
			visit(chat.Artifact{Type: chat.ArtifactThought, Title: thoughtTitle, Content: body})
		case markup.KindHeading:
			// deeper headings only end the previous section
			if tok.Level != 2 {
				continue
			}
			body := sectionBody(toks[i+1:])
			if utf8.RuneCountInString(body) < MinSectionLength || strings.HasPrefix(body, "```") {
				continue
			}
			visit(chat.Artifact{Type: chat.ArtifactDocument, Title: tok.Text, Content: body})
		}
	}
}

// sectionBody joins the tokens up to the next heading.
func sectionBody(toks []markup.Token) string {
	var b strings.Builder
	for _, tok := range toks {
		if tok.Kind == markup.KindHeading {
			break
		}
		b.WriteString(tok.Raw)
	}
	return strings.TrimSpace(b.String())
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return strings.ToUpper(string(r)) + strings.ToLower(s[size:])
}
