package artifacts

import (
	"bytes"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/go-go-golems/borak/pkg/chat"
	"github.com/go-go-golems/borak/pkg/markup"
)

var (
	previewOnce   sync.Once
	previewMD     goldmark.Markdown
	previewPolicy *bluemonday.Policy
)

func previewRenderer() (goldmark.Markdown, *bluemonday.Policy) {
	previewOnce.Do(func() {
		previewMD = goldmark.New(goldmark.WithExtensions(extension.GFM))
		previewPolicy = bluemonday.UGCPolicy()
		previewPolicy.AllowAttrs("class").Matching(bluemonday.SpaceSeparatedTokens).OnElements("code")
	})
	return previewMD, previewPolicy
}

// RenderPreview renders an artifact as HTML. Code goes through the chat formatter so it looks
// like it did in the conversation; prose artifacts are rendered as markdown. With sanitize
// set the result also passes an allow-list policy. Raw HTML in the input is escaped or
// dropped either way.
func RenderPreview(a chat.Artifact, sanitize bool) (string, error) {
	if a.Type == chat.ArtifactCode {
		fenced := "```" + a.Language + "\n" + a.Content + "\n```"
		if sanitize {
			return markup.FormatSafe(fenced), nil
		}
		return markup.Format(fenced), nil
	}
	md, policy := previewRenderer()
	var buf bytes.Buffer
	if err := md.Convert([]byte(a.Content), &buf); err != nil {
		return "", errors.Wrapf(err, "render artifact %d", a.ID)
	}
	if !sanitize {
		return buf.String(), nil
	}
	return string(policy.SanitizeBytes(buf.Bytes())), nil
}
