package artifacts

import (
	"archive/zip"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/borak/pkg/chat"
)

var extensions = map[string]string{
	"python":     "py",
	"javascript": "js",
	"typescript": "ts",
	"html":       "html",
	"css":        "css",
	"json":       "json",
	"yaml":       "yaml",
	"yml":        "yml",
	"markdown":   "md",
	"java":       "java",
	"cpp":        "cpp",
	"c":          "c",
	"go":         "go",
	"rust":       "rs",
	"ruby":       "rb",
	"php":        "php",
	"shell":      "sh",
	"bash":       "sh",
	"sql":        "sql",
}

// Extension maps a language tag to a file extension; unknown tags get "txt".
func Extension(lang string) string {
	if ext, ok := extensions[strings.ToLower(lang)]; ok {
		return ext
	}
	return "txt"
}

// fileExtension picks the extension of an exported artifact: the language for code, markdown
// for prose.
func fileExtension(a chat.Artifact) string {
	if a.Type != chat.ArtifactCode {
		return "md"
	}
	return Extension(a.Language)
}

// ExportName is the archive path of the index-th (0-based) artifact of its bucket,
// "<type>s/<n>_<title>.<ext>" with the title cut at 30 characters.
func ExportName(a chat.Artifact, index int) string {
	title := a.Title
	if title == "" {
		title = "artifact"
	}
	if r := []rune(title); len(r) > 30 {
		title = string(r[:30])
	}
	title = strings.ReplaceAll(title, " ", "_")
	title = strings.ReplaceAll(title, "/", "_")
	return fmt.Sprintf("%ss/%d_%s.%s", a.Type, index+1, title, fileExtension(a))
}

// WriteZip writes every artifact of set into a zip archive on w.
func WriteZip(w io.Writer, set chat.ArtifactSet) error {
	zw := zip.NewWriter(w)
	for _, t := range chat.ArtifactTypes {
		for i, a := range set[t] {
			a.Type = t
			f, err := zw.Create(ExportName(a, i))
			if err != nil {
				return errors.Wrap(err, "create zip entry")
			}
			if _, err := io.WriteString(f, a.Content); err != nil {
				return errors.Wrap(err, "write zip entry")
			}
		}
	}
	return errors.Wrap(zw.Close(), "close zip")
}
