package markup

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// producedTags matches every tag Format is allowed to emit.
var producedTags = regexp.MustCompile(`</?(pre|code|strong|em)>|<code class="language-[a-z]+">|<a href="[^"<>]*" target="_blank" rel="noopener noreferrer">|</a>`)

func TestFormat_Basics(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain", "hello", "hello"},
		{"escape", "a < b && c > d", "a &lt; b &amp;&amp; c &gt; d"},
		{"inline code", "use `go test`", "use <code>go test</code>"},
		{"bold", "**big**", "<strong>big</strong>"},
		{"italic", "*soft*", "<em>soft</em>"},
		{"bold with code", "**`x`**", "<strong><code>x</code></strong>"},
		{"code keeps stars", "`a*b*c`", "<code>a*b*c</code>"},
		{"link", "[docs](https://go.dev)", `<a href="https://go.dev" target="_blank" rel="noopener noreferrer">docs</a>`},
		{"fence", "```go\nfmt.Println(1)\n```", `<pre><code class="language-go">fmt.Println(1)` + "\n" + `</code></pre>`},
		{"fence no lang", "```\nx\n```", `<pre><code class="language-text">x` + "\n" + `</code></pre>`},
		{"fence unknown lang", "```brainfuck\n+\n```", `<pre><code class="language-text">+` + "\n" + `</code></pre>`},
		{"unclosed fence", "```py\nprint(", "```py\nprint("},
		{"unmatched stars", "2 * 3 = 6", "2 * 3 = 6"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Format(tc.in))
		})
	}
}

func TestFormat_EscapesBeforeStructure(t *testing.T) {
	out := Format("```html\n<script>alert(1)</script>\n```")
	require.Contains(t, out, "&lt;script&gt;alert(1)&lt;/script&gt;")
	require.NotContains(t, out, "<script>")
}

func TestFormat_InlineCodeDoesNotCrossFence(t *testing.T) {
	out := Format("a `b\n```go\nx := `raw`\n```\nc` d")
	require.Contains(t, out, `<pre><code class="language-go">x := `+"`raw`\n</code></pre>")
	require.NotContains(t, out, "<code>b")
}

func TestFormat_NeverEmitsInputAngleBrackets(t *testing.T) {
	inputs := []string{
		"<b>bold</b>",
		"**<img src=x onerror=alert(1)>**",
		"*<i>*",
		"[<x>](http://a/<b>)",
		"[click](javascript:alert(1))",
		`[q](http://a" onmouseover="x)`,
		"`<code>`",
		"```<lang\n<body>\n```",
		"```js\n</code></pre><script>x</script>\n```",
		"## <h1>title</h1>\n<think>secret</think>",
		"<<>>&&<>",
	}
	for _, in := range inputs {
		out := Format(in)
		stripped := producedTags.ReplaceAllString(out, "")
		require.False(t, strings.ContainsAny(stripped, "<>"), "input %q produced %q", in, out)
	}
}

func TestFormat_RejectsUnsafeLinks(t *testing.T) {
	require.Equal(t, "[x](javascript:alert(1))", Format("[x](javascript:alert(1))"))
	require.NotContains(t, Format(`[q](http://a" onmouseover="x)`), "<a ")
	require.Contains(t, Format("[rel](/docs/a)"), `<a href="/docs/a"`)
}

func TestFormatSafe(t *testing.T) {
	out := FormatSafe("**hi** `x` ```go\ny\n``` [a](https://example.com)")
	require.Contains(t, out, "<strong>hi</strong>")
	require.Contains(t, out, "<code>x</code>")
	require.Contains(t, out, `class="language-go"`)
	require.Contains(t, out, `href="https://example.com"`)

	out = FormatSafe("<script>alert(1)</script>")
	require.NotContains(t, out, "<script>")
}

func TestCodeClass(t *testing.T) {
	require.Equal(t, "language-go", CodeClass("Go"))
	require.Equal(t, "language-text", CodeClass(""))
	require.Equal(t, "language-text", CodeClass("cobol"))
}
