package cmds

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/borak/pkg/api"
	"github.com/go-go-golems/borak/pkg/chat"
	"github.com/go-go-golems/borak/pkg/config"
	"github.com/go-go-golems/borak/pkg/devserver"
	"github.com/go-go-golems/borak/pkg/generation"
	"github.com/go-go-golems/borak/pkg/markup"
	"github.com/go-go-golems/borak/pkg/persistence/chatstore"
)

func TestSplitCommand(t *testing.T) {
	name, arg, ok := splitCommand("  /Rename  My chat ")
	require.True(t, ok)
	require.Equal(t, "rename", name)
	require.Equal(t, "My chat", arg)

	name, arg, ok = splitCommand("/stop")
	require.True(t, ok)
	require.Equal(t, "stop", name)
	require.Empty(t, arg)

	_, _, ok = splitCommand("hello /stop")
	require.False(t, ok)
	_, _, ok = splitCommand("//etc/hosts is a path")
	require.False(t, ok)
	require.Equal(t, "/etc/hosts is a path", unescapeMessage("//etc/hosts is a path"))
}

func TestWriteOutput(t *testing.T) {
	l := sessionList{Sessions: []chat.Session{{ID: "3", Name: "Go help", MessageCount: 2, Preview: "how do I\nwrite go"}}}

	var buf bytes.Buffer
	require.NoError(t, writeOutput(&buf, OutputJSON, l))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Equal(t, float64(3), decoded["sessions"].([]any)[0].(map[string]any)["id"])

	buf.Reset()
	require.NoError(t, writeOutput(&buf, OutputYAML, l))
	require.Contains(t, buf.String(), "name: Go help")
	require.Contains(t, buf.String(), "has_more: false")

	buf.Reset()
	require.NoError(t, writeOutput(&buf, OutputTable, l))
	require.Contains(t, buf.String(), "Go help")
	require.Contains(t, buf.String(), "how do I write go")

	buf.Reset()
	require.NoError(t, writeOutput(&buf, OutputTable, sessionList{}))
	require.Contains(t, buf.String(), "(none)")

	require.Error(t, writeOutput(&buf, "xml", l))
	require.Error(t, writeOutput(&buf, OutputTable, map[string]string{}))
}

func TestOneLine(t *testing.T) {
	require.Equal(t, "a b c", oneLine("a\n b\tc", 10))
	require.Equal(t, "abcd...", oneLine("abcdefghij", 7))
}

// newTestApp runs a devserver, logs in as ada and stores the credentials the way `borak login`
// does.
func newTestApp(t *testing.T, responder devserver.Responder) *App {
	t.Helper()
	store, err := chatstore.NewSQLiteStore(chatstore.SQLiteMemoryDSN)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	srv, err := devserver.New(devserver.Options{Store: store, Responder: responder, Models: []string{"llama3.2", "llava"}})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ctx := context.Background()
	c, err := api.New(ts.URL)
	require.NoError(t, err)
	require.NoError(t, c.Register(ctx, "ada", "secret1"))
	token, err := c.Login(ctx, "ada", "secret1")
	require.NoError(t, err)

	settings := config.DefaultSettings()
	settings.Server = ts.URL
	app := &App{Settings: settings, CredentialsPath: filepath.Join(t.TempDir(), "credentials.yaml")}
	require.NoError(t, config.SaveCredentials(app.CredentialsPath, config.Credentials{Server: ts.URL, Username: "ada", Token: token}))
	return app
}

func execute(t *testing.T, app *App, build func(*App) *cobra.Command, args ...string) (string, error) {
	t.Helper()
	cmd := build(app)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestREPL_ChatFlow(t *testing.T) {
	app := newTestApp(t, devserver.ResponderFunc(func(_ context.Context, turn devserver.Turn) (string, error) {
		if turn.Continuation {
			return " more", nil
		}
		return "Here:\n```go\nfmt.Println(1)\n```", nil
	}))
	ctx := context.Background()
	var out bytes.Buffer
	s, err := app.OpenSession(ctx, &out, false)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Engine.Init(ctx))

	r := &repl{s: s, out: &out}
	require.NoError(t, r.handle(ctx, "write go please"))
	require.False(t, s.Engine.Sessions.Current().IsZero())
	require.Contains(t, out.String(), "assistant (llama3.2)>")
	require.Contains(t, out.String(), "fmt.Println(1)")
	require.Contains(t, out.String(), "artifacts: 1 code, 0 thoughts, 0 documents")

	out.Reset()
	require.NoError(t, r.handle(ctx, "/artifacts"))
	require.Contains(t, out.String(), "Go Code [go]")

	a := s.Engine.Artifacts.Artifacts()[chat.ArtifactCode][0]
	out.Reset()
	require.NoError(t, r.handle(ctx, "/show "+strconv.FormatInt(a.ID, 10)))
	require.Contains(t, out.String(), "fmt.Println(1)")

	require.NoError(t, r.handle(ctx, "/rename Printing"))
	out.Reset()
	require.NoError(t, r.handle(ctx, "/sessions"))
	require.Contains(t, out.String(), "Printing")

	err = r.handle(ctx, "/continue")
	require.ErrorIs(t, err, generation.ErrNothingToContinue)
	require.Equal(t, "the last reply was not interrupted", describe(err))
	require.ErrorIs(t, r.handle(ctx, "/stop"), generation.ErrNotGenerating)

	require.Error(t, r.handle(ctx, "/model gpt-9"))
	require.NoError(t, r.handle(ctx, "/model llava"))
	require.Equal(t, "llava", s.Engine.Model())

	require.Error(t, r.handle(ctx, "/frobnicate"))
	require.ErrorIs(t, r.handle(ctx, "/quit"), errQuit)

	first := s.Engine.Sessions.Current()
	require.NoError(t, r.handle(ctx, "/new Second"))
	require.NotEqual(t, first, s.Engine.Sessions.Current())
	require.Equal(t, 0, s.Engine.Log.Len())

	require.NoError(t, r.handle(ctx, "/switch "+first.String()))
	require.Equal(t, 2, s.Engine.Log.Len())

	require.NoError(t, r.handle(ctx, "/clear"))
	require.Equal(t, 0, s.Engine.Log.Len())
}

func TestCommands_AgainstDevserver(t *testing.T) {
	app := newTestApp(t, devserver.EchoResponder)

	out, err := execute(t, app, NewWhoamiCommand)
	require.NoError(t, err)
	require.Contains(t, out, "ada")

	out, err = execute(t, app, NewSessionsCommand, "new", "Scratch")
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	require.NotEmpty(t, id)

	out, err = execute(t, app, NewSendCommand, "--session", id, "hello", "there")
	require.NoError(t, err)
	require.Contains(t, out, "You said: hello there")

	out, err = execute(t, app, NewSessionsCommand, "ls", "-o", "yaml")
	require.NoError(t, err)
	require.Contains(t, out, "name: Scratch")
	require.Contains(t, out, "message_count: 2")

	out, err = execute(t, app, NewHistoryCommand, id, "-o", "json")
	require.NoError(t, err)
	var h struct {
		Messages []chat.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &h))
	require.Len(t, h.Messages, 2)
	require.Equal(t, "You said: hello there", h.Messages[1].Content)

	_, err = execute(t, app, NewSessionsCommand, "rename", id, "Renamed", "chat")
	require.NoError(t, err)
	out, err = execute(t, app, NewSessionsCommand, "ls")
	require.NoError(t, err)
	require.Contains(t, out, "Renamed chat")

	out, err = execute(t, app, NewModelsCommand, "-o", "json")
	require.NoError(t, err)
	require.Contains(t, out, "llama3.2")

	_, err = execute(t, app, NewClearCommand, id)
	require.NoError(t, err)
	out, err = execute(t, app, NewHistoryCommand, id)
	require.NoError(t, err)
	require.Contains(t, out, "(none)")

	_, err = execute(t, app, NewSessionsCommand, "rm", id)
	require.NoError(t, err)
	_, err = execute(t, app, NewSessionsCommand, "rm", id)
	require.ErrorContains(t, err, "not found")
	_, err = execute(t, app, NewSessionsCommand, "rm", "abc")
	require.ErrorContains(t, err, "invalid session id")
}

func TestArtifactsCommands(t *testing.T) {
	app := newTestApp(t, devserver.ResponderFunc(func(context.Context, devserver.Turn) (string, error) {
		return "```python\nprint(1)\n```\n<think>check it</think>", nil
	}))
	_, err := execute(t, app, NewSendCommand, "--new", "code please")
	require.NoError(t, err)

	out, err := execute(t, app, NewArtifactsCommand, "ls", "-o", "json")
	require.NoError(t, err)
	var list []chat.Artifact
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 2)
	require.Equal(t, chat.ArtifactCode, list[0].Type)
	require.Equal(t, chat.ArtifactThought, list[1].Type)

	out, err = execute(t, app, NewArtifactsCommand, "ls", "--type", "code")
	require.NoError(t, err)
	require.Contains(t, out, "Python Code")
	require.NotContains(t, out, "Reasoning")
	_, err = execute(t, app, NewArtifactsCommand, "ls", "--type", "poem")
	require.Error(t, err)

	code := strconv.FormatInt(list[0].ID, 10)
	out, err = execute(t, app, NewArtifactsCommand, "show", "--raw", code)
	require.NoError(t, err)
	require.Equal(t, "print(1)\n", out)

	out, err = execute(t, app, NewArtifactsCommand, "show", "--html", code)
	require.NoError(t, err)
	require.Contains(t, out, "<pre>")

	app.Settings.SanitizeHTML = false
	out, err = execute(t, app, NewArtifactsCommand, "show", "--html", code)
	require.NoError(t, err)
	require.Equal(t, markup.Format("```python\nprint(1)\n```")+"\n", out)
	app.Settings.SanitizeHTML = true

	dir := t.TempDir()
	target := filepath.Join(dir, "snippet.py")
	_, err = execute(t, app, NewArtifactsCommand, "save", code, "-f", target)
	require.NoError(t, err)
	b, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "print(1)", string(b))

	archive := filepath.Join(dir, "all.zip")
	out, err = execute(t, app, NewArtifactsCommand, "download", "-f", archive)
	require.NoError(t, err)
	require.Contains(t, out, archive)
	info, err := os.Stat(archive)
	require.NoError(t, err)
	require.Positive(t, info.Size())

	_, err = execute(t, app, NewArtifactsCommand, "rm", code)
	require.NoError(t, err)
	_, err = execute(t, app, NewArtifactsCommand, "show", code)
	require.ErrorContains(t, err, "not found")
}

func TestCommands_NotLoggedIn(t *testing.T) {
	app := newTestApp(t, devserver.EchoResponder)
	require.NoError(t, config.DeleteCredentials(app.CredentialsPath))

	_, err := execute(t, app, NewSessionsCommand, "ls")
	require.EqualError(t, err, "not logged in, run `borak login`")
}

func TestLogin_PasswordStdin(t *testing.T) {
	app := newTestApp(t, devserver.EchoResponder)
	require.NoError(t, config.DeleteCredentials(app.CredentialsPath))

	cmd := NewLoginCommand(app)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader("secret1\n"))
	cmd.SetArgs([]string{"--username", "ada", "--password-stdin"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	require.Contains(t, out.String(), "Logged in")

	creds, err := config.LoadCredentials(app.CredentialsPath)
	require.NoError(t, err)
	require.Equal(t, "ada", creds.Username)
	require.NotEmpty(t, creds.Token)

	cmd = NewLoginCommand(app)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader("wrong-password\n"))
	cmd.SetArgs([]string{"--username", "ada", "--password-stdin"})
	require.EqualError(t, cmd.ExecuteContext(context.Background()), "invalid username or password")

	_, err = execute(t, app, NewLogoutCommand)
	require.NoError(t, err)
	creds, err = config.LoadCredentials(app.CredentialsPath)
	require.NoError(t, err)
	require.Empty(t, creds.Token)
}
