package devserver

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/borak/pkg/api"
	"github.com/go-go-golems/borak/pkg/chat"
	"github.com/go-go-golems/borak/pkg/persistence/chatstore"
	"github.com/go-go-golems/borak/pkg/sse"
)

func newTestServer(t *testing.T, opts Options) (*api.Client, *Server) {
	t.Helper()
	store, err := chatstore.NewSQLiteStore(chatstore.SQLiteMemoryDSN)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	opts.Store = store
	srv, err := New(opts)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	c, err := api.New(ts.URL)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, c.Register(ctx, "ada", "secret1"))
	_, err = c.Login(ctx, "ada", "secret1")
	require.NoError(t, err)
	return c, srv
}

func readAll(t *testing.T, body io.ReadCloser) []sse.Event {
	t.Helper()
	defer func() { _ = body.Close() }()
	d := sse.NewDecoder(body)
	var out []sse.Event
	for {
		ev, err := d.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func content(evs []sse.Event) string {
	var b strings.Builder
	for _, ev := range evs {
		if ev.Type == sse.EventContent {
			b.WriteString(ev.Content)
		}
	}
	return b.String()
}

func TestAuth(t *testing.T) {
	c, _ := newTestServer(t, Options{})
	ctx := context.Background()

	me, err := c.Me(ctx)
	require.NoError(t, err)
	require.Equal(t, "ada", me.Username)

	other, err := api.New(c.BaseURL())
	require.NoError(t, err)
	_, err = other.Me(ctx)
	require.ErrorIs(t, err, api.ErrUnauthorized)
	_, err = other.Login(ctx, "ada", "wrong-password")
	require.ErrorIs(t, err, api.ErrUnauthorized)

	err = other.Register(ctx, "ada", "secret1")
	var apiErr *api.Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "Username already exists", apiErr.Detail)

	require.NoError(t, c.Logout(ctx))
	_, err = c.Me(ctx)
	require.ErrorIs(t, err, api.ErrUnauthorized)
}

func TestSessionsLifecycle(t *testing.T) {
	c, _ := newTestServer(t, Options{})
	ctx := context.Background()

	a, err := c.CreateSession(ctx, "")
	require.NoError(t, err)
	b, err := c.CreateSession(ctx, "Named")
	require.NoError(t, err)

	page, err := c.ListSessions(ctx, 0, 1)
	require.NoError(t, err)
	require.True(t, page.HasMore)
	require.Equal(t, b, page.Sessions[0].ID)

	require.NoError(t, c.RenameSession(ctx, a, "Renamed"))
	page, err = c.ListSessions(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Sessions, 2)
	require.Equal(t, a, page.Sessions[0].ID)
	require.Equal(t, "Renamed", page.Sessions[0].Name)

	require.NoError(t, c.DeleteSession(ctx, a))
	require.ErrorIs(t, c.DeleteSession(ctx, a), api.ErrNotFound)
	require.ErrorIs(t, c.RenameSession(ctx, a, "x"), api.ErrNotFound)

	models, err := c.Models(ctx)
	require.NoError(t, err)
	require.Equal(t, DefaultModel, models.Default)
	require.True(t, models.IsVision("llava:13b"))
}

func TestSend_CreatesSessionAndSavesArtifacts(t *testing.T) {
	reply := "Here:\n```go\nfmt.Println(1)\n```\n<think>short thought</think>\n"
	c, _ := newTestServer(t, Options{Responder: ResponderFunc(func(context.Context, Turn) (string, error) {
		return reply, nil
	})})
	ctx := context.Background()

	body, err := c.OpenSend(ctx, api.SendRequest{Message: "please show code. now", Model: DefaultModel})
	require.NoError(t, err)
	evs := readAll(t, body)

	require.Equal(t, sse.EventSession, evs[0].Type)
	sid := evs[0].SessionID
	require.False(t, sid.IsZero())
	last := evs[len(evs)-1]
	require.Equal(t, sse.EventDone, last.Type)
	require.NotNil(t, last.Artifacts)
	require.Equal(t, chat.ArtifactCounts{Code: 1, Thought: 1}, *last.Artifacts)
	require.NotNil(t, last.Usage)
	require.Equal(t, reply, content(evs))

	msgs, err := c.History(ctx, sid)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, chat.RoleAssistant, msgs[1].Role)
	require.False(t, msgs[1].Partial)

	page, err := c.ListSessions(ctx, 0, 10)
	require.NoError(t, err)
	require.Equal(t, "Show code.", page.Sessions[0].Name)

	set, err := c.UserArtifacts(ctx, "")
	require.NoError(t, err)
	require.Len(t, set[chat.ArtifactCode], 1)
	require.Equal(t, sid, set[chat.ArtifactCode][0].SourceSessionID)

	var buf bytes.Buffer
	n, err := c.DownloadSessionArtifacts(ctx, sid, &buf)
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), n)
	require.NoError(t, err)
	names := []string{}
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	require.ElementsMatch(t, []string{"codes/1_Go_Code.go", "thoughts/1_Reasoning.md"}, names)

	require.NoError(t, c.DeleteArtifact(ctx, set[chat.ArtifactCode][0].ID))
	require.ErrorIs(t, c.DeleteArtifact(ctx, set[chat.ArtifactCode][0].ID), api.ErrNotFound)
}

func TestStopThenContinue(t *testing.T) {
	long := strings.TrimSpace(strings.Repeat("word ", 200))
	c, _ := newTestServer(t, Options{
		ChunkDelay: 10 * time.Millisecond,
		Responder: ResponderFunc(func(_ context.Context, turn Turn) (string, error) {
			if turn.Continuation {
				return " tail", nil
			}
			return long, nil
		}),
	})
	ctx := context.Background()
	sid, err := c.CreateSession(ctx, "")
	require.NoError(t, err)

	_, err = c.Stop(ctx, sid)
	require.ErrorIs(t, err, api.ErrNoActiveGeneration)

	body, err := c.OpenSend(ctx, api.SendRequest{Message: "go", SessionID: sid})
	require.NoError(t, err)
	d := sse.NewDecoder(body)
	ev, err := d.Next()
	require.NoError(t, err)
	require.Equal(t, sse.EventSession, ev.Type)
	ev, err = d.Next()
	require.NoError(t, err)
	require.Equal(t, sse.EventContent, ev.Type)

	status, err := c.GenerationStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, "generating", status["status"])

	res, err := c.Stop(ctx, sid)
	require.NoError(t, err)
	require.True(t, res.Success)

	var final sse.Event
	for {
		ev, err := d.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		final = ev
	}
	_ = body.Close()
	require.Equal(t, sse.EventStopped, final.Type)

	msgs, err := c.History(ctx, sid)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.True(t, msgs[1].Partial)
	partial := msgs[1].Content
	require.NotEmpty(t, partial)
	require.Less(t, len(partial), len(long))

	body, err = c.OpenContinue(ctx, sid, DefaultModel)
	require.NoError(t, err)
	evs := readAll(t, body)
	require.NotEqual(t, sse.EventSession, evs[0].Type)
	require.Equal(t, sse.EventDone, evs[len(evs)-1].Type)

	msgs, err = c.History(ctx, sid)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.False(t, msgs[1].Partial)
	require.Equal(t, partial+" tail", msgs[1].Content)

	status, err = c.GenerationStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, "none", status["status"])

	_, err = c.OpenContinue(ctx, sid, DefaultModel)
	var apiErr *api.Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func TestSend_ResponderErrorIsStreamed(t *testing.T) {
	c, _ := newTestServer(t, Options{Responder: ResponderFunc(func(context.Context, Turn) (string, error) {
		return "", io.ErrUnexpectedEOF
	})})
	body, err := c.OpenSend(context.Background(), api.SendRequest{Message: "hi"})
	require.NoError(t, err)
	evs := readAll(t, body)
	require.Len(t, evs, 2)
	require.Equal(t, sse.EventError, evs[1].Type)
	require.Equal(t, io.ErrUnexpectedEOF.Error(), evs[1].Error)
}

func TestEchoResponderAttachesImagesOnlyForVision(t *testing.T) {
	c, _ := newTestServer(t, Options{Models: []string{"llava", "plain"}})
	ctx := context.Background()

	body, err := c.OpenSend(ctx, api.SendRequest{Message: "look", Model: "llava", Images: []string{"aGk="}})
	require.NoError(t, err)
	require.Equal(t, "You said: look (with 1 image(s))", content(readAll(t, body)))

	body, err = c.OpenSend(ctx, api.SendRequest{Message: "look", Model: "plain", Images: []string{"aGk="}})
	require.NoError(t, err)
	require.Equal(t, "You said: look", content(readAll(t, body)))
}

func TestServe_StopsOnContextCancel(t *testing.T) {
	store, err := chatstore.NewSQLiteStore(chatstore.SQLiteMemoryDSN)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	srv, err := New(Options{Store: store})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
