package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/borak/pkg/chat"
)

func newTestClient(t *testing.T, h http.Handler, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, opts...)
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNew_APIPrefix(t *testing.T) {
	c, err := New("http://localhost:8501/")
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8501/api", c.BaseURL())

	c, err = New("https://chat.example.com/api")
	require.NoError(t, err)
	require.Equal(t, "https://chat.example.com/api", c.BaseURL())

	_, err = New("ftp://x")
	require.Error(t, err)
}

func TestClient_LoginKeepsCookie(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body credentials
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body.Password != "secret1" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid credentials"})
			return
		}
		http.SetCookie(w, &http.Cookie{Name: TokenCookie, Value: "tok-1", Path: "/", Secure: true, HttpOnly: true})
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "username": body.Username})
	})
	mux.HandleFunc("GET /api/auth/me", func(w http.ResponseWriter, r *http.Request) {
		ck, err := r.Cookie(TokenCookie)
		if err != nil || ck.Value != "tok-1" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Not authenticated"})
			return
		}
		writeJSON(w, http.StatusOK, User{ID: 1, Username: "ana"})
	})

	var unauthorized atomic.Int32
	c := newTestClient(t, mux, WithUnauthorizedHook(func(string) { unauthorized.Add(1) }))
	ctx := context.Background()

	_, err := c.Login(ctx, "ana", "wrong")
	require.ErrorIs(t, err, ErrUnauthorized)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "Invalid credentials", apiErr.Detail)
	require.Equal(t, int32(1), unauthorized.Load())

	tok, err := c.Login(ctx, "ana", "secret1")
	require.NoError(t, err)
	require.Equal(t, "tok-1", tok)
	require.Equal(t, "tok-1", c.Token())

	u, err := c.Me(ctx)
	require.NoError(t, err)
	require.Equal(t, "ana", u.Username)
}

func TestClient_RegisterChecksPasswordLocally(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}))
	require.Error(t, c.Register(context.Background(), "bob", "123"))
	require.Equal(t, int32(0), calls.Load())
	require.NoError(t, c.Register(context.Background(), "bob", "123456"))
	require.Equal(t, int32(1), calls.Load())
}

func TestClient_Sessions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "20", r.URL.Query().Get("offset"))
		require.Equal(t, "10", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, map[string]any{
			"sessions": []map[string]any{{"id": 3, "name": "New Chat", "preview": "hi", "message_count": 2}},
			"has_more": true,
		})
	})
	mux.HandleFunc("POST /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, hasName := body["name"]
		require.False(t, hasName)
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "session_id": 4})
	})
	mux.HandleFunc("DELETE /api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Session not found"})
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	page, err := c.ListSessions(ctx, 20, 10)
	require.NoError(t, err)
	require.True(t, page.HasMore)
	require.Len(t, page.Sessions, 1)
	require.Equal(t, chat.SessionID("3"), page.Sessions[0].ID)

	id, err := c.CreateSession(ctx, "")
	require.NoError(t, err)
	require.Equal(t, chat.SessionID("4"), id)

	err = c.DeleteSession(ctx, "9")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestClient_StreamAndStop(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat/send", func(w http.ResponseWriter, r *http.Request) {
		var req SendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "hello", req.Message)
		require.True(t, req.SessionID.IsZero())
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"type\":\"session\",\"session_id\":5}\n\n")
	})
	mux.HandleFunc("POST /api/chat/stop", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["session_id"] == float64(5) {
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "partial_content": "he"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "No active generation"})
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	body, err := c.OpenSend(ctx, SendRequest{Message: "hello", Model: "m"})
	require.NoError(t, err)
	b, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	require.Contains(t, string(b), `"session_id":5`)

	res, err := c.Stop(ctx, "5")
	require.NoError(t, err)
	require.Equal(t, "he", res.PartialContent)

	_, err = c.Stop(ctx, "6")
	require.ErrorIs(t, err, ErrNoActiveGeneration)
}

func TestClient_StreamIgnoresRequestTimeout(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		time.Sleep(80 * time.Millisecond)
		_, _ = io.WriteString(w, "data: {\"type\":\"done\"}\n")
	}), WithTimeout(20*time.Millisecond))

	body, err := c.OpenContinue(context.Background(), "1", "m")
	require.NoError(t, err)
	defer func() { _ = body.Close() }()
	b, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Contains(t, string(b), "done")
}

func TestClient_ArtifactsAndDownload(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/user/artifacts", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "", r.URL.Query().Get("artifact_type"))
		writeJSON(w, http.StatusOK, map[string]any{
			"code":        []map[string]any{{"id": 1, "language": "go", "title": "Go Code", "content": "x", "source_session_id": 5}},
			"thought":     []map[string]any{},
			"explanation": []map[string]any{{"id": 2, "language": nil, "title": "Intro", "content": "y"}},
		})
	})
	mux.HandleFunc("GET /api/sessions/{id}/artifacts/download", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "5", r.PathValue("id"))
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write([]byte("PK-zip"))
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	set, err := c.UserArtifacts(ctx, "")
	require.NoError(t, err)
	require.Equal(t, chat.ArtifactCounts{Code: 1, Document: 1}, set.Counts())
	a, ok := set.Find(1)
	require.True(t, ok)
	require.Equal(t, chat.SessionID("5"), a.SourceSessionID)

	var buf bytes.Buffer
	n, err := c.DownloadSessionArtifacts(ctx, "5", &buf)
	require.NoError(t, err)
	require.Equal(t, int64(6), n)
	require.Equal(t, "PK-zip", buf.String())
}
