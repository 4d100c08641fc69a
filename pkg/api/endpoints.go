package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/pkg/errors"

	"github.com/go-go-golems/borak/pkg/chat"
)

// User is the `GET /auth/me` answer.
type User struct {
	ID       int64  `json:"user_id"`
	Username string `json:"username"`
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type successResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Login authenticates and keeps the session cookie. The service marks the cookie Secure; it is
// re-installed without that flag so plain-http deployments keep working.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/auth/login", nil, credentials{username, password})
	if err != nil {
		return "", err
	}
	resp, err := c.send("login", req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	for _, ck := range resp.Cookies() {
		if ck.Name == TokenCookie && ck.Value != "" {
			c.SetToken(ck.Value)
			return ck.Value, nil
		}
	}
	return "", errors.New("login: service did not set a session cookie")
}

// MinPasswordLength is the service's password policy, checked locally before registering.
const MinPasswordLength = 6

func (c *Client) Register(ctx context.Context, username, password string) error {
	if len(password) < MinPasswordLength {
		return errors.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	return c.do(ctx, "register", http.MethodPost, "/auth/register", nil, credentials{username, password}, nil)
}

func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, "logout", http.MethodPost, "/auth/logout", nil, nil, nil)
	c.jar.SetCookies(c.base, []*http.Cookie{{Name: TokenCookie, Path: "/", MaxAge: -1}})
	return err
}

func (c *Client) Me(ctx context.Context) (User, error) {
	var u User
	err := c.do(ctx, "me", http.MethodGet, "/auth/me", nil, nil, &u)
	return u, err
}

func (c *Client) Models(ctx context.Context) (chat.ModelCatalog, error) {
	var m chat.ModelCatalog
	err := c.do(ctx, "list models", http.MethodGet, "/models", nil, nil, &m)
	return m, err
}

// SessionPage is one page of the session list.
type SessionPage struct {
	Sessions []chat.Session `json:"sessions"`
	HasMore  bool           `json:"has_more"`
}

func (c *Client) ListSessions(ctx context.Context, offset, limit int) (SessionPage, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	var p SessionPage
	err := c.do(ctx, "list sessions", http.MethodGet, "/sessions", q, nil, &p)
	return p, err
}

// CreateSession creates a session; an empty name lets the service pick its default.
func (c *Client) CreateSession(ctx context.Context, name string) (chat.SessionID, error) {
	body := map[string]string{}
	if name != "" {
		body["name"] = name
	}
	var resp struct {
		successResponse
		SessionID chat.SessionID `json:"session_id"`
	}
	if err := c.do(ctx, "create session", http.MethodPost, "/sessions", nil, body, &resp); err != nil {
		return chat.NoSession, err
	}
	if resp.SessionID.IsZero() {
		return chat.NoSession, errors.New("create session: service returned no session id")
	}
	return resp.SessionID, nil
}

func (c *Client) RenameSession(ctx context.Context, id chat.SessionID, name string) error {
	return c.do(ctx, "rename session", http.MethodPatch, "/sessions/"+url.PathEscape(id.String()), nil,
		map[string]string{"name": name}, nil)
}

func (c *Client) DeleteSession(ctx context.Context, id chat.SessionID) error {
	return c.do(ctx, "delete session", http.MethodDelete, "/sessions/"+url.PathEscape(id.String()), nil, nil, nil)
}

func sessionQuery(id chat.SessionID) url.Values {
	if id.IsZero() {
		return nil
	}
	return url.Values{"session_id": {id.String()}}
}

func (c *Client) History(ctx context.Context, id chat.SessionID) ([]chat.Message, error) {
	var resp struct {
		Messages []chat.Message `json:"messages"`
	}
	err := c.do(ctx, "load history", http.MethodGet, "/chat/history", sessionQuery(id), nil, &resp)
	return resp.Messages, err
}

func (c *Client) ClearHistory(ctx context.Context, id chat.SessionID) error {
	return c.do(ctx, "clear history", http.MethodDelete, "/chat/clear", sessionQuery(id), nil, nil)
}

// SendRequest is the body of `POST /chat/send`.
type SendRequest struct {
	Message   string         `json:"message"`
	Model     string         `json:"model"`
	SessionID chat.SessionID `json:"session_id"`
	Images    []string       `json:"images,omitempty"`
}

// OpenSend starts a generation and returns the raw event stream.
func (c *Client) OpenSend(ctx context.Context, req SendRequest) (io.ReadCloser, error) {
	return c.stream(ctx, "send", "/chat/send", req)
}

// OpenContinue resumes the partial assistant message of a session.
func (c *Client) OpenContinue(ctx context.Context, id chat.SessionID, model string) (io.ReadCloser, error) {
	return c.stream(ctx, "continue", "/chat/continue", map[string]any{"session_id": id, "model": model})
}

// StopResult is the `POST /chat/stop` answer.
type StopResult struct {
	Success        bool   `json:"success"`
	PartialContent string `json:"partial_content,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Stop asks the service to cancel the generation of a session. The stream still has to
// deliver its `stopped` event.
func (c *Client) Stop(ctx context.Context, id chat.SessionID) (StopResult, error) {
	var res StopResult
	if err := c.do(ctx, "stop", http.MethodPost, "/chat/stop", nil, map[string]any{"session_id": id}, &res); err != nil {
		return res, err
	}
	if !res.Success {
		return res, errors.Wrapf(ErrNoActiveGeneration, "stop session %s", id)
	}
	return res, nil
}

// GenerationStatus is the service's record of a generation that may still be running.
type GenerationStatus map[string]any

func (c *Client) GenerationStatus(ctx context.Context) (GenerationStatus, error) {
	var s GenerationStatus
	err := c.do(ctx, "generation status", http.MethodGet, "/chat/generation/status", nil, nil, &s)
	return s, err
}

// UserArtifacts lists the user's artifacts, optionally restricted to one type.
func (c *Client) UserArtifacts(ctx context.Context, t chat.ArtifactType) (chat.ArtifactSet, error) {
	var q url.Values
	if t != "" {
		q = url.Values{"artifact_type": {string(t)}}
	}
	var set chat.ArtifactSet
	if err := c.do(ctx, "list artifacts", http.MethodGet, "/user/artifacts", q, nil, &set); err != nil {
		return nil, err
	}
	if set == nil {
		set = chat.ArtifactSet{}
	}
	return set, nil
}

func (c *Client) DeleteArtifact(ctx context.Context, id int64) error {
	return c.do(ctx, "delete artifact", http.MethodDelete, "/user/artifacts/"+strconv.FormatInt(id, 10), nil, nil, nil)
}

// DownloadSessionArtifacts copies the zip archive of a session's artifacts to w.
func (c *Client) DownloadSessionArtifacts(ctx context.Context, id chat.SessionID, w io.Writer) (int64, error) {
	return c.download(ctx, "download artifacts", "/sessions/"+url.PathEscape(id.String())+"/artifacts/download", w)
}

// DownloadUserArtifacts copies the zip archive of all the user's artifacts to w.
func (c *Client) DownloadUserArtifacts(ctx context.Context, w io.Writer) (int64, error) {
	return c.download(ctx, "download artifacts", "/user/artifacts/download", w)
}

func (c *Client) download(ctx context.Context, op, path string, w io.Writer) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.send(op, req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	n, err := io.Copy(w, resp.Body)
	return n, errors.Wrap(err, op)
}

// Settings and presets are opaque to the engine.

func (c *Client) Settings(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.do(ctx, "get settings", http.MethodGet, "/user/settings", nil, nil, &raw)
	return raw, err
}

func (c *Client) PutSettings(ctx context.Context, settings json.RawMessage) error {
	return c.do(ctx, "put settings", http.MethodPut, "/user/settings", nil, settings, nil)
}

func (c *Client) Presets(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.do(ctx, "list presets", http.MethodGet, "/prompts/presets", nil, nil, &raw)
	return raw, err
}
