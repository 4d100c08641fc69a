// Package api is the client of the chat service's REST and streaming surface.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"
)

// TokenCookie is the name of the session cookie set by the login endpoint.
const TokenCookie = "access_token"

const DefaultTimeout = 30 * time.Second

// UnauthorizedFunc is called with the operation name whenever the service answers 401.
type UnauthorizedFunc func(op string)

type Client struct {
	base    *url.URL
	http    *http.Client
	jar     http.CookieJar
	timeout time.Duration

	onUnauthorized UnauthorizedFunc
}

type Option func(*Client)

// WithHTTPClient replaces the pooled client. Its cookie jar is replaced by the client's own.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout bounds every request except streams. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithUnauthorizedHook(f UnauthorizedFunc) Option {
	return func(c *Client) { c.onUnauthorized = f }
}

// New creates a client for the service at baseURL. Routes live under "/api"; the prefix is
// added unless baseURL already ends with it.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "parse server url %q", baseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("server url %q must be http or https", baseURL)
	}
	if !strings.HasSuffix(u.Path, "/api") {
		u.Path += "/api"
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, errors.Wrap(err, "create cookie jar")
	}

	c := &Client{
		base:    u,
		http:    cleanhttp.DefaultPooledClient(),
		jar:     jar,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.http.Jar = jar
	return c, nil
}

// SetUnauthorizedHook installs the 401 hook after construction.
func (c *Client) SetUnauthorizedHook(f UnauthorizedFunc) {
	c.onUnauthorized = f
}

// BaseURL returns the service root including the "/api" prefix.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// Token returns the session cookie value, empty when logged out.
func (c *Client) Token() string {
	for _, ck := range c.jar.Cookies(c.base) {
		if ck.Name == TokenCookie {
			return ck.Value
		}
	}
	return ""
}

// SetToken installs a session cookie obtained earlier, e.g. from stored credentials.
func (c *Client) SetToken(token string) {
	c.jar.SetCookies(c.base, []*http.Cookie{{Name: TokenCookie, Value: token, Path: "/"}})
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = c.base.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "encode request")
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), r)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// send performs req and turns non-2xx answers into *Error.
func (c *Client) send(op string, req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		apiErr := readError(op, resp)
		if resp.StatusCode == http.StatusUnauthorized && c.onUnauthorized != nil {
			c.onUnauthorized(op)
		}
		log.Debug().Str("component", "api").Str("op", op).Int("status", resp.StatusCode).Msg("request failed")
		return nil, apiErr
	}
	return resp, nil
}

// do runs a bounded JSON round trip; out may be nil.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.send(op, req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "%s: decode response", op)
	}
	return nil
}

// stream opens a long-lived response body. Only ctx bounds it.
func (c *Client) stream(ctx context.Context, op, path string, body any) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodPost, path, nil, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := c.send(op, req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
