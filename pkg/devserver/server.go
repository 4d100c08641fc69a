// Package devserver is a local stand-in for the chat service: the same REST and streaming
// surface backed by sqlite, with a pluggable Responder instead of a model runtime.
package devserver

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/borak/pkg/persistence/chatstore"
)

const (
	DefaultModel      = "llama3.2"
	DefaultChunkDelay = 30 * time.Millisecond
	historyWindow     = 50
	promptWindow      = 20
)

var DefaultVisionModels = []string{"llava", "bakllava", "llama3.2-vision", "moondream"}

type Options struct {
	Store        chatstore.Store
	Responder    Responder
	Models       []string
	DefaultModel string
	VisionModels []string
	// ChunkDelay is the pause between streamed chunks; stop requests are honoured between chunks.
	ChunkDelay time.Duration
	// SecureCookie marks the access_token cookie Secure, as a TLS deployment would.
	SecureCookie bool
}

type Server struct {
	opts  Options
	store chatstore.Store

	tokensMu sync.RWMutex
	tokens   map[string]int64

	gens *generations
}

func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("devserver: store is nil")
	}
	if opts.Responder == nil {
		opts.Responder = EchoResponder
	}
	if opts.DefaultModel == "" {
		opts.DefaultModel = DefaultModel
	}
	if len(opts.Models) == 0 {
		opts.Models = []string{opts.DefaultModel}
	}
	if opts.VisionModels == nil {
		opts.VisionModels = DefaultVisionModels
	}
	if opts.ChunkDelay < 0 {
		opts.ChunkDelay = 0
	}
	return &Server{
		opts:   opts,
		store:  opts.Store,
		tokens: map[string]int64{},
		gens:   newGenerations(),
	}, nil
}

// Handler serves the API under /api plus /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/logout", s.handleLogout)
	mux.Handle("GET /api/auth/me", s.authed(s.handleMe))
	mux.HandleFunc("GET /api/models", s.handleModels)

	mux.Handle("POST /api/sessions", s.authed(s.handleCreateSession))
	mux.Handle("GET /api/sessions", s.authed(s.handleListSessions))
	mux.Handle("GET /api/sessions/{id}", s.authed(s.handleGetSession))
	mux.Handle("PATCH /api/sessions/{id}", s.authed(s.handleRenameSession))
	mux.Handle("DELETE /api/sessions/{id}", s.authed(s.handleDeleteSession))
	mux.Handle("GET /api/sessions/{id}/artifacts", s.authed(s.handleSessionArtifacts))
	mux.Handle("GET /api/sessions/{id}/artifacts/download", s.authed(s.handleDownloadSessionArtifacts))

	mux.Handle("GET /api/chat/history", s.authed(s.handleHistory))
	mux.Handle("DELETE /api/chat/clear", s.authed(s.handleClear))
	mux.Handle("POST /api/chat/send", s.authed(s.handleSend))
	mux.Handle("POST /api/chat/continue", s.authed(s.handleContinue))
	mux.Handle("POST /api/chat/stop", s.authed(s.handleStop))
	mux.Handle("GET /api/chat/generation/status", s.authed(s.handleGenerationStatus))
	mux.Handle("DELETE /api/chat/generation/clear", s.authed(s.handleGenerationClear))

	mux.Handle("GET /api/user/artifacts", s.authed(s.handleUserArtifacts))
	mux.Handle("DELETE /api/user/artifacts/{id}", s.authed(s.handleDeleteArtifact))
	mux.Handle("GET /api/user/artifacts/download", s.authed(s.handleDownloadUserArtifacts))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpSrv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info().Str("component", "devserver").Str("addr", ln.Addr().String()).Msg("serving")
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "serve")
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		s.gens.cancelAll()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Str("component", "devserver").Msg("server shutdown error")
			return err
		}
		log.Info().Str("component", "devserver").Msg("server shutdown complete")
		return nil
	})
	return eg.Wait()
}
