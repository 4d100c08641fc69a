// Package engine wires the session registry, message log, artifact indexer and generation
// controller into one context object and exposes the user-facing operations.
package engine

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/borak/pkg/api"
	"github.com/go-go-golems/borak/pkg/artifacts"
	"github.com/go-go-golems/borak/pkg/bus"
	"github.com/go-go-golems/borak/pkg/chat"
	"github.com/go-go-golems/borak/pkg/generation"
	"github.com/go-go-golems/borak/pkg/messagelog"
	"github.com/go-go-golems/borak/pkg/sessions"
)

// Renderer is the presentation capability: it receives every state change in order.
type Renderer = bus.Renderer

var ErrUnknownModel = errors.New("unknown model")

// Service is the remote surface the engine needs.
type Service interface {
	sessions.Store
	artifacts.Store
	generation.Transport

	Me(ctx context.Context) (api.User, error)
	Models(ctx context.Context) (chat.ModelCatalog, error)
	History(ctx context.Context, id chat.SessionID) ([]chat.Message, error)
	ClearHistory(ctx context.Context, id chat.SessionID) error
}

type unauthorizedHooker interface {
	SetUnauthorizedHook(f api.UnauthorizedFunc)
}

type Options struct {
	PageSize int
	// Model is the initial model; the catalog default is used when empty.
	Model string
	// AbortOnUnauthorized severs a running stream when an unrelated request comes back 401.
	AbortOnUnauthorized bool
}

type Engine struct {
	svc     Service
	emitter bus.Emitter
	opts    Options

	Sessions   *sessions.Registry
	Log        *messagelog.Log
	Artifacts  *artifacts.Indexer
	Generation *generation.Controller

	mu       sync.Mutex
	model    string
	catalog  chat.ModelCatalog
	user     api.User
	loggedIn bool
}

func New(svc Service, emitter bus.Emitter, opts Options) *Engine {
	if emitter == nil {
		emitter = bus.Nop
	}
	e := &Engine{svc: svc, emitter: emitter, opts: opts, model: opts.Model}

	e.Log = messagelog.New()
	e.Artifacts = artifacts.NewIndexer(svc)
	e.Sessions = sessions.NewRegistry(svc, sessions.WithPageSize(opts.PageSize), sessions.WithEmitter(emitter))
	e.Generation = generation.NewController(svc, e.Sessions, e.Log, e.Artifacts, emitter)
	e.Sessions.SetGuard(e.Generation)
	e.Sessions.SetLoader(e)

	if h, ok := svc.(unauthorizedHooker); ok {
		h.SetUnauthorizedHook(e.onUnauthorized)
	}
	return e
}

// streamOps are the request names of stream-opening calls; their 401 fails the generation
// through the transport error path already.
var streamOps = []string{"send", "continue"}

func (e *Engine) onUnauthorized(op string) {
	e.mu.Lock()
	e.loggedIn = false
	e.mu.Unlock()
	log.Warn().Str("component", "engine").Str("op", op).Msg("service reported the session as logged out")
	e.emitter.Emit(bus.Event{Kind: bus.KindAuthRequired, Text: op})

	if e.opts.AbortOnUnauthorized && !slices.Contains(streamOps, op) && e.Generation.IsGenerating() {
		e.Generation.Abort()
	}
}

// Init checks the login, loads the model catalog and the first page of sessions, and selects
// the most recent session.
func (e *Engine) Init(ctx context.Context) error {
	user, err := e.svc.Me(ctx)
	if err != nil {
		return errors.Wrap(err, "check login")
	}
	catalog, err := e.svc.Models(ctx)
	if err != nil {
		return errors.Wrap(err, "load models")
	}
	e.mu.Lock()
	e.user = user
	e.loggedIn = true
	e.catalog = catalog
	if e.model == "" {
		e.model = catalog.Default
	}
	e.mu.Unlock()

	if err := e.Sessions.Reset(ctx); err != nil {
		return err
	}
	return e.Sessions.EnsureCurrent(ctx)
}

// LoadSession replaces the message log and artifact cache with the session's content.
// The registry calls it whenever the current session changes.
func (e *Engine) LoadSession(ctx context.Context, id chat.SessionID) error {
	e.Log.Clear()
	e.Artifacts.Clear()

	var (
		msgs []chat.Message
		set  chat.ArtifactSet
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		msgs, err = e.svc.History(egCtx, id)
		return errors.Wrap(err, "load history")
	})
	eg.Go(func() error {
		var err error
		set, err = e.Artifacts.Reload(egCtx, id)
		return errors.Wrap(err, "load artifacts")
	})
	err := eg.Wait()

	if msgs != nil {
		e.Log.Replace(msgs)
	}
	e.emitter.Emit(bus.Event{Kind: bus.KindHistoryLoaded, SessionID: id, Messages: e.Log.Messages(), CanContinue: e.Generation.CanContinue()})
	if set != nil {
		counts := set.Counts()
		e.emitter.Emit(bus.Event{Kind: bus.KindArtifactsLoaded, SessionID: id, Artifacts: set, Counts: &counts})
	}
	log.Debug().Str("component", "engine").Str("session_id", id.String()).Int("messages", len(msgs)).Msg("session loaded")
	return err
}

// NewSession creates a session, re-lists and switches to it.
func (e *Engine) NewSession(ctx context.Context, name string) (chat.SessionID, error) {
	if e.Generation.IsGenerating() {
		return chat.NoSession, sessions.ErrGenerationActive
	}
	id, err := e.Sessions.Create(ctx, name)
	if err != nil {
		return chat.NoSession, err
	}
	if err := e.Sessions.Refresh(ctx); err != nil {
		return id, err
	}
	return id, e.Sessions.SwitchTo(ctx, id)
}

func (e *Engine) SwitchTo(ctx context.Context, id chat.SessionID) error {
	return e.Sessions.SwitchTo(ctx, id)
}

func (e *Engine) DeleteSession(ctx context.Context, id chat.SessionID) error {
	return e.Sessions.Delete(ctx, id)
}

func (e *Engine) RenameSession(ctx context.Context, id chat.SessionID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("session name is empty")
	}
	return e.Sessions.Rename(ctx, id, name)
}

// ClearHistory empties the current session's log remotely and locally.
func (e *Engine) ClearHistory(ctx context.Context) error {
	if e.Generation.IsGenerating() {
		return sessions.ErrGenerationActive
	}
	id := e.Sessions.Current()
	if err := e.svc.ClearHistory(ctx, id); err != nil {
		return errors.Wrap(err, "clear history")
	}
	e.Log.Clear()
	e.Artifacts.Clear()
	counts := chat.ArtifactCounts{}
	e.emitter.Emit(bus.Event{Kind: bus.KindHistoryLoaded, SessionID: id})
	e.emitter.Emit(bus.Event{Kind: bus.KindArtifactsLoaded, SessionID: id, Artifacts: chat.ArtifactSet{}, Counts: &counts})
	return nil
}

// SelectModel sets the model used by later sends and continuations.
func (e *Engine) SelectModel(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.catalog.Models) > 0 && !slices.Contains(e.catalog.Models, name) {
		return errors.Wrapf(ErrUnknownModel, "%q", name)
	}
	e.model = name
	return nil
}

// Send runs one generation to completion. Images are only sent to vision models.
func (e *Engine) Send(ctx context.Context, text string, images []string) error {
	model := e.Model()
	if len(images) > 0 && !e.Catalog().IsVision(model) {
		log.Debug().Str("component", "engine").Str("model", model).Msg("dropping images for a non-vision model")
		images = nil
	}
	return e.Generation.Send(ctx, generation.SendInput{Message: text, Model: model, Images: images})
}

func (e *Engine) Stop(ctx context.Context) error {
	return e.Generation.Stop(ctx)
}

func (e *Engine) Continue(ctx context.Context) error {
	return e.Generation.Continue(ctx, e.Model())
}

func (e *Engine) DeleteArtifact(ctx context.Context, id int64) error {
	if err := e.Artifacts.Delete(ctx, id); err != nil {
		return err
	}
	set := e.Artifacts.Artifacts()
	counts := set.Counts()
	e.emitter.Emit(bus.Event{Kind: bus.KindArtifactsLoaded, SessionID: e.Sessions.Current(), Artifacts: set, Counts: &counts})
	return nil
}

func (e *Engine) Model() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model
}

func (e *Engine) Catalog() chat.ModelCatalog {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.catalog
}

func (e *Engine) User() (api.User, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.user, e.loggedIn
}
