// Package sessions tracks the user's conversation sessions and which one is current.
package sessions

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/borak/pkg/api"
	"github.com/go-go-golems/borak/pkg/bus"
	"github.com/go-go-golems/borak/pkg/chat"
)

var (
	// ErrGenerationActive rejects session changes while a generation writes into the log.
	ErrGenerationActive = errors.New("a generation is running")
	ErrUnknownSession   = errors.New("unknown session")
)

const DefaultPageSize = 20

// Store is the collaborating session storage.
type Store interface {
	ListSessions(ctx context.Context, offset, limit int) (api.SessionPage, error)
	CreateSession(ctx context.Context, name string) (chat.SessionID, error)
	RenameSession(ctx context.Context, id chat.SessionID, name string) error
	DeleteSession(ctx context.Context, id chat.SessionID) error
}

// Loader reloads the message log and artifacts of a session that became current.
type Loader interface {
	LoadSession(ctx context.Context, id chat.SessionID) error
}

// Guard reports whether a generation is running.
type Guard interface {
	IsGenerating() bool
}

type GuardFunc func() bool

func (f GuardFunc) IsGenerating() bool { return f() }

// Registry owns the ordered session list and the current-session pointer.
type Registry struct {
	store    Store
	pageSize int
	emitter  bus.Emitter

	loader Loader
	guard  Guard

	mu       sync.Mutex
	sessions []chat.Session
	hasMore  bool
	current  chat.SessionID
}

type Option func(*Registry)

func WithPageSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

func WithEmitter(e bus.Emitter) Option {
	return func(r *Registry) { r.emitter = e }
}

func NewRegistry(store Store, opts ...Option) *Registry {
	r := &Registry{store: store, pageSize: DefaultPageSize, emitter: bus.Nop}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetLoader and SetGuard close the construction cycle with the engine and controller.
func (r *Registry) SetLoader(l Loader) { r.loader = l }

func (r *Registry) SetGuard(g Guard) { r.guard = g }

func (r *Registry) generating() bool {
	return r.guard != nil && r.guard.IsGenerating()
}

// List fetches one page. Offset 0 replaces the in-memory sequence, any other offset appends.
func (r *Registry) List(ctx context.Context, offset, limit int) ([]chat.Session, bool, error) {
	if limit <= 0 {
		limit = r.pageSize
	}
	page, err := r.store.ListSessions(ctx, offset, limit)
	if err != nil {
		return nil, false, errors.Wrap(err, "list sessions")
	}

	r.mu.Lock()
	if offset == 0 {
		r.sessions = append([]chat.Session(nil), page.Sessions...)
	} else {
		r.sessions = append(r.sessions, page.Sessions...)
	}
	r.hasMore = page.HasMore
	r.mu.Unlock()

	r.emitListed()
	return page.Sessions, page.HasMore, nil
}

func (r *Registry) Reset(ctx context.Context) error {
	_, _, err := r.List(ctx, 0, r.pageSize)
	return err
}

// LoadMore appends the next page; it is a no-op when the service reported no more pages.
func (r *Registry) LoadMore(ctx context.Context) error {
	r.mu.Lock()
	offset, more := len(r.sessions), r.hasMore
	r.mu.Unlock()
	if !more {
		return nil
	}
	_, _, err := r.List(ctx, offset, r.pageSize)
	return err
}

// Refresh re-lists from the start, keeping as many entries as were loaded.
func (r *Registry) Refresh(ctx context.Context) error {
	r.mu.Lock()
	limit := max(len(r.sessions), r.pageSize)
	r.mu.Unlock()
	_, _, err := r.List(ctx, 0, limit)
	return err
}

// Create makes a new session remotely. The caller re-lists to get its name and preview.
func (r *Registry) Create(ctx context.Context, name string) (chat.SessionID, error) {
	id, err := r.store.CreateSession(ctx, name)
	if err != nil {
		return chat.NoSession, errors.Wrap(err, "create session")
	}
	log.Info().Str("component", "sessions").Str("session_id", id.String()).Msg("session created")
	return id, nil
}

func (r *Registry) Rename(ctx context.Context, id chat.SessionID, name string) error {
	if err := r.store.RenameSession(ctx, id, name); err != nil {
		return errors.Wrapf(err, "rename session %s", id)
	}
	r.mu.Lock()
	for i := range r.sessions {
		if r.sessions[i].ID == id {
			r.sessions[i].Name = name
		}
	}
	r.mu.Unlock()
	r.emitListed()
	return nil
}

// Delete removes a session. When it was current, the first remaining session becomes current;
// when none remains, exactly one fresh session is created and made current.
func (r *Registry) Delete(ctx context.Context, id chat.SessionID) error {
	r.mu.Lock()
	wasCurrent := id == r.current
	r.mu.Unlock()
	if wasCurrent && r.generating() {
		return ErrGenerationActive
	}

	if err := r.store.DeleteSession(ctx, id); err != nil {
		return errors.Wrapf(err, "delete session %s", id)
	}

	r.mu.Lock()
	for i := range r.sessions {
		if r.sessions[i].ID == id {
			r.sessions = append(r.sessions[:i:i], r.sessions[i+1:]...)
			break
		}
	}
	var next chat.SessionID
	if len(r.sessions) > 0 {
		next = r.sessions[0].ID
	}
	if wasCurrent {
		r.current = chat.NoSession
	}
	r.mu.Unlock()
	r.emitListed()
	log.Info().Str("component", "sessions").Str("session_id", id.String()).Bool("was_current", wasCurrent).Msg("session deleted")

	if !wasCurrent {
		return nil
	}
	if next.IsZero() {
		// the local page may be exhausted while the service still has sessions
		if err := r.Reset(ctx); err != nil {
			return err
		}
		r.mu.Lock()
		if len(r.sessions) > 0 {
			next = r.sessions[0].ID
		}
		r.mu.Unlock()
	}
	if next.IsZero() {
		created, err := r.Create(ctx, "")
		if err != nil {
			return err
		}
		if err := r.Reset(ctx); err != nil {
			return err
		}
		next = created
	}
	return r.SwitchTo(ctx, next)
}

// SwitchTo makes id current and reloads its log and artifacts. It is rejected without any
// state change while a generation is running.
// The generation check is not atomic with starting a generation; callers serialize engine
// operations.
func (r *Registry) SwitchTo(ctx context.Context, id chat.SessionID) error {
	if r.generating() {
		return ErrGenerationActive
	}
	if id.IsZero() {
		return ErrUnknownSession
	}
	r.mu.Lock()
	r.current = id
	r.mu.Unlock()
	r.emitter.Emit(bus.Event{Kind: bus.KindSessionCurrent, SessionID: id})

	if r.loader == nil {
		return nil
	}
	return r.loader.LoadSession(ctx, id)
}

// EnsureCurrent selects the first listed session when none is current.
func (r *Registry) EnsureCurrent(ctx context.Context) error {
	r.mu.Lock()
	cur := r.current
	var first chat.SessionID
	if len(r.sessions) > 0 {
		first = r.sessions[0].ID
	}
	r.mu.Unlock()
	if !cur.IsZero() || first.IsZero() {
		return nil
	}
	return r.SwitchTo(ctx, first)
}

// Bind makes id current without reloading anything. The running generation uses it when the
// service assigns a session to a message sent without one.
func (r *Registry) Bind(id chat.SessionID) {
	r.mu.Lock()
	r.current = id
	known := false
	for _, s := range r.sessions {
		if s.ID == id {
			known = true
			break
		}
	}
	if !known {
		r.sessions = append([]chat.Session{{ID: id, Name: chat.DefaultSessionName}}, r.sessions...)
	}
	r.mu.Unlock()

	r.emitter.Emit(bus.Event{Kind: bus.KindSessionCurrent, SessionID: id})
	if !known {
		r.emitListed()
	}
}

func (r *Registry) Current() chat.SessionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Sessions returns a copy of the loaded list.
func (r *Registry) Sessions() []chat.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]chat.Session(nil), r.sessions...)
}

func (r *Registry) HasMore() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasMore
}

func (r *Registry) Find(id chat.SessionID) (chat.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.ID == id {
			return s, true
		}
	}
	return chat.Session{}, false
}

func (r *Registry) emitListed() {
	r.mu.Lock()
	ev := bus.Event{
		Kind:      bus.KindSessionsListed,
		SessionID: r.current,
		Sessions:  append([]chat.Session(nil), r.sessions...),
		HasMore:   r.hasMore,
	}
	r.mu.Unlock()
	r.emitter.Emit(ev)
}
