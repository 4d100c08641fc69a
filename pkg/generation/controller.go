// Package generation runs one streamed generation at a time: send, stop and continue.
package generation

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/borak/pkg/api"
	"github.com/go-go-golems/borak/pkg/bus"
	"github.com/go-go-golems/borak/pkg/chat"
	"github.com/go-go-golems/borak/pkg/messagelog"
	"github.com/go-go-golems/borak/pkg/sse"
)

var (
	ErrBusy              = errors.New("a generation is already running")
	ErrNotGenerating     = errors.New("no generation is running")
	ErrNothingToContinue = errors.New("the last message is not an interrupted assistant turn")
	ErrSessionUnbound    = errors.New("the generation is not bound to a session yet")
	// ErrStreamEnded reports a stream that closed before a done or stopped event.
	ErrStreamEnded = errors.New("stream ended unexpectedly")
)

type Phase string

const (
	Idle       Phase = "idle"
	Generating Phase = "generating"
	// Stopped is Idle with a resumable partial message.
	Stopped Phase = "stopped"
)

// Transport opens event streams and forwards stop requests.
type Transport interface {
	OpenSend(ctx context.Context, req api.SendRequest) (io.ReadCloser, error)
	OpenContinue(ctx context.Context, id chat.SessionID, model string) (io.ReadCloser, error)
	Stop(ctx context.Context, id chat.SessionID) (api.StopResult, error)
}

// SessionBinder is the part of the session registry the controller drives.
type SessionBinder interface {
	Current() chat.SessionID
	Bind(id chat.SessionID)
	Refresh(ctx context.Context) error
}

// ArtifactTracker is the part of the artifact indexer the controller drives.
type ArtifactTracker interface {
	BeginTurn() chat.ArtifactCounts
	Observe(turnText string) chat.ArtifactCounts
	EndTurn() chat.ArtifactCounts
	Reload(ctx context.Context, session chat.SessionID) (chat.ArtifactSet, error)
}

// SendInput is a user turn.
type SendInput struct {
	Message string
	Model   string
	Images  []string
}

// Controller is the only owner of the "is a generation running" state.
type Controller struct {
	transport Transport
	sessions  SessionBinder
	log       *messagelog.Log
	artifacts ArtifactTracker
	emitter   bus.Emitter

	mu      sync.Mutex
	phase   Phase
	token   string
	session chat.SessionID
	cancel  context.CancelFunc
}

func NewController(t Transport, sessions SessionBinder, log *messagelog.Log, artifacts ArtifactTracker, emitter bus.Emitter) *Controller {
	if emitter == nil {
		emitter = bus.Nop
	}
	return &Controller{transport: t, sessions: sessions, log: log, artifacts: artifacts, emitter: emitter, phase: Idle}
}

func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) IsGenerating() bool {
	return c.Phase() == Generating
}

// CanContinue is derived from the message log.
func (c *Controller) CanContinue() bool {
	return !c.IsGenerating() && c.log.CanContinue()
}

// Token identifies the running generation; empty when idle.
func (c *Controller) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// run is the state of one generation.
type run struct {
	token      string
	model      string
	text       strings.Builder
	newlyBound bool
	remoteErr  bool
	terminal   bool
}

// begin moves Idle/Stopped to Generating and returns the run token and stream context.
func (c *Controller) begin(ctx context.Context, session chat.SessionID) (string, context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == Generating {
		return "", nil, ErrBusy
	}
	streamCtx, cancel := context.WithCancel(ctx)
	c.phase = Generating
	c.token = uuid.NewString()
	c.session = session
	c.cancel = cancel
	return c.token, streamCtx, nil
}

func (c *Controller) finish(token string, phase Phase) bool {
	c.mu.Lock()
	if c.token != token {
		c.mu.Unlock()
		return false
	}
	c.phase = phase
	c.token = ""
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
	c.emitPhase(phase)
	return true
}

func (c *Controller) current(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token == token
}

func (c *Controller) emitPhase(p Phase) {
	c.emitter.Emit(bus.Event{
		Kind:        bus.KindPhase,
		SessionID:   c.sessionID(),
		Phase:       string(p),
		CanContinue: p != Generating && c.log.CanContinue(),
	})
}

func (c *Controller) sessionID() chat.SessionID {
	c.mu.Lock()
	id := c.session
	c.mu.Unlock()
	if id.IsZero() {
		id = c.sessions.Current()
	}
	return id
}

func (c *Controller) emitCounts(counts chat.ArtifactCounts) {
	c.emitter.Emit(bus.Event{Kind: bus.KindArtifactCounts, SessionID: c.sessionID(), Counts: &counts})
}

// Send appends the user turn and a streaming assistant placeholder, then consumes the
// response stream until it closes. It returns ErrBusy without side effects while another
// generation runs.
func (c *Controller) Send(ctx context.Context, in SendInput) error {
	session := c.sessions.Current()
	token, streamCtx, err := c.begin(ctx, session)
	if err != nil {
		return err
	}
	c.emitPhase(Generating)
	l := log.With().Str("component", "generation").Str("token", token).Str("session_id", session.String()).Logger()
	l.Debug().Str("model", in.Model).Msg("send")

	user := chat.Message{Role: chat.RoleUser, Content: in.Message, Model: in.Model, Attachments: in.Images}
	idx := c.log.Append(user)
	c.emitter.Emit(bus.Event{Kind: bus.KindMessageAppended, SessionID: session, Index: idx, Message: &user})
	placeholder := chat.Message{Role: chat.RoleAssistant, Model: in.Model, Streaming: true}
	idx = c.log.Append(placeholder)
	c.emitter.Emit(bus.Event{Kind: bus.KindMessageAppended, SessionID: session, Index: idx, Message: &placeholder})
	c.emitCounts(c.artifacts.BeginTurn())

	body, err := c.transport.OpenSend(streamCtx, api.SendRequest{
		Message:   in.Message,
		Model:     in.Model,
		SessionID: session,
		Images:    in.Images,
	})
	if err != nil {
		c.fail(token, err)
		return errors.Wrap(err, "open stream")
	}
	return c.consume(ctx, streamCtx, body, &run{token: token, model: in.Model})
}

// Continue resumes the interrupted last assistant message. New content is appended to that
// same entry.
func (c *Controller) Continue(ctx context.Context, model string) error {
	if c.IsGenerating() {
		return ErrBusy
	}
	if !c.log.CanContinue() {
		return ErrNothingToContinue
	}
	session := c.sessions.Current()
	if session.IsZero() {
		return ErrSessionUnbound
	}
	token, streamCtx, err := c.begin(ctx, session)
	if err != nil {
		return err
	}
	l := log.With().Str("component", "generation").Str("token", token).Str("session_id", session.String()).Logger()
	l.Debug().Str("model", model).Msg("continue")

	// the entry stays partial until the stream says otherwise
	c.mutateLast(func(m *chat.Message) {
		m.Streaming = true
		m.Error = ""
	}, "")
	c.emitPhase(Generating)
	c.emitCounts(c.artifacts.BeginTurn())

	body, err := c.transport.OpenContinue(streamCtx, session, model)
	if err != nil {
		c.fail(token, err)
		return errors.Wrap(err, "open continuation stream")
	}
	return c.consume(ctx, streamCtx, body, &run{token: token, model: model})
}

// Stop asks the service to cancel the running generation. The local state only changes when
// the stream delivers its stopped event.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != Generating {
		c.mu.Unlock()
		return ErrNotGenerating
	}
	id, token := c.session, c.token
	c.mu.Unlock()
	if id.IsZero() {
		id = c.sessions.Current()
	}
	if id.IsZero() {
		return ErrSessionUnbound
	}
	log.Debug().Str("component", "generation").Str("token", token).Str("session_id", id.String()).Msg("stop requested")
	if _, err := c.transport.Stop(ctx, id); err != nil {
		return errors.Wrap(err, "stop")
	}
	return nil
}

// Abort severs the running stream locally. Unlike Stop, the service is not told; the message
// is annotated as a transport failure.
func (c *Controller) Abort() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Controller) consume(ctx, streamCtx context.Context, body io.ReadCloser, r *run) error {
	defer func() { _ = body.Close() }()
	// closing the body unblocks a pending read when the stream is aborted
	stopWatch := context.AfterFunc(streamCtx, func() { _ = body.Close() })
	defer stopWatch()

	dec := sse.NewDecoder(body)
	for !r.terminal {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if streamCtx.Err() != nil {
				err = errors.Wrap(streamCtx.Err(), "stream aborted")
			}
			c.fail(r.token, err)
			return errors.Wrap(err, "read stream")
		}
		if !c.current(r.token) {
			log.Warn().Str("component", "generation").Str("token", r.token).Msg("dropping event of a stale stream")
			return nil
		}
		switch ev.Type {
		case sse.EventSession:
			c.onSession(ev.SessionID, r)
		case sse.EventContent:
			c.onContent(ev.Content, r)
		case sse.EventDone:
			c.onDone(ctx, ev, r)
		case sse.EventStopped:
			c.onStopped(ctx, r)
		case sse.EventError:
			c.onRemoteError(ev.Error, r)
		}
	}
	if r.terminal {
		return nil
	}
	if r.remoteErr {
		c.endWithoutTerminal(r.token)
		return nil
	}
	c.fail(r.token, ErrStreamEnded)
	return ErrStreamEnded
}

func (c *Controller) onSession(id chat.SessionID, r *run) {
	if id.IsZero() {
		return
	}
	c.mu.Lock()
	bound := c.session
	if bound.IsZero() {
		c.session = id
	}
	c.mu.Unlock()
	if !bound.IsZero() {
		if bound != id {
			log.Warn().Str("component", "generation").Str("session_id", bound.String()).
				Str("announced", id.String()).Msg("ignoring session announcement for a bound stream")
		}
		return
	}
	r.newlyBound = true
	c.sessions.Bind(id)
	log.Info().Str("component", "generation").Str("session_id", id.String()).Msg("stream bound to new session")
}

func (c *Controller) onContent(delta string, r *run) {
	if delta == "" {
		return
	}
	r.text.WriteString(delta)
	c.mutateLast(func(m *chat.Message) { m.Content += delta }, delta)
	c.emitCounts(c.artifacts.Observe(r.text.String()))
}

func (c *Controller) onDone(ctx context.Context, ev sse.Event, r *run) {
	r.terminal = true
	c.mutateLast(func(m *chat.Message) {
		m.Partial = false
		m.Streaming = false
	}, "")
	session := c.sessionID()
	if ev.Usage != nil {
		c.emitter.Emit(bus.Event{Kind: bus.KindUsage, SessionID: session, Usage: ev.Usage})
	}

	set, err := c.artifacts.Reload(ctx, session)
	if err != nil {
		log.Warn().Err(err).Str("component", "generation").Str("session_id", session.String()).Msg("artifact reload failed")
		c.emitCounts(c.artifacts.EndTurn())
	} else {
		counts := set.Counts()
		c.emitter.Emit(bus.Event{Kind: bus.KindArtifactsLoaded, SessionID: session, Artifacts: set, Counts: &counts})
	}
	if r.newlyBound {
		if err := c.sessions.Refresh(ctx); err != nil {
			log.Warn().Err(err).Str("component", "generation").Msg("session list refresh failed")
		}
	}
	c.finish(r.token, Idle)
}

func (c *Controller) onStopped(ctx context.Context, r *run) {
	r.terminal = true
	c.mutateLast(func(m *chat.Message) {
		m.Streaming = false
		if m.Content == "" {
			// the service keeps nothing to continue from
			m.Partial = false
			m.Error = "stopped before any output"
			return
		}
		m.Partial = true
	}, "")
	c.emitCounts(c.artifacts.EndTurn())
	if r.newlyBound {
		if err := c.sessions.Refresh(ctx); err != nil {
			log.Warn().Err(err).Str("component", "generation").Msg("session list refresh failed")
		}
	}
	c.finish(r.token, Stopped)
}

func (c *Controller) onRemoteError(msg string, r *run) {
	r.remoteErr = true
	if msg == "" {
		msg = "generation failed"
	}
	log.Warn().Str("component", "generation").Str("token", r.token).Str("error", msg).Msg("service reported an error")
	c.mutateLast(func(m *chat.Message) { m.Error = msg }, "")
	c.emitter.Emit(bus.Event{Kind: bus.KindNotice, SessionID: c.sessionID(), Text: msg})
}

// endWithoutTerminal closes a run whose stream ended after a remote error.
func (c *Controller) endWithoutTerminal(token string) {
	c.mutateLast(func(m *chat.Message) { m.Streaming = false }, "")
	c.emitCounts(c.artifacts.EndTurn())
	c.finish(token, Idle)
}

// fail annotates the in-flight message with a transport failure and returns to Idle. The
// partial flag is left alone, so canContinue keeps its previous value.
func (c *Controller) fail(token string, err error) {
	log.Warn().Err(err).Str("component", "generation").Str("token", token).Msg("generation failed")
	c.mutateLast(func(m *chat.Message) {
		m.Streaming = false
		m.Error = err.Error()
	}, "")
	c.emitCounts(c.artifacts.EndTurn())
	c.finish(token, Idle)
}

func (c *Controller) mutateLast(fn func(m *chat.Message), delta string) {
	m, err := c.log.MutateLast(fn)
	if err != nil {
		log.Error().Err(err).Str("component", "generation").Msg("cannot update the streaming message")
		return
	}
	c.emitter.Emit(bus.Event{
		Kind:      bus.KindMessageUpdated,
		SessionID: c.sessionID(),
		Index:     c.log.Len() - 1,
		Message:   &m,
		Delta:     delta,
	})
}
