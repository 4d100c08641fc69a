package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/borak/pkg/artifacts"
	"github.com/go-go-golems/borak/pkg/chat"
	"github.com/go-go-golems/borak/pkg/persistence/chatstore"
)

type genKey struct {
	user    int64
	session int64
}

// generation is the server-side record of a running stream, used by stop and status.
type generation struct {
	session int64
	model   string
	started time.Time

	stopOnce sync.Once
	stopped  chan struct{}

	mu      sync.Mutex
	content string
}

func (g *generation) stop() { g.stopOnce.Do(func() { close(g.stopped) }) }

func (g *generation) setContent(c string) {
	g.mu.Lock()
	g.content = c
	g.mu.Unlock()
}

func (g *generation) Content() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.content
}

type generations struct {
	mu     sync.Mutex
	active map[genKey]*generation
}

func newGenerations() *generations {
	return &generations{active: map[genKey]*generation{}}
}

// start registers a generation, stopping any earlier one for the same session.
func (gs *generations) start(user, session int64, model, content string) *generation {
	g := &generation{session: session, model: model, started: time.Now(), stopped: make(chan struct{}), content: content}
	gs.mu.Lock()
	if prev, ok := gs.active[genKey{user, session}]; ok {
		prev.stop()
	}
	gs.active[genKey{user, session}] = g
	gs.mu.Unlock()
	return g
}

func (gs *generations) finish(user int64, g *generation) {
	gs.mu.Lock()
	if gs.active[genKey{user, g.session}] == g {
		delete(gs.active, genKey{user, g.session})
	}
	gs.mu.Unlock()
}

func (gs *generations) get(user, session int64) (*generation, bool) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	g, ok := gs.active[genKey{user, session}]
	return g, ok
}

func (gs *generations) forUser(user int64) (*generation, bool) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	for k, g := range gs.active {
		if k.user == user {
			return g, true
		}
	}
	return nil, false
}

func (gs *generations) cancel(user, session int64) {
	if g, ok := gs.get(user, session); ok {
		g.stop()
	}
}

func (gs *generations) cancelUser(user int64) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	for k, g := range gs.active {
		if k.user == user {
			g.stop()
		}
	}
}

func (gs *generations) cancelAll() {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	for _, g := range gs.active {
		g.stop()
	}
}

// eventWriter frames `data: <json>\n\n` events and flushes each one.
type eventWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newEventWriter(w http.ResponseWriter) *eventWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f, _ := w.(http.Flusher)
	return &eventWriter{w: w, flusher: f}
}

func (e *eventWriter) send(v map[string]any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("component", "devserver").Msg("encode event")
		return
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", b); err != nil {
		return
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
}

type sendRequest struct {
	Message   string         `json:"message"`
	Model     string         `json:"model"`
	SessionID chat.SessionID `json:"session_id"`
	Images    []string       `json:"images"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	uid := userID(ctx)
	if req.Model == "" {
		req.Model = s.opts.DefaultModel
	}

	var (
		sid int64
		err error
	)
	if req.SessionID.IsZero() {
		sid, err = s.store.CreateSession(ctx, uid, "")
	} else {
		sid, err = chatstore.ParseSessionID(req.SessionID)
		if err == nil {
			_, err = s.store.Session(ctx, uid, sid)
		}
	}
	if s.notFound(w, err, "Session not found") {
		return
	}

	if _, err := s.store.SaveMessage(ctx, uid, sid, chat.Message{Role: chat.RoleUser, Content: req.Message, Model: req.Model}); err != nil {
		writeError(w, err)
		return
	}
	history, err := s.store.History(ctx, uid, sid, promptWindow)
	if err != nil {
		writeError(w, err)
		return
	}
	turn := Turn{Model: req.Model, History: history}
	if s.isVision(req.Model) {
		turn.Images = req.Images
	}

	g := s.gens.start(uid, sid, req.Model, "")
	defer s.gens.finish(uid, g)

	ev := newEventWriter(w)
	ev.send(map[string]any{"type": "session", "session_id": sid})

	full, ok := s.generate(ctx, ev, g, turn, "")
	if !ok {
		return
	}
	if g.wasStopped(ctx) {
		if full != "" {
			s.saveMessage(uid, sid, chat.Message{Role: chat.RoleAssistant, Content: full, Model: req.Model, Partial: true})
		}
		ev.send(map[string]any{"type": "stopped", "partial": true})
		return
	}
	if full == "" {
		ev.send(map[string]any{"type": "done", "usage": chat.Usage{}})
		return
	}
	s.saveMessage(uid, sid, chat.Message{Role: chat.RoleAssistant, Content: full, Model: req.Model})
	s.finishTurn(ctx, ev, uid, sid, req.Model, turn, full)
}

type continueRequest struct {
	SessionID chat.SessionID `json:"session_id"`
	Model     string         `json:"model"`
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	var req continueRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	uid := userID(ctx)
	if req.Model == "" {
		req.Model = s.opts.DefaultModel
	}
	sid, err := chatstore.ParseSessionID(req.SessionID)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "No messages to continue from")
		return
	}
	history, err := s.store.History(ctx, uid, sid, historyWindow)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(history) == 0 {
		writeDetail(w, http.StatusBadRequest, "No messages to continue from")
		return
	}
	last := history[len(history)-1]
	if !last.IsAssistant() || !last.Partial {
		writeDetail(w, http.StatusBadRequest, "Last message is not a partial response")
		return
	}

	turn := Turn{Model: req.Model, History: history, Continuation: true}
	g := s.gens.start(uid, sid, req.Model, last.Content)
	defer s.gens.finish(uid, g)

	ev := newEventWriter(w)
	full, ok := s.generate(ctx, ev, g, turn, last.Content)
	if !ok {
		return
	}
	if g.wasStopped(ctx) {
		s.updateMessage(last.ID, full, true)
		ev.send(map[string]any{"type": "stopped", "partial": true})
		return
	}
	s.updateMessage(last.ID, full, false)
	s.finishTurn(ctx, ev, uid, sid, req.Model, turn, full)
}

// generate streams the responder's reply chunk by chunk on top of prefix. It returns false
// when the turn already ended with an error event.
func (s *Server) generate(ctx context.Context, ev *eventWriter, g *generation, turn Turn, prefix string) (string, bool) {
	reply, err := s.opts.Responder.Respond(ctx, turn)
	if err != nil {
		log.Warn().Err(err).Str("component", "devserver").Msg("responder failed")
		ev.send(map[string]any{"type": "error", "error": err.Error()})
		return prefix, false
	}

	var b strings.Builder
	b.WriteString(prefix)
	for _, c := range chunks(reply) {
		if g.wasStopped(ctx) {
			break
		}
		if c == "" {
			continue
		}
		b.WriteString(c)
		g.setContent(b.String())
		ev.send(map[string]any{"type": "content", "content": c})
		if s.opts.ChunkDelay > 0 {
			select {
			case <-time.After(s.opts.ChunkDelay):
			case <-g.stopped:
			case <-ctx.Done():
			}
		}
	}
	return b.String(), true
}

func (g *generation) wasStopped(ctx context.Context) bool {
	select {
	case <-g.stopped:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// finishTurn records usage, persists the artifacts found in the full reply and sends done.
func (s *Server) finishTurn(ctx context.Context, ev *eventWriter, uid, sid int64, model string, turn Turn, full string) {
	usage := chat.Usage{CompletionTokens: len(strings.Fields(full))}
	for _, m := range turn.History {
		usage.PromptTokens += len(strings.Fields(m.Content))
	}
	if err := s.store.LogUsage(ctx, uid, model, usage); err != nil {
		log.Warn().Err(err).Str("component", "devserver").Msg("could not log usage")
	}

	counts := chat.ArtifactCounts{}
	for _, a := range artifacts.Extract(full) {
		if _, err := s.store.SaveArtifact(ctx, uid, sid, a); err != nil {
			log.Warn().Err(err).Str("component", "devserver").Msg("could not save artifact")
			continue
		}
		switch a.Type {
		case chat.ArtifactCode:
			counts.Code++
		case chat.ArtifactThought:
			counts.Thought++
		case chat.ArtifactDocument:
			counts.Document++
		}
	}
	ev.send(map[string]any{"type": "done", "usage": usage, "artifacts": counts})
}

// saveMessage runs detached from the request so a disconnecting client still leaves its
// partial reply behind.
func (s *Server) saveMessage(uid, sid int64, m chat.Message) {
	if _, err := s.store.SaveMessage(context.Background(), uid, sid, m); err != nil {
		log.Error().Err(err).Str("component", "devserver").Int64("session_id", sid).Msg("could not save reply")
	}
}

func (s *Server) updateMessage(id int64, content string, partial bool) {
	if err := s.store.UpdateMessage(context.Background(), id, content, partial); err != nil {
		log.Error().Err(err).Str("component", "devserver").Int64("message_id", id).Msg("could not update reply")
	}
}

func (s *Server) isVision(model string) bool {
	return chat.ModelCatalog{VisionModels: s.opts.VisionModels}.IsVision(model)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID chat.SessionID `json:"session_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	sid, err := chatstore.ParseSessionID(req.SessionID)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "No active generation"})
		return
	}
	g, ok := s.gens.get(userID(r.Context()), sid)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "No active generation"})
		return
	}
	g.stop()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "partial_content": g.Content()})
}

func (s *Server) handleGenerationStatus(w http.ResponseWriter, r *http.Request) {
	g, ok := s.gens.forUser(userID(r.Context()))
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"status": "none"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "generating",
		"session_id": g.session,
		"model":      g.model,
		"content":    g.Content(),
		"started_at": g.started.Format(time.RFC3339),
	})
}

func (s *Server) handleGenerationClear(w http.ResponseWriter, r *http.Request) {
	s.gens.cancelUser(userID(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
