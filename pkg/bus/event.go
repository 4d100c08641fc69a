// Package bus carries state changes from the chat engine to whatever presents them.
//
// The engine never draws anything. Each state transition is emitted as an Event; terminal
// renderers, websocket clients or a second process following a Redis stream subscribe and
// render. Events are plain JSON so every transport carries the same payload.
package bus

import (
	"sync"

	"github.com/go-go-golems/borak/pkg/chat"
)

type Kind string

const (
	// KindMessageAppended carries a new log entry in Message at Index.
	KindMessageAppended Kind = "message.appended"
	// KindMessageUpdated carries the new state of the entry at Index and the appended Delta.
	KindMessageUpdated Kind = "message.updated"
	// KindHistoryLoaded carries the whole log of the session after a load or clear.
	KindHistoryLoaded   Kind = "history.loaded"
	KindPhase           Kind = "generation.phase"
	KindSessionCurrent  Kind = "session.current"
	KindSessionsListed  Kind = "sessions.listed"
	KindArtifactCounts  Kind = "artifacts.counts"
	KindArtifactsLoaded Kind = "artifacts.loaded"
	KindUsage           Kind = "generation.usage"
	KindAuthRequired    Kind = "auth.required"
	// KindNotice is a one-line message for the user (rejected action, remote error).
	KindNotice Kind = "notice"
)

type Event struct {
	Kind      Kind           `json:"kind"`
	SessionID chat.SessionID `json:"session_id,omitempty"`

	Index    int            `json:"index,omitempty"`
	Message  *chat.Message  `json:"message,omitempty"`
	Delta    string         `json:"delta,omitempty"`
	Messages []chat.Message `json:"messages,omitempty"`

	Phase       string `json:"phase,omitempty"`
	CanContinue bool   `json:"can_continue,omitempty"`

	Sessions []chat.Session `json:"sessions,omitempty"`
	HasMore  bool           `json:"has_more,omitempty"`

	Counts    *chat.ArtifactCounts `json:"counts,omitempty"`
	Artifacts chat.ArtifactSet     `json:"artifacts,omitempty"`
	Usage     *chat.Usage          `json:"usage,omitempty"`

	Text string `json:"text,omitempty"`
}

// Emitter receives state events.
type Emitter interface {
	Emit(Event)
}

type EmitterFunc func(Event)

func (f EmitterFunc) Emit(ev Event) { f(ev) }

// Nop drops every event.
var Nop Emitter = EmitterFunc(func(Event) {})

// Renderer is the presentation capability driven by Dispatch.
type Renderer interface {
	Render(Event)
}

type RendererFunc func(Event)

func (f RendererFunc) Render(ev Event) { f(ev) }

// Recorder is an Emitter that keeps everything it receives.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfKind returns the recorded events of kind k.
func (r *Recorder) OfKind(k Kind) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
