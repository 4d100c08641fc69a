package sse

import (
	"github.com/go-go-golems/borak/pkg/chat"
)

// EventType discriminates stream events.
type EventType string

const (
	EventSession EventType = "session"
	EventContent EventType = "content"
	EventDone    EventType = "done"
	EventStopped EventType = "stopped"
	EventError   EventType = "error"
)

// Known reports whether t is one of the event types the engine reacts to.
func (t EventType) Known() bool {
	switch t {
	case EventSession, EventContent, EventDone, EventStopped, EventError:
		return true
	}
	return false
}

// Terminal reports whether t finalizes the in-flight message.
func (t EventType) Terminal() bool {
	return t == EventDone || t == EventStopped
}

// Event is one decoded `data: {...}` frame.
type Event struct {
	Type EventType `json:"type"`

	SessionID chat.SessionID `json:"session_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	Error     string         `json:"error,omitempty"`

	// optional extras sent by the service
	Partial   bool                 `json:"partial,omitempty"`
	Usage     *chat.Usage          `json:"usage,omitempty"`
	Artifacts *chat.ArtifactCounts `json:"artifacts,omitempty"`
}
