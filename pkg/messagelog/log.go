// Package messagelog keeps the ordered messages of the session currently on screen.
package messagelog

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/borak/pkg/chat"
)

var (
	ErrEmpty        = errors.New("message log is empty")
	ErrNotAssistant = errors.New("last message is not an assistant message")
)

// Log is an append-only sequence of messages. Only the last entry may change, and only
// while it is an assistant message.
type Log struct {
	mu      sync.RWMutex
	entries []chat.Message
}

func New() *Log {
	return &Log{}
}

// Append adds m at the end and returns its index.
func (l *Log) Append(m chat.Message) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, m)
	return len(l.entries) - 1
}

// Replace swaps the whole log, used when a session's history is loaded.
func (l *Log) Replace(ms []chat.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append([]chat.Message(nil), ms...)
}

// MutateLast applies fn to the last entry and returns the updated copy.
func (l *Log) MutateLast(fn func(m *chat.Message)) (chat.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return chat.Message{}, ErrEmpty
	}
	last := &l.entries[len(l.entries)-1]
	if !last.IsAssistant() {
		return chat.Message{}, ErrNotAssistant
	}
	role := last.Role
	fn(last)
	last.Role = role
	return *last, nil
}

func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

func (l *Log) Last() (chat.Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return chat.Message{}, false
	}
	return l.entries[len(l.entries)-1], true
}

// Messages returns a copy of the entries.
func (l *Log) Messages() []chat.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]chat.Message(nil), l.entries...)
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// CanContinue reports whether the last entry is an interrupted assistant turn that is not
// currently streaming. It is derived on every call and never cached.
func (l *Log) CanContinue() bool {
	last, ok := l.Last()
	return ok && last.IsAssistant() && last.Partial && !last.Streaming
}
