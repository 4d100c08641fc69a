// Package chat holds the domain types shared by the session engine: sessions, messages,
// artifacts and the model catalog as the remote service describes them.
package chat

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// SessionID is the opaque identifier of a conversation session.
// The service sends numeric ids; the engine never interprets them.
type SessionID string

// NoSession is the zero SessionID.
const NoSession SessionID = ""

func (id SessionID) String() string { return string(id) }

func (id SessionID) IsZero() bool { return id == NoSession }

// MarshalJSON emits numeric ids as JSON numbers so the service's integer fields accept them.
func (id SessionID) MarshalJSON() ([]byte, error) {
	if id == NoSession {
		return []byte("null"), nil
	}
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// UnmarshalJSON accepts numbers, strings and null.
func (id *SessionID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = NoSession
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return errors.Wrap(err, "session id")
		}
		*id = SessionID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.Wrap(err, "session id")
	}
	*id = SessionID(n.String())
	return nil
}

// Session is an entry of the session list.
type Session struct {
	ID           SessionID `json:"id" yaml:"id"`
	Name         string    `json:"name" yaml:"name"`
	Preview      string    `json:"preview" yaml:"preview"`
	MessageCount int       `json:"message_count" yaml:"message_count"`
	CreatedAt    string    `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt    string    `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// DefaultSessionName is what the service names sessions created without a name.
const DefaultSessionName = "New Chat"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a session's log.
type Message struct {
	ID      int64  `json:"id,omitempty" yaml:"id,omitempty"`
	Role    Role   `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
	Model   string `json:"model,omitempty" yaml:"model,omitempty"`
	// Partial is set when an assistant turn was interrupted and can be continued.
	Partial bool `json:"is_partial" yaml:"is_partial"`
	// Attachments are opaque image references (base64 payloads on the wire).
	Attachments []string `json:"attachments,omitempty" yaml:"attachments,omitempty"`

	// HTML is Content run through the chat formatter. Only presentation adapters fill it.
	HTML string `json:"html,omitempty" yaml:"-"`

	// Streaming marks the in-flight assistant message of a running generation.
	Streaming bool `json:"-" yaml:"-"`
	// Error is the inline annotation left by a failed or remote-errored generation.
	Error string `json:"-" yaml:"-"`
}

func (m Message) IsAssistant() bool { return m.Role == RoleAssistant }

type ArtifactType string

const (
	ArtifactCode     ArtifactType = "code"
	ArtifactThought  ArtifactType = "thought"
	ArtifactDocument ArtifactType = "document"
)

// ArtifactTypes lists the buckets in display order.
var ArtifactTypes = []ArtifactType{ArtifactCode, ArtifactThought, ArtifactDocument}

// NormalizeArtifactType maps legacy type names onto the current buckets.
func NormalizeArtifactType(t string) (ArtifactType, bool) {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "code":
		return ArtifactCode, true
	case "thought":
		return ArtifactThought, true
	case "document", "explanation":
		return ArtifactDocument, true
	}
	return "", false
}

// Artifact is a structured piece of assistant output.
type Artifact struct {
	ID              int64        `json:"id" yaml:"id"`
	Type            ArtifactType `json:"type,omitempty" yaml:"type,omitempty"`
	Title           string       `json:"title" yaml:"title"`
	Language        string       `json:"language,omitempty" yaml:"language,omitempty"`
	Content         string       `json:"content" yaml:"content"`
	SourceSessionID SessionID    `json:"source_session_id,omitempty" yaml:"source_session_id,omitempty"`
	CreatedAt       string       `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}

// ArtifactSet groups artifacts by type. Ids are unique within a bucket.
type ArtifactSet map[ArtifactType][]Artifact

func (s ArtifactSet) Counts() ArtifactCounts {
	return ArtifactCounts{
		Code:     len(s[ArtifactCode]),
		Thought:  len(s[ArtifactThought]),
		Document: len(s[ArtifactDocument]),
	}
}

// Add inserts a into its bucket, replacing an entry with the same id.
func (s ArtifactSet) Add(a Artifact) {
	bucket := s[a.Type]
	for i := range bucket {
		if bucket[i].ID == a.ID {
			bucket[i] = a
			return
		}
	}
	s[a.Type] = append(bucket, a)
}

// Remove deletes the artifact with the given id from whichever bucket holds it.
// It reports whether anything was removed.
func (s ArtifactSet) Remove(id int64) bool {
	for t, bucket := range s {
		for i := range bucket {
			if bucket[i].ID == id {
				s[t] = append(bucket[:i:i], bucket[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Find looks an artifact up by id.
func (s ArtifactSet) Find(id int64) (Artifact, bool) {
	for _, t := range ArtifactTypes {
		for _, a := range s[t] {
			if a.ID == id {
				return a, true
			}
		}
	}
	return Artifact{}, false
}

// Filter returns the artifacts produced in the given session.
func (s ArtifactSet) Filter(session SessionID) ArtifactSet {
	out := ArtifactSet{}
	for t, bucket := range s {
		for _, a := range bucket {
			if a.SourceSessionID == "" || a.SourceSessionID == session {
				out[t] = append(out[t], a)
			}
		}
	}
	return out
}

// UnmarshalJSON decodes the service's `{"code": [...], "thought": [...], "document": [...]}` shape.
func (s *ArtifactSet) UnmarshalJSON(b []byte) error {
	raw := map[string][]Artifact{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return errors.Wrap(err, "artifact set")
	}
	out := ArtifactSet{}
	for k, items := range raw {
		t, ok := NormalizeArtifactType(k)
		if !ok {
			continue
		}
		for _, a := range items {
			a.Type = t
			out.Add(a)
		}
	}
	*s = out
	return nil
}

// ArtifactCounts is the per-type counter shown while streaming and carried by `done` events.
type ArtifactCounts struct {
	Code     int `json:"code" yaml:"code"`
	Thought  int `json:"thought" yaml:"thought"`
	Document int `json:"document" yaml:"document"`
}

func (c ArtifactCounts) Total() int { return c.Code + c.Thought + c.Document }

func (c ArtifactCounts) Add(o ArtifactCounts) ArtifactCounts {
	return ArtifactCounts{Code: c.Code + o.Code, Thought: c.Thought + o.Thought, Document: c.Document + o.Document}
}

// Max is the per-type maximum of c and o.
func (c ArtifactCounts) Max(o ArtifactCounts) ArtifactCounts {
	return ArtifactCounts{Code: max(c.Code, o.Code), Thought: max(c.Thought, o.Thought), Document: max(c.Document, o.Document)}
}

// ModelCatalog is the `GET /models` response.
type ModelCatalog struct {
	Models       []string `json:"models" yaml:"models"`
	Default      string   `json:"default" yaml:"default"`
	VisionModels []string `json:"vision_models" yaml:"vision_models"`
}

// IsVision reports whether model belongs to a vision family (substring match, case-insensitive).
func (c ModelCatalog) IsVision(model string) bool {
	m := strings.ToLower(model)
	for _, vm := range c.VisionModels {
		if vm != "" && strings.Contains(m, strings.ToLower(vm)) {
			return true
		}
	}
	return false
}

// Usage is the token accounting reported by `done` events.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens" yaml:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens" yaml:"completion_tokens"`
}
