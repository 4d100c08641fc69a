package artifacts

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/borak/pkg/api"
	"github.com/go-go-golems/borak/pkg/chat"
)

// Store is the collaborating artifact storage. Artifacts are user-scoped there; the indexer
// narrows them to one session.
type Store interface {
	UserArtifacts(ctx context.Context, t chat.ArtifactType) (chat.ArtifactSet, error)
	DeleteArtifact(ctx context.Context, id int64) error
}

// Indexer holds the artifacts of the session on screen plus the provisional counts of the
// turn being streamed.
//
// Provisional counts are added on top of the authoritative counts known when the turn
// started, and each type only ever grows during a turn, so the displayed total never
// regresses while text arrives.
type Indexer struct {
	store Store

	mu          sync.Mutex
	set         chat.ArtifactSet
	baseline    chat.ArtifactCounts
	provisional chat.ArtifactCounts
	streaming   bool
}

func NewIndexer(store Store) *Indexer {
	return &Indexer{store: store, set: chat.ArtifactSet{}}
}

// BeginTurn snapshots the authoritative counts as the baseline for a new streamed turn.
func (ix *Indexer) BeginTurn() chat.ArtifactCounts {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.baseline = ix.set.Counts()
	ix.provisional = chat.ArtifactCounts{}
	ix.streaming = true
	return ix.baseline
}

// Observe recounts the text streamed so far in this turn and returns the counts to display.
func (ix *Indexer) Observe(turnText string) chat.ArtifactCounts {
	c := Count(turnText)
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.provisional = ix.provisional.Max(c)
	return ix.baseline.Add(ix.provisional)
}

// Counts returns what should currently be displayed.
func (ix *Indexer) Counts() chat.ArtifactCounts {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.streaming {
		return ix.baseline.Add(ix.provisional)
	}
	return ix.set.Counts()
}

// Reload replaces the index with the canonical artifacts of session and ends any provisional
// turn. On failure the previous index is kept.
func (ix *Indexer) Reload(ctx context.Context, session chat.SessionID) (chat.ArtifactSet, error) {
	all, err := ix.store.UserArtifacts(ctx, "")
	if err != nil {
		return nil, errors.Wrap(err, "load artifacts")
	}
	set := all.Filter(session)

	ix.mu.Lock()
	ix.set = set
	ix.streaming = false
	ix.provisional = chat.ArtifactCounts{}
	ix.mu.Unlock()

	log.Debug().Str("component", "artifacts").Str("session_id", session.String()).
		Int("count", set.Counts().Total()).Msg("artifacts reloaded")
	return ix.Artifacts(), nil
}

// EndTurn drops the provisional counts without reloading, used when a turn ends without a
// canonical reload (stop, failure).
func (ix *Indexer) EndTurn() chat.ArtifactCounts {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.streaming = false
	ix.provisional = chat.ArtifactCounts{}
	return ix.set.Counts()
}

// Delete removes an artifact remotely and locally. Deleting an id the store no longer knows is
// not an error.
func (ix *Indexer) Delete(ctx context.Context, id int64) error {
	if err := ix.store.DeleteArtifact(ctx, id); err != nil && !errors.Is(err, api.ErrNotFound) {
		return errors.Wrapf(err, "delete artifact %d", id)
	}
	ix.mu.Lock()
	ix.set.Remove(id)
	ix.mu.Unlock()
	return nil
}

// Clear drops the cached artifacts, used when the session on screen changes.
func (ix *Indexer) Clear() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.set = chat.ArtifactSet{}
	ix.baseline = chat.ArtifactCounts{}
	ix.provisional = chat.ArtifactCounts{}
	ix.streaming = false
}

// Artifacts returns a copy of the index.
func (ix *Indexer) Artifacts() chat.ArtifactSet {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	out := make(chat.ArtifactSet, len(ix.set))
	for t, bucket := range ix.set {
		out[t] = append([]chat.Artifact(nil), bucket...)
	}
	return out
}

func (ix *Indexer) Find(id int64) (chat.Artifact, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.set.Find(id)
}
