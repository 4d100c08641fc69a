package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/borak/pkg/chat"
)

type collectingRenderer struct {
	mu     sync.Mutex
	events []Event
}

func (c *collectingRenderer) Render(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collectingRenderer) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestDispatch_PreservesOrder(t *testing.T) {
	b := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	r := &collectingRenderer{}
	done, err := Dispatch(ctx, b, r)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		b.Emit(Event{Kind: KindMessageUpdated, Index: i, Delta: "x"})
	}
	counts := chat.ArtifactCounts{Code: 2}
	b.Emit(Event{Kind: KindArtifactCounts, Counts: &counts, SessionID: "4"})

	// publishing blocks until the renderer acked, so everything is rendered here
	evs := r.snapshot()
	require.Len(t, evs, 51)
	for i := 0; i < 50; i++ {
		require.Equal(t, i, evs[i].Index)
	}
	require.Equal(t, 2, evs[50].Counts.Code)
	require.Equal(t, chat.SessionID("4"), evs[50].SessionID)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	require.NoError(t, b.Close())
	b.Emit(Event{Kind: KindNotice})
}

func TestEmitWithoutSubscriberDoesNotBlock(t *testing.T) {
	b := NewMemory()
	defer func() { _ = b.Close() }()
	finished := make(chan struct{})
	go func() {
		b.Emit(Event{Kind: KindNotice, Text: "nobody listens"})
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("emit blocked")
	}
}

func TestRecorderAndFanout(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	f := Fanout{a, b, Nop}
	f.Emit(Event{Kind: KindPhase, Phase: "generating"})
	f.Emit(Event{Kind: KindNotice})
	require.Len(t, a.Events(), 2)
	require.Len(t, b.OfKind(KindPhase), 1)
	a.Reset()
	require.Empty(t, a.Events())
}
