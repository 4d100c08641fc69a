package ui

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/borak/pkg/bus"
	"github.com/go-go-golems/borak/pkg/chat"
	"github.com/go-go-golems/borak/pkg/markup"
)

const (
	FrameHello = "ws.hello"
	FrameEvent = "borak.event"
	FramePong  = "ws.pong"
)

// Frame is the JSON envelope sent to websocket clients.
type Frame struct {
	Type  string     `json:"type"`
	Event *bus.Event `json:"event,omitempty"`
	// Snapshot holds the latest session and history events, sent with the hello frame.
	Snapshot []bus.Event `json:"snapshot,omitempty"`
}

type WSBridgeOptions struct {
	// SanitizeHTML passes the formatted message HTML through the markup allow-list.
	SanitizeHTML bool
}

// WSBridge renders bus events to websocket clients. Messages are sent with their formatted
// HTML next to the raw content.
type WSBridge struct {
	pool     *ConnectionPool
	upgrader websocket.Upgrader
	opts     WSBridgeOptions

	mu       sync.Mutex
	snapshot map[bus.Kind]bus.Event
}

func NewWSBridge(opts WSBridgeOptions) *WSBridge {
	return &WSBridge{
		pool:     NewConnectionPool("events", 0, nil),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		opts:     opts,
		snapshot: map[bus.Kind]bus.Event{},
	}
}

func (b *WSBridge) format(raw string) string {
	if b.opts.SanitizeHTML {
		return markup.FormatSafe(raw)
	}
	return markup.Format(raw)
}

// withHTML returns ev with HTML filled on copies of its messages.
func (b *WSBridge) withHTML(ev bus.Event) bus.Event {
	if ev.Message != nil {
		m := *ev.Message
		m.HTML = b.format(m.Content)
		ev.Message = &m
	}
	if len(ev.Messages) > 0 {
		msgs := make([]chat.Message, len(ev.Messages))
		for i, m := range ev.Messages {
			m.HTML = b.format(m.Content)
			msgs[i] = m
		}
		ev.Messages = msgs
	}
	return ev
}

var snapshotKinds = []bus.Kind{
	bus.KindSessionCurrent,
	bus.KindSessionsListed,
	bus.KindHistoryLoaded,
	bus.KindArtifactsLoaded,
	bus.KindPhase,
}

func (b *WSBridge) Render(ev bus.Event) {
	ev = b.withHTML(ev)
	for _, k := range snapshotKinds {
		if ev.Kind == k {
			b.mu.Lock()
			b.snapshot[k] = ev
			b.mu.Unlock()
			break
		}
	}
	data, err := json.Marshal(Frame{Type: FrameEvent, Event: &ev})
	if err != nil {
		log.Error().Err(err).Str("component", "ui").Str("kind", string(ev.Kind)).Msg("encode ws frame")
		return
	}
	b.pool.Broadcast(data)
}

func (b *WSBridge) hello() []byte {
	b.mu.Lock()
	f := Frame{Type: FrameHello}
	for _, k := range snapshotKinds {
		if ev, ok := b.snapshot[k]; ok {
			f.Snapshot = append(f.Snapshot, ev)
		}
	}
	b.mu.Unlock()
	data, _ := json.Marshal(f)
	return data
}

// Clients returns the number of connected websocket clients.
func (b *WSBridge) Clients() int { return b.pool.Count() }

// Handler upgrades /ws requests and keeps the connection until the client goes away.
// A text "ping" is answered with a pong frame.
func (b *WSBridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := b.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error().Err(err).Str("component", "ui").Msg("websocket upgrade failed")
			return
		}
		b.pool.Add(conn)
		b.pool.SendToOne(conn, b.hello())
		log.Debug().Str("component", "ui").Str("remote", r.RemoteAddr).Msg("events client connected")

		go func() {
			defer b.pool.Remove(conn)
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				if strings.TrimSpace(string(data)) == "ping" {
					pong, _ := json.Marshal(Frame{Type: FramePong})
					b.pool.SendToOne(conn, pong)
				}
			}
		}()
	})
	return mux
}

func (b *WSBridge) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	return b.Serve(ctx, ln)
}

func (b *WSBridge) Serve(ctx context.Context, ln net.Listener) error {
	httpSrv := &http.Server{
		Handler:           b.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info().Str("component", "ui").Str("addr", ln.Addr().String()).Msg("serving events")
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "serve events")
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		b.pool.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}
