package ui

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/borak/pkg/bus"
	"github.com/go-go-golems/borak/pkg/chat"
)

func dialBridge(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestWSBridge_HelloCarriesSnapshot(t *testing.T) {
	b := NewWSBridge(WSBridgeOptions{SanitizeHTML: true})
	b.Render(bus.Event{Kind: bus.KindSessionCurrent, SessionID: "4"})
	b.Render(bus.Event{Kind: bus.KindHistoryLoaded, SessionID: "4", Messages: []chat.Message{{Role: chat.RoleUser, Content: "hi"}}})
	b.Render(bus.Event{Kind: bus.KindMessageUpdated, SessionID: "4", Delta: "not kept"})

	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	conn := dialBridge(t, srv.URL)
	hello := readFrame(t, conn)
	require.Equal(t, FrameHello, hello.Type)
	require.Len(t, hello.Snapshot, 2)
	require.Equal(t, bus.KindSessionCurrent, hello.Snapshot[0].Kind)
	require.Equal(t, chat.SessionID("4"), hello.Snapshot[0].SessionID)
	require.Equal(t, bus.KindHistoryLoaded, hello.Snapshot[1].Kind)
	require.Equal(t, "hi", hello.Snapshot[1].Messages[0].Content)
}

func TestWSBridge_BroadcastsEventsAndPongs(t *testing.T) {
	b := NewWSBridge(WSBridgeOptions{SanitizeHTML: true})
	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	conn := dialBridge(t, srv.URL)
	require.Equal(t, FrameHello, readFrame(t, conn).Type)
	require.Eventually(t, func() bool { return b.Clients() == 1 }, time.Second, 5*time.Millisecond)

	b.Render(bus.Event{Kind: bus.KindMessageUpdated, SessionID: "1", Index: 1, Delta: "Hel"})
	f := readFrame(t, conn)
	require.Equal(t, FrameEvent, f.Type)
	require.NotNil(t, f.Event)
	require.Equal(t, bus.KindMessageUpdated, f.Event.Kind)
	require.Equal(t, "Hel", f.Event.Delta)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	require.Equal(t, FramePong, readFrame(t, conn).Type)

	_ = conn.Close()
	require.Eventually(t, func() bool { return b.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWSBridge_StreamedMarkupReachesClientsEscaped(t *testing.T) {
	for _, sanitize := range []bool{true, false} {
		b := NewWSBridge(WSBridgeOptions{SanitizeHTML: sanitize})
		srv := httptest.NewServer(b.Handler())

		conn := dialBridge(t, srv.URL)
		require.Equal(t, FrameHello, readFrame(t, conn).Type)
		require.Eventually(t, func() bool { return b.Clients() == 1 }, time.Second, 5*time.Millisecond)

		msg := chat.Message{Role: chat.RoleAssistant, Content: "try **this** <script>alert(1)</script>"}
		b.Render(bus.Event{Kind: bus.KindMessageUpdated, SessionID: "1", Index: 1, Message: &msg, Delta: "<script>alert(1)</script>"})
		f := readFrame(t, conn)
		require.NotNil(t, f.Event)
		require.NotNil(t, f.Event.Message)
		require.Equal(t, msg.Content, f.Event.Message.Content)
		require.Contains(t, f.Event.Message.HTML, "<strong>this</strong>")
		require.Contains(t, f.Event.Message.HTML, "&lt;script&gt;")
		require.NotContains(t, f.Event.Message.HTML, "<script>")
		require.Empty(t, msg.HTML)

		b.Render(bus.Event{Kind: bus.KindHistoryLoaded, SessionID: "1", Messages: []chat.Message{{Role: chat.RoleUser, Content: "<b>hi</b>"}}})
		f = readFrame(t, conn)
		require.Equal(t, "&lt;b&gt;hi&lt;/b&gt;", f.Event.Messages[0].HTML)

		srv.Close()
	}
}

func TestWSBridge_ServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := NewWSBridge(WSBridgeOptions{SanitizeHTML: true})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx, ln) }()

	conn := dialBridge(t, "http://"+ln.Addr().String())
	require.Equal(t, FrameHello, readFrame(t, conn).Type)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
