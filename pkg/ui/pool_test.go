package ui

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubConn struct {
	mu       sync.Mutex
	writes   [][]byte
	blockCh  chan struct{}
	closedCh chan struct{}
}

func newStubConn(blockWrites bool) *stubConn {
	blockCh := make(chan struct{})
	if !blockWrites {
		close(blockCh)
	}
	return &stubConn{blockCh: blockCh, closedCh: make(chan struct{})}
}

func (s *stubConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-s.closedCh:
		return errors.New("closed")
	case <-s.blockCh:
	}
	s.mu.Lock()
	s.writes = append(s.writes, data)
	s.mu.Unlock()
	return nil
}

func (s *stubConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closedCh:
	default:
		close(s.closedCh)
	}
	return nil
}

func (s *stubConn) SetWriteDeadline(_ time.Time) error {
	return nil
}

func (s *stubConn) written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.writes))
	for i, w := range s.writes {
		out[i] = string(w)
	}
	return out
}

func (s *stubConn) closed() bool {
	select {
	case <-s.closedCh:
		return true
	default:
		return false
	}
}

func TestConnectionPoolDropsOnFullBuffer(t *testing.T) {
	pool := NewConnectionPool("events", 0, nil)
	pool.sendBuffer = 1
	pool.writeTimeout = 0

	conn := newStubConn(true)
	pool.Add(conn)

	pool.Broadcast([]byte("one"))
	pool.Broadcast([]byte("two"))
	pool.Broadcast([]byte("three"))

	require.Eventually(t, func() bool {
		return pool.Count() == 0
	}, time.Second, 10*time.Millisecond)
	require.True(t, conn.closed())
}

func TestConnectionPoolBroadcastInOrder(t *testing.T) {
	pool := NewConnectionPool("events", 0, nil)
	a, b := newStubConn(false), newStubConn(false)
	pool.Add(a)
	pool.Add(b)
	require.Equal(t, 2, pool.Count())

	pool.Broadcast([]byte("one"))
	pool.Broadcast([]byte("two"))
	pool.SendToOne(a, []byte("only-a"))

	require.Eventually(t, func() bool { return len(a.written()) == 3 && len(b.written()) == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"one", "two", "only-a"}, a.written())
	require.Equal(t, []string{"one", "two"}, b.written())

	pool.Remove(a)
	require.Equal(t, 1, pool.Count())
	require.True(t, a.closed())

	pool.CloseAll()
	require.Equal(t, 0, pool.Count())
	require.True(t, b.closed())
}

func TestConnectionPoolIdleCallback(t *testing.T) {
	idle := make(chan struct{}, 1)
	pool := NewConnectionPool("events", 20*time.Millisecond, func() { idle <- struct{}{} })
	conn := newStubConn(false)
	pool.Add(conn)
	pool.Remove(conn)

	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatal("idle callback not invoked")
	}
}
