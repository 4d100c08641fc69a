package ui

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultSendBuffer   = 64
	defaultWriteTimeout = 5 * time.Second
)

// wsConn is the part of *websocket.Conn the pool writes through.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type client struct {
	conn wsConn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) stop() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// ConnectionPool fans state events out to websocket clients.
// Each connection has its own writer goroutine and bounded queue; a client that cannot keep
// up is dropped instead of stalling the chat.
type ConnectionPool struct {
	name         string
	mu           sync.Mutex
	conns        map[wsConn]*client
	sendBuffer   int
	writeTimeout time.Duration
	idleTimer    *time.Timer
	idleTimeout  time.Duration
	onIdle       func()
}

func NewConnectionPool(name string, idleTimeout time.Duration, onIdle func()) *ConnectionPool {
	return &ConnectionPool{
		name:         name,
		conns:        map[wsConn]*client{},
		sendBuffer:   defaultSendBuffer,
		writeTimeout: defaultWriteTimeout,
		idleTimeout:  idleTimeout,
		onIdle:       onIdle,
	}
}

func (cp *ConnectionPool) Add(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	c := &client{conn: conn, send: make(chan []byte, max(cp.sendBuffer, 1)), done: make(chan struct{})}
	cp.mu.Lock()
	cp.conns[conn] = c
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
	go cp.writeLoop(c)
}

func (cp *ConnectionPool) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if cp.writeTimeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(cp.writeTimeout))
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("component", "ui").Str("pool", cp.name).Msg("ws write failed, dropping connection")
				cp.Remove(c.conn)
				return
			}
		}
	}
}

func (cp *ConnectionPool) Remove(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	c, ok := cp.conns[conn]
	delete(cp.conns, conn)
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
	if ok {
		c.stop()
	} else {
		_ = conn.Close()
	}
}

// Broadcast queues data for every connection. A connection whose queue is full is closed.
func (cp *ConnectionPool) Broadcast(data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	var slow []*client
	cp.mu.Lock()
	for conn, c := range cp.conns {
		select {
		case c.send <- data:
		default:
			log.Warn().Str("component", "ui").Str("pool", cp.name).Msg("ws send buffer full, dropping connection")
			delete(cp.conns, conn)
			slow = append(slow, c)
		}
	}
	if len(slow) > 0 {
		cp.scheduleIdleTimerLocked()
	}
	cp.mu.Unlock()
	for _, c := range slow {
		c.stop()
	}
}

// SendToOne queues data for a single connection.
func (cp *ConnectionPool) SendToOne(conn wsConn, data []byte) {
	if cp == nil || conn == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	c, ok := cp.conns[conn]
	if !ok {
		cp.mu.Unlock()
		return
	}
	select {
	case c.send <- data:
		cp.mu.Unlock()
	default:
		delete(cp.conns, conn)
		cp.scheduleIdleTimerLocked()
		cp.mu.Unlock()
		log.Warn().Str("component", "ui").Str("pool", cp.name).Msg("ws send buffer full, dropping connection")
		c.stop()
	}
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	clients := make([]*client, 0, len(cp.conns))
	for conn, c := range cp.conns {
		clients = append(clients, c)
		delete(cp.conns, conn)
	}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
	for _, c := range clients {
		c.stop()
	}
}

func (cp *ConnectionPool) stopIdleTimerLocked() {
	if cp.idleTimer != nil {
		cp.idleTimer.Stop()
		cp.idleTimer = nil
	}
}

func (cp *ConnectionPool) scheduleIdleTimerLocked() {
	cp.stopIdleTimerLocked()
	if len(cp.conns) != 0 || cp.idleTimeout <= 0 || cp.onIdle == nil {
		return
	}
	cp.idleTimer = time.AfterFunc(cp.idleTimeout, cp.triggerIdle)
}

func (cp *ConnectionPool) triggerIdle() {
	var callback func()
	cp.mu.Lock()
	if len(cp.conns) == 0 {
		callback = cp.onIdle
	}
	cp.idleTimer = nil
	cp.mu.Unlock()
	if callback != nil {
		callback()
	}
}
