package dispatch

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Transport is the part of *websocket.Conn a session writes through.
type Transport interface {
	WriteJSON(v interface{}) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Session is one live connection handle. Writes are serialized through a
// buffered queue drained by a single writer goroutine, so a slow peer never
// blocks the caller.
type Session struct {
	ID       string
	Identity string

	conn         Transport
	out          chan Event
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	pingInterval time.Duration
}

func newSession(identity string, conn Transport, opts Options) *Session {
	return &Session{
		ID:           uuid.NewString(),
		Identity:     identity,
		conn:         conn,
		out:          make(chan Event, opts.SendBuffer),
		done:         make(chan struct{}),
		writeTimeout: opts.WriteTimeout,
		pingInterval: opts.PingInterval,
	}
}

// enqueue never blocks; a full queue counts as a transport failure.
func (s *Session) enqueue(e Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- e:
		return true
	case <-s.done:
		return false
	default:
		return false
	}
}

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) writePump(onError func(error)) {
	var tick <-chan time.Time
	if s.pingInterval > 0 {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-s.done:
			return
		case e := <-s.out:
			if s.writeTimeout > 0 {
				_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			}
			if err := s.conn.WriteJSON(e); err != nil {
				onError(err)
				return
			}
		case <-tick:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout)); err != nil {
				onError(err)
				return
			}
		}
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}
