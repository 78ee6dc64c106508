package dispatch

import (
	"errors"
	"sync"
	"time"
)

type fakeConn struct {
	mu     sync.Mutex
	events []Event
	closed bool
	fail   bool
	block  chan struct{}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.events = append(c.events, v.(Event))
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error          { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) received(eventType string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, e := range c.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (c *fakeConn) has(eventType string) func() bool {
	return func() bool { return len(c.received(eventType)) > 0 }
}
