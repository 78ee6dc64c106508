package dispatch

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/observability"
)

// ErrNoSession is returned when an identity has no live connection.
var ErrNoSession = errors.New("no live session")

// Options tunes per-session buffering and heartbeats.
type Options struct {
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	return o
}

// Registry maps each identity to at most one live session. Removing an
// identity, whether by disconnect or by a failed send, runs every eviction
// hook so dependent state (room memberships) is cleaned up with it.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	drivers  map[string]struct{}

	hookMu  sync.RWMutex
	onEvict []func(identity string)

	opts Options
	log  *slog.Logger
}

func NewRegistry(log *slog.Logger, opts Options) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		drivers:  make(map[string]struct{}),
		opts:     opts.withDefaults(),
		log:      log,
	}
}

// OnEvict registers fn to run after an identity leaves the registry.
func (r *Registry) OnEvict(fn func(identity string)) {
	r.hookMu.Lock()
	r.onEvict = append(r.onEvict, fn)
	r.hookMu.Unlock()
}

// Connect binds identity to conn, superseding and closing any previous
// session. Room memberships survive supersession.
func (r *Registry) Connect(identity string, conn Transport) *Session {
	s := newSession(identity, conn, r.opts)

	r.mu.Lock()
	old := r.sessions[identity]
	r.sessions[identity] = s
	n := len(r.sessions)
	r.mu.Unlock()

	observability.ConnectionsActive.Set(float64(n))
	if old != nil {
		old.close()
		observability.PresenceEvictions.WithLabelValues("superseded").Inc()
		r.log.Info("session superseded", "identity", identity, "old_session", old.ID, "session", s.ID)
	}

	go s.writePump(func(err error) {
		r.log.Warn("ws write failed", "identity", identity, "session", s.ID, "error", err)
		r.evict(s, "write_failed")
	})
	return s
}

// Disconnect removes identity and cascades. Unknown identities are a no-op.
func (r *Registry) Disconnect(identity string) {
	r.mu.RLock()
	s := r.sessions[identity]
	r.mu.RUnlock()
	if s != nil {
		r.evict(s, "disconnect")
	}
}

// Release is called when a session's read loop ends. It only removes the
// identity if s is still its current session.
func (r *Registry) Release(s *Session) {
	r.evict(s, "disconnect")
}

func (r *Registry) evict(s *Session, reason string) {
	r.mu.Lock()
	current := r.sessions[s.Identity] == s
	if current {
		delete(r.sessions, s.Identity)
		if _, ok := r.drivers[s.Identity]; ok {
			delete(r.drivers, s.Identity)
			observability.DriversOnline.Dec()
		}
	}
	n := len(r.sessions)
	r.mu.Unlock()

	s.close()
	if !current {
		return
	}

	observability.ConnectionsActive.Set(float64(n))
	observability.PresenceEvictions.WithLabelValues(reason).Inc()
	r.log.Info("identity removed", "identity", s.Identity, "session", s.ID, "reason", reason)

	r.hookMu.RLock()
	hooks := append([]func(string){}, r.onEvict...)
	r.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(s.Identity)
	}
}

// SendTo queues e for identity. It reports false when the identity has no
// session or the send fails, in which case the identity is evicted.
func (r *Registry) SendTo(identity string, e Event) bool {
	r.mu.RLock()
	s := r.sessions[identity]
	r.mu.RUnlock()
	if s == nil {
		return false
	}
	if !s.enqueue(e) {
		r.log.Warn("send queue full", "identity", identity, "session", s.ID, "event", e.Type)
		r.evict(s, "send_failed")
		return false
	}
	return true
}

// BroadcastAll sends e to every live session and returns the delivered count.
func (r *Registry) BroadcastAll(e Event) int {
	delivered := 0
	for _, id := range r.Identities() {
		if r.SendTo(id, e) {
			delivered++
		}
	}
	return delivered
}

// Identities returns a snapshot of connected identities.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

func (r *Registry) Connected(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[identity]
	return ok
}

// MarkDriverOnline flags a connected identity as an online driver. It
// returns false when the identity has no session.
func (r *Registry) MarkDriverOnline(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[identity]; !ok {
		return false
	}
	if _, ok := r.drivers[identity]; !ok {
		r.drivers[identity] = struct{}{}
		observability.DriversOnline.Inc()
	}
	return true
}

func (r *Registry) MarkDriverOffline(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.drivers[identity]; ok {
		delete(r.drivers, identity)
		observability.DriversOnline.Dec()
	}
}

// Counts returns the number of live sessions and online drivers.
func (r *Registry) Counts() (connections, onlineDrivers int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions), len(r.drivers)
}

// Close closes every session without running eviction hooks; used on shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.drivers = make(map[string]struct{})
	r.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
	observability.ConnectionsActive.Set(0)
	observability.DriversOnline.Set(0)
}
