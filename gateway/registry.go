package gateway

import (
	"context"

	"github.com/smppgw/gateway/metrics"
	"github.com/smppgw/gateway/pdu"
	"github.com/smppgw/gateway/provider"
)

// Session is the set of Connections bound to one system_id, plus the
// Dispatcher that handles submissions for them. A Session exists if and
// only if at least one Connection is bound to it.
type Session struct {
	SystemID string
	Password string

	conns      map[*Connection]struct{}
	dispatcher *Dispatcher
}

func newSession(systemID, password string, d *Dispatcher) *Session {
	return &Session{
		SystemID:   systemID,
		Password:   password,
		conns:      make(map[*Connection]struct{}),
		dispatcher: d,
	}
}

// Dispatcher returns the session's message dispatcher.
func (s *Session) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Registry is the process-local table of Sessions keyed by system_id. It
// is owned exclusively by one worker's accept/handler goroutines; callers
// are responsible for not sharing a Registry across workers (the Receipt
// Bus is the only cross-worker channel, per the concurrency model).
type Registry struct {
	prov provider.Provider

	// PublishToBus, when set, is handed to every Session's Dispatcher so
	// synthesized receipts are fanned out across worker processes instead
	// of being delivered locally by the Dispatcher. Set once before the
	// first Bind call.
	PublishToBus func(systemID string, d *pdu.DeliverSm)

	mu       chan struct{} // binary semaphore: cheap single-owner guard
	sessions map[string]*Session

	metrics *metrics.Metrics
}

// SetMetrics attaches a collector set; nil (the default) disables recording.
func (r *Registry) SetMetrics(m *metrics.Metrics) { r.metrics = m }

// NewRegistry creates an empty registry backed by prov for per-bind
// authentication.
func NewRegistry(prov provider.Provider) *Registry {
	r := &Registry{
		prov:     prov,
		mu:       make(chan struct{}, 1),
		sessions: make(map[string]*Session),
	}
	r.mu <- struct{}{}
	return r
}

func (r *Registry) lock()   { <-r.mu }
func (r *Registry) unlock() { r.mu <- struct{}{} }

// Bind authenticates systemID/password against the provider and, on
// success, unbinds conn from any prior Session then attaches it to (or
// creates) the Session for systemID. It does not re-verify the password
// against a Session's previously stored password — each bind is
// independently authenticated.
func (r *Registry) Bind(ctx context.Context, conn *Connection, mode BindMode, systemID, password string) (bool, error) {
	ok, err := r.prov.Authenticate(ctx, systemID, password)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	r.lock()
	defer r.unlock()
	r.unbindLocked(conn)
	sess, found := r.sessions[systemID]
	if !found {
		d := NewDispatcher(r, r.prov)
		d.Publish = r.PublishToBus
		d.SetMetrics(r.metrics)
		sess = newSession(systemID, password, d)
		r.sessions[systemID] = sess
		if r.metrics != nil {
			r.metrics.ActiveSessions.Inc()
		}
	}
	sess.conns[conn] = struct{}{}
	conn.setSession(sess)
	conn.setMode(mode)
	return true, nil
}

// Unbind detaches conn from its Session, removing the Session from the
// registry if its connection set becomes empty as a result.
func (r *Registry) Unbind(conn *Connection) {
	r.lock()
	defer r.unlock()
	r.unbindLocked(conn)
}

func (r *Registry) unbindLocked(conn *Connection) {
	sess := conn.Session()
	if sess == nil {
		return
	}
	delete(sess.conns, conn)
	conn.setSession(nil)
	conn.setMode(Unbound)
	if len(sess.conns) == 0 {
		delete(r.sessions, sess.SystemID)
		if r.metrics != nil {
			r.metrics.ActiveSessions.Dec()
		}
	}
}

// ReceiversFor returns every connection bound to systemID whose mode is
// RECEIVER or TRANSCEIVER.
func (r *Registry) ReceiversFor(systemID string) []*Connection {
	r.lock()
	defer r.unlock()
	sess, ok := r.sessions[systemID]
	if !ok {
		return nil
	}
	out := make([]*Connection, 0, len(sess.conns))
	for c := range sess.conns {
		if c.Mode().CanReceive() {
			out = append(out, c)
		}
	}
	return out
}

// SessionExists reports whether a Session is currently registered for
// systemID — true iff at least one Connection is bound to it.
func (r *Registry) SessionExists(systemID string) bool {
	r.lock()
	defer r.unlock()
	_, ok := r.sessions[systemID]
	return ok
}

// SessionCount returns the number of active sessions, for metrics.
func (r *Registry) SessionCount() int {
	r.lock()
	defer r.unlock()
	return len(r.sessions)
}
