// Package registry tracks the sessions owned by an application: one per
// peripheral, keyed by both session ID and peripheral address. Sessions are
// created on first use and removed when they terminate.
package registry

import (
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/srg/blelink/internal/session"
)

// Registry owns the live sessions. It is the session.Owner the sessions
// call back into on Terminate; the back-reference is used only for removal,
// never to keep the registry alive.
//
// Lookups are lock-free on the hashmaps; the mutex serializes creation and
// removal so the two maps stay consistent and map keys are only ever written
// under it.
type Registry struct {
	mu        sync.Mutex
	sessions  *hashmap.Map[string, *session.Session]
	byAddress *hashmap.Map[string, *session.Session]
	transport session.Transport
	logger    *logrus.Logger
}

// New creates a registry that builds sessions against the given transport.
// A nil logger falls back to a default logrus instance.
func New(transport session.Transport, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		sessions:  hashmap.New[string, *session.Session](),
		byAddress: hashmap.New[string, *session.Session](),
		transport: transport,
		logger:    logger,
	}
}

// Session returns the session for a peripheral address, creating one if the
// address is new. The name is applied only on creation; it may be empty for
// peripherals that never advertised one.
func (r *Registry) Session(address, name string) *session.Session {
	if s, ok := r.byAddress.Get(address); ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Re-check under the lock; another caller may have created it.
	if s, ok := r.byAddress.Get(address); ok {
		return s
	}

	s := session.New(address, name, r.transport, r, r.logger)
	r.byAddress.Set(address, s)
	r.sessions.Set(s.ID().String(), s)

	r.logger.WithFields(logrus.Fields{
		"address": address,
		"id":      s.ID(),
	}).Info("Session registered")
	return s
}

// Get retrieves a session by its ID.
func (r *Registry) Get(id uuid.UUID) (*session.Session, bool) {
	return r.sessions.Get(id.String())
}

// Sessions returns a snapshot of all live sessions.
func (r *Registry) Sessions() []*session.Session {
	result := make([]*session.Session, 0, r.sessions.Len())
	r.sessions.Range(func(_ string, s *session.Session) bool {
		result = append(result, s)
		return true
	})
	return result
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return r.sessions.Len()
}

// Release implements session.Owner. Called by a session while terminating;
// it only unlinks the session, teardown is the session's own business.
func (r *Registry) Release(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions.Get(id.String())
	if !ok {
		return
	}
	r.sessions.Del(id.String())
	// The address entry may already belong to a newer session; unlink it
	// only while it still points at the one being released.
	if cur, ok := r.byAddress.Get(s.Address()); ok && cur == s {
		r.byAddress.Del(s.Address())
	}

	r.logger.WithFields(logrus.Fields{
		"address": s.Address(),
		"id":      id,
	}).Info("Session released")
}
