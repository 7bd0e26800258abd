package media

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Registry holds one coordinator per consultation id. Coordinators are
// created on first use and destroyed after their Leave completes, so
// several consultations can run concurrently without sharing any media
// state.
type Registry struct {
	dialer      Dialer
	devices     DeviceSource
	journal     Journal
	log         *logrus.Logger
	joinTimeout time.Duration

	mu   sync.Mutex
	byID map[string]*Coordinator
}

func NewRegistry(dialer Dialer, devices DeviceSource, journal Journal, log *logrus.Logger, joinTimeout time.Duration) *Registry {
	return &Registry{
		dialer:      dialer,
		devices:     devices,
		journal:     journal,
		log:         log,
		joinTimeout: joinTimeout,
		byID:        make(map[string]*Coordinator),
	}
}

// Obtain returns the coordinator for sessionID, creating it if absent.
func (r *Registry) Obtain(sessionID string) *Coordinator {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byID[sessionID]; ok {
		return c
	}
	c := NewCoordinator(sessionID, r.dialer, r.devices, r.journal, r.log, r.joinTimeout)
	r.byID[sessionID] = c
	return c
}

// Lookup returns the coordinator for sessionID if one exists.
func (r *Registry) Lookup(sessionID string) (*Coordinator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[sessionID]
	return c, ok
}

// Release leaves the session (idempotent) and drops the coordinator.
func (r *Registry) Release(sessionID string) {
	r.mu.Lock()
	c, ok := r.byID[sessionID]
	delete(r.byID, sessionID)
	r.mu.Unlock()
	if ok {
		c.Leave()
	}
}
