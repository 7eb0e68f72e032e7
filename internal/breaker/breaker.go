// Package breaker tracks per-provider failure streaks and temporarily
// excludes providers that keep failing. The state machine is deliberately
// small: CLOSED counts failures, OPEN waits out a cooldown, and the first
// IsOpen check after the cooldown auto-closes the circuit. There is no
// explicit half-open probe state.
package breaker

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the observable circuit state for one provider.
type State string

const (
	StateClosed State = "closed"
	StateOpen   State = "open"
)

const (
	// DefaultThreshold is the consecutive-failure count that opens a circuit.
	DefaultThreshold = 5
	// DefaultCooldown is how long an open circuit excludes its provider.
	DefaultCooldown = 60 * time.Second
)

// circuit is the per-provider record. Mutations on a given provider key take
// this mutex, so concurrent callers hitting the same failing provider never
// lose an increment.
type circuit struct {
	mu       sync.Mutex
	failures int
	openedAt time.Time
	reopenAt time.Time
}

// Registry holds the circuit for every provider seen so far.
type Registry struct {
	mu        sync.RWMutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
	logger    *logrus.Logger

	// now is swappable for cooldown tests.
	now func() time.Time
}

// Status is a point-in-time view of one circuit for inspection endpoints.
type Status struct {
	Provider string    `json:"provider"`
	State    State     `json:"state"`
	Failures int       `json:"failures"`
	ReopenAt time.Time `json:"reopen_at,omitempty"`
}

// New creates a registry. Non-positive threshold or cooldown fall back to the
// defaults.
func New(threshold int, cooldown time.Duration, logger *logrus.Logger) *Registry {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Registry{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger,
		now:       time.Now,
	}
}

func (r *Registry) get(providerID string) *circuit {
	r.mu.RLock()
	c, ok := r.circuits[providerID]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.circuits[providerID]; ok {
		return c
	}
	c = &circuit{}
	r.circuits[providerID] = c
	return c
}

// RecordFailure increments the provider's consecutive-failure count and opens
// the circuit once the threshold is reached.
func (r *Registry) RecordFailure(providerID string) {
	c := r.get(providerID)
	now := r.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures++
	if c.failures >= r.threshold && c.reopenAt.IsZero() {
		c.openedAt = now
		c.reopenAt = now.Add(r.cooldown)
		r.logger.WithFields(logrus.Fields{
			"provider":  providerID,
			"failures":  c.failures,
			"reopen_at": c.reopenAt,
		}).Warn("Circuit opened")
	}
}

// RecordSuccess resets the failure count and clears any open state
// immediately.
func (r *Registry) RecordSuccess(providerID string) {
	c := r.get(providerID)

	c.mu.Lock()
	defer c.mu.Unlock()

	wasOpen := !c.reopenAt.IsZero()
	c.failures = 0
	c.openedAt = time.Time{}
	c.reopenAt = time.Time{}

	if wasOpen {
		r.logger.WithField("provider", providerID).Info("Circuit closed on success")
	}
}

// IsOpen reports whether the provider must be excluded from selection. A
// check past the reopen time auto-closes the circuit and resets the counter.
func (r *Registry) IsOpen(providerID string) bool {
	c := r.get(providerID)
	now := r.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reopenAt.IsZero() {
		return false
	}
	if now.Before(c.reopenAt) {
		return true
	}

	// Cooldown elapsed: close and reset.
	c.failures = 0
	c.openedAt = time.Time{}
	c.reopenAt = time.Time{}
	r.logger.WithField("provider", providerID).Info("Circuit auto-closed after cooldown")
	return false
}

// StatusFor returns the current status of one provider's circuit.
func (r *Registry) StatusFor(providerID string) Status {
	c := r.get(providerID)
	now := r.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{Provider: providerID, State: StateClosed, Failures: c.failures}
	if !c.reopenAt.IsZero() && now.Before(c.reopenAt) {
		s.State = StateOpen
		s.ReopenAt = c.reopenAt
	}
	return s
}

// Snapshot returns the status of every tracked circuit.
func (r *Registry) Snapshot() []Status {
	r.mu.RLock()
	ids := make([]string, 0, len(r.circuits))
	for id := range r.circuits {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.StatusFor(id))
	}
	return out
}
