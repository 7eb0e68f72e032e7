// Package policy is the process-wide operator override layer: hot-reloadable
// flags that can force or forbid providers independent of ranking. Reads are
// snapshot-based so request handlers never block on an operator write; writes
// serialize and append to a bounded audit history.
package policy

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/arbiterlabs/dispatch/internal/types"
)

// Flags is one immutable policy snapshot. Mutations go through Layer.Update,
// which swaps in a fresh copy; a snapshot handed to a reader never changes
// underneath it.
type Flags struct {
	// DisabledProviders are excluded from selection regardless of rank.
	DisabledProviders []string `json:"disabled_providers" yaml:"disabled_providers"`

	// ForceCheapest pins routing to the designated cheap provider for every
	// plan except unlimited. Used for cost-spike mitigation.
	ForceCheapest bool `json:"force_cheapest" yaml:"force_cheapest"`

	// Maintenance short-circuits every request before ranking runs.
	Maintenance bool `json:"maintenance" yaml:"maintenance"`

	// PressureOverride, when set, replaces the computed effective pressure.
	PressureOverride *float64 `json:"pressure_override,omitempty" yaml:"pressure_override,omitempty"`

	// MaxPressure, when set, caps the effective pressure.
	MaxPressure *float64 `json:"max_pressure,omitempty" yaml:"max_pressure,omitempty"`
}

func (f Flags) clone() Flags {
	out := f
	out.DisabledProviders = append([]string(nil), f.DisabledProviders...)
	if f.PressureOverride != nil {
		v := *f.PressureOverride
		out.PressureOverride = &v
	}
	if f.MaxPressure != nil {
		v := *f.MaxPressure
		out.MaxPressure = &v
	}
	return out
}

// ChangeRecord is one immutable audit entry for a policy mutation.
type ChangeRecord struct {
	ID        string    `json:"id"`
	Actor     string    `json:"actor"`
	Old       Flags     `json:"old"`
	New       Flags     `json:"new"`
	Timestamp time.Time `json:"timestamp"`
}

func (r ChangeRecord) clone() ChangeRecord {
	out := r
	out.Old = r.Old.clone()
	out.New = r.New.clone()
	return out
}

// HistoryLimit bounds the retained audit entries.
const HistoryLimit = 100

// Layer owns the current snapshot and its change history.
type Layer struct {
	current atomic.Pointer[Flags]

	writeMu sync.Mutex
	history []ChangeRecord

	logger *logrus.Logger
}

// NewLayer creates a layer with the given initial flags.
func NewLayer(initial Flags, logger *logrus.Logger) *Layer {
	l := &Layer{logger: logger}
	snap := initial.clone()
	l.current.Store(&snap)
	return l
}

// Snapshot returns a copy of the current flags. Lock-free; safe under any
// number of concurrent readers, and the copy stays stable even if the caller
// mutates it.
func (l *Layer) Snapshot() Flags {
	return l.current.Load().clone()
}

// Update applies mutate to a copy of the current flags, swaps the copy in,
// and appends an audit record. Writers serialize; readers keep seeing the old
// snapshot until the swap.
func (l *Layer) Update(actor string, mutate func(Flags) Flags) ChangeRecord {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	old := l.current.Load().clone()
	updated := mutate(old.clone()).clone()
	l.current.Store(&updated)

	// The record gets its own copies so audit entries never alias the live
	// snapshot.
	rec := ChangeRecord{
		ID:        uuid.NewString(),
		Actor:     actor,
		Old:       old,
		New:       updated.clone(),
		Timestamp: time.Now().UTC(),
	}
	l.history = append(l.history, rec)
	if len(l.history) > HistoryLimit {
		l.history = l.history[len(l.history)-HistoryLimit:]
	}

	l.logger.WithFields(logrus.Fields{
		"actor":          actor,
		"change_id":      rec.ID,
		"maintenance":    updated.Maintenance,
		"force_cheapest": updated.ForceCheapest,
		"disabled":       updated.DisabledProviders,
	}).Info("Policy flags updated")

	return rec.clone()
}

// History returns the retained change records, oldest first.
func (l *Layer) History() []ChangeRecord {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	out := make([]ChangeRecord, len(l.history))
	for i, rec := range l.history {
		out[i] = rec.clone()
	}
	return out
}

// IsProviderAllowed reports whether the provider is not operator-disabled.
func (l *Layer) IsProviderAllowed(providerID string) bool {
	for _, id := range l.current.Load().DisabledProviders {
		if id == providerID {
			return false
		}
	}
	return true
}

// ShouldForceCheapest reports whether cost-spike mitigation pins this plan to
// the cheap provider. The unlimited plan is exempt.
func (l *Layer) ShouldForceCheapest(plan types.PlanTier) bool {
	return l.current.Load().ForceCheapest && plan != types.PlanUnlimited
}

// IsMaintenanceModeOn reports whether the engine is paused for maintenance.
func (l *Layer) IsMaintenanceModeOn() bool {
	return l.current.Load().Maintenance
}

// EffectivePressure applies the global override and cap to a computed
// pressure value. The result is always clamped to [0,1].
func (l *Layer) EffectivePressure(raw float64) float64 {
	flags := l.current.Load()

	v := raw
	if flags.PressureOverride != nil {
		v = *flags.PressureOverride
	}
	if flags.MaxPressure != nil && v > *flags.MaxPressure {
		v = *flags.MaxPressure
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
