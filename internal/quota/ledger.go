// Package quota tracks per-(user, provider, billing-period) token consumption
// against fixed plan allocations. The billing period is the UTC calendar
// month; records are created lazily on first use and reset only by rollover
// into a new period key.
package quota

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arbiterlabs/dispatch/internal/registry"
	"github.com/arbiterlabs/dispatch/internal/types"
)

// Allocations maps plan tier -> provider id -> monthly token allocation.
type Allocations map[types.PlanTier]map[string]int64

// recordKey is the composite ledger key.
type recordKey struct {
	UserID      string
	ProviderID  string
	PeriodStart time.Time
}

// record holds one quota counter. Increments take the record's own mutex so
// concurrent requests for the same user+provider serialize without blocking
// unrelated keys.
type record struct {
	mu        sync.Mutex
	allocated int64
	used      int64
}

// Ledger is the in-memory quota store.
type Ledger struct {
	mu      sync.RWMutex
	records map[recordKey]*record
	allocs  Allocations
	logger  *logrus.Logger

	// now is swappable for period-rollover tests.
	now func() time.Time
}

// BestAvailable is the result of a downgrade scan.
type BestAvailable struct {
	ProviderID    string
	WasDowngraded bool
	AllExhausted  bool
}

// Snapshot is one ledger record for inspection endpoints.
type Snapshot struct {
	UserID      string    `json:"user_id"`
	ProviderID  string    `json:"provider_id"`
	PeriodStart time.Time `json:"period_start"`
	Allocated   int64     `json:"allocated"`
	Used        int64     `json:"used"`
}

// NewLedger builds a ledger over the given allocation table.
func NewLedger(allocs Allocations, logger *logrus.Logger) (*Ledger, error) {
	if len(allocs) == 0 {
		return nil, fmt.Errorf("quota allocation table is empty")
	}
	return &Ledger{
		records: make(map[recordKey]*record),
		allocs:  allocs,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// ValidateCoverage checks at startup that every provider reachable through
// the access table has an allocation for its plan. A gap here is a
// configuration error that must fail loudly before any request is served.
func (l *Ledger) ValidateCoverage(reg *registry.Registry) error {
	for _, plan := range types.KnownPlanTiers {
		for _, desc := range reg.Allowed(plan, "default") {
			if _, err := l.allocationFor(plan, desc.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// PeriodStart returns the UTC calendar-month boundary containing t.
func PeriodStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func (l *Ledger) allocationFor(plan types.PlanTier, providerID string) (int64, error) {
	byProvider, ok := l.allocs[plan]
	if !ok {
		return 0, fmt.Errorf("no quota allocations configured for plan %s", plan)
	}
	alloc, ok := byProvider[providerID]
	if !ok {
		return 0, fmt.Errorf("no quota allocation for plan %s provider %s", plan, providerID)
	}
	return alloc, nil
}

// getOrCreate returns the record for the key, creating it lazily with
// used=0. Same double-checked shape as a shared bucket map: fast path under
// the read lock, create path under the write lock.
func (l *Ledger) getOrCreate(key recordKey, allocated int64) *record {
	l.mu.RLock()
	rec, ok := l.records[key]
	l.mu.RUnlock()
	if ok {
		return rec
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok = l.records[key]; ok {
		return rec
	}
	rec = &record{allocated: allocated}
	l.records[key] = rec
	return rec
}

// HasQuota reports whether the user still has headroom for tokensNeeded on
// the provider in the current period. The only error is a missing allocation
// entry, which is a configuration problem, not a user condition.
func (l *Ledger) HasQuota(userID string, plan types.PlanTier, providerID string, tokensNeeded int64) (bool, error) {
	alloc, err := l.allocationFor(plan, providerID)
	if err != nil {
		return false, err
	}
	rec := l.getOrCreate(recordKey{userID, providerID, PeriodStart(l.now())}, alloc)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.used+tokensNeeded <= rec.allocated, nil
}

// RecordUsage atomically adds tokens to the user's counter for the provider
// and returns the new total. Concurrent callers on the same key serialize on
// the record mutex; updates are never lost.
func (l *Ledger) RecordUsage(userID string, plan types.PlanTier, providerID string, tokens int64) (int64, error) {
	alloc, err := l.allocationFor(plan, providerID)
	if err != nil {
		return 0, err
	}
	rec := l.getOrCreate(recordKey{userID, providerID, PeriodStart(l.now())}, alloc)

	rec.mu.Lock()
	rec.used += tokens
	total := rec.used
	rec.mu.Unlock()

	l.logger.WithFields(logrus.Fields{
		"user":     userID,
		"provider": providerID,
		"tokens":   tokens,
		"total":    total,
	}).Debug("Quota usage recorded")

	return total, nil
}

// GetBestAvailable returns the preferred provider unchanged when it has
// headroom. Otherwise it scans the allowed providers in fixed priority order
// and returns the first with remaining quota, flagged as a downgrade. When
// every allocation is spent it returns lastResort with AllExhausted set —
// never an error for a normal user.
func (l *Ledger) GetBestAvailable(userID string, plan types.PlanTier, preferred string, tokensNeeded int64, allowed []registry.ProviderDescriptor, lastResort string) BestAvailable {
	if ok, err := l.HasQuota(userID, plan, preferred, tokensNeeded); err == nil && ok {
		return BestAvailable{ProviderID: preferred}
	} else if err != nil {
		l.logger.WithError(err).WithField("provider", preferred).Error("Quota allocation lookup failed")
	}

	for _, desc := range registry.ByPriority(allowed) {
		if desc.ID == preferred {
			continue
		}
		ok, err := l.HasQuota(userID, plan, desc.ID, tokensNeeded)
		if err != nil {
			l.logger.WithError(err).WithField("provider", desc.ID).Error("Quota allocation lookup failed")
			continue
		}
		if ok {
			l.logger.WithFields(logrus.Fields{
				"user":      userID,
				"preferred": preferred,
				"selected":  desc.ID,
			}).Info("Quota downgrade applied")
			return BestAvailable{ProviderID: desc.ID, WasDowngraded: true}
		}
	}

	return BestAvailable{ProviderID: lastResort, WasDowngraded: true, AllExhausted: true}
}

// Snapshots returns the current period's records for a user, for the
// inspection API.
func (l *Ledger) Snapshots(userID string) []Snapshot {
	period := PeriodStart(l.now())

	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Snapshot
	for key, rec := range l.records {
		if key.UserID != userID || !key.PeriodStart.Equal(period) {
			continue
		}
		rec.mu.Lock()
		out = append(out, Snapshot{
			UserID:      key.UserID,
			ProviderID:  key.ProviderID,
			PeriodStart: key.PeriodStart,
			Allocated:   rec.allocated,
			Used:        rec.used,
		})
		rec.mu.Unlock()
	}
	return out
}
