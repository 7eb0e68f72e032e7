// Package pressure converts a user's budget usage into a discrete pressure
// level that biases provider selection toward cheaper options as the budget
// ceiling approaches.
package pressure

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/arbiterlabs/dispatch/internal/types"
)

// Level is the discretized budget pressure indicator.
type Level int

const (
	LevelNone Level = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Value maps a level onto the continuous [0,1] pressure scale the ranking
// engine filters on. Critical lands above the cheap-only cutoff (0.9), high
// above the medium ceiling cutoff (0.75), medium above the expensive
// exclusion cutoff (0.6).
func (l Level) Value() float64 {
	switch l {
	case LevelLow:
		return 0.4
	case LevelMedium:
		return 0.7
	case LevelHigh:
		return 0.85
	case LevelCritical:
		return 1.0
	default:
		return 0.0
	}
}

// Thresholds are the ascending usage-ratio cutoffs for one plan tier.
type Thresholds struct {
	Low      float64 `yaml:"low"`
	Medium   float64 `yaml:"medium"`
	High     float64 `yaml:"high"`
	Critical float64 `yaml:"critical"`
}

// Ascending reports whether the cutoffs are strictly ordered and in (0,1].
func (t Thresholds) Ascending() bool {
	return t.Low > 0 && t.Low < t.Medium && t.Medium < t.High && t.High < t.Critical && t.Critical <= 1
}

// DefaultThresholds returns the per-plan cutoff table. Entry tiers get
// earlier cutoffs to protect margin; premium tiers are pushed toward 1.0.
func DefaultThresholds() map[types.PlanTier]Thresholds {
	return map[types.PlanTier]Thresholds{
		types.PlanFree:      {Low: 0.30, Medium: 0.50, High: 0.75, Critical: 0.90},
		types.PlanStarter:   {Low: 0.40, Medium: 0.60, High: 0.80, Critical: 0.95},
		types.PlanPro:       {Low: 0.50, Medium: 0.70, High: 0.85, Critical: 0.95},
		types.PlanBusiness:  {Low: 0.60, Medium: 0.80, High: 0.90, Critical: 0.97},
		types.PlanUnlimited: {Low: 0.90, Medium: 0.95, High: 0.98, Critical: 0.99},
	}
}

// Ratio computes used/limit clamped to [0,1]. A non-positive limit means the
// window is treated as exhausted.
func Ratio(used, limit int64) float64 {
	if limit <= 0 {
		return 1.0
	}
	r := float64(used) / float64(limit)
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

// Calculator maps budget snapshots to pressure levels.
type Calculator struct {
	thresholds map[types.PlanTier]Thresholds
	logger     *logrus.Logger
}

// NewCalculator builds a calculator. Plans missing from overrides use the
// default table.
func NewCalculator(overrides map[types.PlanTier]Thresholds, logger *logrus.Logger) *Calculator {
	thresholds := DefaultThresholds()
	for plan, t := range overrides {
		thresholds[plan] = t
	}
	return &Calculator{thresholds: thresholds, logger: logger}
}

// Compute returns the pressure level for a budget snapshot: the worse of the
// monthly and daily usage ratios compared against the plan's cutoffs.
func (c *Calculator) Compute(budget types.UserBudgetState) Level {
	ratio := Ratio(budget.MonthlyUsed, budget.MonthlyLimit)
	if daily := Ratio(budget.DailyUsed, budget.DailyLimit); daily > ratio {
		ratio = daily
	}

	t, ok := c.thresholds[budget.PlanTier]
	if !ok {
		t = c.thresholds[types.PlanFree]
	}

	var level Level
	switch {
	case ratio >= t.Critical:
		level = LevelCritical
	case ratio >= t.High:
		level = LevelHigh
	case ratio >= t.Medium:
		level = LevelMedium
	case ratio >= t.Low:
		level = LevelLow
	default:
		level = LevelNone
	}

	c.logger.WithFields(logrus.Fields{
		"user":  budget.UserID,
		"plan":  budget.PlanTier,
		"ratio": ratio,
		"level": level.String(),
	}).Debug("Budget pressure computed")

	return level
}

// Cache holds the per-session established level. Once a session reaches a
// level it never drops below it until an explicit Reset, which prevents
// visible quality flapping within a conversation.
type Cache struct {
	mu     sync.Mutex
	levels map[string]Level
}

// NewCache creates an empty session cache.
func NewCache() *Cache {
	return &Cache{levels: make(map[string]Level)}
}

// Establish returns the session's cached level, invoking compute only on the
// session's first message. Subsequent calls return the cached level unchanged
// until Reset, so a level can never decrease mid-session.
func (c *Cache) Establish(sessionID string, compute func() Level) Level {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, ok := c.levels[sessionID]; ok {
		return cached
	}
	level := compute()
	c.levels[sessionID] = level
	return level
}

// Peek returns the cached level without computing, for inspection endpoints.
func (c *Cache) Peek(sessionID string) (Level, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.levels[sessionID]
	return l, ok
}

// Reset clears the session's cached level. Session boundaries are an
// explicit external signal, never a guessed timeout.
func (c *Cache) Reset(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.levels, sessionID)
}
