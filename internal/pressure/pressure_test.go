package pressure

import (
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/arbiterlabs/dispatch/internal/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func budget(plan types.PlanTier, monthlyUsed, monthlyLimit, dailyUsed, dailyLimit int64) types.UserBudgetState {
	return types.UserBudgetState{
		UserID:       "u1",
		PlanTier:     plan,
		MonthlyUsed:  monthlyUsed,
		MonthlyLimit: monthlyLimit,
		DailyUsed:    dailyUsed,
		DailyLimit:   dailyLimit,
	}
}

func TestRatio(t *testing.T) {
	cases := []struct {
		used, limit int64
		want        float64
	}{
		{0, 100, 0},
		{50, 100, 0.5},
		{100, 100, 1.0},
		{150, 100, 1.0}, // clamped
		{10, 0, 1.0},    // no limit configured means exhausted
		{10, -5, 1.0},
		{-10, 100, 0},
	}
	for _, tc := range cases {
		if got := Ratio(tc.used, tc.limit); got != tc.want {
			t.Errorf("Ratio(%d, %d) = %v, want %v", tc.used, tc.limit, got, tc.want)
		}
	}
}

func TestComputeFreePlanBands(t *testing.T) {
	calc := NewCalculator(nil, testLogger())

	// Free cutoffs: 0.30 / 0.50 / 0.75 / 0.90.
	cases := []struct {
		ratio float64
		want  Level
	}{
		{0.10, LevelNone},
		{0.35, LevelLow},
		{0.60, LevelMedium},
		{0.80, LevelHigh},
		{0.95, LevelCritical},
	}
	for _, tc := range cases {
		used := int64(tc.ratio * 1000)
		got := calc.Compute(budget(types.PlanFree, used, 1000, 0, 1000))
		if got != tc.want {
			t.Errorf("ratio %.2f: level = %s, want %s", tc.ratio, got, tc.want)
		}
	}
}

func TestComputeUsesWorstWindow(t *testing.T) {
	calc := NewCalculator(nil, testLogger())

	// Monthly low but daily nearly drained: daily dominates.
	got := calc.Compute(budget(types.PlanFree, 100, 10000, 95, 100))
	if got != LevelCritical {
		t.Fatalf("level = %s, want critical from the daily window", got)
	}
}

func TestComputePlanTiersShiftCutoffs(t *testing.T) {
	calc := NewCalculator(nil, testLogger())

	// 80% usage: high for free, but none for unlimited (cutoffs start at 0.90).
	free := calc.Compute(budget(types.PlanFree, 800, 1000, 0, 1000))
	unlimited := calc.Compute(budget(types.PlanUnlimited, 800, 1000, 0, 1000))

	if free != LevelHigh {
		t.Errorf("free at 80%% = %s, want high", free)
	}
	if unlimited != LevelNone {
		t.Errorf("unlimited at 80%% = %s, want none", unlimited)
	}
}

func TestComputeUnknownPlanUsesFreeCutoffs(t *testing.T) {
	calc := NewCalculator(nil, testLogger())

	known := calc.Compute(budget(types.PlanFree, 600, 1000, 0, 1000))
	unknown := calc.Compute(budget(types.PlanTier("legacy"), 600, 1000, 0, 1000))
	if known != unknown {
		t.Fatalf("unknown plan = %s, want the conservative free-tier result %s", unknown, known)
	}
}

func TestLevelValues(t *testing.T) {
	cases := []struct {
		level Level
		want  float64
	}{
		{LevelNone, 0},
		{LevelLow, 0.4},
		{LevelMedium, 0.7},
		{LevelHigh, 0.85},
		{LevelCritical, 1.0},
	}
	for _, tc := range cases {
		if got := tc.level.Value(); got != tc.want {
			t.Errorf("%s.Value() = %v, want %v", tc.level, got, tc.want)
		}
	}
}

func TestCacheEstablishComputesOnce(t *testing.T) {
	cache := NewCache()

	calls := 0
	level := cache.Establish("s1", func() Level {
		calls++
		return LevelMedium
	})
	if level != LevelMedium || calls != 1 {
		t.Fatalf("first establish: level=%s calls=%d", level, calls)
	}

	// Later calls return the cached level and never invoke compute, even if
	// the budget has since worsened.
	level = cache.Establish("s1", func() Level {
		calls++
		return LevelCritical
	})
	if level != LevelMedium {
		t.Errorf("cached level changed to %s mid-session", level)
	}
	if calls != 1 {
		t.Errorf("compute invoked %d times, want exactly 1", calls)
	}
}

func TestCacheSessionsAreIndependent(t *testing.T) {
	cache := NewCache()

	cache.Establish("s1", func() Level { return LevelHigh })
	level := cache.Establish("s2", func() Level { return LevelNone })
	if level != LevelNone {
		t.Fatalf("s2 level = %s, want its own computation", level)
	}
}

func TestCacheReset(t *testing.T) {
	cache := NewCache()

	cache.Establish("s1", func() Level { return LevelHigh })
	cache.Reset("s1")

	if _, ok := cache.Peek("s1"); ok {
		t.Fatal("reset session should have no cached level")
	}

	level := cache.Establish("s1", func() Level { return LevelLow })
	if level != LevelLow {
		t.Fatalf("post-reset establish = %s, want recomputed low", level)
	}
}

func TestCacheConcurrentEstablishSingleLevel(t *testing.T) {
	cache := NewCache()

	var wg sync.WaitGroup
	results := make([]Level, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = cache.Establish("s1", func() Level { return LevelMedium })
		}(i)
	}
	wg.Wait()

	for i, level := range results {
		if level != LevelMedium {
			t.Fatalf("goroutine %d observed level %s, want a single stable level", i, level)
		}
	}
}
