package policy

import (
	"fmt"
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

func TestSnapshotIsImmutable(t *testing.T) {
	l := NewLayer(Flags{DisabledProviders: []string{"a"}}, testLogger())

	snap := l.Snapshot()
	snap.DisabledProviders[0] = "b"
	snap.Maintenance = true

	if got := l.Snapshot(); got.DisabledProviders[0] != "a" || got.Maintenance {
		t.Fatal("mutating a returned snapshot must not affect the layer")
	}
	// The disable list seen by routing must be equally unaffected.
	if l.IsProviderAllowed("b") != true {
		t.Fatal("snapshot mutation leaked into the live disable list")
	}
	if l.IsProviderAllowed("a") {
		t.Fatal("the original disable entry must survive")
	}
}

func TestChangeRecordDoesNotAliasLiveFlags(t *testing.T) {
	l := NewLayer(Flags{}, testLogger())

	rec := l.Update("ops", func(f Flags) Flags {
		f.DisabledProviders = []string{"a"}
		return f
	})

	rec.New.DisabledProviders[0] = "b"
	rec.Old.DisabledProviders = append(rec.Old.DisabledProviders, "c")

	if !l.IsProviderAllowed("b") || !l.IsProviderAllowed("c") {
		t.Fatal("mutating a change record must not affect the layer")
	}
	if l.IsProviderAllowed("a") {
		t.Fatal("the recorded update must remain in effect")
	}
	// The stored audit entry keeps the original values.
	if got := l.History()[0].New.DisabledProviders[0]; got != "a" {
		t.Fatalf("stored history entry = %s, want the original a", got)
	}
}

func TestUpdateSwapsSnapshot(t *testing.T) {
	l := NewLayer(Flags{}, testLogger())

	rec := l.Update("ops", func(f Flags) Flags {
		f.Maintenance = true
		f.DisabledProviders = []string{"bad-provider"}
		return f
	})

	if rec.Actor != "ops" || rec.ID == "" {
		t.Fatalf("record = %+v, want actor and id populated", rec)
	}
	if rec.Old.Maintenance || !rec.New.Maintenance {
		t.Error("record must capture the old and new flag values")
	}
	if !l.IsMaintenanceModeOn() {
		t.Error("update not visible through snapshot")
	}
	if l.IsProviderAllowed("bad-provider") {
		t.Error("disabled provider still allowed")
	}
	if !l.IsProviderAllowed("other") {
		t.Error("unrelated provider affected by disable list")
	}
}

func TestHistoryIsBounded(t *testing.T) {
	l := NewLayer(Flags{}, testLogger())

	for i := 0; i < HistoryLimit+20; i++ {
		i := i
		l.Update(fmt.Sprintf("actor-%d", i), func(f Flags) Flags {
			f.ForceCheapest = i%2 == 0
			return f
		})
	}

	history := l.History()
	if len(history) != HistoryLimit {
		t.Fatalf("history length = %d, want bounded at %d", len(history), HistoryLimit)
	}
	// Oldest entries were evicted: the first retained record is number 20.
	if history[0].Actor != "actor-20" {
		t.Errorf("oldest retained actor = %s, want actor-20", history[0].Actor)
	}
	if history[len(history)-1].Actor != fmt.Sprintf("actor-%d", HistoryLimit+19) {
		t.Errorf("newest actor = %s", history[len(history)-1].Actor)
	}
}

func TestShouldForceCheapestExemptsUnlimited(t *testing.T) {
	l := NewLayer(Flags{ForceCheapest: true}, testLogger())

	if !l.ShouldForceCheapest(types.PlanFree) {
		t.Error("free plan should be pinned under force-cheapest")
	}
	if !l.ShouldForceCheapest(types.PlanBusiness) {
		t.Error("business plan should be pinned under force-cheapest")
	}
	if l.ShouldForceCheapest(types.PlanUnlimited) {
		t.Error("unlimited plan must be exempt from force-cheapest")
	}
}

func TestEffectivePressure(t *testing.T) {
	ptr := func(v float64) *float64 { return &v }

	cases := []struct {
		name  string
		flags Flags
		raw   float64
		want  float64
	}{
		{"no overrides", Flags{}, 0.7, 0.7},
		{"override replaces", Flags{PressureOverride: ptr(0.95)}, 0.2, 0.95},
		{"cap limits", Flags{MaxPressure: ptr(0.5)}, 0.8, 0.5},
		{"cap applies after override", Flags{PressureOverride: ptr(0.9), MaxPressure: ptr(0.6)}, 0.1, 0.6},
		{"clamped high", Flags{PressureOverride: ptr(1.5)}, 0.1, 1.0},
		{"clamped low", Flags{PressureOverride: ptr(-0.5)}, 0.1, 0.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := NewLayer(tc.flags, testLogger())
			if got := l.EffectivePressure(tc.raw); got != tc.want {
				t.Errorf("EffectivePressure(%v) = %v, want %v", tc.raw, got, tc.want)
			}
		})
	}
}

func TestConcurrentReadersDuringUpdates(t *testing.T) {
	l := NewLayer(Flags{}, testLogger())

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					// Readers must always see a consistent snapshot.
					snap := l.Snapshot()
					_ = snap.Maintenance
					_ = l.IsProviderAllowed("p")
					_ = l.EffectivePressure(0.5)
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		i := i
		l.Update("writer", func(f Flags) Flags {
			f.Maintenance = i%2 == 0
			return f
		})
	}
	close(stop)
	wg.Wait()

	if len(l.History()) != HistoryLimit {
		t.Fatalf("history = %d, want %d after 200 updates", len(l.History()), HistoryLimit)
	}
}
