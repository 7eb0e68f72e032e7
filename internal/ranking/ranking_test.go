package ranking

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/arbiterlabs/dispatch/internal/classify"
	"github.com/arbiterlabs/dispatch/internal/registry"
	"github.com/arbiterlabs/dispatch/internal/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(registry.Catalog{
		Providers: []registry.ProviderDescriptor{
			{ID: "premium", Family: "a", CostPerUnit: 9.0, Quality: 0.95, Latency: 0.85, Reliability: 0.97, Priority: 3,
				Specialization: registry.Specialization{Code: 0.95}},
			{ID: "standard", Family: "a", CostPerUnit: 1.5, Quality: 0.75, Latency: 0.8, Reliability: 0.92, Priority: 2},
			{ID: "budget", Family: "a", CostPerUnit: 0.4, Quality: 0.6, Latency: 0.9, Reliability: 0.95, Priority: 1},
		},
		Access: registry.PlanAccess{
			types.PlanFree: {"default": {"budget"}},
		},
		UltimateDefault: "budget",
	}, testLogger())
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return reg
}

func candidates(reg *registry.Registry) []registry.ProviderDescriptor {
	return reg.All()
}

func newEngine(t *testing.T) (*Engine, *registry.Registry) {
	reg := testRegistry(t)
	return NewEngine(reg, DefaultCeilings(), testLogger()), reg
}

func TestRankCriticalPressureFiltersToCheap(t *testing.T) {
	engine, reg := newEngine(t)

	decision := engine.Rank(Input{
		Candidates:        candidates(reg),
		Complexity:        classify.TierExpert,
		EffectivePressure: 0.95,
		PlanTier:          types.PlanFree,
	})

	// Above 0.9 only providers at or under the cheap ceiling (0.5) survive,
	// even for expert complexity.
	if decision.Provider != "budget" {
		t.Fatalf("provider = %s, want budget under critical pressure", decision.Provider)
	}
	if len(decision.FallbackChain) != 0 {
		t.Errorf("chain = %v, filtered set has exactly one candidate", decision.FallbackChain)
	}
}

func TestRankHighPressureAllowsMediumBand(t *testing.T) {
	engine, reg := newEngine(t)

	decision := engine.Rank(Input{
		Candidates:        candidates(reg),
		Complexity:        classify.TierMedium,
		EffectivePressure: 0.80,
		PlanTier:          types.PlanFree,
	})

	// 0.75 < p <= 0.9 keeps cost <= 2.0: premium is excluded entirely.
	for _, id := range append([]string{decision.Provider}, decision.FallbackChain...) {
		if id == "premium" {
			t.Fatal("premium must be filtered out above the medium ceiling")
		}
	}
	if len(decision.FallbackChain) != 1 {
		t.Errorf("expected two survivors, chain = %v", decision.FallbackChain)
	}
}

func TestRankHighStakesBypassesFilter(t *testing.T) {
	engine, reg := newEngine(t)

	decision := engine.Rank(Input{
		Candidates:        candidates(reg),
		Complexity:        classify.TierExpert,
		EffectivePressure: 0.95,
		HighStakes:        true,
		PlanTier:          types.PlanFree,
	})

	if len(decision.FallbackChain) != 2 {
		t.Fatalf("high stakes must keep all candidates, chain = %v", decision.FallbackChain)
	}
}

func TestRankUnlimitedPlanBypassesFilter(t *testing.T) {
	engine, reg := newEngine(t)

	decision := engine.Rank(Input{
		Candidates:        candidates(reg),
		Complexity:        classify.TierCasual,
		EffectivePressure: 0.95,
		PlanTier:          types.PlanUnlimited,
	})

	if len(decision.FallbackChain) != 2 {
		t.Fatalf("unlimited plan must keep all candidates, chain = %v", decision.FallbackChain)
	}
}

func TestRankFilterNeverEmptiesSet(t *testing.T) {
	engine, reg := newEngine(t)

	// Candidates all above the cheap ceiling: filtering would leave nothing,
	// so it is skipped for the request.
	expensive := []registry.ProviderDescriptor{}
	for _, c := range candidates(reg) {
		if c.CostPerUnit > 0.5 {
			expensive = append(expensive, c)
		}
	}

	decision := engine.Rank(Input{
		Candidates:        expensive,
		Complexity:        classify.TierMedium,
		EffectivePressure: 0.95,
		PlanTier:          types.PlanFree,
	})

	if decision.Provider == "" {
		t.Fatal("filter must be skipped rather than returning nothing")
	}
	if len(decision.FallbackChain) != len(expensive)-1 {
		t.Errorf("chain = %v, want all %d candidates ranked", decision.FallbackChain, len(expensive))
	}
}

func TestRankLowPressurePrefersQualityForExpert(t *testing.T) {
	engine, reg := newEngine(t)

	decision := engine.Rank(Input{
		Candidates:        candidates(reg),
		Complexity:        classify.TierExpert,
		EffectivePressure: 0.0,
		PlanTier:          types.PlanPro,
	})

	if decision.Provider != "premium" {
		t.Fatalf("provider = %s, want premium for expert work at zero pressure", decision.Provider)
	}
}

func TestRankChainFollowsScoreOrder(t *testing.T) {
	engine, reg := newEngine(t)

	decision := engine.Rank(Input{
		Candidates:        candidates(reg),
		Complexity:        classify.TierExpert,
		EffectivePressure: 0.0,
		PlanTier:          types.PlanPro,
	})

	seen := map[string]bool{decision.Provider: true}
	if len(decision.FallbackChain) != 2 {
		t.Fatalf("chain = %v, want the two remaining candidates", decision.FallbackChain)
	}
	for _, id := range decision.FallbackChain {
		if seen[id] {
			t.Fatalf("duplicate %s in chain", id)
		}
		seen[id] = true
	}
}

func TestRankSpecializationBiasesSelection(t *testing.T) {
	engine, reg := newEngine(t)

	with := engine.Rank(Input{
		Candidates:        candidates(reg),
		Complexity:        classify.TierMedium,
		EffectivePressure: 0.0,
		PlanTier:          types.PlanPro,
		Specialization:    "code",
	})

	// premium is the only candidate with code specialization.
	if with.Provider != "premium" {
		t.Fatalf("provider = %s, want code-specialized premium", with.Provider)
	}
	if with.Specialization != "code" {
		t.Errorf("decision specialization = %q, want carried through", with.Specialization)
	}
}

func TestRankEmptyCandidatesFallsToUltimateDefault(t *testing.T) {
	engine, _ := newEngine(t)

	decision := engine.Rank(Input{
		Candidates:        nil,
		Complexity:        classify.TierMedium,
		EffectivePressure: 0.5,
		PlanTier:          types.PlanFree,
	})

	if decision.Provider != "budget" {
		t.Fatalf("provider = %s, want the ultimate default", decision.Provider)
	}
	if decision.Confidence != 0.1 {
		t.Errorf("confidence = %v, want the degraded 0.1", decision.Confidence)
	}
}

func TestRankConfidenceBounds(t *testing.T) {
	engine, reg := newEngine(t)

	inputs := []Input{
		{Candidates: candidates(reg), Complexity: classify.TierCasual, EffectivePressure: 0, PlanTier: types.PlanPro},
		{Candidates: candidates(reg), Complexity: classify.TierExpert, EffectivePressure: 0.95, PlanTier: types.PlanFree},
		{Candidates: candidates(reg), Complexity: classify.TierExpert, EffectivePressure: 0, HighStakes: true, PlanTier: types.PlanPro, Specialization: "code"},
	}
	for i, in := range inputs {
		d := engine.Rank(in)
		if d.Confidence < 0 || d.Confidence > 1 {
			t.Errorf("input %d: confidence %v outside [0,1]", i, d.Confidence)
		}
	}
}

func TestRankSingleCandidateConfidence(t *testing.T) {
	engine, reg := newEngine(t)

	only := []registry.ProviderDescriptor{}
	for _, c := range candidates(reg) {
		if c.ID == "budget" {
			only = append(only, c)
		}
	}

	decision := engine.Rank(Input{
		Candidates:        only,
		Complexity:        classify.TierMedium,
		EffectivePressure: 0,
		PlanTier:          types.PlanFree,
	})

	if decision.Confidence != 0.55 {
		t.Fatalf("single-candidate confidence = %v, want 0.55", decision.Confidence)
	}
}

func TestRankReasonsPopulated(t *testing.T) {
	engine, reg := newEngine(t)

	decision := engine.Rank(Input{
		Candidates:        candidates(reg),
		Complexity:        classify.TierMedium,
		EffectivePressure: 0.3,
		PlanTier:          types.PlanPro,
	})

	if len(decision.Reasons) == 0 {
		t.Fatal("decision must explain itself")
	}
}
