// Package ranking scores candidate providers under budget pressure and
// produces the ordered fallback chain the dispatch controller walks. Cost and
// quality trade off continuously: no single factor vetoes a provider except
// the pressure pre-filter, and even that is skipped rather than ever
// returning an empty set.
package ranking

import (
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arbiterlabs/dispatch/internal/classify"
	"github.com/arbiterlabs/dispatch/internal/registry"
	"github.com/arbiterlabs/dispatch/internal/types"
)

// CostCeilings are the cost-per-unit cutoffs the pressure pre-filter applies.
type CostCeilings struct {
	Cheap     float64 `yaml:"cheap"`
	Medium    float64 `yaml:"medium"`
	Expensive float64 `yaml:"expensive"`
}

// DefaultCeilings returns the cost bands in milli-dollars per 1K tokens.
func DefaultCeilings() CostCeilings {
	return CostCeilings{Cheap: 0.5, Medium: 2.0, Expensive: 10.0}
}

const (
	latencyWeight     = 0.15
	reliabilityWeight = 0.20
	highStakesBoost   = 0.10
	specializationMax = 0.15
)

// Input carries everything the engine needs for one ranking pass.
type Input struct {
	Candidates        []registry.ProviderDescriptor
	Complexity        classify.Tier
	EffectivePressure float64
	HighStakes        bool
	PlanTier          types.PlanTier
	Specialization    string
}

// Engine ranks providers for dispatch.
type Engine struct {
	reg      *registry.Registry
	ceilings CostCeilings
	logger   *logrus.Logger
}

// NewEngine creates a ranking engine over the registry.
func NewEngine(reg *registry.Registry, ceilings CostCeilings, logger *logrus.Logger) *Engine {
	if ceilings == (CostCeilings{}) {
		ceilings = DefaultCeilings()
	}
	return &Engine{reg: reg, ceilings: ceilings, logger: logger}
}

// qualityWeight grows with complexity: casual chats barely weigh quality,
// expert requests weigh it most.
func qualityWeight(tier classify.Tier) float64 {
	return 0.15 + 0.10*float64(tier.Rank())
}

// costWeight grows with pressure: cost matters more as the budget tightens.
func costWeight(pressure float64) float64 {
	return 0.10 + 0.40*pressure
}

type scored struct {
	desc  registry.ProviderDescriptor
	score float64
}

// Rank filters, scores and orders the candidates, returning the routing
// decision whose fallback chain is the score ordering itself.
func (e *Engine) Rank(in Input) *types.RoutingDecision {
	candidates := e.budgetFilter(in)

	if len(candidates) == 0 {
		// Zero candidates is an invariant violation upstream; resolve to the
		// hardcoded last resort rather than failing the request.
		ultimate := e.reg.UltimateDefault()
		e.logger.WithField("plan", in.PlanTier).Error("Ranking invoked with zero candidates, using ultimate default")
		return &types.RoutingDecision{
			Provider:          ultimate,
			FallbackChain:     nil,
			Complexity:        string(in.Complexity),
			EffectivePressure: in.EffectivePressure,
			Confidence:        0.1,
			Specialization:    in.Specialization,
			Reasons:           []string{"no candidates available, fell back to ultimate default " + ultimate},
			Timestamp:         time.Now().UTC(),
		}
	}

	maxCost := 0.0
	for _, c := range candidates {
		if c.CostPerUnit > maxCost {
			maxCost = c.CostPerUnit
		}
	}

	qw := qualityWeight(in.Complexity)
	cw := costWeight(in.EffectivePressure)

	ranked := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		quality := c.Quality
		if in.HighStakes {
			quality = min1(quality + highStakesBoost)
		}

		costInverse := 1.0
		if maxCost > 0 {
			costInverse = 1.0 - c.CostPerUnit/maxCost
		}

		score := qw*quality +
			cw*costInverse +
			latencyWeight*c.Latency +
			reliabilityWeight*c.Reliability +
			specializationMax*c.Specialization.Match(in.Specialization)

		ranked = append(ranked, scored{desc: c, score: score})
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	top := ranked[0]
	chain := make([]string, 0, len(ranked)-1)
	for _, s := range ranked[1:] {
		chain = append(chain, s.desc.ID)
	}

	reasons := []string{
		fmt.Sprintf("selected %s (score %.3f, quality weight %.2f, cost weight %.2f)", top.desc.ID, top.score, qw, cw),
	}
	if len(ranked) > 1 {
		reasons = append(reasons, fmt.Sprintf("margin %.3f over %s", top.score-ranked[1].score, ranked[1].desc.ID))
	}
	if in.Specialization != "" {
		reasons = append(reasons, fmt.Sprintf("specialization %s match %.2f", in.Specialization, top.desc.Specialization.Match(in.Specialization)))
	}

	decision := &types.RoutingDecision{
		Provider:          top.desc.ID,
		FallbackChain:     chain,
		Complexity:        string(in.Complexity),
		EffectivePressure: in.EffectivePressure,
		Confidence:        e.confidence(ranked, in.Specialization),
		Specialization:    in.Specialization,
		Reasons:           reasons,
		Timestamp:         time.Now().UTC(),
	}

	e.logger.WithFields(logrus.Fields{
		"provider":   decision.Provider,
		"chain":      decision.FallbackChain,
		"complexity": decision.Complexity,
		"pressure":   decision.EffectivePressure,
		"confidence": decision.Confidence,
	}).Debug("Providers ranked")

	return decision
}

// budgetFilter restricts candidates by cost band as pressure rises.
// High-stakes requests and the unlimited plan bypass filtering, and a filter
// that would eliminate every candidate is skipped for the request.
func (e *Engine) budgetFilter(in Input) []registry.ProviderDescriptor {
	if in.HighStakes || in.PlanTier == types.PlanUnlimited {
		return in.Candidates
	}

	var ceiling float64
	switch {
	case in.EffectivePressure > 0.9:
		ceiling = e.ceilings.Cheap
	case in.EffectivePressure > 0.75:
		ceiling = e.ceilings.Medium
	case in.EffectivePressure > 0.6:
		ceiling = e.ceilings.Expensive
	default:
		return in.Candidates
	}

	filtered := make([]registry.ProviderDescriptor, 0, len(in.Candidates))
	for _, c := range in.Candidates {
		if c.CostPerUnit <= ceiling {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) == 0 {
		e.logger.WithFields(logrus.Fields{
			"pressure": in.EffectivePressure,
			"ceiling":  ceiling,
		}).Warn("Budget filter would empty the candidate set, skipping filter")
		return in.Candidates
	}
	return filtered
}

// confidence derives a [0,1] score from list size, the gap between the top
// two candidates, and specialization match strength. A single surviving
// candidate is capped lower: there was nothing to choose between.
func (e *Engine) confidence(ranked []scored, specialization string) float64 {
	if len(ranked) == 1 {
		return 0.55
	}

	gap := ranked[0].score - ranked[1].score
	conf := 0.5 + 2.0*gap

	if n := len(ranked); n >= 3 {
		conf += 0.05
	}
	if specialization != "" {
		conf += 0.2 * ranked[0].desc.Specialization.Match(specialization)
	}

	if conf > 1 {
		return 1
	}
	if conf < 0 {
		return 0
	}
	return conf
}

func min1(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}
