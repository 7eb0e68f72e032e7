// Package dispatch orchestrates the gate, classifier, pressure calculator,
// ranking engine, quota ledger, circuit breakers and policy layer into a
// bounded-retry execution loop: at most two provider attempts per request,
// with class-specific recovery between them.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/arbiterlabs/dispatch/internal/breaker"
	"github.com/arbiterlabs/dispatch/internal/classify"
	"github.com/arbiterlabs/dispatch/internal/gate"
	"github.com/arbiterlabs/dispatch/internal/observe"
	"github.com/arbiterlabs/dispatch/internal/policy"
	"github.com/arbiterlabs/dispatch/internal/pressure"
	"github.com/arbiterlabs/dispatch/internal/providers"
	"github.com/arbiterlabs/dispatch/internal/quota"
	"github.com/arbiterlabs/dispatch/internal/ranking"
	"github.com/arbiterlabs/dispatch/internal/registry"
	"github.com/arbiterlabs/dispatch/internal/types"
)

// maxAttempts is the hard attempt budget per request: one primary call plus
// one recovery call.
const maxAttempts = 2

// Deps wires the controller's collaborators.
type Deps struct {
	Registry  *registry.Registry
	Pressure  *pressure.Calculator
	Sessions  *pressure.Cache
	Ledger    *quota.Ledger
	Breakers  *breaker.Registry
	Policy    *policy.Layer
	Gate      *gate.Gate
	Ranker    *ranking.Engine
	Executors map[string]providers.Executor // keyed by provider family
	Reporter  observe.Reporter
	Logger    *logrus.Logger
}

// Controller runs requests end to end. Safe for concurrent use; each request
// is independent and shares only the ledger, breakers and policy snapshots.
type Controller struct {
	deps Deps
}

// NewController validates the wiring and returns a controller.
func NewController(deps Deps) (*Controller, error) {
	if deps.Registry == nil || deps.Ledger == nil || deps.Breakers == nil ||
		deps.Policy == nil || deps.Gate == nil || deps.Ranker == nil {
		return nil, fmt.Errorf("controller missing required collaborators")
	}
	if deps.Reporter == nil {
		deps.Reporter = observe.NopReporter{}
	}
	if len(deps.Executors) == 0 {
		return nil, fmt.Errorf("no provider executors configured")
	}
	for _, desc := range deps.Registry.All() {
		if _, ok := deps.Executors[desc.Family]; !ok {
			return nil, fmt.Errorf("no executor for provider family %s (provider %s)", desc.Family, desc.ID)
		}
	}
	return &Controller{deps: deps}, nil
}

// pendingFailure accumulates one classified failure until the controller
// knows the final outcome; traces carry the final provider and whether the
// request ultimately recovered.
type pendingFailure struct {
	class    FailureClass
	provider string
	action   string
	err      error
}

// Handle runs one request. The caller always receives a structured result;
// failures degrade to canned messages and nothing propagates as an error.
func (c *Controller) Handle(ctx context.Context, req *types.ChatRequest, budget types.UserBudgetState) *types.DispatchResult {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}

	// Pressure is established once per session and clamped by policy.
	level := c.deps.Sessions.Establish(req.SessionID, func() pressure.Level {
		return c.deps.Pressure.Compute(budget)
	})
	effective := c.deps.Policy.EffectivePressure(level.Value())

	// Pre-flight gate: only an answer outcome reaches a provider.
	gd := c.deps.Gate.Evaluate(req, budget, effective)
	if gd.Outcome != types.OutcomeAnswer {
		return &types.DispatchResult{
			RequestID: req.ID,
			Outcome:   gd.Outcome,
			Message:   gd.Message,
		}
	}

	tokensNeeded := estimateTokens(req)
	allowed := c.allowedProviders(req)

	decision, decideErr := c.decide(req, effective, allowed)
	if decideErr != nil {
		// Internal routing failure: bypass ranking, dispatch the fixed
		// plan-specific safe default exactly once.
		return c.dispatchSafeDefault(ctx, req, budget, decideErr)
	}
	c.deps.Reporter.ReportRoutingDecision(req.ID, *decision)

	return c.execute(ctx, req, budget, decision, allowed, tokensNeeded)
}

// Preview runs the gate and ranking for a request without dispatching
// anything: no provider call, no quota usage, no breaker updates. Session
// pressure is still established so a later real dispatch sees the same level.
func (c *Controller) Preview(req *types.ChatRequest, budget types.UserBudgetState) (*types.RoutingDecision, gate.Decision, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	level := c.deps.Sessions.Establish(req.SessionID, func() pressure.Level {
		return c.deps.Pressure.Compute(budget)
	})
	effective := c.deps.Policy.EffectivePressure(level.Value())

	gd := c.deps.Gate.Evaluate(req, budget, effective)
	if gd.Outcome != types.OutcomeAnswer {
		return nil, gd, nil
	}

	decision, err := c.decide(req, effective, c.allowedProviders(req))
	if err != nil {
		return nil, gd, err
	}
	return decision, gd, nil
}

// ResetSession drops a session's cached pressure level; the next message
// recomputes it from the then-current budget.
func (c *Controller) ResetSession(sessionID string) {
	c.deps.Sessions.Reset(sessionID)
}

// execute walks the fallback chain under the attempt budget.
func (c *Controller) execute(ctx context.Context, req *types.ChatRequest, budget types.UserBudgetState, decision *types.RoutingDecision, allowed []registry.ProviderDescriptor, tokensNeeded int64) *types.DispatchResult {
	chain := append([]string{decision.Provider}, decision.FallbackChain...)
	attempted := make([]string, 0, maxAttempts)
	var failures []pendingFailure

	currentID, ok := c.selectCandidate(req, budget.PlanTier, chain, attempted, tokensNeeded)
	if !ok {
		// Every chain entry was vetoed or quota-exhausted; fall back to the
		// ledger's last resort rather than hard-failing.
		best := c.deps.Ledger.GetBestAvailable(req.UserID, budget.PlanTier, decision.Provider, tokensNeeded, allowed, c.lastResort(allowed))
		currentID = best.ProviderID
		if currentID == "" || c.deps.Breakers.IsOpen(currentID) {
			return c.exhausted(req, decision, attempted, failures, 0)
		}
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		desc, found := c.deps.Registry.Get(currentID)
		if !found {
			failures = append(failures, pendingFailure{
				class: ClassOrchestrationFailure, provider: currentID,
				action: "unknown_provider", err: fmt.Errorf("provider %s not in registry", currentID),
			})
			return c.exhausted(req, decision, attempted, failures, attempt-1)
		}

		attempted = append(attempted, currentID)
		resp, err := c.executeOn(ctx, desc, req)
		if err == nil {
			c.deps.Breakers.RecordSuccess(currentID)
			c.recordUsage(req, budget.PlanTier, resp)
			c.reportFailures(req, failures, currentID, true)
			return &types.DispatchResult{
				RequestID:          req.ID,
				Outcome:            types.OutcomeAnswer,
				Response:           resp,
				Provider:           currentID,
				Recovered:          true,
				AttemptsUsed:       attempt,
				AttemptedProviders: attempted,
				Decision:           decision,
			}
		}

		c.deps.Breakers.RecordFailure(currentID)
		class := ClassifyFailure(err)

		c.deps.Logger.WithError(err).WithFields(logrus.Fields{
			"request":  req.ID,
			"provider": currentID,
			"attempt":  attempt,
			"class":    string(class),
		}).Warn("Provider attempt failed")

		// A cancelled caller means no further recovery; state already
		// recorded (breaker, quota) stands.
		if ctx.Err() != nil {
			failures = append(failures, pendingFailure{class: class, provider: currentID, action: "caller_cancelled", err: err})
			return c.exhausted(req, decision, attempted, failures, attempt)
		}

		switch class {
		case ClassBudgetEnforcement:
			// No retry of any kind: graceful stop.
			failures = append(failures, pendingFailure{class: class, provider: currentID, action: "budget_stop", err: err})
			c.reportFailures(req, failures, currentID, false)
			return &types.DispatchResult{
				RequestID:          req.ID,
				Outcome:            types.OutcomeAnswer,
				Message:            budgetStopMessage(budget.PlanTier),
				Provider:           currentID,
				Recovered:          false,
				AttemptsUsed:       attempt,
				AttemptedProviders: attempted,
				Decision:           decision,
			}

		case ClassModelRefusal:
			// Only the designated cheaper sibling of the same family, one
			// step, never the provider-failure fallback chain.
			sibling := desc.CheaperSibling
			if attempt >= maxAttempts || sibling == "" || contains(attempted, sibling) ||
				!c.deps.Policy.IsProviderAllowed(sibling) || c.deps.Breakers.IsOpen(sibling) {
				failures = append(failures, pendingFailure{class: class, provider: currentID, action: "refusal_sibling:none_available", err: err})
				return c.exhausted(req, decision, attempted, failures, attempt)
			}
			failures = append(failures, pendingFailure{class: class, provider: currentID, action: "refusal_sibling:" + sibling, err: err})
			currentID = sibling

		case ClassOrchestrationFailure:
			safe := c.deps.Registry.SafeDefault(budget.PlanTier)
			if attempt >= maxAttempts || contains(attempted, safe) || c.deps.Breakers.IsOpen(safe) {
				failures = append(failures, pendingFailure{class: class, provider: currentID, action: "safe_default:none_available", err: err})
				return c.exhausted(req, decision, attempted, failures, attempt)
			}
			failures = append(failures, pendingFailure{class: class, provider: currentID, action: "safe_default:" + safe, err: err})
			currentID = safe

		default: // ClassProviderFailure
			if req.HighStakes {
				// Fail fast rather than risk a second costly call.
				failures = append(failures, pendingFailure{class: class, provider: currentID, action: "high_stakes_fail_fast", err: err})
				return c.exhausted(req, decision, attempted, failures, attempt)
			}
			if attempt >= maxAttempts {
				failures = append(failures, pendingFailure{class: class, provider: currentID, action: "attempts_exhausted", err: err})
				return c.exhausted(req, decision, attempted, failures, attempt)
			}
			next, ok := c.selectCandidate(req, budget.PlanTier, chain, attempted, tokensNeeded)
			if !ok {
				failures = append(failures, pendingFailure{class: class, provider: currentID, action: "fallback:none_available", err: err})
				return c.exhausted(req, decision, attempted, failures, attempt)
			}
			failures = append(failures, pendingFailure{class: class, provider: currentID, action: "fallback:" + next, err: err})
			currentID = next
		}
	}

	return c.exhausted(req, decision, attempted, failures, maxAttempts)
}

// executeOn runs one provider call through the family executor.
func (c *Controller) executeOn(ctx context.Context, desc registry.ProviderDescriptor, req *types.ChatRequest) (*types.ProviderResponse, error) {
	exec, ok := c.deps.Executors[desc.Family]
	if !ok {
		return nil, &providers.ExecError{
			Kind:     providers.KindOrchestrationFailure,
			Provider: desc.ID,
			Err:      fmt.Errorf("no executor for family %s", desc.Family),
		}
	}
	return exec.Execute(ctx, desc.ID, desc.Model, req)
}

// decide classifies the request and ranks candidates. Panics inside the
// routing path are converted into an error so they recover through the
// orchestration-failure path instead of crashing the request goroutine.
func (c *Controller) decide(req *types.ChatRequest, effective float64, allowed []registry.ProviderDescriptor) (decision *types.RoutingDecision, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("routing failure: %v", r)
		}
	}()

	tier := classify.Classify(req.Text)
	specialization := req.SpecializationHint
	if specialization == "" {
		specialization = classify.DetectSpecialization(req.Text)
	}

	// Cost-spike mitigation: policy can pin everything to the cheapest
	// allowed provider regardless of rank.
	if c.deps.Policy.ShouldForceCheapest(req.PlanTier) && len(allowed) > 0 {
		byCost := make([]registry.ProviderDescriptor, len(allowed))
		copy(byCost, allowed)
		sort.SliceStable(byCost, func(i, j int) bool {
			if byCost[i].CostPerUnit != byCost[j].CostPerUnit {
				return byCost[i].CostPerUnit < byCost[j].CostPerUnit
			}
			return byCost[i].Reliability > byCost[j].Reliability
		})
		chain := make([]string, 0, len(byCost)-1)
		for _, d := range byCost[1:] {
			chain = append(chain, d.ID)
		}
		return &types.RoutingDecision{
			Provider:          byCost[0].ID,
			FallbackChain:     chain,
			Complexity:        string(tier),
			EffectivePressure: effective,
			Confidence:        0.9,
			Specialization:    specialization,
			Reasons:           []string{"policy forced cheapest provider " + byCost[0].ID},
			Timestamp:         time.Now().UTC(),
		}, nil
	}

	return c.deps.Ranker.Rank(ranking.Input{
		Candidates:        allowed,
		Complexity:        tier,
		EffectivePressure: effective,
		HighStakes:        req.HighStakes,
		PlanTier:          req.PlanTier,
		Specialization:    specialization,
	}), nil
}

// dispatchSafeDefault handles an orchestration failure that happened before
// any provider call: one dispatch to the plan's safe default, no recovery.
func (c *Controller) dispatchSafeDefault(ctx context.Context, req *types.ChatRequest, budget types.UserBudgetState, cause error) *types.DispatchResult {
	safe := c.deps.Registry.SafeDefault(budget.PlanTier)
	decision := &types.RoutingDecision{
		Provider:          safe,
		Complexity:        string(classify.TierMedium),
		EffectivePressure: 0,
		Confidence:        0.2,
		Reasons:           []string{"routing failed, using plan safe default " + safe},
		Timestamp:         time.Now().UTC(),
	}
	failures := []pendingFailure{{
		class: ClassOrchestrationFailure, provider: safe,
		action: "safe_default:" + safe, err: cause,
	}}

	desc, found := c.deps.Registry.Get(safe)
	if !found || c.deps.Breakers.IsOpen(safe) {
		return c.exhausted(req, decision, nil, failures, 0)
	}

	attempted := []string{safe}
	resp, err := c.executeOn(ctx, desc, req)
	if err != nil {
		c.deps.Breakers.RecordFailure(safe)
		failures = append(failures, pendingFailure{
			class: ClassifyFailure(err), provider: safe, action: "safe_default_failed", err: err,
		})
		return c.exhausted(req, decision, attempted, failures, 1)
	}

	c.deps.Breakers.RecordSuccess(safe)
	c.recordUsage(req, budget.PlanTier, resp)
	c.reportFailures(req, failures, safe, true)
	return &types.DispatchResult{
		RequestID:          req.ID,
		Outcome:            types.OutcomeAnswer,
		Response:           resp,
		Provider:           safe,
		Recovered:          true,
		AttemptsUsed:       1,
		AttemptedProviders: attempted,
		Decision:           decision,
	}
}

// selectCandidate returns the first chain entry that is untried, policy
// allowed, has quota headroom, and is not circuit-open.
func (c *Controller) selectCandidate(req *types.ChatRequest, plan types.PlanTier, chain []string, attempted []string, tokensNeeded int64) (string, bool) {
	for _, id := range chain {
		if contains(attempted, id) {
			continue
		}
		if !c.deps.Policy.IsProviderAllowed(id) {
			continue
		}
		if c.deps.Breakers.IsOpen(id) {
			c.deps.Logger.WithFields(logrus.Fields{
				"request":  req.ID,
				"provider": id,
			}).Debug("Skipping circuit-open provider")
			continue
		}
		ok, err := c.deps.Ledger.HasQuota(req.UserID, plan, id, tokensNeeded)
		if err != nil {
			c.deps.Logger.WithError(err).WithField("provider", id).Error("Quota check failed")
			continue
		}
		if !ok {
			continue
		}
		return id, true
	}
	return "", false
}

// lastResort picks the cheapest, most reliable allowed provider for the
// all-quota-exhausted case.
func (c *Controller) lastResort(allowed []registry.ProviderDescriptor) string {
	if len(allowed) == 0 {
		return c.deps.Registry.UltimateDefault()
	}
	best := allowed[0]
	for _, d := range allowed[1:] {
		if d.CostPerUnit < best.CostPerUnit ||
			(d.CostPerUnit == best.CostPerUnit && d.Reliability > best.Reliability) {
			best = d
		}
	}
	return best.ID
}

// allowedProviders applies the plan/region table and operator disables.
func (c *Controller) allowedProviders(req *types.ChatRequest) []registry.ProviderDescriptor {
	all := c.deps.Registry.Allowed(req.PlanTier, req.Region)
	out := make([]registry.ProviderDescriptor, 0, len(all))
	for _, d := range all {
		if c.deps.Policy.IsProviderAllowed(d.ID) {
			out = append(out, d)
		}
	}
	return out
}

// exhausted builds the ultimate-fallback result after the attempt budget is
// spent or no candidate remains.
func (c *Controller) exhausted(req *types.ChatRequest, decision *types.RoutingDecision, attempted []string, failures []pendingFailure, attemptsUsed int) *types.DispatchResult {
	final := ""
	if len(attempted) > 0 {
		final = attempted[len(attempted)-1]
	}
	c.reportFailures(req, failures, final, false)

	c.deps.Logger.WithFields(logrus.Fields{
		"request":   req.ID,
		"attempted": attempted,
		"class":     string(ClassAllAttemptsExhausted),
	}).Warn("All dispatch attempts exhausted")

	return &types.DispatchResult{
		RequestID:          req.ID,
		Outcome:            types.OutcomeAnswer,
		Message:            exhaustedMessage,
		Provider:           final,
		Recovered:          false,
		AttemptsUsed:       attemptsUsed,
		AttemptedProviders: attempted,
		Decision:           decision,
	}
}

// reportFailures emits one trace per accumulated failure, stamped with the
// final provider and recovery outcome, before the controller returns.
func (c *Controller) reportFailures(req *types.ChatRequest, failures []pendingFailure, finalProvider string, recovered bool) {
	for _, f := range failures {
		errText := ""
		if f.err != nil {
			errText = f.err.Error()
		}
		c.deps.Reporter.ReportFailureTrace(types.FailureTrace{
			ID:               uuid.NewString(),
			RequestID:        req.ID,
			Classification:   string(f.class),
			OriginalProvider: f.provider,
			FinalProvider:    finalProvider,
			Recovered:        recovered,
			Action:           f.action,
			Error:            errText,
			Timestamp:        time.Now().UTC(),
		})
	}
}

// recordUsage books completed consumption into the ledger and usage sink.
// Accounting prioritizes never under-counting: this runs even when the
// caller has already disconnected.
func (c *Controller) recordUsage(req *types.ChatRequest, plan types.PlanTier, resp *types.ProviderResponse) {
	tokens := resp.InputTokens + resp.OutputTokens
	if _, err := c.deps.Ledger.RecordUsage(req.UserID, plan, resp.Provider, tokens); err != nil {
		c.deps.Logger.WithError(err).WithField("provider", resp.Provider).Error("Failed to record quota usage")
	}
	c.deps.Reporter.ReportUsage(types.UsageLog{
		RequestID:    req.ID,
		UserID:       req.UserID,
		Provider:     resp.Provider,
		PlanTier:     plan,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Timestamp:    time.Now().UTC(),
	})
}

// estimateTokens falls back to a crude word-based estimate when the caller
// does not supply one.
func estimateTokens(req *types.ChatRequest) int64 {
	if req.EstimatedTokens > 0 {
		return req.EstimatedTokens
	}
	words := int64(len(strings.Fields(req.Text)))
	return words*2 + 64
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
