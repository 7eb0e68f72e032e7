package dispatch

import (
	"errors"
	"strings"

	"github.com/arbiterlabs/dispatch/internal/providers"
)

// FailureClass is the dispatch failure taxonomy. Exactly four classes cover
// every provider call failure; AllAttemptsExhausted is the terminal outcome
// emitted only after the attempt budget is spent.
type FailureClass string

const (
	ClassProviderFailure      FailureClass = "provider_failure"
	ClassModelRefusal         FailureClass = "model_refusal"
	ClassBudgetEnforcement    FailureClass = "budget_enforcement"
	ClassOrchestrationFailure FailureClass = "orchestration_failure"
	ClassAllAttemptsExhausted FailureClass = "all_attempts_exhausted"
)

var budgetHints = []string{"quota", "rate limit", "too many requests", "billing", "429"}
var refusalHints = []string{"safety", "content filter", "filtered", "refus", "empty output", "empty completion"}

// ClassifyFailure maps an execution error onto exactly one failure class.
// Structured executor errors carry their class; for anything else message
// heuristics apply, and unrecognized errors default to ProviderFailure, the
// safest most-likely-transient class.
func ClassifyFailure(err error) FailureClass {
	var execErr *providers.ExecError
	if errors.As(err, &execErr) {
		switch execErr.Kind {
		case providers.KindModelRefusal:
			return ClassModelRefusal
		case providers.KindBudgetEnforcement:
			return ClassBudgetEnforcement
		case providers.KindOrchestrationFailure:
			return ClassOrchestrationFailure
		default:
			return ClassProviderFailure
		}
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range budgetHints {
		if strings.Contains(msg, hint) {
			return ClassBudgetEnforcement
		}
	}
	for _, hint := range refusalHints {
		if strings.Contains(msg, hint) {
			return ClassModelRefusal
		}
	}
	return ClassProviderFailure
}
