package types

import (
	"time"
)

// PlanTier identifies a subscription plan. Lower tiers hit budget-pressure
// thresholds earlier; PlanUnlimited bypasses cost filtering entirely.
type PlanTier string

const (
	PlanFree      PlanTier = "free"
	PlanStarter   PlanTier = "starter"
	PlanPro       PlanTier = "pro"
	PlanBusiness  PlanTier = "business"
	PlanUnlimited PlanTier = "unlimited"
)

// KnownPlanTiers lists every plan the engine accepts, in ascending order.
var KnownPlanTiers = []PlanTier{PlanFree, PlanStarter, PlanPro, PlanBusiness, PlanUnlimited}

// Valid reports whether the tier is one of the known plans.
func (p PlanTier) Valid() bool {
	for _, known := range KnownPlanTiers {
		if p == known {
			return true
		}
	}
	return false
}

// ChatRequest is a single inbound chat request as seen by the dispatch engine.
// Prompt assembly and conversation history are collaborator concerns; the
// engine only needs the raw text and routing metadata.
type ChatRequest struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`

	PlanTier PlanTier `json:"plan_tier"`
	Region   string   `json:"region,omitempty"`

	// HighStakes requests bypass budget filtering and fail fast instead of
	// retrying a second provider on transport errors.
	HighStakes bool `json:"high_stakes,omitempty"`

	// SpecializationHint biases ranking toward providers strong in one of
	// code/business/writing/reasoning. Empty means detect from text.
	SpecializationHint string `json:"specialization_hint,omitempty"`

	// Continuation marks a message inside an ongoing multi-turn session.
	// Sparse input is only bounced back for clarification on fresh turns.
	Continuation bool `json:"continuation,omitempty"`

	// EstimatedTokens is the caller's token estimate used for quota headroom
	// checks. Zero means estimate from the text.
	EstimatedTokens int64 `json:"estimated_tokens,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}
