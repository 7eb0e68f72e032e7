package types

import (
	"time"
)

// Outcome is the pre-flight gate decision for a request. Only OutcomeAnswer
// proceeds to provider dispatch; every other outcome terminates the request
// with a canned message and zero provider calls.
type Outcome string

const (
	OutcomeAnswer  Outcome = "answer"
	OutcomeAskBack Outcome = "ask_back"
	OutcomePause   Outcome = "pause"
	OutcomeDecline Outcome = "decline"
)

// RoutingDecision describes which provider was chosen and why. It is created
// fresh per request and handed to the observability collaborator; nothing in
// the engine persists it.
type RoutingDecision struct {
	// Provider is the top-ranked provider id.
	Provider string `json:"provider"`

	// FallbackChain lists the remaining candidates in selection order.
	FallbackChain []string `json:"fallback_chain"`

	Complexity        string  `json:"complexity"`
	EffectivePressure float64 `json:"effective_pressure"`
	Confidence        float64 `json:"confidence"`
	Specialization    string  `json:"specialization,omitempty"`

	// Reasons holds human-readable routing reasoning, most significant first.
	Reasons []string `json:"reasons"`

	Timestamp time.Time `json:"timestamp"`
}

// ProviderResponse is the opaque result of a provider execution. The engine
// only reads token counts (for quota accounting) and the text.
type ProviderResponse struct {
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	Text         string        `json:"text"`
	InputTokens  int64         `json:"input_tokens"`
	OutputTokens int64         `json:"output_tokens"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Latency      time.Duration `json:"latency_ms"`
}

// DispatchResult is the structured result every dispatch returns. Callers
// never see an unhandled error: failures degrade to a canned Message.
type DispatchResult struct {
	RequestID string  `json:"request_id"`
	Outcome   Outcome `json:"outcome"`

	// Message carries the canned text for non-answer outcomes and for
	// exhausted or budget-stopped dispatches.
	Message string `json:"message,omitempty"`

	Response *ProviderResponse `json:"response,omitempty"`

	Provider           string   `json:"provider,omitempty"`
	Recovered          bool     `json:"recovered"`
	AttemptsUsed       int      `json:"attempts_used"`
	AttemptedProviders []string `json:"attempted_providers,omitempty"`

	Decision *RoutingDecision `json:"decision,omitempty"`
}

// FailureTrace records one classified dispatch failure for the observability
// collaborator. Produced on every failure, recovered or not.
type FailureTrace struct {
	ID               string    `json:"id"`
	RequestID        string    `json:"request_id"`
	Classification   string    `json:"classification"`
	OriginalProvider string    `json:"original_provider"`
	FinalProvider    string    `json:"final_provider"`
	Recovered        bool      `json:"recovered"`
	Action           string    `json:"action"`
	Error            string    `json:"error"`
	Timestamp        time.Time `json:"timestamp"`
}

// UsageLog records completed token consumption for the observability
// collaborator. Quota enforcement uses the ledger, not this log.
type UsageLog struct {
	RequestID    string    `json:"request_id"`
	UserID       string    `json:"user_id"`
	Provider     string    `json:"provider"`
	PlanTier     PlanTier  `json:"plan_tier"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	Timestamp    time.Time `json:"timestamp"`
}
