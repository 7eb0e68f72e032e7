// Package gate is the pre-flight decision point: it determines whether a
// request should reach a provider at all, or be paused, declined, or bounced
// back for clarification without any provider call. A non-answer outcome
// costs nothing and consumes no quota.
package gate

import (
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/arbiterlabs/dispatch/internal/policy"
	"github.com/arbiterlabs/dispatch/internal/pressure"
	"github.com/arbiterlabs/dispatch/internal/types"
)

// Reason codes for non-answer outcomes.
const (
	ReasonMaintenance      = "MAINTENANCE"
	ReasonIllegalActivity  = "ILLEGAL_ACTIVITY"
	ReasonPrivacyViolation = "PRIVACY_VIOLATION"
	ReasonJailbreakAttempt = "JAILBREAK_ATTEMPT"
	ReasonBudgetDaily      = "BUDGET_EXHAUSTED_DAILY"
	ReasonBudgetMonthly    = "BUDGET_EXHAUSTED_MONTHLY"
	ReasonSparseInput      = "SPARSE_INPUT"
)

// Decision is the gate's verdict for one request.
type Decision struct {
	Outcome types.Outcome `json:"outcome"`
	Reason  string        `json:"reason,omitempty"`
	Message string        `json:"message,omitempty"`

	// SelfHarmFlag marks self-harm-adjacent language for careful in-band
	// handling downstream. It never causes a decline.
	SelfHarmFlag bool `json:"self_harm_flag,omitempty"`

	// EffectivePressure is carried forward for the ranking engine when the
	// outcome is answer.
	EffectivePressure float64 `json:"effective_pressure"`
}

var declineMessages = map[string]string{
	ReasonIllegalActivity:  "I can't help with that request.",
	ReasonPrivacyViolation: "I can't help with locating or exposing personal information about someone.",
	ReasonJailbreakAttempt: "I can't ignore my guidelines, but I'm happy to help within them.",
}

const (
	maintenanceMessage  = "We're briefly down for maintenance. Please try again in a few minutes."
	budgetDailyMessage  = "You've reached today's usage limit. Your daily allowance resets at midnight UTC."
	budgetMonthMessage  = "You've reached this month's usage limit. Your allowance resets with the next billing period."
	clarificationPrompt = "Could you tell me a bit more about what you'd like help with?"
)

type category struct {
	reason   string
	patterns []*regexp.Regexp
}

// Gate runs the ordered pre-flight checks.
type Gate struct {
	policy     *policy.Layer
	categories []category
	selfHarm   []*regexp.Regexp
	sparse     *regexp.Regexp
	logger     *logrus.Logger
}

func compileAll(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}

// New builds a gate wired to the policy layer. Screening patterns are
// compiled once up front.
func New(policyLayer *policy.Layer, logger *logrus.Logger) *Gate {
	return &Gate{
		policy: policyLayer,
		categories: []category{
			{
				reason: ReasonIllegalActivity,
				patterns: compileAll([]string{
					`(?i)how (do i|to|can i) (make|build|synthesize) (a bomb|explosives|meth|drugs)`,
					`(?i)how (do i|to|can i) (hack into|break into) `,
					`(?i)(steal|clone) (a |someone'?s )?credit card`,
					`(?i)launder(ing)? money`,
					`(?i)buy (illegal|unregistered) (guns?|firearms?|weapons?)`,
				}),
			},
			{
				reason: ReasonPrivacyViolation,
				patterns: compileAll([]string{
					`(?i)(home )?address of [A-Z][a-z]+`,
					`(?i)(find|get|look ?up) (someone'?s|his|her|their) (ssn|social security)`,
					`(?i)track (someone'?s|his|her|their) (location|phone)`,
					`(?i)\bdox(x(ing)?)?\b`,
				}),
			},
			{
				reason: ReasonJailbreakAttempt,
				patterns: compileAll([]string{
					`(?i)ignore (all |the |any )?(previous|prior|above) (instructions|prompts|rules)`,
					`(?i)act as dan\b`,
					`(?i)pretend (you|that you) (have no|are free of|don'?t have) (rules|restrictions|guidelines)`,
					`(?i)(enable|enter) developer mode`,
					`(?i)you are no longer (an ai|bound by)`,
				}),
			},
		},
		selfHarm: compileAll([]string{
			`(?i)kill(ing)? myself`,
			`(?i)\bsuicid(e|al)\b`,
			`(?i)end(ing)? my (own )?life`,
			`(?i)hurt(ing)? myself`,
			`(?i)self[- ]harm`,
		}),
		sparse: regexp.MustCompile(`^[\s[:punct:]]*$`),
		logger: logger,
	}
}

// Evaluate runs the checks in order; the first failing check wins. Only an
// answer outcome proceeds to provider dispatch.
func (g *Gate) Evaluate(req *types.ChatRequest, budget types.UserBudgetState, effectivePressure float64) Decision {
	// 1. Maintenance mode pauses everything before ranking runs.
	if g.policy.IsMaintenanceModeOn() {
		return g.terminal(req, types.OutcomePause, ReasonMaintenance, maintenanceMessage)
	}

	selfHarm := g.matchesSelfHarm(req.Text)

	// 2. Policy-violating content. Self-harm language is excluded from
	// decline on purpose: it is flagged for in-band handling instead.
	for _, cat := range g.categories {
		for _, re := range cat.patterns {
			if re.MatchString(req.Text) {
				d := g.terminal(req, types.OutcomeDecline, cat.reason, declineMessages[cat.reason])
				d.SelfHarmFlag = selfHarm
				return d
			}
		}
	}

	// 3. Fully exhausted budget pauses with window-specific framing.
	if pressure.Ratio(budget.DailyUsed, budget.DailyLimit) >= 1.0 {
		return g.terminal(req, types.OutcomePause, ReasonBudgetDaily, budgetDailyMessage)
	}
	if pressure.Ratio(budget.MonthlyUsed, budget.MonthlyLimit) >= 1.0 {
		return g.terminal(req, types.OutcomePause, ReasonBudgetMonthly, budgetMonthMessage)
	}

	// 4. Too sparse to act on, unless this continues a multi-turn session.
	if !req.Continuation && g.isSparse(req.Text) {
		return g.terminal(req, types.OutcomeAskBack, ReasonSparseInput, clarificationPrompt)
	}

	return Decision{
		Outcome:           types.OutcomeAnswer,
		SelfHarmFlag:      selfHarm,
		EffectivePressure: effectivePressure,
	}
}

func (g *Gate) terminal(req *types.ChatRequest, outcome types.Outcome, reason, message string) Decision {
	g.logger.WithFields(logrus.Fields{
		"request": req.ID,
		"user":    req.UserID,
		"outcome": outcome,
		"reason":  reason,
	}).Info("Request short-circuited at gate")
	return Decision{Outcome: outcome, Reason: reason, Message: message}
}

func (g *Gate) matchesSelfHarm(text string) bool {
	for _, re := range g.selfHarm {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func (g *Gate) isSparse(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < 2 {
		return true
	}
	return g.sparse.MatchString(trimmed)
}
