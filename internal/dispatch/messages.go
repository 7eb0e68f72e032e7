package dispatch

import (
	"github.com/arbiterlabs/dispatch/internal/types"
)

// Canned user-facing texts. Short and non-technical on purpose: recovery
// details belong in failure traces, not in front of the user.

const exhaustedMessage = "Something went wrong on our side. Please try again in a moment."

var budgetStopMessages = map[types.PlanTier]string{
	types.PlanFree:      "You've used up the free allowance for now. Upgrading unlocks more, or you can come back after the reset.",
	types.PlanStarter:   "You've hit your plan's usage limit for now. It will reset shortly, or you can upgrade for more headroom.",
	types.PlanPro:       "You've hit a usage limit for now. It will clear shortly; please try again in a little while.",
	types.PlanBusiness:  "You've hit a usage limit for now. It will clear shortly; please try again in a little while.",
	types.PlanUnlimited: "We're momentarily at capacity. Please retry in a few seconds.",
}

func budgetStopMessage(plan types.PlanTier) string {
	if msg, ok := budgetStopMessages[plan]; ok {
		return msg
	}
	return budgetStopMessages[types.PlanFree]
}
