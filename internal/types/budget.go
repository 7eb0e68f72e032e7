package types

// UserBudgetState is a read-only snapshot of a user's token budget, supplied
// per request by the billing collaborator. The engine never mutates it.
type UserBudgetState struct {
	UserID       string   `json:"user_id"`
	PlanTier     PlanTier `json:"plan_tier"`
	MonthlyUsed  int64    `json:"monthly_used"`
	MonthlyLimit int64    `json:"monthly_limit"`
	DailyUsed    int64    `json:"daily_used"`
	DailyLimit   int64    `json:"daily_limit"`
}
