// Package classify maps raw request text onto a closed complexity enum. It is
// a pure function layer: deterministic, no side effects, no external
// dependencies, so it can be tested without mocking anything.
package classify

import (
	"regexp"
	"strings"
)

// Tier is the complexity tier of a request.
type Tier string

const (
	TierCasual  Tier = "casual"
	TierSimple  Tier = "simple"
	TierMedium  Tier = "medium"
	TierComplex Tier = "complex"
	TierExpert  Tier = "expert"
)

// Rank orders tiers for weight lookups (casual lowest).
func (t Tier) Rank() int {
	switch t {
	case TierCasual:
		return 0
	case TierSimple:
		return 1
	case TierMedium:
		return 2
	case TierComplex:
		return 3
	case TierExpert:
		return 4
	default:
		return 2
	}
}

var codePattern = regexp.MustCompile("(?s)```|\\b(func|def|class|import|return|var|const)\\b|[{};]|=>|</?[a-zA-Z]+>|\\b(SELECT|INSERT|UPDATE|DELETE)\\b")

var analyticalKeywords = []string{
	"analyze", "analyse", "compare", "evaluate", "calculate", "optimize",
	"optimise", "estimate", "forecast", "summarize", "summarise", "derive",
	"prove", "explain why", "break down", "trade-off", "tradeoff",
}

var technicalKeywords = []string{
	"algorithm", "database", "kubernetes", "compiler", "concurrency",
	"distributed", "latency", "throughput", "encryption", "regression",
	"neural", "api", "protocol", "refactor", "microservice", "schema",
	"benchmark", "stack trace", "goroutine", "mutex",
}

// Classify returns the complexity tier for a request text. Rules apply in
// priority order; the first match wins and a tier is always returned.
func Classify(text string) Tier {
	trimmed := strings.TrimSpace(text)
	words := len(strings.Fields(trimmed))
	lower := strings.ToLower(trimmed)

	code := codePattern.MatchString(trimmed)
	analytical := containsAny(lower, analyticalKeywords)
	technical := containsAny(lower, technicalKeywords)

	switch {
	case words <= 5 && !code && !analytical:
		return TierCasual
	case code && technical && words > 100:
		return TierExpert
	case (code || analytical) && words > 80:
		return TierComplex
	case (code || analytical) && words > 20:
		return TierMedium
	case words <= 20 || strings.HasSuffix(trimmed, "?"):
		return TierSimple
	default:
		return TierMedium
	}
}

var specializationKeywords = map[string][]string{
	"code": {
		"code", "function", "bug", "compile", "debug", "script", "program",
		"library", "api", "regex", "sql", "refactor",
	},
	"business": {
		"revenue", "market", "customer", "invoice", "pricing", "strategy",
		"roadmap", "stakeholder", "budget", "forecast", "quarterly",
	},
	"writing": {
		"essay", "blog", "article", "story", "poem", "rewrite", "draft",
		"tone", "proofread", "headline", "copy",
	},
	"reasoning": {
		"why", "prove", "logic", "puzzle", "deduce", "paradox", "step by step",
		"riddle", "argument", "fallacy",
	},
}

// DetectSpecialization guesses the request domain from keyword hits. Returns
// "" when no domain clearly dominates.
func DetectSpecialization(text string) string {
	lower := strings.ToLower(text)

	best := ""
	bestHits := 0
	for _, domain := range []string{"code", "business", "writing", "reasoning"} {
		hits := 0
		for _, kw := range specializationKeywords[domain] {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = domain, hits
		}
	}

	if bestHits < 2 {
		return ""
	}
	return best
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
