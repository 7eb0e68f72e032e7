package registry

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/arbiterlabs/dispatch/internal/types"
)

// Specialization scores a provider's strength per request domain, each in [0,1].
type Specialization struct {
	Code      float64 `yaml:"code" json:"code"`
	Business  float64 `yaml:"business" json:"business"`
	Writing   float64 `yaml:"writing" json:"writing"`
	Reasoning float64 `yaml:"reasoning" json:"reasoning"`
}

// Match returns the score for a named domain, 0 for unknown or empty.
func (s Specialization) Match(domain string) float64 {
	switch domain {
	case "code":
		return s.Code
	case "business":
		return s.Business
	case "writing":
		return s.Writing
	case "reasoning":
		return s.Reasoning
	default:
		return 0
	}
}

// ProviderDescriptor is the immutable catalog entry for one backend provider.
// Loaded at startup, never mutated afterwards.
type ProviderDescriptor struct {
	ID          string `yaml:"id" json:"id"`
	DisplayName string `yaml:"display_name" json:"display_name"`

	// Family groups providers that share a vendor; ModelRefusal recovery
	// only ever moves to CheaperSibling within the same family.
	Family         string `yaml:"family" json:"family"`
	Model          string `yaml:"model" json:"model"`
	CheaperSibling string `yaml:"cheaper_sibling,omitempty" json:"cheaper_sibling,omitempty"`

	// CostPerUnit is milli-dollars per 1K tokens.
	CostPerUnit float64 `yaml:"cost_per_unit" json:"cost_per_unit"`
	Quality     float64 `yaml:"quality" json:"quality"`
	Latency     float64 `yaml:"latency" json:"latency"`
	Reliability float64 `yaml:"reliability" json:"reliability"`

	// Priority orders the quota downgrade scan (lower scans first).
	Priority int `yaml:"priority" json:"priority"`

	Specialization Specialization `yaml:"specialization" json:"specialization"`
}

// PlanAccess maps plan tier and region to the allowed provider subset. The
// mapping is a fixed table, not computed; region "default" is the fallback
// row for regions without an explicit entry.
type PlanAccess map[types.PlanTier]map[string][]string

// Catalog is the startup configuration for the registry.
type Catalog struct {
	Providers []ProviderDescriptor `yaml:"providers"`
	Access    PlanAccess           `yaml:"access"`

	// UltimateDefault is returned when filtering would otherwise yield an
	// empty candidate set (a programming invariant violation, not a user
	// error).
	UltimateDefault string `yaml:"ultimate_default"`

	// SafeDefaults names the per-plan provider used once when recovery from
	// an OrchestrationFailure bypasses ranking.
	SafeDefaults map[types.PlanTier]string `yaml:"safe_defaults"`
}

// Registry is the static provider catalog. All methods are safe for
// concurrent use because nothing is mutated after New.
type Registry struct {
	providers map[string]ProviderDescriptor
	order     []string
	access    PlanAccess
	ultimate  string
	safe      map[types.PlanTier]string
	logger    *logrus.Logger
}

// New validates the catalog and builds the registry. Validation failures are
// configuration errors and must abort startup.
func New(catalog Catalog, logger *logrus.Logger) (*Registry, error) {
	if len(catalog.Providers) == 0 {
		return nil, fmt.Errorf("provider catalog is empty")
	}

	providers := make(map[string]ProviderDescriptor, len(catalog.Providers))
	order := make([]string, 0, len(catalog.Providers))
	for _, p := range catalog.Providers {
		if p.ID == "" {
			return nil, fmt.Errorf("provider descriptor missing id")
		}
		if _, dup := providers[p.ID]; dup {
			return nil, fmt.Errorf("duplicate provider id %s", p.ID)
		}
		for name, v := range map[string]float64{
			"quality": p.Quality, "latency": p.Latency, "reliability": p.Reliability,
		} {
			if v < 0 || v > 1 {
				return nil, fmt.Errorf("provider %s: %s score %v outside [0,1]", p.ID, name, v)
			}
		}
		if p.CostPerUnit < 0 {
			return nil, fmt.Errorf("provider %s: negative cost", p.ID)
		}
		providers[p.ID] = p
		order = append(order, p.ID)
	}

	// Sibling references must stay within the family and actually be cheaper.
	for _, p := range catalog.Providers {
		if p.CheaperSibling == "" {
			continue
		}
		sib, ok := providers[p.CheaperSibling]
		if !ok {
			return nil, fmt.Errorf("provider %s: unknown cheaper_sibling %s", p.ID, p.CheaperSibling)
		}
		if sib.Family != p.Family {
			return nil, fmt.Errorf("provider %s: cheaper_sibling %s is in family %s, not %s", p.ID, sib.ID, sib.Family, p.Family)
		}
		if sib.CostPerUnit > p.CostPerUnit {
			return nil, fmt.Errorf("provider %s: cheaper_sibling %s costs more", p.ID, sib.ID)
		}
	}

	if _, ok := providers[catalog.UltimateDefault]; !ok {
		return nil, fmt.Errorf("ultimate_default %q is not in the catalog", catalog.UltimateDefault)
	}
	for plan, id := range catalog.SafeDefaults {
		if !plan.Valid() {
			return nil, fmt.Errorf("safe_defaults: unknown plan %s", plan)
		}
		if _, ok := providers[id]; !ok {
			return nil, fmt.Errorf("safe_defaults[%s]: unknown provider %s", plan, id)
		}
	}
	for plan, regions := range catalog.Access {
		if !plan.Valid() {
			return nil, fmt.Errorf("access table: unknown plan %s", plan)
		}
		for region, ids := range regions {
			if len(ids) == 0 {
				return nil, fmt.Errorf("access table: empty provider list for plan %s region %s", plan, region)
			}
			for _, id := range ids {
				if _, ok := providers[id]; !ok {
					return nil, fmt.Errorf("access table: plan %s region %s references unknown provider %s", plan, region, id)
				}
			}
		}
	}

	logger.WithFields(logrus.Fields{
		"providers": len(providers),
		"plans":     len(catalog.Access),
	}).Info("Provider registry loaded")

	return &Registry{
		providers: providers,
		order:     order,
		access:    catalog.Access,
		ultimate:  catalog.UltimateDefault,
		safe:      catalog.SafeDefaults,
		logger:    logger,
	}, nil
}

// Get returns the descriptor for a provider id.
func (r *Registry) Get(id string) (ProviderDescriptor, bool) {
	p, ok := r.providers[id]
	return p, ok
}

// All returns every descriptor in catalog order.
func (r *Registry) All() []ProviderDescriptor {
	out := make([]ProviderDescriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.providers[id])
	}
	return out
}

// Allowed returns the provider subset for a plan and region. Falls back to
// the "default" region row, then to the full catalog for unknown plans so a
// misconfigured caller degrades instead of getting nothing.
func (r *Registry) Allowed(plan types.PlanTier, region string) []ProviderDescriptor {
	regions, ok := r.access[plan]
	if !ok {
		r.logger.WithField("plan", plan).Warn("No access row for plan, allowing full catalog")
		return r.All()
	}
	ids, ok := regions[region]
	if !ok {
		ids = regions["default"]
	}
	out := make([]ProviderDescriptor, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.providers[id])
	}
	return out
}

// ByPriority returns the given descriptors sorted by ascending priority,
// the fixed scan order the quota ledger uses when downgrading.
func ByPriority(descriptors []ProviderDescriptor) []ProviderDescriptor {
	out := make([]ProviderDescriptor, len(descriptors))
	copy(out, descriptors)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// UltimateDefault returns the hardcoded last-resort provider id.
func (r *Registry) UltimateDefault() string {
	return r.ultimate
}

// SafeDefault returns the plan-specific provider used for orchestration
// failure recovery, falling back to the ultimate default.
func (r *Registry) SafeDefault(plan types.PlanTier) string {
	if id, ok := r.safe[plan]; ok {
		return id
	}
	return r.ultimate
}
