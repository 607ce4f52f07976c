package subscription

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// InMemCatalog is a PlanCatalog held in memory.
type InMemCatalog struct {
	mu    sync.RWMutex
	plans map[string]Plan
}

// NewInMemCatalog returns a catalog with copies of the given plans.
// Panics if no plans are provided so the service never starts with an empty catalog.
func NewInMemCatalog(plans ...Plan) *InMemCatalog {
	if len(plans) < 1 {
		panic("subscription: at least one plan is required")
	}
	c := &InMemCatalog{plans: make(map[string]Plan, len(plans))}
	for _, p := range plans {
		c.plans[p.PlanID] = clonePlan(p)
	}
	return c
}

// Plan returns a copy of the plan so callers cannot mutate catalog state.
func (c *InMemCatalog) Plan(_ context.Context, planID string) (*Plan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.plans[planID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	cp := clonePlan(p)
	return &cp, nil
}

// Plans returns copies of every plan, ordered by plan ID.
func (c *InMemCatalog) Plans() []Plan {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, clonePlan(p))
	}
	slices.SortFunc(out, func(a, b Plan) int { return strings.Compare(a.PlanID, b.PlanID) })
	return out
}

type catalogFile struct {
	Plans []Plan `yaml:"plans"`
}

// LoadCatalogFile reads plans from a YAML file:
//
//	plans:
//	  - plan_id: P-5ML4271244454362WXNWU5NQ
//	    product_id: PROD-XXCD1234QWER65782
//	    name: Pro monthly
//	    price: {amount: 1900, currency: USD}
//	    interval: MONTH
//	    entitlement_id: pln_pro-monthly
func LoadCatalogFile(path string) (*InMemCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Join(ErrInvalidPlanConfiguration, err)
	}
	if err := ValidatePlans(file.Plans...); err != nil {
		return nil, err
	}
	return NewInMemCatalog(file.Plans...), nil
}

// ValidatePlans catches catalog mistakes at startup instead of at checkout time.
func ValidatePlans(plans ...Plan) error {
	if len(plans) == 0 {
		return errors.Join(ErrInvalidPlanConfiguration, errors.New("no plans defined"))
	}
	seen := make(map[string]struct{}, len(plans))
	for _, p := range plans {
		if p.PlanID == "" {
			return errors.Join(ErrInvalidPlanConfiguration, fmt.Errorf("plan %q has no plan_id", p.Name))
		}
		if _, dup := seen[p.PlanID]; dup {
			return errors.Join(ErrInvalidPlanConfiguration, fmt.Errorf("duplicate plan_id %s", p.PlanID))
		}
		seen[p.PlanID] = struct{}{}
		if p.EntitlementID == "" {
			return errors.Join(ErrInvalidPlanConfiguration, fmt.Errorf("plan %s has no entitlement_id", p.PlanID))
		}
		if p.Interval != "" && !p.Interval.Valid() {
			return errors.Join(ErrInvalidPlanConfiguration, fmt.Errorf("plan %s has invalid interval %q", p.PlanID, p.Interval))
		}
	}
	return nil
}

func clonePlan(p Plan) Plan {
	if p.SalePrice != nil {
		sp := *p.SalePrice
		p.SalePrice = &sp
	}
	return p
}
