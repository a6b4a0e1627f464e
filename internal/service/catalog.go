// Package service provides business logic for the billing API.
package service

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/appback/billing/internal/models"
	"github.com/appback/billing/internal/payment"
)

// PlanCatalog is a process-wide cache of processor-side plan objects. It is
// populated lazily and never expired within the process lifetime; a miss
// triggers a refresh from the processor.
type PlanCatalog interface {
	// Get returns a cached plan, refreshing the catalog on a miss. A nil
	// result means the processor doesn't know the plan either.
	Get(ctx context.Context, id string) (*models.CatalogPlan, error)

	// Upsert inserts or replaces a catalog entry.
	Upsert(plan models.CatalogPlan)

	// PopulateAll refreshes the whole catalog from the processor.
	PopulateAll(ctx context.Context) error
}

type planCatalog struct {
	processor payment.Processor

	mu        sync.RWMutex
	plans     map[string]models.CatalogPlan
	populated bool

	// refresh deduplicates concurrent populate calls.
	refresh singleflight.Group
}

// NewPlanCatalog creates an in-memory plan catalog backed by the processor.
func NewPlanCatalog(processor payment.Processor) PlanCatalog {
	return &planCatalog{
		processor: processor,
		plans:     make(map[string]models.CatalogPlan),
	}
}

func (c *planCatalog) Get(ctx context.Context, id string) (*models.CatalogPlan, error) {
	c.mu.RLock()
	plan, ok := c.plans[id]
	populated := c.populated
	c.mu.RUnlock()
	if ok {
		return &plan, nil
	}
	if populated {
		// A known-complete catalog only refreshes for ids it has never
		// seen; localized plans are inserted by their creator.
		return nil, nil
	}

	if err := c.PopulateAll(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if plan, ok := c.plans[id]; ok {
		return &plan, nil
	}
	return nil, nil
}

func (c *planCatalog) Upsert(plan models.CatalogPlan) {
	c.mu.Lock()
	c.plans[plan.ID] = plan
	c.mu.Unlock()
}

func (c *planCatalog) PopulateAll(ctx context.Context) error {
	_, err, _ := c.refresh.Do("populate", func() (any, error) {
		plans, err := c.processor.ListPlans(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		for _, plan := range plans {
			c.plans[plan.ID] = plan
		}
		c.populated = true
		c.mu.Unlock()
		return nil, nil
	})
	return err
}
