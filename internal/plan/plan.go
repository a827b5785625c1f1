// Package plan defines the WiFi plan catalog consumed by the billing core.
package plan

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alvn-cpu/mikrotikv2/internal/common"
)

// Plan is an immutable catalog entry: price, duration and usage caps.
type Plan struct {
	ID            string
	Name          string
	PriceKES      int64
	Duration      time.Duration
	DataCapMB     int64 // 0 means uncapped
	DownloadKbps  int
	UploadKbps    int
}

// DurationDisplay returns a human-readable duration string.
func (p Plan) DurationDisplay() string {
	h := int(p.Duration.Hours())
	m := int(p.Duration.Minutes()) % 60
	if h > 0 && m > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	if h > 0 {
		return fmt.Sprintf("%dh", h)
	}
	return fmt.Sprintf("%dm", m)
}

// DefaultPlans is the catalog used when no plans are configured.
func DefaultPlans() []Plan {
	return []Plan{
		{ID: "hourly", Name: "1 Hour", PriceKES: 10, Duration: time.Hour, DataCapMB: 512, DownloadKbps: 2048, UploadKbps: 512},
		{ID: "daily", Name: "24 Hours", PriceKES: 50, Duration: 24 * time.Hour, DataCapMB: 2048, DownloadKbps: 4096, UploadKbps: 1024},
		{ID: "weekly", Name: "7 Days", PriceKES: 250, Duration: 7 * 24 * time.Hour, DataCapMB: 10240, DownloadKbps: 5120, UploadKbps: 2048},
		{ID: "monthly", Name: "30 Days", PriceKES: 800, Duration: 30 * 24 * time.Hour, DataCapMB: 40960, DownloadKbps: 8192, UploadKbps: 4096},
	}
}

// Catalog is the read-only plan lookup supplied by the admin console.
type Catalog interface {
	Get(id string) (Plan, error)
	List() []Plan
}

// StaticCatalog is an in-memory Catalog seeded at startup.
type StaticCatalog struct {
	mu    sync.RWMutex
	plans map[string]Plan
}

// NewStaticCatalog builds a catalog from the given plans.
func NewStaticCatalog(plans []Plan) *StaticCatalog {
	c := &StaticCatalog{plans: make(map[string]Plan, len(plans))}
	for _, p := range plans {
		c.plans[p.ID] = p
	}
	return c
}

// Get returns the plan with the given id.
func (c *StaticCatalog) Get(id string) (Plan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.plans[id]
	if !ok {
		return Plan{}, fmt.Errorf("plan %s: %w", id, common.ErrNotFound)
	}
	return p, nil
}

// List returns all plans ordered by price.
func (c *StaticCatalog) List() []Plan {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PriceKES < out[j].PriceKES })
	return out
}
