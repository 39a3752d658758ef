// Package catalog answers which agents a client may pick, backed by the
// upstream model list, a shared cache and the configured council.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/mohammad-safakhou/council/internal/cache"
	"github.com/mohammad-safakhou/council/internal/provider/openrouter"
)

const cacheKey = "catalog:models"

// Lister fetches the upstream catalog.
type Lister interface {
	ListModels(ctx context.Context) ([]openrouter.Model, error)
}

// Cache is the subset of cache.Redis the catalog needs.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

// Listing is the body of GET /api/agents.
type Listing struct {
	Agents          []string           `json:"agents"`
	Models          []openrouter.Model `json:"models"`
	DefaultChairman string             `json:"default_chairman"`
	// Fallback is true when the upstream catalog could not be reached.
	Fallback bool `json:"-"`
}

// Catalog combines the upstream list with the configured defaults.
type Catalog struct {
	lister   Lister
	cache    Cache
	ttl      time.Duration
	council  []string
	chairman string
	logger   *log.Logger
}

// New returns a catalog. cache may be nil.
func New(lister Lister, c Cache, ttl time.Duration, council []string, chairman string) *Catalog {
	return &Catalog{
		lister:   lister,
		cache:    c,
		ttl:      ttl,
		council:  append([]string(nil), council...),
		chairman: chairman,
		logger:   log.New(log.Writer(), "[CATALOG] ", log.LstdFlags),
	}
}

// DefaultChairman is the configured synthesizing agent.
func (c *Catalog) DefaultChairman() string { return c.chairman }

// DefaultCouncil is the configured agent selection.
func (c *Catalog) DefaultCouncil() []string { return append([]string(nil), c.council...) }

// Models returns the available agents. Upstream failures fall back to the
// configured council instead of failing.
func (c *Catalog) Models(ctx context.Context) Listing {
	if models, ok := c.cached(ctx); ok {
		return c.listing(models, false)
	}
	if c.lister != nil {
		models, err := c.lister.ListModels(ctx)
		if err == nil && len(models) > 0 {
			c.store(ctx, models)
			return c.listing(models, false)
		}
		if err == nil {
			err = errors.New("empty catalog")
		}
		c.logger.Printf("upstream catalog unavailable, using configured council: %v", err)
	}
	fallback := make([]openrouter.Model, 0, len(c.council))
	for _, id := range c.council {
		fallback = append(fallback, openrouter.Model{ID: id})
	}
	return c.listing(fallback, true)
}

func (c *Catalog) listing(models []openrouter.Model, fallback bool) Listing {
	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	return Listing{Agents: ids, Models: models, DefaultChairman: c.chairman, Fallback: fallback}
}

func (c *Catalog) cached(ctx context.Context) ([]openrouter.Model, bool) {
	if c.cache == nil {
		return nil, false
	}
	raw, err := c.cache.Get(ctx, cacheKey)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			c.logger.Printf("cache read: %v", err)
		}
		return nil, false
	}
	var models []openrouter.Model
	if err := json.Unmarshal(raw, &models); err != nil || len(models) == 0 {
		return nil, false
	}
	return models, true
}

func (c *Catalog) store(ctx context.Context, models []openrouter.Model) {
	if c.cache == nil || c.ttl <= 0 {
		return
	}
	raw, err := json.Marshal(models)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, cacheKey, raw, c.ttl); err != nil {
		c.logger.Printf("cache write: %v", err)
	}
}
