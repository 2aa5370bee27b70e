package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// NotFoundError reports that no usable model exists. TotalModels carries the
// full catalog size as a diagnostic: zero means an empty catalog, nonzero
// means every row is disabled or misconfigured.
type NotFoundError struct {
	TotalModels int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no usable model in catalog (%d records)", e.TotalModels)
}

// fallback order: strict match first, then each status field alone. Tolerates
// partially-migrated catalogs where is_active and status disagree.
var fallbackChain = []Filter{FilterStrict, FilterStatus, FilterFlag}

type SelectorOptions struct {
	CacheSize int           // entries, default 64
	CacheTTL  time.Duration // default 30s; 0 keeps the default, negative disables
}

// Selector picks the best model for a request, caching recent picks so a
// burst of submissions does not hammer the catalog.
type Selector struct {
	catalog Catalog
	cache   *expirable.LRU[string, *ModelRecord]
}

func NewSelector(c Catalog, opts SelectorOptions) *Selector {
	size := opts.CacheSize
	if size <= 0 {
		size = 64
	}
	ttl := opts.CacheTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	s := &Selector{catalog: c}
	if ttl > 0 {
		s.cache = expirable.NewLRU[string, *ModelRecord](size, nil, ttl)
	}
	return s
}

// SelectBestModel walks the fallback chain and returns the first match.
// All three steps empty means *NotFoundError with the catalog row count.
func (s *Selector) SelectBestModel(ctx context.Context, req Requirements) (*ModelRecord, error) {
	if s.cache != nil {
		if m, ok := s.cache.Get(req.key()); ok {
			return m, nil
		}
	}
	for _, f := range fallbackChain {
		m, err := s.catalog.Pick(ctx, req, f)
		if err != nil {
			return nil, fmt.Errorf("catalog query: %w", err)
		}
		if m != nil {
			if s.cache != nil {
				s.cache.Add(req.key(), m)
			}
			return m, nil
		}
	}
	total, err := s.catalog.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog count: %w", err)
	}
	return nil, &NotFoundError{TotalModels: total}
}
