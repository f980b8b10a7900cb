package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrResultNotFound is returned when no analysis is cached for a run.
var ErrResultNotFound = errors.New("analysis result not found")

const resultNamespace = "analysis"

// ResultStore keeps recent analysis results keyed by tenant and run id.
type ResultStore struct {
	cache domain.Cache
	ttl   time.Duration
}

// NewResultStore wraps a cache. Entries expire after ttl.
func NewResultStore(c domain.Cache, ttl time.Duration) *ResultStore {
	return &ResultStore{cache: c, ttl: ttl}
}

// Save stores an analysis.
func (s *ResultStore) Save(ctx context.Context, a *domain.Analysis) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode analysis: %w", err)
	}
	return s.cache.Set(ctx, resultNamespace, resultKey(a.TenantID, a.RunID), data, s.ttl)
}

// Get returns the cached analysis of a run.
func (s *ResultStore) Get(ctx context.Context, tenantID, runID string) (*domain.Analysis, error) {
	data, err := s.cache.Get(ctx, resultNamespace, resultKey(tenantID, runID))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrResultNotFound
	}

	var a domain.Analysis
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode analysis: %w", err)
	}
	return &a, nil
}

func resultKey(tenantID, runID string) string {
	return tenantID + ":" + runID
}
