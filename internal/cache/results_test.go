package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestResultStore(t *testing.T) {
	store := NewResultStore(NewLRUCache(10), time.Minute)
	ctx := context.Background()

	a := &domain.Analysis{
		RunID:    "run-1",
		TenantID: "tenant-1",
		Clusters: []domain.Cluster{{ID: "c1", AccountIDs: []string{"a", "b"}, RiskScore: 0.6, RiskLevel: domain.RiskHigh}},
		Accounts: map[string]domain.RiskResult{"a": {RiskScore: 0.6, RiskLevel: domain.RiskHigh, ClusterID: "c1"}},
	}

	if err := store.Save(ctx, a); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Get(ctx, "tenant-1", "run-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got.Clusters) != 1 || got.Clusters[0].ID != "c1" {
		t.Errorf("expected cluster c1, got %v", got.Clusters)
	}
	if got.Accounts["a"].ClusterID != "c1" {
		t.Errorf("expected account a in c1, got %v", got.Accounts["a"])
	}

	if _, err := store.Get(ctx, "tenant-2", "run-1"); !errors.Is(err, ErrResultNotFound) {
		t.Errorf("expected ErrResultNotFound for other tenant, got %v", err)
	}
}
