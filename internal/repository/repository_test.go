package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newTestRepo(t *testing.T) *SQLRepository {
	t.Helper()

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "kestrel-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func rawTx(id, from string, ts time.Time, amount string) domain.RawTransaction {
	return domain.RawTransaction{
		ID:            id,
		FromAccountID: from,
		ToAccountID:   "merchant",
		Amount:        decimal.RequireFromString(amount),
		Timestamp:     ts.UTC().Format(time.RFC3339),
		IPAddress:     "10.0.0.1",
		DeviceID:      "dev-" + from,
	}
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndListTransactions", func(t *testing.T) {
		vpn := true
		score := 0.8
		tx := rawTx("tx-001", "acc-1", base, "125.50")
		tx.IsVPN = &vpn
		tx.SessionAnomalyScore = &score
		tx.ASN = "64500"

		txs := []domain.RawTransaction{tx, rawTx("tx-002", "acc-2", base.Add(time.Minute), "99.99")}
		if err := repo.SaveTransactions(ctx, tenantID, txs); err != nil {
			t.Fatalf("SaveTransactions failed: %v", err)
		}

		got, err := repo.ListTransactionsSince(ctx, tenantID, base.Add(-time.Hour))
		if err != nil {
			t.Fatalf("ListTransactionsSince failed: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 transactions, got %d", len(got))
		}
		if got[0].ID != "tx-001" {
			t.Errorf("expected oldest first, got %s", got[0].ID)
		}
		if !got[0].Amount.Equal(decimal.RequireFromString("125.50")) {
			t.Errorf("expected amount 125.50, got %s", got[0].Amount)
		}
		if got[0].IsVPN == nil || !*got[0].IsVPN {
			t.Error("expected isVpn to round-trip")
		}
		if got[0].SessionAnomalyScore == nil || *got[0].SessionAnomalyScore != 0.8 {
			t.Error("expected session anomaly score to round-trip")
		}
		if got[0].ASN != "64500" {
			t.Errorf("expected asn 64500, got %s", got[0].ASN)
		}
		if got[1].IsVPN != nil {
			t.Error("expected absent isVpn to stay absent")
		}
	})

	t.Run("DuplicateIDsIgnored", func(t *testing.T) {
		dup := rawTx("tx-001", "acc-9", base, "1.00")
		if err := repo.SaveTransactions(ctx, tenantID, []domain.RawTransaction{dup}); err != nil {
			t.Fatalf("SaveTransactions failed: %v", err)
		}

		got, _ := repo.ListTransactionsSince(ctx, tenantID, base.Add(-time.Hour))
		if len(got) != 2 {
			t.Errorf("expected 2 transactions, got %d", len(got))
		}
		if got[0].FromAccountID != "acc-1" {
			t.Errorf("expected original row kept, got sender %s", got[0].FromAccountID)
		}
	})

	t.Run("WindowQuery", func(t *testing.T) {
		got, err := repo.ListTransactionsSince(ctx, tenantID, base.Add(30*time.Second))
		if err != nil {
			t.Fatalf("ListTransactionsSince failed: %v", err)
		}
		if len(got) != 1 || got[0].ID != "tx-002" {
			t.Errorf("expected only tx-002 in window, got %v", got)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		got, err := repo.ListTransactionsSince(ctx, "tenant-002", time.Time{})
		if err != nil {
			t.Fatalf("ListTransactionsSince failed: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("expected 0 transactions for other tenant, got %d", len(got))
		}
	})

	t.Run("InvalidInput", func(t *testing.T) {
		err := repo.SaveTransactions(ctx, "", []domain.RawTransaction{rawTx("x", "a", base, "1")})
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for empty tenant, got %v", err)
		}

		err = repo.SaveTransactions(ctx, tenantID, []domain.RawTransaction{rawTx("y", " ", base, "1")})
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for missing sender, got %v", err)
		}

		if _, err := repo.ListClusters(ctx, ""); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for empty tenant, got %v", err)
		}
	})
}

func TestReplaceClusters(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	first := []domain.ClusterRecord{
		{
			ID:           "c-low",
			RunID:        "run-1",
			ClusterLabel: "Cluster 2",
			AccountIDs:   []string{"a", "b"},
			RiskScore:    0.2,
			RiskLevel:    domain.RiskLow,
			Metrics:      map[string]float64{"ipReuse": 0.5},
			EdgeCount:    1,
			CreatedAt:    now,
		},
		{
			ID:           "c-high",
			RunID:        "run-1",
			ClusterLabel: "Cluster 1",
			AccountIDs:   []string{"c", "d", "e"},
			RiskScore:    0.8,
			RiskLevel:    domain.RiskHigh,
			Metrics:      map[string]float64{"burst": 1},
			Explanation:  "Accounts c, d, e are linked",
			EdgeCount:    3,
			CreatedAt:    now,
		},
	}

	t.Run("InsertAndList", func(t *testing.T) {
		if err := repo.ReplaceClusters(ctx, "tenant-a", first); err != nil {
			t.Fatalf("ReplaceClusters failed: %v", err)
		}

		got, err := repo.ListClusters(ctx, "tenant-a")
		if err != nil {
			t.Fatalf("ListClusters failed: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 clusters, got %d", len(got))
		}
		if got[0].ID != "c-high" {
			t.Errorf("expected highest risk first, got %s", got[0].ID)
		}
		if len(got[0].AccountIDs) != 3 || got[0].AccountIDs[2] != "e" {
			t.Errorf("expected account ids to round-trip, got %v", got[0].AccountIDs)
		}
		if got[0].Metrics["burst"] != 1 {
			t.Errorf("expected burst metric 1, got %v", got[0].Metrics["burst"])
		}
		if got[0].TenantID != "tenant-a" {
			t.Errorf("expected tenant-a, got %s", got[0].TenantID)
		}
	})

	t.Run("ReplaceDropsPrevious", func(t *testing.T) {
		second := []domain.ClusterRecord{{
			ID:         "c-new",
			RunID:      "run-2",
			AccountIDs: []string{"x", "y"},
			RiskScore:  0.4,
			RiskLevel:  domain.RiskMedium,
			Metrics:    map[string]float64{},
			CreatedAt:  now,
		}}
		if err := repo.ReplaceClusters(ctx, "tenant-a", second); err != nil {
			t.Fatalf("ReplaceClusters failed: %v", err)
		}

		got, _ := repo.ListClusters(ctx, "tenant-a")
		if len(got) != 1 || got[0].ID != "c-new" {
			t.Errorf("expected only c-new, got %v", got)
		}
	})

	t.Run("OtherTenantUntouched", func(t *testing.T) {
		if err := repo.ReplaceClusters(ctx, "tenant-b", first); err != nil {
			t.Fatalf("ReplaceClusters failed: %v", err)
		}
		if err := repo.ReplaceClusters(ctx, "tenant-b", nil); err != nil {
			t.Fatalf("ReplaceClusters failed: %v", err)
		}

		got, _ := repo.ListClusters(ctx, "tenant-a")
		if len(got) != 1 {
			t.Errorf("expected tenant-a to keep 1 cluster, got %d", len(got))
		}
		got, _ = repo.ListClusters(ctx, "tenant-b")
		if len(got) != 0 {
			t.Errorf("expected tenant-b to be empty, got %d", len(got))
		}
	})
}

func TestRebind(t *testing.T) {
	pg := &SQLRepository{driver: "postgres"}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("expected postgres placeholders, got %s", got)
	}

	lite := &SQLRepository{driver: "sqlite"}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("expected unchanged query, got %s", got)
	}
}

func TestPostgresDSN(t *testing.T) {
	dsn := postgresDSN(domain.RepositoryConfig{
		PostgresHost: "db",
		PostgresUser: "kestrel",
		PostgresDB:   "fraud",
	})
	if dsn == "" {
		t.Fatal("expected non-empty dsn")
	}
	if want := "postgres://kestrel@db:5432/fraud?sslmode=disable"; dsn != want {
		t.Errorf("expected %s, got %s", want, dsn)
	}
}

func TestUnsupportedDriver(t *testing.T) {
	if _, err := New(domain.RepositoryConfig{Driver: "oracle"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestMigrationsReopen(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "reopen.db"),
	}

	first, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	ctx := context.Background()
	if err := first.SaveTransactions(ctx, "tenant-1", []domain.RawTransaction{
		rawTx("t1", "A", time.Now(), "10"),
	}); err != nil {
		t.Fatalf("SaveTransactions failed: %v", err)
	}
	first.Close()

	second, err := New(cfg)
	if err != nil {
		t.Fatalf("expected reopen to succeed, got %v", err)
	}
	defer second.Close()

	version, err := schemaVersion(second.db)
	if err != nil {
		t.Fatalf("schemaVersion failed: %v", err)
	}
	if version != 2 {
		t.Errorf("expected schema version 2, got %d", version)
	}

	txs, err := second.ListTransactionsSince(ctx, "tenant-1", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListTransactionsSince failed: %v", err)
	}
	if len(txs) != 1 {
		t.Errorf("expected data to survive reopen, got %d transactions", len(txs))
	}
}
