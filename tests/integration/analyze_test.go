//go:build integration

// Package integration runs end-to-end tests against a running Kestrel.
//
// Start the server, then run:
//
//	KESTREL_TEST_URL=http://localhost:8080 go test -tags=integration -v ./tests/integration/...
//
// The snapshot tests need only the default tier. TestAsyncSnapshot additionally
// needs the worker (KESTREL_WORKER_ENABLED=true) and is skipped otherwise.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

type testConfig struct {
	BaseURL  string
	TenantID string
}

func getTestConfig(t *testing.T) testConfig {
	t.Helper()
	baseURL := os.Getenv("KESTREL_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return testConfig{
		BaseURL:  baseURL,
		TenantID: fmt.Sprintf("it-%d", time.Now().UnixNano()),
	}
}

// Wire types mirror the public JSON contract rather than importing internal packages.

type transaction struct {
	ID                  string   `json:"id"`
	FromAccountID       string   `json:"fromAccountId"`
	ToAccountID         string   `json:"toAccountId,omitempty"`
	Amount              string   `json:"amount"`
	Timestamp           string   `json:"timestamp"`
	DeviceID            string   `json:"deviceId,omitempty"`
	IPAddress           string   `json:"ipAddress,omitempty"`
	SessionAnomalyScore *float64 `json:"sessionAnomalyScore,omitempty"`
}

type cluster struct {
	ID          string   `json:"id"`
	Label       string   `json:"label"`
	AccountIDs  []string `json:"accountIds"`
	RiskScore   float64  `json:"riskScore"`
	RiskLevel   string   `json:"riskLevel"`
	Explanation string   `json:"explanation"`
}

type riskResult struct {
	RiskScore float64 `json:"riskScore"`
	RiskLevel string  `json:"riskLevel"`
	ClusterID string  `json:"clusterId"`
}

type analysis struct {
	RunID    string                `json:"runId"`
	TenantID string                `json:"tenantId"`
	Clusters []cluster             `json:"clusters"`
	Accounts map[string]riskResult `json:"accounts"`
}

func do(t *testing.T, cfg testConfig, method, path string, body any, out any) int {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, cfg.BaseURL+path, reader)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", cfg.TenantID)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("failed to unmarshal response: %v (body: %s)", err, string(data))
		}
	}
	return resp.StatusCode
}

// ringSnapshot: three accounts on one device within minutes, funnelling into M,
// plus a benign account with its own device.
func ringSnapshot(at time.Time) []transaction {
	high := 0.9
	var txs []transaction
	for i, acct := range []string{"R1", "R2", "R3"} {
		for k := range 2 {
			txs = append(txs, transaction{
				ID:                  fmt.Sprintf("ring-%d-%d", i, k),
				FromAccountID:       acct,
				ToAccountID:         "M",
				Amount:              "9500",
				Timestamp:           at.Add(time.Duration(i*60+k*15) * time.Second).UTC().Format(time.RFC3339),
				DeviceID:            "shared-device",
				IPAddress:           "10.0.0.7",
				SessionAnomalyScore: &high,
			})
		}
	}
	txs = append(txs, transaction{
		ID:            "benign-1",
		FromAccountID: "U1",
		ToAccountID:   "shop",
		Amount:        "42.10",
		Timestamp:     at.Add(5 * time.Hour).UTC().Format(time.RFC3339),
		DeviceID:      "u1-phone",
	})
	return txs
}

func TestHealth(t *testing.T) {
	cfg := getTestConfig(t)
	var resp map[string]any
	if code := do(t, cfg, http.MethodGet, "/health", nil, &resp); code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}
	if resp["status"] == nil {
		t.Error("expected status field")
	}
}

func TestAnalyzeRing(t *testing.T) {
	cfg := getTestConfig(t)

	var a analysis
	code := do(t, cfg, http.MethodPost, "/analyze", map[string]any{
		"transactions": ringSnapshot(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)),
	}, &a)
	if code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}

	if len(a.Clusters) != 1 {
		t.Fatalf("expected 1 cluster, got %d", len(a.Clusters))
	}
	c := a.Clusters[0]
	if len(c.AccountIDs) < 3 {
		t.Errorf("expected ring members in cluster, got %v", c.AccountIDs)
	}
	if c.RiskLevel == "low" {
		t.Errorf("expected ring to score above low, got %s (%.2f)", c.RiskLevel, c.RiskScore)
	}
	if c.Explanation == "" {
		t.Error("expected explanation")
	}
	if u := a.Accounts["U1"]; u.ClusterID != "" || u.RiskLevel != "low" {
		t.Errorf("expected benign singleton U1, got %+v", u)
	}

	t.Run("Deterministic", func(t *testing.T) {
		var again analysis
		do(t, cfg, http.MethodPost, "/analyze", map[string]any{
			"transactions": ringSnapshot(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)),
		}, &again)
		if len(again.Clusters) != 1 || again.Clusters[0].ID != c.ID {
			t.Errorf("expected stable cluster id %s", c.ID)
		}
		if again.RunID == a.RunID {
			t.Error("expected a fresh run id")
		}
	})

	t.Run("GetAnalysis", func(t *testing.T) {
		var stored analysis
		if code := do(t, cfg, http.MethodGet, "/analyses/"+a.RunID, nil, &stored); code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", code)
		}
		if stored.RunID != a.RunID {
			t.Errorf("expected run %s, got %s", a.RunID, stored.RunID)
		}
	})

	t.Run("ClustersPersisted", func(t *testing.T) {
		deadline := time.Now().Add(5 * time.Second)
		for {
			var resp struct {
				Count int `json:"count"`
			}
			do(t, cfg, http.MethodGet, "/clusters", nil, &resp)
			if resp.Count == 1 {
				return
			}
			if time.Now().After(deadline) {
				t.Fatalf("expected 1 persisted cluster, got %d", resp.Count)
			}
			time.Sleep(100 * time.Millisecond)
		}
	})
}

func TestStoredWindow(t *testing.T) {
	cfg := getTestConfig(t)
	txs := ringSnapshot(time.Now().Add(-30 * time.Minute))

	var stored map[string]int
	if code := do(t, cfg, http.MethodPost, "/transactions", map[string]any{"transactions": txs}, &stored); code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", code)
	}
	if stored["stored"] != len(txs) {
		t.Errorf("expected %d stored, got %d", len(txs), stored["stored"])
	}

	var a analysis
	if code := do(t, cfg, http.MethodPost, "/analyze/stored?window=2h", nil, &a); code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}
	if len(a.Clusters) != 1 {
		t.Errorf("expected 1 cluster from stored transactions, got %d", len(a.Clusters))
	}
}

func TestMissingTenant(t *testing.T) {
	cfg := getTestConfig(t)
	req, _ := http.NewRequest(http.MethodPost, cfg.BaseURL+"/analyze", bytes.NewReader([]byte(`{}`)))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", resp.StatusCode)
	}
}

func TestAsyncSnapshot(t *testing.T) {
	if os.Getenv("KESTREL_WORKER_ENABLED") != "true" {
		t.Skip("worker not enabled")
	}
	cfg := getTestConfig(t)

	code := do(t, cfg, http.MethodPost, "/snapshots", map[string]any{
		"transactions": ringSnapshot(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)),
	}, nil)
	if code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", code)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		var resp struct {
			Count int `json:"count"`
		}
		do(t, cfg, http.MethodGet, "/clusters", nil, &resp)
		if resp.Count == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("expected the worker to persist the ring cluster")
		}
		time.Sleep(200 * time.Millisecond)
	}
}
