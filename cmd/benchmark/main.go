// Benchmark tool for measuring Kestrel's ring detection on synthetic snapshots.
//
// Usage:
//
//	go run ./cmd/benchmark -rings 20 -benign 500
//	go run ./cmd/benchmark -url http://localhost:8080 -runs 10 -workers 4
//
// This tool:
//  1. Generates snapshots with planted fraud rings (shared devices, bursts, a funnel account)
//  2. Analyzes them in-process, or posts them to a running Kestrel's POST /analyze
//  3. Compares each account's risk level with the planted labels
//  4. Calculates precision, recall, F1-score, and latency
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Scenario is one generated snapshot with its ground truth.
type Scenario struct {
	Snapshot domain.Snapshot
	Fraud    map[string]bool
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // ring member scored medium or high
	FalsePositives int64 // benign account scored medium or high
	TrueNegatives  int64
	FalseNegatives int64 // ring member scored low

	TotalRuns    int64
	TotalErrors  int64
	TotalTx      int64
	ClustersSeen int64

	ProcessingTimeMs int64
}

func main() {
	baseURL := flag.String("url", "", "Kestrel base URL; empty analyzes in-process")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	runs := flag.Int("runs", 5, "Number of snapshots to analyze")
	workers := flag.Int("workers", 2, "Number of concurrent workers")
	rings := flag.Int("rings", 10, "Fraud rings per snapshot")
	ringSize := flag.Int("ring-size", 4, "Accounts per ring")
	benign := flag.Int("benign", 200, "Benign accounts per snapshot")
	seed := flag.Uint64("seed", 7, "Generator seed")
	withModel := flag.Bool("model", true, "Use the model ensemble in-process")
	verbose := flag.Bool("verbose", false, "Print each run")
	flag.Parse()

	fmt.Println("KESTREL BENCHMARK - synthetic fraud rings")
	fmt.Printf("\nTarget:      %s\n", target(*baseURL))
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Runs:        %d\n", *runs)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Rings:       %d x %d accounts\n", *rings, *ringSize)
	fmt.Printf("Benign:      %d accounts\n", *benign)
	fmt.Println()

	var analyze func(ctx context.Context, snap domain.Snapshot) (*domain.Analysis, error)
	if *baseURL != "" {
		if err := checkHealth(*baseURL); err != nil {
			fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
			os.Exit(1)
		}
		client := &http.Client{Timeout: 60 * time.Second}
		analyze = func(ctx context.Context, snap domain.Snapshot) (*domain.Analysis, error) {
			return analyzeRemote(ctx, client, *baseURL, *tenantID, snap)
		}
	} else {
		eng, err := newLocalEngine(*withModel)
		if err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
		analyze = func(ctx context.Context, snap domain.Snapshot) (*domain.Analysis, error) {
			return eng.Analyze(ctx, snap), nil
		}
	}

	gen := rand.New(rand.NewPCG(*seed, *seed^0x9e3779b97f4a7c15))
	scenarios := make([]Scenario, *runs)
	for i := range scenarios {
		scenarios[i] = generate(gen, *tenantID, *rings, *ringSize, *benign)
	}

	start := time.Now()
	m := runBenchmark(scenarios, analyze, *workers, *verbose)
	printResults(m, time.Since(start))
}

func target(baseURL string) string {
	if baseURL == "" {
		return "in-process engine"
	}
	return baseURL
}

func newLocalEngine(withModel bool) (*engine.Engine, error) {
	cfg := domain.DefaultConfig()
	if !withModel {
		return engine.New(cfg.Engine), nil
	}

	flags, err := rules.NewEngine(10)
	if err != nil {
		return nil, err
	}
	if err := flags.LoadRules(rules.DefaultFlagRules()); err != nil {
		return nil, err
	}
	registry := model.NewRegistry(cfg.Model, nil, flags)
	fmt.Println("Training model ensemble...")
	if err := registry.Load(context.Background()); err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	return engine.New(cfg.Engine, engine.WithPredictor(registry)), nil
}

// generate plants rings that share a device and push funds into one mule inside
// a few minutes, among benign accounts with their own devices spread over a day.
func generate(r *rand.Rand, tenantID string, rings, ringSize, benign int) Scenario {
	base := time.Now().UTC().Truncate(time.Hour).Add(-24 * time.Hour)
	sc := Scenario{
		Snapshot: domain.Snapshot{TenantID: tenantID},
		Fraud:    make(map[string]bool),
	}
	n := 0
	add := func(tx domain.RawTransaction) {
		n++
		tx.ID = fmt.Sprintf("tx-%d", n)
		sc.Snapshot.Transactions = append(sc.Snapshot.Transactions, tx)
	}

	for i := range rings {
		device := fmt.Sprintf("ring-dev-%d", i)
		mule := fmt.Sprintf("ring-%d-mule", i)
		start := base.Add(time.Duration(r.IntN(20*60)) * time.Minute)
		vpn := r.Float64() < 0.5
		for j := range ringSize {
			acct := fmt.Sprintf("ring-%d-%d", i, j)
			sc.Fraud[acct] = true
			for k := range 3 {
				at := start.Add(time.Duration(j*90+k*20+r.IntN(15)) * time.Second)
				session := 0.6 + r.Float64()*0.4
				add(domain.RawTransaction{
					FromAccountID:       acct,
					ToAccountID:         mule,
					Amount:              decimal.NewFromInt(int64(9000 + r.IntN(900))),
					Timestamp:           at.Format(time.RFC3339),
					DeviceID:            device,
					IPAddress:           fmt.Sprintf("10.%d.0.%d", i%250, 1+r.IntN(3)),
					IsVPN:               &vpn,
					SessionAnomalyScore: &session,
				})
			}
		}
	}

	for i := range benign {
		acct := fmt.Sprintf("user-%d", i)
		for k := range 1 + r.IntN(3) {
			at := base.Add(time.Duration(r.IntN(24*60)) * time.Minute)
			session := r.Float64() * 0.3
			add(domain.RawTransaction{
				FromAccountID:       acct,
				ToAccountID:         fmt.Sprintf("merchant-%d-%d", i, k),
				Amount:              decimal.NewFromFloat(5 + r.Float64()*500).Round(2),
				Timestamp:           at.Format(time.RFC3339),
				DeviceID:            fmt.Sprintf("user-dev-%d", i),
				IPAddress:           fmt.Sprintf("172.%d.%d.10", 16+i/250, i%250),
				SessionAnomalyScore: &session,
			})
		}
	}

	r.Shuffle(len(sc.Snapshot.Transactions), func(i, j int) {
		txs := sc.Snapshot.Transactions
		txs[i], txs[j] = txs[j], txs[i]
	})
	return sc
}

func runBenchmark(scenarios []Scenario, analyze func(context.Context, domain.Snapshot) (*domain.Analysis, error), numWorkers int, verbose bool) *Metrics {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	m := &Metrics{}
	jobs := make(chan int)
	var wg sync.WaitGroup

	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				sc := scenarios[i]
				start := time.Now()
				a, err := analyze(context.Background(), sc.Snapshot)
				elapsed := time.Since(start)
				atomic.AddInt64(&m.TotalRuns, 1)
				if err != nil {
					atomic.AddInt64(&m.TotalErrors, 1)
					fmt.Printf("run %d failed: %v\n", i, err)
					continue
				}
				atomic.AddInt64(&m.ProcessingTimeMs, elapsed.Milliseconds())
				atomic.AddInt64(&m.TotalTx, int64(len(sc.Snapshot.Transactions)))
				atomic.AddInt64(&m.ClustersSeen, int64(len(a.Clusters)))
				tp, fp, tn, fn := score(sc, a)
				atomic.AddInt64(&m.TruePositives, tp)
				atomic.AddInt64(&m.FalsePositives, fp)
				atomic.AddInt64(&m.TrueNegatives, tn)
				atomic.AddInt64(&m.FalseNegatives, fn)

				if verbose {
					fmt.Printf("run %d: %d clusters, %d high risk, tp=%d fp=%d fn=%d in %v\n",
						i, len(a.Clusters), a.Stats.HighRisk, tp, fp, fn, elapsed.Round(time.Millisecond))
				}
			}
		}()
	}

	for i := range scenarios {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return m
}

// score compares every sending account's level against the planted labels.
// Medium and high count as flagged.
func score(sc Scenario, a *domain.Analysis) (tp, fp, tn, fn int64) {
	seen := make(map[string]bool)
	for _, tx := range sc.Snapshot.Transactions {
		acct := tx.FromAccountID
		if seen[acct] {
			continue
		}
		seen[acct] = true

		flagged := a.Accounts[acct].RiskLevel != "" && a.Accounts[acct].RiskLevel != domain.RiskLow
		switch {
		case sc.Fraud[acct] && flagged:
			tp++
		case sc.Fraud[acct]:
			fn++
		case flagged:
			fp++
		default:
			tn++
		}
	}
	return tp, fp, tn, fn
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func analyzeRemote(ctx context.Context, client *http.Client, baseURL, tenantID string, snap domain.Snapshot) (*domain.Analysis, error) {
	body, err := json.Marshal(map[string]any{"transactions": snap.Transactions})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(msg))
	}

	var result domain.Analysis
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nDATASET STATISTICS\n")
	fmt.Printf("   Snapshots:        %d\n", m.TotalRuns)
	fmt.Printf("   Transactions:     %d\n", m.TotalTx)
	fmt.Printf("   Clusters Found:   %d\n", m.ClustersSeen)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX (accounts)\n")
	fmt.Println("                    flagged     low")
	fmt.Printf("   Actual  ring   %8d  %8d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("         benign   %8d  %8d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flagged accounts, how many were ring members)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of ring members, how many were flagged)\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	ok := m.TotalRuns - m.TotalErrors
	if ok > 0 {
		fmt.Printf("   Avg Latency:      %.2f ms/snapshot\n", float64(m.ProcessingTimeMs)/float64(ok))
		fmt.Printf("   Throughput:       %.2f tx/sec\n", float64(m.TotalTx)/duration.Seconds())
	}
	fmt.Println()
}
