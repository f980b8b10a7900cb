// Package worker runs snapshot analyses submitted through the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
)

// ErrTenantMismatch is returned for a snapshot whose tenant differs from the
// tenant it was published under.
var ErrTenantMismatch = errors.New("snapshot tenant does not match message tenant")

// Analyzer runs one analysis over a snapshot.
type Analyzer interface {
	Analyze(ctx context.Context, snap domain.Snapshot) *domain.Analysis
}

// ResultStore keeps analyses retrievable by run id.
type ResultStore interface {
	Save(ctx context.Context, a *domain.Analysis) error
}

// Worker consumes submitted snapshots, analyses them and publishes the results.
type Worker struct {
	bus      domain.EventBus
	analyzer Analyzer
	results  ResultStore

	sem           chan struct{}
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs limits the worker to these tenants. Empty subscribes to every tenant.
	TenantIDs []string

	// Concurrency is the number of snapshots analysed at once.
	Concurrency int
}

// NewWorker creates a worker. results may be nil.
func NewWorker(bus domain.EventBus, analyzer Analyzer, results ResultStore) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		analyzer: analyzer,
		results:  results,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to submitted snapshots.
func (w *Worker) Start(cfg Config) error {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	w.sem = make(chan struct{}, cfg.Concurrency)

	tenants := cfg.TenantIDs
	if len(tenants) == 0 {
		tenants = []string{domain.AllTenants}
	}

	for _, tenantID := range tenants {
		sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicSnapshotSubmitted, w.handleMessage)
		if err != nil {
			return fmt.Errorf("subscribe tenant %s: %w", tenantID, err)
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	slog.Info("worker started",
		"tenants", tenants,
		"topic", domain.TopicSnapshotSubmitted,
		"concurrency", cfg.Concurrency,
	)
	return nil
}

// handleMessage hands the snapshot to a bounded goroutine so slow analyses do not block the bus.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var snap domain.Snapshot
	if err := json.Unmarshal(msg.Payload, &snap); err != nil {
		return fmt.Errorf("decode snapshot %s: %w", msg.ID, err)
	}
	switch {
	case snap.TenantID == "":
		snap.TenantID = msg.TenantID
	case msg.TenantID != "" && snap.TenantID != msg.TenantID:
		slog.Warn("rejected snapshot for another tenant",
			"message_id", msg.ID,
			"tenant_id", msg.TenantID,
			"snapshot_tenant_id", snap.TenantID,
		)
		return fmt.Errorf("message %s: %w", msg.ID, ErrTenantMismatch)
	}

	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()
		w.process(w.ctx, msg.ID, snap)
	}()
	return nil
}

func (w *Worker) process(ctx context.Context, messageID string, snap domain.Snapshot) {
	start := time.Now()
	analysis := w.analyzer.Analyze(engine.WithSource(ctx, "async"), snap)

	if w.results != nil {
		if err := w.results.Save(ctx, analysis); err != nil {
			slog.Error("failed to cache analysis",
				"run_id", analysis.RunID,
				"tenant_id", analysis.TenantID,
				"error", err,
			)
		}
	}

	payload, err := json.Marshal(analysis)
	if err == nil {
		err = w.bus.Publish(ctx, analysis.TenantID, domain.TopicAnalysisCompleted, payload)
	}
	if err != nil {
		slog.Error("failed to publish analysis",
			"run_id", analysis.RunID,
			"tenant_id", analysis.TenantID,
			"error", err,
		)
	}

	alerts := 0
	for _, c := range analysis.Clusters {
		if c.RiskLevel != domain.RiskHigh {
			continue
		}
		alert, _ := json.Marshal(domain.ClusterAlert{
			RunID:       analysis.RunID,
			TenantID:    analysis.TenantID,
			ClusterID:   c.ID,
			Label:       c.Label,
			AccountIDs:  c.AccountIDs,
			RiskScore:   c.RiskScore,
			RiskLevel:   c.RiskLevel,
			Explanation: c.Explanation,
		})
		if err := w.bus.Publish(ctx, analysis.TenantID, domain.TopicClusterAlert, alert); err != nil {
			slog.Error("failed to publish alert",
				"run_id", analysis.RunID,
				"cluster_id", c.ID,
				"error", err,
			)
			continue
		}
		alerts++
	}

	slog.Info("snapshot processed",
		"message_id", messageID,
		"run_id", analysis.RunID,
		"tenant_id", analysis.TenantID,
		"clusters", len(analysis.Clusters),
		"alerts", alerts,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Stop unsubscribes and waits for in-flight analyses.
func (w *Worker) Stop() error {
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()
	w.cancel()

	slog.Info("worker stopped")
	return nil
}

// Stats describes the worker's subscriptions.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
