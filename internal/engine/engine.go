// Package engine orchestrates one cluster-detection run over a transaction snapshot.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/cluster"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/explain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/linker"
	"github.com/opensource-finance/kestrel/internal/normalizer"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/signals"
	"github.com/opensource-finance/kestrel/internal/telemetry"
)

// clusterNamespace seeds the deterministic cluster ids.
var clusterNamespace = uuid.MustParse("6f1c2a3e-5b7d-4e8f-9a0b-1c2d3e4f5a6b")

const defaultSinkTimeout = 30 * time.Second

type sourceKey struct{}

// WithSource labels the analyses run under ctx in metrics, e.g. "sync" or "async".
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

func sourceOf(ctx context.Context) string {
	if s, ok := ctx.Value(sourceKey{}).(string); ok && s != "" {
		return s
	}
	return "sync"
}

// NamedSink is a persistence sink with a name for logs and metrics.
type NamedSink struct {
	Name string
	Sink domain.ClusterSink
}

// Engine runs the detection pipeline. It holds no per-run state and is safe for concurrent use.
type Engine struct {
	cfg       domain.EngineConfig
	linker    *linker.Linker
	signals   *signals.Calculator
	scorer    *scoring.Scorer
	features  *features.Extractor
	explainer *explain.Generator

	predictor domain.Predictor
	sinks     []NamedSink
	metrics   *telemetry.Metrics
	tracer    trace.Tracer

	pending sync.WaitGroup

	gatesMu sync.Mutex
	gates   map[string]*writeGate
}

// writeGate orders the cluster writes of one tenant to one sink. Runs take a
// sequence number when they finish; a write is dropped once a later run's
// clusters have been stored.
type writeGate struct {
	next atomic.Uint64

	mu      sync.Mutex
	written uint64
}

func (e *Engine) gate(sink, tenantID string) *writeGate {
	key := sink + "\x00" + tenantID
	e.gatesMu.Lock()
	defer e.gatesMu.Unlock()
	g, ok := e.gates[key]
	if !ok {
		g = &writeGate{}
		e.gates[key] = g
	}
	return g
}


// Option configures an Engine.
type Option func(*Engine)

// WithPredictor injects the model ensemble. Without it the engine is rules-only.
func WithPredictor(p domain.Predictor) Option {
	return func(e *Engine) { e.predictor = p }
}

// WithSink adds a persistence sink.
func WithSink(name string, s domain.ClusterSink) Option {
	return func(e *Engine) {
		if s != nil {
			e.sinks = append(e.sinks, NamedSink{Name: name, Sink: s})
		}
	}
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an engine.
func New(cfg domain.EngineConfig, opts ...Option) *Engine {
	e := &Engine{
		cfg:       cfg,
		linker:    linker.New(cfg.Linking),
		signals:   signals.NewCalculator(cfg.Signals),
		scorer:    scoring.NewScorer(cfg.Scoring, cfg.Ensemble),
		features:  features.NewExtractor(cfg.Signals),
		explainer: explain.NewGenerator(cfg.Linking.TimeWindow),
		tracer:    otel.Tracer("kestrel/engine"),
		gates:     make(map[string]*writeGate),
	}
	if e.cfg.SinkTimeout <= 0 {
		e.cfg.SinkTimeout = defaultSinkTimeout
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Analyze runs the full pipeline over a snapshot. It never fails: degenerate input
// yields an empty result, model failures degrade to zero model scores, and the sink
// write happens in the background after Analyze returns.
func (e *Engine) Analyze(ctx context.Context, snap domain.Snapshot) *domain.Analysis {
	start := time.Now()
	runID := uuid.NewString()
	if snap.TenantID == "" {
		snap.TenantID = domain.DefaultTenant
	}

	ctx, span := e.tracer.Start(ctx, "engine.analyze", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("tenant_id", snap.TenantID),
		attribute.Int("transactions", len(snap.Transactions)),
	))
	defer span.End()

	analysis := &domain.Analysis{
		RunID:     runID,
		TenantID:  snap.TenantID,
		Timestamp: start.UTC(),
		Clusters:  []domain.Cluster{},
		Accounts:  make(map[string]domain.RiskResult),
	}
	analysis.Stats.Transactions = len(snap.Transactions)
	analysis.Stats.ModelsUsed = e.predictor != nil

	events := normalizer.NormalizeAll(snap.Transactions)
	analysis.Stats.Events = len(events)

	_, linkSpan := e.tracer.Start(ctx, "engine.link")
	links := e.linker.Link(events)
	components := cluster.Build(links)
	linkSpan.SetAttributes(attribute.Int("links", len(links)), attribute.Int("clusters", len(components)))
	linkSpan.End()
	analysis.Stats.Links = len(links)
	analysis.Stats.LinkMs = time.Since(start).Milliseconds()

	bySender := make(map[string][]domain.TransactionEvent)
	for _, ev := range events {
		bySender[ev.AccountID] = append(bySender[ev.AccountID], ev)
	}

	scoreStart := time.Now()
	scoreCtx, scoreSpan := e.tracer.Start(ctx, "engine.score")
	for _, comp := range components {
		c, failed := e.scoreComponent(scoreCtx, comp, bySender, snap.AccountNames)
		if failed {
			analysis.Stats.ModelFailures++
		}
		analysis.Clusters = append(analysis.Clusters, c)
	}
	scoreSpan.End()

	sort.SliceStable(analysis.Clusters, func(i, j int) bool {
		a, b := analysis.Clusters[i], analysis.Clusters[j]
		if a.RiskScore != b.RiskScore {
			return a.RiskScore > b.RiskScore
		}
		return a.ID < b.ID
	})
	for i := range analysis.Clusters {
		analysis.Clusters[i].Label = fmt.Sprintf("Cluster %d", i+1)
		for _, id := range analysis.Clusters[i].AccountIDs {
			analysis.Accounts[id] = domain.RiskResult{
				RiskScore: analysis.Clusters[i].RiskScore,
				RiskLevel: analysis.Clusters[i].RiskLevel,
				ClusterID: analysis.Clusters[i].ID,
			}
		}
		if analysis.Clusters[i].RiskLevel == domain.RiskHigh {
			analysis.Stats.HighRisk++
		}
	}

	e.scoreSingletons(analysis, events)

	analysis.Stats.Clusters = len(analysis.Clusters)
	analysis.Stats.ScoreMs = time.Since(scoreStart).Milliseconds()
	analysis.Stats.TotalMs = time.Since(start).Milliseconds()

	span.SetAttributes(
		attribute.Int("clusters", analysis.Stats.Clusters),
		attribute.Int("high_risk", analysis.Stats.HighRisk),
	)
	if analysis.Stats.ModelFailures > 0 {
		span.SetStatus(codes.Error, "model fallback")
	}

	e.metrics.ObserveAnalysis(sourceOf(ctx), analysis, time.Since(start))
	e.persist(ctx, analysis)

	slog.Info("analysis completed",
		"run_id", runID,
		"tenant_id", snap.TenantID,
		"transactions", analysis.Stats.Transactions,
		"links", analysis.Stats.Links,
		"clusters", analysis.Stats.Clusters,
		"high_risk", analysis.Stats.HighRisk,
		"model_failures", analysis.Stats.ModelFailures,
		"duration_ms", analysis.Stats.TotalMs,
	)
	return analysis
}

// scoreComponent computes metrics, scores and explanation for one component.
func (e *Engine) scoreComponent(ctx context.Context, comp cluster.Component, bySender map[string][]domain.TransactionEvent, names map[string]string) (domain.Cluster, bool) {
	var events []domain.TransactionEvent
	for _, id := range comp.AccountIDs {
		events = append(events, bySender[id]...)
	}

	metrics := e.signals.Compute(comp.AccountIDs, events, comp.Links)
	rule := e.scorer.Score(metrics)

	c := domain.Cluster{
		ID:         ClusterID(comp.AccountIDs),
		AccountIDs: comp.AccountIDs,
		Links:      comp.Links,
		Metrics:    metrics,
		Rule:       rule,
	}

	var pred *domain.Prediction
	failed := false
	if e.predictor != nil {
		fv := e.features.Extract(comp.AccountIDs, events, comp.Links, metrics)
		var p domain.Prediction
		p, failed = e.predict(ctx, c.ID, fv)
		pred = &p
		c.Prediction = p
	}

	c.RiskScore = e.scorer.Blend(rule.Score, pred)
	c.RiskLevel = e.scorer.Classify(c.RiskScore)
	c.Explanation = e.explainer.Explain(&c, names)
	return c, failed
}

// predict calls the model ensemble. Errors and panics yield zero scores.
func (e *Engine) predict(ctx context.Context, clusterID string, fv domain.FeatureVector) (pred domain.Prediction, failed bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("model prediction panicked, using rule score only",
				"cluster_id", clusterID,
				"panic", fmt.Sprint(r),
			)
			e.metrics.ModelFallback()
			pred, failed = domain.Prediction{}, true
		}
	}()

	p, err := e.predictor.Predict(ctx, fv)
	if err != nil {
		slog.Warn("model prediction failed, using rule score only",
			"cluster_id", clusterID,
			"error", err,
		)
		e.metrics.ModelFallback()
		return domain.Prediction{}, true
	}
	return p, false
}

// scoreSingletons assigns the baseline to every sender or counterparty outside a cluster.
func (e *Engine) scoreSingletons(analysis *domain.Analysis, events []domain.TransactionEvent) {
	vpn := make(map[string]bool)
	for _, ev := range events {
		if ev.VPN {
			vpn[ev.AccountID] = true
		}
	}

	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := analysis.Accounts[id]; ok {
			return
		}
		score := e.scorer.SingletonScore(vpn[id])
		analysis.Accounts[id] = domain.RiskResult{
			RiskScore: score,
			RiskLevel: e.scorer.Classify(score),
		}
		analysis.Stats.Singletons++
	}

	for _, ev := range events {
		add(ev.AccountID)
		add(ev.CounterpartyID)
	}
}

// persist hands the clusters to every sink without waiting for the writes.
func (e *Engine) persist(ctx context.Context, analysis *domain.Analysis) {
	if len(e.sinks) == 0 {
		return
	}

	records := make([]domain.ClusterRecord, len(analysis.Clusters))
	for i := range analysis.Clusters {
		records[i] = analysis.Clusters[i].ToRecord(analysis.TenantID, analysis.RunID, analysis.Timestamp)
	}

	// The write outlives the request; keep trace values but drop its cancellation.
	bg := context.WithoutCancel(ctx)

	for _, s := range e.sinks {
		g := e.gate(s.Name, analysis.TenantID)
		seq := g.next.Add(1)

		e.pending.Add(1)
		go func(s NamedSink) {
			defer e.pending.Done()

			g.mu.Lock()
			defer g.mu.Unlock()
			if seq < g.written {
				slog.Debug("cluster write superseded",
					"sink", s.Name,
					"run_id", analysis.RunID,
					"tenant_id", analysis.TenantID,
				)
				return
			}

			writeCtx, cancel := context.WithTimeout(bg, e.cfg.SinkTimeout)
			defer cancel()

			err := s.Sink.ReplaceClusters(writeCtx, analysis.TenantID, records)
			e.metrics.SinkWrite(s.Name, err)
			if err != nil {
				slog.Error("failed to persist clusters",
					"sink", s.Name,
					"run_id", analysis.RunID,
					"tenant_id", analysis.TenantID,
					"error", err,
				)
				return
			}
			g.written = seq
			slog.Debug("clusters persisted",
				"sink", s.Name,
				"run_id", analysis.RunID,
				"clusters", len(records),
			)
		}(s)
	}
}

// Flush blocks until every pending sink write has finished.
func (e *Engine) Flush() {
	e.pending.Wait()
}

// ClusterID derives a stable id from the sorted member ids.
func ClusterID(members []string) string {
	return uuid.NewSHA1(clusterNamespace, []byte(strings.Join(members, "\x00"))).String()
}
