package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// maxBodyBytes bounds request bodies independently of MaxBatchSize.
const maxBodyBytes = 256 << 20

// defaultStoredWindow is used by POST /analyze/stored without a window parameter.
const defaultStoredWindow = 24 * time.Hour

// Analyzer runs one analysis over a snapshot.
type Analyzer interface {
	Analyze(ctx context.Context, snap domain.Snapshot) *domain.Analysis
}

// ResultStore keeps analyses retrievable by run id.
type ResultStore interface {
	Save(ctx context.Context, a *domain.Analysis) error
	Get(ctx context.Context, tenantID, runID string) (*domain.Analysis, error)
}

// ModelStatus reports whether the model ensemble is ready.
type ModelStatus interface {
	Loaded() bool
}

// Dependencies are the collaborators of the API. Only Analyzer is required;
// endpoints whose dependency is nil answer 503.
type Dependencies struct {
	Analyzer Analyzer
	Repo     domain.Repository
	Cache    domain.Cache
	Bus      domain.EventBus
	Results  ResultStore
	Flags    *rules.Engine
	Model    ModelStatus
}

// Handler holds dependencies for API handlers.
type Handler struct {
	deps         Dependencies
	maxBatchSize int
	version      string
}

// NewHandler creates a new API handler.
func NewHandler(cfg domain.ServerConfig, deps Dependencies, version string) *Handler {
	maxBatch := cfg.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = domain.DefaultConfig().Server.MaxBatchSize
	}
	return &Handler{
		deps:         deps,
		maxBatchSize: maxBatch,
		version:      version,
	}
}

// AnalyzeRequest is the request body for POST /analyze and POST /snapshots.
type AnalyzeRequest struct {
	Transactions []domain.RawTransaction `json:"transactions"`
	AccountNames map[string]string       `json:"accountNames,omitempty"`
}

// Analyze handles POST /analyze: a synchronous analysis of the posted snapshot.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, ok := h.decodeSnapshot(w, r)
	if !ok {
		return
	}

	analysis := h.deps.Analyzer.Analyze(ctx, domain.Snapshot{
		TenantID:     GetTenantID(ctx),
		Transactions: req.Transactions,
		AccountNames: req.AccountNames,
	})
	h.saveResult(ctx, analysis)

	writeJSON(w, http.StatusOK, analysis)
}

// IngestTransactions handles POST /transactions: stores transactions for later windowed analysis.
func (h *Handler) IngestTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.deps.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	req, ok := h.decodeSnapshot(w, r)
	if !ok {
		return
	}

	if err := h.deps.Repo.SaveTransactions(ctx, tenantID, req.Transactions); err != nil {
		if errors.Is(err, repository.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("failed to save transactions", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save transactions")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"stored": len(req.Transactions),
	})
}

// AnalyzeStored handles POST /analyze/stored?window=24h: analyses the tenant's stored
// transactions of the trailing window.
func (h *Handler) AnalyzeStored(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.deps.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	window := defaultStoredWindow
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "window must be a positive duration such as 24h")
			return
		}
		window = d
	}

	txs, err := h.deps.Repo.ListTransactionsSince(ctx, tenantID, time.Now().Add(-window))
	if err != nil {
		slog.Error("failed to list transactions", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load transactions")
		return
	}
	if len(txs) > h.maxBatchSize {
		writeError(w, http.StatusRequestEntityTooLarge, "window holds more transactions than maxBatchSize; use a shorter window")
		return
	}

	analysis := h.deps.Analyzer.Analyze(ctx, domain.Snapshot{
		TenantID:     tenantID,
		Transactions: txs,
	})
	h.saveResult(ctx, analysis)

	writeJSON(w, http.StatusOK, analysis)
}

// SubmitSnapshot handles POST /snapshots: queues the snapshot for the async worker.
func (h *Handler) SubmitSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.deps.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	req, ok := h.decodeSnapshot(w, r)
	if !ok {
		return
	}

	payload, err := json.Marshal(domain.Snapshot{
		TenantID:     tenantID,
		Transactions: req.Transactions,
		AccountNames: req.AccountNames,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode snapshot")
		return
	}

	if err := h.deps.Bus.Publish(ctx, tenantID, domain.TopicSnapshotSubmitted, payload); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, bus.ErrFull) || errors.Is(err, bus.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		slog.Error("failed to submit snapshot", "tenant_id", tenantID, "error", err)
		writeError(w, status, "failed to queue snapshot")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":       "accepted",
		"transactions": len(req.Transactions),
		"topic":        domain.TopicAnalysisCompleted,
	})
}

// ListClusters handles GET /clusters: the last persisted cluster set of the tenant.
func (h *Handler) ListClusters(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.deps.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	records, err := h.deps.Repo.ListClusters(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list clusters", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list clusters")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"clusters": records,
		"count":    len(records),
	})
}

// GetAnalysis handles GET /analyses/{runId}.
func (h *Handler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := chi.URLParam(r, "runId")

	if h.deps.Results == nil {
		writeError(w, http.StatusServiceUnavailable, "result store not available")
		return
	}

	analysis, err := h.deps.Results.Get(ctx, GetTenantID(ctx), runID)
	if err != nil {
		if errors.Is(err, cache.ErrResultNotFound) {
			writeError(w, http.StatusNotFound, "analysis not found")
			return
		}
		slog.Error("failed to get analysis", "run_id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get analysis")
		return
	}

	writeJSON(w, http.StatusOK, analysis)
}

// ListRules handles GET /rules: the loaded model flag rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	if h.deps.Flags == nil {
		writeError(w, http.StatusServiceUnavailable, "flag rules not available")
		return
	}

	loaded := h.deps.Flags.Rules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loaded,
		"count": len(loaded),
	})
}

// ReplaceRules handles PUT /rules: hot-swaps the flag rules. Every rule must compile.
func (h *Handler) ReplaceRules(w http.ResponseWriter, r *http.Request) {
	if h.deps.Flags == nil {
		writeError(w, http.StatusServiceUnavailable, "flag rules not available")
		return
	}

	var req []domain.FlagRule
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	for _, rule := range req {
		if rule.ID == "" || rule.Flag == "" || rule.Expression == "" {
			writeError(w, http.StatusBadRequest, "id, flag and expression are required")
			return
		}
	}

	if err := h.deps.Flags.LoadRules(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid CEL expression: "+err.Error())
		return
	}

	slog.Info("flag rules replaced",
		"count", h.deps.Flags.RulesCount(),
		"enabled", h.deps.Flags.EnabledCount(),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules loaded",
		"count":   h.deps.Flags.RulesCount(),
		"enabled": h.deps.Flags.EnabledCount(),
	})
}

// ValidateRule handles POST /rules/validate.
func (h *Handler) ValidateRule(w http.ResponseWriter, r *http.Request) {
	if h.deps.Flags == nil {
		writeError(w, http.StatusServiceUnavailable, "flag rules not available")
		return
	}

	var rule domain.FlagRule
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if err := h.deps.Flags.ValidateRule(rule); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	checks := map[string]string{}

	check := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			status = "degraded"
			checks[name] = err.Error()
			return
		}
		checks[name] = "ok"
	}
	if h.deps.Repo != nil {
		check("repository", h.deps.Repo.Ping)
	}
	if h.deps.Cache != nil {
		check("cache", h.deps.Cache.Ping)
	}
	if h.deps.Bus != nil {
		check("eventbus", h.deps.Bus.Ping)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready reports 503 until the model ensemble has loaded.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.deps.Model != nil && !h.deps.Model.Loaded() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready":  "false",
			"reason": "model not loaded",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func (h *Handler) decodeSnapshot(w http.ResponseWriter, r *http.Request) (AnalyzeRequest, bool) {
	var req AnalyzeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return req, false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return req, false
	}
	if len(req.Transactions) > h.maxBatchSize {
		writeError(w, http.StatusRequestEntityTooLarge, "too many transactions in one request")
		return req, false
	}
	return req, true
}

func (h *Handler) saveResult(ctx context.Context, a *domain.Analysis) {
	if h.deps.Results == nil {
		return
	}
	if err := h.deps.Results.Save(ctx, a); err != nil {
		slog.Warn("failed to cache analysis", "run_id", a.RunID, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
