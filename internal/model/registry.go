// Package model provides the supervised and anomaly models blended with the rule score.
package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrNotLoaded is returned by Predict before Load has succeeded.
var ErrNotLoaded = errors.New("model not loaded")

// cacheNamespace is the cache namespace of persisted models.
const cacheNamespace = "model"

// Flagger produces textual flags for a prediction.
type Flagger interface {
	Evaluate(fv domain.FeatureVector, supervised, anomaly float64) []string
}

// Ensemble is a trained pair of models. It is immutable once built.
type Ensemble struct {
	Version   int             `json:"version"`
	TrainedAt time.Time       `json:"trainedAt"`
	Seed      uint64          `json:"seed"`
	Logistic  LogisticModel   `json:"logistic"`
	Forest    IsolationForest `json:"forest"`
}

const ensembleVersion = 1

// Registry owns the process-wide model. Load trains or restores it exactly once;
// concurrent callers block until the first load finishes.
type Registry struct {
	cfg     domain.ModelConfig
	cache   domain.Cache
	flagger Flagger

	mu       sync.Mutex
	ensemble atomic.Pointer[Ensemble]
}

// NewRegistry creates a registry. cache and flagger may be nil.
func NewRegistry(cfg domain.ModelConfig, cache domain.Cache, flagger Flagger) *Registry {
	return &Registry{cfg: cfg, cache: cache, flagger: flagger}
}

// Load restores the model from the cache or trains it, then persists it.
// Subsequent calls return immediately.
func (r *Registry) Load(ctx context.Context) error {
	if r.ensemble.Load() != nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ensemble.Load() != nil {
		return nil
	}

	if ens, err := r.restore(ctx); err != nil {
		slog.Warn("failed to restore model from cache, retraining", "key", r.cfg.CacheKey, "error", err)
	} else if ens != nil {
		r.ensemble.Store(ens)
		slog.Info("model restored from cache", "key", r.cfg.CacheKey, "trained_at", ens.TrainedAt)
		return nil
	}

	start := time.Now()
	ens := Train(r.cfg)
	r.ensemble.Store(ens)
	slog.Info("model trained",
		"samples", r.cfg.TrainingSamples,
		"trees", len(ens.Forest.Trees),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if err := r.persist(ctx, ens); err != nil {
		slog.Warn("failed to persist model", "key", r.cfg.CacheKey, "error", err)
	}
	return nil
}

// Loaded reports whether a model is available.
func (r *Registry) Loaded() bool {
	return r.ensemble.Load() != nil
}

// Predict scores a feature vector. It never mutates its input.
func (r *Registry) Predict(ctx context.Context, fv domain.FeatureVector) (domain.Prediction, error) {
	ens := r.ensemble.Load()
	if ens == nil {
		return domain.Prediction{}, ErrNotLoaded
	}

	pred := domain.Prediction{
		SupervisedRisk: clamp(ens.Logistic.Predict(fv)),
		AnomalyScore:   ens.Forest.AnomalyScore(fv),
		Available:      true,
	}
	if r.flagger != nil {
		pred.Flags = r.flagger.Evaluate(fv, pred.SupervisedRisk, pred.AnomalyScore)
	}
	return pred, nil
}

func (r *Registry) restore(ctx context.Context) (*Ensemble, error) {
	if r.cache == nil {
		return nil, nil
	}
	data, err := r.cache.Get(ctx, cacheNamespace, r.cfg.CacheKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read model: %w", err)
	}
	if data == nil {
		return nil, nil
	}

	var ens Ensemble
	if err := json.Unmarshal(data, &ens); err != nil {
		return nil, fmt.Errorf("failed to decode model: %w", err)
	}
	if ens.Version != ensembleVersion || len(ens.Forest.Trees) == 0 {
		return nil, nil
	}
	return &ens, nil
}

func (r *Registry) persist(ctx context.Context, ens *Ensemble) error {
	if r.cache == nil {
		return nil
	}
	data, err := json.Marshal(ens)
	if err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}
	return r.cache.Set(ctx, cacheNamespace, r.cfg.CacheKey, data, 0)
}

// Train fits both models on the seeded synthetic dataset.
func Train(cfg domain.ModelConfig) *Ensemble {
	xs, ys := Synthesize(cfg.TrainingSamples, cfg.Seed)

	ens := &Ensemble{
		Version:   ensembleVersion,
		TrainedAt: time.Now().UTC(),
		Seed:      cfg.Seed,
	}
	ens.Logistic.Fit(xs, ys, cfg.Epochs, 0.5, 0.001)

	// The anomaly detector learns the legitimate population only.
	legit := make([]domain.FeatureVector, 0, len(xs))
	for i, x := range xs {
		if ys[i] == 0 {
			legit = append(legit, x)
		}
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1))
	ens.Forest.Fit(legit, cfg.Trees, cfg.SubsampleSize, rng)

	return ens
}
