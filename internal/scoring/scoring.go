// Package scoring combines cluster signals into a rule score and a risk level.
package scoring

import (
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Scorer computes weighted rule scores, classifies them and blends model output.
type Scorer struct {
	cfg      domain.ScoringConfig
	ensemble domain.EnsembleConfig
	steps    []domain.AmplificationStep
}

// NewScorer creates a scorer. Amplification steps are ordered by descending MinActive.
func NewScorer(cfg domain.ScoringConfig, ensemble domain.EnsembleConfig) *Scorer {
	steps := make([]domain.AmplificationStep, len(cfg.Amplification))
	copy(steps, cfg.Amplification)
	sort.Slice(steps, func(i, j int) bool {
		return steps[i].MinActive > steps[j].MinActive
	})
	return &Scorer{cfg: cfg, ensemble: ensemble, steps: steps}
}

// Score computes the rule score of a cluster:
// weighted signal sum plus the multi-signal amplification bonus, clamped to [0,1].
func (s *Scorer) Score(m domain.ClusterMetrics) domain.RuleScore {
	signals := m.Signals()
	result := domain.RuleScore{
		Contributions: make([]domain.Contribution, 0, len(signals)),
	}

	dropBiometric := s.cfg.RedistributeUnavailableBiometric && !m.BiometricAvailable

	var sum, totalWeight, usedWeight float64
	for _, sig := range signals {
		weight := s.cfg.Weights[sig.Name]
		totalWeight += weight
		if dropBiometric && sig.Name == domain.SignalBiometricAnomaly {
			weight = 0
		}
		usedWeight += weight

		contribution := sig.Value * weight
		sum += contribution
		result.Contributions = append(result.Contributions, domain.Contribution{
			Signal:       sig.Name,
			Value:        sig.Value,
			Weight:       weight,
			Contribution: contribution,
		})

		if sig.Value > s.cfg.ActiveThreshold {
			result.ActiveSignals++
		}
	}

	if dropBiometric && usedWeight > 0 {
		sum = sum * totalWeight / usedWeight
	}

	result.WeightedSum = sum
	result.Amplification = s.amplification(result.ActiveSignals)
	result.Score = clamp(sum + result.Amplification)
	return result
}

func (s *Scorer) amplification(active int) float64 {
	for _, step := range s.steps {
		if active >= step.MinActive {
			return step.Bonus
		}
	}
	return 0
}

// Classify buckets a score into a risk level.
func (s *Scorer) Classify(score float64) domain.RiskLevel {
	switch {
	case score >= s.cfg.HighThreshold:
		return domain.RiskHigh
	case score >= s.cfg.MediumThreshold:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

// SingletonScore is the baseline for an account with no links.
func (s *Scorer) SingletonScore(usedVPN bool) float64 {
	if usedVPN {
		return s.cfg.SingletonVPNScore
	}
	return 0
}

// Blend combines the rule score with a model prediction.
// A nil prediction means the engine runs without models and the rule score stands alone.
// An unavailable prediction contributes zero model scores.
func (s *Scorer) Blend(rule float64, pred *domain.Prediction) float64 {
	if pred == nil {
		return clamp(rule)
	}
	score := s.ensemble.RuleWeight * rule
	if pred.Available {
		score += s.ensemble.SupervisedWeight*clamp(pred.SupervisedRisk) +
			s.ensemble.AnomalyWeight*clamp(pred.AnomalyScore)
	}
	return clamp(score)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
