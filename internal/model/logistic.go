package model

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// LogisticModel is a binary logistic regression over the cluster feature vector.
type LogisticModel struct {
	Weights [domain.FeatureDims]float64 `json:"weights"`
	Bias    float64                     `json:"bias"`
}

// Fit trains the model with batch gradient descent and L2 regularisation.
func (m *LogisticModel) Fit(samples []domain.FeatureVector, labels []float64, epochs int, rate, l2 float64) {
	n := float64(len(samples))
	if n == 0 {
		return
	}

	for epoch := 0; epoch < epochs; epoch++ {
		var gradW [domain.FeatureDims]float64
		var gradB float64

		for i, x := range samples {
			diff := m.Predict(x) - labels[i]
			for j := range x {
				gradW[j] += diff * x[j]
			}
			gradB += diff
		}

		for j := range m.Weights {
			m.Weights[j] -= rate * (gradW[j]/n + l2*m.Weights[j])
		}
		m.Bias -= rate * gradB / n
	}
}

// Predict returns the probability of the positive class.
func (m *LogisticModel) Predict(x domain.FeatureVector) float64 {
	z := m.Bias
	for j := range x {
		z += m.Weights[j] * x[j]
	}
	return 1 / (1 + math.Exp(-z))
}
