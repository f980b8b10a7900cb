package domain

import "context"

// FeatureDims is the length of a cluster feature vector.
const FeatureDims = 18

// FeatureNames names each feature vector dimension, in order.
var FeatureNames = [FeatureDims]string{
	"velocity",
	"log_amount_variance",
	"burst_rate",
	"ip_ratio",
	"device_ratio",
	"vpn_ratio",
	"graph_density",
	"cluster_size",
	"fingerprint_reuse",
	"device_reuse",
	"ip_reuse",
	"vpn_presence",
	"time_sync",
	"synchronized_activity",
	"funnel",
	"circular_flow",
	"pass_through",
	"automation",
}

// FeatureVector is the normalized model input for one cluster.
type FeatureVector [FeatureDims]float64

// Map returns the vector keyed by feature name.
func (fv FeatureVector) Map() map[string]float64 {
	out := make(map[string]float64, FeatureDims)
	for i, name := range FeatureNames {
		out[name] = fv[i]
	}
	return out
}

// Prediction is the output of the model ensemble.
type Prediction struct {
	SupervisedRisk float64  `json:"supervisedRisk"`
	AnomalyScore   float64  `json:"anomalyScore"`
	Flags          []string `json:"flags,omitempty"`
	Available      bool     `json:"available"`
}

// Predictor scores a feature vector. Implementations must not mutate the input
// and must be safe for repeated and concurrent calls.
type Predictor interface {
	Predict(ctx context.Context, fv FeatureVector) (Prediction, error)
}

// FlagRule is a CEL expression that, when true, attaches a textual flag to a cluster.
// Expressions see every feature by name plus supervised_risk and anomaly_score.
type FlagRule struct {
	ID         string `json:"id" yaml:"id"`
	Flag       string `json:"flag" yaml:"flag"`
	Expression string `json:"expression" yaml:"expression"`
	Enabled    bool   `json:"enabled" yaml:"enabled"`
}
