package model

import (
	"math/rand/v2"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// fraudShare is the share of positive samples in the synthetic training set.
const fraudShare = 0.3

// Synthesize generates a labelled training set of cluster feature vectors.
// Legitimate clusters are sparse, slow and diverse; fraud rings share devices,
// act in bursts and move money in structured patterns. The output depends only on seed.
func Synthesize(samples int, seed uint64) ([]domain.FeatureVector, []float64) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	xs := make([]domain.FeatureVector, samples)
	ys := make([]float64, samples)
	for i := range xs {
		if rng.Float64() < fraudShare {
			xs[i] = fraudVector(rng)
			ys[i] = 1
		} else {
			xs[i] = legitVector(rng)
		}
	}
	return xs, ys
}

func between(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

// maybe returns a value in [lo,hi] with probability p, else 0.
func maybe(rng *rand.Rand, p, lo, hi float64) float64 {
	if rng.Float64() < p {
		return between(rng, lo, hi)
	}
	return 0
}

func legitVector(rng *rand.Rand) domain.FeatureVector {
	return domain.FeatureVector{
		between(rng, 0, 0.15),      // velocity
		between(rng, 0.2, 0.9),     // log_amount_variance
		between(rng, 0, 0.3),       // burst_rate
		between(rng, 0.6, 1),       // ip_ratio
		between(rng, 0.6, 1),       // device_ratio
		maybe(rng, 0.15, 0, 0.3),   // vpn_ratio
		between(rng, 0.2, 0.7),     // graph_density
		between(rng, 0.1, 0.2),     // cluster_size
		maybe(rng, 0.05, 0.6, 0.8), // fingerprint_reuse
		maybe(rng, 0.1, 0.5, 0.7),  // device_reuse
		maybe(rng, 0.3, 0, 0.4),    // ip_reuse
		maybe(rng, 0.15, 0.5, 0.7), // vpn_presence
		between(rng, 0, 0.6),       // time_sync
		maybe(rng, 0.05, 0, 0.5),   // synchronized_activity
		maybe(rng, 0.05, 0, 0.5),   // funnel
		maybe(rng, 0.02, 0, 0.5),   // circular_flow
		maybe(rng, 0.1, 0, 0.34),   // pass_through
		maybe(rng, 0.2, 0, 0.3),    // automation
	}
}

func fraudVector(rng *rand.Rand) domain.FeatureVector {
	return domain.FeatureVector{
		between(rng, 0.2, 1),      // velocity
		between(rng, 0, 0.3),      // log_amount_variance
		between(rng, 0.5, 1),      // burst_rate
		between(rng, 0.1, 0.5),    // ip_ratio
		between(rng, 0.1, 0.5),    // device_ratio
		maybe(rng, 0.6, 0.4, 1),   // vpn_ratio
		between(rng, 0.6, 1),      // graph_density
		between(rng, 0.1, 0.6),    // cluster_size
		maybe(rng, 0.7, 0.7, 1),   // fingerprint_reuse
		maybe(rng, 0.7, 0.6, 0.9), // device_reuse
		between(rng, 0.3, 1),      // ip_reuse
		maybe(rng, 0.6, 0.6, 1),   // vpn_presence
		between(rng, 0.6, 1),      // time_sync
		between(rng, 0.3, 1),      // synchronized_activity
		maybe(rng, 0.4, 0.5, 1),   // funnel
		maybe(rng, 0.3, 0.5, 1),   // circular_flow
		maybe(rng, 0.5, 0.33, 1),  // pass_through
		between(rng, 0.3, 1),      // automation
	}
}
