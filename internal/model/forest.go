package model

import (
	"math"
	"math/rand/v2"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// IsolationForest scores how easily a point is isolated by random axis splits.
type IsolationForest struct {
	Trees         []isolationTree `json:"trees"`
	SubsampleSize int             `json:"subsampleSize"`
}

// isolationTree is stored as a flat node slice; node 0 is the root.
type isolationTree struct {
	Nodes []isolationNode `json:"nodes"`
}

type isolationNode struct {
	Feature int     `json:"f"`
	Split   float64 `json:"s"`
	Left    int     `json:"l"` // -1 for leaves
	Right   int     `json:"r"`
	Size    int     `json:"n"` // samples reaching a leaf
}

// Fit grows the forest from random subsamples of the data.
func (f *IsolationForest) Fit(samples []domain.FeatureVector, trees, subsample int, rng *rand.Rand) {
	if len(samples) == 0 || trees <= 0 {
		return
	}
	if subsample <= 0 || subsample > len(samples) {
		subsample = len(samples)
	}
	f.SubsampleSize = subsample
	maxDepth := int(math.Ceil(math.Log2(float64(subsample))))

	f.Trees = make([]isolationTree, 0, trees)
	for t := 0; t < trees; t++ {
		sample := make([]domain.FeatureVector, subsample)
		for i := range sample {
			sample[i] = samples[rng.IntN(len(samples))]
		}
		tree := isolationTree{}
		tree.grow(sample, 0, maxDepth, rng)
		f.Trees = append(f.Trees, tree)
	}
}

func (t *isolationTree) grow(samples []domain.FeatureVector, depth, maxDepth int, rng *rand.Rand) int {
	idx := len(t.Nodes)
	t.Nodes = append(t.Nodes, isolationNode{Left: -1, Right: -1, Size: len(samples)})

	if depth >= maxDepth || len(samples) <= 1 {
		return idx
	}

	feature := rng.IntN(domain.FeatureDims)
	lo, hi := samples[0][feature], samples[0][feature]
	for _, s := range samples[1:] {
		lo = math.Min(lo, s[feature])
		hi = math.Max(hi, s[feature])
	}
	if hi <= lo {
		return idx
	}
	split := lo + rng.Float64()*(hi-lo)

	var left, right []domain.FeatureVector
	for _, s := range samples {
		if s[feature] < split {
			left = append(left, s)
		} else {
			right = append(right, s)
		}
	}

	l := t.grow(left, depth+1, maxDepth, rng)
	r := t.grow(right, depth+1, maxDepth, rng)
	t.Nodes[idx].Feature = feature
	t.Nodes[idx].Split = split
	t.Nodes[idx].Left = l
	t.Nodes[idx].Right = r
	return idx
}

func (t *isolationTree) pathLength(x domain.FeatureVector) float64 {
	depth := 0.0
	i := 0
	for {
		node := t.Nodes[i]
		if node.Left < 0 {
			return depth + averagePath(node.Size)
		}
		if x[node.Feature] < node.Split {
			i = node.Left
		} else {
			i = node.Right
		}
		depth++
	}
}

// Score returns the raw isolation score in (0,1]; values near 1 are anomalies,
// values around 0.5 or below are normal.
func (f *IsolationForest) Score(x domain.FeatureVector) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	total := 0.0
	for i := range f.Trees {
		total += f.Trees[i].pathLength(x)
	}
	mean := total / float64(len(f.Trees))
	return math.Pow(2, -mean/averagePath(f.SubsampleSize))
}

// AnomalyScore rescales the isolation score so normal points map to 0.
func (f *IsolationForest) AnomalyScore(x domain.FeatureVector) float64 {
	return clamp((f.Score(x) - 0.5) * 2)
}

// averagePath is the expected path length of an unsuccessful BST search over n points.
func averagePath(n int) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+0.5772156649) - 2*(fn-1)/fn
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
