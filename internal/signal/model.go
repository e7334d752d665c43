package signal

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
)

// Artifact kinds.
const (
	KindForest = "forest"
	KindGraph  = "graph"
)

// Calibrator kinds.
const (
	CalibratorSigmoid  = "sigmoid"
	CalibratorIsotonic = "isotonic"
)

// Artifact is the on-disk model format: either a tree ensemble that
// votes class probabilities or a small dense inference graph scoring
// a single output.
type Artifact struct {
	Kind          string      `json:"kind"`
	Version       string      `json:"version"`
	FeatureNames  []string    `json:"feature_names,omitempty"`
	PositiveIndex int         `json:"positive_index"`
	Trees         []Tree      `json:"trees,omitempty"`
	Layers        []Layer     `json:"layers,omitempty"`
	Probability   bool        `json:"probability,omitempty"`
	Calibrator    *Calibrator `json:"calibrator,omitempty"`
	Threshold     float64     `json:"threshold,omitempty"`
}

// Tree is one decision tree flattened into an index-addressed node
// array, the way gradient-boosting exports usually serialize.
type Tree struct {
	Nodes []TreeNode `json:"nodes"`
}

// TreeNode either splits on a feature or carries a leaf probability
// vector.
type TreeNode struct {
	Feat  int       `json:"feat"`
	Thr   float64   `json:"thr"`
	Left  int       `json:"left"`
	Right int       `json:"right"`
	Leaf  []float64 `json:"leaf,omitempty"`
}

// Layer is one dense layer: Weights is [out][in].
type Layer struct {
	Weights    [][]float64 `json:"weights"`
	Bias       []float64   `json:"bias"`
	Activation string      `json:"activation"`
}

// Calibrator reshapes raw probabilities: Platt sigmoid or an isotonic
// step function.
type Calibrator struct {
	Kind       string    `json:"kind"`
	A          float64   `json:"a,omitempty"`
	B          float64   `json:"b,omitempty"`
	Thresholds []float64 `json:"thresholds,omitempty"`
	Values     []float64 `json:"values,omitempty"`
}

// Runner serves predictions from a loaded artifact.
type Runner struct {
	art Artifact
	tau float64
}

// LoadArtifact reads and validates a model file.
func LoadArtifact(path string) (*Runner, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("signal: read model artifact: %w", err)
	}
	var art Artifact
	if err := json.Unmarshal(raw, &art); err != nil {
		return nil, fmt.Errorf("signal: decode model artifact: %w", err)
	}
	return NewRunner(art)
}

// NewRunner validates the artifact shape up front so prediction can
// index without rechecking.
func NewRunner(art Artifact) (*Runner, error) {
	switch art.Kind {
	case KindForest:
		if len(art.Trees) == 0 {
			return nil, fmt.Errorf("signal: forest artifact has no trees")
		}
		if art.PositiveIndex < 0 {
			return nil, fmt.Errorf("signal: negative positive_index %d", art.PositiveIndex)
		}
		for ti, tree := range art.Trees {
			if len(tree.Nodes) == 0 {
				return nil, fmt.Errorf("signal: tree %d is empty", ti)
			}
			for ni, n := range tree.Nodes {
				if len(n.Leaf) > 0 {
					if art.PositiveIndex >= len(n.Leaf) {
						return nil, fmt.Errorf("signal: tree %d node %d leaf has %d classes, positive_index %d", ti, ni, len(n.Leaf), art.PositiveIndex)
					}
					continue
				}
				if n.Left < 0 || n.Left >= len(tree.Nodes) || n.Right < 0 || n.Right >= len(tree.Nodes) {
					return nil, fmt.Errorf("signal: tree %d node %d child out of range", ti, ni)
				}
			}
		}
	case KindGraph:
		if len(art.Layers) == 0 {
			return nil, fmt.Errorf("signal: graph artifact has no layers")
		}
		for li, l := range art.Layers {
			if len(l.Weights) == 0 || len(l.Weights) != len(l.Bias) {
				return nil, fmt.Errorf("signal: layer %d weight/bias shape mismatch", li)
			}
			switch l.Activation {
			case "relu", "sigmoid", "identity":
			default:
				return nil, fmt.Errorf("signal: layer %d unknown activation %q", li, l.Activation)
			}
		}
		if last := art.Layers[len(art.Layers)-1]; len(last.Weights) != 1 {
			return nil, fmt.Errorf("signal: graph output must be scalar, got %d units", len(last.Weights))
		}
	default:
		return nil, fmt.Errorf("signal: unknown artifact kind %q", art.Kind)
	}

	if art.Calibrator != nil {
		switch art.Calibrator.Kind {
		case CalibratorSigmoid:
		case CalibratorIsotonic:
			if len(art.Calibrator.Thresholds) == 0 || len(art.Calibrator.Thresholds) != len(art.Calibrator.Values) {
				return nil, fmt.Errorf("signal: isotonic calibrator shape mismatch")
			}
		default:
			return nil, fmt.Errorf("signal: unknown calibrator kind %q", art.Calibrator.Kind)
		}
	}

	tau := art.Threshold
	if tau <= 0 || tau >= 1 {
		tau = 0.5
	}
	return &Runner{art: art, tau: tau}, nil
}

// Version reports the artifact's model version string.
func (r *Runner) Version() string { return r.art.Version }

// FeatureNames returns the input ordering from the artifact metadata,
// empty when the model does not pin one.
func (r *Runner) FeatureNames() []string { return r.art.FeatureNames }

// Vector maps a feature row into the model's input order: artifact
// metadata wins, otherwise the caller's fallback order is used.
func (r *Runner) Vector(values map[string]float64, fallback []string) ([]float64, error) {
	names := r.art.FeatureNames
	if len(names) == 0 {
		names = fallback
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("signal: no feature ordering available")
	}
	vec := make([]float64, len(names))
	for i, name := range names {
		v, ok := values[name]
		if !ok {
			return nil, fmt.Errorf("signal: model input %q missing from row", name)
		}
		vec[i] = v
	}
	return vec, nil
}

// NumericOrder is the stable fallback ordering: sorted column names.
func NumericOrder(values map[string]float64) []string {
	out := make([]string, 0, len(values))
	for k := range values {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// PredictProba returns the positive-class probability for each input
// row, calibrated when the artifact carries a calibrator.
func (r *Runner) PredictProba(rows [][]float64) ([]float64, error) {
	out := make([]float64, len(rows))
	for i, x := range rows {
		var p float64
		var err error
		switch r.art.Kind {
		case KindForest:
			p, err = r.forestProba(x)
		default:
			p, err = r.graphProba(x)
		}
		if err != nil {
			return nil, err
		}
		out[i] = clamp(r.calibrate(p), 0, 1)
	}
	return out, nil
}

// Predict thresholds PredictProba at tau.
func (r *Runner) Predict(rows [][]float64) ([]int, error) {
	probs, err := r.PredictProba(rows)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(probs))
	for i, p := range probs {
		if p >= r.tau {
			out[i] = 1
		}
	}
	return out, nil
}

// forestProba averages each tree's leaf probability vector and reads
// the positive class column.
func (r *Runner) forestProba(x []float64) (float64, error) {
	sum := 0.0
	for ti := range r.art.Trees {
		leaf, err := r.art.Trees[ti].walk(x)
		if err != nil {
			return 0, fmt.Errorf("signal: tree %d: %w", ti, err)
		}
		sum += leaf[r.art.PositiveIndex]
	}
	return sum / float64(len(r.art.Trees)), nil
}

func (t *Tree) walk(x []float64) ([]float64, error) {
	idx := 0
	for steps := 0; steps <= len(t.Nodes); steps++ {
		n := t.Nodes[idx]
		if len(n.Leaf) > 0 {
			return n.Leaf, nil
		}
		if n.Feat < 0 || n.Feat >= len(x) {
			return nil, fmt.Errorf("feature index %d outside input of width %d", n.Feat, len(x))
		}
		if x[n.Feat] <= n.Thr {
			idx = n.Left
		} else {
			idx = n.Right
		}
	}
	return nil, fmt.Errorf("node cycle detected")
}

// graphProba runs the dense forward pass; a raw score output is
// mapped through the logistic function.
func (r *Runner) graphProba(x []float64) (float64, error) {
	h := x
	for li, l := range r.art.Layers {
		next := make([]float64, len(l.Weights))
		for o, w := range l.Weights {
			if len(w) != len(h) {
				return 0, fmt.Errorf("signal: layer %d expects width %d, got %d", li, len(w), len(h))
			}
			acc := l.Bias[o]
			for i, wi := range w {
				acc += wi * h[i]
			}
			switch l.Activation {
			case "relu":
				if acc < 0 {
					acc = 0
				}
			case "sigmoid":
				acc = logistic(acc)
			}
			next[o] = acc
		}
		h = next
	}
	out := h[0]
	if !r.art.Probability {
		out = logistic(out)
	}
	return out, nil
}

func (r *Runner) calibrate(p float64) float64 {
	c := r.art.Calibrator
	if c == nil {
		return p
	}
	switch c.Kind {
	case CalibratorSigmoid:
		return logistic(-(c.A*p + c.B))
	default:
		return isotonicLookup(c.Thresholds, c.Values, p)
	}
}

// isotonicLookup evaluates the step function: the value of the
// rightmost threshold not exceeding p, clamped to the first step
// below it.
func isotonicLookup(thresholds, values []float64, p float64) float64 {
	i := sort.SearchFloat64s(thresholds, p)
	if i < len(thresholds) && thresholds[i] == p {
		return values[i]
	}
	if i == 0 {
		return values[0]
	}
	return values[i-1]
}

func logistic(x float64) float64 { return 1 / (1 + math.Exp(-x)) }
