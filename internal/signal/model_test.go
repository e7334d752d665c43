package signal

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stumpForest is two depth-1 trees over [x0, x1] with class order
// [down, up]: tree 0 splits x0 at 0.5, tree 1 splits x1 at 10.
func stumpForest() Artifact {
	return Artifact{
		Kind:          KindForest,
		Version:       "forest-2025.08",
		FeatureNames:  []string{"momentum", "volume"},
		PositiveIndex: 1,
		Trees: []Tree{
			{Nodes: []TreeNode{
				{Feat: 0, Thr: 0.5, Left: 1, Right: 2},
				{Leaf: []float64{0.8, 0.2}},
				{Leaf: []float64{0.1, 0.9}},
			}},
			{Nodes: []TreeNode{
				{Feat: 1, Thr: 10, Left: 1, Right: 2},
				{Leaf: []float64{0.6, 0.4}},
				{Leaf: []float64{0.2, 0.8}},
			}},
		},
	}
}

// tinyGraph is a single identity layer emitting a raw score, so the
// runner applies the logistic squash itself.
func tinyGraph() Artifact {
	return Artifact{
		Kind:    KindGraph,
		Version: "graph-2025.08",
		Layers: []Layer{
			{Weights: [][]float64{{2, -1}}, Bias: []float64{0.5}, Activation: "identity"},
		},
	}
}

func TestForestAveragesPositiveClass(t *testing.T) {
	r, err := NewRunner(stumpForest())
	require.NoError(t, err)

	probs, err := r.PredictProba([][]float64{
		{0.3, 20}, // tree0 left 0.2, tree1 right 0.8
		{0.9, 5},  // tree0 right 0.9, tree1 left 0.4
	})
	require.NoError(t, err)
	require.Len(t, probs, 2)
	assert.InDelta(t, 0.50, probs[0], 1e-9)
	assert.InDelta(t, 0.65, probs[1], 1e-9)
}

func TestForestSplitBoundaryGoesLeft(t *testing.T) {
	r, err := NewRunner(stumpForest())
	require.NoError(t, err)

	// x0 exactly at the threshold takes the left branch.
	probs, err := r.PredictProba([][]float64{{0.5, 10}})
	require.NoError(t, err)
	assert.InDelta(t, (0.2+0.4)/2, probs[0], 1e-9)
}

func TestGraphForwardPass(t *testing.T) {
	r, err := NewRunner(tinyGraph())
	require.NoError(t, err)

	probs, err := r.PredictProba([][]float64{{1, 1}})
	require.NoError(t, err)
	// raw = 2*1 - 1*1 + 0.5 = 1.5, squashed by the logistic.
	assert.InDelta(t, 1/(1+math.Exp(-1.5)), probs[0], 1e-9)
}

func TestGraphReluLayers(t *testing.T) {
	art := Artifact{
		Kind: KindGraph,
		Layers: []Layer{
			{
				Weights:    [][]float64{{1, 0}, {0, 1}},
				Bias:       []float64{0, -5},
				Activation: "relu",
			},
			{Weights: [][]float64{{1, 1}}, Bias: []float64{0}, Activation: "identity"},
		},
	}
	r, err := NewRunner(art)
	require.NoError(t, err)

	// hidden = [relu(0.5), relu(3-5)] = [0.5, 0], output 0.5 raw.
	probs, err := r.PredictProba([][]float64{{0.5, 3}})
	require.NoError(t, err)
	assert.InDelta(t, 1/(1+math.Exp(-0.5)), probs[0], 1e-9)
}

func TestGraphProbabilityOutputNotSquashedTwice(t *testing.T) {
	art := Artifact{
		Kind:        KindGraph,
		Probability: true,
		Layers: []Layer{
			{Weights: [][]float64{{1}}, Bias: []float64{0}, Activation: "sigmoid"},
		},
	}
	r, err := NewRunner(art)
	require.NoError(t, err)

	probs, err := r.PredictProba([][]float64{{0}})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, probs[0], 1e-9)
}

func TestSigmoidCalibrator(t *testing.T) {
	art := stumpForest()
	art.Calibrator = &Calibrator{Kind: CalibratorSigmoid, A: -2, B: 0}
	r, err := NewRunner(art)
	require.NoError(t, err)

	probs, err := r.PredictProba([][]float64{{0.3, 20}}) // raw 0.5
	require.NoError(t, err)
	// platt: 1/(1+exp(a*p+b)) = 1/(1+exp(-1))
	assert.InDelta(t, 1/(1+math.Exp(-1)), probs[0], 1e-9)
}

func TestIsotonicCalibratorSteps(t *testing.T) {
	art := tinyGraph()
	art.Probability = true
	art.Layers = []Layer{
		{Weights: [][]float64{{1}}, Bias: []float64{0}, Activation: "identity"},
	}
	art.Calibrator = &Calibrator{
		Kind:       CalibratorIsotonic,
		Thresholds: []float64{0, 0.5, 0.8},
		Values:     []float64{0.1, 0.6, 0.9},
	}
	r, err := NewRunner(art)
	require.NoError(t, err)

	// Identity graph passes the input straight through, so the
	// calibrator sees the raw value.
	probs, err := r.PredictProba([][]float64{{0.3}, {0.5}, {0.95}, {0}})
	require.NoError(t, err)
	assert.InDelta(t, 0.1, probs[0], 1e-9) // between steps: previous value
	assert.InDelta(t, 0.6, probs[1], 1e-9) // exactly on a step
	assert.InDelta(t, 0.9, probs[2], 1e-9) // past the last step
	assert.InDelta(t, 0.1, probs[3], 1e-9) // first step
}

func TestPredictThreshold(t *testing.T) {
	r, err := NewRunner(stumpForest())
	require.NoError(t, err)

	labels, err := r.Predict([][]float64{{0.3, 20}, {0.3, 5}})
	require.NoError(t, err)
	// default tau 0.5: 0.50 -> 1 (inclusive), 0.30 -> 0
	assert.Equal(t, []int{1, 0}, labels)

	art := stumpForest()
	art.Threshold = 0.7
	strict, err := NewRunner(art)
	require.NoError(t, err)
	labels, err = strict.Predict([][]float64{{0.9, 20}, {0.3, 20}})
	require.NoError(t, err)
	// 0.85 -> 1, 0.50 -> 0 under tau 0.7
	assert.Equal(t, []int{1, 0}, labels)
}

func TestOutOfRangeThresholdFallsBackToHalf(t *testing.T) {
	art := stumpForest()
	art.Threshold = 1.5
	r, err := NewRunner(art)
	require.NoError(t, err)

	labels, err := r.Predict([][]float64{{0.3, 20}})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, labels)
}

func TestArtifactValidation(t *testing.T) {
	cases := []struct {
		name string
		art  Artifact
		want string
	}{
		{"unknown kind", Artifact{Kind: "tabnet"}, "unknown artifact kind"},
		{"forest without trees", Artifact{Kind: KindForest}, "no trees"},
		{
			"child index out of range",
			Artifact{Kind: KindForest, Trees: []Tree{
				{Nodes: []TreeNode{{Feat: 0, Thr: 1, Left: 5, Right: 0}}},
			}},
			"child out of range",
		},
		{
			"positive index beyond leaf",
			Artifact{Kind: KindForest, PositiveIndex: 3, Trees: []Tree{
				{Nodes: []TreeNode{{Leaf: []float64{0.5, 0.5}}}},
			}},
			"positive_index",
		},
		{"graph without layers", Artifact{Kind: KindGraph}, "no layers"},
		{
			"graph with vector output",
			Artifact{Kind: KindGraph, Layers: []Layer{
				{Weights: [][]float64{{1}, {2}}, Bias: []float64{0, 0}, Activation: "identity"},
			}},
			"must be scalar",
		},
		{
			"unknown activation",
			Artifact{Kind: KindGraph, Layers: []Layer{
				{Weights: [][]float64{{1}}, Bias: []float64{0}, Activation: "swish"},
			}},
			"unknown activation",
		},
		{
			"isotonic shape mismatch",
			Artifact{
				Kind:  KindForest,
				Trees: []Tree{{Nodes: []TreeNode{{Leaf: []float64{1}}}}},
				Calibrator: &Calibrator{
					Kind:       CalibratorIsotonic,
					Thresholds: []float64{0.5},
					Values:     []float64{0.1, 0.9},
				},
			},
			"isotonic calibrator shape",
		},
		{
			"unknown calibrator",
			Artifact{
				Kind:       KindForest,
				Trees:      []Tree{{Nodes: []TreeNode{{Leaf: []float64{1}}}}},
				Calibrator: &Calibrator{Kind: "beta"},
			},
			"unknown calibrator kind",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewRunner(tc.art)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestTreeCycleDetected(t *testing.T) {
	art := Artifact{Kind: KindForest, Trees: []Tree{
		{Nodes: []TreeNode{{Feat: 0, Thr: 0.5, Left: 0, Right: 0}}},
	}}
	r, err := NewRunner(art)
	require.NoError(t, err)

	_, err = r.PredictProba([][]float64{{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestPredictRejectsNarrowInput(t *testing.T) {
	r, err := NewRunner(stumpForest())
	require.NoError(t, err)

	_, err = r.PredictProba([][]float64{{0.3}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside input")

	g, err := NewRunner(tinyGraph())
	require.NoError(t, err)
	_, err = g.PredictProba([][]float64{{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expects width")
}

func TestLoadArtifactRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.json")

	raw, err := json.Marshal(stumpForest())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	r, err := LoadArtifact(path)
	require.NoError(t, err)
	assert.Equal(t, "forest-2025.08", r.Version())
	assert.Equal(t, []string{"momentum", "volume"}, r.FeatureNames())

	probs, err := r.PredictProba([][]float64{{0.3, 20}})
	require.NoError(t, err)
	assert.InDelta(t, 0.50, probs[0], 1e-9)
}

func TestLoadArtifactErrors(t *testing.T) {
	_, err := LoadArtifact(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read model artifact")

	bad := filepath.Join(t.TempDir(), "garbage.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))
	_, err = LoadArtifact(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode model artifact")
}

func TestVectorOrdering(t *testing.T) {
	r, err := NewRunner(stumpForest())
	require.NoError(t, err)

	row := map[string]float64{"volume": 20, "momentum": 0.3, "extra": 1}

	// Artifact metadata pins the order regardless of the fallback.
	vec, err := r.Vector(row, []string{"volume", "momentum"})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.3, 20}, vec)

	_, err = r.Vector(map[string]float64{"momentum": 0.3}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "volume")
}

func TestVectorFallbackOrdering(t *testing.T) {
	art := tinyGraph()
	r, err := NewRunner(art)
	require.NoError(t, err)

	row := map[string]float64{"b": 2, "a": 1}
	vec, err := r.Vector(row, NumericOrder(row))
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, vec)

	_, err = r.Vector(row, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no feature ordering")
}
