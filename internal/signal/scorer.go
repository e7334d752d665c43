package signal

import (
	"math"

	"github.com/sawpanic/marketflow/internal/schema"
)

// ScorerConfig weights the rule and model contributions and sets the
// direction threshold.
type ScorerConfig struct {
	RuleWeight  float64 `yaml:"rule_weight"`
	ModelWeight float64 `yaml:"model_weight"`
	Threshold   float64 `yaml:"threshold"`
}

// DefaultScorerConfig is the production blend: 60% rule, 40% model,
// direction beyond +/-0.35.
func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{RuleWeight: 0.6, ModelWeight: 0.4, Threshold: 0.35}
}

// Verdict is the blended outcome for one row.
type Verdict struct {
	Score      float64
	Side       string
	Confidence float64
}

// Scorer folds a rule score and a model probability into a directional
// verdict.
type Scorer struct {
	cfg ScorerConfig
}

// NewScorer fills zero weights from the defaults.
func NewScorer(cfg ScorerConfig) *Scorer {
	def := DefaultScorerConfig()
	if cfg.RuleWeight == 0 && cfg.ModelWeight == 0 {
		cfg.RuleWeight = def.RuleWeight
		cfg.ModelWeight = def.ModelWeight
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	return &Scorer{cfg: cfg}
}

// Score blends the inputs. The model probability is rescaled from
// [0,1] onto [-1,1] so both inputs share a scale before weighting.
func (s *Scorer) Score(ruleScore, probTP float64) Verdict {
	mlScaled := 2*clamp(probTP, 0, 1) - 1
	score := s.cfg.RuleWeight*clamp(ruleScore, -1, 1) + s.cfg.ModelWeight*mlScaled

	side := schema.SideNeutral
	switch {
	case score >= s.cfg.Threshold:
		side = schema.SideLong
	case score <= -s.cfg.Threshold:
		side = schema.SideShort
	}
	return Verdict{
		Score:      score,
		Side:       side,
		Confidence: clamp(math.Abs(score), 0, 1),
	}
}
