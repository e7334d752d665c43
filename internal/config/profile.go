package config

import (
	"fmt"
	"os"

	yamlv2 "gopkg.in/yaml.v2"

	"github.com/sawpanic/marketflow/internal/risk"
)

// LoadRiskProfile reads a standalone risk limits file. Profiles are
// small enough to review line by line, so desks keep them out of the
// main config and under their own change control.
func LoadRiskProfile(path string) (risk.Limits, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return risk.Limits{}, fmt.Errorf("failed to read risk profile: %w", err)
	}
	limits := risk.DefaultLimits()
	if err := yamlv2.Unmarshal(data, &limits); err != nil {
		return risk.Limits{}, fmt.Errorf("failed to parse risk profile YAML: %w", err)
	}
	if limits.MaxExposurePerAsset <= 0 || limits.MaxExposurePerAsset > 1 {
		return risk.Limits{}, fmt.Errorf("risk profile: max_exposure_per_asset must be in (0, 1], got %v", limits.MaxExposurePerAsset)
	}
	if limits.DailyMaxDrawdown <= 0 || limits.DailyMaxDrawdown >= 1 {
		return risk.Limits{}, fmt.Errorf("risk profile: daily_max_drawdown must be in (0, 1), got %v", limits.DailyMaxDrawdown)
	}
	return limits, nil
}
