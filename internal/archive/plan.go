package archive

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// DefaultTargetFileBytes is the compaction target file size.
const DefaultTargetFileBytes = 64 << 20

// CompactionPlan lists one partition's small-file candidates: anything
// under a quarter of the target size.
type CompactionPlan struct {
	Partition   string   `json:"partition"`
	TotalFiles  int      `json:"total_files"`
	TotalBytes  int64    `json:"total_bytes"`
	SmallFiles  []string `json:"small_files"`
	TargetBytes int64    `json:"target_bytes"`
}

// PlanCompaction scans a dataset's manifests and reports partitions
// with files worth merging.
func PlanCompaction(root, dataset string, targetBytes int64) ([]CompactionPlan, error) {
	if targetBytes <= 0 {
		targetBytes = DefaultTargetFileBytes
	}
	threshold := targetBytes / 4
	var plans []CompactionPlan
	err := walkManifests(root, dataset, func(partition string, m *Manifest) error {
		plan := CompactionPlan{
			Partition:   partition,
			TotalFiles:  len(m.Files),
			TargetBytes: targetBytes,
		}
		for _, f := range m.Files {
			plan.TotalBytes += f.Size
			if f.Size < threshold {
				plan.SmallFiles = append(plan.SmallFiles, f.Path)
			}
		}
		plans = append(plans, plan)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].Partition < plans[j].Partition })
	return plans, nil
}

// RetentionTier maps a minimum partition age to an action. Tiers must
// be ordered by MinAgeDays; the oldest tier an age reaches wins.
type RetentionTier struct {
	Name       string `yaml:"name"`
	MinAgeDays int    `yaml:"min_age_days"`
	Action     string `yaml:"action"`
}

// DefaultRetentionTiers returns hot 0-7d, warm 7-90d, cold 90-730d and
// delete beyond 730d.
func DefaultRetentionTiers() []RetentionTier {
	return []RetentionTier{
		{Name: "hot", MinAgeDays: 0, Action: "none"},
		{Name: "warm", MinAgeDays: 7, Action: "compact"},
		{Name: "cold", MinAgeDays: 90, Action: "offload"},
		{Name: "delete", MinAgeDays: 730, Action: "delete"},
	}
}

// RetentionAction is the planned action for one observed partition.
type RetentionAction struct {
	Partition string `json:"partition"`
	Date      string `json:"date"`
	AgeDays   int    `json:"age_days"`
	Tier      string `json:"tier"`
	Action    string `json:"action"`
}

// PlanRetention assigns every partition of a dataset to its tier as of
// the given instant.
func PlanRetention(root, dataset string, tiers []RetentionTier, asOf time.Time) ([]RetentionAction, error) {
	if len(tiers) == 0 {
		tiers = DefaultRetentionTiers()
	}
	today := asOf.UTC().Truncate(24 * time.Hour)
	var actions []RetentionAction
	err := walkManifests(root, dataset, func(partition string, m *Manifest) error {
		dateStr, ok := m.Partition["date"]
		if !ok {
			return nil
		}
		date, err := time.ParseInLocation("2006-01-02", dateStr, time.UTC)
		if err != nil {
			return fmt.Errorf("partition %s: bad date %q: %w", partition, dateStr, err)
		}
		age := int(today.Sub(date).Hours() / 24)
		if age < 0 {
			age = 0
		}
		tier := tiers[0]
		for _, t := range tiers[1:] {
			if age >= t.MinAgeDays {
				tier = t
			}
		}
		actions = append(actions, RetentionAction{
			Partition: partition,
			Date:      dateStr,
			AgeDays:   age,
			Tier:      tier.Name,
			Action:    tier.Action,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i].Partition < actions[j].Partition })
	return actions, nil
}

// walkManifests visits each partition manifest under root/dataset with
// the partition path relative to root.
func walkManifests(root, dataset string, visit func(partition string, m *Manifest) error) error {
	base := filepath.Join(root, dataset)
	if _, err := os.Stat(base); os.IsNotExist(err) {
		return nil
	}
	return filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != ManifestName {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		var m Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		rel, err := filepath.Rel(root, filepath.Dir(path))
		if err != nil {
			rel = filepath.Dir(path)
		}
		return visit(filepath.ToSlash(rel), &m)
	})
}
