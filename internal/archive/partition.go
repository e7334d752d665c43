// Package archive is the partitioned storage layer: deterministic
// partition keys, content-hashed idempotent part files with
// per-partition manifests, compaction and retention planning, and the
// replay path back onto the broker.
package archive

import (
	"fmt"
	"path"
	"time"

	"github.com/sawpanic/marketflow/internal/schema"
)

// Policy selects the partition granularity below the date level.
type Policy string

const (
	PolicyDaily  Policy = "daily"
	PolicyHourly Policy = "hourly"
)

// PartitionKey locates one partition directory. Hour is -1 under the
// daily policy; Region is optional.
type PartitionKey struct {
	Dataset string
	Symbol  string
	TF      string
	Date    string // YYYY-MM-DD (UTC)
	Hour    int
	Region  string
}

// DerivePartition buckets ts_event into its candle-aligned partition.
func DerivePartition(dataset, symbol, tf string, tsEventMS int64, policy Policy, region string) (PartitionKey, error) {
	open, err := schema.CandleOpen(tsEventMS, tf)
	if err != nil {
		return PartitionKey{}, fmt.Errorf("derive partition: %w", err)
	}
	t := time.UnixMilli(open).UTC()
	key := PartitionKey{
		Dataset: dataset,
		Symbol:  symbol,
		TF:      tf,
		Date:    t.Format("2006-01-02"),
		Hour:    -1,
		Region:  region,
	}
	if policy == PolicyHourly {
		// The hour comes from the event time, not the candle open, so
		// long candles still land in the hour they happened.
		key.Hour = time.UnixMilli(tsEventMS).UTC().Hour()
	}
	return key, nil
}

// Path renders the partition directory relative to the archive root:
// <dataset>/symbol=<S>/tf=<TF>/date=<D>[/hour=HH][/region=R].
func (k PartitionKey) Path() string {
	p := path.Join(k.Dataset,
		"symbol="+k.Symbol,
		"tf="+k.TF,
		"date="+k.Date)
	if k.Hour >= 0 {
		p = path.Join(p, fmt.Sprintf("hour=%02d", k.Hour))
	}
	if k.Region != "" {
		p = path.Join(p, "region="+k.Region)
	}
	return p
}

// Labels returns the partition fields as a flat map for the manifest.
func (k PartitionKey) Labels() map[string]string {
	labels := map[string]string{
		"symbol": k.Symbol,
		"tf":     k.TF,
		"date":   k.Date,
	}
	if k.Hour >= 0 {
		labels["hour"] = fmt.Sprintf("%02d", k.Hour)
	}
	if k.Region != "" {
		labels["region"] = k.Region
	}
	return labels
}
