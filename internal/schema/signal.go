package schema

import (
	"crypto/sha256"
	"encoding/hex"
)

// SignalVersion is the schema_version string stamped on emitted signals.
const SignalVersion = "2"

// Trade directions.
const (
	SideLong    = "LONG"
	SideShort   = "SHORT"
	SideNeutral = "NEUTRAL"
)

// Sides lists every recognized direction.
var Sides = []string{SideLong, SideShort, SideNeutral}

// Signal is the v2 signal envelope published on the signals topic.
type Signal struct {
	SchemaVersion string         `json:"schema_version"`
	SignalID      string         `json:"signal_id"`
	Symbol        string         `json:"symbol"`
	TF            string         `json:"tf"`
	TSEvent       string         `json:"ts_event"`
	TSSignal      string         `json:"ts_signal"`
	Side          string         `json:"side"`
	ProbTP        float64        `json:"prob_tp"`
	Entry         float64        `json:"entry"`
	SL            float64        `json:"sl"`
	TP            float64        `json:"tp"`
	ModelVersion  string         `json:"model_version"`
	Rationale     map[string]any `json:"rationale,omitempty"`
	Risk          map[string]any `json:"risk,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// SignalID derives the stable 16-hex identifier over (symbol, tf,
// ts_event ISO).
func SignalID(symbol, tf, tsEventISO string) string {
	sum := sha256.Sum256([]byte(symbol + "|" + tf + "|" + tsEventISO))
	return hex.EncodeToString(sum[:])[:16]
}
