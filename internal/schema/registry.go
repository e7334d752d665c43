package schema

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Kind is the JSON kind a wire field must carry.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindObject:
		return "object"
	}
	return "unknown"
}

// Rule constrains one top-level field of a wire document.
type Rule struct {
	Field     string
	Kind      Kind
	Required  bool
	AllowNull bool
	Enum      []string
}

// CheckFunc applies cross-field constraints after per-field rules pass.
type CheckFunc func(doc map[string]any) error

// Schema is a registered wire contract keyed by (Name, Version).
type Schema struct {
	Name    string
	Version int
	Rules   []Rule
	Check   CheckFunc
}

func (s Schema) key() string { return fmt.Sprintf("%s@%d", s.Name, s.Version) }

// ValidationError names the first field that failed validation.
type ValidationError struct {
	Schema string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("schema %s: %s", e.Schema, e.Reason)
	}
	return fmt.Sprintf("schema %s: field %q: %s", e.Schema, e.Field, e.Reason)
}

// Registry holds wire schemas keyed by (name, version).
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]Schema
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]Schema)}
}

// Register adds a schema. Re-registering the same (name, version) is a
// configuration error.
func (r *Registry) Register(s Schema) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := s.key()
	if _, dup := r.schemas[k]; dup {
		return fmt.Errorf("schema %s already registered", k)
	}
	r.schemas[k] = s
	return nil
}

// Validate checks doc against the registered (name, version) schema and
// returns a *ValidationError describing the first failure.
func (r *Registry) Validate(name string, version int, doc map[string]any) error {
	r.mu.RLock()
	s, ok := r.schemas[fmt.Sprintf("%s@%d", name, version)]
	r.mu.RUnlock()
	if !ok {
		return &ValidationError{Schema: fmt.Sprintf("%s@%d", name, version), Reason: "not registered"}
	}
	for _, rule := range s.Rules {
		v, present := doc[rule.Field]
		if !present {
			if rule.Required {
				return &ValidationError{Schema: s.key(), Field: rule.Field, Reason: "missing"}
			}
			continue
		}
		if v == nil {
			if rule.AllowNull {
				continue
			}
			return &ValidationError{Schema: s.key(), Field: rule.Field, Reason: "null not allowed"}
		}
		if err := checkKind(v, rule.Kind); err != nil {
			return &ValidationError{Schema: s.key(), Field: rule.Field, Reason: err.Error()}
		}
		if len(rule.Enum) > 0 {
			sv, _ := v.(string)
			if !contains(rule.Enum, sv) {
				return &ValidationError{Schema: s.key(), Field: rule.Field, Reason: fmt.Sprintf("value %q not in enum", sv)}
			}
		}
	}
	if s.Check != nil {
		if err := s.Check(doc); err != nil {
			if ve, ok := err.(*ValidationError); ok {
				return ve
			}
			return &ValidationError{Schema: s.key(), Reason: err.Error()}
		}
	}
	return nil
}

func checkKind(v any, k Kind) error {
	switch k {
	case KindString:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("want string, got %T", v)
		}
	case KindBool:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("want bool, got %T", v)
		}
	case KindObject:
		switch v.(type) {
		case map[string]any, json.RawMessage:
		default:
			return fmt.Errorf("want object, got %T", v)
		}
	case KindFloat:
		if _, ok := asFloat(v); !ok {
			return fmt.Errorf("want number, got %T", v)
		}
	case KindInt:
		f, ok := asFloat(v)
		if !ok {
			return fmt.Errorf("want integer, got %T", v)
		}
		if f != float64(int64(f)) {
			return fmt.Errorf("want integer, got fractional %v", f)
		}
	}
	return nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// ValidateEvent checks a normalized event against the events v2 contract
// without a round trip through a generic document.
func ValidateEvent(e *NormalizedEvent) error {
	fail := func(field, reason string) error {
		return &ValidationError{Schema: "events@2", Field: field, Reason: reason}
	}
	if e == nil {
		return fail("", "nil event")
	}
	if e.V != EventVersion {
		return fail("v", fmt.Sprintf("unsupported version %d", e.V))
	}
	if e.Source == "" {
		return fail("source", "missing")
	}
	if !contains(EventTypes, e.EventType) {
		return fail("event_type", fmt.Sprintf("value %q not in enum", e.EventType))
	}
	if e.Symbol == "" {
		return fail("symbol", "missing")
	}
	if e.TSEvent <= 0 {
		return fail("ts_event", "must be positive")
	}
	if e.IngestTS <= 0 {
		return fail("ingest_ts", "must be positive")
	}
	if len(e.CorrelationID) != 64 {
		return fail("correlation_id", "want 64 hex chars")
	}
	if len(e.Payload) == 0 {
		return fail("payload", "missing")
	}
	if e.EventType == EventOHLCV {
		if e.TF == "" {
			return fail("tf", "required for ohlcv")
		}
		if !ValidTimeframe(string(e.TF)) {
			return fail("tf", fmt.Sprintf("value %q not in enum", e.TF))
		}
		bar, err := e.Bar()
		if err != nil {
			return fail("payload", err.Error())
		}
		if err := bar.Validate(); err != nil {
			return fail("payload", err.Error())
		}
	} else if e.TF != "" {
		return fail("tf", "must be null for non-kline events")
	}
	return nil
}

// DefaultRegistry returns a registry with the events, features and
// signals v2 schemas installed.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.schemas["events@2"] = Schema{
		Name:    "events",
		Version: 2,
		Rules: []Rule{
			{Field: "v", Kind: KindInt, Required: true},
			{Field: "source", Kind: KindString, Required: true},
			{Field: "event_type", Kind: KindString, Required: true, Enum: EventTypes},
			{Field: "symbol", Kind: KindString, Required: true},
			{Field: "tf", Kind: KindString, Required: true, AllowNull: true, Enum: Timeframes},
			{Field: "ts_event", Kind: KindInt, Required: true},
			{Field: "ingest_ts", Kind: KindInt, Required: true},
			{Field: "correlation_id", Kind: KindString, Required: true},
			{Field: "payload", Kind: KindObject, Required: true},
		},
		Check: func(doc map[string]any) error {
			raw, err := json.Marshal(doc)
			if err != nil {
				return fmt.Errorf("re-encode: %w", err)
			}
			var e NormalizedEvent
			if err := json.Unmarshal(raw, &e); err != nil {
				return fmt.Errorf("decode: %w", err)
			}
			return ValidateEvent(&e)
		},
	}
	r.schemas["features@2"] = Schema{
		Name:    "features",
		Version: 2,
		Rules: []Rule{
			{Field: "symbol", Kind: KindString, Required: true},
			{Field: "tf", Kind: KindString, Required: true, Enum: Timeframes},
			{Field: "ts_event", Kind: KindString, Required: true},
			{Field: "values", Kind: KindObject, Required: true},
			{Field: "feature_hash", Kind: KindString, Required: true},
			{Field: "code_hash", Kind: KindString, Required: true},
		},
		Check: func(doc map[string]any) error {
			if h, _ := doc["feature_hash"].(string); len(h) != 64 {
				return &ValidationError{Schema: "features@2", Field: "feature_hash", Reason: "want 64 hex chars"}
			}
			if h, _ := doc["code_hash"].(string); len(h) != 16 {
				return &ValidationError{Schema: "features@2", Field: "code_hash", Reason: "want 16 hex chars"}
			}
			vals, _ := doc["values"].(map[string]any)
			for name, v := range vals {
				if _, ok := asFloat(v); !ok {
					return &ValidationError{Schema: "features@2", Field: "values." + name, Reason: "want number"}
				}
			}
			return nil
		},
	}
	r.schemas["signals@2"] = Schema{
		Name:    "signals",
		Version: 2,
		Rules: []Rule{
			{Field: "schema_version", Kind: KindString, Required: true},
			{Field: "signal_id", Kind: KindString, Required: true},
			{Field: "symbol", Kind: KindString, Required: true},
			{Field: "tf", Kind: KindString, Required: true, Enum: Timeframes},
			{Field: "ts_event", Kind: KindString, Required: true},
			{Field: "ts_signal", Kind: KindString, Required: true},
			{Field: "side", Kind: KindString, Required: true, Enum: Sides},
			{Field: "prob_tp", Kind: KindFloat, Required: true},
			{Field: "entry", Kind: KindFloat, Required: true},
			{Field: "sl", Kind: KindFloat, Required: true},
			{Field: "tp", Kind: KindFloat, Required: true},
			{Field: "model_version", Kind: KindString, Required: true},
			{Field: "rationale", Kind: KindObject},
			{Field: "risk", Kind: KindObject},
			{Field: "extra", Kind: KindObject},
		},
		Check: func(doc map[string]any) error {
			if id, _ := doc["signal_id"].(string); len(id) != 16 {
				return &ValidationError{Schema: "signals@2", Field: "signal_id", Reason: "want 16 hex chars"}
			}
			p, _ := asFloat(doc["prob_tp"])
			if p < 0 || p > 1 {
				return &ValidationError{Schema: "signals@2", Field: "prob_tp", Reason: "outside [0,1]"}
			}
			ts, _ := doc["ts_event"].(string)
			if _, err := time.Parse(time.RFC3339, ts); err != nil {
				return &ValidationError{Schema: "signals@2", Field: "ts_event", Reason: "not ISO-8601"}
			}
			return nil
		},
	}
	return r
}
