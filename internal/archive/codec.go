package archive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Codec serializes a record batch into one part file.
type Codec interface {
	Ext() string
	Encode(records []map[string]any) ([]byte, error)
}

var (
	codecMu sync.RWMutex
	codecs  = map[string]Codec{}
)

// RegisterCodec makes a codec available by extension. Parquet support
// plugs in here when a writer exists; JSONL is registered by default.
func RegisterCodec(c Codec) {
	codecMu.Lock()
	defer codecMu.Unlock()
	codecs[c.Ext()] = c
}

// LookupCodec returns the codec for ext.
func LookupCodec(ext string) (Codec, error) {
	codecMu.RLock()
	defer codecMu.RUnlock()
	c, ok := codecs[ext]
	if !ok {
		return nil, fmt.Errorf("archive: no codec registered for %q", ext)
	}
	return c, nil
}

// Codecs lists the registered extensions in stable order.
func Codecs() []string {
	codecMu.RLock()
	defer codecMu.RUnlock()
	out := make([]string, 0, len(codecs))
	for ext := range codecs {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

func init() {
	RegisterCodec(JSONLCodec{})
}

// JSONLCodec writes newline-delimited JSON, one record per line.
type JSONLCodec struct{}

func (JSONLCodec) Ext() string { return "jsonl" }

func (JSONLCodec) Encode(records []map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	for i, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("encode record %d: %w", i, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
