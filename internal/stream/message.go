// Package stream carries normalized events and signals over the broker.
// It wraps a franz-go client behind the small producer and consumer
// surfaces the rest of the pipeline needs.
package stream

import (
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Header names attached to broker records.
const (
	HeaderCorrelationID = "correlation_id"
	HeaderDLTReason     = "dlt_reason"
)

// Dead-letter reasons carried in the dlt_reason header.
const (
	ReasonSchemaInvalid   = "schema_invalid"
	ReasonProduceFailed   = "produce_failed"
	ReasonJSONDecodeError = "json_decode_error"
)

// Message is one record bound for or received from the broker.
type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
	Partition int32
	Offset    int64
}

// Header returns a named header value or "".
func (m *Message) Header(name string) string {
	return m.Headers[name]
}

// DLTTopic returns the dead-letter sibling of a topic.
func DLTTopic(topic string) string { return topic + ".DLT" }

func toRecord(m *Message) *kgo.Record {
	rec := &kgo.Record{
		Topic:     m.Topic,
		Key:       m.Key,
		Value:     m.Value,
		Timestamp: m.Timestamp,
	}
	for k, v := range m.Headers {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	return rec
}

func fromRecord(rec *kgo.Record) *Message {
	m := &Message{
		Topic:     rec.Topic,
		Key:       rec.Key,
		Value:     rec.Value,
		Timestamp: rec.Timestamp,
		Partition: rec.Partition,
		Offset:    rec.Offset,
	}
	if len(rec.Headers) > 0 {
		m.Headers = make(map[string]string, len(rec.Headers))
		for _, h := range rec.Headers {
			m.Headers[h.Key] = string(h.Value)
		}
	}
	return m
}
