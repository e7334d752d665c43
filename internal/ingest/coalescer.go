package ingest

import (
	"github.com/sawpanic/marketflow/internal/exchange"
	"github.com/sawpanic/marketflow/internal/schema"
)

// klineCoalescer holds the latest unconfirmed candle snapshot per
// (symbol, timeframe) for venues whose feeds carry no "final" flag.
// When a snapshot for a newer candle open arrives, the stored one can
// no longer change and is released downstream.
type klineCoalescer struct {
	open map[string]*schema.NormalizedEvent
}

func newKlineCoalescer() *klineCoalescer {
	return &klineCoalescer{open: make(map[string]*schema.NormalizedEvent)}
}

// Push feeds one parsed event through the coalescer and returns the
// events ready for delivery. Confirmed candles and non-candle events
// pass straight through; unconfirmed candles are buffered until rolled
// over by a later open.
func (c *klineCoalescer) Push(pe exchange.ParsedEvent) []*schema.NormalizedEvent {
	ev := pe.Event
	if ev.EventType != schema.EventOHLCV {
		return []*schema.NormalizedEvent{ev}
	}
	key := ev.Symbol + "|" + string(ev.TF)
	if pe.Final {
		// A confirmed candle supersedes any buffered snapshot of the
		// same bar.
		if held, ok := c.open[key]; ok && held.TSEvent <= ev.TSEvent {
			delete(c.open, key)
		}
		return []*schema.NormalizedEvent{ev}
	}
	held, ok := c.open[key]
	if !ok || held.TSEvent == ev.TSEvent {
		c.open[key] = ev
		return nil
	}
	if ev.TSEvent < held.TSEvent {
		// Late snapshot for an already rolled-over bar; drop it.
		return nil
	}
	c.open[key] = ev
	return []*schema.NormalizedEvent{held}
}

// Flush releases every buffered snapshot, used on session shutdown so
// partial candles are not lost.
func (c *klineCoalescer) Flush() []*schema.NormalizedEvent {
	if len(c.open) == 0 {
		return nil
	}
	out := make([]*schema.NormalizedEvent, 0, len(c.open))
	for _, ev := range c.open {
		out = append(out, ev)
	}
	c.open = make(map[string]*schema.NormalizedEvent)
	return out
}
