// Package risk gates order flow behind account-level guards: a manual
// kill switch, a daily drawdown cap, and a per-asset exposure limit
// with partial approval when only some headroom remains.
package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketflow/internal/metrics"
)

// Denial reasons.
const (
	ReasonKillSwitch = "KILL_SWITCH_ACTIVE"
	ReasonDrawdown   = "DAILY_MAX_DRAWDOWN_EXCEEDED"
	ReasonExposure   = "EXPOSURE_LIMIT_REACHED"
)

// Limits is the account risk profile.
type Limits struct {
	// MaxExposurePerAsset caps per-symbol notional as a fraction of
	// current equity.
	MaxExposurePerAsset float64 `yaml:"max_exposure_per_asset"`
	// DailyMaxDrawdown halts new orders once the intraday drawdown
	// from the day's peak equity reaches this fraction.
	DailyMaxDrawdown float64 `yaml:"daily_max_drawdown"`
	// EnableKillSwitch starts the controller with the kill switch
	// engaged.
	EnableKillSwitch bool `yaml:"enable_kill_switch"`
}

// DefaultLimits is the conservative profile: 10% per asset, 5% daily
// drawdown, kill switch released.
func DefaultLimits() Limits {
	return Limits{MaxExposurePerAsset: 0.10, DailyMaxDrawdown: 0.05}
}

// Decision is the outcome of one order evaluation. A denial is a
// normal outcome, not an error: Approved is false and Reason names
// the guard that fired. A partial approval has Approved true and
// Notional below the requested amount.
type Decision struct {
	Approved bool
	Notional float64
	Reason   string
}

// State is a point-in-time snapshot for status reporting.
type State struct {
	Equity     float64            `json:"equity"`
	PeakEquity float64            `json:"peak_equity"`
	Drawdown   float64            `json:"drawdown"`
	KillSwitch bool               `json:"kill_switch"`
	Exposure   map[string]float64 `json:"exposure"`
	Day        string             `json:"day"`
}

// Controller tracks equity, intraday peak and drawdown, and
// per-symbol exposure. The day bucket rolls over on UTC date change,
// resetting peak and drawdown. All methods are safe for concurrent
// use, though callers evaluating and then booking exposure must
// serialize that pair themselves.
type Controller struct {
	mu         sync.Mutex
	limits     Limits
	killSwitch bool
	equity     float64
	peak       float64
	drawdown   float64
	exposure   map[string]float64
	day        time.Time
	m          *metrics.Registry
}

// NewController validates the limits, filling zero values from the
// defaults.
func NewController(limits Limits, m *metrics.Registry) (*Controller, error) {
	def := DefaultLimits()
	if limits.MaxExposurePerAsset == 0 {
		limits.MaxExposurePerAsset = def.MaxExposurePerAsset
	}
	if limits.DailyMaxDrawdown == 0 {
		limits.DailyMaxDrawdown = def.DailyMaxDrawdown
	}
	if limits.MaxExposurePerAsset < 0 || limits.MaxExposurePerAsset > 1 {
		return nil, fmt.Errorf("risk: max_exposure_per_asset %.4f outside (0, 1]", limits.MaxExposurePerAsset)
	}
	if limits.DailyMaxDrawdown < 0 || limits.DailyMaxDrawdown >= 1 {
		return nil, fmt.Errorf("risk: daily_max_drawdown %.4f outside (0, 1)", limits.DailyMaxDrawdown)
	}
	return &Controller{
		limits:     limits,
		killSwitch: limits.EnableKillSwitch,
		exposure:   make(map[string]float64),
		m:          m,
	}, nil
}

// Limits returns the active profile.
func (c *Controller) Limits() Limits {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limits
}

// EvaluateOrder decides how much of the desired notional may be
// placed for symbol at time now. Guards fire in a fixed order: kill
// switch, then drawdown, then exposure headroom.
func (c *Controller) EvaluateOrder(symbol string, desiredNotional float64, now time.Time) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshDay(now)

	if c.killSwitch {
		return c.deny(symbol, ReasonKillSwitch)
	}
	if c.drawdown >= c.limits.DailyMaxDrawdown {
		return c.deny(symbol, ReasonDrawdown)
	}

	desired := math.Max(0, desiredNotional)
	allowed := math.Max(0, c.limits.MaxExposurePerAsset*c.equity-c.exposure[symbol])
	switch {
	case desired <= allowed:
		return Decision{Approved: true, Notional: desired}
	case allowed > 0:
		return Decision{Approved: true, Notional: allowed}
	default:
		return c.deny(symbol, ReasonExposure)
	}
}

// UpdateEquity records the account equity, advancing the intraday
// peak and drawdown monotonically within the current UTC day.
func (c *Controller) UpdateEquity(equity float64, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshDay(now)

	c.equity = equity
	if equity > c.peak {
		c.peak = equity
	}
	if c.peak > 0 {
		if dd := (c.peak - equity) / c.peak; dd > c.drawdown {
			c.drawdown = dd
		}
	}
}

// UpdateExposure sets the booked notional for symbol. Negative values
// clear the position.
func (c *Controller) UpdateExposure(symbol string, notional float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if notional <= 0 {
		delete(c.exposure, symbol)
		return
	}
	c.exposure[symbol] = notional
}

// Exposure reports the booked notional for symbol.
func (c *Controller) Exposure(symbol string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exposure[symbol]
}

// SetKillSwitch engages or releases the kill switch.
func (c *Controller) SetKillSwitch(active bool) {
	c.mu.Lock()
	changed := c.killSwitch != active
	c.killSwitch = active
	c.mu.Unlock()
	if changed {
		log.Warn().Bool("active", active).Msg("Risk kill switch toggled")
	}
}

// KillSwitchActive reports the switch state.
func (c *Controller) KillSwitchActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.killSwitch
}

// Snapshot copies the current state for status endpoints.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp := make(map[string]float64, len(c.exposure))
	for k, v := range c.exposure {
		exp[k] = v
	}
	day := ""
	if !c.day.IsZero() {
		day = c.day.Format("2006-01-02")
	}
	return State{
		Equity:     c.equity,
		PeakEquity: c.peak,
		Drawdown:   c.drawdown,
		KillSwitch: c.killSwitch,
		Exposure:   exp,
		Day:        day,
	}
}

// refreshDay rolls the day bucket when the UTC date changes: the peak
// restarts from current equity and the drawdown clears. Caller holds
// the lock.
func (c *Controller) refreshDay(now time.Time) {
	d := dateUTC(now)
	if d.Equal(c.day) {
		return
	}
	if !c.day.IsZero() {
		log.Info().
			Str("day", d.Format("2006-01-02")).
			Float64("equity", c.equity).
			Msg("Risk day bucket rolled over")
	}
	c.day = d
	c.peak = c.equity
	c.drawdown = 0
}

func dateUTC(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (c *Controller) deny(symbol, reason string) Decision {
	if c.m != nil {
		c.m.RiskDenials.WithLabelValues(reason).Inc()
	}
	log.Warn().Str("symbol", symbol).Str("reason", reason).Msg("Order denied by risk controller")
	return Decision{Reason: reason}
}
