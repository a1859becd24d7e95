// Package alerts implements the scheduled-alert engine: price and
// indicator conditions evaluated against the live feed, with per-alert
// schedules, trigger modes, notification and optional order placement.
package alerts

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"algobridge/pkg/types"
)

// ConditionType enumerates what an alert watches for.
type ConditionType string

const (
	// Price vs a fixed level.
	CondCrossing     ConditionType = "crossing"
	CondCrossingUp   ConditionType = "crossing_up"
	CondCrossingDown ConditionType = "crossing_down"
	CondGreaterThan  ConditionType = "greater_than"
	CondLessThan     ConditionType = "less_than"

	// Price vs a channel.
	CondEnteringChannel ConditionType = "entering_channel"
	CondExitingChannel  ConditionType = "exiting_channel"
	CondInsideChannel   ConditionType = "inside_channel"
	CondOutsideChannel  ConditionType = "outside_channel"

	// Magnitude moves from the armed baseline price.
	CondMovingUp      ConditionType = "moving_up"
	CondMovingDown    ConditionType = "moving_down"
	CondMovingUpPct   ConditionType = "moving_up_pct"
	CondMovingDownPct ConditionType = "moving_down_pct"

	// Indicator crossings, computed over history candles.
	CondRSICrossingUp    ConditionType = "rsi_crossing_up"
	CondRSICrossingDown  ConditionType = "rsi_crossing_down"
	CondMACDCrossingUp   ConditionType = "macd_crossing_up"
	CondMACDCrossingDown ConditionType = "macd_crossing_down"
	CondMACrossingUp     ConditionType = "ma_crossing_up"
	CondMACrossingDown   ConditionType = "ma_crossing_down"
	CondPriceAboveMA     ConditionType = "price_above_ma"
	CondPriceBelowMA     ConditionType = "price_below_ma"
	CondBollingerUpper   ConditionType = "bollinger_upper_touch"
	CondBollingerLower   ConditionType = "bollinger_lower_touch"
	CondBollingerBreakUp ConditionType = "bollinger_breakout_up"
	CondBollingerBreakDn ConditionType = "bollinger_breakout_down"
	CondSupertrendFlipUp ConditionType = "supertrend_flip_up"
	CondSupertrendFlipDn ConditionType = "supertrend_flip_down"
	CondVWAPCrossingUp   ConditionType = "vwap_crossing_up"
	CondVWAPCrossingDown ConditionType = "vwap_crossing_down"

	// Volume.
	CondVolumeAbove ConditionType = "volume_above"
	CondVolumeSpike ConditionType = "volume_spike"

	// Wall clock.
	CondTimeAt      ConditionType = "time_at"
	CondMarketOpen  ConditionType = "market_open"
	CondMarketClose ConditionType = "market_close"
	CondInterval    ConditionType = "interval"
	CondCandleClose ConditionType = "candle_close"
)

// Condition is the watched predicate plus its parameters. Only the fields
// the type needs are read; the rest stay zero.
type Condition struct {
	Type ConditionType `json:"type" msgpack:"type"`

	Target decimal.Decimal `json:"target,omitempty" msgpack:"target"`
	Lower  decimal.Decimal `json:"lower,omitempty" msgpack:"lower"`
	Upper  decimal.Decimal `json:"upper,omitempty" msgpack:"upper"`

	Amount  decimal.Decimal `json:"amount,omitempty" msgpack:"amount"`
	Percent float64         `json:"percent,omitempty" msgpack:"percent"`

	Period     int     `json:"period,omitempty" msgpack:"period"`
	Level      float64 `json:"level,omitempty" msgpack:"level"`
	Fast       int     `json:"fast,omitempty" msgpack:"fast"`
	Slow       int     `json:"slow,omitempty" msgpack:"slow"`
	Signal     int     `json:"signal,omitempty" msgpack:"signal"`
	FastPeriod int     `json:"fast_period,omitempty" msgpack:"fast_period"`
	SlowPeriod int     `json:"slow_period,omitempty" msgpack:"slow_period"`
	MAType     string  `json:"ma_type,omitempty" msgpack:"ma_type"` // "sma" or "ema"
	StdDev     float64 `json:"std_dev,omitempty" msgpack:"std_dev"`
	Multiplier float64 `json:"multiplier,omitempty" msgpack:"multiplier"`

	VolumeThreshold int64 `json:"volume_threshold,omitempty" msgpack:"volume_threshold"`

	At       string `json:"at,omitempty" msgpack:"at"`             // "HH:MM" for time_at
	Interval string `json:"interval,omitempty" msgpack:"interval"` // candle interval for indicators; cadence for interval and candle_close
}

// TriggerMode controls repetition after the first fire.
type TriggerMode string

const (
	ModeOnce       TriggerMode = "once"
	ModeCooldown   TriggerMode = "cooldown"
	ModeContinuous TriggerMode = "continuous"
)

// Status is the alert lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusTriggered Status = "triggered"
	StatusExpired   Status = "expired"
	StatusDisabled  Status = "disabled"
)

// OrderSpec is the optional order an alert places when it fires.
type OrderSpec struct {
	Action    types.Action    `json:"action" msgpack:"action"`
	Quantity  int             `json:"quantity" msgpack:"quantity"`
	Product   types.Product   `json:"product" msgpack:"product"`
	PriceType types.PriceType `json:"price_type" msgpack:"price_type"`
	Price     decimal.Decimal `json:"price,omitempty" msgpack:"price"`
}

// Schedule limits when an alert is evaluated. Zero-value fields impose no
// limit.
type Schedule struct {
	StartDate       time.Time      `json:"start_date,omitempty" msgpack:"start_date"`
	EndDate         time.Time      `json:"end_date,omitempty" msgpack:"end_date"`
	StartTime       string         `json:"start_time,omitempty" msgpack:"start_time"` // "HH:MM"
	EndTime         string         `json:"end_time,omitempty" msgpack:"end_time"`
	Weekdays        []time.Weekday `json:"weekdays,omitempty" msgpack:"weekdays"`
	MarketHoursOnly bool           `json:"market_hours_only" msgpack:"market_hours_only"`
}

// Alert is one configured watch.
type Alert struct {
	ID       string         `json:"id" msgpack:"id"`
	UserID   string         `json:"user_id" msgpack:"user_id"`
	Name     string         `json:"name" msgpack:"name"`
	Symbol   string         `json:"symbol" msgpack:"symbol"`
	Exchange types.Exchange `json:"exchange" msgpack:"exchange"`

	Condition Condition `json:"condition" msgpack:"condition"`
	Schedule  Schedule  `json:"schedule" msgpack:"schedule"`

	Mode        TriggerMode `json:"trigger_mode" msgpack:"trigger_mode"`
	Cooldown    int         `json:"cooldown_minutes,omitempty" msgpack:"cooldown_minutes"`
	MaxTriggers int         `json:"max_triggers,omitempty" msgpack:"max_triggers"` // 0 = unlimited

	Notify bool       `json:"notify" msgpack:"notify"`
	Order  *OrderSpec `json:"order,omitempty" msgpack:"order"`

	Status          Status          `json:"status" msgpack:"status"`
	Baseline        decimal.Decimal `json:"baseline,omitempty" msgpack:"baseline"` // armed price for move conditions
	TriggerCount    int             `json:"trigger_count" msgpack:"trigger_count"`
	LastTriggeredAt time.Time       `json:"last_triggered_at,omitempty" msgpack:"last_triggered_at"`
	CreatedAt       time.Time       `json:"created_at" msgpack:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" msgpack:"updated_at"`
}

// Key returns the symbol key the alert watches.
func (a *Alert) Key() string { return types.SymbolKey(a.Symbol, a.Exchange) }

// RequiredMode is the minimum feed subscription the condition needs.
// Volume conditions read tick volume, which only quote mode carries.
func (a *Alert) RequiredMode() types.SubMode {
	switch a.Condition.Type {
	case CondVolumeAbove, CondVolumeSpike:
		return types.ModeQuote
	}
	return types.ModeLTP
}

// TimeBased reports whether the alert fires on the clock rather than ticks.
func (a *Alert) TimeBased() bool {
	switch a.Condition.Type {
	case CondTimeAt, CondMarketOpen, CondMarketClose, CondInterval, CondCandleClose:
		return true
	}
	return false
}

// TriggerRecord is the durable audit entry for one fire.
type TriggerRecord struct {
	ID        string          `json:"id" msgpack:"id"`
	AlertID   string          `json:"alert_id" msgpack:"alert_id"`
	UserID    string          `json:"user_id" msgpack:"user_id"`
	Symbol    string          `json:"symbol" msgpack:"symbol"`
	Exchange  types.Exchange  `json:"exchange" msgpack:"exchange"`
	Condition ConditionType   `json:"condition" msgpack:"condition"`
	LTP       decimal.Decimal `json:"ltp" msgpack:"ltp"`
	Message   string          `json:"message" msgpack:"message"`
	At        time.Time       `json:"at" msgpack:"at"`
	OrderID   string          `json:"order_id,omitempty" msgpack:"order_id"`
	Test      bool            `json:"test,omitempty" msgpack:"test"`
}

// Validate rejects conditions missing their required parameters.
func (c Condition) Validate() error {
	bad := func(field string) error {
		return types.NewAPIErrorf(types.ErrInvalidParameters, "condition %s requires %s", c.Type, field)
	}
	switch c.Type {
	case CondCrossing, CondCrossingUp, CondCrossingDown, CondGreaterThan, CondLessThan:
		if c.Target.Sign() <= 0 {
			return bad("target > 0")
		}
	case CondEnteringChannel, CondExitingChannel, CondInsideChannel, CondOutsideChannel:
		if c.Lower.Sign() <= 0 || c.Upper.Cmp(c.Lower) <= 0 {
			return bad("0 < lower < upper")
		}
	case CondMovingUp, CondMovingDown:
		if c.Amount.Sign() <= 0 {
			return bad("amount > 0")
		}
	case CondMovingUpPct, CondMovingDownPct:
		if c.Percent <= 0 {
			return bad("percent > 0")
		}
	case CondRSICrossingUp, CondRSICrossingDown:
		if c.Period <= 0 || c.Level <= 0 {
			return bad("period and level")
		}
	case CondMACDCrossingUp, CondMACDCrossingDown:
		if c.Fast <= 0 || c.Slow <= c.Fast || c.Signal <= 0 {
			return bad("fast < slow and signal periods")
		}
	case CondMACrossingUp, CondMACrossingDown:
		if c.FastPeriod <= 0 || c.SlowPeriod <= c.FastPeriod {
			return bad("fast_period < slow_period")
		}
	case CondPriceAboveMA, CondPriceBelowMA:
		if c.Period <= 0 {
			return bad("period")
		}
	case CondBollingerUpper, CondBollingerLower, CondBollingerBreakUp, CondBollingerBreakDn:
		if c.Period <= 0 || c.StdDev <= 0 {
			return bad("period and std_dev")
		}
	case CondSupertrendFlipUp, CondSupertrendFlipDn:
		if c.Period <= 0 || c.Multiplier <= 0 {
			return bad("period and multiplier")
		}
	case CondVWAPCrossingUp, CondVWAPCrossingDown:
		// No parameters.
	case CondVolumeAbove:
		if c.VolumeThreshold <= 0 {
			return bad("volume_threshold")
		}
	case CondVolumeSpike:
		if c.Multiplier <= 1 || c.Period <= 0 {
			return bad("multiplier > 1 and period")
		}
	case CondTimeAt:
		var h, m int
		if _, err := fmt.Sscanf(c.At, "%d:%d", &h, &m); err != nil || h < 0 || h > 23 || m < 0 || m > 59 {
			return bad(`at "HH:MM"`)
		}
	case CondMarketOpen, CondMarketClose:
		// The alert's exchange names the market; no parameters.
	case CondInterval, CondCandleClose:
		if _, err := intervalMinutes(c.Interval); err != nil {
			return bad(`interval in whole minutes, like "5m" or "1h"`)
		}
	default:
		return types.NewAPIErrorf(types.ErrInvalidParameters, "unknown condition type %q", c.Type)
	}
	return nil
}

// covers reports whether the schedule admits evaluation at t.
func (s Schedule) covers(t time.Time) bool {
	if !s.StartDate.IsZero() && t.Before(s.StartDate) {
		return false
	}
	if len(s.Weekdays) > 0 {
		ok := false
		for _, d := range s.Weekdays {
			if t.Weekday() == d {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	minutes := t.Hour()*60 + t.Minute()
	if s.StartTime != "" {
		if start, err := clockMinutes(s.StartTime); err == nil && minutes < start {
			return false
		}
	}
	if s.EndTime != "" {
		if end, err := clockMinutes(s.EndTime); err == nil && minutes > end {
			return false
		}
	}
	return true
}

// expired reports whether the schedule's end date has passed.
func (s Schedule) expired(t time.Time) bool {
	return !s.EndDate.IsZero() && t.After(s.EndDate)
}

func clockMinutes(hhmm string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	return h*60 + m, nil
}

// intervalMinutes parses a whole-minute cadence string ("5m", "15m", "1h").
func intervalMinutes(s string) (int, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("bad interval %q", s)
	}
	if d < time.Minute || d%time.Minute != 0 {
		return 0, fmt.Errorf("bad interval %q", s)
	}
	return int(d / time.Minute), nil
}
