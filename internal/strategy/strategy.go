// Package strategy holds the user-configured strategy instances: where
// signals come from, when they are allowed to trade, how positions are
// sized, and the risk limits the monitor enforces over the result.
package strategy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"algobridge/pkg/types"
)

// Type identifies the signal source a strategy listens to.
type Type string

const (
	TypeWebhook     Type = "webhook"
	TypeChartink    Type = "chartink"
	TypePython      Type = "python"
	TypeTradingView Type = "tradingview"
	TypeScheduled   Type = "scheduled"
)

// SizingRule picks how signal quantity is computed.
type SizingRule string

const (
	SizeFixedQty   SizingRule = "fixed_qty"
	SizeFixedValue SizingRule = "fixed_value"
	SizePercent    SizingRule = "percent" // percent of allocated funds
)

// RiskLeg is a limit expressed as an absolute amount or a percentage of a
// base (allocated funds for portfolio legs, entry price for trade legs).
type RiskLeg struct {
	Value     decimal.Decimal `msgpack:"value" json:"value"`
	IsPercent bool            `msgpack:"is_percent" json:"is_percent"`
}

// Zero reports whether the leg is unset.
func (l RiskLeg) Zero() bool { return l.Value.Sign() == 0 }

// Amount resolves the leg against its base.
func (l RiskLeg) Amount(base decimal.Decimal) decimal.Decimal {
	if l.IsPercent {
		return base.Mul(l.Value).Div(decimal.NewFromInt(100))
	}
	return l.Value
}

// TrailingKind selects the trailing-stop arithmetic.
type TrailingKind string

const (
	TrailNone    TrailingKind = "none"
	TrailPoints  TrailingKind = "points"
	TrailPercent TrailingKind = "percent"
)

// TradeRisk is the per-trade exit policy the monitor arms on entry fill.
type TradeRisk struct {
	Enabled    bool            `msgpack:"enabled" json:"enabled"`
	StopLoss   RiskLeg         `msgpack:"stop_loss" json:"stop_loss"`
	Target     RiskLeg         `msgpack:"target" json:"target"`
	Trailing   TrailingKind    `msgpack:"trailing" json:"trailing"`
	TrailValue decimal.Decimal `msgpack:"trail_value" json:"trail_value"`
}

// PortfolioRisk is the strategy-wide exit policy, evaluated over the
// aggregate unrealised P&L of all the strategy's active trades.
type PortfolioRisk struct {
	Enabled  bool    `msgpack:"enabled" json:"enabled"`
	StopLoss RiskLeg `msgpack:"stop_loss" json:"stop_loss"`
	Target   RiskLeg `msgpack:"target" json:"target"`
	Trailing RiskLeg `msgpack:"trailing" json:"trailing"`
}

// Schedule bounds an intraday strategy's trading window.
type Schedule struct {
	Start     string         `msgpack:"start" json:"start"`           // "09:20"
	End       string         `msgpack:"end" json:"end"`               // "15:00"
	SquareOff string         `msgpack:"square_off" json:"square_off"` // "15:15"
	Weekdays  []time.Weekday `msgpack:"weekdays" json:"weekdays"`
}

// Instance is one configured strategy.
type Instance struct {
	ID     string `msgpack:"id" json:"id"`
	UserID string `msgpack:"user_id" json:"user_id"`
	Name   string `msgpack:"name" json:"name"`
	Type   Type   `msgpack:"type" json:"type"`

	Intraday bool     `msgpack:"intraday" json:"intraday"`
	Schedule Schedule `msgpack:"schedule" json:"schedule"`

	Exchange types.Exchange `msgpack:"exchange" json:"exchange"`
	Product  types.Product  `msgpack:"product" json:"product"`
	// Symbols is the scanner-style allow-map: SYMBOL:EXCHANGE keys. Empty
	// means signal-style, any resolvable symbol passes.
	Symbols map[string]bool `msgpack:"symbols" json:"symbols,omitempty"`

	AllocatedFunds   decimal.Decimal `msgpack:"allocated_funds" json:"allocated_funds"`
	Sizing           SizingRule      `msgpack:"sizing" json:"sizing"`
	SizingValue      decimal.Decimal `msgpack:"sizing_value" json:"sizing_value"`
	MaxOpenPositions int             `msgpack:"max_open_positions" json:"max_open_positions"`
	DailyLossLimit   decimal.Decimal `msgpack:"daily_loss_limit" json:"daily_loss_limit"`
	DayPnL           decimal.Decimal `msgpack:"day_pnl" json:"day_pnl"`

	TradeRisk     TradeRisk     `msgpack:"trade_risk" json:"trade_risk"`
	PortfolioRisk PortfolioRisk `msgpack:"portfolio_risk" json:"portfolio_risk"`

	DedupWindow time.Duration `msgpack:"dedup_window" json:"dedup_window"`

	WebhookID     string `msgpack:"webhook_id" json:"webhook_id"`
	WebhookSecret string `msgpack:"webhook_secret" json:"-"`

	Active bool `msgpack:"active" json:"active"`
	Panic  bool `msgpack:"panic" json:"panic"`
	// Walkforward routes the strategy's orders to the sandbox so a live
	// signal stream can be rehearsed without capital.
	Walkforward bool `msgpack:"walkforward" json:"walkforward"`

	CreatedAt time.Time `msgpack:"created_at" json:"created_at"`
	UpdatedAt time.Time `msgpack:"updated_at" json:"updated_at"`
}

// AcceptsSignals reports whether the gate chain may even start.
func (s *Instance) AcceptsSignals() bool { return s.Active && !s.Panic }

// AllowsSymbol applies the symbol-map gate for scanner-style strategies.
func (s *Instance) AllowsSymbol(symbol string, exchange types.Exchange) bool {
	if len(s.Symbols) == 0 {
		return true
	}
	return s.Symbols[types.SymbolKey(symbol, exchange)]
}

// WithinSchedule applies the weekday and intraday-window gate. Positional
// strategies always pass.
func (s *Instance) WithinSchedule(now time.Time) bool {
	if !s.Intraday {
		return true
	}
	if len(s.Schedule.Weekdays) > 0 {
		ok := false
		for _, wd := range s.Schedule.Weekdays {
			if now.Weekday() == wd {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	minutes := now.Hour()*60 + now.Minute()
	start, err := clockMinutes(s.Schedule.Start)
	if err != nil {
		return false
	}
	end, err := clockMinutes(s.Schedule.End)
	if err != nil {
		return false
	}
	return minutes >= start && minutes <= end
}

// Qty sizes a signal at the given LTP, rounded down to whole lots.
// Returns 0 when the rule cannot afford a single lot.
func (s *Instance) Qty(ltp decimal.Decimal, lotSize int) int {
	if lotSize <= 0 {
		lotSize = 1
	}
	switch s.Sizing {
	case SizeFixedQty:
		q := int(s.SizingValue.IntPart())
		return q - q%lotSize
	case SizeFixedValue:
		if ltp.Sign() <= 0 {
			return 0
		}
		q := int(s.SizingValue.Div(ltp).IntPart())
		return q - q%lotSize
	case SizePercent:
		if ltp.Sign() <= 0 {
			return 0
		}
		budget := s.AllocatedFunds.Mul(s.SizingValue).Div(decimal.NewFromInt(100))
		q := int(budget.Div(ltp).IntPart())
		return q - q%lotSize
	}
	return 0
}

// DailyLossBreached reports whether the current-day P&L has consumed the
// daily loss limit.
func (s *Instance) DailyLossBreached() bool {
	if s.DailyLossLimit.Sign() <= 0 {
		return false
	}
	return s.DayPnL.LessThanOrEqual(s.DailyLossLimit.Neg())
}

func clockMinutes(hhmm string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("want HH:MM, got %q", hhmm)
	}
	return h*60 + m, nil
}
