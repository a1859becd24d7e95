package alerts

import (
	"context"
	"fmt"

	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"

	"algobridge/internal/broker"
	"algobridge/pkg/types"
)

// HistoryFunc fetches candles for indicator conditions.
type HistoryFunc func(ctx context.Context, symbol string, exchange types.Exchange, interval string, bars int) ([]broker.Candle, error)

// state is the per-alert runtime memory edge detection needs. It lives in
// the engine, never in the persisted alert.
type state struct {
	hasPrev   bool
	prevPrice decimal.Decimal
	hasInside bool
	wasInside bool
	prevVol   int64
	hasVol    bool
}

// observe records the tick into the state after evaluation.
func (st *state) observe(tick types.Tick) {
	st.prevPrice = tick.LTP
	st.hasPrev = true
	if tick.Volume > 0 {
		st.prevVol = tick.Volume
		st.hasVol = true
	}
}

const defaultInterval = "5m"

// evaluate runs one condition against one tick. It mutates only the
// channel-membership bit of st; price/volume observation is the caller's
// job so a dry run can share the code.
func evaluate(ctx context.Context, a *Alert, st *state, tick types.Tick, hist HistoryFunc) (bool, string, error) {
	c := a.Condition
	cur := tick.LTP

	switch c.Type {
	case CondCrossingUp:
		return crossUp(st, cur, c.Target), fmt.Sprintf("%s crossed above %s (LTP %s)", a.Symbol, c.Target, cur), nil
	case CondCrossingDown:
		return crossDown(st, cur, c.Target), fmt.Sprintf("%s crossed below %s (LTP %s)", a.Symbol, c.Target, cur), nil
	case CondCrossing:
		fired := crossUp(st, cur, c.Target) || crossDown(st, cur, c.Target)
		return fired, fmt.Sprintf("%s crossed %s (LTP %s)", a.Symbol, c.Target, cur), nil
	case CondGreaterThan:
		return cur.Cmp(c.Target) > 0, fmt.Sprintf("%s above %s (LTP %s)", a.Symbol, c.Target, cur), nil
	case CondLessThan:
		return cur.Cmp(c.Target) < 0, fmt.Sprintf("%s below %s (LTP %s)", a.Symbol, c.Target, cur), nil

	case CondEnteringChannel, CondExitingChannel, CondInsideChannel, CondOutsideChannel:
		inside := cur.Cmp(c.Lower) >= 0 && cur.Cmp(c.Upper) <= 0
		was, had := st.wasInside, st.hasInside
		st.wasInside = inside
		st.hasInside = true
		msg := fmt.Sprintf("%s channel %s-%s (LTP %s)", a.Symbol, c.Lower, c.Upper, cur)
		switch c.Type {
		case CondEnteringChannel:
			return had && !was && inside, msg, nil
		case CondExitingChannel:
			return had && was && !inside, msg, nil
		case CondInsideChannel:
			return inside, msg, nil
		default:
			return !inside, msg, nil
		}

	case CondMovingUp:
		if a.Baseline.Sign() <= 0 {
			return false, "", nil
		}
		move := cur.Sub(a.Baseline)
		return move.Cmp(c.Amount) >= 0, fmt.Sprintf("%s moved up %s from %s", a.Symbol, move, a.Baseline), nil
	case CondMovingDown:
		if a.Baseline.Sign() <= 0 {
			return false, "", nil
		}
		move := a.Baseline.Sub(cur)
		return move.Cmp(c.Amount) >= 0, fmt.Sprintf("%s moved down %s from %s", a.Symbol, move, a.Baseline), nil
	case CondMovingUpPct:
		if a.Baseline.Sign() <= 0 {
			return false, "", nil
		}
		pct := cur.Sub(a.Baseline).Div(a.Baseline).Mul(decimal.NewFromInt(100))
		return pct.InexactFloat64() >= c.Percent, fmt.Sprintf("%s up %s%% from %s", a.Symbol, pct.Round(2), a.Baseline), nil
	case CondMovingDownPct:
		if a.Baseline.Sign() <= 0 {
			return false, "", nil
		}
		pct := a.Baseline.Sub(cur).Div(a.Baseline).Mul(decimal.NewFromInt(100))
		return pct.InexactFloat64() >= c.Percent, fmt.Sprintf("%s down %s%% from %s", a.Symbol, pct.Round(2), a.Baseline), nil

	case CondVolumeAbove:
		if tick.Volume <= 0 {
			return false, "", nil
		}
		fired := tick.Volume >= c.VolumeThreshold && (!st.hasVol || st.prevVol < c.VolumeThreshold)
		return fired, fmt.Sprintf("%s volume %d crossed %d", a.Symbol, tick.Volume, c.VolumeThreshold), nil

	case CondTimeAt:
		// Fired by the clock sweep, never by ticks.
		return false, "", nil
	}

	// Everything else needs candles.
	return evaluateIndicator(ctx, a, tick, hist)
}

func crossUp(st *state, cur, target decimal.Decimal) bool {
	return st.hasPrev && st.prevPrice.Cmp(target) <= 0 && cur.Cmp(target) > 0
}

func crossDown(st *state, cur, target decimal.Decimal) bool {
	return st.hasPrev && st.prevPrice.Cmp(target) >= 0 && cur.Cmp(target) < 0
}

// evaluateIndicator computes the indicator series over history and edge
// detects on its last two points, so engine restarts cannot double-fire.
func evaluateIndicator(ctx context.Context, a *Alert, tick types.Tick, hist HistoryFunc) (bool, string, error) {
	if hist == nil {
		return false, "", types.NewAPIError(types.ErrInvalidParameters, "indicator condition without history source")
	}
	c := a.Condition
	interval := c.Interval
	if interval == "" {
		interval = defaultInterval
	}
	bars := barsFor(c)
	candles, err := hist(ctx, a.Symbol, a.Exchange, interval, bars)
	if err != nil {
		return false, "", err
	}
	if len(candles) < minBars(c) {
		return false, "", nil
	}
	closes, highs, lows, vols := series(candles)
	n := len(closes)
	ltp := tick.LTP.InexactFloat64()

	switch c.Type {
	case CondRSICrossingUp, CondRSICrossingDown:
		rsi := talib.Rsi(closes, c.Period)
		prev, last := rsi[n-2], rsi[n-1]
		if c.Type == CondRSICrossingUp {
			return prev <= c.Level && last > c.Level, fmt.Sprintf("%s RSI(%d) crossed above %.1f (now %.1f)", a.Symbol, c.Period, c.Level, last), nil
		}
		return prev >= c.Level && last < c.Level, fmt.Sprintf("%s RSI(%d) crossed below %.1f (now %.1f)", a.Symbol, c.Period, c.Level, last), nil

	case CondMACDCrossingUp, CondMACDCrossingDown:
		macd, sig, _ := talib.Macd(closes, c.Fast, c.Slow, c.Signal)
		up := macd[n-2] <= sig[n-2] && macd[n-1] > sig[n-1]
		down := macd[n-2] >= sig[n-2] && macd[n-1] < sig[n-1]
		if c.Type == CondMACDCrossingUp {
			return up, fmt.Sprintf("%s MACD(%d,%d,%d) crossed above signal", a.Symbol, c.Fast, c.Slow, c.Signal), nil
		}
		return down, fmt.Sprintf("%s MACD(%d,%d,%d) crossed below signal", a.Symbol, c.Fast, c.Slow, c.Signal), nil

	case CondMACrossingUp, CondMACrossingDown:
		fast := maSeries(closes, c.FastPeriod, c.MAType)
		slow := maSeries(closes, c.SlowPeriod, c.MAType)
		up := fast[n-2] <= slow[n-2] && fast[n-1] > slow[n-1]
		down := fast[n-2] >= slow[n-2] && fast[n-1] < slow[n-1]
		if c.Type == CondMACrossingUp {
			return up, fmt.Sprintf("%s MA(%d) crossed above MA(%d)", a.Symbol, c.FastPeriod, c.SlowPeriod), nil
		}
		return down, fmt.Sprintf("%s MA(%d) crossed below MA(%d)", a.Symbol, c.FastPeriod, c.SlowPeriod), nil

	case CondPriceAboveMA, CondPriceBelowMA:
		ma := maSeries(closes, c.Period, c.MAType)
		if c.Type == CondPriceAboveMA {
			return closes[n-2] <= ma[n-2] && ltp > ma[n-1], fmt.Sprintf("%s crossed above MA(%d) %.2f", a.Symbol, c.Period, ma[n-1]), nil
		}
		return closes[n-2] >= ma[n-2] && ltp < ma[n-1], fmt.Sprintf("%s crossed below MA(%d) %.2f", a.Symbol, c.Period, ma[n-1]), nil

	case CondBollingerUpper, CondBollingerBreakUp:
		upper, _, _ := talib.BBands(closes, c.Period, c.StdDev, c.StdDev, talib.SMA)
		fired := closes[n-2] <= upper[n-2] && ltp >= upper[n-1]
		if c.Type == CondBollingerBreakUp {
			fired = closes[n-2] <= upper[n-2] && ltp > upper[n-1]
		}
		return fired, fmt.Sprintf("%s touched upper Bollinger(%d, %.1f) %.2f", a.Symbol, c.Period, c.StdDev, upper[n-1]), nil

	case CondBollingerLower, CondBollingerBreakDn:
		_, _, lower := talib.BBands(closes, c.Period, c.StdDev, c.StdDev, talib.SMA)
		fired := closes[n-2] >= lower[n-2] && ltp <= lower[n-1]
		if c.Type == CondBollingerBreakDn {
			fired = closes[n-2] >= lower[n-2] && ltp < lower[n-1]
		}
		return fired, fmt.Sprintf("%s touched lower Bollinger(%d, %.1f) %.2f", a.Symbol, c.Period, c.StdDev, lower[n-1]), nil

	case CondSupertrendFlipUp, CondSupertrendFlipDn:
		dirs := supertrendDirs(highs, lows, closes, c.Period, c.Multiplier)
		if len(dirs) < 2 {
			return false, "", nil
		}
		prev, last := dirs[len(dirs)-2], dirs[len(dirs)-1]
		if c.Type == CondSupertrendFlipUp {
			return prev < 0 && last > 0, fmt.Sprintf("%s Supertrend(%d, %.1f) flipped bullish", a.Symbol, c.Period, c.Multiplier), nil
		}
		return prev > 0 && last < 0, fmt.Sprintf("%s Supertrend(%d, %.1f) flipped bearish", a.Symbol, c.Period, c.Multiplier), nil

	case CondVWAPCrossingUp, CondVWAPCrossingDown:
		vwap := vwapSeries(highs, lows, closes, vols)
		if c.Type == CondVWAPCrossingUp {
			return closes[n-2] <= vwap[n-2] && ltp > vwap[n-1], fmt.Sprintf("%s crossed above VWAP %.2f", a.Symbol, vwap[n-1]), nil
		}
		return closes[n-2] >= vwap[n-2] && ltp < vwap[n-1], fmt.Sprintf("%s crossed below VWAP %.2f", a.Symbol, vwap[n-1]), nil

	case CondVolumeSpike:
		if n < c.Period+1 {
			return false, "", nil
		}
		var sum float64
		for _, v := range vols[n-1-c.Period : n-1] {
			sum += v
		}
		avg := sum / float64(c.Period)
		fired := avg > 0 && vols[n-1] >= avg*c.Multiplier
		return fired, fmt.Sprintf("%s volume spike %.0fx average", a.Symbol, vols[n-1]/max(avg, 1)), nil
	}

	return false, "", types.NewAPIErrorf(types.ErrInvalidParameters, "unknown condition type %q", c.Type)
}

func series(candles []broker.Candle) (closes, highs, lows, vols []float64) {
	closes = make([]float64, len(candles))
	highs = make([]float64, len(candles))
	lows = make([]float64, len(candles))
	vols = make([]float64, len(candles))
	for i, cd := range candles {
		closes[i] = cd.Close.InexactFloat64()
		highs[i] = cd.High.InexactFloat64()
		lows[i] = cd.Low.InexactFloat64()
		vols[i] = float64(cd.Volume)
	}
	return
}

func maSeries(closes []float64, period int, maType string) []float64 {
	if maType == "ema" {
		return talib.Ema(closes, period)
	}
	return talib.Sma(closes, period)
}

// supertrendDirs computes the Supertrend direction series: +1 bullish,
// -1 bearish, 0 before the ATR warms up.
func supertrendDirs(highs, lows, closes []float64, period int, mult float64) []int {
	n := len(closes)
	if n <= period {
		return nil
	}
	atr := talib.Atr(highs, lows, closes, period)

	dirs := make([]int, n)
	finalUpper := make([]float64, n)
	finalLower := make([]float64, n)
	for i := period; i < n; i++ {
		mid := (highs[i] + lows[i]) / 2
		upper := mid + mult*atr[i]
		lower := mid - mult*atr[i]

		if i == period {
			finalUpper[i], finalLower[i] = upper, lower
			dirs[i] = 1
			continue
		}
		if upper < finalUpper[i-1] || closes[i-1] > finalUpper[i-1] {
			finalUpper[i] = upper
		} else {
			finalUpper[i] = finalUpper[i-1]
		}
		if lower > finalLower[i-1] || closes[i-1] < finalLower[i-1] {
			finalLower[i] = lower
		} else {
			finalLower[i] = finalLower[i-1]
		}

		switch {
		case dirs[i-1] > 0 && closes[i] < finalLower[i]:
			dirs[i] = -1
		case dirs[i-1] < 0 && closes[i] > finalUpper[i]:
			dirs[i] = 1
		default:
			dirs[i] = dirs[i-1]
		}
	}
	return dirs[period:]
}

// vwapSeries is the running volume-weighted average price over the fetched
// window, using the typical price per candle.
func vwapSeries(highs, lows, closes, vols []float64) []float64 {
	out := make([]float64, len(closes))
	var pv, v float64
	for i := range closes {
		typical := (highs[i] + lows[i] + closes[i]) / 3
		pv += typical * vols[i]
		v += vols[i]
		if v > 0 {
			out[i] = pv / v
		}
	}
	return out
}

// barsFor sizes the history fetch so the slowest component warms up.
func barsFor(c Condition) int {
	need := c.Period
	if c.Slow > need {
		need = c.Slow
	}
	if c.SlowPeriod > need {
		need = c.SlowPeriod
	}
	if c.Signal > 0 {
		need += c.Signal
	}
	bars := need*3 + 10
	if bars < 60 {
		bars = 60
	}
	return bars
}

// minBars is the smallest candle count an indicator can evaluate on.
func minBars(c Condition) int {
	need := c.Period
	if c.Slow+c.Signal > need {
		need = c.Slow + c.Signal
	}
	if c.SlowPeriod > need {
		need = c.SlowPeriod
	}
	return need + 2
}
