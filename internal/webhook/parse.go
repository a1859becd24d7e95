// Package webhook ingests external strategy signals: TradingView-style
// structured alerts and Chartink-style scanner alerts. Payloads are
// normalised into order intents, pushed through the strategy gate chain,
// and forwarded to the order router.
package webhook

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"algobridge/pkg/types"
)

// Signal is one normalised instruction extracted from a webhook body.
type Signal struct {
	Symbol   string
	Exchange types.Exchange
	Keyword  Keyword
	Quantity int             // 0 = size by strategy rule
	Price    decimal.Decimal // scanner trigger price, informational
}

// Keyword is the trade instruction embedded in a signal.
type Keyword string

const (
	KeywordBuy   Keyword = "BUY"   // open long
	KeywordSell  Keyword = "SELL"  // close long
	KeywordShort Keyword = "SHORT" // open short
	KeywordCover Keyword = "COVER" // close short
)

// IsEntry reports whether the keyword opens a position.
func (k Keyword) IsEntry() bool { return k == KeywordBuy || k == KeywordShort }

// Action returns the order direction for an entry keyword.
func (k Keyword) Action() types.Action {
	if k == KeywordBuy || k == KeywordCover {
		return types.ActionBuy
	}
	return types.ActionSell
}

// Side returns the trade side an entry keyword opens.
func (k Keyword) Side() types.TradeSide {
	if k == KeywordBuy {
		return types.SideLong
	}
	return types.SideShort
}

// tradingViewPayload is the structured alert shape.
type tradingViewPayload struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
	Action   string `json:"action"`
	Quantity int    `json:"quantity"`
	Price    string `json:"price"`
}

// chartinkPayload is the scanner alert shape: a comma-joined stock list and
// the instruction embedded in the scan name.
type chartinkPayload struct {
	ScanName      string `json:"scan_name"`
	AlertName     string `json:"alert_name"`
	Stocks        string `json:"stocks"`
	TriggerPrices string `json:"trigger_prices"`
	TriggeredAt   string `json:"triggered_at"`
}

// Parse normalises a webhook body into signals. defaultExchange applies to
// scanner payloads, which never carry one.
func Parse(body []byte, defaultExchange types.Exchange) ([]Signal, error) {
	var tv tradingViewPayload
	if err := json.Unmarshal(body, &tv); err != nil {
		return nil, types.NewAPIErrorf(types.ErrInvalidParameters, "unparseable webhook body: %v", err)
	}
	if tv.Symbol != "" && tv.Action != "" {
		return parseTradingView(tv)
	}

	var ci chartinkPayload
	if err := json.Unmarshal(body, &ci); err != nil {
		return nil, types.NewAPIErrorf(types.ErrInvalidParameters, "unparseable webhook body: %v", err)
	}
	if ci.Stocks != "" {
		return parseChartink(ci, defaultExchange)
	}
	return nil, types.NewAPIError(types.ErrInvalidParameters, "webhook body matches no known alert shape")
}

func parseTradingView(p tradingViewPayload) ([]Signal, error) {
	kw, err := keywordFrom(p.Action)
	if err != nil {
		return nil, err
	}
	exch := types.Exchange(strings.ToUpper(p.Exchange))
	if !types.ValidExchange(exch) {
		return nil, types.NewAPIErrorf(types.ErrInvalidParameters, "unknown exchange %q", p.Exchange)
	}
	sig := Signal{
		Symbol:   strings.ToUpper(strings.TrimSpace(p.Symbol)),
		Exchange: exch,
		Keyword:  kw,
		Quantity: p.Quantity,
	}
	if p.Price != "" {
		if d, err := decimal.NewFromString(p.Price); err == nil {
			sig.Price = d
		}
	}
	return []Signal{sig}, nil
}

func parseChartink(p chartinkPayload, defaultExchange types.Exchange) ([]Signal, error) {
	name := p.ScanName
	if name == "" {
		name = p.AlertName
	}
	kw, err := scanKeyword(name)
	if err != nil {
		return nil, err
	}

	stocks := strings.Split(p.Stocks, ",")
	prices := strings.Split(p.TriggerPrices, ",")
	signals := make([]Signal, 0, len(stocks))
	for i, raw := range stocks {
		symbol := strings.ToUpper(strings.TrimSpace(raw))
		if symbol == "" {
			continue
		}
		sig := Signal{Symbol: symbol, Exchange: defaultExchange, Keyword: kw}
		if i < len(prices) {
			if d, err := decimal.NewFromString(strings.TrimSpace(prices[i])); err == nil {
				sig.Price = d
			}
		}
		signals = append(signals, sig)
	}
	if len(signals) == 0 {
		return nil, types.NewAPIError(types.ErrInvalidParameters, "scanner alert carries no stocks")
	}
	return signals, nil
}

func keywordFrom(action string) (Keyword, error) {
	switch Keyword(strings.ToUpper(strings.TrimSpace(action))) {
	case KeywordBuy:
		return KeywordBuy, nil
	case KeywordSell:
		return KeywordSell, nil
	case KeywordShort:
		return KeywordShort, nil
	case KeywordCover:
		return KeywordCover, nil
	}
	return "", types.NewAPIErrorf(types.ErrInvalidParameters, "unknown action %q", action)
}

// scanKeyword extracts the instruction from a scan/alert name. Exactly one
// of the four keywords must appear; none or several is an error.
func scanKeyword(name string) (Keyword, error) {
	upper := strings.ToUpper(name)
	var found []Keyword
	for _, kw := range []Keyword{KeywordShort, KeywordCover, KeywordBuy, KeywordSell} {
		if containsWord(upper, string(kw)) {
			found = append(found, kw)
		}
	}
	switch len(found) {
	case 1:
		return found[0], nil
	case 0:
		return "", types.NewAPIErrorf(types.ErrInvalidParameters, "scan name %q carries no BUY/SELL/SHORT/COVER keyword", name)
	default:
		return "", types.NewAPIErrorf(types.ErrInvalidParameters, "scan name %q carries multiple keywords", name)
	}
}

// containsWord matches kw as a whole word so "COVERAGE" does not read as
// COVER.
func containsWord(s, kw string) bool {
	idx := 0
	for {
		i := strings.Index(s[idx:], kw)
		if i < 0 {
			return false
		}
		i += idx
		before := i == 0 || !isWordChar(s[i-1])
		after := i+len(kw) == len(s) || !isWordChar(s[i+len(kw)])
		if before && after {
			return true
		}
		idx = i + len(kw)
	}
}

func isWordChar(c byte) bool {
	return c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}
