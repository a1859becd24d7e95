package symbols

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"algobridge/pkg/types"
)

// Wire symbol format:
//
//	equity:  RELIANCE
//	index:   NIFTY (on *_INDEX exchanges)
//	future:  NIFTY27JAN26FUT
//	option:  NIFTY27JAN2624000CE
var (
	futureRe = regexp.MustCompile(`^([A-Z][A-Z0-9&-]*?)(\d{2}[A-Z]{3}\d{2})FUT$`)
	optionRe = regexp.MustCompile(`^([A-Z][A-Z0-9&-]*?)(\d{2}[A-Z]{3}\d{2})(\d+(?:\.\d+)?)(CE|PE)$`)
	expiryRe = regexp.MustCompile(`^\d{2}[A-Z]{3}\d{2}$`)
)

// Parsed is the decomposition of a wire symbol.
type Parsed struct {
	Base       string
	Expiry     string // DDMMMYY, empty for cash symbols
	Strike     decimal.Decimal
	OptionType string // CE or PE, empty otherwise
	Instrument types.InstrumentType
}

// Parse decomposes a wire symbol. Bare names parse as equity; exchange
// context (index exchanges) is the caller's concern.
func Parse(symbol string) (Parsed, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return Parsed{}, fmt.Errorf("empty symbol")
	}

	if m := optionRe.FindStringSubmatch(s); m != nil {
		strike, err := decimal.NewFromString(m[3])
		if err != nil {
			return Parsed{}, fmt.Errorf("bad strike in %q: %w", symbol, err)
		}
		return Parsed{
			Base:       m[1],
			Expiry:     m[2],
			Strike:     strike,
			OptionType: m[4],
			Instrument: types.InstrumentOption,
		}, nil
	}

	if m := futureRe.FindStringSubmatch(s); m != nil {
		return Parsed{
			Base:       m[1],
			Expiry:     m[2],
			Instrument: types.InstrumentFuture,
		}, nil
	}

	return Parsed{Base: s, Instrument: types.InstrumentEquity}, nil
}

// Future builds the wire symbol for a future contract.
func Future(base, expiry string) (string, error) {
	if err := checkExpiry(expiry); err != nil {
		return "", err
	}
	return strings.ToUpper(base) + strings.ToUpper(expiry) + "FUT", nil
}

// Option builds the wire symbol for an option contract.
func Option(base, expiry string, strike decimal.Decimal, optType string) (string, error) {
	if err := checkExpiry(expiry); err != nil {
		return "", err
	}
	optType = strings.ToUpper(optType)
	if optType != "CE" && optType != "PE" {
		return "", fmt.Errorf("option type must be CE or PE, got %q", optType)
	}
	if strike.Sign() <= 0 {
		return "", fmt.Errorf("strike must be > 0")
	}
	return strings.ToUpper(base) + strings.ToUpper(expiry) + strike.String() + optType, nil
}

func checkExpiry(expiry string) error {
	if !expiryRe.MatchString(strings.ToUpper(expiry)) {
		return fmt.Errorf("expiry must be DDMMMYY, got %q", expiry)
	}
	return nil
}
