// Package market holds the trading calendar: per-exchange session windows
// in the configured market timezone. Weekends are closed; an exchange
// holiday table is deliberately out of scope.
package market

import (
	"fmt"
	"strings"
	"time"

	"algobridge/pkg/types"
)

// window is a session in minutes since midnight.
type window struct {
	open  int
	close int
}

// Calendar answers "is this exchange trading right now".
type Calendar struct {
	loc      *time.Location
	sessions map[types.Exchange]window
}

// Timing is one session window for a date, in epoch milliseconds.
type Timing struct {
	Exchange types.Exchange `json:"exchange"`
	OpenMs   int64          `json:"start"`
	CloseMs  int64          `json:"end"`
}

// New parses per-exchange "HH:MM-HH:MM" session strings.
func New(loc *time.Location, sessions map[string]string) (*Calendar, error) {
	c := &Calendar{loc: loc, sessions: make(map[types.Exchange]window, len(sessions))}
	for exch, span := range sessions {
		open, close, err := parseSpan(span)
		if err != nil {
			return nil, fmt.Errorf("session for %s: %w", exch, err)
		}
		c.sessions[types.Exchange(exch)] = window{open: open, close: close}
	}
	return c, nil
}

func parseSpan(span string) (int, int, error) {
	parts := strings.SplitN(span, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("want HH:MM-HH:MM, got %q", span)
	}
	open, err := clockMinutes(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, err
	}
	close, err := clockMinutes(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, err
	}
	if close <= open {
		return 0, 0, fmt.Errorf("close %q not after open %q", parts[1], parts[0])
	}
	return open, close, nil
}

func clockMinutes(hhmm string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("want HH:MM, got %q", hhmm)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("out of range: %q", hhmm)
	}
	return h*60 + m, nil
}

// IsOpen reports whether the exchange session covers t. The open minute is
// inclusive, the close minute exclusive: at 09:15:00 the market is open, at
// 09:14:59 it is not.
func (c *Calendar) IsOpen(exchange types.Exchange, t time.Time) bool {
	w, ok := c.sessions[exchange]
	if !ok {
		return false
	}
	local := t.In(c.loc)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false
	}
	minutes := local.Hour()*60 + local.Minute()
	return minutes >= w.open && minutes < w.close
}

// AnyOpen reports whether any configured exchange is trading at t.
func (c *Calendar) AnyOpen(t time.Time) bool {
	for exch := range c.sessions {
		if c.IsOpen(exch, t) {
			return true
		}
	}
	return false
}

// TimingsFor returns the session windows for a calendar date as epoch-ms
// pairs. Empty slice means every exchange is closed (weekend).
func (c *Calendar) TimingsFor(date time.Time) []Timing {
	local := date.In(c.loc)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return []Timing{}
	}
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)
	out := make([]Timing, 0, len(c.sessions))
	for exch, w := range c.sessions {
		out = append(out, Timing{
			Exchange: exch,
			OpenMs:   midnight.Add(time.Duration(w.open) * time.Minute).UnixMilli(),
			CloseMs:  midnight.Add(time.Duration(w.close) * time.Minute).UnixMilli(),
		})
	}
	return out
}

// Exchanges lists the configured exchange codes.
func (c *Calendar) Exchanges() []types.Exchange {
	out := make([]types.Exchange, 0, len(c.sessions))
	for exch := range c.sessions {
		out = append(out, exch)
	}
	return out
}
