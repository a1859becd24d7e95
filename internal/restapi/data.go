package restapi

import (
	"net/http"
	"strings"
	"time"

	"algobridge/pkg/types"
)

// supportedIntervals is the history granularity menu. Broker adapters map
// these onto their own interval codes.
var supportedIntervals = map[string][]string{
	"seconds": {},
	"minutes": {"1m", "3m", "5m", "10m", "15m", "30m"},
	"hours":   {"1h"},
	"days":    {"D"},
	"weeks":   {"W"},
	"months":  {"M"},
}

type symbolRequest struct {
	keyed
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
}

func (q symbolRequest) ref() (string, types.Exchange) {
	return strings.ToUpper(q.Symbol), types.Exchange(strings.ToUpper(q.Exchange))
}

func (s *Server) quotes(w http.ResponseWriter, r *http.Request) {
	var req symbolRequest
	if _, err := s.authed(r, &req); err != nil {
		fail(w, err)
		return
	}
	sym, exch := req.ref()
	if _, err := s.Resolver.Resolve(r.Context(), sym, exch); err != nil {
		fail(w, err)
		return
	}
	quote, err := s.Live.Quote(r.Context(), sym, exch)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"data": map[string]any{
		"symbol":   quote.Symbol,
		"exchange": string(quote.Exchange),
		"ltp":      quote.LTP,
		"open":     quote.Open,
		"high":     quote.High,
		"low":      quote.Low,
		"close":    quote.Close,
		"volume":   quote.Volume,
	}})
}

func (s *Server) depth(w http.ResponseWriter, r *http.Request) {
	var req symbolRequest
	if _, err := s.authed(r, &req); err != nil {
		fail(w, err)
		return
	}
	sym, exch := req.ref()
	if _, err := s.Resolver.Resolve(r.Context(), sym, exch); err != nil {
		fail(w, err)
		return
	}
	d, err := s.Live.Depth(r.Context(), sym, exch)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"data": d})
}

type historyRequest struct {
	symbolRequest
	Interval string `json:"interval"`
	Bars     int    `json:"bars"`
}

func (q historyRequest) normalise() (string, int) {
	interval := q.Interval
	if interval == "" {
		interval = "5m"
	}
	bars := q.Bars
	if bars <= 0 {
		bars = 200
	}
	return interval, bars
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	var req historyRequest
	if _, err := s.authed(r, &req); err != nil {
		fail(w, err)
		return
	}
	sym, exch := req.ref()
	if _, err := s.Resolver.Resolve(r.Context(), sym, exch); err != nil {
		fail(w, err)
		return
	}
	interval, bars := req.normalise()
	candles, err := s.Live.History(r.Context(), sym, exch, interval, bars)
	if err != nil {
		fail(w, err)
		return
	}
	out := make([]map[string]any, len(candles))
	for i, c := range candles {
		out[i] = map[string]any{
			"timestamp": c.Time.Unix(),
			"open":      c.Open,
			"high":      c.High,
			"low":       c.Low,
			"close":     c.Close,
			"volume":    c.Volume,
		}
	}
	ok(w, map[string]any{"data": out})
}

// ticker is the charting-tool variant of history: the same candles in
// compact positional arrays, [unix, open, high, low, close, volume].
func (s *Server) ticker(w http.ResponseWriter, r *http.Request) {
	var req historyRequest
	if _, err := s.authed(r, &req); err != nil {
		fail(w, err)
		return
	}
	sym, exch := req.ref()
	if _, err := s.Resolver.Resolve(r.Context(), sym, exch); err != nil {
		fail(w, err)
		return
	}
	interval, bars := req.normalise()
	candles, err := s.Live.History(r.Context(), sym, exch, interval, bars)
	if err != nil {
		fail(w, err)
		return
	}
	rows := make([][]any, len(candles))
	for i, c := range candles {
		rows[i] = []any{c.Time.Unix(), c.Open, c.High, c.Low, c.Close, c.Volume}
	}
	ok(w, map[string]any{"data": rows})
}

func (s *Server) intervals(w http.ResponseWriter, r *http.Request) {
	var req keyed
	if _, err := s.authed(r, &req); err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"data": supportedIntervals})
}

type searchRequest struct {
	keyed
	Query    string `json:"query"`
	Exchange string `json:"exchange"`
	Limit    int    `json:"limit"`
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if _, err := s.authed(r, &req); err != nil {
		fail(w, err)
		return
	}
	matches := s.Resolver.Search(req.Query, req.Limit)
	if req.Exchange != "" {
		exch := types.Exchange(strings.ToUpper(req.Exchange))
		filtered := matches[:0]
		for _, m := range matches {
			if m.Exchange == exch {
				filtered = append(filtered, m)
			}
		}
		matches = filtered
	}
	ok(w, map[string]any{"data": matches})
}

type timingsRequest struct {
	keyed
	Date string `json:"date"` // YYYY-MM-DD, default today
}

func (s *Server) marketTimings(w http.ResponseWriter, r *http.Request) {
	var req timingsRequest
	if _, err := s.authed(r, &req); err != nil {
		fail(w, err)
		return
	}
	date := time.Now()
	if req.Date != "" {
		parsed, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			fail(w, types.NewAPIErrorf(types.ErrInvalidParameters, "want date YYYY-MM-DD, got %q", req.Date))
			return
		}
		date = parsed
	}
	ok(w, map[string]any{"data": s.Calendar.TimingsFor(date)})
}
