// Package symbols maintains the per-broker symbol table and resolves
// openalgo symbols to broker symbols, tokens and contract metadata.
//
// The active table is an immutable snapshot swapped atomically on rotation;
// readers holding a snapshot are never invalidated mid-read. Batched
// resolution (ResolveMany) is the contract basket-order callers must use:
// it checks the in-process snapshot first, issues one batched cache query
// for the misses, and writes both into an overlay so repeat lookups stay
// in-process.
package symbols

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"algobridge/internal/cache"
	"algobridge/pkg/types"
)

// table is one immutable generation of the symbol universe.
type table struct {
	broker       string
	byKey        map[string]types.SymbolRecord // SYMBOL:EXCHANGE
	byToken      map[string]types.SymbolRecord // token:broker-exchange
	byUnderlying map[string][]types.SymbolRecord
	rotatedAt    time.Time
}

// Resolver owns the active symbol table for a broker.
type Resolver struct {
	ns     *cache.Namespace
	logger *slog.Logger

	snap atomic.Pointer[table]

	// overlay holds records resolved from the cache after a snapshot miss.
	// Cleared on rotation.
	overlayMu sync.RWMutex
	overlay   map[string]types.SymbolRecord
}

// NewResolver creates a resolver backed by the symbols cache namespace.
func NewResolver(ns *cache.Namespace, logger *slog.Logger) *Resolver {
	r := &Resolver{
		ns:      ns,
		logger:  logger.With("component", "symbols"),
		overlay: make(map[string]types.SymbolRecord),
	}
	r.snap.Store(&table{
		byKey:        map[string]types.SymbolRecord{},
		byToken:      map[string]types.SymbolRecord{},
		byUnderlying: map[string][]types.SymbolRecord{},
	})
	return r
}

// Resolve looks up a single (symbol, exchange) pair.
func (r *Resolver) Resolve(ctx context.Context, symbol string, exchange types.Exchange) (types.SymbolRecord, error) {
	out, err := r.ResolveMany(ctx, []SymbolRef{{Symbol: symbol, Exchange: exchange}})
	if err != nil {
		return types.SymbolRecord{}, err
	}
	rec, ok := out[types.SymbolKey(symbol, exchange)]
	if !ok {
		return types.SymbolRecord{}, types.NewAPIErrorf(types.ErrSymbolNotFound,
			"unknown symbol %s on %s; a master-contract refresh may be needed", symbol, exchange)
	}
	return rec, nil
}

// SymbolRef names one lookup in a batch.
type SymbolRef struct {
	Symbol   string
	Exchange types.Exchange
}

// ResolveMany resolves a batch of symbols with one cache round trip for the
// misses. The result map is keyed by types.SymbolKey; absent entries are
// unknown symbols (caller decides how to surface that).
func (r *Resolver) ResolveMany(ctx context.Context, refs []SymbolRef) (map[string]types.SymbolRecord, error) {
	snap := r.snap.Load()
	out := make(map[string]types.SymbolRecord, len(refs))
	var misses []string

	r.overlayMu.RLock()
	for _, ref := range refs {
		key := types.SymbolKey(ref.Symbol, ref.Exchange)
		if rec, ok := snap.byKey[key]; ok {
			out[key] = rec
			continue
		}
		if rec, ok := r.overlay[key]; ok {
			out[key] = rec
			continue
		}
		misses = append(misses, key)
	}
	r.overlayMu.RUnlock()

	if len(misses) == 0 {
		return out, nil
	}

	// One batched query for all misses.
	raw, err := r.ns.GetMany(ctx, misses)
	if err != nil {
		return nil, fmt.Errorf("symbol cache lookup: %w", err)
	}

	r.overlayMu.Lock()
	for key, data := range raw {
		var rec types.SymbolRecord
		if err := msgpack.Unmarshal(data, &rec); err != nil {
			r.logger.Error("corrupt symbol record", "key", key, "error", err)
			continue
		}
		r.overlay[key] = rec
		out[key] = rec
	}
	r.overlayMu.Unlock()

	return out, nil
}

// Reverse maps a broker token back to the symbol record.
func (r *Resolver) Reverse(token string, brokerExchange string) (types.SymbolRecord, bool) {
	rec, ok := r.snap.Load().byToken[token+":"+brokerExchange]
	return rec, ok
}

// OptionChain returns every option on the underlying for the expiry,
// sorted by strike then CE before PE.
func (r *Resolver) OptionChain(underlying string, exchange types.Exchange, expiry string) []types.SymbolRecord {
	snap := r.snap.Load()
	all := snap.byUnderlying[strings.ToUpper(underlying)]
	var out []types.SymbolRecord
	for _, rec := range all {
		if rec.Instrument == types.InstrumentOption && rec.Exchange == exchange && rec.Expiry == expiry {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Strike.Equal(out[j].Strike) {
			return out[i].Strike.LessThan(out[j].Strike)
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Search returns up to limit records whose symbol contains the query,
// prefix matches ranked first.
func (r *Resolver) Search(query string, limit int) []types.SymbolRecord {
	if limit <= 0 {
		limit = 20
	}
	q := strings.ToUpper(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	snap := r.snap.Load()

	var prefix, contains []types.SymbolRecord
	for _, rec := range snap.byKey {
		upper := strings.ToUpper(rec.Symbol)
		switch {
		case strings.HasPrefix(upper, q):
			prefix = append(prefix, rec)
		case strings.Contains(upper, q):
			contains = append(contains, rec)
		}
	}
	sort.Slice(prefix, func(i, j int) bool { return prefix[i].Symbol < prefix[j].Symbol })
	sort.Slice(contains, func(i, j int) bool { return contains[i].Symbol < contains[j].Symbol })

	out := append(prefix, contains...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Rotate atomically replaces the symbol table for a broker. The previous
// table stays active if persistence fails, so trading is never blocked by
// a failed master-contract download.
func (r *Resolver) Rotate(ctx context.Context, broker string, records []types.SymbolRecord) error {
	if len(records) == 0 {
		r.logger.Warn("rotation skipped: empty contract set, previous table stays active", "broker", broker)
		return fmt.Errorf("empty contract set for %s", broker)
	}

	next := &table{
		broker:       broker,
		byKey:        make(map[string]types.SymbolRecord, len(records)),
		byToken:      make(map[string]types.SymbolRecord, len(records)),
		byUnderlying: make(map[string][]types.SymbolRecord),
		rotatedAt:    time.Now(),
	}
	items := make(map[string][]byte, len(records))
	for _, rec := range records {
		key := rec.Key()
		next.byKey[key] = rec
		next.byToken[rec.Token+":"+string(rec.Exchange)] = rec
		if rec.Instrument == types.InstrumentFuture || rec.Instrument == types.InstrumentOption {
			base := strings.ToUpper(baseOf(rec))
			next.byUnderlying[base] = append(next.byUnderlying[base], rec)
		}
		data, err := msgpack.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode symbol %s: %w", key, err)
		}
		items[key] = data
	}

	if err := r.ns.Clear(ctx); err != nil {
		r.logger.Warn("rotation could not clear stale cache entries", "broker", broker, "error", err)
	}
	if err := r.ns.SetMany(ctx, items, cache.NoTTL); err != nil {
		return fmt.Errorf("persist symbol table: %w", err)
	}

	r.snap.Store(next)
	r.overlayMu.Lock()
	r.overlay = make(map[string]types.SymbolRecord)
	r.overlayMu.Unlock()

	r.logger.Info("symbol table rotated",
		"broker", broker,
		"contracts", len(records),
		"checksum", tableChecksum(next),
	)
	return nil
}

// Count returns the number of records in the active snapshot.
func (r *Resolver) Count() int { return len(r.snap.Load().byKey) }

// baseOf extracts the underlying name from a derivative record.
func baseOf(rec types.SymbolRecord) string {
	if parsed, err := Parse(rec.Symbol); err == nil {
		return parsed.Base
	}
	return rec.Symbol
}

// tableChecksum hashes the sorted key set so rotations are comparable in logs.
func tableChecksum(t *table) string {
	keys := make([]string, 0, len(t.byKey))
	for k := range t.byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := fnv.New64a()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
