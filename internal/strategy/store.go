package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"algobridge/internal/cache"
	"algobridge/pkg/types"
)

func decodeMsgpack(raw []byte, out any) error { return msgpack.Unmarshal(raw, out) }

// TradeRef is the slice of an active trade the safety gate reports.
type TradeRef struct {
	TradeID  string          `json:"trade_id"`
	Symbol   string          `json:"symbol"`
	Exchange types.Exchange  `json:"exchange"`
	Side     types.TradeSide `json:"side"`
	Qty      int             `json:"quantity"`
}

// TradeSource answers "which active trades belong to this strategy". The
// trade monitor provides it.
type TradeSource interface {
	ActiveTradesFor(strategyID string) []TradeRef
}

// Deletion safety-gate actions offered when active trades block a delete.
const (
	ActionCloseAllThenDelete = "close_all_then_delete"
	ActionStopMonitoring     = "stop_monitoring_keep_positions"
	ActionCancel             = "cancel"
)

// DeleteConflictError reports a delete blocked by active trades, with the
// choices the operator has.
type DeleteConflictError struct {
	StrategyID string     `json:"strategy_id"`
	Trades     []TradeRef `json:"active_trades"`
	Actions    []string   `json:"offered_actions"`
}

func (e *DeleteConflictError) Error() string {
	return fmt.Sprintf("strategy %s has %d active trades", e.StrategyID, len(e.Trades))
}

// Store owns strategy instances: in-memory maps for the hot path, mirrored
// to the cache as the recovery source of truth.
type Store struct {
	ns     *cache.Namespace
	logger *slog.Logger

	mu        sync.RWMutex
	byID      map[string]*Instance
	byWebhook map[string]string // webhook id -> strategy id
}

// NewStore binds the store to its cache namespace.
func NewStore(ns *cache.Namespace, logger *slog.Logger) *Store {
	return &Store{
		ns:        ns,
		logger:    logger.With("component", "strategy"),
		byID:      make(map[string]*Instance),
		byWebhook: make(map[string]string),
	}
}

// Load rebuilds the in-memory maps from the cache.
func (s *Store) Load(ctx context.Context) error {
	items, err := s.ns.Items(ctx)
	if err != nil {
		return fmt.Errorf("load strategies: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, raw := range items {
		var inst Instance
		if err := decodeMsgpack(raw, &inst); err != nil {
			s.logger.Warn("skipping corrupt strategy record", "id", id, "err", err)
			continue
		}
		s.byID[inst.ID] = &inst
		if inst.WebhookID != "" {
			s.byWebhook[inst.WebhookID] = inst.ID
		}
	}
	s.logger.Info("strategies loaded", "count", len(s.byID))
	return nil
}

// Create registers a new instance, assigning id and webhook credentials if
// absent.
func (s *Store) Create(ctx context.Context, inst *Instance) error {
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	if inst.WebhookID == "" {
		inst.WebhookID = uuid.NewString()
	}
	if inst.WebhookSecret == "" {
		inst.WebhookSecret = uuid.NewString()
	}
	if inst.DedupWindow <= 0 {
		inst.DedupWindow = 5 * time.Minute
	}
	inst.CreatedAt = time.Now()
	inst.UpdatedAt = inst.CreatedAt

	s.mu.Lock()
	if _, exists := s.byID[inst.ID]; exists {
		s.mu.Unlock()
		return types.NewAPIErrorf(types.ErrInvalidParameters, "strategy %s already exists", inst.ID)
	}
	s.byID[inst.ID] = inst
	s.byWebhook[inst.WebhookID] = inst.ID
	s.mu.Unlock()

	return s.persist(ctx, inst)
}

// Update overwrites mutable fields of an existing instance.
func (s *Store) Update(ctx context.Context, inst *Instance) error {
	s.mu.Lock()
	old, ok := s.byID[inst.ID]
	if !ok {
		s.mu.Unlock()
		return types.NewAPIErrorf(types.ErrInvalidParameters, "unknown strategy %s", inst.ID)
	}
	inst.CreatedAt = old.CreatedAt
	inst.UpdatedAt = time.Now()
	if old.WebhookID != inst.WebhookID {
		delete(s.byWebhook, old.WebhookID)
		s.byWebhook[inst.WebhookID] = inst.ID
	}
	s.byID[inst.ID] = inst
	s.mu.Unlock()

	return s.persist(ctx, inst)
}

// Get returns a copy of the instance.
func (s *Store) Get(id string) (Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.byID[id]
	if !ok {
		return Instance{}, false
	}
	return *inst, true
}

// GetByWebhook resolves the opaque webhook id on the inbound URL.
func (s *Store) GetByWebhook(webhookID string) (Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byWebhook[webhookID]
	if !ok {
		return Instance{}, false
	}
	inst, ok := s.byID[id]
	if !ok {
		return Instance{}, false
	}
	return *inst, true
}

// All returns every instance. Used by schedule sweeps.
func (s *Store) All() []Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Instance, 0, len(s.byID))
	for _, inst := range s.byID {
		out = append(out, *inst)
	}
	return out
}

// List returns the user's instances.
func (s *Store) List(userID string) []Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Instance
	for _, inst := range s.byID {
		if inst.UserID == userID {
			out = append(out, *inst)
		}
	}
	return out
}

// SetActive flips the active flag. Deactivation keeps existing trades under
// monitoring; only new signals stop.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	return s.mutate(ctx, id, func(inst *Instance) { inst.Active = active })
}

// SetPanic flips the panic flag.
func (s *Store) SetPanic(ctx context.Context, id string, on bool) error {
	return s.mutate(ctx, id, func(inst *Instance) { inst.Panic = on })
}

// AddDayPnL accumulates realised P&L into the strategy's daily counter.
func (s *Store) AddDayPnL(ctx context.Context, id string, pnl decimal.Decimal) error {
	return s.mutate(ctx, id, func(inst *Instance) { inst.DayPnL = inst.DayPnL.Add(pnl) })
}

func (s *Store) mutate(ctx context.Context, id string, f func(*Instance)) error {
	s.mu.Lock()
	inst, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return types.NewAPIErrorf(types.ErrInvalidParameters, "unknown strategy %s", id)
	}
	f(inst)
	inst.UpdatedAt = time.Now()
	cp := *inst
	s.mu.Unlock()
	return s.persist(ctx, &cp)
}

// Delete removes a strategy. With active trades attached it refuses and
// returns the safety-gate choices instead; the caller resolves the conflict
// and retries with force=true after closing or orphaning the trades.
func (s *Store) Delete(ctx context.Context, id string, trades TradeSource, force bool) error {
	s.mu.Lock()
	inst, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return types.NewAPIErrorf(types.ErrInvalidParameters, "unknown strategy %s", id)
	}
	if !force && trades != nil {
		if active := trades.ActiveTradesFor(id); len(active) > 0 {
			s.mu.Unlock()
			return &DeleteConflictError{
				StrategyID: id,
				Trades:     active,
				Actions:    []string{ActionCloseAllThenDelete, ActionStopMonitoring, ActionCancel},
			}
		}
	}
	delete(s.byID, id)
	delete(s.byWebhook, inst.WebhookID)
	s.mu.Unlock()

	if err := s.ns.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("strategy deleted", "id", id, "name", inst.Name)
	return nil
}

func (s *Store) persist(ctx context.Context, inst *Instance) error {
	if err := s.ns.SetObject(ctx, inst.ID, inst, cache.NoTTL); err != nil {
		return fmt.Errorf("persist strategy %s: %w", inst.ID, err)
	}
	return nil
}
