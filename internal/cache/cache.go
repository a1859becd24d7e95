// Package cache provides the pluggable key/value store the engine persists
// its state through: auth grants, symbol tables, strategies, active trades,
// scheduled alerts and sandbox books.
//
// Three backends implement one interface:
//
//   - memory: bounded LRU with per-item TTL (tests, single-process dev)
//   - disk:   sqlite in WAL mode, one database file per namespace
//   - redis:  remote KV with an "openalgo:" key prefix (multi-instance)
//
// Two wrappers compose over any backend: Encrypted applies authenticated
// encryption to designated namespaces, Audited logs every operation.
// Values are opaque byte strings; Namespace adds a msgpack object codec on
// top for callers that store structs.
package cache

import (
	"context"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Logical namespaces. Used as key prefixes on every backend.
const (
	NSAuth     = "auth"
	NSAPIKeys  = "api_keys"
	NSTokens   = "tokens"
	NSSymbols  = "symbols"
	NSSettings = "settings"

	NSStrategies   = "strategies"
	NSActiveTrades = "active_trades"
	NSAlerts       = "scheduled_alerts"
	NSTriggers     = "trigger_history"

	NSSandboxFunds     = "sandbox_funds"
	NSSandboxPositions = "sandbox_positions"
	NSSandboxOrders    = "sandbox_orders"
	NSSandboxTrades    = "sandbox_trades"
)

// EncryptedNamespaces lists the namespaces the encryption wrapper applies to.
var EncryptedNamespaces = []string{NSAuth, NSAPIKeys, NSTokens}

// NoTTL means the item never expires.
const NoTTL time.Duration = 0

// Backend is the storage contract. Keys are "namespace:key" strings; values
// are opaque bytes. Get on a missing or expired key returns found=false with
// a nil error. Concurrent Set on the same key is last-writer-wins.
type Backend interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	GetMany(ctx context.Context, keys []string) (map[string][]byte, error)
	SetMany(ctx context.Context, items map[string][]byte, ttl time.Duration) error
	// Items returns every live key/value under the prefix. Used for recovery.
	Items(ctx context.Context, prefix string) (map[string][]byte, error)
	Clear(ctx context.Context, prefix string) error
	Size(ctx context.Context, prefix string) (int, error)
	Close() error
}

// Join builds a full backend key from a namespace and an item key.
func Join(namespace, key string) string { return namespace + ":" + key }

// SplitNamespace returns the namespace prefix of a full key.
func SplitNamespace(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}

// Namespace is a caller-facing view of one logical cache. It prefixes keys
// and adds a msgpack codec for struct values.
type Namespace struct {
	name string
	b    Backend
}

// NewNamespace binds a logical cache name to a backend.
func NewNamespace(b Backend, name string) *Namespace {
	return &Namespace{name: name, b: b}
}

// Name returns the namespace name.
func (n *Namespace) Name() string { return n.name }

func (n *Namespace) key(k string) string { return Join(n.name, k) }

func (n *Namespace) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return n.b.Get(ctx, n.key(key))
}

func (n *Namespace) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return n.b.Set(ctx, n.key(key), value, ttl)
}

func (n *Namespace) Delete(ctx context.Context, key string) error {
	return n.b.Delete(ctx, n.key(key))
}

func (n *Namespace) Exists(ctx context.Context, key string) (bool, error) {
	return n.b.Exists(ctx, n.key(key))
}

func (n *Namespace) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = n.key(k)
	}
	raw, err := n.b.GetMany(ctx, full)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(raw))
	for k, v := range raw {
		out[strings.TrimPrefix(k, n.name+":")] = v
	}
	return out, nil
}

func (n *Namespace) SetMany(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	full := make(map[string][]byte, len(items))
	for k, v := range items {
		full[n.key(k)] = v
	}
	return n.b.SetMany(ctx, full, ttl)
}

// Items returns all live entries in the namespace, keyed without the prefix.
func (n *Namespace) Items(ctx context.Context) (map[string][]byte, error) {
	raw, err := n.b.Items(ctx, n.name+":")
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(raw))
	for k, v := range raw {
		out[strings.TrimPrefix(k, n.name+":")] = v
	}
	return out, nil
}

func (n *Namespace) Clear(ctx context.Context) error {
	return n.b.Clear(ctx, n.name+":")
}

func (n *Namespace) Size(ctx context.Context) (int, error) {
	return n.b.Size(ctx, n.name+":")
}

// SetObject msgpack-encodes v and stores it.
func (n *Namespace) SetObject(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	return n.Set(ctx, key, data, ttl)
}

// GetObject loads and msgpack-decodes into out. Returns found=false on miss.
func (n *Namespace) GetObject(ctx context.Context, key string, out any) (bool, error) {
	data, found, err := n.Get(ctx, key)
	if err != nil || !found {
		return found, err
	}
	return true, msgpack.Unmarshal(data, out)
}
