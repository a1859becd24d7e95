package cache

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"context"
)

// Encrypted wraps a backend and applies authenticated encryption
// (XChaCha20-Poly1305) to values in designated namespaces. A value that
// fails to decrypt — wrong key, corrupt ciphertext — surfaces as absent
// with an error log, never as garbage plaintext.
type Encrypted struct {
	Backend
	aead       cipher.AEAD
	namespaces map[string]bool
	logger     *slog.Logger
}

// NewEncrypted builds the wrapper. key must be exactly 32 bytes.
func NewEncrypted(b Backend, key []byte, namespaces []string, logger *slog.Logger) (*Encrypted, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("cache encryption key: %w", err)
	}
	nsSet := make(map[string]bool, len(namespaces))
	for _, ns := range namespaces {
		nsSet[ns] = true
	}
	return &Encrypted{
		Backend:    b,
		aead:       aead,
		namespaces: nsSet,
		logger:     logger.With("component", "cache-crypto"),
	}, nil
}

func (e *Encrypted) protected(key string) bool {
	return e.namespaces[SplitNamespace(key)]
}

// seal encrypts with a random nonce prepended to the ciphertext.
func (e *Encrypted) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (e *Encrypted) open(sealed []byte) ([]byte, error) {
	ns := e.aead.NonceSize()
	if len(sealed) < ns {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	return e.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
}

func (e *Encrypted) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, found, err := e.Backend.Get(ctx, key)
	if err != nil || !found || !e.protected(key) {
		return value, found, err
	}
	plain, err := e.open(value)
	if err != nil {
		e.logger.Error("decrypt failed, treating as absent", "key", key, "error", err)
		return nil, false, nil
	}
	return plain, true, nil
}

func (e *Encrypted) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if e.protected(key) {
		sealed, err := e.seal(value)
		if err != nil {
			return err
		}
		value = sealed
	}
	return e.Backend.Set(ctx, key, value, ttl)
}

func (e *Encrypted) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	raw, err := e.Backend.GetMany(ctx, keys)
	if err != nil {
		return nil, err
	}
	for k, v := range raw {
		if !e.protected(k) {
			continue
		}
		plain, err := e.open(v)
		if err != nil {
			e.logger.Error("decrypt failed, treating as absent", "key", k, "error", err)
			delete(raw, k)
			continue
		}
		raw[k] = plain
	}
	return raw, nil
}

func (e *Encrypted) SetMany(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	out := make(map[string][]byte, len(items))
	for k, v := range items {
		if e.protected(k) {
			sealed, err := e.seal(v)
			if err != nil {
				return err
			}
			v = sealed
		}
		out[k] = v
	}
	return e.Backend.SetMany(ctx, out, ttl)
}

func (e *Encrypted) Items(ctx context.Context, prefix string) (map[string][]byte, error) {
	raw, err := e.Backend.Items(ctx, prefix)
	if err != nil {
		return nil, err
	}
	for k, v := range raw {
		if !e.protected(k) {
			continue
		}
		plain, err := e.open(v)
		if err != nil {
			e.logger.Error("decrypt failed, treating as absent", "key", k, "error", err)
			delete(raw, k)
			continue
		}
		raw[k] = plain
	}
	return raw, nil
}

// Audited wraps a backend and logs every operation at debug level without
// changing semantics. Applied outermost so it observes what callers see.
type Audited struct {
	Backend
	logger *slog.Logger
}

// NewAudited builds the audit wrapper.
func NewAudited(b Backend, logger *slog.Logger) *Audited {
	return &Audited{Backend: b, logger: logger.With("component", "cache-audit")}
}

func (a *Audited) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, found, err := a.Backend.Get(ctx, key)
	a.logger.Debug("cache op", "op", "get", "key", key, "hit", found, "error", err)
	return v, found, err
}

func (a *Audited) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := a.Backend.Set(ctx, key, value, ttl)
	a.logger.Debug("cache op", "op", "set", "key", key, "bytes", len(value), "ttl", ttl, "error", err)
	return err
}

func (a *Audited) Delete(ctx context.Context, key string) error {
	err := a.Backend.Delete(ctx, key)
	a.logger.Debug("cache op", "op", "delete", "key", key, "error", err)
	return err
}

func (a *Audited) SetMany(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	err := a.Backend.SetMany(ctx, items, ttl)
	a.logger.Debug("cache op", "op", "set_many", "count", len(items), "ttl", ttl, "error", err)
	return err
}

func (a *Audited) Clear(ctx context.Context, prefix string) error {
	err := a.Backend.Clear(ctx, prefix)
	a.logger.Debug("cache op", "op", "clear", "prefix", strings.TrimSuffix(prefix, ":"), "error", err)
	return err
}
