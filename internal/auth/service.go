// Package auth validates API keys and maps them to broker credentials.
//
// Validation is O(1) through two caches: a positive cache of key-hash →
// AuthContext whose TTL expires at the next daily forced logout, and a
// short-TTL negative cache that bounds the cost of invalid-key probing.
// The positive cache lives in the shared (possibly distributed) cache so
// every instance observes the same forced expiry; the negative cache is
// per-process.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"algobridge/internal/cache"
	"algobridge/pkg/types"
)

// Context is the resolved identity for one API key.
type Context struct {
	UserID      string            `msgpack:"user_id"`
	Broker      string            `msgpack:"broker"`
	Credentials map[string]string `msgpack:"credentials"` // opaque broker tokens
	GrantedAt   time.Time         `msgpack:"granted_at"`
}

// Service is the API-key gate.
type Service struct {
	keys     *cache.Namespace // api_keys: hash -> Context (encrypted backend namespace)
	index    *cache.Namespace // tokens: user -> key hash, for invalidation
	negative *cache.Memory

	forcedLogoutMinutes int // minutes past midnight, market tz
	loc                 *time.Location
	negativeTTL         time.Duration
	logger              *slog.Logger

	now func() time.Time // test hook
}

// New creates the gate. forcedLogoutAt is minutes past midnight in loc.
func New(keys, index *cache.Namespace, forcedLogoutAt int, loc *time.Location, negativeTTL time.Duration, logger *slog.Logger) *Service {
	return &Service{
		keys:                keys,
		index:               index,
		negative:            cache.NewMemory(4096),
		forcedLogoutMinutes: forcedLogoutAt,
		loc:                 loc,
		negativeTTL:         negativeTTL,
		logger:              logger.With("component", "auth"),
		now:                 time.Now,
	}
}

// HashKey derives the stored digest for an API key. Raw keys are never
// written anywhere.
func HashKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// Grant registers (or refreshes) an API key for a user. The entry expires
// at the next forced logout.
func (s *Service) Grant(ctx context.Context, apiKey string, ac Context) error {
	hash := HashKey(apiKey)
	ac.GrantedAt = s.now()
	ttl := s.untilForcedLogout()
	if err := s.keys.SetObject(ctx, hash, ac, ttl); err != nil {
		return err
	}
	if err := s.index.Set(ctx, "user:"+ac.UserID, []byte(hash), ttl); err != nil {
		return err
	}
	// A re-granted key is no longer negative.
	s.negative.Delete(ctx, "neg:"+hash)
	s.logger.Info("api key granted", "user", ac.UserID, "broker", ac.Broker, "expires_in", ttl)
	return nil
}

// Validate resolves an API key to its auth context.
func (s *Service) Validate(ctx context.Context, apiKey string) (Context, error) {
	if apiKey == "" {
		return Context{}, types.NewAPIError(types.ErrAuthRequired, "apikey is required")
	}
	hash := HashKey(apiKey)

	if _, rejected, _ := s.negative.Get(ctx, "neg:"+hash); rejected {
		return Context{}, types.NewAPIError(types.ErrInvalidAPIKey, "invalid api key")
	}

	var ac Context
	found, err := s.keys.GetObject(ctx, hash, &ac)
	if err != nil {
		return Context{}, types.NewAPIErrorf(types.ErrUpstream, "auth cache: %v", err)
	}
	if !found {
		s.negative.Set(ctx, "neg:"+hash, []byte{1}, s.negativeTTL)
		s.logger.Info("api key rejected", "hash_prefix", hash[:8])
		return Context{}, types.NewAPIError(types.ErrInvalidAPIKey, "invalid api key")
	}
	return ac, nil
}

// Invalidate drops the grant for one user.
func (s *Service) Invalidate(ctx context.Context, userID string) error {
	hashBytes, found, err := s.index.Get(ctx, "user:"+userID)
	if err != nil || !found {
		return err
	}
	if err := s.keys.Delete(ctx, string(hashBytes)); err != nil {
		return err
	}
	if err := s.index.Delete(ctx, "user:"+userID); err != nil {
		return err
	}
	s.logger.Info("api key invalidated", "user", userID)
	return nil
}

// ExpireAll drops every grant. Wired to the daily forced-logout cron; with
// a distributed backend the per-entry TTLs make this a safety net rather
// than the mechanism.
func (s *Service) ExpireAll(ctx context.Context) error {
	if err := s.keys.Clear(ctx); err != nil {
		return err
	}
	if err := s.index.Clear(ctx); err != nil {
		return err
	}
	s.logger.Info("daily forced logout: all auth grants expired")
	return nil
}

// untilForcedLogout returns the duration to the next occurrence of the
// forced-logout wall-clock time in the market timezone.
func (s *Service) untilForcedLogout() time.Duration {
	now := s.now().In(s.loc)
	next := time.Date(now.Year(), now.Month(), now.Day(),
		s.forcedLogoutMinutes/60, s.forcedLogoutMinutes%60, 0, 0, s.loc)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}
