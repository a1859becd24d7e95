package auth

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"algobridge/internal/cache"
	"algobridge/pkg/types"
)

func testService(t *testing.T) *Service {
	t.Helper()
	backend := cache.NewMemory(1000)
	keys := cache.NewNamespace(backend, cache.NSAPIKeys)
	index := cache.NewNamespace(backend, cache.NSTokens)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(keys, index, 3*60, time.UTC, time.Minute, logger)
}

func TestGrantAndValidate(t *testing.T) {
	t.Parallel()
	s := testService(t)
	ctx := context.Background()

	err := s.Grant(ctx, "key-abc", Context{UserID: "u1", Broker: "zerodha", Credentials: map[string]string{"token": "x"}})
	if err != nil {
		t.Fatal(err)
	}

	ac, err := s.Validate(ctx, "key-abc")
	if err != nil {
		t.Fatal(err)
	}
	if ac.UserID != "u1" || ac.Broker != "zerodha" {
		t.Errorf("context = %+v", ac)
	}
}

func TestValidateUnknownKey(t *testing.T) {
	t.Parallel()
	s := testService(t)

	_, err := s.Validate(context.Background(), "nope")
	if !types.IsCode(err, types.ErrInvalidAPIKey) {
		t.Errorf("error = %v, want INVALID_API_KEY", err)
	}
}

func TestValidateEmptyKey(t *testing.T) {
	t.Parallel()
	s := testService(t)

	_, err := s.Validate(context.Background(), "")
	if !types.IsCode(err, types.ErrAuthRequired) {
		t.Errorf("error = %v, want AUTHENTICATION_REQUIRED", err)
	}
}

func TestNegativeCacheClearedOnGrant(t *testing.T) {
	t.Parallel()
	s := testService(t)
	ctx := context.Background()

	// Prime the negative cache.
	s.Validate(ctx, "key-new")

	if err := s.Grant(ctx, "key-new", Context{UserID: "u2", Broker: "dhan"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Validate(ctx, "key-new"); err != nil {
		t.Errorf("granted key must validate despite earlier negative hit: %v", err)
	}
}

func TestInvalidate(t *testing.T) {
	t.Parallel()
	s := testService(t)
	ctx := context.Background()

	s.Grant(ctx, "key-abc", Context{UserID: "u1", Broker: "zerodha"})
	if err := s.Invalidate(ctx, "u1"); err != nil {
		t.Fatal(err)
	}

	_, err := s.Validate(ctx, "key-abc")
	if !types.IsCode(err, types.ErrInvalidAPIKey) {
		t.Errorf("error = %v, want INVALID_API_KEY after invalidate", err)
	}
}

func TestExpireAll(t *testing.T) {
	t.Parallel()
	s := testService(t)
	ctx := context.Background()

	s.Grant(ctx, "k1", Context{UserID: "u1", Broker: "zerodha"})
	s.Grant(ctx, "k2", Context{UserID: "u2", Broker: "dhan"})
	if err := s.ExpireAll(ctx); err != nil {
		t.Fatal(err)
	}

	for _, k := range []string{"k1", "k2"} {
		if _, err := s.Validate(ctx, k); err == nil {
			t.Errorf("key %s must not validate after forced expiry", k)
		}
	}
}

func TestGrantTTLBoundedByForcedLogout(t *testing.T) {
	t.Parallel()
	s := testService(t)

	// Freeze time at 02:00 UTC; forced logout is 03:00, so the grant TTL
	// must be one hour, not 25.
	s.now = func() time.Time {
		return time.Date(2026, 1, 5, 2, 0, 0, 0, time.UTC)
	}
	ttl := s.untilForcedLogout()
	if ttl != time.Hour {
		t.Errorf("ttl = %v, want 1h", ttl)
	}

	// At 03:00 exactly the next expiry is tomorrow.
	s.now = func() time.Time {
		return time.Date(2026, 1, 5, 3, 0, 0, 0, time.UTC)
	}
	if ttl := s.untilForcedLogout(); ttl != 24*time.Hour {
		t.Errorf("ttl = %v, want 24h", ttl)
	}
}
