package cache

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	return key
}

func TestEncryptedRoundTrip(t *testing.T) {
	t.Parallel()
	base := NewMemory(100)
	enc, err := NewEncrypted(base, testKey(t), EncryptedNamespaces, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	plain := []byte(`{"user":"u1","broker":"zerodha"}`)
	if err := enc.Set(ctx, "auth:u1", plain, NoTTL); err != nil {
		t.Fatal(err)
	}

	// Underlying storage must not contain the plaintext.
	raw, found, _ := base.Get(ctx, "auth:u1")
	if !found {
		t.Fatal("sealed value missing from base backend")
	}
	if bytes.Contains(raw, []byte("zerodha")) {
		t.Error("plaintext leaked to base backend")
	}

	got, found, err := enc.Get(ctx, "auth:u1")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("round trip = %q, want %q", got, plain)
	}
}

func TestEncryptedOnlyDesignatedNamespaces(t *testing.T) {
	t.Parallel()
	base := NewMemory(100)
	enc, err := NewEncrypted(base, testKey(t), EncryptedNamespaces, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	enc.Set(ctx, "symbols:RELIANCE:NSE", []byte("record"), NoTTL)
	raw, _, _ := base.Get(ctx, "symbols:RELIANCE:NSE")
	if !bytes.Equal(raw, []byte("record")) {
		t.Error("non-designated namespace must be stored as-is")
	}
}

func TestEncryptedWrongKeyReadsAbsent(t *testing.T) {
	t.Parallel()
	base := NewMemory(100)
	ctx := context.Background()

	writer, _ := NewEncrypted(base, testKey(t), EncryptedNamespaces, testLogger())
	writer.Set(ctx, "api_keys:k1", []byte("secret"), NoTTL)

	reader, _ := NewEncrypted(base, testKey(t), EncryptedNamespaces, testLogger())
	_, found, err := reader.Get(ctx, "api_keys:k1")
	if err != nil {
		t.Fatalf("wrong key must not surface an error, got %v", err)
	}
	if found {
		t.Error("wrong key must surface as absent")
	}
}

func TestEncryptedSetManyGetMany(t *testing.T) {
	t.Parallel()
	base := NewMemory(100)
	enc, _ := NewEncrypted(base, testKey(t), EncryptedNamespaces, testLogger())
	ctx := context.Background()

	items := map[string][]byte{
		"tokens:u1": []byte("tok1"),
		"tokens:u2": []byte("tok2"),
	}
	if err := enc.SetMany(ctx, items, NoTTL); err != nil {
		t.Fatal(err)
	}

	got, err := enc.GetMany(ctx, []string{"tokens:u1", "tokens:u2", "tokens:u3"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d items, want 2", len(got))
	}
	if !bytes.Equal(got["tokens:u1"], []byte("tok1")) || !bytes.Equal(got["tokens:u2"], []byte("tok2")) {
		t.Errorf("get many mismatch: %v", got)
	}
}
