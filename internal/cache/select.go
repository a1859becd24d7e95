package cache

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"

	"algobridge/internal/config"
)

// Open selects and opens the cache backend per the configured policy:
// an explicit backend wins; multi-instance mode requires redis and fails
// hard if it is unreachable; otherwise redis is used if it answers a health
// ping within the configured timeout, falling back to the on-disk backend.
//
// The returned backend is wrapped with encryption over the auth namespaces
// and an audit logger.
func Open(ctx context.Context, cfg config.CacheConfig, logger *slog.Logger) (Backend, error) {
	base, err := openBase(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	key, err := loadKey(cfg.KeyFile)
	if err != nil {
		base.Close()
		return nil, err
	}

	enc, err := NewEncrypted(base, key, EncryptedNamespaces, logger)
	if err != nil {
		base.Close()
		return nil, err
	}
	return NewAudited(enc, logger), nil
}

func openBase(ctx context.Context, cfg config.CacheConfig, logger *slog.Logger) (Backend, error) {
	switch cfg.Backend {
	case "memory":
		logger.Info("cache backend selected", "backend", "memory")
		return NewMemory(cfg.MemoryMaxKeys), nil
	case "disk":
		logger.Info("cache backend selected", "backend", "disk", "dir", cfg.Dir)
		return NewDisk(cfg.Dir)
	case "redis":
		r, err := NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("redis backend: %w", err)
		}
		logger.Info("cache backend selected", "backend", "redis", "addr", cfg.RedisAddr)
		return r, nil
	}

	// Auto-selection.
	if cfg.MultiInstance {
		r, err := NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("multi-instance mode requires redis: %w", err)
		}
		logger.Info("cache backend selected", "backend", "redis", "reason", "multi_instance")
		return r, nil
	}

	if cfg.RedisAddr != "" {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
		r, err := NewRedis(pingCtx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		cancel()
		if err == nil {
			logger.Info("cache backend selected", "backend", "redis", "reason", "ping_ok")
			return r, nil
		}
		logger.Warn("redis unreachable, falling back to disk", "addr", cfg.RedisAddr, "error", err)
	}

	logger.Info("cache backend selected", "backend", "disk", "dir", cfg.Dir)
	return NewDisk(cfg.Dir)
}

// loadKey reads the 32-byte encryption key, generating one on first run
// when the file does not exist yet.
func loadKey(path string) ([]byte, error) {
	if path == "" {
		path = ".cache_key"
	}
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != 32 {
			return nil, fmt.Errorf("encryption key file %s: want 32 bytes, got %d", path, len(key))
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read encryption key: %w", err)
	}

	key = make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write encryption key: %w", err)
	}
	return key, nil
}
