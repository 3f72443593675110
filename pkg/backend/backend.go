// Package backend selects a store.Store implementation by name.
package backend

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/memocache/pkg/store"
	"github.com/Sternrassler/memocache/pkg/store/filestore"
	"github.com/Sternrassler/memocache/pkg/store/memory"
	"github.com/Sternrassler/memocache/pkg/store/redisstore"
)

// Kind names a storage backend.
type Kind string

// Supported backends.
const (
	Memory Kind = "memory"
	Redis  Kind = "redis"
	File   Kind = "file"
)

var (
	// ErrMissingBackendConfiguration is returned when a backend-required
	// parameter is absent.
	ErrMissingBackendConfiguration = errors.New("missing backend configuration")

	// ErrUnknownBackend is returned for backend names the factory does not know.
	ErrUnknownBackend = errors.New("unknown backend")
)

// MissingConfigError names the backend and the parameter it is missing.
type MissingConfigError struct {
	Backend Kind
	Param   string
}

// Error implements the error interface.
func (e *MissingConfigError) Error() string {
	return fmt.Sprintf("%s backend requires %s: %v", e.Backend, e.Param, ErrMissingBackendConfiguration)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *MissingConfigError) Unwrap() error {
	return ErrMissingBackendConfiguration
}

// Config carries everything a backend may need. Fields not used by the
// selected backend are ignored.
type Config struct {
	// FuncID namespaces the store.
	FuncID string

	Limits store.Limits

	// Redis is required by the redis backend.
	Redis redis.UniversalClient

	// RedisPrefix overrides redisstore.DefaultPrefix.
	RedisPrefix string

	// CacheDir is required by the file backend.
	CacheDir string

	// PollInterval is used by polling waiters (redis, file).
	PollInterval time.Duration

	Logger *zerolog.Logger
}

// ParseKind maps a backend name to its Kind. The empty name is Memory.
func ParseKind(name string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(name))); k {
	case "":
		return Memory, nil
	case Memory, Redis, File:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
}

// Open creates a store of the given kind.
func Open(kind Kind, cfg Config) (store.Store, error) {
	switch kind {
	case Memory, "":
		return memory.New(memory.Options{Limits: cfg.Limits}), nil

	case Redis:
		if cfg.Redis == nil {
			return nil, &MissingConfigError{Backend: Redis, Param: "a redis client"}
		}
		return redisstore.New(cfg.Redis, redisstore.Options{
			FuncID:       cfg.FuncID,
			Prefix:       cfg.RedisPrefix,
			Limits:       cfg.Limits,
			PollInterval: cfg.PollInterval,
			Logger:       cfg.Logger,
		}), nil

	case File:
		if cfg.CacheDir == "" {
			return nil, &MissingConfigError{Backend: File, Param: "a cache directory"}
		}
		s, err := filestore.New(filestore.Options{
			Dir:          cfg.CacheDir,
			FuncID:       cfg.FuncID,
			Limits:       cfg.Limits,
			PollInterval: cfg.PollInterval,
			Logger:       cfg.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open file backend: %w", err)
		}
		return s, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, string(kind))
	}
}
