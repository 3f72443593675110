// Package config holds process-wide memoization settings.
//
// Settings are published as immutable snapshots through a Provider. The
// engine reads the snapshot on every call for the late-bound subset
// (Enabled, StaleAfter, NextTime, WaitTimeout, AllowNil, CleanupStale,
// CleanupInterval), so changing the provider after a function was wrapped
// affects its later calls. Backend, CacheDir, Redis, PollInterval,
// MaxWorkers and MaxSize are read once when a function is wrapped.
package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/atomic"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "MEMO"

// Forever disables time-based staleness.
const Forever = time.Duration(math.MaxInt64)

// Settings is one configuration snapshot.
type Settings struct {
	// Enabled turns caching on; when false every call runs the function.
	Enabled bool `mapstructure:"enabled"`

	// Backend names the default store ("memory", "redis", "file").
	Backend string `mapstructure:"backend"`

	// StaleAfter is the freshness threshold; Forever never goes stale and
	// 0 makes every entry stale immediately.
	StaleAfter time.Duration `mapstructure:"stale_after"`

	// NextTime returns stale values immediately and refreshes them in the
	// background.
	NextTime bool `mapstructure:"next_time"`

	// WaitTimeout bounds how long a caller waits for another computation;
	// 0 means unbounded.
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`

	// AllowNil stores and returns nil results.
	AllowNil bool `mapstructure:"allow_nil"`

	// CleanupStale periodically deletes entries older than StaleAfter.
	CleanupStale    bool          `mapstructure:"cleanup_stale"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`

	// MaxSize is the per-function byte budget; 0 disables eviction.
	MaxSize ByteSize `mapstructure:"max_size"`

	// CacheDir is the root directory of the file backend.
	CacheDir string `mapstructure:"cache_dir"`

	// RedisAddr is used by callers that build a client from configuration.
	RedisAddr string `mapstructure:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db"`

	// Redis is the client of the redis backend. It cannot be loaded from
	// the environment.
	Redis redis.UniversalClient `mapstructure:"-"`

	// PollInterval is how often polling backends re-read a processing entry.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// MaxWorkers bounds concurrent background refreshes per function.
	MaxWorkers int `mapstructure:"max_workers"`
}

// Defaults returns the settings used when nothing is configured.
func Defaults() Settings {
	return Settings{
		Enabled:         true,
		Backend:         "memory",
		StaleAfter:      Forever,
		WaitTimeout:     0,
		CleanupInterval: 24 * time.Hour,
		CacheDir:        defaultCacheDir(),
		RedisAddr:       "localhost:6379",
		PollInterval:    time.Second,
		MaxWorkers:      8,
	}
}

// Validate reports settings that cannot be used.
func (s Settings) Validate() error {
	var errs []error
	if s.StaleAfter < 0 {
		errs = append(errs, fmt.Errorf("stale_after must not be negative: %s", s.StaleAfter))
	}
	if s.WaitTimeout < 0 {
		errs = append(errs, fmt.Errorf("wait_timeout must not be negative: %s", s.WaitTimeout))
	}
	if s.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive: %s", s.PollInterval))
	}
	if s.CleanupStale && s.CleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("cleanup_interval must be positive when cleanup_stale is set: %s", s.CleanupInterval))
	}
	if s.MaxWorkers < 0 {
		errs = append(errs, fmt.Errorf("max_workers must not be negative: %d", s.MaxWorkers))
	}
	return errors.Join(errs...)
}

// Provider publishes Settings snapshots. It is safe for concurrent use.
type Provider struct {
	current *atomic.Pointer[Settings]
}

// NewProvider creates a provider holding s.
func NewProvider(s Settings) *Provider {
	return &Provider{current: atomic.NewPointer(&s)}
}

// Get returns the current snapshot.
func (p *Provider) Get() Settings {
	return *p.current.Load()
}

// Set replaces the current snapshot.
func (p *Provider) Set(s Settings) {
	p.current.Store(&s)
}

// Update applies fn to a copy of the current snapshot and publishes the
// result. Concurrent updates are not lost.
func (p *Provider) Update(fn func(*Settings)) {
	for {
		old := p.current.Load()
		next := *old
		fn(&next)
		if p.current.CompareAndSwap(old, &next) {
			return
		}
	}
}

var global = NewProvider(Defaults())

// Global returns the process-wide provider used when a function is wrapped
// without one.
func Global() *Provider {
	return global
}

// Load decodes settings from v. MEMO_* environment variables override
// keys read into v, which override Defaults. A nil v reads the
// environment only.
func Load(v *viper.Viper) (Settings, error) {
	if v == nil {
		v = viper.New()
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	d := Defaults()
	v.SetDefault("enabled", d.Enabled)
	v.SetDefault("backend", d.Backend)
	v.SetDefault("stale_after", d.StaleAfter)
	v.SetDefault("next_time", d.NextTime)
	v.SetDefault("wait_timeout", d.WaitTimeout)
	v.SetDefault("allow_nil", d.AllowNil)
	v.SetDefault("cleanup_stale", d.CleanupStale)
	v.SetDefault("cleanup_interval", d.CleanupInterval)
	v.SetDefault("max_size", d.MaxSize)
	v.SetDefault("cache_dir", d.CacheDir)
	v.SetDefault("redis_addr", d.RedisAddr)
	v.SetDefault("redis_db", d.RedisDB)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("max_workers", d.MaxWorkers)

	var s Settings
	err := v.Unmarshal(&s, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
	)))
	if err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}

	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}
