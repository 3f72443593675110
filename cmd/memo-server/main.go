// Command memo-server serves a memoized prime counting function over HTTP.
//
// Configuration comes from MEMO_* environment variables (see pkg/config)
// and an optional config file named by MEMO_CONFIG. PORT and LOG_LEVEL
// control the listener and log verbosity.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/Sternrassler/memocache/pkg/backend"
	"github.com/Sternrassler/memocache/pkg/config"
	"github.com/Sternrassler/memocache/pkg/logging"
	"github.com/Sternrassler/memocache/pkg/memo"
	"github.com/Sternrassler/memocache/pkg/metrics"
)

func main() {
	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(getEnv("LOG_LEVEL", string(logging.LevelInfo))),
		Pretty: getEnv("LOG_PRETTY", "") != "",
		Output: os.Stderr,
	})

	v := viper.New()
	if path := os.Getenv("MEMO_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			logger.Fatal().Err(err).Str("path", path).Msg("Failed to read config file")
		}
	}
	settings, err := config.Load(v)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	var redisClient redis.UniversalClient
	if kind, _ := backend.ParseKind(settings.Backend); kind == backend.Redis {
		redisClient = redis.NewClient(&redis.Options{Addr: settings.RedisAddr, DB: settings.RedisDB})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisClient.Ping(ctx).Err()
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Str("addr", settings.RedisAddr).Msg("Failed to connect to Redis")
		}
		logger.Info().Str("addr", settings.RedisAddr).Msg("Connected to Redis")
		settings.Redis = redisClient
		defer redisClient.Close()
	}
	config.Global().Set(settings)

	collector := metrics.New(metrics.DefaultOptions())
	primes, err := memo.Wrap("memo-server.countPrimes", countPrimes, memo.WithMetrics(collector))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to wrap function")
	}

	exporter := metrics.NewExporter("")
	exporter.Add(primes.FuncID(), collector)
	if err := metrics.Registry.Register(exporter); err != nil {
		logger.Fatal().Err(err).Msg("Failed to register metrics exporter")
	}

	srv := &http.Server{
		Addr:              ":" + getEnv("PORT", "8080"),
		Handler:           newRouter(newServer(primes, redisClient, logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info().Str("addr", srv.Addr).Str("backend", settings.Backend).Msg("Starting memo server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	shutdown(srv, primes, logger)
}

func shutdown(srv *http.Server, primes *memo.Memoizer[int, primeCount], logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
	}
	primes.Wait()
	logger.Info().Msg("Server stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
