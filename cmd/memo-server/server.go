package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Sternrassler/memocache/pkg/memo"
	"github.com/Sternrassler/memocache/pkg/metrics"
)

var errBadRequest = errors.New("bad request")

type server struct {
	primes   *memo.Memoizer[int, primeCount]
	redis    redis.UniversalClient
	logger   zerolog.Logger
	gatherer prometheus.Gatherer
}

func newServer(primes *memo.Memoizer[int, primeCount], redisClient redis.UniversalClient, logger zerolog.Logger) *server {
	return &server{
		primes:   primes,
		redis:    redisClient,
		logger:   logger.With().Str("component", "memo-server").Logger(),
		gatherer: prometheus.DefaultGatherer,
	}
}

func newRouter(s *server) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", healthHandler)
	r.Get("/ready", s.readyHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Get("/primes/{limit}", s.primesHandler)
	r.Get("/stats", s.statsHandler)
	r.Delete("/cache", s.clearCacheHandler)
	r.Delete("/cache/processing", s.clearProcessingHandler)

	return otelhttp.NewHandler(r, "memo-server")
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if s.redis != nil {
		if err := s.redis.Ping(r.Context()).Err(); err != nil {
			s.logger.Warn().Err(err).Msg("Readiness check failed")
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// primesHandler serves GET /primes/{limit}. Query parameters map to call
// options: skip_cache, overwrite and verbose are booleans, max_age is a
// duration.
func (s *server) primesHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := strconv.Atoi(chi.URLParam(r, "limit"))
	if err != nil || limit < 0 || limit > maxPrimeLimit {
		http.Error(w, "limit must be an integer between 0 and "+strconv.Itoa(maxPrimeLimit), http.StatusBadRequest)
		return
	}

	co, err := callOptions(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.primes.CallWith(r.Context(), limit, co)
	if err != nil {
		s.logger.Error().Err(err).Int("limit", limit).Msg("Prime count failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func callOptions(r *http.Request) (memo.CallOptions, error) {
	q := r.URL.Query()
	var co memo.CallOptions
	var err error

	parseBool := func(name string) bool {
		raw := q.Get(name)
		if raw == "" || err != nil {
			return false
		}
		v, perr := strconv.ParseBool(raw)
		if perr != nil {
			err = errors.Join(errBadRequest, errors.New(name+": "+perr.Error()))
		}
		return v
	}
	co.SkipCache = parseBool("skip_cache")
	co.OverwriteCache = parseBool("overwrite")
	co.Verbose = parseBool("verbose")
	if err != nil {
		return co, err
	}

	if raw := q.Get("max_age"); raw != "" {
		d, perr := time.ParseDuration(raw)
		if perr != nil {
			return co, errors.Join(errBadRequest, errors.New("max_age: "+perr.Error()))
		}
		co.MaxAge = memo.MaxAge(d)
	}
	return co, nil
}

type statsResponse struct {
	Function string           `json:"function"`
	Stats    metrics.Snapshot `json:"stats"`
	HitRate  float64          `json:"hit_rate"`
}

func (s *server) statsHandler(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.primes.Stats()
	if !ok {
		http.Error(w, "metrics disabled", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, statsResponse{
		Function: s.primes.FuncID(),
		Stats:    snap,
		HitRate:  snap.HitRate(),
	})
}

func (s *server) clearCacheHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.primes.ClearCache(r.Context()); err != nil {
		s.logger.Error().Err(err).Msg("Clear cache failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) clearProcessingHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.primes.ClearProcessing(r.Context()); err != nil {
		s.logger.Error().Err(err).Msg("Clear processing failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write response")
	}
}
