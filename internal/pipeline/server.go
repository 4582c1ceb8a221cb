// Package pipeline is the HTTP front door: the TradingView webhook,
// health and readiness probes, the leader inspection endpoint and the
// prometheus scrape surface.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/quantarch/pyramid/internal/clock"
	"github.com/quantarch/pyramid/internal/config"
	"github.com/quantarch/pyramid/internal/domain"
	"github.com/quantarch/pyramid/internal/engine"
	"github.com/quantarch/pyramid/internal/ha"
	"github.com/quantarch/pyramid/internal/metrics"
	"github.com/quantarch/pyramid/internal/persistence"
)

// SignalProcessor is the slice of the engine the webhook needs.
type SignalProcessor interface {
	ProcessSignal(ctx context.Context, sig *domain.Signal, payload []byte) (engine.Outcome, error)
}

// LeaderReporter answers the coordinator inspection endpoint.
type LeaderReporter interface {
	LeaderInfo(ctx context.Context) (ha.LeaderInfo, error)
}

// Server hosts the webhook and operational endpoints.
type Server struct {
	cfg      *config.Config
	engine   SignalProcessor
	store    persistence.Store
	redis    redis.Cmdable
	leader   LeaderReporter
	clock    clock.Clock
	metrics  *metrics.Metrics
	registry prometheus.Gatherer
	logger   zerolog.Logger
	limits   *ipLimiter

	router *mux.Router
	server *http.Server
}

// NewServer wires routes and middleware. The prometheus gatherer is the
// registry the process's metrics were registered on.
func NewServer(cfg *config.Config, eng SignalProcessor, store persistence.Store,
	rdb redis.Cmdable, leader LeaderReporter, clk clock.Clock,
	m *metrics.Metrics, registry prometheus.Gatherer, logger zerolog.Logger) *Server {

	s := &Server{
		cfg:      cfg,
		engine:   eng,
		store:    store,
		redis:    rdb,
		leader:   leader,
		clock:    clk,
		metrics:  m,
		registry: registry,
		logger:   logger.With().Str("component", "pipeline").Logger(),
		limits:   newIPLimiter(cfg.Pipeline.RateLimitPerMin),
		router:   mux.NewRouter(),
	}
	s.routes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/webhook", s.handleWebhook).Methods(http.MethodPost)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.router.HandleFunc("/coordinator/leader", s.handleLeader).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start blocks on ListenAndServe.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("webhook server listening")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type webhookResponse struct {
	Status    string          `json:"status"`
	RequestID string          `json:"request_id"`
	Error     string          `json:"error,omitempty"`
	Result    *engine.Outcome `json:"result,omitempty"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := requestIDFrom(r.Context())
	logger := s.logger.With().Str("request_id", requestID).Logger()

	if !s.limits.allow(clientIP(r)) {
		s.metrics.RateLimitDrops.Inc()
		s.writeJSON(w, http.StatusTooManyRequests, webhookResponse{
			Status: "rate_limited", RequestID: requestID,
			Error: "per-IP request limit exceeded",
		})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Pipeline.MaxPayloadBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		s.metrics.PayloadTooLarge.Inc()
		s.writeJSON(w, http.StatusRequestEntityTooLarge, webhookResponse{
			Status: "rejected", RequestID: requestID,
			Error: fmt.Sprintf("payload exceeds %d bytes", s.cfg.Pipeline.MaxPayloadBytes),
		})
		return
	}

	sig, err := domain.ParseSignal(payload, s.clock.Now())
	if err != nil {
		var fieldErr *domain.FieldError
		msg := "malformed payload"
		if errors.As(err, &fieldErr) {
			msg = fieldErr.Error()
		}
		logger.Info().Err(err).Msg("webhook payload rejected")
		s.writeJSON(w, http.StatusBadRequest, webhookResponse{
			Status: "rejected", RequestID: requestID, Error: msg,
		})
		return
	}
	s.metrics.SignalsReceived.WithLabelValues(string(sig.Type)).Inc()

	// Leadership refusals come back as rejected outcomes at 200, like
	// any other admission failure: a 5xx would invite the upstream to
	// re-deliver to an instance that will never execute.
	outcome, err := s.engine.ProcessSignal(r.Context(), sig, payload)
	if err != nil {
		logger.Error().Err(err).Msg("signal processing failed")
		s.writeJSON(w, http.StatusInternalServerError, webhookResponse{
			Status: "error", RequestID: requestID, Error: "internal error",
		})
		return
	}

	s.metrics.WebhookDuration.Observe(time.Since(start).Seconds())
	s.writeJSON(w, http.StatusOK, webhookResponse{
		Status: string(outcome.Status), RequestID: requestID, Result: &outcome,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports 503 until both the database and redis answer.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok", "redis": "ok"}
	status := http.StatusOK

	if err := s.store.Ping(ctx); err != nil {
		checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	s.writeJSON(w, status, checks)
}

func (s *Server) handleLeader(w http.ResponseWriter, r *http.Request) {
	info, err := s.leader.LeaderInfo(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn().Err(err).Msg("response encode failed")
	}
}

type ctxKey int

const requestIDKey ctxKey = 0

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		s.logger.Info().
			Str("request_id", requestIDFrom(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.status).
			Dur("took", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
