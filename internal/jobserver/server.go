package jobserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kxc663/translation-client/internal/id/uuid"
	"github.com/kxc663/translation-client/internal/metrics"
	"github.com/kxc663/translation-client/internal/policy/ratelimit"
)

// CorrelationParam names the query parameter carrying the correlation id.
const CorrelationParam = "processId"

var tracer = otel.Tracer("github.com/kxc663/translation-client/internal/jobserver")

// Server wires HTTP handlers to the Tracker.
type Server struct {
	router  chi.Router
	tracker *Tracker
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithRateLimiter throttles status queries per client.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

type statusResponse struct {
	Result string `json:"result"`
}

// NewServer constructs a Server with middleware and routes.
func NewServer(tracker *Tracker, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{tracker: tracker, logger: logger}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)

	r.Get("/healthz", s.healthz)
	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}
		r.Get("/status", s.status)
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router exposes the router so other components can mount routes on it.
func (s *Server) Router() chi.Router {
	return s.router
}

// Run sweeps idle correlation ids and rate limiter buckets every interval
// until ctx is done.
func (s *Server) Run(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tracker.Sweep()
			if s.limiter != nil {
				s.limiter.Prune(idle)
			}
		}
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "tracked_jobs": s.tracker.Len()})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get(CorrelationParam)
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	_, span := tracer.Start(ctx, "jobserver.status",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("correlation_id", id),
			attribute.Bool("correlation_id.uuid", uuid.Valid(id)),
		),
	)
	defer span.End()

	result := s.tracker.Lookup(id)
	span.SetAttributes(attribute.String("result", result))
	metrics.ObserveJobServerRequest(result)
	s.writeJSON(w, http.StatusOK, statusResponse{Result: result})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		}
		remote := trace.SpanContextFromContext(
			otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header)),
		)
		if remote.HasTraceID() {
			fields = append(fields, zap.String("trace_id", remote.TraceID().String()))
		}
		s.logger.Debug("request completed", fields...)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacker not supported")
	}
	conn, buf, err := h.Hijack()
	if err != nil {
		return nil, nil, fmt.Errorf("hijack connection: %w", err)
	}
	rw.status = http.StatusSwitchingProtocols
	return conn, buf, nil
}
