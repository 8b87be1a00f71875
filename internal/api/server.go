// Package api serves the admin quality endpoints over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/suburbmates/quality-cli/internal/audit"
	"github.com/suburbmates/quality-cli/internal/auth"
	"github.com/suburbmates/quality-cli/internal/model"
	"github.com/suburbmates/quality-cli/internal/stats"
)

// BatchService runs batch rescoring jobs.
type BatchService interface {
	Submit(ctx context.Context, actor string, criteria model.BatchCriteria, opts model.BatchOptions) (*model.BatchJob, error)
	Get(ctx context.Context, id string, includeResults bool) (*model.BatchJob, error)
	Cancel(ctx context.Context, actor, id string) (*model.BatchJob, error)
	List(ctx context.Context, status model.JobStatus, limit int) ([]model.JobSummary, error)
}

// StatsService returns directory stats, cached or fresh.
type StatsService interface {
	Get(ctx context.Context, refresh bool) (stats.QualityStats, stats.Source, error)
}

// BusinessFinder reads businesses for the low-quality views.
type BusinessFinder interface {
	FindBusinesses(ctx context.Context, f model.BusinessFilter) ([]model.Business, error)
	FindBusiness(ctx context.Context, id string) (*model.Business, error)
}

// Config tunes the HTTP layer.
type Config struct {
	RequestTimeout   time.Duration
	CORSOrigins      []string
	SubmitRatePerMin int
	EngagementWindow time.Duration
}

// Server holds the handlers' collaborators.
type Server struct {
	cfg     Config
	batch   BatchService
	stats   StatsService
	finder  BusinessFinder
	auth    auth.Authenticator
	audit   audit.Logger
	metrics http.Handler
	limiter *submitLimiter
	now     func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithAuditLogger records read access.
func WithAuditLogger(l audit.Logger) Option { return func(s *Server) { s.audit = l } }

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option { return func(s *Server) { s.metrics = h } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Server) { s.now = now } }

// New builds a Server.
func New(cfg Config, batch BatchService, st StatsService, finder BusinessFinder, a auth.Authenticator, opts ...Option) *Server {
	if cfg.EngagementWindow <= 0 {
		cfg.EngagementWindow = 90 * 24 * time.Hour
	}
	s := &Server{
		cfg:     cfg,
		batch:   batch,
		stats:   st,
		finder:  finder,
		auth:    a,
		limiter: newSubmitLimiter(cfg.SubmitRatePerMin),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Routes returns the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/admin", func(r chi.Router) {
		if s.cfg.RequestTimeout > 0 {
			r.Use(middleware.Timeout(s.cfg.RequestTimeout))
		}
		r.Use(auth.RequireAdmin(s.auth, writeError))
		r.Use(withRequestInfo)

		r.Route("/quality", func(r chi.Router) {
			r.With(s.limiter.middleware).Post("/batch", s.handleSubmitBatch)
			r.Get("/batch", s.handleListBatches)
			r.Get("/batch/{jobID}", s.handleGetBatch)
			r.Delete("/batch/{jobID}", s.handleCancelBatch)
			r.Get("/low", s.handleLowQuality)
			r.Get("/stats", s.handleStats)
		})
		r.Get("/businesses/{id}/quality", s.handleBusinessQuality)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, &model.NotFoundError{Resource: "route", ID: r.URL.Path})
	})
	return r
}

// requestLogger logs one line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// withRequestInfo exposes the caller's origin and user agent to audit events.
func withRequestInfo(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = r.RemoteAddr
		}
		ctx := audit.WithRequestInfo(r.Context(), audit.RequestInfo{
			Origin:    origin,
			UserAgent: r.UserAgent(),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
