// Package server exposes the report engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/sparlo/report-engine/internal/guard"
	"github.com/sparlo/report-engine/internal/ledger"
	"github.com/sparlo/report-engine/internal/model"
	"github.com/sparlo/report-engine/internal/store"
)

// WorkflowStarter is the slice of the Temporal client the server needs to
// launch runs.
type WorkflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// AnswerGate delivers clarification answers to suspended runs.
type AnswerGate interface {
	Answer(ctx context.Context, reportID, answer string) error
}

// Config carries the server's runtime settings.
type Config struct {
	TaskQueue            string
	ClarificationTimeout time.Duration
	AllowedOrigins       []string
	RequestsPerSecond    float64
	RequestBurst         int
}

// Server wires the HTTP API onto the engine services.
type Server struct {
	store   store.Store
	ledger  *ledger.Ledger
	guard   *guard.Guard
	gate    AnswerGate
	starter WorkflowStarter
	cfg     Config

	router chi.Router
}

// New creates a Server and builds its router.
func New(s store.Store, l *ledger.Ledger, g *guard.Guard, gate AnswerGate, starter WorkflowStarter, cfg Config) *Server {
	srv := &Server{
		store:   s,
		ledger:  l,
		guard:   g,
		gate:    gate,
		starter: starter,
		cfg:     cfg,
	}
	srv.router = srv.setupRouter()
	return srv
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(s.loggingMiddleware)
	r.Use(rateLimit(s.cfg.RequestsPerSecond, s.cfg.RequestBurst))

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Account-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Route("/reports", func(r chi.Router) {
			r.Post("/", s.handleCreateReport)
			r.Get("/", s.handleListReports)
			r.Get("/{reportID}", s.handleGetReport)
			r.Post("/{reportID}/answer", s.handleAnswer)
		})
		r.Get("/usage/{accountID}", s.handleUsage)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			zap.L().Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]string{
		"status": status,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// ListenAndServe starts the HTTP server and shuts it down when ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		zap.L().Info("shutting down http server")
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("http server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func decodeJSON(r *http.Request, value interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(value)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			zap.L().Error("encode response", zap.Error(err))
		}
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error": map[string]string{"code": code, "message": message},
	})
}

// respondDomainError maps engine errors onto HTTP statuses. Unrecognized
// errors become a 500 without leaking internals.
func respondDomainError(w http.ResponseWriter, err error) {
	var quota *model.QuotaExceededError
	var rated *model.RateLimitedError

	switch {
	case errors.As(err, &quota):
		respondJSON(w, http.StatusPaymentRequired, map[string]interface{}{
			"error": map[string]interface{}{
				"code":      string(model.ErrKindQuotaExceeded),
				"message":   quota.Error(),
				"requested": quota.Requested,
				"available": quota.Available,
			},
		})
	case errors.As(err, &rated):
		w.Header().Set("Retry-After", retryAfterSeconds(rated.RetryAfter))
		respondJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error": map[string]interface{}{
				"code":                string(model.ErrKindRateLimited),
				"message":             rated.Error(),
				"retry_after_seconds": int(rated.RetryAfter.Seconds()),
			},
		})
	case errors.Is(err, model.ErrReportNotFound):
		respondError(w, http.StatusNotFound, "not_found", "report not found")
	case errors.Is(err, model.ErrWrongStatus):
		respondError(w, http.StatusConflict, "wrong_status", "report is not waiting on a clarification")
	case errors.Is(err, model.ErrUnauthorized):
		respondError(w, http.StatusForbidden, "forbidden", "not authorized for account")
	default:
		zap.L().Error("request failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
