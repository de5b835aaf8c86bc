package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crmpipe/crmpipe/internal/auth"
	"github.com/crmpipe/crmpipe/internal/bus"
	"github.com/crmpipe/crmpipe/internal/config"
	"github.com/crmpipe/crmpipe/internal/crm"
	"github.com/crmpipe/crmpipe/internal/deadletter"
	"github.com/crmpipe/crmpipe/internal/observability"
)

type ReadinessCheck func(ctx context.Context) error

type DeadLetterService interface {
	Stats(ctx context.Context) (deadletter.Stats, error)
	Export(ctx context.Context, limit int) (deadletter.ExportResult, error)
	Replay(ctx context.Context, limit int) (deadletter.ReplayResult, error)
	ReplayArchive(ctx context.Context, key string, remove bool) (deadletter.ArchiveReplayResult, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Publisher         bus.Publisher
	Customers         crm.Reader
	DeadLetters       DeadLetterService
}

// NewHandler serves the write boundary, the customer read-back and the
// dead-letter operations next to the ops endpoints.
func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()
	registerOps(mux, cfg, deps)

	routes := []struct {
		pattern string
		role    string
		handle  func(Dependencies, http.ResponseWriter, *http.Request)
	}{
		{"POST /v1/customers", auth.RoleWriter, handleCreateCustomer},
		{"POST /v1/customers/bulk", auth.RoleWriter, handleBulkCustomers},
		{"POST /v1/orders", auth.RoleWriter, handleCreateOrder},
		{"POST /v1/orders/bulk", auth.RoleWriter, handleBulkOrders},
		{"GET /v1/customers/{id}", auth.RoleReader, handleGetCustomer},
		{"GET /v1/dead-letters", auth.RoleOperator, handleDeadLetterStats},
		{"POST /v1/dead-letters/export", auth.RoleOperator, handleDeadLetterExport},
		{"POST /v1/dead-letters/replay", auth.RoleOperator, handleDeadLetterReplay},
		{"POST /v1/dead-letters/archives/replay", auth.RoleOperator, handleArchiveReplay},
	}

	maxBody := cfg.HTTP.MaxBodyBytes
	for _, route := range routes {
		handle := route.handle
		var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBody > 0 && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBody)
			}
			handle(deps, w, r)
		})
		h = auth.RequireRole(route.role, h)
		mux.Handle(route.pattern, protect(cfg, deps, h))
	}

	return withMiddlewares(mux, deps)
}

// NewOpsHandler serves only health, readiness and metrics.
func NewOpsHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()
	registerOps(mux, cfg, deps)
	return withMiddlewares(mux, deps)
}

func registerOps(mux *http.ServeMux, cfg config.Config, deps Dependencies) {
	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())
}

func protect(cfg config.Config, deps Dependencies, h http.Handler) http.Handler {
	if !cfg.Auth.Required {
		return h
	}
	if deps.AuthMiddleware == nil {
		if deps.Logger != nil {
			deps.Logger.Error("auth required but auth middleware missing")
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
		})
	}
	return deps.AuthMiddleware(h)
}

func withMiddlewares(h http.Handler, deps Dependencies) http.Handler {
	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(h, middlewares...)
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
