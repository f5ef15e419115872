package web

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kindredco/kindred/internal/observability"
)

// responseWriter captures the status code for logging and metrics.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush passes through so streaming handlers keep working behind the
// wrapper.
func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RequestIDMiddleware assigns a request id, echoes it in the response, and
// stores it for log correlation.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := observability.WithContext(r.Context(), id, "", "", "")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware logs requests and records latency metrics.
func LoggingMiddleware(logger *observability.Logger, metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			elapsed := time.Since(start)
			logger.Debug(r.Context(), "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.status,
				"duration_ms", elapsed.Milliseconds(),
			)
			if metrics != nil {
				metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(wrapped.status)).Observe(elapsed.Seconds())
			}
		})
	}
}

// AuthMiddleware validates the bearer token and resolves the tenant before
// any handler runs. Rejections happen here, never after a stream opens.
func AuthMiddleware(validator SessionValidator, tenants TenantResolver, logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			token := strings.TrimSpace(header[len("bearer "):])

			principal, err := validator.Validate(r.Context(), token)
			if err != nil {
				logger.Warn(r.Context(), "session validation failed", "error", err)
				writeError(w, http.StatusUnauthorized, "invalid session")
				return
			}

			if principal.TenantID == "" {
				if tenants == nil {
					writeError(w, http.StatusForbidden, "no tenant context")
					return
				}
				tenantID, err := tenants.ResolveTenant(r.Context(), principal.UserID)
				if err != nil {
					logger.Warn(r.Context(), "tenant resolution failed", "user_id", principal.UserID, "error", err)
					writeError(w, http.StatusForbidden, "no tenant context")
					return
				}
				principal.TenantID = tenantID
			}

			ctx := withPrincipal(r.Context(), principal)
			ctx = observability.WithContext(ctx, "", principal.TenantID, principal.UserID, "")
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
