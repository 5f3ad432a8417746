package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"wind-telemetry-platform/shared/authx"
	"wind-telemetry-platform/shared/httpx"
	"wind-telemetry-platform/shared/logx"
	"wind-telemetry-platform/shared/tenantx"
	"wind-telemetry-platform/telemetry/internal/models"
)

type AuditWriter interface {
	WriteAuditLog(ctx context.Context, entries []models.AuditEntry) error
}

// AuditMiddleware records operator actions: import triggers, auto-import
// triggers, anomaly resolution and threshold changes. Reads are not audited.
type AuditMiddleware struct {
	Writer  AuditWriter
	Logger  logx.Logger
	Timeout time.Duration
}

func (m AuditMiddleware) Wrap(next http.Handler) http.Handler {
	if m.Writer == nil {
		return next
	}
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		action := auditAction(r)
		if action == "" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		srw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(srw, r)

		tenantID, err := uuid.Parse(tenantx.TenantIDFromContext(r.Context()))
		if err != nil {
			return
		}
		entry := models.AuditEntry{
			OccurredAt: time.Now().UTC(),
			TenantID:   tenantID,
			Action:     action,
			RequestID:  httpx.RequestIDFromContext(r.Context()),
			Method:     r.Method,
			Path:       r.URL.Path,
			StatusCode: srw.statusCode,
			DurationMS: time.Since(start).Milliseconds(),
		}
		if auth, ok := authx.FromContext(r.Context()); ok {
			entry.Subject = auth.Subject
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := m.Writer.WriteAuditLog(ctx, []models.AuditEntry{entry}); err != nil {
				m.Logger.Warn(ctx, "audit_write_failed", "audit write failed",
					append(logx.Err("INTERNAL_ERROR", err), slog.String("action", entry.Action))...)
			}
		}()
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func auditAction(r *http.Request) string {
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case r.Method == http.MethodPost && path == "/api/v1/imports":
		return models.AuditImportTriggered
	case r.Method == http.MethodPost && path == "/api/v1/imports/upload":
		return models.AuditImportUploaded
	case r.Method == http.MethodPost && path == "/api/v1/auto-import/trigger":
		return models.AuditAutoImportTriggered
	case r.Method == http.MethodPost && strings.HasPrefix(path, "/api/v1/anomalies/") && strings.HasSuffix(path, "/resolve"):
		return models.AuditAnomalyResolved
	case r.Method == http.MethodPut && path == "/api/v1/anomaly-config":
		return models.AuditAnomalyConfigUpdated
	}
	return ""
}
