package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"wind-telemetry-platform/shared/authx"
	"wind-telemetry-platform/shared/logx"
	"wind-telemetry-platform/shared/tenantx"
	"wind-telemetry-platform/telemetry/internal/models"
)

type chanWriter chan models.AuditEntry

func (c chanWriter) WriteAuditLog(_ context.Context, entries []models.AuditEntry) error {
	for _, e := range entries {
		c <- e
	}
	return nil
}

func TestAuditRecordsOperatorActions(t *testing.T) {
	written := make(chanWriter, 1)
	h := AuditMiddleware{Writer: written, Logger: logx.Discard()}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	tenant := uuid.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/anomalies/"+uuid.NewString()+"/resolve", nil)
	ctx := tenantx.WithTenant(req.Context(), tenantx.TenantContext{ID: tenant})
	ctx = authx.WithAuth(ctx, authx.AuthContext{Subject: "ops-1"})
	h.ServeHTTP(httptest.NewRecorder(), req.WithContext(ctx))

	select {
	case e := <-written:
		if e.Action != models.AuditAnomalyResolved || e.TenantID != tenant || e.Subject != "ops-1" || e.StatusCode != http.StatusAccepted {
			t.Fatalf("unexpected entry %#v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("audit entry not written")
	}
}

func TestAuditSkipsReads(t *testing.T) {
	cases := []struct {
		method string
		path   string
		want   string
	}{
		{http.MethodGet, "/api/v1/imports", ""},
		{http.MethodPost, "/api/v1/imports", models.AuditImportTriggered},
		{http.MethodPost, "/api/v1/imports/upload", models.AuditImportUploaded},
		{http.MethodPost, "/api/v1/auto-import/trigger", models.AuditAutoImportTriggered},
		{http.MethodPut, "/api/v1/anomaly-config", models.AuditAnomalyConfigUpdated},
		{http.MethodGet, "/api/v1/anomaly-config", ""},
	}
	for _, tc := range cases {
		if got := auditAction(httptest.NewRequest(tc.method, tc.path, nil)); got != tc.want {
			t.Fatalf("%s %s: expected %q, got %q", tc.method, tc.path, tc.want, got)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	called := false
	h := CORSMiddleware{AllowedOrigins: []string{"https://dash.example.com"}, MaxAge: time.Minute}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/anomalies", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || called {
		t.Fatalf("expected preflight to short-circuit, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://dash.example.com" || rec.Header().Get("Access-Control-Max-Age") != "60" {
		t.Fatalf("unexpected headers %#v", rec.Header())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/anomalies", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if !called || rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unknown origin must pass through without CORS headers")
	}
}
