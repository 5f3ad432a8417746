package httpx

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"wind-telemetry-platform/shared/logx"
)

func TestWriteErrorCarriesRequestID(t *testing.T) {
	h := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "bad", nil)
	}))
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusBadRequest || env.Error.RequestID != "req-1" || env.Error.Code != "INVALID_ARGUMENT" {
		t.Fatalf("unexpected response %d %#v", rec.Code, env)
	}
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	var dst struct {
		Site string `json:"site"`
	}
	req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"site":"S1","extra":1}`))
	if err := DecodeJSON(req, &dst); err == nil {
		t.Fatalf("expected unknown field error")
	}
	req = httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"site":"S1"}`))
	if err := DecodeJSON(req, &dst); err != nil || dst.Site != "S1" {
		t.Fatalf("expected decode, got %v %#v", err, dst)
	}
}

func TestPathUUIDAndQueryInt(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /runs/{run_id}", func(w http.ResponseWriter, r *http.Request) {
		if _, err := PathUUID(r, "run_id"); err != nil {
			WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
			return
		}
		n, err := QueryInt(r, "limit", 50, 1, 200)
		if err != nil {
			WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]int{"limit": n})
	})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/not-a-uuid", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad uuid, got %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/6f1c0a52-5d39-4a51-9b0e-1d3f1f6f7a10?limit=500", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for out-of-range limit, got %d", rec.Code)
	}
}

func TestWithRecover(t *testing.T) {
	h := WithRequestID(WithRecover(logx.Discard(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}
