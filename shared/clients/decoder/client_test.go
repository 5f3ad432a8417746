package decoder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"wind-telemetry-platform/shared/config"
)

func TestDecodeRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var req DecodeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]any{"kind": req.Kind, "records": []any{map[string]any{"plant_no": 1}}})
	}))
	defer srv.Close()

	c, err := New(config.Config{DecoderURL: srv.URL, DecoderTimeoutMS: 2000, DecoderRetryMax: 2})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	out, err := c.Decode(context.Background(), DecodeRequest{Path: "/x/20240101.wsd", Kind: "WSD"})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Kind != "WSD" || len(out.Records) == 0 {
		t.Fatalf("unexpected response %#v", out)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected one retry, got %d calls", calls)
	}
}

func TestDecodeDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "unsupported kind", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c, _ := New(config.Config{DecoderURL: srv.URL, DecoderTimeoutMS: 2000, DecoderRetryMax: 3})
	if _, err := c.Decode(context.Background(), DecodeRequest{Path: "p", Kind: "ZZZ"}); err == nil {
		t.Fatalf("expected error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	b := newCircuitBreaker(2, 60_000_000_000)
	b.Fail()
	if b.Open() {
		t.Fatalf("breaker opened too early")
	}
	b.Fail()
	if !b.Open() {
		t.Fatalf("expected breaker to open")
	}
	b.Success()
	if b.Open() {
		t.Fatalf("expected success to close breaker")
	}
}
