package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
)

func TestLoggerWritesEventKeys(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "importer", "test", "v1", "info")
	l.With(slog.String("tenant_id", "t-1")).Error(context.Background(), "file_failed", "file failed", Err("INTERNAL_ERROR", errors.New("boom"))...)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("invalid json log line: %v (%s)", err, buf.String())
	}
	if rec["event"] != "file_failed" || rec["message"] != "file failed" {
		t.Fatalf("expected event code and message text, got %#v", rec)
	}
	if n := bytes.Count(buf.Bytes(), []byte(`"event":`)); n != 1 {
		t.Fatalf("expected a single event key, got %d in %s", n, buf.String())
	}
	if rec["tenant_id"] != "t-1" || rec["error"] != "boom" || rec["error_code"] != "INTERNAL_ERROR" {
		t.Fatalf("missing attrs: %#v", rec)
	}
	if rec["version"] != "v1" {
		t.Fatalf("expected version attr, got %#v", rec)
	}
}

func TestLoggerHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "importer", "test", "", "warn")
	l.Info(context.Background(), "noise", "dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %s", buf.String())
	}
}
