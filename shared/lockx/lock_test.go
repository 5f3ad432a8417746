package lockx

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestAcquireValidatesInputs(t *testing.T) {
	if _, _, err := Acquire(context.Background(), nil, "k", time.Second); err == nil {
		t.Fatalf("expected error for nil client")
	}
	if err := Release(context.Background(), nil, &Lock{}); err == nil {
		t.Fatalf("expected error for nil client on release")
	}
}

func TestWithLockDoesNotRunWithoutClient(t *testing.T) {
	ran := false
	ok, err := WithLock(context.Background(), nil, "k", time.Second, func(context.Context) error {
		ran = true
		return nil
	})
	if err == nil || ok || ran {
		t.Fatalf("expected lock failure without running fn, ok=%v ran=%v err=%v", ok, ran, err)
	}
}

func TestRunKey(t *testing.T) {
	id := uuid.MustParse("6f1c0a52-5d39-4a51-9b0e-1d3f1f6f7a10")
	if got := RunKey("autoimport", id); got != "telemetry:lock:autoimport:6f1c0a52-5d39-4a51-9b0e-1d3f1f6f7a10" {
		t.Fatalf("unexpected key %q", got)
	}
}
