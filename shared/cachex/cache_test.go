package cachex

import (
	"context"
	"errors"
	"testing"
	"time"

	"wind-telemetry-platform/shared/config"
)

func TestNewRequiresAddr(t *testing.T) {
	if _, err := New(config.Config{}); err == nil {
		t.Fatalf("expected error without REDIS_ADDR")
	}
}

func TestRememberWithoutClientLoads(t *testing.T) {
	calls := 0
	got, err := Remember(context.Background(), nil, "k", time.Minute, func(context.Context) (int, error) {
		calls++
		return 42, nil
	})
	if err != nil || got != 42 || calls != 1 {
		t.Fatalf("expected load to run once, got=%d calls=%d err=%v", got, calls, err)
	}
}

func TestRememberPropagatesLoadError(t *testing.T) {
	boom := errors.New("boom")
	_, err := Remember(context.Background(), nil, "k", time.Minute, func(context.Context) (string, error) {
		return "", boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected load error, got %v", err)
	}
}
