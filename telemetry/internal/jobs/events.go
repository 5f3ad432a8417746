package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"wind-telemetry-platform/shared/events"
	"wind-telemetry-platform/telemetry/internal/records"
)

// detectionInputs are the kinds the anomaly checks read.
var detectionInputs = map[records.Kind]bool{
	records.KindWSD: true,
	records.KindAVD: true,
	records.KindSEL: true,
}

// ImportEventTrigger turns import-completed events into an anomaly pass for
// the tenant. Bursts of events for one tenant collapse into a single task
// within Window.
type ImportEventTrigger struct {
	Enqueuer Enqueuer
	Queue    string
	Window   time.Duration
	Timeout  time.Duration
}

type importEvent struct {
	Kind     records.Kind `json:"kind"`
	Imported int          `json:"imported"`
}

// Handle reports whether a detection task was queued. Malformed envelopes
// are returned as errors; events that carry no new detection input are not.
func (t ImportEventTrigger) Handle(ctx context.Context, raw []byte) (bool, error) {
	var env events.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return false, errors.Join(ErrBadPayload, err)
	}
	if env.EventID == uuid.Nil || env.TenantID == uuid.Nil || env.AggregateID == uuid.Nil {
		return false, errors.Join(ErrBadPayload, errors.New("missing event_id/tenant_id/aggregate_id"))
	}
	if env.AggregateType != events.AggregateImportRun {
		return false, nil
	}
	var ev importEvent
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		return false, errors.Join(ErrBadPayload, err)
	}
	if ev.Imported <= 0 || !detectionInputs[ev.Kind] {
		return false, nil
	}
	window := t.Window
	if window <= 0 {
		window = 10 * time.Minute
	}
	task := NewTenantTask(TaskAnomalyTenant, env.TenantID, false, t.Queue, t.Timeout)
	if _, err := t.Enqueuer.Enqueue(task, asynq.Unique(window)); err != nil {
		if errors.Is(err, asynq.ErrDuplicateTask) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
