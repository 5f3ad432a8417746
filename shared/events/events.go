package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	TenantID      uuid.UUID       `json:"tenant_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

const (
	TopicImportCompleted = "telemetry.import.completed"
	TopicAnomalies       = "telemetry.anomalies"
)

const (
	AggregateImportRun = "import_run"
	AggregateAnomalies = "anomaly_batch"
)

// Channel names for redis pub/sub fan-out to live dashboards.
func AnomalyChannel(tenantID uuid.UUID) string {
	return "telemetry:anomalies:" + tenantID.String()
}

// NewEnvelope marshals payload and stamps a fresh event id.
func NewEnvelope(tenantID uuid.UUID, aggregateType string, aggregateID uuid.UUID, eventType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.New(),
		TenantID:      tenantID,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       raw,
	}, nil
}
