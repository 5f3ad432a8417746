package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"wind-telemetry-platform/shared/cachex"
	"wind-telemetry-platform/shared/events"
	"wind-telemetry-platform/shared/mqx"
	"wind-telemetry-platform/telemetry/internal/models"
)

const EventAnomaliesDetected = "anomalies_detected"

// Summary is what reaches operators after a detection pass.
type Summary struct {
	TenantID   uuid.UUID      `json:"tenant_id"`
	BatchID    uuid.UUID      `json:"batch_id"`
	Total      int            `json:"total"`
	BySeverity map[string]int `json:"by_severity"`
	Message    string         `json:"message"`
	Link       string         `json:"link"`
	AnomalyIDs []uuid.UUID    `json:"anomaly_ids"`
}

type Notifier interface {
	Notify(ctx context.Context, s Summary) error
}

// Summarize buckets anomalies by severity. The representative message is
// taken from the first critical anomaly, else the first one.
func Summarize(tenantID uuid.UUID, anomalies []models.Anomaly, baseURL string) Summary {
	s := Summary{
		TenantID:   tenantID,
		BatchID:    uuid.New(),
		Total:      len(anomalies),
		BySeverity: map[string]int{models.SeverityCritical: 0, models.SeverityWarning: 0},
		Link:       Link(baseURL, tenantID),
	}
	for _, a := range anomalies {
		s.BySeverity[a.Severity]++
		s.AnomalyIDs = append(s.AnomalyIDs, a.AnomalyID)
		if s.Message == "" || (a.Severity == models.SeverityCritical && !strings.HasPrefix(s.Message, "[CRITICAL]")) {
			s.Message = fmt.Sprintf("[%s] %s", a.Severity, a.Message)
		}
	}
	return s
}

// Link points at the tenant's unresolved anomaly list.
func Link(baseURL string, tenantID uuid.UUID) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return fmt.Sprintf("%s/tenants/%s/anomalies?status=open", base, tenantID)
}

type Kafka struct {
	publisher mqx.Publisher
	topic     string
}

func NewKafka(publisher mqx.Publisher, topic string) *Kafka {
	if strings.TrimSpace(topic) == "" {
		topic = events.TopicAnomalies
	}
	return &Kafka{publisher: publisher, topic: topic}
}

func (k *Kafka) Notify(ctx context.Context, s Summary) error {
	env, err := events.NewEnvelope(s.TenantID, events.AggregateAnomalies, s.BatchID, EventAnomaliesDetected, s)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return k.publisher.Publish(ctx, k.topic, []byte(s.TenantID.String()), raw, map[string]string{"event_type": EventAnomaliesDetected})
}

// Redis fans the summary out to live dashboards subscribed per tenant.
type Redis struct {
	cache *cachex.Client
}

func NewRedis(cache *cachex.Client) *Redis {
	return &Redis{cache: cache}
}

func (r *Redis) Notify(ctx context.Context, s Summary) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.cache.Publish(ctx, events.AnomalyChannel(s.TenantID), raw)
}

// Multi delivers to every notifier and joins the failures.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, s Summary) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
