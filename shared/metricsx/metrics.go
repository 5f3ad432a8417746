package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	importFiles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_import_files_total",
			Help: "Telemetry files processed by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	importRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_import_records_total",
			Help: "Telemetry records by kind and outcome (imported, skipped, failed).",
		},
		[]string{"kind", "outcome"},
	)
	importRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_import_runs_total",
			Help: "Finished import runs by kind and status.",
		},
		[]string{"kind", "status"},
	)
	importRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telemetry_import_run_duration_seconds",
			Help:    "Import run wall time in seconds.",
			Buckets: []float64{0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"kind"},
	)
	aggregationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_aggregation_failures_total",
			Help: "Monthly aggregation failures.",
		},
	)
	anomaliesDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_anomalies_detected_total",
			Help: "Persisted anomalies by type and severity.",
		},
		[]string{"type", "severity"},
	)
	anomalyCheckFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_anomaly_check_failures_total",
			Help: "Anomaly checks that returned an error.",
		},
		[]string{"check"},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic and group.",
		},
		[]string{"topic", "group"},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
	decoderFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "decoder_failures_total",
			Help: "Total decoder call failures.",
		},
	)
	decoderLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "decoder_latency_seconds",
			Help:    "Decoder call latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
)

func Register() {
	prometheus.MustRegister(
		httpRequests, httpLatency,
		importFiles, importRecords, importRuns, importRunDuration,
		aggregationFailures, anomaliesDetected, anomalyCheckFailures,
		kafkaConsumerLag, influxWriteFailures, decoderFailures, decoderLatency, asynqQueueDepth,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func IncImportFile(kind string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	importFiles.WithLabelValues(kind, outcome).Inc()
}

func AddImportRecords(kind string, imported int, skipped int, failed int) {
	importRecords.WithLabelValues(kind, "imported").Add(float64(imported))
	importRecords.WithLabelValues(kind, "skipped").Add(float64(skipped))
	importRecords.WithLabelValues(kind, "failed").Add(float64(failed))
}

func ObserveImportRun(kind string, status string, d time.Duration) {
	importRuns.WithLabelValues(kind, status).Inc()
	importRunDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func IncAggregationFailure() {
	aggregationFailures.Inc()
}

func IncAnomaly(anomalyType string, severity string) {
	anomaliesDetected.WithLabelValues(anomalyType, severity).Inc()
}

func IncAnomalyCheckFailure(check string) {
	anomalyCheckFailures.WithLabelValues(check).Inc()
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

func IncDecoderFailure() {
	decoderFailures.Inc()
}

func ObserveDecoderLatency(d time.Duration) {
	decoderLatency.Observe(d.Seconds())
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
