package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration
	OIDCIssuer       string
	OIDCAudience     string
	OIDCJWKSURL      string
	JWKSTTLSeconds   int
	JWTClockSkewSec  int
	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int
	KafkaBrokers     []string
	KafkaClientID    string
	KafkaGroupID     string
	KafkaRetryMax    int
	KafkaWriteMS     int
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int
	InfluxURL        string
	InfluxToken      string
	InfluxOrg        string
	InfluxBucket     string
	InfluxTimeoutMS  int
	OtelEnabled      bool
	OtelEndpoint     string
	OtelInsecure     bool
	OtelSampleRatio  float64

	DataBasePath          string
	ImportBatchSize       int
	SampleIntervalMinutes int
	AutoImportScanSec     int
	AnomalyScanSec        int
	RunLockTTLSec         int
	DecoderURL            string
	DecoderTimeoutMS      int
	DecoderRetryMax       int
	NotifyTopic           string
	AppBaseURL            string
	AnomalyConfigCacheSec int
	UploadDir             string
	StaleRunMinutes       int
	TriggerRateRPS        float64
	TriggerRateBurst      int
	AuditEnabled          bool
	CORSAllowedOrigins    []string
}

// binding ties one configuration key to a Config field. The same table
// drives both the JSON config file and the environment overlay.
type binding struct {
	key  string
	str  *string
	list *[]string
	num  *int
	flt  *float64
	flag *bool
}

func (c *Config) bindings() []binding {
	return []binding{
		{key: "SERVICE_NAME", str: &c.ServiceName},
		{key: "HTTP_PORT", num: &c.HTTPPort},
		{key: "LOG_LEVEL", str: &c.LogLevel},
		{key: "REQUEST_TIMEOUT_MS", num: &c.RequestTimeoutMS},
		{key: "OIDC_ISSUER", str: &c.OIDCIssuer},
		{key: "OIDC_AUDIENCE", str: &c.OIDCAudience},
		{key: "OIDC_JWKS_URL", str: &c.OIDCJWKSURL},
		{key: "JWKS_CACHE_TTL_SECONDS", num: &c.JWKSTTLSeconds},
		{key: "JWT_CLOCK_SKEW_SECONDS", num: &c.JWTClockSkewSec},
		{key: "DATABASE_URL", str: &c.DatabaseURL},
		{key: "DB_MAX_CONNS", num: &c.DBMaxConns},
		{key: "DB_MIN_CONNS", num: &c.DBMinConns},
		{key: "DB_CONN_MAX_IDLE_SECONDS", num: &c.DBConnMaxIdleSec},
		{key: "DB_CONN_MAX_LIFETIME_SECONDS", num: &c.DBConnMaxLifeSec},
		{key: "KAFKA_BROKERS", list: &c.KafkaBrokers},
		{key: "KAFKA_CLIENT_ID", str: &c.KafkaClientID},
		{key: "KAFKA_CONSUMER_GROUP", str: &c.KafkaGroupID},
		{key: "KAFKA_RETRY_MAX", num: &c.KafkaRetryMax},
		{key: "KAFKA_WRITE_TIMEOUT_MS", num: &c.KafkaWriteMS},
		{key: "REDIS_ADDR", str: &c.RedisAddr},
		{key: "REDIS_PASSWORD", str: &c.RedisPassword},
		{key: "REDIS_DB", num: &c.RedisDB},
		{key: "ASYNQ_REDIS_ADDR", str: &c.AsynqRedisAddr},
		{key: "ASYNQ_REDIS_PASSWORD", str: &c.AsynqRedisPass},
		{key: "ASYNQ_REDIS_DB", num: &c.AsynqRedisDB},
		{key: "ASYNQ_QUEUE", str: &c.AsynqQueue},
		{key: "ASYNQ_CONCURRENCY", num: &c.AsynqConcurrency},
		{key: "INFLUX_URL", str: &c.InfluxURL},
		{key: "INFLUX_TOKEN", str: &c.InfluxToken},
		{key: "INFLUX_ORG", str: &c.InfluxOrg},
		{key: "INFLUX_BUCKET", str: &c.InfluxBucket},
		{key: "INFLUX_TIMEOUT_MS", num: &c.InfluxTimeoutMS},
		{key: "OTEL_ENABLED", flag: &c.OtelEnabled},
		{key: "OTEL_EXPORTER_OTLP_ENDPOINT", str: &c.OtelEndpoint},
		{key: "OTEL_EXPORTER_OTLP_INSECURE", flag: &c.OtelInsecure},
		{key: "OTEL_SAMPLE_RATIO", flt: &c.OtelSampleRatio},
		{key: "DATA_BASE_PATH", str: &c.DataBasePath},
		{key: "IMPORT_BATCH_SIZE", num: &c.ImportBatchSize},
		{key: "SAMPLE_INTERVAL_MINUTES", num: &c.SampleIntervalMinutes},
		{key: "AUTO_IMPORT_SCAN_SECONDS", num: &c.AutoImportScanSec},
		{key: "ANOMALY_SCAN_SECONDS", num: &c.AnomalyScanSec},
		{key: "RUN_LOCK_TTL_SECONDS", num: &c.RunLockTTLSec},
		{key: "DECODER_URL", str: &c.DecoderURL},
		{key: "DECODER_TIMEOUT_MS", num: &c.DecoderTimeoutMS},
		{key: "DECODER_RETRY_MAX", num: &c.DecoderRetryMax},
		{key: "NOTIFY_TOPIC", str: &c.NotifyTopic},
		{key: "APP_BASE_URL", str: &c.AppBaseURL},
		{key: "ANOMALY_CONFIG_CACHE_SECONDS", num: &c.AnomalyConfigCacheSec},
		{key: "UPLOAD_DIR", str: &c.UploadDir},
		{key: "STALE_RUN_MINUTES", num: &c.StaleRunMinutes},
		{key: "TRIGGER_RATE_RPS", flt: &c.TriggerRateRPS},
		{key: "TRIGGER_RATE_BURST", num: &c.TriggerRateBurst},
		{key: "AUDIT_ENABLED", flag: &c.AuditEnabled},
		{key: "CORS_ALLOWED_ORIGINS", list: &c.CORSAllowedOrigins},
	}
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := Config{
		Env:                   envRaw,
		ServiceName:           serviceNameDefault,
		HTTPPort:              httpPortDefault,
		LogLevel:              "info",
		ConfigPath:            strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		RequestTimeoutMS:      30000,
		JWKSTTLSeconds:        300,
		JWTClockSkewSec:       60,
		DBMaxConns:            10,
		DBMinConns:            1,
		DBConnMaxIdleSec:      300,
		DBConnMaxLifeSec:      1800,
		KafkaRetryMax:         5,
		KafkaWriteMS:          5000,
		KafkaGroupID:          "telemetry-consumer",
		AsynqQueue:            "default",
		AsynqConcurrency:      4,
		InfluxTimeoutMS:       5000,
		OtelInsecure:          true,
		OtelSampleRatio:       1.0,
		DataBasePath:          "/data/scada",
		ImportBatchSize:       1000,
		SampleIntervalMinutes: 10,
		AutoImportScanSec:     900,
		AnomalyScanSec:        3600,
		RunLockTTLSec:         3600,
		DecoderTimeoutMS:      60000,
		DecoderRetryMax:       2,
		NotifyTopic:           "telemetry.anomalies",
		AnomalyConfigCacheSec: 300,
		UploadDir:             "/data/uploads",
		StaleRunMinutes:       360,
		TriggerRateRPS:        1,
		TriggerRateBurst:      5,
		AuditEnabled:          true,
	}

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != ""); ok {
		problems = append(problems, fileProblems...)
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
			if cfg.Env == "" {
				cfg.Env = strings.TrimSpace(fileEnv)
			}
		}
		applyConfigMap(&cfg, fileData, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	applyEnv(&cfg, &problems)

	if cfg.OIDCIssuer != "" && strings.TrimSpace(cfg.OIDCJWKSURL) == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	validate(&cfg, httpPortDefault, &problems)
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond

	return cfg, problems
}

func validate(cfg *Config, httpPortDefault int, problems *[]Problem) {
	check := func(bad bool, field string, msg string, reset func()) {
		if bad {
			*problems = append(*problems, Problem{Field: field, Message: field + " " + msg})
			reset()
		}
	}
	check(cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535, "HTTP_PORT", "must be 1-65535", func() { cfg.HTTPPort = httpPortDefault })
	check(cfg.RequestTimeoutMS <= 0, "REQUEST_TIMEOUT_MS", "must be > 0", func() { cfg.RequestTimeoutMS = 30000 })
	check(cfg.JWKSTTLSeconds <= 0, "JWKS_CACHE_TTL_SECONDS", "must be > 0", func() { cfg.JWKSTTLSeconds = 300 })
	check(cfg.JWTClockSkewSec < 0, "JWT_CLOCK_SKEW_SECONDS", "must be >= 0", func() { cfg.JWTClockSkewSec = 60 })
	check(cfg.DBMaxConns <= 0, "DB_MAX_CONNS", "must be > 0", func() { cfg.DBMaxConns = 10 })
	check(cfg.DBMinConns < 0, "DB_MIN_CONNS", "must be >= 0", func() { cfg.DBMinConns = 1 })
	check(cfg.DBMinConns > cfg.DBMaxConns, "DB_MIN_CONNS", "must be <= DB_MAX_CONNS", func() { cfg.DBMinConns = cfg.DBMaxConns })
	check(cfg.DBConnMaxIdleSec <= 0, "DB_CONN_MAX_IDLE_SECONDS", "must be > 0", func() { cfg.DBConnMaxIdleSec = 300 })
	check(cfg.DBConnMaxLifeSec <= 0, "DB_CONN_MAX_LIFETIME_SECONDS", "must be > 0", func() { cfg.DBConnMaxLifeSec = 1800 })
	check(cfg.KafkaRetryMax < 0, "KAFKA_RETRY_MAX", "must be >= 0", func() { cfg.KafkaRetryMax = 5 })
	check(cfg.KafkaWriteMS <= 0, "KAFKA_WRITE_TIMEOUT_MS", "must be > 0", func() { cfg.KafkaWriteMS = 5000 })
	check(cfg.RedisDB < 0, "REDIS_DB", "must be >= 0", func() { cfg.RedisDB = 0 })
	check(cfg.AsynqRedisDB < 0, "ASYNQ_REDIS_DB", "must be >= 0", func() { cfg.AsynqRedisDB = 0 })
	check(cfg.AsynqConcurrency <= 0, "ASYNQ_CONCURRENCY", "must be > 0", func() { cfg.AsynqConcurrency = 4 })
	check(cfg.InfluxTimeoutMS <= 0, "INFLUX_TIMEOUT_MS", "must be > 0", func() { cfg.InfluxTimeoutMS = 5000 })
	check(cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1, "OTEL_SAMPLE_RATIO", "must be 0-1", func() { cfg.OtelSampleRatio = 1.0 })
	check(cfg.ImportBatchSize <= 0 || cfg.ImportBatchSize > 10000, "IMPORT_BATCH_SIZE", "must be 1-10000", func() { cfg.ImportBatchSize = 1000 })
	check(cfg.SampleIntervalMinutes <= 0 || 60%cfg.SampleIntervalMinutes != 0, "SAMPLE_INTERVAL_MINUTES", "must divide 60", func() { cfg.SampleIntervalMinutes = 10 })
	check(cfg.AutoImportScanSec <= 0, "AUTO_IMPORT_SCAN_SECONDS", "must be > 0", func() { cfg.AutoImportScanSec = 900 })
	check(cfg.AnomalyScanSec <= 0, "ANOMALY_SCAN_SECONDS", "must be > 0", func() { cfg.AnomalyScanSec = 3600 })
	check(cfg.RunLockTTLSec <= 0, "RUN_LOCK_TTL_SECONDS", "must be > 0", func() { cfg.RunLockTTLSec = 3600 })
	check(cfg.DecoderTimeoutMS <= 0, "DECODER_TIMEOUT_MS", "must be > 0", func() { cfg.DecoderTimeoutMS = 60000 })
	check(cfg.DecoderRetryMax < 0, "DECODER_RETRY_MAX", "must be >= 0", func() { cfg.DecoderRetryMax = 2 })
	check(cfg.AnomalyConfigCacheSec < 0, "ANOMALY_CONFIG_CACHE_SECONDS", "must be >= 0", func() { cfg.AnomalyConfigCacheSec = 300 })
	check(cfg.StaleRunMinutes <= 0, "STALE_RUN_MINUTES", "must be > 0", func() { cfg.StaleRunMinutes = 360 })
	check(cfg.TriggerRateRPS <= 0, "TRIGGER_RATE_RPS", "must be > 0", func() { cfg.TriggerRateRPS = 1 })
	check(cfg.TriggerRateBurst <= 0, "TRIGGER_RATE_BURST", "must be > 0", func() { cfg.TriggerRateBurst = 5 })
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		if explicit {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	index := make(map[string]binding)
	for _, b := range cfg.bindings() {
		index[b.key] = b
	}
	for k, v := range raw {
		b, ok := index[strings.ToUpper(strings.TrimSpace(k))]
		if !ok {
			continue
		}
		if msg := b.assign(v); msg != "" {
			*problems = append(*problems, Problem{Field: b.key, Message: b.key + " " + msg})
		}
	}
}

func applyEnv(cfg *Config, problems *[]Problem) {
	for _, b := range cfg.bindings() {
		v := strings.TrimSpace(os.Getenv(b.key))
		if v == "" && b.key == "HTTP_PORT" {
			v = strings.TrimSpace(os.Getenv("PORT"))
		}
		if v == "" {
			continue
		}
		if msg := b.assign(v); msg != "" {
			*problems = append(*problems, Problem{Field: b.key, Message: b.key + " " + msg})
		}
	}
}

// assign stores v into the bound field and returns a non-empty message
// when v has the wrong shape.
func (b binding) assign(v any) string {
	switch {
	case b.str != nil:
		s, ok := v.(string)
		if !ok {
			return "must be a string"
		}
		*b.str = strings.TrimSpace(s)
	case b.list != nil:
		switch t := v.(type) {
		case string:
			*b.list = parseCSV(t)
		case []any:
			*b.list = parseAnyCSV(t)
		default:
			return "must be a list"
		}
	case b.num != nil:
		n, ok := asInt(v)
		if !ok {
			return "must be an integer"
		}
		*b.num = n
	case b.flt != nil:
		f, ok := asFloat(v)
		if !ok {
			return "must be a number"
		}
		*b.flt = f
	case b.flag != nil:
		switch t := v.(type) {
		case bool:
			*b.flag = t
		case string:
			parsed, ok := asBool(t)
			if !ok {
				return "must be a boolean"
			}
			*b.flag = parsed
		default:
			return "must be a boolean"
		}
	}
	return ""
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
