// Package config reads the runtime configuration from the environment.
// cmd/machinist calls Load once at boot and passes the values down
// explicitly; no other package reads the environment. Unset variables take
// the documented defaults, malformed or inconsistent ones fail loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config is the full runtime configuration, one field per environment
// variable. Durations are stored parsed; the variable names carry the unit.
type Config struct {
	// HTTPAddr is the listen address (HTTP_ADDR).
	HTTPAddr string

	// IdempotencyTTL is how long ingestion remembers idempotency keys
	// (TTL_IDEMPOTENCY_SECONDS).
	IdempotencyTTL time.Duration
	// IngestAutoRegister registers unknown sensors on first contact
	// (INGEST_AUTO_REGISTER_SENSORS).
	IngestAutoRegister bool

	// Bus sizing and retry policy (BUS_*).
	BusQueueCapacity  int
	BusMaxAttempts    int
	BusBackoffMin     time.Duration
	BusBackoffMax     time.Duration
	BusPublishTimeout time.Duration
	BusDrainGrace     time.Duration

	// DriftSchedule is the cron expression driving scheduled checks
	// (DRIFT_SCHEDULE), validated at load time.
	DriftSchedule        string
	DriftPValueThreshold float64
	DriftMinSamples      int
	DriftWindow          time.Duration
	DriftHardCap         int
	// DriftRateLimitPerMin caps ad hoc drift checks per API key
	// (DRIFT_RATE_LIMIT_PER_MIN).
	DriftRateLimitPerMin int

	// Retraining gates (RETRAIN_*).
	RetrainEnabled              bool
	RetrainCooldown             time.Duration
	RetrainMaxConcurrent        int
	RetrainTimeout              time.Duration
	RetrainImprovementThreshold float64

	// Notification gates (NOTIFY_*).
	NotifyPerSensorPer5Min int
	NotifyDedupWindow      time.Duration

	// AnomalyScoreThreshold is the alerting cutoff
	// (ANOMALY_SCORE_THRESHOLD); ModelCacheSize bounds the warm scorer
	// cache (MODEL_CACHE_SIZE).
	AnomalyScoreThreshold float64
	ModelCacheSize        int

	// Validation bounds (VALIDATION_*).
	ValidationMaxSkew         time.Duration
	ValidationFutureTolerance time.Duration

	// Backend URLs. Empty Redis/Mongo/Slack fall back to the in-process
	// implementations.
	PostgresURL     string
	RedisURL        string
	MongoURL        string
	MongoDatabase   string
	SlackWebhookURL string
	SlackChannel    string

	// SensorCatalogFile optionally seeds the sensor catalog from a YAML
	// inventory (SENSOR_CATALOG_FILE).
	SensorCatalogFile string
	// MonitoredPairs lists the sensor/model pairs the drift scheduler
	// watches (MONITORED_PAIRS, "sensor:model,sensor:model").
	MonitoredPairs []MonitoredPair
}

// MonitoredPair binds a sensor to the model serving it.
type MonitoredPair struct {
	SensorID  string
	ModelName string
}

// Load reads and validates the configuration from the environment.
func Load() (Config, error) {
	r := &reader{}
	cfg := Config{
		HTTPAddr: r.str("HTTP_ADDR", ":8080"),

		IdempotencyTTL:     r.duration("TTL_IDEMPOTENCY_SECONDS", time.Second, 600*time.Second),
		IngestAutoRegister: r.boolean("INGEST_AUTO_REGISTER_SENSORS", true),

		BusQueueCapacity:  r.num("BUS_QUEUE_CAPACITY", 10000),
		BusMaxAttempts:    r.num("BUS_DEFAULT_MAX_ATTEMPTS", 3),
		BusBackoffMin:     r.duration("BUS_BACKOFF_MIN_MS", time.Millisecond, 2000*time.Millisecond),
		BusBackoffMax:     r.duration("BUS_BACKOFF_MAX_MS", time.Millisecond, 6000*time.Millisecond),
		BusPublishTimeout: r.duration("BUS_PUBLISH_TIMEOUT_MS", time.Millisecond, 2000*time.Millisecond),
		BusDrainGrace:     r.duration("BUS_DRAIN_GRACE_SECONDS", time.Second, 10*time.Second),

		DriftSchedule:        r.str("DRIFT_SCHEDULE", "0 */6 * * *"),
		DriftPValueThreshold: r.float("DRIFT_P_VALUE_THRESHOLD", 0.05),
		DriftMinSamples:      r.num("DRIFT_MIN_SAMPLES", 30),
		DriftWindow:          r.duration("DRIFT_WINDOW_MINUTES", time.Minute, 360*time.Minute),
		DriftHardCap:         r.num("DRIFT_HARD_CAP", 100000),
		DriftRateLimitPerMin: r.num("DRIFT_RATE_LIMIT_PER_MIN", 10),

		RetrainEnabled:              r.boolean("RETRAIN_ENABLED", true),
		RetrainCooldown:             r.duration("RETRAIN_COOLDOWN_HOURS", time.Hour, 24*time.Hour),
		RetrainMaxConcurrent:        r.num("RETRAIN_MAX_CONCURRENT", 1),
		RetrainTimeout:              r.duration("RETRAIN_TIMEOUT_MINUTES", time.Minute, 60*time.Minute),
		RetrainImprovementThreshold: r.float("RETRAIN_IMPROVEMENT_THRESHOLD", 0),

		NotifyPerSensorPer5Min: r.num("NOTIFY_PER_SENSOR_RATE_PER_5MIN", 1),
		NotifyDedupWindow:      r.duration("NOTIFY_DEDUP_WINDOW_SECONDS", time.Second, 60*time.Second),

		AnomalyScoreThreshold: r.float("ANOMALY_SCORE_THRESHOLD", 0.9),
		ModelCacheSize:        r.num("MODEL_CACHE_SIZE", 8),

		ValidationMaxSkew:         r.duration("VALIDATION_MAX_SKEW_HOURS", time.Hour, 24*time.Hour),
		ValidationFutureTolerance: r.duration("VALIDATION_FUTURE_TOLERANCE_SECONDS", time.Second, 60*time.Second),

		PostgresURL:     os.Getenv("POSTGRES_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		MongoURL:        os.Getenv("MONGO_URL"),
		MongoDatabase:   r.str("MONGO_DATABASE", "machinist"),
		SlackWebhookURL: os.Getenv("SLACK_WEBHOOK_URL"),
		SlackChannel:    os.Getenv("SLACK_CHANNEL"),

		SensorCatalogFile: os.Getenv("SENSOR_CATALOG_FILE"),
	}
	cfg.MonitoredPairs = r.pairs("MONITORED_PAIRS")

	r.validate(cfg)
	if err := errors.Join(r.errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (r *reader) validate(cfg Config) {
	if _, err := cron.ParseStandard(cfg.DriftSchedule); err != nil {
		r.fail("DRIFT_SCHEDULE", err)
	}
	r.positive("BUS_QUEUE_CAPACITY", cfg.BusQueueCapacity)
	r.positive("BUS_DEFAULT_MAX_ATTEMPTS", cfg.BusMaxAttempts)
	r.positive("RETRAIN_MAX_CONCURRENT", cfg.RetrainMaxConcurrent)
	r.positive("NOTIFY_PER_SENSOR_RATE_PER_5MIN", cfg.NotifyPerSensorPer5Min)
	r.positive("MODEL_CACHE_SIZE", cfg.ModelCacheSize)
	r.positive("DRIFT_RATE_LIMIT_PER_MIN", cfg.DriftRateLimitPerMin)
	if cfg.BusBackoffMin <= 0 || cfg.BusBackoffMax < cfg.BusBackoffMin {
		r.fail("BUS_BACKOFF_MIN_MS", fmt.Errorf("backoff window [%s, %s] is not ordered", cfg.BusBackoffMin, cfg.BusBackoffMax))
	}
	r.unit("DRIFT_P_VALUE_THRESHOLD", cfg.DriftPValueThreshold)
	r.unit("ANOMALY_SCORE_THRESHOLD", cfg.AnomalyScoreThreshold)
	if cfg.DriftMinSamples < 0 {
		r.fail("DRIFT_MIN_SAMPLES", fmt.Errorf("must not be negative, got %d", cfg.DriftMinSamples))
	}
	if cfg.RetrainImprovementThreshold < 0 {
		r.fail("RETRAIN_IMPROVEMENT_THRESHOLD", fmt.Errorf("must not be negative, got %v", cfg.RetrainImprovementThreshold))
	}
}

// reader parses environment variables and collects every failure so a bad
// deployment reports all of its mistakes at once.
type reader struct {
	errs []error
}

func (r *reader) fail(key string, err error) {
	r.errs = append(r.errs, fmt.Errorf("config: %s: %w", key, err))
}

func (r *reader) str(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (r *reader) num(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return n
}

func (r *reader) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return f
}

func (r *reader) boolean(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return b
}

// duration reads an integer count of the given unit, the convention the
// variable names carry (_SECONDS, _MS, _MINUTES, _HOURS).
func (r *reader) duration(key string, unit, def time.Duration) time.Duration {
	n := r.num(key, int(def/unit))
	return time.Duration(n) * unit
}

// pairs parses MONITORED_PAIRS: comma-separated sensor:model bindings.
func (r *reader) pairs(key string) []MonitoredPair {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []MonitoredPair
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		sensor, model, ok := strings.Cut(item, ":")
		sensor, model = strings.TrimSpace(sensor), strings.TrimSpace(model)
		if !ok || sensor == "" || model == "" {
			r.fail(key, fmt.Errorf("entry %q is not sensor:model", item))
			continue
		}
		out = append(out, MonitoredPair{SensorID: sensor, ModelName: model})
	}
	return out
}

func (r *reader) positive(key string, n int) {
	if n < 1 {
		r.fail(key, fmt.Errorf("must be at least 1, got %d", n))
	}
}

func (r *reader) unit(key string, f float64) {
	if f < 0 || f > 1 {
		r.fail(key, fmt.Errorf("must be within [0, 1], got %v", f))
	}
}
