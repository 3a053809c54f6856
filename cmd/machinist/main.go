// Command machinist runs the predictive-maintenance core runtime: the
// ingestion API, the cooperating analytical agents and the scheduled drift
// and retraining loops, all in one process.
//
// # Backends
//
// The process is self-contained by default: readings, alerts, idempotency
// keys, dead letters and operator feedback live in memory and notifications
// go to the structured log. Each backend switches on when its URL is set:
//
//	POSTGRES_URL       - repositories move to Postgres (schema ensured at boot)
//	REDIS_URL          - idempotency keys and the retrain lease replicate via Redis
//	MONGO_URL          - dead letters and operator feedback persist to MongoDB
//	SLACK_WEBHOOK_URL  - alert notifications post to Slack behind a circuit breaker
//
// # Configuration
//
// Environment variables (defaults in parentheses):
//
//	HTTP_ADDR                      - listen address (":8080")
//	TTL_IDEMPOTENCY_SECONDS        - idempotency key lifetime (600)
//	INGEST_AUTO_REGISTER_SENSORS   - register unknown sensors on first contact (true)
//	BUS_QUEUE_CAPACITY             - publish queue size (10000)
//	BUS_DEFAULT_MAX_ATTEMPTS       - delivery attempts before dead-lettering (3)
//	BUS_BACKOFF_MIN_MS             - first retry backoff (2000)
//	BUS_BACKOFF_MAX_MS             - retry backoff ceiling (6000)
//	BUS_PUBLISH_TIMEOUT_MS         - max publish block on a full queue (2000)
//	BUS_DRAIN_GRACE_SECONDS        - drain budget at shutdown (10)
//	DRIFT_SCHEDULE                 - cron expression for scheduled checks ("0 */6 * * *")
//	DRIFT_P_VALUE_THRESHOLD        - KS p-value cutoff (0.05)
//	DRIFT_MIN_SAMPLES              - per-window sample floor (30)
//	DRIFT_WINDOW_MINUTES           - current-window width (360)
//	DRIFT_HARD_CAP                 - per-window reading cap (100000)
//	DRIFT_RATE_LIMIT_PER_MIN       - ad hoc drift checks per API key (10)
//	RETRAIN_ENABLED                - retrain on detected drift (true)
//	RETRAIN_COOLDOWN_HOURS         - per-model retrain cooldown (24)
//	RETRAIN_MAX_CONCURRENT         - concurrent retrain cap (1)
//	RETRAIN_TIMEOUT_MINUTES        - training budget (60)
//	RETRAIN_IMPROVEMENT_THRESHOLD  - score improvement required to promote (0)
//	NOTIFY_PER_SENSOR_RATE_PER_5MIN - notifications per sensor per window (1)
//	NOTIFY_DEDUP_WINDOW_SECONDS    - duplicate alert suppression (60)
//	ANOMALY_SCORE_THRESHOLD        - alerting cutoff (0.9)
//	MODEL_CACHE_SIZE               - warm scorer cache entries (8)
//	VALIDATION_MAX_SKEW_HOURS      - timestamp skew bound (24)
//	VALIDATION_FUTURE_TOLERANCE_SECONDS - future timestamp clamp window (60)
//	MONGO_DATABASE                 - Mongo database name ("machinist")
//	SLACK_CHANNEL                  - overrides the webhook's default channel
//	SENSOR_CATALOG_FILE            - YAML sensor inventory seeded at boot
//	MONITORED_PAIRS                - "sensor:model,..." pairs for scheduled checks
//
// # Example
//
// Single-process development run, everything in memory:
//
//	MONITORED_PAIRS=pump-1:anomaly-vibration go run ./cmd/machinist -debug
//
// Production-shaped run:
//
//	POSTGRES_URL=postgres://machinist@db/machinist \
//	REDIS_URL=redis:6379 \
//	MONGO_URL=mongodb://mongo:27017 \
//	SLACK_WEBHOOK_URL=https://hooks.slack.com/services/T000/B000/XXXX \
//	./machinist
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/machinist-ai/machinist/agents"
	"github.com/machinist-ai/machinist/config"
	dlqmongo "github.com/machinist-ai/machinist/features/dlq/mongo"
	feedbackmongo "github.com/machinist-ai/machinist/features/feedback/mongo"
	idemredis "github.com/machinist-ai/machinist/features/idempotency/redis"
	retrainpulse "github.com/machinist-ai/machinist/features/retrainlock/pulse"
	"github.com/machinist-ai/machinist/httpapi"
	"github.com/machinist-ai/machinist/ingest"
	"github.com/machinist-ai/machinist/ml/drift"
	"github.com/machinist-ai/machinist/ml/model"
	"github.com/machinist-ai/machinist/notify"
	"github.com/machinist-ai/machinist/runtime/agent"
	"github.com/machinist-ai/machinist/runtime/bus"
	"github.com/machinist-ai/machinist/runtime/telemetry"
	"github.com/machinist-ai/machinist/storage"
	"github.com/machinist-ai/machinist/storage/inmem"
	"github.com/machinist-ai/machinist/storage/postgres"
)

// shutdownTimeout bounds the whole stop sequence: HTTP server, bus drain,
// agent stops.
const shutdownTimeout = 30 * time.Second

func main() {
	dbgF := flag.Bool("debug", false, "Enable debug logs and mount the debug endpoints")
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, *dbgF); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context, dbg bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	var seed []storage.Sensor
	if cfg.SensorCatalogFile != "" {
		if seed, err = config.LoadSensorCatalog(cfg.SensorCatalogFile); err != nil {
			return err
		}
	}

	// Readiness reports on every backend wired below plus the bus and the
	// model registry.
	var pingers []health.Pinger

	// Repositories: Postgres when configured, in-memory otherwise.
	var (
		readings   storage.ReadingRepository
		sensors    storage.SensorCatalog
		alerts     storage.AlertStore
		retrainLog storage.RetrainLog
	)
	if cfg.PostgresURL != "" {
		db, err := postgres.Open(ctx, cfg.PostgresURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer func() {
			if err := db.Close(); err != nil {
				log.Errorf(ctx, err, "close postgres")
			}
		}()
		if err := postgres.EnsureSchema(ctx, db); err != nil {
			return err
		}
		catalog := postgres.NewSensors(db)
		if len(seed) > 0 {
			if err := catalog.Seed(ctx, seed...); err != nil {
				return err
			}
		}
		readings = postgres.NewReadings(db)
		sensors = catalog
		alerts = postgres.NewAlerts(db)
		retrainLog = postgres.NewRetrainLog(db)
		pingers = append(pingers, postgres.NewPinger(db))
	} else {
		catalog := inmem.NewSensorStore()
		catalog.Seed(seed...)
		readings = inmem.NewReadingStore()
		sensors = catalog
		alerts = inmem.NewAlertStore()
		retrainLog = inmem.NewRetrainLog()
	}

	// Idempotency store and retrain lease: replicated via Redis when
	// configured. Without Redis the lease degrades to the in-process lock,
	// which is correct for a single node.
	var (
		idem ingest.Store
		lock agents.RetrainLock
	)
	if cfg.RedisURL != "" {
		ropts, err := redisOptions(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := goredis.NewClient(ropts)
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Errorf(ctx, err, "close redis")
			}
		}()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}

		store, err := idemredis.New(idemredis.Options{Client: rdb})
		if err != nil {
			return err
		}
		idem = store
		pingers = append(pingers, store)

		locks, err := retrainpulse.Join(ctx, rdb)
		if err != nil {
			return fmt.Errorf("join retrain lock map: %w", err)
		}
		replicated, err := retrainpulse.New(retrainpulse.Options{Map: locks, Holder: lockHolder()})
		if err != nil {
			return err
		}
		lock = replicated
	} else {
		store := ingest.NewMemoryStore(ingest.WithSweepInterval(time.Minute))
		defer store.Close()
		idem = store
	}

	// Dead letters and operator feedback: MongoDB when configured.
	var (
		dlqStore bus.DLQ               = bus.NewMemoryDLQ(0)
		feedback storage.FeedbackStore = inmem.NewFeedbackStore()
	)
	if cfg.MongoURL != "" {
		mcli, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.MongoURL))
		if err != nil {
			return fmt.Errorf("connect to mongo: %w", err)
		}
		defer func() {
			if err := mcli.Disconnect(ctx); err != nil {
				log.Errorf(ctx, err, "disconnect mongo")
			}
		}()
		archive, err := dlqmongo.New(dlqmongo.Options{Client: mcli, Database: cfg.MongoDatabase})
		if err != nil {
			return fmt.Errorf("open dead letter archive: %w", err)
		}
		store, err := feedbackmongo.New(feedbackmongo.Options{Client: mcli, Database: cfg.MongoDatabase})
		if err != nil {
			return fmt.Errorf("open feedback store: %w", err)
		}
		dlqStore, feedback = archive, store
		pingers = append(pingers, archive, store)
	}

	// Notifier: Slack behind a circuit breaker when configured, the log
	// sink otherwise.
	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	if cfg.SlackWebhookURL != "" {
		var slackOpts []notify.SlackOption
		if cfg.SlackChannel != "" {
			slackOpts = append(slackOpts, notify.WithSlackChannel(cfg.SlackChannel))
		}
		slack, err := notify.NewSlackNotifier(cfg.SlackWebhookURL, slackOpts...)
		if err != nil {
			return err
		}
		notifier = notify.NewBreaker(slack, notify.BreakerSettings{Logger: logger})
	}

	b := bus.New(
		bus.WithQueueCapacity(cfg.BusQueueCapacity),
		bus.WithPublishTimeout(cfg.BusPublishTimeout),
		bus.WithDrainGrace(cfg.BusDrainGrace),
		bus.WithRetryDefaults(cfg.BusMaxAttempts, cfg.BusBackoffMin, cfg.BusBackoffMax),
		bus.WithDLQStore(dlqStore),
		bus.WithLogger(logger),
		bus.WithMetrics(metrics),
	)
	pingers = append(pingers, b)

	models := model.NewMemoryRegistry()
	trainer := model.NewBaselineTrainer(readings)
	detector := drift.NewDetector(readings,
		drift.WithThreshold(cfg.DriftPValueThreshold),
		drift.WithMinSamples(cfg.DriftMinSamples),
		drift.WithHardCap(cfg.DriftHardCap),
		drift.WithLogger(logger),
		drift.WithMetrics(metrics),
	)
	pingers = append(pingers, models)

	ingestor := ingest.NewIngestor(readings, sensors, idem, b,
		ingest.WithTTL(cfg.IdempotencyTTL),
		ingest.WithAutoRegister(cfg.IngestAutoRegister),
		ingest.WithIngestLogger(logger),
		ingest.WithIngestMetrics(metrics),
	)

	schedule, err := cron.ParseStandard(cfg.DriftSchedule)
	if err != nil {
		return fmt.Errorf("parse drift schedule: %w", err)
	}
	pairs := make([]agents.MonitoredPair, 0, len(cfg.MonitoredPairs))
	for _, p := range cfg.MonitoredPairs {
		pairs = append(pairs, agents.MonitoredPair{SensorID: p.SensorID, ModelName: p.ModelName})
	}

	reg := agent.NewRegistry(b, agent.WithLogger(logger))
	all := []agent.Agent{
		agents.NewAcquisitionAgent(sensors, b,
			agents.WithLogger(logger), agents.WithMetrics(metrics)),
		agents.NewValidationAgent(sensors, b,
			agents.WithLogger(logger), agents.WithMetrics(metrics),
			agents.WithMaxSkew(cfg.ValidationMaxSkew),
			agents.WithFutureTolerance(cfg.ValidationFutureTolerance)),
		agents.NewAnomalyDetectionAgent(models, b, pairs,
			agents.WithLogger(logger), agents.WithMetrics(metrics),
			agents.WithScoreThreshold(cfg.AnomalyScoreThreshold),
			agents.WithModelCacheSize(cfg.ModelCacheSize)),
		agents.NewNotificationAgent(alerts, notifier, b,
			agents.WithLogger(logger), agents.WithMetrics(metrics),
			agents.WithNotifyRate(cfg.NotifyPerSensorPer5Min, 5*time.Minute),
			agents.WithDedupWindow(cfg.NotifyDedupWindow)),
		agents.NewDriftScheduleAgent(detector, b, pairs, schedule,
			agents.WithLogger(logger), agents.WithMetrics(metrics),
			agents.WithDriftWindow(cfg.DriftWindow)),
		agents.NewRetrainAgent(models, trainer, retrainLog, lock, b,
			agents.WithLogger(logger), agents.WithMetrics(metrics),
			agents.WithRetrainEnabled(cfg.RetrainEnabled),
			agents.WithCooldown(cfg.RetrainCooldown),
			agents.WithMaxConcurrentRetrains(cfg.RetrainMaxConcurrent),
			agents.WithTrainTimeout(cfg.RetrainTimeout),
			agents.WithImprovementThreshold(cfg.RetrainImprovementThreshold)),
		agents.NewFeedbackAgent(feedback,
			agents.WithLogger(logger), agents.WithMetrics(metrics)),
	}
	for _, a := range all {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	if err := reg.StartAll(ctx); err != nil {
		return err
	}

	api := httpapi.New(ingestor, detector,
		httpapi.WithHealthChecks(pingers...),
		httpapi.WithDriftRateLimit(cfg.DriftRateLimitPerMin),
		httpapi.WithDebug(dbg),
	)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(ctx),
		ReadHeaderTimeout: 60 * time.Second,
	}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	go func() {
		log.Print(ctx,
			log.KV{K: "msg", V: "machinist listening"},
			log.KV{K: "addr", V: cfg.HTTPAddr},
			log.KV{K: "postgres", V: cfg.PostgresURL != ""},
			log.KV{K: "redis", V: cfg.RedisURL != ""},
			log.KV{K: "mongo", V: cfg.MongoURL != ""},
			log.KV{K: "notifier", V: notifier.Channel()},
			log.KV{K: "agents", V: strings.Join(reg.Names(), ",")},
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)

	// Stop intake first, then drain queued deliveries through the still
	// subscribed handlers, then stop the agents.
	sctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Errorf(ctx, err, "shutdown http server")
	}
	if err := b.Close(sctx); err != nil {
		log.Errorf(ctx, err, "close bus")
	}
	if err := reg.StopAll(sctx); err != nil {
		log.Errorf(ctx, err, "stop agents")
	}
	log.Printf(ctx, "exited")
	return nil
}

// redisOptions accepts both bare "host:port" addresses and redis:// URLs.
func redisOptions(raw string) (*goredis.Options, error) {
	if strings.Contains(raw, "://") {
		return goredis.ParseURL(raw)
	}
	return &goredis.Options{Addr: raw}, nil
}

// lockHolder names this process in replicated retrain lease claims.
func lockHolder() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "machinist"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
