// Command ingestor runs the xray telemetry ingestion pipeline: it
// consumes signed RawSignal deliveries off the primary queue, verifies
// and persists them, and republishes transient failures to the retry
// exchange per §4.10. Configuration, logging, and shutdown follow the
// teacher's process-entrypoint idiom (env-driven config, signal-driven
// cancellation, sequenced graceful shutdown).
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/SinaVosooghi/xrayiot/pkg/config"
	"github.com/SinaVosooghi/xrayiot/pkg/telemetry"
	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/breaker"
	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/broker"
	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/consumer"
	signerpkg "github.com/SinaVosooghi/xrayiot/services/ingest/internal/hmac"
	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/metrics"
	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/nonce"
	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/rawstore"
	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/repository"
	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/shutdown"
	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/workerpool"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := telemetry.NewDefaultLogger(os.Stdout, "ingestor")

	settings, err := loadSettings(ctx)
	if err != nil {
		log.Error(ctx, "config_load_failed", map[string]any{"err": err.Error()})
		os.Exit(1)
	}
	if err := settings.Validate(); err != nil {
		log.Error(ctx, "config_invalid", map[string]any{"err": err.Error()})
		os.Exit(1)
	}

	db, err := sql.Open("postgres", settings.Repo.URI)
	if err != nil {
		log.Error(ctx, "db_open_failed", map[string]any{"err": err.Error()})
		os.Exit(1)
	}
	repo, err := repository.New(db, repository.Options{TableName: settings.Repo.DB})
	if err != nil {
		log.Error(ctx, "repository_init_failed", map[string]any{"err": err.Error()})
		os.Exit(1)
	}
	if err := repo.EnsureSchema(ctx); err != nil {
		log.Error(ctx, "schema_ensure_failed", map[string]any{"err": err.Error()})
		os.Exit(1)
	}

	rawStore, closeRaw, err := buildRawStore(ctx, settings, db)
	if err != nil {
		log.Error(ctx, "rawstore_init_failed", map[string]any{"err": err.Error()})
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: envOr("NONCE_REDIS_ADDR", "localhost:6379")})
	nonces := nonce.NewRedisStore(redisClient, "xrayiot:nonce")

	conn, err := amqp.Dial(settings.Broker.URI)
	if err != nil {
		log.Error(ctx, "amqp_dial_failed", map[string]any{"err": err.Error()})
		os.Exit(1)
	}
	ch, err := conn.Channel()
	if err != nil {
		log.Error(ctx, "amqp_channel_failed", map[string]any{"err": err.Error()})
		os.Exit(1)
	}
	if err := ch.Qos(settings.Broker.Prefetch, 0, false); err != nil {
		log.Error(ctx, "amqp_qos_failed", map[string]any{"err": err.Error()})
		os.Exit(1)
	}
	if err := broker.Declare(ch); err != nil {
		log.Error(ctx, "topology_declare_failed", map[string]any{"err": err.Error()})
		os.Exit(1)
	}

	verifier := signerpkg.NewVerifier(settings.HMAC.Secret, int64(settings.HMAC.TimestampToleranceSec))
	breakers := breaker.NewRegistry(breaker.DefaultSettings())
	republisher := broker.NewChannelRepublisher(ch)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	cs := consumer.DefaultSettings()
	cs.NonceTTL = time.Duration(settings.Nonce.TTLSec) * time.Second
	if settings.Broker.RetryMax > 0 {
		cs.RetryPolicy.MaxAttempts = settings.Broker.RetryMax
	}
	c := consumer.New(verifier, nonces, rawStore, repo, breakers, republisher, cs)

	pool := workerpool.NewPool(settings.Broker.Prefetch, settings.Broker.Prefetch*4, func(level, msg string, fields map[string]any) {
		switch level {
		case "error":
			log.Error(ctx, msg, fields)
		case "warn":
			log.Warn(ctx, msg, fields)
		default:
			log.Info(ctx, msg, fields)
		}
	})
	// The pool runs under its own context, so a shutdown signal does not
	// cancel in-flight tasks; the coordinator's drain cancels them once the
	// grace period ends.
	if err := pool.Start(context.Background()); err != nil {
		log.Error(ctx, "pool_start_failed", map[string]any{"err": err.Error()})
		os.Exit(1)
	}

	intakeCtx, cancelIntake := context.WithCancel(ctx)
	deliveries, err := ch.ConsumeWithContext(intakeCtx, broker.PrimaryQueue, "ingestor", false, false, false, false, nil)
	if err != nil {
		log.Error(ctx, "amqp_consume_failed", map[string]any{"err": err.Error()})
		os.Exit(1)
	}

	go consumeLoop(intakeCtx, deliveries, pool, c, log, m)

	metricsSrv := &http.Server{Addr: envOr("METRICS_ADDR", ":9090"), Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(ctx, "metrics_server_failed", map[string]any{"err": err.Error()})
		}
	}()

	coordinator := shutdown.New(pool, cancelIntake, []shutdown.Closer{
		closerFunc(func() error { return ch.Close() }),
		closerFunc(func() error { return conn.Close() }),
		closerFunc(func() error { return db.Close() }),
		closerFunc(func() error { return redisClient.Close() }),
		closerFunc(func() error { return metricsSrv.Close() }),
		closeRaw,
	}, shutdown.Options{GracePeriod: shutdown.DefaultGracePeriod, Logger: func(msg string, fields map[string]any) { log.Info(ctx, msg, fields) }})

	<-ctx.Done()
	log.Info(context.Background(), "shutdown_signal_received", nil)
	if err := coordinator.Shutdown(context.Background()); err != nil {
		log.Error(context.Background(), "shutdown_incomplete", map[string]any{"err": err.Error()})
		os.Exit(1)
	}
	log.Info(context.Background(), "shutdown_complete", nil)
}

func consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery, pool *workerpool.Pool, c *consumer.Consumer, log *telemetry.Logger, m *metrics.Metrics) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			delivery := d
			err := pool.Submit(ctx, "handle_delivery", func(taskCtx context.Context) error {
				if env, headersOK := broker.FromTable(delivery.Headers); headersOK && env.CorrelationID != "" {
					taskCtx = telemetry.ContextWithSpanContext(taskCtx, telemetry.SpanContext{TraceID: env.CorrelationID})
				}
				start := time.Now()
				msg := broker.NewDelivery(delivery)
				outcome, err := c.HandleMessage(taskCtx, msg)
				m.ProcessingSeconds.Observe(time.Since(start).Seconds())
				m.MessagesConsumed.WithLabelValues(string(outcome)).Inc()
				if err != nil {
					log.Warn(taskCtx, "handle_message_failed", map[string]any{"outcome": string(outcome), "err": err.Error()})
					return err
				}
				switch outcome {
				case consumer.OutcomeStored:
					m.MessagesStored.Inc()
				case consumer.OutcomeDuplicate:
					m.MessagesDuplicate.Inc()
				case consumer.OutcomeReplayedNonce:
					m.NonceReplays.Inc()
				case consumer.OutcomeRetried:
					m.RetriesPublished.Inc()
				case consumer.OutcomeDLQ:
					m.DLQDeliveries.Inc()
				}
				return nil
			})
			if err != nil {
				log.Warn(ctx, "submit_failed", map[string]any{"err": err.Error()})
				_ = d.Nack(false, true)
			}
		}
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func buildRawStore(ctx context.Context, s config.Settings, db *sql.DB) (rawstore.Store, shutdown.Closer, error) {
	switch s.Store.Backend {
	case "s3":
		endpoint := envOr("S3_ENDPOINT", "localhost:9000")
		client, err := minio.New(endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(envOr("S3_ACCESS_KEY", ""), envOr("S3_SECRET_KEY", ""), ""),
			Secure: envOr("S3_USE_SSL", "false") == "true",
		})
		if err != nil {
			return nil, nil, fmt.Errorf("rawstore: minio client: %w", err)
		}
		ttl := time.Duration(s.Store.PresignTTLSec) * time.Second
		store, err := rawstore.NewS3Store(client, rawstore.S3Options{
			Bucket:     envOr("S3_BUCKET", "xrayiot-raw"),
			Prefix:     "signals/",
			PresignTTL: ttl,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, closerFunc(func() error { return nil }), nil
	default:
		store, err := rawstore.NewPostgresStore(db, rawstore.PostgresOptions{TableName: "raw_blobs"})
		if err != nil {
			return nil, nil, err
		}
		return store, closerFunc(func() error { return nil }), nil
	}
}

func loadSettings(ctx context.Context) (config.Settings, error) {
	root := envOr("CONFIG_ROOT", "./config")
	loader, err := config.NewLoader(root, config.Options{Service: "ingestor", Env: os.Getenv("APP_ENV")})
	if err != nil {
		return config.Settings{}, err
	}
	bundle, err := loader.Load(ctx)
	if err != nil {
		return config.Settings{}, err
	}
	return config.BindSettings(bundle.Merged), nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

