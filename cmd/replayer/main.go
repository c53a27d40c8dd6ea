// Command replayer periodically drains the dead-letter queue via
// DLQReplayer, recomputing backoff delays from each message's own
// retry count and republishing to the retry exchange (§4.11).
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/SinaVosooghi/xrayiot/pkg/config"
	"github.com/SinaVosooghi/xrayiot/pkg/telemetry"
	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/broker"
	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/dlq"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := telemetry.NewDefaultLogger(os.Stdout, "dlq-replayer")

	root := envOr("CONFIG_ROOT", "./config")
	loader, err := config.NewLoader(root, config.Options{Service: "replayer", Env: os.Getenv("APP_ENV")})
	if err != nil {
		log.Error(ctx, "config_loader_failed", map[string]any{"err": err.Error()})
		os.Exit(1)
	}
	bundle, err := loader.Load(ctx)
	if err != nil {
		log.Error(ctx, "config_load_failed", map[string]any{"err": err.Error()})
		os.Exit(1)
	}
	settings := config.BindSettings(bundle.Merged)

	conn, err := amqp.Dial(settings.Broker.URI)
	if err != nil {
		log.Error(ctx, "amqp_dial_failed", map[string]any{"err": err.Error()})
		os.Exit(1)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		log.Error(ctx, "amqp_channel_failed", map[string]any{"err": err.Error()})
		os.Exit(1)
	}
	defer ch.Close()
	if err := broker.Declare(ch); err != nil {
		log.Error(ctx, "topology_declare_failed", map[string]any{"err": err.Error()})
		os.Exit(1)
	}

	source := broker.NewQueueSource(ch, broker.DLQQueue)
	republisher := broker.NewChannelRepublisher(ch)
	replayer := dlq.NewWithMaxAttempts(source, republisher, settings.Broker.RetryMax)

	interval := envDuration("REPLAY_INTERVAL", time.Minute)
	limit := envInt("REPLAY_BATCH_LIMIT", 100)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	runOnce(ctx, replayer, limit, log)

	for {
		select {
		case <-ctx.Done():
			log.Info(context.Background(), "shutdown_complete", nil)
			return
		case <-ticker.C:
			runOnce(ctx, replayer, limit, log)
		}
	}
}

func runOnce(ctx context.Context, replayer *dlq.Replayer, limit int, log *telemetry.Logger) {
	result, err := replayer.Replay(ctx, limit)
	if err != nil {
		if errors.Is(err, dlq.ErrBusy) {
			log.Warn(ctx, "replay_busy", nil)
			return
		}
		log.Error(ctx, "replay_failed", map[string]any{"err": err.Error()})
		return
	}
	log.Info(ctx, "replay_complete", map[string]any{"replayed": result.Replayed, "parked": result.Parked})
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
