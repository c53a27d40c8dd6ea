// Command api serves the Query API (§6, [EXP-D]): a thin read/replay
// surface over the ingestion pipeline's Postgres store, raw blob
// store, and dead-letter queue.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/SinaVosooghi/xrayiot/pkg/config"
	"github.com/SinaVosooghi/xrayiot/pkg/telemetry"
	apipkg "github.com/SinaVosooghi/xrayiot/services/ingest/internal/broker"
	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/dlq"
	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/rawstore"
	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/repository"
	"github.com/SinaVosooghi/xrayiot/services/query/api"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := telemetry.NewDefaultLogger(os.Stdout, "query-api")

	root := envOr("CONFIG_ROOT", "./config")
	loader, err := config.NewLoader(root, config.Options{Service: "api", Env: os.Getenv("APP_ENV")})
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

	db, err := sql.Open("postgres", settings.Repo.URI)
	if err != nil {
		log.Error(ctx, "db_open_failed", map[string]any{"err": err.Error()})
		os.Exit(1)
	}
	defer db.Close()

	repo, err := repository.New(db, repository.Options{TableName: settings.Repo.DB})
	if err != nil {
		log.Error(ctx, "repository_init_failed", map[string]any{"err": err.Error()})
		os.Exit(1)
	}

	rawStore, err := rawstore.NewPostgresStore(db, rawstore.PostgresOptions{TableName: "raw_blobs"})
	if err != nil {
		log.Error(ctx, "rawstore_init_failed", map[string]any{"err": err.Error()})
		os.Exit(1)
	}

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
	if err := apipkg.Declare(ch); err != nil {
		log.Error(ctx, "topology_declare_failed", map[string]any{"err": err.Error()})
		os.Exit(1)
	}

	source := apipkg.NewQueueSource(ch, apipkg.DLQQueue)
	republisher := apipkg.NewChannelRepublisher(ch)
	replayer := dlq.NewWithMaxAttempts(source, republisher, settings.Broker.RetryMax)

	ready := readyChecker{db: db, conn: conn}

	srv := api.New(repo, rawStore, replayer, ready, log)

	addr := envOr("API_ADDR", ":8080")
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info(ctx, "listening", map[string]any{"addr": addr})
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(ctx, "listen_failed", map[string]any{"err": err.Error()})
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info(context.Background(), "shutdown_signal_received", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error(context.Background(), "shutdown_failed", map[string]any{"err": err.Error()})
		os.Exit(1)
	}
	log.Info(context.Background(), "shutdown_complete", nil)
}

type readyChecker struct {
	db   *sql.DB
	conn *amqp.Connection
}

func (r readyChecker) Check(ctx context.Context) map[string]error {
	checks := map[string]error{}
	checks["database"] = r.db.PingContext(ctx)
	if r.conn.IsClosed() {
		checks["broker"] = fmt.Errorf("connection closed")
	} else {
		checks["broker"] = nil
	}
	return checks
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}
