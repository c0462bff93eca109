package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/slapcommerce/eventcore/libs/config"
	"github.com/slapcommerce/eventcore/libs/db"
	"github.com/slapcommerce/eventcore/libs/eventstore"
	"github.com/slapcommerce/eventcore/libs/httpx"
	otelx "github.com/slapcommerce/eventcore/libs/otel"
	"github.com/slapcommerce/eventcore/libs/redisx"
	"github.com/slapcommerce/eventcore/libs/runtime"
	"github.com/slapcommerce/eventcore/services/relay-service/internal/outbox"
)

func main() {
	config.LoadDotenv()

	service := config.String("SERVICE_NAME", "relay-service")
	port, err := config.Port("PORT", "8091")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service, config.String("LOG_LEVEL", "info"))

	ctx, stop := runtime.SignalContext()
	defer stop()

	sampleRatio, err := config.Float("OTEL_SAMPLING_RATIO", 1)
	if err != nil {
		panic(err)
	}
	otelShutdown, err := otelx.Setup(ctx, otelx.Config{
		Enabled:      config.Bool("OTEL_ENABLED", true),
		ServiceName:  service,
		OTLPEndpoint: config.String("OTEL_EXPORTER_OTLP_ENDPOINT", "jaeger:4317"),
		SampleRatio:  sampleRatio,
	})
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	maxConns, err := config.Int("DB_MAX_CONNS", 10)
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL, db.Config{MaxConns: int32(maxConns)})
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	redisURL, err := config.RequiredString("REDIS_URL")
	if err != nil {
		panic(err)
	}
	rdb, err := redisx.Open(ctx, redisURL)
	if err != nil {
		logger.Error("redis connection failed", "err", err)
		panic(err)
	}
	defer func() { _ = rdb.Close() }()

	masterKeyHex, err := config.RequiredString("EVENT_MASTER_KEY")
	if err != nil {
		panic(err)
	}
	masterKey, err := eventstore.MasterKeyFromHex(masterKeyHex)
	if err != nil {
		panic(err)
	}
	crypto, err := eventstore.NewCrypto(masterKey)
	if err != nil {
		panic(err)
	}
	// The relay only seals whole integration events; it never touches
	// domain payload schemas, so an empty registry is correct here.
	codec, err := eventstore.NewCodec(eventstore.Registry{}, crypto)
	if err != nil {
		panic(err)
	}

	partitions, err := config.Int("OUTBOX_PARTITIONS", 1)
	if err != nil {
		panic(err)
	}
	partitioner := outbox.Partitioner{
		Stream:     config.String("OUTBOX_STREAM", "events"),
		Partitions: partitions,
		ByDate:     config.Bool("OUTBOX_PARTITION_BY_DATE", false),
	}

	reg := prometheus.NewRegistry()
	metrics := outbox.NewMetrics(reg)

	repo := outbox.NewRepository(pool)
	publisher := outbox.NewPublisher(rdb, codec, partitioner)

	var archiver *outbox.Archiver
	if bucket := config.String("ARCHIVE_BUCKET", ""); bucket != "" {
		archiver, err = outbox.NewArchiver(ctx, outbox.ArchiveConfig{
			Region:    config.String("ARCHIVE_REGION", "us-east-1"),
			Bucket:    bucket,
			AccessKey: config.String("ARCHIVE_ACCESS_KEY", ""),
			SecretKey: config.String("ARCHIVE_SECRET_KEY", ""),
			Endpoint:  config.String("ARCHIVE_ENDPOINT", ""),
		}, codec, logger)
		if err != nil {
			logger.Error("archiver setup failed", "err", err)
			panic(err)
		}
	}

	dispatcher := outbox.NewDispatcher(repo, publisher, logger, metrics)

	sweepInterval, err := config.Duration("SWEEP_INTERVAL", 60*time.Second)
	if err != nil {
		panic(err)
	}
	sweepStaleness, err := config.Duration("SWEEP_STALENESS", 60*time.Second)
	if err != nil {
		panic(err)
	}
	sweepBatch, err := config.Int("SWEEP_BATCH_SIZE", 200)
	if err != nil {
		panic(err)
	}
	sweepMaxAttempts, err := config.Int("SWEEP_MAX_ATTEMPTS", 10)
	if err != nil {
		panic(err)
	}
	sweeper := outbox.NewSweeper(pool, repo, publisher, archiver, logger, metrics, outbox.SweeperConfig{
		Interval:    sweepInterval,
		Staleness:   sweepStaleness,
		BatchSize:   sweepBatch,
		MaxAttempts: sweepMaxAttempts,
	})
	go sweeper.Run(ctx)

	if config.Bool("LISTEN_ENABLED", true) {
		listener := outbox.NewListener(pool, dispatcher, logger)
		go listener.Run(ctx)
	}

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "redis", Check: redisx.ReadyCheck(rdb)},
	)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "relay")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
