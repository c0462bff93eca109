package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/slapcommerce/eventcore/libs/config"
	"github.com/slapcommerce/eventcore/libs/db"
	"github.com/slapcommerce/eventcore/libs/eventstore"
	"github.com/slapcommerce/eventcore/libs/httpx"
	"github.com/slapcommerce/eventcore/libs/kafkax"
	otelx "github.com/slapcommerce/eventcore/libs/otel"
	"github.com/slapcommerce/eventcore/libs/redisx"
	"github.com/slapcommerce/eventcore/libs/runtime"
	"github.com/slapcommerce/eventcore/services/projector-service/internal/consumer"
	"github.com/slapcommerce/eventcore/services/projector-service/internal/mirror"
	"github.com/slapcommerce/eventcore/services/projector-service/internal/readmodel"
)

func main() {
	config.LoadDotenv()

	service := config.String("SERVICE_NAME", "projector-service")
	port, err := config.Port("PORT", "8092")
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
	// The projector unseals whole integration events; payload schemas
	// belong to the aggregates' own services.
	codec, err := eventstore.NewCodec(eventstore.Registry{}, crypto)
	if err != nil {
		panic(err)
	}

	reg := prometheus.NewRegistry()
	metrics := consumer.NewMetrics(reg)

	status := consumer.NewPostgresStatus(pool)
	projector := readmodel.New(rdb)

	var effect consumer.Handler
	brokerList := kafkax.SplitBrokers(config.String("KAFKA_BROKERS", ""))
	if len(brokerList) > 0 {
		m := mirror.New(brokerList, logger)
		defer func() { _ = m.Close() }()
		effect = m
	}

	batch, err := config.Int("CONSUMER_BATCH_SIZE", 32)
	if err != nil {
		panic(err)
	}
	block, err := config.Duration("CONSUMER_BLOCK", 5*time.Second)
	if err != nil {
		panic(err)
	}
	maxDeliveries, err := config.Int("CONSUMER_MAX_DELIVERIES", 5)
	if err != nil {
		panic(err)
	}
	handlerTimeout, err := config.Duration("CONSUMER_HANDLER_TIMEOUT", 30*time.Second)
	if err != nil {
		panic(err)
	}
	group := config.String("CONSUMER_GROUP", "projectors")
	name := config.String("CONSUMER_NAME", "")

	mode := config.String("CONSUMER_MODE", "group")
	switch mode {
	case "group":
		partitions, err := config.Int("OUTBOX_PARTITIONS", 1)
		if err != nil {
			panic(err)
		}
		streams := eventstore.PartitionStreams(config.String("OUTBOX_STREAM", "events"), partitions)
		c := consumer.NewGroupConsumer(rdb, codec, status, projector, effect, logger, metrics, consumer.GroupConfig{
			Streams:        streams,
			Group:          group,
			Consumer:       name,
			BatchSize:      int64(batch),
			Block:          block,
			MaxDeliveries:  int64(maxDeliveries),
			HandlerTimeout: handlerTimeout,
		})
		go c.Run(ctx)
	case "typed":
		typesRaw, err := config.RequiredString("CONSUMER_TYPES")
		if err != nil {
			panic(err)
		}
		var types []string
		for _, t := range strings.Split(typesRaw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
		c := consumer.NewTypeConsumer(rdb, codec, status, projector, effect, logger, metrics, consumer.TypeConfig{
			Stream:         config.String("OUTBOX_STREAM", "events"),
			Types:          types,
			Group:          group,
			Consumer:       name,
			BatchSize:      int64(batch),
			Block:          block,
			MaxDeliveries:  int64(maxDeliveries),
			HandlerTimeout: handlerTimeout,
		})
		go c.Run(ctx)
	default:
		logger.Error("unknown consumer mode", "mode", mode)
		panic("CONSUMER_MODE must be group or typed")
	}

	readyChecks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
		{Name: "redis", Check: redisx.ReadyCheck(rdb)},
	}
	if len(brokerList) > 0 {
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokerList)})
	}
	mux := runtime.NewBaseMuxWithReady(readyChecks...)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "projector")
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
