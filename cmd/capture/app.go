package main

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/flowcheck/capture-service/internal/analysis"
	"github.com/flowcheck/capture-service/internal/anomaly"
	"github.com/flowcheck/capture-service/internal/config"
	"github.com/flowcheck/capture-service/internal/db"
	"github.com/flowcheck/capture-service/internal/identity"
	"github.com/flowcheck/capture-service/internal/intake"
	"github.com/flowcheck/capture-service/internal/kv"
	"github.com/flowcheck/capture-service/internal/mq"
	"github.com/flowcheck/capture-service/internal/reading"
	"github.com/flowcheck/capture-service/internal/session"
	"github.com/flowcheck/capture-service/internal/store"
)

// ProvideKVStore opens the local durable key-value store
func ProvideKVStore(cfg *config.Config) (*kv.Store, error) {
	return kv.Open(cfg.Local.DataDir)
}

// ProvideStore selects the reading store backend: PostgreSQL when
// DATABASE_URL is set, the local file-backed store otherwise.
func ProvideStore(lc fx.Lifecycle, cfg *config.Config, kvs *kv.Store, logger *zap.Logger) (store.Store, error) {
	var st store.Store
	if cfg.RemoteConfigured() {
		pool, err := db.NewPool(lc, logger, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		remote, err := store.NewRemoteStore(context.Background(), pool, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("using remote reading store")
		st = remote
	} else {
		logger.Info("DATABASE_URL not set, using local reading store",
			zap.String("data_dir", cfg.Local.DataDir))
		st = store.NewLocalStore(kvs, logger)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return st.Close()
		},
	})
	return st, nil
}

// ProvideAnomalyDetector creates the plausibility checker
func ProvideAnomalyDetector(cfg *config.Config) *anomaly.Detector {
	return anomaly.NewDetector(cfg.Anomaly.SpikeThreshold, cfg.Anomaly.MinDataPointsForDetection)
}

// ProvideAnalyzer wires the recognition client to Gemini
func ProvideAnalyzer(cfg *config.Config, logger *zap.Logger) *analysis.Client {
	rec := analysis.NewGeminiRecognizer(cfg.Gemini.APIKey, cfg.Gemini.Model)
	return analysis.NewClient(rec, logger)
}

// ProvideMQConnection dials RabbitMQ, or returns nil when no URL is
// configured so the service runs without queue intake.
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	if !cfg.QueueConfigured() {
		return nil, nil
	}
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvidePublisher creates the event publisher when the queue is up
func ProvidePublisher(conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	if conn == nil {
		return nil, nil
	}
	return mq.NewPublisher(conn, cfg.RabbitMQ.EventExchange, logger)
}

// eventPublisher adapts the AMQP publisher to the recorded-reading
// notification contract. Publish failures are logged, never surfaced:
// the reading is already persisted.
type eventPublisher struct {
	pub    *mq.Publisher
	key    string
	logger *zap.Logger
}

func (e *eventPublisher) ReadingRecorded(ctx context.Context, r reading.MeterReading, flagged bool, reason string) {
	ev := mq.NewRecordedEvent(r, flagged, reason)
	if err := e.pub.PublishRecordedEvent(ctx, ev, e.key); err != nil {
		e.logger.Warn("failed to publish recorded event",
			zap.Error(err), zap.String("reading_id", r.ID))
	}
}

// ProvideEvents exposes event publishing as the session-facing contract
func ProvideEvents(pub *mq.Publisher, cfg *config.Config, logger *zap.Logger) session.Events {
	if pub == nil {
		return nil
	}
	return &eventPublisher{pub: pub, key: cfg.RabbitMQ.EventRoutingKey, logger: logger}
}

// ProvideProcessor creates the queue intake processor
func ProvideProcessor(
	analyzer *analysis.Client,
	st store.Store,
	detector *anomaly.Detector,
	cfg *config.Config,
	events session.Events,
	logger *zap.Logger,
) *intake.Processor {
	return intake.NewProcessor(
		analyzer,
		st,
		detector,
		identity.NewAdmins(cfg.AdminEmails),
		cfg.Review,
		events,
		logger,
	)
}

// startIntake starts the capture-request consumer when RabbitMQ is
// configured; without it the service still runs with the store and
// session surfaces available.
func startIntake(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	processor *intake.Processor,
) error {
	if conn == nil {
		logger.Info("RABBITMQ_URL not set, queue intake disabled")
		return nil
	}

	// Consumer context cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:       conn,
		Queue:            cfg.RabbitMQ.IntakeQueue,
		DLQQueue:         cfg.RabbitMQ.IntakeDLQQueue,
		Exchange:         cfg.RabbitMQ.IntakeExchange,
		ExchangeType:     cfg.RabbitMQ.IntakeExchangeType,
		RoutingKey:       cfg.RabbitMQ.IntakeRoutingKey,
		PrefetchCount:    cfg.RabbitMQ.PrefetchCount,
		Logger:           logger,
		MessageProcessor: processor.ProcessMessage,
	})
	if err != nil {
		cancel()
		return err
	}

	// The broker has no offline queue on our side; a dropped connection
	// halts intake until the service restarts, so make the loss loud.
	connClosed := conn.Closed()
	go func() {
		select {
		case <-ctx.Done():
		case amqpErr := <-connClosed:
			if amqpErr != nil {
				logger.Error("rabbitmq connection lost, intake halted until restart",
					zap.String("reason", amqpErr.Reason), zap.Int("code", amqpErr.Code))
			}
		}
	}()

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting intake consumer",
				zap.String("queue", cfg.RabbitMQ.IntakeQueue),
				zap.Int("prefetch", cfg.RabbitMQ.PrefetchCount))
			return consumer.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			processor.Close()
			if err := consumer.Close(); err != nil {
				logger.Error("failed to close consumer", zap.Error(err))
				return err
			}
			logger.Info("intake stopped gracefully")
			return nil
		},
	})

	return nil
}
