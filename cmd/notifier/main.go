package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/exaring/otelpgx"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	otelglobal "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/ecloud/dps-notifier/internal/api"
	"github.com/ecloud/dps-notifier/internal/api/debug"
	"github.com/ecloud/dps-notifier/internal/api/health"
	"github.com/ecloud/dps-notifier/internal/app/cluster"
	"github.com/ecloud/dps-notifier/internal/app/progress"
	"github.com/ecloud/dps-notifier/internal/config"
	"github.com/ecloud/dps-notifier/internal/domain/events"
	domain "github.com/ecloud/dps-notifier/internal/domain/progress"
	"github.com/ecloud/dps-notifier/internal/infra/cluster/kubernetes"
	"github.com/ecloud/dps-notifier/internal/infra/cluster/redislock"
	"github.com/ecloud/dps-notifier/internal/infra/cluster/standalone"
	"github.com/ecloud/dps-notifier/internal/infra/eventbus"
	"github.com/ecloud/dps-notifier/internal/infra/eventbus/kafka"
	"github.com/ecloud/dps-notifier/internal/infra/eventbus/memory"
	"github.com/ecloud/dps-notifier/internal/infra/storage"
	memstore "github.com/ecloud/dps-notifier/internal/infra/storage/progress/memory"
	pgstore "github.com/ecloud/dps-notifier/internal/infra/storage/progress/postgres"
	"github.com/ecloud/dps-notifier/pkg/common/logger"
	"github.com/ecloud/dps-notifier/pkg/common/otel"
)

const serviceType = "notifier"

var build = "develop"

func main() {
	_, _ = maxprocs.Set()

	configPath := flag.String("config", os.Getenv("NOTIFIER_CONFIG"), "optional YAML configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	log := newLogger(cfg)
	if err := run(ctx, cfg, log); err != nil {
		log.Error(ctx, "notifier stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info(ctx, "notifier stopped")
}

func newLogger(cfg *config.Config) *logger.Logger {
	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}

			// Add any error-specific attributes.
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	metadata := map[string]string{
		"service":     cfg.Service.Name,
		"instance":    cfg.Service.InstanceID,
		"environment": cfg.Service.Environment,
		"app":         serviceType,
		"build":       build,
	}

	l := logger.NewWithMetadata(os.Stdout, logger.ParseLevel(cfg.Log.Level), cfg.Service.Name, traceIDFn, logEvents, metadata)
	if cfg.Log.OTelBridge {
		l = l.WithOTelBridge(cfg.Service.Name)
	}
	return l
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	log.Info(ctx, "starting notifier",
		"build", build,
		"database", cfg.Database.Driver,
		"bus", cfg.Kafka.Driver,
		"cluster_mode", cfg.Cluster.Mode,
	)

	tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.Service.Name,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		ExcludedRoutes:   api.QuietRoutes(),
		Probability:      cfg.Telemetry.SamplingRatio,
		ResourceAttributes: map[string]string{
			"library.language":       "go",
			"service.instance.id":    cfg.Service.InstanceID,
			"deployment.environment": cfg.Service.Environment,
		},
		InsecureExporter: cfg.Telemetry.Insecure,
		MetricInterval:   cfg.Telemetry.MetricInterval,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer telemetryTeardown(context.Background())

	tracer := tp.Tracer(cfg.Service.Name)

	metrics, err := progress.NewNotifierMetrics(otelglobal.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}

	store, pool, err := openStore(ctx, cfg.Database, log, tracer)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	bus, busProbe, err := openBus(ctx, cfg, log, metrics, tracer)
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			log.Error(context.Background(), "failed to close event bus", "error", err)
		}
	}()

	publisher := eventbus.NewDomainEventPublisher(bus)
	repos := store.Repositories()

	processor := progress.NewNotificationProcessor(store, repos, publisher, metrics, progress.ProcessorConfig{
		CacheSize:              cfg.Processor.CacheSize,
		ErrorDetailThreshold:   cfg.Processor.ErrorDetailThreshold,
		MaxAdditionalInfoBytes: cfg.Processor.MaxAdditionalInfoBytes,
	}, log, tracer)
	tasks := progress.NewTaskService(store, repos.Tasks, publisher, metrics, log, tracer)
	handler := progress.NewEventHandler(processor, tasks, log, tracer)

	reconciler := progress.NewCompletionReconciler(repos.Tasks, tasks, metrics, progress.ReconcilerConfig{
		Schedule:      cfg.Reconciler.Schedule,
		BatchSize:     cfg.Reconciler.BatchSize,
		Concurrency:   cfg.Reconciler.Concurrency,
		RatePerSecond: cfg.Reconciler.RatePerSecond,
	}, log, tracer)

	coord, err := newCoordinator(cfg, log, tracer)
	if err != nil {
		return err
	}
	coord.OnLeadershipChange(reconciler.SetLeader)

	g, gctx := errgroup.WithContext(ctx)

	subscribed := &atomic.Bool{}
	checks := []health.Check{
		{Name: "event_bus", Probe: busProbe},
		{Name: "subscription", Probe: func(context.Context) error {
			if !subscribed.Load() {
				return errors.New("not subscribed yet")
			}
			return nil
		}},
	}
	if pool != nil {
		checks = append(checks, health.Check{Name: "database", Probe: pool.Ping})
	}

	ops := api.NewServer(api.Config{
		Addr:            cfg.HTTP.OpsAddr,
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		Build:           build,
		Checks:          checks,
		Registry:        api.NewRegistry(pool),
	}, log, tracer)
	g.Go(func() error { return ops.Start(gctx) })

	if cfg.HTTP.DebugAddr != "" {
		g.Go(func() error { return debug.Serve(gctx, cfg.HTTP.DebugAddr, log) })
	}

	g.Go(func() error { return coord.Start(gctx) })

	if cfg.Reconciler.Enabled {
		if err := reconciler.Start(gctx); err != nil {
			return err
		}
		defer reconciler.Stop()
	}

	if err := bus.Subscribe(gctx, handler.SupportedEvents(), handler.HandleEvent); err != nil {
		return fmt.Errorf("subscribing to events: %w", err)
	}
	subscribed.Store(true)
	log.Info(ctx, "notifier ready", "events", handler.SupportedEvents())

	<-gctx.Done()
	log.Info(ctx, "shutting down")

	if err := coord.Stop(); err != nil {
		log.Error(context.Background(), "failed to stop coordinator", "error", err)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// progressStore is satisfied by both the postgres and the in-memory stores.
type progressStore interface {
	domain.Transactor
	Repositories() domain.Repositories
}

func openStore(
	ctx context.Context,
	cfg config.DatabaseConfig,
	log *logger.Logger,
	tracer trace.Tracer,
) (progressStore, *pgxpool.Pool, error) {
	if cfg.Driver == config.DriverMemory {
		log.Warn(ctx, "using in-memory storage, progress is lost on restart")
		return memstore.NewStore(), nil, nil
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse db config: %w", err)
	}
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open db: %w", err)
	}

	if cfg.AutoMigrate {
		dir, err := filepath.Abs(cfg.MigrationsDir)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to resolve migrations dir: %w", err)
		}
		if err := storage.RunMigrations(ctx, pool, "file://"+dir); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info(ctx, "Migrations applied successfully")
	}

	return pgstore.NewStore(pool, tracer), pool, nil
}

func openBus(
	ctx context.Context,
	cfg *config.Config,
	log *logger.Logger,
	metrics kafka.EventBusMetrics,
	tracer trace.Tracer,
) (events.EventBus, func(context.Context) error, error) {
	if cfg.Kafka.Driver == config.DriverMemory {
		log.Warn(ctx, "using in-memory event bus, nothing is consumed from kafka")
		return memory.NewBus(log), func(context.Context) error { return nil }, nil
	}

	kafkaCfg := &kafka.Config{
		Brokers:              cfg.Kafka.Brokers,
		NotificationsTopic:   cfg.Kafka.NotificationsTopic,
		TaskControlTopic:     cfg.Kafka.TaskControlTopic,
		LifecycleTopic:       cfg.Kafka.LifecycleTopic,
		DeadLetterTopic:      cfg.Kafka.DeadLetterTopic,
		GroupID:              cfg.Kafka.GroupID,
		Version:              cfg.Kafka.Version,
		ClientID:             fmt.Sprintf("%s-%s", cfg.Service.Name, cfg.Service.InstanceID),
		ServiceType:          serviceType,
		HandlerRetries:       cfg.Kafka.HandlerRetries,
		RetryInitialInterval: cfg.Kafka.RetryInitialInterval,
		RetryMaxInterval:     cfg.Kafka.RetryMaxInterval,
		RejoinBackoff:        cfg.Kafka.RejoinBackoff,
	}

	client, err := kafka.NewClient(kafkaCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	bus, err := kafka.ConnectEventBus(ctx, kafkaCfg, client, log, metrics, tracer)
	if err != nil {
		return nil, nil, errors.Join(fmt.Errorf("failed to connect event bus: %w", err), client.Close())
	}

	return &clientOwningBus{EventBus: bus, client: client}, kafkaProbe(client), nil
}

// clientOwningBus closes the sarama client after the bus built on it.
type clientOwningBus struct {
	*kafka.EventBus
	client sarama.Client
}

func (b *clientOwningBus) Close() error {
	return errors.Join(b.EventBus.Close(), b.client.Close())
}

func kafkaProbe(client sarama.Client) func(context.Context) error {
	return func(context.Context) error {
		if client.Closed() {
			return errors.New("kafka client closed")
		}
		if _, err := client.Controller(); err != nil {
			return fmt.Errorf("kafka controller unreachable: %w", err)
		}
		return nil
	}
}

func newCoordinator(cfg *config.Config, log *logger.Logger, tracer trace.Tracer) (cluster.Coordinator, error) {
	cc := cfg.Cluster
	switch cc.Mode {
	case cluster.ModeKubernetes:
		return kubernetes.NewCoordinator(cfg.Service.InstanceID, &kubernetes.K8sConfig{
			Namespace:     cc.Namespace,
			LeaderLockID:  cc.LeaseName,
			Identity:      cfg.Service.InstanceID,
			KubeConfig:    cc.KubeConfig,
			LeaseDuration: cc.LeaseDuration,
			RenewDeadline: cc.RenewDeadline,
			RetryPeriod:   cc.RetryPeriod,
		}, nil, log, tracer)
	case cluster.ModeRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cc.RedisAddr,
			Password: cc.RedisPassword,
			DB:       cc.RedisDB,
		})
		return redislock.NewCoordinator(client, redislock.Config{
			Key:           cc.LeaseName,
			Identity:      cfg.Service.InstanceID,
			LeaseDuration: cc.LeaseDuration,
			RetryPeriod:   cc.RetryPeriod,
		}, log, tracer)
	default:
		return standalone.NewCoordinator(log), nil
	}
}
