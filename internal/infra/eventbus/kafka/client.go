package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/trace"

	"github.com/ecloud/dps-notifier/pkg/common/logger"
)

// DefaultVersion is the protocol version used when Config.Version is empty.
var DefaultVersion = sarama.V3_6_0_0

// NewClient creates and configures a Kafka client with the provided settings.
// It sets up consistent configuration for both producers and consumers.
func NewClient(cfg *Config) (sarama.Client, error) {
	config, err := newSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	return sarama.NewClient(cfg.Brokers, config)
}

func newSaramaConfig(cfg *Config) (*sarama.Config, error) {
	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID

	// Consumer settings. Offsets are only marked once a record is handled or
	// dead-lettered, and committed explicitly by the claim handler.
	config.Consumer.Return.Errors = true
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Group.Session.Timeout = 20 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	config.Consumer.Group.Member.UserData = []byte(cfg.ClientID)
	config.Consumer.Offsets.AutoCommit.Enable = false

	// Producer settings. Idempotence keeps lifecycle events from being
	// duplicated by producer retries; it requires a single in-flight request.
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	config.Producer.Partitioner = sarama.NewHashPartitioner

	config.Version = DefaultVersion
	if cfg.Version != "" {
		v, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, fmt.Errorf("invalid kafka version %q: %w", cfg.Version, err)
		}
		config.Version = v
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka client config: %w", err)
	}
	return config, nil
}

// ConnectEventBus creates an EventBus on top of client. Producer and consumer
// group creation is retried with exponential backoff until it succeeds, five
// minutes pass or ctx is cancelled.
func ConnectEventBus(
	ctx context.Context,
	cfg *Config,
	client sarama.Client,
	logger *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	if err := validateBusConfig(cfg, metrics); err != nil {
		return nil, err
	}

	var eventBus *EventBus

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = 5 * time.Second

	operation := func() error {
		producer, err := sarama.NewSyncProducerFromClient(client)
		if err != nil {
			return fmt.Errorf("creating producer: %w", err)
		}

		consumerGroup, err := sarama.NewConsumerGroupFromClient(cfg.GroupID, client)
		if err != nil {
			return errors.Join(fmt.Errorf("creating consumer group: %w", err), producer.Close())
		}

		eventBus, err = NewEventBus(producer, consumerGroup, cfg, logger, metrics, tracer)
		if err != nil {
			return errors.Join(
				fmt.Errorf("creating event bus: %w", err),
				producer.Close(),
				consumerGroup.Close(),
			)
		}
		return nil
	}

	notify := func(err error, next time.Duration) {
		logger.Warn(ctx, "kafka not ready, retrying", "error", err, "retry_in", next)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(expBackoff, ctx), notify); err != nil {
		return nil, fmt.Errorf("failed to connect event bus after retries: %w", err)
	}

	return eventBus, nil
}
