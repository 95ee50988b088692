// Package kafka provides a Kafka-based implementation of the event bus for asynchronous messaging.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ecloud/dps-notifier/internal/domain/events"
	"github.com/ecloud/dps-notifier/internal/domain/progress"
	"github.com/ecloud/dps-notifier/internal/infra/eventbus/kafka/tracing"
	"github.com/ecloud/dps-notifier/internal/infra/eventbus/serialization"
	"github.com/ecloud/dps-notifier/pkg/common/logger"
)

// EventBusMetrics defines metrics operations needed to monitor Kafka message handling.
// It enables tracking of successful and failed message publishing/consumption.
type EventBusMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncMessageConsumed(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
	IncDeadLettered(ctx context.Context, topic string)
}

// Headers attached to dead-lettered records.
const (
	HeaderError       = "x-error"
	HeaderSourceTopic = "x-source-topic"
	HeaderPartition   = "x-partition"
	HeaderOffset      = "x-offset"
)

// Config contains settings for connecting to and interacting with Kafka brokers.
// It defines the topics, consumer group, and client identifiers needed for message routing.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string

	// NotificationsTopic carries per-record notifications from the pipeline.
	NotificationsTopic string
	// TaskControlTopic carries task submission, expected size and info updates.
	TaskControlTopic string
	// LifecycleTopic receives task state changes published by the notifier.
	LifecycleTopic string
	// DeadLetterTopic receives records that can never be processed.
	DeadLetterTopic string

	// GroupID identifies the consumer group for this broker instance.
	GroupID string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string
	// Version is the broker protocol version, e.g. "3.6.0". Empty means DefaultVersion.
	Version string

	// ServiceType identifies the kind of service owning the client.
	ServiceType string

	// HandlerRetries bounds in-place redelivery of transiently failing records.
	HandlerRetries int
	// RetryInitialInterval and RetryMaxInterval shape the backoff between retries.
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	// RejoinBackoff is the pause before rejoining the group after a session ends with an error.
	RejoinBackoff time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.HandlerRetries <= 0 {
		out.HandlerRetries = 5
	}
	if out.RetryInitialInterval <= 0 {
		out.RetryInitialInterval = 200 * time.Millisecond
	}
	if out.RetryMaxInterval <= 0 {
		out.RetryMaxInterval = 10 * time.Second
	}
	if out.RejoinBackoff <= 0 {
		out.RejoinBackoff = 2 * time.Second
	}
	return out
}

func validateBusConfig(cfg *Config, metrics EventBusMetrics) error {
	if metrics == nil {
		return fmt.Errorf("metrics are required for kafka event bus")
	}
	if cfg.NotificationsTopic == "" || cfg.TaskControlTopic == "" || cfg.LifecycleTopic == "" {
		return fmt.Errorf("kafka topics are not configured")
	}
	return nil
}

var _ events.EventBus = (*EventBus)(nil)

// EventBus implements the EventBus interface using Kafka as the underlying message broker.
// It handles publishing and subscribing to domain events across distributed services.
type EventBus struct {
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup

	cfg Config

	// Maps domain event types to their Kafka topics
	topicMap map[events.EventType]string

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

// NewEventBus creates a Kafka event bus on top of an existing producer and consumer group.
func NewEventBus(
	producer sarama.SyncProducer,
	consumerGroup sarama.ConsumerGroup,
	cfg *Config,
	logger *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	if err := validateBusConfig(cfg, metrics); err != nil {
		return nil, err
	}

	logger = logger.With(
		"component", "kafka_event_bus",
		"client_id", cfg.ClientID,
		"group_id", cfg.GroupID,
		"service_type", cfg.ServiceType,
	)

	// Every task-scoped event is keyed by task id, so one task always lands on
	// one partition of its topic.
	topicMap := map[events.EventType]string{
		progress.EventTypeNotificationReceived:    cfg.NotificationsTopic, // pipeline -> notifier
		progress.EventTypeTaskSubmitted:           cfg.TaskControlTopic,   // scheduler -> notifier
		progress.EventTypeTaskExpectedSizeUpdated: cfg.TaskControlTopic,   // scheduler -> notifier
		progress.EventTypeTaskInfoUpdated:         cfg.TaskControlTopic,   // scheduler -> notifier
		progress.EventTypeTaskStateChanged:        cfg.LifecycleTopic,     // notifier -> downstream
	}

	return &EventBus{
		producer:      producer,
		consumerGroup: consumerGroup,
		cfg:           cfg.withDefaults(),
		topicMap:      topicMap,
		logger:        logger,
		metrics:       metrics,
		tracer:        tracer,
	}, nil
}

// Publish sends a domain event to the Kafka topic mapped to its type.
// It handles serialization, routing based on event type, and includes
// observability instrumentation for tracing and metrics.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	topic, ok := b.topicMap[event.Type]
	if !ok {
		return fmt.Errorf("unknown event type '%s', no topic mapped", event.Type)
	}

	ctx, span := tracing.StartProducerSpan(ctx, topic, b.tracer)
	defer span.End()

	params := events.ApplyPublishOptions(opts...)
	if params.Key != "" {
		event.Key = params.Key
		span.SetAttributes(attribute.String("event.key", event.Key))
	}
	if len(params.Headers) > 0 {
		event.Headers = params.Headers
	}

	msgBytes, err := serialization.SerializeEventEnvelope(event.Type, event.Payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to serialize payload")
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to serialize payload for event %s: %w", event.Type, err)
	}

	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Key:     sarama.StringEncoder(event.Key),
		Value:   sarama.ByteEncoder(msgBytes),
		Headers: toRecordHeaders(event.Headers),
	}
	if err := b.send(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send message")
		return err
	}

	return nil
}

// send handles the actual publishing of a message to a single Kafka topic.
func (b *EventBus) send(ctx context.Context, msg *sarama.ProducerMessage) error {
	tracing.InjectTraceContext(ctx, msg)

	partition, offset, err := b.producer.SendMessage(msg)
	if err != nil {
		b.metrics.IncPublishError(ctx, msg.Topic)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", msg.Topic, err)
	}
	b.metrics.IncMessagePublished(ctx, msg.Topic)

	b.logger.Debug(ctx, "Published message to Kafka",
		"topic", msg.Topic,
		"partition", partition,
		"offset", offset,
	)

	return nil
}

// Subscribe registers a handler function to process domain events from specified event types.
// It manages consumer group membership and message processing in a separate goroutine.
func (b *EventBus) Subscribe(
	ctx context.Context,
	eventTypes []events.EventType,
	handler events.HandlerFunc,
) error {
	ctx, span := b.tracer.Start(ctx, "kafka_event_bus.subscribe",
		trace.WithAttributes(
			attribute.String("component", "kafka_event_bus"),
		))
	defer span.End()

	// Collect unique topics for the requested event types.
	var topics []string
	topicSet := make(map[string]struct{})
	for _, et := range eventTypes {
		topic, ok := b.topicMap[et]
		if !ok {
			err := fmt.Errorf("subscribe: unknown event type %s", et)
			span.RecordError(err)
			span.SetStatus(codes.Error, "unknown event type")
			return err
		}
		if _, seen := topicSet[topic]; seen {
			continue
		}
		topicSet[topic] = struct{}{}
		topics = append(topics, topic)
	}

	span.AddEvent("topics_collected", trace.WithAttributes(attribute.StringSlice("topics", topics)))

	go b.consumeLoop(ctx, topics, b.newClaimHandler(handler))
	b.logger.Info(ctx, "Subscribed to events", "event_types", eventTypes, "topics", topics)

	return nil
}

func (b *EventBus) newClaimHandler(handler events.HandlerFunc) *domainEventHandler {
	return &domainEventHandler{
		eventBus:    b,
		userHandler: handler,
		logger:      b.logger,
		tracer:      b.tracer,
		metrics:     b.metrics,
	}
}

// consumeLoop maintains a continuous consumer group session for processing messages.
// A session that ends with an error leaves its unmarked records uncommitted, so
// they are delivered again once the group is rejoined.
func (b *EventBus) consumeLoop(ctx context.Context, topics []string, cgHandler *domainEventHandler) {
	for {
		if err := b.consumerGroup.Consume(ctx, topics, cgHandler); err != nil {
			b.logger.Error(ctx, "Error from consumer group", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(b.cfg.RejoinBackoff):
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// domainEventHandler implements sarama.ConsumerGroupHandler to process Kafka messages
// and convert them into domain events for the application.
type domainEventHandler struct {
	eventBus    *EventBus
	userHandler events.HandlerFunc

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

func (h *domainEventHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(context.Background(),
		"Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *domainEventHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(context.Background(),
		"Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim processes messages from an assigned partition, deserializing them into
// domain events and invoking the user-provided handler. Records are handled strictly
// in order; a record that keeps failing ends the session instead of being skipped.
func (h *domainEventHandler) ConsumeClaim(
	sess sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	h.logger.Info(sess.Context(), "Starting to consume from partition",
		"topic", claim.Topic(),
		"partition", claim.Partition(),
		"member_id", sess.MemberID(),
	)

	lastCommit := time.Now()
	const commitInterval = time.Second

	for msg := range claim.Messages() {
		if err := h.handleMessage(sess, msg); err != nil {
			sess.Commit()
			return fmt.Errorf("partition %s/%d stopped at offset %d: %w", msg.Topic, msg.Partition, msg.Offset, err)
		}
		if time.Since(lastCommit) > commitInterval {
			sess.Commit()
			lastCommit = time.Now()
		}
	}

	// Final commit before exiting
	sess.Commit()

	return nil
}

// handleMessage returns an error only when the record must be delivered again.
func (h *domainEventHandler) handleMessage(sess sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) error {
	msgCtx := tracing.ExtractTraceContext(sess.Context(), msg)
	msgCtx, span := tracing.StartConsumerSpan(msgCtx, msg, h.tracer)
	defer span.End()

	log := h.logger.With("topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)

	evtType, payload, err := serialization.DeserializeEventEnvelope(msg.Value)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "undecodable message")
		log.Warn(msgCtx, "Undecodable message", "error", err)
		return h.deadLetter(msgCtx, sess, msg, err)
	}

	env := events.EventEnvelope{
		Type:      evtType,
		Key:       string(msg.Key),
		Headers:   fromRecordHeaders(msg.Headers),
		Timestamp: msg.Timestamp,
		Payload:   payload,
		Metadata: events.EventMetadata{
			Partition: msg.Partition,
			Offset:    msg.Offset,
		},
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}
	span.SetAttributes(attribute.String("event.type", evtType.String()))

	ack := func(err error) {
		if err != nil {
			log.Error(msgCtx, "Failed to acknowledge message", "error", err)
			h.metrics.IncConsumeError(msgCtx, msg.Topic)
			span.RecordError(err)
			return
		}
		h.metrics.IncMessageConsumed(msgCtx, msg.Topic)
		sess.MarkMessage(msg, "")
	}

	var permanent error
	attempt := 0
	operation := func() error {
		attempt++
		err := h.userHandler(msgCtx, env, ack)
		if err == nil {
			return nil
		}
		var perr *events.PermanentError
		if errors.As(err, &perr) {
			permanent = err
			return nil
		}
		log.Warn(msgCtx, "Handler failed, retrying", "event_type", evtType, "attempt", attempt, "error", err)
		return err
	}

	err = backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(h.eventBus.newBackOff(), uint64(h.eventBus.cfg.HandlerRetries)),
		sess.Context(),
	))
	switch {
	case permanent != nil:
		span.RecordError(permanent)
		span.SetStatus(codes.Error, "permanent handler failure")
		log.Warn(msgCtx, "Handler rejected message", "event_type", evtType, "error", permanent)
		return h.deadLetter(msgCtx, sess, msg, permanent)
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler retries exhausted")
		h.metrics.IncConsumeError(msgCtx, msg.Topic)
		log.Error(msgCtx, "Handler retries exhausted", "event_type", evtType, "attempts", attempt, "error", err)
		return err
	}

	log.Debug(msgCtx, "Successfully processed message", "event_type", evtType)
	return nil
}

// deadLetter copies msg to the dead-letter topic and marks it. When the copy
// cannot be written the record stays unmarked and the error is returned.
func (h *domainEventHandler) deadLetter(
	ctx context.Context,
	sess sarama.ConsumerGroupSession,
	msg *sarama.ConsumerMessage,
	cause error,
) error {
	dlq := h.eventBus.cfg.DeadLetterTopic
	if dlq == "" {
		h.logger.Error(ctx, "Dropping message, no dead-letter topic configured",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", cause)
		sess.MarkMessage(msg, "")
		return nil
	}

	ctx, span := tracing.StartDeadLetterSpan(ctx, dlq, h.tracer)
	defer span.End()

	headers := make([]sarama.RecordHeader, 0, len(msg.Headers)+4)
	for _, hdr := range msg.Headers {
		if hdr != nil {
			headers = append(headers, *hdr)
		}
	}
	headers = append(headers,
		sarama.RecordHeader{Key: []byte(HeaderError), Value: []byte(cause.Error())},
		sarama.RecordHeader{Key: []byte(HeaderSourceTopic), Value: []byte(msg.Topic)},
		sarama.RecordHeader{Key: []byte(HeaderPartition), Value: []byte(strconv.FormatInt(int64(msg.Partition), 10))},
		sarama.RecordHeader{Key: []byte(HeaderOffset), Value: []byte(strconv.FormatInt(msg.Offset, 10))},
	)

	out := &sarama.ProducerMessage{
		Topic:   dlq,
		Key:     sarama.ByteEncoder(msg.Key),
		Value:   sarama.ByteEncoder(msg.Value),
		Headers: headers,
	}
	if _, _, err := h.eventBus.producer.SendMessage(out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to dead-letter message")
		h.metrics.IncPublishError(ctx, dlq)
		return fmt.Errorf("failed to dead-letter message: %w", err)
	}

	h.metrics.IncDeadLettered(ctx, msg.Topic)
	sess.MarkMessage(msg, "")
	return nil
}

func (b *EventBus) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.cfg.RetryInitialInterval
	bo.MaxInterval = b.cfg.RetryMaxInterval
	bo.MaxElapsedTime = 0
	return bo
}

func toRecordHeaders(headers map[string]string) []sarama.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	out := make([]sarama.RecordHeader, 0, len(headers))
	for k, v := range headers {
		out = append(out, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	return out
}

func fromRecordHeaders(headers []*sarama.RecordHeader) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		if h != nil {
			out[string(h.Key)] = string(h.Value)
		}
	}
	return out
}

// Close gracefully shuts down the event bus by closing both producer and consumer connections.
func (b *EventBus) Close() error {
	logger := b.logger.With("operation", "close")
	ctx, span := b.tracer.Start(context.Background(), "kafka_event_bus.close")
	defer span.End()

	var errs []error
	if err := b.producer.Close(); err != nil {
		span.RecordError(err)
		logger.Error(ctx, "Failed to close producer", "error", err)
		errs = append(errs, fmt.Errorf("close producer: %w", err))
	}
	if b.consumerGroup != nil {
		if err := b.consumerGroup.Close(); err != nil {
			span.RecordError(err)
			logger.Error(ctx, "Failed to close consumer group", "error", err)
			errs = append(errs, fmt.Errorf("close consumer group: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		span.SetStatus(codes.Error, "failed to close event bus")
		return err
	}

	span.AddEvent("closed_event_bus")
	span.SetStatus(codes.Ok, "closed event bus")
	logger.Info(ctx, "Closed event bus")

	return nil
}
