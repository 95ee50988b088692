package progress

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ecloud/dps-notifier/internal/domain/events"
	domain "github.com/ecloud/dps-notifier/internal/domain/progress"
	"github.com/ecloud/dps-notifier/pkg/common/logger"
)

// EventHandler routes bus envelopes to the notification processor and the
// task service. It classifies failures for the bus: data errors come back
// wrapped in events.Permanent and are dead-lettered, everything else is left
// for redelivery.
type EventHandler struct {
	processor *NotificationProcessor
	tasks     *TaskService

	logger *logger.Logger
	tracer trace.Tracer
}

var _ events.EventHandler = (*EventHandler)(nil)

// NewEventHandler creates the handler.
func NewEventHandler(processor *NotificationProcessor, tasks *TaskService, logger *logger.Logger, tracer trace.Tracer) *EventHandler {
	return &EventHandler{
		processor: processor,
		tasks:     tasks,
		logger:    logger.With("component", "event_handler"),
		tracer:    tracer,
	}
}

// SupportedEvents returns the notification and task control event types.
func (h *EventHandler) SupportedEvents() []events.EventType {
	return []events.EventType{
		domain.EventTypeNotificationReceived,
		domain.EventTypeTaskSubmitted,
		domain.EventTypeTaskExpectedSizeUpdated,
		domain.EventTypeTaskInfoUpdated,
	}
}

// HandleEvent dispatches on the envelope type.
func (h *EventHandler) HandleEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	switch evt.Type {
	case domain.EventTypeNotificationReceived:
		return h.withSpan(ctx, "event_handler.handle_notification", evt, ack, h.handleNotification)
	case domain.EventTypeTaskSubmitted:
		return h.withSpan(ctx, "event_handler.handle_task_submitted", evt, ack, h.handleTaskSubmitted)
	case domain.EventTypeTaskExpectedSizeUpdated:
		return h.withSpan(ctx, "event_handler.handle_expected_size_updated", evt, ack, h.handleExpectedSizeUpdated)
	case domain.EventTypeTaskInfoUpdated:
		return h.withSpan(ctx, "event_handler.handle_task_info_updated", evt, ack, h.handleTaskInfoUpdated)
	default:
		return events.Permanent(fmt.Errorf("unsupported event type: %s", evt.Type))
	}
}

// withSpan wraps fn in a span, acks on success and classifies the error.
func (h *EventHandler) withSpan(
	ctx context.Context,
	operationName string,
	evt events.EventEnvelope,
	ack events.AckFunc,
	fn func(ctx context.Context, span trace.Span, evt events.EventEnvelope) error,
) error {
	ctx, span := h.tracer.Start(ctx, operationName, trace.WithAttributes(
		attribute.String("event_type", evt.Type.String()),
		attribute.String("key", evt.Key),
		attribute.Int("partition", int(evt.Metadata.Partition)),
		attribute.Int64("offset", evt.Metadata.Offset),
	))
	defer span.End()

	if err := fn(ctx, span, evt); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return classify(err)
	}

	ack(nil)
	return nil
}

// classify marks errors that redelivery cannot fix as permanent.
func classify(err error) error {
	switch {
	case errors.Is(err, domain.ErrTaskNotFound),
		errors.Is(err, domain.ErrInvalidNotification),
		errors.Is(err, domain.ErrInvalidTask),
		errors.Is(err, domain.ErrInvalidTransition):
		return events.Permanent(err)
	default:
		return err
	}
}

// recordPayloadTypeError standardizes error creation and recording
// for invalid event payload types.
func recordPayloadTypeError(span trace.Span, payload any) error {
	err := fmt.Errorf("%w: payload type %T", domain.ErrInvalidNotification, payload)
	span.RecordError(err)
	span.SetStatus(codes.Error, "invalid event payload type")
	return err
}

func (h *EventHandler) handleNotification(ctx context.Context, span trace.Span, evt events.EventEnvelope) error {
	n, ok := evt.Payload.(domain.NotificationEvent)
	if !ok {
		return recordPayloadTypeError(span, evt.Payload)
	}
	return h.processor.Handle(ctx, n)
}

func (h *EventHandler) handleTaskSubmitted(ctx context.Context, span trace.Span, evt events.EventEnvelope) error {
	sub, ok := evt.Payload.(domain.TaskSubmittedEvent)
	if !ok {
		return recordPayloadTypeError(span, evt.Payload)
	}

	_, err := h.tasks.SubmitTask(ctx, SubmitTaskCommand{
		TaskID:              sub.TaskID,
		TopologyName:        sub.TopologyName,
		State:               sub.State,
		ExpectedRecordCount: sub.ExpectedRecordCount,
		Incremental:         sub.Incremental,
		Description:         sub.Description,
		SentTime:            sub.OccurredAt(),
	})
	if errors.Is(err, domain.ErrTaskAlreadyExists) {
		// Redelivered submission.
		span.AddEvent("task_already_exists")
		h.logger.Debug(ctx, "task already submitted", "task_id", sub.TaskID)
		return nil
	}
	return err
}

func (h *EventHandler) handleExpectedSizeUpdated(ctx context.Context, span trace.Span, evt events.EventEnvelope) error {
	upd, ok := evt.Payload.(domain.TaskExpectedSizeUpdatedEvent)
	if !ok {
		return recordPayloadTypeError(span, evt.Payload)
	}

	done, err := h.tasks.UpdateExpectedSize(ctx, upd.TaskID, upd.ExpectedRecordCount)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Bool("completed", done))
	return nil
}

func (h *EventHandler) handleTaskInfoUpdated(ctx context.Context, span trace.Span, evt events.EventEnvelope) error {
	upd, ok := evt.Payload.(domain.TaskInfoUpdatedEvent)
	if !ok {
		return recordPayloadTypeError(span, evt.Payload)
	}
	return h.tasks.UpdateTaskInfo(ctx, upd.TaskID, upd.State, upd.Info, upd.StartTime)
}
