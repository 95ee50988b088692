package progress

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ecloud/dps-notifier/internal/domain/progress"
)

// ReportService answers progress and error report queries. It only reads and
// tolerates concurrent writers; every answer is a committed snapshot.
type ReportService struct {
	tasks         domain.TaskRepository
	notifications domain.NotificationRepository
	errors        *ErrorAggregator

	tracer trace.Tracer
}

// NewReportService creates a report service over repos.
func NewReportService(repos domain.Repositories, tracer trace.Tracer) *ReportService {
	return &ReportService{
		tasks:         repos.Tasks,
		notifications: repos.Notifications,
		errors:        NewErrorAggregator(repos.Errors, 0, 0),
		tracer:        tracer,
	}
}

func (s *ReportService) startSpan(ctx context.Context, name string, taskID int64, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(append(attrs, attribute.Int64("task_id", taskID))...))
}

func fail(span trace.Span, err error, msg string) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	return err
}

// GetTaskProgress returns the task with its counters and state. A task that
// was never submitted yields ErrTaskNotFound, which is distinct from a task
// with zero progress.
func (s *ReportService) GetTaskProgress(ctx context.Context, taskID int64) (*domain.Task, error) {
	ctx, span := s.startSpan(ctx, "report_service.get_task_progress", taskID)
	defer span.End()

	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, fail(span, err, "failed to load task")
	}
	return task, nil
}

// GetDetailedTaskReport returns the notification log entries numbered from
// through to, both inclusive and 1-based.
func (s *ReportService) GetDetailedTaskReport(ctx context.Context, taskID int64, from, to int) ([]domain.Notification, error) {
	ctx, span := s.startSpan(ctx, "report_service.get_detailed_task_report", taskID,
		attribute.Int("from", from), attribute.Int("to", to))
	defer span.End()

	if from < 1 || to < from {
		return nil, fail(span, fmt.Errorf("%w: from=%d to=%d", domain.ErrInvalidRange, from, to), "invalid range")
	}
	if _, err := s.tasks.GetTask(ctx, taskID); err != nil {
		return nil, fail(span, err, "failed to load task")
	}

	entries, err := s.notifications.ListNotifications(ctx, taskID, from, to)
	if err != nil {
		return nil, fail(span, err, "failed to list notifications")
	}
	return entries, nil
}

// GetGeneralTaskErrorReport returns every error type of the task with up to
// limit sample details each. A zero limit returns summaries only.
func (s *ReportService) GetGeneralTaskErrorReport(ctx context.Context, taskID int64, limit int) (domain.TaskErrorsInfo, error) {
	ctx, span := s.startSpan(ctx, "report_service.get_general_task_error_report", taskID, attribute.Int("limit", limit))
	defer span.End()

	if limit < 0 {
		return domain.TaskErrorsInfo{}, fail(span, fmt.Errorf("%w: limit=%d", domain.ErrInvalidRange, limit), "invalid limit")
	}
	if _, err := s.tasks.GetTask(ctx, taskID); err != nil {
		return domain.TaskErrorsInfo{}, fail(span, err, "failed to load task")
	}

	reports, err := s.errors.ListErrors(ctx, taskID, limit)
	if err != nil {
		return domain.TaskErrorsInfo{}, fail(span, err, "failed to list errors")
	}
	return domain.TaskErrorsInfo{TaskID: taskID, Errors: reports}, nil
}

// GetSpecificTaskErrorReport returns one error type of the task with up to
// limit sample details.
func (s *ReportService) GetSpecificTaskErrorReport(
	ctx context.Context,
	taskID int64,
	errorType uuid.UUID,
	limit int,
) (domain.TaskErrorsInfo, error) {
	ctx, span := s.startSpan(ctx, "report_service.get_specific_task_error_report", taskID,
		attribute.String("error_type", errorType.String()), attribute.Int("limit", limit))
	defer span.End()

	if limit < 0 {
		return domain.TaskErrorsInfo{}, fail(span, fmt.Errorf("%w: limit=%d", domain.ErrInvalidRange, limit), "invalid limit")
	}
	if _, err := s.tasks.GetTask(ctx, taskID); err != nil {
		return domain.TaskErrorsInfo{}, fail(span, err, "failed to load task")
	}

	report, err := s.errors.ListDetails(ctx, taskID, errorType, limit)
	if err != nil {
		return domain.TaskErrorsInfo{}, fail(span, err, "failed to load error type")
	}
	return domain.TaskErrorsInfo{TaskID: taskID, Errors: []domain.ErrorTypeReport{report}}, nil
}

// CheckIfTaskExists reports whether the task was submitted for the topology.
func (s *ReportService) CheckIfTaskExists(ctx context.Context, taskID int64, topologyName string) (bool, error) {
	ctx, span := s.startSpan(ctx, "report_service.check_if_task_exists", taskID, attribute.String("topology", topologyName))
	defer span.End()

	ok, err := s.tasks.TaskExists(ctx, taskID, topologyName)
	if err != nil {
		return false, fail(span, err, "failed to check task")
	}
	return ok, nil
}

// CheckIfReportExists returns ErrReportNotFound when the task has recorded
// no errors, and ErrTaskNotFound when the task does not exist.
func (s *ReportService) CheckIfReportExists(ctx context.Context, taskID int64) error {
	ctx, span := s.startSpan(ctx, "report_service.check_if_report_exists", taskID)
	defer span.End()

	if _, err := s.tasks.GetTask(ctx, taskID); err != nil {
		return fail(span, err, "failed to load task")
	}
	reports, err := s.errors.ListErrors(ctx, taskID, 0)
	if err != nil {
		return fail(span, err, "failed to list errors")
	}
	if len(reports) == 0 {
		return domain.ErrReportNotFound
	}
	return nil
}
