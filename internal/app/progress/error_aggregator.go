package progress

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	domain "github.com/ecloud/dps-notifier/internal/domain/progress"
)

// ErrorAggregator folds error notifications into per-task aggregates. The
// occurrence count always moves; detail samples stop once a type holds
// threshold of them, and each sample is truncated to maxInfoBytes.
type ErrorAggregator struct {
	repo         domain.ErrorRepository
	threshold    int
	maxInfoBytes int
}

// NewErrorAggregator creates an aggregator over repo. Non-positive limits
// fall back to the package defaults.
func NewErrorAggregator(repo domain.ErrorRepository, threshold, maxInfoBytes int) *ErrorAggregator {
	if threshold <= 0 {
		threshold = domain.DefaultErrorDetailThreshold
	}
	if maxInfoBytes <= 0 {
		maxInfoBytes = domain.DefaultMaxAdditionalInfoBytes
	}
	return &ErrorAggregator{repo: repo, threshold: threshold, maxInfoBytes: maxInfoBytes}
}

// bind returns a copy writing through repo, typically a transaction-scoped
// repository.
func (a *ErrorAggregator) bind(repo domain.ErrorRepository) *ErrorAggregator {
	c := *a
	c.repo = repo
	return &c
}

// RecordError counts one occurrence of message for the task and stores a
// detail sample while the type is under its threshold. It reports whether a
// sample was stored.
func (a *ErrorAggregator) RecordError(
	ctx context.Context,
	taskID int64,
	message, recordID, additionalInfo string,
) (bool, error) {
	errType := domain.ErrorTypeFor(message)

	occurrences, err := a.repo.IncrementErrorType(ctx, taskID, errType, message)
	if err != nil {
		return false, fmt.Errorf("failed to increment error type %s: %w", errType, err)
	}
	if occurrences > a.threshold {
		return false, nil
	}

	detail := domain.ErrorDetail{
		TaskID:         taskID,
		ErrorType:      errType,
		RecordID:       recordID,
		AdditionalInfo: domain.TruncateAdditionalInfo(additionalInfo, a.maxInfoBytes),
	}
	if err := a.repo.InsertErrorDetail(ctx, detail); err != nil {
		return false, fmt.Errorf("failed to insert error detail: %w", err)
	}
	return true, nil
}

// ListErrors returns every error type of the task with up to limit samples
// each. A limit of zero returns summaries only.
func (a *ErrorAggregator) ListErrors(ctx context.Context, taskID int64, limit int) ([]domain.ErrorTypeReport, error) {
	summaries, err := a.repo.ListErrorTypes(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list error types: %w", err)
	}

	reports := make([]domain.ErrorTypeReport, 0, len(summaries))
	for _, s := range summaries {
		r := domain.ErrorTypeReport{ErrorType: s.ErrorType, Message: s.Message, Occurrences: s.Occurrences}
		if limit > 0 {
			if r.Details, err = a.repo.ListErrorDetails(ctx, taskID, s.ErrorType, limit); err != nil {
				return nil, fmt.Errorf("failed to list details of %s: %w", s.ErrorType, err)
			}
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// ListDetails returns one error type of the task with up to limit samples.
func (a *ErrorAggregator) ListDetails(
	ctx context.Context,
	taskID int64,
	errorType uuid.UUID,
	limit int,
) (domain.ErrorTypeReport, error) {
	s, err := a.repo.GetErrorType(ctx, taskID, errorType)
	if err != nil {
		return domain.ErrorTypeReport{}, err
	}

	r := domain.ErrorTypeReport{ErrorType: s.ErrorType, Message: s.Message, Occurrences: s.Occurrences}
	if limit > 0 {
		if r.Details, err = a.repo.ListErrorDetails(ctx, taskID, errorType, limit); err != nil {
			return domain.ErrorTypeReport{}, fmt.Errorf("failed to list details of %s: %w", errorType, err)
		}
	}
	return r, nil
}
