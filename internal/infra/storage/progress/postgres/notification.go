package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ecloud/dps-notifier/internal/domain/progress"
	"github.com/ecloud/dps-notifier/internal/infra/storage"
)

var _ progress.NotificationRepository = (*notificationStore)(nil)

type notificationStore struct {
	q      querier
	tracer trace.Tracer
}

// AppendNotification adds one entry to the task's notification log.
func (s *notificationStore) AppendNotification(ctx context.Context, n progress.Notification) error {
	attrs := dbAttrs(
		attribute.Int64("task_id", n.TaskID),
		attribute.Int("resource_num", n.ResourceNum),
		attribute.String("state", n.State.String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.append_notification", attrs, func(ctx context.Context) error {
		_, err := s.q.Exec(ctx, `
			INSERT INTO notifications (
				task_id, resource_num, topology_name, resource, state,
				info_text, additional_info, result_resource, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			n.TaskID, n.ResourceNum, n.TopologyName, n.Resource, string(n.State),
			n.InfoText, n.AdditionalInfo, n.ResultResource, n.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("AppendNotification insert error: %w", err)
		}
		return nil
	})
}

// ListNotifications returns the entries with from <= resource_num <= to.
func (s *notificationStore) ListNotifications(ctx context.Context, taskID int64, from, to int) ([]progress.Notification, error) {
	attrs := dbAttrs(attribute.Int64("task_id", taskID), attribute.Int("from", from), attribute.Int("to", to))

	var out []progress.Notification
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_notifications", attrs, func(ctx context.Context) error {
		rows, err := s.q.Query(ctx, `
			SELECT resource_num, topology_name, resource, state,
				info_text, additional_info, result_resource, created_at
			FROM notifications
			WHERE task_id = $1 AND resource_num BETWEEN $2 AND $3
			ORDER BY resource_num`,
			taskID, from, to,
		)
		if err != nil {
			return fmt.Errorf("ListNotifications query error: %w", err)
		}

		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (progress.Notification, error) {
			n := progress.Notification{TaskID: taskID}
			var state string
			if err := row.Scan(
				&n.ResourceNum, &n.TopologyName, &n.Resource, &state,
				&n.InfoText, &n.AdditionalInfo, &n.ResultResource, &n.CreatedAt,
			); err != nil {
				return n, err
			}
			rs, err := progress.ParseRecordState(state)
			if err != nil {
				return n, err
			}
			n.State = rs
			return n, nil
		})
		if err != nil {
			return fmt.Errorf("ListNotifications scan error: %w", err)
		}
		return nil
	})
	return out, err
}
