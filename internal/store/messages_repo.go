package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskpilot/internal/core"
)

func (s *Store) InsertWebhook(ctx context.Context, wh *core.Webhook) error {
	wh.CreatedAt = time.Now().UTC()
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO webhooks (user_id, name, outbound_enabled, recipient, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, wh.UserID, wh.Name, boolToInt(wh.OutboundEnabled), nullableString(wh.Recipient),
		wh.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert webhook: %w", err)
	}
	wh.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert webhook id: %w", err)
	}
	return nil
}

func (s *Store) GetWebhook(ctx context.Context, id int64) (*core.Webhook, error) {
	var (
		wh              core.Webhook
		outboundEnabled int
		recipient       sql.NullString
		createdAt       string
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, user_id, name, outbound_enabled, recipient, created_at
		FROM webhooks WHERE id = ?
	`, id).Scan(&wh.ID, &wh.UserID, &wh.Name, &outboundEnabled, &recipient, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrWebhookNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	wh.OutboundEnabled = outboundEnabled != 0
	if recipient.Valid {
		wh.Recipient = &recipient.String
	}
	wh.CreatedAt = mustParseTime(createdAt)
	return &wh, nil
}

func (s *Store) EnqueueMessage(ctx context.Context, msg *core.Message) error {
	msg.CreatedAt = time.Now().UTC()
	if msg.DeliveryStatus == "" {
		msg.DeliveryStatus = "pending"
	}
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO messages (webhook_id, user_id, task_id, conversation_id,
			message_type, content, recipient, delivery_status, scheduled_for, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, nullableInt64(msg.WebhookID), msg.UserID, nullableInt64(msg.TaskID), nullableString(msg.ConversationID),
		msg.MessageType, msg.Content, nullableString(msg.Recipient), msg.DeliveryStatus,
		nullableTime(msg.ScheduledFor), msg.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("enqueue message: %w", err)
	}
	msg.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("enqueue message id: %w", err)
	}
	return nil
}

func (s *Store) TaskSummary(ctx context.Context, userID int64, from, to time.Time) (*core.TaskSummaryReport, error) {
	report := &core.TaskSummaryReport{
		From:     from,
		To:       to,
		ByStatus: map[core.TaskStatus]int{},
		ByType:   map[core.TaskType]int{},
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT status, task_type, COUNT(1)
		FROM tasks
		WHERE user_id = ? AND created_at >= ? AND created_at <= ?
		GROUP BY status, task_type
	`, userID, from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("query task summary: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status   string
			taskType string
			count    int
		)
		if err := rows.Scan(&status, &taskType, &count); err != nil {
			return nil, fmt.Errorf("scan task summary: %w", err)
		}
		report.Total += count
		report.ByStatus[core.TaskStatus(status)] += count
		report.ByType[core.TaskType(taskType)] += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	report.Completed = report.ByStatus[core.TaskStatusCompleted]
	report.Failed = report.ByStatus[core.TaskStatusFailed]
	return report, nil
}

func (s *Store) ExecutionStats(ctx context.Context, userID int64, from, to time.Time) (*core.ExecutionStatsReport, error) {
	report := &core.ExecutionStatsReport{From: from, To: to}
	var avgDuration sql.NullFloat64
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(1),
			COALESCE(SUM(CASE WHEN e.status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN e.status = ? THEN 1 ELSE 0 END), 0),
			AVG(e.duration_ms)
		FROM task_executions e
		JOIN tasks t ON t.id = e.task_id
		WHERE t.user_id = ? AND e.created_at >= ? AND e.created_at <= ?
	`, core.ExecutionStatusSuccess, core.ExecutionStatusFailed,
		userID, from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano)).
		Scan(&report.Total, &report.Success, &report.Failed, &avgDuration)
	if err != nil {
		return nil, fmt.Errorf("query execution stats: %w", err)
	}
	if report.Total > 0 {
		report.SuccessRate = float64(report.Success) / float64(report.Total)
	}
	if avgDuration.Valid {
		report.AvgDurationMs = avgDuration.Float64
	}
	return report, nil
}

func (s *Store) WebhookActivity(ctx context.Context, userID int64, from, to time.Time) (*core.WebhookActivityReport, error) {
	report := &core.WebhookActivityReport{
		From:       from,
		To:         to,
		ByType:     map[core.MessageType]int{},
		ByDelivery: map[string]int{},
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT message_type, delivery_status, COUNT(1)
		FROM messages
		WHERE user_id = ? AND created_at >= ? AND created_at <= ?
		GROUP BY message_type, delivery_status
	`, userID, from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("query webhook activity: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			messageType    string
			deliveryStatus string
			count          int
		)
		if err := rows.Scan(&messageType, &deliveryStatus, &count); err != nil {
			return nil, fmt.Errorf("scan webhook activity: %w", err)
		}
		report.Total += count
		report.ByType[core.MessageType(messageType)] += count
		report.ByDelivery[deliveryStatus] += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return report, nil
}
