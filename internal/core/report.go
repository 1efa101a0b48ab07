package core

import (
	"context"
	"fmt"
	"time"
)

// TaskSummaryReport aggregates task counts over a date range.
type TaskSummaryReport struct {
	From      time.Time          `json:"from"`
	To        time.Time          `json:"to"`
	Total     int                `json:"total"`
	ByStatus  map[TaskStatus]int `json:"by_status"`
	ByType    map[TaskType]int   `json:"by_type"`
	Completed int                `json:"completed"`
	Failed    int                `json:"failed"`
}

// ExecutionStatsReport aggregates execution outcomes over a date range.
type ExecutionStatsReport struct {
	From          time.Time `json:"from"`
	To            time.Time `json:"to"`
	Total         int       `json:"total"`
	Success       int       `json:"success"`
	Failed        int       `json:"failed"`
	SuccessRate   float64   `json:"success_rate"`
	AvgDurationMs float64   `json:"avg_duration_ms"`
}

// WebhookActivityReport aggregates outbound message activity over a range.
type WebhookActivityReport struct {
	From       time.Time           `json:"from"`
	To         time.Time           `json:"to"`
	Total      int                 `json:"total"`
	ByType     map[MessageType]int `json:"by_type"`
	ByDelivery map[string]int      `json:"by_delivery_status"`
}

const defaultReportRange = 7 * 24 * time.Hour

// buildReport is the pure aggregation half of report generation: it reads
// counts from the store and produces the report document plus a one-line
// summary. No side effects, so it is testable without the message queue.
func (e *Executor) buildReport(ctx context.Context, task *Task) (map[string]any, string, error) {
	cfg := &task.Config
	to := e.now().UTC()
	if cfg.DateTo != nil {
		to = cfg.DateTo.UTC()
	}
	from := to.Add(-defaultReportRange)
	if cfg.DateFrom != nil {
		from = cfg.DateFrom.UTC()
	}

	switch cfg.ReportType {
	case ReportTaskSummary:
		report, err := e.store.TaskSummary(ctx, task.UserID, from, to)
		if err != nil {
			return nil, "", fmt.Errorf("aggregate task summary: %w", err)
		}
		summary := fmt.Sprintf("Task summary %s - %s: %d tasks, %d completed, %d failed",
			from.Format("2006-01-02"), to.Format("2006-01-02"), report.Total, report.Completed, report.Failed)
		return map[string]any{"reportType": cfg.ReportType, "report": report}, summary, nil
	case ReportExecutionStats:
		report, err := e.store.ExecutionStats(ctx, task.UserID, from, to)
		if err != nil {
			return nil, "", fmt.Errorf("aggregate execution stats: %w", err)
		}
		summary := fmt.Sprintf("Execution stats %s - %s: %d runs, %.0f%% success",
			from.Format("2006-01-02"), to.Format("2006-01-02"), report.Total, report.SuccessRate*100)
		return map[string]any{"reportType": cfg.ReportType, "report": report}, summary, nil
	case ReportWebhookActivity:
		report, err := e.store.WebhookActivity(ctx, task.UserID, from, to)
		if err != nil {
			return nil, "", fmt.Errorf("aggregate webhook activity: %w", err)
		}
		summary := fmt.Sprintf("Webhook activity %s - %s: %d outbound messages",
			from.Format("2006-01-02"), to.Format("2006-01-02"), report.Total)
		return map[string]any{"reportType": cfg.ReportType, "report": report}, summary, nil
	default:
		return nil, "", fmt.Errorf("unknown report type %q", cfg.ReportType)
	}
}

// executeReport wraps the pure aggregation with the optional side effect of
// enqueueing the formatted summary as an outbound message.
func (e *Executor) executeReport(ctx context.Context, task *Task) (*handlerResult, error) {
	output, summary, err := e.buildReport(ctx, task)
	if err != nil {
		return nil, err
	}

	if task.Config.NotifySummary {
		msg := &Message{
			WebhookID:      task.SourceWebhookID,
			UserID:         task.UserID,
			TaskID:         &task.ID,
			ConversationID: task.ConversationID,
			MessageType:    MessageTypeReport,
			Content:        summary,
			DeliveryStatus: "pending",
		}
		if err := e.store.EnqueueMessage(ctx, msg); err != nil {
			e.logger.Warn("enqueue report summary", "task_id", task.ID, "err", err)
		}
	}

	return &handlerResult{Output: output, Summary: summary}, nil
}
