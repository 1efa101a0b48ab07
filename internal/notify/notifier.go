package notify

import (
	"context"
	"fmt"

	"taskpilot/internal/core"
)

// MessageQueue is the sink notifications are written to. Satisfied by the
// store; delivery to the user happens outside this engine.
type MessageQueue interface {
	EnqueueMessage(ctx context.Context, msg *core.Message) error
	GetWebhook(ctx context.Context, id int64) (*core.Webhook, error)
}

// QueueNotifier enqueues task lifecycle notices into the outbound message
// queue, honoring each task's notify flags.
type QueueNotifier struct {
	queue MessageQueue
}

func NewQueueNotifier(queue MessageQueue) *QueueNotifier {
	return &QueueNotifier{queue: queue}
}

func (q *QueueNotifier) NotifyTaskCompleted(ctx context.Context, task *core.Task, summary string) error {
	if !task.NotifyOnComplete {
		return nil
	}
	content := fmt.Sprintf("Task #%d completed", task.ID)
	if task.Name != nil && *task.Name != "" {
		content = fmt.Sprintf("Task %q completed", *task.Name)
	}
	if summary != "" {
		content += ": " + summary
	}
	return q.enqueue(ctx, task, content)
}

func (q *QueueNotifier) NotifyTaskFailed(ctx context.Context, task *core.Task, errMsg string) error {
	if !task.NotifyOnFailure {
		return nil
	}
	content := fmt.Sprintf("Task #%d failed", task.ID)
	if task.Name != nil && *task.Name != "" {
		content = fmt.Sprintf("Task %q failed", *task.Name)
	}
	if errMsg != "" {
		content += ": " + errMsg
	}
	return q.enqueue(ctx, task, content)
}

func (q *QueueNotifier) enqueue(ctx context.Context, task *core.Task, content string) error {
	msg := &core.Message{
		WebhookID:      task.SourceWebhookID,
		UserID:         task.UserID,
		TaskID:         &task.ID,
		ConversationID: task.ConversationID,
		MessageType:    core.MessageTypeNotification,
		Content:        content,
		DeliveryStatus: "pending",
	}
	if task.SourceWebhookID != nil {
		wh, err := q.queue.GetWebhook(ctx, *task.SourceWebhookID)
		if err == nil && wh.Recipient != nil {
			msg.Recipient = wh.Recipient
		}
	}
	if err := q.queue.EnqueueMessage(ctx, msg); err != nil {
		return fmt.Errorf("enqueue lifecycle notification: %w", err)
	}
	return nil
}

// MultiNotifier fans a notice out to several notifiers, returning the last
// error but trying them all.
type MultiNotifier struct {
	notifiers []core.Notifier
}

func NewMultiNotifier(notifiers ...core.Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

func (m *MultiNotifier) NotifyTaskCompleted(ctx context.Context, task *core.Task, summary string) error {
	var last error
	for _, n := range m.notifiers {
		if err := n.NotifyTaskCompleted(ctx, task, summary); err != nil {
			last = err
		}
	}
	return last
}

func (m *MultiNotifier) NotifyTaskFailed(ctx context.Context, task *core.Task, errMsg string) error {
	var last error
	for _, n := range m.notifiers {
		if err := n.NotifyTaskFailed(ctx, task, errMsg); err != nil {
			last = err
		}
	}
	return last
}

// NoOpNotifier discards all notices.
type NoOpNotifier struct{}

func (NoOpNotifier) NotifyTaskCompleted(context.Context, *core.Task, string) error { return nil }
func (NoOpNotifier) NotifyTaskFailed(context.Context, *core.Task, string) error    { return nil }
