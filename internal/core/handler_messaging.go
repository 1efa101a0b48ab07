package core

import (
	"context"
	"errors"
	"fmt"
)

// executeNotification enqueues an outbound message through the task's source
// webhook. A missing or outbound-disabled webhook is a failure, not a silent
// no-op.
func (e *Executor) executeNotification(ctx context.Context, task *Task) (*handlerResult, error) {
	if task.SourceWebhookID == nil {
		return nil, errors.New("task has no source webhook for notification delivery")
	}
	webhook, err := e.store.GetWebhook(ctx, *task.SourceWebhookID)
	if err != nil {
		if errors.Is(err, ErrWebhookNotFound) {
			return nil, fmt.Errorf("source webhook %d not found", *task.SourceWebhookID)
		}
		return nil, fmt.Errorf("load source webhook: %w", err)
	}
	if !webhook.OutboundEnabled {
		return nil, fmt.Errorf("webhook %d has outbound delivery disabled", webhook.ID)
	}

	recipient := webhook.Recipient
	if task.Config.Recipient != "" {
		r := task.Config.Recipient
		recipient = &r
	}
	msg := &Message{
		WebhookID:      &webhook.ID,
		UserID:         task.UserID,
		TaskID:         &task.ID,
		ConversationID: task.ConversationID,
		MessageType:    MessageTypeNotification,
		Content:        task.Config.Message,
		Recipient:      recipient,
		DeliveryStatus: "pending",
	}
	if err := e.store.EnqueueMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("enqueue notification: %w", err)
	}

	return &handlerResult{
		Output: map[string]any{
			"messageId":      msg.ID,
			"deliveryStatus": msg.DeliveryStatus,
		},
		Summary: "Notification queued for delivery",
	}, nil
}

// executeReminder enqueues a scheduled outbound message for a future time.
func (e *Executor) executeReminder(ctx context.Context, task *Task) (*handlerResult, error) {
	reminderTime := task.Config.ReminderTime
	if !reminderTime.After(e.now()) {
		return nil, fmt.Errorf("reminderTime %s is not in the future", reminderTime.UTC().Format("2006-01-02T15:04:05Z07:00"))
	}

	var recipient *string
	if task.Config.Recipient != "" {
		r := task.Config.Recipient
		recipient = &r
	}
	scheduled := reminderTime.UTC()
	msg := &Message{
		WebhookID:      task.SourceWebhookID,
		UserID:         task.UserID,
		TaskID:         &task.ID,
		ConversationID: task.ConversationID,
		MessageType:    MessageTypeReminder,
		Content:        task.Config.Message,
		Recipient:      recipient,
		DeliveryStatus: "pending",
		ScheduledFor:   &scheduled,
	}
	if err := e.store.EnqueueMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("enqueue reminder: %w", err)
	}

	return &handlerResult{
		Output: map[string]any{
			"messageId":    msg.ID,
			"scheduledFor": scheduled,
		},
		Summary: fmt.Sprintf("Reminder scheduled for %s", scheduled.Format("2006-01-02 15:04 MST")),
	}, nil
}
