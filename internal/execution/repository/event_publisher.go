package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"runbox/internal/common/mq"
	"runbox/internal/execution/model"
	appErr "runbox/pkg/errors"
)

// ResultEventPublisher publishes one event per finished job.
type ResultEventPublisher interface {
	PublishResult(ctx context.Context, res model.ExecutionResult) error
}

// MQResultEventPublisher publishes result events to a message queue.
type MQResultEventPublisher struct {
	producer mq.Producer
	topic    string
}

// NewMQResultEventPublisher creates a new MQ result event publisher.
func NewMQResultEventPublisher(producer mq.Producer, topic string) *MQResultEventPublisher {
	return &MQResultEventPublisher{producer: producer, topic: topic}
}

// PublishResult publishes the outcome of res without its output.
func (p *MQResultEventPublisher) PublishResult(ctx context.Context, res model.ExecutionResult) error {
	if p == nil || p.producer == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("result publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("result topic is required")
	}
	if res.JobID == "" {
		return appErr.ValidationError("job_id", "required")
	}
	eventType := model.EventFinished
	if res.State == model.StateInternalError {
		eventType = model.EventAlert
	}
	event := model.ExecutionEvent{
		Type:       eventType,
		JobID:      res.JobID,
		Language:   res.Language,
		State:      res.State,
		ExitCode:   res.ExitCode,
		Truncated:  res.Truncated,
		DurationMs: res.DurationMs,
		CreatedAt:  time.Now().Unix(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal result event failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = res.JobID
	message.SetHeader("x-event-type", string(eventType))
	if err := p.producer.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "publish result event failed")
	}
	return nil
}
