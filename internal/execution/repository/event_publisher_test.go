package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"runbox/internal/common/mq"
	"runbox/internal/execution/model"
	"runbox/internal/execution/sandbox/result"
	appErr "runbox/pkg/errors"
)

type fakeProducer struct {
	topic    string
	messages []*mq.Message
	err      error
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, message *mq.Message) error {
	if p.err != nil {
		return p.err
	}
	p.topic = topic
	p.messages = append(p.messages, message)
	return nil
}

func TestPublishResult(t *testing.T) {
	producer := &fakeProducer{}
	pub := NewMQResultEventPublisher(producer, "runbox.results")

	res := model.ExecutionResult{
		JobID:      "job-1",
		Language:   "python",
		State:      model.StateCompleted,
		ExitCode:   result.IntPtr(0),
		Stdout:     "private output",
		DurationMs: 12,
	}
	if err := pub.PublishResult(context.Background(), res); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if producer.topic != "runbox.results" || len(producer.messages) != 1 {
		t.Fatalf("unexpected publish: %s %d", producer.topic, len(producer.messages))
	}
	msg := producer.messages[0]
	if msg.ID != "job-1" {
		t.Fatalf("message key must be the job id, got %q", msg.ID)
	}
	if v, _ := msg.GetHeader("x-event-type"); v != string(model.EventFinished) {
		t.Fatalf("unexpected event type header: %q", v)
	}
	if strings.Contains(string(msg.Body), "private output") {
		t.Fatalf("event must not carry program output")
	}
	var event model.ExecutionEvent
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if event.State != model.StateCompleted || event.ExitCode == nil || *event.ExitCode != 0 {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestPublishResultInternalErrorIsAlert(t *testing.T) {
	producer := &fakeProducer{}
	pub := NewMQResultEventPublisher(producer, "runbox.results")
	err := pub.PublishResult(context.Background(), model.ExecutionResult{JobID: "job-2", State: model.StateInternalError})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if v, _ := producer.messages[0].GetHeader("x-event-type"); v != string(model.EventAlert) {
		t.Fatalf("expected alert event, got %q", v)
	}
}

func TestPublishResultErrors(t *testing.T) {
	cases := []struct {
		name string
		pub  *MQResultEventPublisher
		res  model.ExecutionResult
		code appErr.ErrorCode
	}{
		{name: "no_producer", pub: NewMQResultEventPublisher(nil, "t"), res: model.ExecutionResult{JobID: "j"}, code: appErr.ServiceUnavailable},
		{name: "no_topic", pub: NewMQResultEventPublisher(&fakeProducer{}, ""), res: model.ExecutionResult{JobID: "j"}, code: appErr.InvalidParams},
		{name: "no_job_id", pub: NewMQResultEventPublisher(&fakeProducer{}, "t"), res: model.ExecutionResult{}, code: appErr.ValidationFailed},
		{name: "broker_down", pub: NewMQResultEventPublisher(&fakeProducer{err: errors.New("dial")}, "t"), res: model.ExecutionResult{JobID: "j"}, code: appErr.ServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.pub.PublishResult(context.Background(), tc.res)
			if appErr.GetCode(err) != tc.code {
				t.Fatalf("expected %d, got %v", tc.code, err)
			}
		})
	}
}
