package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

type fakeSQS struct {
	input *sqs.SendMessageInput
	err   error
}

func (f *fakeSQS) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func TestSQSSinkEncodesEvent(t *testing.T) {
	client := &fakeSQS{}
	sink := NewSQSSinkWithClient(client, "https://sqs.example/queue")
	msg := "boom"
	ev := StatusEvent{DocumentID: "d1", UserID: "u1", State: "AI_FAILED", Progress: 40, ErrorMessage: &msg, Version: EventVersion}

	if err := sink.Send(context.Background(), ev); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if aws.ToString(client.input.QueueUrl) != "https://sqs.example/queue" {
		t.Fatalf("unexpected queue url: %s", aws.ToString(client.input.QueueUrl))
	}
	got, err := DecodeEvent([]byte(aws.ToString(client.input.MessageBody)))
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if got.DocumentID != "d1" || got.ErrorMessage == nil || *got.ErrorMessage != "boom" {
		t.Fatalf("unexpected payload: %+v", got)
	}
	if attr := client.input.MessageAttributes["state"]; aws.ToString(attr.StringValue) != "AI_FAILED" {
		t.Fatalf("unexpected state attribute: %+v", attr)
	}
}

func TestSQSSinkWrapsSendError(t *testing.T) {
	sentinel := errors.New("throttled")
	sink := NewSQSSinkWithClient(&fakeSQS{err: sentinel}, "q")
	if err := sink.Send(context.Background(), StatusEvent{}); !errors.Is(err, sentinel) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}
