package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSAPI is the subset of the SQS client used by SQSSink.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSSink forwards status events to an SQS queue for out-of-process consumers.
type SQSSink struct {
	client   SQSAPI
	queueURL string
}

// NewSQSSink constructs an SQS-backed sink using the default AWS credential chain.
func NewSQSSink(ctx context.Context, region, queueURL string) (*SQSSink, error) {
	queueURL = strings.TrimSpace(queueURL)
	if queueURL == "" {
		return nil, fmt.Errorf("events queue url is required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSQSSinkWithClient(sqs.NewFromConfig(cfg), queueURL), nil
}

// NewSQSSinkWithClient wires an existing client.
func NewSQSSinkWithClient(client SQSAPI, queueURL string) *SQSSink {
	return &SQSSink{client: client, queueURL: queueURL}
}

// Send delivers one event to the configured queue.
func (s *SQSSink) Send(ctx context.Context, ev StatusEvent) error {
	payload, err := EncodeEvent(ev)
	if err != nil {
		return fmt.Errorf("encode status event: %w", err)
	}
	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(payload)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"state": {
				DataType:    aws.String("String"),
				StringValue: aws.String(ev.State),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("sqs send message: %w", err)
	}
	return nil
}

var _ Sink = (*SQSSink)(nil)
