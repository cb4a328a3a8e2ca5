// Command events-tail drains the status event queue fed by the API and logs
// every lifecycle change it carries.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"docflow-backend/internal/notify"
	"docflow-backend/internal/shared/config"
	"docflow-backend/internal/shared/telemetry"
)

const defaultVisibilitySeconds = 60

func main() {
	cfg := config.Load()

	queueURL := strings.TrimSpace(cfg.EventsQueueURL)
	if queueURL == "" {
		log.Fatal("EVENTS_SQS_QUEUE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		log.Fatalf("load aws config: %v", err)
	}
	client := sqs.NewFromConfig(awsCfg)
	visibility := envInt("EVENTS_VISIBILITY_TIMEOUT_SECONDS", defaultVisibilitySeconds)

	log.Printf("events-tail started queue=%s", queueURL)
	if err := poll(ctx, client, queueURL, visibility); err != nil {
		log.Fatalf("poll: %v", err)
	}
	log.Printf("events-tail stopped")
}

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// poll long-polls the queue until ctx ends. Receive errors are logged and
// retried.
func poll(ctx context.Context, client sqsAPI, queueURL string, visibility int) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		resp, err := client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(queueURL),
			MaxNumberOfMessages:   10,
			WaitTimeSeconds:       20,
			VisibilityTimeout:     int32(visibility),
			MessageAttributeNames: []string{"state"},
			AttributeNames:        []sqstypes.QueueAttributeName{sqstypes.QueueAttributeName("ApproximateReceiveCount")},
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return nil
			}
			telemetry.Error("events.receive_failed", map[string]any{"error": err.Error()})
			continue
		}
		for _, msg := range resp.Messages {
			handleMessage(ctx, client, queueURL, msg)
		}
	}
}

// handleMessage logs one event and deletes it. Undecodable bodies are
// deleted too since a redelivery cannot fix them.
func handleMessage(ctx context.Context, client sqsAPI, queueURL string, msg sqstypes.Message) {
	body := aws.ToString(msg.Body)
	if strings.TrimSpace(body) == "" {
		telemetry.Error("events.empty_body", baseFields(msg, ""))
		deleteMessage(ctx, client, queueURL, msg, "")
		return
	}

	ev, err := notify.DecodeEvent([]byte(body))
	if err != nil || ev.DocumentID == "" {
		fields := baseFields(msg, "")
		fields["body_len"] = len(body)
		if err != nil {
			fields["error"] = err.Error()
		} else {
			fields["error"] = "missing documentId"
		}
		telemetry.Error("events.decode_failed", fields)
		deleteMessage(ctx, client, queueURL, msg, "")
		return
	}
	if ev.Version > notify.EventVersion {
		fields := baseFields(msg, ev.DocumentID)
		fields["version"] = ev.Version
		telemetry.Warn("events.newer_version", fields)
	}

	fields := baseFields(msg, ev.DocumentID)
	fields["user_id"] = ev.UserID
	fields["state"] = ev.State
	fields["progress"] = ev.Progress
	fields["occurred_at"] = ev.OccurredAt
	if ev.ErrorMessage != nil {
		fields["error_message"] = *ev.ErrorMessage
	}
	telemetry.Info("events.status", fields)

	deleteMessage(ctx, client, queueURL, msg, ev.DocumentID)
}

func deleteMessage(ctx context.Context, client sqsAPI, queueURL string, msg sqstypes.Message, documentID string) bool {
	receipt := aws.ToString(msg.ReceiptHandle)
	if receipt == "" {
		fields := baseFields(msg, documentID)
		fields["error"] = "missing receipt handle"
		telemetry.Error("events.delete_failed", fields)
		return false
	}
	if _, err := client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(receipt),
	}); err != nil {
		fields := baseFields(msg, documentID)
		fields["error"] = err.Error()
		telemetry.Error("events.delete_failed", fields)
		return false
	}
	return true
}

func baseFields(msg sqstypes.Message, documentID string) map[string]any {
	fields := map[string]any{
		"sqs_message_id": aws.ToString(msg.MessageId),
		"receive_count":  receiveCount(msg),
	}
	if documentID != "" {
		fields["document_id"] = documentID
	}
	return fields
}

func receiveCount(msg sqstypes.Message) int {
	raw := msg.Attributes["ApproximateReceiveCount"]
	if raw == "" {
		return 0
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return parsed
}

func envInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return val
}
