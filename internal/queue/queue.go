// Package queue wraps the durable intake queue (I): SQS batch receive,
// message envelope (de)serialization, whole-batch delete-by-receipt-handle
// (every received message is deleted; there is no per-message failure
// reporting back to the queue), and delay-based republish for the retry
// layer.
//
// Grounded on none of the teacher directly — it has no queue at all — and
// modeled instead on the spec's explicit SQS-shaped contract (§2, §4.5,
// §6), using the same aws-sdk-go-v2 family the teacher already pins.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/coho-labs/runnerfleet/internal/config"
	"github.com/coho-labs/runnerfleet/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/google/uuid"
)

const maxBatchEntries = 10 // SQS hard limit per SendMessageBatch/DeleteMessageBatch call

// ReceivedMessage pairs a decoded request message with the SQS receipt
// handle needed to delete or extend visibility of the underlying delivery.
type ReceivedMessage struct {
	Message       models.Message
	ReceiptHandle string
}

// Queue wraps one scale-up intake queue plus the (possibly distinct) retry
// republish queue.
type Queue struct {
	client        *sqs.Client
	queueURL      string
	retryQueueURL string
	maxMessages   int32
	waitSeconds   int32
	logger        *slog.Logger
}

// New constructs a Queue from QueueConfig and the retry layer's queue URL
// (which may be the same queue).
func New(ctx context.Context, region string, cfg config.QueueConfig, retryQueueURL string, logger *slog.Logger) (*Queue, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if retryQueueURL == "" {
		retryQueueURL = cfg.ScaleUpQueueURL
	}
	return &Queue{
		client:        sqs.NewFromConfig(awsCfg),
		queueURL:      cfg.ScaleUpQueueURL,
		retryQueueURL: retryQueueURL,
		maxMessages:   cfg.MaxMessagesPerBatch,
		waitSeconds:   cfg.WaitTimeSeconds,
		logger:        logger.With("component", "queue"),
	}, nil
}

// ReceiveBatch pulls up to MaxMessagesPerBatch messages, per spec §2's "one
// invocation handles one batch (size >= 1)".
func (q *Queue) ReceiveBatch(ctx context.Context) ([]ReceivedMessage, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: q.maxMessages,
		WaitTimeSeconds:     q.waitSeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("receive message failed: %w", err)
	}

	received := make([]ReceivedMessage, 0, len(out.Messages))
	for _, m := range out.Messages {
		var msg models.Message
		if m.Body == nil {
			q.logger.Warn("skipping message with empty body", "message_id", aws.ToString(m.MessageId))
			continue
		}
		if err := json.Unmarshal([]byte(*m.Body), &msg); err != nil {
			q.logger.Warn("skipping malformed message body", "sqs_message_id", aws.ToString(m.MessageId), "error", err)
			continue
		}
		msg.QueueDeliveryID = aws.ToString(m.ReceiptHandle)
		received = append(received, ReceivedMessage{Message: msg, ReceiptHandle: aws.ToString(m.ReceiptHandle)})
	}
	return received, nil
}

// CompleteBatch deletes every received message, unconditionally. §4.2's
// reject-list does not distinguish a capacity-cap reject from a transient
// upstream-failure reject, so there is no structural way to leave only
// "some" rejects on the queue for natural SQS redelivery without also
// leaving the capacity-cap rejects, which are expected to recur every
// invocation until capacity frees up. Rejected ids are instead routed
// through the retry layer (R) by the caller before CompleteBatch runs;
// R's own republish-with-backoff is the sole redelivery mechanism for
// anything in a batch's RejectedMessageIDs.
func (q *Queue) CompleteBatch(ctx context.Context, received []ReceivedMessage) error {
	handles := make([]string, len(received))
	for i, r := range received {
		handles[i] = r.ReceiptHandle
	}
	return q.deleteReceipts(ctx, handles)
}

func (q *Queue) deleteReceipts(ctx context.Context, handles []string) error {
	var failures []string
	for start := 0; start < len(handles); start += maxBatchEntries {
		end := min(start+maxBatchEntries, len(handles))
		chunk := handles[start:end]

		entries := make([]types.DeleteMessageBatchRequestEntry, len(chunk))
		for i, h := range chunk {
			entries[i] = types.DeleteMessageBatchRequestEntry{
				Id:            aws.String(fmt.Sprintf("%d", i)),
				ReceiptHandle: aws.String(h),
			}
		}

		out, err := q.client.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
			QueueUrl: aws.String(q.queueURL),
			Entries:  entries,
		})
		if err != nil {
			return fmt.Errorf("delete message batch failed: %w", err)
		}
		for _, f := range out.Failed {
			failures = append(failures, aws.ToString(f.Id))
		}
	}

	if len(failures) > 0 {
		return fmt.Errorf("failed to delete %d of %d messages", len(failures), len(handles))
	}
	return nil
}

// Republish re-enqueues msg with a visibility delay, for the retry layer
// (spec §4.5). SQS caps DelaySeconds at 900; the retry layer's own
// maxQueueDelay already enforces that ceiling, but it is clamped here too
// since this call is the actual API boundary.
func (q *Queue) Republish(ctx context.Context, msg models.Message, delay time.Duration) error {
	delaySeconds := clampDelaySeconds(delay)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal republished message: %w", err)
	}

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(q.retryQueueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: delaySeconds,
	})
	if err != nil {
		return fmt.Errorf("send message failed: %w", err)
	}
	return nil
}

// clampDelaySeconds bounds delay to SQS's [0, 900] DelaySeconds range.
func clampDelaySeconds(delay time.Duration) int32 {
	seconds := int32(delay / time.Second)
	if seconds > 900 {
		return 900
	}
	if seconds < 0 {
		return 0
	}
	return seconds
}

// SendBatch enqueues a batch of messages, used by tests and local tooling
// to seed the intake queue without a real webhook ingress.
func (q *Queue) SendBatch(ctx context.Context, messages []models.Message) error {
	for start := 0; start < len(messages); start += maxBatchEntries {
		end := min(start+maxBatchEntries, len(messages))
		chunk := messages[start:end]

		entries := make([]types.SendMessageBatchRequestEntry, len(chunk))
		for i, m := range chunk {
			body, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("failed to marshal message %d: %w", m.ID, err)
			}
			entries[i] = types.SendMessageBatchRequestEntry{
				Id:          aws.String(uuid.NewString()),
				MessageBody: aws.String(string(body)),
			}
		}

		out, err := q.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(q.queueURL),
			Entries:  entries,
		})
		if err != nil {
			return fmt.Errorf("send message batch failed: %w", err)
		}
		if len(out.Failed) > 0 {
			return fmt.Errorf("%d of %d messages failed to send", len(out.Failed), len(chunk))
		}
	}
	return nil
}
