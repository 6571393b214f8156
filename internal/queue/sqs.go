package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSAPI is the subset of *sqs.Client the queue uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// SQSQueue maps the Queue contract onto SQS, which enforces the visibility
// timeout itself. The receipt is the SQS receipt handle.
type SQSQueue struct {
	client        SQSAPI
	queueURL      string
	deadLetterURL string
	visibility    time.Duration
	wait          time.Duration
}

// NewSQSQueue creates a queue over queueURL. deadLetterURL may be empty, in
// which case DeadLetter only deletes the message and relies on the queue's
// redrive policy for anything that exhausts receives on its own.
func NewSQSQueue(client SQSAPI, queueURL, deadLetterURL string, visibility, wait time.Duration) *SQSQueue {
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	if wait > 20*time.Second {
		wait = 20 * time.Second
	}
	return &SQSQueue{
		client:        client,
		queueURL:      queueURL,
		deadLetterURL: deadLetterURL,
		visibility:    visibility,
		wait:          wait,
	}
}

func (q *SQSQueue) Enqueue(ctx context.Context, body []byte) (string, error) {
	out, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return "", fmt.Errorf("sqs send: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

// Dequeue long-polls for up to the configured wait.
func (q *SQSQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     int32(q.wait / time.Second),
		VisibilityTimeout:   int32(q.visibility / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive: %w", err)
	}
	if len(out.Messages) == 0 {
		return nil, ErrEmpty
	}
	msg := out.Messages[0]
	attempts := 1
	if v, ok := msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			attempts = n
		}
	}
	return &Delivery{
		ID:       aws.ToString(msg.MessageId),
		Body:     []byte(aws.ToString(msg.Body)),
		Attempts: attempts,
		receipt:  aws.ToString(msg.ReceiptHandle),
	}, nil
}

func (q *SQSQueue) Ack(ctx context.Context, d *Delivery) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(d.receipt),
	})
	if err != nil {
		return fmt.Errorf("sqs delete: %w", err)
	}
	return nil
}

// Nack shortens the visibility timeout to delay. SQS caps it at 12 hours.
func (q *SQSQueue) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	secs := int32(delay / time.Second)
	if secs > 43200 {
		secs = 43200
	}
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueURL),
		ReceiptHandle:     aws.String(d.receipt),
		VisibilityTimeout: secs,
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility: %w", err)
	}
	return nil
}

func (q *SQSQueue) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	if q.deadLetterURL != "" {
		_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(q.deadLetterURL),
			MessageBody: aws.String(string(d.Body)),
			MessageAttributes: map[string]types.MessageAttributeValue{
				"reason":      {DataType: aws.String("String"), StringValue: aws.String(reason)},
				"original_id": {DataType: aws.String("String"), StringValue: aws.String(d.ID)},
			},
		})
		if err != nil {
			return fmt.Errorf("sqs dead-letter send: %w", err)
		}
	}
	return q.Ack(ctx, d)
}

func (q *SQSQueue) Close() error { return nil }
