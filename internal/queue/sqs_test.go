package queue

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	sent       []*sqs.SendMessageInput
	receive    []types.Message
	deleted    []string
	visibility map[string]int32
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	out := &sqs.ReceiveMessageOutput{Messages: f.receive}
	f.receive = nil
	return out, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	if f.visibility == nil {
		f.visibility = map[string]int32{}
	}
	f.visibility[aws.ToString(in.ReceiptHandle)] = in.VisibilityTimeout
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func TestSQSQueue(t *testing.T) {
	ctx := context.Background()
	api := &fakeSQS{}
	q := NewSQSQueue(api, "https://sqs/work", "https://sqs/dead", time.Minute, 5*time.Second)

	id, err := q.Enqueue(ctx, []byte("job"))
	require.NoError(t, err)
	assert.Equal(t, "m-1", id)

	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrEmpty)

	api.receive = []types.Message{{
		MessageId:     aws.String("m-1"),
		Body:          aws.String("job"),
		ReceiptHandle: aws.String("rh-1"),
		Attributes:    map[string]string{"ApproximateReceiveCount": "3"},
	}}
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, d.Attempts)
	assert.Equal(t, "rh-1", d.Receipt())

	require.NoError(t, q.Nack(ctx, d, 90*time.Second))
	assert.Equal(t, int32(90), api.visibility["rh-1"])

	require.NoError(t, q.DeadLetter(ctx, d, "exhausted"))
	require.Len(t, api.sent, 2)
	assert.Equal(t, "https://sqs/dead", aws.ToString(api.sent[1].QueueUrl))
	assert.Equal(t, []string{"rh-1"}, api.deleted)
}
