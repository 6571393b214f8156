package inbound

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	key, bucket, body string
	err               error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.bucket, f.key = *in.Bucket, *in.Key
	b, _ := io.ReadAll(in.Body)
	f.body = string(b)
	return &s3.PutObjectOutput{}, f.err
}

func TestS3Archiver(t *testing.T) {
	client := &fakeS3{}
	a := NewS3Archiver(client, "raw-events", "/inbound/")

	require.NoError(t, a.Archive(context.Background(), "default/2026/03/01/msg_1.json", []byte(`{"a":1}`)))
	assert.Equal(t, "raw-events", client.bucket)
	assert.Equal(t, "inbound/default/2026/03/01/msg_1.json", client.key)
	assert.Equal(t, `{"a":1}`, client.body)

	client.err = errors.New("denied")
	assert.Error(t, a.Archive(context.Background(), "k", nil))
}

func TestParseEvent(t *testing.T) {
	evt, err := parseEvent([]byte(`{"type":"email.clicked","created_at":"2026-03-01 10:00:00.123+00","data":{"email_id":"m1","click":{"link":"https://x.test"}}}`), zeroTime)
	require.NoError(t, err)
	assert.Equal(t, "m1", evt.ProviderMessageID)
	assert.Equal(t, "https://x.test", evt.ClickURL)
	assert.Equal(t, 2026, evt.OccurredAt.Year())
	assert.Equal(t, 10, evt.OccurredAt.Hour())

	evt, err = parseEvent([]byte(`{"type":"email.opened","data":{"email_id":"m1"}}`), zeroTime)
	require.NoError(t, err)
	assert.True(t, evt.OccurredAt.Equal(zeroTime), "missing timestamp falls back to now")

	assert.Equal(t, "hard", bounceReason("", "hard", ""))
	assert.Equal(t, "", bounceReason("", "", ""))
}

var zeroTime = mustTime("2026-01-01T00:00:00Z")
