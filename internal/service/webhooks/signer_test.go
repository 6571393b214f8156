package webhooks

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	payload := []byte(`{"id":"evt_1","event":"contact.created"}`)

	header := Sign("whsec_abc", ts, payload)
	assert.True(t, strings.HasPrefix(header, "t=1700000000,v1="))
	assert.Len(t, strings.TrimPrefix(header, "t=1700000000,v1="), 64)

	require.NoError(t, Verify("whsec_abc", header, payload, 5*time.Minute, ts.Add(time.Minute)))
	assert.ErrorIs(t, Verify("whsec_other", header, payload, 0, ts), ErrSignatureInvalid)
	assert.ErrorIs(t, Verify("whsec_abc", header, []byte(`{}`), 0, ts), ErrSignatureInvalid)
	assert.ErrorIs(t, Verify("whsec_abc", header, payload, 5*time.Minute, ts.Add(time.Hour)), ErrSignatureExpired)
	assert.ErrorIs(t, Verify("whsec_abc", "garbage", payload, 0, ts), ErrSignatureFormat)
}

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret()
	require.NoError(t, err)
	b, err := GenerateSecret()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(a, SecretPrefix))
	assert.Len(t, a, len(SecretPrefix)+64)
	assert.NotEqual(t, a, b)
}

func TestScheduleDelay(t *testing.T) {
	assert.Equal(t, time.Minute, DefaultSchedule.Delay(1))
	assert.Equal(t, 5*time.Minute, DefaultSchedule.Delay(2))
	assert.Equal(t, 2*time.Hour, DefaultSchedule.Delay(4))
	assert.Equal(t, 2*time.Hour, DefaultSchedule.Delay(9))
	assert.Equal(t, time.Minute, Schedule(nil).Delay(1))
	assert.Equal(t, time.Second, Schedule{time.Second}.Delay(0))
}

func TestInFlightCaps(t *testing.T) {
	l := NewInFlight(3, 2)
	assert.True(t, l.TryAcquire("a"))
	assert.True(t, l.TryAcquire("a"))
	assert.False(t, l.TryAcquire("a"), "per-endpoint cap")
	assert.True(t, l.TryAcquire("b"))
	assert.False(t, l.TryAcquire("c"), "global cap")

	l.Release("a")
	assert.True(t, l.TryAcquire("c"))
	assert.Equal(t, 3, l.Active())
}
