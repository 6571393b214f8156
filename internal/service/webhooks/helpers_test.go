package webhooks_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustData(t *testing.T, payload []byte) json.RawMessage {
	t.Helper()
	var env struct {
		ID        string          `json:"id"`
		Event     string          `json:"event"`
		CreatedAt string          `json:"created_at"`
		Data      json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(payload, &env))
	require.NotEmpty(t, env.ID)
	require.NotEmpty(t, env.Event)
	require.NotEmpty(t, env.CreatedAt)
	return env.Data
}
