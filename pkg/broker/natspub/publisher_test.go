package natspub

import (
	"encoding/json"
	"testing"
	"time"

	"txtracker/internal/tracker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFromTransaction(t *testing.T) {
	ts := time.Unix(1700000000, 0).UTC()
	tx := tracker.Transaction{Hash: "abc", ValueSatoshis: 15_000_000, ValueUSD: 7500, Timestamp: ts}

	alert := FromTransaction(tx, 50_000)

	data, err := json.Marshal(alert)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "abc", decoded["hash"])
	assert.EqualValues(t, 15_000_000, decoded["value_satoshis"])
	assert.EqualValues(t, 7500, decoded["value_usd"])
	assert.EqualValues(t, 50_000, decoded["price_usd"])
	assert.Equal(t, "2023-11-14T22:13:20Z", decoded["timestamp"])
	assert.False(t, alert.PublishedAt.IsZero())
}

func TestNewPublisherUnreachable(t *testing.T) {
	_, err := NewPublisher("nats://127.0.0.1:1", "", zap.NewNop())
	require.Error(t, err)
}
