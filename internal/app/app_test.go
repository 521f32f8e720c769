package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"txtracker/config"
	"txtracker/internal/tracker"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	bigTx   = `{"op":"utx","x":{"hash":"big","time":1700000000,"out":[{"value":10000000},{"value":5000000}]}}`
	smallTx = `{"op":"utx","x":{"hash":"small","time":1700000001,"out":[{"value":100000}]}}`
)

// newFeedServer sends one large and one small transaction to every subscriber.
func newFeedServer(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		for _, msg := range []string{smallTx, bigTx} {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newPriceServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"bitcoin":{"usd":50000}}`))
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func startApp(t *testing.T) *App {
	t.Helper()
	cfg := &config.Config{
		Price: config.PriceConfig{URL: newPriceServer(t), Timeout: 2 * time.Second},
		Feed: config.FeedConfig{
			URL:              newFeedServer(t),
			HandshakeTimeout: 2 * time.Second,
			WriteTimeout:     time.Second,
		},
	}

	a, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Error("app did not stop")
		}
		assert.NoError(t, a.Close())
	})
	return a
}

func waitForLedger(t *testing.T, a *App, hashes ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		st := a.Controller().State()
		if st.View.Kind != tracker.ViewSuccess || len(st.Transactions) != len(hashes) {
			return false
		}
		for i, h := range hashes {
			if st.Transactions[i].Hash != h {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)
}

// go test -v --run TestRunTracksFeed
func TestRunTracksFeed(t *testing.T) {
	a := startApp(t)

	waitForLedger(t, a, "big")

	st := a.Controller().State()
	assert.Equal(t, 50000.0, st.Price)
	assert.Equal(t, int64(15_000_000), st.Transactions[0].ValueSatoshis)
	assert.InDelta(t, 7500.0, st.Transactions[0].ValueUSD, 1e-9)
}

// go test -v --run TestRestart
func TestRestart(t *testing.T) {
	a := startApp(t)
	waitForLedger(t, a, "big")

	a.Restart()

	// the new connection replays the same transactions into an empty ledger
	waitForLedger(t, a, "big")
}
