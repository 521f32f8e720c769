package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"txtracker/pkg/apperr"
	"txtracker/pkg/blockchain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePrices struct {
	price float64
	err   error
	calls atomic.Int32
}

func (f *fakePrices) FetchPrice(ctx context.Context) (float64, error) {
	f.calls.Add(1)
	if f.err != nil {
		return 0, f.err
	}
	return f.price, nil
}

// fakeFeed mimics WSClient's status transitions without a socket.
type fakeFeed struct {
	mu          sync.Mutex
	events      chan blockchain.Event
	status      blockchain.ConnectionStatus
	connects    int
	disconnects int
	failConnect error
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{events: make(chan blockchain.Event, 128)}
}

func (f *fakeFeed) Events() <-chan blockchain.Event { return f.events }

func (f *fakeFeed) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.connects++
	if f.status != blockchain.StatusDisconnected {
		return nil
	}
	f.setStatusLocked(blockchain.StatusConnecting)
	if f.failConnect != nil {
		f.setStatusLocked(blockchain.StatusDisconnected)
		f.events <- blockchain.Event{Type: blockchain.EventError, Err: f.failConnect}
		return f.failConnect
	}
	f.setStatusLocked(blockchain.StatusConnected)
	return nil
}

func (f *fakeFeed) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.setStatusLocked(blockchain.StatusDisconnected)
}

func (f *fakeFeed) setStatusLocked(s blockchain.ConnectionStatus) {
	if f.status == s {
		return
	}
	f.status = s
	f.events <- blockchain.Event{Type: blockchain.EventStatusChanged, Status: s}
}

func (f *fakeFeed) emit(hash string, outputs ...int64) {
	f.events <- blockchain.Event{
		Type:        blockchain.EventTransactionReceived,
		Transaction: blockchain.RawTransaction{Hash: hash, Outputs: outputs, Time: 1700000000},
	}
}

// drop simulates the network closing the socket under the client.
func (f *fakeFeed) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setStatusLocked(blockchain.StatusDisconnected)
	f.events <- blockchain.Event{
		Type: blockchain.EventError,
		Err:  apperr.New(apperr.KindStream, "feed receive", errors.New("unexpected EOF")),
	}
}

func (f *fakeFeed) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeFeed) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

type harness struct {
	c       *Controller
	feed    *fakeFeed
	prices  *fakePrices
	metrics *Metrics
}

func newHarness(t *testing.T, prices *fakePrices, wait time.Duration) *harness {
	t.Helper()

	h := &harness{
		feed:    newFakeFeed(),
		prices:  prices,
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	h.c = NewController(prices, h.feed, zap.NewNop(), h.metrics)
	h.c.waitTimeout = wait

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) waitView(t *testing.T, kind ViewKind) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.c.State().View.Kind == kind
	}, 2*time.Second, 5*time.Millisecond, "view never became %s (is %s)", kind, h.c.State().View)
}

// waitConnected waits for the feed to come up; the price is known by then.
func (h *harness) waitConnected(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.c.State().Status == blockchain.StatusConnected
	}, 2*time.Second, 5*time.Millisecond)
}

func (h *harness) startConnected(t *testing.T) {
	t.Helper()
	h.c.Start()
	h.waitView(t, ViewFetchingData)
}

// go test -v --run TestStartConnectsAfterPrice
func TestStartConnectsAfterPrice(t *testing.T) {
	h := newHarness(t, &fakePrices{price: 50_000}, time.Hour)

	assert.Equal(t, ViewInitial, h.c.State().View.Kind)
	h.startConnected(t)

	st := h.c.State()
	assert.Equal(t, blockchain.StatusConnected, st.Status)
	assert.Equal(t, 50_000.0, st.Price)
	assert.Empty(t, st.Transactions)
	assert.Equal(t, 1, h.feed.connectCount())
	assert.Equal(t, int32(1), h.prices.calls.Load())
	assert.Equal(t, 50_000.0, testutil.ToFloat64(h.metrics.price))
}

func TestStartPriceFailureNeverConnects(t *testing.T) {
	priceErr := apperr.New(apperr.KindTransport, "fetch price", errors.New("503"))
	h := newHarness(t, &fakePrices{err: priceErr}, time.Hour)

	h.c.Start()
	h.waitView(t, ViewError)

	st := h.c.State()
	require.NotNil(t, st.View.Err)
	assert.Equal(t, apperr.KindTransport, st.View.Err.Kind)
	assert.Equal(t, apperr.RecoveryRetryLater, st.View.Err.Recovery())
	assert.Equal(t, 0, h.feed.connectCount())
	assert.Equal(t, blockchain.StatusDisconnected, st.Status)
}

func TestAcceptAndRejectScenario(t *testing.T) {
	h := newHarness(t, &fakePrices{price: 50_000}, time.Hour)
	h.startConnected(t)

	h.feed.emit("big", 15_000_000)
	h.waitView(t, ViewSuccess)

	st := h.c.State()
	require.Len(t, st.Transactions, 1)
	assert.Equal(t, "big", st.Transactions[0].Hash)
	assert.InDelta(t, 7_500.0, st.Transactions[0].ValueUSD, 1e-9)

	// 100,000 sat at 50,000 USD = 50 USD: rejected.
	h.feed.emit("small", 100_000)
	h.feed.emit("marker", 20_000_000)

	require.Eventually(t, func() bool {
		return len(h.c.State().Transactions) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"marker", "big"}, hashes(h.c.State().Transactions))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.feedMessages.WithLabelValues(resultRejected)))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.feedMessages.WithLabelValues(resultAccepted)))
}

func TestLedgerEvictionScenario(t *testing.T) {
	h := newHarness(t, &fakePrices{price: 50_000}, time.Hour)
	h.startConnected(t)

	for i := 1; i <= 6; i++ {
		h.feed.emit(fmt.Sprintf("T%d", i), 15_000_000)
	}

	require.Eventually(t, func() bool {
		txs := h.c.State().Transactions
		return len(txs) > 0 && txs[0].Hash == "T6"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"T6", "T5", "T4", "T3", "T2"}, hashes(h.c.State().Transactions))
	assert.Equal(t, float64(LedgerCapacity), testutil.ToFloat64(h.metrics.ledgerSize))
}

func TestEmptyAfterWaitTimeout(t *testing.T) {
	h := newHarness(t, &fakePrices{price: 50_000}, 50*time.Millisecond)
	h.c.Start()

	h.waitView(t, ViewEmpty)
	assert.Equal(t, blockchain.StatusConnected, h.c.State().Status)

	// A late transaction still brings the session to Success.
	h.feed.emit("late", 15_000_000)
	h.waitView(t, ViewSuccess)
}

func TestTransactionCancelsWaitTimeout(t *testing.T) {
	h := newHarness(t, &fakePrices{price: 50_000}, 150*time.Millisecond)
	h.c.Start()
	h.waitConnected(t)

	h.feed.emit("big", 15_000_000)
	h.waitView(t, ViewSuccess)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, ViewSuccess, h.c.State().View.Kind)
}

func TestStaleTimeoutIgnored(t *testing.T) {
	c := NewController(&fakePrices{price: 1}, newFakeFeed(), zap.NewNop(), nil)
	c.waitTimeout = time.Hour
	c.view = ViewState{Kind: ViewFetchingData}

	c.armTimer()
	stale := c.timerGen
	c.armTimer() // re-arming replaces the first timer
	defer c.cancelTimer()

	c.handleTimeout(stale)
	assert.Equal(t, ViewFetchingData, c.view.Kind)

	c.handleTimeout(c.timerGen)
	assert.Equal(t, ViewEmpty, c.view.Kind)
}

func TestTimeoutIgnoredWhenLedgerFilled(t *testing.T) {
	c := NewController(&fakePrices{price: 1}, newFakeFeed(), zap.NewNop(), nil)
	c.waitTimeout = time.Hour
	c.view = ViewState{Kind: ViewFetchingData}
	c.ledger.InsertFront(Transaction{Hash: "a"})

	c.armTimer()
	defer c.cancelTimer()
	c.handleTimeout(c.timerGen)

	assert.Equal(t, ViewFetchingData, c.view.Kind)
}

func TestStopClearsAndIgnoresFeed(t *testing.T) {
	h := newHarness(t, &fakePrices{price: 50_000}, time.Hour)
	h.startConnected(t)

	h.feed.emit("big", 15_000_000)
	h.waitView(t, ViewSuccess)

	h.c.Stop()

	st := h.c.State()
	assert.Equal(t, ViewDisconnected, st.View.Kind)
	assert.Equal(t, blockchain.StatusDisconnected, st.Status)
	assert.Empty(t, st.Transactions)
	assert.Equal(t, 1, h.feed.disconnectCount())

	// Late deliveries from the old connection are harmless.
	h.feed.emit("late", 15_000_000)
	h.feed.events <- blockchain.Event{
		Type: blockchain.EventError,
		Err:  apperr.New(apperr.KindStream, "feed receive", errors.New("closed")),
	}

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.feedMessages.WithLabelValues(resultDropped)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	st = h.c.State()
	assert.Equal(t, ViewDisconnected, st.View.Kind)
	assert.Empty(t, st.Transactions)
}

func TestRestartAfterStop(t *testing.T) {
	h := newHarness(t, &fakePrices{price: 50_000}, time.Hour)
	h.startConnected(t)

	h.c.Stop()
	h.startConnected(t)

	assert.Equal(t, 2, h.feed.connectCount())
	assert.Equal(t, int32(2), h.prices.calls.Load())
	assert.Equal(t, blockchain.StatusConnected, h.c.State().Status)
}

func TestStreamErrorIsTerminal(t *testing.T) {
	h := newHarness(t, &fakePrices{price: 50_000}, time.Hour)
	h.startConnected(t)

	h.feed.drop()
	h.waitView(t, ViewError)

	st := h.c.State()
	require.NotNil(t, st.View.Err)
	assert.Equal(t, apperr.KindStream, st.View.Err.Kind)
	assert.Equal(t, blockchain.StatusDisconnected, st.Status)

	// no reconnect
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, ViewError, h.c.State().View.Kind)
	assert.Equal(t, 1, h.feed.connectCount())
}

func TestConnectFailure(t *testing.T) {
	h := newHarness(t, &fakePrices{price: 50_000}, time.Hour)
	h.feed.failConnect = apperr.New(apperr.KindConnection, "feed connect", errors.New("refused"))

	h.c.Start()
	h.waitView(t, ViewError)

	st := h.c.State()
	assert.Equal(t, apperr.KindConnection, st.View.Err.Kind)
	assert.Equal(t, apperr.RecoveryReconnect, st.View.Err.Recovery())
	assert.Equal(t, blockchain.StatusDisconnected, st.Status)
}

func TestProtocolErrorIsNotTerminal(t *testing.T) {
	h := newHarness(t, &fakePrices{price: 50_000}, time.Hour)
	h.startConnected(t)

	h.feed.events <- blockchain.Event{
		Type: blockchain.EventError,
		Err:  apperr.New(apperr.KindProtocol, "feed receive", errors.New("bad json")),
	}

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.protocolErrors) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, ViewFetchingData, h.c.State().View.Kind)

	h.feed.emit("big", 15_000_000)
	h.waitView(t, ViewSuccess)
}

func TestClearAndRetry(t *testing.T) {
	for name, action := range map[string]func(*Controller){
		"clear": (*Controller).Clear,
		"retry": (*Controller).Retry,
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, &fakePrices{price: 50_000}, 80*time.Millisecond)
			h.c.Start()
			h.waitConnected(t)

			h.feed.emit("big", 15_000_000)
			h.waitView(t, ViewSuccess)

			action(h.c)
			st := h.c.State()
			assert.Equal(t, ViewFetchingData, st.View.Kind)
			assert.Empty(t, st.Transactions)

			// the wait timer is armed again
			h.waitView(t, ViewEmpty)
		})
	}
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	h := newHarness(t, &fakePrices{price: 50_000}, time.Hour)
	updates := h.c.Subscribe()

	h.c.Start()

	var views []ViewKind
	var got Transaction
	timeout := time.After(2 * time.Second)
	for got.Hash == "" {
		select {
		case u := <-updates:
			switch u.Kind {
			case UpdateView:
				views = append(views, u.State.View.Kind)
				if u.State.View.Kind == ViewFetchingData {
					h.feed.emit("big", 15_000_000)
				}
			case UpdateTransaction:
				got = u.Transaction
				assert.Len(t, u.State.Transactions, 1)
			}
		case <-timeout:
			t.Fatalf("timeout, views so far %v", views)
		}
	}

	assert.Equal(t, []ViewKind{ViewConnecting, ViewFetchingData, ViewSuccess}, views)
	assert.Equal(t, "big", got.Hash)
}
