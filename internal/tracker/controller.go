package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"txtracker/pkg/apperr"
	"txtracker/pkg/blockchain"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// WaitTimeout is how long the controller waits in FetchingData for the
// first accepted transaction before showing Empty.
const WaitTimeout = 10 * time.Second

const subscriberBuffer = 64

// PriceFetcher performs a single BTC→USD price lookup.
type PriceFetcher interface {
	FetchPrice(ctx context.Context) (float64, error)
}

// Feed is the streaming transaction source driven by the controller.
type Feed interface {
	Connect(ctx context.Context) error
	Disconnect()
	Events() <-chan blockchain.Event
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
	cmdClear
	cmdPriceResult
)

type command struct {
	kind    commandKind
	session uint64
	price   float64
	err     error
	done    chan struct{}
}

// Controller is the session state machine. Every input (commands, feed
// events, timer firings, price results) is processed one at a time by the
// Run loop, which is the only writer of the ledger and the view state.
type Controller struct {
	prices      PriceFetcher
	feed        Feed
	logger      *zap.Logger
	metrics     *Metrics
	waitTimeout time.Duration

	cmds     chan command
	timeouts chan uint64
	quit     chan struct{}

	// Owned by the Run loop.
	ledger        *Ledger
	view          ViewState
	status        blockchain.ConnectionStatus
	price         float64
	active        bool
	session       uint64
	sessionCtx    context.Context
	cancelSession context.CancelFunc
	timer         *time.Timer
	timerGen      uint64

	mu     sync.RWMutex
	state  State
	subs   []chan Update
	closed bool
}

// NewController wires a controller. A nil metrics gets a private registry.
func NewController(prices PriceFetcher, feed Feed, logger *zap.Logger, metrics *Metrics) *Controller {
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}
	c := &Controller{
		prices:      prices,
		feed:        feed,
		logger:      logger,
		metrics:     metrics,
		waitTimeout: WaitTimeout,
		cmds:        make(chan command),
		timeouts:    make(chan uint64),
		quit:        make(chan struct{}),
		ledger:      NewLedger(),
		view:        ViewState{Kind: ViewInitial},
		status:      blockchain.StatusDisconnected,
	}
	c.state = State{View: c.view, Status: c.status, Transactions: []Transaction{}}
	c.metrics.setView(ViewInitial)
	return c
}

// Run processes events until ctx is done. It must be running for the
// command methods to return. Run disconnects the feed and closes all
// subscriber channels on exit.
func (c *Controller) Run(ctx context.Context) error {
	defer c.shutdown()

	events := c.feed.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-c.cmds:
			c.handleCommand(ctx, cmd)
			if cmd.done != nil {
				close(cmd.done)
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.handleFeedEvent(ev)
		case gen := <-c.timeouts:
			c.handleTimeout(gen)
		}
	}
}

// Start fetches the price and, on success, connects the feed.
func (c *Controller) Start() { c.do(cmdStart) }

// Stop disconnects the feed, cancels the wait timer and clears the ledger.
func (c *Controller) Stop() { c.do(cmdStop) }

// Clear empties the ledger and waits for fresh data.
func (c *Controller) Clear() { c.do(cmdClear) }

// Retry is Clear under the name used by the empty/error screens.
func (c *Controller) Retry() { c.do(cmdClear) }

// State returns the latest published snapshot.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := c.state
	st.Transactions = append([]Transaction(nil), c.state.Transactions...)
	return st
}

// Subscribe returns a channel receiving every Update from now on. Updates
// are dropped for a subscriber whose buffer is full. The channel is closed
// when Run returns.
func (c *Controller) Subscribe() <-chan Update {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan Update, subscriberBuffer)
	if c.closed {
		close(ch)
		return ch
	}
	c.subs = append(c.subs, ch)
	return ch
}

// do sends a command and waits until the loop has applied it.
func (c *Controller) do(kind commandKind) {
	done := make(chan struct{})
	select {
	case c.cmds <- command{kind: kind, done: done}:
	case <-c.quit:
		return
	}
	select {
	case <-done:
	case <-c.quit:
	}
}

// send delivers an internal command without waiting for it.
func (c *Controller) send(cmd command) {
	select {
	case c.cmds <- cmd:
	case <-c.quit:
	}
}

func (c *Controller) handleCommand(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdStart:
		c.startSession(ctx)
	case cmdStop:
		c.stopSession()
	case cmdClear:
		c.ledger.Clear()
		c.metrics.ledgerSize.Set(0)
		c.publish(UpdateCleared, Transaction{})
		c.setView(ViewState{Kind: ViewFetchingData})
		c.armTimer()
	case cmdPriceResult:
		c.handlePrice(cmd)
	}
}

func (c *Controller) startSession(ctx context.Context) {
	if c.cancelSession != nil {
		c.cancelSession()
	}
	c.session++
	c.active = true
	c.price = 0

	c.sessionCtx, c.cancelSession = context.WithCancel(ctx)

	c.logger.Info("session starting", zap.Uint64("session", c.session))
	c.setView(ViewState{Kind: ViewConnecting})

	go c.fetchPrice(c.sessionCtx, c.session)
}

func (c *Controller) fetchPrice(ctx context.Context, session uint64) {
	price, err := c.prices.FetchPrice(ctx)
	c.send(command{kind: cmdPriceResult, session: session, price: price, err: err})
}

func (c *Controller) handlePrice(cmd command) {
	if !c.active || cmd.session != c.session {
		return // superseded by Stop or a newer Start
	}

	if cmd.err != nil {
		e := apperr.From("fetch price", cmd.err)
		c.logger.Error("price fetch failed", zap.Error(e))
		c.cancelTimer()
		c.setView(ViewState{Kind: ViewError, Err: e})
		return
	}

	c.price = cmd.price
	c.metrics.price.Set(cmd.price)
	c.logger.Info("btc price fetched", zap.Float64("usd", cmd.price))

	if c.status == blockchain.StatusConnected {
		// Feed survived from an earlier Start; Connect would be a no-op.
		c.enterFetchingData()
		return
	}

	ctx := c.sessionCtx
	go func() {
		if err := c.feed.Connect(ctx); err != nil && !errors.Is(err, blockchain.ErrDisconnected) {
			c.logger.Debug("feed connect returned", zap.Error(err))
		}
	}()
}

func (c *Controller) stopSession() {
	c.active = false
	c.session++
	if c.cancelSession != nil {
		c.cancelSession()
		c.cancelSession = nil
		c.sessionCtx = nil
	}

	c.feed.Disconnect()
	c.cancelTimer()

	c.ledger.Clear()
	c.metrics.ledgerSize.Set(0)

	if c.status != blockchain.StatusDisconnected {
		c.status = blockchain.StatusDisconnected
		c.publish(UpdateStatus, Transaction{})
	}
	c.setView(ViewState{Kind: ViewDisconnected})
	c.logger.Info("session stopped")
}

func (c *Controller) handleFeedEvent(ev blockchain.Event) {
	switch ev.Type {
	case blockchain.EventStatusChanged:
		c.handleStatus(ev.Status)
	case blockchain.EventTransactionReceived:
		c.handleTransaction(ev.Transaction)
	case blockchain.EventError:
		c.handleFeedError(ev.Err)
	}
}

func (c *Controller) handleStatus(s blockchain.ConnectionStatus) {
	if s == c.status {
		return
	}
	c.status = s
	c.logger.Info("feed status changed", zap.Stringer("status", s))
	c.publish(UpdateStatus, Transaction{})

	switch s {
	case blockchain.StatusConnecting:
		if c.active {
			c.setView(ViewState{Kind: ViewConnecting})
		}
	case blockchain.StatusConnected:
		if c.active {
			c.enterFetchingData()
		}
	case blockchain.StatusDisconnected:
		c.cancelTimer()
		c.setView(ViewState{Kind: ViewDisconnected})
	}
}

func (c *Controller) enterFetchingData() {
	c.setView(ViewState{Kind: ViewFetchingData})
	c.armTimer()
}

func (c *Controller) handleTransaction(raw blockchain.RawTransaction) {
	if !c.active || c.price <= 0 {
		c.metrics.recordMessage(resultDropped)
		c.logger.Debug("transaction dropped outside session", zap.String("hash", raw.Hash))
		return
	}

	tx, ok := Accept(raw, c.price)
	if !ok {
		c.metrics.recordMessage(resultRejected)
		return
	}
	c.metrics.recordMessage(resultAccepted)

	if c.ledger.Len() == 0 && (c.view.Kind == ViewFetchingData || c.view.Kind == ViewEmpty) {
		c.cancelTimer()
		c.setView(ViewState{Kind: ViewSuccess})
	}

	c.ledger.InsertFront(tx)
	c.metrics.ledgerSize.Set(float64(c.ledger.Len()))
	c.logger.Debug("transaction accepted",
		zap.String("hash", tx.Hash),
		zap.Int64("satoshis", tx.ValueSatoshis),
		zap.Float64("usd", tx.ValueUSD),
	)
	c.publish(UpdateTransaction, tx)
}

func (c *Controller) handleFeedError(err error) {
	e := apperr.From("feed", err)

	if e.Kind == apperr.KindProtocol {
		c.metrics.protocolErrors.Inc()
		c.logger.Warn("ignoring malformed feed message", zap.Error(e))
		return
	}
	if !c.active {
		c.logger.Debug("feed error outside session", zap.Error(e))
		return
	}

	c.logger.Error("feed failed", zap.Error(e), zap.Stringer("recovery", e.Recovery()))
	c.cancelTimer()
	c.setView(ViewState{Kind: ViewError, Err: e})
}

// armTimer schedules the wait timeout, replacing any pending one.
func (c *Controller) armTimer() {
	c.cancelTimer()
	gen := c.timerGen
	c.timer = time.AfterFunc(c.waitTimeout, func() {
		select {
		case c.timeouts <- gen:
		case <-c.quit:
		}
	})
}

// cancelTimer stops the pending timer and invalidates any firing already
// in flight.
func (c *Controller) cancelTimer() {
	c.timerGen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) handleTimeout(gen uint64) {
	if gen != c.timerGen {
		return // stale: re-armed or cancelled since
	}
	c.timer = nil

	if c.view.Kind == ViewFetchingData && c.ledger.Len() == 0 {
		c.logger.Info("no qualifying transactions yet", zap.Duration("waited", c.waitTimeout))
		c.setView(ViewState{Kind: ViewEmpty})
	}
}

func (c *Controller) setView(v ViewState) {
	if c.view.Equal(v) {
		return
	}
	prev := c.view
	c.view = v
	c.metrics.setView(v.Kind)
	c.logger.Debug("view state changed", zap.Stringer("from", prev), zap.Stringer("to", v))

	c.publishUpdate(Update{Kind: UpdateView, Previous: prev})
}

func (c *Controller) publish(kind UpdateKind, tx Transaction) {
	c.publishUpdate(Update{Kind: kind, Transaction: tx})
}

func (c *Controller) publishUpdate(u Update) {
	u.State = State{
		View:         c.view,
		Status:       c.status,
		Transactions: c.ledger.Snapshot(),
		Price:        c.price,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = u.State
	for _, ch := range c.subs {
		select {
		case ch <- u:
		default:
			c.logger.Warn("subscriber buffer full, update dropped", zap.Stringer("kind", u.Kind))
		}
	}
}

func (c *Controller) shutdown() {
	if c.active || c.status != blockchain.StatusDisconnected {
		c.feed.Disconnect()
	}
	if c.cancelSession != nil {
		c.cancelSession()
	}
	c.cancelTimer()
	close(c.quit)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, ch := range c.subs {
		close(ch)
	}
	c.subs = nil
}
