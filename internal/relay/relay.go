// Package relay forwards controller updates to the log and to the optional
// audit and alert sinks.
package relay

import (
	"context"
	"time"

	"txtracker/internal/tracker"
	"txtracker/pkg/broker/natspub"
	"txtracker/pkg/storage/postgres"

	"go.uber.org/zap"
)

const sinkTimeout = 5 * time.Second

type AuditStore interface {
	InsertSessionEvent(ctx context.Context, record *postgres.SessionEventRecord) error
}

type Publisher interface {
	PublishTransaction(ctx context.Context, alert *natspub.TransactionAlert) error
}

type Relay struct {
	logger    *zap.Logger
	audit     AuditStore
	publisher Publisher
	now       func() time.Time
}

type Option func(*Relay)

func WithAudit(store AuditStore) Option {
	return func(r *Relay) { r.audit = store }
}

func WithPublisher(p Publisher) Option {
	return func(r *Relay) { r.publisher = p }
}

func New(logger *zap.Logger, opts ...Option) *Relay {
	r := &Relay{logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run consumes updates until the channel is closed or ctx is done.
func (r *Relay) Run(ctx context.Context, updates <-chan tracker.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			r.handle(ctx, u)
		}
	}
}

func (r *Relay) handle(ctx context.Context, u tracker.Update) {
	switch u.Kind {
	case tracker.UpdateView:
		r.logView(u)
		r.auditEvent(ctx, u)
	case tracker.UpdateStatus:
		r.logger.Info("feed status", zap.Stringer("status", u.State.Status))
	case tracker.UpdateTransaction:
		r.logger.Info("high-value transaction",
			zap.String("hash", u.Transaction.Hash),
			zap.Int64("satoshis", u.Transaction.ValueSatoshis),
			zap.Float64("usd", u.Transaction.ValueUSD),
			zap.Time("time", u.Transaction.Timestamp),
			zap.Int("ledger_size", len(u.State.Transactions)),
		)
		r.publish(ctx, u)
	case tracker.UpdateCleared:
		r.logger.Info("ledger cleared")
	}
}

func (r *Relay) logView(u tracker.Update) {
	fields := []zap.Field{
		zap.Stringer("from", u.Previous),
		zap.Stringer("to", u.State.View),
	}
	if e := u.State.View.Err; e != nil {
		fields = append(fields,
			zap.String("description", e.Description()),
			zap.String("suggestion", e.Suggestion()),
			zap.Stringer("recovery", e.Recovery()),
		)
		r.logger.Warn("session state", fields...)
		return
	}
	r.logger.Info("session state", fields...)
}

func (r *Relay) auditEvent(ctx context.Context, u tracker.Update) {
	if r.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, sinkTimeout)
	defer cancel()

	if err := r.audit.InsertSessionEvent(ctx, postgres.ToSessionEventRecord(u, r.now())); err != nil {
		r.logger.Error("failed to record session event", zap.Error(err), zap.Stringer("to", u.State.View))
	}
}

func (r *Relay) publish(ctx context.Context, u tracker.Update) {
	if r.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, sinkTimeout)
	defer cancel()

	alert := natspub.FromTransaction(u.Transaction, u.State.Price)
	if err := r.publisher.PublishTransaction(ctx, alert); err != nil {
		r.logger.Error("failed to publish transaction alert", zap.Error(err), zap.String("hash", alert.Hash))
	}
}
