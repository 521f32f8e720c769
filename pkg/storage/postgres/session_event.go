package postgres

import (
	"context"
	"time"

	"txtracker/internal/tracker"
)

func (p *PostgresClient) InsertSessionEvent(ctx context.Context, record *SessionEventRecord) error {
	return p.DB.WithContext(ctx).Create(record).Error
}

// ListSessionEvents returns up to limit events, newest first.
func (p *PostgresClient) ListSessionEvents(ctx context.Context, limit int) ([]SessionEventRecord, error) {
	var records []SessionEventRecord
	err := p.DB.WithContext(ctx).
		Order("occurred_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (p *PostgresClient) DeleteSessionEventsBefore(ctx context.Context, before time.Time) (int64, error) {
	tx := p.DB.WithContext(ctx).
		Where("occurred_at < ?", before).
		Delete(&SessionEventRecord{})
	return tx.RowsAffected, tx.Error
}

// ToSessionEventRecord converts a view update into a SessionEventRecord for DB insertion.
func ToSessionEventRecord(u tracker.Update, at time.Time) *SessionEventRecord {
	record := &SessionEventRecord{
		FromState:  u.Previous.Kind.String(),
		ToState:    u.State.View.Kind.String(),
		FeedStatus: u.State.Status.String(),
		PriceUSD:   u.State.Price,
		LedgerSize: len(u.State.Transactions),
		OccurredAt: at.UTC(),
	}
	if err := u.State.View.Err; err != nil {
		record.ErrorKind = err.Kind.String()
		record.ErrorMessage = err.Description()
	}
	return record
}
