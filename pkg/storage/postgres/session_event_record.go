package postgres

import "time"

// SessionEventRecord is one view-state transition of a tracking session.
type SessionEventRecord struct {
	ID uint `gorm:"primaryKey"`

	FromState string `gorm:"type:varchar(32);not null"`
	ToState   string `gorm:"type:varchar(32);not null;index:idx_session_event_to_state"`

	FeedStatus string  `gorm:"type:varchar(32);not null"`
	PriceUSD   float64 `gorm:"type:numeric;not null"`
	LedgerSize int     `gorm:"not null"`

	// set only when ToState is "error"
	ErrorKind    string `gorm:"type:varchar(32)"`
	ErrorMessage string `gorm:"type:text"`

	OccurredAt time.Time `gorm:"not null;index:idx_session_event_occurred_at"`

	RecordedAt time.Time `gorm:"autoCreateTime"`
}

// TableName overrides the default table name for GORM.
func (SessionEventRecord) TableName() string {
	return "session_event"
}
