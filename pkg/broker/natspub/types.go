package natspub

import (
	"time"

	"txtracker/internal/tracker"
)

// TransactionAlert is the JSON body published for every accepted transaction.
type TransactionAlert struct {
	Hash          string    `json:"hash"`
	ValueSatoshis int64     `json:"value_satoshis"`
	ValueUSD      float64   `json:"value_usd"`
	PriceUSD      float64   `json:"price_usd"`
	Timestamp     time.Time `json:"timestamp"`
	PublishedAt   time.Time `json:"published_at"`
}

// FromTransaction converts an accepted transaction and the session price to an alert.
func FromTransaction(tx tracker.Transaction, price float64) *TransactionAlert {
	return &TransactionAlert{
		Hash:          tx.Hash,
		ValueSatoshis: tx.ValueSatoshis,
		ValueUSD:      tx.ValueUSD,
		PriceUSD:      price,
		Timestamp:     tx.Timestamp,
		PublishedAt:   time.Now().UTC(),
	}
}
