package tracker

import (
	"time"

	"txtracker/pkg/blockchain"
)

const (
	SatoshisPerBTC = 100_000_000
	// MinimumValueUSD is the exclusive lower bound for an accepted transaction.
	MinimumValueUSD = 100.0
)

// Transaction is an accepted feed transaction. ValueUSD is fixed at
// acceptance time and never recomputed.
type Transaction struct {
	Hash          string    `json:"hash"`
	ValueSatoshis int64     `json:"value_satoshis"`
	Timestamp     time.Time `json:"timestamp"`
	ValueUSD      float64   `json:"value_usd"`
}

// USDValue converts satoshis to USD at price USD per BTC.
func USDValue(satoshis int64, price float64) float64 {
	return float64(satoshis) / SatoshisPerBTC * price
}

// Accept converts raw at the given price and reports whether it is worth
// strictly more than MinimumValueUSD. price must be positive.
func Accept(raw blockchain.RawTransaction, price float64) (Transaction, bool) {
	total := raw.TotalSatoshis()
	usd := USDValue(total, price)
	if usd <= MinimumValueUSD {
		return Transaction{}, false
	}

	return Transaction{
		Hash:          raw.Hash,
		ValueSatoshis: total,
		Timestamp:     time.Unix(raw.Time, 0).UTC(),
		ValueUSD:      usd,
	}, true
}
