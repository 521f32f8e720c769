package blockchain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DecodeMessage converts a raw feed frame into a RawTransaction.
// ok is false for frames that are well formed but not new-transaction
// notifications; those are dropped silently. err is set only for frames
// that cannot be decoded.
func DecodeMessage(msg []byte) (tx RawTransaction, ok bool, err error) {
	// Step 1: Extract the op code for early filtering
	var meta struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(msg, &meta); err != nil {
		return RawTransaction{}, false, fmt.Errorf("extract op: %w", err)
	}
	if meta.Op != OpUnconfirmedTx {
		return RawTransaction{}, false, nil // pong, block notifications, ...
	}

	// Step 2: Fully parse the transaction payload
	var parsed Message
	if err := json.Unmarshal(msg, &parsed); err != nil {
		return RawTransaction{}, false, fmt.Errorf("parse utx payload: %w", err)
	}
	if parsed.X == nil {
		return RawTransaction{}, false, nil
	}
	if parsed.X.Hash == "" {
		return RawTransaction{}, false, errors.New("parse utx payload: missing hash")
	}

	outputs := make([]int64, 0, len(parsed.X.Out))
	for _, o := range parsed.X.Out {
		outputs = append(outputs, o.Value)
	}

	return RawTransaction{
		Hash:    parsed.X.Hash,
		Outputs: outputs,
		Time:    parsed.X.Time,
	}, true, nil
}
