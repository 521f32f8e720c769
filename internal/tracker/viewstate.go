package tracker

import (
	"fmt"

	"txtracker/pkg/apperr"
	"txtracker/pkg/blockchain"
)

type ViewKind int

const (
	ViewInitial ViewKind = iota
	ViewConnecting
	ViewFetchingData
	ViewSuccess
	ViewEmpty
	ViewDisconnected
	ViewError
)

var viewKindNames = [...]string{
	ViewInitial:      "initial",
	ViewConnecting:   "connecting",
	ViewFetchingData: "fetching_data",
	ViewSuccess:      "success",
	ViewEmpty:        "empty",
	ViewDisconnected: "disconnected",
	ViewError:        "error",
}

func (k ViewKind) String() string {
	if int(k) < len(viewKindNames) {
		return viewKindNames[k]
	}
	return fmt.Sprintf("ViewKind(%d)", int(k))
}

// ViewState is what the presentation layer should display. Err is set only
// for ViewError.
type ViewState struct {
	Kind ViewKind
	Err  *apperr.Error
}

func (v ViewState) String() string {
	if v.Kind == ViewError && v.Err != nil {
		return fmt.Sprintf("error(%s)", v.Err.Kind)
	}
	return v.Kind.String()
}

// Equal compares kinds, and for errors their kind and description.
func (v ViewState) Equal(o ViewState) bool {
	if v.Kind != o.Kind {
		return false
	}
	if v.Kind != ViewError {
		return true
	}
	if v.Err == nil || o.Err == nil {
		return v.Err == o.Err
	}
	return v.Err.Kind == o.Err.Kind && v.Err.Description() == o.Err.Description()
}

// State is an immutable snapshot of everything the presentation layer
// observes.
type State struct {
	View         ViewState
	Status       blockchain.ConnectionStatus
	Transactions []Transaction // most recent first
	Price        float64       // USD per BTC, 0 until fetched
}

type UpdateKind int

const (
	UpdateView UpdateKind = iota
	UpdateStatus
	UpdateTransaction
	UpdateCleared
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateView:
		return "view"
	case UpdateStatus:
		return "status"
	case UpdateTransaction:
		return "transaction"
	case UpdateCleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// Update is delivered to subscribers after every observable change.
// Transaction is set for UpdateTransaction; Previous for UpdateView.
type Update struct {
	Kind        UpdateKind
	State       State
	Previous    ViewState
	Transaction Transaction
}
