// Package apperr defines the failure taxonomy shared by the price client,
// the feed client and the session controller.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	// KindConfiguration: a fixed endpoint is malformed. Fatal to the session.
	KindConfiguration
	// KindTransport: the price request failed or could not be decoded.
	KindTransport
	// KindConnection: the feed could not be dialed or subscribed.
	KindConnection
	// KindProtocol: a single feed message could not be decoded. Non-fatal.
	KindProtocol
	// KindStream: the feed dropped mid-session.
	KindStream
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindTransport:
		return "transport"
	case KindConnection:
		return "connection"
	case KindProtocol:
		return "protocol"
	case KindStream:
		return "stream"
	default:
		return "unknown"
	}
}

// Recovery is the category of user action that gets a session going again.
type Recovery int

const (
	RecoveryRetry Recovery = iota
	RecoveryRetryLater
	RecoveryReconnect
	RecoveryRestart
)

func (r Recovery) String() string {
	switch r {
	case RecoveryRetryLater:
		return "retry_later"
	case RecoveryReconnect:
		return "reconnect"
	case RecoveryRestart:
		return "restart"
	default:
		return "retry"
	}
}

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Description is the human readable summary shown to the user.
func (e *Error) Description() string {
	switch e.Kind {
	case KindConfiguration:
		return "Service endpoint is misconfigured."
	case KindTransport:
		return fmt.Sprintf("Server Error: %s", e.cause())
	case KindConnection:
		return "Failed to Connect to Bitcoin Network"
	case KindProtocol:
		return fmt.Sprintf("Received an unreadable message: %s", e.cause())
	case KindStream:
		return fmt.Sprintf("Connection lost: %s", e.cause())
	default:
		return fmt.Sprintf("Something went wrong: %s", e.cause())
	}
}

// Suggestion is the recovery hint paired with Description.
func (e *Error) Suggestion() string {
	switch e.Recovery() {
	case RecoveryRestart:
		return "There's a configuration issue with the app. Please restart the app or contact support."
	case RecoveryReconnect:
		return "Unable to connect to Bitcoin network. Please try again."
	case RecoveryRetryLater:
		return "We're experiencing server issues. Please try again later."
	default:
		return "Please try again or contact support if the problem persists."
	}
}

func (e *Error) Recovery() Recovery {
	switch e.Kind {
	case KindConfiguration:
		return RecoveryRestart
	case KindTransport, KindStream:
		return RecoveryRetryLater
	case KindConnection:
		return RecoveryReconnect
	default:
		return RecoveryRetry
	}
}

func (e *Error) cause() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Err.Error()
}

// KindOf reports the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// From returns the *Error in err's chain, classifying unknown errors as
// KindUnknown under op.
func From(op string, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return New(KindUnknown, op, err)
}
