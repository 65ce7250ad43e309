package core

import (
	"errors"
	"fmt"
)

// Standardized broker errors
var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrDuplicateOrder    = errors.New("duplicate order")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidInstrument = errors.New("invalid instrument")
	ErrBrokerUnavailable = errors.New("broker unavailable")
)

// ErrorKind classifies a broker failure for the retry policy
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindPermanent
)

// BrokerError wraps a broker failure with its retry classification
type BrokerError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *BrokerError) Error() string {
	kind := "transient"
	if e.Kind == KindPermanent {
		kind = "permanent"
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s broker error (%s): %v", kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s broker error: %v", kind, e.Err)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// Transient marks an error as retryable
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &BrokerError{Kind: KindTransient, Err: err}
}

// Permanent marks an error as not retryable. Reason carries the broker's
// rejection code when there is one.
func Permanent(err error, reason string) error {
	if err == nil {
		return nil
	}
	return &BrokerError{Kind: KindPermanent, Reason: reason, Err: err}
}

// IsTransient reports whether err should be retried. Unclassified errors
// are treated as permanent: retrying an unknown failure risks duplicate
// side effects the idempotency key may not cover.
func IsTransient(err error) bool {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Kind == KindTransient
	}
	return false
}

// IsPermanent reports whether err was classified as not retryable
func IsPermanent(err error) bool {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Kind == KindPermanent
	}
	return false
}

// RejectReasonOf extracts the broker rejection code from a permanent error
func RejectReasonOf(err error) string {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Reason
	}
	return ""
}
