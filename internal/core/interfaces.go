// Package core defines the domain types and component interfaces of the
// trading engine
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// SubmitRequest is what the lifecycle manager hands to the broker. The
// client order ID doubles as the idempotency key: a broker receiving the
// same ID twice must treat the second submission as a duplicate.
type SubmitRequest struct {
	ClientOrderID string
	InstrumentID  string
	Side          Side
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	Market        bool
	TimeInForce   time.Duration
}

// SubmitAck is a broker acceptance. Duplicate is set when the broker
// recognized the idempotency key from an earlier attempt.
type SubmitAck struct {
	BrokerOrderID string
	Duplicate     bool
}

// BrokerPosition is the broker's authoritative view of one position
type BrokerPosition struct {
	InstrumentID string
	Quantity     decimal.Decimal
	AvgPrice     decimal.Decimal
}

// BrokerOrder is the broker's view of an order, used for open-order
// reconciliation and for resolving ambiguous submission timeouts
type BrokerOrder struct {
	ClientOrderID string
	BrokerOrderID string
	InstrumentID  string
	Side          Side
	Quantity      decimal.Decimal
	FilledQty     decimal.Decimal
	Price         decimal.Decimal
	Open          bool
}

// UpdateKind classifies an order update pushed by the broker
type UpdateKind int

const (
	UpdateAck UpdateKind = iota
	UpdateReject
	UpdateFill
	UpdateCancel
	UpdateExpire
)

// OrderUpdate is a broker-pushed lifecycle event. Fill is non-nil only for
// UpdateFill.
type OrderUpdate struct {
	Kind          UpdateKind
	ClientOrderID string
	BrokerOrderID string
	Reason        string
	Fill          *Fill
	Timestamp     time.Time
}

// Broker is the only gateway to the outside broker. Implementations classify
// failures as transient or permanent via the error kinds in this package;
// all calls honor context deadlines.
type Broker interface {
	SubmitOrder(ctx context.Context, req SubmitRequest) (*SubmitAck, error)
	CancelOrder(ctx context.Context, clientOrderID string) error
	QueryOrder(ctx context.Context, clientOrderID string) (*BrokerOrder, error)
	QueryPositions(ctx context.Context) ([]BrokerPosition, error)
	QueryOpenOrders(ctx context.Context) ([]BrokerOrder, error)
	StreamQuotes(ctx context.Context, instruments []string) (<-chan Quote, error)
	StreamOrderUpdates(ctx context.Context) (<-chan OrderUpdate, error)
}

// MarketState is what a strategy sees: the freshest quote per instrument,
// stale instruments excluded
type MarketState struct {
	Quotes map[string]Quote
	Now    time.Time
}

// Strategy turns market state plus a ledger snapshot into intents. It must
// be deterministic over its input sequence and free of side effects; it
// never touches the broker or mutates the ledger.
type Strategy interface {
	Name() string
	Evaluate(ctx context.Context, market MarketState, positions LedgerSnapshot) ([]Intent, error)
}

// HaltChecker gates admission for instruments taken out of trading
type HaltChecker interface {
	IsHalted(instrumentID string) bool
}

// ILogger is the structured logging interface used across components
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
