package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or intent
type Side int

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideSell {
		return "SELL"
	}
	return "BUY"
}

// Sign returns +1 for buys and -1 for sells, used to sign fill quantities
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// OrderState is the lifecycle state of an order
type OrderState int

const (
	OrderStateCreated OrderState = iota
	OrderStateSubmitted
	OrderStateAcknowledged
	OrderStatePartiallyFilled
	OrderStateFilled
	OrderStateRejected
	OrderStateCancelled
	OrderStateExpired
	OrderStateSubmissionFailed
)

func (s OrderState) String() string {
	switch s {
	case OrderStateCreated:
		return "CREATED"
	case OrderStateSubmitted:
		return "SUBMITTED"
	case OrderStateAcknowledged:
		return "ACKNOWLEDGED"
	case OrderStatePartiallyFilled:
		return "PARTIALLY_FILLED"
	case OrderStateFilled:
		return "FILLED"
	case OrderStateRejected:
		return "REJECTED"
	case OrderStateCancelled:
		return "CANCELLED"
	case OrderStateExpired:
		return "EXPIRED"
	case OrderStateSubmissionFailed:
		return "SUBMISSION_FAILED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether no further transitions are allowed from s
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateFilled, OrderStateRejected, OrderStateCancelled, OrderStateExpired, OrderStateSubmissionFailed:
		return true
	}
	return false
}

// Instrument is immutable reference data loaded from configuration
type Instrument struct {
	ID       string
	TickSize decimal.Decimal
	LotSize  decimal.Decimal
	Currency string
}

// Quote is a normalized market data event. Quotes for the same instrument
// supersede each other by sequence number.
type Quote struct {
	InstrumentID string
	Bid          decimal.Decimal
	Ask          decimal.Decimal
	Timestamp    time.Time
	Seq          uint64
}

// Mid returns the bid/ask midpoint
func (q Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// Position is the ledger's view of holdings in one instrument. Quantity is
// signed: positive long, negative short.
type Position struct {
	InstrumentID  string
	Quantity      decimal.Decimal
	AvgEntryPrice decimal.Decimal
	RealizedPnL   decimal.Decimal
}

// Order is a tracked order. Owned exclusively by the lifecycle manager;
// everyone else sees value copies.
type Order struct {
	ClientOrderID string // idempotency key, assigned before any network call
	BrokerOrderID string
	InstrumentID  string
	Side          Side
	Quantity      decimal.Decimal
	LimitPrice    decimal.Decimal
	Market        bool
	State         OrderState
	Reason        string // populated for REJECTED / SUBMISSION_FAILED
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	TimeInForce   time.Duration
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Remaining returns the unfilled quantity
func (o Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQty)
}

// FillSource distinguishes broker-reported fills from reconciliation
// corrections
type FillSource string

const (
	FillSourceBroker         FillSource = "broker"
	FillSourceReconciliation FillSource = "reconciliation"
)

// Fill is a single execution. ID is the dedup key: applying the same fill
// twice must be a no-op.
type Fill struct {
	ID            string
	ClientOrderID string
	InstrumentID  string
	Side          Side
	Quantity      decimal.Decimal // always positive; Side carries direction
	Price         decimal.Decimal
	Timestamp     time.Time
	Source        FillSource
}

// SignedQuantity returns the quantity signed by side
func (f Fill) SignedQuantity() decimal.Decimal {
	return f.Quantity.Mul(f.Side.Sign())
}

// Intent is the strategy evaluator's sole output: a proposed trade with no
// identity, consumed at most once by the lifecycle manager.
type Intent struct {
	InstrumentID string
	Side         Side
	Quantity     decimal.Decimal
	Price        decimal.Decimal // zero means market
}

// Market reports whether the intent carries no limit price
func (i Intent) Market() bool {
	return i.Price.IsZero()
}

// RiskLimits are loaded once at startup and immutable during a run
type RiskLimits struct {
	MaxPosition        map[string]decimal.Decimal // per instrument overrides
	DefaultMaxPosition decimal.Decimal
	MaxNotional        decimal.Decimal // aggregate exposure cap
	MaxOrderRate       float64         // orders per second
	OrderBurst         int
}

// MaxPositionFor returns the per-instrument position cap
func (r RiskLimits) MaxPositionFor(instrumentID string) decimal.Decimal {
	if v, ok := r.MaxPosition[instrumentID]; ok {
		return v
	}
	return r.DefaultMaxPosition
}

// RejectReason is why an intent was refused admission
type RejectReason string

const (
	RejectPositionLimitExceeded RejectReason = "PositionLimitExceeded"
	RejectExposureLimitExceeded RejectReason = "ExposureLimitExceeded"
	RejectRateLimitExceeded     RejectReason = "RateLimitExceeded"
	RejectInstrumentHalted      RejectReason = "InstrumentHalted"
)

// LedgerSnapshot is an immutable copy of ledger state handed to readers.
// Mutating it never affects the ledger.
type LedgerSnapshot struct {
	Positions map[string]Position
	Marks     map[string]decimal.Decimal // last known mid per instrument
	Exposure  decimal.Decimal            // aggregate notional at Marks
	TakenAt   time.Time
}

// PositionFor returns the snapshot position, zero-valued when absent
func (s LedgerSnapshot) PositionFor(instrumentID string) Position {
	if p, ok := s.Positions[instrumentID]; ok {
		return p
	}
	return Position{InstrumentID: instrumentID}
}

// EngineStatus is the health/status view exposed to the HTTP layer
type EngineStatus struct {
	Running            bool                 `json:"running"`
	LastQuote          map[string]time.Time `json:"last_quote"`
	OrdersByState      map[string]int       `json:"orders_by_state"`
	LastReconciliation time.Time            `json:"last_reconciliation"`
}
