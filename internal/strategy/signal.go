package strategy

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nixikanius/trading-bot/internal/core"
	"github.com/nixikanius/trading-bot/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DesiredPosition is the stance a signal requests
type DesiredPosition string

const (
	PositionLong  DesiredPosition = "long"
	PositionShort DesiredPosition = "short"
	PositionFlat  DesiredPosition = "flat"
)

// ParsePosition validates a desired position string
func ParsePosition(s string) (DesiredPosition, bool) {
	switch DesiredPosition(strings.ToLower(s)) {
	case PositionLong:
		return PositionLong, true
	case PositionShort:
		return PositionShort, true
	case PositionFlat:
		return PositionFlat, true
	}
	return "", false
}

// ExternalSignal is a desired-position instruction pushed from outside,
// typically a webhook
type ExternalSignal struct {
	ID           string          `json:"signal_id"`
	InstrumentID string          `json:"instrument"`
	Position     DesiredPosition `json:"position"`
	Quantity     decimal.Decimal `json:"quantity"`
	LimitPrice   decimal.Decimal `json:"limit_price"` // zero means market
	ReceivedAt   time.Time       `json:"received_at"`
}

// TargetQuantity returns the signed position the signal asks for
func (s ExternalSignal) TargetQuantity() decimal.Decimal {
	switch s.Position {
	case PositionLong:
		return s.Quantity
	case PositionShort:
		return s.Quantity.Neg()
	default:
		return decimal.Zero
	}
}

// Signal converts desired-position signals into intents that move the
// ledger position toward the target. Per instrument at most one signal
// waits: a newer signal replaces the waiting one, and whichever signal is
// waiting when the engine evaluates is consumed whole.
type Signal struct {
	defaultQty decimal.Decimal
	logger     core.ILogger

	mu       sync.Mutex
	waiting  map[string]ExternalSignal // instrument -> waiting signal
	consumed int64
}

func NewSignal(params map[string]string, logger core.ILogger) *Signal {
	qty, err := paramFloat(params, "default_qty", 1)
	if err != nil || qty <= 0 {
		qty = 1
	}
	return &Signal{
		defaultQty: decimal.NewFromFloat(qty),
		logger:     logger.WithField("component", "strategy_signal"),
		waiting:    make(map[string]ExternalSignal),
	}
}

func (s *Signal) Name() string {
	return "signal"
}

// Enqueue accepts a signal. A waiting signal for the same instrument is
// replaced; signals are never merged.
func (s *Signal) Enqueue(sig ExternalSignal) string {
	if sig.ID == "" {
		sig.ID = uuid.NewString()[:8]
	}
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = time.Now()
	}
	if sig.Quantity.IsZero() {
		sig.Quantity = s.defaultQty
	}

	s.mu.Lock()
	prev, had := s.waiting[sig.InstrumentID]
	s.waiting[sig.InstrumentID] = sig
	depth := int64(len(s.waiting))
	s.mu.Unlock()

	if had {
		s.logger.Info("Replaced waiting signal",
			"instrument", sig.InstrumentID, "old_signal", prev.ID, "new_signal", sig.ID)
	} else {
		s.logger.Info("Signal waiting for execution",
			"instrument", sig.InstrumentID, "signal", sig.ID, "position", sig.Position)
	}
	telemetry.GetGlobalMetrics().SetSignalQueueDepth(sig.InstrumentID, depth)

	return sig.ID
}

// Evaluate consumes waiting signals for instruments with a fresh quote and
// emits intents that close the gap between ledger position and target
func (s *Signal) Evaluate(ctx context.Context, market core.MarketState, positions core.LedgerSnapshot) ([]core.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var intents []core.Intent
	for inst, sig := range s.waiting {
		if _, ok := market.Quotes[inst]; !ok {
			continue // no tradable quote yet, keep the signal waiting
		}

		current := positions.PositionFor(inst).Quantity
		delta := sig.TargetQuantity().Sub(current)
		delete(s.waiting, inst)
		s.consumed++
		telemetry.GetGlobalMetrics().SetSignalQueueDepth(inst, 0)

		if delta.IsZero() {
			s.logger.Info("Signal already satisfied",
				"instrument", inst, "signal", sig.ID, "position", sig.Position)
			continue
		}

		side := core.SideBuy
		if delta.IsNegative() {
			side = core.SideSell
		}
		intents = append(intents, core.Intent{
			InstrumentID: inst,
			Side:         side,
			Quantity:     delta.Abs(),
			Price:        sig.LimitPrice,
		})
		s.logger.Info("Signal consumed",
			"instrument", inst,
			"signal", sig.ID,
			"position", sig.Position,
			"delta", delta)
	}

	return intents, nil
}

// QueueView is the queue state exposed on the HTTP surface
type QueueView struct {
	Waiting  []ExternalSignal `json:"waiting"`
	Consumed int64            `json:"consumed"`
}

// Queue returns a copy of the current queue state
func (s *Signal) Queue() QueueView {
	s.mu.Lock()
	defer s.mu.Unlock()

	view := QueueView{Consumed: s.consumed}
	for _, sig := range s.waiting {
		view.Waiting = append(view.Waiting, sig)
	}
	return view
}
