package strategy

import (
	"context"
	"sync"

	"github.com/nixikanius/trading-bot/internal/core"

	"github.com/shopspring/decimal"
)

// Momentum emits an order in the direction of the mid-price move whenever
// the move since the last traded reference exceeds a threshold fraction.
// Flat-threshold chop produces no intents.
type Momentum struct {
	threshold decimal.Decimal // fractional move, e.g. 0.005 for 0.5%
	orderQty  decimal.Decimal
	logger    core.ILogger

	mu       sync.Mutex
	refPrice map[string]decimal.Decimal
}

func NewMomentum(params map[string]string, logger core.ILogger) (*Momentum, error) {
	threshold, err := paramFloat(params, "threshold", 0.005)
	if err != nil {
		return nil, err
	}
	qty, err := paramFloat(params, "order_qty", 1)
	if err != nil {
		return nil, err
	}

	return &Momentum{
		threshold: decimal.NewFromFloat(threshold),
		orderQty:  decimal.NewFromFloat(qty),
		logger:    logger.WithField("component", "strategy_momentum"),
		refPrice:  make(map[string]decimal.Decimal),
	}, nil
}

func (m *Momentum) Name() string {
	return "momentum"
}

func (m *Momentum) Evaluate(ctx context.Context, market core.MarketState, positions core.LedgerSnapshot) ([]core.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var intents []core.Intent
	for inst, quote := range market.Quotes {
		mid := quote.Mid()
		ref, ok := m.refPrice[inst]
		if !ok || ref.IsZero() {
			m.refPrice[inst] = mid
			continue
		}

		move := mid.Sub(ref).Div(ref)
		if move.Abs().LessThan(m.threshold) {
			continue
		}

		side := core.SideBuy
		if move.IsNegative() {
			side = core.SideSell
		}
		m.refPrice[inst] = mid

		intents = append(intents, core.Intent{
			InstrumentID: inst,
			Side:         side,
			Quantity:     m.orderQty,
		})
		m.logger.Debug("Momentum trigger",
			"instrument", inst, "move", move, "side", side.String())
	}

	return intents, nil
}
