// Package ledger maintains the authoritative in-process view of positions
// and enforces risk-limit admission. All mutation is serialized through a
// single writer; readers only ever see fully-applied fills.
package ledger

import (
	"sync"
	"time"

	"github.com/nixikanius/trading-bot/internal/core"

	"github.com/shopspring/decimal"
)

// Ledger tracks one Position per instrument, mutated only by confirmed
// fills. Fill application is idempotent per fill ID.
type Ledger struct {
	mu           sync.RWMutex
	positions    map[string]*core.Position
	marks        map[string]decimal.Decimal
	appliedFills map[string]struct{}
	logger       core.ILogger
}

// New creates an empty ledger
func New(logger core.ILogger) *Ledger {
	return &Ledger{
		positions:    make(map[string]*core.Position),
		marks:        make(map[string]decimal.Decimal),
		appliedFills: make(map[string]struct{}),
		logger:       logger.WithField("component", "ledger"),
	}
}

// ApplyFill applies a confirmed fill to the position for its instrument.
// Applying the same fill ID twice is a no-op. Same-direction fills move the
// volume-weighted average entry price; direction-reducing fills realize PnL
// proportionally; a fill crossing through zero re-opens the remainder at
// the fill price.
func (l *Ledger) ApplyFill(fill core.Fill) error {
	if fill.ID == "" {
		return errEmptyFillID
	}
	if fill.Quantity.IsZero() {
		// The averaging below divides by total quantity; a degenerate
		// zero-quantity fill carries no information anyway
		l.logger.Warn("Zero-quantity fill ignored", "fill_id", fill.ID, "order_id", fill.ClientOrderID)
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, seen := l.appliedFills[fill.ID]; seen {
		l.logger.Debug("Duplicate fill ignored", "fill_id", fill.ID, "order_id", fill.ClientOrderID)
		return nil
	}

	pos, ok := l.positions[fill.InstrumentID]
	if !ok {
		pos = &core.Position{InstrumentID: fill.InstrumentID}
		l.positions[fill.InstrumentID] = pos
	}

	delta := fill.SignedQuantity()
	oldQty := pos.Quantity
	newQty := oldQty.Add(delta)

	switch {
	case oldQty.IsZero() || oldQty.Sign() == delta.Sign():
		// Opening or adding: volume-weighted average entry
		oldNotional := oldQty.Abs().Mul(pos.AvgEntryPrice)
		addNotional := delta.Abs().Mul(fill.Price)
		pos.AvgEntryPrice = oldNotional.Add(addNotional).Div(oldQty.Abs().Add(delta.Abs()))
	case newQty.IsZero() || newQty.Sign() == oldQty.Sign():
		// Reducing without crossing zero: realize proportionally
		closed := delta.Abs()
		pnl := fill.Price.Sub(pos.AvgEntryPrice).Mul(closed).Mul(decimal.NewFromInt(int64(oldQty.Sign())))
		pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
		if newQty.IsZero() {
			pos.AvgEntryPrice = decimal.Zero
		}
	default:
		// Crossing zero: realize the full old position, re-open remainder
		closed := oldQty.Abs()
		pnl := fill.Price.Sub(pos.AvgEntryPrice).Mul(closed).Mul(decimal.NewFromInt(int64(oldQty.Sign())))
		pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
		pos.AvgEntryPrice = fill.Price
	}

	pos.Quantity = newQty
	l.appliedFills[fill.ID] = struct{}{}

	l.logger.Info("Fill applied",
		"fill_id", fill.ID,
		"order_id", fill.ClientOrderID,
		"instrument", fill.InstrumentID,
		"qty_delta", delta,
		"price", fill.Price,
		"position", pos.Quantity,
		"source", fill.Source)
	return nil
}

// SetMark records the most recent mid price for exposure valuation
func (l *Ledger) SetMark(instrumentID string, price decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.marks[instrumentID] = price
}

// ForceSetPosition overwrites a position quantity during reconciliation.
// The broker's reported state is authoritative; the ledger converges to it.
func (l *Ledger) ForceSetPosition(instrumentID string, quantity, avgPrice decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[instrumentID]
	if !ok {
		pos = &core.Position{InstrumentID: instrumentID}
		l.positions[instrumentID] = pos
	}
	pos.Quantity = quantity
	if !avgPrice.IsZero() {
		pos.AvgEntryPrice = avgPrice
	}
}

// RestorePositions replaces ledger positions wholesale from a persisted
// snapshot. Used only at startup, before the engine loop runs.
func (l *Ledger) RestorePositions(positions []core.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.positions = make(map[string]*core.Position, len(positions))
	for _, p := range positions {
		cp := p
		l.positions[p.InstrumentID] = &cp
	}
}

// Snapshot returns an immutable copy of all positions plus aggregate
// notional exposure at the latest marks. Copy-on-read: concurrent writers
// never mutate a returned snapshot.
func (l *Ledger) Snapshot() core.LedgerSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snap := core.LedgerSnapshot{
		Positions: make(map[string]core.Position, len(l.positions)),
		Marks:     make(map[string]decimal.Decimal, len(l.marks)),
		TakenAt:   time.Now(),
	}
	for id, pos := range l.positions {
		snap.Positions[id] = *pos
	}
	for id, mark := range l.marks {
		snap.Marks[id] = mark
	}
	snap.Exposure = exposureOf(snap)
	return snap
}

// exposureOf values every position at its mark, falling back to the average
// entry price when the instrument has not quoted yet
func exposureOf(snap core.LedgerSnapshot) decimal.Decimal {
	total := decimal.Zero
	for id, pos := range snap.Positions {
		price, ok := snap.Marks[id]
		if !ok || price.IsZero() {
			price = pos.AvgEntryPrice
		}
		total = total.Add(pos.Quantity.Abs().Mul(price))
	}
	return total
}
