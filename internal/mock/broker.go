// Package mock provides an in-memory Broker with scriptable failure modes
// for tests and for running the engine without a live account.
package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nixikanius/trading-bot/internal/core"

	"github.com/shopspring/decimal"
)

type brokerOrder struct {
	order  core.BrokerOrder
	market bool
	side   core.Side
	price  decimal.Decimal
}

// Broker implements core.Broker against in-memory state
type Broker struct {
	mu             sync.RWMutex
	orders         map[string]*brokerOrder // keyed by client order ID
	positions      map[string]core.BrokerPosition
	orderIDCounter int64
	fillCounter    int64

	updates chan core.OrderUpdate
	quotes  chan core.Quote

	// Scripted behavior, consumed submit by submit
	transientFailures int
	lostResponses     int
	rejectReason      string

	fillOnSubmit bool // market orders fill immediately
}

func NewBroker() *Broker {
	return &Broker{
		orders:         make(map[string]*brokerOrder),
		positions:      make(map[string]core.BrokerPosition),
		orderIDCounter: 1000,
		updates:        make(chan core.OrderUpdate, 256),
		quotes:         make(chan core.Quote, 256),
	}
}

// FailSubmissions makes the next n submissions fail with a transient error
// before reaching the book
func (b *Broker) FailSubmissions(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transientFailures = n
}

// LoseResponses makes the next n submissions register the order but return
// an unclassified error, simulating a response lost in transit
func (b *Broker) LoseResponses(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lostResponses = n
}

// RejectNext makes the next submission fail permanently with the given
// broker reason
func (b *Broker) RejectNext(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectReason = reason
}

// FillMarketOrders makes market orders fill in full at their limit price
// (or at 0 if none) immediately on submission
func (b *Broker) FillMarketOrders(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fillOnSubmit = on
}

func (b *Broker) SubmitOrder(ctx context.Context, req core.SubmitRequest) (*core.SubmitAck, error) {
	b.mu.Lock()

	if b.transientFailures > 0 {
		b.transientFailures--
		b.mu.Unlock()
		return nil, core.Transient(core.ErrBrokerUnavailable)
	}
	if b.rejectReason != "" {
		reason := b.rejectReason
		b.rejectReason = ""
		b.mu.Unlock()
		return nil, core.Permanent(core.ErrInsufficientFunds, reason)
	}

	// Idempotency: a resubmitted client order ID returns the original order
	if existing, ok := b.orders[req.ClientOrderID]; ok {
		b.mu.Unlock()
		return &core.SubmitAck{BrokerOrderID: existing.order.BrokerOrderID, Duplicate: true}, nil
	}

	b.orderIDCounter++
	bo := &brokerOrder{
		order: core.BrokerOrder{
			ClientOrderID: req.ClientOrderID,
			BrokerOrderID: fmt.Sprintf("B-%d", b.orderIDCounter),
			InstrumentID:  req.InstrumentID,
			Side:          req.Side,
			Quantity:      req.Quantity,
			Price:         req.Price,
			Open:          true,
		},
		market: req.Market,
		side:   req.Side,
		price:  req.Price,
	}
	b.orders[req.ClientOrderID] = bo

	if b.lostResponses > 0 {
		b.lostResponses--
		b.mu.Unlock()
		return nil, errors.New("response lost in transit")
	}

	ack := &core.SubmitAck{BrokerOrderID: bo.order.BrokerOrderID}
	fillNow := b.fillOnSubmit && req.Market
	b.mu.Unlock()

	if fillNow {
		b.FillOrder(req.ClientOrderID, req.Quantity, req.Price)
	}
	return ack, nil
}

func (b *Broker) CancelOrder(ctx context.Context, clientOrderID string) error {
	b.mu.Lock()

	bo, ok := b.orders[clientOrderID]
	if !ok {
		b.mu.Unlock()
		return core.Permanent(core.ErrOrderNotFound, "unknown order")
	}
	if !bo.order.Open {
		b.mu.Unlock()
		return core.Permanent(fmt.Errorf("order %s already closed", clientOrderID), "order closed")
	}
	bo.order.Open = false
	update := core.OrderUpdate{
		Kind:          core.UpdateCancel,
		ClientOrderID: clientOrderID,
		BrokerOrderID: bo.order.BrokerOrderID,
		Timestamp:     time.Now(),
	}
	b.mu.Unlock()

	b.push(update)
	return nil
}

func (b *Broker) QueryOrder(ctx context.Context, clientOrderID string) (*core.BrokerOrder, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bo, ok := b.orders[clientOrderID]
	if !ok {
		return nil, core.Permanent(core.ErrOrderNotFound, "unknown order")
	}
	o := bo.order
	return &o, nil
}

func (b *Broker) QueryPositions(ctx context.Context) ([]core.BrokerPosition, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]core.BrokerPosition, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p)
	}
	return out, nil
}

func (b *Broker) QueryOpenOrders(ctx context.Context) ([]core.BrokerOrder, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []core.BrokerOrder
	for _, bo := range b.orders {
		if bo.order.Open {
			out = append(out, bo.order)
		}
	}
	return out, nil
}

func (b *Broker) StreamQuotes(ctx context.Context, instruments []string) (<-chan core.Quote, error) {
	return b.quotes, nil
}

func (b *Broker) StreamOrderUpdates(ctx context.Context) (<-chan core.OrderUpdate, error) {
	return b.updates, nil
}

// FillOrder executes quantity against an open order, updates the broker
// position, and pushes a fill update
func (b *Broker) FillOrder(clientOrderID string, quantity, price decimal.Decimal) {
	b.mu.Lock()

	bo, ok := b.orders[clientOrderID]
	if !ok {
		b.mu.Unlock()
		return
	}

	b.fillCounter++
	fill := core.Fill{
		ID:            fmt.Sprintf("F-%d", b.fillCounter),
		ClientOrderID: clientOrderID,
		InstrumentID:  bo.order.InstrumentID,
		Side:          bo.side,
		Quantity:      quantity,
		Price:         price,
		Timestamp:     time.Now(),
		Source:        core.FillSourceBroker,
	}

	bo.order.FilledQty = bo.order.FilledQty.Add(quantity)
	if bo.order.FilledQty.GreaterThanOrEqual(bo.order.Quantity) {
		bo.order.Open = false
	}

	pos := b.positions[bo.order.InstrumentID]
	pos.InstrumentID = bo.order.InstrumentID
	pos.Quantity = pos.Quantity.Add(fill.SignedQuantity())
	pos.AvgPrice = price
	b.positions[bo.order.InstrumentID] = pos

	update := core.OrderUpdate{
		Kind:          core.UpdateFill,
		ClientOrderID: clientOrderID,
		BrokerOrderID: bo.order.BrokerOrderID,
		Fill:          &fill,
		Timestamp:     fill.Timestamp,
	}
	b.mu.Unlock()

	b.push(update)
}

// ExpireOrder closes an open order and pushes an expiry update
func (b *Broker) ExpireOrder(clientOrderID string) {
	b.mu.Lock()
	bo, ok := b.orders[clientOrderID]
	if !ok || !bo.order.Open {
		b.mu.Unlock()
		return
	}
	bo.order.Open = false
	update := core.OrderUpdate{
		Kind:          core.UpdateExpire,
		ClientOrderID: clientOrderID,
		BrokerOrderID: bo.order.BrokerOrderID,
		Timestamp:     time.Now(),
	}
	b.mu.Unlock()

	b.push(update)
}

// SetPosition overrides the broker's position, for drift scenarios
func (b *Broker) SetPosition(instrumentID string, quantity, avgPrice decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions[instrumentID] = core.BrokerPosition{
		InstrumentID: instrumentID,
		Quantity:     quantity,
		AvgPrice:     avgPrice,
	}
}

// RegisterOrder seeds an order the local engine has never seen, for
// ghost-order reconciliation scenarios
func (b *Broker) RegisterOrder(o core.BrokerOrder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders[o.ClientOrderID] = &brokerOrder{order: o, side: o.Side, price: o.Price}
}

// PushQuote feeds a quote into the stream
func (b *Broker) PushQuote(q core.Quote) {
	select {
	case b.quotes <- q:
	default:
	}
}

func (b *Broker) push(update core.OrderUpdate) {
	select {
	case b.updates <- update:
	default:
	}
}
