// Package lifecycle turns admitted intents into broker submissions and
// tracks every order through its state machine: idempotent retries,
// partial fills, expiry, and cancel/fill races.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/nixikanius/trading-bot/internal/alert"
	"github.com/nixikanius/trading-bot/internal/core"
	"github.com/nixikanius/trading-bot/internal/ledger"
	"github.com/nixikanius/trading-bot/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Config holds lifecycle manager settings
type Config struct {
	SubmitTimeout time.Duration
	CancelTimeout time.Duration
	TimeInForce   time.Duration // zero disables expiry
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	CancelOnExit  bool
}

// managedOrder serializes transitions for one order. Different orders
// progress independently.
type managedOrder struct {
	mu        sync.Mutex
	order     core.Order
	seenFills map[string]struct{}
	expire    *time.Timer
}

// Manager owns all orders. Components outside this package only ever see
// value snapshots.
type Manager struct {
	broker core.Broker
	ledger *ledger.Ledger
	alerts *alert.AlertManager
	logger core.ILogger
	cfg    Config

	retry failsafe.Executor[*core.SubmitAck]

	mu       sync.RWMutex
	orders   map[string]*managedOrder
	inflight sync.WaitGroup

	tracer        trace.Tracer
	submitCounter metric.Int64Counter
	fillCounter   metric.Int64Counter
	failCounter   metric.Int64Counter
}

// NewManager creates an order lifecycle manager. alerts may be nil.
func NewManager(broker core.Broker, ldg *ledger.Ledger, alerts *alert.AlertManager, cfg Config, logger core.ILogger) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 5 * time.Second
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = 5 * time.Second
	}

	// Retries reuse the same idempotency key: the broker recognizes a
	// resubmission as a duplicate rather than a second order.
	retryPolicy := retrypolicy.NewBuilder[*core.SubmitAck]().
		HandleIf(func(_ *core.SubmitAck, err error) bool {
			return core.IsTransient(err)
		}).
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxAttempts - 1).
		Build()

	tracer := telemetry.GetTracer("order-lifecycle")
	meter := telemetry.GetMeter("order-lifecycle")

	submitCounter, _ := meter.Int64Counter("order_submissions_total",
		metric.WithDescription("Total number of order submissions"))
	fillCounter, _ := meter.Int64Counter("order_fills_total",
		metric.WithDescription("Total number of fills applied"))
	failCounter, _ := meter.Int64Counter("order_failures_total",
		metric.WithDescription("Total number of terminal order failures"))

	return &Manager{
		broker:        broker,
		ledger:        ldg,
		alerts:        alerts,
		logger:        logger.WithField("component", "order_lifecycle"),
		cfg:           cfg,
		retry:         failsafe.With[*core.SubmitAck](retryPolicy),
		orders:        make(map[string]*managedOrder),
		tracer:        tracer,
		submitCounter: submitCounter,
		fillCounter:   fillCounter,
		failCounter:   failCounter,
	}
}

// Submit converts an intent into an order and drives it to a determinate
// submission outcome: Acknowledged, Rejected, or SubmissionFailed. The
// returned snapshot reflects the state at return time.
func (m *Manager) Submit(ctx context.Context, intent core.Intent) (core.Order, error) {
	ctx, span := m.tracer.Start(ctx, "SubmitOrder",
		trace.WithAttributes(
			attribute.String("instrument", intent.InstrumentID),
			attribute.String("side", intent.Side.String()),
		),
	)
	defer span.End()

	m.inflight.Add(1)
	defer m.inflight.Done()

	now := time.Now()
	mo := &managedOrder{
		order: core.Order{
			ClientOrderID: uuid.NewString(), // assigned before any network call
			InstrumentID:  intent.InstrumentID,
			Side:          intent.Side,
			Quantity:      intent.Quantity,
			LimitPrice:    intent.Price,
			Market:        intent.Market(),
			State:         core.OrderStateCreated,
			TimeInForce:   m.cfg.TimeInForce,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		seenFills: make(map[string]struct{}),
	}

	m.mu.Lock()
	m.orders[mo.order.ClientOrderID] = mo
	m.mu.Unlock()

	m.submitCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("instrument", intent.InstrumentID),
		attribute.String("side", intent.Side.String()),
	))

	mo.mu.Lock()
	if err := m.transitionLocked(mo, core.OrderStateSubmitted); err != nil {
		mo.mu.Unlock()
		return mo.order, err
	}
	req := core.SubmitRequest{
		ClientOrderID: mo.order.ClientOrderID,
		InstrumentID:  mo.order.InstrumentID,
		Side:          mo.order.Side,
		Quantity:      mo.order.Quantity,
		Price:         mo.order.LimitPrice,
		Market:        mo.order.Market,
		TimeInForce:   mo.order.TimeInForce,
	}
	mo.mu.Unlock()

	ack, err := m.retry.WithContext(ctx).GetWithExecution(
		func(exec failsafe.Execution[*core.SubmitAck]) (*core.SubmitAck, error) {
			callCtx, cancel := context.WithTimeout(ctx, m.cfg.SubmitTimeout)
			defer cancel()
			return m.broker.SubmitOrder(callCtx, req)
		})

	mo.mu.Lock()
	defer mo.mu.Unlock()

	switch {
	case err == nil:
		if mo.order.State == core.OrderStateSubmitted {
			mo.order.BrokerOrderID = ack.BrokerOrderID
			if terr := m.transitionLocked(mo, core.OrderStateAcknowledged); terr != nil {
				return mo.order, terr
			}
			m.scheduleExpiryLocked(mo)
		}
		if ack.Duplicate {
			m.logger.Info("Broker deduplicated resubmission", "order_id", mo.order.ClientOrderID)
		}
		return mo.order, nil

	case core.IsPermanent(err):
		mo.order.Reason = core.RejectReasonOf(err)
		if terr := m.transitionLocked(mo, core.OrderStateRejected); terr != nil {
			return mo.order, terr
		}
		m.failCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "rejected")))
		m.logger.Warn("Order rejected by broker",
			"order_id", mo.order.ClientOrderID,
			"reason", mo.order.Reason)
		return mo.order, err

	default:
		// Retries exhausted or deadline passed. A timeout neither confirms
		// nor denies the submission; only a follow-up query may settle it.
		mo.mu.Unlock()
		resolved := m.resolveAmbiguousSubmission(mo)
		mo.mu.Lock()
		if resolved {
			return mo.order, nil
		}
		mo.order.Reason = "submission retries exhausted"
		if mo.order.State == core.OrderStateSubmitted {
			if terr := m.transitionLocked(mo, core.OrderStateSubmissionFailed); terr != nil {
				return mo.order, terr
			}
		}
		m.failCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "submission_failed")))
		m.logger.Error("Order submission failed",
			"order_id", mo.order.ClientOrderID,
			"error", err.Error())
		return mo.order, err
	}
}

// resolveAmbiguousSubmission asks the broker whether an order whose
// submission outcome is unknown actually exists. Returns true when the
// order was found and acknowledged.
func (m *Manager) resolveAmbiguousSubmission(mo *managedOrder) bool {
	queryCtx, cancel := context.WithTimeout(context.Background(), m.cfg.SubmitTimeout)
	defer cancel()

	mo.mu.Lock()
	id := mo.order.ClientOrderID
	mo.mu.Unlock()

	bo, err := m.broker.QueryOrder(queryCtx, id)
	if err != nil {
		m.logger.Warn("Ambiguous submission could not be resolved by query",
			"order_id", id, "error", err.Error())
		return false
	}

	mo.mu.Lock()
	defer mo.mu.Unlock()

	if mo.order.State != core.OrderStateSubmitted {
		return true // an update already settled it meanwhile
	}
	mo.order.BrokerOrderID = bo.BrokerOrderID
	if terr := m.transitionLocked(mo, core.OrderStateAcknowledged); terr != nil {
		return false
	}
	m.scheduleExpiryLocked(mo)
	m.logger.Info("Ambiguous submission resolved: broker holds the order",
		"order_id", id, "broker_order_id", bo.BrokerOrderID)
	return true
}

// Cancel requests cancellation of an order. The broker's confirmation
// arrives through the update stream; a cancel racing a fill resolves to
// whichever outcome the broker confirms.
func (m *Manager) Cancel(ctx context.Context, clientOrderID string) error {
	mo, ok := m.get(clientOrderID)
	if !ok {
		return core.ErrOrderNotFound
	}

	mo.mu.Lock()
	state := mo.order.State
	mo.mu.Unlock()
	if state.IsTerminal() {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CancelTimeout)
	defer cancel()
	if err := m.broker.CancelOrder(callCtx, clientOrderID); err != nil {
		if core.IsPermanent(err) {
			// Already filled or unknown: the update stream carries the truth
			m.logger.Info("Cancel refused by broker",
				"order_id", clientOrderID, "error", err.Error())
			return nil
		}
		return err
	}
	return nil
}

// HandleUpdate applies a broker-pushed order event. Transitions for one
// order are serialized; fills are deduplicated by fill ID and applied to
// the ledger exactly once.
func (m *Manager) HandleUpdate(update core.OrderUpdate) {
	mo, ok := m.get(update.ClientOrderID)
	if !ok {
		m.logger.Warn("Update for unknown order", "order_id", update.ClientOrderID)
		return
	}

	mo.mu.Lock()
	defer mo.mu.Unlock()

	switch update.Kind {
	case core.UpdateAck:
		if mo.order.State == core.OrderStateSubmitted {
			mo.order.BrokerOrderID = update.BrokerOrderID
			if err := m.transitionLocked(mo, core.OrderStateAcknowledged); err == nil {
				m.scheduleExpiryLocked(mo)
			}
		}

	case core.UpdateReject:
		if !mo.order.State.IsTerminal() {
			mo.order.Reason = update.Reason
			_ = m.transitionLocked(mo, core.OrderStateRejected)
			m.logger.Warn("Order rejected",
				"order_id", mo.order.ClientOrderID, "reason", update.Reason)
		}

	case core.UpdateFill:
		// A fill can outrun the submit ack. The broker only fills orders
		// it has accepted, so treat the fill as an implicit ack first;
		// otherwise the Filled transition is unreachable and time-in-force
		// later expires an already-filled order.
		if mo.order.State == core.OrderStateSubmitted {
			if update.BrokerOrderID != "" {
				mo.order.BrokerOrderID = update.BrokerOrderID
			}
			if err := m.transitionLocked(mo, core.OrderStateAcknowledged); err == nil {
				m.scheduleExpiryLocked(mo)
			}
		}
		m.applyFillLocked(mo, update.Fill)

	case core.UpdateCancel:
		if !mo.order.State.IsTerminal() {
			_ = m.transitionLocked(mo, core.OrderStateCancelled)
		}

	case core.UpdateExpire:
		if !mo.order.State.IsTerminal() {
			_ = m.transitionLocked(mo, core.OrderStateExpired)
		}
	}
}

// applyFillLocked validates and applies one fill. Cumulative overfill is an
// invariant breach: the fill is not applied, the order is force-cancelled,
// and an alert is raised.
func (m *Manager) applyFillLocked(mo *managedOrder, fill *core.Fill) {
	if fill == nil || fill.Quantity.IsZero() {
		return
	}
	if _, seen := mo.seenFills[fill.ID]; seen {
		return
	}

	newFilled := mo.order.FilledQty.Add(fill.Quantity)
	if newFilled.GreaterThan(mo.order.Quantity) {
		m.logger.Error("INVARIANT BREACH: cumulative fill exceeds order quantity",
			"order_id", mo.order.ClientOrderID,
			"filled", mo.order.FilledQty,
			"fill_qty", fill.Quantity,
			"quantity", mo.order.Quantity)
		if m.alerts != nil {
			m.alerts.Alert(context.Background(), "Overfill detected",
				"cumulative filled quantity exceeds requested quantity, force-cancelling order",
				alert.Critical, map[string]string{
					"order_id":   mo.order.ClientOrderID,
					"instrument": mo.order.InstrumentID,
				})
		}
		m.forceCancelLocked(mo)
		return
	}

	mo.seenFills[fill.ID] = struct{}{}

	// Applied to the ledger exactly once, deduplicated there as well
	if err := m.ledger.ApplyFill(*fill); err != nil {
		m.logger.Error("Failed to apply fill to ledger",
			"order_id", mo.order.ClientOrderID, "fill_id", fill.ID, "error", err.Error())
		return
	}

	// Volume-weighted average fill price
	oldNotional := mo.order.FilledQty.Mul(mo.order.AvgFillPrice)
	mo.order.AvgFillPrice = oldNotional.Add(fill.Quantity.Mul(fill.Price)).Div(newFilled)
	mo.order.FilledQty = newFilled
	mo.order.UpdatedAt = fill.Timestamp

	m.fillCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("instrument", mo.order.InstrumentID),
	))

	// A fill arriving after cancellation still reaches the ledger, but a
	// terminal state never changes
	if mo.order.State.IsTerminal() {
		m.logger.Info("Late fill applied to terminal order",
			"order_id", mo.order.ClientOrderID, "state", mo.order.State.String())
		return
	}

	if mo.order.FilledQty.Equal(mo.order.Quantity) {
		if err := m.transitionLocked(mo, core.OrderStateFilled); err == nil {
			m.stopExpiryLocked(mo)
		}
	} else if mo.order.State == core.OrderStateAcknowledged {
		_ = m.transitionLocked(mo, core.OrderStatePartiallyFilled)
	}
}

// forceCancelLocked terminates a breached order locally and fires a
// best-effort broker cancel
func (m *Manager) forceCancelLocked(mo *managedOrder) {
	if !mo.order.State.IsTerminal() {
		_ = m.transitionLocked(mo, core.OrderStateCancelled)
	}
	id := mo.order.ClientOrderID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CancelTimeout)
		defer cancel()
		if err := m.broker.CancelOrder(ctx, id); err != nil {
			m.logger.Warn("Force-cancel attempt failed", "order_id", id, "error", err.Error())
		}
	}()
}

// scheduleExpiryLocked starts the time-in-force timer once the order is
// live on the broker
func (m *Manager) scheduleExpiryLocked(mo *managedOrder) {
	if m.cfg.TimeInForce <= 0 || mo.expire != nil {
		return
	}
	id := mo.order.ClientOrderID
	mo.expire = time.AfterFunc(m.cfg.TimeInForce, func() {
		m.expireOrder(id)
	})
}

func (m *Manager) stopExpiryLocked(mo *managedOrder) {
	if mo.expire != nil {
		mo.expire.Stop()
		mo.expire = nil
	}
}

// expireOrder marks an order expired after its time-in-force and attempts a
// best-effort cancel at the broker
func (m *Manager) expireOrder(clientOrderID string) {
	mo, ok := m.get(clientOrderID)
	if !ok {
		return
	}

	mo.mu.Lock()
	if mo.order.State.IsTerminal() {
		mo.mu.Unlock()
		return
	}
	_ = m.transitionLocked(mo, core.OrderStateExpired)
	mo.mu.Unlock()

	m.logger.Info("Order expired", "order_id", clientOrderID, "tif", m.cfg.TimeInForce)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CancelTimeout)
	defer cancel()
	if err := m.broker.CancelOrder(ctx, clientOrderID); err != nil {
		m.logger.Warn("Expiry cancel attempt failed", "order_id", clientOrderID, "error", err.Error())
	}
}

// transitionLocked applies a state change after checking the machine
func (m *Manager) transitionLocked(mo *managedOrder, to core.OrderState) error {
	from := mo.order.State
	if !canTransition(from, to) {
		err := &transitionError{ClientOrderID: mo.order.ClientOrderID, From: from, To: to}
		m.logger.Error("Illegal order transition rejected", "error", err.Error())
		return err
	}
	mo.order.State = to
	mo.order.UpdatedAt = time.Now()
	m.logger.Debug("Order transition",
		"order_id", mo.order.ClientOrderID,
		"from", from.String(),
		"to", to.String())
	return nil
}

func (m *Manager) get(clientOrderID string) (*managedOrder, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mo, ok := m.orders[clientOrderID]
	return mo, ok
}

// Get returns a snapshot of one order
func (m *Manager) Get(clientOrderID string) (core.Order, bool) {
	mo, ok := m.get(clientOrderID)
	if !ok {
		return core.Order{}, false
	}
	mo.mu.Lock()
	defer mo.mu.Unlock()
	return mo.order, true
}

// Orders returns snapshots of all tracked orders
func (m *Manager) Orders() []core.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]core.Order, 0, len(m.orders))
	for _, mo := range m.orders {
		mo.mu.Lock()
		out = append(out, mo.order)
		mo.mu.Unlock()
	}
	return out
}

// OpenOrders returns snapshots of orders the broker should still know about
func (m *Manager) OpenOrders() []core.Order {
	var out []core.Order
	for _, o := range m.Orders() {
		if !o.State.IsTerminal() && o.BrokerOrderID != "" {
			out = append(out, o)
		}
	}
	return out
}

// CountsByState returns the number of orders per state, for the status
// surface
func (m *Manager) CountsByState() map[string]int {
	counts := make(map[string]int)
	for _, o := range m.Orders() {
		counts[o.State.String()]++
	}
	return counts
}

// RestoreOrders re-registers persisted in-flight orders after a restart.
// Their true status is settled by the first reconciliation pass.
func (m *Manager) RestoreOrders(orders []core.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range orders {
		if o.State.IsTerminal() {
			continue
		}
		m.orders[o.ClientOrderID] = &managedOrder{
			order:     o,
			seenFills: make(map[string]struct{}),
		}
	}
}

// Shutdown drains in-flight submissions to a determinate state and,
// when configured, cancels remaining open orders. No order is left in
// Created or Submitted.
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if m.cfg.CancelOnExit {
		for _, o := range m.OpenOrders() {
			if err := m.Cancel(ctx, o.ClientOrderID); err != nil {
				m.logger.Warn("Shutdown cancel failed",
					"order_id", o.ClientOrderID, "error", err.Error())
			}
		}
	}

	m.logger.Info("Order lifecycle manager drained", "orders", len(m.Orders()))
	return nil
}
