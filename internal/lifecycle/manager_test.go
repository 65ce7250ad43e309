package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/nixikanius/trading-bot/internal/core"
	"github.com/nixikanius/trading-bot/internal/ledger"
	"github.com/nixikanius/trading-bot/internal/mock"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               {}
func (m *mockLogger) Info(msg string, f ...interface{})                {}
func (m *mockLogger) Warn(msg string, f ...interface{})                {}
func (m *mockLogger) Error(msg string, f ...interface{})               {}
func (m *mockLogger) Fatal(msg string, f ...interface{})               {}
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func newTestManager(t *testing.T, broker *mock.Broker, cfg Config) (*Manager, *ledger.Ledger) {
	t.Helper()
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = time.Millisecond
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 5 * time.Millisecond
	}
	if cfg.SubmitTimeout == 0 {
		cfg.SubmitTimeout = time.Second
	}
	if cfg.CancelTimeout == 0 {
		cfg.CancelTimeout = time.Second
	}
	ldg := ledger.New(&mockLogger{})
	return NewManager(broker, ldg, nil, cfg, &mockLogger{}), ldg
}

func limitIntent(inst, qty, price string) core.Intent {
	return core.Intent{
		InstrumentID: inst,
		Side:         core.SideBuy,
		Quantity:     d(qty),
		Price:        d(price),
	}
}

// pumpUpdates forwards n broker-pushed updates into the manager
func pumpUpdates(t *testing.T, broker *mock.Broker, m *Manager, n int) {
	t.Helper()
	updates, err := broker.StreamOrderUpdates(context.Background())
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		select {
		case u := <-updates:
			m.HandleUpdate(u)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for broker update %d of %d", i+1, n)
		}
	}
}

func TestSubmit_Acknowledged(t *testing.T) {
	broker := mock.NewBroker()
	m, _ := newTestManager(t, broker, Config{})

	order, err := m.Submit(context.Background(), limitIntent("AAPL US Equity", "10", "150"))
	require.NoError(t, err)

	assert.Equal(t, core.OrderStateAcknowledged, order.State)
	assert.NotEmpty(t, order.ClientOrderID)
	assert.NotEmpty(t, order.BrokerOrderID)
	assert.True(t, order.FilledQty.IsZero())
}

func TestSubmit_RetriesTransientFailures(t *testing.T) {
	broker := mock.NewBroker()
	broker.FailSubmissions(2)
	m, _ := newTestManager(t, broker, Config{MaxAttempts: 3})

	order, err := m.Submit(context.Background(), limitIntent("AAPL US Equity", "10", "150"))
	require.NoError(t, err)
	assert.Equal(t, core.OrderStateAcknowledged, order.State)
}

func TestSubmit_RetriesExhausted(t *testing.T) {
	broker := mock.NewBroker()
	broker.FailSubmissions(5)
	m, _ := newTestManager(t, broker, Config{MaxAttempts: 3})

	order, err := m.Submit(context.Background(), limitIntent("AAPL US Equity", "10", "150"))
	require.Error(t, err)

	// The broker never booked the order, so the query cannot resolve it
	assert.Equal(t, core.OrderStateSubmissionFailed, order.State)
	assert.Equal(t, "submission retries exhausted", order.Reason)
}

func TestSubmit_AmbiguousResponseResolvedByQuery(t *testing.T) {
	broker := mock.NewBroker()
	broker.LoseResponses(1)
	m, _ := newTestManager(t, broker, Config{MaxAttempts: 1})

	// The broker booked the order but the response was lost. The error is
	// unclassified, so no retry happens; the follow-up query settles it.
	order, err := m.Submit(context.Background(), limitIntent("AAPL US Equity", "10", "150"))
	require.NoError(t, err)
	assert.Equal(t, core.OrderStateAcknowledged, order.State)
	assert.NotEmpty(t, order.BrokerOrderID)
}

func TestSubmit_PermanentRejection(t *testing.T) {
	broker := mock.NewBroker()
	broker.RejectNext("INSUFFICIENT_FUNDS")
	m, _ := newTestManager(t, broker, Config{})

	order, err := m.Submit(context.Background(), limitIntent("AAPL US Equity", "10", "150"))
	require.Error(t, err)
	assert.True(t, core.IsPermanent(err))
	assert.Equal(t, core.OrderStateRejected, order.State)
	assert.Equal(t, "INSUFFICIENT_FUNDS", order.Reason)
}

func TestFills_PartialThenComplete(t *testing.T) {
	broker := mock.NewBroker()
	m, ldg := newTestManager(t, broker, Config{})

	order, err := m.Submit(context.Background(), limitIntent("AAPL US Equity", "60", "100"))
	require.NoError(t, err)

	broker.FillOrder(order.ClientOrderID, d("30"), d("100"))
	pumpUpdates(t, broker, m, 1)

	got, ok := m.Get(order.ClientOrderID)
	require.True(t, ok)
	assert.Equal(t, core.OrderStatePartiallyFilled, got.State)
	assert.True(t, got.FilledQty.Equal(d("30")))

	broker.FillOrder(order.ClientOrderID, d("30"), d("102"))
	pumpUpdates(t, broker, m, 1)

	got, _ = m.Get(order.ClientOrderID)
	assert.Equal(t, core.OrderStateFilled, got.State)
	assert.True(t, got.FilledQty.Equal(d("60")))
	assert.True(t, got.AvgFillPrice.Equal(d("101")), "expected VWAP 101, got %s", got.AvgFillPrice)

	pos := ldg.Snapshot().PositionFor("AAPL US Equity")
	assert.True(t, pos.Quantity.Equal(d("60")))
}

func TestFills_DuplicateFillIgnored(t *testing.T) {
	broker := mock.NewBroker()
	m, ldg := newTestManager(t, broker, Config{})

	order, err := m.Submit(context.Background(), limitIntent("AAPL US Equity", "20", "100"))
	require.NoError(t, err)

	fill := &core.Fill{
		ID:            "F-dup",
		ClientOrderID: order.ClientOrderID,
		InstrumentID:  "AAPL US Equity",
		Side:          core.SideBuy,
		Quantity:      d("10"),
		Price:         d("100"),
		Timestamp:     time.Now(),
		Source:        core.FillSourceBroker,
	}
	update := core.OrderUpdate{Kind: core.UpdateFill, ClientOrderID: order.ClientOrderID, Fill: fill}

	m.HandleUpdate(update)
	m.HandleUpdate(update)

	got, _ := m.Get(order.ClientOrderID)
	assert.True(t, got.FilledQty.Equal(d("10")))

	pos := ldg.Snapshot().PositionFor("AAPL US Equity")
	assert.True(t, pos.Quantity.Equal(d("10")))
}

// hookedBroker runs a caller hook inside SubmitOrder, before the ack is
// returned, so tests can deliver updates that outrun the ack.
type hookedBroker struct {
	onSubmit func(req core.SubmitRequest)
}

func (b *hookedBroker) SubmitOrder(ctx context.Context, req core.SubmitRequest) (*core.SubmitAck, error) {
	if b.onSubmit != nil {
		b.onSubmit(req)
	}
	return &core.SubmitAck{BrokerOrderID: "B-" + req.ClientOrderID}, nil
}

func (b *hookedBroker) CancelOrder(ctx context.Context, clientOrderID string) error { return nil }

func (b *hookedBroker) QueryOrder(ctx context.Context, clientOrderID string) (*core.BrokerOrder, error) {
	return nil, core.Permanent(core.ErrOrderNotFound, "unknown order")
}

func (b *hookedBroker) QueryPositions(ctx context.Context) ([]core.BrokerPosition, error) {
	return nil, nil
}

func (b *hookedBroker) QueryOpenOrders(ctx context.Context) ([]core.BrokerOrder, error) {
	return nil, nil
}

func (b *hookedBroker) StreamQuotes(ctx context.Context, instruments []string) (<-chan core.Quote, error) {
	return nil, nil
}

func (b *hookedBroker) StreamOrderUpdates(ctx context.Context) (<-chan core.OrderUpdate, error) {
	return nil, nil
}

func preAckFill(req core.SubmitRequest, id, qty string) core.OrderUpdate {
	return core.OrderUpdate{
		Kind:          core.UpdateFill,
		ClientOrderID: req.ClientOrderID,
		BrokerOrderID: "B-early",
		Fill: &core.Fill{
			ID:            id,
			ClientOrderID: req.ClientOrderID,
			InstrumentID:  req.InstrumentID,
			Side:          req.Side,
			Quantity:      d(qty),
			Price:         req.Price,
			Timestamp:     time.Now(),
			Source:        core.FillSourceBroker,
		},
	}
}

// A fill that arrives while the order is still awaiting its submit ack is
// an implicit acknowledgement: the order must reach Filled, not stick in
// Acknowledged and later expire over time-in-force.
func TestFills_FillBeforeAckStillReachesFilled(t *testing.T) {
	broker := &hookedBroker{}
	ldg := ledger.New(&mockLogger{})
	m := NewManager(broker, ldg, nil, Config{
		MaxAttempts:   1,
		BaseDelay:     time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		SubmitTimeout: time.Second,
		CancelTimeout: time.Second,
		TimeInForce:   20 * time.Millisecond,
	}, &mockLogger{})

	broker.onSubmit = func(req core.SubmitRequest) {
		m.HandleUpdate(preAckFill(req, "F-early", "10"))
	}

	order, err := m.Submit(context.Background(), limitIntent("AAPL US Equity", "10", "100"))
	require.NoError(t, err)
	assert.Equal(t, core.OrderStateFilled, order.State)
	assert.Equal(t, "B-early", order.BrokerOrderID)
	assert.True(t, order.FilledQty.Equal(d("10")))

	pos := ldg.Snapshot().PositionFor("AAPL US Equity")
	assert.True(t, pos.Quantity.Equal(d("10")))

	// The time-in-force timer must not fire against the filled order
	time.Sleep(50 * time.Millisecond)
	got, _ := m.Get(order.ClientOrderID)
	assert.Equal(t, core.OrderStateFilled, got.State)
}

func TestFills_PartialFillBeforeAck(t *testing.T) {
	broker := &hookedBroker{}
	ldg := ledger.New(&mockLogger{})
	m := NewManager(broker, ldg, nil, Config{
		MaxAttempts:   1,
		BaseDelay:     time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		SubmitTimeout: time.Second,
		CancelTimeout: time.Second,
	}, &mockLogger{})

	broker.onSubmit = func(req core.SubmitRequest) {
		m.HandleUpdate(preAckFill(req, "F-early-1", "4"))
	}

	order, err := m.Submit(context.Background(), limitIntent("AAPL US Equity", "10", "100"))
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatePartiallyFilled, order.State)
	assert.True(t, order.FilledQty.Equal(d("4")))

	m.HandleUpdate(preAckFill(core.SubmitRequest{
		ClientOrderID: order.ClientOrderID,
		InstrumentID:  "AAPL US Equity",
		Side:          core.SideBuy,
		Price:         d("100"),
	}, "F-rest", "6"))

	got, _ := m.Get(order.ClientOrderID)
	assert.Equal(t, core.OrderStateFilled, got.State)
	assert.True(t, got.FilledQty.Equal(d("10")))
}

func TestFills_OverfillForcesCancel(t *testing.T) {
	broker := mock.NewBroker()
	m, ldg := newTestManager(t, broker, Config{})

	order, err := m.Submit(context.Background(), limitIntent("AAPL US Equity", "10", "100"))
	require.NoError(t, err)

	breach := &core.Fill{
		ID:            "F-over",
		ClientOrderID: order.ClientOrderID,
		InstrumentID:  "AAPL US Equity",
		Side:          core.SideBuy,
		Quantity:      d("11"),
		Price:         d("100"),
		Timestamp:     time.Now(),
		Source:        core.FillSourceBroker,
	}
	m.HandleUpdate(core.OrderUpdate{Kind: core.UpdateFill, ClientOrderID: order.ClientOrderID, Fill: breach})

	got, _ := m.Get(order.ClientOrderID)
	assert.Equal(t, core.OrderStateCancelled, got.State)
	assert.True(t, got.FilledQty.IsZero(), "breaching fill must not be applied")

	pos := ldg.Snapshot().PositionFor("AAPL US Equity")
	assert.True(t, pos.Quantity.IsZero(), "breaching fill must not reach the ledger")
}

func TestFills_LateFillAfterCancelReachesLedger(t *testing.T) {
	broker := mock.NewBroker()
	m, ldg := newTestManager(t, broker, Config{})

	order, err := m.Submit(context.Background(), limitIntent("AAPL US Equity", "10", "100"))
	require.NoError(t, err)

	require.NoError(t, m.Cancel(context.Background(), order.ClientOrderID))
	pumpUpdates(t, broker, m, 1)

	got, _ := m.Get(order.ClientOrderID)
	require.Equal(t, core.OrderStateCancelled, got.State)

	// A fill the broker executed before processing the cancel
	late := &core.Fill{
		ID:            "F-late",
		ClientOrderID: order.ClientOrderID,
		InstrumentID:  "AAPL US Equity",
		Side:          core.SideBuy,
		Quantity:      d("10"),
		Price:         d("100"),
		Timestamp:     time.Now(),
		Source:        core.FillSourceBroker,
	}
	m.HandleUpdate(core.OrderUpdate{Kind: core.UpdateFill, ClientOrderID: order.ClientOrderID, Fill: late})

	got, _ = m.Get(order.ClientOrderID)
	assert.Equal(t, core.OrderStateCancelled, got.State, "terminal state never changes")
	assert.True(t, got.FilledQty.Equal(d("10")))

	pos := ldg.Snapshot().PositionFor("AAPL US Equity")
	assert.True(t, pos.Quantity.Equal(d("10")), "late fill still updates the position")
}

func TestCancel_TerminalOrderIsNoop(t *testing.T) {
	broker := mock.NewBroker()
	m, _ := newTestManager(t, broker, Config{})

	order, err := m.Submit(context.Background(), limitIntent("AAPL US Equity", "10", "100"))
	require.NoError(t, err)

	broker.FillOrder(order.ClientOrderID, d("10"), d("100"))
	pumpUpdates(t, broker, m, 1)

	require.NoError(t, m.Cancel(context.Background(), order.ClientOrderID))
	got, _ := m.Get(order.ClientOrderID)
	assert.Equal(t, core.OrderStateFilled, got.State)
}

func TestCancel_UnknownOrder(t *testing.T) {
	broker := mock.NewBroker()
	m, _ := newTestManager(t, broker, Config{})

	err := m.Cancel(context.Background(), "no-such-order")
	assert.ErrorIs(t, err, core.ErrOrderNotFound)
}

func TestExpiry_TimeInForce(t *testing.T) {
	broker := mock.NewBroker()
	m, _ := newTestManager(t, broker, Config{TimeInForce: 20 * time.Millisecond})

	order, err := m.Submit(context.Background(), limitIntent("AAPL US Equity", "10", "100"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, _ := m.Get(order.ClientOrderID)
		return got.State == core.OrderStateExpired
	}, time.Second, 5*time.Millisecond)
}

func TestExpiry_StoppedByCompleteFill(t *testing.T) {
	broker := mock.NewBroker()
	m, _ := newTestManager(t, broker, Config{TimeInForce: 50 * time.Millisecond})

	order, err := m.Submit(context.Background(), limitIntent("AAPL US Equity", "10", "100"))
	require.NoError(t, err)

	broker.FillOrder(order.ClientOrderID, d("10"), d("100"))
	pumpUpdates(t, broker, m, 1)

	time.Sleep(80 * time.Millisecond)
	got, _ := m.Get(order.ClientOrderID)
	assert.Equal(t, core.OrderStateFilled, got.State)
}

func TestHandleUpdate_TerminalStateIgnoresTransitions(t *testing.T) {
	broker := mock.NewBroker()
	m, _ := newTestManager(t, broker, Config{})

	order, err := m.Submit(context.Background(), limitIntent("AAPL US Equity", "10", "100"))
	require.NoError(t, err)

	broker.FillOrder(order.ClientOrderID, d("10"), d("100"))
	pumpUpdates(t, broker, m, 1)

	m.HandleUpdate(core.OrderUpdate{Kind: core.UpdateCancel, ClientOrderID: order.ClientOrderID})
	m.HandleUpdate(core.OrderUpdate{Kind: core.UpdateExpire, ClientOrderID: order.ClientOrderID})
	m.HandleUpdate(core.OrderUpdate{Kind: core.UpdateReject, ClientOrderID: order.ClientOrderID, Reason: "too late"})

	got, _ := m.Get(order.ClientOrderID)
	assert.Equal(t, core.OrderStateFilled, got.State)
}

func TestOpenOrders_OnlyLiveBrokerOrders(t *testing.T) {
	broker := mock.NewBroker()
	m, _ := newTestManager(t, broker, Config{})

	live, err := m.Submit(context.Background(), limitIntent("AAPL US Equity", "10", "100"))
	require.NoError(t, err)

	filled, err := m.Submit(context.Background(), limitIntent("MSFT US Equity", "5", "300"))
	require.NoError(t, err)
	broker.FillOrder(filled.ClientOrderID, d("5"), d("300"))
	pumpUpdates(t, broker, m, 1)

	open := m.OpenOrders()
	require.Len(t, open, 1)
	assert.Equal(t, live.ClientOrderID, open[0].ClientOrderID)

	counts := m.CountsByState()
	assert.Equal(t, 1, counts[core.OrderStateAcknowledged.String()])
	assert.Equal(t, 1, counts[core.OrderStateFilled.String()])
}

func TestRestoreOrders_SkipsTerminal(t *testing.T) {
	broker := mock.NewBroker()
	m, _ := newTestManager(t, broker, Config{})

	m.RestoreOrders([]core.Order{
		{ClientOrderID: "restored-open", InstrumentID: "AAPL US Equity", State: core.OrderStateAcknowledged, BrokerOrderID: "B-1"},
		{ClientOrderID: "restored-done", InstrumentID: "AAPL US Equity", State: core.OrderStateFilled},
	})

	_, ok := m.Get("restored-open")
	assert.True(t, ok)
	_, ok = m.Get("restored-done")
	assert.False(t, ok)
}

func TestShutdown_CancelOnExit(t *testing.T) {
	broker := mock.NewBroker()
	m, _ := newTestManager(t, broker, Config{CancelOnExit: true})

	order, err := m.Submit(context.Background(), limitIntent("AAPL US Equity", "10", "100"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	// The broker confirmed the cancel; apply its update
	pumpUpdates(t, broker, m, 1)
	got, _ := m.Get(order.ClientOrderID)
	assert.Equal(t, core.OrderStateCancelled, got.State)
}
