package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nixikanius/trading-bot/internal/alert"
	"github.com/nixikanius/trading-bot/internal/core"
	"github.com/nixikanius/trading-bot/internal/ledger"
	"github.com/nixikanius/trading-bot/internal/lifecycle"
	"github.com/nixikanius/trading-bot/internal/risk"
	"github.com/nixikanius/trading-bot/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// ReconcileResult records the outcome for one instrument in one pass
type ReconcileResult struct {
	InstrumentID string          `json:"instrument"`
	LocalQty     decimal.Decimal `json:"local_qty"`
	BrokerQty    decimal.Decimal `json:"broker_qty"`
	DriftPercent decimal.Decimal `json:"drift_percent"`
	Action       string          `json:"action"` // "none", "synthetic_fill", "halted"
}

// ReconcileStatus is the last pass summary for the HTTP surface
type ReconcileStatus struct {
	Status      string            `json:"status"` // never_run, running, completed, failed
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at"`
	Results     []ReconcileResult `json:"results"`
	Error       string            `json:"error,omitempty"`
}

// Reconciler periodically converges local state toward the broker's view.
// The broker is authoritative: position differences within tolerance are
// absorbed as synthetic fills, larger drift halts the instrument.
type Reconciler struct {
	broker    core.Broker
	ledger    *ledger.Ledger
	orders    *lifecycle.Manager
	breaker   *risk.Breaker
	alerts    *alert.AlertManager
	logger    core.ILogger
	interval  time.Duration
	maxDrift  decimal.Decimal // percent
	tolerance decimal.Decimal // absolute quantity treated as clean

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	statusMu   sync.RWMutex
	lastStatus ReconcileStatus
}

func NewReconciler(
	broker core.Broker,
	ldg *ledger.Ledger,
	orders *lifecycle.Manager,
	breaker *risk.Breaker,
	alerts *alert.AlertManager,
	interval time.Duration,
	maxDriftPercent float64,
	logger core.ILogger,
) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Reconciler{
		broker:     broker,
		ledger:     ldg,
		orders:     orders,
		breaker:    breaker,
		alerts:     alerts,
		logger:     logger.WithField("component", "reconciler"),
		interval:   interval,
		maxDrift:   decimal.NewFromFloat(maxDriftPercent),
		ctx:        ctx,
		cancel:     cancel,
		lastStatus: ReconcileStatus{Status: "never_run"},
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() error {
	r.logger.Info("Starting reconciler", "interval", r.interval)

	r.wg.Add(1)
	go r.runLoop()
	return nil
}

// Stop stops the reconciliation loop
func (r *Reconciler) Stop() {
	r.cancel()
	r.wg.Wait()
}

func (r *Reconciler) runLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if err := r.Reconcile(r.ctx); err != nil {
				r.logger.Error("Reconciliation pass failed", "error", err.Error())
			}
		}
	}
}

// Reconcile performs a single pass: open orders first, then positions
func (r *Reconciler) Reconcile(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	started := time.Now()
	r.setStatus(ReconcileStatus{Status: "running", StartedAt: started})

	if err := r.reconcileOrders(ctx); err != nil {
		r.setStatus(ReconcileStatus{
			Status: "failed", StartedAt: started, CompletedAt: time.Now(), Error: err.Error(),
		})
		return fmt.Errorf("order reconciliation: %w", err)
	}

	results, err := r.reconcilePositions(ctx)
	if err != nil {
		r.setStatus(ReconcileStatus{
			Status: "failed", StartedAt: started, CompletedAt: time.Now(), Error: err.Error(),
		})
		return fmt.Errorf("position reconciliation: %w", err)
	}

	r.setStatus(ReconcileStatus{
		Status:      "completed",
		StartedAt:   started,
		CompletedAt: time.Now(),
		Results:     results,
	})
	return nil
}

// reconcileOrders trues up open orders against the broker. A local open
// order the broker no longer holds is closed with a synthetic cancel; a
// broker order the engine does not track is cancelled at the broker.
func (r *Reconciler) reconcileOrders(ctx context.Context) error {
	brokerOrders, err := r.broker.QueryOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("failed to query open orders: %w", err)
	}

	brokerByID := make(map[string]core.BrokerOrder, len(brokerOrders))
	for _, bo := range brokerOrders {
		brokerByID[bo.ClientOrderID] = bo
	}

	// Index every non-terminal local order, including those still awaiting
	// their submit ack: the broker may already have booked them, and
	// cancelling such an order as "untracked" would kill a healthy
	// submission.
	localByID := make(map[string]core.Order)
	for _, o := range r.orders.Orders() {
		if !o.State.IsTerminal() {
			localByID[o.ClientOrderID] = o
		}
	}

	for _, o := range localByID {
		// An order without a broker ID is settled by its own submission
		// path; only broker-acknowledged orders can be ghosts
		if o.BrokerOrderID == "" {
			continue
		}
		if _, held := brokerByID[o.ClientOrderID]; held {
			continue
		}
		// Confirm with a direct query before declaring the order gone:
		// QueryOpenOrders may race a just-accepted submission
		bo, qerr := r.broker.QueryOrder(ctx, o.ClientOrderID)
		if qerr == nil && bo.Open {
			continue
		}
		r.logger.Warn("Local open order not held by broker, closing",
			"order_id", o.ClientOrderID, "state", o.State.String())
		r.orders.HandleUpdate(core.OrderUpdate{
			Kind:          core.UpdateCancel,
			ClientOrderID: o.ClientOrderID,
			Reason:        "reconciliation: order not held by broker",
			Timestamp:     time.Now(),
		})
	}

	for _, bo := range brokerOrders {
		if _, tracked := localByID[bo.ClientOrderID]; tracked {
			continue
		}
		// Untracked or already terminal locally: either way the broker
		// should not be holding it open
		r.logger.Warn("Broker holds an order the engine does not track, cancelling",
			"order_id", bo.ClientOrderID, "instrument", bo.InstrumentID)
		if cerr := r.broker.CancelOrder(ctx, bo.ClientOrderID); cerr != nil {
			r.logger.Error("Failed to cancel untracked broker order",
				"order_id", bo.ClientOrderID, "error", cerr.Error())
		}
	}

	return nil
}

// reconcilePositions compares ledger positions with the broker's and
// converges toward the broker
func (r *Reconciler) reconcilePositions(ctx context.Context) ([]ReconcileResult, error) {
	brokerPositions, err := r.broker.QueryPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}

	snap := r.ledger.Snapshot()
	metrics := telemetry.GetGlobalMetrics()

	brokerByInst := make(map[string]core.BrokerPosition, len(brokerPositions))
	for _, bp := range brokerPositions {
		brokerByInst[bp.InstrumentID] = bp
	}

	// Every instrument on either side gets compared
	instruments := make(map[string]struct{})
	for inst := range snap.Positions {
		instruments[inst] = struct{}{}
	}
	for inst := range brokerByInst {
		instruments[inst] = struct{}{}
	}

	var results []ReconcileResult
	for inst := range instruments {
		local := snap.PositionFor(inst).Quantity
		broker := brokerByInst[inst].Quantity
		diff := broker.Sub(local)

		result := ReconcileResult{
			InstrumentID: inst,
			LocalQty:     local,
			BrokerQty:    broker,
			Action:       "none",
		}

		if diff.IsZero() {
			metrics.SetReconcileDrift(inst, 0)
			results = append(results, result)
			continue
		}

		result.DriftPercent = driftPercent(local, broker)
		drift, _ := result.DriftPercent.Float64()
		metrics.SetReconcileDrift(inst, drift)

		if !r.maxDrift.IsZero() && result.DriftPercent.GreaterThan(r.maxDrift) {
			result.Action = "halted"
			r.logger.Error("Position drift beyond tolerance, halting instrument",
				"instrument", inst,
				"local", local,
				"broker", broker,
				"drift_percent", result.DriftPercent)
			r.breaker.Open(inst, fmt.Sprintf("position drift %s%% exceeds limit", result.DriftPercent.StringFixed(2)))
			if r.alerts != nil {
				r.alerts.Alert(ctx, "Position drift halt",
					fmt.Sprintf("local %s vs broker %s, drift %s%%", local, broker, result.DriftPercent.StringFixed(2)),
					alert.Critical, map[string]string{"instrument": inst})
			}
			// Even halted, the ledger adopts the broker's truth
			r.ledger.ForceSetPosition(inst, broker, brokerByInst[inst].AvgPrice)
			results = append(results, result)
			continue
		}

		// Absorb the difference as a synthetic fill so downstream PnL and
		// admission use the corrected position
		result.Action = "synthetic_fill"
		side := core.SideBuy
		if diff.IsNegative() {
			side = core.SideSell
		}
		price := brokerByInst[inst].AvgPrice
		if price.IsZero() {
			price = snap.Marks[inst]
		}
		fill := core.Fill{
			ID:           fmt.Sprintf("recon-%s-%d", inst, time.Now().UnixNano()),
			InstrumentID: inst,
			Side:         side,
			Quantity:     diff.Abs(),
			Price:        price,
			Timestamp:    time.Now(),
			Source:       core.FillSourceReconciliation,
		}
		if aerr := r.ledger.ApplyFill(fill); aerr != nil {
			r.logger.Error("Failed to apply synthetic fill",
				"instrument", inst, "error", aerr.Error())
		} else {
			metrics.ReconcileSynthetic.Add(ctx, 1)
			r.logger.Warn("Position corrected with synthetic fill",
				"instrument", inst,
				"local", local,
				"broker", broker,
				"correction", diff)
		}
		results = append(results, result)
	}

	return results, nil
}

// driftPercent is |broker-local| relative to the broker's magnitude; with
// the broker flat, any local quantity counts as full drift
func driftPercent(local, broker decimal.Decimal) decimal.Decimal {
	diff := broker.Sub(local).Abs()
	base := broker.Abs()
	if base.IsZero() {
		base = local.Abs()
	}
	if base.IsZero() {
		return decimal.Zero
	}
	return diff.Div(base).Mul(decimal.NewFromInt(100))
}

// Status returns the last pass summary
func (r *Reconciler) Status() ReconcileStatus {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.lastStatus
}

// LastCompleted returns when the last successful pass finished
func (r *Reconciler) LastCompleted() time.Time {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	if r.lastStatus.Status == "completed" {
		return r.lastStatus.CompletedAt
	}
	return time.Time{}
}

func (r *Reconciler) setStatus(s ReconcileStatus) {
	r.statusMu.Lock()
	r.lastStatus = s
	r.statusMu.Unlock()
}
