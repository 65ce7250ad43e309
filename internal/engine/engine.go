// Package engine runs the decision cycle: drain feed events, refresh
// marks, evaluate the strategy over a consistent snapshot, gate intents
// through admission control, and dispatch admitted intents to the order
// lifecycle manager.
package engine

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nixikanius/trading-bot/internal/core"
	"github.com/nixikanius/trading-bot/internal/feed"
	"github.com/nixikanius/trading-bot/internal/ledger"
	"github.com/nixikanius/trading-bot/internal/lifecycle"
	"github.com/nixikanius/trading-bot/internal/store"
	"github.com/nixikanius/trading-bot/pkg/concurrency"
	"github.com/nixikanius/trading-bot/pkg/telemetry"
)

// Config holds engine loop settings
type Config struct {
	CycleInterval    time.Duration
	SnapshotInterval time.Duration
}

// Engine owns the decision loop and the order-update pump
type Engine struct {
	broker    core.Broker
	feed      *feed.Adapter
	strategy  core.Strategy
	ledger    *ledger.Ledger
	admission *ledger.AdmissionController
	orders    *lifecycle.Manager
	snapshots store.Store // nil when persistence is off
	pool      *concurrency.WorkerPool
	logger    core.ILogger
	cfg       Config

	mu        sync.RWMutex
	running   bool
	lastQuote map[string]core.Quote

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(
	broker core.Broker,
	feedAdapter *feed.Adapter,
	strat core.Strategy,
	ldg *ledger.Ledger,
	admission *ledger.AdmissionController,
	orders *lifecycle.Manager,
	snapshots store.Store,
	cfg Config,
	logger core.ILogger,
) *Engine {
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 250 * time.Millisecond
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "order-dispatch",
		MaxWorkers:  8,
		MaxCapacity: 256,
		NonBlocking: true,
	}, logger)

	return &Engine{
		broker:    broker,
		feed:      feedAdapter,
		strategy:  strat,
		ledger:    ldg,
		admission: admission,
		orders:    orders,
		snapshots: snapshots,
		pool:      pool,
		logger:    logger.WithField("component", "engine"),
		cfg:       cfg,
		lastQuote: make(map[string]core.Quote),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the decision loop, the order-update pump, and the
// periodic snapshot writer
func (e *Engine) Start() error {
	updates, err := e.broker.StreamOrderUpdates(e.ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.running = true
	e.mu.Unlock()

	e.wg.Add(1)
	go e.updatePump(updates)

	e.wg.Add(1)
	go e.cycleLoop()

	if e.snapshots != nil {
		e.wg.Add(1)
		go e.snapshotLoop()
	}

	e.logger.Info("Engine started",
		"strategy", e.strategy.Name(),
		"cycle_interval", e.cfg.CycleInterval)
	return nil
}

// Stop terminates the loops and drains the dispatch pool
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
	e.pool.Stop()

	e.mu.Lock()
	e.running = false
	e.mu.Unlock()

	e.logger.Info("Engine stopped")
}

func (e *Engine) updatePump(updates <-chan core.OrderUpdate) {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				e.logger.Warn("Order update stream closed")
				return
			}
			e.orders.HandleUpdate(u)
		}
	}
}

func (e *Engine) cycleLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.runCycle()
		}
	}
}

// runCycle executes one decision cycle over a consistent ledger snapshot
func (e *Engine) runCycle() {
	e.drainFeed()

	snap := e.ledger.Snapshot()
	market := e.marketState()
	if len(market.Quotes) == 0 {
		return
	}

	metrics := telemetry.GetGlobalMetrics()
	exposure, _ := snap.Exposure.Float64()
	metrics.SetExposure(exposure)
	for inst, pos := range snap.Positions {
		size, _ := pos.Quantity.Float64()
		metrics.SetPositionSize(inst, size)
	}

	intents := e.safeEvaluate(market, snap)
	// Live orders reserve their unfilled remainder; intents admitted
	// earlier in this cycle are appended so they count against the same
	// snapshot too
	open := e.orders.Orders()
	for _, intent := range intents {
		decision := e.admission.Admit(intent, snap, open)
		if !decision.Admitted {
			metrics.AdmissionRejected.Add(e.ctx, 1)
			continue
		}
		open = append(open, core.Order{
			InstrumentID: intent.InstrumentID,
			Side:         intent.Side,
			Quantity:     intent.Quantity,
			State:        core.OrderStateCreated,
		})

		it := intent
		if err := e.pool.Submit(func() {
			if _, err := e.orders.Submit(e.ctx, it); err != nil {
				e.logger.Warn("Order submission unsuccessful",
					"instrument", it.InstrumentID, "error", err.Error())
			}
		}); err != nil {
			e.logger.Error("Dispatch pool rejected intent",
				"instrument", it.InstrumentID, "error", err.Error())
		}
	}
}

// drainFeed consumes all pending feed events, updating marks and freshness
func (e *Engine) drainFeed() {
	for {
		select {
		case ev, ok := <-e.feed.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case feed.EventQuote:
				e.ledger.SetMark(ev.InstrumentID, ev.Quote.Mid())
				e.mu.Lock()
				e.lastQuote[ev.InstrumentID] = ev.Quote
				e.mu.Unlock()
			case feed.EventGap:
				e.logger.Warn("Feed gap inside cycle",
					"instrument", ev.InstrumentID, "from", ev.FromSeq, "to", ev.ToSeq)
			case feed.EventStale:
				// Stale instruments drop out of the market state below
			}
		default:
			return
		}
	}
}

// marketState builds the strategy's input, excluding stale instruments
func (e *Engine) marketState() core.MarketState {
	e.mu.RLock()
	defer e.mu.RUnlock()

	market := core.MarketState{
		Quotes: make(map[string]core.Quote),
		Now:    time.Now(),
	}
	for inst, q := range e.lastQuote {
		if e.feed.IsStale(inst) {
			continue
		}
		market.Quotes[inst] = q
	}
	return market
}

// safeEvaluate isolates strategy faults: a panic or error skips the cycle
// without touching open orders or positions
func (e *Engine) safeEvaluate(market core.MarketState, snap core.LedgerSnapshot) (intents []core.Intent) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Strategy panicked, skipping cycle",
				"strategy", e.strategy.Name(),
				"panic", r,
				"stack", string(debug.Stack()))
			intents = nil
		}
	}()

	intents, err := e.strategy.Evaluate(e.ctx, market, snap)
	if err != nil {
		e.logger.Error("Strategy evaluation failed, skipping cycle",
			"strategy", e.strategy.Name(), "error", err.Error())
		return nil
	}
	return intents
}

func (e *Engine) snapshotLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			e.saveSnapshot() // final snapshot on the way out
			return
		case <-ticker.C:
			e.saveSnapshot()
		}
	}
}

func (e *Engine) saveSnapshot() {
	snap := e.ledger.Snapshot()
	positions := make([]core.Position, 0, len(snap.Positions))
	for _, p := range snap.Positions {
		positions = append(positions, p)
	}

	var open []core.Order
	for _, o := range e.orders.Orders() {
		if !o.State.IsTerminal() {
			open = append(open, o)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.snapshots.Save(ctx, &store.Snapshot{Positions: positions, Orders: open}); err != nil {
		e.logger.Error("Snapshot save failed", "error", err.Error())
	}
}

// Status reports the engine state for the HTTP surface
func (e *Engine) Status(lastReconciliation time.Time) core.EngineStatus {
	e.mu.RLock()
	running := e.running
	lastQuote := make(map[string]time.Time, len(e.lastQuote))
	for k, q := range e.lastQuote {
		lastQuote[k] = q.Timestamp
	}
	e.mu.RUnlock()

	return core.EngineStatus{
		Running:            running,
		LastQuote:          lastQuote,
		OrdersByState:      e.orders.CountsByState(),
		LastReconciliation: lastReconciliation,
	}
}
