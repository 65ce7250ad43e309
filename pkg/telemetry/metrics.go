package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricPnLRealizedTotal   = "trading_bot_pnl_realized_total"
	MetricPnLUnrealized      = "trading_bot_pnl_unrealized"
	MetricOrdersActive       = "trading_bot_orders_active"
	MetricOrdersPlacedTotal  = "trading_bot_orders_placed_total"
	MetricOrdersFilledTotal  = "trading_bot_orders_filled_total"
	MetricVolumeTotal        = "trading_bot_volume_total"
	MetricPositionSize       = "trading_bot_position_size"
	MetricExposure           = "trading_bot_exposure"
	MetricLatencyBroker      = "trading_bot_latency_broker_ms"
	MetricInstrumentHalted   = "trading_bot_instrument_halted"
	MetricFeedGapsTotal      = "trading_bot_feed_gaps_total"
	MetricFeedStale          = "trading_bot_feed_stale"
	MetricReconcileDrift     = "trading_bot_reconcile_drift_percent"
	MetricSignalQueueDepth   = "trading_bot_signal_queue_depth"
	MetricAdmissionRejected  = "trading_bot_admission_rejected_total"
	MetricReconcileSynthetic = "trading_bot_reconcile_synthetic_fills_total"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	PnLRealizedTotal   metric.Float64Counter
	PnLUnrealized      metric.Float64ObservableGauge
	OrdersActive       metric.Int64ObservableGauge
	OrdersPlacedTotal  metric.Int64Counter
	OrdersFilledTotal  metric.Int64Counter
	VolumeTotal        metric.Float64Counter
	PositionSize       metric.Float64ObservableGauge
	Exposure           metric.Float64ObservableGauge
	LatencyBroker      metric.Float64Histogram
	InstrumentHalted   metric.Int64ObservableGauge
	FeedGapsTotal      metric.Int64Counter
	FeedStale          metric.Int64ObservableGauge
	ReconcileDrift     metric.Float64ObservableGauge
	SignalQueueDepth   metric.Int64ObservableGauge
	AdmissionRejected  metric.Int64Counter
	ReconcileSynthetic metric.Int64Counter

	// State for observable gauges
	mu               sync.RWMutex
	unrealizedPnLMap map[string]float64
	activeOrdersMap  map[string]int64
	positionSizeMap  map[string]float64
	exposureValue    float64
	haltedMap        map[string]int64
	feedStaleMap     map[string]int64
	driftMap         map[string]float64
	queueDepthMap    map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			unrealizedPnLMap: make(map[string]float64),
			activeOrdersMap:  make(map[string]int64),
			positionSizeMap:  make(map[string]float64),
			haltedMap:        make(map[string]int64),
			feedStaleMap:     make(map[string]int64),
			driftMap:         make(map[string]float64),
			queueDepthMap:    make(map[string]int64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal, metric.WithDescription("Cumulative realized profit/loss"))
	if err != nil {
		return err
	}

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders placed"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders filled"))
	if err != nil {
		return err
	}

	m.VolumeTotal, err = meter.Float64Counter(MetricVolumeTotal, metric.WithDescription("Total traded volume in base units"))
	if err != nil {
		return err
	}

	m.LatencyBroker, err = meter.Float64Histogram(MetricLatencyBroker, metric.WithDescription("Latency of broker API calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.FeedGapsTotal, err = meter.Int64Counter(MetricFeedGapsTotal, metric.WithDescription("Total detected market data sequence gaps"))
	if err != nil {
		return err
	}

	m.AdmissionRejected, err = meter.Int64Counter(MetricAdmissionRejected, metric.WithDescription("Total intents rejected by admission control"))
	if err != nil {
		return err
	}

	m.ReconcileSynthetic, err = meter.Int64Counter(MetricReconcileSynthetic, metric.WithDescription("Total synthetic fills emitted by reconciliation"))
	if err != nil {
		return err
	}

	// Observables
	m.PnLUnrealized, err = meter.Float64ObservableGauge(MetricPnLUnrealized, metric.WithDescription("Current unrealized PnL"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for inst, val := range m.unrealizedPnLMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("instrument", inst)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.OrdersActive, err = meter.Int64ObservableGauge(MetricOrdersActive, metric.WithDescription("Number of currently open orders"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for inst, val := range m.activeOrdersMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("instrument", inst)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionSize, err = meter.Float64ObservableGauge(MetricPositionSize, metric.WithDescription("Current net position size"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for inst, val := range m.positionSizeMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("instrument", inst)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.Exposure, err = meter.Float64ObservableGauge(MetricExposure, metric.WithDescription("Aggregate account exposure"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.exposureValue)
			return nil
		}))
	if err != nil {
		return err
	}

	m.InstrumentHalted, err = meter.Int64ObservableGauge(MetricInstrumentHalted, metric.WithDescription("Instrument halt state (1=halted, 0=trading)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for inst, val := range m.haltedMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("instrument", inst)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.FeedStale, err = meter.Int64ObservableGauge(MetricFeedStale, metric.WithDescription("Quote staleness state (1=stale, 0=fresh)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for inst, val := range m.feedStaleMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("instrument", inst)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.ReconcileDrift, err = meter.Float64ObservableGauge(MetricReconcileDrift, metric.WithDescription("Last observed position drift vs broker, percent"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for inst, val := range m.driftMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("instrument", inst)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.SignalQueueDepth, err = meter.Int64ObservableGauge(MetricSignalQueueDepth, metric.WithDescription("Waiting signals per instrument"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for inst, val := range m.queueDepthMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("instrument", inst)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetUnrealizedPnL(instrument string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrealizedPnLMap[instrument] = value
}

func (m *MetricsHolder) SetActiveOrders(instrument string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeOrdersMap[instrument] = count
}

func (m *MetricsHolder) SetPositionSize(instrument string, size float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionSizeMap[instrument] = size
}

func (m *MetricsHolder) SetExposure(value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exposureValue = value
}

func (m *MetricsHolder) SetInstrumentHalted(instrument string, halted bool) {
	val := int64(0)
	if halted {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.haltedMap[instrument] = val
}

func (m *MetricsHolder) SetFeedStale(instrument string, stale bool) {
	val := int64(0)
	if stale {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feedStaleMap[instrument] = val
}

func (m *MetricsHolder) SetReconcileDrift(instrument string, percent float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.driftMap[instrument] = percent
}

func (m *MetricsHolder) SetSignalQueueDepth(instrument string, depth int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepthMap[instrument] = depth
}

func (m *MetricsHolder) GetPositionSize() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.positionSizeMap {
		res[k] = v
	}
	return res
}
