// Package feed normalizes market data from a quote source into a single
// ordered event stream. Per instrument, quotes supersede each other by
// sequence number: regressions are dropped, jumps surface as gap events,
// and silence beyond the staleness window surfaces as stale events.
package feed

import (
	"context"
	"sync"
	"time"

	"github.com/nixikanius/trading-bot/internal/core"
	"github.com/nixikanius/trading-bot/pkg/telemetry"
)

// EventKind classifies a feed event
type EventKind int

const (
	EventQuote EventKind = iota
	EventGap
	EventStale
)

// Event is one normalized feed occurrence. Quote is set only for
// EventQuote; FromSeq/ToSeq only for EventGap.
type Event struct {
	Kind         EventKind
	InstrumentID string
	Quote        core.Quote
	FromSeq      uint64
	ToSeq        uint64
	At           time.Time
}

// QuoteSource delivers raw quotes. The broker itself and the websocket
// feed both satisfy it.
type QuoteSource interface {
	Quotes(ctx context.Context, instruments []string) (<-chan core.Quote, error)
}

// BrokerSource adapts a broker's quote stream to a QuoteSource
type BrokerSource struct {
	Broker core.Broker
}

func (s *BrokerSource) Quotes(ctx context.Context, instruments []string) (<-chan core.Quote, error) {
	return s.Broker.StreamQuotes(ctx, instruments)
}

// Adapter consumes a QuoteSource and emits ordered Events
type Adapter struct {
	source      QuoteSource
	instruments []string
	staleAfter  time.Duration
	logger      core.ILogger

	mu       sync.Mutex
	lastSeq  map[string]uint64
	lastSeen map[string]time.Time
	stale    map[string]bool

	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAdapter creates a feed adapter for the given instruments
func NewAdapter(source QuoteSource, instruments []string, staleAfter time.Duration, logger core.ILogger) *Adapter {
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		source:      source,
		instruments: instruments,
		staleAfter:  staleAfter,
		logger:      logger.WithField("component", "feed"),
		lastSeq:     make(map[string]uint64),
		lastSeen:    make(map[string]time.Time),
		stale:       make(map[string]bool),
		events:      make(chan Event, 512),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Events returns the normalized event stream
func (a *Adapter) Events() <-chan Event {
	return a.events
}

// Start subscribes to the source and begins emitting events
func (a *Adapter) Start() error {
	quotes, err := a.source.Quotes(a.ctx, a.instruments)
	if err != nil {
		return err
	}

	a.wg.Add(1)
	go a.pumpLoop(quotes)

	if a.staleAfter > 0 {
		a.wg.Add(1)
		go a.staleLoop()
	}

	a.logger.Info("Feed adapter started",
		"instruments", len(a.instruments),
		"stale_after", a.staleAfter)
	return nil
}

// Stop terminates the adapter and closes the event stream
func (a *Adapter) Stop() {
	a.cancel()
	a.wg.Wait()
	close(a.events)
}

func (a *Adapter) pumpLoop(quotes <-chan core.Quote) {
	defer a.wg.Done()

	metrics := telemetry.GetGlobalMetrics()

	for {
		select {
		case <-a.ctx.Done():
			return
		case q, ok := <-quotes:
			if !ok {
				a.logger.Warn("Quote source closed")
				return
			}

			a.mu.Lock()
			last := a.lastSeq[q.InstrumentID]
			if q.Seq != 0 && last != 0 && q.Seq <= last {
				a.mu.Unlock()
				a.logger.Debug("Dropping quote with regressed sequence",
					"instrument", q.InstrumentID, "seq", q.Seq, "last", last)
				continue
			}
			gap := q.Seq != 0 && last != 0 && q.Seq > last+1
			a.lastSeq[q.InstrumentID] = q.Seq
			a.lastSeen[q.InstrumentID] = time.Now()
			wasStale := a.stale[q.InstrumentID]
			a.stale[q.InstrumentID] = false
			a.mu.Unlock()

			if wasStale {
				metrics.SetFeedStale(q.InstrumentID, false)
				a.logger.Info("Instrument recovered from staleness", "instrument", q.InstrumentID)
			}

			if gap {
				metrics.FeedGapsTotal.Add(a.ctx, 1)
				a.logger.Warn("Sequence gap detected",
					"instrument", q.InstrumentID, "from", last, "to", q.Seq)
				a.emit(Event{
					Kind:         EventGap,
					InstrumentID: q.InstrumentID,
					FromSeq:      last,
					ToSeq:        q.Seq,
					At:           time.Now(),
				})
			}

			a.emit(Event{
				Kind:         EventQuote,
				InstrumentID: q.InstrumentID,
				Quote:        q,
				At:           time.Now(),
			})
		}
	}
}

func (a *Adapter) staleLoop() {
	defer a.wg.Done()

	// Check at a quarter of the window so detection lag stays bounded
	interval := a.staleAfter / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	metrics := telemetry.GetGlobalMetrics()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			var newlyStale []string

			a.mu.Lock()
			for _, inst := range a.instruments {
				seen, ok := a.lastSeen[inst]
				if !ok || a.stale[inst] {
					continue
				}
				if now.Sub(seen) > a.staleAfter {
					a.stale[inst] = true
					newlyStale = append(newlyStale, inst)
				}
			}
			a.mu.Unlock()

			for _, inst := range newlyStale {
				metrics.SetFeedStale(inst, true)
				a.logger.Warn("Instrument quotes went stale", "instrument", inst, "stale_after", a.staleAfter)
				a.emit(Event{Kind: EventStale, InstrumentID: inst, At: now})
			}
		}
	}
}

// IsStale reports whether an instrument's quotes are older than the
// staleness window
func (a *Adapter) IsStale(instrumentID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stale[instrumentID]
}

func (a *Adapter) emit(ev Event) {
	select {
	case a.events <- ev:
	default:
		a.logger.Warn("Feed event buffer full, dropping event", "kind", ev.Kind, "instrument", ev.InstrumentID)
	}
}
