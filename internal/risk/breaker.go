// Package risk holds the per-instrument trading halt breaker. Once opened,
// an instrument admits no new orders until an operator resets it.
package risk

import (
	"sync"
	"time"

	"github.com/nixikanius/trading-bot/internal/core"
	"github.com/nixikanius/trading-bot/pkg/telemetry"
)

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
)

// HaltInfo describes one halted instrument
type HaltInfo struct {
	InstrumentID string    `json:"instrument"`
	Reason       string    `json:"reason"`
	OpenedAt     time.Time `json:"opened_at"`
}

// Breaker halts instruments individually. It satisfies core.HaltChecker.
type Breaker struct {
	mu     sync.RWMutex
	halted map[string]HaltInfo
	logger core.ILogger
}

func NewBreaker(logger core.ILogger) *Breaker {
	return &Breaker{
		halted: make(map[string]HaltInfo),
		logger: logger.WithField("component", "circuit_breaker"),
	}
}

// Open halts one instrument. Idempotent: re-opening an already halted
// instrument keeps the original halt record.
func (b *Breaker) Open(instrumentID, reason string) {
	b.mu.Lock()
	if _, already := b.halted[instrumentID]; already {
		b.mu.Unlock()
		return
	}
	b.halted[instrumentID] = HaltInfo{
		InstrumentID: instrumentID,
		Reason:       reason,
		OpenedAt:     time.Now(),
	}
	b.mu.Unlock()

	telemetry.GetGlobalMetrics().SetInstrumentHalted(instrumentID, true)
	b.logger.Error("Instrument halted", "instrument", instrumentID, "reason", reason)
}

// Reset clears the halt for one instrument
func (b *Breaker) Reset(instrumentID string) {
	b.mu.Lock()
	_, was := b.halted[instrumentID]
	delete(b.halted, instrumentID)
	b.mu.Unlock()

	if was {
		telemetry.GetGlobalMetrics().SetInstrumentHalted(instrumentID, false)
		b.logger.Info("Instrument halt reset", "instrument", instrumentID)
	}
}

// IsHalted reports whether an instrument is halted
func (b *Breaker) IsHalted(instrumentID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, halted := b.halted[instrumentID]
	return halted
}

// Halts returns the current halt records
func (b *Breaker) Halts() []HaltInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]HaltInfo, 0, len(b.halted))
	for _, h := range b.halted {
		out = append(out, h)
	}
	return out
}
