// Package strategy contains the decision components that turn market state
// and ledger snapshots into trade intents
package strategy

import (
	"fmt"
	"strconv"

	"github.com/nixikanius/trading-bot/internal/config"
	"github.com/nixikanius/trading-bot/internal/core"
)

// New builds the configured strategy by name
func New(cfg config.StrategyConfig, logger core.ILogger) (core.Strategy, error) {
	switch cfg.Name {
	case "momentum":
		return NewMomentum(cfg.Params, logger)
	case "signal":
		return NewSignal(cfg.Params, logger), nil
	default:
		return nil, fmt.Errorf("unknown strategy: %q", cfg.Name)
	}
}

func paramFloat(params map[string]string, key string, def float64) (float64, error) {
	raw, ok := params[key]
	if !ok || raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("strategy param %s: %w", key, err)
	}
	return v, nil
}
