package bootstrap

import (
	"github.com/nixikanius/trading-bot/internal/core"
	"github.com/nixikanius/trading-bot/internal/logging"
)

// InitLogger builds the application logger from configuration and installs
// it as the package-global default
func InitLogger(cfg *Config) (core.ILogger, error) {
	logger, err := logging.NewZapLogger(cfg.Server.LogLevel)
	if err != nil {
		return nil, err
	}

	logging.SetGlobalLogger(logger)
	return logger, nil
}
