package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nixikanius/trading-bot/internal/config"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig loads and validates configuration, then runs pre-flight
// checks that go beyond schema validation
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight verifies the runtime environment
func checkPreFlight(cfg *Config) error {
	// A live broker adapter needs credentials; the mock does not
	if cfg.Broker.Adapter != "mock" && cfg.Broker.APIToken.Reveal() == "" {
		return fmt.Errorf("broker.api_token is required for adapter %q", cfg.Broker.Adapter)
	}

	if cfg.Feed.Source == "websocket" && cfg.Feed.URL == "" {
		return fmt.Errorf("feed.url is required when feed.source is 'websocket'")
	}

	if cfg.Store.Driver == "sqlite" {
		dir := filepath.Dir(cfg.Store.Path)
		info, err := os.Stat(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("store directory does not exist: %s", dir)
			}
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("store path parent is not a directory: %s", dir)
		}
	}

	return nil
}
