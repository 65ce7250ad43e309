package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
broker:
  adapter: mock
instruments:
  - id: "AAPL US Equity"
    tick_size: 0.01
    lot_size: 1
    currency: USD
risk_limits:
  default_max_position: 100
  max_notional: 1000000
strategy:
  name: signal
  params:
    default_qty: "10"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_Valid(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "mock", cfg.Broker.Adapter)
	require.Len(t, cfg.Instruments, 1)
	assert.Equal(t, "AAPL US Equity", cfg.Instruments[0].ID)
	assert.Equal(t, "signal", cfg.Strategy.Name)
	assert.Equal(t, "10", cfg.Strategy.Params["default_qty"])
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, 250, cfg.Engine.CycleIntervalMS)
	assert.Equal(t, 60, cfg.Engine.ReconcileIntervalS)
	assert.Equal(t, 5, cfg.Engine.RetryMaxAttempts)
	assert.Equal(t, "broker", cfg.Feed.Source)
	assert.Equal(t, 10, cfg.Feed.StaleAfterS)
	assert.Equal(t, "none", cfg.Store.Driver)
	assert.Equal(t, "INFO", cfg.Server.LogLevel)
	assert.Equal(t, float64(5), cfg.RiskLimits.MaxDriftPercent)
	assert.Equal(t, float64(10), cfg.RiskLimits.MaxOrderRate)
}

func TestLoadConfig_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_BROKER_TOKEN", "tok-12345")

	content := validYAML + `
server:
  log_level: ${TEST_LOG_LEVEL_UNSET}
alerts:
  telegram:
    bot_token: ${TEST_BROKER_TOKEN}
`
	cfg, err := LoadConfig(writeConfig(t, content))
	require.NoError(t, err)

	assert.Equal(t, "tok-12345", cfg.Alerts.Telegram.BotToken.Reveal())
	// Unset variables expand empty and fall back to the default
	assert.Equal(t, "INFO", cfg.Server.LogLevel)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

const baseYAML = `
broker:
  adapter: %s
instruments:
%s
risk_limits:
  default_max_position: 100
  max_notional: 1000000
  max_drift_percent: %s
feed:
  source: %s
store:
  driver: %s
server:
  log_level: %s
`

const oneInstrument = `  - id: "AAA"
    tick_size: 0.01
    lot_size: 1`

func TestLoadConfig_ValidationFailures(t *testing.T) {
	build := func(adapter, instruments, drift, feedSource, storeDriver, logLevel string) string {
		return fmt.Sprintf(baseYAML, adapter, instruments, drift, feedSource, storeDriver, logLevel)
	}
	valid := func() string {
		return build("mock", oneInstrument, "5", "broker", "memory", "INFO")
	}

	// The baseline itself must load
	_, err := LoadConfig(writeConfig(t, valid()))
	require.NoError(t, err)

	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "no instruments",
			content: build("mock", "  []", "5", "broker", "memory", "INFO"),
			wantErr: "at least one instrument",
		},
		{
			name:    "duplicate instrument",
			content: build("mock", oneInstrument+"\n"+oneInstrument, "5", "broker", "memory", "INFO"),
			wantErr: "duplicate instrument",
		},
		{
			name:    "non-mock adapter without token",
			content: build("bloomberg", oneInstrument, "5", "broker", "memory", "INFO"),
			wantErr: "broker.api_token",
		},
		{
			name:    "unknown feed source",
			content: build("mock", oneInstrument, "5", "carrier-pigeon", "memory", "INFO"),
			wantErr: "feed.source",
		},
		{
			name:    "sqlite without path",
			content: build("mock", oneInstrument, "5", "broker", "sqlite", "INFO"),
			wantErr: "store.path",
		},
		{
			name:    "bad log level",
			content: build("mock", oneInstrument, "5", "broker", "memory", "verbose"),
			wantErr: "server.log_level",
		},
		{
			name:    "drift over 100",
			content: build("mock", oneInstrument, "150", "broker", "memory", "INFO"),
			wantErr: "max_drift_percent",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, c.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), c.wantErr)
		})
	}
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("super-secret-token")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, `"[REDACTED]"`, fmt.Sprintf("%#v", s))
	assert.Equal(t, "super-secret-token", s.Reveal())

	data, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(data))

	empty := Secret("")
	assert.Equal(t, "", empty.String())
}
