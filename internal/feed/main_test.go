package feed

import (
	"os"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/nixikanius/trading-bot/pkg/telemetry"
)

func TestMain(m *testing.M) {
	_ = telemetry.GetGlobalMetrics().InitMetrics(noop.NewMeterProvider().Meter("test"))
	os.Exit(m.Run())
}
