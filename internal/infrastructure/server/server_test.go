package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nixikanius/trading-bot/internal/core"
	"github.com/nixikanius/trading-bot/internal/engine"
	"github.com/nixikanius/trading-bot/internal/feed"
	"github.com/nixikanius/trading-bot/internal/infrastructure/health"
	"github.com/nixikanius/trading-bot/internal/ledger"
	"github.com/nixikanius/trading-bot/internal/lifecycle"
	"github.com/nixikanius/trading-bot/internal/mock"
	"github.com/nixikanius/trading-bot/internal/risk"

	"github.com/nixikanius/trading-bot/internal/strategy"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               {}
func (m *mockLogger) Info(msg string, f ...interface{})                {}
func (m *mockLogger) Warn(msg string, f ...interface{})                {}
func (m *mockLogger) Error(msg string, f ...interface{})               {}
func (m *mockLogger) Fatal(msg string, f ...interface{})               {}
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

func newTestServer(t *testing.T, signals *strategy.Signal) (*StatusServer, *risk.Breaker) {
	t.Helper()
	logger := &mockLogger{}

	broker := mock.NewBroker()
	ldg := ledger.New(logger)
	orders := lifecycle.NewManager(broker, ldg, nil, lifecycle.Config{MaxAttempts: 1}, logger)
	breaker := risk.NewBreaker(logger)
	admission := ledger.NewAdmissionController(core.RiskLimits{
		DefaultMaxPosition: decimal.NewFromInt(1000),
		MaxNotional:        decimal.NewFromInt(1000000),
		MaxOrderRate:       100,
		OrderBurst:         100,
	}, breaker, logger)

	fd := feed.NewAdapter(&feed.BrokerSource{Broker: broker}, []string{"AAA"}, 0, logger)
	var strat core.Strategy = signals
	if signals == nil {
		strat = strategy.NewSignal(nil, logger)
	}
	eng := engine.New(broker, fd, strat, ldg, admission, orders, nil, engine.Config{}, logger)
	reconciler := engine.NewReconciler(broker, ldg, orders, breaker, nil, time.Minute, 10, logger)

	hm := health.NewHealthManager(nil)
	return NewStatusServer(0, hm, eng, reconciler, orders, ldg, breaker, signals, logger), breaker
}

func TestHandleSignalIntake_Accepted(t *testing.T) {
	signals := strategy.NewSignal(nil, &mockLogger{})
	srv, _ := newTestServer(t, signals)

	body := `{"signal_id":"web-1","position":"long","quantity":"10","limit_price":"99.5"}`
	req := httptest.NewRequest(http.MethodPost, "/signals/AAPL%20US%20Equity", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handleSignalIntake(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp["status"])
	assert.Equal(t, "web-1", resp["signal_id"])
	assert.Equal(t, "AAPL US Equity", resp["instrument"])

	view := signals.Queue()
	require.Len(t, view.Waiting, 1)
	assert.True(t, view.Waiting[0].Quantity.Equal(decimal.NewFromInt(10)))
}

func TestHandleSignalIntake_Validation(t *testing.T) {
	signals := strategy.NewSignal(nil, &mockLogger{})
	srv, _ := newTestServer(t, signals)

	cases := []struct {
		name string
		path string
		body string
		code int
	}{
		{"bad position", "/signals/AAA", `{"position":"sideways"}`, http.StatusBadRequest},
		{"bad json", "/signals/AAA", `{position:`, http.StatusBadRequest},
		{"missing instrument", "/signals/", `{"position":"long"}`, http.StatusBadRequest},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, c.path, strings.NewReader(c.body))
			rec := httptest.NewRecorder()
			srv.handleSignalIntake(rec, req)
			assert.Equal(t, c.code, rec.Code)
		})
	}

	// GET is not a valid intake method
	req := httptest.NewRequest(http.MethodGet, "/signals/AAA", nil)
	rec := httptest.NewRecorder()
	srv.handleSignalIntake(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleSignalIntake_InactiveStrategy(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/signals/AAA", strings.NewReader(`{"position":"long"}`))
	rec := httptest.NewRecorder()
	srv.handleSignalIntake(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/signals/queue", nil)
	rec = httptest.NewRecorder()
	srv.handleSignalQueue(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleHalts(t *testing.T) {
	srv, breaker := newTestServer(t, nil)
	breaker.Open("AAA", "manual halt")

	req := httptest.NewRequest(http.MethodGet, "/halts", nil)
	rec := httptest.NewRecorder()
	srv.handleHalts(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Halts []risk.HaltInfo `json:"halts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Halts, 1)
	assert.Equal(t, "AAA", resp.Halts[0].InstrumentID)

	// Reset through the operator surface
	req = httptest.NewRequest(http.MethodDelete, "/halts?instrument=AAA", nil)
	rec = httptest.NewRecorder()
	srv.handleHalts(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, breaker.IsHalted("AAA"))

	req = httptest.NewRequest(http.MethodDelete, "/halts", nil)
	rec = httptest.NewRecorder()
	srv.handleHalts(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleStatusAndReconciliation(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	srv.handleStatus(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var status core.EngineStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.Running)

	req = httptest.NewRequest(http.MethodGet, "/reconciliation", nil)
	rec = httptest.NewRecorder()
	srv.handleReconciliation(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var recon engine.ReconcileStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recon))
	assert.Equal(t, "never_run", recon.Status)
}

func TestHandlePositionsAndOrders(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	require.NoError(t, srv.ledger.ApplyFill(core.Fill{
		ID: "f1", InstrumentID: "AAA", Side: core.SideBuy,
		Quantity: decimal.NewFromInt(10), Price: decimal.NewFromInt(100), Timestamp: time.Now(),
	}))

	req := httptest.NewRequest(http.MethodGet, "/positions", nil)
	rec := httptest.NewRecorder()
	srv.handlePositions(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "AAA")

	req = httptest.NewRequest(http.MethodGet, "/orders", nil)
	rec = httptest.NewRecorder()
	srv.handleOrders(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
