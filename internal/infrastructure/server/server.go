// Package server exposes the engine's operational surface over HTTP:
// health, status, signal intake, halts, positions, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nixikanius/trading-bot/internal/core"
	"github.com/nixikanius/trading-bot/internal/engine"
	"github.com/nixikanius/trading-bot/internal/infrastructure/health"
	"github.com/nixikanius/trading-bot/internal/ledger"
	"github.com/nixikanius/trading-bot/internal/lifecycle"
	"github.com/nixikanius/trading-bot/internal/risk"
	"github.com/nixikanius/trading-bot/internal/strategy"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// StatusServer serves the engine's HTTP surface
type StatusServer struct {
	port       int
	logger     core.ILogger
	srv        *http.Server
	hm         *health.HealthManager
	eng        *engine.Engine
	reconciler *engine.Reconciler
	orders     *lifecycle.Manager
	ledger     *ledger.Ledger
	breaker    *risk.Breaker
	signals    *strategy.Signal // nil unless the signal strategy is active
}

func NewStatusServer(
	port int,
	hm *health.HealthManager,
	eng *engine.Engine,
	reconciler *engine.Reconciler,
	orders *lifecycle.Manager,
	ldg *ledger.Ledger,
	breaker *risk.Breaker,
	signals *strategy.Signal,
	logger core.ILogger,
) *StatusServer {
	return &StatusServer{
		port:       port,
		logger:     logger.WithField("component", "status_server"),
		hm:         hm,
		eng:        eng,
		reconciler: reconciler,
		orders:     orders,
		ledger:     ldg,
		breaker:    breaker,
		signals:    signals,
	}
}

// Start begins serving. Non-blocking.
func (s *StatusServer) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/positions", s.handlePositions)
	mux.HandleFunc("/orders", s.handleOrders)
	mux.HandleFunc("/halts", s.handleHalts)
	mux.HandleFunc("/reconciliation", s.handleReconciliation)
	mux.HandleFunc("/signals/queue", s.handleSignalQueue)
	mux.HandleFunc("/signals/", s.handleSignalIntake)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	go func() {
		s.logger.Info("Starting status server", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Status server failed", "error", err)
		}
	}()
}

// Stop shuts the server down gracefully
func (s *StatusServer) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping status server")
	return s.srv.Shutdown(ctx)
}

func (s *StatusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.hm.GetStatus()
	code := http.StatusOK
	if !s.hm.IsHealthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"healthy":    code == http.StatusOK,
		"components": status,
	})
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Status(s.reconciler.LastCompleted()))
}

func (s *StatusServer) handlePositions(w http.ResponseWriter, r *http.Request) {
	snap := s.ledger.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"positions": snap.Positions,
		"marks":     snap.Marks,
		"exposure":  snap.Exposure,
		"taken_at":  snap.TakenAt,
	})
}

func (s *StatusServer) handleOrders(w http.ResponseWriter, r *http.Request) {
	orders := s.orders.Orders()
	out := make([]map[string]interface{}, 0, len(orders))
	for _, o := range orders {
		out = append(out, map[string]interface{}{
			"client_order_id": o.ClientOrderID,
			"broker_order_id": o.BrokerOrderID,
			"instrument":      o.InstrumentID,
			"side":            o.Side.String(),
			"state":           o.State.String(),
			"quantity":        o.Quantity,
			"filled_qty":      o.FilledQty,
			"avg_fill_price":  o.AvgFillPrice,
			"reason":          o.Reason,
			"created_at":      o.CreatedAt,
			"updated_at":      o.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orders": out})
}

func (s *StatusServer) handleHalts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]interface{}{"halts": s.breaker.Halts()})
	case http.MethodDelete:
		inst := r.URL.Query().Get("instrument")
		if inst == "" {
			writeError(w, http.StatusBadRequest, "instrument query parameter required")
			return
		}
		s.breaker.Reset(inst)
		writeJSON(w, http.StatusOK, map[string]interface{}{"reset": inst})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *StatusServer) handleReconciliation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reconciler.Status())
}

// signalRequest is the intake payload for POST /signals/{instrument}
type signalRequest struct {
	SignalID   string          `json:"signal_id"`
	Position   string          `json:"position"`
	Quantity   decimal.Decimal `json:"quantity"`
	LimitPrice decimal.Decimal `json:"limit_price"`
}

func (s *StatusServer) handleSignalIntake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.signals == nil {
		writeError(w, http.StatusNotFound, "signal strategy is not active")
		return
	}

	inst := strings.TrimPrefix(r.URL.Path, "/signals/")
	if inst == "" || strings.Contains(inst, "/") {
		writeError(w, http.StatusBadRequest, "instrument missing in path")
		return
	}

	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload: "+err.Error())
		return
	}

	position, ok := strategy.ParsePosition(req.Position)
	if !ok {
		writeError(w, http.StatusBadRequest, "position must be long, short or flat")
		return
	}

	id := s.signals.Enqueue(strategy.ExternalSignal{
		ID:           req.SignalID,
		InstrumentID: inst,
		Position:     position,
		Quantity:     req.Quantity,
		LimitPrice:   req.LimitPrice,
		ReceivedAt:   time.Now(),
	})

	// 202: the signal is queued, execution happens on the engine cycle
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":     "accepted",
		"signal_id":  id,
		"instrument": inst,
	})
}

func (s *StatusServer) handleSignalQueue(w http.ResponseWriter, r *http.Request) {
	if s.signals == nil {
		writeError(w, http.StatusNotFound, "signal strategy is not active")
		return
	}
	writeJSON(w, http.StatusOK, s.signals.Queue())
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
