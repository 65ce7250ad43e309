package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nixikanius/trading-bot/internal/core"
	"github.com/nixikanius/trading-bot/pkg/websocket"

	"github.com/shopspring/decimal"
)

// wireQuote is the JSON frame delivered by the quote endpoint
type wireQuote struct {
	Instrument string          `json:"instrument"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	TS         int64           `json:"ts"` // unix milliseconds
	Seq        uint64          `json:"seq"`
}

// WSSource streams quotes from a websocket endpoint, reconnecting
// automatically and resubscribing on each connect
type WSSource struct {
	url           string
	reconnectWait time.Duration
	logger        core.ILogger
	client        *websocket.Client
	out           chan core.Quote
}

func NewWSSource(url string, reconnectWait time.Duration, logger core.ILogger) *WSSource {
	return &WSSource{
		url:           url,
		reconnectWait: reconnectWait,
		logger:        logger.WithField("component", "ws_feed"),
		out:           make(chan core.Quote, 512),
	}
}

// Quotes connects and returns the quote channel. The connection lives
// until ctx is cancelled.
func (s *WSSource) Quotes(ctx context.Context, instruments []string) (<-chan core.Quote, error) {
	s.client = websocket.NewClient(s.url, s.handleMessage, s.logger)
	s.client.SetReconnectWait(s.reconnectWait)
	s.client.SetOnConnected(func() {
		sub := map[string]interface{}{
			"op":          "subscribe",
			"instruments": instruments,
		}
		if err := s.client.Send(sub); err != nil {
			s.logger.Error("Failed to send subscription", "error", err)
		}
	})
	s.client.Start()

	go func() {
		<-ctx.Done()
		s.client.Stop()
		close(s.out)
	}()

	return s.out, nil
}

func (s *WSSource) handleMessage(message []byte) {
	var wq wireQuote
	if err := json.Unmarshal(message, &wq); err != nil {
		s.logger.Warn("Discarding malformed quote frame", "error", err)
		return
	}
	if wq.Instrument == "" {
		return
	}

	q := core.Quote{
		InstrumentID: wq.Instrument,
		Bid:          wq.Bid,
		Ask:          wq.Ask,
		Timestamp:    time.UnixMilli(wq.TS),
		Seq:          wq.Seq,
	}

	select {
	case s.out <- q:
	default:
		// The adapter enforces ordering; dropping under backpressure is
		// safe because later quotes supersede earlier ones
	}
}
