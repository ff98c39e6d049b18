// Package events publishes executed fills to NATS for downstream consumers.
// Publication is best-effort: a slow or absent broker never stalls matching.
package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// subjectPrefix is the NATS subject root; fills go to venue.fills.<symbol>.
const subjectPrefix = "venue.fills."

// Fill is the published trade notification.
type Fill struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Timestamp time.Time `json:"timestamp"`
}

// NATSPublisher implements venue.FillPublisher over a NATS connection.
type NATSPublisher struct {
	nc  *nats.Conn
	log *zap.SugaredLogger
}

// Connect dials the NATS server at url.
func Connect(url string, logger *zap.SugaredLogger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	nc, err := nats.Connect(url,
		nats.Name("venue-fills"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}
	logger.Infow("connected to nats", "url", url)
	return &NATSPublisher{nc: nc, log: logger}, nil
}

// PublishFill sends one fill notification. Publish buffers internally, so
// this is safe to call from the book's trade callback.
func (p *NATSPublisher) PublishFill(symbol string, price, quantity float64) {
	payload, err := json.Marshal(Fill{
		Symbol:    symbol,
		Price:     price,
		Quantity:  quantity,
		Timestamp: time.Now(),
	})
	if err != nil {
		return
	}
	if err := p.nc.Publish(subjectPrefix+symbol, payload); err != nil {
		p.log.Debugw("fill publish failed", "symbol", symbol, "error", err)
	}
}

// Close flushes and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.nc.Flush(); err != nil {
		p.log.Debugw("nats flush failed", "error", err)
	}
	p.nc.Close()
}
