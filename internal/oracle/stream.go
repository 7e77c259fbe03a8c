package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/optionperps/engine/internal/fixed"
	"github.com/optionperps/engine/internal/metrics"
)

const (
	streamReadTimeout = 60 * time.Second
	streamBaseDelay   = time.Second
	streamMaxDelay    = 30 * time.Second
)

// tickMessage is one price update from the stream. Price is a plain decimal
// ("1500.25" or 1500.25), not yet scaled.
type tickMessage struct {
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp"` // unix millis, optional
}

// StreamFeed is a PriceFeed fed by a websocket ticker stream. It reconnects
// with exponential backoff and reports ErrStalePrice when no update arrived
// within MaxAge.
type StreamFeed struct {
	url    string
	maxAge time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	price   fixed.Int
	updated time.Time
}

// NewStreamFeed creates a feed for url. maxAge <= 0 disables staleness checks.
func NewStreamFeed(url string, maxAge time.Duration) *StreamFeed {
	return &StreamFeed{url: url, maxAge: maxAge, now: time.Now}
}

func (f *StreamFeed) MarkPrice(_ context.Context) (fixed.Int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.price.IsPositive() {
		return fixed.Zero, ErrNoPrice
	}
	if f.maxAge > 0 && f.now().Sub(f.updated) > f.maxAge {
		return fixed.Zero, fmt.Errorf("%w: last update %s", ErrStalePrice, f.updated.Format(time.RFC3339))
	}
	return f.price, nil
}

// Run connects and consumes ticks until ctx is cancelled.
func (f *StreamFeed) Run(ctx context.Context) error {
	retry := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		received, err := f.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if received > 0 {
			retry = 0
		}

		delay := backoff(retry)
		retry++
		slog.Warn("price stream disconnected", "url", f.url, "err", err, "retry_in", delay.String())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// consume reads ticks from one connection until it fails. It returns how
// many messages were read.
func (f *StreamFeed) consume(ctx context.Context) (int, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return 0, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	slog.Info("price stream connected", "url", f.url)
	received := 0
	for {
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return received, err
		}
		received++
		f.handleMessage(msg)
	}
}

func (f *StreamFeed) handleMessage(msg []byte) {
	var tick tickMessage
	if err := json.Unmarshal(msg, &tick); err != nil {
		return
	}
	price := fixed.FromDecimal(tick.Price.Shift(fixed.Decimals))
	if !price.IsPositive() {
		return
	}

	f.mu.Lock()
	f.price = price
	f.updated = f.now()
	f.mu.Unlock()
	metrics.PriceUpdates.Inc()
}

func backoff(retry int) time.Duration {
	delay := streamBaseDelay << uint(min(retry, 6))
	if delay > streamMaxDelay {
		delay = streamMaxDelay
	}
	return delay
}
