package exchange

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/lumenquant/confluence/internal/domain"
)

const (
	dialTimeout          = 10 * time.Second
	baseReconnectDelay   = 5 * time.Second
	maxReconnectDelay    = 2 * time.Minute
	cacheStaleThreshold  = 5 * time.Minute
)

type tickerMessage struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// TickerClient maintains a best-effort websocket connection to a venue's
// mark-price feed, used as a fallback source when the REST-reported mark
// price on a position is missing or stale. A disconnected TickerClient
// never blocks a caller; LastPrice simply reports ok=false.
type TickerClient struct {
	url string
	log zerolog.Logger

	mu         sync.RWMutex
	prices     map[domain.CanonicalSymbol]priceEntry
	cancelFunc context.CancelFunc
	stopped    chan struct{}
}

type priceEntry struct {
	price     float64
	updatedAt time.Time
}

// NewTickerClient starts a background connect-and-read loop against url.
func NewTickerClient(url string, log zerolog.Logger) *TickerClient {
	ctx, cancel := context.WithCancel(context.Background())
	t := &TickerClient{
		url:        url,
		log:        log.With().Str("component", "exchange-ticker").Logger(),
		prices:     make(map[domain.CanonicalSymbol]priceEntry),
		cancelFunc: cancel,
		stopped:    make(chan struct{}),
	}
	go t.reconnectLoop(ctx)
	return t
}

// Close stops the background connection loop.
func (t *TickerClient) Close() {
	t.cancelFunc()
	<-t.stopped
}

// LastPrice returns the most recently observed mark price for symbol, and
// false if none has been observed or the cached value is stale.
func (t *TickerClient) LastPrice(symbol domain.CanonicalSymbol) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.prices[symbol]
	if !ok || time.Since(entry.updatedAt) > cacheStaleThreshold {
		return 0, false
	}
	return entry.price, true
}

func (t *TickerClient) reconnectLoop(ctx context.Context) {
	defer close(t.stopped)

	delay := baseReconnectDelay
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := t.connectAndRead(ctx); err != nil {
			t.log.Warn().Err(err).Dur("retry_in", delay).Msg("ticker websocket disconnected, retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (t *TickerClient) connectAndRead(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, t.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	t.log.Info().Msg("ticker websocket connected")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var msg tickerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.log.Debug().Err(err).Msg("dropping unparseable ticker message")
			continue
		}

		t.mu.Lock()
		t.prices[domain.CanonicalSymbol(msg.Symbol)] = priceEntry{price: msg.Price, updatedAt: time.Now()}
		t.mu.Unlock()
	}
}
