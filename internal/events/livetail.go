package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"subnetvalidator/internal/validatorcore"
	"subnetvalidator/pkg/telemetry"
)

// livePriceMessage is the wire shape a live-tail feed publishes on every
// new swap for a subscribed pool.
type livePriceMessage struct {
	Pool         string `json:"pool"`
	Block        int64  `json:"block"`
	SqrtPriceX96 string `json:"sqrt_price_x96"`
}

// LiveTail keeps a per-pool warm cache of the latest known sqrt price by
// subscribing to a live feed over a WebSocket connection. It exists so jobs
// running against live (non-backtest) chains do not pay a round-trip to the
// Events Source for a price that is already streaming in.
type LiveTail struct {
	url           string
	reconnectWait time.Duration
	pingInterval  time.Duration
	pongWait      time.Duration

	conn *websocket.Conn
	mu   sync.Mutex

	cache   map[string]decimal.Decimal
	cacheMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger validatorcore.ILogger

	msgCounter  metric.Int64Counter
	connCounter metric.Int64Counter
}

// NewLiveTail creates a warm-cache subscriber against url.
func NewLiveTail(url string, logger validatorcore.ILogger) *LiveTail {
	meter := telemetry.GetMeter("events-live-tail")
	msgCounter, _ := meter.Int64Counter("events_live_tail_messages_total")
	connCounter, _ := meter.Int64Counter("events_live_tail_connections_total")

	return &LiveTail{
		url:           url,
		reconnectWait: 5 * time.Second,
		pingInterval:  30 * time.Second,
		pongWait:      60 * time.Second,
		cache:         make(map[string]decimal.Decimal),
		logger:        logger.WithField("component", "events_live_tail"),
		msgCounter:    msgCounter,
		connCounter:   connCounter,
	}
}

// Start connects and begins listening for price updates in the background.
func (lt *LiveTail) Start(ctx context.Context) {
	lt.ctx, lt.cancel = context.WithCancel(ctx)
	lt.wg.Add(1)
	go lt.runLoop()
}

// Stop closes the connection and waits for the read loop to exit.
func (lt *LiveTail) Stop() {
	if lt.cancel != nil {
		lt.cancel()
	}
	lt.closeConn()
	lt.wg.Wait()
}

// LatestPrice returns the most recently observed sqrt price for pool, or
// false if nothing has been received yet.
func (lt *LiveTail) LatestPrice(pool string) (decimal.Decimal, bool) {
	lt.cacheMu.RLock()
	defer lt.cacheMu.RUnlock()
	p, ok := lt.cache[pool]
	return p, ok
}

func (lt *LiveTail) runLoop() {
	defer lt.wg.Done()

	for {
		select {
		case <-lt.ctx.Done():
			return
		default:
			if err := lt.connect(); err != nil {
				lt.logger.Warn("live-tail connect failed", "url", lt.url, "error", err)
				select {
				case <-lt.ctx.Done():
					return
				case <-time.After(lt.reconnectWait):
				}
				continue
			}

			lt.connCounter.Add(lt.ctx, 1, metric.WithAttributes(attribute.String("url", lt.url)))
			lt.readLoop()

			select {
			case <-lt.ctx.Done():
				return
			case <-time.After(lt.reconnectWait):
			}
		}
	}
}

func (lt *LiveTail) connect() error {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(lt.url, nil)
	if err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(lt.pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(lt.pongWait))
		return nil
	})

	lt.conn = conn
	return nil
}

func (lt *LiveTail) closeConn() {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if lt.conn != nil {
		lt.conn.Close()
		lt.conn = nil
	}
}

func (lt *LiveTail) readLoop() {
	defer lt.closeConn()

	for {
		select {
		case <-lt.ctx.Done():
			return
		default:
			lt.mu.Lock()
			conn := lt.conn
			lt.mu.Unlock()
			if conn == nil {
				return
			}

			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}

			var msg livePriceMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				continue
			}

			price, err := decimal.NewFromString(msg.SqrtPriceX96)
			if err != nil {
				continue
			}

			lt.cacheMu.Lock()
			lt.cache[msg.Pool] = price
			lt.cacheMu.Unlock()

			lt.msgCounter.Add(lt.ctx, 1, metric.WithAttributes(attribute.String("pool", msg.Pool)))
		}
	}
}
