// ws.go implements the public WebSocket feed for real-time Bithumb data.
//
// One connection carries both subscriptions:
//
//   - "orderbookdepth": depth updates per symbol, bid and ask levels mixed
//     in a single list and split here.
//
//   - "transaction": executed trades with the taker side encoded in
//     buySellGb ("1" sell, "2" buy).
//
// Parsed events are dispatched to registered handlers on the read
// goroutine, sequentially in registration order. A handler error is
// logged and the remaining handlers still run; long work belongs in the
// consumer, which should return promptly.
//
// The feed auto-reconnects with exponential backoff (1s → 30s max, reset
// after a successful subscribe) and re-subscribes to the configured
// symbols on reconnection. A read deadline (90s) ensures silent server
// failures are detected within ~2 missed pings.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"bithumb-scalper/internal/metrics"
	"bithumb-scalper/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	bookDepth        = 10               // levels kept per side after normalizing
)

// contDtm arrives as local exchange time without a zone marker.
var kst = time.FixedZone("KST", 9*60*60)

const contDtmLayout = "2006-01-02 15:04:05.000000"

// BookHandler consumes one normalized depth update.
type BookHandler func(types.OrderBookUpdate) error

// TradeHandler consumes one executed trade.
type TradeHandler func(types.TradeTick) error

// WSFeed manages the public WebSocket connection. It handles connection
// lifecycle, subscription, message parsing, and automatic reconnection
// with exponential backoff.
type WSFeed struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	pairs []string // subscription pairs like "BTC_KRW", fixed at construction

	handlerMu     sync.RWMutex
	bookHandlers  []BookHandler
	tradeHandlers []TradeHandler

	connected atomic.Bool

	logger *slog.Logger
}

// NewWSFeed creates a feed subscribed to the given symbols ("BTC", "ETH").
func NewWSFeed(wsURL string, symbols []string, logger *slog.Logger) *WSFeed {
	pairs := make([]string, len(symbols))
	for i, s := range symbols {
		pairs[i] = strings.ToUpper(s) + "_" + paymentCurrency
	}
	return &WSFeed{
		url:    wsURL,
		pairs:  pairs,
		logger: logger.With("component", "ws_feed"),
	}
}

// OnBook registers a handler for depth updates. Handlers run sequentially
// in registration order on the read goroutine.
func (f *WSFeed) OnBook(h BookHandler) {
	f.handlerMu.Lock()
	defer f.handlerMu.Unlock()
	f.bookHandlers = append(f.bookHandlers, h)
}

// OnTrade registers a handler for executed trades.
func (f *WSFeed) OnTrade(h TradeHandler) {
	f.handlerMu.Lock()
	defer f.handlerMu.Unlock()
	f.tradeHandlers = append(f.tradeHandlers, h)
}

// Connected reports whether the feed currently holds a subscribed connection.
func (f *WSFeed) Connected() bool { return f.connected.Load() }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		subscribed, err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if subscribed {
			backoff = time.Second
		}

		metrics.IncWSReconnect()
		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close gracefully closes the connection.
func (f *WSFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

// connectAndRead dials, subscribes, and reads until the connection fails.
// The first return value reports whether the subscribe succeeded, which
// resets the caller's backoff.
func (f *WSFeed) connectAndRead(ctx context.Context) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connected.Store(false)
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendSubscriptions(); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	f.connected.Store(true)

	f.logger.Info("websocket connected", "pairs", f.pairs)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if the server goes silent.
	for {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *WSFeed) sendSubscriptions() error {
	book := types.WSSubscribeMsg{
		Type:      "orderbookdepth",
		Symbols:   f.pairs,
		TickTypes: []string{"1H"},
	}
	if err := f.writeJSON(book); err != nil {
		return err
	}
	trades := types.WSSubscribeMsg{
		Type:      "transaction",
		Symbols:   f.pairs,
		TickTypes: []string{"1H"},
	}
	return f.writeJSON(trades)
}

func (f *WSFeed) dispatchMessage(data []byte) {
	// Peek at type to route. Frames without a type are connection and
	// filter acknowledgements carrying only status/resmsg.
	var envelope struct {
		Type   string `json:"type"`
		Status string `json:"status"`
		ResMsg string `json:"resmsg"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.Type {
	case "":
		if envelope.Status != "" && envelope.Status != StatusOK {
			f.logger.Warn("ws status frame", "status", envelope.Status, "resmsg", envelope.ResMsg)
		} else {
			f.logger.Debug("ws ack", "resmsg", envelope.ResMsg)
		}

	case "orderbookdepth":
		var frame struct {
			Content types.WSOrderBookContent `json:"content"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			f.logger.Error("unmarshal orderbookdepth", "error", err)
			return
		}
		for _, update := range normalizeBook(frame.Content) {
			f.emitBook(update)
		}

	case "transaction":
		var frame struct {
			Content types.WSTransactionContent `json:"content"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			f.logger.Error("unmarshal transaction", "error", err)
			return
		}
		for _, item := range frame.Content.List {
			tick := parseTransaction(item)
			if !tick.Valid() {
				f.logger.Debug("dropping invalid trade", "symbol", item.Symbol,
					"price", item.ContPrice, "qty", item.ContQty)
				continue
			}
			f.emitTrade(tick)
		}

	case "ticker":
		// Subscribed implicitly by some gateway versions; not consumed.
		f.logger.Debug("ignoring event", "type", envelope.Type)

	default:
		f.logger.Debug("unknown ws event type", "type", envelope.Type)
	}
}

// emitBook invokes every registered book handler. One failing handler
// must not starve the rest or kill the stream.
func (f *WSFeed) emitBook(update types.OrderBookUpdate) {
	f.handlerMu.RLock()
	handlers := f.bookHandlers
	f.handlerMu.RUnlock()

	for _, h := range handlers {
		if err := h(update); err != nil {
			f.logger.Error("book handler failed", "symbol", update.Symbol, "error", err)
		}
	}
}

func (f *WSFeed) emitTrade(tick types.TradeTick) {
	f.handlerMu.RLock()
	handlers := f.tradeHandlers
	f.handlerMu.RUnlock()

	for _, h := range handlers {
		if err := h(tick); err != nil {
			f.logger.Error("trade handler failed", "symbol", tick.Symbol, "error", err)
		}
	}
}

// normalizeBook splits a raw depth frame into per-symbol updates with bids
// sorted descending, asks ascending, zero-quantity levels dropped, and at
// most bookDepth levels per side.
func normalizeBook(content types.WSOrderBookContent) []types.OrderBookUpdate {
	bySymbol := make(map[string]*types.OrderBookUpdate)
	order := make([]string, 0, 1)

	for _, item := range content.List {
		price := parseFloat(item.Price)
		qty := parseFloat(item.Quantity)
		if price <= 0 || qty <= 0 {
			continue
		}
		symbol := strings.TrimSuffix(item.Symbol, "_"+paymentCurrency)
		upd, ok := bySymbol[symbol]
		if !ok {
			upd = &types.OrderBookUpdate{Symbol: symbol, Timestamp: time.Now()}
			bySymbol[symbol] = upd
			order = append(order, symbol)
		}
		level := types.OrderBookLevel{Price: price, Quantity: qty}
		switch item.OrderType {
		case "bid":
			upd.Bids = append(upd.Bids, level)
		case "ask":
			upd.Asks = append(upd.Asks, level)
		}
	}

	updates := make([]types.OrderBookUpdate, 0, len(order))
	for _, symbol := range order {
		upd := bySymbol[symbol]
		sort.Slice(upd.Bids, func(i, j int) bool { return upd.Bids[i].Price > upd.Bids[j].Price })
		sort.Slice(upd.Asks, func(i, j int) bool { return upd.Asks[i].Price < upd.Asks[j].Price })
		if len(upd.Bids) > bookDepth {
			upd.Bids = upd.Bids[:bookDepth]
		}
		if len(upd.Asks) > bookDepth {
			upd.Asks = upd.Asks[:bookDepth]
		}
		updates = append(updates, *upd)
	}
	return updates
}

// parseTransaction converts one raw transaction item into a TradeTick.
// buySellGb "2" marks taker buys, "1" taker sells.
func parseTransaction(item types.WSTransactionItem) types.TradeTick {
	side := types.SELL
	if item.BuySellGb == "2" {
		side = types.BUY
	}
	ts, err := time.ParseInLocation(contDtmLayout, item.ContDtm, kst)
	if err != nil {
		ts = time.Now()
	}
	return types.TradeTick{
		Symbol:    strings.TrimSuffix(item.Symbol, "_"+paymentCurrency),
		Price:     parseFloat(item.ContPrice),
		Quantity:  parseFloat(item.ContQty),
		Side:      side,
		Timestamp: ts,
	}
}

func (f *WSFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *WSFeed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *WSFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
