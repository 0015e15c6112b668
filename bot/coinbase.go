package bot

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/xyths/ganymede/event"
	"github.com/xyths/ganymede/strategy"
	"go.uber.org/zap"
)

type Coinbase struct {
	Sugar *zap.SugaredLogger

	emit       func(level, msg string)
	paper      bool
	key        string
	secret     string
	passphrase string
	wsURL      string
	restURL    string
	client     *http.Client
	now        func() time.Time

	feed *wsFeed
}

// CoinbaseProduct maps BTCUSDT style symbols to Coinbase product ids.
func CoinbaseProduct(symbol string) string {
	return strings.Replace(strings.ToUpper(symbol), "USDT", "-USD", 1)
}

type coinbaseTicker struct {
	Type  string `json:"type"`
	Price string `json:"price"`
}

func (c *Coinbase) Connect(ctx context.Context, symbol string) error {
	c.emit(event.Info, "Coinbase Connector Initializing...")
	if !c.paper && (c.key == "" || c.secret == "" || c.passphrase == "") {
		return errors.Wrap(ErrMissingKeys, "API Key, Secret, or Passphrase is missing for Coinbase")
	}
	product := CoinbaseProduct(symbol)
	c.emit(event.Info, "Connecting to Coinbase WebSocket: "+c.wsURL)
	c.feed = &wsFeed{
		Sugar: c.Sugar,
		name:  "Coinbase",
		url:   c.wsURL,
		emit:  c.emit,
		subscribe: func(conn *websocket.Conn) error {
			msg := map[string]interface{}{
				"type":        "subscribe",
				"product_ids": []string{product},
				"channels":    []string{"ticker"},
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			return conn.WriteJSON(msg)
		},
		parse: parseCoinbaseTicker,
	}
	if err := c.feed.start(ctx); err != nil {
		return err
	}
	c.emit(event.Info, fmt.Sprintf("Subscribed to Coinbase ticker for %s", product))
	return nil
}

// parseCoinbaseTicker ignores heartbeats and other non-ticker messages.
func parseCoinbaseTicker(msg []byte) (float64, bool) {
	var t coinbaseTicker
	if err := json.Unmarshal(msg, &t); err != nil || t.Type != "ticker" {
		return 0, false
	}
	p, err := strconv.ParseFloat(t.Price, 64)
	return p, err == nil
}

func (c *Coinbase) Price(ctx context.Context) (float64, error) {
	if c.feed == nil {
		return 0, ErrPriceUnavailable
	}
	return c.feed.price()
}

func (c *Coinbase) PlaceOrder(ctx context.Context, o Order) error {
	if c.paper {
		paperTrade(c.emit, o)
		return nil
	}
	if c.key == "" || c.secret == "" || c.passphrase == "" {
		err := errors.Wrap(ErrMissingKeys, "cannot place real order: Coinbase API Key, Secret, or Passphrase is missing")
		c.emit(event.Error, err.Error())
		return err
	}
	if o.Side == strategy.Sell {
		c.emit(event.Warning, "Coinbase market SELL orders are sized in base currency; using the minimum size 0.001.")
	}
	c.emit(event.Info, fmt.Sprintf("[REAL TRADE] Submitting Coinbase %s market order for %s...", o.Side, CoinbaseProduct(o.Symbol)))
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), orderTimeout)
		defer cancel()
		body, err := c.submit(ctx, o)
		if err != nil {
			c.emit(event.Error, fmt.Sprintf("Coinbase API Error: %s", err))
			return
		}
		c.emit(event.Success, fmt.Sprintf("Coinbase order successful: %s", body))
	}()
	return nil
}

func (c *Coinbase) submit(ctx context.Context, o Order) (string, error) {
	order := map[string]string{
		"product_id": CoinbaseProduct(o.Symbol),
		"side":       "buy",
		"type":       "market",
		"funds":      o.Quote.StringFixed(2),
	}
	if o.Side == strategy.Sell {
		order["side"] = "sell"
		delete(order, "funds")
		order["size"] = "0.001"
	}
	body, err := json.Marshal(order)
	if err != nil {
		return "", err
	}

	now := time.Now
	if c.now != nil {
		now = c.now
	}
	timestamp := strconv.FormatInt(now().Unix(), 10)
	const path = "/orders"
	signature, err := signCoinbase(c.secret, timestamp, http.MethodPost, path, string(body))
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.restURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "build order request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("CB-ACCESS-KEY", c.key)
	req.Header.Set("CB-ACCESS-SIGN", signature)
	req.Header.Set("CB-ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("CB-ACCESS-PASSPHRASE", c.passphrase)
	return doOrder(c.client, req)
}

// signCoinbase is the base64 HMAC-SHA256 of timestamp+method+path+body keyed
// with the base64 decoded secret.
func signCoinbase(secret, timestamp, method, path, body string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", errors.Wrap(err, "decode Coinbase API secret")
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(timestamp + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

func (c *Coinbase) Close() error {
	if c.feed != nil {
		c.feed.close()
	}
	return nil
}
