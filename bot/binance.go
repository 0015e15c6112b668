package bot

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/xyths/ganymede/event"
	"github.com/xyths/ganymede/strategy"
	"go.uber.org/zap"
)

type Binance struct {
	Sugar *zap.SugaredLogger

	emit    func(level, msg string)
	paper   bool
	key     string
	secret  string
	wsURL   string
	restURL string
	client  *http.Client
	now     func() time.Time

	feed *wsFeed
}

type binanceTrade struct {
	Price string `json:"p"`
}

func (b *Binance) Connect(ctx context.Context, symbol string) error {
	b.emit(event.Info, "Binance Connector Initializing...")
	url := fmt.Sprintf("%s/%s@trade", strings.TrimRight(b.wsURL, "/"), strings.ToLower(symbol))
	b.emit(event.Info, "Connecting to Binance WebSocket: "+url)
	b.feed = &wsFeed{
		Sugar: b.Sugar,
		name:  "Binance",
		url:   url,
		emit:  b.emit,
		parse: parseBinanceTrade,
	}
	return b.feed.start(ctx)
}

func parseBinanceTrade(msg []byte) (float64, bool) {
	var t binanceTrade
	if err := json.Unmarshal(msg, &t); err != nil || t.Price == "" {
		return 0, false
	}
	p, err := strconv.ParseFloat(t.Price, 64)
	return p, err == nil
}

func (b *Binance) Price(ctx context.Context) (float64, error) {
	if b.feed == nil {
		return 0, ErrPriceUnavailable
	}
	return b.feed.price()
}

// PlaceOrder logs paper trades; live orders are submitted in the background
// and their outcome reported through the emitter.
func (b *Binance) PlaceOrder(ctx context.Context, o Order) error {
	if b.paper {
		paperTrade(b.emit, o)
		return nil
	}
	if b.key == "" || b.secret == "" {
		err := errors.Wrap(ErrMissingKeys, "cannot place real order: Binance API Key or Secret is missing")
		b.emit(event.Error, err.Error())
		return err
	}
	b.emit(event.Info, fmt.Sprintf("[REAL TRADE] Submitting %s market order for %s of $%s...", o.Side, o.Symbol, o.Quote.StringFixed(2)))
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), orderTimeout)
		defer cancel()
		body, err := b.submit(ctx, o)
		if err != nil {
			b.emit(event.Error, fmt.Sprintf("Binance API Error: %s", err))
			return
		}
		b.emit(event.Success, fmt.Sprintf("Binance order successful: %s", body))
	}()
	return nil
}

func (b *Binance) submit(ctx context.Context, o Order) (string, error) {
	side := "BUY"
	if o.Side == strategy.Sell {
		side = "SELL"
	}
	now := time.Now
	if b.now != nil {
		now = b.now
	}
	query := fmt.Sprintf("symbol=%s&side=%s&type=MARKET&quoteOrderQty=%s&timestamp=%d",
		o.Symbol, side, o.Quote.StringFixed(2), now().UnixMilli())
	url := fmt.Sprintf("%s/api/v3/order?%s&signature=%s", strings.TrimRight(b.restURL, "/"), query, signBinance(b.secret, query))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", errors.Wrap(err, "build order request")
	}
	req.Header.Set("X-MBX-APIKEY", b.key)
	return doOrder(b.client, req)
}

// signBinance is the hex HMAC-SHA256 of the query string.
func signBinance(secret, query string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func doOrder(client *http.Client, req *http.Request) (string, error) {
	resp, err := client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "network error during trade execution")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", errors.Wrap(err, "read order response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return strings.TrimSpace(string(body)), nil
}

func (b *Binance) Close() error {
	if b.feed != nil {
		b.emit(event.Info, "Closing Binance WebSocket connection.")
		b.feed.close()
	}
	return nil
}
