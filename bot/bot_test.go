package bot

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/xyths/ganymede/config"
	"github.com/xyths/ganymede/event"
	"github.com/xyths/ganymede/strategy"
	"go.uber.org/zap"
)

func nopEmit(string, string) {}

func TestAccount(t *testing.T) {
	a := NewAccount(10000)
	a.Record(strategy.Buy, 100, decimal.NewFromInt(20))
	a.Record(strategy.Buy, 105, decimal.NewFromInt(20))
	require.Equal(t, 1, a.Trades(), "repeated signal is not a new trade")

	a.Record(strategy.Sell, 110, decimal.NewFromInt(20))
	require.Equal(t, 2, a.Trades())
	require.InDelta(t, 2.0, a.ProfitLoss(), 1e-9)
	require.InDelta(t, 50.0, a.WinRate(), 1e-9)

	a.Record(strategy.Buy, 100, decimal.NewFromInt(20))
	a.Record(strategy.Sell, 90, decimal.NewFromInt(20))
	require.Equal(t, 4, a.Trades())
	require.InDelta(t, 0.0, a.ProfitLoss(), 1e-9)
	require.InDelta(t, 25.0, a.WinRate(), 1e-9)

	a.Record(strategy.Hold, 90, decimal.NewFromInt(20))
	require.Equal(t, 4, a.Trades())
}

func TestQuoteAmount(t *testing.T) {
	require.Equal(t, "10", QuoteAmount(config.RiskConservative).String())
	require.Equal(t, "20", QuoteAmount(config.RiskModerate).String())
	require.Equal(t, "20", QuoteAmount("").String())
	require.Equal(t, "50", QuoteAmount(config.RiskAggressive).String())
}

func TestSimulation(t *testing.T) {
	s := NewSimulation(nopEmit, rand.New(rand.NewSource(1)))
	_, err := s.Price(context.Background())
	require.ErrorIs(t, err, ErrPriceUnavailable)

	require.NoError(t, s.Connect(context.Background(), "BTCUSDT"))
	for i := 0; i < 1000; i++ {
		p, err := s.Price(context.Background())
		require.NoError(t, err)
		require.GreaterOrEqual(t, p, simMinPrice)
		require.LessOrEqual(t, p, simMaxPrice)
	}
}

func TestSignBinance(t *testing.T) {
	secret := "NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j"
	query := "symbol=LTCBTC&side=BUY&type=LIMIT&timeInForce=GTC&quantity=1&price=0.1&recvWindow=5000&timestamp=1499827319559"
	require.Equal(t, "c8db56825ae71d6d79447849e617115f4a920fa2acdcab2b053c4b2838bd6b71", signBinance(secret, query))
}

func TestSignCoinbase(t *testing.T) {
	secret := base64.StdEncoding.EncodeToString([]byte("coinbase-secret"))
	got, err := signCoinbase(secret, "1700000000", "POST", "/orders", `{"side":"buy"}`)
	require.NoError(t, err)

	mac := hmac.New(sha256.New, []byte("coinbase-secret"))
	mac.Write([]byte(`1700000000POST/orders{"side":"buy"}`))
	require.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), got)

	_, err = signCoinbase("not base64!", "1", "POST", "/orders", "")
	require.Error(t, err)
}

func TestParsers(t *testing.T) {
	p, ok := parseBinanceTrade([]byte(`{"e":"trade","p":"43210.50","q":"0.1"}`))
	require.True(t, ok)
	require.Equal(t, 43210.5, p)
	_, ok = parseBinanceTrade([]byte(`{"result":null,"id":1}`))
	require.False(t, ok)

	p, ok = parseCoinbaseTicker([]byte(`{"type":"ticker","price":"101.25"}`))
	require.True(t, ok)
	require.Equal(t, 101.25, p)
	_, ok = parseCoinbaseTicker([]byte(`{"type":"heartbeat"}`))
	require.False(t, ok)
	_, ok = parseCoinbaseTicker([]byte(`garbage`))
	require.False(t, ok)

	require.Equal(t, "BTC-USD", CoinbaseProduct("btcusdt"))
	require.Equal(t, "ETH-USD", CoinbaseProduct("ETHUSDT"))
}

var upgrader = websocket.Upgrader{}

func TestBinanceFeed(t *testing.T) {
	paths := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case paths <- r.URL.Path:
		default:
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"p":"123.45"}`))
		// hold the connection until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	b := &Binance{
		Sugar: zap.NewNop().Sugar(),
		emit:  nopEmit,
		paper: true,
		wsURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
	require.NoError(t, b.Connect(context.Background(), "BTCUSDT"))
	defer b.Close()

	require.Eventually(t, func() bool {
		p, err := b.Price(context.Background())
		return err == nil && p == 123.45
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "/ws/btcusdt@trade", <-paths)
}

func TestCoinbaseConnectRequiresKeysWhenLive(t *testing.T) {
	c := &Coinbase{Sugar: zap.NewNop().Sugar(), emit: nopEmit}
	err := c.Connect(context.Background(), "BTCUSDT")
	require.ErrorIs(t, err, ErrMissingKeys)
}

func TestBinanceSubmit(t *testing.T) {
	query := "symbol=BTCUSDT&side=SELL&type=MARKET&quoteOrderQty=50.00&timestamp=1700000000000"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/order" || r.Header.Get("X-MBX-APIKEY") != "key" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.URL.RawQuery != query+"&signature="+signBinance("secret", query) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"code":-1022,"msg":"Signature for this request is not valid."}`)
			return
		}
		_, _ = io.WriteString(w, `{"orderId":1}`)
	}))
	defer srv.Close()

	b := &Binance{
		key:     "key",
		secret:  "secret",
		restURL: srv.URL,
		client:  srv.Client(),
		now:     func() time.Time { return time.UnixMilli(1700000000000) },
	}
	order := Order{Symbol: "BTCUSDT", Side: strategy.Sell, Quote: decimal.NewFromInt(50)}
	body, err := b.submit(context.Background(), order)
	require.NoError(t, err)
	require.Equal(t, `{"orderId":1}`, body)

	b.secret = "other"
	_, err = b.submit(context.Background(), order)
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 401")
}

func TestCoinbaseSubmit(t *testing.T) {
	secret := base64.StdEncoding.EncodeToString([]byte("s"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var order map[string]string
		_ = json.Unmarshal(body, &order)
		if order["product_id"] != "BTC-USD" || r.Header.Get("CB-ACCESS-PASSPHRASE") != "pp" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		want, _ := signCoinbase(secret, r.Header.Get("CB-ACCESS-TIMESTAMP"), "POST", "/orders", string(body))
		if want != r.Header.Get("CB-ACCESS-SIGN") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"id":"abc"}`)
	}))
	defer srv.Close()

	c := &Coinbase{key: "k", secret: secret, passphrase: "pp", restURL: srv.URL, client: srv.Client()}
	body, err := c.submit(context.Background(), Order{Symbol: "BTCUSDT", Side: strategy.Buy, Quote: decimal.NewFromInt(20)})
	require.NoError(t, err)
	require.Equal(t, `{"id":"abc"}`, body)

	c.passphrase = "wrong"
	_, err = c.submit(context.Background(), Order{Symbol: "BTCUSDT", Side: strategy.Buy, Quote: decimal.NewFromInt(20)})
	require.Error(t, err)
	require.Contains(t, err.Error(), "400")
}

// scripted replays prices and records orders.
type scripted struct {
	mu     sync.Mutex
	prices []float64
	i      int
	orders []Order
	closed bool
}

func (s *scripted) Connect(context.Context, string) error { return nil }

func (s *scripted) Price(context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.prices) == 0 {
		return 0, ErrPriceUnavailable
	}
	p := s.prices[s.i%len(s.prices)]
	s.i++
	return p, nil
}

func (s *scripted) PlaceOrder(_ context.Context, o Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, o)
	return nil
}

func (s *scripted) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) Publish(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(kind event.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type everyThird struct {
	mu    sync.Mutex
	calls int
	seen  []int
}

func (e *everyThird) Evaluate(id string, params map[string]float64, prices []float64) (strategy.Decision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.seen = append(e.seen, len(prices))
	if id != "test" {
		return strategy.Decision{}, errors.New("unknown strategy")
	}
	d := strategy.Decision{Indicators: map[string]float64{"rsi": 50}}
	if e.calls%3 == 0 {
		d.Signal = strategy.Buy
	}
	return d, nil
}

func TestRuntime_TickLoop(t *testing.T) {
	conn := &scripted{prices: []float64{100, 101, 102, 103}}
	rec := &recorder{}
	eval := &everyThird{}
	factory := func(config.Record, func(string, string)) (Connector, error) { return conn, nil }
	r := NewRuntime(zap.NewNop().Sugar(), eval, rec, factory, Options{Window: 5, TickUnit: 5 * time.Millisecond})

	cfg := config.Default()
	cfg.Strategy = "test"
	cfg.TickIntervalSeconds = 1
	require.NoError(t, r.Start(context.Background(), cfg))
	require.True(t, r.Running())
	require.ErrorIs(t, r.Start(context.Background(), cfg), ErrAlreadyRunning)

	require.Eventually(t, func() bool {
		return rec.count(event.KindTradeSignal) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, r.Stop())
	require.False(t, r.Running())
	require.ErrorIs(t, r.Stop(), ErrNotRunning)
	require.True(t, conn.closed)

	n := rec.len()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, n, rec.len(), "no events after stop")

	require.GreaterOrEqual(t, rec.count(event.KindPriceTick), 6)
	require.GreaterOrEqual(t, rec.count(event.KindIndicators), 6)
	require.GreaterOrEqual(t, rec.count(event.KindStatus), 2)

	eval.mu.Lock()
	for _, l := range eval.seen {
		require.LessOrEqual(t, l, 5, "window is bounded")
	}
	eval.mu.Unlock()

	conn.mu.Lock()
	require.NotEmpty(t, conn.orders)
	require.Equal(t, strategy.Buy, conn.orders[0].Side)
	require.Equal(t, "20", conn.orders[0].Quote.String())
	conn.mu.Unlock()

	st := r.Stats()
	require.False(t, st.Running)
	require.Equal(t, uint64(1), st.Run)
	require.Equal(t, "BUY", st.LastSignal)
	require.GreaterOrEqual(t, st.Trades, 1)
}

func TestRuntime_PriceAlert(t *testing.T) {
	conn := &scripted{prices: []float64{100, 106}}
	var mu sync.Mutex
	var alerts []string
	sink := event.SinkFunc(func(e event.Event) {
		if e.Kind == event.KindLog && strings.HasPrefix(e.Message, "PRICE ALERT") {
			mu.Lock()
			alerts = append(alerts, e.Message)
			mu.Unlock()
		}
	})
	factory := func(config.Record, func(string, string)) (Connector, error) { return conn, nil }
	r := NewRuntime(nil, &everyThird{}, sink, factory, Options{TickUnit: 5 * time.Millisecond})
	cfg := config.Default()
	cfg.TickIntervalSeconds = 1
	require.NoError(t, r.Start(context.Background(), cfg))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(alerts) > 0
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, r.Stop())

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, alerts[0], "UP by 6.00%")
}

func TestRuntime_ConnectorFailure(t *testing.T) {
	factory := NewFactory(nil, Endpoints{}, nil)
	r := NewRuntime(nil, &everyThird{}, &recorder{}, factory, Options{})
	cfg := config.Default()
	cfg.Connector = "kraken"
	require.Error(t, r.Start(context.Background(), cfg))
	require.False(t, r.Running())
}
