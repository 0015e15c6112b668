package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xyths/ganymede/config"
	"github.com/xyths/ganymede/event"
	"github.com/xyths/ganymede/strategy"
	"go.uber.org/zap"
)

var (
	ErrPriceUnavailable = errors.New("price not available yet")
	ErrMissingKeys      = errors.New("api credentials missing")
)

// Order is a market order sized in quote currency.
type Order struct {
	Symbol string
	Side   strategy.Signal
	Price  float64
	Quote  decimal.Decimal
}

// Connector is a price source plus an order sink for one symbol.
type Connector interface {
	Connect(ctx context.Context, symbol string) error
	Price(ctx context.Context) (float64, error)
	PlaceOrder(ctx context.Context, o Order) error
	Close() error
}

// Endpoints of the live venues. Zero values use the public production URLs.
type Endpoints struct {
	BinanceWS    string
	BinanceREST  string
	CoinbaseWS   string
	CoinbaseREST string
}

const (
	DefaultBinanceWS    = "wss://stream.binance.com:9443/ws"
	DefaultBinanceREST  = "https://api.binance.com"
	DefaultCoinbaseWS   = "wss://ws-feed.pro.coinbase.com"
	DefaultCoinbaseREST = "https://api.pro.coinbase.com"

	connectTimeout = 10 * time.Second
	orderTimeout   = 15 * time.Second
)

func (e Endpoints) withDefaults() Endpoints {
	if e.BinanceWS == "" {
		e.BinanceWS = DefaultBinanceWS
	}
	if e.BinanceREST == "" {
		e.BinanceREST = DefaultBinanceREST
	}
	if e.CoinbaseWS == "" {
		e.CoinbaseWS = DefaultCoinbaseWS
	}
	if e.CoinbaseREST == "" {
		e.CoinbaseREST = DefaultCoinbaseREST
	}
	return e
}

// Factory builds the connector named by the record.
type Factory func(rec config.Record, emit func(level, msg string)) (Connector, error)

// NewFactory returns the default connector factory.
func NewFactory(logger *zap.SugaredLogger, endpoints Endpoints, client *http.Client) Factory {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	endpoints = endpoints.withDefaults()
	if client == nil {
		client = &http.Client{Timeout: orderTimeout}
	}
	return func(rec config.Record, emit func(level, msg string)) (Connector, error) {
		switch rec.Connector {
		case "simulation":
			return NewSimulation(emit, nil), nil
		case "binance":
			return &Binance{
				Sugar:   logger,
				emit:    emit,
				paper:   rec.PaperTrading,
				key:     rec.ConnectorParams["apiKey"],
				secret:  rec.ConnectorParams["apiSecret"],
				wsURL:   endpoints.BinanceWS,
				restURL: endpoints.BinanceREST,
				client:  client,
			}, nil
		case "coinbase":
			return &Coinbase{
				Sugar:      logger,
				emit:       emit,
				paper:      rec.PaperTrading,
				key:        rec.ConnectorParams["apiKey"],
				secret:     rec.ConnectorParams["apiSecret"],
				passphrase: rec.ConnectorParams["secretPhrase"],
				wsURL:      endpoints.CoinbaseWS,
				restURL:    endpoints.CoinbaseREST,
				client:     client,
			}, nil
		default:
			return nil, fmt.Errorf("unknown connector type: %s", rec.Connector)
		}
	}
}

// QuoteAmount is the quote currency spent per order at a risk level.
func QuoteAmount(risk string) decimal.Decimal {
	switch risk {
	case config.RiskConservative:
		return decimal.NewFromInt(10)
	case config.RiskAggressive:
		return decimal.NewFromInt(50)
	default:
		return decimal.NewFromInt(20)
	}
}

func paperTrade(emit func(level, msg string), o Order) {
	emit(event.Success, fmt.Sprintf("[PAPER TRADE] Placed %s order for %s at $%.2f", o.Side, o.Symbol, o.Price))
}
