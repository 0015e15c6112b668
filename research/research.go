// Package research replays historical bars through a strategy module.
package research

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xyths/ganymede/strategy"
	"go.uber.org/zap"
)

var ErrNoBars = errors.New("no bars in range")

// Evaluator is the module side of a backtest. *module.Host implements it.
type Evaluator interface {
	Evaluate(strategyID string, params map[string]float64, prices []float64) (strategy.Decision, error)
}

type Trade struct {
	Time   time.Time
	Side   strategy.Signal
	Price  decimal.Decimal
	Amount decimal.Decimal
	Cash   decimal.Decimal
	Coin   decimal.Decimal
}

type Result struct {
	Strategy string
	Initial  float64
	Final    float64
	Rate     float64
	Annual   float64
	Trades   []Trade
}

// Backtest goes all in on BUY and all out on SELL.
type Backtest struct {
	Sugar *zap.SugaredLogger
	// Window is the number of closes handed to the strategy.
	Window int

	evaluator Evaluator
}

func NewBacktest(logger *zap.SugaredLogger, evaluator Evaluator, window int) *Backtest {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Backtest{Sugar: logger, Window: window, evaluator: evaluator}
}

// Run evaluates every bar so stateful strategies warm up, and trades only
// on bars within [start, end]. Zero bounds mean the whole input.
func (b *Backtest) Run(bars []Bar, strategyID string, params map[string]float64, start, end time.Time, initial float64) (Result, error) {
	res := Result{Strategy: strategyID, Initial: initial}
	if start.IsZero() && len(bars) > 0 {
		start = bars[0].Time
	}
	if end.IsZero() && len(bars) > 0 {
		end = bars[len(bars)-1].Time
	}

	cash := decimal.NewFromFloat(initial)
	coin := decimal.Zero
	var last decimal.Decimal
	inRange := 0
	closes := make([]float64, 0, len(bars))
	for _, bar := range bars {
		closes = append(closes, bar.Close)
		window := closes
		if b.Window > 0 && len(window) > b.Window {
			window = window[len(window)-b.Window:]
		}
		d, err := b.evaluator.Evaluate(strategyID, params, window)
		if err != nil {
			return res, err
		}
		if bar.Time.Before(start) || bar.Time.After(end) {
			continue
		}
		inRange++
		price := decimal.NewFromFloat(bar.Close)
		last = price
		switch {
		case d.Signal == strategy.Buy && cash.IsPositive():
			amount := cash.Div(price)
			coin = coin.Add(amount)
			cash = decimal.Zero
			res.Trades = append(res.Trades, Trade{Time: bar.Time, Side: strategy.Buy, Price: price, Amount: amount, Cash: cash, Coin: coin})
			b.Sugar.Infow("[Signal] Buy", "time", bar.Time, "price", bar.Close, "amount", amount, "cash", cash, "coin", coin)
		case d.Signal == strategy.Sell && coin.IsPositive():
			amount := coin
			cash = cash.Add(coin.Mul(price))
			coin = decimal.Zero
			res.Trades = append(res.Trades, Trade{Time: bar.Time, Side: strategy.Sell, Price: price, Amount: amount, Cash: cash, Coin: coin})
			b.Sugar.Infow("[Signal] Sell", "time", bar.Time, "price", bar.Close, "amount", amount, "cash", cash, "coin", coin)
		}
	}
	if inRange == 0 {
		return res, ErrNoBars
	}

	res.Final, _ = cash.Add(coin.Mul(last)).Float64()
	if initial > 0 {
		res.Rate = (res.Final - initial) / initial
	}
	if hours := end.Sub(start).Hours(); hours > 0 {
		res.Annual = res.Rate * (24 * 365 / hours)
	}
	b.Sugar.Infof("Strategy: %s, Initial: %f, Final: %f, Trades: %d, Rate: %.4f / %.4f",
		strategyID, initial, res.Final, len(res.Trades), res.Rate, res.Annual)
	return res, nil
}
