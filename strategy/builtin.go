package strategy

import (
	"fmt"
	"sort"

	"github.com/xyths/ganymede/ta"
)

const (
	SMACrossoverID = "sma_crossover"
	RSIBasicID     = "rsi_basic"
	StochasticID   = "stochastic"
	BollingerID    = "bollinger"
	SuperTrendID   = "supertrend"

	// UserModID is the strategy registered by a compiled user module.
	UserModID = "user_mod"
)

// Evaluator turns a price window into a Decision. Evaluators may remember the
// previous evaluation, so one instance serves one running bot.
type Evaluator interface {
	Evaluate(params map[string]float64, prices []float64) Decision
	Reset()
}

var catalog = map[string]func() Evaluator{
	SMACrossoverID: func() Evaluator { return &SMACrossover{} },
	RSIBasicID:     func() Evaluator { return &RSIBasic{} },
	StochasticID:   func() Evaluator { return &Stochastic{} },
	BollingerID:    func() Evaluator { return &Bollinger{} },
	SuperTrendID:   func() Evaluator { return &SuperTrend{} },
}

// New returns a fresh evaluator for a built-in strategy.
func New(id string) (Evaluator, error) {
	f, ok := catalog[id]
	if !ok {
		return nil, fmt.Errorf("strategy %q not found", id)
	}
	return f(), nil
}

// Names lists the built-in strategies.
func Names() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SMACrossover buys when the short SMA crosses above the long one and sells
// on the opposite cross.
type SMACrossover struct {
	lastShort float64
	lastLong  float64
}

func (s *SMACrossover) Evaluate(params map[string]float64, prices []float64) Decision {
	p := WithDefaults(SMACrossoverID, params)
	sp := p.Int("sma_short_period", 10)
	lp := p.Int("sma_long_period", 25)

	d := Decision{Indicators: map[string]float64{}}
	if len(prices) >= sp {
		d.Indicators[SMAShort] = ta.SMA(prices, sp)
	}
	if len(prices) < lp {
		return d
	}
	cs := ta.SMA(prices, sp)
	cl := ta.SMA(prices, lp)
	d.Indicators[SMALong] = cl

	if cs > cl && s.lastShort <= s.lastLong {
		d.Signal = Buy
	}
	if cs < cl && s.lastShort >= s.lastLong {
		d.Signal = Sell
	}
	s.lastShort, s.lastLong = cs, cl
	return d
}

func (s *SMACrossover) Reset() {
	s.lastShort, s.lastLong = 0, 0
}

// RSIBasic fires when the RSI enters the oversold or overbought zone.
type RSIBasic struct {
	lastRSI float64
}

func (s *RSIBasic) Evaluate(params map[string]float64, prices []float64) Decision {
	p := WithDefaults(RSIBasicID, params)
	period := p.Int("rsi_period", 14)
	overbought := p.Get("rsi_overbought", 70)
	oversold := p.Get("rsi_oversold", 30)

	d := Decision{Indicators: map[string]float64{}}
	if len(prices) < period+1 {
		return d
	}
	cr := ta.RSI(prices, period)
	d.Indicators[RSIChannel] = cr
	if cr < oversold && s.lastRSI >= oversold {
		d.Signal = Buy
	}
	if cr > overbought && s.lastRSI <= overbought {
		d.Signal = Sell
	}
	s.lastRSI = cr
	return d
}

func (s *RSIBasic) Reset() {
	s.lastRSI = 0
}

type Stochastic struct{}

func (Stochastic) Evaluate(params map[string]float64, prices []float64) Decision {
	p := WithDefaults(StochasticID, params)
	period := p.Int("period", 14)
	overbought := p.Get("overbought", 80)
	oversold := p.Get("oversold", 20)

	d := Decision{Indicators: map[string]float64{}}
	if len(prices) < period {
		return d
	}
	k := ta.Stochastic(prices, period)
	d.Indicators[StochChannel] = k
	if k < oversold {
		d.Signal = Buy
	}
	if k > overbought {
		d.Signal = Sell
	}
	return d
}

func (Stochastic) Reset() {}

// Bollinger buys at the lower band and sells at the upper band.
type Bollinger struct{}

func (Bollinger) Evaluate(params map[string]float64, prices []float64) Decision {
	p := WithDefaults(BollingerID, params)
	period := p.Int("period", 20)
	dev := p.Get("std_dev", 2)

	d := Decision{Indicators: map[string]float64{}}
	if len(prices) < period {
		return d
	}
	upper, _, lower := ta.Bollinger(prices, period, dev)
	d.Indicators[BollingerUpper] = upper
	d.Indicators[BollingerLower] = lower

	cp := prices[len(prices)-1]
	if cp <= lower {
		d.Signal = Buy
	}
	if cp >= upper {
		d.Signal = Sell
	}
	return d
}

func (Bollinger) Reset() {}

// SuperTrend follows the trend flips of the SuperTrend trailing stop.
type SuperTrend struct{}

func (SuperTrend) Evaluate(params map[string]float64, prices []float64) Decision {
	p := WithDefaults(SuperTrendID, params)
	factor := p.Get("factor", 3)
	period := p.Int("period", 7)

	d := Decision{Indicators: map[string]float64{}}
	tsl, trend := ta.SuperTrend(prices, factor, period)
	l := len(trend)
	if l < 2 || len(tsl) != l {
		return d
	}
	d.Indicators[SuperTrendLine] = tsl[l-1]
	if trend[l-1] && !trend[l-2] {
		d.Signal = Buy
	} else if !trend[l-1] && trend[l-2] {
		d.Signal = Sell
	}
	return d
}

func (SuperTrend) Reset() {}
