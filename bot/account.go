package bot

import (
	"sync"

	"github.com/shopspring/decimal"
	"github.com/xyths/ganymede/strategy"
)

// Account tracks the paper position opened by signals and the realized P&L.
// A trade is counted whenever the signal differs from the last one; a
// winning trade is a SELL that closes a position above its entry.
type Account struct {
	mu sync.Mutex

	initial      decimal.Decimal
	equity       decimal.Decimal
	position     decimal.Decimal
	entry        decimal.Decimal
	lastPosition strategy.Signal
	trades       int
	wins         int
}

func NewAccount(initial float64) *Account {
	e := decimal.NewFromFloat(initial)
	return &Account{initial: e, equity: e}
}

// Record applies a non-hold signal at price, spending quote on buys.
func (a *Account) Record(signal strategy.Signal, price float64, quote decimal.Decimal) {
	if signal == strategy.Hold || price <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	p := decimal.NewFromFloat(price)
	if signal != a.lastPosition {
		a.trades++
	}
	a.lastPosition = signal

	switch signal {
	case strategy.Buy:
		if a.position.IsZero() {
			a.position = quote.DivRound(p, 8)
			a.entry = p
		}
	case strategy.Sell:
		if a.position.IsPositive() {
			pnl := a.position.Mul(p.Sub(a.entry))
			a.equity = a.equity.Add(pnl)
			if pnl.IsPositive() {
				a.wins++
			}
			a.position = decimal.Zero
			a.entry = decimal.Zero
		}
	}
}

func (a *Account) Trades() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.trades
}

// WinRate in percent of counted trades.
func (a *Account) WinRate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.trades == 0 {
		return 0
	}
	return float64(a.wins) / float64(a.trades) * 100
}

// ProfitLoss is realized equity minus the initial equity.
func (a *Account) ProfitLoss() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, _ := a.equity.Sub(a.initial).Float64()
	return f
}

func (a *Account) Equity() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.equity
}
