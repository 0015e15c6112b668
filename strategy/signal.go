package strategy

import "fmt"

type Signal int

const (
	Hold Signal = 0
	Buy  Signal = 1
	Sell Signal = 2
)

func (s Signal) String() string {
	switch s {
	case Hold:
		return "HOLD"
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return fmt.Sprintf("Signal(%d)", int(s))
	}
}

// Valid reports whether s is one of Hold, Buy, Sell.
func (s Signal) Valid() bool {
	return s == Hold || s == Buy || s == Sell
}

// Decision is the result of one evaluation: the signal plus the indicator
// values computed on the way, keyed by channel name.
type Decision struct {
	Signal     Signal
	Indicators map[string]float64
}

// Indicator channel names.
const (
	SMAShort       = "sma_short"
	SMALong        = "sma_long"
	BollingerUpper = "bollinger_upper"
	BollingerLower = "bollinger_lower"
	RSIChannel     = "rsi"
	StochChannel   = "stochastic"
	SuperTrendLine = "supertrend"
)

// Channels lists every indicator channel a built-in strategy may emit.
func Channels() []string {
	return []string{SMAShort, SMALong, BollingerUpper, BollingerLower, RSIChannel, StochChannel, SuperTrendLine}
}
