// Package ta evaluates indicators over a rolling price window and returns the
// value for the latest sample.
package ta

import (
	"github.com/markcheno/go-talib"
	indicator "github.com/xyths/go-indicators"
)

// Neutral is returned by the oscillators when there is not enough data.
const Neutral = 50.0

func last(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return xs[len(xs)-1]
}

// SMA of the last period prices, 0 when the window is short.
func SMA(prices []float64, period int) float64 {
	if period < 1 || len(prices) < period {
		return 0
	}
	return last(talib.Sma(prices, period))
}

// RSI uses Wilder smoothing over the whole window.
func RSI(prices []float64, period int) float64 {
	if period < 2 || len(prices) < period+1 {
		return Neutral
	}
	return last(talib.Rsi(prices, period))
}

// Stochastic is the %K of the last close inside the period high/low range.
func Stochastic(prices []float64, period int) float64 {
	if period < 1 || len(prices) < period {
		return Neutral
	}
	high := last(talib.Max(prices, period))
	low := last(talib.Min(prices, period))
	if high == low {
		return Neutral
	}
	return (last(prices) - low) / (high - low) * 100
}

// Bollinger returns the bands of a simple moving average with population
// standard deviation.
func Bollinger(prices []float64, period int, dev float64) (upper, middle, lower float64) {
	if period < 2 || len(prices) < period {
		return 0, 0, 0
	}
	u, m, l := talib.BBands(prices, period, dev, dev, talib.SMA)
	return last(u), last(m), last(l)
}

// SuperTrend runs on close-only data, so the true range degenerates to the
// absolute close to close change.
func SuperTrend(prices []float64, factor float64, period int) (tsl []float64, trend []bool) {
	if period < 1 || len(prices) <= period {
		return nil, nil
	}
	return indicator.SuperTrend(factor, period, prices, prices, prices)
}
