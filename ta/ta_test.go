package ta

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func series(n int, f func(i int) float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = f(i)
	}
	return out
}

func TestSMA(t *testing.T) {
	prices := series(10, func(i int) float64 { return float64(i + 1) })
	tests := []struct {
		period int
		want   float64
	}{
		{5, 8},
		{10, 5.5},
		{1, 10},
		{11, 0},
		{0, 0},
	}
	for i, tt := range tests {
		got := SMA(prices, tt.period)
		require.InDelta(t, tt.want, got, 1e-9, "[%d] period %d", i, tt.period)
	}
}

func TestRSI(t *testing.T) {
	up := series(30, func(i int) float64 { return 100 + float64(i) })
	down := series(30, func(i int) float64 { return 100 - float64(i) })

	require.InDelta(t, 100, RSI(up, 14), 1e-9)
	require.InDelta(t, 0, RSI(down, 14), 1e-9)
	require.Equal(t, Neutral, RSI(up[:14], 14))
}

func TestStochastic(t *testing.T) {
	prices := []float64{10, 20, 15}
	require.InDelta(t, 50, Stochastic(prices, 3), 1e-9)
	require.InDelta(t, 0, Stochastic([]float64{20, 10}, 2), 1e-9)
	require.Equal(t, Neutral, Stochastic([]float64{5, 5, 5}, 3))
	require.Equal(t, Neutral, Stochastic(prices, 4))
}

func TestBollinger(t *testing.T) {
	flat := series(20, func(int) float64 { return 42 })
	u, m, l := Bollinger(flat, 20, 2)
	require.InDelta(t, 42, u, 1e-9)
	require.InDelta(t, 42, m, 1e-9)
	require.InDelta(t, 42, l, 1e-9)

	wave := series(40, func(i int) float64 { return 100 + 5*math.Sin(float64(i)) })
	u, m, l = Bollinger(wave, 20, 2)
	require.Greater(t, u, m)
	require.Less(t, l, m)
	require.InDelta(t, SMA(wave, 20), m, 1e-9)

	u, m, l = Bollinger(wave[:5], 20, 2)
	require.Zero(t, u)
	require.Zero(t, m)
	require.Zero(t, l)
}

func TestSuperTrendShortWindow(t *testing.T) {
	tsl, trend := SuperTrend([]float64{1, 2, 3}, 3, 7)
	require.Nil(t, tsl)
	require.Nil(t, trend)
}
