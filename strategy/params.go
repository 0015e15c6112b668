package strategy

// Params holds the numeric parameters of a strategy as they appear in the bot
// config record.
type Params map[string]float64

// Get returns the parameter or def when it is missing or not positive.
func (p Params) Get(key string, def float64) float64 {
	if v, ok := p[key]; ok && v > 0 {
		return v
	}
	return def
}

func (p Params) Int(key string, def int) int {
	return int(p.Get(key, float64(def)))
}

// Defaults per built-in strategy.
var Defaults = map[string]Params{
	SMACrossoverID: {"sma_short_period": 10, "sma_long_period": 25},
	RSIBasicID:     {"rsi_period": 14, "rsi_overbought": 70, "rsi_oversold": 30},
	StochasticID:   {"period": 14, "overbought": 80, "oversold": 20},
	BollingerID:    {"period": 20, "std_dev": 2},
	SuperTrendID:   {"factor": 3, "period": 7},
}

// WithDefaults returns a copy of p completed with the defaults of id.
func WithDefaults(id string, p map[string]float64) Params {
	out := Params{}
	for k, v := range Defaults[id] {
		out[k] = v
	}
	for k, v := range p {
		if v > 0 || out[k] == 0 {
			out[k] = v
		}
	}
	return out
}
