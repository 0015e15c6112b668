package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ganymede_ticks_total", Help: "Prices ingested by the bot runtime"},
		[]string{"symbol", "connector"},
	)
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ganymede_signals_total", Help: "Trade signals produced by the active module"},
		[]string{"strategy", "side"},
	)
	EvaluateErrors = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "ganymede_evaluate_errors_total", Help: "Module evaluations that returned an error"},
	)
	SwapsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ganymede_module_swaps_total", Help: "Module swap attempts by outcome"},
		[]string{"outcome"},
	)
	CompileSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ganymede_compile_seconds",
			Help:    "Round trip time of remote compile requests",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 120},
		},
	)
	ActiveGeneration = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "ganymede_module_generation", Help: "Generation of the active module"},
	)
	SessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "ganymede_session_state", Help: "1 for the current session state"},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(TicksTotal, SignalsTotal, EvaluateErrors, SwapsTotal, CompileSeconds, ActiveGeneration, SessionState)
}

// SetSessionState flags state as the only current one.
func SetSessionState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		SessionState.WithLabelValues(s).Set(v)
	}
}

func Handler() http.Handler {
	return promhttp.Handler()
}
