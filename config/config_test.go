package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecord_Validate(t *testing.T) {
	tests := []struct {
		name  string
		patch func(r *Record)
		field string
	}{
		{"ok", func(r *Record) {}, ""},
		{"empty symbol", func(r *Record) { r.Symbol = "  " }, "symbol"},
		{"tick zero", func(r *Record) { r.TickIntervalSeconds = 0 }, "tickIntervalSeconds"},
		{"tick too big", func(r *Record) { r.TickIntervalSeconds = 61 }, "tickIntervalSeconds"},
		{"tick upper bound", func(r *Record) { r.TickIntervalSeconds = 60 }, ""},
		{"unknown connector", func(r *Record) { r.Connector = "kraken" }, "connector"},
		{"empty strategy", func(r *Record) { r.Strategy = "" }, "strategy"},
		{"unknown risk", func(r *Record) { r.RiskLevel = "yolo" }, "riskLevel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Default()
			tt.patch(&r)
			err := r.Validate()
			if tt.field == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidConfig)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			require.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestRecord_Merge(t *testing.T) {
	r := Default()
	r.ConnectorParams = map[string]string{"apiKey": "k"}

	tick := 10
	strategy := "rsi_basic"
	merged := r.Merge(Patch{
		TickIntervalSeconds: &tick,
		Strategy:            &strategy,
		StrategyParams:      map[string]float64{"rsi_period": 7},
	})

	require.Equal(t, r.Symbol, merged.Symbol, "missing fields keep their value")
	require.Equal(t, 10, merged.TickIntervalSeconds)
	require.Equal(t, "rsi_basic", merged.Strategy)
	require.Equal(t, map[string]float64{"rsi_period": 7}, merged.StrategyParams)
	require.Equal(t, "k", merged.ConnectorParams["apiKey"])
	require.Equal(t, r.Version+1, merged.Version)

	merged.ConnectorParams["apiKey"] = "changed"
	require.Equal(t, "k", r.ConnectorParams["apiKey"], "merge must not alias maps")
}

func TestRecord_NormalizeRedacted(t *testing.T) {
	r := Record{Symbol: " ethusdt ", ConnectorParams: map[string]string{"apiSecret": "s", "empty": ""}}
	n := r.Normalize()
	require.Equal(t, "ETHUSDT", n.Symbol)
	require.Equal(t, RiskModerate, n.RiskLevel)

	red := r.Redacted()
	require.Equal(t, "***", red.ConnectorParams["apiSecret"])
	require.Equal(t, "", red.ConnectorParams["empty"])
	require.Equal(t, "s", r.ConnectorParams["apiSecret"])
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ganymede.yaml")
	data := []byte(`
log:
  level: debug
compiler:
  url: http://compiler:9000
  timeout: 45s
series:
  capacity: 500
`)
	require.NoError(t, os.WriteFile(path, data, 0644))
	t.Setenv("GANYMEDE_API_ADDR", ":9999")

	cfg, env, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "http://compiler:9000", cfg.Compiler.URL)
	require.Equal(t, 45*time.Second, cfg.Compiler.Timeout)
	require.Equal(t, 500, cfg.Series.Capacity)
	require.Equal(t, ":9999", cfg.API.Addr)
	require.Equal(t, DefaultLoadTimeout, cfg.Module.LoadTimeout)
	require.Equal(t, DefaultStoreBackend, cfg.Store.Backend)
	require.NotNil(t, env)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, DefaultCompileTimeout, cfg.Compiler.Timeout)
	require.Equal(t, DefaultSeriesCapacity, cfg.Series.Capacity)
}

func TestConfig_Validate(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	require.NoError(t, cfg.Validate())

	cfg.Store.Backend = "mongo"
	require.Error(t, cfg.Validate())
	cfg.Store.Mongo.URI = "mongodb://localhost:27017"
	require.NoError(t, cfg.Validate())

	cfg.Store.Backend = "redis"
	require.Error(t, cfg.Validate())
}

func TestEnv_Credentials(t *testing.T) {
	env := &Env{BinanceKey: "env-key", BinanceSecret: "env-secret"}
	got := env.Credentials("binance", map[string]string{"apiKey": "own"})
	require.Equal(t, "own", got["apiKey"])
	require.Equal(t, "env-secret", got["apiSecret"])

	got = env.Credentials("simulation", nil)
	require.Empty(t, got)
}
