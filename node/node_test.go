package node

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xyths/ganymede/config"
	"github.com/xyths/ganymede/session"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	cfg.Store.Backend = "file"
	cfg.Store.Path = filepath.Join(t.TempDir(), "bot.json")
	cfg.Journal.MySQLURI = ""
	return cfg
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger(config.LogConf{Level: "debug", Encoding: "json", Outputs: []string{"stderr"}})
	require.NoError(t, err)
	require.True(t, l.Core().Enabled(zap.DebugLevel))

	_, err = NewLogger(config.LogConf{Level: "loud"})
	require.Error(t, err)
}

func TestNew_InitialModule(t *testing.T) {
	cfg := testConfig(t)
	n, err := New(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	defer n.Close(context.Background())

	st := n.Session.Status()
	require.Equal(t, "idle", st.State)
	require.EqualValues(t, 1, st.Generation)
	require.Contains(t, st.Strategies, "sma_crossover")

	_, ok := n.snapshot()
	require.False(t, ok, "no journal row while idle")

	cfg.Module.Initial = "builtin:nope"
	_, err = New(context.Background(), cfg, nil, nil)
	require.Error(t, err)
}

func TestRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.API.Addr = freeAddr(t)
	cfg.Metrics.Enabled = true
	n, err := New(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	defer n.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	base := fmt.Sprintf("http://%s", cfg.API.Addr)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Post(base+"/start", "application/json", nil)
	require.NoError(t, err)
	var r struct {
		Success bool           `json:"success"`
		Data    session.Status `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&r))
	resp.Body.Close()
	require.True(t, r.Success)
	require.Equal(t, "running", r.Data.State)

	snap, ok := n.snapshot()
	require.True(t, ok)
	require.Equal(t, "BTCUSDT", snap.Symbol)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("node did not stop")
	}
	require.Equal(t, session.Idle, n.Session.State())
}
