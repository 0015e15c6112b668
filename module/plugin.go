package module

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"plugin"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/xyths/ganymede/strategy"
	"go.uber.org/zap"
)

// StrategySymbol is the exported function every compiled artifact provides.
const StrategySymbol = "Strategy"

// PluginFunc is the import contract of StrategySymbol.
type PluginFunc = func(prices []float64, params map[string]float64) int

// PluginLoader opens Go plugins built by the compiler service. URL references
// are downloaded into CacheDir first.
type PluginLoader struct {
	CacheDir string
	Client   *http.Client
	Sugar    *zap.SugaredLogger
}

func NewPluginLoader(cacheDir string, logger *zap.SugaredLogger) *PluginLoader {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &PluginLoader{
		CacheDir: cacheDir,
		Client:   &http.Client{Timeout: 30 * time.Second},
		Sugar:    logger,
	}
}

func (l *PluginLoader) Load(ctx context.Context, ref ArtifactRef) (Module, error) {
	file := ref.Path()
	if isURL(file) {
		local, err := l.download(ctx, file)
		if err != nil {
			return nil, &LoadError{Ref: ref, Diagnostic: err.Error(), Err: err}
		}
		file = local
	}
	fn, err := openStrategy(file)
	if err != nil {
		return nil, &LoadError{Ref: ref, Diagnostic: err.Error(), Err: err}
	}
	return NewCatalog(WithFunc(strategy.UserModID, func(prices []float64, params map[string]float64) strategy.Signal {
		return strategy.Signal(fn(prices, params))
	})), nil
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func openStrategy(file string) (PluginFunc, error) {
	p, err := plugin.Open(file)
	if err != nil {
		return nil, errors.Wrapf(err, "open plugin %s", file)
	}
	sym, err := p.Lookup(StrategySymbol)
	if err != nil {
		return nil, errors.Wrapf(err, "plugin %s", file)
	}
	switch fn := sym.(type) {
	case PluginFunc:
		return fn, nil
	case *PluginFunc:
		if fn == nil || *fn == nil {
			return nil, fmt.Errorf("plugin %s: symbol %s is nil", file, StrategySymbol)
		}
		return *fn, nil
	default:
		return nil, fmt.Errorf("plugin %s: symbol %s has type %T, want %T", file, StrategySymbol, sym, PluginFunc(nil))
	}
}

func (l *PluginLoader) download(ctx context.Context, url string) (string, error) {
	if err := os.MkdirAll(l.CacheDir, 0755); err != nil {
		return "", errors.Wrap(err, "create plugin cache")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errors.Wrap(err, "build download request")
	}
	resp, err := l.Client.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "download %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}

	target := filepath.Join(l.CacheDir, path.Base(req.URL.Path))
	tmp, err := os.CreateTemp(l.CacheDir, ".download-*")
	if err != nil {
		return "", errors.Wrap(err, "create plugin file")
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", errors.Wrapf(err, "download %s", url)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", errors.Wrap(err, "close plugin file")
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", errors.Wrap(err, "store plugin file")
	}
	l.Sugar.Infof("downloaded %s to %s", url, target)
	return target, nil
}
