package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xyths/ganymede/bot"
	"github.com/xyths/ganymede/compiler"
	"github.com/xyths/ganymede/config"
	"github.com/xyths/ganymede/event"
	"github.com/xyths/ganymede/module"
	"github.com/xyths/ganymede/series"
	"github.com/xyths/ganymede/store"
	"github.com/xyths/ganymede/strategy"
)

const validSource = `func strategyUserMod(prices []float64, params map[string]float64) Signal { return HOLD }`

type fakeRemote struct {
	mu      sync.Mutex
	compile func(ctx context.Context, source string) (*compiler.Response, error)
}

func (f *fakeRemote) set(fn func(ctx context.Context, source string) (*compiler.Response, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compile = fn
}

func (f *fakeRemote) Compile(ctx context.Context, source string) (*compiler.Response, error) {
	f.mu.Lock()
	fn := f.compile
	f.mu.Unlock()
	return fn(ctx, source)
}

func (f *fakeRemote) Validate(ctx context.Context, source string) (*compiler.Response, error) {
	if strings.Contains(source, "syntax error") {
		return &compiler.Response{Success: false, Error: "main.go:1: syntax error"}, nil
	}
	return &compiler.Response{Success: true}, nil
}

func defaultCompile(ctx context.Context, source string) (*compiler.Response, error) {
	if strings.Contains(source, "syntax error") {
		return &compiler.Response{Success: false, Error: "main.go:1: syntax error"}, nil
	}
	return &compiler.Response{Success: true, URL: "http://compiler/artifacts/mod_1.so"}, nil
}

type loaderFunc func(ctx context.Context, ref module.ArtifactRef) (module.Module, error)

func (f loaderFunc) Load(ctx context.Context, ref module.ArtifactRef) (module.Module, error) {
	return f(ctx, ref)
}

type fixture struct {
	host    *module.Host
	remote  *fakeRemote
	runtime *bot.Runtime
	series  *series.Store
	events  *event.Ring
	ctrl    *Controller
	loads   int32
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{remote: &fakeRemote{compile: defaultCompile}}

	f.host = module.NewHost(nil, nil)
	f.host.Register(module.SchemeBuiltin, module.BuiltinLoader{})
	f.host.Register(module.SchemePlugin, loaderFunc(func(ctx context.Context, ref module.ArtifactRef) (module.Module, error) {
		atomic.AddInt32(&f.loads, 1)
		if strings.Contains(string(ref), "broken") {
			return nil, &module.LoadError{Ref: ref, Diagnostic: "plugin.Open: plugin was built with a different version of package runtime"}
		}
		return module.NewCatalog(module.WithFunc(strategy.UserModID,
			func([]float64, map[string]float64) strategy.Signal { return strategy.Hold })), nil
	}))
	h, err := f.host.Load(context.Background(), "builtin:default")
	require.NoError(t, err)
	require.NoError(t, f.host.Activate(context.Background(), h))

	pipeline := compiler.NewPipeline(nil, f.remote, f.host, nil)
	f.series = series.NewStore()
	f.events = event.NewRing(1000)
	router := NewRouter(f.series, f.events)
	f.runtime = bot.NewRuntime(nil, f.host, router, bot.NewFactory(nil, bot.Endpoints{}, nil), bot.Options{})
	f.ctrl = New(nil, f.host, pipeline, f.runtime, f.series, f.events, opts...)
	t.Cleanup(func() { _ = f.ctrl.Close() })
	return f
}

// scenarioConfig is the operator config of a plain simulation run.
func scenarioConfig() config.Record {
	return config.Record{
		Symbol:              "BTCUSD",
		TickIntervalSeconds: 5,
		PaperTrading:        true,
		Connector:           "simulation",
		Strategy:            "sma_crossover",
	}
}

// blockCompile makes the next compiles wait for release; entered is closed
// when the first one arrives.
func (f *fixture) blockCompile() (entered, release chan struct{}) {
	entered = make(chan struct{})
	release = make(chan struct{})
	var once sync.Once
	f.remote.set(func(ctx context.Context, source string) (*compiler.Response, error) {
		once.Do(func() { close(entered) })
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return defaultCompile(ctx, source)
	})
	return entered, release
}

type swapResult struct {
	h   *module.Handle
	err error
}

func (f *fixture) applyAsync(source string) chan swapResult {
	done := make(chan swapResult, 1)
	go func() {
		h, err := f.ctrl.ApplyMod(context.Background(), source)
		done <- swapResult{h, err}
	}()
	return done
}

func TestStart_ScenarioA(t *testing.T) {
	f := newFixture(t)
	f.series.Append(series.Price, series.Sample{Time: time.Now(), Value: 1})

	require.NoError(t, f.ctrl.Start(context.Background(), scenarioConfig()))
	require.Equal(t, Running, f.ctrl.State())
	require.Zero(t, f.series.Len(series.Price), "store is reset on start")
	require.True(t, f.runtime.Running())
	require.Equal(t, "BTCUSD", f.ctrl.Config().Symbol)

	require.ErrorIs(t, f.ctrl.Start(context.Background(), scenarioConfig()), ErrAlreadyRunning)
}

func TestStart_ScenarioB(t *testing.T) {
	f := newFixture(t)
	cfg := scenarioConfig()
	cfg.TickIntervalSeconds = 120

	err := f.ctrl.Start(context.Background(), cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
	var ve *config.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "tickIntervalSeconds", ve.Field)
	require.Equal(t, CategoryInvalidConfig, Category(err))
	require.Equal(t, Idle, f.ctrl.State())
	require.False(t, f.runtime.Running())
}

func TestStart_Validation(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*config.Record)
		field string
	}{
		{"empty symbol", func(r *config.Record) { r.Symbol = " " }, "symbol"},
		{"tick zero", func(r *config.Record) { r.TickIntervalSeconds = 0 }, "tickIntervalSeconds"},
		{"unknown connector", func(r *config.Record) { r.Connector = "kraken" }, "connector"},
		{"strategy not in module", func(r *config.Record) { r.Strategy = strategy.UserModID }, "strategy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			cfg := scenarioConfig()
			tt.edit(&cfg)
			err := f.ctrl.Start(context.Background(), cfg)
			var ve *config.ValidationError
			require.ErrorAs(t, err, &ve)
			require.Equal(t, tt.field, ve.Field)
			require.Equal(t, Idle, f.ctrl.State())
		})
	}
}

func TestStart_NoModule(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.host.Deactivate(context.Background()))

	err := f.ctrl.Start(context.Background(), scenarioConfig())
	require.ErrorIs(t, err, ErrRuntimeUnavailable)
	require.Equal(t, CategoryRuntimeUnavailable, Category(err))
	require.Equal(t, Idle, f.ctrl.State())

	var messages []string
	for _, e := range f.events.Events() {
		if e.Kind == event.KindLog {
			messages = append(messages, e.Message)
		}
	}
	require.Len(t, messages, 1)
	require.True(t, strings.HasPrefix(messages[0], "Could not start the bot: bot runtime unavailable"), messages[0])
}

func TestStop(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.ctrl.Stop(context.Background()), ErrNotRunning)

	before := f.host.Active()
	require.NoError(t, f.ctrl.Start(context.Background(), scenarioConfig()))
	require.NoError(t, f.ctrl.Stop(context.Background()))
	require.Equal(t, Idle, f.ctrl.State())
	require.False(t, f.runtime.Running())
	require.Same(t, before, f.host.Active(), "module survives stop")

	require.NoError(t, f.ctrl.Start(context.Background(), scenarioConfig()))
	require.Equal(t, Running, f.ctrl.State())
}

func TestApplyMod_ScenarioD(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ctrl.Start(ctx, scenarioConfig()))

	entered, release := f.blockCompile()
	done := f.applyAsync(validSource)
	<-entered

	require.Equal(t, SwappingModule, f.ctrl.State())
	require.True(t, f.runtime.Running(), "runtime keeps running while compiling")
	require.ErrorIs(t, f.ctrl.Stop(ctx), ErrBusy)
	require.ErrorIs(t, f.ctrl.Start(ctx, scenarioConfig()), ErrBusy)
	_, err := f.ctrl.ApplyMod(ctx, validSource)
	require.ErrorIs(t, err, ErrBusy)
	_, err = f.ctrl.LoadConfig(ctx, config.Patch{})
	require.ErrorIs(t, err, ErrBusy)
	_, err = f.ctrl.ValidateMod(ctx, validSource)
	require.ErrorIs(t, err, ErrBusy)
	require.Equal(t, "swapping_module", f.ctrl.Status().State)

	close(release)
	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, Idle, f.ctrl.State(), "operator must start again")
	require.False(t, f.runtime.Running())
	require.Same(t, res.h, f.host.Active())
	require.Equal(t, uint64(2), res.h.Generation())

	cfg := scenarioConfig()
	cfg.Strategy = strategy.UserModID
	require.NoError(t, f.ctrl.Start(ctx, cfg))
	require.Equal(t, Running, f.ctrl.State())
}

func TestApplyMod_ConcurrentIntentsAreBusy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ctrl.Start(ctx, scenarioConfig()))

	entered, release := f.blockCompile()
	done := f.applyAsync(validSource)
	<-entered

	var wg sync.WaitGroup
	errs := make(chan error, 30)
	for i := 0; i < 10; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			errs <- f.ctrl.Start(ctx, scenarioConfig())
		}()
		go func() {
			defer wg.Done()
			errs <- f.ctrl.Stop(ctx)
		}()
		go func() {
			defer wg.Done()
			_, err := f.ctrl.ApplyMod(ctx, validSource)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.ErrorIs(t, err, ErrBusy)
	}

	close(release)
	require.NoError(t, (<-done).err)
	require.Equal(t, Idle, f.ctrl.State())
}

func TestApplyMod_ScenarioE(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ctrl.Start(ctx, scenarioConfig()))
	before := f.host.Active()

	_, err := f.ctrl.ApplyMod(ctx, "syntax error")
	require.ErrorIs(t, err, ErrCompileFailed)
	require.Equal(t, CategoryCompileFailed, Category(err))
	require.Equal(t, "main.go:1: syntax error", Diagnostic(err))

	require.Equal(t, Running, f.ctrl.State())
	require.True(t, f.runtime.Running())
	require.Same(t, before, f.host.Active())
	require.EqualValues(t, 0, atomic.LoadInt32(&f.loads))
	require.Equal(t, uint64(1), f.runtime.Stats().Run, "runtime never restarted")
}

func TestApplyMod_LoadFailureRestoresRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ctrl.Start(ctx, scenarioConfig()))
	before := f.host.Active()
	f.remote.set(func(ctx context.Context, source string) (*compiler.Response, error) {
		return &compiler.Response{Success: true, URL: "http://compiler/artifacts/broken.so"}, nil
	})

	_, err := f.ctrl.ApplyMod(ctx, validSource)
	require.ErrorIs(t, err, ErrLoadFailed)
	require.NotErrorIs(t, err, ErrCompileFailed)
	require.Equal(t, CategoryLoadFailed, Category(err))
	require.Contains(t, Diagnostic(err), "different version")

	require.Same(t, before, f.host.Active())
	require.Equal(t, Running, f.ctrl.State())
	require.True(t, f.runtime.Running())
	require.Equal(t, uint64(2), f.runtime.Stats().Run, "runtime restarted with the previous config")
	require.Equal(t, "BTCUSD", f.runtime.Stats().Symbol)
}

func TestApplyMod_IdleFailureStaysIdle(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctrl.ApplyMod(context.Background(), "syntax error")
	require.ErrorIs(t, err, ErrCompileFailed)
	require.Equal(t, Idle, f.ctrl.State())

	_, err = f.ctrl.ApplyMod(context.Background(), " \n")
	require.ErrorIs(t, err, ErrEmptySource)
	require.Equal(t, CategoryEmptySource, Category(err))
}

func TestApplyMod_StaleResultDiscarded(t *testing.T) {
	f := newFixture(t)
	before := f.host.Active()

	entered, release := f.blockCompile()
	done := f.applyAsync(validSource)
	<-entered
	require.NoError(t, f.ctrl.Close())
	close(release)

	res := <-done
	require.ErrorIs(t, res.err, ErrStaleSwap)
	require.Nil(t, res.h)
	require.Same(t, before, f.host.Active())
	require.EqualValues(t, 0, atomic.LoadInt32(&f.loads))
	require.Equal(t, Idle, f.ctrl.State())
}

func TestValidateMod(t *testing.T) {
	f := newFixture(t)
	before := f.host.Active()

	r, err := f.ctrl.ValidateMod(context.Background(), validSource)
	require.NoError(t, err)
	require.Equal(t, compiler.Succeeded, r.State)

	r, err = f.ctrl.ValidateMod(context.Background(), "syntax error")
	require.ErrorIs(t, err, ErrCompileFailed)
	require.Equal(t, compiler.Failed, r.State)
	require.Same(t, before, f.host.Active())
	require.Equal(t, Idle, f.ctrl.State())
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.json")
	f := newFixture(t, WithConfigStore(store.NewFileStore(path)))
	ctx := context.Background()

	symbol := "ethusdt"
	rec, err := f.ctrl.LoadConfig(ctx, config.Patch{Symbol: &symbol})
	require.NoError(t, err)
	require.Equal(t, "ETHUSDT", rec.Symbol)
	require.Equal(t, config.Default().Strategy, rec.Strategy, "missing fields keep their value")
	require.Equal(t, int64(1), rec.Version)

	tick := 0
	_, err = f.ctrl.LoadConfig(ctx, config.Patch{TickIntervalSeconds: &tick})
	require.ErrorIs(t, err, ErrInvalidConfig)
	require.Equal(t, "ETHUSDT", f.ctrl.Config().Symbol)
	require.Equal(t, config.Default().TickIntervalSeconds, f.ctrl.Config().TickIntervalSeconds)

	g := newFixture(t, WithConfigStore(store.NewFileStore(path)))
	require.NoError(t, g.ctrl.Restore(ctx))
	require.Equal(t, "ETHUSDT", g.ctrl.Config().Symbol)
}

func TestCredentialsNotPersisted(t *testing.T) {
	var seen map[string]string
	creds := func(connector string, params map[string]string) map[string]string {
		out := map[string]string{"apiKey": "from-env"}
		for k, v := range params {
			out[k] = v
		}
		seen = out
		return out
	}
	f := newFixture(t, WithCredentials(creds))
	require.NoError(t, f.ctrl.Start(context.Background(), scenarioConfig()))
	require.Equal(t, "from-env", seen["apiKey"])
	require.Empty(t, f.ctrl.Config().ConnectorParams)
}

func TestRouter(t *testing.T) {
	s := series.NewStore(series.WithChannels(strategy.RSIChannel))
	var forwarded []event.Event
	r := NewRouter(s, event.SinkFunc(func(e event.Event) { forwarded = append(forwarded, e) }))

	t0 := time.Now()
	r.Publish(event.PriceTick(100, t0))
	r.Publish(event.TradeSignal("BUY", 100, t0))
	r.Publish(event.TradeSignal("SELL", 101, t0.Add(time.Second)))
	r.Publish(event.TradeSignal("HOLD", 101, t0.Add(time.Second)))
	r.Publish(event.Indicators(map[string]float64{strategy.RSIChannel: 55, "unknown": 1}, t0))
	r.Publish(event.Log(event.Info, "hello"))

	require.Equal(t, []series.Sample{{Time: t0, Value: 100}}, s.Snapshot(series.Price))
	require.Equal(t, 1, s.Len(series.BuySignal))
	require.Equal(t, 101.0, s.Snapshot(series.SellSignal)[0].Value)
	require.Equal(t, 55.0, s.Snapshot(strategy.RSIChannel)[0].Value)
	require.Zero(t, s.Len("unknown"))
	require.Len(t, forwarded, 6)
}

func TestCategory(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&config.ValidationError{Field: "symbol", Constraint: "must not be empty"}, CategoryInvalidConfig},
		{ErrBusy, CategoryBusy},
		{compiler.ErrBusy, CategoryBusy},
		{ErrEmptySource, CategoryEmptySource},
		{&compiler.CompileError{Diagnostic: "x"}, CategoryCompileFailed},
		{&module.LoadError{Ref: "plugin:/tmp/a.so", Diagnostic: "y"}, CategoryLoadFailed},
		{fmt.Errorf("%w: connect", ErrRuntimeUnavailable), CategoryRuntimeUnavailable},
		{ErrNotRunning, CategoryInvalidState},
		{ErrStaleSwap, CategoryStale},
		{errors.New("boom"), CategoryInternal},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, Category(tt.err), "%v", tt.err)
	}
	require.Equal(t, "symbol must not be empty", Diagnostic(&config.ValidationError{Field: "symbol", Constraint: "must not be empty"}))
}
