// Package session turns operator intents into ordered calls on the module
// host, the compile pipeline and the bot runtime.
//
// Transitions are serialized by one mutex. A module swap releases the mutex
// while it compiles and marks the session SwappingModule, so every other
// mutating intent fails fast with ErrBusy instead of queueing behind it.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xyths/ganymede/bot"
	"github.com/xyths/ganymede/compiler"
	"github.com/xyths/ganymede/config"
	"github.com/xyths/ganymede/event"
	"github.com/xyths/ganymede/metrics"
	"github.com/xyths/ganymede/module"
	"github.com/xyths/ganymede/series"
	"github.com/xyths/ganymede/store"
	"go.uber.org/zap"
)

type State int

const (
	Idle State = iota
	Running
	SwappingModule
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case SwappingModule:
		return "swapping_module"
	}
	return "unknown"
}

var stateNames = []string{Idle.String(), Running.String(), SwappingModule.String()}

// Runtime is the bot runtime driven by the session. *bot.Runtime implements it.
type Runtime interface {
	Start(ctx context.Context, cfg config.Record) error
	Stop() error
	Running() bool
	Stats() bot.Stats
}

// Pipeline is the compile pipeline as used by the session.
type Pipeline interface {
	CompileAndLoad(ctx context.Context, source string, gate compiler.Gate) (*module.Handle, error)
	ValidateOnly(ctx context.Context, source string) (*compiler.Request, error)
	Pending() *compiler.Request
	Last() *compiler.Request
}

// Status is a point in time view of the session.
type Status struct {
	State       string            `json:"state"`
	Epoch       uint64            `json:"epoch"`
	Generation  uint64            `json:"generation"`
	Module      string            `json:"module,omitempty"`
	Strategies  []string          `json:"strategies,omitempty"`
	Pending     *compiler.Request `json:"pending,omitempty"`
	LastCompile *compiler.Request `json:"lastCompile,omitempty"`
	Bot         bot.Stats         `json:"bot"`
	Config      config.Record     `json:"config"`
}

type Option func(*Controller)

// WithConfigStore persists every accepted config.
func WithConfigStore(s store.ConfigStore) Option {
	return func(c *Controller) {
		c.store = s
	}
}

// WithCredentials fills connector credentials that are not part of the
// record, typically from the environment.
func WithCredentials(f func(connector string, params map[string]string) map[string]string) Option {
	return func(c *Controller) {
		c.credentials = f
	}
}

type Controller struct {
	Sugar *zap.SugaredLogger

	host        *module.Host
	pipeline    Pipeline
	runtime     Runtime
	series      *series.Store
	sink        event.Sink
	store       store.ConfigStore
	credentials func(connector string, params map[string]string) map[string]string

	mu    sync.Mutex
	state State
	epoch uint64
	cfg   config.Record
}

func New(logger *zap.SugaredLogger, host *module.Host, pipeline Pipeline, runtime Runtime, s *series.Store, sink event.Sink, opts ...Option) *Controller {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if sink == nil {
		sink = event.SinkFunc(func(event.Event) {})
	}
	c := &Controller{
		Sugar:    logger,
		host:     host,
		pipeline: pipeline,
		runtime:  runtime,
		series:   s,
		sink:     sink,
		cfg:      config.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if h := host.Active(); h != nil {
		s.Register(h.Channels()...)
	}
	metrics.SetSessionState(Idle.String(), stateNames)
	return c
}

// Restore loads the persisted config, if any.
func (c *Controller) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	rec, err := c.store.Load(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.cfg = rec
	c.mu.Unlock()
	c.Sugar.Infof("restored config version %d for %s", rec.Version, rec.Symbol)
	return nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Config() config.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Clone()
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{State: c.state.String(), Epoch: c.epoch, Config: c.cfg.Redacted()}
	c.mu.Unlock()

	if h := c.host.Active(); h != nil {
		st.Generation = h.Generation()
		st.Module = string(h.Ref())
		st.Strategies = h.Strategies()
	}
	if c.pipeline != nil {
		st.Pending = c.pipeline.Pending()
		st.LastCompile = c.pipeline.Last()
	}
	if c.runtime != nil {
		st.Bot = c.runtime.Stats()
	}
	return st
}

func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.Sugar.Debugf("session %s -> %s", c.state, s)
	c.state = s
	metrics.SetSessionState(s.String(), stateNames)
}

func (c *Controller) notify(level, msg string) {
	c.sink.Publish(event.Log(level, msg))
}

// Start validates rec and hands it to the runtime. The series store is reset
// first. On any failure the session stays Idle.
func (c *Controller) Start(ctx context.Context, rec config.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case SwappingModule:
		return ErrBusy
	case Running:
		return ErrAlreadyRunning
	}

	rec = rec.Normalize()
	if err := c.validateLocked(rec); err != nil {
		if errors.Is(err, ErrRuntimeUnavailable) {
			c.notify(event.Error, "Could not start the bot: "+err.Error())
		} else {
			c.notify(event.Error, "Invalid config: "+err.Error())
		}
		return err
	}
	if c.runtime == nil {
		return ErrRuntimeUnavailable
	}

	c.series.Reset()
	if err := c.runtime.Start(ctx, c.withCredentials(rec)); err != nil {
		c.Sugar.Errorf("start runtime error: %s", err)
		return fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}
	c.cfg = rec
	c.epoch++
	c.setStateLocked(Running)
	c.persist(ctx, rec)
	return nil
}

func (c *Controller) validateLocked(rec config.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	h := c.host.Active()
	if h == nil {
		return fmt.Errorf("%w: %v", ErrRuntimeUnavailable, module.ErrNoActiveModule)
	}
	if !h.Supports(rec.Strategy) {
		return &config.ValidationError{
			Field:      "strategy",
			Constraint: fmt.Sprintf("%q is not provided by module generation %d", rec.Strategy, h.Generation()),
		}
	}
	return nil
}

func (c *Controller) withCredentials(rec config.Record) config.Record {
	if c.credentials == nil {
		return rec
	}
	rec = rec.Clone()
	rec.ConnectorParams = c.credentials(rec.Connector, rec.ConnectorParams)
	return rec
}

// persist saves rec without the credentials that came from the environment.
func (c *Controller) persist(ctx context.Context, rec config.Record) {
	if c.store == nil {
		return
	}
	if err := c.store.Save(ctx, rec); err != nil {
		c.Sugar.Errorf("save config error: %s", err)
	}
}

// Stop halts the runtime. The loaded module stays active.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case SwappingModule:
		return ErrBusy
	case Idle:
		return ErrNotRunning
	}
	if err := c.runtime.Stop(); err != nil && !errors.Is(err, bot.ErrNotRunning) {
		return err
	}
	c.epoch++
	c.setStateLocked(Idle)
	return nil
}

// LoadConfig applies p on top of the current config. Fields missing from p
// keep their value. The result must validate; it takes effect on the next
// Start.
func (c *Controller) LoadConfig(ctx context.Context, p config.Patch) (config.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == SwappingModule {
		return config.Record{}, ErrBusy
	}
	rec := c.cfg.Merge(p).Normalize()
	if err := rec.Validate(); err != nil {
		return config.Record{}, err
	}
	c.cfg = rec
	c.persist(ctx, rec)
	if c.state == Running {
		c.notify(event.Info, "Config loaded. Restart the bot to apply it.")
	} else {
		c.notify(event.Success, "Config loaded.")
	}
	return rec.Clone(), nil
}

// ValidateMod checks source on the compiler without touching the active
// module or the session state.
func (c *Controller) ValidateMod(ctx context.Context, source string) (*compiler.Request, error) {
	c.mu.Lock()
	swapping := c.state == SwappingModule
	c.mu.Unlock()
	if swapping {
		return nil, ErrBusy
	}
	r, err := c.pipeline.ValidateOnly(ctx, source)
	if errors.Is(err, compiler.ErrBusy) {
		return nil, ErrBusy
	}
	if err != nil {
		c.notify(event.Error, "Validation failed: "+Diagnostic(err))
		return r, err
	}
	c.notify(event.Success, "Code is valid.")
	return r, nil
}

// ApplyMod compiles source and makes it the active module.
//
// The runtime keeps running while the code compiles; it is stopped once the
// artifact exists and before the host loads it. On success the session is
// Idle and the operator starts the bot again. On failure the previous module
// stays active and the session returns to its previous state, restarting the
// runtime with the previous config if it had been stopped.
func (c *Controller) ApplyMod(ctx context.Context, source string) (*module.Handle, error) {
	if strings.TrimSpace(source) == "" {
		return nil, ErrEmptySource
	}
	c.mu.Lock()
	if c.state == SwappingModule {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	prev := c.state
	epoch := c.epoch
	cfg := c.cfg.Clone()
	c.setStateLocked(SwappingModule)
	c.mu.Unlock()

	c.sink.Publish(event.Status("SWAPPING MODULE"))
	c.notify(event.Info, "Compiling module...")
	start := time.Now()

	stopped := false
	gate := func(ctx context.Context, stage compiler.Stage) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.epoch != epoch {
			return ErrStaleSwap
		}
		if stage == compiler.StageCompiled && prev == Running && c.runtime.Running() {
			c.notify(event.Info, "Compilation successful. Stopping the bot to load the new module.")
			if err := c.runtime.Stop(); err != nil {
				c.Sugar.Errorf("stop runtime before swap error: %s", err)
			}
			stopped = true
		}
		return nil
	}
	h, err := c.pipeline.CompileAndLoad(ctx, source, gate)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		// Close ran while the swap was in flight and owns the state now.
		metrics.SwapsTotal.WithLabelValues(CategoryStale).Inc()
		if err == nil {
			return nil, ErrStaleSwap
		}
		return nil, err
	}
	if err != nil {
		metrics.SwapsTotal.WithLabelValues(Category(err)).Inc()
		c.notify(event.Error, fmt.Sprintf("Module swap failed (%s): %s", Category(err), Diagnostic(err)))
		c.restoreLocked(ctx, prev, stopped, cfg)
		return nil, err
	}

	metrics.SwapsTotal.WithLabelValues("success").Inc()
	c.series.Register(h.Channels()...)
	c.epoch++
	c.setStateLocked(Idle)
	c.Sugar.Infof("module generation %d active after %s", h.Generation(), time.Since(start).Round(time.Millisecond))
	c.notify(event.Success, fmt.Sprintf("Module generation %d loaded. Start the bot to trade with it.", h.Generation()))
	c.sink.Publish(event.Status("STOPPED"))
	return h, nil
}

func (c *Controller) restoreLocked(ctx context.Context, prev State, stopped bool, cfg config.Record) {
	if !stopped {
		c.setStateLocked(prev)
		return
	}
	// the swap may have ended because ctx expired
	if err := c.runtime.Start(context.WithoutCancel(ctx), c.withCredentials(cfg)); err != nil {
		c.Sugar.Errorf("restart runtime after failed swap error: %s", err)
		c.notify(event.Error, "Could not restart the bot: "+err.Error())
		c.epoch++
		c.setStateLocked(Idle)
		return
	}
	c.setStateLocked(prev)
}

// Close stops the runtime and invalidates any swap still in flight.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	var err error
	if c.runtime != nil && c.runtime.Running() {
		err = c.runtime.Stop()
	}
	c.setStateLocked(Idle)
	return err
}
