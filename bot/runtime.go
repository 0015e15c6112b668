// Package bot runs the tick loop: it pulls prices from a connector, asks the
// active module for a decision and publishes what happened as events.
package bot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/xyths/ganymede/config"
	"github.com/xyths/ganymede/event"
	"github.com/xyths/ganymede/metrics"
	"github.com/xyths/ganymede/strategy"
	"go.uber.org/zap"
)

var (
	ErrAlreadyRunning = errors.New("bot is already running")
	ErrNotRunning     = errors.New("bot is not running")
)

// Evaluator is the part of the module host the runtime needs.
type Evaluator interface {
	Evaluate(strategyID string, params map[string]float64, prices []float64) (strategy.Decision, error)
}

type Options struct {
	// Window is the number of recent prices handed to the strategy.
	Window        int
	AlertPercent  float64
	InitialEquity float64
	// TickUnit scales TickIntervalSeconds; tests shrink it.
	TickUnit time.Duration
}

func (o Options) withDefaults() Options {
	if o.Window < 2 {
		o.Window = config.DefaultPriceWindow
	}
	if o.AlertPercent <= 0 {
		o.AlertPercent = config.DefaultAlertPercent
	}
	if o.InitialEquity <= 0 {
		o.InitialEquity = config.DefaultInitialEquity
	}
	if o.TickUnit <= 0 {
		o.TickUnit = time.Second
	}
	return o
}

type Stats struct {
	Running  bool    `json:"running"`
	Run      uint64  `json:"run"`
	Symbol   string  `json:"symbol,omitempty"`
	Strategy string  `json:"strategy,omitempty"`
	Ticks    int64   `json:"ticks"`
	Trades   int     `json:"trades"`
	WinRate  float64 `json:"winRate"`
	PnL      float64 `json:"pnl"`
	Price    float64 `json:"price"`
	// LastSignal is the last non-hold signal of the run.
	LastSignal string    `json:"lastSignal,omitempty"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
	Uptime     string    `json:"uptime,omitempty"`
}

type Runtime struct {
	Sugar *zap.SugaredLogger

	evaluator Evaluator
	sink      event.Sink
	factory   Factory
	opts      Options

	mu      sync.Mutex
	running bool
	run     uint64
	cancel  context.CancelFunc
	done    chan struct{}
	loop    *loop
}

func NewRuntime(logger *zap.SugaredLogger, evaluator Evaluator, sink event.Sink, factory Factory, opts Options) *Runtime {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Runtime{
		Sugar:     logger,
		evaluator: evaluator,
		sink:      sink,
		factory:   factory,
		opts:      opts.withDefaults(),
	}
}

func (r *Runtime) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Start connects the configured connector and launches the tick loop. The
// record is expected to be validated already.
func (r *Runtime) Start(ctx context.Context, cfg config.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrAlreadyRunning
	}
	if cfg.TickIntervalSeconds < config.MinTickInterval {
		return fmt.Errorf("tick interval must be at least %d second", config.MinTickInterval)
	}

	run := r.run + 1
	emit := func(level, msg string) {
		e := event.Log(level, msg)
		e.Run = run
		r.sink.Publish(e)
	}
	conn, err := r.factory(cfg, emit)
	if err != nil {
		emit(event.Error, "Failed to initialize connector: "+err.Error())
		return err
	}
	connectCtx, cancelConnect := context.WithTimeout(ctx, connectTimeout)
	defer cancelConnect()
	if err := conn.Connect(connectCtx, cfg.Symbol); err != nil {
		_ = conn.Close()
		emit(event.Error, "Failed to connect: "+err.Error())
		return err
	}

	r.run = run
	l := &loop{
		Sugar:     r.Sugar.With("run", run),
		cfg:       cfg.Clone(),
		opts:      r.opts,
		run:       run,
		conn:      conn,
		evaluator: r.evaluator,
		sink:      r.sink,
		emit:      emit,
		account:   NewAccount(r.opts.InitialEquity),
		startedAt: time.Now(),
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.loop = l
	r.running = true

	l.publish(event.Status(fmt.Sprintf("RUNNING - %s", cfg.Symbol)))
	emit(event.Success, "Bot started successfully.")
	l.publishPerformance(0)
	r.Sugar.Infof("bot started: symbol %s, connector %s, strategy %s, tick %ds",
		cfg.Symbol, cfg.Connector, cfg.Strategy, cfg.TickIntervalSeconds)

	go l.Run(loopCtx, r.done)
	return nil
}

// Stop ends the tick loop and disconnects. No event of the stopped run is
// published after Stop returns.
func (r *Runtime) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return ErrNotRunning
	}
	r.cancel()
	<-r.done
	if err := r.loop.conn.Close(); err != nil {
		r.Sugar.Errorf("close connector error: %s", err)
	}
	r.running = false
	r.loop.publish(event.Status("STOPPED"))
	r.loop.emit(event.Warning, "Bot stopped by user.")
	r.Sugar.Info("bot stopped")
	return nil
}

func (r *Runtime) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{Running: r.running, Run: r.run}
	if r.loop != nil {
		s = r.loop.stats(s)
		if !r.running {
			s.Uptime = ""
		}
	}
	return s
}

type loop struct {
	Sugar *zap.SugaredLogger

	cfg       config.Record
	opts      Options
	run       uint64
	conn      Connector
	evaluator Evaluator
	sink      event.Sink
	emit      func(level, msg string)
	account   *Account
	startedAt time.Time

	mu         sync.Mutex
	prices     []float64
	ticks      int64
	lastAlert  float64
	lastSignal strategy.Signal
}

func (l *loop) Run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Duration(l.cfg.TickIntervalSeconds) * l.opts.TickUnit)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.emit(event.Info, "Bot loop stopped.")
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *loop) publish(e event.Event) {
	e.Run = l.run
	l.sink.Publish(e)
}

func (l *loop) tick(ctx context.Context) {
	price, err := l.conn.Price(ctx)
	if err != nil {
		l.emit(event.Error, "Failed to get price: "+err.Error())
		return
	}
	now := time.Now()

	l.mu.Lock()
	l.prices = append(l.prices, price)
	if len(l.prices) > l.opts.Window {
		l.prices = append(l.prices[:0], l.prices[len(l.prices)-l.opts.Window:]...)
	}
	window := make([]float64, len(l.prices))
	copy(window, l.prices)
	l.ticks++
	l.mu.Unlock()
	metrics.TicksTotal.WithLabelValues(l.cfg.Symbol, l.cfg.Connector).Inc()

	l.publish(event.PriceTick(price, now))
	l.publish(event.Uptime(time.Since(l.startedAt)))
	l.publishPerformance(price)
	l.emit(event.Info, fmt.Sprintf("New price for %s: $%.2f", l.cfg.Symbol, price))

	d, err := l.evaluator.Evaluate(l.cfg.Strategy, l.cfg.StrategyParams, window)
	if err != nil {
		metrics.EvaluateErrors.Inc()
		l.emit(event.Error, fmt.Sprintf("Strategy %s failed: %s", l.cfg.Strategy, err))
	} else {
		l.act(ctx, d.Signal, price, now)
		if len(d.Indicators) > 0 {
			l.publish(event.Indicators(d.Indicators, now))
		}
	}

	l.checkPriceAlert(price)
}

func (l *loop) act(ctx context.Context, signal strategy.Signal, price float64, t time.Time) {
	if signal == strategy.Hold {
		return
	}
	order := Order{Symbol: l.cfg.Symbol, Side: signal, Price: price, Quote: QuoteAmount(l.cfg.RiskLevel)}
	if err := l.conn.PlaceOrder(ctx, order); err != nil {
		l.Sugar.Errorf("place %s order error: %s", signal, err)
	}
	l.account.Record(signal, price, order.Quote)
	l.mu.Lock()
	l.lastSignal = signal
	l.mu.Unlock()

	metrics.SignalsTotal.WithLabelValues(l.cfg.Strategy, signal.String()).Inc()
	l.emit(event.Signal, fmt.Sprintf("%s signal triggered", signal))
	l.publish(event.TradeSignal(signal.String(), price, t))
}

func (l *loop) publishPerformance(price float64) {
	l.publish(event.PerformanceStats(event.Performance{
		Trades:  l.account.Trades(),
		WinRate: l.account.WinRate(),
		Price:   price,
		PnL:     l.account.ProfitLoss(),
	}))
}

// checkPriceAlert warns when the price moved AlertPercent or more since the
// last alert.
func (l *loop) checkPriceAlert(price float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastAlert == 0 {
		l.lastAlert = price
		return
	}
	change := math.Abs(price-l.lastAlert) / l.lastAlert * 100
	if change < l.opts.AlertPercent {
		return
	}
	direction := "UP"
	if price < l.lastAlert {
		direction = "DOWN"
	}
	l.emit(event.Warning, fmt.Sprintf("PRICE ALERT: %s moved %s by %.2f%% (from $%.2f to $%.2f)",
		l.cfg.Symbol, direction, change, l.lastAlert, price))
	l.lastAlert = price
}

func (l *loop) stats(s Stats) Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.Symbol = l.cfg.Symbol
	s.Strategy = l.cfg.Strategy
	s.Ticks = l.ticks
	s.Trades = l.account.Trades()
	s.WinRate = l.account.WinRate()
	s.PnL = l.account.ProfitLoss()
	if n := len(l.prices); n > 0 {
		s.Price = l.prices[n-1]
	}
	if l.lastSignal != strategy.Hold {
		s.LastSignal = l.lastSignal.String()
	}
	s.StartedAt = l.startedAt
	s.Uptime = time.Since(l.startedAt).Round(time.Second).String()
	return s
}
