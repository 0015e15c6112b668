package module

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xyths/ganymede/strategy"
)

// Func is a stateless strategy supplied by a compiled user module.
type Func func(prices []float64, params map[string]float64) strategy.Signal

// Catalog is a Module backed by the built-in strategies plus any extra
// functions it was built with.
type Catalog struct {
	mu         sync.Mutex
	evaluators map[string]strategy.Evaluator
	funcs      map[string]Func
	emit       Emitter
	started    bool
}

type CatalogOption func(*Catalog)

func WithFunc(id string, f Func) CatalogOption {
	return func(c *Catalog) {
		c.funcs[id] = f
	}
}

// WithoutBuiltins leaves only the functions added with WithFunc.
func WithoutBuiltins() CatalogOption {
	return func(c *Catalog) {
		c.evaluators = map[string]strategy.Evaluator{}
	}
}

func NewCatalog(opts ...CatalogOption) *Catalog {
	c := &Catalog{
		evaluators: make(map[string]strategy.Evaluator),
		funcs:      make(map[string]Func),
	}
	for _, name := range strategy.Names() {
		e, _ := strategy.New(name)
		c.evaluators[name] = e
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Catalog) Start(ctx context.Context, emit Emitter) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.evaluators {
		e.Reset()
	}
	c.emit = emit
	c.started = true
	if len(c.funcs) > 0 {
		emit("info", fmt.Sprintf("module started with %d user strategies", len(c.funcs)))
	}
	return nil
}

func (c *Catalog) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = false
	return nil
}

func (c *Catalog) Evaluate(id string, params map[string]float64, prices []float64) (strategy.Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return strategy.Decision{}, ErrModuleStopped
	}
	if f, ok := c.funcs[id]; ok {
		sig := f(prices, params)
		if !sig.Valid() {
			c.emit("warning", fmt.Sprintf("strategy %s returned invalid signal %d", id, int(sig)))
			sig = strategy.Hold
		}
		return strategy.Decision{Signal: sig}, nil
	}
	if e, ok := c.evaluators[id]; ok {
		return e.Evaluate(params, prices), nil
	}
	return strategy.Decision{}, fmt.Errorf("strategy %q not found", id)
}

func (c *Catalog) Strategies() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.evaluators)+len(c.funcs))
	for name := range c.evaluators {
		names = append(names, name)
	}
	for name := range c.funcs {
		if _, dup := c.evaluators[name]; !dup {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (c *Catalog) Channels() []string {
	return strategy.Channels()
}

// BuiltinLoader serves "builtin:" references with a fresh Catalog.
type BuiltinLoader struct{}

func (BuiltinLoader) Load(ctx context.Context, ref ArtifactRef) (Module, error) {
	switch ref.Path() {
	case "", "default":
		return NewCatalog(), nil
	default:
		return nil, &LoadError{Ref: ref, Diagnostic: "unknown builtin module " + ref.Path()}
	}
}
