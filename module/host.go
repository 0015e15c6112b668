package module

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xyths/ganymede/strategy"
	"go.uber.org/zap"
)

const DefaultLoadTimeout = 30 * time.Second

// Handle is one loaded module instance. Generations grow by one with every
// successful load of the same host.
type Handle struct {
	host       *Host
	generation uint64
	ref        ArtifactRef
	module     Module
	loadedAt   time.Time

	mu    sync.Mutex
	state State
}

func (h *Handle) Generation() uint64 { return h.generation }
func (h *Handle) Ref() ArtifactRef    { return h.ref }
func (h *Handle) LoadedAt() time.Time { return h.loadedAt }
func (h *Handle) Strategies() []string {
	return h.module.Strategies()
}
func (h *Handle) Channels() []string {
	return h.module.Channels()
}

// Supports reports whether the module can evaluate the strategy id.
func (h *Handle) Supports(id string) bool {
	for _, s := range h.module.Strategies() {
		if s == id {
			return true
		}
	}
	return false
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

type Host struct {
	Sugar       *zap.SugaredLogger
	LoadTimeout time.Duration

	emit    Emitter
	loaders map[string]Loader

	mu         sync.Mutex
	state      State
	loading    bool
	generation uint64
	active     atomic.Pointer[Handle]
}

func NewHost(logger *zap.SugaredLogger, emit Emitter) *Host {
	if emit == nil {
		emit = func(string, string) {}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Host{
		Sugar:       logger,
		LoadTimeout: DefaultLoadTimeout,
		emit:        emit,
		loaders:     make(map[string]Loader),
	}
}

// Register binds a loader to an artifact scheme.
func (h *Host) Register(scheme string, l Loader) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loaders[scheme] = l
}

func (h *Host) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Host) Active() *Handle {
	return h.active.Load()
}

func (h *Host) IsActive() bool {
	return h.active.Load() != nil
}

type loadResult struct {
	m   Module
	err error
}

// Load instantiates and starts the module behind ref. The active module is
// left untouched whatever the outcome; a successful handle must be passed to
// Activate or Discard.
func (h *Host) Load(ctx context.Context, ref ArtifactRef) (*Handle, error) {
	h.mu.Lock()
	if h.loading {
		h.mu.Unlock()
		return nil, ErrLoadInProgress
	}
	loader, ok := h.loaders[ref.Scheme()]
	if !ok {
		h.mu.Unlock()
		return nil, &LoadError{Ref: ref, Diagnostic: "no loader for scheme " + ref.Scheme(), Err: ErrUnknownScheme}
	}
	h.loading = true
	h.state = Loading
	h.mu.Unlock()

	h.Sugar.Infof("loading module %s", ref)
	m, err := h.instantiate(ctx, loader, ref)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.loading = false
	if err != nil {
		h.restoreStateLocked()
		h.Sugar.Errorf("load module %s error: %s", ref, err)
		return nil, err
	}
	h.generation++
	handle := &Handle{
		host:       h,
		generation: h.generation,
		ref:        ref,
		module:     m,
		loadedAt:   time.Now(),
		state:      Loading,
	}
	h.Sugar.Infof("module %s loaded as generation %d", ref, handle.generation)
	return handle, nil
}

func (h *Host) instantiate(ctx context.Context, loader Loader, ref ArtifactRef) (Module, error) {
	timeout := h.LoadTimeout
	if timeout <= 0 {
		timeout = DefaultLoadTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan loadResult, 1)
	go func() {
		m, err := loader.Load(ctx, ref)
		if err == nil {
			err = m.Start(ctx, h.emit)
		}
		done <- loadResult{m, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if le, ok := r.err.(*LoadError); ok {
				return nil, le
			}
			return nil, &LoadError{Ref: ref, Diagnostic: r.err.Error(), Err: r.err}
		}
		return r.m, nil
	case <-ctx.Done():
		// the loader may still finish; stop whatever it produced
		go func() {
			if r := <-done; r.err == nil && r.m != nil {
				_ = r.m.Stop(context.Background())
			}
		}()
		return nil, &LoadError{Ref: ref, Diagnostic: fmt.Sprintf("timeout after %s", timeout), Err: ctx.Err()}
	}
}

func (h *Host) restoreStateLocked() {
	if h.active.Load() != nil {
		h.state = Active
	} else {
		h.state = Unloaded
	}
}

// Activate makes handle the active module. Evaluations that start after the
// swap see the new module; the previous one is stopped afterwards.
func (h *Host) Activate(ctx context.Context, handle *Handle) error {
	if handle == nil || handle.host != h {
		return ErrInvalidHandle
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if handle.State() != Loading {
		return fmt.Errorf("%w: generation %d is %s", ErrInvalidHandle, handle.generation, handle.State())
	}

	handle.setState(Active)
	old := h.active.Swap(handle)
	if old != nil {
		h.state = Unloading
		h.retire(ctx, old)
	}
	h.state = Active
	h.Sugar.Infof("module generation %d active", handle.generation)
	return nil
}

// Discard stops a loaded handle that will never be activated.
func (h *Host) Discard(ctx context.Context, handle *Handle) {
	if handle == nil || handle.host != h {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	// an Activate racing on the same handle decides the state under mu
	if handle.State() != Loading {
		return
	}
	h.retire(ctx, handle)
	h.restoreStateLocked()
	h.Sugar.Infof("module generation %d discarded", handle.generation)
}

// Deactivate stops the active module, leaving the host unloaded.
func (h *Host) Deactivate(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.active.Swap(nil)
	if old == nil {
		return ErrNoActiveModule
	}
	h.state = Unloading
	h.retire(ctx, old)
	h.state = Unloaded
	return nil
}

func (h *Host) retire(ctx context.Context, handle *Handle) {
	handle.setState(Unloading)
	if err := handle.module.Stop(ctx); err != nil {
		h.Sugar.Errorf("stop module generation %d error: %s", handle.generation, err)
	}
	handle.setState(Unloaded)
}

// Evaluate runs strategyID on the active module. A panicking module is
// reported as an error.
func (h *Host) Evaluate(strategyID string, params map[string]float64, prices []float64) (d strategy.Decision, err error) {
	handle := h.active.Load()
	if handle == nil {
		return d, ErrNoActiveModule
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("module generation %d panic: %v", handle.generation, r)
		}
	}()
	return handle.module.Evaluate(strategyID, params, prices)
}
