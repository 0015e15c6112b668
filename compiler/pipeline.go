package compiler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xyths/ganymede/metrics"
	"github.com/xyths/ganymede/module"
	"go.uber.org/zap"
)

const DefaultCompileTimeout = 2 * time.Minute

// Remote is the compiler service as the pipeline uses it. *Client implements it.
type Remote interface {
	Compile(ctx context.Context, source string) (*Response, error)
	Validate(ctx context.Context, source string) (*Response, error)
}

// History keeps finished requests.
type History interface {
	SaveRequest(ctx context.Context, r *Request) error
}

// Stage marks a point of CompileAndLoad where the caller may abort.
type Stage int

const (
	// StageCompiled: the artifact exists, nothing was loaded yet.
	StageCompiled Stage = iota
	// StageLoaded: the module is instantiated but not active.
	StageLoaded
)

func (s Stage) String() string {
	if s == StageLoaded {
		return "loaded"
	}
	return "compiled"
}

// Gate is consulted between the stages of CompileAndLoad. A non-nil error
// stops the swap and is returned as is.
type Gate func(ctx context.Context, stage Stage) error

// Pipeline tracks the single pending compile request and hands successful
// artifacts to the module host.
type Pipeline struct {
	Sugar          *zap.SugaredLogger
	CompileTimeout time.Duration

	remote  Remote
	host    *module.Host
	history History

	mu      sync.Mutex
	pending *Request
	last    *Request
}

func NewPipeline(logger *zap.SugaredLogger, remote Remote, host *module.Host, history History) *Pipeline {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Pipeline{
		Sugar:          logger,
		CompileTimeout: DefaultCompileTimeout,
		remote:         remote,
		host:           host,
		history:        history,
	}
}

// Pending returns a copy of the in-flight request, or nil.
func (p *Pipeline) Pending() *Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending.clone()
}

// Last returns a copy of the most recently finished request, or nil.
func (p *Pipeline) Last() *Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last.clone()
}

// Submit compiles source on the remote service. A failed compile returns the
// failed request together with a *CompileError.
func (p *Pipeline) Submit(ctx context.Context, source string) (*Request, error) {
	r, err := p.begin(KindCompile, source)
	if err != nil {
		return nil, err
	}
	err = p.run(ctx, r, p.remote.Compile)
	p.finish(r)
	return r.clone(), err
}

// ValidateOnly checks source without producing an artifact.
func (p *Pipeline) ValidateOnly(ctx context.Context, source string) (*Request, error) {
	r, err := p.begin(KindValidate, source)
	if err != nil {
		return nil, err
	}
	err = p.run(ctx, r, p.remote.Validate)
	p.finish(r)
	return r.clone(), err
}

// CompileAndLoad compiles source, loads the artifact and activates it. A
// compile failure never reaches the host and is a *CompileError; a load
// failure is a *module.LoadError and leaves the active module in place.
func (p *Pipeline) CompileAndLoad(ctx context.Context, source string, gate Gate) (*module.Handle, error) {
	r, err := p.Submit(ctx, source)
	if err != nil {
		return nil, err
	}
	if gate != nil {
		if err := gate(ctx, StageCompiled); err != nil {
			return nil, err
		}
	}

	h, err := p.host.Load(ctx, r.Artifact)
	if err != nil {
		return nil, err
	}
	if gate != nil {
		if err := gate(ctx, StageLoaded); err != nil {
			p.host.Discard(ctx, h)
			return nil, err
		}
	}
	if err := p.host.Activate(ctx, h); err != nil {
		p.host.Discard(ctx, h)
		return nil, err
	}
	metrics.ActiveGeneration.Set(float64(h.Generation()))
	p.Sugar.Infof("request %s active as module generation %d", r.ID, h.Generation())
	return h, nil
}

func (p *Pipeline) begin(kind, source string) (*Request, error) {
	if strings.TrimSpace(source) == "" {
		return nil, ErrEmptySource
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending != nil {
		return nil, ErrBusy
	}
	r := newRequest(kind, source)
	p.pending = r
	return r, nil
}

func (p *Pipeline) finish(r *Request) {
	p.mu.Lock()
	p.pending = nil
	p.last = r.clone()
	p.mu.Unlock()

	if p.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.history.SaveRequest(ctx, r.clone()); err != nil {
		p.Sugar.Errorf("save compile request %s error: %s", r.ID, err)
	}
}

func (p *Pipeline) timeout() time.Duration {
	if p.CompileTimeout <= 0 {
		return DefaultCompileTimeout
	}
	return p.CompileTimeout
}

func (p *Pipeline) run(ctx context.Context, r *Request, call func(context.Context, string) (*Response, error)) error {
	timeout := p.timeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p.Sugar.Infof("%s request %s submitted", r.Kind, r.ID)
	start := time.Now()
	resp, err := call(ctx, r.Source)
	if r.Kind == KindCompile {
		metrics.CompileSeconds.Observe(time.Since(start).Seconds())
	}

	// r is shared with Pending readers until finish
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		r.fail(fmt.Sprintf("timeout after %s", timeout))
		err = context.DeadlineExceeded
	case err != nil:
		r.fail(err.Error())
	case !resp.Success:
		r.fail(resp.Error)
	case r.Kind == KindCompile && resp.URL == "":
		r.fail("compiler returned no artifact")
	default:
		r.succeed(module.ArtifactRef(resp.URL))
		p.Sugar.Infof("%s request %s succeeded", r.Kind, r.ID)
		return nil
	}
	p.Sugar.Infof("%s request %s failed", r.Kind, r.ID)
	return &CompileError{RequestID: r.ID, Diagnostic: r.Diagnostic, Err: err}
}
