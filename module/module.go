// Package module hosts the strategy module currently driving the bot and
// replaces it in place when a new artifact is loaded.
//
// A Host owns at most one active Handle. Loading produces a new Handle next to
// the active one; Activate swaps them atomically with respect to Evaluate and
// then stops the previous module.
package module

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xyths/ganymede/strategy"
)

var (
	ErrLoadFailed     = errors.New("module load failed")
	ErrNoActiveModule = errors.New("no active module")
	ErrInvalidHandle  = errors.New("invalid module handle")
	ErrLoadInProgress = errors.New("module load in progress")
	ErrModuleStopped  = errors.New("module stopped")
	ErrUnknownScheme  = errors.New("unknown artifact scheme")
)

// Emitter is the only channel from a module back to the host: leveled log
// lines for the operator.
type Emitter func(level, message string)

// Module is the capability set every loaded strategy module provides.
type Module interface {
	Start(ctx context.Context, emit Emitter) error
	Stop(ctx context.Context) error
	Evaluate(strategyID string, params map[string]float64, prices []float64) (strategy.Decision, error)
	// Strategies lists the strategy ids the module can evaluate.
	Strategies() []string
	// Channels lists the indicator channels the module may emit.
	Channels() []string
}

// Loader instantiates a Module from an artifact reference.
type Loader interface {
	Load(ctx context.Context, ref ArtifactRef) (Module, error)
}

// ArtifactRef locates a loadable module: "builtin:<name>", "plugin:<path>" or
// an http(s) URL served by the compiler service.
type ArtifactRef string

const (
	SchemeBuiltin = "builtin"
	SchemePlugin  = "plugin"
)

// Scheme returns the loader scheme of the reference. URLs resolve to the
// plugin loader.
func (r ArtifactRef) Scheme() string {
	s := string(r)
	switch {
	case strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"):
		return SchemePlugin
	case strings.Contains(s, ":"):
		return s[:strings.Index(s, ":")]
	default:
		return ""
	}
}

// Path is the part after the scheme, or the whole URL.
func (r ArtifactRef) Path() string {
	s := string(r)
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return s
	}
	if i := strings.Index(s, ":"); i >= 0 {
		return s[i+1:]
	}
	return s
}

// LoadError reports an artifact that could not be turned into a running
// module. It matches ErrLoadFailed with errors.Is.
type LoadError struct {
	Ref        ArtifactRef
	Diagnostic string
	Err        error
}

func (e *LoadError) Error() string {
	if e.Diagnostic != "" {
		return fmt.Sprintf("load %s: %s", e.Ref, e.Diagnostic)
	}
	return fmt.Sprintf("load %s: %v", e.Ref, e.Err)
}

func (e *LoadError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrLoadFailed}
	}
	return []error{ErrLoadFailed, e.Err}
}

type State int

const (
	Unloaded State = iota
	Loading
	Active
	Unloading
	LoadFailed
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Active:
		return "active"
	case Unloading:
		return "unloading"
	case LoadFailed:
		return "load_failed"
	}
	return "unknown"
}
