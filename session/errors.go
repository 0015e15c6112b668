package session

import (
	"errors"
	"fmt"

	"github.com/xyths/ganymede/bot"
	"github.com/xyths/ganymede/compiler"
	"github.com/xyths/ganymede/config"
	"github.com/xyths/ganymede/module"
)

var (
	ErrInvalidConfig      = config.ErrInvalidConfig
	ErrEmptySource        = compiler.ErrEmptySource
	ErrCompileFailed      = compiler.ErrCompileFailed
	ErrLoadFailed         = module.ErrLoadFailed
	ErrAlreadyRunning     = bot.ErrAlreadyRunning
	ErrNotRunning         = bot.ErrNotRunning
	ErrBusy               = errors.New("another session operation is in progress")
	ErrRuntimeUnavailable = errors.New("bot runtime unavailable")
	// ErrStaleSwap is returned by a swap whose session was closed while it
	// was compiling; its result is discarded.
	ErrStaleSwap = errors.New("module swap discarded: session moved on")
)

// Categories reported to the operator.
const (
	CategoryInvalidConfig      = "invalid_config"
	CategoryBusy               = "busy"
	CategoryEmptySource        = "empty_source"
	CategoryCompileFailed      = "compile_failed"
	CategoryLoadFailed         = "load_failed"
	CategoryRuntimeUnavailable = "runtime_unavailable"
	CategoryInvalidState       = "invalid_state"
	CategoryStale              = "stale"
	CategoryInternal           = "internal"
)

// Category maps err to a coarse category. Nil has no category.
func Category(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidConfig):
		return CategoryInvalidConfig
	case errors.Is(err, ErrBusy), errors.Is(err, compiler.ErrBusy), errors.Is(err, module.ErrLoadInProgress):
		return CategoryBusy
	case errors.Is(err, ErrEmptySource):
		return CategoryEmptySource
	case errors.Is(err, ErrCompileFailed):
		return CategoryCompileFailed
	case errors.Is(err, ErrLoadFailed):
		return CategoryLoadFailed
	case errors.Is(err, ErrRuntimeUnavailable):
		return CategoryRuntimeUnavailable
	case errors.Is(err, ErrAlreadyRunning), errors.Is(err, ErrNotRunning):
		return CategoryInvalidState
	case errors.Is(err, ErrStaleSwap):
		return CategoryStale
	}
	return CategoryInternal
}

// Diagnostic is the operator facing detail of err: compiler or loader output
// verbatim, or the violated field constraint.
func Diagnostic(err error) string {
	var ce *compiler.CompileError
	var le *module.LoadError
	var ve *config.ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ce):
		return ce.Diagnostic
	case errors.As(err, &le):
		if le.Diagnostic != "" {
			return le.Diagnostic
		}
	case errors.As(err, &ve):
		return fmt.Sprintf("%s %s", ve.Field, ve.Constraint)
	}
	return err.Error()
}
