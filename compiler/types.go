// Package compiler talks to the remote compiler service and turns compiled
// artifacts into active modules. The service side lives here too: it injects
// user code into a plugin template and builds it with the go toolchain.
package compiler

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xyths/ganymede/module"
)

var (
	ErrEmptySource   = errors.New("source is empty")
	ErrBusy          = errors.New("a compile request is already pending")
	ErrCompileFailed = errors.New("compile failed")
)

type State int

const (
	Pending State = iota
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Kind of work a request asked for.
const (
	KindCompile  = "compile"
	KindValidate = "validate"
)

// Request is one submission to the compiler service. Artifact is set only for
// succeeded compile requests, Diagnostic only for failed ones.
type Request struct {
	ID          uuid.UUID          `json:"id"`
	Kind        string             `json:"kind"`
	Source      string             `json:"source"`
	State       State              `json:"state"`
	Artifact    module.ArtifactRef `json:"artifact,omitempty"`
	Diagnostic  string             `json:"diagnostic,omitempty"`
	SubmittedAt time.Time          `json:"submittedAt"`
	CompletedAt time.Time          `json:"completedAt,omitempty"`
}

func newRequest(kind, source string) *Request {
	return &Request{
		ID:          uuid.New(),
		Kind:        kind,
		Source:      source,
		State:       Pending,
		SubmittedAt: time.Now(),
	}
}

func (r *Request) succeed(ref module.ArtifactRef) {
	r.State = Succeeded
	r.Artifact = ref
	r.CompletedAt = time.Now()
}

func (r *Request) fail(diagnostic string) {
	r.State = Failed
	r.Diagnostic = diagnostic
	r.CompletedAt = time.Now()
}

func (r *Request) clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// CompileError carries the compiler diagnostic verbatim. It matches
// ErrCompileFailed with errors.Is.
type CompileError struct {
	RequestID  uuid.UUID
	Diagnostic string
	Err        error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile failed: %s", e.Diagnostic)
}

func (e *CompileError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrCompileFailed}
	}
	return []error{ErrCompileFailed, e.Err}
}

// Response is the wire format of /compile and /validate.
type Response struct {
	Success bool   `json:"success"`
	URL     string `json:"url,omitempty"`
	Error   string `json:"error,omitempty"`
}

type sourceRequest struct {
	Code string `json:"code"`
}
