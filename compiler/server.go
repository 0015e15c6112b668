package compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultBuildTimeout = 90 * time.Second
	artifactPrefix      = "/artifacts/"
	maxSourceBytes      = 1 << 20
)

// Builder compiles the main package in dir into out. On failure diagnostic
// holds the compiler output.
type Builder interface {
	Build(ctx context.Context, dir, out string) (diagnostic string, err error)
}

// GoBuilder runs `go build -buildmode=plugin`.
type GoBuilder struct {
	GoBinary string
}

func (b GoBuilder) Build(ctx context.Context, dir, out string) (string, error) {
	bin := b.GoBinary
	if bin == "" {
		bin = "go"
	}
	cmd := exec.CommandContext(ctx, bin, "build", "-buildmode=plugin", "-o", out, "main.go")
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "CGO_ENABLED=1")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.String(), err
}

// Server is the compiler service: /compile, /validate and the artifact files.
type Server struct {
	Sugar        *zap.SugaredLogger
	ArtifactDir  string
	PublicURL    string
	BuildTimeout time.Duration

	builder Builder
}

func NewServer(logger *zap.SugaredLogger, artifactDir, publicURL string, builder Builder) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if builder == nil {
		builder = GoBuilder{}
	}
	return &Server{
		Sugar:        logger,
		ArtifactDir:  artifactDir,
		PublicURL:    strings.TrimRight(publicURL, "/"),
		BuildTimeout: DefaultBuildTimeout,
		builder:      builder,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/compile", s.handleCompile)
	mux.HandleFunc("/validate", s.handleValidate)
	mux.Handle(artifactPrefix, http.StripPrefix(artifactPrefix, http.FileServer(http.Dir(s.ArtifactDir))))
	return mux
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	if err := os.MkdirAll(s.ArtifactDir, 0755); err != nil {
		return errors.Wrap(err, "create artifact dir")
	}
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.Sugar.Infof("compiler service listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) readSource(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Only POST method is allowed", http.StatusMethodNotAllowed)
		return "", false
	}
	var req sourceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSourceBytes)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return "", false
	}
	return req.Code, true
}

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	code, ok := s.readSource(w, r)
	if !ok {
		return
	}
	s.Sugar.Info("received compilation request")
	name, err := s.compile(r.Context(), code)
	if err != nil {
		s.Sugar.Infof("compilation error: %s", err)
		writeJSON(w, Response{Success: false, Error: err.Error()})
		return
	}
	url := s.PublicURL + artifactPrefix + name
	s.Sugar.Infof("compilation successful, artifact at %s", url)
	writeJSON(w, Response{Success: true, URL: url})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	code, ok := s.readSource(w, r)
	if !ok {
		return
	}
	s.Sugar.Info("received validation request")
	if diagnostic, err := s.validate(r.Context(), code); err != nil {
		s.Sugar.Infof("validation failed:\n%s", diagnostic)
		writeJSON(w, Response{Success: false, Error: diagnostic})
		return
	}
	s.Sugar.Info("validation successful")
	writeJSON(w, Response{Success: true})
}

// compile builds code into ArtifactDir and returns the artifact file name.
func (s *Server) compile(ctx context.Context, code string) (string, error) {
	if err := os.MkdirAll(s.ArtifactDir, 0755); err != nil {
		return "", errors.Wrap(err, "failed to create artifact directory")
	}
	name := "mod_" + uuid.NewString() + ".so"
	diagnostic, err := s.build(ctx, "ganymede-build-", code, filepath.Join(s.ArtifactDir, name))
	if err != nil {
		if diagnostic != "" {
			return "", errors.Errorf("compilation failed: %s", diagnostic)
		}
		return "", err
	}
	return name, nil
}

// validate builds code into a throwaway directory.
func (s *Server) validate(ctx context.Context, code string) (string, error) {
	diagnostic, err := s.build(ctx, "ganymede-validate-", code, "")
	if err != nil && diagnostic == "" {
		diagnostic = err.Error()
	}
	return diagnostic, err
}

// build renders code into a temporary main package and runs the builder.
// An empty out builds into the temporary directory.
func (s *Server) build(ctx context.Context, prefix, code, out string) (string, error) {
	if strings.TrimSpace(code) == "" {
		return "", ErrEmptySource
	}
	dir, err := os.MkdirTemp("", prefix)
	if err != nil {
		return "", errors.Wrap(err, "failed to create temp build directory")
	}
	defer os.RemoveAll(dir)

	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte(Render(code)), 0644); err != nil {
		return "", errors.Wrap(err, "failed to write temp go file")
	}
	if out == "" {
		out = filepath.Join(dir, "output.so")
	} else if out, err = filepath.Abs(out); err != nil {
		return "", err
	}

	timeout := s.BuildTimeout
	if timeout <= 0 {
		timeout = DefaultBuildTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	diagnostic, err := s.builder.Build(ctx, dir, out)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "build timeout after " + timeout.String(), ctx.Err()
	}
	return diagnostic, err
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
