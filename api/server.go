// Package api is the operator surface: HTTP intents for the session, chart
// snapshots and a websocket stream of bot events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/xyths/ganymede/compiler"
	"github.com/xyths/ganymede/config"
	"github.com/xyths/ganymede/metrics"
	"github.com/xyths/ganymede/module"
	"github.com/xyths/ganymede/series"
	"github.com/xyths/ganymede/session"
	"go.uber.org/zap"
)

const (
	maxBodyBytes = 1 << 20
	writeWait    = 10 * time.Second
	pingPeriod   = 15 * time.Second
	pongWait     = 30 * time.Second
)

// Session is what the API drives. *session.Controller implements it.
type Session interface {
	Start(ctx context.Context, rec config.Record) error
	Stop(ctx context.Context) error
	ApplyMod(ctx context.Context, source string) (*module.Handle, error)
	ValidateMod(ctx context.Context, source string) (*compiler.Request, error)
	LoadConfig(ctx context.Context, p config.Patch) (config.Record, error)
	Config() config.Record
	Status() session.Status
}

// CompileHistory lists past compile requests, newest first.
type CompileHistory interface {
	Recent(ctx context.Context, limit int64) ([]compiler.Request, error)
}

type Server struct {
	Sugar *zap.SugaredLogger

	session     Session
	series      *series.Store
	hub         *Hub
	history     CompileHistory
	metricsPath string
	upgrader    websocket.Upgrader
}

type Option func(*Server)

func WithHistory(h CompileHistory) Option {
	return func(s *Server) {
		s.history = h
	}
}

// WithMetrics serves the prometheus registry at path.
func WithMetrics(path string) Option {
	return func(s *Server) {
		s.metricsPath = path
	}
}

func NewServer(logger *zap.SugaredLogger, sess Session, s *series.Store, hub *Hub, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	srv := &Server{
		Sugar:   logger,
		session: sess,
		series:  s,
		hub:     hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/start", s.handleStart)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/mod/apply", s.handleApplyMod)
	mux.HandleFunc("/mod/validate", s.handleValidateMod)
	mux.HandleFunc("/series", s.handleSeries)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/ws/events", s.handleEventStream)
	mux.HandleFunc("/compiles", s.handleCompiles)
	if s.metricsPath != "" {
		mux.Handle(s.metricsPath, metrics.Handler())
	}
	return mux
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.Sugar.Infof("operator API listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
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

type result struct {
	Success  bool        `json:"success"`
	Category string      `json:"category,omitempty"`
	Error    string      `json:"error,omitempty"`
	Data     interface{} `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ok(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, result{Success: true, Data: data})
}

func fail(w http.ResponseWriter, err error) {
	category := session.Category(err)
	writeJSON(w, statusFor(category), result{Category: category, Error: session.Diagnostic(err)})
}

func statusFor(category string) int {
	switch category {
	case session.CategoryInvalidConfig, session.CategoryEmptySource:
		return http.StatusBadRequest
	case session.CategoryBusy, session.CategoryInvalidState, session.CategoryStale:
		return http.StatusConflict
	case session.CategoryCompileFailed, session.CategoryLoadFailed:
		return http.StatusUnprocessableEntity
	case session.CategoryRuntimeUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func allow(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

// decode reads an optional JSON body into v. An empty body leaves v alone.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, result{Category: session.CategoryInvalidConfig, Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.session.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "healthy",
		"session":    st.State,
		"generation": st.Generation,
		"clients":    s.hub.clientCount(),
		"dropped":    s.hub.Dropped(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ok(w, s.session.Status())
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet, http.MethodPost, http.MethodPut) {
		return
	}
	if r.Method == http.MethodGet {
		ok(w, s.session.Config().Redacted())
		return
	}
	var p config.Patch
	if !decode(w, r, &p) {
		return
	}
	rec, err := s.session.LoadConfig(r.Context(), p)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, rec.Redacted())
}

// handleStart starts the bot with the current config, patched by the
// optional body.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var p config.Patch
	if !decode(w, r, &p) {
		return
	}
	rec := s.session.Config().Merge(p)
	if err := s.session.Start(r.Context(), rec); err != nil {
		fail(w, err)
		return
	}
	ok(w, s.session.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if err := s.session.Stop(r.Context()); err != nil {
		fail(w, err)
		return
	}
	ok(w, s.session.Status())
}

type sourceBody struct {
	Code string `json:"code"`
}

func (s *Server) handleApplyMod(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var body sourceBody
	if !decode(w, r, &body) {
		return
	}
	// a client hanging up must not abort a swap half way
	h, err := s.session.ApplyMod(context.WithoutCancel(r.Context()), body.Code)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]interface{}{
		"generation": h.Generation(),
		"module":     h.Ref(),
		"strategies": h.Strategies(),
	})
}

func (s *Server) handleValidateMod(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var body sourceBody
	if !decode(w, r, &body) {
		return
	}
	req, err := s.session.ValidateMod(r.Context(), body.Code)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, req)
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	if name := r.URL.Query().Get("channel"); name != "" {
		ok(w, map[string]interface{}{name: s.series.Snapshot(name)})
		return
	}
	ok(w, s.series.SnapshotAll())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ok(w, s.hub.Recent())
}

func (s *Server) handleCompiles(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		st := s.session.Status()
		if st.LastCompile == nil {
			ok(w, []compiler.Request{})
			return
		}
		ok(w, []compiler.Request{*st.LastCompile})
		return
	}
	reqs, err := s.history.Recent(r.Context(), 20)
	if err != nil {
		s.Sugar.Errorf("load compile history error: %s", err)
		writeJSON(w, http.StatusInternalServerError, result{Category: session.CategoryInternal, Error: err.Error()})
		return
	}
	ok(w, reqs)
}

// handleEventStream replays the remembered events, then streams new ones
// until the client goes away.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Sugar.Debugf("websocket upgrade error: %s", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := s.hub.subscribe()
	defer unsubscribe()

	// reader: only control frames are expected; it notices the close
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, e := range s.hub.Recent() {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(e); err != nil {
			return
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case e := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
