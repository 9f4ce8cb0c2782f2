package httpapi

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Paintersrp/procsup/internal/api"
	"github.com/Paintersrp/procsup/internal/lifecycle"
	"github.com/Paintersrp/procsup/internal/metrics"
	"github.com/Paintersrp/procsup/internal/runtime/process"
)

const (
	defaultAddr            = "127.0.0.1:7663"
	defaultReadHeader      = 5 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	maxBodyBytes           = 1 << 20

	processesPrefix  = "/api/v1/processes/"
	workspacesPrefix = "/api/v1/workspaces/"
)

// Config controls construction of the API server.
type Config struct {
	Addr              string
	Controller        api.Controller
	Listener          net.Listener
	Logger            *slog.Logger
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server wraps an http.Server exposing supervisor controls.
type Server struct {
	ctrl            api.Controller
	srv             *http.Server
	listener        net.Listener
	log             *slog.Logger
	shutdownTimeout time.Duration
}

// NewServer constructs a Server with sane defaults.
func NewServer(cfg Config) (*Server, error) {
	if isNilController(cfg.Controller) {
		if cfg.Controller == nil {
			return nil, fmt.Errorf("controller is required")
		}
		return nil, fmt.Errorf("controller is required (got nil %T)", cfg.Controller)
	}
	addr := normalizeAddr(cfg.Addr)
	mux := http.NewServeMux()
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	if srv.ReadHeaderTimeout == 0 {
		srv.ReadHeaderTimeout = defaultReadHeader
	}
	server := &Server{
		ctrl:            cfg.Controller,
		srv:             srv,
		listener:        cfg.Listener,
		log:             cfg.Logger,
		shutdownTimeout: cfg.ShutdownTimeout,
	}
	if server.log == nil {
		server.log = slog.New(slog.DiscardHandler)
	}
	if server.shutdownTimeout == 0 {
		server.shutdownTimeout = defaultShutdownTimeout
	}
	server.registerRoutes(mux)
	return server, nil
}

func isNilController(ctrl api.Controller) bool {
	if ctrl == nil {
		return true
	}
	v := reflect.ValueOf(ctrl)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// Run starts serving until the provided context is cancelled.
func (s *Server) Run(ctx stdcontext.Context) error {
	if ctx == nil {
		ctx = stdcontext.Background()
	}
	errCh := make(chan error, 1)
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := stdcontext.WithTimeout(stdcontext.Background(), s.shutdownTimeout)
			defer cancel()
			_ = s.srv.Shutdown(shutdownCtx)
		case <-stop:
		}
	}()

	go func() {
		var err error
		if s.listener != nil {
			err = s.srv.Serve(s.listener)
		} else {
			err = s.srv.ListenAndServe()
		}
		errCh <- err
	}()

	err := <-errCh
	close(stop)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.srv.Addr
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/launch", s.handleLaunch)
	mux.HandleFunc("/api/v1/launch/batch", s.handleLaunchBatch)
	mux.HandleFunc(workspacesPrefix, s.handleWorkspace)
	mux.HandleFunc("/api/v1/capabilities", s.handleCapabilities)
	mux.HandleFunc("/api/v1/processes", s.handleProcesses)
	mux.HandleFunc(processesPrefix, s.handleProcess)
	mux.HandleFunc("/api/v1/resolve", s.handleResolve)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.LaunchRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.ctrl.Launch(r.Context(), req)
	if err != nil {
		s.writeErrorWithDetails(w, err, map[string]any{"command": req.Command, "profile": req.Profile})
		return
	}
	s.writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleLaunchBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.BatchLaunchRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.ctrl.LaunchBatch(r.Context(), req)
	if err != nil {
		s.writeErrorWithDetails(w, err, map[string]any{"workspace": req.Workspace})
		return
	}
	for i := range result.Items {
		if err := result.Items[i].Err; err != nil {
			_, result.Items[i].Code, _ = classifyError(err)
		}
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleWorkspace serves DELETE /api/v1/workspaces/{id}.
func (s *Server) handleWorkspace(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, workspacesPrefix), "/")
	if id == "" || strings.Contains(id, "/") {
		s.writeJSON(w, http.StatusNotFound, errorBody{
			Code:    "not_found",
			Message: fmt.Sprintf("no route for %s", r.URL.Path),
		})
		return
	}
	if r.Method != http.MethodDelete {
		s.methodNotAllowed(w, http.MethodDelete)
		return
	}
	result, err := s.ctrl.StopWorkspace(r.Context(), id)
	if err != nil {
		s.writeErrorWithDetails(w, err, map[string]any{"workspace": id})
		return
	}
	for i := range result.Items {
		if err := result.Items[i].Err; err != nil {
			_, result.Items[i].Code, _ = classifyError(err)
		}
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	result, err := s.ctrl.Capabilities(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	result, err := s.ctrl.Processes(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleProcess serves /api/v1/processes/{pid} and
// /api/v1/processes/{pid}/terminate.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, processesPrefix), "/")
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		pid, err := parsePID(parts[0])
		if err != nil {
			s.writeErrorWithDetails(w, err, map[string]any{"pid": parts[0]})
			return
		}
		result, err := s.ctrl.ProcessStatus(r.Context(), pid)
		if err != nil {
			s.writeErrorWithDetails(w, err, map[string]any{"pid": pid})
			return
		}
		s.writeJSON(w, http.StatusOK, result)
	case len(parts) == 2 && parts[1] == "terminate":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		pid, err := parsePID(parts[0])
		if err != nil {
			s.writeErrorWithDetails(w, err, map[string]any{"pid": parts[0]})
			return
		}
		result, err := s.ctrl.Terminate(r.Context(), pid)
		if err != nil {
			s.writeErrorWithDetails(w, err, map[string]any{"pid": pid})
			return
		}
		s.writeJSON(w, http.StatusOK, result)
	default:
		s.writeJSON(w, http.StatusNotFound, errorBody{
			Code:    "not_found",
			Message: fmt.Sprintf("no route for %s", r.URL.Path),
		})
	}
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.ResolveRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.ParentPID <= 0 {
		s.writeErrorWithDetails(w, fmt.Errorf("%w: parent_pid must be positive", api.ErrInvalidPID), map[string]any{"parent_pid": req.ParentPID})
		return
	}
	result, err := s.ctrl.Resolve(r.Context(), req)
	if err != nil {
		s.writeErrorWithDetails(w, err, map[string]any{"parent_pid": req.ParentPID})
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", api.ErrInvalidRequest)
		}
		return fmt.Errorf("%w: %v", api.ErrInvalidRequest, err)
	}
	return nil
}

func parsePID(value string) (int, error) {
	pid, err := strconv.Atoi(value)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%w: %q", api.ErrInvalidPID, value)
	}
	return pid, nil
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, method string) {
	w.Header().Set("Allow", method)
	s.writeJSON(w, http.StatusMethodNotAllowed, errorBody{
		Code:    "method_not_allowed",
		Message: fmt.Sprintf("method %s not allowed", method),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Message string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeErrorWithDetails(w, err, nil)
}

func (s *Server) writeErrorWithDetails(w http.ResponseWriter, err error, extra map[string]any) {
	status, code, errDetails := classifyError(err)
	details := map[string]any{
		"timestamp": time.Now().UTC(),
	}
	for k, v := range extra {
		if v == "" {
			continue
		}
		details[k] = v
	}
	for k, v := range errDetails {
		details[k] = v
	}
	if status >= http.StatusInternalServerError {
		s.log.Warn("api request failed", "code", code, "error", err)
	}
	s.writeJSON(w, status, errorBody{
		Message: err.Error(),
		Code:    code,
		Details: details,
	})
}

func classifyError(err error) (int, string, map[string]any) {
	var spawnErr *process.SpawnError
	if errors.As(err, &spawnErr) {
		return http.StatusUnprocessableEntity, string(spawnErr.Kind), map[string]any{"kind": string(spawnErr.Kind)}
	}
	var termErr *lifecycle.TerminationError
	if errors.As(err, &termErr) {
		details := map[string]any{"kind": string(termErr.Kind), "pid": termErr.PID}
		if termErr.Hint != "" {
			details["hint"] = termErr.Hint
		}
		if termErr.Kind == lifecycle.KindPermissionDenied {
			return http.StatusForbidden, "permission_denied", details
		}
		return http.StatusInternalServerError, "termination_failed", details
	}

	switch {
	case errors.Is(err, stdcontext.Canceled):
		return 499, "context_canceled", nil
	case errors.Is(err, stdcontext.DeadlineExceeded):
		return http.StatusGatewayTimeout, "deadline_exceeded", nil
	case errors.Is(err, api.ErrInvalidPID):
		return http.StatusBadRequest, "invalid_pid", nil
	case errors.Is(err, api.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request", nil
	case errors.Is(err, api.ErrUnknownProfile):
		return http.StatusNotFound, "unknown_profile", nil
	case errors.Is(err, api.ErrEmptyWorkspace):
		return http.StatusNotFound, "empty_workspace", nil
	case errors.Is(err, api.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable", nil
	default:
		return http.StatusInternalServerError, "internal_error", nil
	}
}

func normalizeAddr(addr string) string {
	if strings.TrimSpace(addr) == "" {
		return defaultAddr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		// If parsing failed, trust caller.
		return addr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
