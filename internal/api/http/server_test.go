package httpapi

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Paintersrp/procsup/internal/api"
	"github.com/Paintersrp/procsup/internal/lifecycle"
	"github.com/Paintersrp/procsup/internal/metrics"
	"github.com/Paintersrp/procsup/internal/runtime/process"
	"github.com/Paintersrp/procsup/internal/supervisor"
)

type testController struct{}

func (t *testController) Launch(stdcontext.Context, api.LaunchRequest) (*api.LaunchResult, error) {
	return nil, nil
}

func (t *testController) LaunchBatch(stdcontext.Context, api.BatchLaunchRequest) (*api.BatchLaunchResult, error) {
	return nil, nil
}

func (t *testController) StopWorkspace(stdcontext.Context, string) (*api.WorkspaceStopResult, error) {
	return nil, nil
}

func (t *testController) Capabilities(stdcontext.Context) (*api.Capabilities, error) {
	return nil, nil
}

func (t *testController) Processes(stdcontext.Context) (*api.ProcessList, error) {
	return nil, nil
}

func (t *testController) ProcessStatus(stdcontext.Context, int) (*api.ProcessStatus, error) {
	return nil, nil
}

func (t *testController) Terminate(stdcontext.Context, int) (*api.TerminateResult, error) {
	return nil, nil
}

func (t *testController) Resolve(stdcontext.Context, api.ResolveRequest) (*api.ResolveResult, error) {
	return nil, nil
}

func TestNewServerRejectsTypedNilController(t *testing.T) {
	var ctrl api.Controller = (*testController)(nil)
	_, err := NewServer(Config{Controller: ctrl})
	if err == nil {
		t.Fatalf("expected error when controller is typed nil")
	}
	if !strings.Contains(err.Error(), "testController") {
		t.Fatalf("expected error to describe typed nil controller, got %v", err)
	}
	if _, err := NewServer(Config{}); err == nil {
		t.Fatalf("expected error when controller is missing")
	}
}

func TestNormalizeAddr(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":           defaultAddr,
		":80":        "127.0.0.1:80",
		"0.0.0.0:80": "0.0.0.0:80",
		"[::]:80":    "[::]:80",
		"host:9000":  "host:9000",
		"[::1]:443":  "[::1]:443",
	}

	for input, expected := range tests {
		input, expected := input, expected
		t.Run(fmt.Sprintf("%s->%s", input, expected), func(t *testing.T) {
			t.Parallel()
			if got := normalizeAddr(input); got != expected {
				t.Fatalf("normalizeAddr(%q)=%q, want %q", input, got, expected)
			}
		})
	}
}

func TestHandleLaunch(t *testing.T) {
	ctrl := &mockController{
		launchFn: func(_ stdcontext.Context, req api.LaunchRequest) (*api.LaunchResult, error) {
			if req.Command != "npm" || len(req.Args) != 2 || !req.Track || req.MaxWait != "2s" {
				t.Fatalf("unexpected request %+v", req)
			}
			return &api.LaunchResult{ID: "run-1", Command: req.Command, InitialPID: 10, PID: 11, Tracked: true, Resolved: true}, nil
		},
	}
	server := newTestServer(t, ctrl)

	body := `{"command":"npm","args":["run","dev"],"track":true,"max_wait":"2s"}`
	rec := serve(server, http.MethodPost, "/api/v1/launch", body)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var result api.LaunchResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result.PID != 11 || result.InitialPID != 10 || !result.Resolved {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestHandleLaunchRejectsBadBody(t *testing.T) {
	server := newTestServer(t, &mockController{})

	for name, body := range map[string]string{
		"empty":   "",
		"garbage": "{not json",
		"unknown": `{"command":"ls","shell":true}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := serve(server, http.MethodPost, "/api/v1/launch", body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if code := decodeError(t, rec).Code; code != "invalid_request" {
				t.Fatalf("expected invalid_request, got %q", code)
			}
		})
	}
}

func TestHandleLaunchSpawnError(t *testing.T) {
	ctrl := &mockController{
		launchFn: func(stdcontext.Context, api.LaunchRequest) (*api.LaunchResult, error) {
			return nil, &process.SpawnError{Kind: process.KindExecutableNotFound, Command: "nope"}
		},
	}
	server := newTestServer(t, ctrl)

	rec := serve(server, http.MethodPost, "/api/v1/launch", `{"command":"nope"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	body := decodeError(t, rec)
	if body.Code != "executable_not_found" {
		t.Fatalf("expected executable_not_found, got %q", body.Code)
	}
	details := body.Details.(map[string]any)
	if details["kind"] != "executable_not_found" || details["command"] != "nope" {
		t.Fatalf("unexpected details %v", details)
	}
	if _, ok := details["profile"]; ok {
		t.Fatalf("empty profile should be omitted from details")
	}
}

func TestHandleLaunchUnknownProfile(t *testing.T) {
	ctrl := &mockController{
		launchFn: func(_ stdcontext.Context, req api.LaunchRequest) (*api.LaunchResult, error) {
			return nil, fmt.Errorf("%w: %s", api.ErrUnknownProfile, req.Profile)
		},
	}
	server := newTestServer(t, ctrl)

	rec := serve(server, http.MethodPost, "/api/v1/launch", `{"profile":"web"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if code := decodeError(t, rec).Code; code != "unknown_profile" {
		t.Fatalf("expected unknown_profile, got %q", code)
	}
}

func TestHandleProcesses(t *testing.T) {
	ctrl := &mockController{
		processesFn: func(stdcontext.Context) (*api.ProcessList, error) {
			return &api.ProcessList{
				GeneratedAt: time.Unix(123, 0),
				Processes:   []supervisor.Entry{{LaunchID: "a", PID: 42, Command: "vite"}},
			}, nil
		},
	}
	server := newTestServer(t, ctrl)

	rec := serve(server, http.MethodGet, "/api/v1/processes", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list api.ProcessList
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(list.Processes) != 1 || list.Processes[0].PID != 42 {
		t.Fatalf("unexpected list %+v", list)
	}

	rec = serve(server, http.MethodPost, "/api/v1/processes", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow != http.MethodGet {
		t.Fatalf("expected Allow header %q, got %q", http.MethodGet, allow)
	}
}

func TestHandleProcessStatus(t *testing.T) {
	ctrl := &mockController{
		statusFn: func(_ stdcontext.Context, pid int) (*api.ProcessStatus, error) {
			return &api.ProcessStatus{PID: pid, Alive: pid == 42}, nil
		},
	}
	server := newTestServer(t, ctrl)

	rec := serve(server, http.MethodGet, "/api/v1/processes/42", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status api.ProcessStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if status.PID != 42 || !status.Alive {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestHandleProcessInvalidPID(t *testing.T) {
	server := newTestServer(t, &mockController{})

	for _, path := range []string{"/api/v1/processes/abc", "/api/v1/processes/-4", "/api/v1/processes/0/terminate"} {
		method := http.MethodGet
		if strings.HasSuffix(path, "/terminate") {
			method = http.MethodPost
		}
		rec := serve(server, method, path, "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, rec.Code)
		}
		if code := decodeError(t, rec).Code; code != "invalid_pid" {
			t.Fatalf("%s: expected invalid_pid, got %q", path, code)
		}
	}

	rec := serve(server, http.MethodGet, "/api/v1/processes/42/children", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown sub-route, got %d", rec.Code)
	}
}

func TestHandleTerminate(t *testing.T) {
	ctrl := &mockController{
		terminateFn: func(_ stdcontext.Context, pid int) (*api.TerminateResult, error) {
			return &api.TerminateResult{Outcome: lifecycle.Outcome{Root: pid, Graceful: []int{pid, 43}, Message: "terminated gracefully"}}, nil
		},
	}
	server := newTestServer(t, ctrl)

	rec := serve(server, http.MethodPost, "/api/v1/processes/42/terminate", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var result api.TerminateResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result.Outcome.Root != 42 || len(result.Outcome.Graceful) != 2 {
		t.Fatalf("unexpected outcome %+v", result.Outcome)
	}

	rec = serve(server, http.MethodGet, "/api/v1/processes/42/terminate", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleTerminatePermissionDenied(t *testing.T) {
	ctrl := &mockController{
		terminateFn: func(_ stdcontext.Context, pid int) (*api.TerminateResult, error) {
			return nil, &lifecycle.TerminationError{Kind: lifecycle.KindPermissionDenied, PID: pid, Hint: lifecycle.PermissionHint}
		},
	}
	server := newTestServer(t, ctrl)

	rec := serve(server, http.MethodPost, "/api/v1/processes/7/terminate", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	body := decodeError(t, rec)
	if body.Code != "permission_denied" {
		t.Fatalf("expected permission_denied, got %q", body.Code)
	}
	details := body.Details.(map[string]any)
	if details["hint"] != lifecycle.PermissionHint {
		t.Fatalf("expected hint in details, got %v", details)
	}
	if _, ok := details["timestamp"]; !ok {
		t.Fatalf("expected timestamp key in details")
	}
}

func TestHandleTerminateFailure(t *testing.T) {
	ctrl := &mockController{
		terminateFn: func(_ stdcontext.Context, pid int) (*api.TerminateResult, error) {
			return nil, &lifecycle.TerminationError{Kind: lifecycle.KindOther, PID: pid, Err: errors.New("stuck")}
		},
	}
	server := newTestServer(t, ctrl)

	rec := serve(server, http.MethodPost, "/api/v1/processes/7/terminate", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if code := decodeError(t, rec).Code; code != "termination_failed" {
		t.Fatalf("expected termination_failed, got %q", code)
	}
}

func TestHandleResolve(t *testing.T) {
	ctrl := &mockController{
		resolveFn: func(_ stdcontext.Context, req api.ResolveRequest) (*api.ResolveResult, error) {
			if req.ExpectedName != "node" {
				t.Fatalf("unexpected request %+v", req)
			}
			return &api.ResolveResult{ParentPID: req.ParentPID, PID: 99, Found: true}, nil
		},
	}
	server := newTestServer(t, ctrl)

	rec := serve(server, http.MethodPost, "/api/v1/resolve", `{"parent_pid":10,"expected_name":"node"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var result api.ResolveResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if !result.Found || result.PID != 99 || result.ParentPID != 10 {
		t.Fatalf("unexpected result %+v", result)
	}

	rec = serve(server, http.MethodPost, "/api/v1/resolve", `{"parent_pid":0}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing parent pid, got %d", rec.Code)
	}
}

func TestInternalErrors(t *testing.T) {
	ctrl := &mockController{
		processesFn: func(stdcontext.Context) (*api.ProcessList, error) {
			return nil, errors.New("boom")
		},
	}
	server := newTestServer(t, ctrl)

	rec := serve(server, http.MethodGet, "/api/v1/processes", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	body := decodeError(t, rec)
	if body.Code != "internal_error" || body.Message != "boom" {
		t.Fatalf("unexpected error body %+v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server := newTestServer(t, &mockController{})

	metrics.RecordSpawn("ok")
	metrics.RecordTermination("graceful")
	metrics.EmitBuildInfo()

	rec := serve(server, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics endpoint, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`procsup_spawns_total{result="ok"}`,
		`procsup_terminations_total{outcome="graceful"}`,
		"procsup_build_info{",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics output to include %q, got:\n%s", want, body)
		}
	}
}

func TestHandleLaunchBatch(t *testing.T) {
	ctrl := &mockController{
		batchFn: func(_ stdcontext.Context, req api.BatchLaunchRequest) (*api.BatchLaunchResult, error) {
			if req.Workspace != "ws-1" || req.Detached != nil || len(req.Items) != 1 {
				t.Fatalf("unexpected request %+v", req)
			}
			spawnErr := &process.SpawnError{Kind: process.KindExecutableNotFound, Command: "nope", Err: process.ErrExecutableNotFound}
			return &api.BatchLaunchResult{
				Workspace: req.Workspace,
				Launched:  1,
				Failed:    1,
				Items: []api.BatchItem{
					{Profile: "web", Command: "npm", Success: true, Launch: &api.LaunchResult{ID: "run-1", PID: 11}},
					{Command: "nope", Err: spawnErr, Error: spawnErr.Error()},
				},
			}, nil
		},
	}
	server := newTestServer(t, ctrl)

	rec := serve(server, http.MethodPost, "/api/v1/launch/batch", `{"workspace":"ws-1","items":[{"command":"nope"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result api.BatchLaunchResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result.Launched != 1 || result.Failed != 1 || len(result.Items) != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
	if !result.Items[0].Success || result.Items[0].Launch.PID != 11 {
		t.Fatalf("unexpected first item %+v", result.Items[0])
	}
	if result.Items[1].Success || result.Items[1].Code != string(process.KindExecutableNotFound) || result.Items[1].Error == "" {
		t.Fatalf("expected per-item spawn error, got %+v", result.Items[1])
	}
}

func TestHandleLaunchBatchEmptyWorkspace(t *testing.T) {
	ctrl := &mockController{
		batchFn: func(_ stdcontext.Context, req api.BatchLaunchRequest) (*api.BatchLaunchResult, error) {
			return nil, fmt.Errorf("%w: %s", api.ErrEmptyWorkspace, req.Workspace)
		},
	}
	server := newTestServer(t, ctrl)

	rec := serve(server, http.MethodPost, "/api/v1/launch/batch", `{"workspace":"ghost"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	body := decodeError(t, rec)
	if body.Code != "empty_workspace" {
		t.Fatalf("expected empty_workspace, got %q", body.Code)
	}
	if details, _ := body.Details.(map[string]any); details["workspace"] != "ghost" {
		t.Fatalf("expected workspace detail, got %+v", body.Details)
	}

	rec = serve(server, http.MethodGet, "/api/v1/launch/batch", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleStopWorkspace(t *testing.T) {
	ctrl := &mockController{
		stopFn: func(_ stdcontext.Context, id string) (*api.WorkspaceStopResult, error) {
			if id != "ws-1" {
				t.Fatalf("unexpected workspace %q", id)
			}
			denied := &lifecycle.TerminationError{Kind: lifecycle.KindPermissionDenied, PID: 30, Hint: lifecycle.PermissionHint, Err: lifecycle.ErrPermissionDenied}
			return &api.WorkspaceStopResult{
				Workspace: id,
				Items: []api.WorkspaceStopItem{
					{LaunchID: "run-2", PID: 20, Success: true, Outcomes: []lifecycle.Outcome{{Root: 20, Message: "terminated gracefully"}}},
					{LaunchID: "run-3", PID: 30, Err: denied, Error: denied.Error()},
				},
			}, nil
		},
	}
	server := newTestServer(t, ctrl)

	rec := serve(server, http.MethodDelete, "/api/v1/workspaces/ws-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result api.WorkspaceStopResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(result.Items) != 2 || !result.Items[0].Success {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Items[1].Code != "permission_denied" {
		t.Fatalf("expected permission_denied item code, got %+v", result.Items[1])
	}

	if rec := serve(server, http.MethodGet, "/api/v1/workspaces/ws-1", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if rec := serve(server, http.MethodDelete, "/api/v1/workspaces/", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without an id, got %d", rec.Code)
	}
}

func TestHandleStopWorkspaceWithoutWatcher(t *testing.T) {
	ctrl := &mockController{
		stopFn: func(stdcontext.Context, string) (*api.WorkspaceStopResult, error) {
			return nil, fmt.Errorf("%w: %w", api.ErrUnavailable, supervisor.ErrNotWatching)
		},
	}
	server := newTestServer(t, ctrl)

	rec := serve(server, http.MethodDelete, "/api/v1/workspaces/ws-1", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHandleCapabilities(t *testing.T) {
	server := newTestServer(t, &mockController{})

	rec := serve(server, http.MethodGet, "/api/v1/capabilities", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var caps api.Capabilities
	if err := json.NewDecoder(rec.Body).Decode(&caps); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if caps.OS != "linux" || !caps.GroupDetach || caps.HiddenWindow {
		t.Fatalf("unexpected capabilities %+v", caps)
	}
}

type mockController struct {
	launchFn    func(stdcontext.Context, api.LaunchRequest) (*api.LaunchResult, error)
	processesFn func(stdcontext.Context) (*api.ProcessList, error)
	statusFn    func(stdcontext.Context, int) (*api.ProcessStatus, error)
	terminateFn func(stdcontext.Context, int) (*api.TerminateResult, error)
	resolveFn   func(stdcontext.Context, api.ResolveRequest) (*api.ResolveResult, error)
	batchFn     func(stdcontext.Context, api.BatchLaunchRequest) (*api.BatchLaunchResult, error)
	stopFn      func(stdcontext.Context, string) (*api.WorkspaceStopResult, error)
}

func (m *mockController) LaunchBatch(ctx stdcontext.Context, req api.BatchLaunchRequest) (*api.BatchLaunchResult, error) {
	if m.batchFn != nil {
		return m.batchFn(ctx, req)
	}
	return &api.BatchLaunchResult{}, nil
}

func (m *mockController) StopWorkspace(ctx stdcontext.Context, id string) (*api.WorkspaceStopResult, error) {
	if m.stopFn != nil {
		return m.stopFn(ctx, id)
	}
	return &api.WorkspaceStopResult{Workspace: id}, nil
}

func (m *mockController) Capabilities(stdcontext.Context) (*api.Capabilities, error) {
	return &api.Capabilities{OS: "linux", GroupDetach: true, Watching: true}, nil
}

func (m *mockController) Launch(ctx stdcontext.Context, req api.LaunchRequest) (*api.LaunchResult, error) {
	if m.launchFn != nil {
		return m.launchFn(ctx, req)
	}
	return &api.LaunchResult{}, nil
}

func (m *mockController) Processes(ctx stdcontext.Context) (*api.ProcessList, error) {
	if m.processesFn != nil {
		return m.processesFn(ctx)
	}
	return &api.ProcessList{}, nil
}

func (m *mockController) ProcessStatus(ctx stdcontext.Context, pid int) (*api.ProcessStatus, error) {
	if m.statusFn != nil {
		return m.statusFn(ctx, pid)
	}
	return &api.ProcessStatus{PID: pid}, nil
}

func (m *mockController) Terminate(ctx stdcontext.Context, pid int) (*api.TerminateResult, error) {
	if m.terminateFn != nil {
		return m.terminateFn(ctx, pid)
	}
	return &api.TerminateResult{}, nil
}

func (m *mockController) Resolve(ctx stdcontext.Context, req api.ResolveRequest) (*api.ResolveResult, error) {
	if m.resolveFn != nil {
		return m.resolveFn(ctx, req)
	}
	return &api.ResolveResult{ParentPID: req.ParentPID}, nil
}

func newTestServer(t *testing.T, ctrl api.Controller) *Server {
	t.Helper()
	server, err := NewServer(Config{Controller: ctrl})
	if err != nil {
		t.Fatalf("failed creating server: %v", err)
	}
	return server
}

func serve(server *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}
