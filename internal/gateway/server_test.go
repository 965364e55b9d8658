package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dohr-michael/mal/internal/downloads"
	"github.com/dohr-michael/mal/internal/engine"
	"github.com/dohr-michael/mal/internal/environments"
	"github.com/dohr-michael/mal/internal/events"
	"github.com/dohr-michael/mal/internal/gateway/ws"
	"github.com/dohr-michael/mal/internal/supervisor"
	"github.com/dohr-michael/mal/internal/tasks"
)

type testServer struct {
	srv    *Server
	engine *engine.Engine
	root   string
	models string
}

func newTestServer(t *testing.T, opts Options) testServer {
	t.Helper()

	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/model.safetensors") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", "5")
		_, _ = w.Write([]byte("model"))
	}))
	t.Cleanup(files.Close)

	dir, err := environments.NewDirectory(environments.Environment{
		Name:       "ComfyUI",
		Repository: "https://example.com/comfy.git",
		Launch:     "sleep 30",
	})
	require.NoError(t, err)

	ts := testServer{root: t.TempDir(), models: t.TempDir()}
	ts.engine, err = engine.New(engine.Config{
		Supervisor: supervisor.Config{Root: ts.root, StopGracePeriod: time.Second},
		Downloads: downloads.Config{
			BaseURL:          files.URL,
			ModelsDir:        ts.models,
			ProgressInterval: time.Millisecond,
		},
		StatusSchedule: "@every 1h",
	}, dir)
	require.NoError(t, err)

	ts.srv = NewServer(ts.engine, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ts.srv.Shutdown(ctx)
		_ = ts.engine.Close(ctx)
	})
	return ts
}

func (ts testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t, Options{})

	w := ts.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode[map[string]any](t, w)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["observers"])
}

func TestListTasksEmpty(t *testing.T) {
	ts := newTestServer(t, Options{})

	w := ts.do(t, http.MethodGet, "/api/tasks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]tasks.Task](t, w))
}

func TestDownloadLifecycle(t *testing.T) {
	ts := newTestServer(t, Options{})

	w := ts.do(t, http.MethodPost, "/api/downloads", downloads.Request{
		RepoID:    "org/model",
		Filename:  "model.safetensors",
		ModelType: environments.ModelCheckpoints,
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decode[map[string]string](t, w)["download_id"]
	require.NotEmpty(t, id)

	assert.Eventually(t, func() bool {
		w := ts.do(t, http.MethodGet, "/api/tasks/"+id, nil)
		if w.Code != http.StatusOK {
			return false
		}
		var task tasks.Task
		if err := json.NewDecoder(w.Body).Decode(&task); err != nil {
			return false
		}
		return task.Status == tasks.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	data, err := os.ReadFile(filepath.Join(ts.models, "checkpoints", "model.safetensors"))
	require.NoError(t, err)
	assert.Equal(t, "model", string(data))

	// Cancelling a finished task is a no-op.
	w = ts.do(t, http.MethodPost, "/api/tasks/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = ts.do(t, http.MethodDelete, "/api/tasks/"+id, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = ts.do(t, http.MethodGet, "/api/tasks", nil)
	assert.Empty(t, decode[[]tasks.Task](t, w))
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t, Options{})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		match  string
	}{
		{"cancel unknown task", http.MethodPost, "/api/tasks/nope/cancel", nil, http.StatusNotFound, "not found"},
		{"dismiss unknown task", http.MethodDelete, "/api/tasks/nope", nil, http.StatusNotFound, "not found"},
		{"invalid download", http.MethodPost, "/api/downloads", downloads.Request{RepoID: "x"}, http.StatusBadRequest, "invalid download request"},
		{"install unknown environment", http.MethodPost, "/api/environments/install", InstallRequest{Name: "ComfyU"}, http.StatusNotFound, "ComfyUI"},
		{"install without name", http.MethodPost, "/api/environments/install", InstallRequest{}, http.StatusBadRequest, "name"},
		{"install under missing parent", http.MethodPost, "/api/environments/install", InstallRequest{Name: "ComfyUI", Path: "/nonexistent-mal-parent/ComfyUI"}, http.StatusBadRequest, "does not exist"},
		{"run not installed", http.MethodPost, "/api/environments/ComfyUI/run", nil, http.StatusConflict, "not installed"},
		{"stop without task", http.MethodPost, "/api/environments/stop", StopRequest{}, http.StatusBadRequest, "task_id"},
		{"stop unknown task", http.MethodPost, "/api/environments/stop", StopRequest{TaskID: "nope"}, http.StatusNotFound, "not found"},
		{"delete not installed", http.MethodDelete, "/api/environments/ComfyUI", nil, http.StatusConflict, "not installed"},
		{"unknown field", http.MethodPost, "/api/downloads", map[string]string{"repo": "x"}, http.StatusBadRequest, "invalid request body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code)
			body := decode[errorBody](t, w)
			assert.Contains(t, body.Error, tt.match)
		})
	}
}

func TestStopRejectsDownloadTask(t *testing.T) {
	ts := newTestServer(t, Options{})

	w := ts.do(t, http.MethodPost, "/api/downloads", downloads.Request{
		RepoID: "org/model", Filename: "model.safetensors", ModelType: environments.ModelLoras,
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decode[map[string]string](t, w)["download_id"]

	w = ts.do(t, http.MethodPost, "/api/environments/stop", StopRequest{TaskID: id})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestEnvironmentsListing(t *testing.T) {
	ts := newTestServer(t, Options{})

	w := ts.do(t, http.MethodGet, "/api/environments", nil)
	require.Equal(t, http.StatusOK, w.Code)
	envs := decode[[]environments.Environment](t, w)
	require.Len(t, envs, 1)
	assert.Equal(t, "ComfyUI", envs[0].Name)

	w = ts.do(t, http.MethodGet, "/api/environments/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	statuses := decode[[]supervisor.ManagedEnvironment](t, w)
	require.Len(t, statuses, 1)
	assert.False(t, statuses[0].IsInstalled)
	assert.Equal(t, filepath.Join(ts.root, "ComfyUI"), statuses[0].InstallPath)
}

func TestDeleteInstalledEnvironment(t *testing.T) {
	ts := newTestServer(t, Options{})

	path := filepath.Join(ts.root, "ComfyUI")
	require.NoError(t, os.MkdirAll(path, 0o755))

	w := ts.do(t, http.MethodDelete, "/api/environments/ComfyUI", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NoDirExists(t, path)
}

func preflight(t *testing.T, h http.Handler, origin string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodOptions, "/api/tasks", nil)
	req.Header.Set("Origin", origin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t, Options{CORSOrigins: []string{"http://localhost:5173"}})

	w := preflight(t, ts.srv.Handler(), "http://localhost:5173")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "300", w.Header().Get("Access-Control-Max-Age"))

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSWildcard(t *testing.T) {
	ts := newTestServer(t, Options{CORSOrigins: []string{"*"}})

	w := preflight(t, ts.srv.Handler(), "http://anywhere.example")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) ws.Frame {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	f, err := ws.UnmarshalFrame(data)
	require.NoError(t, err)
	return f
}

// readUntil skips frames, such as periodic environment statuses, until match accepts one.
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, match func(ws.Frame) bool) ws.Frame {
	t.Helper()
	for {
		f := readFrame(t, ctx, conn)
		if match(f) {
			return f
		}
	}
}

func TestWebSocketObserver(t *testing.T) {
	ts := newTestServer(t, Options{})
	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(httpSrv.URL, "http")+"/api/ws", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	first := readFrame(t, ctx, conn)
	require.Equal(t, ws.FrameTypeEvent, first.Type)
	assert.Equal(t, string(events.EventInitialState), first.Event)

	var e events.Event
	require.NoError(t, json.Unmarshal(first.Payload, &e))
	snapshot, ok := events.ExtractPayload[tasks.InitialStatePayload](e)
	require.True(t, ok)
	assert.Empty(t, snapshot.Tasks)

	req, err := ws.NewRequestFrame("r1", ws.MethodCancelTask, ws.TaskParams{TaskID: "nope"})
	require.NoError(t, err)
	data, err := ws.MarshalFrame(req)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))

	res := readUntil(t, ctx, conn, func(f ws.Frame) bool { return f.Type == ws.FrameTypeResponse })
	assert.Equal(t, "r1", res.ID)
	require.NotNil(t, res.OK)
	assert.False(t, *res.OK)
	assert.Contains(t, res.Error, "not found")

	// A download started over HTTP shows up on the stream.
	w := ts.do(t, http.MethodPost, "/api/downloads", downloads.Request{
		RepoID: "org/model", Filename: "model.safetensors", ModelType: environments.ModelVAE,
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decode[map[string]string](t, w)["download_id"]

	created := readUntil(t, ctx, conn, func(f ws.Frame) bool { return f.Event == string(events.EventTaskCreated) })
	require.NoError(t, json.Unmarshal(created.Payload, &e))
	payload, ok := events.ExtractPayload[tasks.CreatedPayload](e)
	require.True(t, ok)
	assert.Equal(t, id, payload.Task.ID)

	assert.Eventually(t, func() bool { return ts.engine.Stats().Subscribers == 1 }, time.Second, 10*time.Millisecond)
}
