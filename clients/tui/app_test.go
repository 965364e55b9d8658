package tui

import (
	"errors"
	"io"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ws "github.com/dohr-michael/mal/internal/gateway/ws"
	"github.com/dohr-michael/mal/internal/supervisor"
	"github.com/dohr-michael/mal/internal/tasks"
)

type sent struct {
	method ws.Method
	params any
}

type fakeConn struct {
	frames []ws.Frame
	sent   []sent
}

func (c *fakeConn) ReadFrame() (ws.Frame, error) {
	if len(c.frames) == 0 {
		return ws.Frame{}, io.EOF
	}
	f := c.frames[0]
	c.frames = c.frames[1:]
	return f, nil
}

func (c *fakeConn) Request(method ws.Method, params any) (string, error) {
	c.sent = append(c.sent, sent{method, params})
	return "req", nil
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func newLoadedApp(t *testing.T, conn *fakeConn) *App {
	t.Helper()
	now := time.Now()
	a := NewApp(conn)
	a.Update(SnapshotMsg{Tasks: []tasks.Task{
		{ID: "run-1", Kind: tasks.KindEnvironmentRun, Subject: "ComfyUI", Status: tasks.StatusRunning,
			Progress: &tasks.Progress{Stage: "running"}, CreatedAt: now},
		{ID: "dl-1", Kind: tasks.KindDownload, Subject: "org/model/file.bin", Status: tasks.StatusFailed,
			Error: "HTTP 404", CreatedAt: now.Add(-time.Minute)},
	}})
	return a
}

func TestListenSkipsUnmappedFrames(t *testing.T) {
	conn := &fakeConn{frames: []ws.Frame{
		{Type: ws.FrameTypeRequest},
		eventFrame(t, supervisor.StatusPayload{Environments: []supervisor.ManagedEnvironment{{Name: "ComfyUI"}}}),
	}}

	msg := listen(conn)()
	env, ok := msg.(EnvironmentsMsg)
	require.True(t, ok)
	assert.Equal(t, "ComfyUI", env.Environments[0].Name)

	_, ok = listen(conn)().(DisconnectedMsg)
	assert.True(t, ok)
}

func TestAppKeyActions(t *testing.T) {
	conn := &fakeConn{}
	a := newLoadedApp(t, conn)

	// Cursor starts on the newest task, the running environment.
	a.Update(key("s"))
	require.Len(t, conn.sent, 1)
	assert.Equal(t, ws.MethodStopEnvironment, conn.sent[0].method)
	assert.Equal(t, ws.TaskParams{TaskID: "run-1"}, conn.sent[0].params)

	// A running task cannot be dismissed.
	a.Update(key("d"))
	assert.Len(t, conn.sent, 1)
	assert.Contains(t, a.notice, "dismiss_task")

	a.Update(tea.KeyMsg{Type: tea.KeyDown})
	a.Update(key("c"))
	assert.Len(t, conn.sent, 1, "finished tasks are not cancelled")

	a.Update(key("d"))
	require.Len(t, conn.sent, 2)
	assert.Equal(t, ws.MethodDismissTask, conn.sent[1].method)
	assert.Equal(t, ws.TaskParams{TaskID: "dl-1"}, conn.sent[1].params)

	// The cursor stays on the last row.
	a.Update(tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, 1, a.cursor)
}

func TestAppDismissMovesCursor(t *testing.T) {
	a := newLoadedApp(t, &fakeConn{})
	a.Update(tea.KeyMsg{Type: tea.KeyDown})
	require.Equal(t, 1, a.cursor)

	a.Update(TaskDismissedMsg{ID: "dl-1"})
	assert.Equal(t, 0, a.cursor)
}

func TestAppViewAndDisconnect(t *testing.T) {
	a := newLoadedApp(t, &fakeConn{})
	a.Update(ResponseMsg{ID: "req", OK: false, Error: "environment is running"})

	view := a.View()
	assert.Contains(t, view, "run-1")
	assert.Contains(t, view, "HTTP 404")
	assert.Contains(t, view, "environment is running")
	assert.Contains(t, view, "connected")

	_, cmd := a.Update(DisconnectedMsg{Err: errors.New("EOF")})
	assert.Nil(t, cmd)
	assert.Contains(t, a.View(), "disconnected: EOF")

	_, cmd = a.Update(key("q"))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}
