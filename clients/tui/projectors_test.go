package tui

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dohr-michael/mal/internal/events"
	ws "github.com/dohr-michael/mal/internal/gateway/ws"
	"github.com/dohr-michael/mal/internal/supervisor"
	"github.com/dohr-michael/mal/internal/tasks"
)

func eventFrame(t *testing.T, payload events.EventPayload) ws.Frame {
	t.Helper()
	e := events.NewTypedEvent(events.SourceRegistry, payload)
	f, err := ws.NewEventFrame(string(e.Type), e)
	require.NoError(t, err)
	return f
}

func task(id string, status tasks.Status, created time.Time) tasks.Task {
	return tasks.Task{ID: id, Kind: tasks.KindDownload, Subject: "org/model/file.bin", Status: status, CreatedAt: created}
}

func TestProject(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	t1 := task("t1", tasks.StatusRunning, now)

	tests := []struct {
		name  string
		frame ws.Frame
		want  any
	}{
		{"initial state", eventFrame(t, tasks.InitialStatePayload{Tasks: []tasks.Task{t1}}), SnapshotMsg{}},
		{"created", eventFrame(t, tasks.CreatedPayload{Task: t1}), TaskMsg{}},
		{"updated", eventFrame(t, tasks.UpdatedPayload{Task: t1}), TaskMsg{}},
		{"dismissed", eventFrame(t, tasks.DismissedPayload{Task: t1}), TaskDismissedMsg{ID: "t1"}},
		{"environment status", eventFrame(t, supervisor.StatusPayload{}), EnvironmentsMsg{}},
		{"request frame", ws.Frame{Type: ws.FrameTypeRequest}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Project(tt.frame)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			assert.IsType(t, tt.want, got)
		})
	}

	msg, ok := Project(eventFrame(t, tasks.UpdatedPayload{Task: t1})).(TaskMsg)
	require.True(t, ok)
	assert.Equal(t, "t1", msg.Task.ID)
	assert.Equal(t, tasks.StatusRunning, msg.Task.Status)
}

func TestProjectResponse(t *testing.T) {
	f, err := ws.NewResponseFrame("req-1", false, nil, "task nope: task not found")
	require.NoError(t, err)

	msg, ok := Project(f).(ResponseMsg)
	require.True(t, ok)
	assert.Equal(t, ResponseMsg{ID: "req-1", OK: false, Error: "task nope: task not found"}, msg)
}

func TestBoardApply(t *testing.T) {
	now := time.Now()
	b := NewBoard()

	require.True(t, b.Apply(SnapshotMsg{Tasks: []tasks.Task{
		task("old", tasks.StatusCompleted, now.Add(-time.Minute)),
		task("new", tasks.StatusRunning, now),
	}}))
	ids := func() []string {
		var out []string
		for _, t := range b.Tasks() {
			out = append(out, t.ID)
		}
		return out
	}
	assert.Equal(t, []string{"new", "old"}, ids())

	b.Apply(TaskMsg{Task: task("newest", tasks.StatusPending, now.Add(time.Minute))})
	b.Apply(TaskMsg{Task: task("new", tasks.StatusCompleted, now)})
	assert.Equal(t, []string{"newest", "new", "old"}, ids())
	assert.Equal(t, tasks.StatusCompleted, b.Tasks()[1].Status)

	b.Apply(TaskDismissedMsg{ID: "old"})
	assert.Equal(t, []string{"newest", "new"}, ids())

	// A fresh snapshot replaces everything.
	b.Apply(SnapshotMsg{})
	assert.Empty(t, b.Tasks())

	b.Apply(EnvironmentsMsg{Environments: []supervisor.ManagedEnvironment{{Name: "ComfyUI", IsInstalled: true}}})
	require.Len(t, b.Environments(), 1)

	assert.False(t, b.Apply(DisconnectedMsg{}))
}
