package tui

import (
	"encoding/json"
	"sort"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/dohr-michael/mal/internal/events"
	ws "github.com/dohr-michael/mal/internal/gateway/ws"
	"github.com/dohr-michael/mal/internal/supervisor"
	"github.com/dohr-michael/mal/internal/tasks"
)

// Project converts a gateway WS Frame into a typed tea.Msg.
// Returns nil for frames that don't map to a dashboard message.
func Project(frame ws.Frame) tea.Msg {
	if frame.Type == ws.FrameTypeResponse {
		msg := ResponseMsg{ID: frame.ID, Error: frame.Error}
		if frame.OK != nil {
			msg.OK = *frame.OK
		}
		return msg
	}
	if frame.Type != ws.FrameTypeEvent {
		return nil
	}

	var evt events.Event
	if err := json.Unmarshal(frame.Payload, &evt); err != nil {
		return nil
	}

	switch evt.Type {
	case events.EventInitialState:
		if p, ok := events.ExtractPayload[tasks.InitialStatePayload](evt); ok {
			return SnapshotMsg{Tasks: p.Tasks}
		}
	case events.EventTaskCreated:
		if p, ok := events.ExtractPayload[tasks.CreatedPayload](evt); ok {
			return TaskMsg{Task: p.Task}
		}
	case events.EventTaskUpdated:
		if p, ok := events.ExtractPayload[tasks.UpdatedPayload](evt); ok {
			return TaskMsg{Task: p.Task}
		}
	case events.EventTaskDismissed:
		if p, ok := events.ExtractPayload[tasks.DismissedPayload](evt); ok {
			return TaskDismissedMsg{ID: p.Task.ID}
		}
	case events.EventEnvironmentStatus:
		if p, ok := events.ExtractPayload[supervisor.StatusPayload](evt); ok {
			return EnvironmentsMsg{Environments: p.Environments}
		}
	}
	return nil
}

// Board is the client-side projection of the event stream.
type Board struct {
	tasks map[string]tasks.Task
	envs  []supervisor.ManagedEnvironment
}

// NewBoard creates an empty board.
func NewBoard() *Board {
	return &Board{tasks: make(map[string]tasks.Task)}
}

// Apply folds a projected message into the board. It reports whether the
// message changed anything.
func (b *Board) Apply(msg tea.Msg) bool {
	switch msg := msg.(type) {
	case SnapshotMsg:
		b.tasks = make(map[string]tasks.Task, len(msg.Tasks))
		for _, t := range msg.Tasks {
			b.tasks[t.ID] = t
		}
	case TaskMsg:
		b.tasks[msg.Task.ID] = msg.Task
	case TaskDismissedMsg:
		delete(b.tasks, msg.ID)
	case EnvironmentsMsg:
		b.envs = msg.Environments
	default:
		return false
	}
	return true
}

// Tasks returns the tracked tasks, most recently created first.
func (b *Board) Tasks() []tasks.Task {
	list := make([]tasks.Task, 0, len(b.tasks))
	for _, t := range b.tasks {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
	return list
}

// Environments returns the last broadcast environment statuses.
func (b *Board) Environments() []supervisor.ManagedEnvironment {
	return b.envs
}
