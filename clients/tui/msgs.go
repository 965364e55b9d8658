package tui

import (
	"github.com/dohr-michael/mal/internal/supervisor"
	"github.com/dohr-michael/mal/internal/tasks"
)

// SnapshotMsg carries the initial_state sent on connect.
type SnapshotMsg struct {
	Tasks []tasks.Task
}

// TaskMsg carries the full record of a created or updated task.
type TaskMsg struct {
	Task tasks.Task
}

// TaskDismissedMsg removes a task from the board.
type TaskDismissedMsg struct {
	ID string
}

// EnvironmentsMsg carries an environment status broadcast.
type EnvironmentsMsg struct {
	Environments []supervisor.ManagedEnvironment
}

// ResponseMsg is the gateway's answer to a request sent from the dashboard.
type ResponseMsg struct {
	ID    string
	OK    bool
	Error string
}

// DisconnectedMsg signals a lost WS connection.
type DisconnectedMsg struct {
	Err error
}
