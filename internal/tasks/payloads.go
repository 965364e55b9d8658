package tasks

import "github.com/dohr-michael/mal/internal/events"

// CreatedPayload is published when a task starts being tracked.
type CreatedPayload struct {
	Task Task `json:"task"`
}

func (CreatedPayload) EventType() events.EventType { return events.EventTaskCreated }

// UpdatedPayload carries the full record after any transition or progress report.
type UpdatedPayload struct {
	Task Task `json:"task"`
}

func (UpdatedPayload) EventType() events.EventType { return events.EventTaskUpdated }

// DismissedPayload is published when a terminal task leaves the active list.
type DismissedPayload struct {
	Task Task `json:"task"`
}

func (DismissedPayload) EventType() events.EventType { return events.EventTaskDismissed }

// InitialStatePayload is the snapshot every new observer receives first.
type InitialStatePayload struct {
	Tasks []Task `json:"tasks"`
}

func (InitialStatePayload) EventType() events.EventType { return events.EventInitialState }
