// Package tasks tracks long-running operations (downloads, environment
// installs and runs) as identified tasks with a status, and publishes every
// change to the event hub.
package tasks

import (
	"errors"
	"maps"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned for unknown task ids.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidState is returned when an operation is not valid for the task's current status.
	ErrInvalidState = errors.New("invalid task state")
)

// Kind identifies what a task is tracking.
type Kind string

const (
	KindDownload           Kind = "download"
	KindEnvironmentInstall Kind = "environment_install"
	KindEnvironmentRun     Kind = "environment_run"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCancelling Status = "cancelling"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Progress is the kind-specific progress payload.
// Downloads fill the byte counters, installs and runs set Stage.
type Progress struct {
	Stage      string `json:"stage,omitempty"`
	BytesDone  int64  `json:"bytes_done,omitempty"`
	BytesTotal int64  `json:"bytes_total,omitempty"`
	Percentage int    `json:"percentage,omitempty"`
}

// Meta keys used by the engine.
const (
	MetaEnvironment = "environment"
	MetaPath        = "path"
	MetaSource      = "source"
)

// Task is one trackable unit of work.
type Task struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	Subject   string            `json:"subject"`
	Status    Status            `json:"status"`
	Progress  *Progress         `json:"progress,omitempty"`
	Error     string            `json:"error,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Dismissed bool              `json:"dismissed"`

	seq uint64
}

// clone returns a copy that shares no mutable state with t.
func (t *Task) clone() Task {
	c := *t
	if t.Progress != nil {
		p := *t.Progress
		c.Progress = &p
	}
	c.Meta = maps.Clone(t.Meta)
	return c
}

// GenerateTaskID creates a unique task identifier.
func GenerateTaskID() string {
	return uuid.NewString()
}
