package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dohr-michael/mal/internal/events"
)

// Canceller asks the work bound to a task to stop.
type Canceller interface {
	Cancel()
}

// CancelFunc adapts a plain function to Canceller.
type CancelFunc func()

func (f CancelFunc) Cancel() { f() }

// Reporter is the handle a worker uses to report progress on its task.
type Reporter interface {
	Progress(p Progress)
}

// Work is the body of a task started with Go. Returning nil completes the
// task, returning after the context is cancelled cancels it, and any other
// error fails it with the error text as the reason.
type Work func(ctx context.Context, r Reporter) error

type entry struct {
	task   Task
	worker Canceller
}

// Registry is the in-memory owner of every task record.
//
// All transitions go through the registry lock, so they are applied in order
// per task and readers always get a consistent copy. Each change is published
// to the hub while the lock is held; the hub never calls back into the
// registry, which keeps the lock order registry → hub.
type Registry struct {
	mu       sync.Mutex
	tasks    map[string]*entry
	reserved map[string]struct{} // ids of evicted tasks, never handed out again
	seq      uint64
	hub      *events.Hub
	wg       sync.WaitGroup

	now   func() time.Time
	newID func() string
}

// NewRegistry creates a registry that publishes to hub.
func NewRegistry(hub *events.Hub) *Registry {
	return &Registry{
		tasks:    make(map[string]*entry),
		reserved: make(map[string]struct{}),
		hub:      hub,
		now:      time.Now,
		newID:    GenerateTaskID,
	}
}

// Create starts tracking a new pending task and returns a copy of it.
func (r *Registry) Create(kind Kind, subject string, meta map[string]string) Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	for r.taken(id) {
		id = r.newID()
	}

	now := r.now()
	r.seq++
	t := Task{
		ID:        id,
		Kind:      kind,
		Subject:   subject,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		seq:       r.seq,
	}
	if len(meta) > 0 {
		t.Meta = make(map[string]string, len(meta))
		for k, v := range meta {
			t.Meta[k] = v
		}
	}
	r.tasks[id] = &entry{task: t}

	slog.Debug("task created", "task_id", id, "kind", kind, "subject", subject)
	r.hub.Publish(events.SourceRegistry, CreatedPayload{Task: t.clone()})
	return t.clone()
}

func (r *Registry) taken(id string) bool {
	if _, ok := r.tasks[id]; ok {
		return true
	}
	_, ok := r.reserved[id]
	return ok
}

// lookup returns the entry for id. Evicted ids yield (nil, true).
// Caller must hold r.mu.
func (r *Registry) lookup(id string) (*entry, bool) {
	if e, ok := r.tasks[id]; ok {
		return e, true
	}
	_, reserved := r.reserved[id]
	return nil, reserved
}

func (r *Registry) notFound(id string) error {
	return fmt.Errorf("task %s: %w", id, ErrNotFound)
}

// touch stamps and publishes the entry. Caller must hold r.mu.
func (r *Registry) touch(e *entry) {
	e.task.UpdatedAt = r.now()
	r.hub.Publish(events.SourceRegistry, UpdatedPayload{Task: e.task.clone()})
}

// Attach binds the cancellable handle of the work backing a pending task.
func (r *Registry) Attach(id string, c Canceller) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, known := r.lookup(id)
	if e == nil {
		if known {
			return fmt.Errorf("attach task %s: dismissed: %w", id, ErrInvalidState)
		}
		return r.notFound(id)
	}
	if e.task.Status != StatusPending || e.worker != nil {
		return fmt.Errorf("attach task %s (status: %s): %w", id, e.task.Status, ErrInvalidState)
	}
	e.worker = c
	return nil
}

// Start moves a pending task with an attached worker to running.
func (r *Registry) Start(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, known := r.lookup(id)
	if e == nil {
		if known {
			return fmt.Errorf("start task %s: dismissed: %w", id, ErrInvalidState)
		}
		return r.notFound(id)
	}
	if e.task.Status != StatusPending {
		return fmt.Errorf("start task %s (status: %s): %w", id, e.task.Status, ErrInvalidState)
	}
	if e.worker == nil {
		return fmt.Errorf("start task %s: no worker attached: %w", id, ErrInvalidState)
	}
	e.task.Status = StatusRunning
	r.touch(e)
	return nil
}

// Progress records a progress report. Reports for finished or evicted tasks are ignored.
func (r *Registry) Progress(id string, p Progress) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, known := r.lookup(id)
	if e == nil {
		if known {
			slog.Debug("discarding progress for dismissed task", "task_id", id)
			return nil
		}
		return r.notFound(id)
	}
	if e.task.Status.Terminal() {
		return nil
	}
	e.task.Progress = &p
	r.touch(e)
	return nil
}

// Complete marks the task completed. No-op if it already reached a terminal state.
func (r *Registry) Complete(id string) error {
	return r.finish(id, StatusCompleted, "")
}

// Fail marks the task failed with reason. No-op if it already reached a terminal state.
func (r *Registry) Fail(id string, reason string) error {
	return r.finish(id, StatusFailed, reason)
}

// MarkCancelled marks the task cancelled. No-op if it already reached a terminal state.
func (r *Registry) MarkCancelled(id string) error {
	return r.finish(id, StatusCancelled, "")
}

func (r *Registry) finish(id string, status Status, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, known := r.lookup(id)
	if e == nil {
		if known {
			slog.Info("discarding late signal for dismissed task", "task_id", id, "status", status)
			return nil
		}
		return r.notFound(id)
	}
	if e.task.Status.Terminal() {
		if e.task.Status != status {
			slog.Debug("ignoring terminal signal, task already finished",
				"task_id", id, "status", e.task.Status, "signal", status)
		}
		return nil
	}

	e.task.Status = status
	if status == StatusFailed {
		e.task.Error = reason
	}
	e.worker = nil
	r.touch(e)

	slog.Info("task finished", "task_id", id, "kind", e.task.Kind, "status", status, "error", reason)
	return nil
}

// RequestCancel asks a pending or running task to stop. The task moves to
// cancelling and its worker is signalled; the worker's own terminal report
// settles the final status. A pending task without a worker is cancelled
// directly. Finished, cancelling or dismissed tasks are left untouched.
func (r *Registry) RequestCancel(id string) error {
	r.mu.Lock()

	e, known := r.lookup(id)
	if e == nil {
		r.mu.Unlock()
		if known {
			return nil
		}
		return r.notFound(id)
	}

	switch {
	case e.task.Status.Terminal(), e.task.Status == StatusCancelling:
		r.mu.Unlock()
		return nil
	case e.worker == nil:
		e.task.Status = StatusCancelled
		r.touch(e)
		r.mu.Unlock()
		slog.Info("task cancelled before start", "task_id", id)
		return nil
	}

	e.task.Status = StatusCancelling
	r.touch(e)
	worker := e.worker
	r.mu.Unlock()

	slog.Info("task cancellation requested", "task_id", id)
	worker.Cancel()
	return nil
}

// Dismiss removes a finished task from the active list. Its id stays reserved.
func (r *Registry) Dismiss(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, known := r.lookup(id)
	if e == nil {
		if known {
			return nil
		}
		return r.notFound(id)
	}
	if !e.task.Status.Terminal() {
		return fmt.Errorf("dismiss task %s (status: %s): %w", id, e.task.Status, ErrInvalidState)
	}

	delete(r.tasks, id)
	r.reserved[id] = struct{}{}

	e.task.Dismissed = true
	e.task.UpdatedAt = r.now()
	r.hub.Publish(events.SourceRegistry, DismissedPayload{Task: e.task.clone()})
	return nil
}

// Discard evicts a pending task whose work never started, e.g. when the
// operation was rejected after the task was allocated.
func (r *Registry) Discard(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, _ := r.lookup(id)
	if e == nil {
		return r.notFound(id)
	}
	if e.task.Status != StatusPending || e.worker != nil {
		return fmt.Errorf("discard task %s (status: %s): %w", id, e.task.Status, ErrInvalidState)
	}

	delete(r.tasks, id)
	r.reserved[id] = struct{}{}

	e.task.Dismissed = true
	e.task.UpdatedAt = r.now()
	r.hub.Publish(events.SourceRegistry, DismissedPayload{Task: e.task.clone()})
	return nil
}

// Get returns a copy of a tracked task.
func (r *Registry) Get(id string) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, _ := r.lookup(id)
	if e == nil {
		return Task{}, r.notFound(id)
	}
	return e.task.clone(), nil
}

// ListActive returns every non-dismissed task, most recently created first.
func (r *Registry) ListActive() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked()
}

func (r *Registry) listLocked() []Task {
	list := make([]Task, 0, len(r.tasks))
	for _, e := range r.tasks {
		list = append(list, e.task.clone())
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].seq > list[j].seq
	})
	return list
}

// Observe subscribes to the hub. The subscription's first event is an
// initial_state snapshot taken atomically with the registration, so the
// observer sees every later transition exactly once.
func (r *Registry) Observe() *events.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := events.NewTypedEvent(events.SourceHub, InitialStatePayload{Tasks: r.listLocked()})
	return r.hub.Subscribe(snapshot)
}

// Go attaches work to a pending task, marks it running and executes the work
// in its own goroutine. The terminal transition is derived from the result.
func (r *Registry) Go(id string, work Work) error {
	ctx, cancel := context.WithCancel(context.Background())

	if err := r.Attach(id, CancelFunc(cancel)); err != nil {
		cancel()
		return err
	}
	if err := r.Start(id); err != nil {
		// Cancelled between attach and start.
		cancel()
		if errors.Is(err, ErrInvalidState) {
			return r.MarkCancelled(id)
		}
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		r.settle(ctx, id, runWork(ctx, work, reporter{r: r, id: id}))
	}()
	return nil
}

func runWork(ctx context.Context, work Work, rep Reporter) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("panic: %v", v)
		}
	}()
	return work(ctx, rep)
}

func (r *Registry) settle(ctx context.Context, id string, err error) {
	switch {
	case err == nil:
		_ = r.Complete(id)
	case ctx.Err() != nil:
		_ = r.MarkCancelled(id)
	default:
		_ = r.Fail(id, err.Error())
	}
}

// Shutdown requests cancellation of every unfinished task and waits for
// workers started with Go to return, or for ctx to expire.
func (r *Registry) Shutdown(ctx context.Context) error {
	for _, t := range r.ListActive() {
		if !t.Status.Terminal() {
			_ = r.RequestCancel(t.ID)
		}
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type reporter struct {
	r  *Registry
	id string
}

func (rep reporter) Progress(p Progress) {
	_ = rep.r.Progress(rep.id, p)
}
