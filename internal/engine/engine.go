// Package engine is the inbound contract of MAL: it validates requests,
// allocates tasks and hands the work to the downloader or the supervisor.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/dohr-michael/mal/internal/downloads"
	"github.com/dohr-michael/mal/internal/environments"
	"github.com/dohr-michael/mal/internal/events"
	"github.com/dohr-michael/mal/internal/supervisor"
	"github.com/dohr-michael/mal/internal/tasks"
)

// Config wires the engine's collaborators.
type Config struct {
	Supervisor     supervisor.Config
	Downloads      downloads.Config
	StatusSchedule string
	HubBufferSize  int
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	supervisor []supervisor.Option
	httpClient *http.Client
}

// WithSupervisorOptions passes options through to the supervisor.
func WithSupervisorOptions(opts ...supervisor.Option) Option {
	return func(o *options) { o.supervisor = append(o.supervisor, opts...) }
}

// WithHTTPClient sets the client used for downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// Engine owns the registry, the hub and the workers.
type Engine struct {
	hub      *events.Hub
	registry *tasks.Registry
	dir      *environments.Directory
	sup      *supervisor.Supervisor
	dl       *downloads.Downloader
	sweeper  *supervisor.StatusSweeper

	mu       sync.Mutex
	inflight map[string]string   // destination path → task id writing to it
	starting map[string]struct{} // environments with a run being started
}

// New builds an engine over the environment directory dir.
func New(cfg Config, dir *environments.Directory, opts ...Option) (*Engine, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	bufSize := cfg.HubBufferSize
	if bufSize <= 0 {
		bufSize = events.DefaultBufferSize
	}
	hub := events.NewHub(bufSize)
	registry := tasks.NewRegistry(hub)
	sup := supervisor.New(cfg.Supervisor, registry, hub, dir, o.supervisor...)

	sweeper, err := supervisor.NewStatusSweeper(sup, hub, cfg.StatusSchedule)
	if err != nil {
		hub.Close()
		return nil, err
	}

	return &Engine{
		hub:      hub,
		registry: registry,
		dir:      dir,
		sup:      sup,
		dl:       downloads.New(cfg.Downloads, o.httpClient),
		sweeper:  sweeper,
		inflight: make(map[string]string),
		starting: make(map[string]struct{}),
	}, nil
}

// claimable reports whether path is free to be written by a new task. A
// claim whose task has finished or disappeared is released. Caller must hold e.mu.
func (e *Engine) claimable(path string) error {
	id, ok := e.inflight[path]
	if !ok {
		return nil
	}
	t, err := e.registry.Get(id)
	if err != nil || t.Status.Terminal() {
		delete(e.inflight, path)
		return nil
	}
	return fmt.Errorf("%s is in use by task %s: %w", path, id, tasks.ErrInvalidState)
}

func (e *Engine) release(path, taskID string) {
	e.mu.Lock()
	if e.inflight[path] == taskID {
		delete(e.inflight, path)
	}
	e.mu.Unlock()
}

// StartDownload starts fetching a model file and returns the task id.
func (e *Engine) StartDownload(req downloads.Request) (string, error) {
	dest, err := e.dl.Target(req)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	if err := e.claimable(dest); err != nil {
		e.mu.Unlock()
		return "", err
	}
	t := e.registry.Create(tasks.KindDownload, req.Subject(), map[string]string{
		tasks.MetaPath:   dest,
		tasks.MetaSource: e.dl.URL(req),
	})
	e.inflight[dest] = t.ID
	e.mu.Unlock()

	err = e.registry.Go(t.ID, func(ctx context.Context, rep tasks.Reporter) error {
		defer e.release(dest, t.ID)
		return e.dl.Download(ctx, req, rep)
	})
	if err != nil {
		e.release(dest, t.ID)
		return "", err
	}
	slog.Info("download started", "task_id", t.ID, "subject", req.Subject(), "path", dest)
	return t.ID, nil
}

// StartInstall starts installing environment name into path (empty for the
// default location) and returns the task id.
func (e *Engine) StartInstall(name, path string) (string, error) {
	env, err := e.dir.Lookup(name)
	if err != nil {
		return "", err
	}
	target := e.sup.InstallPath(env.Name, path)

	e.mu.Lock()
	if err := e.claimable(target); err != nil {
		e.mu.Unlock()
		return "", err
	}
	if err := e.sup.CheckInstallable(target); err != nil {
		e.mu.Unlock()
		return "", err
	}
	t := e.registry.Create(tasks.KindEnvironmentInstall, env.Name, map[string]string{
		tasks.MetaEnvironment: env.Name,
		tasks.MetaPath:        target,
		tasks.MetaSource:      env.Repository,
	})
	e.inflight[target] = t.ID
	e.mu.Unlock()

	err = e.registry.Go(t.ID, func(ctx context.Context, rep tasks.Reporter) error {
		defer e.release(target, t.ID)
		return e.sup.Install(ctx, env, target, rep)
	})
	if err != nil {
		e.release(target, t.ID)
		return "", err
	}
	slog.Info("install started", "task_id", t.ID, "env", env.Name, "path", target)
	return t.ID, nil
}

// StartRun launches environment name from path (empty for the last used or
// default location) and returns the run task id.
func (e *Engine) StartRun(name, path string) (string, error) {
	env, err := e.dir.Lookup(name)
	if err != nil {
		return "", err
	}
	installPath := e.sup.InstallPath(env.Name, path)

	// Check, create and spawn happen under a per-environment claim so that a
	// rejected concurrent run never allocates a task.
	e.mu.Lock()
	if _, busy := e.starting[env.Name]; busy {
		e.mu.Unlock()
		return "", fmt.Errorf("%s is being started: %w", env.Name, supervisor.ErrAlreadyRunning)
	}
	if err := e.claimable(installPath); err != nil {
		e.mu.Unlock()
		return "", err
	}
	e.starting[env.Name] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.starting, env.Name)
		e.mu.Unlock()
	}()

	if err := e.sup.CheckRunnable(env.Name, installPath); err != nil {
		return "", err
	}

	t := e.registry.Create(tasks.KindEnvironmentRun, env.Name, map[string]string{
		tasks.MetaEnvironment: env.Name,
		tasks.MetaPath:        installPath,
	})
	if err := e.sup.Run(env, installPath, t.ID); err != nil {
		// Spawn failures only; state conflicts were rejected above.
		if dErr := e.registry.Discard(t.ID); dErr != nil {
			slog.Debug("run task not discarded", "task_id", t.ID, "error", dErr)
		}
		return "", err
	}
	return t.ID, nil
}

// Cancel requests cancellation of any task.
func (e *Engine) Cancel(id string) error {
	return e.registry.RequestCancel(id)
}

// Dismiss removes a finished task from the active list.
func (e *Engine) Dismiss(id string) error {
	return e.registry.Dismiss(id)
}

// Get returns one task.
func (e *Engine) Get(id string) (tasks.Task, error) {
	return e.registry.Get(id)
}

// ListActive returns every non-dismissed task, newest first.
func (e *Engine) ListActive() []tasks.Task {
	return e.registry.ListActive()
}

// Statuses returns the derived status of every known environment.
func (e *Engine) Statuses() []supervisor.ManagedEnvironment {
	return e.sup.Statuses()
}

// Stop stops the process of a run task and waits for the exit to be confirmed.
func (e *Engine) Stop(ctx context.Context, taskID string) error {
	t, err := e.registry.Get(taskID)
	if err != nil {
		return err
	}
	if t.Kind != tasks.KindEnvironmentRun {
		return fmt.Errorf("task %s is a %s task: %w", taskID, t.Kind, tasks.ErrInvalidState)
	}
	return e.sup.Stop(ctx, taskID)
}

// DeleteEnvironment removes the install of name at path (empty for the last
// used or default location).
func (e *Engine) DeleteEnvironment(name, path string) error {
	if _, err := e.dir.Lookup(name); err != nil && path == "" {
		return err
	}
	installPath := e.sup.InstallPath(name, path)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.claimable(installPath); err != nil {
		return err
	}
	return e.sup.DeleteEnvironment(name, installPath)
}

// Observe subscribes to task and environment events. The first event is the
// initial_state snapshot.
func (e *Engine) Observe() *events.Subscription {
	return e.registry.Observe()
}

// Environments lists the environments that can be installed.
func (e *Engine) Environments() []environments.Environment {
	return e.dir.List()
}

// Stats returns hub counters.
func (e *Engine) Stats() events.Stats {
	return e.hub.Stats()
}

// SetHubToken replaces the token used by later downloads.
func (e *Engine) SetHubToken(token string) {
	e.dl.SetToken(token)
}

// InstallPath resolves where name is (or would be) installed.
func (e *Engine) InstallPath(name, path string) string {
	return filepath.Clean(e.sup.InstallPath(name, path))
}

// Close stops running environments, cancels in-flight work and closes the hub.
func (e *Engine) Close(ctx context.Context) error {
	e.sweeper.Close()
	errs := []error{
		e.sup.StopAll(ctx),
		e.registry.Shutdown(ctx),
	}
	e.hub.Close()
	return errors.Join(errs...)
}
