// Package supervisor installs environments and owns the OS processes of
// running ones.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dohr-michael/mal/internal/environments"
	"github.com/dohr-michael/mal/internal/events"
	"github.com/dohr-michael/mal/internal/storage/dirstore"
	"github.com/dohr-michael/mal/internal/tasks"
)

var (
	ErrAlreadyInstalled = errors.New("environment already installed")
	ErrNotInstalled     = errors.New("environment not installed")
	ErrAlreadyRunning   = errors.New("environment already running")
	ErrIsRunning        = errors.New("environment is running")
	ErrInvalidPath      = errors.New("invalid install path")
)

// DefaultStopGracePeriod is how long a stopped process gets before SIGKILL.
const DefaultStopGracePeriod = 10 * time.Second

// Config holds supervisor settings.
type Config struct {
	// Root is the directory environments are installed under by default.
	Root            string
	StopGracePeriod time.Duration
	Tools           Tools
}

// Marker is the content of MarkerFile.
type Marker struct {
	Environment string    `json:"environment"`
	Repository  string    `json:"repository"`
	Revision    string    `json:"revision,omitempty"`
	InstalledAt time.Time `json:"installed_at"`
}

// ManagedEnvironment is the derived status of one environment.
type ManagedEnvironment struct {
	Name          string     `json:"name"`
	InstallPath   string     `json:"install_path"`
	IsInstalled   bool       `json:"is_installed"`
	IsRunning     bool       `json:"is_running"`
	RunningTaskID string     `json:"running_task_id,omitempty"`
	InstalledAt   *time.Time `json:"installed_at,omitempty"`
}

// StatusPayload is published whenever an environment's status may have changed.
type StatusPayload struct {
	Environments []ManagedEnvironment `json:"environments"`
}

func (StatusPayload) EventType() events.EventType { return events.EventEnvironmentStatus }

type liveProcess struct {
	taskID string
	env    string
	path   string
	proc   Process

	stopOnce sync.Once
	stopping atomic.Bool
	// done is closed after the handle is removed and the task settled.
	done chan struct{}
}

// Supervisor installs environments, runs at most one process per
// environment and turns process exits into task transitions.
type Supervisor struct {
	registry *tasks.Registry
	hub      *events.Hub
	dir      *environments.Directory
	store    *dirstore.DirStore
	spawner  Spawner
	runner   Runner
	grace    time.Duration
	tools    Tools

	mu     sync.Mutex
	byTask map[string]*liveProcess
	byEnv  map[string]*liveProcess
	paths  map[string]string // environment name → install path last used
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithSpawner replaces the process spawner.
func WithSpawner(sp Spawner) Option {
	return func(s *Supervisor) { s.spawner = sp }
}

// WithRunner replaces the installer command runner.
func WithRunner(r Runner) Option {
	return func(s *Supervisor) { s.runner = r }
}

// New creates a supervisor.
func New(cfg Config, registry *tasks.Registry, hub *events.Hub, dir *environments.Directory, opts ...Option) *Supervisor {
	grace := cfg.StopGracePeriod
	if grace <= 0 {
		grace = DefaultStopGracePeriod
	}
	s := &Supervisor{
		registry: registry,
		hub:      hub,
		dir:      dir,
		store:    dirstore.NewDirStore(cfg.Root, MarkerFile),
		spawner:  OSSpawner{},
		runner:   ExecRunner{},
		grace:    grace,
		tools:    cfg.Tools,
		byTask:   make(map[string]*liveProcess),
		byEnv:    make(map[string]*liveProcess),
		paths:    make(map[string]string),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// InstallPath resolves the install path of name. An empty override yields the
// path last used for name, or the default location under the root.
func (s *Supervisor) InstallPath(name, override string) string {
	if override != "" {
		return filepath.Clean(override)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.paths[name]; ok {
		return p
	}
	return s.store.Dir(name)
}

func (s *Supervisor) remember(name, path string) {
	s.mu.Lock()
	s.paths[name] = path
	s.mu.Unlock()
}

// CheckInstallable rejects targets that already hold an install, and custom
// targets whose parent directory does not exist. The default root is created
// on demand.
func (s *Supervisor) CheckInstallable(target string) error {
	if parent := filepath.Dir(target); parent != filepath.Clean(s.store.Root()) {
		info, err := os.Stat(parent)
		switch {
		case errors.Is(err, os.ErrNotExist):
			return fmt.Errorf("parent directory %s does not exist: %w", parent, ErrInvalidPath)
		case err != nil:
			return fmt.Errorf("check %s: %w", parent, err)
		case !info.IsDir():
			return fmt.Errorf("%s is not a directory: %w", parent, ErrInvalidPath)
		}
	}
	if s.store.HasMeta(target) {
		return fmt.Errorf("%s: %w", target, ErrAlreadyInstalled)
	}
	empty, err := dirstore.IsEmptyDir(target)
	if err != nil {
		return err
	}
	if !empty {
		return fmt.Errorf("%s is not empty: %w", target, ErrAlreadyInstalled)
	}
	return nil
}

// Install clones, provisions and installs env into target. On failure or
// cancellation the target directory is removed before returning.
func (s *Supervisor) Install(ctx context.Context, env environments.Environment, target string, rep tasks.Reporter) (err error) {
	s.remember(env.Name, target)
	log := slog.With("env", env.Name, "path", target)

	defer func() {
		if err != nil {
			if rmErr := os.RemoveAll(target); rmErr != nil {
				log.Warn("failed to clean up partial install", "error", rmErr)
			}
			if ctx.Err() != nil {
				log.Info("install cancelled")
			} else {
				log.Error("install failed", "error", err)
			}
		}
		s.publishStatus()
	}()

	rep.Progress(tasks.Progress{Stage: StageCloning})
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return newStageError(StageCloning, err, nil)
	}
	cloneArgs := []string{"clone", "--depth", "1"}
	if env.Revision != "" {
		cloneArgs = append(cloneArgs, "--branch", env.Revision)
	}
	cloneArgs = append(cloneArgs, env.Repository, target)
	if out, err := s.runner.Run(ctx, "", s.tools.git(), cloneArgs...); err != nil {
		return newStageError(StageCloning, err, out)
	}

	rep.Progress(tasks.Progress{Stage: StageProvisioning})
	uv := s.tools.uv()
	venv := filepath.Join(target, venvDir)
	var out []byte
	if uv != "" {
		args := []string{"venv"}
		if env.Python != "" {
			args = append(args, "--python", env.Python)
		}
		out, err = s.runner.Run(ctx, target, uv, append(args, venv)...)
	} else {
		out, err = s.runner.Run(ctx, target, s.tools.python(env.Python), "-m", "venv", venv)
	}
	if err != nil {
		return newStageError(StageProvisioning, err, out)
	}

	rep.Progress(tasks.Progress{Stage: StageInstalling})
	files, err := requirementFiles(target, env.Requirements)
	if err != nil {
		return newStageError(StageInstalling, err, nil)
	}
	py := VenvPython(target)
	pip := func(args ...string) ([]byte, error) {
		if uv != "" {
			return s.runner.Run(ctx, target, uv, append([]string{"pip", "install", "--python", py}, args...)...)
		}
		return s.runner.Run(ctx, target, py, append([]string{"-m", "pip", "install"}, args...)...)
	}
	for _, f := range files {
		log.Debug("installing dependencies", "file", f)
		if out, err := pip("-r", f); err != nil {
			return newStageError(StageInstalling, err, out)
		}
	}
	if len(env.ExtraPackages) > 0 {
		if out, err := pip(env.ExtraPackages...); err != nil {
			return newStageError(StageInstalling, err, out)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	marker := Marker{
		Environment: env.Name,
		Repository:  env.Repository,
		Revision:    env.Revision,
		InstalledAt: time.Now().UTC(),
	}
	if err := s.store.WriteMeta(target, marker); err != nil {
		return newStageError(StageInstalling, err, nil)
	}

	log.Info("environment installed")
	return nil
}

func isInstalled(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}

// CheckRunnable validates that name can be started from installPath without
// spawning anything.
func (s *Supervisor) CheckRunnable(name, installPath string) error {
	if !isInstalled(installPath) {
		return fmt.Errorf("%s at %s: %w", name, installPath, ErrNotInstalled)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if lp, ok := s.byEnv[name]; ok {
		return fmt.Errorf("%s (task %s): %w", name, lp.taskID, ErrAlreadyRunning)
	}
	return nil
}

// Run starts env from installPath on behalf of the pending task taskID. The
// task moves to running once the process is up and settles when it exits.
func (s *Supervisor) Run(env environments.Environment, installPath, taskID string) error {
	if !isInstalled(installPath) {
		return fmt.Errorf("%s at %s: %w", env.Name, installPath, ErrNotInstalled)
	}
	args, err := env.LaunchArgs(map[string]string{
		environments.VarPython:     VenvPython(installPath),
		environments.VarInstallDir: installPath,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if lp, ok := s.byEnv[env.Name]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%s (task %s): %w", env.Name, lp.taskID, ErrAlreadyRunning)
	}

	proc, err := s.spawner.Spawn(SpawnSpec{
		Args:    args,
		Dir:     installPath,
		Env:     []string{"VIRTUAL_ENV=" + filepath.Join(installPath, venvDir)},
		LogPath: filepath.Join(installPath, RunLogFile),
	})
	if err != nil {
		s.mu.Unlock()
		return err
	}

	lp := &liveProcess{
		taskID: taskID,
		env:    env.Name,
		path:   installPath,
		proc:   proc,
		done:   make(chan struct{}),
	}
	if err := s.registry.Attach(taskID, tasks.CancelFunc(func() { s.signalStop(lp) })); err != nil {
		s.mu.Unlock()
		_ = proc.Kill()
		<-proc.Done()
		return err
	}
	s.byTask[taskID] = lp
	s.byEnv[env.Name] = lp
	s.paths[env.Name] = installPath
	s.mu.Unlock()

	slog.Info("environment started", "env", env.Name, "task_id", taskID, "pid", proc.Pid())
	if err := s.registry.Start(taskID); err != nil {
		slog.Warn("run task could not be marked running", "task_id", taskID, "error", err)
	} else {
		_ = s.registry.Progress(taskID, tasks.Progress{Stage: StageRunning})
	}

	go s.supervise(lp)
	s.publishStatus()
	return nil
}

func (s *Supervisor) supervise(lp *liveProcess) {
	<-lp.proc.Done()
	code := lp.proc.ExitCode()

	s.mu.Lock()
	delete(s.byTask, lp.taskID)
	if s.byEnv[lp.env] == lp {
		delete(s.byEnv, lp.env)
	}
	s.mu.Unlock()

	log := slog.With("env", lp.env, "task_id", lp.taskID, "exit_code", code)
	switch {
	case lp.stopping.Load():
		log.Info("environment stopped")
		_ = s.registry.MarkCancelled(lp.taskID)
	case code == 0:
		log.Info("environment exited")
		_ = s.registry.Complete(lp.taskID)
	default:
		log.Warn("environment exited with error")
		_ = s.registry.Fail(lp.taskID, fmt.Sprintf("process exited with code %d", code))
	}

	close(lp.done)
	s.publishStatus()
}

// signalStop sends SIGTERM and schedules SIGKILL after the grace period.
func (s *Supervisor) signalStop(lp *liveProcess) {
	lp.stopOnce.Do(func() {
		lp.stopping.Store(true)
		slog.Info("stopping environment", "env", lp.env, "task_id", lp.taskID, "pid", lp.proc.Pid())
		if err := lp.proc.Terminate(); err != nil {
			slog.Warn("terminate failed", "env", lp.env, "error", err)
		}
		go func() {
			timer := time.NewTimer(s.grace)
			defer timer.Stop()
			select {
			case <-lp.proc.Done():
			case <-timer.C:
				slog.Warn("grace period elapsed, killing environment", "env", lp.env, "task_id", lp.taskID)
				if err := lp.proc.Kill(); err != nil {
					slog.Error("kill failed", "env", lp.env, "error", err)
				}
			}
		}()
	})
}

// Stop stops the process of a run task and waits until its exit is confirmed
// or ctx expires. Unknown or finished tasks are a no-op.
func (s *Supervisor) Stop(ctx context.Context, taskID string) error {
	s.mu.Lock()
	lp := s.byTask[taskID]
	s.mu.Unlock()
	if lp == nil {
		return nil
	}

	if err := s.registry.RequestCancel(taskID); err != nil && !errors.Is(err, tasks.ErrNotFound) {
		slog.Warn("cancel request failed", "task_id", taskID, "error", err)
	}
	s.signalStop(lp)

	select {
	case <-lp.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopAll stops every running environment.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.byTask))
	for id := range s.byTask {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.Stop(ctx, id)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// DeleteEnvironment removes the install directory of name.
func (s *Supervisor) DeleteEnvironment(name, installPath string) error {
	installPath = filepath.Clean(installPath)

	s.mu.Lock()
	for _, lp := range s.byTask {
		if lp.path == installPath && lp.proc.Alive() {
			s.mu.Unlock()
			return fmt.Errorf("%s (task %s): %w", name, lp.taskID, ErrIsRunning)
		}
	}
	s.mu.Unlock()

	if !isInstalled(installPath) {
		return fmt.Errorf("%s at %s: %w", name, installPath, ErrNotInstalled)
	}
	if err := os.RemoveAll(installPath); err != nil {
		return fmt.Errorf("remove %s: %w", installPath, err)
	}
	slog.Info("environment deleted", "env", name, "path", installPath)

	s.mu.Lock()
	if s.paths[name] == installPath {
		delete(s.paths, name)
	}
	s.mu.Unlock()

	s.publishStatus()
	return nil
}

// Status derives the current status of name at installPath.
func (s *Supervisor) Status(name, installPath string) ManagedEnvironment {
	me := ManagedEnvironment{
		Name:        name,
		InstallPath: installPath,
		IsInstalled: isInstalled(installPath),
	}

	s.mu.Lock()
	lp := s.byEnv[name]
	s.mu.Unlock()
	if lp != nil && lp.path == installPath && lp.proc.Alive() {
		me.IsRunning = true
		me.RunningTaskID = lp.taskID
	}

	var marker Marker
	if me.IsInstalled && s.store.ReadMeta(installPath, &marker) == nil {
		me.InstalledAt = &marker.InstalledAt
	}
	return me
}

// Statuses returns the status of every known environment, sorted by name.
func (s *Supervisor) Statuses() []ManagedEnvironment {
	names := s.dir.Names()
	s.mu.Lock()
	for name := range s.paths {
		if _, err := s.dir.Lookup(name); err != nil {
			names = append(names, name)
		}
	}
	s.mu.Unlock()
	sort.Strings(names)

	list := make([]ManagedEnvironment, 0, len(names))
	for _, name := range names {
		list = append(list, s.Status(name, s.InstallPath(name, "")))
	}
	return list
}

func (s *Supervisor) publishStatus() {
	if !s.hub.Active() {
		return
	}
	s.hub.Publish(events.SourceSupervisor, StatusPayload{Environments: s.Statuses()})
}
