package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dohr-michael/mal/internal/environments"
	"github.com/dohr-michael/mal/internal/events"
	"github.com/dohr-michael/mal/internal/tasks"
)

// fakeRunner simulates git/uv/pip. A clone creates the target with the files in repoFiles.
type fakeRunner struct {
	mu        sync.Mutex
	calls     []string
	repoFiles []string
	failOn    string // substring of the command line that fails
	block     string // substring of the command line that blocks until ctx is done
}

func (f *fakeRunner) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	line := strings.Join(append([]string{filepath.Base(name)}, args...), " ")
	f.mu.Lock()
	f.calls = append(f.calls, line)
	f.mu.Unlock()

	if f.block != "" && strings.Contains(line, f.block) {
		<-ctx.Done()
		return []byte("interrupted"), ctx.Err()
	}
	if f.failOn != "" && strings.Contains(line, f.failOn) {
		return []byte("line one\nerror: No interpreter found for Python 3.10\n"), errors.New("exit status 2")
	}
	if len(args) > 0 && args[0] == "clone" {
		target := args[len(args)-1]
		if err := os.MkdirAll(target, 0o755); err != nil {
			return nil, err
		}
		for _, rel := range f.repoFiles {
			p := filepath.Join(target, rel)
			os.MkdirAll(filepath.Dir(p), 0o755)
			os.WriteFile(p, []byte("torch\n"), 0o644)
		}
	}
	return nil, nil
}

func (f *fakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type recordingReporter struct {
	mu     sync.Mutex
	stages []string
}

func (r *recordingReporter) Progress(p tasks.Progress) {
	r.mu.Lock()
	r.stages = append(r.stages, p.Stage)
	r.mu.Unlock()
}

func newTestSupervisor(t *testing.T, cfg Config, opts ...Option) (*Supervisor, *tasks.Registry, *events.Hub) {
	t.Helper()
	if cfg.Root == "" {
		cfg.Root = t.TempDir()
	}
	hub := events.NewHub(256)
	t.Cleanup(hub.Close)
	registry := tasks.NewRegistry(hub)
	dir, err := environments.Load("")
	require.NoError(t, err)
	return New(cfg, registry, hub, dir, opts...), registry, hub
}

func comfyUI() environments.Environment {
	env := environments.Builtin()[0]
	env.Requirements = []string{"requirements.txt", "custom_nodes/**/requirements.txt"}
	return env
}

func TestInstallWithUV(t *testing.T) {
	runner := &fakeRunner{repoFiles: []string{"requirements.txt", "custom_nodes/a/requirements.txt", "README.md"}}
	sup, _, _ := newTestSupervisor(t, Config{Tools: Tools{Git: "git", UV: "uv"}}, WithRunner(runner))

	target := sup.InstallPath("ComfyUI", "")
	rep := &recordingReporter{}
	require.NoError(t, sup.Install(context.Background(), comfyUI(), target, rep))

	assert.Equal(t, []string{StageCloning, StageProvisioning, StageInstalling}, rep.stages)

	py := VenvPython(target)
	assert.Equal(t, []string{
		"git clone --depth 1 https://github.com/comfyanonymous/ComfyUI.git " + target,
		"uv venv --python 3.10 " + filepath.Join(target, ".venv"),
		"uv pip install --python " + py + " -r requirements.txt",
		"uv pip install --python " + py + " -r custom_nodes/a/requirements.txt",
		"uv pip install --python " + py + " pyyaml",
	}, runner.Calls())

	assert.FileExists(t, filepath.Join(target, MarkerFile))
	assert.ErrorIs(t, sup.CheckInstallable(target), ErrAlreadyInstalled)

	st := sup.Status("ComfyUI", target)
	assert.True(t, st.IsInstalled)
	assert.False(t, st.IsRunning)
	assert.NotNil(t, st.InstalledAt)
}

func TestInstallWithoutUV(t *testing.T) {
	runner := &fakeRunner{repoFiles: []string{"requirements.txt"}}
	sup, _, _ := newTestSupervisor(t, Config{Tools: Tools{Git: "git", Python: "python3.10", NoUV: true}}, WithRunner(runner))

	env := environments.Builtin()[1]
	target := sup.InstallPath(env.Name, "")
	require.NoError(t, sup.Install(context.Background(), env, target, &recordingReporter{}))

	py := VenvPython(target)
	assert.Equal(t, []string{
		"git clone --depth 1 " + env.Repository + " " + target,
		"python3.10 -m venv " + filepath.Join(target, ".venv"),
		"python -m pip install -r requirements.txt",
	}, runner.Calls())
	assert.Equal(t, "python", filepath.Base(py))
}

func TestInstallFailureCleansUp(t *testing.T) {
	runner := &fakeRunner{repoFiles: []string{"requirements.txt"}, failOn: "venv"}
	sup, _, _ := newTestSupervisor(t, Config{Tools: Tools{Git: "git", UV: "uv"}}, WithRunner(runner))

	target := sup.InstallPath("ComfyUI", "")
	err := sup.Install(context.Background(), comfyUI(), target, &recordingReporter{})
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "provisioning: exit status 2"), err.Error())
	assert.Contains(t, err.Error(), "No interpreter found")
	assert.NoDirExists(t, target)
	assert.NoError(t, sup.CheckInstallable(target))
}

func TestInstallCancelledThroughRegistry(t *testing.T) {
	runner := &fakeRunner{repoFiles: []string{"requirements.txt"}, block: "pip install"}
	sup, registry, _ := newTestSupervisor(t, Config{Tools: Tools{Git: "git", UV: "uv"}}, WithRunner(runner))

	target := sup.InstallPath("ComfyUI", "")
	task := registry.Create(tasks.KindEnvironmentInstall, "ComfyUI", nil)
	require.NoError(t, registry.Go(task.ID, func(ctx context.Context, rep tasks.Reporter) error {
		return sup.Install(ctx, comfyUI(), target, rep)
	}))

	require.Eventually(t, func() bool {
		got, _ := registry.Get(task.ID)
		return got.Progress != nil && got.Progress.Stage == StageInstalling
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, registry.RequestCancel(task.ID))
	require.Eventually(t, func() bool {
		got, _ := registry.Get(task.ID)
		return got.Status == tasks.StatusCancelled
	}, 2*time.Second, 5*time.Millisecond)
	assert.NoDirExists(t, target)
}

func TestCheckInstallableNonEmptyDir(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, Config{})

	target := t.TempDir()
	require.NoError(t, sup.CheckInstallable(target))
	require.NoError(t, sup.CheckInstallable(filepath.Join(target, "missing")))

	os.WriteFile(filepath.Join(target, "stray.txt"), []byte("x"), 0o644)
	assert.ErrorIs(t, sup.CheckInstallable(target), ErrAlreadyInstalled)
}

func TestCheckInstallableMissingParent(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, Config{Root: filepath.Join(t.TempDir(), "envs")})

	assert.ErrorIs(t, sup.CheckInstallable(filepath.Join(t.TempDir(), "a", "b")), ErrInvalidPath)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	assert.ErrorIs(t, sup.CheckInstallable(filepath.Join(file, "env")), ErrInvalidPath)

	// The default root does not need to exist yet.
	require.NoError(t, sup.CheckInstallable(sup.InstallPath("ComfyUI", "")))
}

func TestOutputTail(t *testing.T) {
	out := []byte("a\n\nb\nc\nd\n\n")
	assert.Equal(t, "b | c | d", outputTail(out, 3))
	assert.Equal(t, "", outputTail(nil, 3))
}
