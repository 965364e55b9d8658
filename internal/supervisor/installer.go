package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Install stages, reported as task progress.
const (
	StageCloning      = "cloning"
	StageProvisioning = "provisioning"
	StageInstalling   = "installing"
	StageRunning      = "running"
)

// MarkerFile is written at the root of a finished install.
const MarkerFile = ".mal-install.json"

// RunLogFile receives the output of a running environment.
const RunLogFile = "mal-run.log"

const venvDir = ".venv"

// Runner executes installer commands and returns their combined output.
type Runner interface {
	Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error)
}

// stageWaitDelay bounds how long a cancelled stage may hold its output pipe.
const stageWaitDelay = 2 * time.Second

// ExecRunner runs commands with os/exec. Each command gets its own process
// group, and cancellation kills the whole group.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	killGroupOnCancel(cmd)
	cmd.WaitDelay = stageWaitDelay
	return cmd.CombinedOutput()
}

// Tools names the executables used to install environments. Empty fields
// are resolved from PATH; without uv the installer falls back to venv + pip.
type Tools struct {
	Git    string `json:"git"`
	UV     string `json:"uv"`
	Python string `json:"python"`
	NoUV   bool   `json:"no_uv"`
}

func (t Tools) git() string {
	if t.Git != "" {
		return t.Git
	}
	if p := lookPathWithFallback("git"); p != "" {
		return p
	}
	return "git"
}

func (t Tools) uv() string {
	if t.NoUV {
		return ""
	}
	if t.UV != "" {
		return t.UV
	}
	return lookPathWithFallback("uv")
}

// python returns the interpreter used to create a virtualenv for version.
func (t Tools) python(version string) string {
	if t.Python != "" {
		return t.Python
	}
	if version != "" {
		if p := lookPathWithFallback("python" + version); p != "" {
			return p
		}
	}
	if p := lookPathWithFallback("python3"); p != "" {
		return p
	}
	return "python3"
}

func lookPathWithFallback(bin string) string {
	if p, err := exec.LookPath(bin); err == nil {
		return p
	}
	home, _ := os.UserHomeDir()
	for _, dir := range []string{filepath.Join(home, ".local", "bin"), "/usr/local/bin", "/opt/homebrew/bin"} {
		p := filepath.Join(dir, bin)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p
		}
	}
	return ""
}

// VenvPython returns the interpreter of the virtualenv inside installPath.
func VenvPython(installPath string) string {
	return filepath.Join(installPath, venvDir, "bin", "python")
}

// requirementFiles expands the dependency globs relative to root.
func requirementFiles(root string, patterns []string) ([]string, error) {
	fsys := os.DirFS(root)
	var files []string
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			if !slices.Contains(files, m) {
				files = append(files, m)
			}
		}
	}
	return files, nil
}

type stageError struct {
	stage string
	err   error
	tail  string
}

func (e *stageError) Error() string {
	if e.tail == "" {
		return fmt.Sprintf("%s: %v", e.stage, e.err)
	}
	return fmt.Sprintf("%s: %v (%s)", e.stage, e.err, e.tail)
}

func (e *stageError) Unwrap() error { return e.err }

func newStageError(stage string, err error, out []byte) error {
	return &stageError{stage: stage, err: err, tail: outputTail(out, 3)}
}

// outputTail keeps the last n non-empty lines of a command output.
func outputTail(out []byte, n int) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	lines = slices.DeleteFunc(lines, func(l string) bool { return strings.TrimSpace(l) == "" })
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
