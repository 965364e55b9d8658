//go:build unix

package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
)

// OSSpawner starts real OS processes, each in its own process group so that
// signals reach every descendant.
type OSSpawner struct{}

func (OSSpawner) Spawn(spec SpawnSpec) (Process, error) {
	if len(spec.Args) == 0 {
		return nil, errors.New("spawn: empty command")
	}

	var out io.WriteCloser
	if spec.LogPath != "" {
		f, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log %s: %w", spec.LogPath, err)
		}
		out = f
	}

	cmd := exec.Command(spec.Args[0], spec.Args[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	if out != nil {
		cmd.Stdout = out
		cmd.Stderr = out
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		if out != nil {
			out.Close()
		}
		return nil, fmt.Errorf("start %s: %w", spec.Args[0], err)
	}

	p := &osProcess{cmd: cmd, done: make(chan struct{})}
	p.exitCode.Store(-1)
	go func() {
		_ = cmd.Wait()
		if out != nil {
			out.Close()
		}
		p.exitCode.Store(int64(cmd.ProcessState.ExitCode()))
		close(p.done)
	}()
	return p, nil
}

// killGroupOnCancel starts cmd in a new process group and makes context
// cancellation kill the group rather than only the direct child.
func killGroupOnCancel(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
}

type osProcess struct {
	cmd      *exec.Cmd
	done     chan struct{}
	exitCode atomic.Int64
}

func (p *osProcess) Pid() int { return p.cmd.Process.Pid }

func (p *osProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
	}
	return p.cmd.Process.Signal(syscall.Signal(0)) == nil
}

func (p *osProcess) Terminate() error { return p.signalGroup(syscall.SIGTERM) }

func (p *osProcess) Kill() error { return p.signalGroup(syscall.SIGKILL) }

func (p *osProcess) signalGroup(sig syscall.Signal) error {
	err := syscall.Kill(-p.cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("signal %s to group %d: %w", sig, p.cmd.Process.Pid, err)
	}
	return nil
}

func (p *osProcess) Done() <-chan struct{} { return p.done }

func (p *osProcess) ExitCode() int { return int(p.exitCode.Load()) }
