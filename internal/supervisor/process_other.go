//go:build !unix

package supervisor

import (
	"errors"
	"os/exec"
)

var errUnsupportedPlatform = errors.New("process supervision is not supported on this platform")

// OSSpawner starts real OS processes. Only unix platforms are supported.
type OSSpawner struct{}

func (OSSpawner) Spawn(SpawnSpec) (Process, error) {
	return nil, errUnsupportedPlatform
}

// killGroupOnCancel keeps the default behaviour of killing the direct child.
func killGroupOnCancel(*exec.Cmd) {}
