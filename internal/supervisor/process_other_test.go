//go:build !unix

package supervisor

import (
	"errors"
	"testing"
)

func TestOSSpawnerUnsupported(t *testing.T) {
	_, err := OSSpawner{}.Spawn(SpawnSpec{Args: []string{"true"}})
	if !errors.Is(err, errUnsupportedPlatform) {
		t.Fatalf("expected unsupported platform error, got %v", err)
	}
}
