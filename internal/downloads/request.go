// Package downloads transfers model files from a Hugging Face style hub into
// the local models directory.
package downloads

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/dohr-michael/mal/internal/environments"
)

// ErrInvalidRequest is returned for requests that cannot be turned into a download.
var ErrInvalidRequest = errors.New("invalid download request")

// Request identifies one file to download and where it goes.
type Request struct {
	RepoID   string `json:"repo_id"`
	Filename string `json:"filename"`
	Revision string `json:"revision,omitempty"`
	// ModelType selects the profile subfolder. ModelCustom uses CustomPath instead.
	ModelType environments.ModelType `json:"model_type"`
	// Profile is the UI folder layout, e.g. "ComfyUI". Empty means flat by model type.
	Profile    string `json:"profile,omitempty"`
	CustomPath string `json:"custom_path,omitempty"`
}

// Subject is the human-readable descriptor of the download.
func (r Request) Subject() string {
	return r.RepoID + "/" + r.Filename
}

func (r Request) revision() string {
	if r.Revision == "" {
		return "main"
	}
	return r.Revision
}

// Validate checks the request fields without touching the filesystem.
func (r Request) Validate() error {
	switch {
	case strings.TrimSpace(r.RepoID) == "":
		return fmt.Errorf("%w: repo_id is required", ErrInvalidRequest)
	case strings.TrimSpace(r.Filename) == "":
		return fmt.Errorf("%w: filename is required", ErrInvalidRequest)
	case !validName(path.Base(r.Filename)):
		return fmt.Errorf("%w: filename %q", ErrInvalidRequest, r.Filename)
	case strings.Contains(r.RepoID, ".."):
		return fmt.Errorf("%w: repo_id %q", ErrInvalidRequest, r.RepoID)
	case r.ModelType == "":
		return fmt.Errorf("%w: model_type is required", ErrInvalidRequest)
	case !r.ModelType.Valid():
		return fmt.Errorf("%w: unknown model_type %q", ErrInvalidRequest, r.ModelType)
	case r.ModelType == environments.ModelCustom && strings.TrimSpace(r.CustomPath) == "":
		return fmt.Errorf("%w: custom_path is required for custom models", ErrInvalidRequest)
	}
	return nil
}

// TargetPath resolves the destination file under modelsDir. Paths that would
// escape modelsDir are rejected.
func (r Request) TargetPath(modelsDir string) (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}

	sub := environments.ModelSubdir(r.Profile, r.ModelType)
	if r.ModelType == environments.ModelCustom {
		sub = r.CustomPath
	}

	root := filepath.Clean(modelsDir)
	// Files inside repo subfolders keep only their base name.
	dest := filepath.Join(root, filepath.FromSlash(sub), path.Base(r.Filename))
	rel, err := filepath.Rel(root, dest)
	if err != nil || rel == "." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == ".." || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: destination escapes the models directory", ErrInvalidRequest)
	}
	return dest, nil
}

func validName(name string) bool {
	return name != "." && name != ".." && name != "/" && !strings.Contains(name, "\\")
}
