package environments

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuiltinDirectory(t *testing.T) {
	d, err := Load("")
	if err != nil {
		t.Fatal(err)
	}

	names := d.Names()
	want := []string{"A1111", "ComfyUI", "ForgeUI"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("names: got %v, want %v", names, want)
	}

	env, err := d.Lookup("ComfyUI")
	if err != nil {
		t.Fatal(err)
	}
	if env.Repository != "https://github.com/comfyanonymous/ComfyUI.git" {
		t.Errorf("repository: %s", env.Repository)
	}
	if len(env.ExtraPackages) != 1 || env.ExtraPackages[0] != "pyyaml" {
		t.Errorf("extra packages: %v", env.ExtraPackages)
	}
}

func TestLookupSuggestion(t *testing.T) {
	d, _ := Load("")

	_, err := d.Lookup("comfyui")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if !strings.Contains(err.Error(), `did you mean "ComfyUI"`) {
		t.Errorf("expected suggestion, got %v", err)
	}

	_, err = d.Lookup("something-else-entirely")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if strings.Contains(err.Error(), "did you mean") {
		t.Errorf("unexpected suggestion: %v", err)
	}
}

func TestLoadFileOverridesAndAdds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "environments.yaml")
	content := `environments:
  - name: ComfyUI
    repository: https://example.com/fork/ComfyUI.git
    python: "3.11"
    launch: $PYTHON main.py --listen
    requirements: [requirements.txt]
    profile: ComfyUI
  - name: Fooocus
    repository: https://github.com/lllyasviel/Fooocus.git
    python: "3.10"
    launch: $PYTHON entry_with_update.py
    requirements: ["requirements_*.txt"]
    profile: ComfyUI
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(d.List()) != 4 {
		t.Fatalf("expected 4 environments, got %d", len(d.List()))
	}

	comfy, _ := d.Lookup("ComfyUI")
	if comfy.Python != "3.11" || !strings.HasPrefix(comfy.Repository, "https://example.com") {
		t.Errorf("override not applied: %+v", comfy)
	}
	if _, err := d.Lookup("Fooocus"); err != nil {
		t.Errorf("added environment missing: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	d, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if len(d.List()) != 3 {
		t.Errorf("expected builtins only, got %d", len(d.List()))
	}
}

func TestLoadRejectsInvalidDefinition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "environments.yaml")
	os.WriteFile(path, []byte("environments:\n  - name: Broken\n"), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLaunchArgs(t *testing.T) {
	env := Environment{Name: "Test", Launch: `$PYTHON main.py --output-directory "$INSTALL_DIR/out dir"`}

	args, err := env.LaunchArgs(map[string]string{
		VarPython:     "/opt/env/.venv/bin/python",
		VarInstallDir: "/opt/env",
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"/opt/env/.venv/bin/python", "main.py", "--output-directory", "/opt/env/out dir"}
	if strings.Join(args, "|") != strings.Join(want, "|") {
		t.Errorf("args: got %q, want %q", args, want)
	}

	if _, err := (Environment{Name: "Empty", Launch: `""`}).LaunchArgs(nil); err == nil {
		t.Error("expected error for empty launch command")
	}
}

func TestModelSubdir(t *testing.T) {
	tests := []struct {
		profile string
		typ     ModelType
		want    string
	}{
		{"ComfyUI", ModelLoras, "models/loras"},
		{"A1111", ModelCheckpoints, "models/Stable-diffusion"},
		{"A1111", ModelUnet, "unet"},
		{"Custom", ModelVAE, "vae"},
	}
	for _, tt := range tests {
		if got := ModelSubdir(tt.profile, tt.typ); got != tt.want {
			t.Errorf("ModelSubdir(%s, %s) = %s, want %s", tt.profile, tt.typ, got, tt.want)
		}
	}
}
