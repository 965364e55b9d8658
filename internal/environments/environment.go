// Package environments is the static directory of UI applications MAL knows
// how to install and run.
package environments

import (
	"fmt"
	"os"
	"slices"

	"mvdan.cc/sh/v3/shell"
)

// ModelType is the category a downloaded model file belongs to.
type ModelType string

const (
	ModelCheckpoints   ModelType = "checkpoints"
	ModelLoras         ModelType = "loras"
	ModelVAE           ModelType = "vae"
	ModelClip          ModelType = "clip"
	ModelUnet          ModelType = "unet"
	ModelControlNet    ModelType = "controlnet"
	ModelEmbeddings    ModelType = "embeddings"
	ModelHypernetworks ModelType = "hypernetworks"
	ModelDiffusers     ModelType = "diffusers"
	ModelCustom        ModelType = "custom"
)

// ModelTypes lists every known model type.
var ModelTypes = []ModelType{
	ModelCheckpoints, ModelLoras, ModelVAE, ModelClip, ModelUnet,
	ModelControlNet, ModelEmbeddings, ModelHypernetworks, ModelDiffusers, ModelCustom,
}

// Valid reports whether t is a known model type.
func (t ModelType) Valid() bool {
	return slices.Contains(ModelTypes, t)
}

// Launch variables expanded in Environment.Launch.
const (
	VarPython     = "PYTHON"
	VarInstallDir = "INSTALL_DIR"
)

// Environment describes one installable UI application.
type Environment struct {
	Name       string `yaml:"name" json:"name"`
	Repository string `yaml:"repository" json:"repository"`
	Revision   string `yaml:"revision,omitempty" json:"revision,omitempty"`
	// Python is the interpreter version the virtualenv is created with.
	Python string `yaml:"python" json:"python"`
	// Launch is a shell-quoted command line run from the install directory.
	// $PYTHON and $INSTALL_DIR are expanded, other variables come from the process environment.
	Launch string `yaml:"launch" json:"launch"`
	// Requirements are glob patterns of dependency files, relative to the install directory.
	Requirements  []string `yaml:"requirements" json:"requirements"`
	ExtraPackages []string `yaml:"extra_packages,omitempty" json:"extra_packages,omitempty"`
	// Profile is the model folder layout used when downloading for this environment.
	Profile string `yaml:"profile" json:"profile"`
}

// LaunchArgs splits the launch command into argv, expanding vars first and
// the process environment second.
func (e Environment) LaunchArgs(vars map[string]string) ([]string, error) {
	args, err := shell.Fields(e.Launch, func(name string) string {
		if v, ok := vars[name]; ok {
			return v
		}
		return os.Getenv(name)
	})
	if err != nil {
		return nil, fmt.Errorf("parse launch command for %s: %w", e.Name, err)
	}
	if len(args) == 0 || args[0] == "" {
		return nil, fmt.Errorf("environment %s has an empty launch command", e.Name)
	}
	return args, nil
}

func (e Environment) validate() error {
	switch {
	case e.Name == "":
		return fmt.Errorf("environment name is required")
	case e.Repository == "":
		return fmt.Errorf("environment %s: repository is required", e.Name)
	case e.Launch == "":
		return fmt.Errorf("environment %s: launch command is required", e.Name)
	}
	return nil
}

// Builtin returns the environments shipped with MAL.
func Builtin() []Environment {
	return []Environment{
		{
			Name:          "ComfyUI",
			Repository:    "https://github.com/comfyanonymous/ComfyUI.git",
			Python:        "3.10",
			Launch:        "$PYTHON main.py",
			Requirements:  []string{"requirements.txt"},
			ExtraPackages: []string{"pyyaml"},
			Profile:       "ComfyUI",
		},
		{
			Name:         "A1111",
			Repository:   "https://github.com/AUTOMATIC1111/stable-diffusion-webui.git",
			Python:       "3.10",
			Launch:       "$PYTHON webui.py",
			Requirements: []string{"requirements.txt"},
			Profile:      "A1111",
		},
		{
			Name:         "ForgeUI",
			Repository:   "https://github.com/lllyasviel/stable-diffusion-webui-forge.git",
			Python:       "3.10",
			Launch:       "$PYTHON webui.py",
			Requirements: []string{"requirements.txt"},
			Profile:      "ForgeUI",
		},
	}
}

// Profiles maps a UI profile to the model subfolder of each model type.
var Profiles = map[string]map[ModelType]string{
	"ComfyUI": {
		ModelCheckpoints:   "models/checkpoints",
		ModelLoras:         "models/loras",
		ModelVAE:           "models/vae",
		ModelClip:          "models/clip",
		ModelControlNet:    "models/controlnet",
		ModelEmbeddings:    "models/embeddings",
		ModelDiffusers:     "models/diffusers",
		ModelUnet:          "models/unet",
		ModelHypernetworks: "models/hypernetworks",
	},
	"A1111": {
		ModelCheckpoints:   "models/Stable-diffusion",
		ModelLoras:         "models/Lora",
		ModelVAE:           "models/VAE",
		ModelEmbeddings:    "embeddings",
		ModelHypernetworks: "models/hypernetworks",
		ModelControlNet:    "models/ControlNet",
	},
	"ForgeUI": {
		ModelCheckpoints:   "models/Stable-diffusion",
		ModelLoras:         "models/Lora",
		ModelVAE:           "models/VAE",
		ModelEmbeddings:    "embeddings",
		ModelHypernetworks: "models/hypernetworks",
		ModelControlNet:    "models/ControlNet",
	},
}

// ModelSubdir returns the folder a model of type t goes to under profile.
// Unknown profiles and unmapped types fall back to the type name.
func ModelSubdir(profile string, t ModelType) string {
	if dirs, ok := Profiles[profile]; ok {
		if sub, ok := dirs[t]; ok {
			return sub
		}
	}
	return string(t)
}
