package runtimecfg

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/kilnbuild/kiln/internal/assemble"
	"github.com/kilnbuild/kiln/internal/paths"
)

// Filename of the image config written at the runtime tree root.
const ConfigFile = "config.json"

// Application root inside the running image. The runtime tree's app/
// directory is mounted or unpacked at this fixed location.
const ImageAppRoot = "/app"

// Baseline search path of the runtime image, consulted after the promoted
// environment.
var baselinePath = []string{
	"/usr/local/sbin", "/usr/local/bin", "/usr/sbin", "/usr/bin", "/sbin", "/bin",
}

// The process-wide execution parameters of the runtime image.
//
// Path is the ordered executable search path; Workdir is the default
// working directory. Constructed once by [NewExecutionConfig] and never
// mutated afterwards.
type ExecutionConfig struct {
	Path       []string
	Workdir    string
	Entrypoint []string
}

// Builds the execution configuration for a promoted runtime tree.
//
// The promoted environment's bin directory leads the search path, ahead of
// the baseline system directories, and the working directory is the
// application root.
func NewExecutionConfig(entrypoint []string) ExecutionConfig {
	envBin := ImageAppRoot + "/" + assemble.EnvDir + "/bin"
	return ExecutionConfig{
		Path:       append([]string{envBin}, baselinePath...),
		Workdir:    ImageAppRoot,
		Entrypoint: entrypoint,
	}
}

// Writes the execution configuration into the runtime tree as an OCI image
// config.
//
// Fails with [ErrRuntimeTreeMissing] when the tree has not been promoted
// yet; configuration is strictly the last pipeline stage.
func Configure(runtimeTree string, cfg ExecutionConfig) error {
	if _, err := os.Stat(filepath.Join(runtimeTree, assemble.AppDir)); err != nil {
		return fmt.Errorf("%w: %s", ErrRuntimeTreeMissing, runtimeTree)
	}

	img := ocispec.Image{
		Platform: ocispec.Platform{
			OS:           "linux",
			Architecture: goruntime.GOARCH,
		},
		Config: ocispec.ImageConfig{
			Env:        []string{"PATH=" + strings.Join(cfg.Path, ":")},
			WorkingDir: cfg.Workdir,
			Entrypoint: cfg.Entrypoint,
		},
	}

	data, err := json.MarshalIndent(img, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	path := filepath.Join(runtimeTree, ConfigFile)
	if err := os.WriteFile(path, data, paths.DefaultFileMode); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	slog.Debug("execution configuration written", "path", path, "workdir", cfg.Workdir)
	return nil
}

// Reads the image config back from a configured runtime tree.
func Load(runtimeTree string) (ocispec.Image, error) {
	data, err := os.ReadFile(filepath.Join(runtimeTree, ConfigFile))
	if err != nil {
		return ocispec.Image{}, fmt.Errorf("%w: %s", ErrRuntimeTreeMissing, runtimeTree)
	}

	var img ocispec.Image
	if err := json.Unmarshal(data, &img); err != nil {
		return ocispec.Image{}, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return img, nil
}
