package env

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"

	"github.com/kilnbuild/kiln/internal/manifest"
)

// Exit code by which the install tool signals a permanently missing version.
const versionNotFoundExit = 4

// Installs locked packages into a target directory.
//
// Implementations are black boxes to the pipeline: given a locked package
// and a destination, they either materialize the package's artifacts under
// the destination or fail. Errors are classified through the package
// sentinels: [ErrVersionNotFound] for permanently unavailable versions
// (never retried) and [ErrFetchTransient] for failures worth retrying.
type Installer interface {

	// Installs a single locked package into dir. The implementation must
	// write only inside dir. Executables intended for the environment's
	// search path go under dir/bin.
	Install(ctx context.Context, pkg manifest.Package, dir string) error

	// Resolves and installs the manifest's dependencies into dir without a
	// lock file. This path is not reproducible and is only reached when the
	// caller explicitly allows it.
	Resolve(ctx context.Context, manifestPath, dir string) error
}

// Invokes an external package-installation tool.
//
// The tool is called once per package as:
//
//	<command> [args...] install <name>==<version> <dir>
//
// and once per build for unlocked resolution as:
//
//	<command> [args...] resolve <manifest> <dir>
//
// Package hash and source, plus the cache directory, are passed through the
// KILN_PKG_HASH, KILN_PKG_SOURCE, and KILN_CACHE_DIR environment variables.
// The tool signals a permanently missing version with exit code 4; any
// other non-zero exit is treated as a transient fetch failure.
type ToolInstaller struct {
	Command  string   // Tool binary to invoke.
	Args     []string // Arguments prepended to every invocation.
	CacheDir string   // Scratch directory for the tool's download cache.
}

// Installs a single locked package by invoking the tool.
func (t *ToolInstaller) Install(ctx context.Context, pkg manifest.Package, dir string) error {
	args := append(slices.Clone(t.Args), "install", pkg.Name+"=="+pkg.Version, dir)
	return t.run(ctx, args, map[string]string{
		"KILN_PKG_HASH":   pkg.Hash,
		"KILN_PKG_SOURCE": pkg.Source,
	})
}

// Resolves the manifest's dependencies without a lock file.
func (t *ToolInstaller) Resolve(ctx context.Context, manifestPath, dir string) error {
	args := append(slices.Clone(t.Args), "resolve", manifestPath, dir)
	return t.run(ctx, args, nil)
}

// Runs the tool and classifies its exit status.
func (t *ToolInstaller) run(ctx context.Context, args []string, extraEnv map[string]string) error {
	cmd := exec.CommandContext(ctx, t.Command, args...)

	env := os.Environ()
	if t.CacheDir != "" {
		env = append(env, "KILN_CACHE_DIR="+t.CacheDir)
	}
	for k, v := range extraEnv {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		msg := strings.TrimSpace(stderr.String())
		if exitErr.ExitCode() == versionNotFoundExit {
			return fmt.Errorf("%w: %s", ErrVersionNotFound, msg)
		}
		return fmt.Errorf("%w: exit code %d: %s", ErrFetchTransient, exitErr.ExitCode(), msg)
	}

	return err
}
