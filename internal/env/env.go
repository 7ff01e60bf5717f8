package env

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/kilnbuild/kiln/internal/manifest"
	"github.com/kilnbuild/kiln/internal/paths"
)

const (

	// Default number of concurrent package installs.
	defaultJobs = 4

	// Default total attempts per package, first try included.
	defaultMaxAttempts = 3

	// Initial backoff delay between retries of a transient failure.
	retryInterval = 250 * time.Millisecond
)

// Subdirectory names inside an environment root.
const (
	pkgsDir = "pkgs"
	binDir  = "bin"
)

// An isolated directory tree of installed dependency artifacts.
//
// Root contains a pkgs/ subtree with one directory per installed package
// and a bin/ directory merging the packages' executables. Key is the digest
// of the lock file content that produced the environment; environments
// provisioned without a lock have an empty key.
type Environment struct {
	Root string
	Key  digest.Digest
}

// Controls environment provisioning.
type Options struct {
	Installer   Installer     // Black-box package installer. Required.
	Jobs        int           // Max concurrent installs. Defaults to 4.
	MaxAttempts int           // Attempts per package for transient failures. Defaults to 3.
	StepTimeout time.Duration // Per-attempt timeout. Zero disables the timeout.
}

// Provisions an environment from a locked install set.
//
// The resulting tree is a pure function of the install set: packages are
// installed in topological waves into disjoint per-package directories, and
// their executables are merged into bin/ in sorted order. Transient
// failures are retried with bounded backoff; [ErrVersionNotFound] is
// permanent and fails the build on first occurrence. The root directory
// must not already exist.
func Provision(ctx context.Context, root string, pkgs []manifest.Package, key digest.Digest, opts Options) (*Environment, error) {
	if opts.Jobs <= 0 {
		opts.Jobs = defaultJobs
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}

	if err := initRoot(root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResolution, err)
	}

	order, err := waves(pkgs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResolution, err)
	}

	slog.Info("provisioning environment",
		"root", root,
		"packages", len(pkgs),
		"waves", len(order),
		"jobs", opts.Jobs,
	)

	for _, wave := range order {
		if err := installWave(ctx, root, wave, opts); err != nil {
			return nil, err
		}
	}

	if err := mergeBins(root, pkgs); err != nil {
		return nil, err
	}

	return &Environment{Root: root, Key: key}, nil
}

// Provisions an environment by fresh resolution, without a lock file.
//
// The installer resolves the manifest's constraints itself, so the result
// depends on registry state at build time and is not reproducible. The
// returned environment has no content key.
func Resolve(ctx context.Context, root, manifestPath string, opts Options) (*Environment, error) {
	if err := initRoot(root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResolution, err)
	}

	slog.Warn("provisioning without a lock file, result is not reproducible", "manifest", manifestPath)

	if opts.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.StepTimeout)
		defer cancel()
	}

	err := opts.Installer.Resolve(ctx, manifestPath, root)
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s", ErrInstallTimeout, opts.StepTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrResolution, manifestPath, err)
	}

	return &Environment{Root: root}, nil
}

// Creates a fresh environment root with its pkgs/ and bin/ subdirectories.
//
// The root must not already exist: an environment is created exactly once
// per build invocation and never mutated afterwards.
func initRoot(root string) error {
	if _, err := os.Stat(root); err == nil {
		return fmt.Errorf("environment directory %s already exists", root)
	} else if !os.IsNotExist(err) {
		return err
	}

	for _, dir := range []string{filepath.Join(root, pkgsDir), filepath.Join(root, binDir)} {
		if err := os.MkdirAll(dir, paths.DefaultDirMode); err != nil {
			return err
		}
	}
	return nil
}

// Installs one topological wave of packages concurrently.
func installWave(ctx context.Context, root string, wave []manifest.Package, opts Options) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Jobs)

	for _, pkg := range wave {
		pkg := pkg
		g.Go(func() error {
			if err := installPackage(ctx, root, pkg, opts); err != nil {
				return fmt.Errorf("%w: %s: %w", ErrResolution, pkg.Ref(), err)
			}
			return nil
		})
	}

	return g.Wait()
}

// Installs a single package into its private directory, retrying transient
// failures.
//
// Each package owns pkgs/<name>-<version>; a directory that already exists
// is a write conflict and fails the build rather than being merged.
func installPackage(ctx context.Context, root string, pkg manifest.Package, opts Options) error {
	dir := filepath.Join(root, pkgsDir, pkg.Name+"-"+pkg.Version)
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("write conflict: %s already exists", dir)
	}

	attempt := 0
	op := func() error {
		attempt++
		slog.Debug("installing package", "package", pkg.Ref(), "attempt", attempt)

		// Each attempt starts from an empty directory; partial state from
		// a failed fetch never reaches the environment.
		if err := os.RemoveAll(dir); err != nil {
			return backoff.Permanent(err)
		}
		if err := os.MkdirAll(dir, paths.DefaultDirMode); err != nil {
			return backoff.Permanent(err)
		}

		err := installOnce(ctx, pkg, dir, opts)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrVersionNotFound) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		slog.Warn("install attempt failed, retrying", "package", pkg.Ref(), "attempt", attempt, "error", err)
		return err
	}

	return backoff.Retry(op, newBackOff(ctx, opts.MaxAttempts))
}

// Runs a single install attempt under the per-step timeout.
func installOnce(ctx context.Context, pkg manifest.Package, dir string, opts Options) error {
	if opts.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.StepTimeout)
		defer cancel()
	}

	err := opts.Installer.Install(ctx, pkg, dir)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s after %s", ErrInstallTimeout, pkg.Ref(), opts.StepTimeout)
	}
	return err
}

// Builds the retry schedule for transient install failures.
func newBackOff(ctx context.Context, maxAttempts int) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInterval
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxAttempts-1)), ctx)
}

// Merges the packages' bin/ directories into the environment's shared bin/.
//
// Packages are processed in sorted ref order so the merge is deterministic.
// Two packages exposing the same executable name is a conflict, never
// silently resolved.
func mergeBins(root string, pkgs []manifest.Package) error {
	owners := make(map[string]string)

	for _, pkg := range sortedRefs(pkgs) {
		srcDir := filepath.Join(root, pkgsDir, pkg.Name+"-"+pkg.Version, binDir)
		entries, err := os.ReadDir(srcDir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrResolution, err)
		}

		for _, entry := range entries {
			if owner, ok := owners[entry.Name()]; ok {
				return fmt.Errorf("%w: executable %q provided by both %s and %s",
					ErrResolution, entry.Name(), owner, pkg.Ref())
			}
			owners[entry.Name()] = pkg.Ref()

			src := filepath.Join(srcDir, entry.Name())
			dest := filepath.Join(root, binDir, entry.Name())
			if err := copyFile(src, dest); err != nil {
				return fmt.Errorf("%w: %v", ErrResolution, err)
			}
		}
	}

	return nil
}

// Returns the packages sorted by ref.
func sortedRefs(pkgs []manifest.Package) []manifest.Package {
	out := append([]manifest.Package(nil), pkgs...)
	sort.Slice(out, func(i, j int) bool { return out[i].Ref() < out[j].Ref() })
	return out
}

// Copies a single file preserving its mode.
func copyFile(src, dest string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
