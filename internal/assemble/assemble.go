package assemble

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/containerd/continuity/fs"

	"github.com/kilnbuild/kiln/internal/paths"
)

const (

	// Application root inside the build-stage tree.
	AppDir = "app"

	// Environment directory inside the application root.
	EnvDir = "env"
)

// Relative path of the provisioned environment inside the build-stage tree.
var EnvPath = filepath.Join(AppDir, EnvDir)

// Composes a build-stage tree from an environment and a source tree.
//
// The environment is copied to <treeRoot>/app/env, then the application
// source is overlaid onto <treeRoot>/app. A source path that already exists
// in the tree shadows an environment-owned path and fails with
// [ErrPathConflict]. On any failure the partially built tree is removed, so
// a build-stage tree either exists in full or not at all.
func Overlay(envRoot, srcRoot, treeRoot string) (err error) {
	if _, statErr := os.Stat(treeRoot); statErr == nil {
		return fmt.Errorf("%w: tree %s already exists", ErrAssembly, treeRoot)
	}

	defer func() {
		if err != nil {
			os.RemoveAll(treeRoot)
		}
	}()

	appRoot := filepath.Join(treeRoot, AppDir)
	if err := os.MkdirAll(appRoot, paths.DefaultDirMode); err != nil {
		return fmt.Errorf("%w: %v", ErrAssembly, err)
	}

	if err := fs.CopyDir(filepath.Join(appRoot, EnvDir), envRoot); err != nil {
		return fmt.Errorf("%w: copying environment: %v", ErrAssembly, err)
	}

	slog.Debug("overlaying source", "src", srcRoot, "dest", appRoot)

	if err := overlaySource(srcRoot, appRoot); err != nil {
		return err
	}

	return nil
}

// Copies the source tree into the application root entry by entry.
//
// Directories merge with freshly created ones, but any destination that
// already exists, file or directory, belongs to the environment and is a
// conflict.
func overlaySource(srcRoot, appRoot string) error {
	return filepath.WalkDir(srcRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("%w: %v", ErrAssembly, err)
		}

		rel, err := filepath.Rel(srcRoot, path)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrAssembly, err)
		}
		if rel == "." {
			return nil
		}

		dest := filepath.Join(appRoot, rel)
		if _, err := os.Lstat(dest); err == nil {
			return fmt.Errorf("%w: %s", ErrPathConflict, rel)
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("%w: %v", ErrAssembly, err)
		}

		if err := copyEntry(path, dest, d); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrAssembly, rel, err)
		}
		return nil
	})
}

// Copies a single directory entry preserving its mode.
func copyEntry(src, dest string, d os.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	switch {
	case d.IsDir():
		return os.Mkdir(dest, info.Mode().Perm())

	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dest)

	case info.Mode().IsRegular():
		return copyFile(src, dest, info.Mode().Perm())

	default:
		return fmt.Errorf("unsupported file type %s", info.Mode())
	}
}

// Copies a regular file.
func copyFile(src, dest string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
