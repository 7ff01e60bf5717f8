package promote

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/containerd/continuity/fs"

	"github.com/kilnbuild/kiln/internal/assemble"
	"github.com/kilnbuild/kiln/internal/paths"
)

// Declares which build-stage paths are carried into the runtime tree.
//
// Include lists path prefixes relative to the build tree root. Everything
// outside the listed prefixes is dropped by promotion. The policy is always
// an explicit value; there is no implicit whole-tree default.
type Policy struct {
	Include []string
}

// Returns the standard policy: the provisioned environment's installed
// artifacts and the application source directory.
func DefaultPolicy() Policy {
	return Policy{Include: []string{assemble.EnvPath, assemble.AppDir}}
}

// Copies the policy's inclusion paths from the build tree into a new
// runtime tree.
//
// Every inclusion path must exist in the build tree; a missing one signals
// a broken earlier stage and fails with [ErrPromotionIncomplete] before
// anything is persisted. The runtime tree is staged beside its final
// location and renamed into place atomically on success.
func Promote(buildTree, runtimeTree string, policy Policy) error {
	if len(policy.Include) == 0 {
		return fmt.Errorf("%w: empty inclusion policy", ErrPromotion)
	}
	if _, err := os.Stat(runtimeTree); err == nil {
		return fmt.Errorf("%w: output %s already exists", ErrPromotion, runtimeTree)
	}

	// Verify the full policy before copying anything.
	for _, prefix := range policy.Include {
		if _, err := os.Stat(filepath.Join(buildTree, prefix)); err != nil {
			return fmt.Errorf("%w: %s", ErrPromotionIncomplete, prefix)
		}
	}

	if err := os.MkdirAll(filepath.Dir(runtimeTree), paths.DefaultDirMode); err != nil {
		return fmt.Errorf("%w: %v", ErrPromotion, err)
	}

	stage, err := os.MkdirTemp(filepath.Dir(runtimeTree), ".kiln-promote-")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPromotion, err)
	}
	defer os.RemoveAll(stage)

	for _, prefix := range normalize(policy.Include) {
		if err := copyPrefix(buildTree, stage, prefix); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrPromotion, prefix, err)
		}
	}

	// MkdirTemp creates the stage 0700; the persisted root gets the
	// standard directory mode.
	if err := os.Chmod(stage, paths.DefaultDirMode); err != nil {
		return fmt.Errorf("%w: %v", ErrPromotion, err)
	}

	if err := os.Rename(stage, runtimeTree); err != nil {
		return fmt.Errorf("%w: %v", ErrPromotion, err)
	}

	slog.Info("runtime tree promoted", "output", runtimeTree, "paths", len(policy.Include))
	return nil
}

// Cleans and deduplicates inclusion prefixes.
//
// A prefix nested under another contributes nothing extra and is dropped so
// its subtree is not copied twice.
func normalize(prefixes []string) []string {
	cleaned := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		cleaned = append(cleaned, filepath.Clean(p))
	}
	sort.Strings(cleaned)

	var out []string
	for _, p := range cleaned {
		nested := false
		for _, kept := range out {
			if p == kept || strings.HasPrefix(p, kept+string(filepath.Separator)) {
				nested = true
				break
			}
		}
		if !nested {
			out = append(out, p)
		}
	}
	return out
}

// Copies one inclusion prefix, preserving relative structure and metadata.
func copyPrefix(buildTree, stage, prefix string) error {
	src := filepath.Join(buildTree, prefix)
	dest := filepath.Join(stage, prefix)

	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dest), paths.DefaultDirMode); err != nil {
		return err
	}

	if info.IsDir() {
		return fs.CopyDir(dest, src)
	}
	return copyFile(src, dest, info.Mode().Perm())
}

// Copies a regular file preserving its mode.
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
