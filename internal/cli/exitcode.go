package cli

import (
	"errors"

	"github.com/kilnbuild/kiln/internal/assemble"
	"github.com/kilnbuild/kiln/internal/env"
	"github.com/kilnbuild/kiln/internal/image"
	"github.com/kilnbuild/kiln/internal/manifest"
	"github.com/kilnbuild/kiln/internal/pipeline"
	"github.com/kilnbuild/kiln/internal/promote"
	"github.com/kilnbuild/kiln/internal/runtimecfg"
)

// Exit codes of the build contract.
const (
	exitOK         = 0
	exitValidation = 1
	exitProvision  = 2
	exitPromotion  = 3
)

// Maps an error from command execution to the process exit code.
//
// Validation failures cover the manifest/lock pair; provisioning covers
// environment installation and build-stage assembly; promotion covers the
// stage boundary, configuration, and image packing.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return exitOK

	case errors.Is(err, manifest.ErrManifestMissing),
		errors.Is(err, manifest.ErrManifestInvalid),
		errors.Is(err, manifest.ErrLockAbsent),
		errors.Is(err, manifest.ErrLockInvalid),
		errors.Is(err, manifest.ErrLockMismatch):
		return exitValidation

	case errors.Is(err, env.ErrResolution),
		errors.Is(err, assemble.ErrAssembly),
		errors.Is(err, assemble.ErrPathConflict):
		return exitProvision

	case errors.Is(err, promote.ErrPromotion),
		errors.Is(err, promote.ErrPromotionIncomplete),
		errors.Is(err, runtimecfg.ErrConfiguration),
		errors.Is(err, runtimecfg.ErrRuntimeTreeMissing),
		errors.Is(err, image.ErrImage),
		errors.Is(err, pipeline.ErrOutOfSequence):
		return exitPromotion

	default:
		return exitValidation
	}
}
