package cli

import (
	"context"
	"time"

	"github.com/kilnbuild/kiln/internal/manifest"
	"github.com/kilnbuild/kiln/internal/pipeline"
	"github.com/kilnbuild/kiln/internal/promote"
)

// Represents the 'kiln build' command.
type BuildCmd struct {
	Manifest string `arg:"" help:"Path to the dependency manifest." type:"path"`

	Source string `short:"s" required:"" help:"Application source root." type:"path"`
	Output string `short:"o" required:"" help:"Destination for the runtime tree or image layout." type:"path"`
	Lock   string `short:"l" help:"Lock file path. Defaults to kiln.lock beside the manifest." type:"path" placeholder:"PATH"`

	AllowUnlocked bool `help:"Permit resolution without a lock file. The result is not reproducible."`
	Image         bool `help:"Pack the runtime tree into an OCI image layout at the output path."`
	IncludeDev    bool `help:"Install development dependencies into the environment."`

	Include    []string `help:"Promotion inclusion prefixes, overriding the default policy." placeholder:"PREFIX"`
	Entrypoint []string `help:"Entrypoint recorded in the image's execution configuration." placeholder:"ARG"`

	Installer string        `default:"kiln-install" help:"Package installation tool to invoke."`
	Jobs      int           `default:"4" help:"Max concurrent package installs."`
	Retries   int           `default:"3" help:"Attempts per package for transient fetch failures."`
	Timeout   time.Duration `default:"5m" help:"Per-attempt install timeout."`
}

// Executes the build command.
//
// Runs the full pipeline: load, provision, assemble, promote, configure.
// The first failing stage aborts the build; transient scratch state is
// always cleaned up.
func (c *BuildCmd) Run(ctx context.Context) error {
	opts := pipeline.Options{
		Manifest:      c.Manifest,
		Lock:          c.Lock,
		Source:        c.Source,
		Output:        c.Output,
		AllowUnlocked: c.AllowUnlocked,
		Image:         c.Image,
		Entrypoint:    c.Entrypoint,
		InstallPolicy: manifest.InstallPolicy{IncludeDev: c.IncludeDev},
		InstallerCmd:  c.Installer,
		Jobs:          c.Jobs,
		MaxAttempts:   c.Retries,
		StepTimeout:   c.Timeout,
	}

	if len(c.Include) > 0 {
		opts.Policy = promote.Policy{Include: c.Include}
	}

	return pipeline.New(opts).Run(ctx)
}
