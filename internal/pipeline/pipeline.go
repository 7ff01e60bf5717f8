package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/kilnbuild/kiln/internal/assemble"
	"github.com/kilnbuild/kiln/internal/env"
	"github.com/kilnbuild/kiln/internal/image"
	"github.com/kilnbuild/kiln/internal/manifest"
	"github.com/kilnbuild/kiln/internal/paths"
	"github.com/kilnbuild/kiln/internal/promote"
	"github.com/kilnbuild/kiln/internal/runtimecfg"
)

// Position of a build invocation in its stage sequence.
type State int

const (
	StateUnloaded State = iota
	StateLoaded
	StateProvisioned
	StateAssembled
	StatePromoted
	StateConfigured
	StateFailed
)

// Returns the state's name.
func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoaded:
		return "loaded"
	case StateProvisioned:
		return "provisioned"
	case StateAssembled:
		return "assembled"
	case StatePromoted:
		return "promoted"
	case StateConfigured:
		return "configured"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Controls a build invocation.
type Options struct {
	Manifest      string                 // Path to the dependency manifest. Required.
	Lock          string                 // Path to the lock file. Defaults to <manifest dir>/kiln.lock.
	Source        string                 // Path to the application source root. Required.
	Output        string                 // Destination for the runtime tree or image layout. Required.
	AllowUnlocked bool                   // Permits fresh resolution when the lock file is absent.
	Image         bool                   // Packs the runtime tree into an OCI image layout at Output.
	Entrypoint    []string               // Entrypoint recorded in the execution configuration.
	Policy        promote.Policy         // Promotion inclusion policy. Defaults to [promote.DefaultPolicy].
	InstallPolicy manifest.InstallPolicy // Which manifest roots to install. Always explicit.
	Installer     env.Installer          // Package installer. Defaults to a [env.ToolInstaller] running InstallerCommand.
	InstallerCmd  string                 // Tool binary for the default installer.
	Jobs          int                    // Max concurrent installs.
	MaxAttempts   int                    // Attempts per package for transient failures.
	StepTimeout   time.Duration          // Per-attempt install timeout.
	ScratchRoot   string                 // Root for per-invocation scratch space. Defaults to [paths.Builds].
}

// A single build invocation.
//
// Stage methods must be called in order; Run does so and is the normal
// entry point. A pipeline is not reusable and not safe for concurrent use.
type Pipeline struct {
	opts    Options
	id      uuid.UUID
	scratch string
	state   State

	pair        *manifest.Pair
	environment *env.Environment
	buildTree   string
	runtimeTree string
}

// Creates a pipeline for one build invocation.
func New(opts Options) *Pipeline {
	if len(opts.Policy.Include) == 0 {
		opts.Policy = promote.DefaultPolicy()
	}
	if opts.ScratchRoot == "" {
		opts.ScratchRoot = paths.Builds()
	}
	return &Pipeline{opts: opts, id: uuid.New()}
}

// Returns the pipeline's current state.
func (p *Pipeline) State() State {
	return p.state
}

// Runs all stages in order.
//
// The scratch directory holding the provisioned environment and the
// build-stage tree is removed before Run returns, on success, failure, and
// cancellation alike. Only the promoted output survives.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.cleanup()

	slog.Info("starting build",
		"id", p.id,
		"manifest", p.opts.Manifest,
		"source", p.opts.Source,
		"output", p.opts.Output,
	)

	if err := p.Load(); err != nil {
		return err
	}
	if err := p.Provision(ctx); err != nil {
		return err
	}
	if err := p.Assemble(); err != nil {
		return err
	}
	if err := p.Promote(); err != nil {
		return err
	}
	return p.Configure()
}

// Loads and validates the manifest and lock file.
func (p *Pipeline) Load() error {
	if err := p.require(StateUnloaded, "load"); err != nil {
		return err
	}

	pair, err := manifest.Load(p.opts.Manifest, p.lockPath(), manifest.Options{
		AllowUnlocked: p.opts.AllowUnlocked,
	})
	if err != nil {
		return p.fail("load", err)
	}

	p.pair = pair
	p.state = StateLoaded
	return nil
}

// Provisions the dependency environment inside the scratch directory.
func (p *Pipeline) Provision(ctx context.Context) error {
	if err := p.require(StateLoaded, "provision"); err != nil {
		return err
	}

	if err := p.initScratch(); err != nil {
		return p.fail("provision", err)
	}

	opts := env.Options{
		Installer:   p.installer(),
		Jobs:        p.opts.Jobs,
		MaxAttempts: p.opts.MaxAttempts,
		StepTimeout: p.opts.StepTimeout,
	}

	envRoot := filepath.Join(p.scratch, "env")

	var environment *env.Environment
	var err error
	if p.pair.Lock != nil {
		pkgs := p.pair.InstallSet(p.opts.InstallPolicy)
		key := digest.FromBytes(p.pair.LockBytes)
		environment, err = env.Provision(ctx, envRoot, pkgs, key, opts)
	} else {
		environment, err = env.Resolve(ctx, envRoot, p.opts.Manifest, opts)
	}
	if err != nil {
		return p.fail("provision", err)
	}

	p.environment = environment
	p.state = StateProvisioned
	return nil
}

// Composes the build-stage tree from the environment and the source tree.
func (p *Pipeline) Assemble() error {
	if err := p.require(StateProvisioned, "assemble"); err != nil {
		return err
	}

	buildTree := filepath.Join(p.scratch, "build")
	if err := assemble.Overlay(p.environment.Root, p.opts.Source, buildTree); err != nil {
		return p.fail("assemble", err)
	}

	// The installer cache is part of the build-stage tree but never part
	// of the promotion policy.
	cache := filepath.Join(p.scratch, "cache")
	if err := os.Rename(cache, filepath.Join(buildTree, "cache")); err != nil {
		return p.fail("assemble", err)
	}

	p.buildTree = buildTree
	p.state = StateAssembled
	return nil
}

// Promotes the policy's inclusion paths into the runtime tree.
func (p *Pipeline) Promote() error {
	if err := p.require(StateAssembled, "promote"); err != nil {
		return err
	}

	// When packing an image, the runtime tree itself is transient and the
	// layout is the persisted output.
	dest := p.opts.Output
	if p.opts.Image {
		dest = filepath.Join(p.scratch, "runtime")
	}

	if err := promote.Promote(p.buildTree, dest, p.opts.Policy); err != nil {
		return p.fail("promote", err)
	}

	p.runtimeTree = dest
	p.state = StatePromoted
	return nil
}

// Writes the execution configuration and, when requested, packs the image.
func (p *Pipeline) Configure() error {
	if err := p.require(StatePromoted, "configure"); err != nil {
		return err
	}

	cfg := runtimecfg.NewExecutionConfig(p.opts.Entrypoint)
	if err := runtimecfg.Configure(p.runtimeTree, cfg); err != nil {
		return p.fail("configure", err)
	}

	treeDigest, err := promote.TreeDigest(p.runtimeTree)
	if err != nil {
		return p.fail("configure", err)
	}

	if p.opts.Image {
		if err := image.Pack(p.runtimeTree, p.opts.Output); err != nil {
			return p.fail("configure", err)
		}
	}

	p.state = StateConfigured
	slog.Info("build complete", "id", p.id, "output", p.opts.Output, "digest", treeDigest)
	return nil
}

// Rejects a stage invoked outside its position in the sequence.
func (p *Pipeline) require(want State, stage string) error {
	if p.state != want {
		return fmt.Errorf("%w: %s requires state %s, pipeline is %s", ErrOutOfSequence, stage, want, p.state)
	}
	return nil
}

// Records the first failure and moves the pipeline to its terminal state.
func (p *Pipeline) fail(stage string, err error) error {
	p.state = StateFailed
	return fmt.Errorf("%s stage: %w", stage, err)
}

// Creates the per-invocation scratch directory and the installer cache.
func (p *Pipeline) initScratch() error {
	p.scratch = filepath.Join(p.opts.ScratchRoot, p.id.String())
	return os.MkdirAll(filepath.Join(p.scratch, "cache"), paths.DefaultDirMode)
}

// Removes all transient build state.
func (p *Pipeline) cleanup() {
	if p.scratch == "" {
		return
	}
	if err := os.RemoveAll(p.scratch); err != nil {
		slog.Warn("failed to remove scratch directory", "path", p.scratch, "error", err)
	}
}

// Returns the lock file path, defaulting to kiln.lock beside the manifest.
func (p *Pipeline) lockPath() string {
	if p.opts.Lock != "" {
		return p.opts.Lock
	}
	return filepath.Join(filepath.Dir(p.opts.Manifest), "kiln.lock")
}

// Returns the configured installer, defaulting to the external tool with
// its cache inside the scratch directory.
func (p *Pipeline) installer() env.Installer {
	if p.opts.Installer != nil {
		return p.opts.Installer
	}
	return &env.ToolInstaller{
		Command:  p.opts.InstallerCmd,
		CacheDir: filepath.Join(p.scratch, "cache"),
	}
}
