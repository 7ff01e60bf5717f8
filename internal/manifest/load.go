package manifest

import (
	"fmt"
	"os"
	"sort"
)

// Controls manifest loading.
type Options struct {
	// Permits loading without a lock file. The resulting pair has a nil
	// Lock and provisioning falls back to fresh, non-reproducible
	// resolution. Off by default.
	AllowUnlocked bool
}

// A validated manifest and lock file pair.
//
// Lock is nil when the pair was loaded without a lock file (permitted only
// via [Options.AllowUnlocked]). LockBytes holds the raw lock file content
// and is the input that keys the provisioned environment.
type Pair struct {
	Manifest  *Manifest
	Lock      *Lock
	LockBytes []byte
}

// Selects which manifest-declared roots are installed.
//
// The policy is a required, explicit value: callers always state whether
// development-only dependencies are part of the install set rather than
// relying on an implicit default.
type InstallPolicy struct {
	IncludeDev bool
}

// Loads a manifest and its lock file and validates them as a pair.
//
// The lock file is authoritative: every manifest constraint must be
// satisfied by exactly one lock entry, and every lock entry must be
// reachable from a manifest-declared dependency. Fails with
// [ErrManifestMissing], [ErrLockAbsent] (lock file not found and unlocked
// loading not permitted), or [ErrLockMismatch] (lock does not cover the
// manifest, covers it ambiguously, or carries stale entries).
func Load(manifestPath, lockPath string, opts Options) (*Pair, error) {
	m, err := readManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	if lockPath == "" {
		return unlockedPair(m, opts)
	}

	lock, raw, err := readLock(lockPath)
	if os.IsNotExist(err) {
		return unlockedPair(m, opts)
	}
	if err != nil {
		return nil, err
	}

	if err := validate(m, lock); err != nil {
		return nil, err
	}

	return &Pair{Manifest: m, Lock: lock, LockBytes: raw}, nil
}

// Produces a lock-less pair, or fails when unlocked loading is not permitted.
func unlockedPair(m *Manifest, opts Options) (*Pair, error) {
	if !opts.AllowUnlocked {
		return nil, fmt.Errorf("%w: pass --allow-unlocked to resolve without one", ErrLockAbsent)
	}
	return &Pair{Manifest: m}, nil
}

// Checks the lock file against the manifest.
//
// Each constraint must match exactly one lock entry: zero matches means the
// lock does not cover the manifest, more than one means the pin is
// ambiguous. Entries unreachable from any manifest root are stale, and
// dependency references to unlocked packages are broken. All of these are
// [ErrLockMismatch].
func validate(m *Manifest, lock *Lock) error {
	roots := make(map[string]string, len(m.Dependencies)+len(m.DevDependencies))
	for name, constraint := range m.Dependencies {
		roots[name] = constraint
	}
	for name, constraint := range m.DevDependencies {
		roots[name] = constraint
	}

	reachable := make(map[string]bool)

	for _, name := range sortedKeys(roots) {
		pkg, err := matchOne(lock, name, roots[name])
		if err != nil {
			return err
		}
		markReachable(lock, pkg.Name, reachable)
	}

	for _, pkg := range lock.Packages {
		if !reachable[pkg.Name] {
			return fmt.Errorf("%w: lock entry %s is not required by the manifest", ErrLockMismatch, pkg.Ref())
		}
		for _, dep := range pkg.Dependencies {
			if len(lock.byName(dep)) == 0 {
				return fmt.Errorf("%w: lock entry %s depends on %q which is not locked", ErrLockMismatch, pkg.Ref(), dep)
			}
		}
	}

	return nil
}

// Finds the single lock entry satisfying a manifest constraint.
func matchOne(lock *Lock, name, constraint string) (Package, error) {
	var matched []Package
	for _, pkg := range lock.byName(name) {
		ok, err := satisfies(constraint, pkg.Version)
		if err != nil {
			return Package{}, fmt.Errorf("%w: %s: %v", ErrLockInvalid, pkg.Ref(), err)
		}
		if ok {
			matched = append(matched, pkg)
		}
	}

	switch len(matched) {
	case 0:
		return Package{}, fmt.Errorf("%w: dependency %q (%s) has no matching lock entry", ErrLockMismatch, name, constraint)
	case 1:
		return matched[0], nil
	default:
		return Package{}, fmt.Errorf("%w: dependency %q (%s) is pinned ambiguously (%s, %s)",
			ErrLockMismatch, name, constraint, matched[0].Ref(), matched[1].Ref())
	}
}

// Marks a package and its transitive dependencies as reachable.
func markReachable(lock *Lock, name string, reachable map[string]bool) {
	if reachable[name] {
		return
	}
	reachable[name] = true
	for _, pkg := range lock.byName(name) {
		for _, dep := range pkg.Dependencies {
			markReachable(lock, dep, reachable)
		}
	}
}

// Returns the locked packages to install under the given policy.
//
// The set contains every lock entry reachable from the manifest's
// dependencies, plus those reachable only from dev dependencies when the
// policy includes them. The result is sorted by name and version so the
// install set is deterministic for a given lock file. Returns nil for a
// pair loaded without a lock file.
func (p *Pair) InstallSet(policy InstallPolicy) []Package {
	if p.Lock == nil {
		return nil
	}

	roots := make([]string, 0, len(p.Manifest.Dependencies)+len(p.Manifest.DevDependencies))
	for name := range p.Manifest.Dependencies {
		roots = append(roots, name)
	}
	if policy.IncludeDev {
		for name := range p.Manifest.DevDependencies {
			roots = append(roots, name)
		}
	}

	reachable := make(map[string]bool)
	for _, name := range roots {
		markReachable(p.Lock, name, reachable)
	}

	var out []Package
	for _, pkg := range p.Lock.Packages {
		if reachable[pkg.Name] {
			out = append(out, pkg)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})

	return out
}

// Returns map keys in sorted order, for deterministic validation output.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
