package manifest

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Pins every dependency, transitive ones included, to an exact version.
//
// The lock file is the sole input to environment provisioning: versions are
// never re-resolved from it, and the pipeline never mutates it.
type Lock struct {
	Packages []Package `toml:"package"`
}

// A single fully-resolved dependency in the lock file.
type Package struct {
	Name         string   `toml:"name"`
	Version      string   `toml:"version"`
	Hash         string   `toml:"hash"`
	Source       string   `toml:"source"`
	Dependencies []string `toml:"dependencies"`
}

// Returns a stable identifier for the package (e.g. "foo@1.2.3").
func (p Package) Ref() string {
	return p.Name + "@" + p.Version
}

// Reads a lock file.
//
// Returns the parsed lock and the raw file bytes. The raw bytes key the
// provisioned environment, so they are preserved exactly as read. Fails
// with [ErrLockInvalid] when the file cannot be parsed or contains
// duplicate name/version entries.
func readLock(path string) (*Lock, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}

	var l Lock
	if err := toml.Unmarshal(data, &l); err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrLockInvalid, path, err)
	}

	seen := make(map[string]bool, len(l.Packages))
	for _, pkg := range l.Packages {
		if pkg.Name == "" || pkg.Version == "" {
			return nil, nil, fmt.Errorf("%w: %s: package entry missing name or version", ErrLockInvalid, path)
		}
		if seen[pkg.Ref()] {
			return nil, nil, fmt.Errorf("%w: %s: duplicate entry %s", ErrLockInvalid, path, pkg.Ref())
		}
		seen[pkg.Ref()] = true
	}

	return &l, data, nil
}

// Returns all lock entries with the given package name.
func (l *Lock) byName(name string) []Package {
	var out []Package
	for _, pkg := range l.Packages {
		if pkg.Name == name {
			out = append(out, pkg)
		}
	}
	return out
}
