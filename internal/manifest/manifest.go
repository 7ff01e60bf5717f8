package manifest

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"
)

// Declares the project's dependencies and metadata.
//
// Dependencies map a package name to a version constraint (e.g. ">=1.0").
// An empty or "*" constraint matches any version. The manifest is created
// by the repository author and is read-only to the build pipeline.
type Manifest struct {
	Project         Project           `toml:"project"`
	Dependencies    map[string]string `toml:"dependencies"`
	DevDependencies map[string]string `toml:"dev-dependencies"`
}

// Holds project metadata from the manifest's [project] table.
type Project struct {
	Name        string `toml:"name"`
	Version     string `toml:"version"`
	Description string `toml:"description"`
}

// Reads and validates a manifest file.
//
// Fails with [ErrManifestMissing] when the file does not exist, and
// [ErrManifestInvalid] when it cannot be parsed or omits the project name.
func readManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrManifestMissing, path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrManifestInvalid, path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrManifestInvalid, path, err)
	}

	if m.Project.Name == "" {
		return nil, fmt.Errorf("%w: %s: project name is required", ErrManifestInvalid, path)
	}

	for name, constraint := range m.Dependencies {
		if _, err := parseConstraint(constraint); err != nil {
			return nil, fmt.Errorf("%w: dependency %q: %v", ErrManifestInvalid, name, err)
		}
	}
	for name, constraint := range m.DevDependencies {
		if _, err := parseConstraint(constraint); err != nil {
			return nil, fmt.Errorf("%w: dev dependency %q: %v", ErrManifestInvalid, name, err)
		}
	}

	return &m, nil
}

// Parses a manifest version constraint.
//
// Empty and "*" constraints match any version.
func parseConstraint(s string) (*semver.Constraints, error) {
	if s == "" {
		s = "*"
	}
	return semver.NewConstraint(s)
}

// Whether the pinned version satisfies the constraint.
func satisfies(constraint, version string) (bool, error) {
	c, err := parseConstraint(constraint)
	if err != nil {
		return false, err
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false, err
	}
	return c.Check(v), nil
}
