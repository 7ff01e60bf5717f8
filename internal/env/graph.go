package env

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kilnbuild/kiln/internal/manifest"
)

// Orders packages into topological install waves.
//
// Every package in a wave depends only on packages from earlier waves, so
// the members of one wave can install concurrently. Dependency references
// to names outside the install set are ignored (they were excluded by the
// install policy). Waves are sorted by package ref so the schedule is
// deterministic for a given lock file. A dependency cycle is an error.
func waves(pkgs []manifest.Package) ([][]manifest.Package, error) {
	present := make(map[string]bool, len(pkgs))
	for _, pkg := range pkgs {
		present[pkg.Name] = true
	}

	// A name is ready once every package carrying it has been scheduled.
	remaining := make(map[string]int, len(pkgs))
	for _, pkg := range pkgs {
		remaining[pkg.Name]++
	}

	pending := append([]manifest.Package(nil), pkgs...)
	done := make(map[string]bool, len(pkgs))

	var out [][]manifest.Package
	for len(pending) > 0 {
		var wave, next []manifest.Package
		for _, pkg := range pending {
			if depsDone(pkg, present, done) {
				wave = append(wave, pkg)
			} else {
				next = append(next, pkg)
			}
		}

		if len(wave) == 0 {
			return nil, fmt.Errorf("dependency cycle involving %s", refList(next))
		}

		sort.Slice(wave, func(i, j int) bool { return wave[i].Ref() < wave[j].Ref() })
		for _, pkg := range wave {
			remaining[pkg.Name]--
		}
		for _, pkg := range wave {
			if remaining[pkg.Name] == 0 {
				done[pkg.Name] = true
			}
		}

		out = append(out, wave)
		pending = next
	}

	return out, nil
}

// Whether all of a package's in-set dependencies have been scheduled.
func depsDone(pkg manifest.Package, present, done map[string]bool) bool {
	for _, dep := range pkg.Dependencies {
		if dep == pkg.Name {
			continue
		}
		if present[dep] && !done[dep] {
			return false
		}
	}
	return true
}

// Formats package refs for error messages.
func refList(pkgs []manifest.Package) string {
	refs := make([]string, len(pkgs))
	for i, pkg := range pkgs {
		refs[i] = pkg.Ref()
	}
	sort.Strings(refs)
	return strings.Join(refs, ", ")
}
