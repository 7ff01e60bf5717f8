// Package manifest loads and validates dependency manifests and lock files.
//
// A manifest declares the project's dependencies as version constraints. A
// lock file pins every dependency, transitive ones included, to an exact
// version and content hash. Both are TOML documents.
//
// Loading validates the pair as a whole: every manifest constraint must be
// satisfied by exactly one lock entry, every lock entry must be reachable
// from a manifest-declared root, and an absent lock file is an error unless
// the caller explicitly opts into unlocked resolution. The lock file is
// authoritative and is never rewritten.
//
// Example usage:
//
//	pair, err := manifest.Load("kiln.toml", "kiln.lock", manifest.Options{})
//	if err != nil {
//	    return err
//	}
//
//	pkgs := pair.InstallSet(manifest.InstallPolicy{IncludeDev: false})
package manifest
