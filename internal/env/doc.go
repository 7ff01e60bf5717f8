// Package env provisions isolated dependency environments from lock files.
//
// An environment is a directory tree of installed dependency artifacts,
// keyed by the content of the lock file that produced it. Provisioning
// installs each locked package through a black-box [Installer], walking the
// dependency graph in topological waves so that dependencies land before
// their dependents. Independent packages within a wave install concurrently
// under a bounded worker pool; every package writes to its own
// subdirectory, so the merge is order-independent.
//
// Transient fetch failures and per-step timeouts are retried with bounded
// backoff. Permanent failures (a pinned version that does not exist) are
// never retried. The builder writes only inside the environment root and
// never touches system-global state.
//
// Example usage:
//
//	environment, err := env.Provision(ctx, root, pair.InstallSet(policy), key, env.Options{
//	    Installer:   installer,
//	    Jobs:        4,
//	    MaxAttempts: 3,
//	})
package env
