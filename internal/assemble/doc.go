// Package assemble composes build-stage trees from an environment and
// application source.
//
// The build-stage tree is the full filesystem state of the build phase: the
// provisioned environment placed at app/env, with the application source
// overlaid onto the app root around it. The overlay never overwrites a path
// owned by the environment; a source path that collides with one is a fatal
// conflict and the tree is torn down rather than left half-built.
//
// Assembly is idempotent: identical inputs produce a byte-identical tree.
package assemble
