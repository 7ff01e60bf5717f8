// Package promote carries selected artifacts from a build-stage tree into a
// runtime tree.
//
// Promotion is the isolation boundary between the two build phases: only
// paths matched by an explicit inclusion policy cross it, with relative
// structure and file metadata preserved. Build caches, installer scratch
// state, and anything else outside the policy never reach the runtime tree.
//
// The runtime tree is staged in a temporary directory and renamed into
// place only once every included path has been copied, so a failed
// promotion persists nothing.
package promote
