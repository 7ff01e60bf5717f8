// Package runtimecfg attaches the execution configuration to a runtime tree.
//
// The execution configuration is the search path and default working
// directory every process in the final image inherits. It is constructed
// once, after promotion, as an immutable value: the promoted environment's
// bin directory is placed ahead of the baseline system path so its
// executables win over same-named system ones.
//
// The configuration is persisted as a standard OCI image config document at
// the runtime tree root, which the image packer and the container runtime
// consume as-is.
package runtimecfg
