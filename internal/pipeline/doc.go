// Package pipeline drives a build invocation through its stages.
//
// A build moves through a strict sequence of states:
//
//	Unloaded → Loaded → Provisioned → Assembled → Promoted → Configured
//
// Stages never run out of order and never skip; the first failure moves the
// pipeline to a terminal Failed state and aborts the remaining stages.
// There is no partial success: a build either persists a complete,
// configured runtime tree (or packed image) or persists nothing.
//
// All transient state, the provisioned environment, the installer cache,
// and the build-stage tree, lives in a per-invocation scratch directory
// that is removed on every exit path, including failure and cancellation.
//
// Example usage:
//
//	p := pipeline.New(pipeline.Options{
//	    Manifest: "kiln.toml",
//	    Lock:     "kiln.lock",
//	    Source:   ".",
//	    Output:   "dist/runtime",
//	})
//	if err := p.Run(ctx); err != nil {
//	    return err
//	}
package pipeline
