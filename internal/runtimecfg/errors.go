package runtimecfg

import "errors"

var (
	ErrConfiguration      = errors.New("runtime configuration failed")
	ErrRuntimeTreeMissing = errors.New("runtime tree missing")
)
