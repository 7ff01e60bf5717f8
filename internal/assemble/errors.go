package assemble

import "errors"

var (
	ErrAssembly     = errors.New("assembly failed")
	ErrPathConflict = errors.New("source path conflicts with environment")
)
