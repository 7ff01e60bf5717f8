package pipeline

import "errors"

var ErrOutOfSequence = errors.New("pipeline stage invoked out of sequence")
