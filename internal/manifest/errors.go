package manifest

import "errors"

var (
	ErrManifestMissing = errors.New("manifest missing")
	ErrManifestInvalid = errors.New("manifest invalid")
	ErrLockAbsent      = errors.New("lock file absent")
	ErrLockInvalid     = errors.New("lock file invalid")
	ErrLockMismatch    = errors.New("lock file mismatch")
)
