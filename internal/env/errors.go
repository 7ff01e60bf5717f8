package env

import "errors"

var (
	ErrResolution      = errors.New("environment provisioning failed")
	ErrVersionNotFound = errors.New("locked version not found")
	ErrFetchTransient  = errors.New("transient fetch failure")
	ErrInstallTimeout  = errors.New("install step timed out")
)
