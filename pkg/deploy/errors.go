package deploy

import "fmt"

// RegistrationError means the platform would not accept the version
// registration; nothing user-visible changed.
type RegistrationError struct {
	Label string
	Err   error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registering version %s: %s", e.Label, e.Err.Error())
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// EnvironmentUpdateError means the version was registered but the
// environment could not be moved onto it; the previous version keeps
// serving traffic.
type EnvironmentUpdateError struct {
	Label string
	Err   error
}

func (e *EnvironmentUpdateError) Error() string {
	return fmt.Sprintf("updating environment to version %s: %s", e.Label, e.Err.Error())
}

func (e *EnvironmentUpdateError) Unwrap() error { return e.Err }
