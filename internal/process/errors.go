package process

import (
	"errors"
	"fmt"
)

// ErrAlreadyRunning is returned when a slot already has a live handle.
var ErrAlreadyRunning = errors.New("process already running")

// LaunchError reports that the OS refused to start the command
// (missing binary, permission denied, bad working directory).
type LaunchError struct {
	Slot    string
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s %q: %v", e.Slot, e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }
