package process

import (
	"errors"
	"fmt"
)

var (
	// ErrExecutableNotFound is wrapped by a SpawnError when the resolved
	// executable does not exist or is a directory.
	ErrExecutableNotFound = errors.New("executable not found")

	// ErrWorkingDir is wrapped by a SpawnError when the working directory is
	// missing or not a directory.
	ErrWorkingDir = errors.New("invalid working directory")
)

// SpawnError reports a process that could not be launched.
type SpawnError struct {
	Process    string
	Group      string
	Executable string
	Err        error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning %s (%s): %v", e.Process, e.Executable, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// TerminationError reports a process that could not be confirmed dead after
// being signalled. Callers log it; the handle is released regardless.
type TerminationError struct {
	Process string
	PID     int
	Err     error
}

func (e *TerminationError) Error() string {
	return fmt.Sprintf("terminating %s (pid %d): %v", e.Process, e.PID, e.Err)
}

func (e *TerminationError) Unwrap() error { return e.Err }
