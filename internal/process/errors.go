package process

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAborted is matched by errors from commands that were cancelled.
	ErrAborted = errors.New("command aborted")

	// ErrOutputOverflow is matched by errors from commands whose captured
	// output exceeded the buffer cap.
	ErrOutputOverflow = errors.New("command output exceeded buffer limit")
)

// Kind classifies why a command did not succeed.
type Kind int

const (
	// KindFailed is a non-zero exit that was not caused by cancellation.
	KindFailed Kind = iota
	// KindAborted means the command was cancelled or killed on request.
	KindAborted
	// KindOverflow means captured output exceeded the cap and the process was killed.
	KindOverflow
)

func (k Kind) String() string {
	switch k {
	case KindAborted:
		return "aborted"
	case KindOverflow:
		return "overflow"
	}
	return "failed"
}

// ExecError is returned by Runner.Run when a command does not succeed.
type ExecError struct {
	Kind     Kind
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *ExecError) Error() string {
	switch e.Kind {
	case KindAborted:
		return fmt.Sprintf("%s: %s", e.Command, ErrAborted)
	case KindOverflow:
		return fmt.Sprintf("%s: %s", e.Command, ErrOutputOverflow)
	}
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(e.Stdout)
	}
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s failed (exit code %d): %s", e.Command, e.ExitCode, msg)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the sentinel for the error's kind.
func (e *ExecError) Is(target error) bool {
	switch target {
	case ErrAborted:
		return e.Kind == KindAborted
	case ErrOutputOverflow:
		return e.Kind == KindOverflow
	}
	return false
}

// Output returns the combined captured stderr and stdout for matching.
func (e *ExecError) Output() string {
	return e.Stderr + "\n" + e.Stdout
}

// IsAborted reports whether err came from a cancelled command.
func IsAborted(err error) bool {
	return errors.Is(err, ErrAborted)
}
