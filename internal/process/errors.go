package process

import (
	"errors"
	"fmt"
)

// Kind classifies lifecycle failures.
type Kind int

const (
	BinaryMissing Kind = iota + 1
	NotExecutable
	PermissionSetFailed
	SpawnError
	UnexpectedExit
	StopSignalError
)

func (k Kind) String() string {
	switch k {
	case BinaryMissing:
		return "BinaryMissing"
	case NotExecutable:
		return "NotExecutable"
	case PermissionSetFailed:
		return "PermissionSetFailed"
	case SpawnError:
		return "SpawnError"
	case UnexpectedExit:
		return "UnexpectedExit"
	case StopSignalError:
		return "StopSignalError"
	default:
		return "Unknown"
	}
}

// Error is a lifecycle failure of a given Kind.
type Error struct {
	Kind Kind
	Path string
	PID  int
	Code int // exit code for UnexpectedExit
	Err  error
}

func (e *Error) Error() string {
	switch e.Kind {
	case BinaryMissing:
		return fmt.Sprintf("backend executable not found at %s", e.Path)
	case NotExecutable:
		return fmt.Sprintf("backend executable %s is not executable: %v", e.Path, e.Err)
	case PermissionSetFailed:
		return fmt.Sprintf("could not set permissions on %s: %v", e.Path, e.Err)
	case SpawnError:
		return fmt.Sprintf("failed to start backend %s: %v", e.Path, e.Err)
	case UnexpectedExit:
		return fmt.Sprintf("backend (pid %d) exited unexpectedly with code %d", e.PID, e.Code)
	case StopSignalError:
		return fmt.Sprintf("failed to signal backend (pid %d): %v", e.PID, e.Err)
	default:
		return fmt.Sprintf("backend error: %v", e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind, so errors.Is(err, &Error{Kind: BinaryMissing}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind && t.Path == "" && t.Err == nil
	}
	return false
}

// Fatal reports whether the failure aborts a start attempt.
func (e *Error) Fatal() bool { return e.Kind != PermissionSetFailed }

// ErrStopInProgress is returned by Start while a previous instance is still being stopped.
var ErrStopInProgress = errors.New("backend stop in progress")

// IsKind reports whether err is a *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}
