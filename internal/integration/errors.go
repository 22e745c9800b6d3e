package integration

import (
	"errors"
	"fmt"
)

// Kind classifies an integration failure.
type Kind int

const (
	KindRequestValidation Kind = iota
	KindDependencyResolution
	KindSyntax
	KindHotLoad
	KindRegistration
	KindSupervisor
	KindQueueFull
	KindStopped
)

func (k Kind) String() string {
	switch k {
	case KindRequestValidation:
		return "request_validation"
	case KindDependencyResolution:
		return "dependency_resolution"
	case KindSyntax:
		return "syntax"
	case KindHotLoad:
		return "hot_load"
	case KindRegistration:
		return "registration"
	case KindSupervisor:
		return "supervisor"
	case KindQueueFull:
		return "queue_full"
	case KindStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Sentinel errors, one per Kind, matched with errors.Is.
var (
	ErrRequestValidation    = errors.New("invalid integration request")
	ErrDependencyResolution = errors.New("dependency resolution failed")
	ErrSyntax               = errors.New("syntax validation failed")
	ErrHotLoad              = errors.New("hot load failed")
	ErrRegistration         = errors.New("capability registration failed")
	ErrSupervisor           = errors.New("supervisor reload failed")
	ErrQueueFull            = errors.New("integration queue full")
	ErrEngineStopped        = errors.New("integration engine stopped")
)

var sentinels = map[Kind]error{
	KindRequestValidation:    ErrRequestValidation,
	KindDependencyResolution: ErrDependencyResolution,
	KindSyntax:               ErrSyntax,
	KindHotLoad:              ErrHotLoad,
	KindRegistration:         ErrRegistration,
	KindSupervisor:           ErrSupervisor,
	KindQueueFull:            ErrQueueFull,
	KindStopped:              ErrEngineStopped,
}

// StageError carries the stage an artifact failed in.
type StageError struct {
	Stage Stage
	Kind  Kind
	Err   error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, sentinels[e.Kind])
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, sentinels[e.Kind], e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's Kind.
func (e *StageError) Is(target error) bool {
	return sentinels[e.Kind] == target
}

func stageErr(stage Stage, kind Kind, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

// KindOf extracts the Kind of err, if it is a StageError.
func KindOf(err error) (Kind, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return 0, false
}
