package depthlayer

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyDepthMap = errors.New("depth map has zero pixels")
	ErrNoProvider    = errors.New("no depth provider configured")
)

// InputError reports an input that cannot be processed at all: an image that
// does not decode, a depth map without pixels, mismatched dimensions.
type InputError struct {
	Reason string
	Err    error
}

func (e *InputError) Error() string {
	if e.Err != nil && e.Err.Error() != e.Reason {
		return fmt.Sprintf("input: %s: %v", e.Reason, e.Err)
	}
	return "input: " + e.Reason
}

func (e *InputError) Unwrap() error { return e.Err }

// ParameterError reports a parameter outside its valid range that cannot be
// clamped.
type ParameterError struct {
	Name  string
	Value any
	Rule  string
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("parameter %s=%v: %s", e.Name, e.Value, e.Rule)
}

// PipelineError is the single error surfaced by Process. Stage names the
// checkpoint that failed.
type PipelineError struct {
	Stage Stage
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline failed during %s: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

func stageError(stage Stage, err error) error {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return err
	}
	return &PipelineError{Stage: stage, Err: err}
}
