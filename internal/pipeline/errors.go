package pipeline

import (
	"errors"
	"fmt"
)

// ErrAlreadyStarted is returned by Run when the pipeline has run before.
// Pipelines are single-use.
var ErrAlreadyStarted = errors.New("pipeline: already started")

// ErrNoStages is returned by New when the stage list is empty.
var ErrNoStages = errors.New("pipeline: no stages")

// StageError wraps an error returned by a stage's Process call. Any such
// error is unrecoverable for the pipeline as a whole: it is logged and the
// pipeline is cancelled.
type StageError struct {
	// Stage is the name of the stage whose Process call failed.
	Stage string

	Err error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
