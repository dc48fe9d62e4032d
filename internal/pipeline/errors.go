package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrJobNotFound       = errors.New("pipeline job not found")

	// ErrTableExists is returned by a TableSink when the destination table was already created.
	ErrTableExists       = errors.New("table already exists, please remove and retry")
	ErrDestinationExists = errors.New("unpack destination already exists")
	ErrStale             = errors.New("run exceeded the staleness window")
	ErrRetriesExhausted  = errors.New("verification retries exhausted")
	ErrArtifactExists    = errors.New("export artifact already exists")
)

// FatalError terminates a run. It is never retried by the controller.
type FatalError struct {
	Stage  State
	Table  string
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("pipeline failed in %s for table %s: %s: %v", e.Stage, e.Table, e.Reason, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err ends the run.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
