package pipeline

import (
	"errors"
	"fmt"

	"answercore/internal/runstate"
)

// ErrMaxSteps aborts a run whose edge set no longer advances. All
// conditional edges jump forward in the canonical order, so hitting the
// step bound means the compiled plan is broken, not the request.
var ErrMaxSteps = errors.New("pipeline: maximum step count exceeded")

// ContractError reports a stage whose required input field is absent from
// the run-state at execution time.
type ContractError struct {
	Stage string
	Field runstate.Field
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("stage %s: required input %q absent", e.Stage, e.Field)
}

// StageErrorKind classifies stage failures for the degradation policy.
type StageErrorKind string

const (
	KindTimeout  StageErrorKind = "timeout"
	KindUpstream StageErrorKind = "upstream"
	KindInternal StageErrorKind = "internal"
)

// StageError wraps a failure inside a named stage.
type StageError struct {
	Stage string
	Kind  StageErrorKind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ConfigError reports an invalid pipeline configuration at compile time.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "pipeline config: " + e.Reason
}

func configErrorf(format string, args ...any) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}
