package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is matched by every graph construction failure.
	ErrConfiguration = errors.New("invalid workflow configuration")

	ErrEmptyName         = errors.New("executor name is empty")
	ErrDuplicateName     = errors.New("duplicate executor name")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrSelfDependency    = errors.New("executor depends on itself")
	ErrCycle             = errors.New("dependency cycle")
	ErrNoFunction        = errors.New("executor has no function")

	// ErrValidation is matched by malformed workflow documents.
	ErrValidation = errors.New("invalid workflow document")

	// ErrExecution is matched by failures recorded for an executor.
	ErrExecution = errors.New("executor failed")

	// ErrDependencyFailed is the skip cause when a dependency failed or was skipped.
	ErrDependencyFailed = errors.New("dependency did not succeed")

	// ErrCancelled is the skip cause when the run ended before an executor started.
	ErrCancelled = errors.New("run cancelled")
)

// ConfigError reports a structural problem found while constructing a Workflow.
// It matches both its Kind and ErrConfiguration with errors.Is.
type ConfigError struct {
	Kind     error
	Executor string
	Detail   string
}

func (e *ConfigError) Error() string {
	msg := e.Kind.Error()
	if e.Executor != "" {
		msg = fmt.Sprintf("%s: %q", msg, e.Executor)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *ConfigError) Unwrap() []error {
	return []error{e.Kind, ErrConfiguration}
}

func configErr(kind error, executor, format string, args ...any) error {
	return &ConfigError{Kind: kind, Executor: executor, Detail: fmt.Sprintf(format, args...)}
}

// ValidationError reports a malformed field in a workflow document.
type ValidationError struct {
	Index    int // position in the executors list, -1 for document-level problems
	Executor string
	Field    string
	Msg      string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Index < 0 && e.Field != "":
		return fmt.Sprintf("%s: %s", e.Field, e.Msg)
	case e.Index < 0:
		return e.Msg
	case e.Executor != "":
		return fmt.Sprintf("executors[%d] (%s).%s: %s", e.Index, e.Executor, e.Field, e.Msg)
	default:
		return fmt.Sprintf("executors[%d].%s: %s", e.Index, e.Field, e.Msg)
	}
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ExecutionError wraps the cause of an executor's failure.
type ExecutionError struct {
	Executor string
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("executor %q: %v", e.Executor, e.Err)
}

func (e *ExecutionError) Unwrap() []error {
	return []error{e.Err, ErrExecution}
}
