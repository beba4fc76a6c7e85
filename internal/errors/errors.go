// Package errors provides the error taxonomy shared by every taskforge
// subsystem: sentinel errors for admission failures, typed errors for
// configuration, pool initialization and stage failures, and the retryable
// classification used by the stage retry policy.
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrCapacityTimeout) { ... }
//
//	var stageErr *errors.StageError
//	if errors.As(err, &stageErr) { ... }
//
//	if errors.IsRetryable(err) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions so callers only need this package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Admission sentinel errors.
var (
	// ErrPoolDisabled is returned by Lease when the resource pool is switched off.
	ErrPoolDisabled = New("resource pool is disabled")
	// ErrShuttingDown is delivered to waiters when the pool shuts down.
	ErrShuttingDown = New("resource pool is shutting down")
	// ErrNoCapacity is returned when the pool has no handles at all.
	ErrNoCapacity = New("resource pool has no capacity")
	// ErrCapacityTimeout is returned when a capacity class stays full past the wait timeout.
	ErrCapacityTimeout = New("timed out waiting for class capacity")
)

// Task sentinel errors.
var (
	// ErrTaskNotFound indicates that a task id is unknown to the store.
	ErrTaskNotFound = New("task not found")
	// ErrDependencyCycle indicates a circular dependency between tasks.
	ErrDependencyCycle = New("dependency cycle detected")
	// ErrUnknownDependency indicates a dependency on a task that does not exist.
	ErrUnknownDependency = New("unknown dependency")
)

// ErrConfigMissing marks configuration errors caused by absent required keys.
var ErrConfigMissing = New("required configuration missing")

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// ConfigError reports invalid or missing configuration.
type ConfigError struct {
	Keys    []string
	Message string
	Cause   error
}

// NewMissingConfigError creates a ConfigError for absent required keys.
func NewMissingConfigError(keys ...string) *ConfigError {
	return &ConfigError{
		Keys:    keys,
		Message: "missing required configuration",
		Cause:   ErrConfigMissing,
	}
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("config: ")
	b.WriteString(e.Message)
	if len(e.Keys) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(e.Keys, ", "))
		b.WriteString("]")
	}
	if e.Cause != nil && e.Cause != ErrConfigMissing {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error { return e.Cause }

// -----------------------------------------------------------------------------
// Resource pool
// -----------------------------------------------------------------------------

// PoolInitError reports that the pool could not provision its handles.
// All partially provisioned handles have been torn down when it is returned.
type PoolInitError struct {
	Requested int
	Failed    []string
	Cause     error
}

func (e *PoolInitError) Error() string {
	return fmt.Sprintf("pool initialization failed (%d requested, %d failed): %v",
		e.Requested, len(e.Failed), e.Cause)
}

func (e *PoolInitError) Unwrap() error { return e.Cause }

// CleanupError reports that a released handle could not be reset.
type CleanupError struct {
	HandleID string
	Cause    error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("cleanup of handle %s failed: %v", e.HandleID, e.Cause)
}

func (e *CleanupError) Unwrap() error { return e.Cause }

// -----------------------------------------------------------------------------
// Stage failures
// -----------------------------------------------------------------------------

// StageError wraps a failure of one pipeline stage.
type StageError struct {
	Stage   string
	Timeout bool
	Err     error
}

func (e *StageError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("stage %s timed out: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// NewStageError wraps err for the given stage. A nil err yields nil.
func NewStageError(stage string, err error, timeout bool) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err, Timeout: timeout}
}

// StageOf returns the stage recorded on the first StageError in err's chain.
func StageOf(err error) string {
	var se *StageError
	if As(err, &se) {
		return se.Stage
	}
	return ""
}

// ValidationError reports an invalid task graph or task definition.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// -----------------------------------------------------------------------------
// Retry classification
// -----------------------------------------------------------------------------

type retryableError struct {
	err error
}

func (e *retryableError) Error() string     { return e.err.Error() }
func (e *retryableError) Unwrap() error     { return e.err }
func (e *retryableError) IsRetryable() bool { return true }

// MarkRetryable flags err as transient. A nil err yields nil.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether any error in err's chain is marked transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r interface{ IsRetryable() bool }
	if As(err, &r) {
		return r.IsRetryable()
	}
	return false
}
