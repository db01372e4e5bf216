// Package errors provides the error kinds reported by a deployment run.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a deployment failure.
type Kind string

const (
	KindConfiguration      Kind = "configuration_error"
	KindUnresolvedArtifact Kind = "unresolved_artifact"
	KindOrderViolation     Kind = "order_violation"
	KindNetwork            Kind = "network_error"
)

// String returns the kind identifier.
func (k Kind) String() string {
	return string(k)
}

// ExitCode returns the process exit code reported for the kind.
func (k Kind) ExitCode() int {
	switch k {
	case KindConfiguration:
		return 2
	case KindUnresolvedArtifact:
		return 3
	case KindOrderViolation:
		return 4
	case KindNetwork:
		return 5
	default:
		return 1
	}
}

// DeployError is a failure of a specific kind with an optional cause.
type DeployError struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *DeployError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
}

// Unwrap implements the errors.Unwrap interface for error chaining.
func (e *DeployError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a DeployError of the same kind.
// This allows errors.Is(err, ErrNetwork) on any wrapped network failure.
func (e *DeployError) Is(target error) bool {
	t, ok := target.(*DeployError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Standard error definitions, usable as errors.Is targets.
var (
	// ErrConfiguration is returned for missing or invalid network or compiler settings.
	ErrConfiguration = &DeployError{Kind: KindConfiguration, Message: "invalid configuration"}

	// ErrUnresolvedArtifact is returned when an artifact ref has no compiled unit.
	ErrUnresolvedArtifact = &DeployError{Kind: KindUnresolvedArtifact, Message: "artifact not resolvable"}

	// ErrOrderViolation is returned when a link references a library or target out of order.
	ErrOrderViolation = &DeployError{Kind: KindOrderViolation, Message: "step out of order"}

	// ErrNetwork is returned when a chain call fails or times out.
	ErrNetwork = &DeployError{Kind: KindNetwork, Message: "network call failed"}
)

// NewConfigurationError creates a configuration error with a formatted message.
func NewConfigurationError(format string, args ...any) *DeployError {
	return &DeployError{Kind: KindConfiguration, Message: fmt.Sprintf(format, args...)}
}

// NewUnresolvedArtifactError creates an unresolved artifact error for ref.
func NewUnresolvedArtifactError(ref string, err error) *DeployError {
	return &DeployError{
		Kind:    KindUnresolvedArtifact,
		Message: fmt.Sprintf("artifact %q", ref),
		Err:     err,
	}
}

// NewOrderViolationError creates an order violation with a formatted message.
func NewOrderViolationError(format string, args ...any) *DeployError {
	return &DeployError{Kind: KindOrderViolation, Message: fmt.Sprintf(format, args...)}
}

// WrapConfiguration wraps err as a configuration error.
// Returns nil if the provided error is nil.
func WrapConfiguration(message string, err error) error {
	if err == nil {
		return nil
	}
	return &DeployError{Kind: KindConfiguration, Message: message, Err: err}
}

// WrapNetwork wraps err as a network error.
// Returns nil if the provided error is nil.
func WrapNetwork(message string, err error) error {
	if err == nil {
		return nil
	}
	return &DeployError{Kind: KindNetwork, Message: message, Err: err}
}

// KindOf returns the kind of the first DeployError in err's chain.
// The second return value is false if err carries no kind.
func KindOf(err error) (Kind, bool) {
	var de *DeployError
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return "", false
}

// ExitCode maps err to a process exit code. A nil error maps to 0.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	kind, ok := KindOf(err)
	if !ok {
		return 1
	}
	return kind.ExitCode()
}
