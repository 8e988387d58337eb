package devices

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies expected domain rejections.
type ErrorKind string

const (
	KindValidation         ErrorKind = "validation"
	KindNotFound           ErrorKind = "not_found"
	KindIllegalTransition  ErrorKind = "illegal_transition"
	KindPreconditionNotMet ErrorKind = "precondition_not_met"
	KindConflict           ErrorKind = "conflict"
	KindLocked             ErrorKind = "locked"
	KindTooLarge           ErrorKind = "too_large"
	KindNotEligible        ErrorKind = "not_eligible"
)

// LifecycleError is returned for every expected rejection of a device operation.
// Callers switch on Kind; the remaining fields carry diagnostics for that kind.
type LifecycleError struct {
	Kind    ErrorKind
	Field   string
	From    Status
	To      Status
	Missing []FileType
	message string
}

func (e *LifecycleError) Error() string {
	return e.message
}

// Is matches another LifecycleError of the same kind, so callers can test
// errors.Is(err, &LifecycleError{Kind: KindNotFound}).
func (e *LifecycleError) Is(target error) bool {
	var other *LifecycleError
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// KindOf returns the kind of the first LifecycleError in the chain.
func KindOf(err error) (ErrorKind, bool) {
	var lifecycleErr *LifecycleError
	if errors.As(err, &lifecycleErr) {
		return lifecycleErr.Kind, true
	}
	return "", false
}

func newValidationError(field, format string, args ...any) *LifecycleError {
	return &LifecycleError{
		Kind:    KindValidation,
		Field:   field,
		message: fmt.Sprintf(format, args...),
	}
}

func newNotFoundError(deviceID string) *LifecycleError {
	return &LifecycleError{
		Kind:    KindNotFound,
		message: fmt.Sprintf("device %s not found", deviceID),
	}
}

func newFileNotFoundError(fileID string) *LifecycleError {
	return &LifecycleError{
		Kind:    KindNotFound,
		message: fmt.Sprintf("file %s not found", fileID),
	}
}

func newIllegalTransitionError(from, to Status) *LifecycleError {
	return &LifecycleError{
		Kind:    KindIllegalTransition,
		From:    from,
		To:      to,
		message: fmt.Sprintf("invalid status transition from %s to %s", from, to),
	}
}

func newPreconditionError(target Status, missing []FileType) *LifecycleError {
	names := make([]string, 0, len(missing))
	for _, fileType := range missing {
		names = append(names, string(fileType))
	}
	return &LifecycleError{
		Kind:    KindPreconditionNotMet,
		To:      target,
		Missing: append([]FileType(nil), missing...),
		message: fmt.Sprintf("missing required files for %s: %s", target, strings.Join(names, ", ")),
	}
}

func newConflictError(format string, args ...any) *LifecycleError {
	return &LifecycleError{
		Kind:    KindConflict,
		message: fmt.Sprintf(format, args...),
	}
}

func newLockedError(status Status) *LifecycleError {
	return &LifecycleError{
		Kind:    KindLocked,
		From:    status,
		message: fmt.Sprintf("device cannot be edited while %s", status),
	}
}

func newTooLargeError(format string, args ...any) *LifecycleError {
	return &LifecycleError{
		Kind:    KindTooLarge,
		message: fmt.Sprintf(format, args...),
	}
}

func newNotEligibleError(status Status) *LifecycleError {
	return &LifecycleError{
		Kind:    KindNotEligible,
		From:    status,
		message: fmt.Sprintf("device in status %s is not ready for manufacturing", status),
	}
}

// ServiceError wraps unexpected infrastructure failures with a stable code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
