package resource

import (
	"errors"
	"fmt"
)

var (
	ErrResourceNotFound        = errors.New("resource not found")
	ErrResourceExists          = errors.New("resource already exists")
	ErrInstanceNotFound        = errors.New("instance not found")
	ErrInvalidPath             = errors.New("invalid resource path")
	ErrConflictPending         = errors.New("critical conflict pending")
	ErrConflictNotFound        = errors.New("conflict not found")
	ErrArchived                = errors.New("resource is archived")
	ErrInsufficientPermissions = errors.New("insufficient permissions")
	ErrUnsupportedResolution   = errors.New("unsupported resolution")
	ErrNoMergeHook             = errors.New("no merge hook configured")
	ErrNoAttributionHook       = errors.New("no attribution hook configured")
	ErrInvalidState            = errors.New("invalid state transition")
)

// ConflictPendingError is returned by every write on a resource holding a
// Critical conflict.
type ConflictPendingError struct {
	ResourceID string
	ConflictID string
}

func (e *ConflictPendingError) Error() string {
	return fmt.Sprintf("resource %s: critical conflict %s must be resolved first", e.ResourceID, e.ConflictID)
}

func (e *ConflictPendingError) Unwrap() error { return ErrConflictPending }

// PermissionError reports an access denial; nothing was changed.
type PermissionError struct {
	User       string
	Permission Permission
	ResourceID string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("user %q lacks %s on resource %s", e.User, e.Permission, e.ResourceID)
}

func (e *PermissionError) Unwrap() error { return ErrInsufficientPermissions }
