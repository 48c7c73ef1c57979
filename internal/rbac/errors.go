package rbac

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("rbac: not found")
	// ErrConflict indicates an override already exists for the user/permission/team triple.
	ErrConflict = errors.New("rbac: override conflict")
	// ErrProtected indicates a mutation against an immutable role or permission.
	ErrProtected = errors.New("rbac: protected entity")
	// ErrDuplicate indicates a name or slug collision.
	ErrDuplicate = errors.New("rbac: duplicate entry")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("rbac: validation failed")
)

// ConflictError reports the triple that collided on override creation.
type ConflictError struct {
	UserID       int64
	PermissionID int64
	TeamID       *int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("rbac: override already exists for user %d permission %d team %s",
		e.UserID, e.PermissionID, teamToken(e.TeamID))
}

// Is matches ErrConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// ProtectedEntityError reports an attempted mutation of an immutable entity.
type ProtectedEntityError struct {
	Kind string
	ID   int64
	Name string
}

func (e *ProtectedEntityError) Error() string {
	return fmt.Sprintf("rbac: %s %q (%d) is protected", e.Kind, e.Name, e.ID)
}

// Is matches ErrProtected.
func (e *ProtectedEntityError) Is(target error) bool {
	return target == ErrProtected
}

func validationError(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}
