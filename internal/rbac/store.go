package rbac

import (
	"context"
	"time"
)

// Reader exposes the queries the evaluation engine depends on. Every query
// takes its team scope explicitly; nil means global only.
type Reader interface {
	FindPermissionByName(ctx context.Context, name string) (Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	// HasGlobalRole reports whether the user holds the global (team-less) role
	// with slug, through an assignment in any team.
	HasGlobalRole(ctx context.Context, userID int64, slug string) (bool, error)
	// RoleGrantsPermission reports whether a role assigned to the user in teamID,
	// or globally, includes the permission.
	RoleGrantsPermission(ctx context.Context, userID, permissionID int64, teamID *int64) (bool, error)
	// RolePermissionNames lists the names granted by the user's roles in teamID or globally.
	RolePermissionNames(ctx context.Context, userID int64, teamID *int64) ([]string, error)
	// ActiveOverrides returns overrides with team_id = teamID or NULL whose expiry is after now.
	ActiveOverrides(ctx context.Context, userID int64, teamID *int64, now time.Time) ([]Override, error)
}

// Writer exposes the administrative persistence operations.
type Writer interface {
	GetPermission(ctx context.Context, id int64) (Permission, error)
	CreatePermission(ctx context.Context, in PermissionInput) (Permission, error)
	DeletePermission(ctx context.Context, id int64) error

	GetRole(ctx context.Context, id int64) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	CreateRole(ctx context.Context, in RoleInput) (Role, error)
	DeleteRole(ctx context.Context, id int64) error

	ListRolePermissionIDs(ctx context.Context, roleID int64) ([]int64, error)
	AttachPermission(ctx context.Context, roleID, permissionID int64) (bool, error)
	DetachPermission(ctx context.Context, roleID, permissionID int64) (bool, error)

	AssignRole(ctx context.Context, a RoleAssignment) (bool, error)
	RemoveRole(ctx context.Context, a RoleAssignment) (bool, error)
	// RoleHolders lists users holding the role in any team.
	RoleHolders(ctx context.Context, roleID int64) ([]int64, error)
	// PermissionHolders lists users reaching the permission through a role or an override.
	PermissionHolders(ctx context.Context, permissionID int64) ([]int64, error)

	GetOverride(ctx context.Context, id int64) (Override, error)
	FindOverride(ctx context.Context, userID, permissionID int64, teamID *int64) (Override, error)
	ListOverrides(ctx context.Context, userID int64) ([]Override, error)
	CreateOverride(ctx context.Context, in OverrideInput) (Override, error)
	DeleteOverride(ctx context.Context, id int64) error
	// ExpiredOverrides lists overrides with expires_at <= now.
	ExpiredOverrides(ctx context.Context, now time.Time) ([]Override, error)
	DeleteOverrides(ctx context.Context, ids []int64) (int64, error)
}

// Store is the full persistence port.
type Store interface {
	Reader
	Writer
	// WithTx runs fn against a transactional view of the store.
	WithTx(ctx context.Context, fn func(Store) error) error
}
