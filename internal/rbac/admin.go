package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"
)

// Invalidator bumps a user's permission cache version.
type Invalidator interface {
	Invalidate(ctx context.Context, userID int64) error
}

// Admin performs administrative mutations. Every mutation that can change a
// user's effective permissions invalidates that user before returning.
type Admin struct {
	store        Store
	invalidator  Invalidator
	logger       *slog.Logger
	now          func() time.Time
	reservedRole string
}

// AdminOption customises an Admin.
type AdminOption func(*Admin)

// WithReservedRole sets the slug of the global super-admin role. It must
// match the Service's WithSuperAdminRole.
func WithReservedRole(slug string) AdminOption {
	return func(a *Admin) {
		if slug = slugify(slug); slug != "" {
			a.reservedRole = slug
		}
	}
}

// NewAdmin constructs an Admin.
func NewAdmin(store Store, invalidator Invalidator, logger *slog.Logger, opts ...AdminOption) *Admin {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Admin{store: store, invalidator: invalidator, logger: logger, now: time.Now, reservedRole: DefaultSuperAdminRole}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Role returns a role by id.
func (a *Admin) Role(ctx context.Context, id int64) (Role, error) {
	return a.store.GetRole(ctx, id)
}

// Override returns an override by id.
func (a *Admin) Override(ctx context.Context, id int64) (Override, error) {
	return a.store.GetOverride(ctx, id)
}

// IsReservedRole reports whether role is the global super-admin role.
func (a *Admin) IsReservedRole(role Role) bool {
	return role.TeamID == nil && role.Slug == a.reservedRole
}

// ListPermissions returns the permission catalog ordered by name.
func (a *Admin) ListPermissions(ctx context.Context) ([]Permission, error) {
	return a.store.ListPermissions(ctx)
}

// ListRoles returns all roles, global first.
func (a *Admin) ListRoles(ctx context.Context) ([]Role, error) {
	return a.store.ListRoles(ctx)
}

// ListOverrides returns every override for the user, expired ones included.
func (a *Admin) ListOverrides(ctx context.Context, userID int64) ([]Override, error) {
	return a.store.ListOverrides(ctx, userID)
}

// CreatePermission adds a permission to the catalog.
func (a *Admin) CreatePermission(ctx context.Context, in PermissionInput) (Permission, error) {
	in.Name = strings.ToLower(strings.TrimSpace(in.Name))
	in.Description = strings.TrimSpace(in.Description)
	if in.Name == "" {
		return Permission{}, validationError("permission name required")
	}
	return a.store.CreatePermission(ctx, in)
}

// DeletePermission removes a mutable permission along with its role links and overrides.
func (a *Admin) DeletePermission(ctx context.Context, id int64) error {
	var affected []int64
	err := a.store.WithTx(ctx, func(tx Store) error {
		perm, err := tx.GetPermission(ctx, id)
		if err != nil {
			return err
		}
		if !perm.IsMutable {
			return &ProtectedEntityError{Kind: "permission", ID: perm.ID, Name: perm.Name}
		}
		if affected, err = tx.PermissionHolders(ctx, id); err != nil {
			return err
		}
		return tx.DeletePermission(ctx, id)
	})
	if err != nil {
		return err
	}
	a.invalidate(ctx, "permission deleted", affected...)
	return nil
}

// CreateRole adds a role. The slug defaults to a slugified name.
func (a *Admin) CreateRole(ctx context.Context, in RoleInput) (Role, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return Role{}, validationError("role name required")
	}
	in.Slug = slugify(in.Slug)
	if in.Slug == "" {
		in.Slug = slugify(in.Name)
	}
	if in.Slug == "" {
		return Role{}, validationError("role slug required")
	}
	if in.TeamID != nil && in.Slug == a.reservedRole {
		return Role{}, validationError(fmt.Sprintf("slug %q is reserved for the global role", in.Slug))
	}
	return a.store.CreateRole(ctx, in)
}

// DeleteRole removes a mutable role and its assignments.
func (a *Admin) DeleteRole(ctx context.Context, id int64) error {
	var affected []int64
	err := a.store.WithTx(ctx, func(tx Store) error {
		role, err := tx.GetRole(ctx, id)
		if err != nil {
			return err
		}
		if !role.IsMutable {
			return &ProtectedEntityError{Kind: "role", ID: role.ID, Name: role.Name}
		}
		if affected, err = tx.RoleHolders(ctx, id); err != nil {
			return err
		}
		return tx.DeleteRole(ctx, id)
	})
	if err != nil {
		return err
	}
	a.invalidate(ctx, "role deleted", affected...)
	return nil
}

// AttachPermission grants permissionID through roleID.
func (a *Admin) AttachPermission(ctx context.Context, roleID, permissionID int64) error {
	return a.editRolePermissions(ctx, roleID, "role permission attached", func(tx Store) (bool, error) {
		if _, err := tx.GetPermission(ctx, permissionID); err != nil {
			return false, err
		}
		return tx.AttachPermission(ctx, roleID, permissionID)
	})
}

// DetachPermission revokes permissionID from roleID.
func (a *Admin) DetachPermission(ctx context.Context, roleID, permissionID int64) error {
	return a.editRolePermissions(ctx, roleID, "role permission detached", func(tx Store) (bool, error) {
		return tx.DetachPermission(ctx, roleID, permissionID)
	})
}

// SetRolePermissions replaces the role's permission set with permissionIDs.
func (a *Admin) SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	return a.editRolePermissions(ctx, roleID, "role permissions replaced", func(tx Store) (bool, error) {
		current, err := tx.ListRolePermissionIDs(ctx, roleID)
		if err != nil {
			return false, err
		}
		existing := make(map[int64]struct{}, len(current))
		for _, id := range current {
			existing[id] = struct{}{}
		}
		keep := make(map[int64]struct{}, len(permissionIDs))
		changed := false
		for _, id := range permissionIDs {
			keep[id] = struct{}{}
			if _, ok := existing[id]; ok {
				continue
			}
			if _, err := tx.GetPermission(ctx, id); err != nil {
				return false, err
			}
			attached, err := tx.AttachPermission(ctx, roleID, id)
			if err != nil {
				return false, err
			}
			changed = changed || attached
		}
		for id := range existing {
			if _, ok := keep[id]; ok {
				continue
			}
			detached, err := tx.DetachPermission(ctx, roleID, id)
			if err != nil {
				return false, err
			}
			changed = changed || detached
		}
		return changed, nil
	})
}

func (a *Admin) editRolePermissions(ctx context.Context, roleID int64, event string, fn func(Store) (bool, error)) error {
	var (
		affected []int64
		changed  bool
	)
	err := a.store.WithTx(ctx, func(tx Store) error {
		role, err := tx.GetRole(ctx, roleID)
		if err != nil {
			return err
		}
		if !role.IsMutable {
			return &ProtectedEntityError{Kind: "role", ID: role.ID, Name: role.Name}
		}
		if changed, err = fn(tx); err != nil {
			return err
		}
		if !changed {
			return nil
		}
		affected, err = tx.RoleHolders(ctx, roleID)
		return err
	})
	if err != nil {
		return err
	}
	a.invalidate(ctx, event, affected...)
	return nil
}

// AssignRole gives the user roleID in teamID, or globally when teamID is nil.
// A team-owned role may only be assigned inside its own team.
func (a *Admin) AssignRole(ctx context.Context, userID, roleID int64, teamID *int64) error {
	if userID <= 0 {
		return validationError("user id required")
	}
	role, err := a.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.TeamID != nil && !sameTeam(role.TeamID, teamID) {
		return validationError(fmt.Sprintf("role %q belongs to team %d", role.Name, *role.TeamID))
	}
	changed, err := a.store.AssignRole(ctx, RoleAssignment{TeamID: teamID, RoleID: roleID, UserID: userID})
	if err != nil {
		return err
	}
	if changed {
		a.invalidate(ctx, "role assigned", userID)
	}
	return nil
}

// RemoveRole takes roleID away from the user in teamID.
func (a *Admin) RemoveRole(ctx context.Context, userID, roleID int64, teamID *int64) error {
	changed, err := a.store.RemoveRole(ctx, RoleAssignment{TeamID: teamID, RoleID: roleID, UserID: userID})
	if err != nil {
		return err
	}
	if !changed {
		return ErrNotFound
	}
	a.invalidate(ctx, "role removed", userID)
	return nil
}

// CreateOverride records a per-user exception. It fails with a *ConflictError
// when the user/permission/team triple already has one.
func (a *Admin) CreateOverride(ctx context.Context, in OverrideInput) (Override, error) {
	if err := a.validateOverride(in); err != nil {
		return Override{}, err
	}
	var created Override
	err := a.store.WithTx(ctx, func(tx Store) error {
		if _, err := tx.GetPermission(ctx, in.PermissionID); err != nil {
			return err
		}
		var err error
		created, err = tx.CreateOverride(ctx, in)
		return err
	})
	if err != nil {
		return Override{}, err
	}
	a.invalidate(ctx, "override created", in.UserID)
	return created, nil
}

// ReplaceOverride deletes any override on the same triple and creates in.
func (a *Admin) ReplaceOverride(ctx context.Context, in OverrideInput) (Override, error) {
	if err := a.validateOverride(in); err != nil {
		return Override{}, err
	}
	var created Override
	err := a.store.WithTx(ctx, func(tx Store) error {
		if _, err := tx.GetPermission(ctx, in.PermissionID); err != nil {
			return err
		}
		existing, err := tx.FindOverride(ctx, in.UserID, in.PermissionID, in.TeamID)
		switch {
		case err == nil:
			if err := tx.DeleteOverride(ctx, existing.ID); err != nil {
				return err
			}
		case !errors.Is(err, ErrNotFound):
			return err
		}
		created, err = tx.CreateOverride(ctx, in)
		return err
	})
	if err != nil {
		return Override{}, err
	}
	a.invalidate(ctx, "override replaced", in.UserID)
	return created, nil
}

// DeleteOverride removes an override by id.
func (a *Admin) DeleteOverride(ctx context.Context, id int64) error {
	var userID int64
	err := a.store.WithTx(ctx, func(tx Store) error {
		o, err := tx.GetOverride(ctx, id)
		if err != nil {
			return err
		}
		userID = o.UserID
		return tx.DeleteOverride(ctx, id)
	})
	if err != nil {
		return err
	}
	a.invalidate(ctx, "override deleted", userID)
	return nil
}

// PruneExpired deletes overrides with expires_at <= now and invalidates their
// users. With dryRun it only counts the candidates.
func (a *Admin) PruneExpired(ctx context.Context, now time.Time, dryRun bool) (PruneResult, error) {
	expired, err := a.store.ExpiredOverrides(ctx, now)
	if err != nil {
		return PruneResult{}, err
	}
	result := PruneResult{Candidates: len(expired), DryRun: dryRun}
	if len(expired) == 0 {
		return result, nil
	}
	ids := make([]int64, 0, len(expired))
	seen := make(map[int64]struct{})
	for _, o := range expired {
		ids = append(ids, o.ID)
		if _, ok := seen[o.UserID]; !ok {
			seen[o.UserID] = struct{}{}
			result.Users = append(result.Users, o.UserID)
		}
	}
	sort.Slice(result.Users, func(i, j int) bool { return result.Users[i] < result.Users[j] })
	if dryRun {
		return result, nil
	}
	deleted, err := a.store.DeleteOverrides(ctx, ids)
	if err != nil {
		return result, err
	}
	result.Deleted = int(deleted)
	a.invalidate(ctx, "expired overrides pruned", result.Users...)
	return result, nil
}

func (a *Admin) validateOverride(in OverrideInput) error {
	if in.UserID <= 0 {
		return validationError("user id required")
	}
	if in.PermissionID <= 0 {
		return validationError("permission id required")
	}
	if !in.Effect.Valid() {
		return validationError(fmt.Sprintf("effect must be %q or %q", EffectAllow, EffectDeny))
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(a.now()) {
		return validationError("expiry must be in the future")
	}
	return nil
}

// invalidate runs after the mutation is committed. A failure here leaves
// entries that expire with the cache TTL, so it is logged rather than returned.
func (a *Admin) invalidate(ctx context.Context, event string, userIDs ...int64) {
	if a.invalidator == nil {
		return
	}
	seen := make(map[int64]struct{}, len(userIDs))
	for _, id := range userIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if err := a.invalidator.Invalidate(ctx, id); err != nil {
			a.logger.Error("permission cache invalidation",
				slog.String("event", event), slog.Int64("user_id", id), slog.Any("error", err))
		}
	}
	a.logger.Debug("permission cache invalidated", slog.String("event", event), slog.Int("users", len(seen)))
}

func slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}
