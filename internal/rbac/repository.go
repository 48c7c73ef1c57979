package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/staffdesk/staffdesk/internal/platform/db"
)

const uniqueViolation = "23505"

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGRepository implements Store using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
	q    querier
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool, q: pool}
}

// WithTx runs fn inside a RepeatableRead transaction. Nested calls reuse the open transaction.
func (r *PGRepository) WithTx(ctx context.Context, fn func(Store) error) error {
	if r.pool == nil {
		return fn(r)
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&PGRepository{q: tx})
	})
}

func (r *PGRepository) FindPermissionByName(ctx context.Context, name string) (Permission, error) {
	var p Permission
	err := r.q.QueryRow(ctx, `SELECT id, name, description, is_mutable FROM permissions WHERE name = $1`, name).
		Scan(&p.ID, &p.Name, &p.Description, &p.IsMutable)
	if err != nil {
		return Permission{}, notFound(err)
	}
	return p, nil
}

func (r *PGRepository) GetPermission(ctx context.Context, id int64) (Permission, error) {
	var p Permission
	err := r.q.QueryRow(ctx, `SELECT id, name, description, is_mutable FROM permissions WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Description, &p.IsMutable)
	if err != nil {
		return Permission{}, notFound(err)
	}
	return p, nil
}

func (r *PGRepository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.q.Query(ctx, `SELECT id, name, description, is_mutable FROM permissions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.IsMutable); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (r *PGRepository) CreatePermission(ctx context.Context, in PermissionInput) (Permission, error) {
	p := Permission{Name: in.Name, Description: in.Description, IsMutable: in.IsMutable}
	err := r.q.QueryRow(ctx, `
		INSERT INTO permissions (name, description, is_mutable, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		RETURNING id`, in.Name, in.Description, in.IsMutable).Scan(&p.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return Permission{}, fmt.Errorf("%w: permission %q", ErrDuplicate, in.Name)
		}
		return Permission{}, err
	}
	return p, nil
}

// DeletePermission removes the permission; role links and overrides cascade.
func (r *PGRepository) DeletePermission(ctx context.Context, id int64) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM permissions WHERE id = $1 AND is_mutable`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) HasGlobalRole(ctx context.Context, userID int64, slug string) (bool, error) {
	var ok bool
	err := r.q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM role_user ru
			JOIN roles r ON r.id = ru.role_id
			WHERE ru.user_id = $1 AND r.team_id IS NULL AND r.slug = $2
		)`, userID, slug).Scan(&ok)
	return ok, err
}

func (r *PGRepository) RoleGrantsPermission(ctx context.Context, userID, permissionID int64, teamID *int64) (bool, error) {
	var ok bool
	err := r.q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM role_user ru
			JOIN role_permissions rp ON rp.role_id = ru.role_id
			WHERE ru.user_id = $1 AND rp.permission_id = $2
			  AND (ru.team_id = $3 OR ru.team_id IS NULL)
		)`, userID, permissionID, teamID).Scan(&ok)
	return ok, err
}

func (r *PGRepository) RolePermissionNames(ctx context.Context, userID int64, teamID *int64) ([]string, error) {
	rows, err := r.q.Query(ctx, `
		SELECT DISTINCT p.name FROM role_user ru
		JOIN role_permissions rp ON rp.role_id = ru.role_id
		JOIN permissions p ON p.id = rp.permission_id
		WHERE ru.user_id = $1 AND (ru.team_id = $2 OR ru.team_id IS NULL)
		ORDER BY p.name`, userID, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

const overrideColumns = `o.id, o.user_id, o.permission_id, p.name, o.team_id, o.effect, o.reason, o.expires_at, o.created_at`

func (r *PGRepository) ActiveOverrides(ctx context.Context, userID int64, teamID *int64, now time.Time) ([]Override, error) {
	return r.queryOverrides(ctx, `
		SELECT `+overrideColumns+` FROM permission_overrides o
		JOIN permissions p ON p.id = o.permission_id
		WHERE o.user_id = $1 AND (o.team_id = $2 OR o.team_id IS NULL)
		  AND (o.expires_at IS NULL OR o.expires_at > $3)
		ORDER BY o.id`, userID, teamID, now)
}

func (r *PGRepository) GetRole(ctx context.Context, id int64) (Role, error) {
	var role Role
	err := r.q.QueryRow(ctx, `
		SELECT id, team_id, name, slug, is_mutable, created_at, updated_at
		FROM roles WHERE id = $1`, id).
		Scan(&role.ID, &role.TeamID, &role.Name, &role.Slug, &role.IsMutable, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return Role{}, notFound(err)
	}
	return role, nil
}

func (r *PGRepository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, team_id, name, slug, is_mutable, created_at, updated_at
		FROM roles ORDER BY team_id NULLS FIRST, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.TeamID, &role.Name, &role.Slug, &role.IsMutable, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (r *PGRepository) CreateRole(ctx context.Context, in RoleInput) (Role, error) {
	role := Role{TeamID: in.TeamID, Name: in.Name, Slug: in.Slug, IsMutable: in.IsMutable}
	err := r.q.QueryRow(ctx, `
		INSERT INTO roles (team_id, name, slug, is_mutable, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING id, created_at, updated_at`, in.TeamID, in.Name, in.Slug, in.IsMutable).
		Scan(&role.ID, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Role{}, fmt.Errorf("%w: role %q in team %s", ErrDuplicate, in.Name, teamToken(in.TeamID))
		}
		return Role{}, err
	}
	return role, nil
}

// DeleteRole removes the role; permission links and assignments cascade.
func (r *PGRepository) DeleteRole(ctx context.Context, id int64) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM roles WHERE id = $1 AND is_mutable`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) ListRolePermissionIDs(ctx context.Context, roleID int64) ([]int64, error) {
	return r.queryIDs(ctx, `SELECT permission_id FROM role_permissions WHERE role_id = $1 ORDER BY permission_id`, roleID)
}

func (r *PGRepository) AttachPermission(ctx context.Context, roleID, permissionID int64) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, roleID, permissionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PGRepository) DetachPermission(ctx context.Context, roleID, permissionID int64) (bool, error) {
	tag, err := r.q.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, permissionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PGRepository) AssignRole(ctx context.Context, a RoleAssignment) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		INSERT INTO role_user (team_id, role_id, user_id) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`, a.TeamID, a.RoleID, a.UserID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PGRepository) RemoveRole(ctx context.Context, a RoleAssignment) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		DELETE FROM role_user
		WHERE team_id IS NOT DISTINCT FROM $1 AND role_id = $2 AND user_id = $3`, a.TeamID, a.RoleID, a.UserID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PGRepository) RoleHolders(ctx context.Context, roleID int64) ([]int64, error) {
	return r.queryIDs(ctx, `SELECT DISTINCT user_id FROM role_user WHERE role_id = $1 ORDER BY user_id`, roleID)
}

func (r *PGRepository) PermissionHolders(ctx context.Context, permissionID int64) ([]int64, error) {
	return r.queryIDs(ctx, `
		SELECT ru.user_id FROM role_user ru
		JOIN role_permissions rp ON rp.role_id = ru.role_id
		WHERE rp.permission_id = $1
		UNION
		SELECT user_id FROM permission_overrides WHERE permission_id = $1
		ORDER BY 1`, permissionID)
}

func (r *PGRepository) GetOverride(ctx context.Context, id int64) (Override, error) {
	items, err := r.queryOverrides(ctx, `
		SELECT `+overrideColumns+` FROM permission_overrides o
		JOIN permissions p ON p.id = o.permission_id
		WHERE o.id = $1`, id)
	if err != nil {
		return Override{}, err
	}
	if len(items) == 0 {
		return Override{}, ErrNotFound
	}
	return items[0], nil
}

func (r *PGRepository) FindOverride(ctx context.Context, userID, permissionID int64, teamID *int64) (Override, error) {
	items, err := r.queryOverrides(ctx, `
		SELECT `+overrideColumns+` FROM permission_overrides o
		JOIN permissions p ON p.id = o.permission_id
		WHERE o.user_id = $1 AND o.permission_id = $2 AND o.team_id IS NOT DISTINCT FROM $3`,
		userID, permissionID, teamID)
	if err != nil {
		return Override{}, err
	}
	if len(items) == 0 {
		return Override{}, ErrNotFound
	}
	return items[0], nil
}

func (r *PGRepository) ListOverrides(ctx context.Context, userID int64) ([]Override, error) {
	return r.queryOverrides(ctx, `
		SELECT `+overrideColumns+` FROM permission_overrides o
		JOIN permissions p ON p.id = o.permission_id
		WHERE o.user_id = $1
		ORDER BY p.name, o.team_id NULLS FIRST`, userID)
}

func (r *PGRepository) CreateOverride(ctx context.Context, in OverrideInput) (Override, error) {
	o := Override{
		UserID:       in.UserID,
		PermissionID: in.PermissionID,
		TeamID:       in.TeamID,
		Effect:       in.Effect,
		Reason:       in.Reason,
		ExpiresAt:    in.ExpiresAt,
	}
	err := r.q.QueryRow(ctx, `
		WITH inserted AS (
			INSERT INTO permission_overrides (user_id, permission_id, team_id, effect, reason, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())
			RETURNING id, permission_id, created_at
		)
		SELECT i.id, p.name, i.created_at FROM inserted i JOIN permissions p ON p.id = i.permission_id`,
		in.UserID, in.PermissionID, in.TeamID, string(in.Effect), in.Reason, in.ExpiresAt).
		Scan(&o.ID, &o.PermissionName, &o.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Override{}, &ConflictError{UserID: in.UserID, PermissionID: in.PermissionID, TeamID: in.TeamID}
		}
		return Override{}, err
	}
	return o, nil
}

func (r *PGRepository) DeleteOverride(ctx context.Context, id int64) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM permission_overrides WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) ExpiredOverrides(ctx context.Context, now time.Time) ([]Override, error) {
	return r.queryOverrides(ctx, `
		SELECT `+overrideColumns+` FROM permission_overrides o
		JOIN permissions p ON p.id = o.permission_id
		WHERE o.expires_at IS NOT NULL AND o.expires_at <= $1
		ORDER BY o.id`, now)
}

func (r *PGRepository) DeleteOverrides(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.q.Exec(ctx, `DELETE FROM permission_overrides WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *PGRepository) queryOverrides(ctx context.Context, sql string, args ...any) ([]Override, error) {
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Override
	for rows.Next() {
		var (
			o      Override
			effect string
		)
		if err := rows.Scan(&o.ID, &o.UserID, &o.PermissionID, &o.PermissionName, &o.TeamID, &effect, &o.Reason, &o.ExpiresAt, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.Effect = Effect(effect)
		items = append(items, o)
	}
	return items, rows.Err()
}

func (r *PGRepository) queryIDs(ctx context.Context, sql string, args ...any) ([]int64, error) {
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

var _ Store = (*PGRepository)(nil)
