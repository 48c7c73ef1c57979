package rbac

import (
	"sort"
	"strconv"
	"time"
)

// DefaultSuperAdminRole is the slug of the reserved role that bypasses every check.
const DefaultSuperAdminRole = "super-admin"

// Permission represents an atomic capability.
type Permission struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IsMutable   bool   `json:"is_mutable"`
}

// Role aggregates permissions. A nil TeamID marks a global role.
type Role struct {
	ID        int64     `json:"id"`
	TeamID    *int64    `json:"team_id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	IsMutable bool      `json:"is_mutable"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RoleAssignment links a user to a role inside a team, or globally when TeamID is nil.
type RoleAssignment struct {
	TeamID *int64
	RoleID int64
	UserID int64
}

// Effect is the outcome an override forces.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Valid reports whether the effect is one of the known values.
func (e Effect) Valid() bool {
	return e == EffectAllow || e == EffectDeny
}

// Override is a per-user exception to role-derived access.
type Override struct {
	ID             int64
	UserID         int64
	PermissionID   int64
	PermissionName string
	TeamID         *int64
	Effect         Effect
	Reason         string
	ExpiresAt      *time.Time
	CreatedAt      time.Time
}

// Active reports whether the override is still in force at now.
func (o Override) Active(now time.Time) bool {
	return o.ExpiresAt == nil || o.ExpiresAt.After(now)
}

// TeamScoped reports whether the override applies to a single team.
func (o Override) TeamScoped() bool {
	return o.TeamID != nil
}

// OverrideInput carries the fields required to create an override.
type OverrideInput struct {
	UserID       int64
	PermissionID int64
	TeamID       *int64
	Effect       Effect
	Reason       string
	ExpiresAt    *time.Time
}

// PermissionInput carries the fields required to create a permission.
type PermissionInput struct {
	Name        string
	Description string
	IsMutable   bool
}

// RoleInput carries the fields required to create a role.
type RoleInput struct {
	TeamID    *int64
	Name      string
	Slug      string
	IsMutable bool
}

// PermissionSet is the effective permission set for a user in a team context.
// All is set for super-admins; Names then holds the full catalog.
type PermissionSet struct {
	All   bool     `json:"all"`
	Names []string `json:"names"`
}

// Has reports whether the set grants name.
func (s PermissionSet) Has(name string) bool {
	if s.All {
		return true
	}
	i := sort.SearchStrings(s.Names, name)
	return i < len(s.Names) && s.Names[i] == name
}

// PruneResult summarises a prune run.
type PruneResult struct {
	Candidates int     `json:"candidates"`
	Deleted    int     `json:"deleted"`
	Users      []int64 `json:"users"`
	DryRun     bool    `json:"dry_run"`
}

// Int64 returns a pointer to v, for building team scopes.
func Int64(v int64) *int64 {
	return &v
}

func teamToken(teamID *int64) string {
	if teamID == nil {
		return "global"
	}
	return strconv.FormatInt(*teamID, 10)
}

func sameTeam(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
