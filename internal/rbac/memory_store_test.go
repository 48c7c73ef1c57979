package rbac

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryStore struct {
	mu          sync.Mutex
	permissions map[int64]Permission
	roles       map[int64]Role
	rolePerms   map[int64]map[int64]struct{}
	assignments []RoleAssignment
	overrides   map[int64]Override
	nextID      int64

	failReads error
	reads     int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		permissions: make(map[int64]Permission),
		roles:       make(map[int64]Role),
		rolePerms:   make(map[int64]map[int64]struct{}),
		overrides:   make(map[int64]Override),
	}
}

func (m *memoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

// seedPermission and seedRole bypass Admin so immutable entries can be created with links.
func (m *memoryStore) seedPermission(name string, mutable bool) Permission {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := Permission{ID: m.id(), Name: name, IsMutable: mutable}
	m.permissions[p.ID] = p
	return p
}

func (m *memoryStore) seedRole(name string, teamID *int64, mutable bool, perms ...Permission) Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := Role{ID: m.id(), TeamID: teamID, Name: name, Slug: slugify(name), IsMutable: mutable}
	m.roles[r.ID] = r
	m.rolePerms[r.ID] = make(map[int64]struct{})
	for _, p := range perms {
		m.rolePerms[r.ID][p.ID] = struct{}{}
	}
	return r
}

func (m *memoryStore) readCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

func (m *memoryStore) read() error {
	m.reads++
	return m.failReads
}

func (m *memoryStore) WithTx(ctx context.Context, fn func(Store) error) error {
	return fn(m)
}

func (m *memoryStore) FindPermissionByName(ctx context.Context, name string) (Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.read(); err != nil {
		return Permission{}, err
	}
	for _, p := range m.permissions {
		if p.Name == name {
			return p, nil
		}
	}
	return Permission{}, ErrNotFound
}

func (m *memoryStore) ListPermissions(ctx context.Context) ([]Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Permission, 0, len(m.permissions))
	for _, p := range m.permissions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memoryStore) HasGlobalRole(ctx context.Context, userID int64, slug string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.read(); err != nil {
		return false, err
	}
	for _, a := range m.assignments {
		role := m.roles[a.RoleID]
		if a.UserID == userID && role.TeamID == nil && role.Slug == slug {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryStore) inScope(a RoleAssignment, userID int64, teamID *int64) bool {
	return a.UserID == userID && (a.TeamID == nil || sameTeam(a.TeamID, teamID))
}

func (m *memoryStore) RoleGrantsPermission(ctx context.Context, userID, permissionID int64, teamID *int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.read(); err != nil {
		return false, err
	}
	for _, a := range m.assignments {
		if !m.inScope(a, userID, teamID) {
			continue
		}
		if _, ok := m.rolePerms[a.RoleID][permissionID]; ok {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryStore) RolePermissionNames(ctx context.Context, userID int64, teamID *int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.read(); err != nil {
		return nil, err
	}
	set := make(map[string]struct{})
	for _, a := range m.assignments {
		if !m.inScope(a, userID, teamID) {
			continue
		}
		for pid := range m.rolePerms[a.RoleID] {
			set[m.permissions[pid].Name] = struct{}{}
		}
	}
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (m *memoryStore) ActiveOverrides(ctx context.Context, userID int64, teamID *int64, now time.Time) ([]Override, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.read(); err != nil {
		return nil, err
	}
	var out []Override
	for _, o := range m.sortedOverrides() {
		if o.UserID != userID || !o.Active(now) {
			continue
		}
		if o.TeamID == nil || sameTeam(o.TeamID, teamID) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memoryStore) GetPermission(ctx context.Context, id int64) (Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.permissions[id]
	if !ok {
		return Permission{}, ErrNotFound
	}
	return p, nil
}

func (m *memoryStore) CreatePermission(ctx context.Context, in PermissionInput) (Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.permissions {
		if p.Name == in.Name {
			return Permission{}, ErrDuplicate
		}
	}
	p := Permission{ID: m.id(), Name: in.Name, Description: in.Description, IsMutable: in.IsMutable}
	m.permissions[p.ID] = p
	return p, nil
}

func (m *memoryStore) DeletePermission(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.permissions[id]
	if !ok || !p.IsMutable {
		return ErrNotFound
	}
	delete(m.permissions, id)
	for _, perms := range m.rolePerms {
		delete(perms, id)
	}
	for oid, o := range m.overrides {
		if o.PermissionID == id {
			delete(m.overrides, oid)
		}
	}
	return nil
}

func (m *memoryStore) GetRole(ctx context.Context, id int64) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return r, nil
}

func (m *memoryStore) ListRoles(ctx context.Context) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Role, 0, len(m.roles))
	for _, r := range m.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryStore) CreateRole(ctx context.Context, in RoleInput) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.roles {
		if sameTeam(r.TeamID, in.TeamID) && (r.Name == in.Name || r.Slug == in.Slug) {
			return Role{}, ErrDuplicate
		}
	}
	r := Role{ID: m.id(), TeamID: in.TeamID, Name: in.Name, Slug: in.Slug, IsMutable: in.IsMutable}
	m.roles[r.ID] = r
	m.rolePerms[r.ID] = make(map[int64]struct{})
	return r, nil
}

func (m *memoryStore) DeleteRole(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[id]
	if !ok || !r.IsMutable {
		return ErrNotFound
	}
	delete(m.roles, id)
	delete(m.rolePerms, id)
	kept := m.assignments[:0]
	for _, a := range m.assignments {
		if a.RoleID != id {
			kept = append(kept, a)
		}
	}
	m.assignments = kept
	return nil
}

func (m *memoryStore) ListRolePermissionIDs(ctx context.Context, roleID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.rolePerms[roleID]))
	for id := range m.rolePerms[roleID] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *memoryStore) AttachPermission(ctx context.Context, roleID, permissionID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rolePerms[roleID][permissionID]; ok {
		return false, nil
	}
	m.rolePerms[roleID][permissionID] = struct{}{}
	return true, nil
}

func (m *memoryStore) DetachPermission(ctx context.Context, roleID, permissionID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rolePerms[roleID][permissionID]; !ok {
		return false, nil
	}
	delete(m.rolePerms[roleID], permissionID)
	return true, nil
}

func (m *memoryStore) AssignRole(ctx context.Context, a RoleAssignment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.assignments {
		if existing.UserID == a.UserID && existing.RoleID == a.RoleID && sameTeam(existing.TeamID, a.TeamID) {
			return false, nil
		}
	}
	m.assignments = append(m.assignments, a)
	return true, nil
}

func (m *memoryStore) RemoveRole(ctx context.Context, a RoleAssignment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.assignments {
		if existing.UserID == a.UserID && existing.RoleID == a.RoleID && sameTeam(existing.TeamID, a.TeamID) {
			m.assignments = append(m.assignments[:i], m.assignments[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryStore) RoleHolders(ctx context.Context, roleID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[int64]struct{})
	for _, a := range m.assignments {
		if a.RoleID == roleID {
			set[a.UserID] = struct{}{}
		}
	}
	return sortedIDs(set), nil
}

func (m *memoryStore) PermissionHolders(ctx context.Context, permissionID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[int64]struct{})
	for _, a := range m.assignments {
		if _, ok := m.rolePerms[a.RoleID][permissionID]; ok {
			set[a.UserID] = struct{}{}
		}
	}
	for _, o := range m.overrides {
		if o.PermissionID == permissionID {
			set[o.UserID] = struct{}{}
		}
	}
	return sortedIDs(set), nil
}

func (m *memoryStore) GetOverride(ctx context.Context, id int64) (Override, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.overrides[id]
	if !ok {
		return Override{}, ErrNotFound
	}
	return o, nil
}

func (m *memoryStore) FindOverride(ctx context.Context, userID, permissionID int64, teamID *int64) (Override, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.overrides {
		if o.UserID == userID && o.PermissionID == permissionID && sameTeam(o.TeamID, teamID) {
			return o, nil
		}
	}
	return Override{}, ErrNotFound
}

func (m *memoryStore) ListOverrides(ctx context.Context, userID int64) ([]Override, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Override
	for _, o := range m.sortedOverrides() {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memoryStore) CreateOverride(ctx context.Context, in OverrideInput) (Override, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.overrides {
		if o.UserID == in.UserID && o.PermissionID == in.PermissionID && sameTeam(o.TeamID, in.TeamID) {
			return Override{}, &ConflictError{UserID: in.UserID, PermissionID: in.PermissionID, TeamID: in.TeamID}
		}
	}
	o := Override{
		ID:             m.id(),
		UserID:         in.UserID,
		PermissionID:   in.PermissionID,
		PermissionName: m.permissions[in.PermissionID].Name,
		TeamID:         in.TeamID,
		Effect:         in.Effect,
		Reason:         in.Reason,
		ExpiresAt:      in.ExpiresAt,
		CreatedAt:      time.Now(),
	}
	m.overrides[o.ID] = o
	return o, nil
}

// putOverride stores a row directly, bypassing expiry validation.
func (m *memoryStore) putOverride(o Override) Override {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.ID = m.id()
	o.PermissionName = m.permissions[o.PermissionID].Name
	m.overrides[o.ID] = o
	return o
}

func (m *memoryStore) DeleteOverride(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.overrides[id]; !ok {
		return ErrNotFound
	}
	delete(m.overrides, id)
	return nil
}

func (m *memoryStore) ExpiredOverrides(ctx context.Context, now time.Time) ([]Override, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Override
	for _, o := range m.sortedOverrides() {
		if o.ExpiresAt != nil && !o.ExpiresAt.After(now) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memoryStore) DeleteOverrides(ctx context.Context, ids []int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		if _, ok := m.overrides[id]; ok {
			delete(m.overrides, id)
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) sortedOverrides() []Override {
	out := make([]Override, 0, len(m.overrides))
	for _, o := range m.overrides {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedIDs(set map[int64]struct{}) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

var _ Store = (*memoryStore)(nil)
