package rbac

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// Service evaluates permissions: super-admin bypass, then active overrides,
// then role-derived grants. Every negative or failed evaluation returns a
// plain deny.
type Service struct {
	store          Reader
	cache          *Cache
	logger         *slog.Logger
	superAdminRole string
	now            func() time.Time
	loadTimeout    time.Duration
	group          singleflight.Group
}

// defaultLoadTimeout bounds a collapsed store load, which runs detached from
// the cancellation of the caller that started it.
const defaultLoadTimeout = 10 * time.Second

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithCache enables result caching.
func WithCache(cache *Cache) ServiceOption {
	return func(s *Service) {
		s.cache = cache
	}
}

// WithLogger sets the logger used for fail-closed diagnostics.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSuperAdminRole overrides the reserved role slug.
func WithSuperAdminRole(slug string) ServiceOption {
	return func(s *Service) {
		if slug = strings.TrimSpace(slug); slug != "" {
			s.superAdminRole = slug
		}
	}
}

// WithClock overrides the time source used to decide override expiry.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService constructs a Service reading from store.
func NewService(store Reader, opts ...ServiceOption) *Service {
	s := &Service{
		store:          store,
		logger:         slog.Default(),
		superAdminRole: DefaultSuperAdminRole,
		now:            time.Now,
		loadTimeout:    defaultLoadTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Can reports whether the user holds permission in teamID (nil for global).
// Super-admins are allowed every permission, blank names included.
func (s *Service) Can(ctx context.Context, userID int64, permission string, teamID *int64) bool {
	permission = strings.TrimSpace(permission)
	version, cacheable := s.version(ctx, userID)
	if s.isSuperAdmin(ctx, userID, version, cacheable) {
		return true
	}
	if permission == "" {
		return false
	}

	key := keyCan(version, userID, teamID, permission)
	if cacheable {
		allowed, ok, err := s.cache.GetBool(ctx, "can", key)
		if err != nil {
			s.logger.Warn("permission cache read", slog.String("key", key), slog.Any("error", err))
		} else if ok {
			return allowed
		}
	}

	val, err := s.collapse(ctx, key, func(ctx context.Context) (any, error) {
		return s.evaluate(ctx, userID, permission, teamID)
	})
	if err != nil {
		s.logger.Warn("permission check failed closed",
			slog.Int64("user_id", userID),
			slog.String("permission", permission),
			slog.String("team", teamToken(teamID)),
			slog.Any("error", err))
		return false
	}
	allowed := val.(bool)
	if cacheable {
		if err := s.cache.PutBool(ctx, key, allowed); err != nil {
			s.logger.Warn("permission cache write", slog.String("key", key), slog.Any("error", err))
		}
	}
	return allowed
}

// PermissionsFor returns the user's effective permission names in teamID,
// sorted and deduplicated. Super-admins get All set and the full catalog,
// which is always read fresh.
func (s *Service) PermissionsFor(ctx context.Context, userID int64, teamID *int64) PermissionSet {
	version, cacheable := s.version(ctx, userID)
	if s.isSuperAdmin(ctx, userID, version, cacheable) {
		perms, err := s.store.ListPermissions(ctx)
		if err != nil {
			s.logger.Warn("list permission catalog", slog.Any("error", err))
			return PermissionSet{All: true, Names: []string{}}
		}
		names := make([]string, 0, len(perms))
		for _, p := range perms {
			names = append(names, p.Name)
		}
		sort.Strings(names)
		return PermissionSet{All: true, Names: names}
	}

	key := keySet(version, userID, teamID)
	if cacheable {
		names, ok, err := s.cache.GetNames(ctx, key)
		if err != nil {
			s.logger.Warn("permission cache read", slog.String("key", key), slog.Any("error", err))
		} else if ok {
			return PermissionSet{Names: names}
		}
	}

	val, err := s.collapse(ctx, key, func(ctx context.Context) (any, error) {
		return s.effectiveNames(ctx, userID, teamID)
	})
	if err != nil {
		s.logger.Warn("permission set failed closed",
			slog.Int64("user_id", userID),
			slog.String("team", teamToken(teamID)),
			slog.Any("error", err))
		return PermissionSet{Names: []string{}}
	}
	names := val.([]string)
	if cacheable {
		if err := s.cache.PutNames(ctx, key, names); err != nil {
			s.logger.Warn("permission cache write", slog.String("key", key), slog.Any("error", err))
		}
	}
	return PermissionSet{Names: names}
}

// IsSuperAdmin reports whether the user holds the global reserved role.
func (s *Service) IsSuperAdmin(ctx context.Context, userID int64) bool {
	version, cacheable := s.version(ctx, userID)
	return s.isSuperAdmin(ctx, userID, version, cacheable)
}

// Invalidate bumps the user's cache version so the next evaluation recomputes.
func (s *Service) Invalidate(ctx context.Context, userID int64) error {
	if s.cache == nil {
		return nil
	}
	_, err := s.cache.Bump(ctx, userID)
	return err
}

func (s *Service) version(ctx context.Context, userID int64) (int64, bool) {
	if s.cache == nil {
		return 0, false
	}
	version, err := s.cache.Version(ctx, userID)
	if err != nil {
		s.logger.Warn("permission cache version read, bypassing cache",
			slog.Int64("user_id", userID), slog.Any("error", err))
		return 0, false
	}
	return version, true
}

func (s *Service) isSuperAdmin(ctx context.Context, userID, version int64, cacheable bool) bool {
	key := keySuper(version, userID)
	if cacheable {
		if super, ok, err := s.cache.GetBool(ctx, "super", key); err == nil && ok {
			return super
		}
	}
	super, err := s.store.HasGlobalRole(ctx, userID, s.superAdminRole)
	if err != nil {
		s.logger.Warn("super-admin lookup", slog.Int64("user_id", userID), slog.Any("error", err))
		return false
	}
	if cacheable {
		if err := s.cache.PutBool(ctx, key, super); err != nil {
			s.logger.Warn("permission cache write", slog.String("key", key), slog.Any("error", err))
		}
	}
	return super
}

func (s *Service) evaluate(ctx context.Context, userID int64, permission string, teamID *int64) (bool, error) {
	perm, err := s.store.FindPermissionByName(ctx, permission)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	overrides, err := s.store.ActiveOverrides(ctx, userID, teamID, s.now())
	if err != nil {
		return false, err
	}
	matching := overrides[:0:0]
	for _, o := range overrides {
		if o.PermissionID == perm.ID {
			matching = append(matching, o)
		}
	}
	if winner, ok := resolveOverride(matching, s.now()); ok {
		return winner.Effect == EffectAllow, nil
	}
	return s.store.RoleGrantsPermission(ctx, userID, perm.ID, teamID)
}

func (s *Service) effectiveNames(ctx context.Context, userID int64, teamID *int64) ([]string, error) {
	granted, err := s.store.RolePermissionNames(ctx, userID, teamID)
	if err != nil {
		return nil, err
	}
	overrides, err := s.store.ActiveOverrides(ctx, userID, teamID, s.now())
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(granted))
	for _, name := range granted {
		set[name] = struct{}{}
	}
	byName := make(map[string][]Override)
	for _, o := range overrides {
		byName[o.PermissionName] = append(byName[o.PermissionName], o)
	}
	for name, candidates := range byName {
		winner, ok := resolveOverride(candidates, s.now())
		if !ok {
			continue
		}
		if winner.Effect == EffectAllow {
			set[name] = struct{}{}
		} else {
			delete(set, name)
		}
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Service) collapse(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := s.group.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.loadTimeout)
		defer cancel()
		return fn(loadCtx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

// resolveOverride picks the override that decides among candidates for one
// permission: deny beats allow, and a team-scoped row beats a global one.
func resolveOverride(candidates []Override, now time.Time) (Override, bool) {
	var (
		winner Override
		found  bool
	)
	for _, o := range candidates {
		if !o.Active(now) || !o.Effect.Valid() {
			continue
		}
		if !found || overrideRank(o) < overrideRank(winner) {
			winner, found = o, true
		}
	}
	return winner, found
}

func overrideRank(o Override) int {
	rank := 0
	if o.Effect != EffectDeny {
		rank += 2
	}
	if !o.TeamScoped() {
		rank++
	}
	return rank
}
