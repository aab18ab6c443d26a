package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"

	"github.com/odyssey-erp/gatekeeper/internal/catalog"
	"github.com/odyssey-erp/gatekeeper/internal/permcache"
	"github.com/odyssey-erp/gatekeeper/internal/shared"
)

// ResolutionObserver receives the latency of every resolution that reached
// the store.
type ResolutionObserver interface {
	ObserveResolution(outcome string, elapsed time.Duration)
}

// ServiceConfig carries optional collaborators.
type ServiceConfig struct {
	Logger   *slog.Logger
	Observer ResolutionObserver
}

// Service orchestrates permission queries and administrative mutations.
type Service struct {
	repo     Repository
	catalog  *catalog.Catalog
	cache    *permcache.Cache
	logger   *slog.Logger
	observer ResolutionObserver
}

// NewService constructs a Service.
func NewService(repo Repository, cat *catalog.Catalog, cache *permcache.Cache, cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		catalog:  cat,
		cache:    cache,
		logger:   cfg.Logger,
		observer: cfg.Observer,
	}
}

// Catalog returns the current catalog view.
func (s *Service) Catalog() *catalog.View { return s.catalog.View() }

// HasPermission reports whether key is in the user's effective set.
func (s *Service) HasPermission(ctx context.Context, userID uuid.UUID, key string) (bool, error) {
	e, err := s.entry(ctx, userID)
	if err != nil {
		return false, err
	}
	return e.Has(key), nil
}

// EffectivePermissions returns a copy of the user's effective set.
func (s *Service) EffectivePermissions(ctx context.Context, userID uuid.UUID) (PermissionSet, error) {
	e, err := s.entry(ctx, userID)
	if err != nil {
		return nil, err
	}
	return PermissionSet(e.Permissions).Clone(), nil
}

// Explain reports why key is or is not effective for the user. It always
// reads the store.
func (s *Service) Explain(ctx context.Context, userID uuid.UUID, key string) (Decision, error) {
	view := s.catalog.View()
	snap, err := s.repo.Snapshot(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	return Explain(snap, view, key), nil
}

func (s *Service) entry(ctx context.Context, userID uuid.UUID) (*permcache.Entry, error) {
	e, _, err := s.cache.Load(ctx, userID, func(ctx context.Context) (*permcache.Entry, error) {
		return s.resolve(ctx, userID)
	})
	return e, err
}

func (s *Service) resolve(ctx context.Context, userID uuid.UUID) (*permcache.Entry, error) {
	start := time.Now()
	// The view is taken first: a reload racing the snapshot only makes the
	// entry look older than it is.
	view := s.catalog.View()
	snap, err := s.repo.Snapshot(ctx, userID)
	if s.observer != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		s.observer.ObserveResolution(outcome, time.Since(start))
	}
	if err != nil {
		return nil, err
	}
	return newEntry(snap, view, Resolve(snap, view)), nil
}

// ListRoles returns the roles of a tenant ordered by name.
func (s *Service) ListRoles(ctx context.Context, tenantID uuid.UUID) ([]Role, error) {
	if _, err := s.repo.GetTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	return s.repo.RolesForTenant(ctx, tenantID)
}

// ListTemplates returns the global role templates.
func (s *Service) ListTemplates(ctx context.Context) ([]Role, error) {
	return s.repo.ListTemplates(ctx)
}

// GetRole fetches a role by ID.
func (s *Service) GetRole(ctx context.Context, roleID uuid.UUID) (Role, error) {
	return s.repo.GetRole(ctx, roleID)
}

// ListOverrides returns the overrides recorded for a user.
func (s *Service) ListOverrides(ctx context.Context, userID uuid.UUID) ([]Override, error) {
	if _, err := s.repo.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.repo.OverridesForUser(ctx, userID)
}

// CreateRole inserts a tenant role holding keys.
func (s *Service) CreateRole(ctx context.Context, tenantID uuid.UUID, name string, keys []string) (Role, error) {
	name, err := normalizeName(name)
	if err != nil {
		return Role{}, err
	}
	keys = dedupe(keys)
	if err := s.checkKeys(keys); err != nil {
		return Role{}, err
	}

	var role Role
	err = s.mutate(ctx, "role.create", func(ctx context.Context, tx TxRepository) ([]permcache.Generation, error) {
		if _, err := tx.LockTenant(ctx, tenantID); err != nil {
			return nil, err
		}
		role = newRole(&tenantID, name, keys)
		if err := tx.InsertRole(ctx, role); err != nil {
			return nil, err
		}
		return nil, audit(ctx, tx, "role.create", "role", role.ID, map[string]any{
			"tenant_id": tenantID.String(),
			"name":      name,
			"keys":      keys,
		})
	})
	return role, err
}

// CloneRole copies a tenant role and its keys under a new name in the same
// tenant. Templates are cloned with CloneTemplate.
func (s *Service) CloneRole(ctx context.Context, sourceRoleID uuid.UUID, newName string) (Role, error) {
	newName, err := normalizeName(newName)
	if err != nil {
		return Role{}, err
	}
	var role Role
	err = s.mutate(ctx, "role.clone", func(ctx context.Context, tx TxRepository) ([]permcache.Generation, error) {
		src, err := lockShared(ctx, tx, sourceRoleID)
		if err != nil {
			return nil, err
		}
		if src.IsTemplate() {
			return nil, fmt.Errorf("%w: role %s is a template, clone it into a tenant", ErrInvalidInput, src.ID)
		}
		role, err = cloneInto(ctx, tx, src, *src.TenantID, newName)
		return nil, err
	})
	return role, err
}

// CloneTemplate copies a template, or a role of tenantID, into tenantID.
func (s *Service) CloneTemplate(ctx context.Context, templateID, tenantID uuid.UUID, newName string) (Role, error) {
	newName, err := normalizeName(newName)
	if err != nil {
		return Role{}, err
	}
	var role Role
	err = s.mutate(ctx, "role.clone", func(ctx context.Context, tx TxRepository) ([]permcache.Generation, error) {
		if _, err := tx.LockTenant(ctx, tenantID); err != nil {
			return nil, err
		}
		src, err := lockShared(ctx, tx, templateID)
		if err != nil {
			return nil, err
		}
		if !src.IsTemplate() && !src.BelongsTo(tenantID) {
			return nil, fmt.Errorf("%w: role %s", ErrTenantMismatch, src.ID)
		}
		role, err = cloneInto(ctx, tx, src, tenantID, newName)
		return nil, err
	})
	return role, err
}

// RenameRole changes the name of a deletable role.
func (s *Service) RenameRole(ctx context.Context, roleID uuid.UUID, newName string) (Role, error) {
	newName, err := normalizeName(newName)
	if err != nil {
		return Role{}, err
	}
	var role Role
	err = s.mutate(ctx, "role.rename", func(ctx context.Context, tx TxRepository) ([]permcache.Generation, error) {
		role, err = tx.LockRole(ctx, roleID)
		if err != nil {
			return nil, err
		}
		if !role.IsDeletable {
			return nil, fmt.Errorf("%w: %s", ErrProtectedRole, role.Name)
		}
		if role.Name == newName {
			return nil, nil
		}
		old := role.Name
		if err := tx.RenameRole(ctx, roleID, newName); err != nil {
			return nil, err
		}
		role.Name = newName
		role.UpdatedAt = time.Now()
		return nil, audit(ctx, tx, "role.rename", "role", roleID, map[string]any{"from": old, "to": newName})
	})
	return role, err
}

// SetRolePermissions adds then removes keys on a role. Keys present in both
// lists end up removed.
func (s *Service) SetRolePermissions(ctx context.Context, roleID uuid.UUID, add, remove []string) error {
	add, remove = dedupe(add), dedupe(remove)
	if err := s.checkKeys(append(append([]string{}, add...), remove...)); err != nil {
		return err
	}
	return s.mutate(ctx, "role.permissions", func(ctx context.Context, tx TxRepository) ([]permcache.Generation, error) {
		role, err := tx.LockRole(ctx, roleID)
		if err != nil {
			return nil, err
		}
		current := NewPermissionSet(role.PermissionKeys...)
		next := current.Clone()
		for _, k := range add {
			next[k] = struct{}{}
		}
		for _, k := range remove {
			delete(next, k)
		}
		if sameSet(current, next) {
			return nil, nil
		}
		if err := tx.AddRolePermissions(ctx, roleID, add); err != nil {
			return nil, err
		}
		if err := tx.RemoveRolePermissions(ctx, roleID, remove); err != nil {
			return nil, err
		}
		gen, err := bump(ctx, tx, permcache.RoleKey(roleID))
		if err != nil {
			return nil, err
		}
		return []permcache.Generation{gen}, audit(ctx, tx, "role.permissions", "role", roleID, map[string]any{
			"add":    add,
			"remove": remove,
		})
	})
}

// DeleteRole removes a deletable role that nobody holds.
func (s *Service) DeleteRole(ctx context.Context, roleID uuid.UUID) error {
	return s.mutate(ctx, "role.delete", func(ctx context.Context, tx TxRepository) ([]permcache.Generation, error) {
		role, err := tx.LockRole(ctx, roleID)
		if err != nil {
			return nil, err
		}
		if !role.IsDeletable {
			return nil, fmt.Errorf("%w: %s", ErrProtectedRole, role.Name)
		}
		n, err := tx.CountAssignments(ctx, roleID)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			return nil, fmt.Errorf("%w: %s has %d assignments", ErrRoleInUse, role.Name, n)
		}
		if err := tx.DeleteRole(ctx, roleID); err != nil {
			return nil, err
		}
		return nil, audit(ctx, tx, "role.delete", "role", roleID, map[string]any{"name": role.Name})
	})
}

// AssignRoles replaces the user's role set. The first role becomes the
// primary one. Every role must belong to the user's tenant.
func (s *Service) AssignRoles(ctx context.Context, userID uuid.UUID, roleIDs []uuid.UUID) error {
	roleIDs = dedupeIDs(roleIDs)
	return s.mutate(ctx, "user.roles", func(ctx context.Context, tx TxRepository) ([]permcache.Generation, error) {
		user, err := tx.LockUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		roles, err := tx.LockRolesShared(ctx, roleIDs)
		if err != nil {
			return nil, err
		}
		byID := make(map[uuid.UUID]Role, len(roles))
		for _, r := range roles {
			byID[r.ID] = r
		}
		next := make([]Assignment, 0, len(roleIDs))
		for i, id := range roleIDs {
			role, ok := byID[id]
			if !ok {
				return nil, fmt.Errorf("%w: role %s", ErrNotFound, id)
			}
			if !role.BelongsTo(user.TenantID) {
				return nil, fmt.Errorf("%w: role %s is not in tenant %s", ErrTenantMismatch, id, user.TenantID)
			}
			next = append(next, Assignment{UserID: userID, RoleID: id, IsPrimary: i == 0})
		}

		current, err := tx.UserAssignments(ctx, userID)
		if err != nil {
			return nil, err
		}
		if sameAssignments(current, next) {
			return nil, nil
		}
		if err := tx.ReplaceAssignments(ctx, user, next); err != nil {
			return nil, err
		}
		gen, err := bump(ctx, tx, permcache.UserKey(userID))
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(roleIDs))
		for i, id := range roleIDs {
			ids[i] = id.String()
		}
		return []permcache.Generation{gen}, audit(ctx, tx, "user.roles", "user", userID, map[string]any{"role_ids": ids})
	})
}

// SetOverride grants or revokes key for a single user.
func (s *Service) SetOverride(ctx context.Context, userID uuid.UUID, key string, granted bool) error {
	if err := s.checkKeys([]string{key}); err != nil {
		return err
	}
	return s.mutate(ctx, "user.override", func(ctx context.Context, tx TxRepository) ([]permcache.Generation, error) {
		if _, err := tx.LockUser(ctx, userID); err != nil {
			return nil, err
		}
		if err := tx.UpsertOverride(ctx, Override{UserID: userID, PermissionKey: key, Granted: granted}); err != nil {
			return nil, err
		}
		gen, err := bump(ctx, tx, permcache.UserKey(userID))
		if err != nil {
			return nil, err
		}
		return []permcache.Generation{gen}, audit(ctx, tx, "user.override.set", "user", userID, map[string]any{
			"key":     key,
			"granted": granted,
		})
	})
}

// ClearOverride removes the user's override for key, if any.
func (s *Service) ClearOverride(ctx context.Context, userID uuid.UUID, key string) error {
	return s.mutate(ctx, "user.override", func(ctx context.Context, tx TxRepository) ([]permcache.Generation, error) {
		if _, err := tx.LockUser(ctx, userID); err != nil {
			return nil, err
		}
		deleted, err := tx.DeleteOverride(ctx, userID, key)
		if err != nil || !deleted {
			return nil, err
		}
		gen, err := bump(ctx, tx, permcache.UserKey(userID))
		if err != nil {
			return nil, err
		}
		return []permcache.Generation{gen}, audit(ctx, tx, "user.override.clear", "user", userID, map[string]any{"key": key})
	})
}

// SetTenantPlan changes the tier and add-ons gating a tenant.
func (s *Service) SetTenantPlan(ctx context.Context, tenantID uuid.UUID, tier catalog.Tier, addOns []string) error {
	if !tier.Valid() {
		return fmt.Errorf("%w: plan tier", ErrInvalidInput)
	}
	addOns = dedupe(addOns)
	sort.Strings(addOns)
	view := s.catalog.View()
	for _, name := range addOns {
		if !view.HasAddOn(name) {
			return fmt.Errorf("%w: %s", ErrUnknownAddOn, name)
		}
	}
	return s.mutate(ctx, "tenant.plan", func(ctx context.Context, tx TxRepository) ([]permcache.Generation, error) {
		tenant, err := tx.LockTenant(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		current := append([]string{}, tenant.AddOns...)
		sort.Strings(current)
		if tenant.PlanTier == tier && equalStrings(current, addOns) {
			return nil, nil
		}
		if err := tx.UpdateTenantPlan(ctx, tenantID, tier, addOns); err != nil {
			return nil, err
		}
		gen, err := bump(ctx, tx, permcache.TenantKey(tenantID))
		if err != nil {
			return nil, err
		}
		return []permcache.Generation{gen}, audit(ctx, tx, "tenant.plan", "tenant", tenantID, map[string]any{
			"from_tier": tenant.PlanTier.String(),
			"to_tier":   tier.String(),
			"add_ons":   addOns,
		})
	})
}

// Invalidate drops cached results for every user affected by scope and id.
func (s *Service) Invalidate(ctx context.Context, scope permcache.Scope, id uuid.UUID) error {
	switch scope {
	case permcache.ScopeUser:
		return s.cache.Invalidate(ctx, id)
	case permcache.ScopeRole:
		return s.cache.InvalidateByRole(ctx, id)
	case permcache.ScopeTenant:
		return s.cache.InvalidateByTenant(ctx, id)
	default:
		return fmt.Errorf("%w: cache scope %q", ErrInvalidInput, scope)
	}
}

// mutate runs fn in a transaction and, once it has committed, advances the
// generation mirror to every generation fn bumped. A committed change the
// mirror did not take returns an error wrapping permcache.ErrNotPropagated.
func (s *Service) mutate(ctx context.Context, action string, fn func(context.Context, TxRepository) ([]permcache.Generation, error)) error {
	var bumped []permcache.Generation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		bumped, err = fn(ctx, tx)
		return err
	})
	if err != nil {
		if !isDomainError(err) {
			s.logger.Error("rbac mutation failed", slog.String("action", action), slog.Any("error", err))
		}
		return err
	}
	if err := s.cache.Advance(context.WithoutCancel(ctx), bumped...); err != nil {
		s.logger.Error("rbac mutation committed, generations not propagated",
			slog.String("action", action), slog.Any("error", err))
		return fmt.Errorf("rbac: %s committed: %w", action, err)
	}
	s.logger.Info("rbac mutation",
		slog.String("action", action),
		slog.String("actor", shared.ActorFromContext(ctx)),
		slog.Int("generations", len(bumped)))
	return nil
}

func (s *Service) checkKeys(keys []string) error {
	if missing := s.catalog.View().Missing(keys); len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrUnknownPermission, strings.Join(missing, ", "))
	}
	return nil
}

func lockShared(ctx context.Context, tx TxRepository, roleID uuid.UUID) (Role, error) {
	roles, err := tx.LockRolesShared(ctx, []uuid.UUID{roleID})
	if err != nil {
		return Role{}, err
	}
	if len(roles) == 0 {
		return Role{}, fmt.Errorf("%w: role %s", ErrNotFound, roleID)
	}
	return roles[0], nil
}

func cloneInto(ctx context.Context, tx TxRepository, src Role, tenantID uuid.UUID, name string) (Role, error) {
	role := newRole(&tenantID, name, append([]string(nil), src.PermissionKeys...))
	role.Description = src.Description
	if err := tx.InsertRole(ctx, role); err != nil {
		return Role{}, err
	}
	return role, audit(ctx, tx, "role.clone", "role", role.ID, map[string]any{
		"source_id": src.ID.String(),
		"tenant_id": tenantID.String(),
		"name":      name,
	})
}

func newRole(tenantID *uuid.UUID, name string, keys []string) Role {
	sort.Strings(keys)
	if keys == nil {
		keys = []string{}
	}
	now := time.Now()
	return Role{
		ID:             uuid.New(),
		TenantID:       tenantID,
		Name:           name,
		IsDeletable:    true,
		PermissionKeys: keys,
		Generation:     1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func bump(ctx context.Context, tx TxRepository, key permcache.GenKey) (permcache.Generation, error) {
	v, err := tx.BumpGeneration(ctx, key)
	if err != nil {
		return permcache.Generation{}, err
	}
	return permcache.Generation{Key: key, Value: v}, nil
}

func audit(ctx context.Context, tx TxRepository, action, entity string, id uuid.UUID, meta map[string]any) error {
	return tx.RecordAudit(ctx, shared.AuditLog{
		ActorID:  shared.ActorFromContext(ctx),
		Action:   action,
		Entity:   entity,
		EntityID: id.String(),
		Meta:     meta,
	})
}

func isDomainError(err error) bool {
	for _, target := range []error{
		ErrNotFound, ErrUnknownPermission, ErrUnknownAddOn, ErrDuplicateName,
		ErrProtectedRole, ErrRoleInUse, ErrTenantMismatch, ErrInvalidInput,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func normalizeName(name string) (string, error) {
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		return "", fmt.Errorf("%w: role name required", ErrInvalidInput)
	}
	return name, nil
}

// foldName is the case-insensitive form role names are unique under.
func foldName(name string) string {
	return cases.Fold().String(name)
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func dedupeIDs(in []uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(in))
	seen := make(map[uuid.UUID]struct{}, len(in))
	for _, id := range in {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func sameSet(a, b PermissionSet) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b.Has(k) {
			return false
		}
	}
	return true
}

func sameAssignments(current, next []Assignment) bool {
	if len(current) != len(next) {
		return false
	}
	want := make(map[uuid.UUID]bool, len(next))
	for _, a := range next {
		want[a.RoleID] = a.IsPrimary
	}
	for _, a := range current {
		primary, ok := want[a.RoleID]
		if !ok || primary != a.IsPrimary {
			return false
		}
	}
	return true
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
