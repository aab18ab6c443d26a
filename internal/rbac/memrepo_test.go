package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/odyssey-erp/gatekeeper/internal/catalog"
	"github.com/odyssey-erp/gatekeeper/internal/permcache"
	"github.com/odyssey-erp/gatekeeper/internal/shared"
)

type memState struct {
	users       map[uuid.UUID]User
	tenants     map[uuid.UUID]Tenant
	roles       map[uuid.UUID]Role
	assignments map[uuid.UUID][]Assignment
	overrides   map[uuid.UUID]map[string]bool
	audits      []shared.AuditLog
}

func (s *memState) clone() *memState {
	out := &memState{
		users:       make(map[uuid.UUID]User, len(s.users)),
		tenants:     make(map[uuid.UUID]Tenant, len(s.tenants)),
		roles:       make(map[uuid.UUID]Role, len(s.roles)),
		assignments: make(map[uuid.UUID][]Assignment, len(s.assignments)),
		overrides:   make(map[uuid.UUID]map[string]bool, len(s.overrides)),
		audits:      append([]shared.AuditLog(nil), s.audits...),
	}
	for k, v := range s.users {
		out.users[k] = v
	}
	for k, v := range s.tenants {
		v.AddOns = append([]string(nil), v.AddOns...)
		out.tenants[k] = v
	}
	for k, v := range s.roles {
		v.PermissionKeys = append([]string(nil), v.PermissionKeys...)
		out.roles[k] = v
	}
	for k, v := range s.assignments {
		out.assignments[k] = append([]Assignment(nil), v...)
	}
	for k, v := range s.overrides {
		m := make(map[string]bool, len(v))
		for key, granted := range v {
			m[key] = granted
		}
		out.overrides[k] = m
	}
	return out
}

// memRepo is an in-memory Repository. Transactions run serially against a
// copy of the state that replaces it on commit.
type memRepo struct {
	mu        sync.RWMutex
	txMu      sync.Mutex
	state     *memState
	snapshots atomic.Int32
	failAudit atomic.Bool
}

func newMemRepo() *memRepo {
	return &memRepo{state: &memState{
		users:       map[uuid.UUID]User{},
		tenants:     map[uuid.UUID]Tenant{},
		roles:       map[uuid.UUID]Role{},
		assignments: map[uuid.UUID][]Assignment{},
		overrides:   map[uuid.UUID]map[string]bool{},
	}}
}

func (m *memRepo) addTenant(tier catalog.Tier, addOns ...string) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.state.tenants[id] = Tenant{ID: id, PlanTier: tier, AddOns: addOns, PlanGeneration: 1}
	return id
}

func (m *memRepo) addUser(tenantID uuid.UUID, owner bool) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.state.users[id] = User{ID: id, TenantID: tenantID, IsOwner: owner, Generation: 1}
	return id
}

func (m *memRepo) addRole(tenantID *uuid.UUID, name string, deletable bool, keys ...string) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	role := newRole(tenantID, name, append([]string(nil), keys...))
	role.IsDeletable = deletable
	role.IsSystemDefault = !deletable
	m.state.roles[role.ID] = role
	return role.ID
}

func (m *memRepo) assign(userID uuid.UUID, roleIDs ...uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Assignment
	for i, id := range roleIDs {
		out = append(out, Assignment{UserID: userID, RoleID: id, IsPrimary: i == 0})
	}
	m.state.assignments[userID] = out
}

func (m *memRepo) read() *memState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *memRepo) Snapshot(_ context.Context, userID uuid.UUID) (Snapshot, error) {
	m.snapshots.Add(1)
	s := m.read()
	user, ok := s.users[userID]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	snap := Snapshot{User: user, Tenant: s.tenants[user.TenantID]}
	for _, a := range s.assignments[userID] {
		role := s.roles[a.RoleID]
		if role.BelongsTo(user.TenantID) {
			snap.Roles = append(snap.Roles, role)
		}
	}
	snap.Overrides = overridesOf(s, userID)
	return snap, nil
}

func overridesOf(s *memState, userID uuid.UUID) []Override {
	var out []Override
	for key, granted := range s.overrides[userID] {
		out = append(out, Override{UserID: userID, PermissionKey: key, Granted: granted})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PermissionKey < out[j].PermissionKey })
	return out
}

func (m *memRepo) GetUser(_ context.Context, userID uuid.UUID) (User, error) {
	u, ok := m.read().users[userID]
	if !ok {
		return User{}, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	return u, nil
}

func (m *memRepo) GetTenant(_ context.Context, tenantID uuid.UUID) (Tenant, error) {
	t, ok := m.read().tenants[tenantID]
	if !ok {
		return Tenant{}, fmt.Errorf("%w: tenant %s", ErrNotFound, tenantID)
	}
	return t, nil
}

func (m *memRepo) GetRole(_ context.Context, roleID uuid.UUID) (Role, error) {
	r, ok := m.read().roles[roleID]
	if !ok {
		return Role{}, fmt.Errorf("%w: role %s", ErrNotFound, roleID)
	}
	return r, nil
}

func (m *memRepo) RolesForTenant(_ context.Context, tenantID uuid.UUID) ([]Role, error) {
	return m.filterRoles(func(r Role) bool { return r.BelongsTo(tenantID) }), nil
}

func (m *memRepo) RolesForUser(ctx context.Context, userID uuid.UUID) ([]Role, error) {
	snap, err := m.Snapshot(ctx, userID)
	return snap.Roles, err
}

func (m *memRepo) OverridesForUser(_ context.Context, userID uuid.UUID) ([]Override, error) {
	return overridesOf(m.read(), userID), nil
}

func (m *memRepo) ListTemplates(context.Context) ([]Role, error) {
	return m.filterRoles(Role.IsTemplate), nil
}

func (m *memRepo) filterRoles(keep func(Role) bool) []Role {
	var out []Role
	for _, r := range m.read().roles {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *memRepo) BumpGeneration(ctx context.Context, key permcache.GenKey) (int64, error) {
	var gen int64
	err := m.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		gen, err = tx.BumpGeneration(ctx, key)
		return err
	})
	return gen, err
}

func (m *memRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	tx := &memTx{repo: m, s: m.read().clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.mu.Lock()
	m.state = tx.s
	m.mu.Unlock()
	return nil
}

func (m *memRepo) audits() []shared.AuditLog {
	return m.read().audits
}

type memTx struct {
	repo *memRepo
	s    *memState
}

func (t *memTx) LockRole(_ context.Context, roleID uuid.UUID) (Role, error) {
	r, ok := t.s.roles[roleID]
	if !ok {
		return Role{}, fmt.Errorf("%w: role %s", ErrNotFound, roleID)
	}
	return r, nil
}

func (t *memTx) LockRolesShared(_ context.Context, roleIDs []uuid.UUID) ([]Role, error) {
	var out []Role
	for _, id := range roleIDs {
		if r, ok := t.s.roles[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (t *memTx) LockUser(_ context.Context, userID uuid.UUID) (User, error) {
	u, ok := t.s.users[userID]
	if !ok {
		return User{}, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	return u, nil
}

func (t *memTx) LockTenant(_ context.Context, tenantID uuid.UUID) (Tenant, error) {
	tn, ok := t.s.tenants[tenantID]
	if !ok {
		return Tenant{}, fmt.Errorf("%w: tenant %s", ErrNotFound, tenantID)
	}
	return tn, nil
}

func (t *memTx) nameTaken(tenantID *uuid.UUID, name string, except uuid.UUID) bool {
	folded := foldName(name)
	for _, r := range t.s.roles {
		if r.ID == except || foldName(r.Name) != folded {
			continue
		}
		if (r.TenantID == nil && tenantID == nil) || (r.TenantID != nil && tenantID != nil && *r.TenantID == *tenantID) {
			return true
		}
	}
	return false
}

func (t *memTx) InsertRole(_ context.Context, role Role) error {
	if t.nameTaken(role.TenantID, role.Name, uuid.Nil) {
		return fmt.Errorf("%w: %s", ErrDuplicateName, role.Name)
	}
	role.PermissionKeys = append([]string(nil), role.PermissionKeys...)
	t.s.roles[role.ID] = role
	return nil
}

func (t *memTx) RenameRole(_ context.Context, roleID uuid.UUID, name string) error {
	r := t.s.roles[roleID]
	if t.nameTaken(r.TenantID, name, roleID) {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	r.Name = name
	t.s.roles[roleID] = r
	return nil
}

func (t *memTx) AddRolePermissions(_ context.Context, roleID uuid.UUID, keys []string) error {
	r := t.s.roles[roleID]
	set := NewPermissionSet(r.PermissionKeys...)
	for _, k := range keys {
		set[k] = struct{}{}
	}
	r.PermissionKeys = set.Keys()
	t.s.roles[roleID] = r
	return nil
}

func (t *memTx) RemoveRolePermissions(_ context.Context, roleID uuid.UUID, keys []string) error {
	r := t.s.roles[roleID]
	set := NewPermissionSet(r.PermissionKeys...)
	for _, k := range keys {
		delete(set, k)
	}
	r.PermissionKeys = set.Keys()
	t.s.roles[roleID] = r
	return nil
}

func (t *memTx) DeleteRole(_ context.Context, roleID uuid.UUID) error {
	if _, ok := t.s.roles[roleID]; !ok {
		return fmt.Errorf("%w: role %s", ErrNotFound, roleID)
	}
	delete(t.s.roles, roleID)
	return nil
}

func (t *memTx) CountAssignments(_ context.Context, roleID uuid.UUID) (int, error) {
	n := 0
	for _, as := range t.s.assignments {
		for _, a := range as {
			if a.RoleID == roleID {
				n++
			}
		}
	}
	return n, nil
}

func (t *memTx) UserAssignments(_ context.Context, userID uuid.UUID) ([]Assignment, error) {
	return append([]Assignment(nil), t.s.assignments[userID]...), nil
}

func (t *memTx) ReplaceAssignments(_ context.Context, user User, assignments []Assignment) error {
	for _, a := range assignments {
		if !t.s.roles[a.RoleID].BelongsTo(user.TenantID) {
			return fmt.Errorf("%w: role %s", ErrTenantMismatch, a.RoleID)
		}
	}
	t.s.assignments[user.ID] = append([]Assignment(nil), assignments...)
	return nil
}

func (t *memTx) UpsertOverride(_ context.Context, o Override) error {
	m, ok := t.s.overrides[o.UserID]
	if !ok {
		m = map[string]bool{}
		t.s.overrides[o.UserID] = m
	}
	m[o.PermissionKey] = o.Granted
	return nil
}

func (t *memTx) DeleteOverride(_ context.Context, userID uuid.UUID, key string) (bool, error) {
	m := t.s.overrides[userID]
	if _, ok := m[key]; !ok {
		return false, nil
	}
	delete(m, key)
	return true, nil
}

func (t *memTx) UpdateTenantPlan(_ context.Context, tenantID uuid.UUID, tier catalog.Tier, addOns []string) error {
	tn := t.s.tenants[tenantID]
	tn.PlanTier = tier
	tn.AddOns = append([]string(nil), addOns...)
	t.s.tenants[tenantID] = tn
	return nil
}

func (t *memTx) BumpGeneration(_ context.Context, key permcache.GenKey) (int64, error) {
	switch key.Scope {
	case permcache.ScopeUser:
		u, ok := t.s.users[key.ID]
		if !ok {
			break
		}
		u.Generation++
		t.s.users[key.ID] = u
		return u.Generation, nil
	case permcache.ScopeRole:
		r, ok := t.s.roles[key.ID]
		if !ok {
			break
		}
		r.Generation++
		t.s.roles[key.ID] = r
		return r.Generation, nil
	case permcache.ScopeTenant:
		tn, ok := t.s.tenants[key.ID]
		if !ok {
			break
		}
		tn.PlanGeneration++
		t.s.tenants[key.ID] = tn
		return tn.PlanGeneration, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrNotFound, key)
}

func (t *memTx) RecordAudit(_ context.Context, log shared.AuditLog) error {
	if t.repo.failAudit.Load() {
		return errors.New("audit store unavailable")
	}
	t.s.audits = append(t.s.audits, log)
	return nil
}
