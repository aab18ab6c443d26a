package rbac

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/gatekeeper/internal/catalog"
)

// Role is a named set of permission keys. Template roles have a nil TenantID
// and are only used as clone sources.
type Role struct {
	ID              uuid.UUID  `json:"id"`
	TenantID        *uuid.UUID `json:"tenant_id,omitempty"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	IsSystemDefault bool       `json:"is_system_default"`
	IsDeletable     bool       `json:"is_deletable"`
	PermissionKeys  []string   `json:"permission_keys"`
	Generation      int64      `json:"-"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// IsTemplate reports whether the role is a global template.
func (r Role) IsTemplate() bool { return r.TenantID == nil }

// BelongsTo reports whether the role is scoped to tenantID.
func (r Role) BelongsTo(tenantID uuid.UUID) bool {
	return r.TenantID != nil && *r.TenantID == tenantID
}

// Assignment links a user to a role.
type Assignment struct {
	UserID    uuid.UUID `json:"user_id"`
	RoleID    uuid.UUID `json:"role_id"`
	IsPrimary bool      `json:"is_primary"`
}

// Override is a per-user grant or revoke of a single key.
type Override struct {
	UserID        uuid.UUID `json:"user_id"`
	PermissionKey string    `json:"permission_key"`
	Granted       bool      `json:"granted"`
}

// Tenant carries the plan gate inputs.
type Tenant struct {
	ID             uuid.UUID    `json:"id"`
	PlanTier       catalog.Tier `json:"plan_tier"`
	AddOns         []string     `json:"add_ons"`
	PlanGeneration int64        `json:"-"`
}

// User is the subject of resolution.
type User struct {
	ID         uuid.UUID `json:"id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	IsOwner    bool      `json:"is_owner"`
	Generation int64     `json:"-"`
}

// Snapshot is every input resolution needs, read at one point in time.
type Snapshot struct {
	User      User
	Tenant    Tenant
	Roles     []Role
	Overrides []Override
}

// PermissionSet is a set of permission keys.
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from keys.
func NewPermissionSet(keys ...string) PermissionSet {
	s := make(PermissionSet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Has reports whether key is in the set.
func (s PermissionSet) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Keys returns the members in sorted order.
func (s PermissionSet) Keys() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Clone returns an independent copy.
func (s PermissionSet) Clone() PermissionSet {
	out := make(PermissionSet, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}
