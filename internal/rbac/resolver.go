package rbac

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/gatekeeper/internal/catalog"
	"github.com/odyssey-erp/gatekeeper/internal/permcache"
)

// Resolve computes the effective permission set of snap.User.
//
// Owners hold every catalog key. Everyone else gets the union of their role
// keys plus granted overrides, minus revoked overrides, restricted to keys
// the tenant's plan or add-ons unlock. Keys the catalog does not know are
// dropped rather than reported.
func Resolve(snap Snapshot, view *catalog.View) PermissionSet {
	if snap.User.IsOwner {
		all := make(PermissionSet, view.Len())
		for _, p := range view.AllKeys() {
			all[p.Key] = struct{}{}
		}
		return all
	}

	combined := PermissionSet{}
	for _, role := range snap.Roles {
		if !role.BelongsTo(snap.User.TenantID) {
			continue
		}
		for _, k := range role.PermissionKeys {
			combined[k] = struct{}{}
		}
	}
	for _, o := range snap.Overrides {
		if o.Granted {
			combined[o.PermissionKey] = struct{}{}
		}
	}
	for _, o := range snap.Overrides {
		if !o.Granted {
			delete(combined, o.PermissionKey)
		}
	}
	for k := range combined {
		if !view.PassesGate(k, snap.Tenant.PlanTier, snap.Tenant.AddOns) {
			delete(combined, k)
		}
	}
	return combined
}

// Reason explains a Decision.
type Reason string

const (
	ReasonOwner          Reason = "owner"
	ReasonRole           Reason = "role"
	ReasonOverrideGrant  Reason = "override-grant"
	ReasonOverrideRevoke Reason = "override-revoke"
	ReasonPlanGate       Reason = "plan-gate"
	ReasonUnknownKey     Reason = "unknown-key"
	ReasonNotGranted     Reason = "not-granted"
)

// Decision describes why a single key is or is not effective for a user.
type Decision struct {
	UserID      uuid.UUID    `json:"user_id"`
	Key         string       `json:"key"`
	Allowed     bool         `json:"allowed"`
	Reason      Reason       `json:"reason"`
	Roles       []string     `json:"roles,omitempty"`
	PlanTier    catalog.Tier `json:"plan_tier"`
	MinPlanTier catalog.Tier `json:"min_plan_tier"`
}

// Explain reports the decision Resolve makes for key, with the roles that
// grant it. It always agrees with Resolve.
func Explain(snap Snapshot, view *catalog.View, key string) Decision {
	d := Decision{UserID: snap.User.ID, Key: key, PlanTier: snap.Tenant.PlanTier}
	perm, err := view.Lookup(key)
	if err != nil {
		d.Reason = ReasonUnknownKey
		return d
	}
	d.MinPlanTier = perm.MinTier
	if snap.User.IsOwner {
		d.Allowed, d.Reason = true, ReasonOwner
		return d
	}

	for _, role := range snap.Roles {
		if !role.BelongsTo(snap.User.TenantID) {
			continue
		}
		for _, k := range role.PermissionKeys {
			if k == key {
				d.Roles = append(d.Roles, role.Name)
				break
			}
		}
	}
	sort.Strings(d.Roles)

	granted := len(d.Roles) > 0
	d.Reason = ReasonRole
	for _, o := range snap.Overrides {
		if o.PermissionKey != key {
			continue
		}
		if !o.Granted {
			d.Reason = ReasonOverrideRevoke
			return d
		}
		if !granted {
			d.Reason = ReasonOverrideGrant
		}
		granted = true
	}
	if !granted {
		d.Reason = ReasonNotGranted
		return d
	}
	if !view.PassesGate(key, snap.Tenant.PlanTier, snap.Tenant.AddOns) {
		d.Reason = ReasonPlanGate
		return d
	}
	d.Allowed = true
	return d
}

// newEntry packages a resolution for the cache with every generation the
// snapshot observed.
func newEntry(snap Snapshot, view *catalog.View, perms PermissionSet) *permcache.Entry {
	deps := make([]permcache.Generation, 0, len(snap.Roles)+2)
	deps = append(deps,
		permcache.Generation{Key: permcache.TenantKey(snap.Tenant.ID), Value: snap.Tenant.PlanGeneration},
		permcache.Generation{Key: permcache.UserKey(snap.User.ID), Value: snap.User.Generation},
	)
	for _, role := range snap.Roles {
		deps = append(deps, permcache.Generation{Key: permcache.RoleKey(role.ID), Value: role.Generation})
	}
	return &permcache.Entry{
		UserID:         snap.User.ID,
		TenantID:       snap.User.TenantID,
		Permissions:    perms,
		CatalogVersion: view.Version(),
		Deps:           deps,
		ResolvedAt:     time.Now(),
	}
}
