package rbac

import (
	"context"

	"github.com/google/uuid"

	"github.com/odyssey-erp/gatekeeper/internal/catalog"
	"github.com/odyssey-erp/gatekeeper/internal/permcache"
	"github.com/odyssey-erp/gatekeeper/internal/shared"
)

// Repository is the persistence contract of the engine.
type Repository interface {
	// Snapshot reads the user, tenant, held roles and overrides in one
	// consistent read. Roles from other tenants are never returned.
	Snapshot(ctx context.Context, userID uuid.UUID) (Snapshot, error)

	GetUser(ctx context.Context, userID uuid.UUID) (User, error)
	GetTenant(ctx context.Context, tenantID uuid.UUID) (Tenant, error)
	GetRole(ctx context.Context, roleID uuid.UUID) (Role, error)
	RolesForTenant(ctx context.Context, tenantID uuid.UUID) ([]Role, error)
	RolesForUser(ctx context.Context, userID uuid.UUID) ([]Role, error)
	OverridesForUser(ctx context.Context, userID uuid.UUID) ([]Override, error)
	ListTemplates(ctx context.Context) ([]Role, error)

	// BumpGeneration increments an authoritative generation counter in its
	// own transaction.
	BumpGeneration(ctx context.Context, key permcache.GenKey) (int64, error)

	// WithTx runs fn in a transaction. Any error rolls every write back.
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes transactional operations. Lock* methods hold the
// row until the transaction ends.
type TxRepository interface {
	LockRole(ctx context.Context, roleID uuid.UUID) (Role, error)
	LockRolesShared(ctx context.Context, roleIDs []uuid.UUID) ([]Role, error)
	LockUser(ctx context.Context, userID uuid.UUID) (User, error)
	LockTenant(ctx context.Context, tenantID uuid.UUID) (Tenant, error)

	InsertRole(ctx context.Context, role Role) error
	RenameRole(ctx context.Context, roleID uuid.UUID, name string) error
	AddRolePermissions(ctx context.Context, roleID uuid.UUID, keys []string) error
	RemoveRolePermissions(ctx context.Context, roleID uuid.UUID, keys []string) error
	DeleteRole(ctx context.Context, roleID uuid.UUID) error
	CountAssignments(ctx context.Context, roleID uuid.UUID) (int, error)

	UserAssignments(ctx context.Context, userID uuid.UUID) ([]Assignment, error)
	ReplaceAssignments(ctx context.Context, user User, assignments []Assignment) error
	UpsertOverride(ctx context.Context, o Override) error
	DeleteOverride(ctx context.Context, userID uuid.UUID, key string) (bool, error)
	UpdateTenantPlan(ctx context.Context, tenantID uuid.UUID, tier catalog.Tier, addOns []string) error

	BumpGeneration(ctx context.Context, key permcache.GenKey) (int64, error)
	RecordAudit(ctx context.Context, log shared.AuditLog) error
}
