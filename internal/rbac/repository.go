package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/gatekeeper/internal/catalog"
	"github.com/odyssey-erp/gatekeeper/internal/permcache"
	"github.com/odyssey-erp/gatekeeper/internal/platform/db"
	"github.com/odyssey-erp/gatekeeper/internal/shared"
)

const roleSelect = `
	SELECT r.id, r.tenant_id, r.name, r.description, r.is_system_default, r.is_deletable,
	       r.generation, r.created_at, r.updated_at,
	       COALESCE(array_agg(rp.permission_key ORDER BY rp.permission_key)
	                FILTER (WHERE rp.permission_key IS NOT NULL), '{}')
	FROM roles r
	LEFT JOIN role_permissions rp ON rp.role_id = r.id`

// PostgresRepository provides PostgreSQL backed persistence.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// WithTx wraps callback in a read-committed transaction.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// Snapshot implements Repository.
func (r *PostgresRepository) Snapshot(ctx context.Context, userID uuid.UUID) (Snapshot, error) {
	var snap Snapshot
	err := db.WithSnapshot(ctx, r.pool, func(tx pgx.Tx) error {
		user, err := getUser(ctx, tx, userID, "")
		if err != nil {
			return err
		}
		tenant, err := getTenant(ctx, tx, user.TenantID, "")
		if err != nil {
			return err
		}
		roles, err := rolesForUser(ctx, tx, user)
		if err != nil {
			return err
		}
		overrides, err := overridesForUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		snap = Snapshot{User: user, Tenant: tenant, Roles: roles, Overrides: overrides}
		return nil
	})
	return snap, err
}

// GetUser implements Repository.
func (r *PostgresRepository) GetUser(ctx context.Context, userID uuid.UUID) (User, error) {
	return getUser(ctx, r.pool, userID, "")
}

// GetTenant implements Repository.
func (r *PostgresRepository) GetTenant(ctx context.Context, tenantID uuid.UUID) (Tenant, error) {
	return getTenant(ctx, r.pool, tenantID, "")
}

// GetRole implements Repository.
func (r *PostgresRepository) GetRole(ctx context.Context, roleID uuid.UUID) (Role, error) {
	return getRole(ctx, r.pool, roleID)
}

// RolesForTenant implements Repository.
func (r *PostgresRepository) RolesForTenant(ctx context.Context, tenantID uuid.UUID) ([]Role, error) {
	return queryRoles(ctx, r.pool, `WHERE r.tenant_id = $1 GROUP BY r.id ORDER BY r.name`, tenantID)
}

// RolesForUser implements Repository.
func (r *PostgresRepository) RolesForUser(ctx context.Context, userID uuid.UUID) ([]Role, error) {
	user, err := getUser(ctx, r.pool, userID, "")
	if err != nil {
		return nil, err
	}
	return rolesForUser(ctx, r.pool, user)
}

// OverridesForUser implements Repository.
func (r *PostgresRepository) OverridesForUser(ctx context.Context, userID uuid.UUID) ([]Override, error) {
	return overridesForUser(ctx, r.pool, userID)
}

// ListTemplates implements Repository.
func (r *PostgresRepository) ListTemplates(ctx context.Context) ([]Role, error) {
	return queryRoles(ctx, r.pool, `WHERE r.tenant_id IS NULL GROUP BY r.id ORDER BY r.name`)
}

// BumpGeneration implements Repository and permcache.Bumper.
func (r *PostgresRepository) BumpGeneration(ctx context.Context, key permcache.GenKey) (int64, error) {
	var gen int64
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		gen, err = bumpGeneration(ctx, tx, key)
		return err
	})
	return gen, err
}

type txRepo struct {
	tx pgx.Tx
}

func (t *txRepo) LockRole(ctx context.Context, roleID uuid.UUID) (Role, error) {
	var id uuid.UUID
	if err := t.tx.QueryRow(ctx, `SELECT id FROM roles WHERE id = $1 FOR UPDATE`, roleID).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, fmt.Errorf("%w: role %s", ErrNotFound, roleID)
		}
		return Role{}, err
	}
	return getRole(ctx, t.tx, roleID)
}

func (t *txRepo) LockRolesShared(ctx context.Context, roleIDs []uuid.UUID) ([]Role, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	if _, err := t.tx.Exec(ctx, `SELECT id FROM roles WHERE id = ANY($1) ORDER BY id FOR SHARE`, roleIDs); err != nil {
		return nil, err
	}
	return queryRoles(ctx, t.tx, `WHERE r.id = ANY($1) GROUP BY r.id`, roleIDs)
}

func (t *txRepo) LockUser(ctx context.Context, userID uuid.UUID) (User, error) {
	return getUser(ctx, t.tx, userID, " FOR UPDATE")
}

func (t *txRepo) LockTenant(ctx context.Context, tenantID uuid.UUID) (Tenant, error) {
	return getTenant(ctx, t.tx, tenantID, " FOR UPDATE")
}

func (t *txRepo) InsertRole(ctx context.Context, role Role) error {
	now := time.Now()
	_, err := t.tx.Exec(ctx, `
		INSERT INTO roles (id, tenant_id, name, name_folded, description, is_system_default, is_deletable, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		role.ID, role.TenantID, role.Name, foldName(role.Name), role.Description, role.IsSystemDefault, role.IsDeletable, now)
	if err != nil {
		if db.IsConstraint(err, db.CodeUniqueViolation, "") {
			return fmt.Errorf("%w: %s", ErrDuplicateName, role.Name)
		}
		return err
	}
	return t.AddRolePermissions(ctx, role.ID, role.PermissionKeys)
}

func (t *txRepo) RenameRole(ctx context.Context, roleID uuid.UUID, name string) error {
	_, err := t.tx.Exec(ctx, `UPDATE roles SET name = $2, name_folded = $3, updated_at = NOW() WHERE id = $1`, roleID, name, foldName(name))
	if db.IsConstraint(err, db.CodeUniqueViolation, "") {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	return err
}

func (t *txRepo) AddRolePermissions(ctx context.Context, roleID uuid.UUID, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO role_permissions (role_id, permission_key)
		SELECT $1, unnest($2::text[])
		ON CONFLICT DO NOTHING`, roleID, keys)
	if db.IsConstraint(err, db.CodeForeignKeyViolation, "") {
		return fmt.Errorf("%w: %v", ErrUnknownPermission, keys)
	}
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `UPDATE roles SET updated_at = NOW() WHERE id = $1`, roleID)
	return err
}

func (t *txRepo) RemoveRolePermissions(ctx context.Context, roleID uuid.UUID, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND permission_key = ANY($2)`, roleID, keys); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `UPDATE roles SET updated_at = NOW() WHERE id = $1`, roleID)
	return err
}

func (t *txRepo) DeleteRole(ctx context.Context, roleID uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM roles WHERE id = $1`, roleID)
	if err != nil {
		if db.IsConstraint(err, db.CodeForeignKeyViolation, "fk_assignment_role") {
			return fmt.Errorf("%w: role %s", ErrRoleInUse, roleID)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: role %s", ErrNotFound, roleID)
	}
	return nil
}

func (t *txRepo) CountAssignments(ctx context.Context, roleID uuid.UUID) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM user_role_assignments WHERE role_id = $1`, roleID).Scan(&n)
	return n, err
}

func (t *txRepo) UserAssignments(ctx context.Context, userID uuid.UUID) ([]Assignment, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT user_id, role_id, is_primary
		FROM user_role_assignments
		WHERE user_id = $1
		ORDER BY is_primary DESC, assigned_at, role_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.UserID, &a.RoleID, &a.IsPrimary); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *txRepo) ReplaceAssignments(ctx context.Context, user User, assignments []Assignment) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM user_role_assignments WHERE user_id = $1`, user.ID); err != nil {
		return err
	}
	for _, a := range assignments {
		_, err := t.tx.Exec(ctx, `
			INSERT INTO user_role_assignments (tenant_id, user_id, role_id, is_primary)
			VALUES ($1, $2, $3, $4)`, user.TenantID, user.ID, a.RoleID, a.IsPrimary)
		if err != nil {
			if db.IsConstraint(err, db.CodeForeignKeyViolation, "fk_assignment_role") {
				return fmt.Errorf("%w: role %s", ErrTenantMismatch, a.RoleID)
			}
			return err
		}
	}
	return nil
}

func (t *txRepo) UpsertOverride(ctx context.Context, o Override) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO user_overrides (user_id, permission_key, granted, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id, permission_key) DO UPDATE
		SET granted = EXCLUDED.granted, updated_at = EXCLUDED.updated_at`,
		o.UserID, o.PermissionKey, o.Granted)
	if db.IsConstraint(err, db.CodeForeignKeyViolation, "") {
		return fmt.Errorf("%w: %s", ErrUnknownPermission, o.PermissionKey)
	}
	return err
}

func (t *txRepo) DeleteOverride(ctx context.Context, userID uuid.UUID, key string) (bool, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM user_overrides WHERE user_id = $1 AND permission_key = $2`, userID, key)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (t *txRepo) UpdateTenantPlan(ctx context.Context, tenantID uuid.UUID, tier catalog.Tier, addOns []string) error {
	if addOns == nil {
		addOns = []string{}
	}
	_, err := t.tx.Exec(ctx, `UPDATE tenants SET plan_tier = $2, add_ons = $3, updated_at = NOW() WHERE id = $1`, tenantID, tier.String(), addOns)
	return err
}

func (t *txRepo) BumpGeneration(ctx context.Context, key permcache.GenKey) (int64, error) {
	return bumpGeneration(ctx, t.tx, key)
}

func (t *txRepo) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	return shared.WriteAudit(ctx, t.tx, log)
}

func bumpGeneration(ctx context.Context, q db.Querier, key permcache.GenKey) (int64, error) {
	var query string
	switch key.Scope {
	case permcache.ScopeRole:
		query = `UPDATE roles SET generation = generation + 1 WHERE id = $1 RETURNING generation`
	case permcache.ScopeUser:
		query = `UPDATE users SET generation = generation + 1 WHERE id = $1 RETURNING generation`
	case permcache.ScopeTenant:
		query = `UPDATE tenants SET plan_generation = plan_generation + 1 WHERE id = $1 RETURNING plan_generation`
	default:
		return 0, fmt.Errorf("rbac: unknown generation scope %q", key.Scope)
	}
	var gen int64
	if err := q.QueryRow(ctx, query, key.ID).Scan(&gen); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return 0, err
	}
	return gen, nil
}

func getUser(ctx context.Context, q db.Querier, userID uuid.UUID, lock string) (User, error) {
	var u User
	err := q.QueryRow(ctx, `SELECT id, tenant_id, is_owner, generation FROM users WHERE id = $1`+lock, userID).
		Scan(&u.ID, &u.TenantID, &u.IsOwner, &u.Generation)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, fmt.Errorf("%w: user %s", ErrNotFound, userID)
		}
		return User{}, err
	}
	return u, nil
}

func getTenant(ctx context.Context, q db.Querier, tenantID uuid.UUID, lock string) (Tenant, error) {
	var t Tenant
	var tier string
	err := q.QueryRow(ctx, `SELECT id, plan_tier, add_ons, plan_generation FROM tenants WHERE id = $1`+lock, tenantID).
		Scan(&t.ID, &tier, &t.AddOns, &t.PlanGeneration)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tenant{}, fmt.Errorf("%w: tenant %s", ErrNotFound, tenantID)
		}
		return Tenant{}, err
	}
	if t.PlanTier, err = catalog.ParseTier(tier); err != nil {
		return Tenant{}, err
	}
	return t, nil
}

func getRole(ctx context.Context, q db.Querier, roleID uuid.UUID) (Role, error) {
	roles, err := queryRoles(ctx, q, `WHERE r.id = $1 GROUP BY r.id`, roleID)
	if err != nil {
		return Role{}, err
	}
	if len(roles) == 0 {
		return Role{}, fmt.Errorf("%w: role %s", ErrNotFound, roleID)
	}
	return roles[0], nil
}

func rolesForUser(ctx context.Context, q db.Querier, user User) ([]Role, error) {
	return queryRoles(ctx, q, `
		JOIN user_role_assignments a ON a.role_id = r.id AND a.user_id = $1
		WHERE r.tenant_id = $2
		GROUP BY r.id, a.is_primary
		ORDER BY a.is_primary DESC, r.name`, user.ID, user.TenantID)
}

func overridesForUser(ctx context.Context, q db.Querier, userID uuid.UUID) ([]Override, error) {
	rows, err := q.Query(ctx, `
		SELECT user_id, permission_key, granted
		FROM user_overrides
		WHERE user_id = $1
		ORDER BY permission_key`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Override
	for rows.Next() {
		var o Override
		if err := rows.Scan(&o.UserID, &o.PermissionKey, &o.Granted); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func queryRoles(ctx context.Context, q db.Querier, tail string, args ...any) ([]Role, error) {
	rows, err := q.Query(ctx, roleSelect+"\n"+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(
			&role.ID,
			&role.TenantID,
			&role.Name,
			&role.Description,
			&role.IsSystemDefault,
			&role.IsDeletable,
			&role.Generation,
			&role.CreatedAt,
			&role.UpdatedAt,
			&role.PermissionKeys,
		); err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}
