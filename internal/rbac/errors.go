package rbac

import "errors"

var (
	// ErrNotFound indicates an unknown user, role or tenant.
	ErrNotFound = errors.New("rbac: not found")
	// ErrUnknownPermission indicates a write referencing a key missing from the catalog.
	ErrUnknownPermission = errors.New("rbac: unknown permission")
	// ErrUnknownAddOn indicates a plan change referencing an add-on missing from the catalog.
	ErrUnknownAddOn = errors.New("rbac: unknown add-on")
	// ErrDuplicateName indicates a role name collision within a tenant.
	ErrDuplicateName = errors.New("rbac: duplicate role name")
	// ErrProtectedRole indicates a delete or rename of a non-deletable role.
	ErrProtectedRole = errors.New("rbac: protected role")
	// ErrRoleInUse indicates a delete of a role that is still assigned.
	ErrRoleInUse = errors.New("rbac: role in use")
	// ErrTenantMismatch indicates a cross-tenant assignment or clone.
	ErrTenantMismatch = errors.New("rbac: tenant mismatch")
	// ErrInvalidInput indicates a malformed request.
	ErrInvalidInput = errors.New("rbac: invalid input")
)
