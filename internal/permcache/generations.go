// Package permcache memoizes resolved permission sets per user and detects
// staleness through generation counters instead of broadcast invalidation.
package permcache

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Scope names the kind of input a generation counter tracks.
type Scope string

const (
	ScopeTenant Scope = "tenant"
	ScopeUser   Scope = "user"
	ScopeRole   Scope = "role"
)

// GenKey identifies one generation counter.
type GenKey struct {
	Scope Scope
	ID    uuid.UUID
}

func (k GenKey) String() string {
	return string(k.Scope) + ":" + k.ID.String()
}

// TenantKey returns the plan generation key of a tenant.
func TenantKey(id uuid.UUID) GenKey { return GenKey{Scope: ScopeTenant, ID: id} }

// UserKey returns the assignment/override generation key of a user.
func UserKey(id uuid.UUID) GenKey { return GenKey{Scope: ScopeUser, ID: id} }

// RoleKey returns the permission-set generation key of a role.
func RoleKey(id uuid.UUID) GenKey { return GenKey{Scope: ScopeRole, ID: id} }

// Generation is a counter value observed for a key.
type Generation struct {
	Key   GenKey
	Value int64
}

// GenerationStore mirrors the authoritative generation counters. Values only
// move forward; unknown keys read as zero.
type GenerationStore interface {
	Current(ctx context.Context, keys []GenKey) ([]int64, error)
	Advance(ctx context.Context, gens []Generation) error
}

// MemoryGenerations is a process-local GenerationStore.
type MemoryGenerations struct {
	mu     sync.RWMutex
	values map[GenKey]int64
}

// NewMemoryGenerations constructs an empty MemoryGenerations.
func NewMemoryGenerations() *MemoryGenerations {
	return &MemoryGenerations{values: make(map[GenKey]int64)}
}

// Current implements GenerationStore.
func (m *MemoryGenerations) Current(_ context.Context, keys []GenKey) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int64, len(keys))
	for i, k := range keys {
		out[i] = m.values[k]
	}
	return out, nil
}

// Advance implements GenerationStore.
func (m *MemoryGenerations) Advance(_ context.Context, gens []Generation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range gens {
		if g.Value > m.values[g.Key] {
			m.values[g.Key] = g.Value
		}
	}
	return nil
}
