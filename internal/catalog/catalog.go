// Package catalog holds the registry of permission keys, their plan tier
// requirements and the add-ons that unlock them outside the tier ordering.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	// ErrNotFound indicates the permission key is not in the catalog.
	ErrNotFound = errors.New("catalog: permission not found")
	// ErrCatalogShrink is returned when a reload would drop a key, drop an
	// add-on or lower a key's plan tier.
	ErrCatalogShrink = errors.New("catalog: reload would shrink catalog")
	// ErrInvalidSeed indicates a malformed seed.
	ErrInvalidSeed = errors.New("catalog: invalid seed")
)

// Permission is a single catalog entry.
type Permission struct {
	Key         string `json:"key" yaml:"key"`
	Category    string `json:"category" yaml:"category"`
	MinTier     Tier   `json:"min_plan_tier" yaml:"min_plan_tier"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// AddOn is a named entitlement unlocking specific keys regardless of tier.
type AddOn struct {
	Name string   `json:"name" yaml:"name"`
	Keys []string `json:"keys" yaml:"keys"`
}

// Seed is the raw catalog content produced by a Source.
type Seed struct {
	Permissions []Permission `json:"permissions" yaml:"permissions"`
	AddOns      []AddOn      `json:"add_ons" yaml:"add_ons"`
}

// Source loads catalog seeds.
type Source interface {
	Load(ctx context.Context) (Seed, error)
}

// View is an immutable catalog state. All lookups made through one View are
// consistent with each other even while the Catalog reloads.
type View struct {
	version uint64
	ordered []Permission
	byKey   map[string]Permission
	addOns  map[string]map[string]struct{}
}

var emptyView = &View{byKey: map[string]Permission{}, addOns: map[string]map[string]struct{}{}}

// Version increases every time a reload changes the catalog.
func (v *View) Version() uint64 { return v.version }

// Lookup returns the permission registered under key.
func (v *View) Lookup(key string) (Permission, error) {
	p, ok := v.byKey[key]
	if !ok {
		return Permission{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return p, nil
}

// Contains reports whether key is registered.
func (v *View) Contains(key string) bool {
	_, ok := v.byKey[key]
	return ok
}

// AllKeys returns every permission ordered by key.
func (v *View) AllKeys() []Permission {
	out := make([]Permission, len(v.ordered))
	copy(out, v.ordered)
	return out
}

// Len returns the number of registered permissions.
func (v *View) Len() int { return len(v.ordered) }

// HasAddOn reports whether name is a registered add-on.
func (v *View) HasAddOn(name string) bool {
	_, ok := v.addOns[name]
	return ok
}

// AddOns returns registered add-ons ordered by name.
func (v *View) AddOns() []AddOn {
	out := make([]AddOn, 0, len(v.addOns))
	for name, keys := range v.addOns {
		out = append(out, AddOn{Name: name, Keys: sortedKeys(keys)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Unlocks reports whether any of the given add-ons unlocks key.
func (v *View) Unlocks(addOns []string, key string) bool {
	for _, name := range addOns {
		if keys, ok := v.addOns[name]; ok {
			if _, ok := keys[key]; ok {
				return true
			}
		}
	}
	return false
}

// PassesGate reports whether key is usable by a tenant on tier with addOns.
// Unknown keys never pass.
func (v *View) PassesGate(key string, tier Tier, addOns []string) bool {
	p, ok := v.byKey[key]
	if !ok {
		return false
	}
	if tier.Covers(p.MinTier) {
		return true
	}
	return v.Unlocks(addOns, key)
}

// Missing returns the keys that are not registered, deduplicated and sorted.
func (v *View) Missing(keys []string) []string {
	var missing []string
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if !v.Contains(k) {
			missing = append(missing, k)
		}
	}
	sort.Strings(missing)
	return missing
}

// Catalog serves the current View and reloads it from a Source.
type Catalog struct {
	source  Source
	logger  *slog.Logger
	mu      sync.Mutex
	current atomic.Pointer[View]
}

// New constructs an empty Catalog backed by source. Call Load before use.
func New(source Source, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{source: source, logger: logger}
	c.current.Store(emptyView)
	return c
}

// FromSeed builds a loaded Catalog from a static seed.
func FromSeed(seed Seed) (*Catalog, error) {
	view, err := buildView(seed, 1)
	if err != nil {
		return nil, err
	}
	c := &Catalog{logger: slog.Default()}
	c.current.Store(view)
	return c, nil
}

// View returns the current immutable catalog state.
func (c *Catalog) View() *View {
	return c.current.Load()
}

// Load performs the initial load. It is equivalent to Reload on an empty catalog.
func (c *Catalog) Load(ctx context.Context) error {
	_, err := c.Reload(ctx)
	return err
}

// Reload fetches the seed again and swaps it in when it only adds to the
// current catalog. It reports whether the catalog changed.
func (c *Catalog) Reload(ctx context.Context) (bool, error) {
	if c.source == nil {
		return false, errors.New("catalog: no source configured")
	}
	seed, err := c.source.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("catalog: load seed: %w", err)
	}
	return c.Apply(seed)
}

// Apply swaps in seed if it is a superset of the current catalog.
func (c *Catalog) Apply(seed Seed) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.current.Load()
	next, err := buildView(seed, old.version+1)
	if err != nil {
		return false, err
	}
	if err := checkAdditive(old, next); err != nil {
		c.logger.Error("catalog reload rejected", slog.Any("error", err))
		return false, err
	}
	if old.version > 0 && sameContent(old, next) {
		return false, nil
	}
	c.current.Store(next)
	c.logger.Info("catalog loaded",
		slog.Uint64("version", next.version),
		slog.Int("permissions", len(next.ordered)),
		slog.Int("add_ons", len(next.addOns)))
	return true, nil
}

// Version returns the current catalog version.
func (c *Catalog) Version() uint64 { return c.View().Version() }

// Lookup returns the permission registered under key.
func (c *Catalog) Lookup(key string) (Permission, error) { return c.View().Lookup(key) }

// AllKeys returns every permission ordered by key.
func (c *Catalog) AllKeys() []Permission { return c.View().AllKeys() }

func buildView(seed Seed, version uint64) (*View, error) {
	v := &View{
		version: version,
		byKey:   make(map[string]Permission, len(seed.Permissions)),
		addOns:  make(map[string]map[string]struct{}, len(seed.AddOns)),
	}
	for _, p := range seed.Permissions {
		p.Key = strings.TrimSpace(p.Key)
		p.Category = strings.TrimSpace(p.Category)
		if p.Key == "" {
			return nil, fmt.Errorf("%w: empty permission key", ErrInvalidSeed)
		}
		if !p.MinTier.Valid() {
			return nil, fmt.Errorf("%w: key %s has invalid tier", ErrInvalidSeed, p.Key)
		}
		if _, dup := v.byKey[p.Key]; dup {
			return nil, fmt.Errorf("%w: duplicate key %s", ErrInvalidSeed, p.Key)
		}
		v.byKey[p.Key] = p
		v.ordered = append(v.ordered, p)
	}
	sort.Slice(v.ordered, func(i, j int) bool { return v.ordered[i].Key < v.ordered[j].Key })

	for _, a := range seed.AddOns {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: empty add-on name", ErrInvalidSeed)
		}
		if _, dup := v.addOns[name]; dup {
			return nil, fmt.Errorf("%w: duplicate add-on %s", ErrInvalidSeed, name)
		}
		keys := make(map[string]struct{}, len(a.Keys))
		for _, k := range a.Keys {
			if _, ok := v.byKey[k]; !ok {
				return nil, fmt.Errorf("%w: add-on %s references unknown key %s", ErrInvalidSeed, name, k)
			}
			keys[k] = struct{}{}
		}
		v.addOns[name] = keys
	}
	return v, nil
}

func checkAdditive(old, next *View) error {
	for _, p := range old.ordered {
		np, ok := next.byKey[p.Key]
		if !ok {
			return fmt.Errorf("%w: key %s removed", ErrCatalogShrink, p.Key)
		}
		if np.MinTier < p.MinTier {
			return fmt.Errorf("%w: key %s lowered from %s to %s", ErrCatalogShrink, p.Key, p.MinTier, np.MinTier)
		}
	}
	for name, keys := range old.addOns {
		nextKeys, ok := next.addOns[name]
		if !ok {
			return fmt.Errorf("%w: add-on %s removed", ErrCatalogShrink, name)
		}
		for k := range keys {
			if _, ok := nextKeys[k]; !ok {
				return fmt.Errorf("%w: key %s removed from add-on %s", ErrCatalogShrink, k, name)
			}
		}
	}
	return nil
}

func sameContent(a, b *View) bool {
	if len(a.ordered) != len(b.ordered) || len(a.addOns) != len(b.addOns) {
		return false
	}
	for i := range a.ordered {
		if a.ordered[i] != b.ordered[i] {
			return false
		}
	}
	for name, keys := range a.addOns {
		other, ok := b.addOns[name]
		if !ok || len(other) != len(keys) {
			return false
		}
		for k := range keys {
			if _, ok := other[k]; !ok {
				return false
			}
		}
	}
	return true
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
