package permcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// Cache lookup outcomes reported to the Observer.
const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultStale = "stale"
	ResultError = "error"
)

// ErrNotPropagated reports a committed write whose generations could not be
// published to the mirror. They are kept and replayed by Replay.
var ErrNotPropagated = errors.New("permcache: generations not propagated")

// Entry is a resolved permission set together with every generation it was
// computed from. Entries are immutable once stored.
type Entry struct {
	UserID         uuid.UUID
	TenantID       uuid.UUID
	Permissions    map[string]struct{}
	CatalogVersion uint64
	Deps           []Generation
	ResolvedAt     time.Time
}

// Has reports whether key is in the entry's permission set.
func (e *Entry) Has(key string) bool {
	_, ok := e.Permissions[key]
	return ok
}

// Bumper increments an authoritative generation counter and returns its new value.
type Bumper interface {
	BumpGeneration(ctx context.Context, key GenKey) (int64, error)
}

// Versioner reports the version of the permission catalog.
type Versioner interface {
	Version() uint64
}

// Observer receives cache lookup outcomes.
type Observer interface {
	ObserveCache(result string)
}

// Loader resolves a fresh entry for a user.
type Loader func(ctx context.Context) (*Entry, error)

// Options configures a Cache.
type Options struct {
	// Size bounds the number of local entries. Zero means unbounded.
	Size int
	// TTL bounds how long an entry may be served. Zero disables expiry.
	TTL time.Duration
	// ResolveTimeout bounds a coalesced resolution on a miss.
	ResolveTimeout time.Duration
	// AdvanceAttempts bounds mirror writes after a committed change.
	AdvanceAttempts int
	// AdvanceBackoff is the pause before the second attempt; it doubles after.
	AdvanceBackoff time.Duration
	Logger         *slog.Logger
	Observer       Observer
}

// Cache memoizes entries per user.
type Cache struct {
	entries        *expirable.LRU[uuid.UUID, *Entry]
	gens           GenerationStore
	bumper         Bumper
	catalog        Versioner
	group          singleflight.Group
	resolveTimeout time.Duration
	attempts       int
	backoff        time.Duration
	logger         *slog.Logger
	observer       Observer

	mu      sync.Mutex
	pending map[GenKey]int64
}

// New constructs a Cache.
func New(gens GenerationStore, bumper Bumper, catalog Versioner, opts Options) *Cache {
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = 5 * time.Second
	}
	if opts.AdvanceAttempts <= 0 {
		opts.AdvanceAttempts = 3
	}
	if opts.AdvanceBackoff <= 0 {
		opts.AdvanceBackoff = 25 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache{
		entries:        expirable.NewLRU[uuid.UUID, *Entry](opts.Size, nil, opts.TTL),
		gens:           gens,
		bumper:         bumper,
		catalog:        catalog,
		resolveTimeout: opts.ResolveTimeout,
		attempts:       opts.AdvanceAttempts,
		backoff:        opts.AdvanceBackoff,
		logger:         opts.Logger,
		observer:       opts.Observer,
		pending:        make(map[GenKey]int64),
	}
}

// Get returns the cached entry for userID when it is still valid.
func (c *Cache) Get(ctx context.Context, userID uuid.UUID) (*Entry, bool) {
	e, ok := c.entries.Get(userID)
	if !ok {
		c.observe(ResultMiss)
		return nil, false
	}
	valid, err := c.valid(ctx, e)
	if err != nil {
		c.logger.Warn("permcache: read generations", slog.String("user_id", userID.String()), slog.Any("error", err))
		c.observe(ResultError)
		return nil, false
	}
	if !valid {
		c.entries.Remove(userID)
		c.observe(ResultStale)
		return nil, false
	}
	c.observe(ResultHit)
	return e, true
}

// Put stores e and advances the generation mirror to the values e observed.
func (c *Cache) Put(ctx context.Context, e *Entry) {
	if e == nil {
		return
	}
	if err := c.gens.Advance(ctx, e.Deps); err != nil {
		c.logger.Warn("permcache: advance on put", slog.String("user_id", e.UserID.String()), slog.Any("error", err))
	}
	c.entries.Add(e.UserID, e)
}

// Load returns the cached entry or resolves one with loader. Concurrent
// misses for the same user share one resolution, which runs with its own
// bounded timeout; each caller stops waiting when its own ctx ends. The
// boolean reports a cache hit.
func (c *Cache) Load(ctx context.Context, userID uuid.UUID, loader Loader) (*Entry, bool, error) {
	if e, ok := c.Get(ctx, userID); ok {
		return e, true, nil
	}
	ch := c.group.DoChan(userID.String(), func() (any, error) {
		return c.resolve(ctx, loader)
	})
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		e := res.Val.(*Entry)
		if !res.Shared {
			return e, false, nil
		}
		// A shared resolution may have started before a write this caller
		// already observed.
		if valid, err := c.valid(ctx, e); err == nil && valid {
			return e, false, nil
		}
		e, err := c.resolve(ctx, loader)
		if err != nil {
			return nil, false, err
		}
		return e, false, nil
	}
}

func (c *Cache) resolve(ctx context.Context, loader Loader) (*Entry, error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.resolveTimeout)
	defer cancel()
	e, err := loader(rctx)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, errors.New("permcache: loader returned no entry")
	}
	c.Put(rctx, e)
	return e, nil
}

// Advance moves the mirror forward after a committed write, retrying with
// backoff. When every attempt fails the local entries are dropped, the
// generations are queued for Replay and the returned error wraps
// ErrNotPropagated. Other processes may serve the previous set until the
// queue drains or their entries expire.
func (c *Cache) Advance(ctx context.Context, gens ...Generation) error {
	if len(gens) == 0 {
		return nil
	}
	all := append(c.pendingGenerations(), gens...)
	err := c.advanceWithRetry(ctx, all)
	if err == nil {
		c.clearPending(all)
		return nil
	}
	c.logger.Error("permcache: advance generations, purging local cache",
		slog.Int("pending", len(all)), slog.Any("error", err))
	c.entries.Purge()
	c.queue(gens)
	return fmt.Errorf("%w: %v", ErrNotPropagated, err)
}

// Replay publishes generations left over from failed advances.
func (c *Cache) Replay(ctx context.Context) error {
	gens := c.pendingGenerations()
	if len(gens) == 0 {
		return nil
	}
	if err := c.gens.Advance(ctx, gens); err != nil {
		return err
	}
	c.clearPending(gens)
	c.logger.Info("permcache: replayed pending generations", slog.Int("count", len(gens)))
	return nil
}

// RunReplay calls Replay every interval until ctx ends.
func (c *Cache) RunReplay(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Replay(ctx); err != nil {
				c.logger.Warn("permcache: replay pending generations", slog.Int("pending", c.Pending()), slog.Any("error", err))
			}
		}
	}
}

// Pending returns the number of generations waiting for Replay.
func (c *Cache) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Cache) advanceWithRetry(ctx context.Context, gens []Generation) error {
	wait := c.backoff
	var err error
	for attempt := 1; ; attempt++ {
		if err = c.gens.Advance(ctx, gens); err == nil {
			return nil
		}
		if attempt >= c.attempts {
			return err
		}
		c.logger.Warn("permcache: advance generations", slog.Int("attempt", attempt), slog.Any("error", err))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		wait *= 2
	}
}

func (c *Cache) queue(gens []Generation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, g := range gens {
		if g.Value > c.pending[g.Key] {
			c.pending[g.Key] = g.Value
		}
	}
}

func (c *Cache) pendingGenerations() []Generation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Generation, 0, len(c.pending))
	for k, v := range c.pending {
		out = append(out, Generation{Key: k, Value: v})
	}
	return out
}

// clearPending drops queued values the mirror now holds. A value queued
// concurrently with a higher generation stays.
func (c *Cache) clearPending(published []Generation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, g := range published {
		if v, ok := c.pending[g.Key]; ok && v <= g.Value {
			delete(c.pending, g.Key)
		}
	}
}

// Invalidate drops every cached result for userID.
func (c *Cache) Invalidate(ctx context.Context, userID uuid.UUID) error {
	c.entries.Remove(userID)
	return c.bump(ctx, UserKey(userID))
}

// InvalidateByRole drops the cached result of every user holding roleID.
func (c *Cache) InvalidateByRole(ctx context.Context, roleID uuid.UUID) error {
	return c.bump(ctx, RoleKey(roleID))
}

// InvalidateByTenant drops the cached result of every user in tenantID.
func (c *Cache) InvalidateByTenant(ctx context.Context, tenantID uuid.UUID) error {
	return c.bump(ctx, TenantKey(tenantID))
}

// Purge drops all local entries.
func (c *Cache) Purge() { c.entries.Purge() }

// Len returns the number of local entries, including stale ones not yet evicted.
func (c *Cache) Len() int { return c.entries.Len() }

func (c *Cache) bump(ctx context.Context, key GenKey) error {
	if c.bumper == nil {
		return errors.New("permcache: no generation bumper configured")
	}
	gen, err := c.bumper.BumpGeneration(ctx, key)
	if err != nil {
		return err
	}
	return c.Advance(ctx, Generation{Key: key, Value: gen})
}

func (c *Cache) valid(ctx context.Context, e *Entry) (bool, error) {
	if c.catalog != nil && e.CatalogVersion != c.catalog.Version() {
		return false, nil
	}
	if len(e.Deps) == 0 {
		return true, nil
	}
	keys := make([]GenKey, len(e.Deps))
	for i, d := range e.Deps {
		keys[i] = d.Key
	}
	current, err := c.gens.Current(ctx, keys)
	if err != nil {
		return false, err
	}
	for i, d := range e.Deps {
		if current[i] != d.Value {
			return false, nil
		}
	}
	return true, nil
}

func (c *Cache) observe(result string) {
	if c.observer != nil {
		c.observer.ObserveCache(result)
	}
}
