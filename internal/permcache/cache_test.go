package permcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBumper struct {
	mu     sync.Mutex
	values map[GenKey]int64
}

func newFakeBumper() *fakeBumper {
	return &fakeBumper{values: make(map[GenKey]int64)}
}

func (b *fakeBumper) BumpGeneration(_ context.Context, key GenKey) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[key]++
	return b.values[key], nil
}

type fixedVersion struct{ v atomic.Uint64 }

func (f *fixedVersion) Version() uint64 { return f.v.Load() }

type recordingObserver struct {
	mu      sync.Mutex
	results []string
}

func (o *recordingObserver) ObserveCache(result string) {
	o.mu.Lock()
	o.results = append(o.results, result)
	o.mu.Unlock()
}

func (o *recordingObserver) count(result string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, r := range o.results {
		if r == result {
			n++
		}
	}
	return n
}

// flakyGenerations fails Advance while failAdvance is set, and for the next
// failNext calls.
type flakyGenerations struct {
	*MemoryGenerations
	failAdvance atomic.Bool
	failNext    atomic.Int32
	calls       atomic.Int32
}

func (f *flakyGenerations) Advance(ctx context.Context, gens []Generation) error {
	f.calls.Add(1)
	if f.failAdvance.Load() || f.failNext.Add(-1) >= 0 {
		return errors.New("mirror unavailable")
	}
	return f.MemoryGenerations.Advance(ctx, gens)
}

type fixture struct {
	cache    *Cache
	gens     GenerationStore
	bumper   *fakeBumper
	version  *fixedVersion
	observer *recordingObserver
}

func newFixture(t *testing.T, gens GenerationStore) *fixture {
	t.Helper()
	if gens == nil {
		gens = NewMemoryGenerations()
	}
	f := &fixture{gens: gens, bumper: newFakeBumper(), version: &fixedVersion{}, observer: &recordingObserver{}}
	f.version.v.Store(1)
	f.cache = New(gens, f.bumper, f.version, Options{
		Size:           16,
		ResolveTimeout: time.Second,
		AdvanceBackoff: time.Millisecond,
		Observer:       f.observer,
	})
	return f
}

func entryFor(userID, tenantID, roleID uuid.UUID, version uint64, keys ...string) *Entry {
	perms := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		perms[k] = struct{}{}
	}
	return &Entry{
		UserID:         userID,
		TenantID:       tenantID,
		Permissions:    perms,
		CatalogVersion: version,
		Deps: []Generation{
			{Key: TenantKey(tenantID), Value: 1},
			{Key: UserKey(userID), Value: 1},
			{Key: RoleKey(roleID), Value: 1},
		},
		ResolvedAt: time.Now(),
	}
}

func countingLoader(calls *atomic.Int32, build func() *Entry) Loader {
	return func(ctx context.Context) (*Entry, error) {
		calls.Add(1)
		return build(), nil
	}
}

func TestLoadCachesAfterFirstResolution(t *testing.T) {
	f := newFixture(t, nil)
	user, tenant, role := uuid.New(), uuid.New(), uuid.New()
	var calls atomic.Int32
	loader := countingLoader(&calls, func() *Entry { return entryFor(user, tenant, role, 1, "orders:view") })

	e, hit, err := f.cache.Load(context.Background(), user, loader)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.True(t, e.Has("orders:view"))

	e, hit, err = f.cache.Load(context.Background(), user, loader)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.True(t, e.Has("orders:view"))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, f.observer.count(ResultMiss))
	assert.Equal(t, 1, f.observer.count(ResultHit))
}

func TestEntryGoesStaleWhenAnyDependencyAdvances(t *testing.T) {
	user, tenant, role := uuid.New(), uuid.New(), uuid.New()
	for _, key := range []GenKey{TenantKey(tenant), UserKey(user), RoleKey(role)} {
		t.Run(string(key.Scope), func(t *testing.T) {
			f := newFixture(t, nil)
			var calls atomic.Int32
			loader := countingLoader(&calls, func() *Entry { return entryFor(user, tenant, role, 1) })

			_, _, err := f.cache.Load(context.Background(), user, loader)
			require.NoError(t, err)

			require.NoError(t, f.gens.Advance(context.Background(), []Generation{{Key: key, Value: 2}}))

			_, hit := f.cache.Get(context.Background(), user)
			assert.False(t, hit)
			assert.Equal(t, 1, f.observer.count(ResultStale))
			assert.Equal(t, 0, f.cache.Len())
		})
	}
}

func TestEntryGoesStaleOnCatalogReload(t *testing.T) {
	f := newFixture(t, nil)
	user, tenant, role := uuid.New(), uuid.New(), uuid.New()
	f.cache.Put(context.Background(), entryFor(user, tenant, role, 1))

	_, hit := f.cache.Get(context.Background(), user)
	require.True(t, hit)

	f.version.v.Store(2)
	_, hit = f.cache.Get(context.Background(), user)
	assert.False(t, hit)
}

func TestPutAdvancesMirrorButNeverBackwards(t *testing.T) {
	f := newFixture(t, nil)
	user, tenant, role := uuid.New(), uuid.New(), uuid.New()
	ctx := context.Background()
	require.NoError(t, f.gens.Advance(ctx, []Generation{{Key: UserKey(user), Value: 5}}))

	f.cache.Put(ctx, entryFor(user, tenant, role, 1))

	current, err := f.gens.Current(ctx, []GenKey{TenantKey(tenant), UserKey(user), RoleKey(role)})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 5, 1}, current)

	// The entry saw user generation 1 while the mirror holds 5.
	_, hit := f.cache.Get(ctx, user)
	assert.False(t, hit)
}

func TestInvalidateScopes(t *testing.T) {
	user, tenant, role := uuid.New(), uuid.New(), uuid.New()
	cases := map[string]func(c *Cache) error{
		"user":   func(c *Cache) error { return c.Invalidate(context.Background(), user) },
		"role":   func(c *Cache) error { return c.InvalidateByRole(context.Background(), role) },
		"tenant": func(c *Cache) error { return c.InvalidateByTenant(context.Background(), tenant) },
	}
	for name, invalidate := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, nil)
			// Generations start at 1 in the authoritative store.
			f.bumper.values[TenantKey(tenant)] = 1
			f.bumper.values[UserKey(user)] = 1
			f.bumper.values[RoleKey(role)] = 1
			f.cache.Put(context.Background(), entryFor(user, tenant, role, 1))

			require.NoError(t, invalidate(f.cache))

			_, hit := f.cache.Get(context.Background(), user)
			assert.False(t, hit)
		})
	}
}

func TestInvalidateWithoutBumperFails(t *testing.T) {
	c := New(NewMemoryGenerations(), nil, nil, Options{})
	assert.Error(t, c.InvalidateByRole(context.Background(), uuid.New()))
}

func TestAdvanceFailurePurgesLocalEntries(t *testing.T) {
	gens := &flakyGenerations{MemoryGenerations: NewMemoryGenerations()}
	f := newFixture(t, gens)
	user, tenant, role := uuid.New(), uuid.New(), uuid.New()
	f.cache.Put(context.Background(), entryFor(user, tenant, role, 1))
	require.Equal(t, 1, f.cache.Len())

	gens.calls.Store(0)
	gens.failAdvance.Store(true)
	err := f.cache.Advance(context.Background(), Generation{Key: UserKey(user), Value: 2})

	assert.ErrorIs(t, err, ErrNotPropagated)
	assert.Equal(t, 0, f.cache.Len())
	assert.Equal(t, int32(3), gens.calls.Load())
}

func TestAdvanceRetriesTransientFailures(t *testing.T) {
	gens := &flakyGenerations{MemoryGenerations: NewMemoryGenerations()}
	f := newFixture(t, gens)
	user := uuid.New()
	gens.failNext.Store(2)

	require.NoError(t, f.cache.Advance(context.Background(), Generation{Key: UserKey(user), Value: 4}))

	current, err := gens.Current(context.Background(), []GenKey{UserKey(user)})
	require.NoError(t, err)
	assert.Equal(t, []int64{4}, current)
	assert.Equal(t, 0, f.cache.Pending())
}

func TestFailedAdvanceIsReplayedOnceMirrorRecovers(t *testing.T) {
	gens := &flakyGenerations{MemoryGenerations: NewMemoryGenerations()}
	f := newFixture(t, gens)
	ctx := context.Background()
	user, tenant, role := uuid.New(), uuid.New(), uuid.New()

	gens.failAdvance.Store(true)
	require.ErrorIs(t, f.cache.Advance(ctx, Generation{Key: UserKey(user), Value: 2}), ErrNotPropagated)
	require.Equal(t, 1, f.cache.Pending())
	assert.Error(t, f.cache.Replay(ctx))
	assert.Equal(t, 1, f.cache.Pending())

	// A reader elsewhere still holds the pre-write entry.
	peer := New(gens.MemoryGenerations, nil, f.version, Options{})
	peer.Put(ctx, entryFor(user, tenant, role, 1, "orders:view"))
	_, ok := peer.Get(ctx, user)
	require.True(t, ok)

	gens.failAdvance.Store(false)
	require.NoError(t, f.cache.Replay(ctx))

	assert.Equal(t, 0, f.cache.Pending())
	_, ok = peer.Get(ctx, user)
	assert.False(t, ok)
}

func TestAdvanceCarriesEarlierPendingGenerations(t *testing.T) {
	gens := &flakyGenerations{MemoryGenerations: NewMemoryGenerations()}
	f := newFixture(t, gens)
	ctx := context.Background()
	user, role := uuid.New(), uuid.New()

	gens.failAdvance.Store(true)
	require.Error(t, f.cache.Advance(ctx, Generation{Key: UserKey(user), Value: 7}))
	gens.failAdvance.Store(false)

	require.NoError(t, f.cache.Advance(ctx, Generation{Key: RoleKey(role), Value: 3}))

	current, err := gens.Current(ctx, []GenKey{UserKey(user), RoleKey(role)})
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 3}, current)
	assert.Equal(t, 0, f.cache.Pending())
}

func TestRunReplayStopsWithContext(t *testing.T) {
	gens := &flakyGenerations{MemoryGenerations: NewMemoryGenerations()}
	f := newFixture(t, gens)
	user := uuid.New()
	gens.failAdvance.Store(true)
	require.Error(t, f.cache.Advance(context.Background(), Generation{Key: UserKey(user), Value: 2}))
	gens.failAdvance.Store(false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.cache.RunReplay(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return f.cache.Pending() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("replay loop did not stop")
	}
}

func TestConcurrentMissesShareOneResolution(t *testing.T) {
	f := newFixture(t, nil)
	user, tenant, role := uuid.New(), uuid.New(), uuid.New()

	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	loader := func(ctx context.Context) (*Entry, error) {
		calls.Add(1)
		once.Do(func() { close(entered) })
		<-release
		return entryFor(user, tenant, role, 1, "orders:view"), nil
	}

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, _, err := f.cache.Load(context.Background(), user, loader)
			if err == nil && !e.Has("orders:view") {
				err = errors.New("missing permission")
			}
			errs <- err
		}()
	}

	<-entered
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestTimedOutResolutionStoresNothing(t *testing.T) {
	gens := NewMemoryGenerations()
	c := New(gens, newFakeBumper(), nil, Options{ResolveTimeout: 30 * time.Millisecond})
	user := uuid.New()

	done := make(chan struct{})
	loader := func(ctx context.Context) (*Entry, error) {
		defer close(done)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err := c.Load(ctx, user, loader)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	<-done
	assert.Equal(t, 0, c.Len())
}

func TestCallerCancellationDoesNotAbortSharedResolution(t *testing.T) {
	f := newFixture(t, nil)
	user, tenant, role := uuid.New(), uuid.New(), uuid.New()

	release := make(chan struct{})
	loaded := make(chan struct{})
	loader := func(ctx context.Context) (*Entry, error) {
		<-release
		defer close(loaded)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return entryFor(user, tenant, role, 1, "orders:view"), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, _, err := f.cache.Load(ctx, user, loader)
		errc <- err
	}()
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	close(release)
	<-loaded
	assert.Eventually(t, func() bool {
		_, hit := f.cache.Get(context.Background(), user)
		return hit
	}, time.Second, 10*time.Millisecond)
}

func TestLoaderErrorIsReturned(t *testing.T) {
	f := newFixture(t, nil)
	boom := errors.New("boom")
	_, _, err := f.cache.Load(context.Background(), uuid.New(), func(context.Context) (*Entry, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, f.cache.Len())
}
