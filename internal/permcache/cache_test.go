package permcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bullseye-dist/bullseye/internal/capability"
	"github.com/bullseye-dist/bullseye/internal/policy"
	_ "github.com/bullseye-dist/bullseye/testing"
)

type memSnapshotStore struct {
	rows []Snapshot
}

func (m *memSnapshotStore) Latest(_ context.Context, userID, applicationID string) (Snapshot, error) {
	for i := len(m.rows) - 1; i >= 0; i-- {
		r := m.rows[i]
		if r.UserID == userID && r.ApplicationID == applicationID && !r.Superseded {
			return r, nil
		}
	}
	return Snapshot{}, ErrNoSnapshot
}

func (m *memSnapshotStore) Insert(_ context.Context, userID, applicationID string, capabilities []string) (Snapshot, error) {
	for i, r := range m.rows {
		if r.UserID == userID && r.ApplicationID == applicationID {
			m.rows[i].Superseded = true
		}
	}
	snap := Snapshot{
		ID:            uuid.NewString(),
		UserID:        userID,
		ApplicationID: applicationID,
		Capabilities:  capabilities,
		ComputedAt:    time.Now().UTC(),
	}
	m.rows = append(m.rows, snap)
	return snap, nil
}

func (m *memSnapshotStore) Supersede(_ context.Context, userID, applicationID string) error {
	for i, r := range m.rows {
		if r.UserID == userID && r.ApplicationID == applicationID {
			m.rows[i].Superseded = true
		}
	}
	return nil
}

func (m *memSnapshotStore) SupersedeAll(_ context.Context, userID string) error {
	for i, r := range m.rows {
		if r.UserID == userID {
			m.rows[i].Superseded = true
		}
	}
	return nil
}

type memPolicySource struct {
	policies map[string]policy.UserPolicies
	members  map[string][]string
	loads    int
}

func (m *memPolicySource) ListUserPolicies(_ context.Context, userID string) (policy.UserPolicies, error) {
	m.loads++
	return m.policies[userID], nil
}

func (m *memPolicySource) ListGroupMembers(_ context.Context, groupID string) ([]string, error) {
	return m.members[groupID], nil
}

type cacheFixture struct {
	cache  *Cache
	source *memPolicySource
	store  *memSnapshotStore
	redis  *miniredis.Miniredis
}

func newCacheFixture(t *testing.T) *cacheFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	source := &memPolicySource{
		policies: map[string]policy.UserPolicies{
			"user-1": {
				UserID: "user-1",
				Groups: []policy.GroupPolicies{
					{
						Group: policy.Group{ID: "grp-1", Name: "Files", Priority: 10},
						GlobalRules: []policy.GlobalRule{
							{Capability: capability.FileAdmin, Allow: true},
						},
						ScopedRules: []policy.ScopedRule{
							{ApplicationID: nil, Capability: capability.ScopedView, Allow: true},
						},
					},
				},
			},
		},
		members: map[string][]string{"grp-1": {"user-1"}},
	}
	store := &memSnapshotStore{}
	cache := New(Config{
		Source: source,
		Store:  store,
		Redis:  client,
		Graph:  capability.MustGraph(),
		Scoped: capability.MustScopedGraph(),
		TTL:    time.Minute,
	})
	return &cacheFixture{cache: cache, source: source, store: store, redis: mr}
}

func TestGetOrComputeColdThenWarm(t *testing.T) {
	f := newCacheFixture(t)
	ctx := context.Background()

	caps, err := f.cache.GetOrCompute(ctx, "user-1", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"FileAdmin", "FileDelete", "FileUpload"}, caps)
	assert.Equal(t, 1, f.source.loads)
	require.Len(t, f.store.rows, 1)
	assert.False(t, f.store.rows[0].Superseded)
	assert.True(t, f.redis.Exists("perm:user-1"))

	// Second lookup is served from redis without touching the policy store.
	caps, err = f.cache.GetOrCompute(ctx, "user-1", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"FileAdmin", "FileDelete", "FileUpload"}, caps)
	assert.Equal(t, 1, f.source.loads)
}

func TestGetOrComputeFallsBackToSnapshot(t *testing.T) {
	f := newCacheFixture(t)
	ctx := context.Background()

	_, err := f.store.Insert(ctx, "user-1", "", []string{"BlogPost"})
	require.NoError(t, err)

	caps, err := f.cache.GetOrCompute(ctx, "user-1", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"BlogPost"}, caps)
	assert.Equal(t, 0, f.source.loads, "live snapshot must not trigger a resolve")
	assert.True(t, f.redis.Exists("perm:user-1"), "snapshot hit re-warms redis")
}

func TestGetOrComputeScopedKey(t *testing.T) {
	f := newCacheFixture(t)
	ctx := context.Background()

	caps, err := f.cache.GetOrCompute(ctx, "user-1", "app-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"View"}, caps)
	assert.True(t, f.redis.Exists("perm:user-1:app-1"))

	snap, err := f.store.Latest(ctx, "user-1", "app-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"View"}, snap.Capabilities)
}

func TestInvalidateSupersedesAndDropsHotKeys(t *testing.T) {
	f := newCacheFixture(t)
	ctx := context.Background()

	_, err := f.cache.GetOrCompute(ctx, "user-1", "")
	require.NoError(t, err)
	_, err = f.cache.GetOrCompute(ctx, "user-1", "app-1")
	require.NoError(t, err)

	require.NoError(t, f.cache.Invalidate(ctx, "user-1"))

	assert.False(t, f.redis.Exists("perm:user-1"))
	assert.False(t, f.redis.Exists("perm:user-1:app-1"))
	_, err = f.store.Latest(ctx, "user-1", "")
	assert.ErrorIs(t, err, ErrNoSnapshot)

	// Superseded rows are kept, never deleted.
	require.Len(t, f.store.rows, 2)
	for _, r := range f.store.rows {
		assert.True(t, r.Superseded)
	}
}

func TestInvalidatedLookupResolvesFresh(t *testing.T) {
	f := newCacheFixture(t)
	ctx := context.Background()

	_, err := f.cache.GetOrCompute(ctx, "user-1", "")
	require.NoError(t, err)
	require.NoError(t, f.cache.Invalidate(ctx, "user-1"))

	// Rules changed while the cache was cold.
	f.source.policies["user-1"] = policy.UserPolicies{
		UserID: "user-1",
		Groups: []policy.GroupPolicies{
			{
				Group: policy.Group{ID: "grp-1", Priority: 10},
				GlobalRules: []policy.GlobalRule{
					{Capability: capability.BlogPost, Allow: true},
				},
			},
		},
	}

	caps, err := f.cache.GetOrCompute(ctx, "user-1", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"BlogPost"}, caps)
}

func TestRecomputeBypassesWarmLayers(t *testing.T) {
	f := newCacheFixture(t)
	ctx := context.Background()

	_, err := f.cache.GetOrCompute(ctx, "user-1", "")
	require.NoError(t, err)
	require.Equal(t, 1, f.source.loads)

	caps, err := f.cache.Recompute(ctx, "user-1", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"FileAdmin", "FileDelete", "FileUpload"}, caps)
	assert.Equal(t, 2, f.source.loads, "recompute must resolve even with warm redis")

	// The forced snapshot replaces the old live row.
	live := 0
	for _, r := range f.store.rows {
		if !r.Superseded {
			live++
		}
	}
	assert.Equal(t, 1, live)
}

func TestInvalidateGroupFansOutToMembers(t *testing.T) {
	f := newCacheFixture(t)
	ctx := context.Background()

	_, err := f.cache.GetOrCompute(ctx, "user-1", "")
	require.NoError(t, err)

	members, err := f.cache.InvalidateGroup(ctx, "grp-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"user-1"}, members)
	assert.False(t, f.redis.Exists("perm:user-1"))
}

func TestGetOrComputeUnknownUserDefaultsDeny(t *testing.T) {
	f := newCacheFixture(t)

	caps, err := f.cache.GetOrCompute(context.Background(), "user-none", "")
	require.NoError(t, err)
	assert.Empty(t, caps)
}
