package claim

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionKey(t *testing.T) {
	assert.Equal(t, "org-a:default", SessionKey("org-a", ""))
	assert.Equal(t, "org-a:tab-2", SessionKey("org-a", "tab-2"))
	assert.NotEqual(t, SessionKey("org-a", "s"), SessionKey("org-b", "s"))
	assert.NotEqual(t, SessionKey("a", "b:c"), SessionKey("a:b", "c"))
	assert.Equal(t, "user%3Au-1:default", SessionKey("user:u-1", "default"))
}

func exerciseSessionStore(t *testing.T, store SessionStore) {
	ctx := context.Background()
	key := SessionKey("org-a", "default")

	q, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 0, q.Len())

	sites := study1Sites()
	added, err := q.Add(NewStagedEntry("STUDY-1", sites[0]), NewStagedEntry("STUDY-1", sites[2]))
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, key, q))

	loaded, err := store.Load(ctx, key)
	require.NoError(t, err)
	require.Equal(t, 2, loaded.Len())
	assert.Equal(t, added[0].TempID, loaded.Entries()[0].TempID)
	assert.Equal(t, sites[0].Key(), loaded.Entries()[0].LocationKey)
	assert.Equal(t, sites[0].ID, loaded.Entries()[0].Site.ID)

	// Mutating a loaded queue without saving leaves the stored one alone.
	loaded.Clear()
	again, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Len())

	other, err := store.Load(ctx, SessionKey("org-b", "default"))
	require.NoError(t, err)
	assert.Equal(t, 0, other.Len())

	require.NoError(t, store.Save(ctx, key, NewQueue(nil)))
	emptied, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 0, emptied.Len())
}

func TestMemorySessionStore(t *testing.T) {
	exerciseSessionStore(t, NewMemorySessionStore(time.Hour))
}

func TestRedisSessionStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	exerciseSessionStore(t, NewRedisSessionStore(client, time.Hour))
}

func TestRedisSessionStore_TTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := NewRedisSessionStore(client, 30*time.Minute)
	ctx := context.Background()

	q := NewQueue(nil)
	_, err := q.Add(NewStagedEntry("STUDY-1", study1Sites()[0]))
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, "org-a:default", q))

	assert.Equal(t, 30*time.Minute, mr.TTL(redisStagingKeyPrefix+"org-a:default"))

	mr.FastForward(31 * time.Minute)
	expired, err := store.Load(ctx, "org-a:default")
	require.NoError(t, err)
	assert.Equal(t, 0, expired.Len())
}

func TestRedisSessionStore_CorruptPayload(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	require.NoError(t, mr.Set(redisStagingKeyPrefix+"org-a:default", "{not json"))
	_, err := NewRedisSessionStore(client, time.Hour).Load(context.Background(), "org-a:default")
	assert.Error(t, err)
}
