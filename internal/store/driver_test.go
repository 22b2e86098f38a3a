package store_test

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/support-router/internal/store"
	"github.com/capitalize-ai/support-router/internal/store/storetest"
)

func TestMemoryStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return store.NewMemoryStore()
	})
}

// newRedisTestStore connects to REDIS_TEST_URL, which must point at a
// disposable database; it is flushed on every call.
func newRedisTestStore(t *testing.T) (*store.RedisStore, *redis.Client) {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	require.NoError(t, client.FlushDB(context.Background()).Err())
	return store.NewRedisStoreWithClient(client), client
}

func TestRedisStore_Contract(t *testing.T) {
	if os.Getenv("REDIS_TEST_URL") == "" {
		t.Skip("REDIS_TEST_URL not set")
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		st, _ := newRedisTestStore(t)
		return st
	})
}

func TestRedisStore_LostCreateRaceWritesNothing(t *testing.T) {
	st, client := newRedisTestStore(t)
	defer st.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := st.FindOrCreateConversation(ctx, "site-A", "cust-1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	records, err := client.Keys(ctx, "support:conv:*").Result()
	require.NoError(t, err)
	assert.Len(t, records, 1, "no orphaned conversation records")

	open, err := client.SMembers(ctx, "support:open").Result()
	require.NoError(t, err)
	assert.Len(t, open, 1)
}
