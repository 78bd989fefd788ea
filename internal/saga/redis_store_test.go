package saga

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/payment-service/internal/domain"
)

// newTestRedisStore connects to REDIS_TEST_URL under a prefix unique to the test.
func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())

	store := NewRedisStore(client, "test:payout_saga:"+uuid.NewString())
	t.Cleanup(func() {
		ctx := context.Background()
		members, _ := store.List(ctx)
		for _, m := range members {
			_ = store.Delete(ctx, m)
		}
	})
	return store
}

func TestRedisStoreRejectsStaleSave(t *testing.T) {
	ctx := context.Background()
	store := newTestRedisStore(t)

	rec := newRecord("m1")
	txID := uuid.New()
	rec.Instances[txID] = &Instance{TransactionID: txID, Amount: domain.MustMoney("1.235", "BHD"), State: StateStarted}
	require.NoError(t, store.Save(ctx, rec))
	assert.Equal(t, int64(1), rec.Version)

	first, err := store.Load(ctx, "m1")
	require.NoError(t, err)
	second, err := store.Load(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Version)

	first.Active = txID
	require.NoError(t, store.Save(ctx, first))
	assert.ErrorIs(t, store.Save(ctx, second), ErrStaleRecord)

	loaded, err := store.Load(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, txID, loaded.Active)
	assert.Equal(t, int64(2), loaded.Version)
	assert.True(t, loaded.Instances[txID].Amount.Equal(domain.MustMoney("1.235", "BHD")))
}

func TestRedisStoreRejectsCreateOverExistingRecord(t *testing.T) {
	ctx := context.Background()
	store := newTestRedisStore(t)

	require.NoError(t, store.Save(ctx, newRecord("m1")))
	assert.ErrorIs(t, store.Save(ctx, newRecord("m1")), ErrStaleRecord)
}

func TestRedisStoreListAndDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestRedisStore(t)
	require.NoError(t, store.Save(ctx, newRecord("b")))
	require.NoError(t, store.Save(ctx, newRecord("a")))

	members, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, members)

	require.NoError(t, store.Delete(ctx, "a"))
	_, err = store.Load(ctx, "a")
	assert.ErrorIs(t, err, ErrRecordNotFound)

	members, err = store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)
}
