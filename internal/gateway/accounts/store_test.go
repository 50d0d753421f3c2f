package accounts

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocketai/pocketai-gateway/internal/shared/models"
	"github.com/pocketai/pocketai-gateway/internal/shared/redis"
)

func newTestStore(t *testing.T) (*Store, *redis.Memory) {
	t.Helper()
	kv := redis.NewMemory()
	return New(kv), kv
}

func seedRecord(t *testing.T, kv *redis.Memory, key, raw string) {
	t.Helper()
	require.NoError(t, kv.Set(context.Background(), key, raw, 0))
}

func TestReadDecodesRecord(t *testing.T) {
	store, kv := newTestStore(t)
	seedRecord(t, kv, "abc", `{"balance":"1.50","gpt3remains":10,"gpt4remains":3,"isExpired":true}`)

	rec, err := store.Read(context.Background(), "abc")
	require.NoError(t, err)
	assert.True(t, rec.Balance.Equal(decimal.RequireFromString("1.50")))
	assert.Equal(t, int64(10), rec.GPT3Remains)
	assert.Equal(t, int64(3), rec.GPT4Remains)
	assert.True(t, rec.IsExpired)
}

func TestReadToleratesUntypedBlobs(t *testing.T) {
	store, kv := newTestStore(t)
	// Numeric balance, missing counters, junk expiry flag.
	seedRecord(t, kv, "abc", `{"balance":2.5,"isExpired":"nope"}`)

	rec, err := store.Read(context.Background(), "abc")
	require.NoError(t, err)
	assert.True(t, rec.Balance.Equal(decimal.RequireFromString("2.5")))
	assert.Zero(t, rec.GPT3Remains)
	assert.Zero(t, rec.GPT4Remains)
	assert.False(t, rec.IsExpired)

	// Garbage balance decodes to zero, not an error.
	seedRecord(t, kv, "junk", `{"balance":"lots"}`)
	rec, err = store.Read(context.Background(), "junk")
	require.NoError(t, err)
	assert.True(t, rec.Balance.IsZero())
}

func TestExists(t *testing.T) {
	store, kv := newTestStore(t)
	seedRecord(t, kv, "abc", `{"balance":"1"}`)

	known, err := store.Exists(context.Background(), "abc")
	require.NoError(t, err)
	assert.True(t, known)

	known, err = store.Exists(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, known)
}

func TestReadMissingRecord(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Read(context.Background(), "nope")
	assert.ErrorIs(t, err, redis.ErrNotFound)
}

func TestGetPriceParsesAndDefaults(t *testing.T) {
	store, kv := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, "gpt3_price", "0.002", 0))
	require.NoError(t, kv.Set(ctx, "gpt4_price", "not-a-number", 0))
	// glm_price absent entirely

	table := store.GetPrice(ctx)
	assert.True(t, table.GPT3Price.Equal(decimal.RequireFromString("0.002")))
	assert.True(t, table.GPT4Price.IsZero())
	assert.True(t, table.GLMPrice.IsZero())
}

func TestGetPriceServesCachedCopy(t *testing.T) {
	store, kv := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, "gpt3_price", "0.002", 0))

	first := store.GetPrice(ctx)
	require.NoError(t, kv.Set(ctx, "gpt3_price", "9.99", 0))
	second := store.GetPrice(ctx)

	// Within the freshness window the old table keeps being served.
	assert.True(t, first.GPT3Price.Equal(second.GPT3Price))
}

func TestApplyUsageCountMode(t *testing.T) {
	store, kv := newTestStore(t)
	ctx := context.Background()
	seedRecord(t, kv, "abc", `{"balance":"5","gpt3remains":10,"gpt4remains":4}`)

	err := store.ApplyUsage(ctx, models.UsageEvent{
		HashedCode: "abc",
		Family:     models.FamilyGPT4,
		Amount:     1,
		Mode:       models.CostModeCount,
	})
	require.NoError(t, err)

	rec, err := store.Read(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.GPT4Remains)
	assert.Equal(t, int64(10), rec.GPT3Remains)
	assert.True(t, rec.Balance.Equal(decimal.RequireFromString("5")), "count mode must not touch balance")
}

func TestApplyUsageTokenMode(t *testing.T) {
	store, kv := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, "gpt3_price", "0.002", 0))
	seedRecord(t, kv, "abc", `{"balance":"10","gpt3remains":1}`)

	// 100 completion + 20 prompt tokens at 0.002 each = 0.24
	err := store.ApplyUsage(ctx, models.UsageEvent{
		HashedCode: "abc",
		Family:     models.FamilyGPT3,
		Amount:     120,
		Mode:       models.CostModeTokens,
	})
	require.NoError(t, err)

	rec, err := store.Read(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, rec.Balance.Equal(decimal.RequireFromString("9.76")),
		"balance = %s, want 9.76", rec.Balance)
	assert.Equal(t, int64(1), rec.GPT3Remains, "token mode must not touch counters")
}

func TestApplyUsageMissingRecord(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.ApplyUsage(context.Background(), models.UsageEvent{
		HashedCode: "gone",
		Family:     models.FamilyGPT3,
		Amount:     1,
		Mode:       models.CostModeCount,
	})
	assert.ErrorIs(t, err, ErrNoRecord)
}

func TestApplyUsageConcurrentDecrements(t *testing.T) {
	store, kv := newTestStore(t)
	ctx := context.Background()
	seedRecord(t, kv, "abc", `{"balance":"5","gpt3remains":100}`)

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_ = store.ApplyUsage(ctx, models.UsageEvent{
				HashedCode: "abc",
				Family:     models.FamilyGPT3,
				Amount:     1,
				Mode:       models.CostModeCount,
			})
		}()
	}
	wg.Wait()

	rec, err := store.Read(ctx, "abc")
	require.NoError(t, err)
	// The atomic update serializes the read-modify-write, so no
	// decrement is lost.
	assert.Equal(t, int64(100-n), rec.GPT3Remains)
}
