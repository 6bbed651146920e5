package credit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const userU1 = "0x1111111111111111111111111111111111111111"

func newFileStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	return NewStore(NewFileBackend(dir), nil), dir
}

func newRedisStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(NewRedisBackend(client, "crumbz:user:"), nil), mr
}

func TestLoadMissingIsZero(t *testing.T) {
	store, _ := newFileStore(t)
	rec, err := store.Load(context.Background(), userU1)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.InGameTokens.Sign())
	assert.Empty(t, rec.PendingClaims)
}

func TestAddCreditScenario(t *testing.T) {
	store, dir := newFileStore(t)
	ctx := context.Background()

	rec, err := store.AddCredit(ctx, userU1, big.NewInt(5_000_000))
	require.NoError(t, err)
	assert.Equal(t, "5000000", rec.InGameTokens.String())

	rec, err = store.AddCredit(ctx, userU1, big.NewInt(2_500_000))
	require.NoError(t, err)
	assert.Equal(t, "7500000", rec.InGameTokens.String())

	raw, err := os.ReadFile(filepath.Join(dir, userU1+".json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"inGameTokens": "7500000"`)

	_, err = os.Stat(filepath.Join(dir, userU1+".json.tmp"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "temp file left behind")
}

func TestAddCreditRejectsNegative(t *testing.T) {
	store, _ := newFileStore(t)
	_, err := store.AddCredit(context.Background(), userU1, big.NewInt(-1))
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = store.AddCredit(context.Background(), userU1, nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestConcurrentAddCreditLosesNothing(t *testing.T) {
	for name, store := range map[string]*Store{
		"file":  func() *Store { s, _ := newFileStore(t); return s }(),
		"redis": func() *Store { s, _ := newRedisStore(t); return s }(),
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.AddCredit(ctx, userU1, big.NewInt(100))
			require.NoError(t, err)

			const workers = 32
			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := store.AddCredit(ctx, userU1, big.NewInt(int64(i+1)))
					assert.NoError(t, err)
				}(i)
			}
			wg.Wait()

			rec, err := store.Load(ctx, userU1)
			require.NoError(t, err)
			// 100 + (1 + 2 + ... + 32)
			assert.Equal(t, int64(100+workers*(workers+1)/2), rec.InGameTokens.Int64())
			assert.Equal(t, 0, store.locks.size())
		})
	}
}

func TestCorruptRecord(t *testing.T) {
	store, dir := newFileStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, userU1+".json"), []byte("{not json"), 0o644))

	_, err := store.Load(context.Background(), userU1)
	assert.ErrorIs(t, err, ErrStorageCorruption)

	_, err = store.AddCredit(context.Background(), userU1, big.NewInt(1))
	assert.ErrorIs(t, err, ErrStorageCorruption)

	raw, err := os.ReadFile(filepath.Join(dir, userU1+".json"))
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(raw), "corrupt record must not be overwritten")
}

func TestInvalidKeys(t *testing.T) {
	store, _ := newFileStore(t)
	for _, key := range []string{"", " ", "../escape", "a/b", `a\b`, "a b", "x\x00"} {
		_, err := store.Load(context.Background(), key)
		assert.ErrorIs(t, err, ErrInvalidKey, "key %q", key)
	}
}

func TestUpdateErrorLeavesRecord(t *testing.T) {
	store, _ := newFileStore(t)
	ctx := context.Background()
	_, err := store.AddCredit(ctx, userU1, big.NewInt(5))
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = store.Update(ctx, userU1, func(r *UserRecord) error {
		r.InGameTokens.SetInt64(1_000)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	rec, err := store.Load(ctx, userU1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), rec.InGameTokens.Int64())
}

func TestRedisBackendKeys(t *testing.T) {
	store, mr := newRedisStore(t)
	_, err := store.AddCredit(context.Background(), userU1, big.NewInt(42))
	require.NoError(t, err)

	raw, err := mr.Get("crumbz:user:" + userU1)
	require.NoError(t, err)
	assert.Contains(t, raw, `"inGameTokens": "42"`)
}

func TestStoreProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	tmpDir, err := os.MkdirTemp("", "credit-store-test")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	fileStore := NewStore(NewFileBackend(tmpDir), nil)
	redisStore := NewStore(NewRedisBackend(redisClient, "prop:"), nil)

	runs := 0
	properties.Property("final credit equals the sum of applied credits", prop.ForAll(
		func(user string, deltas []uint32) bool {
			ctx := context.Background()
			runs++
			user = fmt.Sprintf("%s-%d", user, runs)
			sum := new(big.Int)
			for _, d := range deltas {
				if _, err := fileStore.AddCredit(ctx, user, big.NewInt(int64(d))); err != nil {
					return false
				}
				sum.Add(sum, big.NewInt(int64(d)))
			}
			rec, err := fileStore.Load(ctx, user)
			if err != nil {
				return false
			}
			return rec.InGameTokens.Cmp(sum) == 0
		},
		gen.Identifier(),
		gen.SliceOf(gen.UInt32()),
	))

	properties.Property("file and redis backends are equivalent", prop.ForAll(
		func(user string, total uint64) bool {
			ctx := context.Background()
			rec := NewRecord()
			rec.InGameTokens.SetUint64(total)
			if err := fileStore.Save(ctx, user, rec); err != nil {
				return false
			}
			if err := redisStore.Save(ctx, user, rec); err != nil {
				return false
			}
			a, err := fileStore.Load(ctx, user)
			if err != nil {
				return false
			}
			b, err := redisStore.Load(ctx, user)
			if err != nil {
				return false
			}
			return a.InGameTokens.Cmp(b.InGameTokens) == 0 && a.InGameTokens.Uint64() == total
		},
		gen.Identifier(),
		gen.UInt64(),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
