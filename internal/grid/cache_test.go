package grid

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewCache(client, time.Minute), mr
}

func snapshotLoader(sheet Sheet, calls *int) func(context.Context) (sheetSnapshot, error) {
	return func(context.Context) (sheetSnapshot, error) {
		*calls++
		return sheetSnapshot{Sheet: sheet}, nil
	}
}

func TestCacheServesSecondReadWithoutLoader(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	sheet := Sheet{ID: 7, LocationID: 10, Status: SheetActive, DeliveryDate: time.Date(2025, 6, 11, 0, 0, 0, 0, time.UTC)}

	calls := 0
	var snap sheetSnapshot
	require.NoError(t, cache.FetchSheet(ctx, 7, &snap, snapshotLoader(sheet, &calls)))
	require.Equal(t, 1, calls)
	require.Equal(t, sheet.ID, snap.Sheet.ID)

	var again sheetSnapshot
	require.NoError(t, cache.FetchSheet(ctx, 7, &again, snapshotLoader(sheet, &calls)))
	require.Equal(t, 1, calls)
	require.Equal(t, sheet.DeliveryDate, again.Sheet.DeliveryDate)
}

func TestCacheBumpInvalidatesSnapshots(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	sheet := Sheet{ID: 7, Status: SheetActive}

	calls := 0
	var snap sheetSnapshot
	require.NoError(t, cache.FetchSheet(ctx, 7, &snap, snapshotLoader(sheet, &calls)))
	require.NoError(t, cache.Bump(ctx))
	require.NoError(t, cache.FetchSheet(ctx, 7, &snap, snapshotLoader(sheet, &calls)))
	require.Equal(t, 2, calls)
}

func TestCacheLoaderErrorPassesThrough(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	boom := errors.New("load failed")
	var snap sheetSnapshot
	err := cache.FetchSheet(ctx, 9, &snap, func(context.Context) (sheetSnapshot, error) {
		return sheetSnapshot{}, boom
	})
	require.ErrorIs(t, err, boom)
}

func TestNilCacheCallsLoaderDirectly(t *testing.T) {
	var cache *Cache
	ctx := context.Background()

	calls := 0
	var snap sheetSnapshot
	require.NoError(t, cache.FetchSheet(ctx, 1, &snap, snapshotLoader(Sheet{ID: 1}, &calls)))
	require.Equal(t, 1, calls)
	require.Equal(t, int64(1), snap.Sheet.ID)
}
