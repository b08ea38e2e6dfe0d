package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/traceline-erp/traceline-erp/internal/shared"
)

type memoryRepo struct {
	rows      map[RowKey]StockRow
	movements []Movement
	nextRowID int64
	nextMvID  int64
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{rows: make(map[RowKey]StockRow)}
}

func keyOf(row StockRow) RowKey {
	return RowKey{ItemID: row.ItemID, BatchID: row.BatchID, LocationID: row.LocationID, Grade: row.Grade, Status: row.Status}
}

// WithTx restores the pre-call state on error, mirroring a rollback.
func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	snapshot := make(map[RowKey]StockRow, len(r.rows))
	for k, v := range r.rows {
		snapshot[k] = v
	}
	recorded := len(r.movements)
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.rows = snapshot
		r.movements = r.movements[:recorded]
		return err
	}
	return nil
}

func (r *memoryRepo) Query(ctx context.Context, filter QueryFilter) ([]StockRow, error) {
	var result []StockRow
	for _, row := range r.rows {
		if row.ItemID != filter.ItemID || row.LocationID != filter.LocationID || row.Qty <= 0 {
			continue
		}
		if filter.Status != "" && row.Status != filter.Status {
			continue
		}
		result = append(result, row)
	}
	return result, nil
}

func (r *memoryRepo) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	var result []Movement
	for _, m := range r.movements {
		if filter.Type != "" && m.Type != filter.Type {
			continue
		}
		if filter.RefID != "" && m.RefID != filter.RefID {
			continue
		}
		result = append(result, m)
	}
	return result, nil
}

func (r *memoryRepo) AvailableForBatch(ctx context.Context, batchID int64) (float64, error) {
	var total float64
	for _, row := range r.rows {
		if row.BatchID == batchID && row.Status == RowAvailable {
			total += row.Qty
		}
	}
	return total, nil
}

func (tx *memoryTx) GetRowForUpdate(ctx context.Context, key RowKey) (StockRow, error) {
	row, ok := tx.repo.rows[key]
	if !ok {
		return StockRow{}, ErrRowNotFound
	}
	return row, nil
}

func (tx *memoryTx) UpsertRow(ctx context.Context, row StockRow) (int64, error) {
	if row.ID == 0 {
		tx.repo.nextRowID++
		row.ID = tx.repo.nextRowID
	}
	tx.repo.rows[keyOf(row)] = row
	return row.ID, nil
}

func (tx *memoryTx) InsertMovement(ctx context.Context, movement Movement) (int64, error) {
	tx.repo.nextMvID++
	movement.ID = tx.repo.nextMvID
	tx.repo.movements = append(tx.repo.movements, movement)
	return movement.ID, nil
}

func (tx *memoryTx) SumBatchQuantity(ctx context.Context, batchID int64) (float64, error) {
	var total float64
	for _, row := range tx.repo.rows {
		if row.BatchID == batchID && row.Status != RowDelivered {
			total += row.Qty
		}
	}
	return total, nil
}

func (tx *memoryTx) ListMovementsByRef(ctx context.Context, movementType MovementType, refID string) ([]Movement, error) {
	var result []Movement
	for _, m := range tx.repo.movements {
		if m.Type == movementType && m.RefID == refID {
			result = append(result, m)
		}
	}
	return result, nil
}

type memoryKeys struct {
	keys map[string]bool
}

func newMemoryKeys() *memoryKeys {
	return &memoryKeys{keys: make(map[string]bool)}
}

func (s *memoryKeys) CheckAndInsert(ctx context.Context, key, module string) error {
	if s.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	s.keys[key] = true
	return nil
}

func (s *memoryKeys) Delete(ctx context.Context, key string) error {
	delete(s.keys, key)
	return nil
}

type fixedBatches struct {
	info map[int64]BatchInfo
}

func (b fixedBatches) Info(ctx context.Context, batchID int64) (BatchInfo, error) {
	return b.info[batchID], nil
}

func TestStockConservation(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()

	_, err := svc.RecordMovement(ctx, MovementInput{Type: MovementStockIn, ItemID: 1, BatchID: 1, ToLocation: 10, Quantity: 100, RefModule: "grn", ActorID: 1})
	require.NoError(t, err)
	_, err = svc.RecordMovement(ctx, MovementInput{Type: MovementStockOut, ItemID: 1, BatchID: 1, FromLocation: 10, Quantity: 30, RefModule: "so", ActorID: 1})
	require.NoError(t, err)
	_, err = svc.RecordMovement(ctx, MovementInput{Type: MovementTransfer, ItemID: 1, BatchID: 1, FromLocation: 10, ToLocation: 20, Quantity: 20, RefModule: "trf", ActorID: 1})
	require.NoError(t, err)

	var inTotal, outTotal, rowTotal float64
	for _, m := range repo.movements {
		switch m.Type {
		case MovementStockIn:
			inTotal += m.Quantity
		case MovementStockOut:
			outTotal += m.Quantity
		}
	}
	for _, row := range repo.rows {
		rowTotal += row.Qty
	}
	require.InDelta(t, inTotal-outTotal, rowTotal, 1e-9)

	src, err := svc.Query(ctx, QueryFilter{ItemID: 1, LocationID: 10, Status: RowAvailable})
	require.NoError(t, err)
	require.Len(t, src, 1)
	require.InDelta(t, 50, src[0].Qty, 1e-9)

	dst, err := svc.Query(ctx, QueryFilter{ItemID: 1, LocationID: 20, Status: RowAvailable})
	require.NoError(t, err)
	require.Len(t, dst, 1)
	require.InDelta(t, 20, dst[0].Qty, 1e-9)
	// Transferred stock keeps the original receipt date for FIFO ordering.
	require.Equal(t, src[0].EntryDate, dst[0].EntryDate)
}

func TestInsufficientStockGuard(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()

	_, err := svc.RecordMovement(ctx, MovementInput{Type: MovementStockIn, ItemID: 1, BatchID: 1, ToLocation: 10, Quantity: 10, RefModule: "grn", ActorID: 1})
	require.NoError(t, err)

	_, err = svc.RecordMovement(ctx, MovementInput{Type: MovementStockOut, ItemID: 1, BatchID: 1, FromLocation: 10, Quantity: 11, RefModule: "so", ActorID: 1})
	require.ErrorIs(t, err, ErrInsufficientStock)

	// Also fails when no row exists at all, and nothing is recorded.
	_, err = svc.RecordMovement(ctx, MovementInput{Type: MovementStockOut, ItemID: 1, BatchID: 99, FromLocation: 10, Quantity: 1, RefModule: "so", ActorID: 1})
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.Len(t, repo.movements, 1)
}

func TestStockInExpiryFromShelfLife(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	svc.WithClock(func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) })
	ctx := context.Background()

	_, err := svc.RecordMovement(ctx, MovementInput{Type: MovementStockIn, ItemID: 1, BatchID: 1, ToLocation: 10, Quantity: 5, ShelfLifeDays: 7, RefModule: "grn", ActorID: 1})
	require.NoError(t, err)

	rows, err := svc.Query(ctx, QueryFilter{ItemID: 1, LocationID: 10})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].ExpiryDate)
	require.Equal(t, time.Date(2025, 6, 8, 0, 0, 0, 0, time.UTC), *rows[0].ExpiryDate)
}

func TestStockInOverReceiptGuard(t *testing.T) {
	repo := newMemoryRepo()
	guard := fixedBatches{info: map[int64]BatchInfo{1: {ReceivedQty: 100, WastageQty: 10}}}
	svc := NewService(repo, guard, nil, nil)
	ctx := context.Background()

	_, err := svc.RecordMovement(ctx, MovementInput{Type: MovementStockIn, ItemID: 1, BatchID: 1, ToLocation: 10, Quantity: 90, RefModule: "grn", ActorID: 1})
	require.NoError(t, err)

	_, err = svc.RecordMovement(ctx, MovementInput{Type: MovementStockIn, ItemID: 1, BatchID: 1, ToLocation: 10, Quantity: 1, RefModule: "grn", ActorID: 1})
	require.ErrorIs(t, err, ErrOverReceipt)
}

func TestMovementReplayDoesNotDoubleApply(t *testing.T) {
	repo := newMemoryRepo()
	keys := newMemoryKeys()
	svc := NewService(repo, nil, nil, keys)
	ctx := context.Background()

	ref := "5f2e2b9a-9d0f-4a48-92f5-4b6c7e2d1a00"
	input := MovementInput{Type: MovementStockIn, ItemID: 1, BatchID: 1, ToLocation: 10, Quantity: 40, RefModule: "grn", RefID: ref, ActorID: 1}

	first, err := svc.RecordMovement(ctx, input)
	require.NoError(t, err)

	// A retried post resolves to the original movement.
	replayed, err := svc.RecordMovement(ctx, input)
	require.NoError(t, err)
	require.Equal(t, first.ID, replayed.ID)
	require.Equal(t, first.RefID, replayed.RefID)

	rows, err := svc.Query(ctx, QueryFilter{ItemID: 1, LocationID: 10, Status: RowAvailable})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.InDelta(t, 40, rows[0].Qty, 1e-9)
	require.Len(t, repo.movements, 1)
}

func TestAllocationAndDeallocateRoundTrip(t *testing.T) {
	repo := newMemoryRepo()
	keys := newMemoryKeys()
	svc := NewService(repo, nil, nil, keys)
	ctx := context.Background()

	_, err := svc.RecordMovement(ctx, MovementInput{Type: MovementStockIn, ItemID: 1, BatchID: 1, ToLocation: 10, Quantity: 50, RefModule: "grn", ActorID: 1})
	require.NoError(t, err)

	ref := "3d1b58a8-70cd-4c92-a9f8-b2f0f6f47f11"
	_, err = svc.RecordMovement(ctx, MovementInput{Type: MovementAllocation, ItemID: 1, BatchID: 1, FromLocation: 10, Quantity: 30, RefModule: "grid", RefID: ref, ActorID: 1})
	require.NoError(t, err)

	allocated, err := svc.Query(ctx, QueryFilter{ItemID: 1, LocationID: 10, Status: RowAllocated})
	require.NoError(t, err)
	require.Len(t, allocated, 1)
	require.InDelta(t, 30, allocated[0].Qty, 1e-9)

	reversed, err := svc.Deallocate(ctx, ref, 1)
	require.NoError(t, err)
	require.Len(t, reversed, 1)

	available, err := svc.Query(ctx, QueryFilter{ItemID: 1, LocationID: 10, Status: RowAvailable})
	require.NoError(t, err)
	require.Len(t, available, 1)
	require.InDelta(t, 50, available[0].Qty, 1e-9)

	// Retried undo is a no-op.
	again, err := svc.Deallocate(ctx, ref, 1)
	require.NoError(t, err)
	require.Nil(t, again)
	available, err = svc.Query(ctx, QueryFilter{ItemID: 1, LocationID: 10, Status: RowAvailable})
	require.NoError(t, err)
	require.InDelta(t, 50, available[0].Qty, 1e-9)
}

func TestAllocateMultiLineSharesOneReference(t *testing.T) {
	repo := newMemoryRepo()
	keys := newMemoryKeys()
	svc := NewService(repo, nil, nil, keys)
	ctx := context.Background()

	_, err := svc.RecordMovement(ctx, MovementInput{Type: MovementStockIn, ItemID: 1, BatchID: 1, ToLocation: 10, Quantity: 20, RefModule: "grn", ActorID: 1})
	require.NoError(t, err)
	_, err = svc.RecordMovement(ctx, MovementInput{Type: MovementStockIn, ItemID: 1, BatchID: 2, ToLocation: 10, Quantity: 20, RefModule: "grn", ActorID: 1})
	require.NoError(t, err)

	ref := "9a7de3f0-1c44-4ab8-8f77-2e8d9b6c5a22"
	lines := []AllocationLine{
		{BatchID: 1, LocationID: 10, Quantity: 20},
		{BatchID: 2, LocationID: 10, Quantity: 15},
	}
	recorded, err := svc.Allocate(ctx, 1, ref, lines, 1)
	require.NoError(t, err)
	require.Len(t, recorded, 2)
	for _, m := range recorded {
		require.Equal(t, ref, m.RefID)
		require.Equal(t, MovementAllocation, m.Type)
	}

	allocated, err := svc.Query(ctx, QueryFilter{ItemID: 1, LocationID: 10, Status: RowAllocated})
	require.NoError(t, err)
	var total float64
	for _, row := range allocated {
		total += row.Qty
	}
	require.InDelta(t, 35, total, 1e-9)

	// A retried call replays the recorded movements without drawing again.
	replayed, err := svc.Allocate(ctx, 1, ref, lines, 1)
	require.NoError(t, err)
	require.Len(t, replayed, 2)
	allocated, err = svc.Query(ctx, QueryFilter{ItemID: 1, LocationID: 10, Status: RowAllocated})
	require.NoError(t, err)
	total = 0
	for _, row := range allocated {
		total += row.Qty
	}
	require.InDelta(t, 35, total, 1e-9)

	// One reference deallocates every line.
	reversed, err := svc.Deallocate(ctx, ref, 1)
	require.NoError(t, err)
	require.Len(t, reversed, 2)
}

func TestAllocateInsufficientStockUnwinds(t *testing.T) {
	repo := newMemoryRepo()
	keys := newMemoryKeys()
	svc := NewService(repo, nil, nil, keys)
	ctx := context.Background()

	_, err := svc.RecordMovement(ctx, MovementInput{Type: MovementStockIn, ItemID: 1, BatchID: 1, ToLocation: 10, Quantity: 20, RefModule: "grn", ActorID: 1})
	require.NoError(t, err)

	ref := "6c0f9b21-84e5-4d6a-b3c9-7d1a2f4e8b33"
	_, err = svc.Allocate(ctx, 1, ref, []AllocationLine{
		{BatchID: 1, LocationID: 10, Quantity: 20},
		{BatchID: 2, LocationID: 10, Quantity: 5},
	}, 1)
	require.ErrorIs(t, err, ErrInsufficientStock)

	// The idempotency key is released, so a corrected retry succeeds.
	recorded, err := svc.Allocate(ctx, 1, ref, []AllocationLine{{BatchID: 1, LocationID: 10, Quantity: 20}}, 1)
	require.NoError(t, err)
	require.Len(t, recorded, 1)
}
