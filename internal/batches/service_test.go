package batches

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/traceline-erp/traceline-erp/internal/shared"
)

type memoryRepo struct {
	sequences map[string]int64
	batches   map[int64]Batch
	lineage   []LineageEvent
	nextID    int64
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{sequences: make(map[string]int64), batches: make(map[int64]Batch)}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) GetBatch(ctx context.Context, id int64) (Batch, error) {
	batch, ok := r.batches[id]
	if !ok {
		return Batch{}, ErrNotFound
	}
	return batch, nil
}

func (r *memoryRepo) ListLineage(ctx context.Context, batchID int64) ([]LineageEvent, error) {
	var events []LineageEvent
	for _, e := range r.lineage {
		if e.BatchID == batchID {
			events = append(events, e)
		}
	}
	return events, nil
}

func (tx *memoryTx) NextSequence(ctx context.Context, fyLabel string) (int64, error) {
	tx.repo.sequences[fyLabel]++
	return tx.repo.sequences[fyLabel], nil
}

func (tx *memoryTx) InsertBatch(ctx context.Context, batch Batch) (int64, error) {
	tx.repo.nextID++
	batch.ID = tx.repo.nextID
	tx.repo.batches[batch.ID] = batch
	return batch.ID, nil
}

func (tx *memoryTx) GetBatchForUpdate(ctx context.Context, id int64) (Batch, error) {
	return tx.repo.GetBatch(ctx, id)
}

func (tx *memoryTx) UpdateStatus(ctx context.Context, id int64, status Status, archivedAt *time.Time) error {
	batch, ok := tx.repo.batches[id]
	if !ok {
		return ErrNotFound
	}
	batch.Status = status
	if archivedAt != nil {
		batch.ArchivedAt = archivedAt
	}
	tx.repo.batches[id] = batch
	return nil
}

func (tx *memoryTx) InsertLineage(ctx context.Context, event LineageEvent) error {
	event.ID = int64(len(tx.repo.lineage) + 1)
	tx.repo.lineage = append(tx.repo.lineage, event)
	return nil
}

func (tx *memoryTx) AddWastage(ctx context.Context, id int64, delta float64) error {
	batch, ok := tx.repo.batches[id]
	if !ok {
		return ErrNotFound
	}
	batch.WastageQty += delta
	tx.repo.batches[id] = batch
	return nil
}

type fixedStock struct {
	available  float64
	wastage    []WastageStockInput
	wastageErr error
}

func (s *fixedStock) AvailableForBatch(ctx context.Context, batchID int64) (float64, error) {
	return s.available, nil
}

func (s *fixedStock) PostWastage(ctx context.Context, input WastageStockInput) error {
	if s.wastageErr != nil {
		return s.wastageErr
	}
	s.wastage = append(s.wastage, input)
	return nil
}

func newTestService(repo *memoryRepo, stock StockPort) *Service {
	svc := NewService(repo, stock, nil, ServiceConfig{Prefix: "BT", Calendar: shared.NewFiscalCalendar(4, 1)})
	return svc.WithClock(func() time.Time {
		return time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	})
}

func TestCreateBatchCodeFormat(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)
	ctx := context.Background()

	first, err := svc.CreateBatch(ctx, CreateBatchInput{ItemID: 1, ReceivedQty: 100, Received: true, RefModule: "grn", RefID: "r1", ActorID: 7})
	require.NoError(t, err)
	require.Equal(t, "BT/2526/0001", first.Code)
	require.Equal(t, StatusReceived, first.Status)
	require.False(t, first.IsRepacked)

	second, err := svc.CreateBatch(ctx, CreateBatchInput{ItemID: 1, ReceivedQty: 50, RefModule: "po", RefID: "r2", ActorID: 7})
	require.NoError(t, err)
	require.Equal(t, "BT/2526/0002", second.Code)
	require.Equal(t, StatusOrdered, second.Status)
}

func TestCreateBatchSequenceResetsOnFiscalRollover(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, ServiceConfig{Prefix: "BT", Calendar: shared.NewFiscalCalendar(4, 1)})
	ctx := context.Background()

	svc.WithClock(func() time.Time { return time.Date(2025, 3, 31, 10, 0, 0, 0, time.UTC) })
	before, err := svc.CreateBatch(ctx, CreateBatchInput{ItemID: 1, ReceivedQty: 10, RefModule: "grn", RefID: "a", ActorID: 1})
	require.NoError(t, err)
	require.Equal(t, "BT/2425/0001", before.Code)

	svc.WithClock(func() time.Time { return time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC) })
	after, err := svc.CreateBatch(ctx, CreateBatchInput{ItemID: 1, ReceivedQty: 10, RefModule: "grn", RefID: "b", ActorID: 1})
	require.NoError(t, err)
	require.Equal(t, "BT/2526/0001", after.Code)
}

func TestCreateBatchSequenceExhausted(t *testing.T) {
	repo := newMemoryRepo()
	repo.sequences["2526"] = maxSequence
	svc := newTestService(repo, nil)

	_, err := svc.CreateBatch(context.Background(), CreateBatchInput{ItemID: 1, ReceivedQty: 10, RefModule: "grn", RefID: "x", ActorID: 1})
	require.ErrorIs(t, err, ErrSequenceExhausted)
}

func TestSplitBatchFractionsSumToOne(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, &fixedStock{available: 90})
	ctx := context.Background()

	parent, err := svc.CreateBatch(ctx, CreateBatchInput{ItemID: 1, ReceivedQty: 90, UnitCost: decimal.NewFromInt(10), Received: true, RefModule: "grn", RefID: "r", ActorID: 1})
	require.NoError(t, err)

	children, err := svc.SplitBatch(ctx, parent.ID, []SplitChildInput{
		{Quantity: 30, Grade: "A"},
		{Quantity: 30, Grade: "B"},
		{Quantity: 30, Grade: "C"},
	}, 1)
	require.NoError(t, err)
	require.Len(t, children, 3)

	fractionSum := decimal.Zero
	costSum := decimal.Zero
	for _, child := range children {
		require.True(t, child.IsRepacked)
		require.NotNil(t, child.ParentID)
		require.Equal(t, parent.ID, *child.ParentID)
		require.Equal(t, StatusGraded, child.Status)
		costSum = costSum.Add(child.AccumulatedCost)
	}
	for _, e := range repo.lineage {
		if e.Event == "split" {
			fractionSum = fractionSum.Add(e.CostFraction)
		}
	}
	require.True(t, fractionSum.Sub(decimal.NewFromInt(1)).Abs().LessThanOrEqual(FractionTolerance),
		"fractions sum %s", fractionSum)
	require.True(t, costSum.Sub(parent.AccumulatedCost).Abs().LessThan(decimal.NewFromFloat(0.0001)),
		"cost sum %s vs parent %s", costSum, parent.AccumulatedCost)

	updated, err := svc.Get(ctx, parent.ID)
	require.NoError(t, err)
	require.Equal(t, StatusGraded, updated.Status)
}

func TestSplitBatchRejectsInvalidInput(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, &fixedStock{available: 50})
	ctx := context.Background()

	parent, err := svc.CreateBatch(ctx, CreateBatchInput{ItemID: 1, ReceivedQty: 50, Received: true, RefModule: "grn", RefID: "r", ActorID: 1})
	require.NoError(t, err)

	_, err = svc.SplitBatch(ctx, parent.ID, []SplitChildInput{{Quantity: 50}}, 1)
	require.ErrorIs(t, err, ErrInvalidSplit)

	_, err = svc.SplitBatch(ctx, parent.ID, []SplitChildInput{{Quantity: 40}, {Quantity: 20}}, 1)
	require.ErrorIs(t, err, ErrOverAllocation)
}

func TestTransitionForwardOnly(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)
	ctx := context.Background()

	batch, err := svc.CreateBatch(ctx, CreateBatchInput{ItemID: 1, ReceivedQty: 10, RefModule: "po", RefID: "r", ActorID: 1})
	require.NoError(t, err)

	// No skipping stages.
	_, err = svc.Transition(ctx, batch.ID, StatusInInventory, 1)
	require.ErrorIs(t, err, ErrInvalidTransition)

	batch, err = svc.Transition(ctx, batch.ID, StatusReceived, 1)
	require.NoError(t, err)
	require.Equal(t, StatusReceived, batch.Status)

	// No reverting.
	_, err = svc.Transition(ctx, batch.ID, StatusOrdered, 1)
	require.ErrorIs(t, err, ErrInvalidTransition)

	// Cancelled is reachable from any non-terminal status and is terminal.
	batch, err = svc.Transition(ctx, batch.ID, StatusCancelled, 1)
	require.NoError(t, err)
	require.NotNil(t, batch.ArchivedAt)

	_, err = svc.Transition(ctx, batch.ID, StatusGraded, 1)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRecordWastage(t *testing.T) {
	repo := newMemoryRepo()
	stock := &fixedStock{available: 100}
	svc := newTestService(repo, stock)
	ctx := context.Background()

	batch, err := svc.CreateBatch(ctx, CreateBatchInput{ItemID: 1, ReceivedQty: 100, Received: true, Grade: "A", RefModule: "grn", RefID: "r", ActorID: 3})
	require.NoError(t, err)

	updated, err := svc.RecordWastage(ctx, RecordWastageInput{BatchID: batch.ID, LocationID: 5, Quantity: 15, Note: "crushed", ActorID: 3})
	require.NoError(t, err)
	require.Equal(t, 15.0, updated.WastageQty)

	require.Len(t, stock.wastage, 1)
	require.Equal(t, int64(5), stock.wastage[0].LocationID)
	require.Equal(t, "A", stock.wastage[0].Grade)
	require.Equal(t, 15.0, stock.wastage[0].Quantity)

	events, err := svc.Lineage(ctx, batch.ID)
	require.NoError(t, err)
	var sawWastage bool
	for _, e := range events {
		if e.Event == "wastage" {
			sawWastage = true
			require.Equal(t, 15.0, e.Quantity)
		}
	}
	require.True(t, sawWastage)

	// Cumulative wastage never exceeds the received quantity.
	_, err = svc.RecordWastage(ctx, RecordWastageInput{BatchID: batch.ID, LocationID: 5, Quantity: 90, ActorID: 3})
	require.ErrorIs(t, err, ErrOverWastage)
}

func TestRecordWastageRevertsOnStockFailure(t *testing.T) {
	repo := newMemoryRepo()
	stock := &fixedStock{available: 100, wastageErr: context.DeadlineExceeded}
	svc := newTestService(repo, stock)
	ctx := context.Background()

	batch, err := svc.CreateBatch(ctx, CreateBatchInput{ItemID: 1, ReceivedQty: 100, Received: true, RefModule: "grn", RefID: "r", ActorID: 3})
	require.NoError(t, err)

	_, err = svc.RecordWastage(ctx, RecordWastageInput{BatchID: batch.ID, LocationID: 5, Quantity: 10, ActorID: 3})
	require.Error(t, err)

	current, err := svc.Get(ctx, batch.ID)
	require.NoError(t, err)
	require.Zero(t, current.WastageQty)
}
