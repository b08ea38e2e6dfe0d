package allocation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/traceline-erp/traceline-erp/internal/ledger"
)

func fixedNow() time.Time {
	return time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
}

func expiry(t time.Time) *time.Time {
	return &t
}

func row(id, batchID int64, qty float64, entry time.Time, exp *time.Time, repacked bool) ledger.StockRow {
	return ledger.StockRow{
		ID:         id,
		ItemID:     1,
		BatchID:    batchID,
		LocationID: 10,
		Status:     ledger.RowAvailable,
		Qty:        qty,
		EntryDate:  entry,
		ExpiryDate: exp,
		Repacked:   repacked,
	}
}

func TestPlanPriorityOrdering(t *testing.T) {
	now := fixedNow()
	engine := NewEngine(48*time.Hour, true).WithClock(fixedNow)

	rows := []ledger.StockRow{
		// C: oldest entry, no expiry pressure, plain FIFO candidate.
		row(3, 103, 10, now.AddDate(0, 0, -30), nil, false),
		// B: repacked, newer entry.
		row(2, 102, 10, now.AddDate(0, 0, -5), nil, true),
		// A: expires tomorrow, newest entry, outranks everything.
		row(1, 101, 10, now.AddDate(0, 0, -1), expiry(now.AddDate(0, 0, 1)), false),
	}

	plan := engine.Plan(rows, 15)
	require.True(t, plan.Satisfied())
	require.InDelta(t, 15, plan.Allocated, 1e-9)
	require.Len(t, plan.Lines, 2)
	require.Equal(t, int64(101), plan.Lines[0].BatchID)
	require.InDelta(t, 10, plan.Lines[0].Quantity, 1e-9)
	require.Equal(t, int64(102), plan.Lines[1].BatchID)
	require.InDelta(t, 5, plan.Lines[1].Quantity, 1e-9)
}

func TestPlanShortfall(t *testing.T) {
	now := fixedNow()
	engine := NewEngine(48*time.Hour, true).WithClock(fixedNow)

	rows := []ledger.StockRow{
		row(1, 101, 10, now.AddDate(0, 0, -3), nil, false),
		row(2, 102, 20, now.AddDate(0, 0, -2), nil, false),
	}

	plan := engine.Plan(rows, 50)
	require.False(t, plan.Satisfied())
	require.InDelta(t, 30, plan.Allocated, 1e-9)
	require.InDelta(t, 20, plan.Shortfall, 1e-9)
	require.Len(t, plan.Lines, 2)
}

func TestPlanSkipsNonAvailableRows(t *testing.T) {
	now := fixedNow()
	engine := NewEngine(48*time.Hour, true).WithClock(fixedNow)

	held := row(1, 101, 10, now.AddDate(0, 0, -10), nil, false)
	held.Status = ledger.RowAllocated
	empty := row(2, 102, 0, now.AddDate(0, 0, -10), nil, false)
	usable := row(3, 103, 5, now.AddDate(0, 0, -1), nil, false)

	plan := engine.Plan([]ledger.StockRow{held, empty, usable}, 8)
	require.Len(t, plan.Lines, 1)
	require.Equal(t, int64(103), plan.Lines[0].BatchID)
	require.InDelta(t, 5, plan.Allocated, 1e-9)
	require.InDelta(t, 3, plan.Shortfall, 1e-9)
}

func TestPlanTieBreaksOnRowID(t *testing.T) {
	now := fixedNow()
	engine := NewEngine(48*time.Hour, true).WithClock(fixedNow)
	entry := now.AddDate(0, 0, -7)

	rows := []ledger.StockRow{
		row(9, 109, 10, entry, nil, false),
		row(4, 104, 10, entry, nil, false),
	}

	plan := engine.Plan(rows, 10)
	require.Len(t, plan.Lines, 1)
	require.Equal(t, int64(4), plan.Lines[0].RowID)
}

func TestPlanRepackPriorityDisabled(t *testing.T) {
	now := fixedNow()
	engine := NewEngine(48*time.Hour, false).WithClock(fixedNow)

	rows := []ledger.StockRow{
		row(1, 101, 10, now.AddDate(0, 0, -2), nil, true),
		row(2, 102, 10, now.AddDate(0, 0, -9), nil, false),
	}

	plan := engine.Plan(rows, 10)
	require.Len(t, plan.Lines, 1)
	require.Equal(t, int64(102), plan.Lines[0].BatchID)
}

func TestNearExpiryWindowBoundary(t *testing.T) {
	now := fixedNow()
	engine := NewEngine(48*time.Hour, true).WithClock(fixedNow)

	inside := row(1, 101, 1, now, expiry(now.Add(47*time.Hour)), false)
	outside := row(2, 102, 1, now, expiry(now.Add(49*time.Hour)), false)
	none := row(3, 103, 1, now, nil, false)

	require.True(t, engine.NearExpiry(inside, now))
	require.False(t, engine.NearExpiry(outside, now))
	require.False(t, engine.NearExpiry(none, now))
}
