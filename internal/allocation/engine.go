// Package allocation plans FIFO-with-priority stock draws. The engine is
// pure: it ranks the candidate rows and returns a plan, and the caller is
// responsible for turning that plan into ledger movements.
package allocation

import (
	"sort"
	"time"

	"github.com/traceline-erp/traceline-erp/internal/ledger"
)

const defaultNearExpiryWindow = 48 * time.Hour

// Line is a single draw against one stock row.
type Line struct {
	RowID      int64   `json:"row_id"`
	BatchID    int64   `json:"batch_id"`
	LocationID int64   `json:"location_id"`
	Grade      string  `json:"grade,omitempty"`
	Quantity   float64 `json:"quantity"`
}

// Plan is the outcome of one allocation request. A shortfall is a normal
// result, not an error; callers decide what a partial plan means for them.
type Plan struct {
	Lines     []Line  `json:"lines"`
	Requested float64 `json:"requested"`
	Allocated float64 `json:"allocated"`
	Shortfall float64 `json:"shortfall"`
}

// Satisfied reports whether the full requested quantity was planned.
func (p Plan) Satisfied() bool {
	return p.Shortfall <= 1e-9
}

// Engine holds the priority tunables. Rows are consumed in this order:
// near-expiry rows first, then repacked batches, then earliest entry date,
// then lowest row ID.
type Engine struct {
	nearExpiryWindow time.Duration
	repackPriority   bool
	now              func() time.Time
}

func NewEngine(nearExpiryWindow time.Duration, repackPriority bool) *Engine {
	if nearExpiryWindow <= 0 {
		nearExpiryWindow = defaultNearExpiryWindow
	}
	return &Engine{nearExpiryWindow: nearExpiryWindow, repackPriority: repackPriority, now: time.Now}
}

// WithClock overrides the engine clock for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Plan greedily draws from the candidate rows in priority order until the
// requested quantity is satisfied or the rows run out. Rows with zero
// quantity or a status other than available are skipped.
func (e *Engine) Plan(rows []ledger.StockRow, requested float64) Plan {
	plan := Plan{Requested: requested}
	if requested <= 0 {
		return plan
	}
	now := e.now().UTC()

	candidates := make([]ledger.StockRow, 0, len(rows))
	for _, row := range rows {
		if row.Status != ledger.RowAvailable || row.Qty <= 0 {
			continue
		}
		candidates = append(candidates, row)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return e.before(candidates[i], candidates[j], now)
	})

	remaining := requested
	for _, row := range candidates {
		if remaining <= 1e-9 {
			break
		}
		draw := row.Qty
		if draw > remaining {
			draw = remaining
		}
		plan.Lines = append(plan.Lines, Line{
			RowID:      row.ID,
			BatchID:    row.BatchID,
			LocationID: row.LocationID,
			Grade:      row.Grade,
			Quantity:   draw,
		})
		plan.Allocated += draw
		remaining -= draw
	}
	if remaining > 1e-9 {
		plan.Shortfall = remaining
	}
	return plan
}

// NearExpiry reports whether the row's expiry falls inside the configured
// window from now. Rows without an expiry date never qualify.
func (e *Engine) NearExpiry(row ledger.StockRow, now time.Time) bool {
	if row.ExpiryDate == nil {
		return false
	}
	return !row.ExpiryDate.After(now.Add(e.nearExpiryWindow))
}

func (e *Engine) before(a, b ledger.StockRow, now time.Time) bool {
	aNear, bNear := e.NearExpiry(a, now), e.NearExpiry(b, now)
	if aNear != bNear {
		return aNear
	}
	if e.repackPriority && a.Repacked != b.Repacked {
		return a.Repacked
	}
	if !a.EntryDate.Equal(b.EntryDate) {
		return a.EntryDate.Before(b.EntryDate)
	}
	return a.ID < b.ID
}
