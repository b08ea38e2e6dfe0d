// Package batches keeps immutable identity and lineage for physical lots.
package batches

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status enumerates the batch lifecycle. Transitions are forward-only.
type Status string

const (
	StatusOrdered     Status = "ordered"
	StatusReceived    Status = "received"
	StatusGraded      Status = "graded"
	StatusInInventory Status = "in_inventory"
	StatusAllocated   Status = "allocated"
	StatusInTransit   Status = "in_transit"
	StatusDelivered   Status = "delivered"
	StatusArchived    Status = "archived"
	StatusCancelled   Status = "cancelled"
)

// forward maps each status to its successor in the lifecycle chain.
var forward = map[Status]Status{
	StatusOrdered:     StatusReceived,
	StatusReceived:    StatusGraded,
	StatusGraded:      StatusInInventory,
	StatusInInventory: StatusAllocated,
	StatusAllocated:   StatusInTransit,
	StatusInTransit:   StatusDelivered,
	StatusDelivered:   StatusArchived,
}

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusArchived || s == StatusCancelled
}

// CanTransition reports whether moving from s to target is allowed. The
// chain never skips stages or reverts; cancelled is reachable from any
// non-terminal status.
func (s Status) CanTransition(target Status) bool {
	if s.IsTerminal() {
		return false
	}
	if target == StatusCancelled {
		return true
	}
	return forward[s] == target
}

// Batch is a traceable lot of goods sharing one receipt event. A batch is
// repacked if and only if it has a parent.
type Batch struct {
	ID              int64           `json:"id"`
	Code            string          `json:"code"`
	ItemID          int64           `json:"item_id"`
	Status          Status          `json:"status"`
	IsRepacked      bool            `json:"is_repacked"`
	ParentID        *int64          `json:"parent_id,omitempty"`
	ReceivedQty     float64         `json:"received_qty"`
	WastageQty      float64         `json:"wastage_qty"`
	AccumulatedCost decimal.Decimal `json:"accumulated_cost"`
	Grade           string          `json:"grade,omitempty"`
	ShelfLifeDays   int             `json:"shelf_life_days,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ArchivedAt      *time.Time      `json:"archived_at,omitempty"`
}

// LineageEvent records a batch history entry: creation, split output, or a
// status change. Events are append-only.
type LineageEvent struct {
	ID           int64           `json:"id"`
	BatchID      int64           `json:"batch_id"`
	Event        string          `json:"event"`
	ChildBatchID *int64          `json:"child_batch_id,omitempty"`
	Quantity     float64         `json:"quantity"`
	CostFraction decimal.Decimal `json:"cost_fraction"`
	Note         string          `json:"note,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

// CreateBatchInput describes a new batch from a source document.
type CreateBatchInput struct {
	ItemID        int64
	ReceivedQty   float64
	UnitCost      decimal.Decimal
	Grade         string
	ShelfLifeDays int
	Received      bool
	RefModule     string
	RefID         string
	ActorID       int64
}

// SplitChildInput describes one child of a repack/grade split.
type SplitChildInput struct {
	Quantity float64
	Grade    string
}

// RecordWastageInput books spoiled or damaged quantity against a batch.
// LocationID zero records registry-only wastage with no stock adjustment.
type RecordWastageInput struct {
	BatchID    int64
	LocationID int64
	Grade      string
	Quantity   float64
	Note       string
	ActorID    int64
}

// FractionTolerance bounds rounding drift when child cost fractions are
// checked against 1.0.
var FractionTolerance = decimal.NewFromFloat(1e-6)

var (
	// ErrNotFound indicates the requested batch does not exist.
	ErrNotFound = errors.New("batches: batch not found")
	// ErrInvalidTransition indicates a status change that skips or reverts
	// the lifecycle chain.
	ErrInvalidTransition = errors.New("batches: invalid status transition")
	// ErrInvalidSplit indicates a split with fewer than two children or a
	// non-positive child quantity.
	ErrInvalidSplit = errors.New("batches: split requires at least two children with positive quantity")
	// ErrOverAllocation indicates split children exceed the parent's
	// available quantity.
	ErrOverAllocation = errors.New("batches: split children exceed available quantity")
	// ErrSequenceExhausted indicates fiscal-year sequence overflow. This is
	// operational and not recoverable by the caller.
	ErrSequenceExhausted = errors.New("batches: fiscal year sequence exhausted")
	// ErrInvalidQuantity indicates a non-positive received quantity.
	ErrInvalidQuantity = errors.New("batches: quantity must be positive")
	// ErrOverWastage indicates wastage would exceed the batch's received
	// quantity.
	ErrOverWastage = errors.New("batches: wastage exceeds received quantity")
)
