// Package ledger tracks per-location, per-batch, per-grade stock quantities
// and the append-only movement log behind them.
package ledger

import (
	"errors"
	"time"
)

// MovementType enumerates supported quantity changes.
type MovementType string

const (
	MovementStockIn    MovementType = "stock_in"
	MovementStockOut   MovementType = "stock_out"
	MovementTransfer   MovementType = "transfer"
	MovementAdjustment MovementType = "adjustment"
	MovementAllocation MovementType = "allocation"
	MovementDelivery   MovementType = "delivery"
)

// RowStatus enumerates stock row states.
type RowStatus string

const (
	RowAvailable RowStatus = "available"
	RowAllocated RowStatus = "allocated"
	RowHold      RowStatus = "hold"
	RowInTransit RowStatus = "in_transit"
	RowDelivered RowStatus = "delivered"
)

// StockRow is one (item, batch, location, grade, status) quantity record.
type StockRow struct {
	ID         int64      `json:"id"`
	ItemID     int64      `json:"item_id"`
	BatchID    int64      `json:"batch_id"`
	LocationID int64      `json:"location_id"`
	Grade      string     `json:"grade,omitempty"`
	Status     RowStatus  `json:"status"`
	Qty        float64    `json:"qty"`
	EntryDate  time.Time  `json:"entry_date"`
	ExpiryDate *time.Time `json:"expiry_date,omitempty"`
	Repacked   bool       `json:"repacked"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// RowKey identifies a stock row for locking.
type RowKey struct {
	ItemID     int64
	BatchID    int64
	LocationID int64
	Grade      string
	Status     RowStatus
}

// Movement is an append-only record of a quantity change. Movements are
// never edited or deleted; corrections are new movements.
type Movement struct {
	ID           int64        `json:"id"`
	Type         MovementType `json:"type"`
	ItemID       int64        `json:"item_id"`
	BatchID      int64        `json:"batch_id"`
	FromLocation *int64       `json:"from_location,omitempty"`
	ToLocation   *int64       `json:"to_location,omitempty"`
	Quantity     float64      `json:"quantity"`
	Grade        string       `json:"grade,omitempty"`
	RefModule    string       `json:"ref_module,omitempty"`
	RefID        string       `json:"ref_id,omitempty"`
	Note         string       `json:"note,omitempty"`
	ActorID      int64        `json:"actor_id"`
	PostedAt     time.Time    `json:"posted_at"`
}

// MovementInput describes a movement request. Quantity is always positive;
// direction comes from the type and the from/to locations.
type MovementInput struct {
	Type          MovementType
	ItemID        int64
	BatchID       int64
	FromLocation  int64
	ToLocation    int64
	Quantity      float64
	Grade         string
	ShelfLifeDays int
	RefModule     string
	RefID         string
	Note          string
	ActorID       int64
}

// QueryFilter selects stock rows.
type QueryFilter struct {
	ItemID     int64
	LocationID int64
	Status     RowStatus
	Limit      int
}

var (
	// ErrInsufficientStock indicates a decrement would drive a row negative.
	// Recoverable: reduce the requested quantity or wait for restock.
	ErrInsufficientStock = errors.New("ledger: insufficient stock")
	// ErrRowNotFound indicates the addressed stock row does not exist.
	ErrRowNotFound = errors.New("ledger: stock row not found")
	// ErrInvalidQuantity indicates a non-positive movement quantity.
	ErrInvalidQuantity = errors.New("ledger: quantity must be positive")
	// ErrInvalidMovement indicates missing or contradictory locations for
	// the movement type.
	ErrInvalidMovement = errors.New("ledger: invalid movement")
	// ErrOverReceipt indicates a stock-in that would exceed the batch's
	// received quantity minus recorded wastage.
	ErrOverReceipt = errors.New("ledger: stock-in exceeds batch received quantity")
)
