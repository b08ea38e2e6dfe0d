// Package grid implements the date-partitioned allocation grid: one sheet
// per delivery date, one cell per (sheet, item, customer), edited
// concurrently under optimistic locking with per-field audit history.
package grid

import (
	"errors"
	"time"

	"github.com/traceline-erp/traceline-erp/internal/allocation"
)

type SheetStatus string

const (
	SheetActive   SheetStatus = "active"
	SheetArchived SheetStatus = "archived"
)

type InvoiceStatus string

// Invoice readiness moves one way only. Invoiced is terminal and locks the
// cell quantities.
const (
	InvoicePending  InvoiceStatus = "pending"
	InvoiceReady    InvoiceStatus = "ready"
	InvoiceInvoiced InvoiceStatus = "invoiced"
)

// Sheet groups the cells of a single delivery date at one location.
type Sheet struct {
	ID           int64       `json:"id"`
	DeliveryDate time.Time   `json:"delivery_date"`
	LocationID   int64       `json:"location_id"`
	Status       SheetStatus `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
	ArchivedAt   *time.Time  `json:"archived_at,omitempty"`
}

// Cell is the unit of concurrent editing. Version increments on every
// successful write; a caller-supplied stale version is rejected.
type Cell struct {
	ID               int64             `json:"id"`
	SheetID          int64             `json:"sheet_id"`
	ItemID           int64             `json:"item_id"`
	CustomerID       int64             `json:"customer_id"`
	OrderQty         float64           `json:"order_quantity"`
	SentQty          *float64          `json:"sent_quantity,omitempty"`
	HasShortfall     bool              `json:"has_shortfall"`
	AllocatedBatches []allocation.Line `json:"allocated_batches,omitempty"`
	AllocationRef    string            `json:"allocation_ref,omitempty"`
	InvoiceStatus    InvoiceStatus     `json:"invoice_status"`
	Version          int64             `json:"version"`
	InvoicedAt       *time.Time        `json:"invoiced_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// SentOrZero treats an unfilled sent quantity as zero for shortfall math.
func (c Cell) SentOrZero() float64 {
	if c.SentQty == nil {
		return 0
	}
	return *c.SentQty
}

// CellAudit is one changed field of one successful cell write. Rows are
// append-only and never aggregated.
type CellAudit struct {
	ID        int64     `json:"id"`
	CellID    int64     `json:"cell_id"`
	Field     string    `json:"field"`
	OldValue  string    `json:"old_value"`
	NewValue  string    `json:"new_value"`
	ActorID   int64     `json:"actor_id"`
	ChangedAt time.Time `json:"changed_at"`
}

var (
	ErrSheetNotFound   = errors.New("sheet not found")
	ErrSheetArchived   = errors.New("sheet is archived")
	ErrCellNotFound    = errors.New("cell not found")
	ErrVersionConflict = errors.New("cell version conflict")
	ErrNotReady        = errors.New("cell is not ready for invoicing")
	ErrCellLocked      = errors.New("cell is invoiced and locked")
	ErrInvalidStatus   = errors.New("invalid invoice status transition")
	ErrInvalidQuantity = errors.New("quantity must not be negative")
)
