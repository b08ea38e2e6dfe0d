package grid

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/traceline-erp/traceline-erp/internal/allocation"
	"github.com/traceline-erp/traceline-erp/internal/ledger"
	"github.com/traceline-erp/traceline-erp/internal/shared"
)

// RepositoryPort is the read surface plus transaction entry point.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetSheet(ctx context.Context, id int64) (Sheet, error)
	ListSheets(ctx context.Context, status SheetStatus, limit, offset int) ([]Sheet, error)
	CountSheets(ctx context.Context, status SheetStatus) (int, error)
	ListCells(ctx context.Context, sheetID int64) ([]Cell, error)
	GetCell(ctx context.Context, id int64) (Cell, error)
	ListAudit(ctx context.Context, cellID int64) ([]CellAudit, error)
}

// TxRepository runs inside a repeatable-read transaction. Cell writes go
// through UpdateCell, which applies the row only when the stored version
// still matches the one the caller observed.
type TxRepository interface {
	FindOrCreateSheet(ctx context.Context, deliveryDate time.Time, locationID int64) (Sheet, error)
	GetSheetForUpdate(ctx context.Context, id int64) (Sheet, error)
	UpdateSheetStatus(ctx context.Context, id int64, status SheetStatus, archivedAt *time.Time) error
	ListActiveSheetIDsBefore(ctx context.Context, cutoff time.Time) ([]int64, error)
	FindCellForUpdate(ctx context.Context, sheetID, itemID, customerID int64) (Cell, error)
	GetCellForUpdate(ctx context.Context, id int64) (Cell, error)
	ListCellsForUpdate(ctx context.Context, sheetID int64) ([]Cell, error)
	InsertCell(ctx context.Context, cell Cell) (int64, error)
	UpdateCell(ctx context.Context, cell Cell, expectedVersion int64) error
	InsertAudit(ctx context.Context, audit CellAudit) error
}

// LedgerPort is the slice of the location ledger the grid drives: reading
// available rows for planning, posting allocation movements, and undoing
// them by reference.
type LedgerPort interface {
	Query(ctx context.Context, filter ledger.QueryFilter) ([]ledger.StockRow, error)
	Allocate(ctx context.Context, itemID int64, refID string, lines []ledger.AllocationLine, actorID int64) ([]ledger.Movement, error)
	Deallocate(ctx context.Context, refID string, actorID int64) ([]ledger.Movement, error)
}

// Planner produces an allocation plan from candidate stock rows.
type Planner interface {
	Plan(rows []ledger.StockRow, requested float64) allocation.Plan
}

// MetricsPort records engine counters. Nil disables metrics.
type MetricsPort interface {
	IncAllocationPlanned()
	IncShortfall()
	IncVersionConflict()
}

type Service struct {
	repo    RepositoryPort
	ledger  LedgerPort
	planner Planner
	cache   *Cache
	metrics MetricsPort
	now     func() time.Time
}

func NewService(repo RepositoryPort, ledgerPort LedgerPort, planner Planner, cache *Cache, metrics MetricsPort) *Service {
	return &Service{repo: repo, ledger: ledgerPort, planner: planner, cache: cache, metrics: metrics, now: time.Now}
}

// WithClock overrides the service clock for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// UpsertCell creates the cell for (delivery date, item, customer) or updates
// the order quantity on the existing one. The sheet is created on first use.
func (s *Service) UpsertCell(ctx context.Context, deliveryDate time.Time, locationID, itemID, customerID int64, orderQty float64, actorID int64) (Cell, error) {
	if orderQty < 0 {
		return Cell{}, ErrInvalidQuantity
	}
	var result Cell
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		sheet, err := tx.FindOrCreateSheet(ctx, deliveryDate, locationID)
		if err != nil {
			return err
		}
		if sheet.Status != SheetActive {
			return ErrSheetArchived
		}
		now := s.now().UTC()
		cell, err := tx.FindCellForUpdate(ctx, sheet.ID, itemID, customerID)
		if errors.Is(err, ErrCellNotFound) {
			cell = Cell{
				SheetID:       sheet.ID,
				ItemID:        itemID,
				CustomerID:    customerID,
				OrderQty:      orderQty,
				HasShortfall:  orderQty > 0,
				InvoiceStatus: InvoicePending,
				Version:       1,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			id, err := tx.InsertCell(ctx, cell)
			if err != nil {
				return err
			}
			cell.ID = id
			if err := s.appendAudit(ctx, tx, cell.ID, "order_quantity", "", formatQty(orderQty), actorID, now); err != nil {
				return err
			}
			result = cell
			return nil
		}
		if err != nil {
			return err
		}
		if cell.InvoiceStatus == InvoiceInvoiced {
			return ErrCellLocked
		}
		if cell.OrderQty == orderQty {
			result = cell
			return nil
		}
		old := cell.OrderQty
		cell.OrderQty = orderQty
		cell.HasShortfall = cell.SentOrZero() < orderQty
		cell.UpdatedAt = now
		if err := s.writeCell(ctx, tx, &cell, cell.Version); err != nil {
			return err
		}
		if err := s.appendAudit(ctx, tx, cell.ID, "order_quantity", formatQty(old), formatQty(orderQty), actorID, now); err != nil {
			return err
		}
		result = cell
		return nil
	})
	if err != nil {
		return Cell{}, err
	}
	s.invalidate(ctx)
	return result, nil
}

// AutoFillSentQuantity plans stock for the cell's order quantity, applies
// the plan as allocation movements, and records it on the cell. A previous
// autofill on the same cell is deallocated first. A partial plan is stored
// with the shortfall flag set, not rejected.
func (s *Service) AutoFillSentQuantity(ctx context.Context, cellID, actorID int64) (Cell, error) {
	cell, err := s.repo.GetCell(ctx, cellID)
	if err != nil {
		return Cell{}, err
	}
	if cell.InvoiceStatus == InvoiceInvoiced {
		return Cell{}, ErrCellLocked
	}
	sheet, err := s.repo.GetSheet(ctx, cell.SheetID)
	if err != nil {
		return Cell{}, err
	}
	if sheet.Status != SheetActive {
		return Cell{}, ErrSheetArchived
	}
	if cell.AllocationRef != "" {
		if _, err := s.ledger.Deallocate(ctx, cell.AllocationRef, actorID); err != nil {
			return Cell{}, fmt.Errorf("undo previous allocation: %w", err)
		}
	}

	rows, err := s.ledger.Query(ctx, ledger.QueryFilter{ItemID: cell.ItemID, LocationID: sheet.LocationID, Status: ledger.RowAvailable})
	if err != nil {
		return Cell{}, err
	}
	plan := s.planner.Plan(rows, cell.OrderQty)

	ref := uuid.NewString()
	if len(plan.Lines) > 0 {
		lines := make([]ledger.AllocationLine, 0, len(plan.Lines))
		for _, line := range plan.Lines {
			lines = append(lines, ledger.AllocationLine{
				BatchID:    line.BatchID,
				LocationID: line.LocationID,
				Grade:      line.Grade,
				Quantity:   line.Quantity,
			})
		}
		if _, err := s.ledger.Allocate(ctx, cell.ItemID, ref, lines, actorID); err != nil {
			return Cell{}, err
		}
	}

	result, err := s.applyPlan(ctx, cellID, cell.Version, plan, ref, actorID)
	if err != nil {
		// The movements already posted must not outlive a failed cell write.
		_, _ = s.ledger.Deallocate(ctx, ref, actorID)
		return Cell{}, err
	}
	if s.metrics != nil {
		s.metrics.IncAllocationPlanned()
		if !plan.Satisfied() {
			s.metrics.IncShortfall()
		}
	}
	s.invalidate(ctx)
	return result, nil
}

func (s *Service) applyPlan(ctx context.Context, cellID, expectedVersion int64, plan allocation.Plan, ref string, actorID int64) (Cell, error) {
	var result Cell
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		cell, err := tx.GetCellForUpdate(ctx, cellID)
		if err != nil {
			return err
		}
		if cell.Version != expectedVersion {
			return ErrVersionConflict
		}
		now := s.now().UTC()
		oldSent := ""
		if cell.SentQty != nil {
			oldSent = formatQty(*cell.SentQty)
		}
		sent := plan.Allocated
		cell.SentQty = &sent
		cell.AllocatedBatches = plan.Lines
		cell.AllocationRef = ref
		cell.HasShortfall = sent < cell.OrderQty
		cell.UpdatedAt = now
		if err := s.writeCell(ctx, tx, &cell, expectedVersion); err != nil {
			return err
		}
		if err := s.appendAudit(ctx, tx, cell.ID, "sent_quantity", oldSent, formatQty(sent), actorID, now); err != nil {
			return err
		}
		if err := s.appendAudit(ctx, tx, cell.ID, "allocated_batches", "", fmt.Sprintf("%d lines, %s planned", len(plan.Lines), formatQty(sent)), actorID, now); err != nil {
			return err
		}
		result = cell
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrVersionConflict) && s.metrics != nil {
			s.metrics.IncVersionConflict()
		}
		return Cell{}, err
	}
	return result, nil
}

// ManualEditSentQuantity overrides the sent quantity. The caller supplies
// the version it last observed; a stale version fails with
// ErrVersionConflict and the caller must re-read and retry.
func (s *Service) ManualEditSentQuantity(ctx context.Context, cellID int64, newQty float64, expectedVersion, actorID int64) (Cell, error) {
	if newQty < 0 {
		return Cell{}, ErrInvalidQuantity
	}
	var result Cell
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		cell, err := tx.GetCellForUpdate(ctx, cellID)
		if err != nil {
			return err
		}
		if cell.InvoiceStatus == InvoiceInvoiced {
			return ErrCellLocked
		}
		if cell.Version != expectedVersion {
			return ErrVersionConflict
		}
		now := s.now().UTC()
		oldSent := ""
		if cell.SentQty != nil {
			oldSent = formatQty(*cell.SentQty)
		}
		cell.SentQty = &newQty
		cell.HasShortfall = newQty < cell.OrderQty
		cell.UpdatedAt = now
		if err := s.writeCell(ctx, tx, &cell, expectedVersion); err != nil {
			return err
		}
		if err := s.appendAudit(ctx, tx, cell.ID, "sent_quantity", oldSent, formatQty(newQty), actorID, now); err != nil {
			return err
		}
		result = cell
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrVersionConflict) && s.metrics != nil {
			s.metrics.IncVersionConflict()
		}
		return Cell{}, err
	}
	s.invalidate(ctx)
	return result, nil
}

// MarkReady finalises the sent quantity for the delivery date. Shortfall
// cells can still be marked ready.
func (s *Service) MarkReady(ctx context.Context, cellID, expectedVersion, actorID int64) (Cell, error) {
	return s.transitionInvoiceStatus(ctx, cellID, expectedVersion, actorID, InvoicePending, InvoiceReady, false)
}

// GenerateInvoice moves a ready cell to invoiced, stamping invoiced_at and
// locking the quantities. Fails with ErrNotReady from any other state.
func (s *Service) GenerateInvoice(ctx context.Context, cellID, expectedVersion, actorID int64) (Cell, error) {
	return s.transitionInvoiceStatus(ctx, cellID, expectedVersion, actorID, InvoiceReady, InvoiceInvoiced, true)
}

func (s *Service) transitionInvoiceStatus(ctx context.Context, cellID, expectedVersion, actorID int64, from, to InvoiceStatus, stamp bool) (Cell, error) {
	var result Cell
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		cell, err := tx.GetCellForUpdate(ctx, cellID)
		if err != nil {
			return err
		}
		if cell.InvoiceStatus != from {
			if to == InvoiceInvoiced {
				return ErrNotReady
			}
			return fmt.Errorf("%w: %s to %s", ErrInvalidStatus, cell.InvoiceStatus, to)
		}
		if cell.Version != expectedVersion {
			return ErrVersionConflict
		}
		now := s.now().UTC()
		cell.InvoiceStatus = to
		if stamp {
			cell.InvoicedAt = &now
		}
		cell.UpdatedAt = now
		if err := s.writeCell(ctx, tx, &cell, expectedVersion); err != nil {
			return err
		}
		if err := s.appendAudit(ctx, tx, cell.ID, "invoice_status", string(from), string(to), actorID, now); err != nil {
			return err
		}
		result = cell
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrVersionConflict) && s.metrics != nil {
			s.metrics.IncVersionConflict()
		}
		return Cell{}, err
	}
	s.invalidate(ctx)
	return result, nil
}

// ArchiveSheet closes an active sheet once its delivery date has passed.
func (s *Service) ArchiveSheet(ctx context.Context, sheetID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		sheet, err := tx.GetSheetForUpdate(ctx, sheetID)
		if err != nil {
			return err
		}
		if sheet.Status == SheetArchived {
			return nil
		}
		now := s.now().UTC()
		return tx.UpdateSheetStatus(ctx, sheetID, SheetArchived, &now)
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// ArchivePastSheets archives every active sheet whose delivery date is
// before the cutoff. Used by the scheduled archive job.
func (s *Service) ArchivePastSheets(ctx context.Context, cutoff time.Time) (int, error) {
	archived := 0
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ids, err := tx.ListActiveSheetIDsBefore(ctx, cutoff)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		for _, id := range ids {
			if err := tx.UpdateSheetStatus(ctx, id, SheetArchived, &now); err != nil {
				return err
			}
			archived++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if archived > 0 {
		s.invalidate(ctx)
	}
	return archived, nil
}

// RefreshShortfalls recomputes the derived shortfall flag across a sheet's
// cells. Only cells whose flag actually flips are written, so operator
// versions are not churned needlessly.
func (s *Service) RefreshShortfalls(ctx context.Context, sheetID int64) (int, error) {
	updated := 0
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		cells, err := tx.ListCellsForUpdate(ctx, sheetID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		for _, cell := range cells {
			want := cell.SentOrZero() < cell.OrderQty
			if cell.HasShortfall == want {
				continue
			}
			old := cell.HasShortfall
			cell.HasShortfall = want
			cell.UpdatedAt = now
			if err := s.writeCell(ctx, tx, &cell, cell.Version); err != nil {
				return err
			}
			if err := s.appendAudit(ctx, tx, cell.ID, "has_shortfall", strconv.FormatBool(old), strconv.FormatBool(want), 0, now); err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if updated > 0 {
		s.invalidate(ctx)
	}
	return updated, nil
}

// Sheet returns the sheet and its cells, served from the snapshot cache
// when one is configured.
func (s *Service) Sheet(ctx context.Context, sheetID int64) (Sheet, []Cell, error) {
	if s.cache != nil {
		var snap sheetSnapshot
		err := s.cache.FetchSheet(ctx, sheetID, &snap, func(ctx context.Context) (sheetSnapshot, error) {
			return s.loadSheet(ctx, sheetID)
		})
		if err == nil {
			return snap.Sheet, snap.Cells, nil
		}
		if isDomainErr(err) {
			return Sheet{}, nil, err
		}
		// Cache trouble falls through to the database.
	}
	snap, err := s.loadSheet(ctx, sheetID)
	if err != nil {
		return Sheet{}, nil, err
	}
	return snap.Sheet, snap.Cells, nil
}

func (s *Service) loadSheet(ctx context.Context, sheetID int64) (sheetSnapshot, error) {
	sheet, err := s.repo.GetSheet(ctx, sheetID)
	if err != nil {
		return sheetSnapshot{}, err
	}
	cells, err := s.repo.ListCells(ctx, sheetID)
	if err != nil {
		return sheetSnapshot{}, err
	}
	return sheetSnapshot{Sheet: sheet, Cells: cells}, nil
}

// Sheets lists sheets by status, newest delivery date first.
func (s *Service) Sheets(ctx context.Context, status SheetStatus, limit, offset int) ([]Sheet, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListSheets(ctx, status, limit, offset)
}

// SheetsPage lists sheets with pagination metadata for the HTTP surface.
func (s *Service) SheetsPage(ctx context.Context, status SheetStatus, page, perPage int) ([]Sheet, shared.Pagination, error) {
	if perPage <= 0 || perPage > 200 {
		perPage = 50
	}
	if page <= 0 {
		page = 1
	}
	total, err := s.repo.CountSheets(ctx, status)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	sheets, err := s.repo.ListSheets(ctx, status, perPage, (page-1)*perPage)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return sheets, shared.NewPagination(page, perPage, total), nil
}

// Cell returns a single cell.
func (s *Service) Cell(ctx context.Context, cellID int64) (Cell, error) {
	return s.repo.GetCell(ctx, cellID)
}

// AuditTrail returns the full audit history of a cell, oldest first.
func (s *Service) AuditTrail(ctx context.Context, cellID int64) ([]CellAudit, error) {
	return s.repo.ListAudit(ctx, cellID)
}

func (s *Service) writeCell(ctx context.Context, tx TxRepository, cell *Cell, expectedVersion int64) error {
	cell.Version = expectedVersion + 1
	return tx.UpdateCell(ctx, *cell, expectedVersion)
}

func (s *Service) appendAudit(ctx context.Context, tx TxRepository, cellID int64, field, oldValue, newValue string, actorID int64, at time.Time) error {
	return tx.InsertAudit(ctx, CellAudit{
		CellID:    cellID,
		Field:     field,
		OldValue:  oldValue,
		NewValue:  newValue,
		ActorID:   actorID,
		ChangedAt: at,
	})
}

func (s *Service) invalidate(ctx context.Context) {
	if s.cache != nil {
		_ = s.cache.Bump(ctx)
	}
}

func isDomainErr(err error) bool {
	return errors.Is(err, ErrSheetNotFound) || errors.Is(err, ErrCellNotFound)
}

func formatQty(qty float64) string {
	return strconv.FormatFloat(qty, 'f', -1, 64)
}
