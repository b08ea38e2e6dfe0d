package grid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/traceline-erp/traceline-erp/internal/allocation"
	"github.com/traceline-erp/traceline-erp/internal/platform/db"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("grid: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const sheetColumns = `id, delivery_date, location_id, status, created_at, archived_at`

const cellColumns = `id, sheet_id, item_id, customer_id, order_qty, sent_qty,
	has_shortfall, allocated_batches, allocation_ref, invoice_status, version,
	invoiced_at, created_at, updated_at`

func (r *Repository) GetSheet(ctx context.Context, id int64) (Sheet, error) {
	if r == nil || r.pool == nil {
		return Sheet{}, errors.New("grid: repository not initialised")
	}
	row := r.pool.QueryRow(ctx, `SELECT `+sheetColumns+` FROM sheets WHERE id = $1`, id)
	return scanSheet(row)
}

func (r *Repository) ListSheets(ctx context.Context, status SheetStatus, limit, offset int) ([]Sheet, error) {
	if r == nil || r.pool == nil {
		return nil, errors.New("grid: repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+sheetColumns+`
		FROM sheets
		WHERE ($1 = '' OR status = $1)
		ORDER BY delivery_date DESC, id DESC
		LIMIT $2 OFFSET $3`, string(status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sheets: %w", err)
	}
	defer rows.Close()

	var sheets []Sheet
	for rows.Next() {
		sheet, err := scanSheet(rows)
		if err != nil {
			return nil, err
		}
		sheets = append(sheets, sheet)
	}
	return sheets, rows.Err()
}

func (r *Repository) CountSheets(ctx context.Context, status SheetStatus) (int, error) {
	if r == nil || r.pool == nil {
		return 0, errors.New("grid: repository not initialised")
	}
	var total int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM sheets
		WHERE ($1 = '' OR status = $1)`, string(status)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("count sheets: %w", err)
	}
	return total, nil
}

func (r *Repository) ListCells(ctx context.Context, sheetID int64) ([]Cell, error) {
	if r == nil || r.pool == nil {
		return nil, errors.New("grid: repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+cellColumns+`
		FROM cells
		WHERE sheet_id = $1
		ORDER BY item_id, customer_id`, sheetID)
	if err != nil {
		return nil, fmt.Errorf("list cells: %w", err)
	}
	defer rows.Close()
	return collectCells(rows)
}

func (r *Repository) GetCell(ctx context.Context, id int64) (Cell, error) {
	if r == nil || r.pool == nil {
		return Cell{}, errors.New("grid: repository not initialised")
	}
	row := r.pool.QueryRow(ctx, `SELECT `+cellColumns+` FROM cells WHERE id = $1`, id)
	return scanCell(row)
}

func (r *Repository) ListAudit(ctx context.Context, cellID int64) ([]CellAudit, error) {
	if r == nil || r.pool == nil {
		return nil, errors.New("grid: repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, cell_id, field, old_value, new_value, actor_id, changed_at
		FROM cell_audits
		WHERE cell_id = $1
		ORDER BY id`, cellID)
	if err != nil {
		return nil, fmt.Errorf("list cell audit: %w", err)
	}
	defer rows.Close()

	var audits []CellAudit
	for rows.Next() {
		var a CellAudit
		if err := rows.Scan(&a.ID, &a.CellID, &a.Field, &a.OldValue, &a.NewValue, &a.ActorID, &a.ChangedAt); err != nil {
			return nil, fmt.Errorf("scan cell audit: %w", err)
		}
		audits = append(audits, a)
	}
	return audits, rows.Err()
}

func (t *txRepository) FindOrCreateSheet(ctx context.Context, deliveryDate time.Time, locationID int64) (Sheet, error) {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO sheets (delivery_date, location_id, status, created_at)
		VALUES ($1, $2, 'active', now())
		ON CONFLICT (delivery_date, location_id) DO UPDATE SET location_id = sheets.location_id
		RETURNING `+sheetColumns,
		deliveryDate, locationID)
	return scanSheet(row)
}

func (t *txRepository) GetSheetForUpdate(ctx context.Context, id int64) (Sheet, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+sheetColumns+` FROM sheets WHERE id = $1 FOR UPDATE`, id)
	return scanSheet(row)
}

func (t *txRepository) UpdateSheetStatus(ctx context.Context, id int64, status SheetStatus, archivedAt *time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE sheets SET status = $2, archived_at = $3 WHERE id = $1`,
		id, string(status), archivedAt)
	if err != nil {
		return fmt.Errorf("update sheet status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSheetNotFound
	}
	return nil
}

func (t *txRepository) ListActiveSheetIDsBefore(ctx context.Context, cutoff time.Time) ([]int64, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id FROM sheets
		WHERE status = 'active' AND delivery_date < $1
		ORDER BY id
		FOR UPDATE`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list past sheets: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *txRepository) FindCellForUpdate(ctx context.Context, sheetID, itemID, customerID int64) (Cell, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+cellColumns+`
		FROM cells
		WHERE sheet_id = $1 AND item_id = $2 AND customer_id = $3
		FOR UPDATE`, sheetID, itemID, customerID)
	return scanCell(row)
}

func (t *txRepository) GetCellForUpdate(ctx context.Context, id int64) (Cell, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+cellColumns+` FROM cells WHERE id = $1 FOR UPDATE`, id)
	return scanCell(row)
}

func (t *txRepository) ListCellsForUpdate(ctx context.Context, sheetID int64) ([]Cell, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+cellColumns+`
		FROM cells
		WHERE sheet_id = $1
		ORDER BY id
		FOR UPDATE`, sheetID)
	if err != nil {
		return nil, fmt.Errorf("list cells for update: %w", err)
	}
	defer rows.Close()
	return collectCells(rows)
}

func (t *txRepository) InsertCell(ctx context.Context, cell Cell) (int64, error) {
	batches, err := marshalLines(cell.AllocatedBatches)
	if err != nil {
		return 0, err
	}
	var id int64
	err = t.tx.QueryRow(ctx, `
		INSERT INTO cells (
			sheet_id, item_id, customer_id, order_qty, sent_qty, has_shortfall,
			allocated_batches, allocation_ref, invoice_status, version,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		cell.SheetID, cell.ItemID, cell.CustomerID, cell.OrderQty, cell.SentQty,
		cell.HasShortfall, batches, cell.AllocationRef, string(cell.InvoiceStatus),
		cell.Version, cell.CreatedAt, cell.UpdatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert cell: %w", err)
	}
	return id, nil
}

// UpdateCell applies the row only when the stored version still matches
// expectedVersion. Zero rows affected means another writer got there first.
func (t *txRepository) UpdateCell(ctx context.Context, cell Cell, expectedVersion int64) error {
	batches, err := marshalLines(cell.AllocatedBatches)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE cells SET
			order_qty = $3, sent_qty = $4, has_shortfall = $5,
			allocated_batches = $6, allocation_ref = $7, invoice_status = $8,
			version = $9, invoiced_at = $10, updated_at = $11
		WHERE id = $1 AND version = $2`,
		cell.ID, expectedVersion,
		cell.OrderQty, cell.SentQty, cell.HasShortfall, batches,
		cell.AllocationRef, string(cell.InvoiceStatus), cell.Version,
		cell.InvoicedAt, cell.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update cell: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (t *txRepository) InsertAudit(ctx context.Context, audit CellAudit) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO cell_audits (cell_id, field, old_value, new_value, actor_id, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		audit.CellID, audit.Field, audit.OldValue, audit.NewValue, audit.ActorID, audit.ChangedAt)
	if err != nil {
		return fmt.Errorf("insert cell audit: %w", err)
	}
	return nil
}

func collectCells(rows pgx.Rows) ([]Cell, error) {
	var cells []Cell
	for rows.Next() {
		cell, err := scanCell(rows)
		if err != nil {
			return nil, err
		}
		cells = append(cells, cell)
	}
	return cells, rows.Err()
}

func scanSheet(row pgx.Row) (Sheet, error) {
	var s Sheet
	err := row.Scan(&s.ID, &s.DeliveryDate, &s.LocationID, &s.Status, &s.CreatedAt, &s.ArchivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Sheet{}, ErrSheetNotFound
	}
	if err != nil {
		return Sheet{}, fmt.Errorf("scan sheet: %w", err)
	}
	return s, nil
}

func scanCell(row pgx.Row) (Cell, error) {
	var (
		c       Cell
		batches []byte
	)
	err := row.Scan(
		&c.ID, &c.SheetID, &c.ItemID, &c.CustomerID, &c.OrderQty, &c.SentQty,
		&c.HasShortfall, &batches, &c.AllocationRef, &c.InvoiceStatus,
		&c.Version, &c.InvoicedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Cell{}, ErrCellNotFound
	}
	if err != nil {
		return Cell{}, fmt.Errorf("scan cell: %w", err)
	}
	if len(batches) > 0 {
		if err := json.Unmarshal(batches, &c.AllocatedBatches); err != nil {
			return Cell{}, fmt.Errorf("decode allocated batches: %w", err)
		}
	}
	return c, nil
}

func marshalLines(lines []allocation.Line) ([]byte, error) {
	if len(lines) == 0 {
		return []byte("[]"), nil
	}
	raw, err := json.Marshal(lines)
	if err != nil {
		return nil, fmt.Errorf("encode allocated batches: %w", err)
	}
	return raw, nil
}
