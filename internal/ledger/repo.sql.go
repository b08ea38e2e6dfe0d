package ledger

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/traceline-erp/traceline-erp/internal/platform/db"
)

// Repository persists ledger data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const rowColumns = `id, item_id, batch_id, location_id, grade, status, qty, entry_date, expiry_date, repacked, updated_at`

func (r *Repository) Query(ctx context.Context, filter QueryFilter) ([]StockRow, error) {
	if r == nil {
		return nil, errors.New("ledger repository not initialised")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.pool.Query(ctx, `SELECT `+rowColumns+` FROM stock_rows
WHERE item_id=$1 AND location_id=$2 AND ($3 = '' OR status=$3) AND qty > 0
ORDER BY entry_date ASC, id ASC
LIMIT $4`, filter.ItemID, filter.LocationID, string(filter.Status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRows(rows)
}

func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	if r == nil {
		return nil, errors.New("ledger repository not initialised")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT id, mv_type, item_id, batch_id, from_location, to_location, qty, grade, ref_module, ref_id, note, actor_id, posted_at
FROM movements
WHERE ($1 = 0 OR item_id=$1) AND ($2 = 0 OR batch_id=$2) AND ($3 = '' OR mv_type=$3) AND ($4 = '' OR ref_id=$4)
ORDER BY posted_at ASC, id ASC
LIMIT $5`, filter.ItemID, filter.BatchID, string(filter.Type), filter.RefID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMovements(rows)
}

func (r *Repository) AvailableForBatch(ctx context.Context, batchID int64) (float64, error) {
	if r == nil {
		return 0, errors.New("ledger repository not initialised")
	}
	var qty float64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(qty), 0) FROM stock_rows WHERE batch_id=$1 AND status='available'`, batchID).Scan(&qty)
	return qty, err
}

func (r *txRepository) GetRowForUpdate(ctx context.Context, key RowKey) (StockRow, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+rowColumns+` FROM stock_rows
WHERE item_id=$1 AND batch_id=$2 AND location_id=$3 AND grade=$4 AND status=$5
FOR UPDATE`, key.ItemID, key.BatchID, key.LocationID, key.Grade, string(key.Status))
	stock, err := scanRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StockRow{}, ErrRowNotFound
		}
		return StockRow{}, err
	}
	return stock, nil
}

func (r *txRepository) UpsertRow(ctx context.Context, row StockRow) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_rows (item_id, batch_id, location_id, grade, status, qty, entry_date, expiry_date, repacked, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())
ON CONFLICT (item_id, batch_id, location_id, grade, status) DO UPDATE
SET qty=EXCLUDED.qty, entry_date=EXCLUDED.entry_date, expiry_date=EXCLUDED.expiry_date, updated_at=NOW()
RETURNING id`,
		row.ItemID, row.BatchID, row.LocationID, row.Grade, string(row.Status),
		row.Qty, row.EntryDate, row.ExpiryDate, row.Repacked).Scan(&id)
	return id, err
}

func (r *txRepository) InsertMovement(ctx context.Context, movement Movement) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO movements (mv_type, item_id, batch_id, from_location, to_location, qty, grade, ref_module, ref_id, note, actor_id, posted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) RETURNING id`,
		string(movement.Type), movement.ItemID, movement.BatchID, movement.FromLocation, movement.ToLocation,
		movement.Quantity, movement.Grade, movement.RefModule, movement.RefID, movement.Note,
		movement.ActorID, movement.PostedAt).Scan(&id)
	return id, err
}

func (r *txRepository) SumBatchQuantity(ctx context.Context, batchID int64) (float64, error) {
	var qty float64
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(qty), 0) FROM stock_rows WHERE batch_id=$1 AND status <> 'delivered'`, batchID).Scan(&qty)
	return qty, err
}

func (r *txRepository) ListMovementsByRef(ctx context.Context, movementType MovementType, refID string) ([]Movement, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, mv_type, item_id, batch_id, from_location, to_location, qty, grade, ref_module, ref_id, note, actor_id, posted_at
FROM movements
WHERE mv_type=$1 AND ref_id=$2
ORDER BY id ASC`, string(movementType), refID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMovements(rows)
}

func collectRows(rows pgx.Rows) ([]StockRow, error) {
	result := []StockRow{}
	for rows.Next() {
		stock, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, stock)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanRow(row pgx.Row) (StockRow, error) {
	var stock StockRow
	err := row.Scan(&stock.ID, &stock.ItemID, &stock.BatchID, &stock.LocationID, &stock.Grade, &stock.Status,
		&stock.Qty, &stock.EntryDate, &stock.ExpiryDate, &stock.Repacked, &stock.UpdatedAt)
	return stock, err
}

func collectMovements(rows pgx.Rows) ([]Movement, error) {
	result := []Movement{}
	for rows.Next() {
		var m Movement
		if err := rows.Scan(&m.ID, &m.Type, &m.ItemID, &m.BatchID, &m.FromLocation, &m.ToLocation,
			&m.Quantity, &m.Grade, &m.RefModule, &m.RefID, &m.Note, &m.ActorID, &m.PostedAt); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
