package batches

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/traceline-erp/traceline-erp/internal/platform/db"
)

// Repository persists batch data in PostgreSQL.
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
		return errors.New("batches repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const batchColumns = `id, code, item_id, status, is_repacked, parent_id, received_qty, wastage_qty, accumulated_cost::text, grade, shelf_life_days, created_at, archived_at`

func (r *Repository) GetBatch(ctx context.Context, id int64) (Batch, error) {
	if r == nil {
		return Batch{}, errors.New("batches repository not initialised")
	}
	row := r.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id=$1`, id)
	return scanBatch(row)
}

func (r *Repository) ListLineage(ctx context.Context, batchID int64) ([]LineageEvent, error) {
	if r == nil {
		return nil, errors.New("batches repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT id, batch_id, event, child_batch_id, quantity, cost_fraction::text, note, occurred_at
FROM batch_lineage
WHERE batch_id=$1
ORDER BY occurred_at ASC, id ASC`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	events := []LineageEvent{}
	for rows.Next() {
		var (
			event    LineageEvent
			fraction string
		)
		if err := rows.Scan(&event.ID, &event.BatchID, &event.Event, &event.ChildBatchID, &event.Quantity, &fraction, &event.Note, &event.OccurredAt); err != nil {
			return nil, err
		}
		if event.CostFraction, err = decimal.NewFromString(fraction); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// NextSequence atomically increments and returns the per-fiscal-year
// counter. The upsert serializes concurrent batch creation on the same
// label so codes never duplicate.
func (r *txRepository) NextSequence(ctx context.Context, fyLabel string) (int64, error) {
	var seq int64
	err := r.tx.QueryRow(ctx, `INSERT INTO batch_sequences (fy_label, last_seq) VALUES ($1, 1)
ON CONFLICT (fy_label) DO UPDATE SET last_seq = batch_sequences.last_seq + 1
RETURNING last_seq`, fyLabel).Scan(&seq)
	return seq, err
}

func (r *txRepository) InsertBatch(ctx context.Context, batch Batch) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO batches (code, item_id, status, is_repacked, parent_id, received_qty, wastage_qty, accumulated_cost, grade, shelf_life_days, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`,
		batch.Code, batch.ItemID, string(batch.Status), batch.IsRepacked, batch.ParentID,
		batch.ReceivedQty, batch.WastageQty, batch.AccumulatedCost.String(), batch.Grade,
		batch.ShelfLifeDays, batch.CreatedAt).Scan(&id)
	return id, err
}

func (r *txRepository) GetBatchForUpdate(ctx context.Context, id int64) (Batch, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id=$1 FOR UPDATE`, id)
	return scanBatch(row)
}

func (r *txRepository) UpdateStatus(ctx context.Context, id int64, status Status, archivedAt *time.Time) error {
	tag, err := r.tx.Exec(ctx, `UPDATE batches SET status=$2, archived_at=COALESCE($3, archived_at) WHERE id=$1`, id, string(status), archivedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepository) AddWastage(ctx context.Context, id int64, delta float64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE batches SET wastage_qty = wastage_qty + $2 WHERE id=$1`, id, delta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepository) InsertLineage(ctx context.Context, event LineageEvent) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO batch_lineage (batch_id, event, child_batch_id, quantity, cost_fraction, note, occurred_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		event.BatchID, event.Event, event.ChildBatchID, event.Quantity, event.CostFraction.String(), event.Note, event.OccurredAt)
	return err
}

func scanBatch(row pgx.Row) (Batch, error) {
	var (
		batch Batch
		cost  string
	)
	err := row.Scan(&batch.ID, &batch.Code, &batch.ItemID, &batch.Status, &batch.IsRepacked, &batch.ParentID,
		&batch.ReceivedQty, &batch.WastageQty, &cost, &batch.Grade, &batch.ShelfLifeDays, &batch.CreatedAt, &batch.ArchivedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, ErrNotFound
		}
		return Batch{}, err
	}
	if batch.AccumulatedCost, err = decimal.NewFromString(cost); err != nil {
		return Batch{}, err
	}
	return batch, nil
}
