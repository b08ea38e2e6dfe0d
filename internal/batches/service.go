package batches

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/traceline-erp/traceline-erp/internal/shared"
)

// maxSequence is the largest NNNN value the batch code format can carry.
const maxSequence = 9999

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetBatch(ctx context.Context, id int64) (Batch, error)
	ListLineage(ctx context.Context, batchID int64) ([]LineageEvent, error)
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	NextSequence(ctx context.Context, fyLabel string) (int64, error)
	InsertBatch(ctx context.Context, batch Batch) (int64, error)
	GetBatchForUpdate(ctx context.Context, id int64) (Batch, error)
	UpdateStatus(ctx context.Context, id int64, status Status, archivedAt *time.Time) error
	AddWastage(ctx context.Context, id int64, delta float64) error
	InsertLineage(ctx context.Context, event LineageEvent) error
}

// StockPort reports ledger quantities for split validation and posts
// wastage adjustments against location stock.
type StockPort interface {
	AvailableForBatch(ctx context.Context, batchID int64) (float64, error)
	PostWastage(ctx context.Context, input WastageStockInput) error
}

// WastageStockInput describes the stock adjustment behind a wastage record.
type WastageStockInput struct {
	BatchID    int64
	ItemID     int64
	LocationID int64
	Grade      string
	Quantity   float64
	Note       string
	ActorID    int64
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig groups batch code settings.
type ServiceConfig struct {
	Prefix   string
	Calendar shared.FiscalCalendar
}

// Service coordinates batch registry operations.
type Service struct {
	repo  RepositoryPort
	stock StockPort
	audit AuditPort
	cfg   ServiceConfig
	now   func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, stock StockPort, audit AuditPort, cfg ServiceConfig) *Service {
	if cfg.Prefix == "" {
		cfg.Prefix = "BT"
	}
	if cfg.Calendar.StartMonth == 0 {
		cfg.Calendar = shared.NewFiscalCalendar(4, 1)
	}
	return &Service{repo: repo, stock: stock, audit: audit, cfg: cfg, now: time.Now}
}

// WithClock overrides the service clock, used by tests around the fiscal
// year boundary.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// FormatCode renders the durable PREFIX/FY/NNNN batch code.
func FormatCode(prefix, fyLabel string, seq int64) string {
	return fmt.Sprintf("%s/%s/%04d", prefix, fyLabel, seq)
}

// CreateBatch allocates the next fiscal-year sequence number and registers
// the batch. Status starts at ordered, or received when goods are already
// on hand.
func (s *Service) CreateBatch(ctx context.Context, input CreateBatchInput) (Batch, error) {
	if input.ItemID == 0 {
		return Batch{}, fmt.Errorf("batches: item required")
	}
	if input.ReceivedQty <= 0 {
		return Batch{}, ErrInvalidQuantity
	}
	now := s.now().UTC()
	status := StatusOrdered
	if input.Received {
		status = StatusReceived
	}
	batch := Batch{
		ItemID:          input.ItemID,
		Status:          status,
		ReceivedQty:     input.ReceivedQty,
		AccumulatedCost: input.UnitCost.Mul(decimal.NewFromFloat(input.ReceivedQty)),
		Grade:           input.Grade,
		ShelfLifeDays:   input.ShelfLifeDays,
		CreatedAt:       now,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		fyLabel := s.cfg.Calendar.Label(now)
		seq, err := tx.NextSequence(ctx, fyLabel)
		if err != nil {
			return err
		}
		if seq > maxSequence {
			return ErrSequenceExhausted
		}
		batch.Code = FormatCode(s.cfg.Prefix, fyLabel, seq)
		id, err := tx.InsertBatch(ctx, batch)
		if err != nil {
			return err
		}
		batch.ID = id
		return tx.InsertLineage(ctx, LineageEvent{
			BatchID:    id,
			Event:      "created",
			Quantity:   input.ReceivedQty,
			Note:       fmt.Sprintf("%s:%s", input.RefModule, input.RefID),
			OccurredAt: now,
		})
	})
	if err != nil {
		return Batch{}, err
	}
	s.recordAudit(ctx, input.ActorID, "batch:create", batch.ID, map[string]any{
		"code":         batch.Code,
		"item_id":      batch.ItemID,
		"received_qty": batch.ReceivedQty,
		"status":       batch.Status,
	})
	return batch, nil
}

// SplitBatch divides a parent's remaining quantity into child batches. Each
// child inherits a share of the parent's accumulated cost proportional to
// its share of total split output; fractions across all children sum to 1
// within rounding tolerance.
func (s *Service) SplitBatch(ctx context.Context, parentID int64, children []SplitChildInput, actorID int64) ([]Batch, error) {
	if len(children) < 2 {
		return nil, ErrInvalidSplit
	}
	var totalOut float64
	for _, child := range children {
		if child.Quantity <= 0 {
			return nil, ErrInvalidSplit
		}
		totalOut += child.Quantity
	}
	if s.stock != nil {
		available, err := s.stock.AvailableForBatch(ctx, parentID)
		if err != nil {
			return nil, err
		}
		if totalOut > available+1e-9 {
			return nil, ErrOverAllocation
		}
	}

	now := s.now().UTC()
	total := decimal.NewFromFloat(totalOut)
	created := make([]Batch, 0, len(children))

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		parent, err := tx.GetBatchForUpdate(ctx, parentID)
		if err != nil {
			return err
		}
		if parent.Status.IsTerminal() {
			return ErrInvalidTransition
		}
		if totalOut > parent.ReceivedQty-parent.WastageQty+1e-9 {
			return ErrOverAllocation
		}

		fyLabel := s.cfg.Calendar.Label(now)
		fractionSum := decimal.Zero
		for _, child := range children {
			seq, err := tx.NextSequence(ctx, fyLabel)
			if err != nil {
				return err
			}
			if seq > maxSequence {
				return ErrSequenceExhausted
			}
			fraction := decimal.NewFromFloat(child.Quantity).Div(total)
			fractionSum = fractionSum.Add(fraction)
			cb := Batch{
				Code:            FormatCode(s.cfg.Prefix, fyLabel, seq),
				ItemID:          parent.ItemID,
				Status:          StatusGraded,
				IsRepacked:      true,
				ParentID:        &parent.ID,
				ReceivedQty:     child.Quantity,
				AccumulatedCost: parent.AccumulatedCost.Mul(fraction),
				Grade:           child.Grade,
				ShelfLifeDays:   parent.ShelfLifeDays,
				CreatedAt:       now,
			}
			id, err := tx.InsertBatch(ctx, cb)
			if err != nil {
				return err
			}
			cb.ID = id
			if err := tx.InsertLineage(ctx, LineageEvent{
				BatchID:      parent.ID,
				Event:        "split",
				ChildBatchID: &cb.ID,
				Quantity:     child.Quantity,
				CostFraction: fraction,
				OccurredAt:   now,
			}); err != nil {
				return err
			}
			created = append(created, cb)
		}
		if fractionSum.Sub(decimal.NewFromInt(1)).Abs().GreaterThan(FractionTolerance) {
			return fmt.Errorf("batches: split fractions sum to %s", fractionSum)
		}
		if parent.Status.CanTransition(StatusGraded) {
			if err := tx.UpdateStatus(ctx, parent.ID, StatusGraded, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, actorID, "batch:split", parentID, map[string]any{
		"children": len(created),
		"quantity": totalOut,
	})
	return created, nil
}

// RecordWastage books spoiled or damaged quantity against the batch and
// removes it from location stock. The batch's conservation bound shrinks by
// the wasted amount, so over-wastage past the received quantity is refused.
func (s *Service) RecordWastage(ctx context.Context, input RecordWastageInput) (Batch, error) {
	if input.Quantity <= 0 {
		return Batch{}, ErrInvalidQuantity
	}
	now := s.now().UTC()
	var updated Batch
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		batch, err := tx.GetBatchForUpdate(ctx, input.BatchID)
		if err != nil {
			return err
		}
		if batch.Status.IsTerminal() {
			return ErrInvalidTransition
		}
		if batch.WastageQty+input.Quantity > batch.ReceivedQty+1e-9 {
			return ErrOverWastage
		}
		if err := tx.AddWastage(ctx, batch.ID, input.Quantity); err != nil {
			return err
		}
		if err := tx.InsertLineage(ctx, LineageEvent{
			BatchID:    batch.ID,
			Event:      "wastage",
			Quantity:   input.Quantity,
			Note:       input.Note,
			OccurredAt: now,
		}); err != nil {
			return err
		}
		updated = batch
		updated.WastageQty += input.Quantity
		return nil
	})
	if err != nil {
		return Batch{}, err
	}
	if s.stock != nil && input.LocationID != 0 {
		grade := input.Grade
		if grade == "" {
			grade = updated.Grade
		}
		err := s.stock.PostWastage(ctx, WastageStockInput{
			BatchID:    updated.ID,
			ItemID:     updated.ItemID,
			LocationID: input.LocationID,
			Grade:      grade,
			Quantity:   input.Quantity,
			Note:       input.Note,
			ActorID:    input.ActorID,
		})
		if err != nil {
			// Stock post failed after the registry committed; undo the
			// wastage so the conservation bound matches the ledger.
			revertErr := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
				return tx.AddWastage(ctx, updated.ID, -input.Quantity)
			})
			if revertErr != nil {
				return Batch{}, fmt.Errorf("post wastage: %w (revert also failed: %v)", err, revertErr)
			}
			return Batch{}, err
		}
	}
	s.recordAudit(ctx, input.ActorID, "batch:wastage", updated.ID, map[string]any{
		"quantity": input.Quantity,
		"location": input.LocationID,
	})
	return updated, nil
}

// Transition advances the batch along the forward-only lifecycle.
func (s *Service) Transition(ctx context.Context, id int64, target Status, actorID int64) (Batch, error) {
	var updated Batch
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		batch, err := tx.GetBatchForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !batch.Status.CanTransition(target) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, batch.Status, target)
		}
		var archivedAt *time.Time
		if target.IsTerminal() {
			at := s.now().UTC()
			archivedAt = &at
		}
		if err := tx.UpdateStatus(ctx, id, target, archivedAt); err != nil {
			return err
		}
		if err := tx.InsertLineage(ctx, LineageEvent{
			BatchID:    id,
			Event:      "status:" + string(target),
			OccurredAt: s.now().UTC(),
		}); err != nil {
			return err
		}
		updated = batch
		updated.Status = target
		updated.ArchivedAt = archivedAt
		return nil
	})
	if err != nil {
		return Batch{}, err
	}
	s.recordAudit(ctx, actorID, "batch:transition", id, map[string]any{"status": target})
	return updated, nil
}

// Get returns a batch by id.
func (s *Service) Get(ctx context.Context, id int64) (Batch, error) {
	return s.repo.GetBatch(ctx, id)
}

// Lineage lists the append-only history trail for a batch.
func (s *Service) Lineage(ctx context.Context, batchID int64) ([]LineageEvent, error) {
	return s.repo.ListLineage(ctx, batchID)
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, batchID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "batch",
		EntityID: fmt.Sprintf("%d", batchID),
		Meta:     meta,
	})
}
