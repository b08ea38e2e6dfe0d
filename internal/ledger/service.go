package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/traceline-erp/traceline-erp/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Query(ctx context.Context, filter QueryFilter) ([]StockRow, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
	AvailableForBatch(ctx context.Context, batchID int64) (float64, error)
}

// TxRepository exposes transactional operations used by service. Row locks
// taken by GetRowForUpdate serialize concurrent movements on the same
// (item, batch, location) key.
type TxRepository interface {
	GetRowForUpdate(ctx context.Context, key RowKey) (StockRow, error)
	UpsertRow(ctx context.Context, row StockRow) (int64, error)
	InsertMovement(ctx context.Context, movement Movement) (int64, error)
	SumBatchQuantity(ctx context.Context, batchID int64) (float64, error)
	ListMovementsByRef(ctx context.Context, movementType MovementType, refID string) ([]Movement, error)
}

// MovementFilter selects movement log entries.
type MovementFilter struct {
	ItemID  int64
	BatchID int64
	Type    MovementType
	RefID   string
	Limit   int
}

// BatchInfo carries the batch facts the ledger needs for stock-in guards
// and row metadata.
type BatchInfo struct {
	ReceivedQty   float64
	WastageQty    float64
	Repacked      bool
	Grade         string
	ShelfLifeDays int
}

// BatchPort resolves batch facts from the registry.
type BatchPort interface {
	Info(ctx context.Context, batchID int64) (BatchInfo, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort deduplicates movements by caller reference. Satisfied by
// shared.IdempotencyStore.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Service coordinates ledger operations.
type Service struct {
	repo        RepositoryPort
	batchPort   BatchPort
	audit       AuditPort
	idempotency IdempotencyPort
	now         func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, batchPort BatchPort, audit AuditPort, idem IdempotencyPort) *Service {
	return &Service{repo: repo, batchPort: batchPort, audit: audit, idempotency: idem, now: time.Now}
}

// WithClock overrides the service clock for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// RecordMovement atomically inserts the movement row and adjusts the
// affected stock rows. Decrements that would drive a row negative fail with
// ErrInsufficientStock; the check and the adjustment happen under the same
// row lock.
func (s *Service) RecordMovement(ctx context.Context, input MovementInput) (Movement, error) {
	if err := validateMovement(input); err != nil {
		return Movement{}, err
	}
	now := s.now().UTC()
	movement := Movement{
		Type:      input.Type,
		ItemID:    input.ItemID,
		BatchID:   input.BatchID,
		Quantity:  input.Quantity,
		Grade:     input.Grade,
		RefModule: input.RefModule,
		RefID:     input.RefID,
		Note:      input.Note,
		ActorID:   input.ActorID,
		PostedAt:  now,
	}
	if input.FromLocation != 0 {
		from := input.FromLocation
		movement.FromLocation = &from
	}
	if input.ToLocation != 0 {
		to := input.ToLocation
		movement.ToLocation = &to
	}

	insertedKey := false
	key := ""
	if s.idempotency != nil && input.RefID != "" {
		key = fmt.Sprintf("%s:%s", input.Type, input.RefID)
		if err := s.idempotency.CheckAndInsert(ctx, key, "ledger"); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return s.replayedMovement(ctx, input.Type, input.RefID)
			}
			return Movement{}, err
		}
		insertedKey = true
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return s.applyMovement(ctx, tx, &movement, input)
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, key)
		}
		return Movement{}, err
	}
	s.recordAudit(ctx, input.ActorID, fmt.Sprintf("ledger:%s", input.Type), movement)
	return movement, nil
}

// replayedMovement resolves a duplicate reference to the movement it
// originally produced, so retried posts are safe no-ops for the caller.
func (s *Service) replayedMovement(ctx context.Context, mvType MovementType, refID string) (Movement, error) {
	movements, err := s.repo.ListMovements(ctx, MovementFilter{Type: mvType, RefID: refID, Limit: 1})
	if err != nil {
		return Movement{}, err
	}
	if len(movements) == 0 {
		return Movement{}, shared.ErrIdempotencyConflict
	}
	return movements[0], nil
}

// AllocationLine is one batch draw applied by Allocate.
type AllocationLine struct {
	BatchID    int64
	LocationID int64
	Grade      string
	Quantity   float64
}

// Allocate moves the given quantities from available to allocated in one
// transaction, recording an allocation movement per line under the shared
// reference. The reference is the idempotency unit: a retried call returns
// the movements already recorded without moving stock again.
func (s *Service) Allocate(ctx context.Context, itemID int64, refID string, lines []AllocationLine, actorID int64) ([]Movement, error) {
	if refID == "" || itemID == 0 || len(lines) == 0 {
		return nil, ErrInvalidMovement
	}
	for _, line := range lines {
		if line.Quantity <= 0 {
			return nil, ErrInvalidQuantity
		}
	}
	insertedKey := false
	key := "allocation:" + refID
	if s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, key, "ledger"); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return s.repo.ListMovements(ctx, MovementFilter{Type: MovementAllocation, RefID: refID})
			}
			return nil, err
		}
		insertedKey = true
	}
	now := s.now().UTC()
	var recorded []Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, line := range lines {
			if err := s.moveBetweenStatuses(ctx, tx, itemID, line.BatchID, line.LocationID, line.Grade, line.Quantity, RowAvailable, RowAllocated); err != nil {
				return err
			}
			loc := line.LocationID
			movement := Movement{
				Type:         MovementAllocation,
				ItemID:       itemID,
				BatchID:      line.BatchID,
				FromLocation: &loc,
				Quantity:     line.Quantity,
				Grade:        line.Grade,
				RefModule:    "grid",
				RefID:        refID,
				ActorID:      actorID,
				PostedAt:     now,
			}
			id, err := tx.InsertMovement(ctx, movement)
			if err != nil {
				return err
			}
			movement.ID = id
			recorded = append(recorded, movement)
		}
		return nil
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, key)
		}
		return nil, err
	}
	for _, m := range recorded {
		s.recordAudit(ctx, actorID, "ledger:allocation", m)
	}
	return recorded, nil
}

// Deallocate undoes the allocation movements recorded under the given
// reference, returning the quantities from allocated back to available.
// Keyed by the originating reference, a retried call is a no-op.
func (s *Service) Deallocate(ctx context.Context, refID string, actorID int64) ([]Movement, error) {
	if refID == "" {
		return nil, ErrInvalidMovement
	}
	if s.idempotency != nil {
		key := "deallocate:" + refID
		if err := s.idempotency.CheckAndInsert(ctx, key, "ledger"); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return nil, nil
			}
			return nil, err
		}
	}
	now := s.now().UTC()
	var reversed []Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		allocations, err := tx.ListMovementsByRef(ctx, MovementAllocation, refID)
		if err != nil {
			return err
		}
		for _, alloc := range allocations {
			if alloc.FromLocation == nil {
				continue
			}
			loc := *alloc.FromLocation
			if err := s.moveBetweenStatuses(ctx, tx, alloc.ItemID, alloc.BatchID, loc, alloc.Grade, alloc.Quantity, RowAllocated, RowAvailable); err != nil {
				return err
			}
			undo := Movement{
				Type:         MovementAdjustment,
				ItemID:       alloc.ItemID,
				BatchID:      alloc.BatchID,
				FromLocation: &loc,
				ToLocation:   &loc,
				Quantity:     alloc.Quantity,
				Grade:        alloc.Grade,
				RefModule:    alloc.RefModule,
				RefID:        refID,
				Note:         "deallocate",
				ActorID:      actorID,
				PostedAt:     now,
			}
			id, err := tx.InsertMovement(ctx, undo)
			if err != nil {
				return err
			}
			undo.ID = id
			reversed = append(reversed, undo)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, m := range reversed {
		s.recordAudit(ctx, actorID, "ledger:deallocate", m)
	}
	return reversed, nil
}

// Query lists stock rows; used by the allocation engine and reporting.
func (s *Service) Query(ctx context.Context, filter QueryFilter) ([]StockRow, error) {
	if filter.ItemID == 0 || filter.LocationID == 0 {
		return nil, errors.New("ledger: item and location required")
	}
	return s.repo.Query(ctx, filter)
}

// Movements lists append-only log entries for reporting and export.
func (s *Service) Movements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	return s.repo.ListMovements(ctx, filter)
}

// AvailableForBatch sums available quantity across all rows of a batch. It
// backs the batch registry's split validation.
func (s *Service) AvailableForBatch(ctx context.Context, batchID int64) (float64, error) {
	return s.repo.AvailableForBatch(ctx, batchID)
}

func (s *Service) applyMovement(ctx context.Context, tx TxRepository, movement *Movement, input MovementInput) error {
	switch input.Type {
	case MovementStockIn:
		if err := s.applyStockIn(ctx, tx, input); err != nil {
			return err
		}
	case MovementStockOut:
		if err := s.decrementRow(ctx, tx, rowKey(input, input.FromLocation, RowAvailable), input.Quantity); err != nil {
			return err
		}
	case MovementTransfer:
		source, err := s.decrementRowReturning(ctx, tx, rowKey(input, input.FromLocation, RowAvailable), input.Quantity)
		if err != nil {
			return err
		}
		dest := source
		dest.ID = 0
		dest.LocationID = input.ToLocation
		dest.Qty = input.Quantity
		if err := s.incrementRow(ctx, tx, dest); err != nil {
			return err
		}
	case MovementAdjustment:
		if input.FromLocation != 0 {
			if err := s.decrementRow(ctx, tx, rowKey(input, input.FromLocation, RowAvailable), input.Quantity); err != nil {
				return err
			}
		} else {
			row := StockRow{
				ItemID: input.ItemID, BatchID: input.BatchID, LocationID: input.ToLocation,
				Grade: input.Grade, Status: RowAvailable, Qty: input.Quantity, EntryDate: s.now().UTC(),
			}
			if err := s.incrementRow(ctx, tx, row); err != nil {
				return err
			}
		}
	case MovementAllocation:
		if err := s.moveBetweenStatuses(ctx, tx, input.ItemID, input.BatchID, input.FromLocation, input.Grade, input.Quantity, RowAvailable, RowAllocated); err != nil {
			return err
		}
	case MovementDelivery:
		if err := s.decrementRow(ctx, tx, rowKey(input, input.FromLocation, RowAllocated), input.Quantity); err != nil {
			return err
		}
	default:
		return ErrInvalidMovement
	}

	id, err := tx.InsertMovement(ctx, *movement)
	if err != nil {
		return err
	}
	movement.ID = id
	return nil
}

func (s *Service) applyStockIn(ctx context.Context, tx TxRepository, input MovementInput) error {
	now := s.now().UTC()
	row := StockRow{
		ItemID:     input.ItemID,
		BatchID:    input.BatchID,
		LocationID: input.ToLocation,
		Grade:      input.Grade,
		Status:     RowAvailable,
		Qty:        input.Quantity,
		EntryDate:  now,
	}
	shelfLife := input.ShelfLifeDays
	if s.batchPort != nil {
		info, err := s.batchPort.Info(ctx, input.BatchID)
		if err != nil {
			return err
		}
		total, err := tx.SumBatchQuantity(ctx, input.BatchID)
		if err != nil {
			return err
		}
		if total+input.Quantity > info.ReceivedQty-info.WastageQty+1e-9 {
			return ErrOverReceipt
		}
		row.Repacked = info.Repacked
		if row.Grade == "" {
			row.Grade = info.Grade
		}
		if shelfLife == 0 {
			shelfLife = info.ShelfLifeDays
		}
	}
	if shelfLife > 0 {
		expiry := row.EntryDate.AddDate(0, 0, shelfLife)
		row.ExpiryDate = &expiry
	}
	return s.incrementRow(ctx, tx, row)
}

func (s *Service) moveBetweenStatuses(ctx context.Context, tx TxRepository, itemID, batchID, locationID int64, grade string, qty float64, from, to RowStatus) error {
	source, err := s.decrementRowReturning(ctx, tx, RowKey{ItemID: itemID, BatchID: batchID, LocationID: locationID, Grade: grade, Status: from}, qty)
	if err != nil {
		return err
	}
	dest := source
	dest.ID = 0
	dest.Status = to
	dest.Qty = qty
	return s.incrementRow(ctx, tx, dest)
}

// decrementRow subtracts qty from the locked row, failing before any write
// when the balance is short.
func (s *Service) decrementRow(ctx context.Context, tx TxRepository, key RowKey, qty float64) error {
	_, err := s.decrementRowReturning(ctx, tx, key, qty)
	return err
}

func (s *Service) decrementRowReturning(ctx context.Context, tx TxRepository, key RowKey, qty float64) (StockRow, error) {
	row, err := tx.GetRowForUpdate(ctx, key)
	if err != nil {
		if errors.Is(err, ErrRowNotFound) {
			return StockRow{}, fmt.Errorf("%w: no %s stock for item %d batch %d at location %d", ErrInsufficientStock, key.Status, key.ItemID, key.BatchID, key.LocationID)
		}
		return StockRow{}, err
	}
	if row.Qty < qty-1e-9 {
		return StockRow{}, fmt.Errorf("%w: have %.3f, need %.3f", ErrInsufficientStock, row.Qty, qty)
	}
	source := row
	row.Qty -= qty
	if row.Qty < 1e-9 {
		row.Qty = 0
	}
	row.UpdatedAt = s.now().UTC()
	if _, err := tx.UpsertRow(ctx, row); err != nil {
		return StockRow{}, err
	}
	return source, nil
}

func (s *Service) incrementRow(ctx context.Context, tx TxRepository, row StockRow) error {
	key := RowKey{ItemID: row.ItemID, BatchID: row.BatchID, LocationID: row.LocationID, Grade: row.Grade, Status: row.Status}
	existing, err := tx.GetRowForUpdate(ctx, key)
	if err != nil && !errors.Is(err, ErrRowNotFound) {
		return err
	}
	if errors.Is(err, ErrRowNotFound) {
		row.UpdatedAt = s.now().UTC()
		_, err := tx.UpsertRow(ctx, row)
		return err
	}
	existing.Qty += row.Qty
	// First receipt wins the entry date; expiry follows it.
	if row.EntryDate.Before(existing.EntryDate) && !row.EntryDate.IsZero() {
		existing.EntryDate = row.EntryDate
		existing.ExpiryDate = row.ExpiryDate
	}
	if existing.ExpiryDate == nil && row.ExpiryDate != nil {
		existing.ExpiryDate = row.ExpiryDate
	}
	existing.UpdatedAt = s.now().UTC()
	_, err = tx.UpsertRow(ctx, existing)
	return err
}

func rowKey(input MovementInput, locationID int64, status RowStatus) RowKey {
	return RowKey{ItemID: input.ItemID, BatchID: input.BatchID, LocationID: locationID, Grade: input.Grade, Status: status}
}

func validateMovement(input MovementInput) error {
	if input.ItemID == 0 || input.BatchID == 0 {
		return fmt.Errorf("%w: item and batch required", ErrInvalidMovement)
	}
	if input.Quantity <= 0 {
		return ErrInvalidQuantity
	}
	switch input.Type {
	case MovementStockIn:
		if input.ToLocation == 0 || input.FromLocation != 0 {
			return fmt.Errorf("%w: stock_in requires destination only", ErrInvalidMovement)
		}
	case MovementStockOut, MovementAllocation, MovementDelivery:
		if input.FromLocation == 0 {
			return fmt.Errorf("%w: %s requires source location", ErrInvalidMovement, input.Type)
		}
	case MovementTransfer:
		if input.FromLocation == 0 || input.ToLocation == 0 || input.FromLocation == input.ToLocation {
			return fmt.Errorf("%w: transfer requires distinct source and destination", ErrInvalidMovement)
		}
	case MovementAdjustment:
		if (input.FromLocation == 0) == (input.ToLocation == 0) {
			return fmt.Errorf("%w: adjustment requires exactly one location", ErrInvalidMovement)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMovement, input.Type)
	}
	return nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, movement Movement) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "movement",
		EntityID: fmt.Sprintf("%d", movement.ID),
		Meta: map[string]any{
			"item_id":  movement.ItemID,
			"batch_id": movement.BatchID,
			"qty":      movement.Quantity,
			"ref_id":   movement.RefID,
		},
	})
}
