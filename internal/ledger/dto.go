package ledger

// RecordMovementRequest posts one quantity change. Quantity is always
// positive; direction comes from the type and locations.
type RecordMovementRequest struct {
	Type          string  `json:"type" validate:"required,oneof=stock_in stock_out transfer adjustment allocation delivery"`
	ItemID        int64   `json:"item_id" validate:"required,gt=0"`
	BatchID       int64   `json:"batch_id" validate:"required,gt=0"`
	FromLocation  int64   `json:"from_location" validate:"gte=0"`
	ToLocation    int64   `json:"to_location" validate:"gte=0"`
	Quantity      float64 `json:"quantity" validate:"required,gt=0"`
	Grade         string  `json:"grade" validate:"omitempty,max=20"`
	ShelfLifeDays int     `json:"shelf_life_days" validate:"gte=0"`
	RefModule     string  `json:"ref_module" validate:"required,max=40"`
	RefID         string  `json:"ref_id" validate:"omitempty,uuid"`
	Note          string  `json:"note" validate:"omitempty,max=500"`
	ActorID       int64   `json:"actor_id" validate:"required,gt=0"`
}

// DeallocateRequest undoes allocations recorded under a reference.
type DeallocateRequest struct {
	RefID   string `json:"ref_id" validate:"required,uuid"`
	ActorID int64  `json:"actor_id" validate:"required,gt=0"`
}
