package grid

// UpsertCellRequest creates or updates the order quantity of a cell. The
// sheet for the delivery date is created on first use.
type UpsertCellRequest struct {
	DeliveryDate string  `json:"delivery_date" validate:"required,datetime=2006-01-02"`
	LocationID   int64   `json:"location_id" validate:"required,gt=0"`
	ItemID       int64   `json:"item_id" validate:"required,gt=0"`
	CustomerID   int64   `json:"customer_id" validate:"required,gt=0"`
	OrderQty     float64 `json:"order_quantity" validate:"gte=0"`
	ActorID      int64   `json:"actor_id" validate:"required,gt=0"`
}

// AutoFillRequest runs the allocation engine against the cell's demand.
type AutoFillRequest struct {
	ActorID int64 `json:"actor_id" validate:"required,gt=0"`
}

// ManualEditRequest overrides the sent quantity under optimistic locking.
type ManualEditRequest struct {
	SentQty         float64 `json:"sent_quantity" validate:"gte=0"`
	ExpectedVersion int64   `json:"expected_version" validate:"required,gt=0"`
	ActorID         int64   `json:"actor_id" validate:"required,gt=0"`
}

// InvoiceStatusRequest drives MarkReady and GenerateInvoice.
type InvoiceStatusRequest struct {
	ExpectedVersion int64 `json:"expected_version" validate:"required,gt=0"`
	ActorID         int64 `json:"actor_id" validate:"required,gt=0"`
}
