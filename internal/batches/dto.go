package batches

// CreateBatchRequest registers a new batch from a source document.
type CreateBatchRequest struct {
	ItemID        int64   `json:"item_id" validate:"required,gt=0"`
	ReceivedQty   float64 `json:"received_qty" validate:"required,gt=0"`
	UnitCost      string  `json:"unit_cost" validate:"omitempty"`
	Grade         string  `json:"grade" validate:"omitempty,max=20"`
	ShelfLifeDays int     `json:"shelf_life_days" validate:"gte=0"`
	Received      bool    `json:"received"`
	RefModule     string  `json:"ref_module" validate:"required,max=40"`
	RefID         string  `json:"ref_id" validate:"required,uuid"`
	ActorID       int64   `json:"actor_id" validate:"required,gt=0"`
}

// SplitBatchRequest divides a batch into graded/repacked children.
type SplitBatchRequest struct {
	Children []SplitChildRequest `json:"children" validate:"required,min=2,dive"`
	ActorID  int64               `json:"actor_id" validate:"required,gt=0"`
}

// SplitChildRequest is one output lot of a split.
type SplitChildRequest struct {
	Quantity float64 `json:"quantity" validate:"required,gt=0"`
	Grade    string  `json:"grade" validate:"omitempty,max=20"`
}

// RecordWastageRequest books spoiled or damaged quantity against a batch.
type RecordWastageRequest struct {
	LocationID int64   `json:"location_id" validate:"gte=0"`
	Grade      string  `json:"grade" validate:"omitempty,max=20"`
	Quantity   float64 `json:"quantity" validate:"required,gt=0"`
	Note       string  `json:"note" validate:"omitempty,max=200"`
	ActorID    int64   `json:"actor_id" validate:"required,gt=0"`
}

// TransitionRequest advances the batch lifecycle.
type TransitionRequest struct {
	Status  string `json:"status" validate:"required"`
	ActorID int64  `json:"actor_id" validate:"required,gt=0"`
}
