package batches

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/traceline-erp/traceline-erp/internal/platform/httpx"
)

// Handler exposes the batch registry over JSON.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes attaches batch routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.Create)
	r.Get("/{id}", h.Show)
	r.Get("/{id}/lineage", h.ShowLineage)
	r.Post("/{id}/split", h.Split)
	r.Post("/{id}/wastage", h.Wastage)
	r.Post("/{id}/transition", h.TransitionStatus)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	unitCost := decimal.Zero
	if req.UnitCost != "" {
		var err error
		if unitCost, err = decimal.NewFromString(req.UnitCost); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unit_cost must be a decimal string")
			return
		}
	}
	batch, err := h.service.CreateBatch(r.Context(), CreateBatchInput{
		ItemID:        req.ItemID,
		ReceivedQty:   req.ReceivedQty,
		UnitCost:      unitCost,
		Grade:         req.Grade,
		ShelfLifeDays: req.ShelfLifeDays,
		Received:      req.Received,
		RefModule:     req.RefModule,
		RefID:         req.RefID,
		ActorID:       req.ActorID,
	})
	if err != nil {
		h.respondErr(w, "create batch", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, batch)
}

func (h *Handler) Show(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	batch, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondErr(w, "get batch", err)
		return
	}
	httpx.JSON(w, http.StatusOK, batch)
}

func (h *Handler) ShowLineage(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	events, err := h.service.Lineage(r.Context(), id)
	if err != nil {
		h.respondErr(w, "get lineage", err)
		return
	}
	httpx.JSON(w, http.StatusOK, events)
}

func (h *Handler) Split(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	var req SplitBatchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	children := make([]SplitChildInput, 0, len(req.Children))
	for _, c := range req.Children {
		children = append(children, SplitChildInput{Quantity: c.Quantity, Grade: c.Grade})
	}
	created, err := h.service.SplitBatch(r.Context(), id, children, req.ActorID)
	if err != nil {
		h.respondErr(w, "split batch", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) Wastage(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	var req RecordWastageRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	batch, err := h.service.RecordWastage(r.Context(), RecordWastageInput{
		BatchID:    id,
		LocationID: req.LocationID,
		Grade:      req.Grade,
		Quantity:   req.Quantity,
		Note:       req.Note,
		ActorID:    req.ActorID,
	})
	if err != nil {
		h.respondErr(w, "record wastage", err)
		return
	}
	httpx.JSON(w, http.StatusOK, batch)
}

func (h *Handler) TransitionStatus(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	var req TransitionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	batch, err := h.service.Transition(r.Context(), id, Status(req.Status), req.ActorID)
	if err != nil {
		h.respondErr(w, "transition batch", err)
		return
	}
	httpx.JSON(w, http.StatusOK, batch)
}

func (h *Handler) respondErr(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInvalidSplit), errors.Is(err, ErrInvalidQuantity):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Split", err.Error())
	case errors.Is(err, ErrOverAllocation):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Over Allocation", err.Error())
	case errors.Is(err, ErrOverWastage):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Over Wastage", err.Error())
	case errors.Is(err, ErrInvalidTransition):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Invalid Transition", err.Error())
	case errors.Is(err, ErrSequenceExhausted):
		h.logger.Error(op, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Sequence Exhausted", err.Error())
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func parseID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}
