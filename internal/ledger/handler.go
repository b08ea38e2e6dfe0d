package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/traceline-erp/traceline-erp/internal/platform/httpx"
	"github.com/traceline-erp/traceline-erp/internal/shared"
)

// Handler exposes the location ledger over JSON.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes attaches ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/movements", h.RecordMovement)
	r.Get("/movements", h.ListMovements)
	r.Post("/deallocate", h.Deallocate)
	r.Get("/rows", h.QueryRows)
}

func (h *Handler) RecordMovement(w http.ResponseWriter, r *http.Request) {
	var req RecordMovementRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	movement, err := h.service.RecordMovement(r.Context(), MovementInput{
		Type:          MovementType(req.Type),
		ItemID:        req.ItemID,
		BatchID:       req.BatchID,
		FromLocation:  req.FromLocation,
		ToLocation:    req.ToLocation,
		Quantity:      req.Quantity,
		Grade:         req.Grade,
		ShelfLifeDays: req.ShelfLifeDays,
		RefModule:     req.RefModule,
		RefID:         req.RefID,
		Note:          req.Note,
		ActorID:       req.ActorID,
	})
	if err != nil {
		h.respondErr(w, "record movement", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, movement)
}

func (h *Handler) Deallocate(w http.ResponseWriter, r *http.Request) {
	var req DeallocateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	reversed, err := h.service.Deallocate(r.Context(), req.RefID, req.ActorID)
	if err != nil {
		h.respondErr(w, "deallocate", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"reversed": reversed})
}

func (h *Handler) QueryRows(w http.ResponseWriter, r *http.Request) {
	filter := QueryFilter{
		ItemID:     queryInt(r, "item_id"),
		LocationID: queryInt(r, "location_id"),
		Status:     RowStatus(r.URL.Query().Get("status")),
		Limit:      int(queryInt(r, "limit")),
	}
	rows, err := h.service.Query(r.Context(), filter)
	if err != nil {
		h.respondErr(w, "query rows", err)
		return
	}
	httpx.JSON(w, http.StatusOK, rows)
}

func (h *Handler) ListMovements(w http.ResponseWriter, r *http.Request) {
	filter := MovementFilter{
		ItemID:  queryInt(r, "item_id"),
		BatchID: queryInt(r, "batch_id"),
		Type:    MovementType(r.URL.Query().Get("type")),
		RefID:   r.URL.Query().Get("ref_id"),
		Limit:   int(queryInt(r, "limit")),
	}
	movements, err := h.service.Movements(r.Context(), filter)
	if err != nil {
		h.respondErr(w, "list movements", err)
		return
	}
	httpx.JSON(w, http.StatusOK, movements)
}

func (h *Handler) respondErr(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrInsufficientStock):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Insufficient Stock", err.Error())
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidMovement):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Movement", err.Error())
	case errors.Is(err, ErrOverReceipt):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Over Receipt", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate Reference", err.Error())
	case errors.Is(err, ErrRowNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func queryInt(r *http.Request, name string) int64 {
	value, _ := strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
	return value
}
