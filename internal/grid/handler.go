package grid

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/traceline-erp/traceline-erp/internal/platform/httpx"
	"github.com/traceline-erp/traceline-erp/internal/shared"
)

// Handler exposes the allocation grid over JSON.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes attaches grid routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/sheets", h.ListSheets)
	r.Get("/sheets/{id}", h.ShowSheet)
	r.Post("/sheets/{id}/archive", h.ArchiveSheet)
	r.Post("/cells", h.UpsertCell)
	r.Get("/cells/{id}", h.ShowCell)
	r.Get("/cells/{id}/audit", h.ShowAudit)
	r.Post("/cells/{id}/autofill", h.AutoFill)
	r.Post("/cells/{id}/sent", h.ManualEdit)
	r.Post("/cells/{id}/ready", h.MarkReady)
	r.Post("/cells/{id}/invoice", h.GenerateInvoice)
}

func (h *Handler) UpsertCell(w http.ResponseWriter, r *http.Request) {
	var req UpsertCellRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	deliveryDate, err := time.Parse("2006-01-02", req.DeliveryDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "delivery_date must be YYYY-MM-DD")
		return
	}
	cell, err := h.service.UpsertCell(r.Context(), deliveryDate, req.LocationID, req.ItemID, req.CustomerID, req.OrderQty, req.ActorID)
	if err != nil {
		h.respondErr(w, "upsert cell", err)
		return
	}
	httpx.JSON(w, http.StatusOK, cell)
}

func (h *Handler) AutoFill(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	var req AutoFillRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	cell, err := h.service.AutoFillSentQuantity(r.Context(), id, req.ActorID)
	if err != nil {
		h.respondErr(w, "autofill cell", err)
		return
	}
	httpx.JSON(w, http.StatusOK, cell)
}

func (h *Handler) ManualEdit(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	var req ManualEditRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	cell, err := h.service.ManualEditSentQuantity(r.Context(), id, req.SentQty, req.ExpectedVersion, req.ActorID)
	if err != nil {
		h.respondErr(w, "edit sent quantity", err)
		return
	}
	httpx.JSON(w, http.StatusOK, cell)
}

func (h *Handler) MarkReady(w http.ResponseWriter, r *http.Request) {
	h.invoiceTransition(w, r, h.service.MarkReady)
}

func (h *Handler) GenerateInvoice(w http.ResponseWriter, r *http.Request) {
	h.invoiceTransition(w, r, h.service.GenerateInvoice)
}

func (h *Handler) invoiceTransition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, cellID, expectedVersion, actorID int64) (Cell, error)) {
	id, err := parseID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	var req InvoiceStatusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	cell, err := fn(r.Context(), id, req.ExpectedVersion, req.ActorID)
	if err != nil {
		h.respondErr(w, "invoice transition", err)
		return
	}
	httpx.JSON(w, http.StatusOK, cell)
}

func (h *Handler) ShowCell(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	cell, err := h.service.Cell(r.Context(), id)
	if err != nil {
		h.respondErr(w, "get cell", err)
		return
	}
	httpx.JSON(w, http.StatusOK, cell)
}

func (h *Handler) ShowAudit(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	audits, err := h.service.AuditTrail(r.Context(), id)
	if err != nil {
		h.respondErr(w, "get cell audit", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"audits": audits})
}

func (h *Handler) ListSheets(w http.ResponseWriter, r *http.Request) {
	status := SheetStatus(r.URL.Query().Get("status"))
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	sheets, pagination, err := h.service.SheetsPage(r.Context(), status, page, limit)
	if err != nil {
		h.respondErr(w, "list sheets", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"sheets": sheets, "pagination": pagination})
}

func (h *Handler) ShowSheet(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	sheet, cells, err := h.service.Sheet(r.Context(), id)
	if err != nil {
		h.respondErr(w, "get sheet", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"sheet": sheet, "cells": cells})
}

func (h *Handler) ArchiveSheet(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	if err := h.service.ArchiveSheet(r.Context(), id); err != nil {
		h.respondErr(w, "archive sheet", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

func (h *Handler) respondErr(w http.ResponseWriter, action string, err error) {
	switch {
	case errors.Is(err, ErrSheetNotFound), errors.Is(err, ErrCellNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrVersionConflict):
		httpx.Problem(w, http.StatusConflict, "Version Conflict", "cell was modified by another writer; re-read and retry")
	case errors.Is(err, ErrNotReady):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Not Ready", err.Error())
	case errors.Is(err, ErrCellLocked), errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrSheetArchived):
		httpx.Problem(w, http.StatusConflict, "Invalid State", err.Error())
	case errors.Is(err, ErrInvalidQuantity):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Invalid Quantity", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate Reference", err.Error())
	default:
		h.logger.Error(action, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func parseID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}
