package procurement

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-cmms/meridian-cmms/internal/costing"
	"github.com/meridian-cmms/meridian-cmms/internal/platform/httpx"
	"github.com/meridian-cmms/meridian-cmms/internal/shared"
)

// Handler wires purchase order endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers purchase order routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/purchase-orders", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Post("/", h.handleCreate)
		r.Get("/{id}", h.handleGet)
		r.Put("/{id}", h.handleUpdate)
		r.Post("/{id}/send", h.handleSend)
		r.Post("/{id}/cancel", h.handleCancel)
		r.Post("/{id}/lines", h.handleAddLine)
		r.Put("/{id}/lines/{lineID}", h.handleUpdateLine)
		r.Delete("/{id}/lines/{lineID}", h.handleDeleteLine)
		r.Post("/{id}/lines/{lineID}/receive", h.handleReceive)
		r.Post("/{id}/lines/{lineID}/reverse", h.handleReverse)
		r.Post("/{id}/lines/{lineID}/final-delivery", h.handleFinalDelivery)
	})
}

type lineForm struct {
	PartID     int64  `json:"part_id" validate:"required,gt=0"`
	QtyOrdered int64  `json:"qty_ordered" validate:"required,gt=0"`
	UnitPrice  string `json:"unit_price" validate:"required"`
}

type createForm struct {
	PONumber string     `json:"po_number" validate:"max=64"`
	Vendor   string     `json:"vendor" validate:"required,max=255"`
	Notes    string     `json:"notes" validate:"max=2000"`
	Lines    []lineForm `json:"lines" validate:"required,min=1,dive"`
}

type updateForm struct {
	Vendor string `json:"vendor" validate:"required,max=255"`
	Notes  string `json:"notes" validate:"max=2000"`
}

type receiveForm struct {
	Qty int64 `json:"qty" validate:"required,gt=0"`
}

type reverseForm struct {
	Qty    int64  `json:"qty" validate:"required,gt=0"`
	Reason string `json:"reason" validate:"required"`
	Note   string `json:"note" validate:"max=2000"`
}

type finalDeliveryForm struct {
	Final bool `json:"final"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	filters := ListFilters{
		Page:   page,
		Limit:  limit,
		Search: q.Get("search"),
		Status: POStatus(q.Get("status")),
	}
	result, total, err := h.service.ListPOs(r.Context(), filters)
	if err != nil {
		h.logger.Error("list purchase orders", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "failed to list purchase orders")
		return
	}
	if result == nil {
		result = []PurchaseOrder{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"purchase_orders": result, "pagination": shared.NewPagination(page, limit, total)})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	po, err := h.service.GetPO(r.Context(), id)
	if errors.Is(err, shared.ErrNotFound) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "purchase order not found")
		return
	}
	if err != nil {
		h.logger.Error("get purchase order", slog.Any("error", err), slog.Int64("id", id))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "failed to load purchase order")
		return
	}
	httpx.JSON(w, http.StatusOK, po)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var form createForm
	if err := httpx.DecodeJSON(r, &form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(form); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return
	}
	input := CreatePOInput{
		PONumber: form.PONumber,
		Vendor:   form.Vendor,
		Notes:    form.Notes,
		ActorID:  httpx.ActorID(r),
	}
	for _, lf := range form.Lines {
		input.Lines = append(input.Lines, LineInput{PartID: lf.PartID, QtyOrdered: lf.QtyOrdered, UnitPrice: lf.UnitPrice})
	}
	created, err := h.service.CreatePO(r.Context(), input)
	if err != nil {
		h.logger.Error("create purchase order", slog.Any("error", err))
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var form updateForm
	if err := httpx.DecodeJSON(r, &form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(form); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return
	}
	err := h.service.UpdatePO(r.Context(), id, form.Vendor, form.Notes, httpx.ActorID(r))
	if err != nil {
		h.respondError(w, err, id)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"updated": true})
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.MarkSent(r.Context(), id, httpx.ActorID(r)); err != nil {
		h.respondError(w, err, id)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": POStatusSent})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.Cancel(r.Context(), id, httpx.ActorID(r)); err != nil {
		h.respondError(w, err, id)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": POStatusCancelled})
}

func (h *Handler) handleAddLine(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var form lineForm
	if err := httpx.DecodeJSON(r, &form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(form); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return
	}
	line, err := h.service.AddLine(r.Context(), id, LineInput{PartID: form.PartID, QtyOrdered: form.QtyOrdered, UnitPrice: form.UnitPrice}, httpx.ActorID(r))
	if err != nil {
		h.respondError(w, err, id)
		return
	}
	httpx.JSON(w, http.StatusCreated, line)
}

func (h *Handler) handleUpdateLine(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	lineID, ok := h.pathID(w, r, "lineID")
	if !ok {
		return
	}
	var form lineForm
	if err := httpx.DecodeJSON(r, &form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(form); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return
	}
	err := h.service.UpdateLine(r.Context(), id, lineID, LineInput{PartID: form.PartID, QtyOrdered: form.QtyOrdered, UnitPrice: form.UnitPrice}, httpx.ActorID(r))
	if err != nil {
		h.respondError(w, err, id)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"updated": true})
}

func (h *Handler) handleDeleteLine(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	lineID, ok := h.pathID(w, r, "lineID")
	if !ok {
		return
	}
	if err := h.service.DeleteLine(r.Context(), id, lineID, httpx.ActorID(r)); err != nil {
		h.respondError(w, err, id)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (h *Handler) handleReceive(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	lineID, ok := h.pathID(w, r, "lineID")
	if !ok {
		return
	}
	var form receiveForm
	if err := httpx.DecodeJSON(r, &form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(form); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return
	}
	result, err := h.service.ReceiveLine(r.Context(), ReceiveLineInput{
		POID:           id,
		LineID:         lineID,
		Qty:            form.Qty,
		ActorID:        httpx.ActorID(r),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.respondError(w, err, id)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) handleReverse(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	lineID, ok := h.pathID(w, r, "lineID")
	if !ok {
		return
	}
	var form reverseForm
	if err := httpx.DecodeJSON(r, &form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(form); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return
	}
	result, err := h.service.ReverseReceipt(r.Context(), ReverseReceiptInput{
		POID:           id,
		LineID:         lineID,
		Qty:            form.Qty,
		Reason:         costing.ReasonCode(form.Reason),
		Note:           form.Note,
		ActorID:        httpx.ActorID(r),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.respondError(w, err, id)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) handleFinalDelivery(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	lineID, ok := h.pathID(w, r, "lineID")
	if !ok {
		return
	}
	var form finalDeliveryForm
	if err := httpx.DecodeJSON(r, &form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.service.SetFinalDelivery(r.Context(), id, lineID, form.Final, httpx.ActorID(r)); err != nil {
		h.respondError(w, err, id)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"final_delivery": form.Final})
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid "+name)
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error, id int64) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "purchase order or line not found")
	case errors.Is(err, ErrNotEditable),
		errors.Is(err, ErrNotReceivable),
		errors.Is(err, ErrHasReceipts),
		errors.Is(err, ErrInvalidTransition):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", "duplicate request")
	case errors.Is(err, ErrExceedsOrderedQuantity),
		errors.Is(err, ErrExceedsReceivedQuantity),
		errors.Is(err, costing.ErrInvalidQuantity),
		errors.Is(err, costing.ErrInvalidUnitCost),
		errors.Is(err, costing.ErrInsufficientStock),
		errors.Is(err, costing.ErrMissingReasonCode):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
	default:
		h.logger.Error("purchase order operation", slog.Any("error", err), slog.Int64("id", id))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "operation failed")
	}
}
