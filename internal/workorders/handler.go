package workorders

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

// Handler wires work order endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers work order routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/work-orders", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Post("/", h.handleCreate)
		r.Get("/{id}", h.handleGet)
		r.Post("/{id}/status", h.handleStatus)
		r.Post("/{id}/issue", h.handleIssue)
		r.Post("/{id}/return", h.handleReturn)
		r.Get("/{id}/parts", h.handleIssuedParts)
		r.Get("/{id}/movements", h.handleMovements)
	})
}

type createForm struct {
	WONumber    string `json:"wo_number" validate:"max=64"`
	Title       string `json:"title" validate:"required,max=255"`
	Description string `json:"description" validate:"max=2000"`
	Equipment   string `json:"equipment" validate:"max=255"`
}

type statusForm struct {
	Status Status `json:"status" validate:"required"`
}

type movementForm struct {
	PartID int64 `json:"part_id" validate:"required,gt=0"`
	Qty    int64 `json:"qty" validate:"required,gt=0"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	filters := ListFilters{
		Page:   page,
		Limit:  limit,
		Search: q.Get("search"),
		Status: Status(q.Get("status")),
	}
	result, total, err := h.service.List(r.Context(), filters)
	if err != nil {
		h.logger.Error("list work orders", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "failed to list work orders")
		return
	}
	if result == nil {
		result = []WorkOrder{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"work_orders": result, "pagination": shared.NewPagination(page, limit, total)})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	wo, err := h.service.Get(r.Context(), id)
	if errors.Is(err, shared.ErrNotFound) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "work order not found")
		return
	}
	if err != nil {
		h.logger.Error("get work order", slog.Any("error", err), slog.Int64("id", id))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "failed to load work order")
		return
	}
	httpx.JSON(w, http.StatusOK, wo)
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
	created, err := h.service.Create(r.Context(), WorkOrder{
		WONumber:    form.WONumber,
		Title:       form.Title,
		Description: form.Description,
		Equipment:   form.Equipment,
		CreatedBy:   httpx.ActorID(r),
	})
	if err != nil {
		h.logger.Error("create work order", slog.Any("error", err))
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var form statusForm
	if err := httpx.DecodeJSON(r, &form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	err := h.service.ChangeStatus(r.Context(), id, form.Status, httpx.ActorID(r))
	switch {
	case errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "work order not found")
	case errors.Is(err, ErrInvalidStatus):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
	case err != nil:
		h.logger.Error("change work order status", slog.Any("error", err), slog.Int64("id", id))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "failed to change status")
	default:
		httpx.JSON(w, http.StatusOK, map[string]any{"status": form.Status})
	}
}

func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var form movementForm
	if err := httpx.DecodeJSON(r, &form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(form); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return
	}
	result, err := h.service.IssueParts(r.Context(), IssuePartsInput{
		WorkOrderID:    id,
		PartID:         form.PartID,
		Qty:            form.Qty,
		ActorID:        httpx.ActorID(r),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.respondPostingError(w, err, id)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var form movementForm
	if err := httpx.DecodeJSON(r, &form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(form); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return
	}
	result, err := h.service.ReturnParts(r.Context(), ReturnPartsInput{
		WorkOrderID:    id,
		PartID:         form.PartID,
		Qty:            form.Qty,
		ActorID:        httpx.ActorID(r),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.respondPostingError(w, err, id)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) handleIssuedParts(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	parts, err := h.service.IssuedParts(r.Context(), id)
	if errors.Is(err, shared.ErrNotFound) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "work order not found")
		return
	}
	if err != nil {
		h.logger.Error("issued parts", slog.Any("error", err), slog.Int64("id", id))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "failed to summarize issued parts")
		return
	}
	if parts == nil {
		parts = []IssuedPart{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"parts": parts})
}

func (h *Handler) handleMovements(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	movements, err := h.service.Movements(r.Context(), id, limit)
	if errors.Is(err, shared.ErrNotFound) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "work order not found")
		return
	}
	if err != nil {
		h.logger.Error("work order movements", slog.Any("error", err), slog.Int64("id", id))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "failed to list movements")
		return
	}
	if movements == nil {
		movements = []costing.Movement{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"movements": movements})
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid work order id")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondPostingError(w http.ResponseWriter, err error, id int64) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "work order not found")
	case errors.Is(err, ErrTerminalState):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", "duplicate request")
	case errors.Is(err, costing.ErrInsufficientStock),
		errors.Is(err, costing.ErrExceedsIssuedQuantity),
		errors.Is(err, costing.ErrInvalidQuantity),
		errors.Is(err, costing.ErrInvalidState):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
	default:
		h.logger.Error("post work order movement", slog.Any("error", err), slog.Int64("id", id))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "failed to post movement")
	}
}
