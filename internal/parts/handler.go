package parts

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

// Handler wires spare part endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	movements *costing.Engine
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, movements *costing.Engine) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		movements: movements,
		validator: validator.New(),
	}
}

// MountRoutes registers part routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/parts", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Post("/", h.handleCreate)
		r.Get("/summary", h.handleSummary)
		r.Get("/{id}", h.handleGet)
		r.Put("/{id}", h.handleUpdate)
		r.Delete("/{id}", h.handleDelete)
		r.Get("/{id}/movements", h.handleMovements)
	})
}

type partForm struct {
	PartNo            string `json:"part_no" validate:"required,max=64"`
	Description       string `json:"description" validate:"required,max=255"`
	VendorDescription string `json:"vendor_description" validate:"max=255"`
	StorageLocation   string `json:"storage_location" validate:"max=64"`
	StorageBin        string `json:"storage_bin" validate:"max=64"`
	ReorderPoint      int64  `json:"reorder_point" validate:"gte=0"`
	MaximumStock      int64  `json:"maximum_stock" validate:"gte=0"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	filters := ListFilters{
		Page:    page,
		Limit:   limit,
		Search:  q.Get("search"),
		Status:  StockStatus(q.Get("status")),
		SortBy:  q.Get("sort"),
		SortDir: q.Get("dir"),
	}
	result, total, err := h.service.List(r.Context(), filters)
	if err != nil {
		h.logger.Error("list parts", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "failed to list parts")
		return
	}
	if result == nil {
		result = []PartStock{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"parts": result, "pagination": shared.NewPagination(page, limit, total)})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid part id")
		return
	}
	ps, err := h.service.Get(r.Context(), id)
	if errors.Is(err, shared.ErrNotFound) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "part not found")
		return
	}
	if err != nil {
		h.logger.Error("get part", slog.Any("error", err), slog.Int64("id", id))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "failed to load part")
		return
	}
	httpx.JSON(w, http.StatusOK, ps)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var form partForm
	if err := httpx.DecodeJSON(r, &form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(form); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return
	}
	created, err := h.service.Create(r.Context(), partFromForm(form), actorID(r))
	if errors.Is(err, ErrDuplicatePartNo) {
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
		return
	}
	if err != nil {
		h.logger.Error("create part", slog.Any("error", err))
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid part id")
		return
	}
	var form partForm
	if err := httpx.DecodeJSON(r, &form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(form); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return
	}
	err = h.service.Update(r.Context(), id, partFromForm(form), actorID(r))
	switch {
	case errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "part not found")
	case errors.Is(err, ErrDuplicatePartNo):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case err != nil:
		h.logger.Error("update part", slog.Any("error", err), slog.Int64("id", id))
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
	default:
		httpx.JSON(w, http.StatusOK, map[string]any{"updated": true})
	}
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid part id")
		return
	}
	err = h.service.Delete(r.Context(), id, actorID(r))
	switch {
	case errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "part not found")
	case errors.Is(err, ErrPartInUse):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case err != nil:
		h.logger.Error("delete part", slog.Any("error", err), slog.Int64("id", id))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "failed to delete part")
	default:
		httpx.JSON(w, http.StatusOK, map[string]any{"deleted": true})
	}
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.StockSummary(r.Context())
	if err != nil {
		h.logger.Error("stock summary", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "failed to build stock summary")
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) handleMovements(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid part id")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	movements, err := h.movements.ListMovements(r.Context(), costing.MovementFilter{PartID: id, Limit: limit})
	if err != nil {
		h.logger.Error("list part movements", slog.Any("error", err), slog.Int64("id", id))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "failed to list movements")
		return
	}
	if movements == nil {
		movements = []costing.Movement{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"movements": movements})
}

func actorID(r *http.Request) int64 {
	return httpx.ActorID(r)
}

func partFromForm(form partForm) Part {
	return Part{
		PartNo:            form.PartNo,
		Description:       form.Description,
		VendorDescription: form.VendorDescription,
		StorageLocation:   form.StorageLocation,
		StorageBin:        form.StorageBin,
		ReorderPoint:      form.ReorderPoint,
		MaximumStock:      form.MaximumStock,
	}
}
