// AngelaMos | 2026
// handler.go

package modelcost

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/carterperez-dev/varylite/internal/core"
)

type Handler struct {
	registry  *Registry
	validator *validator.Validate
}

func NewHandler(registry *Registry) *Handler {
	return &Handler{
		registry:  registry,
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/model-costs", h.List)
}

func (h *Handler) RegisterAdminRoutes(
	r chi.Router,
	authenticator, adminOnly func(http.Handler) http.Handler,
) {
	r.Route("/admin/model-costs", func(r chi.Router) {
		r.Use(authenticator)
		r.Use(adminOnly)

		r.Put("/{modelName}", h.Upsert)
		r.Post("/reload", h.Reload)
	})
}

// List returns every configured model with its cost and access lists.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	models, err := h.registry.List(r.Context())
	if err != nil {
		core.InternalServerError(w, err)
		return
	}

	core.OK(w, ToModelCostListResponse(models))
}

func (h *Handler) Upsert(w http.ResponseWriter, r *http.Request) {
	var req UpsertModelCostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		core.BadRequest(w, "invalid request body")
		return
	}
	req.ModelName = chi.URLParam(r, "modelName")

	if err := h.validator.Struct(req); err != nil {
		core.BadRequest(w, core.FormatValidationError(err))
		return
	}

	m, err := h.registry.Upsert(r.Context(), req)
	if err != nil {
		if errors.Is(err, core.ErrInvalidInput) {
			core.BadRequest(w, err.Error())
			return
		}
		core.InternalServerError(w, err)
		return
	}

	core.OK(w, ToModelCostResponse(m))
}

func (h *Handler) Reload(w http.ResponseWriter, r *http.Request) {
	n, err := h.registry.RequestReload(r.Context())
	if err != nil {
		core.InternalServerError(w, err)
		return
	}

	core.OK(w, ReloadResponse{Reloaded: n})
}
