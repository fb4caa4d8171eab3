// AngelaMos | 2026
// handler.go

package user

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/carterperez-dev/varylite/internal/core"
	"github.com/carterperez-dev/varylite/internal/middleware"
)

type Handler struct {
	service   *Service
	validator *validator.Validate
}

func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (h *Handler) RegisterRoutes(
	r chi.Router,
	authenticator func(http.Handler) http.Handler,
) {
	r.With(authenticator).Get("/users/me", h.GetMe)
}

func (h *Handler) RegisterAdminRoutes(
	r chi.Router,
	authenticator, adminOnly func(http.Handler) http.Handler,
) {
	r.Route("/admin/users", func(r chi.Router) {
		r.Use(authenticator, adminOnly)

		r.Get("/", h.ListUsers)
		r.Get("/{userID}", h.GetUser)
		r.Put("/{userID}/tier", h.UpdateUserTier)
		r.Put("/{userID}/admin", h.UpdateUserAdmin)
	})
}

// GetMe returns the caller's profile joined with balance and level.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	me, err := h.service.GetMe(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeUserError(w, err)
		return
	}
	core.OK(w, me)
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := ListUsersParams{
		Page:     queryInt(q.Get("page"), 1),
		PageSize: queryInt(q.Get("page_size"), 20),
		Search:   q.Get("search"),
		Tier:     q.Get("tier"),
	}

	users, total, err := h.service.ListUsers(r.Context(), params)
	if err != nil {
		core.InternalServerError(w, err)
		return
	}

	params.Normalize()
	core.Paginated(w, ToUserResponseList(users), params.Page, params.PageSize, total)
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.service.GetUser(r.Context(), chi.URLParam(r, "userID"))
	h.respondUser(w, u, err)
}

func (h *Handler) UpdateUserTier(w http.ResponseWriter, r *http.Request) {
	var req UpdateUserTierRequest
	if !h.decode(w, r, &req) {
		return
	}

	u, err := h.service.UpdateUserTier(r.Context(), chi.URLParam(r, "userID"), req.Tier)
	h.respondUser(w, u, err)
}

// UpdateUserAdmin grants or revokes the admin flag. Admins cannot revoke
// their own.
func (h *Handler) UpdateUserAdmin(w http.ResponseWriter, r *http.Request) {
	var req UpdateUserAdminRequest
	if !h.decode(w, r, &req) {
		return
	}

	u, err := h.service.UpdateUserAdmin(
		r.Context(),
		middleware.GetUserID(r.Context()),
		chi.URLParam(r, "userID"),
		*req.IsAdmin,
	)
	h.respondUser(w, u, err)
}

func (h *Handler) respondUser(w http.ResponseWriter, u *User, err error) {
	if err != nil {
		writeUserError(w, err)
		return
	}
	core.OK(w, ToUserResponse(u))
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		core.BadRequest(w, "invalid request body")
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		core.BadRequest(w, core.FormatValidationError(err))
		return false
	}
	return true
}

func writeUserError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		core.NotFound(w, "user")
	case errors.Is(err, core.ErrUnauthorized):
		core.Unauthorized(w, "")
	case errors.Is(err, core.ErrForbidden):
		core.Forbidden(w, "cannot revoke your own admin access")
	case errors.Is(err, core.ErrInvalidInput):
		core.BadRequest(w, "invalid tier")
	default:
		core.InternalServerError(w, err)
	}
}

func queryInt(raw string, fallback int) int {
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	return fallback
}
