// AngelaMos | 2026
// handler.go

package auth

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/carterperez-dev/varylite/internal/core"
	"github.com/carterperez-dev/varylite/internal/middleware"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(
	r chi.Router,
	authenticator func(http.Handler) http.Handler,
) {
	r.Route("/auth", func(r chi.Router) {
		r.Use(authenticator)
		r.Get("/session", h.GetSession)
		r.Post("/logout", h.Logout)
	})
}

// GetSession returns the caller's verified identity as the service sees it.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp := SessionResponse{
		UserID: middleware.GetUserID(ctx),
		Email:  middleware.GetUserEmail(ctx),
		Role:   middleware.GetUserRole(ctx),
		Tier:   middleware.GetUserTier(ctx),
	}

	if claims := middleware.GetClaims(ctx); claims != nil &&
		!claims.ExpiresAt.IsZero() {
		exp := claims.ExpiresAt
		resp.ExpiresAt = &exp
	}

	core.OK(w, resp)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	err := h.service.Logout(r.Context(), middleware.GetClaims(r.Context()))
	if err != nil {
		if errors.Is(err, core.ErrInvalidInput) {
			core.BadRequest(w, "token cannot be revoked")
			return
		}
		if errors.Is(err, core.ErrUnauthorized) {
			core.Unauthorized(w, "")
			return
		}
		core.InternalServerError(w, err)
		return
	}

	core.NoContent(w)
}
