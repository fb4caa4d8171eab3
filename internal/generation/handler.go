// AngelaMos | 2026
// handler.go

package generation

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/carterperez-dev/varylite/internal/core"
	"github.com/carterperez-dev/varylite/internal/credit"
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

// RegisterRoutes mounts the generation endpoints. limiter bounds how often
// a caller may start a paid generation and may be nil.
func (h *Handler) RegisterRoutes(
	r chi.Router,
	authenticator func(http.Handler) http.Handler,
	limiter func(http.Handler) http.Handler,
) {
	r.Route("/generations", func(r chi.Router) {
		r.Use(authenticator)

		if limiter != nil {
			r.With(limiter).Post("/", h.Generate)
		} else {
			r.Post("/", h.Generate)
		}
		r.Post("/{generationID}/cancel", h.Cancel)
	})
}

func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		core.BadRequest(w, "invalid request body")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		core.BadRequest(w, core.FormatValidationError(err))
		return
	}

	result, err := h.service.Generate(
		r.Context(),
		middleware.GetUserID(r.Context()),
		req,
	)
	if err != nil {
		switch {
		case errors.Is(err, ErrInsufficient) && result != nil:
			core.JSON(w, http.StatusPaymentRequired, result.Charge)
		case errors.Is(err, ErrModelNotFound):
			core.NotFound(w, "model")
		case errors.Is(err, ErrAccessDenied):
			core.JSONError(w, core.NewAppError(
				err,
				credit.ModelAccessDeniedMessage,
				http.StatusForbidden,
				"MODEL_ACCESS_DENIED",
			))
		case errors.Is(err, credit.ErrGenerationConflict):
			core.Conflict(w, "GENERATION_CONFLICT", "generation id already in use")
		case errors.Is(err, ErrProviderUnavailable):
			core.JSONError(w, core.NewAppError(
				err,
				"generation provider temporarily unavailable, credits refunded",
				http.StatusServiceUnavailable,
				"PROVIDER_UNAVAILABLE",
			))
		case errors.Is(err, ErrProviderFailed):
			core.JSONError(w, core.NewAppError(
				err,
				"generation failed, credits refunded",
				http.StatusBadGateway,
				"PROVIDER_FAILED",
			))
		default:
			core.InternalServerError(w, err)
		}
		return
	}

	core.OK(w, ToGenerateResponse(result))
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	caller := credit.Caller{
		UserID:  middleware.GetUserID(r.Context()),
		IsAdmin: middleware.IsAdmin(r.Context()),
	}

	result, err := h.service.Cancel(
		r.Context(),
		caller,
		chi.URLParam(r, "generationID"),
	)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrNotFound):
			core.NotFound(w, "generation")
		case errors.Is(err, core.ErrForbidden):
			core.Forbidden(w, "cannot cancel another user's generation")
		case errors.Is(err, credit.ErrAlreadyRefunded):
			core.Conflict(w, "ALREADY_REFUNDED", "generation already refunded")
		case errors.Is(err, ErrNotCancellable):
			core.Conflict(w, "NOT_CANCELLABLE", "generation already completed")
		default:
			core.InternalServerError(w, err)
		}
		return
	}

	balance := result.Transaction.BalanceAfter
	core.OK(w, CancelResponse{
		Success:    true,
		Message:    "Generation cancelled and credits refunded",
		NewBalance: &balance,
	})
}
