// AngelaMos | 2026
// handler.go

package progression

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/carterperez-dev/varylite/internal/core"
	"github.com/carterperez-dev/varylite/internal/middleware"
	"github.com/carterperez-dev/varylite/internal/modelcost"
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
	r.Group(func(r chi.Router) {
		r.Use(authenticator)

		r.Post("/promo/redeem", h.Redeem)
		r.Post("/progression/track", h.Track)
		r.Get("/progression/me", h.Progress)
		r.Post("/models/unlock", h.Unlock)
		r.Get("/models/{modelName}/access", h.Access)
	})
}

func (h *Handler) RegisterAdminRoutes(
	r chi.Router,
	authenticator, adminOnly func(http.Handler) http.Handler,
) {
	r.Route("/admin/promo-codes", func(r chi.Router) {
		r.Use(authenticator)
		r.Use(adminOnly)

		r.Get("/", h.ListPromos)
		r.Post("/", h.CreatePromo)
		r.Delete("/{promoID}", h.DeactivatePromo)
	})
}

func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.RedeemPromoCode(
		r.Context(),
		middleware.GetUserID(r.Context()),
		req.Code,
	)
	if err != nil {
		writeRedeemError(w, err)
		return
	}

	core.OK(w, result)
}

// Track counts one of the caller's delivered generations towards their
// progression.
func (h *Handler) Track(w http.ResponseWriter, r *http.Request) {
	var req TrackUsageRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.RecordUsage(
		r.Context(),
		middleware.GetUserID(r.Context()),
		req.GenerationID,
		req.ModelName,
	)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrInvalidInput):
			core.BadRequest(w, "unknown or inactive model")
		case errors.Is(err, core.ErrNotFound):
			core.NotFound(w, "generation")
		case errors.Is(err, ErrUsageNotDelivered):
			core.Conflict(w, "GENERATION_NOT_DELIVERED", "generation has not succeeded")
		default:
			core.InternalServerError(w, err)
		}
		return
	}

	core.OK(w, result)
}

func (h *Handler) Progress(w http.ResponseWriter, r *http.Request) {
	progress, err := h.service.GetProgress(
		r.Context(),
		middleware.GetUserID(r.Context()),
	)
	if err != nil {
		core.InternalServerError(w, err)
		return
	}

	core.OK(w, progress)
}

func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) {
	var req UnlockRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.UnlockModel(
		r.Context(),
		middleware.GetUserID(r.Context()),
		req.ModelName,
	)
	if err != nil {
		switch {
		case errors.Is(err, ErrLevelTooLow):
			core.JSONError(w, core.NewAppError(
				err,
				"a secret level is required to unlock models",
				http.StatusForbidden,
				"LEVEL_TOO_LOW",
			))
		case errors.Is(err, ErrNotUnlockable):
			core.JSONError(w, core.NewAppError(
				err,
				"this model requires a subscription tier",
				http.StatusForbidden,
				"MODEL_NOT_UNLOCKABLE",
			))
		case errors.Is(err, modelcost.ErrModelNotFound):
			core.NotFound(w, "model")
		default:
			core.InternalServerError(w, err)
		}
		return
	}

	core.OK(w, result)
}

func (h *Handler) Access(w http.ResponseWriter, r *http.Request) {
	modelName := chi.URLParam(r, "modelName")

	ok, err := h.service.CanAccessModel(
		r.Context(),
		middleware.GetUserID(r.Context()),
		modelName,
	)
	if err != nil {
		core.InternalServerError(w, err)
		return
	}

	core.OK(w, AccessResponse{ModelName: modelName, CanAccess: ok})
}

func (h *Handler) ListPromos(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := PromoFilter{
		ActiveOnly: q.Get("active") == "true",
		AccessType: AccessType(q.Get("accessType")),
		Limit:      parseIntQuery(r, "limit", 50),
		Offset:     parseIntQuery(r, "offset", 0),
	}
	if filter.AccessType != "" && !filter.AccessType.Valid() {
		core.BadRequest(w, "unknown access type")
		return
	}

	promos, err := h.service.ListPromoCodes(r.Context(), filter)
	if err != nil {
		core.InternalServerError(w, err)
		return
	}

	core.OK(w, ToPromoListResponse(promos))
}

func (h *Handler) CreatePromo(w http.ResponseWriter, r *http.Request) {
	var req CreatePromoRequest
	if !h.decode(w, r, &req) {
		return
	}

	promo, err := h.service.CreatePromoCode(
		r.Context(),
		middleware.GetUserID(r.Context()),
		req,
	)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrInvalidInput):
			core.BadRequest(w, err.Error())
		case errors.Is(err, core.ErrDuplicateKey):
			core.Conflict(w, "PROMO_EXISTS", "promo code already exists")
		default:
			core.InternalServerError(w, err)
		}
		return
	}

	core.Created(w, ToPromoResponse(promo))
}

func (h *Handler) DeactivatePromo(w http.ResponseWriter, r *http.Request) {
	err := h.service.DeactivatePromoCode(r.Context(), chi.URLParam(r, "promoID"))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			core.NotFound(w, "promo code")
			return
		}
		core.InternalServerError(w, err)
		return
	}

	core.NoContent(w)
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

func writeRedeemError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrPromoNotFound):
		core.NotFound(w, "promo code")
	case errors.Is(err, ErrPromoInactive):
		core.Conflict(w, "PROMO_INACTIVE", "promo code is no longer active")
	case errors.Is(err, ErrPromoExpired):
		core.Conflict(w, "PROMO_EXPIRED", "promo code has expired")
	case errors.Is(err, ErrPromoExhausted):
		core.Conflict(w, "PROMO_EXHAUSTED", "promo code has reached its usage limit")
	case errors.Is(err, ErrPromoAlreadyRedeemed):
		core.Conflict(w, "PROMO_ALREADY_REDEEMED", "promo code already redeemed")
	case errors.Is(err, core.ErrInvalidInput):
		core.BadRequest(w, "code is required")
	default:
		core.InternalServerError(w, err)
	}
}

func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}

	parsed, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}

	return parsed
}
