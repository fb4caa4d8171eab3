// AngelaMos | 2026
// handler.go

package credit

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

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
	r.Route("/credits", func(r chi.Router) {
		r.Use(authenticator)

		r.Post("/check", h.Check)
		r.Post("/use", h.Use)
		r.Post("/add", h.Add)
		r.Post("/refund", h.Refund)
		r.Get("/balance", h.Balance)
		r.Get("/transactions", h.Transactions)
	})
}

func (h *Handler) RegisterAdminRoutes(
	r chi.Router,
	authenticator, adminOnly func(http.Handler) http.Handler,
) {
	r.Route("/admin/credits", func(r chi.Router) {
		r.Use(authenticator)
		r.Use(adminOnly)

		r.Get("/stats", h.Stats)
		r.Post("/reconcile", h.ReconcileDrifted)
		r.Post("/reconcile/{userID}", h.ReconcileUser)
	})
}

// Check reports whether the user can afford one generation with a model.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	var req CheckCreditsRequest
	if !h.decode(w, r, &req) {
		return
	}

	if !middleware.CanActFor(r.Context(), req.UserID) {
		core.Forbidden(w, "cannot check credits for another user")
		return
	}

	result, err := h.service.CheckCredits(r.Context(), req.UserID, req.ModelName)
	if err != nil {
		core.InternalServerError(w, err)
		return
	}

	core.OK(w, result)
}

// Use charges one generation against the user's balance.
func (h *Handler) Use(w http.ResponseWriter, r *http.Request) {
	var req UseCreditsRequest
	if !h.decode(w, r, &req) {
		return
	}

	if !middleware.CanActFor(r.Context(), req.UserID) {
		core.Forbidden(w, "cannot use credits for another user")
		return
	}

	result, err := h.service.UseCredits(r.Context(), UseParams{
		UserID:         req.UserID,
		ModelName:      req.ModelName,
		GenerationType: req.GenerationType,
		GenerationID:   req.GenerationID,
	})
	if err != nil {
		writeChargeError(w, err)
		return
	}

	switch {
	case result.Success:
		core.OK(w, result)
	case result.Error == ModelNotFoundMessage:
		core.JSON(w, http.StatusNotFound, result)
	default:
		core.JSON(w, http.StatusPaymentRequired, result)
	}
}

func (h *Handler) Add(w http.ResponseWriter, r *http.Request) {
	var req AddCreditsRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.AddCreditsAs(r.Context(), callerFrom(r), req)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrForbidden):
			core.Forbidden(w, "not allowed to add credits")
		case errors.Is(err, core.ErrInvalidInput):
			core.BadRequest(w, "amount must be positive and within limits")
		case errors.Is(err, core.ErrConflict):
			core.Conflict(w, "REFERENCE_CONFLICT", "reference already used")
		case errors.Is(err, core.ErrUnauthorized):
			core.Unauthorized(w, "")
		default:
			core.InternalServerError(w, err)
		}
		return
	}

	message := "Credits added"
	if result.Replayed {
		message = "Credits already added"
	}

	balance := result.NewBalance
	core.OK(w, AddCreditsResponse{
		Success:    true,
		Message:    message,
		NewBalance: &balance,
	})
}

// Refund returns the credits of a generation to its owner.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if !h.decode(w, r, &req) {
		return
	}

	gen, err := h.service.GetGeneration(r.Context(), req.GenerationID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			core.NotFound(w, "generation")
			return
		}
		core.InternalServerError(w, err)
		return
	}

	if !middleware.CanActFor(r.Context(), gen.UserID) {
		core.Forbidden(w, "cannot refund another user's generation")
		return
	}

	result, err := h.service.Refund(r.Context(), req.GenerationID)
	if err != nil {
		writeRefundError(w, err)
		return
	}

	balance := result.Transaction.BalanceAfter
	core.OK(w, RefundResponse{
		Success:    true,
		Message:    "Credits refunded",
		NewBalance: &balance,
	})
}

func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	userID := targetUser(r)
	if !middleware.CanActFor(r.Context(), userID) {
		core.Forbidden(w, "cannot read another user's balance")
		return
	}

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		core.InternalServerError(w, err)
		return
	}

	core.OK(w, BalanceResponse{UserID: userID, Balance: balance})
}

func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	userID := targetUser(r)
	if !middleware.CanActFor(r.Context(), userID) {
		core.Forbidden(w, "cannot read another user's transactions")
		return
	}

	q := r.URL.Query()
	filter := TransactionFilter{
		UserID: userID,
		Type:   TransactionType(q.Get("type")),
		Limit:  parseIntQuery(r, "limit", 50),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			core.BadRequest(w, "since must be an RFC3339 timestamp")
			return
		}
		filter.Since = t
	}

	txs, err := h.service.ListTransactions(r.Context(), filter)
	if err != nil {
		if errors.Is(err, core.ErrInvalidInput) {
			core.BadRequest(w, "unknown transaction type")
			return
		}
		core.InternalServerError(w, err)
		return
	}

	core.OK(w, ToTransactionListResponse(txs))
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		core.InternalServerError(w, err)
		return
	}

	core.OK(w, stats)
}

func (h *Handler) ReconcileUser(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Reconcile(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		if errors.Is(err, ErrLedgerInconsistent) {
			core.Conflict(w, "LEDGER_INCONSISTENT", err.Error())
			return
		}
		core.InternalServerError(w, err)
		return
	}

	core.OK(w, result)
}

func (h *Handler) ReconcileDrifted(w http.ResponseWriter, r *http.Request) {
	results, err := h.service.ReconcileDrifted(
		r.Context(),
		parseIntQuery(r, "limit", 100),
	)
	if err != nil {
		core.InternalServerError(w, err)
		return
	}

	core.OK(w, map[string]any{"results": results})
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

func writeChargeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrModelAccessDenied):
		core.JSONError(w, core.NewAppError(
			err,
			ModelAccessDeniedMessage,
			http.StatusForbidden,
			"MODEL_ACCESS_DENIED",
		))
	case errors.Is(err, ErrGenerationConflict):
		core.Conflict(w, "GENERATION_CONFLICT", "generation id already in use")
	case errors.Is(err, core.ErrInvalidInput):
		core.BadRequest(w, "invalid charge request")
	default:
		core.InternalServerError(w, err)
	}
}

func writeRefundError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrAlreadyRefunded):
		core.Conflict(w, "ALREADY_REFUNDED", "generation already refunded")
	case errors.Is(err, ErrNotRefundable):
		core.Conflict(w, "NOT_CANCELLABLE", "generation already completed")
	case errors.Is(err, core.ErrNotFound):
		core.NotFound(w, "generation")
	default:
		core.InternalServerError(w, err)
	}
}

func callerFrom(r *http.Request) Caller {
	return Caller{
		UserID:  middleware.GetUserID(r.Context()),
		IsAdmin: middleware.IsAdmin(r.Context()),
	}
}

func targetUser(r *http.Request) string {
	if id := r.URL.Query().Get("userId"); id != "" {
		return id
	}
	return middleware.GetUserID(r.Context())
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
