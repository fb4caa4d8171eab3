// AngelaMos | 2026
// handler.go

package billing

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/carterperez-dev/varylite/internal/core"
)

const maxWebhookBody = 65536

type Handler struct {
	service *Service
	secret  string
	logger  *slog.Logger
}

func NewHandler(service *Service, secret string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service: service,
		secret:  secret,
		logger:  logger,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/billing/stripe/webhook", h.Webhook)
}

type webhookResponse struct {
	Received bool `json:"received"`
}

// Webhook verifies and applies a Stripe event. Processing failures return
// 500 so Stripe redelivers.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			core.JSONError(w, core.NewAppError(
				err,
				"payload too large",
				http.StatusRequestEntityTooLarge,
				"PAYLOAD_TOO_LARGE",
			))
			return
		}
		core.BadRequest(w, "unable to read body")
		return
	}

	event, err := webhook.ConstructEventWithOptions(
		payload,
		r.Header.Get("Stripe-Signature"),
		h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true},
	)
	if err != nil {
		h.logger.Warn("stripe signature rejected", "error", err)
		core.BadRequest(w, "invalid signature")
		return
	}

	if err := h.service.HandleEvent(r.Context(), event); err != nil {
		if errors.Is(err, ErrMissingUser) || errors.Is(err, core.ErrInvalidInput) {
			h.logger.Warn("stripe event not applicable",
				"event_id", event.ID,
				"type", event.Type,
				"error", err,
			)
			core.OK(w, webhookResponse{Received: true})
			return
		}
		core.InternalServerError(w, err)
		return
	}

	core.OK(w, webhookResponse{Received: true})
}
