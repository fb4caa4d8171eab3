// AngelaMos | 2026
// events.go

package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	TypeCreditsAdded    = "credits.added"
	TypeCreditsUsed     = "credits.used"
	TypeCreditsRefunded = "credits.refunded"
	TypeLevelUp         = "progression.level_up"
	TypePromoRedeemed   = "promo.redeemed"
)

type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	UserID     string    `json:"userId"`
	OccurredAt time.Time `json:"occurredAt"`
	Data       any       `json:"data,omitempty"`
}

func New(eventType, userID string, data any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		UserID:     userID,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}

// PublishTimeout bounds how long Emit may hold up the caller.
var PublishTimeout = 3 * time.Second

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

// Emit publishes event after the domain change has committed. Failures are
// logged and dropped. The publish is detached from request cancellation and
// bounded by PublishTimeout.
func Emit(ctx context.Context, pub Publisher, logger *slog.Logger, event Event) {
	if pub == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), PublishTimeout)
	defer cancel()

	if err := pub.Publish(ctx, event); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("publish event",
			"type", event.Type,
			"user_id", event.UserID,
			"error", err,
		)
	}
}
