// AngelaMos | 2026
// service.go

package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82"

	"github.com/carterperez-dev/varylite/internal/config"
	"github.com/carterperez-dev/varylite/internal/credit"
	"github.com/carterperez-dev/varylite/internal/progression"
)

const (
	SourceStripeCheckout = "stripe_checkout"
	SourceStripeRenewal  = "stripe_renewal"

	metadataUserID  = "user_id"
	metadataCredits = "credits"
	metadataPriceID = "price_id"
)

var ErrMissingUser = errors.New("stripe event has no user_id metadata")

type CreditGranter interface {
	AddCredits(ctx context.Context, p credit.AddParams) (*credit.AddResult, error)
}

type TierSetter interface {
	SetTier(ctx context.Context, userID, tier string) error
}

type Service struct {
	credits        CreditGranter
	tiers          TierSetter
	priceCredits   map[string]decimal.Decimal
	renewalCredits decimal.Decimal
	logger         *slog.Logger
}

func NewService(
	credits CreditGranter,
	tiers TierSetter,
	cfg config.BillingConfig,
	logger *slog.Logger,
) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	prices := make(map[string]decimal.Decimal, len(cfg.PriceCredits))
	for priceID, raw := range cfg.PriceCredits {
		amount, err := decimal.NewFromString(raw)
		if err != nil || !amount.IsPositive() {
			return nil, fmt.Errorf(
				"billing.price_credits[%s]: invalid amount %q",
				priceID,
				raw,
			)
		}
		prices[priceID] = amount
	}

	renewal := decimal.Zero
	if cfg.RenewalCredits != "" {
		var err error
		renewal, err = decimal.NewFromString(cfg.RenewalCredits)
		if err != nil || renewal.IsNegative() {
			return nil, fmt.Errorf(
				"billing.renewal_credits: invalid amount %q",
				cfg.RenewalCredits,
			)
		}
	}

	return &Service{
		credits:        credits,
		tiers:          tiers,
		priceCredits:   prices,
		renewalCredits: renewal,
		logger:         logger,
	}, nil
}

// HandleEvent applies a verified Stripe event. Redelivered events are
// absorbed by the ledger's reference idempotency.
func (s *Service) HandleEvent(ctx context.Context, event stripe.Event) error {
	if event.Data == nil {
		return fmt.Errorf("stripe event %s: missing data", event.ID)
	}

	switch event.Type {
	case "checkout.session.completed":
		return s.checkoutCompleted(ctx, event)
	case "invoice.paid":
		return s.invoicePaid(ctx, event)
	case "customer.subscription.created", "customer.subscription.updated":
		return s.subscriptionChanged(ctx, event)
	case "customer.subscription.deleted":
		return s.subscriptionDeleted(ctx, event)
	default:
		s.logger.Debug("ignoring stripe event",
			"event_id", event.ID,
			"type", event.Type,
		)
		return nil
	}
}

func (s *Service) checkoutCompleted(ctx context.Context, event stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("decode checkout session: %w", err)
	}

	if session.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
		s.logger.Info("checkout completed without payment",
			"event_id", event.ID,
			"session_id", session.ID,
		)
		return nil
	}

	userID := session.Metadata[metadataUserID]
	if userID == "" {
		userID = session.ClientReferenceID
	}
	if userID == "" {
		return fmt.Errorf("checkout %s: %w", session.ID, ErrMissingUser)
	}

	amount, ok, err := s.checkoutCredits(session.Metadata)
	if err != nil {
		return fmt.Errorf("checkout %s: %w", session.ID, err)
	}

	if ok {
		if _, err := s.credits.AddCredits(ctx, credit.AddParams{
			UserID:      userID,
			Amount:      amount,
			Source:      SourceStripeCheckout,
			ReferenceID: Reference(event.ID),
			Description: "Stripe checkout " + session.ID,
		}); err != nil {
			return fmt.Errorf("checkout %s: %w", session.ID, err)
		}
	}

	if session.Mode == stripe.CheckoutSessionModeSubscription {
		if err := s.tiers.SetTier(ctx, userID, progression.TierPremium); err != nil {
			return fmt.Errorf("checkout %s: %w", session.ID, err)
		}
	}

	return nil
}

// checkoutCredits reads the credit amount from session metadata, either
// directly or through the configured price map.
func (s *Service) checkoutCredits(
	metadata map[string]string,
) (decimal.Decimal, bool, error) {
	if raw := metadata[metadataCredits]; raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil || !amount.IsPositive() {
			return decimal.Zero, false, fmt.Errorf("invalid credits metadata %q", raw)
		}
		return amount, true, nil
	}

	if priceID := metadata[metadataPriceID]; priceID != "" {
		amount, ok := s.priceCredits[priceID]
		if !ok {
			return decimal.Zero, false, fmt.Errorf("unknown price %q", priceID)
		}
		return amount, true, nil
	}

	return decimal.Zero, false, nil
}

// invoicePayload carries the invoice fields read here. Subscription metadata
// moved under parent in newer API versions, so both locations are decoded.
type invoicePayload struct {
	ID                  string            `json:"id"`
	BillingReason       string            `json:"billing_reason"`
	Metadata            map[string]string `json:"metadata"`
	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	Parent *struct {
		SubscriptionDetails *struct {
			Metadata map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (p invoicePayload) userID() string {
	if id := p.Metadata[metadataUserID]; id != "" {
		return id
	}
	if p.Parent != nil && p.Parent.SubscriptionDetails != nil {
		if id := p.Parent.SubscriptionDetails.Metadata[metadataUserID]; id != "" {
			return id
		}
	}
	if p.SubscriptionDetails != nil {
		return p.SubscriptionDetails.Metadata[metadataUserID]
	}
	return ""
}

func (s *Service) invoicePaid(ctx context.Context, event stripe.Event) error {
	var invoice invoicePayload
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("decode invoice: %w", err)
	}

	userID := invoice.userID()
	if userID == "" {
		return fmt.Errorf("invoice %s: %w", invoice.ID, ErrMissingUser)
	}

	if err := s.tiers.SetTier(ctx, userID, progression.TierPremium); err != nil {
		return fmt.Errorf("invoice %s: %w", invoice.ID, err)
	}

	if !s.renewalCredits.IsPositive() {
		return nil
	}

	if _, err := s.credits.AddCredits(ctx, credit.AddParams{
		UserID:      userID,
		Amount:      s.renewalCredits,
		Source:      SourceStripeRenewal,
		ReferenceID: Reference(event.ID),
		Description: "Subscription renewal " + invoice.ID,
	}); err != nil {
		return fmt.Errorf("invoice %s: %w", invoice.ID, err)
	}

	return nil
}

func (s *Service) subscriptionChanged(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("decode subscription: %w", err)
	}

	userID := sub.Metadata[metadataUserID]
	if userID == "" {
		return fmt.Errorf("subscription %s: %w", sub.ID, ErrMissingUser)
	}

	return s.tiers.SetTier(ctx, userID, TierForStatus(sub.Status))
}

func (s *Service) subscriptionDeleted(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("decode subscription: %w", err)
	}

	userID := sub.Metadata[metadataUserID]
	if userID == "" {
		return fmt.Errorf("subscription %s: %w", sub.ID, ErrMissingUser)
	}

	return s.tiers.SetTier(ctx, userID, progression.TierFree)
}

func TierForStatus(status stripe.SubscriptionStatus) string {
	switch status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return progression.TierPremium
	default:
		return progression.TierFree
	}
}

// Reference is the ledger idempotency key for a Stripe event.
func Reference(eventID string) string {
	return "stripe:" + eventID
}
