// AngelaMos | 2026
// service.go

package credit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/carterperez-dev/varylite/internal/core"
	"github.com/carterperez-dev/varylite/internal/events"
	"github.com/carterperez-dev/varylite/internal/modelcost"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrGenerationNotFound  = fmt.Errorf("generation %w", core.ErrNotFound)
	ErrAlreadyRefunded     = errors.New("generation already refunded")
	ErrNotRefundable       = errors.New("generation already delivered")
	ErrGenerationConflict  = errors.New("generation id already used")
	ErrModelAccessDenied   = errors.New("model access denied")
	ErrLedgerInconsistent  = errors.New("ledger inconsistent")
)

const (
	InsufficientCreditsMessage = "Insufficient credits. Please upgrade or top up your balance."
	ModelNotFoundMessage       = "model not found"
	ModelAccessDeniedMessage   = "You do not have access to this model."

	SourceSignupBonus = "signup_bonus"
)

type CostLookup interface {
	GetCost(ctx context.Context, modelName string) (*modelcost.ModelCost, error)
}

// AccessChecker decides whether a user may generate with a model.
type AccessChecker interface {
	CanAccessModel(ctx context.Context, userID, modelName string) (bool, error)
}

type ServiceConfig struct {
	SignupBonus        decimal.Decimal
	SelfServiceSources []string
	MaxAddAmount       decimal.Decimal
	Access             AccessChecker
	Publisher          events.Publisher
	Metrics            *core.Metrics
	Logger             *slog.Logger
}

type Service struct {
	repo      Repository
	costs     CostLookup
	access    AccessChecker
	publisher events.Publisher
	metrics   *core.Metrics
	logger    *slog.Logger

	signupBonus  decimal.Decimal
	selfSources  []string
	maxAddAmount decimal.Decimal
}

func NewService(repo Repository, costs CostLookup, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	publisher := cfg.Publisher
	if publisher == nil {
		publisher = events.Noop{}
	}

	return &Service{
		repo:         repo,
		costs:        costs,
		access:       cfg.Access,
		publisher:    publisher,
		metrics:      cfg.Metrics,
		logger:       logger,
		signupBonus:  cfg.SignupBonus,
		selfSources:  cfg.SelfServiceSources,
		maxAddAmount: cfg.MaxAddAmount,
	}
}

func (s *Service) GetBalance(
	ctx context.Context,
	userID string,
) (decimal.Decimal, error) {
	return s.repo.GetBalance(ctx, userID)
}

// CheckCredits reports whether userID can afford one generation with
// modelName. It never writes.
func (s *Service) CheckCredits(
	ctx context.Context,
	userID, modelName string,
) (*CheckResult, error) {
	balance, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}

	m, err := s.costs.GetCost(ctx, modelName)
	if err != nil {
		if errors.Is(err, modelcost.ErrModelNotFound) {
			return &CheckResult{
				HasCredits:       false,
				AvailableCredits: balance,
				ModelCost:        decimal.Zero,
				Error:            ModelNotFoundMessage,
			}, nil
		}
		return nil, err
	}

	result := &CheckResult{
		HasCredits:       balance.GreaterThanOrEqual(m.CostPerGeneration),
		AvailableCredits: balance,
		ModelCost:        m.CostPerGeneration,
	}
	if !result.HasCredits {
		result.Error = InsufficientCreditsMessage
	}

	return result, nil
}

// UseCredits charges one generation. The generation id is the idempotency
// key: charging the same id twice returns the first result without a
// second deduction.
func (s *Service) UseCredits(
	ctx context.Context,
	p UseParams,
) (result *UseResult, err error) {
	ctx, span := core.StartSpan(ctx, "credit.UseCredits",
		core.UserAttr(p.UserID),
		core.ModelAttr(p.ModelName),
	)
	defer func() { core.EndSpan(span, err) }()

	if p.UserID == "" {
		return nil, fmt.Errorf("use credits: %w", core.ErrInvalidInput)
	}

	if p.GenerationID == "" {
		p.GenerationID = uuid.NewString()
	} else {
		replayed, err := s.replay(ctx, p)
		if err != nil || replayed != nil {
			return replayed, err
		}
	}

	m, err := s.costs.GetCost(ctx, p.ModelName)
	if err != nil {
		if errors.Is(err, modelcost.ErrModelNotFound) {
			s.metrics.ChargeOutcome("model_not_found")
			return &UseResult{
				Success:      false,
				GenerationID: p.GenerationID,
				Error:        ModelNotFoundMessage,
			}, nil
		}
		return nil, err
	}

	if s.access != nil {
		ok, err := s.access.CanAccessModel(ctx, p.UserID, p.ModelName)
		if err != nil {
			return nil, fmt.Errorf("use credits: %w", err)
		}
		if !ok {
			s.metrics.ChargeOutcome("access_denied")
			return nil, fmt.Errorf("use credits: %w", ErrModelAccessDenied)
		}
	}

	charge, err := s.repo.Charge(ctx, ChargeParams{
		UserID:         p.UserID,
		ModelName:      p.ModelName,
		GenerationType: p.GenerationType,
		GenerationID:   p.GenerationID,
		Cost:           m.CostPerGeneration,
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			s.metrics.ChargeOutcome("insufficient")
			balance, balErr := s.repo.GetBalance(ctx, p.UserID)
			if balErr != nil {
				return nil, balErr
			}
			return &UseResult{
				Success:          false,
				CreditsUsed:      decimal.Zero,
				RemainingCredits: balance,
				GenerationID:     p.GenerationID,
				Error:            InsufficientCreditsMessage,
			}, nil
		}
		s.metrics.ChargeOutcome("error")
		return nil, err
	}

	result = &UseResult{
		Success:          true,
		CreditsUsed:      charge.Generation.Cost,
		RemainingCredits: charge.Transaction.BalanceAfter,
		GenerationID:     charge.Generation.ID,
		Replayed:         charge.Replayed,
	}

	if charge.Replayed {
		s.metrics.ChargeOutcome("replayed")
		return result, nil
	}

	s.metrics.ChargeOutcome("charged")
	s.metrics.CreditsCharged(charge.Generation.Cost.InexactFloat64())
	events.Emit(ctx, s.publisher, s.logger, events.New(
		events.TypeCreditsUsed,
		p.UserID,
		map[string]any{
			"generationId":     charge.Generation.ID,
			"modelName":        p.ModelName,
			"generationType":   p.GenerationType,
			"amount":           charge.Generation.Cost,
			"remainingCredits": charge.Transaction.BalanceAfter,
		},
	))

	return result, nil
}

// replay answers a repeated generation id with its original charge. It
// runs before the cost and access checks so a retry still succeeds after
// the model is retired or the user loses access. A nil result means the id
// is new.
func (s *Service) replay(ctx context.Context, p UseParams) (*UseResult, error) {
	existing, err := s.repo.GetGeneration(ctx, p.GenerationID)
	if errors.Is(err, ErrGenerationNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if existing.UserID != p.UserID {
		s.metrics.ChargeOutcome("conflict")
		return nil, fmt.Errorf("use credits: %w", ErrGenerationConflict)
	}

	charge, err := s.repo.Charge(ctx, ChargeParams{
		UserID:         p.UserID,
		ModelName:      existing.ModelName,
		GenerationType: existing.GenerationType,
		GenerationID:   existing.ID,
		Cost:           existing.Cost,
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ChargeOutcome("replayed")
	return &UseResult{
		Success:          true,
		CreditsUsed:      charge.Generation.Cost,
		RemainingCredits: charge.Transaction.BalanceAfter,
		GenerationID:     charge.Generation.ID,
		Replayed:         true,
	}, nil
}

// Refund reverses a charge by appending a refund entry for the generation.
// Only generations still in the charged state can be refunded.
func (s *Service) Refund(
	ctx context.Context,
	generationID string,
) (result *RefundResult, err error) {
	ctx, span := core.StartSpan(ctx, "credit.Refund",
		core.GenerationAttr(generationID),
	)
	defer func() { core.EndSpan(span, err) }()

	if generationID == "" {
		return nil, fmt.Errorf("refund: %w", core.ErrInvalidInput)
	}

	result, err = s.repo.Refund(ctx, generationID)
	if err != nil {
		return nil, err
	}

	s.metrics.CreditsRefunded(result.Generation.Cost.InexactFloat64())
	events.Emit(ctx, s.publisher, s.logger, events.New(
		events.TypeCreditsRefunded,
		result.Generation.UserID,
		map[string]any{
			"generationId": generationID,
			"amount":       result.Transaction.Amount,
			"newBalance":   result.Transaction.BalanceAfter,
		},
	))

	return result, nil
}

// Complete marks a charged generation as delivered.
func (s *Service) Complete(
	ctx context.Context,
	generationID string,
) (*Generation, error) {
	return s.repo.Complete(ctx, generationID)
}

func (s *Service) GetGeneration(
	ctx context.Context,
	generationID string,
) (*Generation, error) {
	return s.repo.GetGeneration(ctx, generationID)
}

// AddCredits appends a positive credit entry. A non-empty ReferenceID makes
// the addition idempotent.
func (s *Service) AddCredits(
	ctx context.Context,
	p AddParams,
) (*AddResult, error) {
	if p.UserID == "" {
		return nil, fmt.Errorf("add credits: missing user: %w", core.ErrInvalidInput)
	}
	if !p.Amount.IsPositive() {
		return nil, fmt.Errorf(
			"add credits: amount must be positive: %w",
			core.ErrInvalidInput,
		)
	}

	description := p.Description
	if description == "" {
		description = "Credits added: " + p.Source
	}

	res, err := s.repo.Append(ctx, AppendParams{
		UserID:      p.UserID,
		Amount:      p.Amount,
		Type:        TypeCreditAdded,
		Description: description,
		ReferenceID: p.ReferenceID,
	})
	if err != nil {
		return nil, err
	}

	if !res.Replayed {
		s.metrics.CreditsAdded(p.Source, p.Amount.InexactFloat64())
		events.Emit(ctx, s.publisher, s.logger, events.New(
			events.TypeCreditsAdded,
			p.UserID,
			map[string]any{
				"amount":      p.Amount,
				"source":      p.Source,
				"referenceId": p.ReferenceID,
				"newBalance":  res.Transaction.BalanceAfter,
			},
		))
	}

	return &AddResult{
		NewBalance: res.Transaction.BalanceAfter,
		Replayed:   res.Replayed,
	}, nil
}

// AddCreditsAs applies the /credits/add policy for caller. Admins may add
// up to the configured maximum for any user. Other callers may only claim
// a self-service source for themselves, once, for at most the self-service
// grant.
func (s *Service) AddCreditsAs(
	ctx context.Context,
	caller Caller,
	req AddCreditsRequest,
) (*AddResult, error) {
	if caller.UserID == "" {
		return nil, fmt.Errorf("add credits: %w", core.ErrUnauthorized)
	}

	amount := req.Amount
	if !amount.IsPositive() {
		return nil, fmt.Errorf(
			"add credits: amount must be positive: %w",
			core.ErrInvalidInput,
		)
	}

	if caller.IsAdmin {
		if s.maxAddAmount.IsPositive() && amount.GreaterThan(s.maxAddAmount) {
			return nil, fmt.Errorf(
				"add credits: amount exceeds %s: %w",
				s.maxAddAmount,
				core.ErrInvalidInput,
			)
		}
		return s.AddCredits(ctx, AddParams{
			UserID:      req.UserID,
			Amount:      amount,
			Source:      req.Source,
			ReferenceID: req.ReferenceID,
			Description: fmt.Sprintf("Credits added by admin %s: %s", caller.UserID, req.Source),
		})
	}

	if req.UserID != caller.UserID {
		return nil, fmt.Errorf("add credits: %w", core.ErrForbidden)
	}
	if !slices.Contains(s.selfSources, req.Source) {
		return nil, fmt.Errorf(
			"add credits: source %q not allowed: %w",
			req.Source,
			core.ErrForbidden,
		)
	}
	if amount.GreaterThan(s.signupBonus) {
		amount = s.signupBonus
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("add credits: %w", core.ErrForbidden)
	}

	return s.AddCredits(ctx, AddParams{
		UserID:      caller.UserID,
		Amount:      amount,
		Source:      req.Source,
		ReferenceID: selfServiceReference(req.Source, caller.UserID),
	})
}

// GrantSignupBonus credits a new user once with the configured bonus.
func (s *Service) GrantSignupBonus(ctx context.Context, userID string) error {
	if !s.signupBonus.IsPositive() {
		return nil
	}

	_, err := s.AddCredits(ctx, AddParams{
		UserID:      userID,
		Amount:      s.signupBonus,
		Source:      SourceSignupBonus,
		ReferenceID: selfServiceReference(SourceSignupBonus, userID),
		Description: "Signup bonus",
	})
	return err
}

func (s *Service) ListTransactions(
	ctx context.Context,
	f TransactionFilter,
) ([]Transaction, error) {
	if f.Type != "" && !f.Type.Valid() {
		return nil, fmt.Errorf(
			"list transactions: unknown type %q: %w",
			f.Type,
			core.ErrInvalidInput,
		)
	}
	return s.repo.ListTransactions(ctx, f)
}

func (s *Service) ListStale(
	ctx context.Context,
	olderThan time.Duration,
	limit int,
) ([]Generation, error) {
	return s.repo.ListStaleGenerations(ctx, time.Now().Add(-olderThan), limit)
}

// Reconcile recomputes userID's balance from the ledger and repairs the
// cached value when it has drifted.
func (s *Service) Reconcile(
	ctx context.Context,
	userID string,
) (*ReconcileResult, error) {
	res, err := s.repo.Reconcile(ctx, userID)
	if err != nil {
		return nil, err
	}

	if res.Repaired {
		s.metrics.BalanceRepaired()
		s.logger.Warn("balance repaired from ledger",
			"user_id", userID,
			"cached", res.Cached.String(),
			"computed", res.Computed.String(),
		)
	}

	return res, nil
}

// ReconcileDrifted repairs up to limit balances that disagree with their
// ledger.
func (s *Service) ReconcileDrifted(
	ctx context.Context,
	limit int,
) ([]ReconcileResult, error) {
	ids, err := s.repo.ListDrifted(ctx, limit)
	if err != nil {
		return nil, err
	}

	results := make([]ReconcileResult, 0, len(ids))
	for _, id := range ids {
		res, err := s.Reconcile(ctx, id)
		if err != nil {
			return results, err
		}
		results = append(results, *res)
	}

	return results, nil
}

func (s *Service) Stats(ctx context.Context) (*LedgerStats, error) {
	return s.repo.Stats(ctx)
}

func selfServiceReference(source, userID string) string {
	return "self:" + source + ":" + userID
}
