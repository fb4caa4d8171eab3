// AngelaMos | 2026
// service.go

package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/carterperez-dev/varylite/internal/core"
	"github.com/carterperez-dev/varylite/internal/credit"
	"github.com/carterperez-dev/varylite/internal/modelcost"
	"github.com/carterperez-dev/varylite/internal/progression"
)

var (
	ErrModelNotFound   = modelcost.ErrModelNotFound
	ErrNotCancellable  = credit.ErrNotRefundable
	ErrAccessDenied    = credit.ErrModelAccessDenied
	ErrInsufficient    = credit.ErrInsufficientCredits
	ErrGenerationOwner = fmt.Errorf("generation owner mismatch: %w", core.ErrForbidden)
)

type Credits interface {
	UseCredits(ctx context.Context, p credit.UseParams) (*credit.UseResult, error)
	Refund(ctx context.Context, generationID string) (*credit.RefundResult, error)
	Complete(ctx context.Context, generationID string) (*credit.Generation, error)
	GetGeneration(ctx context.Context, generationID string) (*credit.Generation, error)
}

type Progress interface {
	CanAccessModel(ctx context.Context, userID, modelName string) (bool, error)
	RecordUsage(
		ctx context.Context,
		userID, generationID, modelName string,
	) (*progression.UsageResult, error)
}

const (
	defaultCompleteRetries = 3
	defaultCompleteBackoff = 100 * time.Millisecond
)

type ServiceConfig struct {
	Credits   Credits
	Progress  Progress
	Routes    modelcost.Routes
	Providers Providers
	Logger    *slog.Logger

	CompleteRetries uint64
	CompleteBackoff time.Duration
}

type Service struct {
	credits   Credits
	progress  Progress
	routes    modelcost.Routes
	providers Providers
	logger    *slog.Logger

	completeRetries uint64
	completeBackoff time.Duration
}

func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retries := cfg.CompleteRetries
	if retries == 0 {
		retries = defaultCompleteRetries
	}
	backoff := cfg.CompleteBackoff
	if backoff <= 0 {
		backoff = defaultCompleteBackoff
	}

	return &Service{
		credits:         cfg.Credits,
		progress:        cfg.Progress,
		routes:          cfg.Routes,
		providers:       cfg.Providers,
		logger:          logger,
		completeRetries: retries,
		completeBackoff: backoff,
	}
}

// Generate charges the user, submits to the model's provider, and either
// completes the generation or refunds it. Output is returned only after the
// generation is marked complete, and a generation id is submitted at most
// once. A charge is never left without a matching
// completion or refund unless the refund itself fails, in which case the
// reconciliation sweep picks it up.
func (s *Service) Generate(
	ctx context.Context,
	userID string,
	req GenerateRequest,
) (result *GenerateResult, err error) {
	ctx, span := core.StartSpan(ctx, "generation.Generate",
		core.UserAttr(userID),
		core.ModelAttr(req.ModelName),
	)
	defer func() { core.EndSpan(span, err) }()

	route, err := s.routes.Lookup(req.ModelName)
	if err != nil {
		return nil, fmt.Errorf("generate %s: %w", req.ModelName, ErrModelNotFound)
	}

	provider, ok := s.providers[route.Family()]
	if !ok {
		return nil, fmt.Errorf(
			"generate %s: no %s client: %w",
			req.ModelName,
			route.Family(),
			ErrProviderUnavailable,
		)
	}

	allowed, err := s.progress.CanAccessModel(ctx, userID, req.ModelName)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, fmt.Errorf("generate %s: %w", req.ModelName, ErrAccessDenied)
	}

	charge, err := s.credits.UseCredits(ctx, credit.UseParams{
		UserID:         userID,
		ModelName:      req.ModelName,
		GenerationType: req.GenerationType,
		GenerationID:   req.GenerationID,
	})
	if err != nil {
		return nil, err
	}
	if !charge.Success {
		if charge.Error == credit.ModelNotFoundMessage {
			return nil, fmt.Errorf("generate %s: %w", req.ModelName, ErrModelNotFound)
		}
		return &GenerateResult{Charge: charge}, ErrInsufficient
	}
	if charge.Replayed {
		return nil, fmt.Errorf(
			"generate %s: %w",
			charge.GenerationID,
			credit.ErrGenerationConflict,
		)
	}

	out, submitErr := provider.Submit(ctx, route, req.Input)
	if submitErr != nil {
		s.refundAfterFailure(ctx, charge.GenerationID, submitErr)
		return nil, fmt.Errorf("generate %s: %w", req.ModelName, submitErr)
	}

	if err := s.complete(ctx, charge.GenerationID); err != nil {
		s.refundAfterFailure(ctx, charge.GenerationID, err)
		return nil, fmt.Errorf("generate %s: complete: %w", req.ModelName, err)
	}

	usage, err := s.progress.RecordUsage(
		ctx,
		userID,
		charge.GenerationID,
		req.ModelName,
	)
	if err != nil {
		s.logger.Error("failed to record usage",
			"generation_id", charge.GenerationID,
			"user_id", userID,
			"error", err,
		)
	}

	return &GenerateResult{
		Charge:   charge,
		Output:   out,
		Progress: usage,
	}, nil
}

// complete marks the generation delivered, retrying transient failures on
// a context the client cannot cancel. Output is only returned once this
// succeeds.
func (s *Service) complete(ctx context.Context, generationID string) error {
	ctx = context.WithoutCancel(ctx)
	backoff := retry.WithMaxRetries(
		s.completeRetries,
		retry.NewExponential(s.completeBackoff),
	)

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, err := s.credits.Complete(ctx, generationID)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, credit.ErrAlreadyRefunded), errors.Is(err, core.ErrNotFound):
			return err
		default:
			s.logger.Warn("retrying generation completion",
				"generation_id", generationID,
				"error", err,
			)
			return retry.RetryableError(err)
		}
	})
}

// refundAfterFailure runs detached from the request context so a client
// disconnect cannot skip the refund.
func (s *Service) refundAfterFailure(
	ctx context.Context,
	generationID string,
	cause error,
) {
	ctx = context.WithoutCancel(ctx)

	if _, err := s.credits.Refund(ctx, generationID); err != nil &&
		!errors.Is(err, credit.ErrAlreadyRefunded) {
		s.logger.Error("refund after failed generation failed",
			"generation_id", generationID,
			"cause", cause,
			"error", err,
		)
		return
	}

	s.logger.Warn("generation refunded after failure",
		"generation_id", generationID,
		"cause", cause,
	)
}

// Cancel refunds a generation that has been charged but not completed. The
// ledger checks the status under the row lock, so a generation completed
// concurrently is reported as not cancellable.
func (s *Service) Cancel(
	ctx context.Context,
	caller credit.Caller,
	generationID string,
) (*credit.RefundResult, error) {
	gen, err := s.credits.GetGeneration(ctx, generationID)
	if err != nil {
		return nil, err
	}

	if gen.UserID != caller.UserID && !caller.IsAdmin {
		return nil, ErrGenerationOwner
	}

	res, err := s.credits.Refund(ctx, generationID)
	if err != nil {
		return nil, fmt.Errorf("cancel %s: %w", generationID, err)
	}
	return res, nil
}
