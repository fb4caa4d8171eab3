// AngelaMos | 2026
// resilient.go

package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/slok/goresilience"
	"github.com/slok/goresilience/circuitbreaker"
	rerrors "github.com/slok/goresilience/errors"
	"github.com/slok/goresilience/timeout"

	"github.com/carterperez-dev/varylite/internal/config"
	"github.com/carterperez-dev/varylite/internal/core"
	"github.com/carterperez-dev/varylite/internal/modelcost"
)

type ResilienceConfig struct {
	Timeout            time.Duration
	ErrorPercentToOpen int
	MinimumRequests    int
	WaitDurationOnOpen time.Duration
}

func ResilienceFromConfig(p config.ProviderConfig, all config.ProvidersConfig) ResilienceConfig {
	return ResilienceConfig{
		Timeout:            p.Timeout,
		ErrorPercentToOpen: all.BreakerErrorPercent,
		MinimumRequests:    all.BreakerMinRequests,
		WaitDurationOnOpen: all.BreakerOpenTimeout,
	}
}

// resilientProvider runs submissions through a timeout and a circuit
// breaker. Submissions are never retried since a retry could produce a
// second upstream generation for one charge.
type resilientProvider struct {
	next    Provider
	family  modelcost.ProviderFamily
	runner  goresilience.Runner
	metrics *core.Metrics
}

func NewResilientProvider(
	next Provider,
	family modelcost.ProviderFamily,
	cfg ResilienceConfig,
	metrics *core.Metrics,
) Provider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.ErrorPercentToOpen <= 0 {
		cfg.ErrorPercentToOpen = 50
	}
	if cfg.MinimumRequests <= 0 {
		cfg.MinimumRequests = 10
	}
	if cfg.WaitDurationOnOpen <= 0 {
		cfg.WaitDurationOnOpen = 30 * time.Second
	}

	runner := goresilience.RunnerChain(
		timeout.NewMiddleware(timeout.Config{Timeout: cfg.Timeout}),
		circuitbreaker.NewMiddleware(circuitbreaker.Config{
			ErrorPercentThresholdToOpen:        cfg.ErrorPercentToOpen,
			MinimumRequestToOpen:               cfg.MinimumRequests,
			SuccessfulRequiredOnHalfOpen:       1,
			WaitDurationInOpenState:            cfg.WaitDurationOnOpen,
			MetricsSlidingWindowBucketQuantity: 10,
			MetricsBucketDuration:              time.Second,
		}),
	)

	return &resilientProvider{
		next:    next,
		family:  family,
		runner:  runner,
		metrics: metrics,
	}
}

func (p *resilientProvider) Submit(
	ctx context.Context,
	route modelcost.Route,
	input map[string]any,
) (*Output, error) {
	var out *Output

	err := p.runner.Run(ctx, func(ctx context.Context) error {
		res, err := p.next.Submit(ctx, route, input)
		if err != nil {
			return err
		}
		out = res
		return nil
	})

	switch {
	case err == nil:
		p.metrics.ProviderRequest(string(p.family), "success")
		return out, nil
	case errors.Is(err, rerrors.ErrCircuitOpen):
		p.metrics.ProviderRequest(string(p.family), "circuit_open")
		return nil, fmt.Errorf("%s: %w", p.family, ErrProviderUnavailable)
	case errors.Is(err, rerrors.ErrTimeout):
		p.metrics.ProviderRequest(string(p.family), "timeout")
		return nil, fmt.Errorf("%s timed out: %w", p.family, ErrProviderFailed)
	default:
		p.metrics.ProviderRequest(string(p.family), "error")
		if errors.Is(err, ErrProviderFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %v: %w", p.family, err, ErrProviderFailed)
	}
}

// WithResilience wraps every provider with its own breaker.
func WithResilience(
	providers Providers,
	cfg config.ProvidersConfig,
	metrics *core.Metrics,
) Providers {
	perFamily := map[modelcost.ProviderFamily]config.ProviderConfig{
		modelcost.ProviderFAL:       cfg.FAL,
		modelcost.ProviderReplicate: cfg.Replicate,
		modelcost.ProviderGoogle:    cfg.Google,
	}

	out := make(Providers, len(providers))
	for family, p := range providers {
		out[family] = NewResilientProvider(
			p,
			family,
			ResilienceFromConfig(perFamily[family], cfg),
			metrics,
		)
	}
	return out
}
