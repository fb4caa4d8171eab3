// AngelaMos | 2026
// provider.go

package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/carterperez-dev/varylite/internal/config"
	"github.com/carterperez-dev/varylite/internal/modelcost"
)

var (
	ErrProviderFailed      = errors.New("provider request failed")
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// Provider submits one generation to an upstream AI service.
type Provider interface {
	Submit(ctx context.Context, route modelcost.Route, input map[string]any) (*Output, error)
}

type Output struct {
	ProviderRequestID string          `json:"providerRequestId,omitempty"`
	Data              json.RawMessage `json:"data"`
}

// Providers maps each provider family to its client.
type Providers map[modelcost.ProviderFamily]Provider

func NewProviders(cfg config.ProvidersConfig) Providers {
	return Providers{
		modelcost.ProviderFAL:       NewFALProvider(cfg.FAL),
		modelcost.ProviderReplicate: NewReplicateProvider(cfg.Replicate),
		modelcost.ProviderGoogle:    NewGoogleProvider(cfg.Google),
	}
}

func newClient(cfg config.ProviderConfig) *resty.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	return resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
}

type falProvider struct {
	client *resty.Client
}

func NewFALProvider(cfg config.ProviderConfig) Provider {
	client := newClient(cfg)
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Key "+cfg.APIKey)
	}
	return &falProvider{client: client}
}

func (p *falProvider) Submit(
	ctx context.Context,
	route modelcost.Route,
	input map[string]any,
) (*Output, error) {
	r, ok := route.(modelcost.FALRoute)
	if !ok {
		return nil, fmt.Errorf("fal: unexpected route %T", route)
	}

	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(input).
		Post("/" + r.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("fal %s: %w", r.Endpoint, err)
	}
	if resp.IsError() {
		return nil, statusError("fal", resp)
	}

	var body struct {
		RequestID string `json:"request_id"`
	}
	_ = json.Unmarshal(resp.Body(), &body)

	return &Output{ProviderRequestID: body.RequestID, Data: resp.Body()}, nil
}

type replicateProvider struct {
	client *resty.Client
}

func NewReplicateProvider(cfg config.ProviderConfig) Provider {
	client := newClient(cfg).SetHeader("Prefer", "wait")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	return &replicateProvider{client: client}
}

type replicatePrediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  any             `json:"error"`
}

func (p *replicateProvider) Submit(
	ctx context.Context,
	route modelcost.Route,
	input map[string]any,
) (*Output, error) {
	r, ok := route.(modelcost.ReplicateRoute)
	if !ok {
		return nil, fmt.Errorf("replicate: unexpected route %T", route)
	}

	var prediction replicatePrediction
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"version": r.Version, "input": input}).
		SetResult(&prediction).
		Post("/predictions")
	if err != nil {
		return nil, fmt.Errorf("replicate %s: %w", r.Version, err)
	}
	if resp.IsError() {
		return nil, statusError("replicate", resp)
	}

	if prediction.Status == "failed" || prediction.Status == "canceled" {
		return nil, fmt.Errorf(
			"replicate prediction %s %s: %w",
			prediction.ID,
			prediction.Status,
			ErrProviderFailed,
		)
	}

	return &Output{ProviderRequestID: prediction.ID, Data: resp.Body()}, nil
}

type googleProvider struct {
	client *resty.Client
}

func NewGoogleProvider(cfg config.ProviderConfig) Provider {
	client := newClient(cfg)
	if cfg.APIKey != "" {
		client.SetHeader("x-goog-api-key", cfg.APIKey)
	}
	return &googleProvider{client: client}
}

func (p *googleProvider) Submit(
	ctx context.Context,
	route modelcost.Route,
	input map[string]any,
) (*Output, error) {
	r, ok := route.(modelcost.GoogleRoute)
	if !ok {
		return nil, fmt.Errorf("google: unexpected route %T", route)
	}

	resp, err := p.client.R().
		SetContext(ctx).
		SetPathParam("model", r.Model).
		SetBody(input).
		Post("/models/{model}:generateContent")
	if err != nil {
		return nil, fmt.Errorf("google %s: %w", r.Model, err)
	}
	if resp.IsError() {
		return nil, statusError("google", resp)
	}

	return &Output{Data: resp.Body()}, nil
}

func statusError(provider string, resp *resty.Response) error {
	return fmt.Errorf(
		"%s returned %d: %w",
		provider,
		resp.StatusCode(),
		ErrProviderFailed,
	)
}
