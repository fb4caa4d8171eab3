// AngelaMos | 2026
// service.go

package modelcost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/redis/go-redis/v9"

	"github.com/carterperez-dev/varylite/internal/core"
)

// ErrModelNotFound is returned for models that are unknown or inactive.
var ErrModelNotFound = fmt.Errorf("model %w", core.ErrNotFound)

const reloadAll = "*"

type RegistryConfig struct {
	CacheTTL      time.Duration
	ReloadChannel string
	Redis         *redis.Client
	Logger        *slog.Logger
}

// Registry serves per-model costs and access lists. Reads go through an
// in-process cache; writes invalidate it locally and on every other
// instance listening on the reload channel.
type Registry struct {
	repo    Repository
	cache   *ristretto.Cache[string, *ModelCost]
	ttl     time.Duration
	redis   *redis.Client
	channel string
	logger  *slog.Logger
}

func NewRegistry(repo Repository, cfg RegistryConfig) (*Registry, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, *ModelCost]{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create model cost cache: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &Registry{
		repo:    repo,
		cache:   cache,
		ttl:     ttl,
		redis:   cfg.Redis,
		channel: cfg.ReloadChannel,
		logger:  logger,
	}, nil
}

func (r *Registry) Close() {
	r.cache.Close()
}

// GetCost returns the active model's cost entry. Unknown and inactive
// models both yield ErrModelNotFound; there is no zero-cost fallback.
func (r *Registry) GetCost(
	ctx context.Context,
	modelName string,
) (*ModelCost, error) {
	m, err := r.Lookup(ctx, modelName)
	if err != nil {
		return nil, err
	}

	if !m.IsActive {
		return nil, fmt.Errorf("%s inactive: %w", modelName, ErrModelNotFound)
	}

	return m, nil
}

// Lookup returns the model entry whether or not it is active.
func (r *Registry) Lookup(
	ctx context.Context,
	modelName string,
) (*ModelCost, error) {
	if modelName == "" {
		return nil, fmt.Errorf("lookup model: %w", ErrModelNotFound)
	}

	if m, ok := r.cache.Get(modelName); ok {
		return m, nil
	}

	m, err := r.repo.Get(ctx, modelName)
	if err != nil {
		return nil, err
	}

	r.cache.SetWithTTL(modelName, m, 1, r.ttl)
	return m, nil
}

func (r *Registry) List(ctx context.Context) ([]ModelCost, error) {
	return r.repo.List(ctx)
}

// ListActive returns every active model, used to work out which models a
// level change opens up.
func (r *Registry) ListActive(ctx context.Context) ([]ModelCost, error) {
	models, err := r.repo.List(ctx)
	if err != nil {
		return nil, err
	}

	active := models[:0]
	for _, m := range models {
		if m.IsActive {
			active = append(active, m)
		}
	}
	return active, nil
}

// Reload drops every cached entry and warms the cache from the store.
func (r *Registry) Reload(ctx context.Context) (int, error) {
	r.cache.Clear()

	models, err := r.repo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("reload model costs: %w", err)
	}

	for i := range models {
		m := models[i]
		r.cache.SetWithTTL(m.ModelName, &m, 1, r.ttl)
	}
	r.cache.Wait()

	return len(models), nil
}

func (r *Registry) Upsert(
	ctx context.Context,
	req UpsertModelCostRequest,
) (*ModelCost, error) {
	if !req.CostPerGeneration.IsPositive() {
		return nil, fmt.Errorf(
			"upsert model cost: cost must be positive: %w",
			core.ErrInvalidInput,
		)
	}

	for _, tier := range req.AllowedTiers {
		if tier != "free" && tier != "premium" {
			return nil, fmt.Errorf(
				"upsert model cost: unknown tier %q: %w",
				tier,
				core.ErrInvalidInput,
			)
		}
	}

	for _, level := range req.AllowedLevels {
		if level < 0 {
			return nil, fmt.Errorf(
				"upsert model cost: negative level: %w",
				core.ErrInvalidInput,
			)
		}
	}

	isActive := true
	if req.IsActive != nil {
		isActive = *req.IsActive
	}

	m := &ModelCost{
		ModelName:         req.ModelName,
		CostPerGeneration: req.CostPerGeneration,
		AllowedTiers:      StringList(req.AllowedTiers),
		AllowedLevels:     IntList(req.AllowedLevels),
		IsActive:          isActive,
	}

	if err := r.repo.Upsert(ctx, m); err != nil {
		return nil, err
	}

	r.cache.Del(m.ModelName)
	r.publish(ctx, m.ModelName)

	return m, nil
}

// RequestReload reloads locally and asks other instances to do the same.
func (r *Registry) RequestReload(ctx context.Context) (int, error) {
	n, err := r.Reload(ctx)
	if err != nil {
		return 0, err
	}
	r.publish(ctx, reloadAll)
	return n, nil
}

func (r *Registry) publish(ctx context.Context, payload string) {
	if r.redis == nil || r.channel == "" {
		return
	}

	if err := r.redis.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.logger.Warn("publish model cost reload",
			"channel", r.channel,
			"error", err,
		)
	}
}

// Watch applies reload messages from other instances until ctx is done.
func (r *Registry) Watch(ctx context.Context) error {
	if r.redis == nil || r.channel == "" {
		<-ctx.Done()
		return nil
	}

	sub := r.redis.Subscribe(ctx, r.channel)
	defer sub.Close() //nolint:errcheck // best-effort unsubscribe

	if _, err := sub.Receive(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			r.apply(ctx, msg.Payload)
		}
	}
}

func (r *Registry) apply(ctx context.Context, payload string) {
	if payload != reloadAll {
		r.cache.Del(payload)
		return
	}

	n, err := r.Reload(ctx)
	if err != nil {
		r.logger.Error("reload model costs", "error", err)
		return
	}
	r.logger.Info("model costs reloaded", "models", n)
}
