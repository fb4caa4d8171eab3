// AngelaMos | 2026
// repository.go

package modelcost

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/carterperez-dev/varylite/internal/core"
)

type Repository interface {
	Get(ctx context.Context, modelName string) (*ModelCost, error)
	List(ctx context.Context) ([]ModelCost, error)
	Upsert(ctx context.Context, m *ModelCost) error
}

type repository struct {
	db core.DBTX
}

func NewRepository(db core.DBTX) Repository {
	return &repository{db: db}
}

func (r *repository) Get(
	ctx context.Context,
	modelName string,
) (*ModelCost, error) {
	query := `
		SELECT model_name, cost_per_generation, allowed_tiers,
		       allowed_levels, is_active, updated_at
		FROM model_costs
		WHERE model_name = $1`

	var m ModelCost
	err := r.db.GetContext(ctx, &m, query, modelName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get model cost: %w", ErrModelNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get model cost: %w", err)
	}

	return &m, nil
}

func (r *repository) List(ctx context.Context) ([]ModelCost, error) {
	query := `
		SELECT model_name, cost_per_generation, allowed_tiers,
		       allowed_levels, is_active, updated_at
		FROM model_costs
		ORDER BY model_name`

	var models []ModelCost
	if err := r.db.SelectContext(ctx, &models, query); err != nil {
		return nil, fmt.Errorf("list model costs: %w", err)
	}

	return models, nil
}

func (r *repository) Upsert(ctx context.Context, m *ModelCost) error {
	query := `
		INSERT INTO model_costs (
			model_name, cost_per_generation, allowed_tiers,
			allowed_levels, is_active
		)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (model_name) DO UPDATE
		SET cost_per_generation = EXCLUDED.cost_per_generation,
		    allowed_tiers = EXCLUDED.allowed_tiers,
		    allowed_levels = EXCLUDED.allowed_levels,
		    is_active = EXCLUDED.is_active,
		    updated_at = NOW()
		RETURNING updated_at`

	err := r.db.GetContext(ctx, &m.UpdatedAt, query,
		m.ModelName,
		m.CostPerGeneration,
		m.AllowedTiers,
		m.AllowedLevels,
		m.IsActive,
	)
	if err != nil {
		return fmt.Errorf("upsert model cost: %w", err)
	}

	return nil
}
