// AngelaMos | 2026
// dto.go

package modelcost

import (
	"time"

	"github.com/shopspring/decimal"
)

type UpsertModelCostRequest struct {
	ModelName         string          `json:"-"`
	CostPerGeneration decimal.Decimal `json:"costPerGeneration"`
	AllowedTiers      []string        `json:"allowedTiers"  validate:"dive,oneof=free premium"`
	AllowedLevels     []int           `json:"allowedLevels" validate:"dive,min=0"`
	IsActive          *bool           `json:"isActive,omitempty"`
}

type ModelCostResponse struct {
	ModelName         string          `json:"model_name"`
	CostPerGeneration decimal.Decimal `json:"cost_per_generation"`
	AllowedTiers      []string        `json:"allowed_tiers"`
	AllowedLevels     []int           `json:"allowed_levels"`
	IsActive          bool            `json:"is_active"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type ModelCostListResponse struct {
	Models []ModelCostResponse `json:"models"`
}

type ReloadResponse struct {
	Reloaded int `json:"reloaded"`
}

func ToModelCostResponse(m *ModelCost) ModelCostResponse {
	tiers := []string(m.AllowedTiers)
	if tiers == nil {
		tiers = []string{}
	}
	levels := []int(m.AllowedLevels)
	if levels == nil {
		levels = []int{}
	}

	return ModelCostResponse{
		ModelName:         m.ModelName,
		CostPerGeneration: m.CostPerGeneration,
		AllowedTiers:      tiers,
		AllowedLevels:     levels,
		IsActive:          m.IsActive,
		UpdatedAt:         m.UpdatedAt,
	}
}

func ToModelCostListResponse(models []ModelCost) ModelCostListResponse {
	out := make([]ModelCostResponse, 0, len(models))
	for i := range models {
		out = append(out, ToModelCostResponse(&models[i]))
	}
	return ModelCostListResponse{Models: out}
}
