// AngelaMos | 2026
// dto.go

package progression

import (
	"time"

	"github.com/shopspring/decimal"
)

type RedeemRequest struct {
	Code string `json:"code" validate:"required,max=64"`
}

type RedeemResult struct {
	Success    bool       `json:"success"`
	AccessType AccessType `json:"accessType,omitempty"`
	Error      string     `json:"error,omitempty"`
}

type TrackUsageRequest struct {
	GenerationID   string          `json:"generationId"   validate:"required,max=128"`
	ModelName      string          `json:"modelName"      validate:"omitempty,max=128"`
	GenerationType string          `json:"generationType" validate:"max=64"`
	CostCredits    decimal.Decimal `json:"costCredits"`
}

type UsageResult struct {
	LeveledUp           bool     `json:"leveledUp"`
	PreviousLevel       int      `json:"previousLevel"`
	CurrentLevel        int      `json:"currentLevel"`
	NewlyUnlockedModels []string `json:"unlockedModels"`
	AlreadyRecorded     bool     `json:"alreadyRecorded,omitempty"`
}

type UnlockRequest struct {
	ModelName string `json:"modelName" validate:"required,max=128"`
}

type UnlockResult struct {
	Success         bool   `json:"success"`
	Message         string `json:"message"`
	AlreadyUnlocked bool   `json:"alreadyUnlocked,omitempty"`
}

type AccessResponse struct {
	ModelName string `json:"modelName"`
	CanAccess bool   `json:"canAccess"`
}

type NextLevelResponse struct {
	Level           int `json:"level"`
	MinUniqueModels int `json:"minUniqueModels"`
	MinGenerations  int `json:"minGenerations"`
}

type ProgressResponse struct {
	Level            int                `json:"level"`
	MaxLevel         int                `json:"maxLevel"`
	TotalGenerations int                `json:"totalGenerations"`
	UniqueModelsUsed int                `json:"uniqueModelsUsed"`
	Tier             string             `json:"tier"`
	NextLevel        *NextLevelResponse `json:"nextLevel,omitempty"`
}

type CreatePromoRequest struct {
	Code       string     `json:"code"       validate:"required,min=3,max=64"`
	AccessType string     `json:"accessType" validate:"required,oneof=secret_level premium"`
	GrantLevel int        `json:"grantLevel" validate:"min=0"`
	MaxUses    *int       `json:"maxUses,omitempty"   validate:"omitempty,min=1"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

type PromoResponse struct {
	ID         string     `json:"id"`
	Code       string     `json:"code"`
	AccessType AccessType `json:"accessType"`
	GrantLevel int        `json:"grantLevel"`
	MaxUses    *int       `json:"maxUses"`
	UsedCount  int        `json:"usedCount"`
	ExpiresAt  *time.Time `json:"expiresAt"`
	IsActive   bool       `json:"isActive"`
	CreatedBy  string     `json:"createdBy"`
	CreatedAt  time.Time  `json:"createdAt"`
}

type PromoListResponse struct {
	Promos []PromoResponse `json:"promos"`
}

type PromoFilter struct {
	ActiveOnly bool
	AccessType AccessType
	Limit      int
	Offset     int
}

func (f *PromoFilter) Normalize() {
	if f.Limit < 1 {
		f.Limit = 50
	}
	if f.Limit > 200 {
		f.Limit = 200
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

func ToPromoResponse(p *PromoCode) PromoResponse {
	return PromoResponse{
		ID:         p.ID,
		Code:       p.Code,
		AccessType: p.AccessType,
		GrantLevel: p.GrantLevel,
		MaxUses:    p.MaxUses,
		UsedCount:  p.UsedCount,
		ExpiresAt:  p.ExpiresAt,
		IsActive:   p.IsActive,
		CreatedBy:  p.CreatedBy,
		CreatedAt:  p.CreatedAt,
	}
}

func ToPromoListResponse(promos []PromoCode) PromoListResponse {
	out := make([]PromoResponse, 0, len(promos))
	for i := range promos {
		out = append(out, ToPromoResponse(&promos[i]))
	}
	return PromoListResponse{Promos: out}
}
