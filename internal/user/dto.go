// AngelaMos | 2026
// dto.go

package user

import (
	"time"

	"github.com/shopspring/decimal"
)

type UpdateUserTierRequest struct {
	Tier string `json:"tier" validate:"required,oneof=free premium"`
}

type UpdateUserAdminRequest struct {
	IsAdmin *bool `json:"isAdmin" validate:"required"`
}

type UserResponse struct {
	ID               string    `json:"id"`
	Email            string    `json:"email"`
	Role             string    `json:"role"`
	Tier             string    `json:"tier"`
	SecretLevel      int       `json:"secretLevel"`
	TotalGenerations int       `json:"totalGenerations"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// MeResponse is the caller's profile joined with balance and level.
type MeResponse struct {
	UserResponse
	Balance          decimal.Decimal `json:"balance"`
	Level            int             `json:"level"`
	UniqueModelsUsed int             `json:"uniqueModelsUsed"`
}

type ListUsersParams struct {
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
	Search   string `json:"search"`
	Tier     string `json:"tier"`
}

func (p *ListUsersParams) Normalize() {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = 20
	}
	if p.PageSize > 100 {
		p.PageSize = 100
	}
}

func (p *ListUsersParams) Offset() int {
	return (p.Page - 1) * p.PageSize
}

func ToUserResponse(u *User) UserResponse {
	return UserResponse{
		ID:               u.ID,
		Email:            u.Email,
		Role:             u.Role(),
		Tier:             u.Tier,
		SecretLevel:      u.SecretLevel,
		TotalGenerations: u.TotalGenerations,
		CreatedAt:        u.CreatedAt,
		UpdatedAt:        u.UpdatedAt,
	}
}

func ToUserResponseList(users []User) []UserResponse {
	responses := make([]UserResponse, 0, len(users))
	for _, u := range users {
		responses = append(responses, ToUserResponse(&u))
	}
	return responses
}
