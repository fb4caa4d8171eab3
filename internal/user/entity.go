// AngelaMos | 2026
// entity.go

package user

import (
	"time"
)

type User struct {
	ID               string    `db:"id"`
	Email            string    `db:"email"`
	IsAdmin          bool      `db:"is_admin"`
	Tier             string    `db:"tier"`
	SecretLevel      int       `db:"secret_level"`
	TotalGenerations int       `db:"total_generations"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

func (u *User) Role() string {
	if u.IsAdmin {
		return RoleAdmin
	}
	return RoleUser
}

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

const (
	TierFree    = "free"
	TierPremium = "premium"
)

func ValidTier(tier string) bool {
	return tier == TierFree || tier == TierPremium
}
