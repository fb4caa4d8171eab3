// AngelaMos | 2026
// dto.go

package auth

import (
	"time"
)

type SessionResponse struct {
	UserID    string     `json:"userId"`
	Email     string     `json:"email"`
	Role      string     `json:"role"`
	Tier      string     `json:"tier"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}
