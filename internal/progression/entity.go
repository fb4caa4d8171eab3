// AngelaMos | 2026
// entity.go

package progression

import (
	"strings"
	"time"

	"github.com/carterperez-dev/varylite/internal/config"
)

type AccessType string

const (
	AccessSecretLevel AccessType = "secret_level"
	AccessPremium     AccessType = "premium"
)

func (a AccessType) Valid() bool {
	return a == AccessSecretLevel || a == AccessPremium
}

const (
	TierFree    = "free"
	TierPremium = "premium"
)

// Profile is the slice of a user record that progression reads.
type Profile struct {
	UserID           string `db:"id"`
	Email            string `db:"email"`
	IsAdmin          bool   `db:"is_admin"`
	Tier             string `db:"tier"`
	SecretLevel      int    `db:"secret_level"`
	TotalGenerations int    `db:"total_generations"`
	UniqueModelsUsed int    `db:"unique_models_used"`
}

type PromoCode struct {
	ID         string     `db:"id"`
	Code       string     `db:"code"`
	AccessType AccessType `db:"access_type"`
	GrantLevel int        `db:"grant_level"`
	MaxUses    *int       `db:"max_uses"`
	UsedCount  int        `db:"used_count"`
	ExpiresAt  *time.Time `db:"expires_at"`
	IsActive   bool       `db:"is_active"`
	CreatedBy  string     `db:"created_by"`
	CreatedAt  time.Time  `db:"created_at"`
}

func (p *PromoCode) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && !now.Before(*p.ExpiresAt)
}

func (p *PromoCode) Exhausted() bool {
	return p.MaxUses != nil && p.UsedCount >= *p.MaxUses
}

func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Threshold is the minimum activity needed to reach Level. Both minima
// must be met.
type Threshold struct {
	Level           int
	MinUniqueModels int
	MinGenerations  int
}

func ThresholdsFromConfig(levels []config.LevelThreshold) []Threshold {
	out := make([]Threshold, 0, len(levels))
	for _, l := range levels {
		out = append(out, Threshold{
			Level:           l.Level,
			MinUniqueModels: l.MinUniqueModels,
			MinGenerations:  l.MinGenerations,
		})
	}
	return out
}

// LevelFor returns the highest level whose minima are met by the given
// activity counts. Thresholds must be sorted by level.
func LevelFor(thresholds []Threshold, uniqueModels, totalGenerations int) int {
	level := 0
	for _, t := range thresholds {
		if uniqueModels >= t.MinUniqueModels &&
			totalGenerations >= t.MinGenerations {
			level = t.Level
		}
	}
	return level
}

func MaxLevel(thresholds []Threshold) int {
	if len(thresholds) == 0 {
		return 0
	}
	return thresholds[len(thresholds)-1].Level
}

// UsageRecord is one delivered generation counted towards progression.
type UsageRecord struct {
	UserID       string
	GenerationID string
	ModelName    string
}

// LevelChange is the profile before and after a usage record. Counted is
// false when the generation had already been recorded.
type LevelChange struct {
	Previous Profile
	Current  Profile
	Counted  bool
}
