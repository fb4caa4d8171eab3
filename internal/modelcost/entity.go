// AngelaMos | 2026
// entity.go

package modelcost

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
)

type ModelCost struct {
	ModelName         string          `db:"model_name"`
	CostPerGeneration decimal.Decimal `db:"cost_per_generation"`
	AllowedTiers      StringList      `db:"allowed_tiers"`
	AllowedLevels     IntList         `db:"allowed_levels"`
	IsActive          bool            `db:"is_active"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

func (m *ModelCost) AllowsTier(tier string) bool {
	return tier != "" && slices.Contains(m.AllowedTiers, tier)
}

// AllowsLevel reports whether any level the model opens at is at or below
// level.
func (m *ModelCost) AllowsLevel(level int) bool {
	minLevel, ok := m.MinLevel()
	return ok && minLevel <= level
}

func (m *ModelCost) MinLevel() (int, bool) {
	if len(m.AllowedLevels) == 0 {
		return 0, false
	}
	return slices.Min(m.AllowedLevels), true
}

// StringList is a JSONB array of strings.
type StringList []string

func (l *StringList) Scan(src any) error {
	return scanJSON(src, l)
}

func (l StringList) Value() (driver.Value, error) {
	return valueJSON([]string(l))
}

// IntList is a JSONB array of integers.
type IntList []int

func (l *IntList) Scan(src any) error {
	return scanJSON(src, l)
}

func (l IntList) Value() (driver.Value, error) {
	return valueJSON([]int(l))
}

func scanJSON(src, dst any) error {
	if src == nil {
		return nil
	}

	var text types.JSONText
	if err := text.Scan(src); err != nil {
		return fmt.Errorf("scan json: %w", err)
	}
	return text.Unmarshal(dst)
}

func valueJSON[T any](list []T) (driver.Value, error) {
	if list == nil {
		return "[]", nil
	}

	b, err := json.Marshal(list)
	if err != nil {
		return nil, err
	}
	return types.JSONText(b).String(), nil
}
