// AngelaMos | 2026
// entity.go

package credit

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TypeCreditAdded TransactionType = "credit_added"
	TypeCreditUsed  TransactionType = "credit_used"
	TypeRefund      TransactionType = "refund"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TypeCreditAdded, TypeCreditUsed, TypeRefund:
		return true
	}
	return false
}

type GenerationStatus string

const (
	StatusCharged   GenerationStatus = "charged"
	StatusSucceeded GenerationStatus = "succeeded"
	StatusRefunded  GenerationStatus = "refunded"
)

type Balance struct {
	UserID         string          `db:"user_id"`
	CurrentBalance decimal.Decimal `db:"current_balance"`
	IsActive       bool            `db:"is_active"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

// Transaction is one immutable ledger entry. Amount is signed: additions
// and refunds are positive, usage is negative.
type Transaction struct {
	ID              string          `db:"id"`
	UserID          string          `db:"user_id"`
	Amount          decimal.Decimal `db:"amount"`
	BalanceAfter    decimal.Decimal `db:"balance_after"`
	TransactionType TransactionType `db:"transaction_type"`
	Description     string          `db:"description"`
	ReferenceID     *string         `db:"reference_id"`
	CreatedAt       time.Time       `db:"created_at"`
}

// Generation tracks a charged request through to success or refund.
type Generation struct {
	ID             string           `db:"id"`
	UserID         string           `db:"user_id"`
	ModelName      string           `db:"model_name"`
	GenerationType string           `db:"generation_type"`
	Cost           decimal.Decimal  `db:"cost"`
	Status         GenerationStatus `db:"status"`
	CreatedAt      time.Time        `db:"created_at"`
	UpdatedAt      time.Time        `db:"updated_at"`
}

type AppendParams struct {
	UserID      string
	Amount      decimal.Decimal
	Type        TransactionType
	Description string
	ReferenceID string
}

type AppendResult struct {
	Transaction Transaction
	Replayed    bool
}

type ChargeParams struct {
	UserID         string
	ModelName      string
	GenerationType string
	GenerationID   string
	Cost           decimal.Decimal
}

type ChargeResult struct {
	Transaction Transaction
	Generation  Generation
	Replayed    bool
}

type RefundResult struct {
	Transaction Transaction
	Generation  Generation
}

type ReconcileResult struct {
	UserID   string          `json:"userId"`
	Cached   decimal.Decimal `json:"cached"`
	Computed decimal.Decimal `json:"computed"`
	Repaired bool            `json:"repaired"`
}

type TransactionFilter struct {
	UserID string
	Type   TransactionType
	Since  time.Time
	Limit  int
}

func (f *TransactionFilter) Normalize() {
	if f.Limit < 1 {
		f.Limit = 50
	}
	if f.Limit > 200 {
		f.Limit = 200
	}
}

type LedgerStats struct {
	Accounts             int             `db:"accounts"               json:"accounts"`
	TotalBalance         decimal.Decimal `db:"total_balance"          json:"totalBalance"`
	ChargedGenerations   int             `db:"charged_generations"    json:"chargedGenerations"`
	SucceededGenerations int             `db:"succeeded_generations"  json:"succeededGenerations"`
	RefundedGenerations  int             `db:"refunded_generations"   json:"refundedGenerations"`
}
