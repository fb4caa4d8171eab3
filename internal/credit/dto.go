// AngelaMos | 2026
// dto.go

package credit

import (
	"time"

	"github.com/shopspring/decimal"
)

type CheckCreditsRequest struct {
	UserID    string `json:"userId"    validate:"required,max=128"`
	ModelName string `json:"modelName" validate:"required,max=128"`
}

type CheckResult struct {
	HasCredits       bool            `json:"hasCredits"`
	AvailableCredits decimal.Decimal `json:"availableCredits"`
	ModelCost        decimal.Decimal `json:"modelCost"`
	Error            string          `json:"error,omitempty"`
}

type UseCreditsRequest struct {
	UserID         string `json:"userId"                 validate:"required,max=128"`
	ModelName      string `json:"modelName"              validate:"required,max=128"`
	GenerationType string `json:"generationType"         validate:"max=64"`
	GenerationID   string `json:"generationId,omitempty" validate:"omitempty,max=128"`
}

type UseParams struct {
	UserID         string
	ModelName      string
	GenerationType string
	GenerationID   string
}

type UseResult struct {
	Success          bool            `json:"success"`
	CreditsUsed      decimal.Decimal `json:"creditsUsed"`
	RemainingCredits decimal.Decimal `json:"remainingCredits"`
	GenerationID     string          `json:"generationId"`
	Replayed         bool            `json:"replayed,omitempty"`
	Error            string          `json:"error,omitempty"`
}

type AddCreditsRequest struct {
	UserID      string          `json:"userId"                validate:"required,max=128"`
	Amount      decimal.Decimal `json:"amount"`
	Source      string          `json:"source"                validate:"required,max=64"`
	ReferenceID string          `json:"referenceId,omitempty" validate:"omitempty,max=128"`
}

type AddParams struct {
	UserID      string
	Amount      decimal.Decimal
	Source      string
	ReferenceID string
	Description string
}

type AddResult struct {
	NewBalance decimal.Decimal
	Replayed   bool
}

// Caller is the authenticated identity making a request.
type Caller struct {
	UserID  string
	IsAdmin bool
}

type AddCreditsResponse struct {
	Success    bool             `json:"success"`
	Message    string           `json:"message"`
	NewBalance *decimal.Decimal `json:"newBalance,omitempty"`
}

type RefundRequest struct {
	GenerationID string `json:"generationId" validate:"required,max=128"`
}

type RefundResponse struct {
	Success    bool             `json:"success"`
	Message    string           `json:"message"`
	NewBalance *decimal.Decimal `json:"newBalance,omitempty"`
}

type BalanceResponse struct {
	UserID  string          `json:"userId"`
	Balance decimal.Decimal `json:"balance"`
}

type TransactionResponse struct {
	ID           string          `json:"id"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balanceAfter"`
	Type         TransactionType `json:"transactionType"`
	Description  string          `json:"description"`
	ReferenceID  *string         `json:"referenceId,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

type TransactionListResponse struct {
	Transactions []TransactionResponse `json:"transactions"`
}

func ToTransactionResponse(t *Transaction) TransactionResponse {
	return TransactionResponse{
		ID:           t.ID,
		Amount:       t.Amount,
		BalanceAfter: t.BalanceAfter,
		Type:         t.TransactionType,
		Description:  t.Description,
		ReferenceID:  t.ReferenceID,
		CreatedAt:    t.CreatedAt,
	}
}

func ToTransactionListResponse(txs []Transaction) TransactionListResponse {
	out := make([]TransactionResponse, 0, len(txs))
	for i := range txs {
		out = append(out, ToTransactionResponse(&txs[i]))
	}
	return TransactionListResponse{Transactions: out}
}
