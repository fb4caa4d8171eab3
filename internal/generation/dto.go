// AngelaMos | 2026
// dto.go

package generation

import (
	"github.com/shopspring/decimal"

	"github.com/carterperez-dev/varylite/internal/credit"
	"github.com/carterperez-dev/varylite/internal/progression"
)

type GenerateRequest struct {
	ModelName      string         `json:"modelName"              validate:"required,max=128"`
	GenerationType string         `json:"generationType"         validate:"max=64"`
	GenerationID   string         `json:"generationId,omitempty" validate:"omitempty,max=128"`
	Input          map[string]any `json:"input"`
}

type GenerateResult struct {
	Charge   *credit.UseResult
	Output   *Output
	Progress *progression.UsageResult
}

type GenerateResponse struct {
	Success          bool                     `json:"success"`
	GenerationID     string                   `json:"generationId"`
	CreditsUsed      decimal.Decimal          `json:"creditsUsed"`
	RemainingCredits decimal.Decimal          `json:"remainingCredits"`
	Output           *Output                  `json:"output,omitempty"`
	Progress         *progression.UsageResult `json:"progress,omitempty"`
}

type CancelResponse struct {
	Success    bool             `json:"success"`
	Message    string           `json:"message"`
	NewBalance *decimal.Decimal `json:"newBalance,omitempty"`
}

func ToGenerateResponse(r *GenerateResult) GenerateResponse {
	return GenerateResponse{
		Success:          r.Charge.Success,
		GenerationID:     r.Charge.GenerationID,
		CreditsUsed:      r.Charge.CreditsUsed,
		RemainingCredits: r.Charge.RemainingCredits,
		Output:           r.Output,
		Progress:         r.Progress,
	}
}
