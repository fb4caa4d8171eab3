// AngelaMos | 2026
// memory_test.go

package credit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/carterperez-dev/varylite/internal/core"
	"github.com/carterperez-dev/varylite/internal/modelcost"
)

// memoryLedger is an in-process Repository with the same locking and
// idempotency rules as the Postgres ledger. One mutex stands in for the
// balance row lock.
type memoryLedger struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	txs      []Transaction
	gens     map[string]*Generation
	now      func() time.Time
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{
		balances: make(map[string]decimal.Decimal),
		gens:     make(map[string]*Generation),
		now:      time.Now,
	}
}

func (m *memoryLedger) GetBalance(_ context.Context, userID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID], nil
}

func (m *memoryLedger) findByReference(t TransactionType, ref string) *Transaction {
	for i := range m.txs {
		tx := m.txs[i]
		if tx.TransactionType == t && tx.ReferenceID != nil && *tx.ReferenceID == ref {
			return &tx
		}
	}
	return nil
}

func (m *memoryLedger) appendLocked(
	userID string,
	amount decimal.Decimal,
	t TransactionType,
	description, ref string,
) Transaction {
	next := m.balances[userID].Add(amount)
	tx := Transaction{
		ID:              uuid.NewString(),
		UserID:          userID,
		Amount:          amount,
		BalanceAfter:    next,
		TransactionType: t,
		Description:     description,
		ReferenceID:     optional(ref),
		CreatedAt:       m.now(),
	}
	m.txs = append(m.txs, tx)
	m.balances[userID] = next
	return tx
}

func (m *memoryLedger) Append(_ context.Context, p AppendParams) (*AppendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.ReferenceID != "" {
		if prior := m.findByReference(p.Type, p.ReferenceID); prior != nil {
			if prior.UserID != p.UserID {
				return nil, fmt.Errorf("append: %w", core.ErrConflict)
			}
			return &AppendResult{Transaction: *prior, Replayed: true}, nil
		}
	}

	if m.balances[p.UserID].Add(p.Amount).IsNegative() {
		return nil, fmt.Errorf("append: %w", ErrInsufficientCredits)
	}

	tx := m.appendLocked(p.UserID, p.Amount, p.Type, p.Description, p.ReferenceID)
	return &AppendResult{Transaction: tx}, nil
}

func (m *memoryLedger) Charge(_ context.Context, p ChargeParams) (*ChargeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.gens[p.GenerationID]; ok {
		if existing.UserID != p.UserID {
			return nil, fmt.Errorf("charge: %w", ErrGenerationConflict)
		}
		prior := m.findByReference(TypeCreditUsed, p.GenerationID)
		return &ChargeResult{Transaction: *prior, Generation: *existing, Replayed: true}, nil
	}

	if m.balances[p.UserID].LessThan(p.Cost) {
		return nil, fmt.Errorf("charge: %w", ErrInsufficientCredits)
	}

	tx := m.appendLocked(
		p.UserID,
		p.Cost.Neg(),
		TypeCreditUsed,
		usageDescription(p.ModelName, p.GenerationType),
		p.GenerationID,
	)
	g := &Generation{
		ID:             p.GenerationID,
		UserID:         p.UserID,
		ModelName:      p.ModelName,
		GenerationType: p.GenerationType,
		Cost:           p.Cost,
		Status:         StatusCharged,
		CreatedAt:      m.now(),
		UpdatedAt:      m.now(),
	}
	m.gens[g.ID] = g

	return &ChargeResult{Transaction: tx, Generation: *g}, nil
}

func (m *memoryLedger) Refund(_ context.Context, generationID string) (*RefundResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.gens[generationID]
	if !ok {
		return nil, fmt.Errorf("refund %s: %w", generationID, ErrGenerationNotFound)
	}
	switch g.Status {
	case StatusCharged:
	case StatusRefunded:
		return nil, fmt.Errorf("refund %s: %w", generationID, ErrAlreadyRefunded)
	default:
		return nil, fmt.Errorf("refund %s: %w", generationID, ErrNotRefundable)
	}

	tx := m.appendLocked(
		g.UserID,
		g.Cost,
		TypeRefund,
		"Refund: "+usageDescription(g.ModelName, g.GenerationType),
		g.ID,
	)
	g.Status = StatusRefunded
	g.UpdatedAt = m.now()

	return &RefundResult{Transaction: tx, Generation: *g}, nil
}

func (m *memoryLedger) Complete(_ context.Context, generationID string) (*Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.gens[generationID]
	if !ok {
		return nil, fmt.Errorf("complete %s: %w", generationID, ErrGenerationNotFound)
	}
	switch g.Status {
	case StatusRefunded:
		return nil, fmt.Errorf("complete %s: %w", generationID, ErrAlreadyRefunded)
	case StatusCharged:
		g.Status = StatusSucceeded
		g.UpdatedAt = m.now()
	}
	out := *g
	return &out, nil
}

func (m *memoryLedger) GetGeneration(_ context.Context, id string) (*Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.gens[id]
	if !ok {
		return nil, fmt.Errorf("get generation %s: %w", id, ErrGenerationNotFound)
	}
	out := *g
	return &out, nil
}

func (m *memoryLedger) ListStaleGenerations(
	_ context.Context,
	olderThan time.Time,
	limit int,
) ([]Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Generation
	for _, g := range m.gens {
		if g.Status == StatusCharged && g.CreatedAt.Before(olderThan) {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryLedger) ListTransactions(
	_ context.Context,
	f TransactionFilter,
) ([]Transaction, error) {
	f.Normalize()

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Transaction
	for i := len(m.txs) - 1; i >= 0 && len(out) < f.Limit; i-- {
		tx := m.txs[i]
		if tx.UserID != f.UserID {
			continue
		}
		if f.Type != "" && tx.TransactionType != f.Type {
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}

func (m *memoryLedger) sumLocked(userID string) decimal.Decimal {
	sum := decimal.Zero
	for _, tx := range m.txs {
		if tx.UserID == userID {
			sum = sum.Add(tx.Amount)
		}
	}
	return sum
}

func (m *memoryLedger) Reconcile(_ context.Context, userID string) (*ReconcileResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := &ReconcileResult{
		UserID:   userID,
		Cached:   m.balances[userID],
		Computed: m.sumLocked(userID),
	}
	if !res.Cached.Equal(res.Computed) {
		m.balances[userID] = res.Computed
		res.Repaired = true
	}
	return res, nil
}

func (m *memoryLedger) ListDrifted(_ context.Context, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, bal := range m.balances {
		if !bal.Equal(m.sumLocked(id)) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *memoryLedger) Stats(_ context.Context) (*LedgerStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &LedgerStats{Accounts: len(m.balances), TotalBalance: decimal.Zero}
	for _, b := range m.balances {
		stats.TotalBalance = stats.TotalBalance.Add(b)
	}
	for _, g := range m.gens {
		switch g.Status {
		case StatusCharged:
			stats.ChargedGenerations++
		case StatusSucceeded:
			stats.SucceededGenerations++
		case StatusRefunded:
			stats.RefundedGenerations++
		}
	}
	return stats, nil
}

// corrupt overwrites a cached balance without a ledger entry.
func (m *memoryLedger) corrupt(userID string, balance decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] = balance
}

func (m *memoryLedger) transactionsFor(userID string) []Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Transaction
	for _, tx := range m.txs {
		if tx.UserID == userID {
			out = append(out, tx)
		}
	}
	return out
}

type staticCosts map[string]*modelcost.ModelCost

func (c staticCosts) GetCost(_ context.Context, name string) (*modelcost.ModelCost, error) {
	m, ok := c[name]
	if !ok || !m.IsActive {
		return nil, modelcost.ErrModelNotFound
	}
	return m, nil
}

type accessFunc func(userID, modelName string) bool

func (f accessFunc) CanAccessModel(_ context.Context, userID, modelName string) (bool, error) {
	return f(userID, modelName), nil
}
