// AngelaMos | 2026
// repository.go

package credit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/carterperez-dev/varylite/internal/core"
)

// Repository is the credit ledger. Every balance change goes through
// Append, Charge or Refund, each of which is one database transaction that
// writes the ledger entry and the cached balance together.
type Repository interface {
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)
	Append(ctx context.Context, p AppendParams) (*AppendResult, error)
	Charge(ctx context.Context, p ChargeParams) (*ChargeResult, error)
	Refund(ctx context.Context, generationID string) (*RefundResult, error)
	Complete(ctx context.Context, generationID string) (*Generation, error)
	GetGeneration(ctx context.Context, id string) (*Generation, error)
	ListStaleGenerations(
		ctx context.Context,
		olderThan time.Time,
		limit int,
	) ([]Generation, error)
	ListTransactions(
		ctx context.Context,
		f TransactionFilter,
	) ([]Transaction, error)
	Reconcile(ctx context.Context, userID string) (*ReconcileResult, error)
	ListDrifted(ctx context.Context, limit int) ([]string, error)
	Stats(ctx context.Context) (*LedgerStats, error)
}

type repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const transactionColumns = `id, user_id, amount, balance_after,
	transaction_type, description, reference_id, created_at`

const generationColumns = `id, user_id, model_name, generation_type, cost,
	status, created_at, updated_at`

func (r *repository) GetBalance(
	ctx context.Context,
	userID string,
) (decimal.Decimal, error) {
	query := `SELECT current_balance FROM credit_balances WHERE user_id = $1`

	var balance decimal.Decimal
	err := r.db.GetContext(ctx, &balance, query, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance: %w", err)
	}

	return balance, nil
}

func (r *repository) Append(
	ctx context.Context,
	p AppendParams,
) (*AppendResult, error) {
	var result *AppendResult

	err := core.InTx(ctx, r.db, func(tx *sqlx.Tx) error {
		balance, err := lockBalance(ctx, tx, p.UserID)
		if err != nil {
			return err
		}

		if p.ReferenceID != "" {
			prior, err := findByReference(ctx, tx, p.Type, p.ReferenceID)
			if err != nil {
				return err
			}
			if prior != nil {
				if prior.UserID != p.UserID {
					return fmt.Errorf(
						"append: reference %s belongs to another user: %w",
						p.ReferenceID,
						core.ErrConflict,
					)
				}
				result = &AppendResult{Transaction: *prior, Replayed: true}
				return nil
			}
		}

		next := balance.Add(p.Amount)
		if next.IsNegative() {
			return fmt.Errorf("append: %w", ErrInsufficientCredits)
		}

		t := Transaction{
			ID:              uuid.NewString(),
			UserID:          p.UserID,
			Amount:          p.Amount,
			BalanceAfter:    next,
			TransactionType: p.Type,
			Description:     p.Description,
			ReferenceID:     optional(p.ReferenceID),
		}
		if err := insertTransaction(ctx, tx, &t); err != nil {
			return err
		}
		if err := setBalance(ctx, tx, p.UserID, next); err != nil {
			return err
		}

		result = &AppendResult{Transaction: t}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *repository) Charge(
	ctx context.Context,
	p ChargeParams,
) (*ChargeResult, error) {
	var result *ChargeResult

	err := core.InTx(ctx, r.db, func(tx *sqlx.Tx) error {
		balance, err := lockBalance(ctx, tx, p.UserID)
		if err != nil {
			return err
		}

		existing, err := getGeneration(ctx, tx, p.GenerationID, true)
		if err != nil && !errors.Is(err, ErrGenerationNotFound) {
			return err
		}
		if existing != nil {
			if existing.UserID != p.UserID {
				return fmt.Errorf("charge: %w", ErrGenerationConflict)
			}
			prior, err := findByReference(ctx, tx, TypeCreditUsed, p.GenerationID)
			if err != nil {
				return err
			}
			if prior == nil {
				return fmt.Errorf(
					"charge: generation %s has no usage entry",
					p.GenerationID,
				)
			}
			result = &ChargeResult{
				Transaction: *prior,
				Generation:  *existing,
				Replayed:    true,
			}
			return nil
		}

		if balance.LessThan(p.Cost) {
			return fmt.Errorf("charge: %w", ErrInsufficientCredits)
		}

		next := balance.Sub(p.Cost)
		t := Transaction{
			ID:              uuid.NewString(),
			UserID:          p.UserID,
			Amount:          p.Cost.Neg(),
			BalanceAfter:    next,
			TransactionType: TypeCreditUsed,
			Description:     usageDescription(p.ModelName, p.GenerationType),
			ReferenceID:     optional(p.GenerationID),
		}
		if err := insertTransaction(ctx, tx, &t); err != nil {
			if errors.Is(err, core.ErrDuplicateKey) {
				return fmt.Errorf("charge %s: %w", p.GenerationID, ErrGenerationConflict)
			}
			return err
		}
		if err := setBalance(ctx, tx, p.UserID, next); err != nil {
			return err
		}

		g := Generation{
			ID:             p.GenerationID,
			UserID:         p.UserID,
			ModelName:      p.ModelName,
			GenerationType: p.GenerationType,
			Cost:           p.Cost,
			Status:         StatusCharged,
		}
		if err := insertGeneration(ctx, tx, &g); err != nil {
			return err
		}

		result = &ChargeResult{Transaction: t, Generation: g}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *repository) Refund(
	ctx context.Context,
	generationID string,
) (*RefundResult, error) {
	owner, err := getGeneration(ctx, r.db, generationID, false)
	if err != nil {
		return nil, err
	}

	var result *RefundResult

	err = core.InTx(ctx, r.db, func(tx *sqlx.Tx) error {
		balance, err := lockBalance(ctx, tx, owner.UserID)
		if err != nil {
			return err
		}

		g, err := getGeneration(ctx, tx, generationID, true)
		if err != nil {
			return err
		}
		switch g.Status {
		case StatusCharged:
		case StatusRefunded:
			return fmt.Errorf("refund %s: %w", generationID, ErrAlreadyRefunded)
		default:
			return fmt.Errorf("refund %s: %w", generationID, ErrNotRefundable)
		}

		next := balance.Add(g.Cost)
		t := Transaction{
			ID:              uuid.NewString(),
			UserID:          g.UserID,
			Amount:          g.Cost,
			BalanceAfter:    next,
			TransactionType: TypeRefund,
			Description:     "Refund: " + usageDescription(g.ModelName, g.GenerationType),
			ReferenceID:     optional(g.ID),
		}
		if err := insertTransaction(ctx, tx, &t); err != nil {
			if errors.Is(err, core.ErrDuplicateKey) {
				return fmt.Errorf("refund %s: %w", generationID, ErrAlreadyRefunded)
			}
			return err
		}
		if err := setBalance(ctx, tx, g.UserID, next); err != nil {
			return err
		}

		query := `
			UPDATE generations
			SET status = $2, updated_at = NOW()
			WHERE id = $1
			RETURNING updated_at`
		if err := tx.GetContext(ctx, &g.UpdatedAt, query, g.ID, StatusRefunded); err != nil {
			return fmt.Errorf("mark generation refunded: %w", err)
		}
		g.Status = StatusRefunded

		result = &RefundResult{Transaction: t, Generation: *g}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *repository) Complete(
	ctx context.Context,
	generationID string,
) (*Generation, error) {
	query := `
		UPDATE generations
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING ` + generationColumns

	var g Generation
	err := r.db.GetContext(ctx, &g, query,
		generationID,
		StatusSucceeded,
		StatusCharged,
	)
	if err == nil {
		return &g, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("complete generation: %w", err)
	}

	current, err := getGeneration(ctx, r.db, generationID, false)
	if err != nil {
		return nil, err
	}
	if current.Status == StatusRefunded {
		return nil, fmt.Errorf(
			"complete %s: %w",
			generationID,
			ErrAlreadyRefunded,
		)
	}

	return current, nil
}

func (r *repository) GetGeneration(
	ctx context.Context,
	id string,
) (*Generation, error) {
	return getGeneration(ctx, r.db, id, false)
}

func (r *repository) ListStaleGenerations(
	ctx context.Context,
	olderThan time.Time,
	limit int,
) ([]Generation, error) {
	query, args, err := psql.
		Select(generationColumns).
		From("generations").
		Where(sq.Eq{"status": StatusCharged}).
		Where(sq.Lt{"created_at": olderThan}).
		OrderBy("created_at").
		Limit(uint64(max(limit, 1))).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build stale generations query: %w", err)
	}

	var gens []Generation
	if err := r.db.SelectContext(ctx, &gens, query, args...); err != nil {
		return nil, fmt.Errorf("list stale generations: %w", err)
	}

	return gens, nil
}

func (r *repository) ListTransactions(
	ctx context.Context,
	f TransactionFilter,
) ([]Transaction, error) {
	f.Normalize()

	builder := psql.
		Select(transactionColumns).
		From("credit_transactions").
		Where(sq.Eq{"user_id": f.UserID})

	if f.Type != "" {
		builder = builder.Where(sq.Eq{"transaction_type": f.Type})
	}
	if !f.Since.IsZero() {
		builder = builder.Where(sq.GtOrEq{"created_at": f.Since})
	}

	query, args, err := builder.
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(f.Limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build transactions query: %w", err)
	}

	var txs []Transaction
	if err := r.db.SelectContext(ctx, &txs, query, args...); err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}

	return txs, nil
}

// Reconcile recomputes the balance from the ledger under the balance row
// lock and overwrites the cached value when the two disagree.
func (r *repository) Reconcile(
	ctx context.Context,
	userID string,
) (*ReconcileResult, error) {
	var result *ReconcileResult

	err := core.InTx(ctx, r.db, func(tx *sqlx.Tx) error {
		cached, err := lockBalance(ctx, tx, userID)
		if err != nil {
			return err
		}

		var computed decimal.Decimal
		query := `
			SELECT COALESCE(SUM(amount), 0)
			FROM credit_transactions
			WHERE user_id = $1`
		if err := tx.GetContext(ctx, &computed, query, userID); err != nil {
			return fmt.Errorf("sum ledger: %w", err)
		}

		result = &ReconcileResult{
			UserID:   userID,
			Cached:   cached,
			Computed: computed,
		}

		if cached.Equal(computed) {
			return nil
		}
		if computed.IsNegative() {
			return fmt.Errorf(
				"reconcile %s: ledger sums to %s: %w",
				userID,
				computed,
				ErrLedgerInconsistent,
			)
		}

		if err := setBalance(ctx, tx, userID, computed); err != nil {
			return err
		}
		result.Repaired = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *repository) ListDrifted(
	ctx context.Context,
	limit int,
) ([]string, error) {
	query := `
		SELECT b.user_id
		FROM credit_balances b
		LEFT JOIN (
			SELECT user_id, SUM(amount) AS total
			FROM credit_transactions
			GROUP BY user_id
		) t ON t.user_id = b.user_id
		WHERE b.current_balance <> COALESCE(t.total, 0)
		ORDER BY b.user_id
		LIMIT $1`

	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, max(limit, 1)); err != nil {
		return nil, fmt.Errorf("list drifted balances: %w", err)
	}

	return ids, nil
}

func (r *repository) Stats(ctx context.Context) (*LedgerStats, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM credit_balances) AS accounts,
			(SELECT COALESCE(SUM(current_balance), 0) FROM credit_balances) AS total_balance,
			COUNT(*) FILTER (WHERE status = 'charged') AS charged_generations,
			COUNT(*) FILTER (WHERE status = 'succeeded') AS succeeded_generations,
			COUNT(*) FILTER (WHERE status = 'refunded') AS refunded_generations
		FROM generations`

	var stats LedgerStats
	if err := r.db.GetContext(ctx, &stats, query); err != nil {
		return nil, fmt.Errorf("ledger stats: %w", err)
	}

	return &stats, nil
}

// lockBalance makes sure the user and balance rows exist, then locks the
// balance row for the rest of the transaction.
func lockBalance(
	ctx context.Context,
	tx *sqlx.Tx,
	userID string,
) (decimal.Decimal, error) {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`,
		userID,
	); err != nil {
		return decimal.Zero, fmt.Errorf("ensure user: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credit_balances (user_id) VALUES ($1)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID,
	); err != nil {
		return decimal.Zero, fmt.Errorf("ensure balance: %w", err)
	}

	var balance decimal.Decimal
	err := tx.GetContext(ctx, &balance,
		`SELECT current_balance FROM credit_balances
		 WHERE user_id = $1 FOR UPDATE`,
		userID,
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("lock balance: %w", err)
	}

	return balance, nil
}

func setBalance(
	ctx context.Context,
	tx *sqlx.Tx,
	userID string,
	balance decimal.Decimal,
) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE credit_balances
		 SET current_balance = $2, updated_at = NOW()
		 WHERE user_id = $1`,
		userID,
		balance,
	)
	if err != nil {
		if core.IsCheckViolation(err) {
			return fmt.Errorf("set balance: %w", ErrInsufficientCredits)
		}
		return fmt.Errorf("set balance: %w", err)
	}
	return nil
}

func insertTransaction(ctx context.Context, tx *sqlx.Tx, t *Transaction) error {
	query := `
		INSERT INTO credit_transactions (
			id, user_id, amount, balance_after, transaction_type,
			description, reference_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`

	err := tx.GetContext(ctx, &t.CreatedAt, query,
		t.ID,
		t.UserID,
		t.Amount,
		t.BalanceAfter,
		t.TransactionType,
		t.Description,
		t.ReferenceID,
	)
	if err != nil {
		if core.IsDuplicateKeyError(err) {
			return fmt.Errorf("insert transaction: %w", core.ErrDuplicateKey)
		}
		return fmt.Errorf("insert transaction: %w", err)
	}

	return nil
}

func insertGeneration(ctx context.Context, tx *sqlx.Tx, g *Generation) error {
	query := `
		INSERT INTO generations (
			id, user_id, model_name, generation_type, cost, status
		)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`

	row := tx.QueryRowxContext(ctx, query,
		g.ID,
		g.UserID,
		g.ModelName,
		g.GenerationType,
		g.Cost,
		g.Status,
	)
	if err := row.Scan(&g.CreatedAt, &g.UpdatedAt); err != nil {
		if core.IsDuplicateKeyError(err) {
			return fmt.Errorf("insert generation: %w", ErrGenerationConflict)
		}
		return fmt.Errorf("insert generation: %w", err)
	}

	return nil
}

func findByReference(
	ctx context.Context,
	tx *sqlx.Tx,
	typ TransactionType,
	referenceID string,
) (*Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM credit_transactions
		WHERE transaction_type = $1 AND reference_id = $2`

	var t Transaction
	err := tx.GetContext(ctx, &t, query, typ, referenceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find transaction by reference: %w", err)
	}

	return &t, nil
}

func getGeneration(
	ctx context.Context,
	db core.DBTX,
	id string,
	forUpdate bool,
) (*Generation, error) {
	query := `SELECT ` + generationColumns + ` FROM generations WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var g Generation
	err := db.GetContext(ctx, &g, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get generation %s: %w", id, ErrGenerationNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get generation: %w", err)
	}

	return &g, nil
}

func usageDescription(modelName, generationType string) string {
	if generationType == "" {
		return "Generation: " + modelName
	}
	return fmt.Sprintf("Generation: %s (%s)", modelName, generationType)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
