// AngelaMos | 2026
// repository.go

package progression

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/carterperez-dev/varylite/internal/core"
)

type Repository interface {
	GetProfile(ctx context.Context, userID string) (*Profile, error)
	RecordUsage(
		ctx context.Context,
		u UsageRecord,
		levelOf func(Profile) int,
	) (*LevelChange, error)
	Redeem(
		ctx context.Context,
		userID, code string,
		now time.Time,
	) (*PromoCode, error)
	IsUnlocked(ctx context.Context, userID, modelName string) (bool, error)
	Unlock(ctx context.Context, userID, modelName string) (bool, error)
	SetTier(ctx context.Context, userID, tier string) error
	CreatePromo(ctx context.Context, p *PromoCode) error
	ListPromos(ctx context.Context, f PromoFilter) ([]PromoCode, error)
	DeactivatePromo(ctx context.Context, id string) error
}

type repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const promoColumns = `id, code, access_type, grant_level, max_uses,
	used_count, expires_at, is_active, created_by, created_at`

const profileQuery = `
	SELECT u.id, u.email, u.is_admin, u.tier, u.secret_level,
	       u.total_generations,
	       (SELECT COUNT(*) FROM user_models_used m WHERE m.user_id = u.id)
	           AS unique_models_used
	FROM users u
	WHERE u.id = $1`

func (r *repository) GetProfile(
	ctx context.Context,
	userID string,
) (*Profile, error) {
	var p Profile
	err := r.db.GetContext(ctx, &p, profileQuery, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return &Profile{UserID: userID, Tier: TierFree}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}

	return &p, nil
}

// RecordUsage counts one delivered generation and its model towards the
// user's progression. A generation already counted leaves the profile
// unchanged.
func (r *repository) RecordUsage(
	ctx context.Context,
	u UsageRecord,
	levelOf func(Profile) int,
) (*LevelChange, error) {
	var change *LevelChange

	err := core.InTx(ctx, r.db, func(tx *sqlx.Tx) error {
		before, err := lockProfile(ctx, tx, u.UserID)
		if err != nil {
			return err
		}

		counted, err := execInserted(ctx, tx, `
			INSERT INTO usage_records (generation_id, user_id, model_name)
			VALUES ($1, $2, $3)
			ON CONFLICT (generation_id) DO NOTHING`,
			u.GenerationID,
			u.UserID,
			u.ModelName,
		)
		if err != nil {
			return fmt.Errorf("record usage: %w", err)
		}
		if counted == 0 {
			change = &LevelChange{Previous: *before, Current: *before}
			return nil
		}

		newModel, err := execInserted(ctx, tx, `
			INSERT INTO user_models_used (user_id, model_name)
			VALUES ($1, $2)
			ON CONFLICT (user_id, model_name) DO NOTHING`,
			u.UserID,
			u.ModelName,
		)
		if err != nil {
			return fmt.Errorf("record model used: %w", err)
		}

		after := *before
		after.TotalGenerations++
		after.UniqueModelsUsed += int(newModel)
		after.SecretLevel = max(levelOf(after), before.SecretLevel)

		if _, err := tx.ExecContext(ctx, `
			UPDATE users
			SET total_generations = $2,
			    secret_level = GREATEST(secret_level, $3),
			    updated_at = NOW()
			WHERE id = $1`,
			u.UserID,
			after.TotalGenerations,
			after.SecretLevel,
		); err != nil {
			return fmt.Errorf("update progress: %w", err)
		}

		change = &LevelChange{Previous: *before, Current: after, Counted: true}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return change, nil
}

func execInserted(
	ctx context.Context,
	tx *sqlx.Tx,
	query string,
	args ...any,
) (int64, error) {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Redeem applies a promo code for the user. The promo row is locked for the
// whole transaction so concurrent redemptions of a limited code serialize.
func (r *repository) Redeem(
	ctx context.Context,
	userID, code string,
	now time.Time,
) (*PromoCode, error) {
	var promo PromoCode

	err := core.InTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := lockProfile(ctx, tx, userID); err != nil {
			return err
		}

		err := tx.GetContext(ctx, &promo,
			`SELECT `+promoColumns+` FROM promo_codes WHERE code = $1 FOR UPDATE`,
			code,
		)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("redeem %s: %w", code, ErrPromoNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock promo: %w", err)
		}

		switch {
		case !promo.IsActive:
			return fmt.Errorf("redeem %s: %w", code, ErrPromoInactive)
		case promo.Expired(now):
			return fmt.Errorf("redeem %s: %w", code, ErrPromoExpired)
		case promo.Exhausted():
			return fmt.Errorf("redeem %s: %w", code, ErrPromoExhausted)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO user_promo_access (user_id, promo_code_id)
			VALUES ($1, $2)
			ON CONFLICT (user_id, promo_code_id) DO NOTHING`,
			userID,
			promo.ID,
		)
		if err != nil {
			return fmt.Errorf("record redemption: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("record redemption: %w", err)
		} else if n == 0 {
			return fmt.Errorf("redeem %s: %w", code, ErrPromoAlreadyRedeemed)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE promo_codes SET used_count = used_count + 1 WHERE id = $1`,
			promo.ID,
		); err != nil {
			return fmt.Errorf("increment promo usage: %w", err)
		}
		promo.UsedCount++

		switch promo.AccessType {
		case AccessSecretLevel:
			_, err = tx.ExecContext(ctx, `
				UPDATE users
				SET secret_level = GREATEST(secret_level, $2), updated_at = NOW()
				WHERE id = $1`,
				userID,
				promo.GrantLevel,
			)
		case AccessPremium:
			_, err = tx.ExecContext(ctx, `
				UPDATE users SET tier = $2, updated_at = NOW() WHERE id = $1`,
				userID,
				TierPremium,
			)
		default:
			err = fmt.Errorf("unknown access type %q", promo.AccessType)
		}
		if err != nil {
			return fmt.Errorf("apply promo grant: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &promo, nil
}

func (r *repository) IsUnlocked(
	ctx context.Context,
	userID, modelName string,
) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM user_unlocked_models
			WHERE user_id = $1 AND model_name = $2
		)`

	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, userID, modelName); err != nil {
		return false, fmt.Errorf("check unlocked model: %w", err)
	}

	return exists, nil
}

// Unlock records the unlock and reports whether it already existed.
func (r *repository) Unlock(
	ctx context.Context,
	userID, modelName string,
) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO user_unlocked_models (user_id, model_name)
		VALUES ($1, $2)
		ON CONFLICT (user_id, model_name) DO NOTHING`,
		userID,
		modelName,
	)
	if err != nil {
		return false, fmt.Errorf("unlock model: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("unlock model: %w", err)
	}

	return n == 0, nil
}

func (r *repository) SetTier(ctx context.Context, userID, tier string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, tier) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE
		SET tier = EXCLUDED.tier, updated_at = NOW()`,
		userID,
		tier,
	)
	if err != nil {
		return fmt.Errorf("set tier: %w", err)
	}
	return nil
}

func (r *repository) CreatePromo(ctx context.Context, p *PromoCode) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	query := `
		INSERT INTO promo_codes (
			id, code, access_type, grant_level, max_uses,
			expires_at, is_active, created_by
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING used_count, created_at`

	row := r.db.QueryRowxContext(ctx, query,
		p.ID,
		p.Code,
		p.AccessType,
		p.GrantLevel,
		p.MaxUses,
		p.ExpiresAt,
		p.IsActive,
		p.CreatedBy,
	)
	if err := row.Scan(&p.UsedCount, &p.CreatedAt); err != nil {
		if core.IsDuplicateKeyError(err) {
			return fmt.Errorf("create promo: %w", core.ErrDuplicateKey)
		}
		return fmt.Errorf("create promo: %w", err)
	}

	return nil
}

func (r *repository) ListPromos(
	ctx context.Context,
	f PromoFilter,
) ([]PromoCode, error) {
	f.Normalize()

	builder := psql.Select(promoColumns).From("promo_codes")

	if f.ActiveOnly {
		builder = builder.Where(sq.Eq{"is_active": true})
	}
	if f.AccessType != "" {
		builder = builder.Where(sq.Eq{"access_type": f.AccessType})
	}

	query, args, err := builder.
		OrderBy("created_at DESC").
		Limit(uint64(f.Limit)).
		Offset(uint64(f.Offset)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build promo query: %w", err)
	}

	var promos []PromoCode
	if err := r.db.SelectContext(ctx, &promos, query, args...); err != nil {
		return nil, fmt.Errorf("list promos: %w", err)
	}

	return promos, nil
}

func (r *repository) DeactivatePromo(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE promo_codes SET is_active = FALSE WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("deactivate promo: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate promo: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("deactivate promo: %w", ErrPromoNotFound)
	}

	return nil
}

// lockProfile creates the user row if needed and locks it.
func lockProfile(
	ctx context.Context,
	tx *sqlx.Tx,
	userID string,
) (*Profile, error) {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`,
		userID,
	); err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`SELECT 1 FROM users WHERE id = $1 FOR UPDATE`,
		userID,
	); err != nil {
		return nil, fmt.Errorf("lock user: %w", err)
	}

	var p Profile
	if err := tx.GetContext(ctx, &p, profileQuery, userID); err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	return &p, nil
}
