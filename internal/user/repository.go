// AngelaMos | 2026
// repository.go

package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/carterperez-dev/varylite/internal/core"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type Repository interface {
	Ensure(ctx context.Context, id, email string) (*User, bool, error)
	GetByID(ctx context.Context, id string) (*User, error)
	SetTier(ctx context.Context, id, tier string) (*User, error)
	SetAdmin(ctx context.Context, id string, isAdmin bool) (*User, error)
	List(ctx context.Context, params ListUsersParams) ([]User, int, error)
	CountModelsUsed(ctx context.Context, id string) (int, error)
}

type repository struct {
	db core.DBTX
}

func NewRepository(db core.DBTX) Repository {
	return &repository{db: db}
}

const userColumns = `id, email, is_admin, tier, secret_level,
	total_generations, created_at, updated_at`

// Ensure returns the profile row for id, inserting it on first sight. The
// boolean reports whether the row was created by this call.
func (r *repository) Ensure(
	ctx context.Context,
	id, email string,
) (*User, bool, error) {
	query := `
		INSERT INTO users (id, email)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE
		SET email = CASE
		        WHEN users.email = '' THEN EXCLUDED.email
		        ELSE users.email
		    END
		RETURNING ` + userColumns + `, (xmax = 0) AS inserted`

	var row struct {
		User
		Inserted bool `db:"inserted"`
	}
	if err := r.db.GetContext(ctx, &row, query, id, email); err != nil {
		return nil, false, fmt.Errorf("ensure user: %w", err)
	}

	return &row.User, row.Inserted, nil
}

func (r *repository) GetByID(ctx context.Context, id string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	var user User
	err := r.db.GetContext(ctx, &user, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get user: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &user, nil
}

func (r *repository) SetTier(
	ctx context.Context,
	id, tier string,
) (*User, error) {
	query := `
		UPDATE users
		SET tier = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + userColumns

	var user User
	err := r.db.GetContext(ctx, &user, query, id, tier)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("set tier: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("set tier: %w", err)
	}

	return &user, nil
}

func (r *repository) SetAdmin(
	ctx context.Context,
	id string,
	isAdmin bool,
) (*User, error) {
	query := `
		UPDATE users
		SET is_admin = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + userColumns

	var user User
	err := r.db.GetContext(ctx, &user, query, id, isAdmin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("set admin: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("set admin: %w", err)
	}

	return &user, nil
}

func (r *repository) List(
	ctx context.Context,
	params ListUsersParams,
) ([]User, int, error) {
	params.Normalize()

	where := sq.And{}
	if params.Search != "" {
		pattern := "%" + escapeLike(params.Search) + "%"
		where = append(where, sq.Or{
			sq.ILike{"email": pattern},
			sq.ILike{"id": pattern},
		})
	}
	if params.Tier != "" {
		where = append(where, sq.Eq{"tier": params.Tier})
	}

	countSQL, countArgs, err := psql.Select("COUNT(*)").
		From("users").
		Where(where).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build user count: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, countSQL, countArgs...); err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}

	query, args, err := psql.Select(userColumns).
		From("users").
		Where(where).
		OrderBy("created_at DESC").
		Limit(uint64(params.PageSize)).
		Offset(uint64(params.Offset())).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build user list: %w", err)
	}

	var users []User
	if err := r.db.SelectContext(ctx, &users, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}

	return users, total, nil
}

func (r *repository) CountModelsUsed(
	ctx context.Context,
	id string,
) (int, error) {
	query := `SELECT COUNT(*) FROM user_models_used WHERE user_id = $1`

	var n int
	if err := r.db.GetContext(ctx, &n, query, id); err != nil {
		return 0, fmt.Errorf("count models used: %w", err)
	}

	return n, nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "%", "\\%")
	s = strings.ReplaceAll(s, "_", "\\_")
	return s
}
