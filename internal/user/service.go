// AngelaMos | 2026
// service.go

package user

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/carterperez-dev/varylite/internal/core"
	"github.com/carterperez-dev/varylite/internal/middleware"
)

// SignupGranter credits a newly seen user with the configured bonus.
type SignupGranter interface {
	GrantSignupBonus(ctx context.Context, userID string) error
}

type BalanceReader interface {
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)
}

type LevelReader interface {
	CurrentLevel(ctx context.Context, userID string) (int, error)
}

type ServiceConfig struct {
	AdminEmails []string
	Signup      SignupGranter
	Balances    BalanceReader
	Levels      LevelReader
	Logger      *slog.Logger
}

type Service struct {
	repo        Repository
	adminEmails map[string]struct{}
	signup      SignupGranter
	balances    BalanceReader
	levels      LevelReader
	logger      *slog.Logger
}

func NewService(repo Repository, cfg ServiceConfig) *Service {
	admins := make(map[string]struct{}, len(cfg.AdminEmails))
	for _, email := range cfg.AdminEmails {
		admins[strings.ToLower(strings.TrimSpace(email))] = struct{}{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		repo:        repo,
		adminEmails: admins,
		signup:      cfg.Signup,
		balances:    cfg.Balances,
		levels:      cfg.Levels,
		logger:      logger,
	}
}

// ResolvePrincipal creates the caller's profile on first sight and derives
// their role. Admin status comes from the profile flag or the email
// allowlist.
func (s *Service) ResolvePrincipal(
	ctx context.Context,
	claims *middleware.AccessTokenClaims,
) (*middleware.Principal, error) {
	u, created, err := s.repo.Ensure(ctx, claims.UserID, claims.Email)
	if err != nil {
		return nil, fmt.Errorf("resolve principal: %w", err)
	}

	if created && s.signup != nil {
		if err := s.signup.GrantSignupBonus(ctx, u.ID); err != nil {
			s.logger.Error("grant signup bonus",
				"user_id", u.ID,
				"error", err,
			)
		}
	}

	role := u.Role()
	if s.IsAdminEmail(claims.Email) {
		role = RoleAdmin
	}

	return &middleware.Principal{
		UserID: u.ID,
		Email:  u.Email,
		Role:   role,
		Tier:   u.Tier,
	}, nil
}

func (s *Service) IsAdminEmail(email string) bool {
	if email == "" {
		return false
	}
	_, ok := s.adminEmails[strings.ToLower(email)]
	return ok
}

func (s *Service) GetMe(ctx context.Context, userID string) (*MeResponse, error) {
	if userID == "" {
		return nil, fmt.Errorf("get me: %w", core.ErrUnauthorized)
	}

	u, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	resp := &MeResponse{UserResponse: ToUserResponse(u)}
	if s.IsAdminEmail(u.Email) {
		resp.Role = RoleAdmin
	}

	resp.UniqueModelsUsed, err = s.repo.CountModelsUsed(ctx, userID)
	if err != nil {
		return nil, err
	}

	if s.balances != nil {
		resp.Balance, err = s.balances.GetBalance(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("get me: %w", err)
		}
	}

	resp.Level = u.SecretLevel
	if s.levels != nil {
		resp.Level, err = s.levels.CurrentLevel(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("get me: %w", err)
		}
	}

	return resp, nil
}

func (s *Service) GetUser(ctx context.Context, id string) (*User, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) UpdateUserTier(
	ctx context.Context,
	id, tier string,
) (*User, error) {
	if !ValidTier(tier) {
		return nil, fmt.Errorf(
			"update tier: invalid tier %q: %w",
			tier,
			core.ErrInvalidInput,
		)
	}

	if _, _, err := s.repo.Ensure(ctx, id, ""); err != nil {
		return nil, err
	}

	return s.repo.SetTier(ctx, id, tier)
}

func (s *Service) UpdateUserAdmin(
	ctx context.Context,
	requesterID, id string,
	isAdmin bool,
) (*User, error) {
	if requesterID == id && !isAdmin {
		return nil, fmt.Errorf(
			"update admin: cannot revoke own admin flag: %w",
			core.ErrForbidden,
		)
	}

	return s.repo.SetAdmin(ctx, id, isAdmin)
}

func (s *Service) ListUsers(
	ctx context.Context,
	params ListUsersParams,
) ([]User, int, error) {
	return s.repo.List(ctx, params)
}

var _ middleware.PrincipalResolver = (*Service)(nil)
