// AngelaMos | 2026
// service.go

package progression

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/carterperez-dev/varylite/internal/core"
	"github.com/carterperez-dev/varylite/internal/credit"
	"github.com/carterperez-dev/varylite/internal/events"
	"github.com/carterperez-dev/varylite/internal/modelcost"
)

var (
	ErrPromoNotFound        = fmt.Errorf("promo code %w", core.ErrNotFound)
	ErrPromoInactive        = errors.New("promo code inactive")
	ErrPromoExpired         = errors.New("promo code expired")
	ErrPromoExhausted       = errors.New("promo code exhausted")
	ErrPromoAlreadyRedeemed = errors.New("promo code already redeemed")
	ErrLevelTooLow          = errors.New("secret level too low")
	ErrNotUnlockable        = errors.New("model is not unlockable by level")
	ErrUsageNotDelivered    = errors.New("generation not delivered")
)

type ModelCatalog interface {
	Lookup(ctx context.Context, modelName string) (*modelcost.ModelCost, error)
	ListActive(ctx context.Context) ([]modelcost.ModelCost, error)
}

// Generations resolves the ledger's generation record that a usage report
// refers to.
type Generations interface {
	GetGeneration(ctx context.Context, id string) (*credit.Generation, error)
}

type ServiceConfig struct {
	Generations Generations
	Levels      []Threshold
	AdminEmails []string
	Publisher   events.Publisher
	Metrics     *core.Metrics
	Logger      *slog.Logger
	Now         func() time.Time
}

type Service struct {
	repo        Repository
	catalog     ModelCatalog
	generations Generations
	levels      []Threshold
	adminEmails map[string]struct{}
	publisher   events.Publisher
	metrics     *core.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

func NewService(
	repo Repository,
	catalog ModelCatalog,
	cfg ServiceConfig,
) *Service {
	levels := append([]Threshold(nil), cfg.Levels...)
	sort.Slice(levels, func(i, j int) bool {
		return levels[i].Level < levels[j].Level
	})

	admins := make(map[string]struct{}, len(cfg.AdminEmails))
	for _, email := range cfg.AdminEmails {
		admins[strings.ToLower(strings.TrimSpace(email))] = struct{}{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	publisher := cfg.Publisher
	if publisher == nil {
		publisher = events.Noop{}
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		repo:        repo,
		catalog:     catalog,
		generations: cfg.Generations,
		levels:      levels,
		adminEmails: admins,
		publisher:   publisher,
		metrics:     cfg.Metrics,
		logger:      logger,
		now:         now,
	}
}

func (s *Service) isAdmin(p Profile) bool {
	if p.IsAdmin {
		return true
	}
	_, ok := s.adminEmails[strings.ToLower(p.Email)]
	return ok && p.Email != ""
}

// ComputeLevel returns the user's effective level: the maximum level for
// admins, otherwise the higher of the activity-derived level and any level
// already granted.
func (s *Service) ComputeLevel(p Profile) int {
	if s.isAdmin(p) {
		return MaxLevel(s.levels)
	}
	return max(s.activityLevel(p), p.SecretLevel)
}

func (s *Service) activityLevel(p Profile) int {
	return LevelFor(s.levels, p.UniqueModelsUsed, p.TotalGenerations)
}

func (s *Service) CurrentLevel(ctx context.Context, userID string) (int, error) {
	p, err := s.repo.GetProfile(ctx, userID)
	if err != nil {
		return 0, err
	}
	return s.ComputeLevel(*p), nil
}

func (s *Service) GetProgress(
	ctx context.Context,
	userID string,
) (*ProgressResponse, error) {
	p, err := s.repo.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	level := s.ComputeLevel(*p)
	resp := &ProgressResponse{
		Level:            level,
		TotalGenerations: p.TotalGenerations,
		UniqueModelsUsed: p.UniqueModelsUsed,
		Tier:             p.Tier,
		MaxLevel:         MaxLevel(s.levels),
	}

	for _, t := range s.levels {
		if t.Level > level {
			next := t
			resp.NextLevel = &NextLevelResponse{
				Level:           next.Level,
				MinUniqueModels: next.MinUniqueModels,
				MinGenerations:  next.MinGenerations,
			}
			break
		}
	}

	return resp, nil
}

// RecordUsage counts a delivered generation towards the user's progression
// and reports any level change along with the models it opens up. Only a
// succeeded generation owned by userID on an active model counts, and each
// generation counts once. A non-empty modelName must match the
// generation's model.
func (s *Service) RecordUsage(
	ctx context.Context,
	userID, generationID, modelName string,
) (result *UsageResult, err error) {
	ctx, span := core.StartSpan(ctx, "progression.RecordUsage",
		core.UserAttr(userID),
		core.GenerationAttr(generationID),
	)
	defer func() { core.EndSpan(span, err) }()

	if userID == "" || generationID == "" {
		return nil, fmt.Errorf("record usage: %w", core.ErrInvalidInput)
	}

	gen, err := s.generations.GetGeneration(ctx, generationID)
	if err != nil {
		return nil, err
	}
	if gen.UserID != userID {
		return nil, fmt.Errorf("record usage %s: %w", generationID, credit.ErrGenerationNotFound)
	}
	if modelName != "" && modelName != gen.ModelName {
		return nil, fmt.Errorf(
			"record usage %s: model %q does not match: %w",
			generationID,
			modelName,
			core.ErrInvalidInput,
		)
	}
	if gen.Status != credit.StatusSucceeded {
		return nil, fmt.Errorf("record usage %s: %w", generationID, ErrUsageNotDelivered)
	}

	m, err := s.catalog.Lookup(ctx, gen.ModelName)
	if err != nil {
		if errors.Is(err, modelcost.ErrModelNotFound) {
			return nil, fmt.Errorf("record usage %s: %w", gen.ModelName, core.ErrInvalidInput)
		}
		return nil, err
	}
	if !m.IsActive {
		return nil, fmt.Errorf("record usage %s: inactive: %w", gen.ModelName, core.ErrInvalidInput)
	}

	change, err := s.repo.RecordUsage(ctx, UsageRecord{
		UserID:       userID,
		GenerationID: gen.ID,
		ModelName:    gen.ModelName,
	}, s.activityLevel)
	if err != nil {
		return nil, err
	}

	prev := s.ComputeLevel(change.Previous)
	cur := max(s.ComputeLevel(change.Current), prev)

	result = &UsageResult{
		LeveledUp:           cur > prev,
		PreviousLevel:       prev,
		CurrentLevel:        cur,
		NewlyUnlockedModels: []string{},
		AlreadyRecorded:     !change.Counted,
	}

	if !result.LeveledUp {
		return result, nil
	}

	unlocked, err := s.modelsOpenedBetween(ctx, prev, cur)
	if err != nil {
		return nil, err
	}
	result.NewlyUnlockedModels = unlocked

	s.metrics.LevelUp()
	events.Emit(ctx, s.publisher, s.logger, events.New(
		events.TypeLevelUp,
		userID,
		map[string]any{
			"previousLevel":  prev,
			"currentLevel":   cur,
			"generationId":   gen.ID,
			"generationType": gen.GenerationType,
			"unlockedModels": unlocked,
		},
	))

	return result, nil
}

// modelsOpenedBetween lists active models whose lowest allowed level lies
// in (prev, cur].
func (s *Service) modelsOpenedBetween(
	ctx context.Context,
	prev, cur int,
) ([]string, error) {
	models, err := s.catalog.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	out := []string{}
	for _, m := range models {
		minLevel, ok := m.MinLevel()
		if ok && minLevel > prev && minLevel <= cur {
			out = append(out, m.ModelName)
		}
	}
	sort.Strings(out)

	return out, nil
}

// CanAccessModel applies the access rules in order: inactive or unknown
// models are closed to everyone, admins see every active model, then tier,
// level and explicit unlocks each grant access.
func (s *Service) CanAccessModel(
	ctx context.Context,
	userID, modelName string,
) (bool, error) {
	m, err := s.catalog.Lookup(ctx, modelName)
	if err != nil {
		if errors.Is(err, modelcost.ErrModelNotFound) {
			return false, nil
		}
		return false, err
	}
	if !m.IsActive {
		return false, nil
	}

	p, err := s.repo.GetProfile(ctx, userID)
	if err != nil {
		return false, err
	}

	if s.isAdmin(*p) {
		return true, nil
	}
	if m.AllowsTier(p.Tier) {
		return true, nil
	}
	if m.AllowsLevel(s.ComputeLevel(*p)) {
		return true, nil
	}

	return s.repo.IsUnlocked(ctx, userID, modelName)
}

// UnlockModel records an explicit unlock. Only users with a secret level
// may unlock models. Tier-gated models stay behind their tier and
// level-gated ones open only at or below the user's level.
func (s *Service) UnlockModel(
	ctx context.Context,
	userID, modelName string,
) (*UnlockResult, error) {
	p, err := s.repo.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	level := s.ComputeLevel(*p)
	if level < 1 {
		return nil, fmt.Errorf("unlock %s: %w", modelName, ErrLevelTooLow)
	}

	m, err := s.catalog.Lookup(ctx, modelName)
	if err != nil {
		return nil, err
	}
	if !m.IsActive {
		return nil, fmt.Errorf("unlock %s: %w", modelName, modelcost.ErrModelNotFound)
	}
	if !unlockable(m, level) {
		return nil, fmt.Errorf("unlock %s: %w", modelName, ErrNotUnlockable)
	}

	already, err := s.repo.Unlock(ctx, userID, modelName)
	if err != nil {
		return nil, err
	}

	if already {
		return &UnlockResult{
			Success:         true,
			Message:         "Model already unlocked",
			AlreadyUnlocked: true,
		}, nil
	}

	return &UnlockResult{
		Success: true,
		Message: "Model unlocked",
	}, nil
}

func unlockable(m *modelcost.ModelCost, level int) bool {
	if len(m.AllowedTiers) > 0 {
		return false
	}
	minLevel, gated := m.MinLevel()
	return !gated || minLevel <= level
}

func (s *Service) RedeemPromoCode(
	ctx context.Context,
	userID, code string,
) (*RedeemResult, error) {
	code = NormalizeCode(code)
	if userID == "" || code == "" {
		return nil, fmt.Errorf("redeem: %w", core.ErrInvalidInput)
	}

	promo, err := s.repo.Redeem(ctx, userID, code, s.now())
	if err != nil {
		s.metrics.PromoRedemption(redeemOutcome(err))
		return nil, err
	}

	s.metrics.PromoRedemption("success")
	events.Emit(ctx, s.publisher, s.logger, events.New(
		events.TypePromoRedeemed,
		userID,
		map[string]any{
			"code":       promo.Code,
			"accessType": promo.AccessType,
			"grantLevel": promo.GrantLevel,
		},
	))

	return &RedeemResult{
		Success:    true,
		AccessType: promo.AccessType,
	}, nil
}

func redeemOutcome(err error) string {
	switch {
	case errors.Is(err, ErrPromoNotFound):
		return "not_found"
	case errors.Is(err, ErrPromoInactive):
		return "inactive"
	case errors.Is(err, ErrPromoExpired):
		return "expired"
	case errors.Is(err, ErrPromoExhausted):
		return "exhausted"
	case errors.Is(err, ErrPromoAlreadyRedeemed):
		return "already_redeemed"
	default:
		return "error"
	}
}

// SetTier changes a user's tier. Billing calls it when a subscription
// starts, renews or ends.
func (s *Service) SetTier(ctx context.Context, userID, tier string) error {
	if tier != TierFree && tier != TierPremium {
		return fmt.Errorf("set tier %q: %w", tier, core.ErrInvalidInput)
	}
	return s.repo.SetTier(ctx, userID, tier)
}

func (s *Service) CreatePromoCode(
	ctx context.Context,
	createdBy string,
	req CreatePromoRequest,
) (*PromoCode, error) {
	accessType := AccessType(req.AccessType)
	if !accessType.Valid() {
		return nil, fmt.Errorf(
			"create promo: unknown access type %q: %w",
			req.AccessType,
			core.ErrInvalidInput,
		)
	}

	grant := req.GrantLevel
	if grant == 0 {
		grant = 1
	}
	if accessType == AccessSecretLevel && grant > MaxLevel(s.levels) {
		return nil, fmt.Errorf(
			"create promo: grant level above %d: %w",
			MaxLevel(s.levels),
			core.ErrInvalidInput,
		)
	}

	if req.ExpiresAt != nil && !req.ExpiresAt.After(s.now()) {
		return nil, fmt.Errorf(
			"create promo: expiry in the past: %w",
			core.ErrInvalidInput,
		)
	}

	promo := &PromoCode{
		Code:       NormalizeCode(req.Code),
		AccessType: accessType,
		GrantLevel: grant,
		MaxUses:    req.MaxUses,
		ExpiresAt:  req.ExpiresAt,
		IsActive:   true,
		CreatedBy:  createdBy,
	}

	if err := s.repo.CreatePromo(ctx, promo); err != nil {
		return nil, err
	}

	return promo, nil
}

func (s *Service) ListPromoCodes(
	ctx context.Context,
	f PromoFilter,
) ([]PromoCode, error) {
	return s.repo.ListPromos(ctx, f)
}

func (s *Service) DeactivatePromoCode(ctx context.Context, id string) error {
	return s.repo.DeactivatePromo(ctx, id)
}
