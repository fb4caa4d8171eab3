// AngelaMos | 2026
// memory_test.go

package progression

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carterperez-dev/varylite/internal/core"
	"github.com/carterperez-dev/varylite/internal/credit"
	"github.com/carterperez-dev/varylite/internal/events"
	"github.com/carterperez-dev/varylite/internal/modelcost"
)

type memoryRepo struct {
	mu          sync.Mutex
	profiles    map[string]*Profile
	modelsUsed  map[string]map[string]struct{}
	recorded    map[string]struct{}
	generations map[string]credit.Generation
	unlocked    map[string]map[string]struct{}
	promos      map[string]*PromoCode
	redemptions map[string]map[string]struct{}
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		profiles:    make(map[string]*Profile),
		modelsUsed:  make(map[string]map[string]struct{}),
		recorded:    make(map[string]struct{}),
		generations: make(map[string]credit.Generation),
		unlocked:    make(map[string]map[string]struct{}),
		promos:      make(map[string]*PromoCode),
		redemptions: make(map[string]map[string]struct{}),
	}
}

func (m *memoryRepo) addProfile(p Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Tier == "" {
		p.Tier = TierFree
	}
	m.profiles[p.UserID] = &p
}

// deliver stores a generation with the given status and returns its id.
func (m *memoryRepo) deliver(userID, modelName string, status credit.GenerationStatus) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.generations[id] = credit.Generation{
		ID:        id,
		UserID:    userID,
		ModelName: modelName,
		Status:    status,
	}
	return id
}

func (m *memoryRepo) GetGeneration(_ context.Context, id string) (*credit.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.generations[id]
	if !ok {
		return nil, fmt.Errorf("get generation %s: %w", id, credit.ErrGenerationNotFound)
	}
	return &g, nil
}

func (m *memoryRepo) profileLocked(userID string) (*Profile, error) {
	p, ok := m.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", userID, core.ErrNotFound)
	}
	return p, nil
}

func (m *memoryRepo) GetProfile(_ context.Context, userID string) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.profileLocked(userID)
	if err != nil {
		return nil, err
	}
	out := *p
	return &out, nil
}

func (m *memoryRepo) RecordUsage(
	_ context.Context,
	u UsageRecord,
	levelOf func(Profile) int,
) (*LevelChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.profileLocked(u.UserID)
	if err != nil {
		return nil, err
	}
	before := *p

	if _, dup := m.recorded[u.GenerationID]; dup {
		return &LevelChange{Previous: before, Current: before}, nil
	}
	m.recorded[u.GenerationID] = struct{}{}

	used := m.modelsUsed[u.UserID]
	if used == nil {
		used = make(map[string]struct{})
		m.modelsUsed[u.UserID] = used
	}
	if _, seen := used[u.ModelName]; !seen {
		used[u.ModelName] = struct{}{}
		p.UniqueModelsUsed++
	}
	p.TotalGenerations++
	p.SecretLevel = max(levelOf(*p), before.SecretLevel)

	return &LevelChange{Previous: before, Current: *p, Counted: true}, nil
}

func (m *memoryRepo) Redeem(
	_ context.Context,
	userID, code string,
	now time.Time,
) (*PromoCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.profileLocked(userID)
	if err != nil {
		return nil, err
	}

	promo, ok := m.promos[code]
	switch {
	case !ok:
		return nil, fmt.Errorf("redeem %s: %w", code, ErrPromoNotFound)
	case !promo.IsActive:
		return nil, fmt.Errorf("redeem %s: %w", code, ErrPromoInactive)
	case promo.Expired(now):
		return nil, fmt.Errorf("redeem %s: %w", code, ErrPromoExpired)
	case promo.Exhausted():
		return nil, fmt.Errorf("redeem %s: %w", code, ErrPromoExhausted)
	}

	users := m.redemptions[promo.ID]
	if users == nil {
		users = make(map[string]struct{})
		m.redemptions[promo.ID] = users
	}
	if _, done := users[userID]; done {
		return nil, fmt.Errorf("redeem %s: %w", code, ErrPromoAlreadyRedeemed)
	}
	users[userID] = struct{}{}
	promo.UsedCount++

	switch promo.AccessType {
	case AccessSecretLevel:
		p.SecretLevel = max(p.SecretLevel, promo.GrantLevel)
	case AccessPremium:
		p.Tier = TierPremium
	}

	out := *promo
	return &out, nil
}

func (m *memoryRepo) IsUnlocked(_ context.Context, userID, modelName string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.unlocked[userID][modelName]
	return ok, nil
}

func (m *memoryRepo) Unlock(_ context.Context, userID, modelName string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.unlocked[userID]
	if set == nil {
		set = make(map[string]struct{})
		m.unlocked[userID] = set
	}
	_, already := set[modelName]
	set[modelName] = struct{}{}
	return already, nil
}

func (m *memoryRepo) SetTier(_ context.Context, userID, tier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.profileLocked(userID)
	if err != nil {
		return err
	}
	p.Tier = tier
	return nil
}

func (m *memoryRepo) CreatePromo(_ context.Context, p *PromoCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.promos[p.Code]; exists {
		return fmt.Errorf("create promo %s: %w", p.Code, core.ErrDuplicateKey)
	}
	p.ID = uuid.NewString()
	p.CreatedAt = time.Now()
	stored := *p
	m.promos[p.Code] = &stored
	return nil
}

func (m *memoryRepo) ListPromos(_ context.Context, f PromoFilter) ([]PromoCode, error) {
	f.Normalize()

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []PromoCode
	for _, p := range m.promos {
		if f.ActiveOnly && !p.IsActive {
			continue
		}
		if f.AccessType != "" && p.AccessType != f.AccessType {
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}

func (m *memoryRepo) DeactivatePromo(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.promos {
		if p.ID == id {
			p.IsActive = false
			return nil
		}
	}
	return fmt.Errorf("deactivate promo %s: %w", id, ErrPromoNotFound)
}

func (m *memoryRepo) promo(code string) PromoCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.promos[code]
}

type staticCatalog []modelcost.ModelCost

func (c staticCatalog) Lookup(_ context.Context, name string) (*modelcost.ModelCost, error) {
	for i := range c {
		if c[i].ModelName == name {
			m := c[i]
			return &m, nil
		}
	}
	return nil, fmt.Errorf("lookup model: %w", modelcost.ErrModelNotFound)
}

func (c staticCatalog) ListActive(context.Context) ([]modelcost.ModelCost, error) {
	var out []modelcost.ModelCost
	for _, m := range c {
		if m.IsActive {
			out = append(out, m)
		}
	}
	return out, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingPublisher) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}
