// AngelaMos | 2026
// service_test.go

package progression

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carterperez-dev/varylite/internal/core"
	"github.com/carterperez-dev/varylite/internal/credit"
	"github.com/carterperez-dev/varylite/internal/events"
	"github.com/carterperez-dev/varylite/internal/modelcost"
)

var testLevels = []Threshold{
	{Level: 3, MinUniqueModels: 10, MinGenerations: 75},
	{Level: 1, MinUniqueModels: 3, MinGenerations: 10},
	{Level: 2, MinUniqueModels: 6, MinGenerations: 30},
}

var testCatalog = staticCatalog{
	{ModelName: "basic", AllowedTiers: modelcost.StringList{TierFree, TierPremium}, IsActive: true},
	{ModelName: "pro", AllowedTiers: modelcost.StringList{TierPremium}, IsActive: true},
	{ModelName: "secret-1", AllowedLevels: modelcost.IntList{1, 2, 3}, IsActive: true},
	{ModelName: "secret-2", AllowedLevels: modelcost.IntList{2, 3}, IsActive: true},
	{ModelName: "unlockable", IsActive: true},
	{ModelName: "m-a", AllowedTiers: modelcost.StringList{TierFree}, IsActive: true},
	{ModelName: "m-b", AllowedTiers: modelcost.StringList{TierFree}, IsActive: true},
	{ModelName: "m-c", AllowedTiers: modelcost.StringList{TierFree}, IsActive: true},
	{ModelName: "retired", AllowedTiers: modelcost.StringList{TierFree}, IsActive: false},
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(
	t *testing.T,
	pub events.Publisher,
) (*Service, *memoryRepo) {
	t.Helper()
	repo := newMemoryRepo()
	svc := NewService(repo, testCatalog, ServiceConfig{
		Generations: repo,
		Levels:      testLevels,
		AdminEmails: []string{"Root@Example.com"},
		Publisher:   pub,
		Now:         func() time.Time { return fixedNow },
	})
	return svc, repo
}

func TestLevelFor(t *testing.T) {
	sorted := []Threshold{testLevels[1], testLevels[2], testLevels[0]}

	cases := []struct {
		name          string
		unique, total int
		want          int
	}{
		{"no activity", 0, 0, 0},
		{"enough generations but too few models", 2, 100, 0},
		{"exactly level one", 3, 10, 1},
		{"level two", 7, 40, 2},
		{"many models but few generations", 12, 29, 1},
		{"max level", 10, 75, 3},
	}
	for _, tc := range cases {
		t.Run("Should compute "+tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, LevelFor(sorted, tc.unique, tc.total))
		})
	}

	t.Run("Should never decrease as activity grows", func(t *testing.T) {
		prev := 0
		for n := 0; n <= 100; n++ {
			lvl := LevelFor(sorted, n/5, n)
			assert.GreaterOrEqual(t, lvl, prev)
			prev = lvl
		}
	})
}

func TestService_ComputeLevel(t *testing.T) {
	svc, _ := newTestService(t, nil)

	t.Run("Should give admins the max level", func(t *testing.T) {
		assert.Equal(t, 3, svc.ComputeLevel(Profile{IsAdmin: true}))
		assert.Equal(t, 3, svc.ComputeLevel(Profile{Email: "root@example.com"}))
	})

	t.Run("Should keep a granted level above activity", func(t *testing.T) {
		assert.Equal(t, 2, svc.ComputeLevel(Profile{SecretLevel: 2, UniqueModelsUsed: 3, TotalGenerations: 10}))
	})

	t.Run("Should derive the level from activity", func(t *testing.T) {
		assert.Equal(t, 1, svc.ComputeLevel(Profile{UniqueModelsUsed: 3, TotalGenerations: 10}))
	})
}

func TestService_RecordUsage(t *testing.T) {
	ctx := context.Background()

	t.Run("Should level up and list newly opened models", func(t *testing.T) {
		pub := &recordingPublisher{}
		svc, repo := newTestService(t, pub)
		repo.addProfile(Profile{UserID: "u1", UniqueModelsUsed: 2, TotalGenerations: 9})
		repo.modelsUsed["u1"] = map[string]struct{}{"m-a": {}, "m-b": {}}

		gen := repo.deliver("u1", "m-c", credit.StatusSucceeded)
		res, err := svc.RecordUsage(ctx, "u1", gen, "m-c")
		require.NoError(t, err)
		assert.True(t, res.LeveledUp)
		assert.Equal(t, 0, res.PreviousLevel)
		assert.Equal(t, 1, res.CurrentLevel)
		assert.Equal(t, []string{"secret-1"}, res.NewlyUnlockedModels)
		assert.Equal(t, []string{events.TypeLevelUp}, pub.types())
	})

	t.Run("Should not count a repeated model as unique", func(t *testing.T) {
		svc, repo := newTestService(t, nil)
		repo.addProfile(Profile{UserID: "u1"})

		for range 3 {
			gen := repo.deliver("u1", "basic", credit.StatusSucceeded)
			_, err := svc.RecordUsage(ctx, "u1", gen, "")
			require.NoError(t, err)
		}

		p, err := repo.GetProfile(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 3, p.TotalGenerations)
		assert.Equal(t, 1, p.UniqueModelsUsed)
	})

	t.Run("Should count each generation once", func(t *testing.T) {
		svc, repo := newTestService(t, nil)
		repo.addProfile(Profile{UserID: "u1"})
		gen := repo.deliver("u1", "basic", credit.StatusSucceeded)

		first, err := svc.RecordUsage(ctx, "u1", gen, "basic")
		require.NoError(t, err)
		assert.False(t, first.AlreadyRecorded)

		for range 10 {
			again, err := svc.RecordUsage(ctx, "u1", gen, "basic")
			require.NoError(t, err)
			assert.True(t, again.AlreadyRecorded)
		}

		p, err := repo.GetProfile(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 1, p.TotalGenerations)
	})

	t.Run("Should never lower a level", func(t *testing.T) {
		svc, repo := newTestService(t, nil)
		repo.addProfile(Profile{UserID: "u1", SecretLevel: 2})

		prev := 2
		models := []string{"basic", "m-a", "m-b", "m-c"}
		for i := range 20 {
			gen := repo.deliver("u1", models[i%len(models)], credit.StatusSucceeded)
			res, err := svc.RecordUsage(ctx, "u1", gen, "")
			require.NoError(t, err)
			assert.GreaterOrEqual(t, res.CurrentLevel, prev)
			assert.GreaterOrEqual(t, res.CurrentLevel, res.PreviousLevel)
			prev = res.CurrentLevel
		}
	})

	t.Run("Should reject missing identifiers", func(t *testing.T) {
		svc, _ := newTestService(t, nil)

		_, err := svc.RecordUsage(ctx, "", "gen-1", "basic")
		assert.ErrorIs(t, err, core.ErrInvalidInput)

		_, err = svc.RecordUsage(ctx, "u1", "", "basic")
		assert.ErrorIs(t, err, core.ErrInvalidInput)
	})

	t.Run("Should only count the caller's delivered generations", func(t *testing.T) {
		svc, repo := newTestService(t, nil)
		repo.addProfile(Profile{UserID: "u1"})
		repo.addProfile(Profile{UserID: "u2"})

		_, err := svc.RecordUsage(ctx, "u1", "made-up", "basic")
		assert.ErrorIs(t, err, core.ErrNotFound)

		other := repo.deliver("u2", "basic", credit.StatusSucceeded)
		_, err = svc.RecordUsage(ctx, "u1", other, "basic")
		assert.ErrorIs(t, err, core.ErrNotFound)

		for _, status := range []credit.GenerationStatus{credit.StatusCharged, credit.StatusRefunded} {
			gen := repo.deliver("u1", "basic", status)
			_, err = svc.RecordUsage(ctx, "u1", gen, "basic")
			assert.ErrorIs(t, err, ErrUsageNotDelivered)
		}

		p, err := repo.GetProfile(ctx, "u1")
		require.NoError(t, err)
		assert.Zero(t, p.TotalGenerations)
	})

	t.Run("Should reject unknown, inactive or mismatched models", func(t *testing.T) {
		svc, repo := newTestService(t, nil)
		repo.addProfile(Profile{UserID: "u1"})

		for _, model := range []string{"bogus-0", "retired"} {
			gen := repo.deliver("u1", model, credit.StatusSucceeded)
			_, err := svc.RecordUsage(ctx, "u1", gen, "")
			assert.ErrorIs(t, err, core.ErrInvalidInput)
		}

		gen := repo.deliver("u1", "basic", credit.StatusSucceeded)
		_, err := svc.RecordUsage(ctx, "u1", gen, "pro")
		assert.ErrorIs(t, err, core.ErrInvalidInput)

		p, err := repo.GetProfile(ctx, "u1")
		require.NoError(t, err)
		assert.Zero(t, p.TotalGenerations)
		assert.Zero(t, p.UniqueModelsUsed)
	})
}

func TestService_CanAccessModel(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t, nil)
	repo.addProfile(Profile{UserID: "free"})
	repo.addProfile(Profile{UserID: "premium", Tier: TierPremium})
	repo.addProfile(Profile{UserID: "level1", SecretLevel: 1})
	repo.addProfile(Profile{UserID: "admin", IsAdmin: true})

	cases := []struct {
		user, model string
		want        bool
	}{
		{"free", "basic", true},
		{"free", "pro", false},
		{"premium", "pro", true},
		{"free", "secret-1", false},
		{"level1", "secret-1", true},
		{"level1", "secret-2", false},
		{"admin", "secret-2", true},
		{"admin", "retired", false},
		{"free", "retired", false},
		{"admin", "missing", false},
	}
	for _, tc := range cases {
		t.Run("Should decide "+tc.user+" on "+tc.model, func(t *testing.T) {
			ok, err := svc.CanAccessModel(ctx, tc.user, tc.model)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok)
		})
	}

	t.Run("Should honour an explicit unlock", func(t *testing.T) {
		ok, err := svc.CanAccessModel(ctx, "level1", "unlockable")
		require.NoError(t, err)
		assert.False(t, ok)

		res, err := svc.UnlockModel(ctx, "level1", "unlockable")
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.False(t, res.AlreadyUnlocked)

		ok, err = svc.CanAccessModel(ctx, "level1", "unlockable")
		require.NoError(t, err)
		assert.True(t, ok)

		again, err := svc.UnlockModel(ctx, "level1", "unlockable")
		require.NoError(t, err)
		assert.True(t, again.AlreadyUnlocked)
	})
}

func TestService_UnlockModel(t *testing.T) {
	ctx := context.Background()

	t.Run("Should refuse users without a level", func(t *testing.T) {
		svc, repo := newTestService(t, nil)
		repo.addProfile(Profile{UserID: "u1"})

		_, err := svc.UnlockModel(ctx, "u1", "unlockable")
		assert.ErrorIs(t, err, ErrLevelTooLow)
	})

	t.Run("Should refuse tier-gated models", func(t *testing.T) {
		svc, repo := newTestService(t, nil)
		repo.addProfile(Profile{UserID: "u1", SecretLevel: 1})

		_, err := svc.UnlockModel(ctx, "u1", "pro")
		assert.ErrorIs(t, err, ErrNotUnlockable)

		ok, err := svc.CanAccessModel(ctx, "u1", "pro")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Should refuse models above the user's level", func(t *testing.T) {
		svc, repo := newTestService(t, nil)
		repo.addProfile(Profile{UserID: "u1", SecretLevel: 1})

		_, err := svc.UnlockModel(ctx, "u1", "secret-2")
		assert.ErrorIs(t, err, ErrNotUnlockable)

		_, err = svc.UnlockModel(ctx, "u1", "secret-1")
		assert.NoError(t, err)
	})

	t.Run("Should refuse an inactive model", func(t *testing.T) {
		svc, repo := newTestService(t, nil)
		repo.addProfile(Profile{UserID: "u1", SecretLevel: 1})

		_, err := svc.UnlockModel(ctx, "u1", "retired")
		assert.ErrorIs(t, err, modelcost.ErrModelNotFound)
	})
}

func TestService_RedeemPromoCode(t *testing.T) {
	ctx := context.Background()

	create := func(t *testing.T, svc *Service, req CreatePromoRequest) {
		t.Helper()
		_, err := svc.CreatePromoCode(ctx, "admin", req)
		require.NoError(t, err)
	}

	t.Run("Should grant a secret level", func(t *testing.T) {
		pub := &recordingPublisher{}
		svc, repo := newTestService(t, pub)
		repo.addProfile(Profile{UserID: "u1"})
		create(t, svc, CreatePromoRequest{Code: "secret", AccessType: string(AccessSecretLevel), GrantLevel: 2})

		res, err := svc.RedeemPromoCode(ctx, "u1", "  Secret ")
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, AccessSecretLevel, res.AccessType)

		level, err := svc.CurrentLevel(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 2, level)
		assert.Equal(t, []string{events.TypePromoRedeemed}, pub.types())
	})

	t.Run("Should grant the premium tier", func(t *testing.T) {
		svc, repo := newTestService(t, nil)
		repo.addProfile(Profile{UserID: "u1"})
		create(t, svc, CreatePromoRequest{Code: "PREMIUM", AccessType: string(AccessPremium)})

		_, err := svc.RedeemPromoCode(ctx, "u1", "premium")
		require.NoError(t, err)

		ok, err := svc.CanAccessModel(ctx, "u1", "pro")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Should not lower an existing higher level", func(t *testing.T) {
		svc, repo := newTestService(t, nil)
		repo.addProfile(Profile{UserID: "u1", SecretLevel: 3})
		create(t, svc, CreatePromoRequest{Code: "LOW", AccessType: string(AccessSecretLevel), GrantLevel: 1})

		_, err := svc.RedeemPromoCode(ctx, "u1", "LOW")
		require.NoError(t, err)

		level, err := svc.CurrentLevel(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 3, level)
	})

	t.Run("Should refuse a second redemption by the same user", func(t *testing.T) {
		svc, repo := newTestService(t, nil)
		repo.addProfile(Profile{UserID: "u1"})
		create(t, svc, CreatePromoRequest{Code: "ONCE", AccessType: string(AccessSecretLevel)})

		_, err := svc.RedeemPromoCode(ctx, "u1", "ONCE")
		require.NoError(t, err)
		_, err = svc.RedeemPromoCode(ctx, "u1", "ONCE")
		assert.ErrorIs(t, err, ErrPromoAlreadyRedeemed)
	})

	t.Run("Should report unknown, inactive and expired codes", func(t *testing.T) {
		svc, repo := newTestService(t, nil)
		repo.addProfile(Profile{UserID: "u1"})
		create(t, svc, CreatePromoRequest{Code: "OFF", AccessType: string(AccessSecretLevel)})
		off := repo.promo("OFF")
		require.NoError(t, svc.DeactivatePromoCode(ctx, off.ID))

		expiry := fixedNow.Add(time.Hour)
		create(t, svc, CreatePromoRequest{Code: "SOON", AccessType: string(AccessSecretLevel), ExpiresAt: &expiry})
		svc.now = func() time.Time { return expiry }

		_, err := svc.RedeemPromoCode(ctx, "u1", "NOPE")
		assert.ErrorIs(t, err, ErrPromoNotFound)
		assert.ErrorIs(t, err, core.ErrNotFound)

		_, err = svc.RedeemPromoCode(ctx, "u1", "OFF")
		assert.ErrorIs(t, err, ErrPromoInactive)

		_, err = svc.RedeemPromoCode(ctx, "u1", "SOON")
		assert.ErrorIs(t, err, ErrPromoExpired)
	})

	t.Run("Should let exactly one of two racing users redeem a single-use code", func(t *testing.T) {
		svc, repo := newTestService(t, nil)
		repo.addProfile(Profile{UserID: "u1"})
		repo.addProfile(Profile{UserID: "u2"})
		one := 1
		create(t, svc, CreatePromoRequest{Code: "RACE", AccessType: string(AccessPremium), MaxUses: &one})

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, user := range []string{"u1", "u2"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = svc.RedeemPromoCode(ctx, user, "RACE")
			}()
		}
		wg.Wait()

		var succeeded, exhausted int
		for _, err := range errs {
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrPromoExhausted):
				exhausted++
			}
		}
		assert.Equal(t, 1, succeeded)
		assert.Equal(t, 1, exhausted)
		assert.Equal(t, 1, repo.promo("RACE").UsedCount)
	})
}

func TestService_CreatePromoCode(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)

	t.Run("Should default the grant level to one", func(t *testing.T) {
		promo, err := svc.CreatePromoCode(ctx, "admin", CreatePromoRequest{
			Code:       "default",
			AccessType: string(AccessSecretLevel),
		})
		require.NoError(t, err)
		assert.Equal(t, 1, promo.GrantLevel)
		assert.Equal(t, "DEFAULT", promo.Code)
	})

	t.Run("Should reject a grant above the max level", func(t *testing.T) {
		_, err := svc.CreatePromoCode(ctx, "admin", CreatePromoRequest{
			Code:       "toohigh",
			AccessType: string(AccessSecretLevel),
			GrantLevel: 4,
		})
		assert.ErrorIs(t, err, core.ErrInvalidInput)
	})

	t.Run("Should reject an expiry in the past", func(t *testing.T) {
		past := fixedNow.Add(-time.Minute)
		_, err := svc.CreatePromoCode(ctx, "admin", CreatePromoRequest{
			Code:       "stale",
			AccessType: string(AccessPremium),
			ExpiresAt:  &past,
		})
		assert.ErrorIs(t, err, core.ErrInvalidInput)
	})

	t.Run("Should reject a duplicate code", func(t *testing.T) {
		_, err := svc.CreatePromoCode(ctx, "admin", CreatePromoRequest{
			Code:       "DEFAULT",
			AccessType: string(AccessPremium),
		})
		assert.ErrorIs(t, err, core.ErrDuplicateKey)
	})
}

func TestService_GetProgress(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t, nil)
	repo.addProfile(Profile{UserID: "u1", UniqueModelsUsed: 4, TotalGenerations: 12})

	t.Run("Should describe the next level", func(t *testing.T) {
		res, err := svc.GetProgress(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 1, res.Level)
		assert.Equal(t, 3, res.MaxLevel)
		require.NotNil(t, res.NextLevel)
		assert.Equal(t, 2, res.NextLevel.Level)
		assert.Equal(t, 6, res.NextLevel.MinUniqueModels)
	})

	t.Run("Should reject an unknown tier", func(t *testing.T) {
		assert.ErrorIs(t, svc.SetTier(ctx, "u1", "gold"), core.ErrInvalidInput)
	})
}
