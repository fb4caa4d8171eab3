// AngelaMos | 2026
// service_test.go

package credit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carterperez-dev/varylite/internal/core"
	"github.com/carterperez-dev/varylite/internal/events"
)

const testUser = "user-1"

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testCosts() staticCosts {
	return staticCosts{
		"flux-schnell": {ModelName: "flux-schnell", CostPerGeneration: dec("0.0398"), IsActive: true},
		"flux-pro":     {ModelName: "flux-pro", CostPerGeneration: dec("0.05"), IsActive: true},
		"retired":      {ModelName: "retired", CostPerGeneration: dec("0.01"), IsActive: false},
	}
}

func newTestService(t *testing.T, cfg ServiceConfig) (*Service, *memoryLedger) {
	t.Helper()
	ledger := newMemoryLedger()
	if cfg.SignupBonus.IsZero() {
		cfg.SignupBonus = dec("0.10")
	}
	if cfg.SelfServiceSources == nil {
		cfg.SelfServiceSources = []string{SourceSignupBonus}
	}
	if cfg.MaxAddAmount.IsZero() {
		cfg.MaxAddAmount = dec("1000")
	}
	return NewService(ledger, testCosts(), cfg), ledger
}

func fund(t *testing.T, svc *Service, userID, amount string) {
	t.Helper()
	_, err := svc.AddCredits(context.Background(), AddParams{
		UserID: userID,
		Amount: dec(amount),
		Source: "test",
	})
	require.NoError(t, err)
}

func assertLedgerConsistent(t *testing.T, ledger *memoryLedger, userID string) {
	t.Helper()
	balance, err := ledger.GetBalance(context.Background(), userID)
	require.NoError(t, err)

	sum := decimal.Zero
	for _, tx := range ledger.transactionsFor(userID) {
		sum = sum.Add(tx.Amount)
		assert.False(t, tx.BalanceAfter.IsNegative(), "balance_after went negative")
	}
	assert.True(t, balance.Equal(sum), "balance %s != ledger sum %s", balance, sum)
	assert.False(t, balance.IsNegative())
}

func TestService_CheckCredits(t *testing.T) {
	ctx := context.Background()

	t.Run("Should report an affordable model", func(t *testing.T) {
		svc, _ := newTestService(t, ServiceConfig{})
		fund(t, svc, testUser, "0.10")

		res, err := svc.CheckCredits(ctx, testUser, "flux-schnell")
		require.NoError(t, err)
		assert.True(t, res.HasCredits)
		assert.True(t, res.AvailableCredits.Equal(dec("0.10")))
		assert.True(t, res.ModelCost.Equal(dec("0.0398")))
		assert.Empty(t, res.Error)
	})

	t.Run("Should report insufficient credits without writing", func(t *testing.T) {
		svc, ledger := newTestService(t, ServiceConfig{})
		fund(t, svc, testUser, "0.02")

		res, err := svc.CheckCredits(ctx, testUser, "flux-schnell")
		require.NoError(t, err)
		assert.False(t, res.HasCredits)
		assert.Equal(t, InsufficientCreditsMessage, res.Error)
		assert.Len(t, ledger.transactionsFor(testUser), 1)
	})

	t.Run("Should report an unknown model with zero cost", func(t *testing.T) {
		svc, _ := newTestService(t, ServiceConfig{})

		res, err := svc.CheckCredits(ctx, testUser, "nope")
		require.NoError(t, err)
		assert.False(t, res.HasCredits)
		assert.True(t, res.ModelCost.IsZero())
		assert.Equal(t, ModelNotFoundMessage, res.Error)
	})

	t.Run("Should treat an inactive model as unknown", func(t *testing.T) {
		svc, _ := newTestService(t, ServiceConfig{})
		fund(t, svc, testUser, "1")

		res, err := svc.CheckCredits(ctx, testUser, "retired")
		require.NoError(t, err)
		assert.False(t, res.HasCredits)
		assert.Equal(t, ModelNotFoundMessage, res.Error)
	})

	t.Run("Should treat an unknown user as zero balance", func(t *testing.T) {
		svc, _ := newTestService(t, ServiceConfig{})

		res, err := svc.CheckCredits(ctx, "ghost", "flux-schnell")
		require.NoError(t, err)
		assert.False(t, res.HasCredits)
		assert.True(t, res.AvailableCredits.IsZero())
	})
}

func TestService_UseCredits(t *testing.T) {
	ctx := context.Background()

	t.Run("Should allow two generations from a ten cent balance", func(t *testing.T) {
		svc, ledger := newTestService(t, ServiceConfig{})
		fund(t, svc, testUser, "0.10")

		first, err := svc.UseCredits(ctx, UseParams{UserID: testUser, ModelName: "flux-schnell"})
		require.NoError(t, err)
		assert.True(t, first.Success)
		assert.True(t, first.CreditsUsed.Equal(dec("0.0398")))
		assert.True(t, first.RemainingCredits.Equal(dec("0.0602")))

		second, err := svc.UseCredits(ctx, UseParams{UserID: testUser, ModelName: "flux-schnell"})
		require.NoError(t, err)
		assert.True(t, second.Success)
		assert.True(t, second.RemainingCredits.Equal(dec("0.0204")))

		third, err := svc.UseCredits(ctx, UseParams{UserID: testUser, ModelName: "flux-schnell"})
		require.NoError(t, err)
		assert.False(t, third.Success)
		assert.Equal(t, InsufficientCreditsMessage, third.Error)
		assert.True(t, third.RemainingCredits.Equal(dec("0.0204")))

		assertLedgerConsistent(t, ledger, testUser)
	})

	t.Run("Should refuse a two cent balance without a deduction", func(t *testing.T) {
		svc, ledger := newTestService(t, ServiceConfig{})
		fund(t, svc, testUser, "0.02")

		res, err := svc.UseCredits(ctx, UseParams{UserID: testUser, ModelName: "flux-schnell"})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.True(t, res.CreditsUsed.IsZero())
		assert.True(t, res.RemainingCredits.Equal(dec("0.02")))
		assert.Len(t, ledger.transactionsFor(testUser), 1)
	})

	t.Run("Should charge a generation id only once", func(t *testing.T) {
		svc, ledger := newTestService(t, ServiceConfig{})
		fund(t, svc, testUser, "0.10")

		p := UseParams{UserID: testUser, ModelName: "flux-schnell", GenerationID: "gen-1"}
		first, err := svc.UseCredits(ctx, p)
		require.NoError(t, err)
		require.True(t, first.Success)

		again, err := svc.UseCredits(ctx, p)
		require.NoError(t, err)
		assert.True(t, again.Success)
		assert.True(t, again.Replayed)
		assert.Equal(t, "gen-1", again.GenerationID)
		assert.True(t, again.RemainingCredits.Equal(first.RemainingCredits))

		balance, err := svc.GetBalance(ctx, testUser)
		require.NoError(t, err)
		assert.True(t, balance.Equal(dec("0.0602")))
		assert.Len(t, ledger.transactionsFor(testUser), 2)
	})

	t.Run("Should replay a known generation id after the model is retired", func(t *testing.T) {
		svc, ledger := newTestService(t, ServiceConfig{})
		fund(t, svc, testUser, "0.10")

		p := UseParams{UserID: testUser, ModelName: "flux-pro", GenerationID: "gen-1"}
		first, err := svc.UseCredits(ctx, p)
		require.NoError(t, err)
		require.True(t, first.Success)

		svc.costs = staticCosts{}
		svc.access = accessFunc(func(string, string) bool { return false })

		again, err := svc.UseCredits(ctx, p)
		require.NoError(t, err)
		assert.True(t, again.Success)
		assert.True(t, again.Replayed)
		assert.True(t, again.CreditsUsed.Equal(dec("0.05")))
		assert.True(t, again.RemainingCredits.Equal(first.RemainingCredits))
		assert.Len(t, ledger.transactionsFor(testUser), 2)

		_, err = svc.UseCredits(ctx, UseParams{UserID: testUser, ModelName: "flux-pro", GenerationID: "gen-2"})
		require.NoError(t, err)
	})

	t.Run("Should reject a generation id owned by another user", func(t *testing.T) {
		svc, _ := newTestService(t, ServiceConfig{})
		fund(t, svc, testUser, "0.10")
		fund(t, svc, "user-2", "0.10")

		_, err := svc.UseCredits(ctx, UseParams{UserID: testUser, ModelName: "flux-schnell", GenerationID: "gen-1"})
		require.NoError(t, err)

		_, err = svc.UseCredits(ctx, UseParams{UserID: "user-2", ModelName: "flux-schnell", GenerationID: "gen-1"})
		assert.ErrorIs(t, err, ErrGenerationConflict)
	})

	t.Run("Should assign a generation id when none is given", func(t *testing.T) {
		svc, _ := newTestService(t, ServiceConfig{})
		fund(t, svc, testUser, "0.10")

		res, err := svc.UseCredits(ctx, UseParams{UserID: testUser, ModelName: "flux-schnell"})
		require.NoError(t, err)
		assert.Len(t, res.GenerationID, 36)
	})

	t.Run("Should not charge for an unknown model", func(t *testing.T) {
		svc, ledger := newTestService(t, ServiceConfig{})
		fund(t, svc, testUser, "0.10")

		res, err := svc.UseCredits(ctx, UseParams{UserID: testUser, ModelName: "nope"})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, ModelNotFoundMessage, res.Error)
		assert.Len(t, ledger.transactionsFor(testUser), 1)
	})

	t.Run("Should deny a model the user cannot access", func(t *testing.T) {
		svc, ledger := newTestService(t, ServiceConfig{
			Access: accessFunc(func(_, model string) bool { return model != "flux-pro" }),
		})
		fund(t, svc, testUser, "0.10")

		_, err := svc.UseCredits(ctx, UseParams{UserID: testUser, ModelName: "flux-pro"})
		assert.ErrorIs(t, err, ErrModelAccessDenied)
		assert.Len(t, ledger.transactionsFor(testUser), 1)

		res, err := svc.UseCredits(ctx, UseParams{UserID: testUser, ModelName: "flux-schnell"})
		require.NoError(t, err)
		assert.True(t, res.Success)
	})

	t.Run("Should require a user id", func(t *testing.T) {
		svc, _ := newTestService(t, ServiceConfig{})

		_, err := svc.UseCredits(ctx, UseParams{ModelName: "flux-schnell"})
		assert.ErrorIs(t, err, core.ErrInvalidInput)
	})
}

func TestService_UseCreditsConcurrent(t *testing.T) {
	ctx := context.Background()

	t.Run("Should succeed exactly floor(balance/cost) times", func(t *testing.T) {
		svc, ledger := newTestService(t, ServiceConfig{})
		fund(t, svc, testUser, "1.00")

		const attempts = 40
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
		)
		for range attempts {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := svc.UseCredits(ctx, UseParams{UserID: testUser, ModelName: "flux-schnell"})
				if err != nil || !res.Success {
					return
				}
				mu.Lock()
				successes++
				mu.Unlock()
			}()
		}
		wg.Wait()

		assert.Equal(t, 25, successes)
		balance, err := svc.GetBalance(ctx, testUser)
		require.NoError(t, err)
		assert.True(t, balance.Equal(dec("0.005")), "got %s", balance)
		assertLedgerConsistent(t, ledger, testUser)
	})

	t.Run("Should charge a shared generation id once under contention", func(t *testing.T) {
		svc, ledger := newTestService(t, ServiceConfig{})
		fund(t, svc, testUser, "1.00")

		var wg sync.WaitGroup
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = svc.UseCredits(ctx, UseParams{
					UserID:       testUser,
					ModelName:    "flux-schnell",
					GenerationID: "shared",
				})
			}()
		}
		wg.Wait()

		balance, err := svc.GetBalance(ctx, testUser)
		require.NoError(t, err)
		assert.True(t, balance.Equal(dec("0.9602")))
		assert.Len(t, ledger.transactionsFor(testUser), 2)
	})
}

func TestService_Refund(t *testing.T) {
	ctx := context.Background()

	t.Run("Should record a refund transaction and restore the balance", func(t *testing.T) {
		svc, ledger := newTestService(t, ServiceConfig{})
		fund(t, svc, testUser, "0.10")

		use, err := svc.UseCredits(ctx, UseParams{UserID: testUser, ModelName: "flux-schnell"})
		require.NoError(t, err)

		res, err := svc.Refund(ctx, use.GenerationID)
		require.NoError(t, err)
		assert.Equal(t, TypeRefund, res.Transaction.TransactionType)
		assert.True(t, res.Transaction.Amount.Equal(dec("0.0398")))
		assert.True(t, res.Transaction.BalanceAfter.Equal(dec("0.10")))
		assert.Equal(t, StatusRefunded, res.Generation.Status)
		require.NotNil(t, res.Transaction.ReferenceID)
		assert.Equal(t, use.GenerationID, *res.Transaction.ReferenceID)

		txs := ledger.transactionsFor(testUser)
		require.Len(t, txs, 3)
		assert.Equal(t, TypeRefund, txs[2].TransactionType)
		assertLedgerConsistent(t, ledger, testUser)
	})

	t.Run("Should refuse a second refund", func(t *testing.T) {
		svc, ledger := newTestService(t, ServiceConfig{})
		fund(t, svc, testUser, "0.10")

		use, err := svc.UseCredits(ctx, UseParams{UserID: testUser, ModelName: "flux-schnell"})
		require.NoError(t, err)
		_, err = svc.Refund(ctx, use.GenerationID)
		require.NoError(t, err)

		_, err = svc.Refund(ctx, use.GenerationID)
		assert.ErrorIs(t, err, ErrAlreadyRefunded)
		assert.Len(t, ledger.transactionsFor(testUser), 3)
	})

	t.Run("Should refuse to refund a delivered generation", func(t *testing.T) {
		svc, ledger := newTestService(t, ServiceConfig{})
		fund(t, svc, testUser, "0.10")

		use, err := svc.UseCredits(ctx, UseParams{UserID: testUser, ModelName: "flux-schnell"})
		require.NoError(t, err)
		_, err = svc.Complete(ctx, use.GenerationID)
		require.NoError(t, err)

		_, err = svc.Refund(ctx, use.GenerationID)
		assert.ErrorIs(t, err, ErrNotRefundable)

		balance, err := svc.GetBalance(ctx, testUser)
		require.NoError(t, err)
		assert.True(t, balance.Equal(dec("0.0602")))
		assert.Len(t, ledger.transactionsFor(testUser), 2)
		assertLedgerConsistent(t, ledger, testUser)
	})

	t.Run("Should report an unknown generation", func(t *testing.T) {
		svc, _ := newTestService(t, ServiceConfig{})

		_, err := svc.Refund(ctx, "missing")
		assert.ErrorIs(t, err, ErrGenerationNotFound)
		assert.ErrorIs(t, err, core.ErrNotFound)
	})

	t.Run("Should not complete a refunded generation", func(t *testing.T) {
		svc, _ := newTestService(t, ServiceConfig{})
		fund(t, svc, testUser, "0.10")

		use, err := svc.UseCredits(ctx, UseParams{UserID: testUser, ModelName: "flux-schnell"})
		require.NoError(t, err)
		_, err = svc.Refund(ctx, use.GenerationID)
		require.NoError(t, err)

		_, err = svc.Complete(ctx, use.GenerationID)
		assert.ErrorIs(t, err, ErrAlreadyRefunded)
	})
}

func TestService_AddCreditsAs(t *testing.T) {
	ctx := context.Background()

	t.Run("Should let an admin credit any user", func(t *testing.T) {
		svc, _ := newTestService(t, ServiceConfig{})

		res, err := svc.AddCreditsAs(ctx, Caller{UserID: "admin", IsAdmin: true}, AddCreditsRequest{
			UserID: testUser,
			Amount: dec("5"),
			Source: "manual",
		})
		require.NoError(t, err)
		assert.True(t, res.NewBalance.Equal(dec("5")))
	})

	t.Run("Should cap admin additions at the configured maximum", func(t *testing.T) {
		svc, _ := newTestService(t, ServiceConfig{MaxAddAmount: dec("10")})

		_, err := svc.AddCreditsAs(ctx, Caller{UserID: "admin", IsAdmin: true}, AddCreditsRequest{
			UserID: testUser,
			Amount: dec("10.01"),
			Source: "manual",
		})
		assert.ErrorIs(t, err, core.ErrInvalidInput)
	})

	t.Run("Should forbid crediting another user", func(t *testing.T) {
		svc, _ := newTestService(t, ServiceConfig{})

		_, err := svc.AddCreditsAs(ctx, Caller{UserID: testUser}, AddCreditsRequest{
			UserID: "user-2",
			Amount: dec("0.10"),
			Source: SourceSignupBonus,
		})
		assert.ErrorIs(t, err, core.ErrForbidden)
	})

	t.Run("Should forbid a source outside the self-service list", func(t *testing.T) {
		svc, _ := newTestService(t, ServiceConfig{})

		_, err := svc.AddCreditsAs(ctx, Caller{UserID: testUser}, AddCreditsRequest{
			UserID: testUser,
			Amount: dec("100"),
			Source: "stripe_checkout",
		})
		assert.ErrorIs(t, err, core.ErrForbidden)
	})

	t.Run("Should cap and deduplicate a self-service claim", func(t *testing.T) {
		svc, ledger := newTestService(t, ServiceConfig{})
		req := AddCreditsRequest{
			UserID: testUser,
			Amount: dec("100"),
			Source: SourceSignupBonus,
		}

		first, err := svc.AddCreditsAs(ctx, Caller{UserID: testUser}, req)
		require.NoError(t, err)
		assert.True(t, first.NewBalance.Equal(dec("0.10")))

		second, err := svc.AddCreditsAs(ctx, Caller{UserID: testUser}, req)
		require.NoError(t, err)
		assert.True(t, second.Replayed)
		assert.True(t, second.NewBalance.Equal(dec("0.10")))
		assert.Len(t, ledger.transactionsFor(testUser), 1)
	})

	t.Run("Should reject a non-positive amount", func(t *testing.T) {
		svc, _ := newTestService(t, ServiceConfig{})

		_, err := svc.AddCreditsAs(ctx, Caller{UserID: "admin", IsAdmin: true}, AddCreditsRequest{
			UserID: testUser,
			Amount: dec("-1"),
			Source: "manual",
		})
		assert.ErrorIs(t, err, core.ErrInvalidInput)
	})

	t.Run("Should require an authenticated caller", func(t *testing.T) {
		svc, _ := newTestService(t, ServiceConfig{})

		_, err := svc.AddCreditsAs(ctx, Caller{}, AddCreditsRequest{
			UserID: testUser,
			Amount: dec("1"),
			Source: "manual",
		})
		assert.ErrorIs(t, err, core.ErrUnauthorized)
	})
}

func TestService_GrantSignupBonus(t *testing.T) {
	ctx := context.Background()

	t.Run("Should grant the bonus once", func(t *testing.T) {
		svc, ledger := newTestService(t, ServiceConfig{})

		require.NoError(t, svc.GrantSignupBonus(ctx, testUser))
		require.NoError(t, svc.GrantSignupBonus(ctx, testUser))

		balance, err := svc.GetBalance(ctx, testUser)
		require.NoError(t, err)
		assert.True(t, balance.Equal(dec("0.10")))
		assert.Len(t, ledger.transactionsFor(testUser), 1)
	})
}

func TestService_Reconcile(t *testing.T) {
	ctx := context.Background()

	t.Run("Should repair a drifted balance from the ledger", func(t *testing.T) {
		svc, ledger := newTestService(t, ServiceConfig{})
		fund(t, svc, testUser, "0.10")
		ledger.corrupt(testUser, dec("7"))

		results, err := svc.ReconcileDrifted(ctx, 10)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.True(t, results[0].Repaired)
		assert.True(t, results[0].Computed.Equal(dec("0.10")))
		assertLedgerConsistent(t, ledger, testUser)
	})

	t.Run("Should leave a consistent balance alone", func(t *testing.T) {
		svc, _ := newTestService(t, ServiceConfig{})
		fund(t, svc, testUser, "0.10")

		res, err := svc.Reconcile(ctx, testUser)
		require.NoError(t, err)
		assert.False(t, res.Repaired)
	})
}

func TestService_ListTransactions(t *testing.T) {
	ctx := context.Background()

	t.Run("Should list newest first and filter by type", func(t *testing.T) {
		svc, _ := newTestService(t, ServiceConfig{})
		fund(t, svc, testUser, "0.10")
		_, err := svc.UseCredits(ctx, UseParams{UserID: testUser, ModelName: "flux-schnell"})
		require.NoError(t, err)

		all, err := svc.ListTransactions(ctx, TransactionFilter{UserID: testUser})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, TypeCreditUsed, all[0].TransactionType)

		used, err := svc.ListTransactions(ctx, TransactionFilter{UserID: testUser, Type: TypeCreditUsed})
		require.NoError(t, err)
		assert.Len(t, used, 1)
	})

	t.Run("Should reject an unknown type", func(t *testing.T) {
		svc, _ := newTestService(t, ServiceConfig{})

		_, err := svc.ListTransactions(ctx, TransactionFilter{UserID: testUser, Type: "bogus"})
		assert.ErrorIs(t, err, core.ErrInvalidInput)
	})
}

var (
	_ CostLookup = staticCosts{}
	_ Repository = (*memoryLedger)(nil)
)

type recordingPublisher struct {
	mu    sync.Mutex
	types []string
	err   error
}

func (r *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, e.Type)
	return r.err
}

func TestService_Events(t *testing.T) {
	ctx := context.Background()

	t.Run("Should publish each ledger change once", func(t *testing.T) {
		pub := &recordingPublisher{}
		svc, _ := newTestService(t, ServiceConfig{Publisher: pub})
		fund(t, svc, testUser, "0.10")

		use := UseParams{UserID: testUser, ModelName: "flux-schnell", GenerationID: "gen-ev"}
		_, err := svc.UseCredits(ctx, use)
		require.NoError(t, err)
		_, err = svc.UseCredits(ctx, use)
		require.NoError(t, err)
		_, err = svc.Refund(ctx, "gen-ev")
		require.NoError(t, err)

		assert.Equal(t, []string{
			events.TypeCreditsAdded,
			events.TypeCreditsUsed,
			events.TypeCreditsRefunded,
		}, pub.types)
	})

	t.Run("Should keep the charge when publishing fails", func(t *testing.T) {
		pub := &recordingPublisher{err: errors.New("broker down")}
		svc, ledger := newTestService(t, ServiceConfig{Publisher: pub})
		fund(t, svc, testUser, "0.10")

		res, err := svc.UseCredits(ctx, UseParams{UserID: testUser, ModelName: "flux-schnell"})
		require.NoError(t, err)
		assert.True(t, res.Success)
		assertLedgerConsistent(t, ledger, testUser)
	})
}
