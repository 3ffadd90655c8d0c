package clubledger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clubledger/clubledger/pkg/clubledger"
	"github.com/clubledger/clubledger/storage/memory"
)

// failAfterStore lets the transaction body run to completion, then
// fails it, so the snapshot restore is observable from outside.
type failAfterStore struct {
	clubledger.Storage
}

func (f *failAfterStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx clubledger.Storage) error) error {
	return f.Storage.WithinTx(ctx, func(ctx context.Context, tx clubledger.Storage) error {
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return errInjected
	})
}

func TestIngest_NoPromptWhenTransactionFails(t *testing.T) {
	store := memory.New()
	clk := newTestClock()
	notifier := newRecordingNotifier()
	engine, err := clubledger.NewEngine(&failAfterStore{Storage: store}, notifier, clubledger.Config{
		Tariffs: map[int]int64{30: 990},
		Now:     clk.Now,
	})
	require.NoError(t, err)
	ctx := context.Background()

	// 90 days of lapsed history: the next payment crosses the silver
	// threshold.
	seedUser(t, store, &clubledger.User{ID: "user-1", Tier: clubledger.TierNone})
	seedSub(t, store, &clubledger.Subscription{
		UserID: "user-1",
		Start:  testBase.AddDate(0, 0, -91),
		End:    testBase.AddDate(0, 0, -1),
		Active: true,
	})

	_, err = engine.Ingest(ctx, clubledger.IngestRequest{
		ExternalID: "tx-1", UserID: "user-1", Amount: 990, Days: 30,
	})
	require.ErrorIs(t, err, errInjected)

	// The rolled-back level-up was never announced.
	assert.Empty(t, notifier.choicesFor("user-1"))
	user, err := store.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, clubledger.TierNone, user.Tier)
}

func TestEvaluateUser_UpgradeAtThreshold(t *testing.T) {
	engine, store, _, notifier := newTestEngine(t)
	ctx := context.Background()

	seedUser(t, store, &clubledger.User{ID: "user-1", Tier: clubledger.TierNone})
	seedSub(t, store, &clubledger.Subscription{
		UserID: "user-1",
		Start:  testBase.AddDate(0, 0, -90),
		End:    testBase.AddDate(0, 0, 10),
		Active: true,
	})

	tier, err := engine.EvaluateUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, clubledger.TierSilver, tier)

	user, err := store.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, clubledger.TierSilver, user.Tier)
	assert.True(t, user.PendingReward)

	ups := eventsOfKind(store, "user-1", clubledger.EventLevelUp)
	require.Len(t, ups, 1)
	assert.Equal(t, clubledger.TierSilver, ups[0].Tier)
	assert.Equal(t, "90", ups[0].Payload["tenure_days"])

	// Active subscription, so the benefit prompt fires immediately.
	calls := notifier.choicesFor("user-1")
	require.Len(t, calls, 1)
	assert.Len(t, calls[0].choices, 2)
}

func TestEvaluateUser_PromptDeferredWhenLapsed(t *testing.T) {
	engine, store, _, notifier := newTestEngine(t)
	ctx := context.Background()

	seedUser(t, store, &clubledger.User{ID: "user-1", Tier: clubledger.TierNone})
	seedSub(t, store, &clubledger.Subscription{
		UserID: "user-1",
		Start:  testBase.AddDate(0, 0, -100),
		End:    testBase.AddDate(0, 0, -5),
		Active: true,
	})

	tier, err := engine.EvaluateUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, clubledger.TierSilver, tier)

	user, err := store.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, user.PendingReward, "reward stays pending until the user is active again")
	assert.Empty(t, notifier.choicesFor("user-1"), "lapsed users get no prompt")
}

func TestEvaluateUser_MonotonicByDefault(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	// Stored tier is higher than recomputed tenure implies; without the
	// downgrade flag the stored tier wins.
	seedUser(t, store, &clubledger.User{ID: "user-1", Tier: clubledger.TierGold})
	seedSub(t, store, &clubledger.Subscription{
		UserID: "user-1",
		Start:  testBase.AddDate(0, 0, -100),
		End:    testBase.AddDate(0, 0, 10),
		Active: true,
	})

	tier, err := engine.EvaluateUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, clubledger.TierGold, tier)
	assert.Empty(t, eventsOfKind(store, "user-1", clubledger.EventLevelUp))
}

func TestEvaluateUser_DowngradeWhenAllowed(t *testing.T) {
	engine, store, _, _ := newTestEngine(t, func(c *clubledger.Config) {
		c.AllowTierDowngrade = true
	})
	ctx := context.Background()

	seedUser(t, store, &clubledger.User{
		ID:            "user-1",
		Tier:          clubledger.TierGold,
		PendingReward: true,
	})
	seedSub(t, store, &clubledger.Subscription{
		UserID: "user-1",
		Start:  testBase.AddDate(0, 0, -100),
		End:    testBase.AddDate(0, 0, 10),
		Active: true,
	})

	tier, err := engine.EvaluateUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, clubledger.TierSilver, tier)

	user, err := store.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, clubledger.TierSilver, user.Tier)
	assert.False(t, user.PendingReward, "a drift correction clears the stale reward flag")
}

func TestIngest_LevelUpOnPayment(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	seedUser(t, store, &clubledger.User{ID: "user-1", Tier: clubledger.TierNone})
	seedSub(t, store, &clubledger.Subscription{
		UserID: "user-1",
		Start:  testBase.AddDate(0, 0, -95),
		End:    testBase.AddDate(0, 0, 5),
		Active: true,
	})

	res, err := engine.Ingest(ctx, clubledger.IngestRequest{
		ExternalID: "tx-1", UserID: "user-1", Amount: 990, Days: 30,
	})
	require.NoError(t, err)
	assert.True(t, res.LeveledUp)
	assert.Equal(t, clubledger.TierSilver, res.Tier)

	user, err := store.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, clubledger.TierSilver, user.Tier)
}

func TestEvaluateUser_NoDoubleLevelUpEvent(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	seedUser(t, store, &clubledger.User{ID: "user-1", Tier: clubledger.TierNone})
	seedSub(t, store, &clubledger.Subscription{
		UserID: "user-1",
		Start:  testBase.AddDate(0, 0, -90),
		End:    testBase.AddDate(0, 0, 10),
		Active: true,
	})

	_, err := engine.EvaluateUser(ctx, "user-1")
	require.NoError(t, err)
	_, err = engine.EvaluateUser(ctx, "user-1")
	require.NoError(t, err)

	assert.Len(t, eventsOfKind(store, "user-1", clubledger.EventLevelUp), 1)
}

func TestCatalogueFor(t *testing.T) {
	for _, tier := range []clubledger.Tier{clubledger.TierSilver, clubledger.TierGold, clubledger.TierPlatinum} {
		benefits := clubledger.CatalogueFor(tier)
		require.Len(t, benefits, 2, "tier %s", tier)
		// One days grant, one lifetime discount per tier.
		assert.Greater(t, benefits[0].ExtraDays, 0)
		assert.Greater(t, benefits[1].DiscountPct, 0)
	}
	assert.Empty(t, clubledger.CatalogueFor(clubledger.TierNone))
}
