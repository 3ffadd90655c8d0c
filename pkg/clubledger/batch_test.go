package clubledger_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clubledger/clubledger/pkg/clubledger"
	"github.com/clubledger/clubledger/storage/memory"
)

func seedEligibleUser(t *testing.T, store *memory.Storage, id string) {
	t.Helper()
	seedUser(t, store, &clubledger.User{ID: id, Tier: clubledger.TierNone})
	seedSub(t, store, &clubledger.Subscription{
		UserID: id,
		Start:  testBase.AddDate(0, 0, -90),
		End:    testBase.AddDate(0, 0, 10),
		Active: true,
	})
}

func TestSweep_LevelsUpEveryEligibleUser(t *testing.T) {
	engine, store, _, notifier := newTestEngine(t, func(c *clubledger.Config) {
		c.BatchSize = 2
		c.OperatorUserID = "operator"
	})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		seedEligibleUser(t, store, fmt.Sprintf("user-%d", i))
	}

	runner := clubledger.NewRunner(engine)
	stats, err := runner.Sweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, 5, stats.Users)
	assert.Equal(t, 3, stats.Groups)
	assert.Equal(t, 5, stats.LevelUps)
	assert.Zero(t, stats.FailedGroups)
	assert.Zero(t, stats.ItemErrors)

	for i := 1; i <= 5; i++ {
		user, err := store.GetUser(ctx, fmt.Sprintf("user-%d", i))
		require.NoError(t, err)
		assert.Equal(t, clubledger.TierSilver, user.Tier)
	}

	// Operator summary went out after commit.
	require.Len(t, notifier.messages["operator"], 1)
	assert.Contains(t, notifier.messages["operator"][0], "5 users")
}

func TestSweep_PromptsStillPendingRewards(t *testing.T) {
	engine, store, _, notifier := newTestEngine(t)
	ctx := context.Background()

	// Upgraded earlier while lapsed; now active again, tier unchanged.
	seedUser(t, store, &clubledger.User{
		ID:            "user-1",
		Tier:          clubledger.TierSilver,
		PendingReward: true,
	})
	seedSub(t, store, &clubledger.Subscription{
		UserID: "user-1",
		Start:  testBase.AddDate(0, 0, -100),
		End:    testBase.AddDate(0, 0, 10),
		Active: true,
	})

	runner := clubledger.NewRunner(engine)
	stats, err := runner.Sweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.PromptsQueued)
	calls := notifier.choicesFor("user-1")
	require.Len(t, calls, 1)
	assert.Len(t, calls[0].choices, 2)
}

func TestSweep_NoPromptWhileLapsed(t *testing.T) {
	engine, store, _, notifier := newTestEngine(t)
	ctx := context.Background()

	seedUser(t, store, &clubledger.User{
		ID:            "user-1",
		Tier:          clubledger.TierSilver,
		PendingReward: true,
	})
	seedSub(t, store, &clubledger.Subscription{
		UserID: "user-1",
		Start:  testBase.AddDate(0, 0, -120),
		End:    testBase.AddDate(0, 0, -5),
		Active: true,
	})

	runner := clubledger.NewRunner(engine)
	stats, err := runner.Sweep(ctx)
	require.NoError(t, err)

	assert.Zero(t, stats.PromptsQueued)
	assert.Empty(t, notifier.choicesFor("user-1"))
}

func TestSweep_DowngradesWhenConfigured(t *testing.T) {
	engine, store, _, _ := newTestEngine(t, func(c *clubledger.Config) {
		c.AllowTierDowngrade = true
	})
	ctx := context.Background()

	seedUser(t, store, &clubledger.User{ID: "user-1", Tier: clubledger.TierPlatinum})
	seedSub(t, store, &clubledger.Subscription{
		UserID: "user-1",
		Start:  testBase.AddDate(0, 0, -100),
		End:    testBase.AddDate(0, 0, 10),
		Active: true,
	})

	runner := clubledger.NewRunner(engine)
	stats, err := runner.Sweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Downgrades)
	user, err := store.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, clubledger.TierSilver, user.Tier)
}

var errInjected = errors.New("injected group failure")

// flakyStore wraps a real store and forces the savepoint scope that
// touches a marked user to fail, so group isolation can be observed.
type flakyStore struct {
	clubledger.Storage
	failOn string
}

func (f *flakyStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx clubledger.Storage) error) error {
	return f.Storage.WithinTx(ctx, func(ctx context.Context, tx clubledger.Storage) error {
		return fn(ctx, &flakyTx{Storage: tx, failOn: f.failOn})
	})
}

type flakyTx struct {
	clubledger.Storage
	failOn string
}

func (f *flakyTx) WithinTx(ctx context.Context, fn func(ctx context.Context, tx clubledger.Storage) error) error {
	return f.Storage.WithinTx(ctx, func(ctx context.Context, sp clubledger.Storage) error {
		probe := &probeTx{Storage: sp, target: f.failOn}
		if err := fn(ctx, probe); err != nil {
			return err
		}
		if probe.hit {
			return errInjected
		}
		return nil
	})
}

type probeTx struct {
	clubledger.Storage
	target string
	hit    bool
}

func (p *probeTx) GetUser(ctx context.Context, userID string) (*clubledger.User, error) {
	if userID == p.target {
		p.hit = true
	}
	return p.Storage.GetUser(ctx, userID)
}

func TestSweep_FailingGroupRollsBackAlone(t *testing.T) {
	store := memory.New()
	clk := newTestClock()
	notifier := newRecordingNotifier()

	flaky := &flakyStore{Storage: store, failOn: "user-3"}
	engine, err := clubledger.NewEngine(flaky, notifier, clubledger.Config{
		Tariffs:   map[int]int64{30: 990},
		BatchSize: 2,
		Now:       clk.Now,
	})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		seedEligibleUser(t, store, fmt.Sprintf("user-%d", i))
	}

	runner := clubledger.NewRunner(engine)
	stats, err := runner.Sweep(ctx)
	require.NoError(t, err, "a failed group must not fail the sweep")

	assert.Equal(t, 4, stats.Users)
	assert.Equal(t, 2, stats.Groups)
	assert.Equal(t, 1, stats.FailedGroups)

	// Group one (user-1, user-2) committed.
	for _, id := range []string{"user-1", "user-2"} {
		user, err := store.GetUser(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, clubledger.TierSilver, user.Tier, "%s belongs to the committed group", id)
	}

	// Group two (user-3, user-4) rolled back together, and its
	// level-up prompts never went out.
	for _, id := range []string{"user-3", "user-4"} {
		user, err := store.GetUser(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, clubledger.TierNone, user.Tier, "%s belongs to the rolled-back group", id)
		assert.Empty(t, notifier.choicesFor(id), "%s rolled back, no prompt", id)
	}
}

func TestSweep_EmptyStore(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)

	runner := clubledger.NewRunner(engine)
	stats, err := runner.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Users)
	assert.Zero(t, stats.Groups)
}
