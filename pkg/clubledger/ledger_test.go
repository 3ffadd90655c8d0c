package clubledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clubledger/clubledger/pkg/clubledger"
	"github.com/clubledger/clubledger/pkg/notify"
	"github.com/clubledger/clubledger/storage/memory"
)

var testBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: testBase}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *testClock) AdvanceDays(days int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.AddDate(0, 0, days)
}

type choiceCall struct {
	userID  string
	text    string
	choices []notify.Choice
}

// recordingNotifier captures outbound messages; prompt fan-out is
// concurrent, hence the mutex.
type recordingNotifier struct {
	mu       sync.Mutex
	messages map[string][]string
	choices  []choiceCall
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{messages: make(map[string][]string)}
}

func (n *recordingNotifier) SendMessage(_ context.Context, userID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages[userID] = append(n.messages[userID], text)
	return nil
}

func (n *recordingNotifier) SendChoice(_ context.Context, userID, text string, choices []notify.Choice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.choices = append(n.choices, choiceCall{userID: userID, text: text, choices: choices})
	return nil
}

func (n *recordingNotifier) AnswerCallback(_ context.Context, _, _ string) error {
	return nil
}

func (n *recordingNotifier) choicesFor(userID string) []choiceCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []choiceCall
	for _, c := range n.choices {
		if c.userID == userID {
			out = append(out, c)
		}
	}
	return out
}

func newTestEngine(t *testing.T, opts ...func(*clubledger.Config)) (*clubledger.Engine, *memory.Storage, *testClock, *recordingNotifier) {
	t.Helper()
	store := memory.New()
	clk := newTestClock()
	notifier := newRecordingNotifier()

	config := clubledger.Config{
		Tariffs:           map[int]int64{30: 990, 90: 2490, 365: 7990},
		PromoPrice:        199,
		WelcomeBonusDays:  7,
		ReferralCashPct:   10,
		ReferralBonusDays: 14,
		Now:               clk.Now,
	}
	for _, opt := range opts {
		opt(&config)
	}

	engine, err := clubledger.NewEngine(store, notifier, config)
	require.NoError(t, err)
	return engine, store, clk, notifier
}

func seedUser(t *testing.T, store *memory.Storage, user *clubledger.User) {
	t.Helper()
	require.NoError(t, store.SaveUser(context.Background(), user))
}

func seedSub(t *testing.T, store *memory.Storage, sub *clubledger.Subscription) {
	t.Helper()
	require.NoError(t, store.CreateSubscription(context.Background(), sub))
}

func eventsOfKind(store *memory.Storage, userID string, kind clubledger.EventKind) []clubledger.LoyaltyEvent {
	var out []clubledger.LoyaltyEvent
	for _, ev := range store.Events() {
		if ev.UserID == userID && ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func TestIngest_NewUser(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	res, err := engine.Ingest(ctx, clubledger.IngestRequest{
		ExternalID: "tx-1",
		UserID:     "user-1",
		Amount:     990,
		Days:       30,
	})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.NotZero(t, res.SubscriptionID)
	assert.Equal(t, clubledger.TierNone, res.Tier)

	rec, err := store.GetPayment(ctx, "tx-1")
	require.NoError(t, err)
	assert.True(t, rec.Terminal())
	assert.Equal(t, clubledger.PaymentSuccess, rec.Status)

	subs, err := store.SubscriptionsByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, testBase, subs[0].Start)
	assert.Equal(t, testBase.AddDate(0, 0, 30), subs[0].End)
	assert.Equal(t, int64(990), subs[0].Price)
	assert.Equal(t, int64(990), subs[0].RenewalPrice)

	user, err := store.GetUser(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, user.FirstPaymentAt)
	assert.Equal(t, testBase, *user.FirstPaymentAt)
	assert.False(t, user.FirstPaymentDone, "990 is above the promo threshold")
}

func TestIngest_ReplayIsIdempotent(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	req := clubledger.IngestRequest{ExternalID: "tx-1", UserID: "user-1", Amount: 990, Days: 30}
	_, err := engine.Ingest(ctx, req)
	require.NoError(t, err)

	res, err := engine.Ingest(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	subs, err := store.SubscriptionsByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, subs, 1, "replay must not create a second subscription")
	assert.Equal(t, testBase.AddDate(0, 0, 30), subs[0].End, "replay must not extend the window")
}

func TestIngest_ExtendsActiveSubscription(t *testing.T) {
	engine, store, clk, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Ingest(ctx, clubledger.IngestRequest{
		ExternalID: "tx-1", UserID: "user-1", Amount: 990, Days: 30,
	})
	require.NoError(t, err)

	// Renewing mid-window adds days to the paid-for end date, not to now.
	clk.AdvanceDays(10)
	_, err = engine.Ingest(ctx, clubledger.IngestRequest{
		ExternalID: "tx-2", UserID: "user-1", Amount: 990, Days: 30,
	})
	require.NoError(t, err)

	subs, err := store.SubscriptionsByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, testBase.AddDate(0, 0, 60), subs[0].End)
}

func TestIngest_LapsedUserGetsFreshWindow(t *testing.T) {
	engine, store, clk, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Ingest(ctx, clubledger.IngestRequest{
		ExternalID: "tx-1", UserID: "user-1", Amount: 990, Days: 30,
	})
	require.NoError(t, err)

	clk.AdvanceDays(45)
	_, err = engine.Ingest(ctx, clubledger.IngestRequest{
		ExternalID: "tx-2", UserID: "user-1", Amount: 990, Days: 30,
	})
	require.NoError(t, err)

	subs, err := store.SubscriptionsByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, testBase.AddDate(0, 0, 45), subs[1].Start)
	assert.Equal(t, testBase.AddDate(0, 0, 75), subs[1].End)
}

func TestIngest_ReprocessesPartialFailure(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	// A previous attempt died between the status flip and fulfilment:
	// success without a linked subscription.
	require.NoError(t, store.CreatePayment(ctx, &clubledger.PaymentRecord{
		ExternalID: "tx-1",
		UserID:     "user-1",
		Amount:     990,
		Days:       30,
		Status:     clubledger.PaymentSuccess,
		Confirmed:  true,
		CreatedAt:  testBase,
	}))

	res, err := engine.Ingest(ctx, clubledger.IngestRequest{
		ExternalID: "tx-1", UserID: "user-1", Amount: 990, Days: 30,
	})
	require.NoError(t, err)
	assert.False(t, res.Duplicate, "partial failure must be reprocessed, not skipped")

	rec, err := store.GetPayment(ctx, "tx-1")
	require.NoError(t, err)
	assert.True(t, rec.Terminal())

	subs, err := store.SubscriptionsByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestIngest_UnknownTariffRejected(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Ingest(ctx, clubledger.IngestRequest{
		ExternalID: "tx-1", UserID: "user-1", Amount: 990, Days: 17,
	})
	require.ErrorIs(t, err, clubledger.ErrUnknownTariff)

	// The whole transaction rolled back: no payment row survives.
	_, err = store.GetPayment(ctx, "tx-1")
	assert.ErrorIs(t, err, clubledger.ErrPaymentNotFound)
}

func TestIngest_InvalidInput(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Ingest(ctx, clubledger.IngestRequest{
		ExternalID: "tx-1", UserID: "user-1", Amount: 0, Days: 30,
	})
	assert.ErrorIs(t, err, clubledger.ErrInvalidAmount)

	_, err = engine.Ingest(ctx, clubledger.IngestRequest{
		UserID: "user-1", Amount: 990, Days: 30,
	})
	assert.Error(t, err)
}

func TestIngest_RenewalPriceUsesLifetimeDiscount(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	seedUser(t, store, &clubledger.User{
		ID:                  "user-1",
		Tier:                clubledger.TierGold,
		LifetimeDiscountPct: 10,
	})

	// Paying the promo entry price must not leak into the renewal price:
	// the renewal is the full tariff with the lifetime discount applied.
	_, err := engine.Ingest(ctx, clubledger.IngestRequest{
		ExternalID: "tx-1", UserID: "user-1", Amount: 199, Days: 30,
	})
	require.NoError(t, err)

	subs, err := store.SubscriptionsByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, int64(199), subs[0].Price)
	assert.Equal(t, int64(891), subs[0].RenewalPrice)
	assert.Equal(t, clubledger.TierGold, subs[0].TierAtCreation)
	assert.Equal(t, 10, subs[0].DiscountAtCreation)
}

func TestIngest_PromoThresholdStamp(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Ingest(ctx, clubledger.IngestRequest{
		ExternalID: "tx-1", UserID: "user-1", Amount: 199, Days: 30,
	})
	require.NoError(t, err)

	user, err := store.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, user.FirstPaymentDone, "payment at the promo price marks the promo as used")
}

func TestIngest_AutopayStreak(t *testing.T) {
	engine, store, clk, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Ingest(ctx, clubledger.IngestRequest{
		ExternalID: "tx-1", UserID: "user-1", Amount: 990, Days: 30, Recurring: true,
	})
	require.NoError(t, err)

	clk.AdvanceDays(30)
	_, err = engine.Ingest(ctx, clubledger.IngestRequest{
		ExternalID: "tx-2", UserID: "user-1", Amount: 990, Days: 30, Recurring: true,
	})
	require.NoError(t, err)

	user, err := store.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, user.AutopayStreak)
}

func TestMarkFailed(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	// Unknown transactions are tolerated as no-ops.
	require.NoError(t, engine.MarkFailed(ctx, "tx-unknown"))

	require.NoError(t, store.CreatePayment(ctx, &clubledger.PaymentRecord{
		ExternalID: "tx-1",
		UserID:     "user-1",
		Amount:     990,
		Days:       30,
		Status:     clubledger.PaymentPending,
		CreatedAt:  testBase,
	}))

	require.NoError(t, engine.MarkFailed(ctx, "tx-1"))
	rec, err := store.GetPayment(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, clubledger.PaymentFailed, rec.Status)

	// Cancellation creates no subscription.
	subs, err := store.SubscriptionsByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, subs)

	// Repeated cancellation is a no-op too.
	require.NoError(t, engine.MarkFailed(ctx, "tx-1"))
}

func TestMarkFailed_TerminalRecordUntouched(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	req := clubledger.IngestRequest{ExternalID: "tx-1", UserID: "user-1", Amount: 990, Days: 30}
	_, err := engine.Ingest(ctx, req)
	require.NoError(t, err)

	// A cancellation arriving after fulfilment must not reopen the
	// record: the granted time stays and the id stays terminal.
	require.NoError(t, engine.MarkFailed(ctx, "tx-1"))

	rec, err := store.GetPayment(ctx, "tx-1")
	require.NoError(t, err)
	assert.True(t, rec.Terminal())
	assert.Equal(t, clubledger.PaymentSuccess, rec.Status)

	// An out-of-order replay of the original success notification is
	// still the idempotent no-op, not a second credit.
	res, err := engine.Ingest(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	subs, err := store.SubscriptionsByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, testBase.AddDate(0, 0, 30), subs[0].End, "cancel-then-replay must not extend the window")
}
