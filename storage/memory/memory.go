// Package memory provides an in-memory implementation of the
// clubledger.Storage interface, primarily for testing and development.
//
// Transactions are modeled with state snapshots: WithinTx copies the
// whole store before running the callback and restores the copy on
// error. A nested WithinTx snapshots again, which gives the same
// isolation a savepoint gives in a relational store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/clubledger/clubledger/pkg/clubledger"
)

type state struct {
	payments  map[string]*clubledger.PaymentRecord
	users     map[string]*clubledger.User
	subs      map[int64]*clubledger.Subscription
	events    []clubledger.LoyaltyEvent
	nextSubID int64
}

func newState() *state {
	return &state{
		payments:  make(map[string]*clubledger.PaymentRecord),
		users:     make(map[string]*clubledger.User),
		subs:      make(map[int64]*clubledger.Subscription),
		nextSubID: 1,
	}
}

// Storage implements clubledger.Storage using in-memory maps.
type Storage struct {
	mu sync.Mutex
	st *state
}

// New creates a new in-memory storage adapter.
func New() *Storage {
	return &Storage{st: newState()}
}

// Clear removes all data (useful for testing).
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st = newState()
}

// GetPayment implements clubledger.Storage.
func (s *Storage) GetPayment(ctx context.Context, externalID string) (*clubledger.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getPayment(externalID)
}

// CreatePayment implements clubledger.Storage.
func (s *Storage) CreatePayment(ctx context.Context, rec *clubledger.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.createPayment(rec)
}

// UpdatePayment implements clubledger.Storage.
func (s *Storage) UpdatePayment(ctx context.Context, rec *clubledger.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.updatePayment(rec)
}

// GetUser implements clubledger.Storage.
func (s *Storage) GetUser(ctx context.Context, userID string) (*clubledger.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getUser(userID)
}

// SaveUser implements clubledger.Storage.
func (s *Storage) SaveUser(ctx context.Context, user *clubledger.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.saveUser(user)
}

// ListUserIDs implements clubledger.Storage.
func (s *Storage) ListUserIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.listUserIDs()
}

// ActiveSubscription implements clubledger.Storage.
func (s *Storage) ActiveSubscription(ctx context.Context, userID string, now time.Time) (*clubledger.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.activeSubscription(userID, now)
}

// SubscriptionsByUser implements clubledger.Storage.
func (s *Storage) SubscriptionsByUser(ctx context.Context, userID string) ([]clubledger.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.subscriptionsByUser(userID)
}

// CreateSubscription implements clubledger.Storage.
func (s *Storage) CreateSubscription(ctx context.Context, sub *clubledger.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.createSubscription(sub)
}

// UpdateSubscription implements clubledger.Storage.
func (s *Storage) UpdateSubscription(ctx context.Context, sub *clubledger.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.updateSubscription(sub)
}

// AppendEvent implements clubledger.Storage.
func (s *Storage) AppendEvent(ctx context.Context, ev *clubledger.LoyaltyEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.appendEvent(ev)
}

// HasEvent implements clubledger.Storage.
func (s *Storage) HasEvent(ctx context.Context, userID string, kind clubledger.EventKind, tier clubledger.Tier) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.hasEvent(userID, kind, tier)
}

// Events returns a copy of the event log (useful for testing).
func (s *Storage) Events() []clubledger.LoyaltyEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]clubledger.LoyaltyEvent, len(s.st.events))
	copy(out, s.st.events)
	return out
}

// WithinTx implements clubledger.Storage. The store is locked for the
// duration of the callback, so the transactional view needs no further
// locking.
func (s *Storage) WithinTx(ctx context.Context, fn func(ctx context.Context, tx clubledger.Storage) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return runWithSnapshot(ctx, s.st, fn)
}

func runWithSnapshot(ctx context.Context, st *state, fn func(ctx context.Context, tx clubledger.Storage) error) error {
	snap := st.clone()
	if err := fn(ctx, &txView{st: st}); err != nil {
		*st = *snap
		return err
	}
	return nil
}

// txView is the transactional view handed to WithinTx callbacks.
type txView struct {
	st *state
}

func (t *txView) GetPayment(ctx context.Context, externalID string) (*clubledger.PaymentRecord, error) {
	return t.st.getPayment(externalID)
}

func (t *txView) CreatePayment(ctx context.Context, rec *clubledger.PaymentRecord) error {
	return t.st.createPayment(rec)
}

func (t *txView) UpdatePayment(ctx context.Context, rec *clubledger.PaymentRecord) error {
	return t.st.updatePayment(rec)
}

func (t *txView) GetUser(ctx context.Context, userID string) (*clubledger.User, error) {
	return t.st.getUser(userID)
}

func (t *txView) SaveUser(ctx context.Context, user *clubledger.User) error {
	return t.st.saveUser(user)
}

func (t *txView) ListUserIDs(ctx context.Context) ([]string, error) {
	return t.st.listUserIDs()
}

func (t *txView) ActiveSubscription(ctx context.Context, userID string, now time.Time) (*clubledger.Subscription, error) {
	return t.st.activeSubscription(userID, now)
}

func (t *txView) SubscriptionsByUser(ctx context.Context, userID string) ([]clubledger.Subscription, error) {
	return t.st.subscriptionsByUser(userID)
}

func (t *txView) CreateSubscription(ctx context.Context, sub *clubledger.Subscription) error {
	return t.st.createSubscription(sub)
}

func (t *txView) UpdateSubscription(ctx context.Context, sub *clubledger.Subscription) error {
	return t.st.updateSubscription(sub)
}

func (t *txView) AppendEvent(ctx context.Context, ev *clubledger.LoyaltyEvent) error {
	return t.st.appendEvent(ev)
}

func (t *txView) HasEvent(ctx context.Context, userID string, kind clubledger.EventKind, tier clubledger.Tier) (bool, error) {
	return t.st.hasEvent(userID, kind, tier)
}

// WithinTx on the view is a savepoint: an inner rollback restores only
// the inner snapshot.
func (t *txView) WithinTx(ctx context.Context, fn func(ctx context.Context, tx clubledger.Storage) error) error {
	return runWithSnapshot(ctx, t.st, fn)
}

// state operations

func (st *state) getPayment(externalID string) (*clubledger.PaymentRecord, error) {
	rec, ok := st.payments[externalID]
	if !ok {
		return nil, clubledger.ErrPaymentNotFound
	}
	recCopy := copyPayment(rec)
	return recCopy, nil
}

func (st *state) createPayment(rec *clubledger.PaymentRecord) error {
	if rec == nil || rec.ExternalID == "" {
		return fmt.Errorf("invalid payment record")
	}
	if _, exists := st.payments[rec.ExternalID]; exists {
		return fmt.Errorf("duplicate external transaction id %q", rec.ExternalID)
	}
	st.payments[rec.ExternalID] = copyPayment(rec)
	return nil
}

func (st *state) updatePayment(rec *clubledger.PaymentRecord) error {
	if rec == nil || rec.ExternalID == "" {
		return fmt.Errorf("invalid payment record")
	}
	if _, exists := st.payments[rec.ExternalID]; !exists {
		return clubledger.ErrPaymentNotFound
	}
	st.payments[rec.ExternalID] = copyPayment(rec)
	return nil
}

func (st *state) getUser(userID string) (*clubledger.User, error) {
	user, ok := st.users[userID]
	if !ok {
		return nil, clubledger.ErrUserNotFound
	}
	userCopy := copyUser(user)
	return userCopy, nil
}

func (st *state) saveUser(user *clubledger.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}
	st.users[user.ID] = copyUser(user)
	return nil
}

func (st *state) listUserIDs() ([]string, error) {
	ids := make([]string, 0, len(st.users))
	for id := range st.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (st *state) activeSubscription(userID string, now time.Time) (*clubledger.Subscription, error) {
	var best *clubledger.Subscription
	for _, sub := range st.subs {
		if sub.UserID != userID || !sub.ActiveAt(now) {
			continue
		}
		if best == nil || sub.End.After(best.End) {
			best = sub
		}
	}
	if best == nil {
		return nil, nil
	}
	bestCopy := *best
	return &bestCopy, nil
}

func (st *state) subscriptionsByUser(userID string) ([]clubledger.Subscription, error) {
	ids := make([]int64, 0)
	for id, sub := range st.subs {
		if sub.UserID == userID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]clubledger.Subscription, 0, len(ids))
	for _, id := range ids {
		out = append(out, *st.subs[id])
	}
	return out, nil
}

func (st *state) createSubscription(sub *clubledger.Subscription) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}
	sub.ID = st.nextSubID
	st.nextSubID++
	subCopy := *sub
	st.subs[sub.ID] = &subCopy
	return nil
}

func (st *state) updateSubscription(sub *clubledger.Subscription) error {
	if sub == nil {
		return fmt.Errorf("invalid subscription")
	}
	if _, exists := st.subs[sub.ID]; !exists {
		return clubledger.ErrSubscriptionNotFound
	}
	subCopy := *sub
	st.subs[sub.ID] = &subCopy
	return nil
}

func (st *state) appendEvent(ev *clubledger.LoyaltyEvent) error {
	if ev == nil || ev.UserID == "" {
		return fmt.Errorf("invalid loyalty event")
	}
	evCopy := *ev
	if ev.Payload != nil {
		evCopy.Payload = make(map[string]string, len(ev.Payload))
		for k, v := range ev.Payload {
			evCopy.Payload[k] = v
		}
	}
	st.events = append(st.events, evCopy)
	return nil
}

func (st *state) hasEvent(userID string, kind clubledger.EventKind, tier clubledger.Tier) (bool, error) {
	for i := range st.events {
		ev := &st.events[i]
		if ev.UserID == userID && ev.Kind == kind && ev.Tier == tier {
			return true, nil
		}
	}
	return false, nil
}

func (st *state) clone() *state {
	cp := &state{
		payments:  make(map[string]*clubledger.PaymentRecord, len(st.payments)),
		users:     make(map[string]*clubledger.User, len(st.users)),
		subs:      make(map[int64]*clubledger.Subscription, len(st.subs)),
		events:    make([]clubledger.LoyaltyEvent, len(st.events)),
		nextSubID: st.nextSubID,
	}
	for k, v := range st.payments {
		cp.payments[k] = copyPayment(v)
	}
	for k, v := range st.users {
		cp.users[k] = copyUser(v)
	}
	for k, v := range st.subs {
		subCopy := *v
		cp.subs[k] = &subCopy
	}
	copy(cp.events, st.events)
	return cp
}

func copyPayment(rec *clubledger.PaymentRecord) *clubledger.PaymentRecord {
	cp := *rec
	if rec.SubscriptionID != nil {
		id := *rec.SubscriptionID
		cp.SubscriptionID = &id
	}
	return &cp
}

func copyUser(user *clubledger.User) *clubledger.User {
	cp := *user
	if user.FirstPaymentAt != nil {
		t := *user.FirstPaymentAt
		cp.FirstPaymentAt = &t
	}
	return &cp
}
