package registry

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aifx-io/aifx/internal/db"
	"github.com/aifx-io/aifx/internal/market"
)

type identityKey struct {
	kind     db.SubscriberKind
	identity string
}

type fakeRegistryStore struct {
	subscribers   map[uuid.UUID]*db.Subscriber
	byIdentity    map[identityKey]uuid.UUID
	subscriptions map[uuid.UUID][]db.Subscription
	created       int
}

func newFakeRegistryStore() *fakeRegistryStore {
	return &fakeRegistryStore{
		subscribers:   make(map[uuid.UUID]*db.Subscriber),
		byIdentity:    make(map[identityKey]uuid.UUID),
		subscriptions: make(map[uuid.UUID][]db.Subscription),
	}
}

func (f *fakeRegistryStore) GetSubscriber(ctx context.Context, id uuid.UUID) (*db.Subscriber, error) {
	return f.subscribers[id], nil
}

func (f *fakeRegistryStore) GetSubscriberByIdentity(ctx context.Context, kind db.SubscriberKind, identity string) (*db.Subscriber, error) {
	id, ok := f.byIdentity[identityKey{kind, identity}]
	if !ok {
		return nil, nil
	}
	return f.subscribers[id], nil
}

func (f *fakeRegistryStore) CreateSubscriber(ctx context.Context, sub *db.Subscriber) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	f.subscribers[sub.ID] = sub
	f.byIdentity[identityKey{sub.Kind, sub.PlatformIdentity}] = sub.ID
	f.created++
	return nil
}

func (f *fakeRegistryStore) UpdateSubscriberPreferences(ctx context.Context, id uuid.UUID, prefs db.Preferences) error {
	f.subscribers[id].Preferences = prefs
	return nil
}

func (f *fakeRegistryStore) UpsertSubscription(ctx context.Context, sub *db.Subscription) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	existing := f.subscriptions[sub.SubscriberID]
	for i := range existing {
		if existing[i].Instrument == sub.Instrument {
			existing[i].Filter = sub.Filter
			return nil
		}
	}
	f.subscriptions[sub.SubscriberID] = append(existing, *sub)
	return nil
}

func (f *fakeRegistryStore) DeleteSubscription(ctx context.Context, subscriberID uuid.UUID, inst market.Instrument) (int64, error) {
	existing := f.subscriptions[subscriberID]
	var kept []db.Subscription
	var removed int64
	for _, sub := range existing {
		if sub.Instrument == inst {
			removed++
			continue
		}
		kept = append(kept, sub)
	}
	f.subscriptions[subscriberID] = kept
	return removed, nil
}

func (f *fakeRegistryStore) DeleteAllSubscriptions(ctx context.Context, subscriberID uuid.UUID) (int64, error) {
	removed := int64(len(f.subscriptions[subscriberID]))
	delete(f.subscriptions, subscriberID)
	return removed, nil
}

func (f *fakeRegistryStore) ListSubscriptions(ctx context.Context, subscriberID uuid.UUID) ([]db.Subscription, error) {
	return f.subscriptions[subscriberID], nil
}

func TestProvisionIsIdempotent(t *testing.T) {
	store := newFakeRegistryStore()
	r := New(store)
	ctx := context.Background()

	first, err := r.Provision(ctx, db.SubscriberChatDM, "12345")
	require.NoError(t, err)
	assert.Equal(t, db.DefaultPreferences(), first.Preferences)

	second, err := r.Provision(ctx, db.SubscriberChatDM, "12345")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, store.created)

	// Same identity under a different kind is a different subscriber.
	other, err := r.Provision(ctx, db.SubscriberChatChannel, "12345")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestSubscribeValidates(t *testing.T) {
	r := New(newFakeRegistryStore())
	ctx := context.Background()
	subscriberID := uuid.New()

	inst, err := market.NewInstrument("EUR/USD", market.Timeframe1Hour)
	require.NoError(t, err)

	sub, err := r.Subscribe(ctx, subscriberID, inst, db.SubscriptionFilter{})
	require.NoError(t, err)
	assert.Equal(t, subscriberID, sub.SubscriberID)

	_, err = r.Subscribe(ctx, subscriberID, market.Instrument{Pair: "BAD", Timeframe: market.Timeframe1Hour}, db.SubscriptionFilter{})
	assert.Error(t, err)

	_, err = r.Subscribe(ctx, subscriberID, market.Instrument{Pair: "EUR/USD", Timeframe: "3h"}, db.SubscriptionFilter{})
	assert.Error(t, err)
}

func TestUnsubscribe(t *testing.T) {
	store := newFakeRegistryStore()
	r := New(store)
	ctx := context.Background()
	subscriberID := uuid.New()

	eurusd, _ := market.NewInstrument("EUR/USD", market.Timeframe1Hour)
	gbpusd, _ := market.NewInstrument("GBP/USD", market.Timeframe1Hour)

	_, err := r.Subscribe(ctx, subscriberID, eurusd, db.SubscriptionFilter{})
	require.NoError(t, err)
	_, err = r.Subscribe(ctx, subscriberID, gbpusd, db.SubscriptionFilter{})
	require.NoError(t, err)

	removed, err := r.Unsubscribe(ctx, subscriberID, &eurusd)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	subs, err := r.List(ctx, subscriberID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, gbpusd, subs[0].Instrument)

	// nil instrument removes everything.
	removed, err = r.Unsubscribe(ctx, subscriberID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestUpdatePreferences(t *testing.T) {
	store := newFakeRegistryStore()
	r := New(store)
	ctx := context.Background()

	sub, err := r.Provision(ctx, db.SubscriberChatDM, "777")
	require.NoError(t, err)

	minConf := 0.75
	strong := true
	dailyCap := 10
	prefs, err := r.UpdatePreferences(ctx, sub.ID, PreferenceUpdate{
		MinConfidence: &minConf,
		StrongOnly:    &strong,
		DailyCap:      &dailyCap,
		QuietHours:    &db.QuietHours{Start: "22:00", End: "07:00", Timezone: "UTC"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0.75, prefs.MinConfidence)
	assert.True(t, prefs.StrongOnly)
	assert.Equal(t, 10, prefs.DailyCap)
	require.NotNil(t, prefs.QuietHours)

	// Untouched fields survive.
	assert.Equal(t, "balanced", prefs.RiskLevel)

	prefs, err = r.UpdatePreferences(ctx, sub.ID, PreferenceUpdate{ClearQuiet: true})
	require.NoError(t, err)
	assert.Nil(t, prefs.QuietHours)
}

func TestUpdatePreferencesRangeChecks(t *testing.T) {
	r := New(newFakeRegistryStore())
	ctx := context.Background()

	sub, err := r.Provision(ctx, db.SubscriberChatDM, "888")
	require.NoError(t, err)

	bad := 1.5
	_, err = r.UpdatePreferences(ctx, sub.ID, PreferenceUpdate{MinConfidence: &bad})
	assert.Error(t, err)

	zero := 0
	_, err = r.UpdatePreferences(ctx, sub.ID, PreferenceUpdate{DailyCap: &zero})
	assert.Error(t, err)

	_, err = r.UpdatePreferences(ctx, uuid.New(), PreferenceUpdate{})
	assert.Error(t, err)
}
