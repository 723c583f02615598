package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkowalski/marketpay/internal/testutil"
)

func TestPostgresStoreRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	e, err := NewEvent("payout.completed", map[string]string{"id": "pay_1"})
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(ctx, e))

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "payout.completed", got.Topic)
	assert.Equal(t, StatusPending, got.Status)
	assert.JSONEq(t, `{"id": "pay_1"}`, string(got.Payload))
	assert.Nil(t, got.SentAt)

	_, err = store.Get(ctx, "evt_missing")
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestPostgresStoreListDueOrdering(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().UTC()

	older, err := NewEvent("refund.processed", map[string]string{"id": "ref_1"})
	require.NoError(t, err)
	older.CreatedAt = now.Add(-2 * time.Minute)
	older.NextAttemptAt = now.Add(-2 * time.Minute)
	require.NoError(t, store.Enqueue(ctx, older))

	newer, err := NewEvent("refund.processed", map[string]string{"id": "ref_2"})
	require.NoError(t, err)
	newer.CreatedAt = now.Add(-time.Minute)
	newer.NextAttemptAt = now.Add(-time.Minute)
	require.NoError(t, store.Enqueue(ctx, newer))

	future, err := NewEvent("refund.processed", map[string]string{"id": "ref_3"})
	require.NoError(t, err)
	future.NextAttemptAt = now.Add(time.Hour)
	require.NoError(t, store.Enqueue(ctx, future))

	due, err := store.ListDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, older.ID, due[0].ID)
	assert.Equal(t, newer.ID, due[1].ID)
}

func TestPostgresStoreUpdateMarksSent(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	e, err := NewEvent("settlement.generated", map[string]string{"id": "stl_1"})
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(ctx, e))

	sentAt := time.Now().UTC().Truncate(time.Microsecond)
	e.Status = StatusSent
	e.Attempts = 1
	e.SentAt = &sentAt
	require.NoError(t, store.Update(ctx, e))

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.SentAt)
	assert.WithinDuration(t, sentAt, *got.SentAt, time.Second)

	// Sent events are no longer due.
	due, err := store.ListDue(ctx, time.Now().UTC().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	// Updating a missing event reports not found.
	missing := &Event{ID: "evt_missing", Status: StatusSent, NextAttemptAt: time.Now().UTC()}
	assert.ErrorIs(t, store.Update(ctx, missing), ErrEventNotFound)
}
