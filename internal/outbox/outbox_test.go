package outbox

import (
	"context"
	"crypto/hmac"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []*Event
	errs []error // consumed in order; nil entries succeed
}

func (f *fakeSender) Send(ctx context.Context, e *Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, e)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func enqueue(t *testing.T, store Store, topic string) *Event {
	t.Helper()
	e, err := NewEvent(topic, map[string]string{"hello": "world"})
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(context.Background(), e))
	return e
}

func TestDispatchDueSends(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sender := &fakeSender{}
	d := NewDispatcher(store, sender, time.Second, 3, discard())

	e := enqueue(t, store, "payout.completed")
	require.NoError(t, d.DispatchDue(ctx))

	assert.Len(t, sender.sent, 1)
	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.SentAt)

	// Sent events are not redelivered.
	require.NoError(t, d.DispatchDue(ctx))
	assert.Len(t, sender.sent, 1)
}

func TestDispatchRetriesWithBackoff(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sender := &fakeSender{errs: []error{errors.New("endpoint down")}}
	d := NewDispatcher(store, sender, time.Second, 3, discard())

	e := enqueue(t, store, "refund.processed")
	require.NoError(t, d.DispatchDue(ctx))

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "endpoint down", got.LastError)
	assert.True(t, got.NextAttemptAt.After(time.Now().UTC()))

	// Not due yet, so nothing goes out.
	require.NoError(t, d.DispatchDue(ctx))
	assert.Len(t, sender.sent, 1)

	// Force the retry due and let it succeed.
	got.NextAttemptAt = time.Now().UTC().Add(-time.Second)
	require.NoError(t, store.Update(ctx, got))
	require.NoError(t, d.DispatchDue(ctx))

	got, err = store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.Status)
	assert.Empty(t, got.LastError)
}

func TestDispatchFailsAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sender := &fakeSender{errs: []error{errors.New("down"), errors.New("down")}}
	d := NewDispatcher(store, sender, time.Second, 2, discard())

	e := enqueue(t, store, "settlement.generated")
	for i := 0; i < 2; i++ {
		got, err := store.Get(ctx, e.ID)
		require.NoError(t, err)
		got.NextAttemptAt = time.Now().UTC().Add(-time.Second)
		require.NoError(t, store.Update(ctx, got))
		require.NoError(t, d.DispatchDue(ctx))
	}

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 2, got.Attempts)

	// Failed events stay dead.
	require.NoError(t, d.DispatchDue(ctx))
	assert.Len(t, sender.sent, 2)
}

func TestWebhookSenderSignsRequests(t *testing.T) {
	var (
		gotTopic     string
		gotDelivery  string
		gotSignature string
		gotTimestamp string
		gotBody      []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTopic = r.Header.Get("X-Marketpay-Event")
		gotDelivery = r.Header.Get("X-Marketpay-Delivery")
		gotSignature = r.Header.Get("X-Marketpay-Signature")
		gotTimestamp = r.Header.Get("X-Marketpay-Timestamp")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	e, err := NewEvent("payout.failed", map[string]string{"payoutId": "pay_1"})
	require.NoError(t, err)

	sender := NewWebhookSender(server.URL, "whsec_test")
	require.NoError(t, sender.Send(context.Background(), e))

	assert.Equal(t, "payout.failed", gotTopic)
	assert.Equal(t, e.ID, gotDelivery)
	assert.JSONEq(t, `{"payoutId":"pay_1"}`, string(gotBody))

	expected := Sign("whsec_test", gotTimestamp, gotBody)
	assert.True(t, hmac.Equal([]byte(expected), []byte(gotSignature)))
}

func TestWebhookSenderRejectsNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	e, err := NewEvent("refund.failed", map[string]string{"refundId": "ref_1"})
	require.NoError(t, err)

	sender := NewWebhookSender(server.URL, "whsec_test")
	assert.Error(t, sender.Send(context.Background(), e))
}
