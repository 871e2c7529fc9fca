package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTenant = "tenant-a"
	testUser   = "user-1"
)

type stubLimiter struct {
	allow bool
	err   error
	calls int
}

func (s *stubLimiter) Allow(ctx context.Context, tenantID, userID string) (bool, error) {
	s.calls++
	return s.allow, s.err
}

func newTestGuard(mem *store.Memory, limiter RateLimiter) *Guard {
	return NewGuard(mem, limiter, Config{TokenTTL: time.Hour})
}

func TestAdmitWithoutTokenProceeds(t *testing.T) {
	guard := newTestGuard(store.NewMemory(), nil)

	d, err := guard.Admit(context.Background(), testTenant, "", testUser, Fingerprint("x"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProceed, d.Outcome)
}

func TestAdmitFreshTokenProceeds(t *testing.T) {
	mem := store.NewMemory()
	guard := newTestGuard(mem, nil)

	d, err := guard.Admit(context.Background(), testTenant, "tok-1", testUser, Fingerprint("x"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProceed, d.Outcome)

	// The Processing record landed and is bound to the fingerprint.
	rec, err := mem.GetToken(context.Background(), testTenant, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, models.TokenStatusProcessing, rec.Status)
	assert.Equal(t, Fingerprint("x"), rec.RequestHash)
}

func TestAdmitDuplicateInFlight(t *testing.T) {
	guard := newTestGuard(store.NewMemory(), nil)
	fp := Fingerprint("x")

	_, err := guard.Admit(context.Background(), testTenant, "tok-1", testUser, fp)
	require.NoError(t, err)

	d, err := guard.Admit(context.Background(), testTenant, "tok-1", testUser, fp)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReject, d.Outcome)
	assert.Equal(t, RejectDuplicateInFlight, d.Reason)
}

func TestAdmitPayloadMismatch(t *testing.T) {
	guard := newTestGuard(store.NewMemory(), nil)

	_, err := guard.Admit(context.Background(), testTenant, "tok-1", testUser, Fingerprint("x"))
	require.NoError(t, err)

	d, err := guard.Admit(context.Background(), testTenant, "tok-1", testUser, Fingerprint("y"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReject, d.Outcome)
	assert.Equal(t, RejectPayloadMismatch, d.Reason)
}

func TestAdmitReturnsCachedResponse(t *testing.T) {
	mem := store.NewMemory()
	guard := newTestGuard(mem, nil)
	fp := Fingerprint("x")

	_, err := guard.Admit(context.Background(), testTenant, "tok-1", testUser, fp)
	require.NoError(t, err)
	require.NoError(t, guard.Complete(context.Background(), testTenant, "tok-1", "order-9", `{"order_id":"order-9","status":"CONFIRMED"}`))

	// Every further admit with the same token and payload replays the
	// recorded response byte for byte.
	for i := 0; i < 3; i++ {
		d, err := guard.Admit(context.Background(), testTenant, "tok-1", testUser, fp)
		require.NoError(t, err)
		assert.Equal(t, OutcomeCachedResponse, d.Outcome)
		assert.Equal(t, `{"order_id":"order-9","status":"CONFIRMED"}`, d.Response)
		assert.Equal(t, "order-9", d.OrderID)
	}
}

func TestAdmitExpiredToken(t *testing.T) {
	mem := store.NewMemory()
	guard := newTestGuard(mem, nil)
	fp := Fingerprint("x")

	_, err := guard.Admit(context.Background(), testTenant, "tok-1", testUser, fp)
	require.NoError(t, err)

	guard.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	d, err := guard.Admit(context.Background(), testTenant, "tok-1", testUser, fp)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReject, d.Outcome)
	assert.Equal(t, RejectExpired, d.Reason)
}

func TestAdmitRateLimited(t *testing.T) {
	mem := store.NewMemory()
	limiter := &stubLimiter{allow: false}
	guard := newTestGuard(mem, limiter)

	d, err := guard.Admit(context.Background(), testTenant, "tok-1", testUser, Fingerprint("x"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReject, d.Outcome)
	assert.Equal(t, RejectRateLimited, d.Reason)

	// The provisional record is dropped so an admitted retry with the same
	// token is not mistaken for a duplicate.
	_, err = mem.GetToken(context.Background(), testTenant, "tok-1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	limiter.allow = true
	d, err = guard.Admit(context.Background(), testTenant, "tok-1", testUser, Fingerprint("x"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProceed, d.Outcome)
}

func TestAdmitFailsOpenWhenLimiterDown(t *testing.T) {
	limiter := &stubLimiter{err: errors.New("redis unreachable")}
	guard := newTestGuard(store.NewMemory(), limiter)

	d, err := guard.Admit(context.Background(), testTenant, "tok-1", testUser, Fingerprint("x"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProceed, d.Outcome)
	assert.Equal(t, 1, limiter.calls)
}

func TestAdmitRejectsReplayedContentUnderNewToken(t *testing.T) {
	mem := store.NewMemory()
	guard := newTestGuard(mem, nil)
	fp := Fingerprint("order-9", "card")

	_, err := guard.Admit(context.Background(), testTenant, "tok-1", testUser, fp)
	require.NoError(t, err)
	require.NoError(t, guard.Complete(context.Background(), testTenant, "tok-1", "order-9", `{}`))

	d, err := guard.Admit(context.Background(), testTenant, "tok-2", testUser, fp)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReject, d.Outcome)
	assert.Equal(t, RejectReplayedContent, d.Reason)
	assert.Equal(t, "order-9", d.OrderID)

	// The new token was dropped, not left dangling in Processing.
	_, err = mem.GetToken(context.Background(), testTenant, "tok-2")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestConcurrentAdmitsSingleWinner(t *testing.T) {
	guard := newTestGuard(store.NewMemory(), nil)
	fp := Fingerprint("x")

	var wg sync.WaitGroup
	outcomes := make(chan Outcome, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := guard.Admit(context.Background(), testTenant, "tok-1", testUser, fp)
			if err == nil {
				outcomes <- d.Outcome
			}
		}()
	}
	wg.Wait()
	close(outcomes)

	proceeded := 0
	for outcome := range outcomes {
		if outcome == OutcomeProceed {
			proceeded++
		} else {
			assert.Equal(t, OutcomeReject, outcome)
		}
	}
	assert.Equal(t, 1, proceeded)
}

func TestFailReleaseTokenAllowsRetry(t *testing.T) {
	mem := store.NewMemory()
	guard := newTestGuard(mem, nil)
	fp := Fingerprint("x")

	_, err := guard.Admit(context.Background(), testTenant, "tok-1", testUser, fp)
	require.NoError(t, err)
	require.NoError(t, guard.Fail(context.Background(), testTenant, "tok-1", PolicyReleaseToken))

	d, err := guard.Admit(context.Background(), testTenant, "tok-1", testUser, fp)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProceed, d.Outcome)
}

func TestFailRetainFailedBlocksRetry(t *testing.T) {
	mem := store.NewMemory()
	guard := newTestGuard(mem, nil)
	fp := Fingerprint("x")

	_, err := guard.Admit(context.Background(), testTenant, "tok-1", testUser, fp)
	require.NoError(t, err)
	require.NoError(t, guard.Fail(context.Background(), testTenant, "tok-1", PolicyRetainFailed))

	d, err := guard.Admit(context.Background(), testTenant, "tok-1", testUser, fp)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReject, d.Outcome)
	assert.Equal(t, RejectPriorFailure, d.Reason)

	// A fresh token for the same content proceeds: only Completed twins
	// trigger the content replay rejection.
	d, err = guard.Admit(context.Background(), testTenant, "tok-2", testUser, fp)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProceed, d.Outcome)
}

func TestFingerprintStability(t *testing.T) {
	assert.Equal(t, Fingerprint("a", "b"), Fingerprint("a", "b"))
	assert.NotEqual(t, Fingerprint("a", "b"), Fingerprint("ab"))
	assert.NotEqual(t, Fingerprint("a", "b"), Fingerprint("b", "a"))
}
