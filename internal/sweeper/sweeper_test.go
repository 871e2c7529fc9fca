package sweeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/saga"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSagas struct {
	overdue []models.SagaExecution
}

func (f *fakeSagas) ListOverdueSagas(ctx context.Context, now time.Time, limit int) ([]models.SagaExecution, error) {
	if len(f.overdue) > limit {
		return f.overdue[:limit], nil
	}
	return f.overdue, nil
}

type fakeHandler struct {
	mu       sync.Mutex
	handled  []string
	trimmed  int
	failures int
}

func (f *fakeHandler) HandleTimeout(ctx context.Context, sx *models.SagaExecution) *saga.CompensationResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handled = append(f.handled, sx.ID)
	result := &saga.CompensationResult{SagaStatus: models.SagaStatusFailed}
	if f.failures > 0 {
		f.failures--
		result.Actions = append(result.Actions, saga.ActionOutcome{Action: "refund_payment", OK: false})
	}
	return result
}

func (f *fakeHandler) SweepTerminal(ctx context.Context, retention time.Duration) (int, error) {
	return f.trimmed, nil
}

type fakeExpirer struct {
	expired int
	calls   int
}

func (f *fakeExpirer) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	f.calls++
	return f.expired, nil
}

type fakePurger struct {
	purged int
	calls  int
}

func (f *fakePurger) DeleteExpiredTokens(ctx context.Context, now time.Time, limit int) (int, error) {
	f.calls++
	return f.purged, nil
}

type deniedLocker struct {
	denied map[string]bool
	held   []string
}

func (l *deniedLocker) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if l.denied[key] {
		return false, nil
	}
	l.held = append(l.held, key)
	return true, nil
}

func (l *deniedLocker) ReleaseLock(ctx context.Context, key string) error {
	for i, k := range l.held {
		if k == key {
			l.held = append(l.held[:i], l.held[i+1:]...)
			break
		}
	}
	return nil
}

func TestSweepSagasHandlesOverdue(t *testing.T) {
	sagas := &fakeSagas{overdue: []models.SagaExecution{
		{ID: "saga-1", Status: models.SagaStatusInProgress},
		{ID: "saga-2", Status: models.SagaStatusInProgress},
	}}
	handler := &fakeHandler{trimmed: 3}

	s := NewSweeper(sagas, handler, &fakeExpirer{}, &fakePurger{}, nil, Config{BatchLimit: 10})
	s.sweepSagas(context.Background())

	assert.Equal(t, []string{"saga-1", "saga-2"}, handler.handled)
}

func TestSweepSagasContinuesPastCompensationResidue(t *testing.T) {
	sagas := &fakeSagas{overdue: []models.SagaExecution{
		{ID: "saga-1", Status: models.SagaStatusInProgress},
		{ID: "saga-2", Status: models.SagaStatusInProgress},
	}}
	handler := &fakeHandler{failures: 1}

	s := NewSweeper(sagas, handler, &fakeExpirer{}, &fakePurger{}, nil, Config{BatchLimit: 10})
	s.sweepSagas(context.Background())

	// The first compensation leaves a failed action; the sweep still
	// processes the remaining sagas.
	assert.Equal(t, []string{"saga-1", "saga-2"}, handler.handled)
}

func TestSweepSagasRespectsBatchLimit(t *testing.T) {
	var overdue []models.SagaExecution
	for i := 0; i < 5; i++ {
		overdue = append(overdue, models.SagaExecution{ID: string(rune('a' + i))})
	}
	handler := &fakeHandler{}

	s := NewSweeper(&fakeSagas{overdue: overdue}, handler, &fakeExpirer{}, &fakePurger{}, nil, Config{BatchLimit: 3})
	s.sweepSagas(context.Background())

	assert.Len(t, handler.handled, 3)
}

func TestSweepReservationsAndTokens(t *testing.T) {
	expirer := &fakeExpirer{expired: 4}
	purger := &fakePurger{purged: 7}

	s := NewSweeper(&fakeSagas{}, &fakeHandler{}, expirer, purger, nil, Config{})
	s.sweepReservations(context.Background())
	s.sweepTokens(context.Background())

	assert.Equal(t, 1, expirer.calls)
	assert.Equal(t, 1, purger.calls)
}

func TestSweepSkipsWhenLockHeldElsewhere(t *testing.T) {
	handler := &fakeHandler{}
	expirer := &fakeExpirer{}
	locker := &deniedLocker{denied: map[string]bool{lockSagas: true}}

	s := NewSweeper(&fakeSagas{overdue: []models.SagaExecution{{ID: "saga-1"}}},
		handler, expirer, &fakePurger{}, locker, Config{})

	s.sweepSagas(context.Background())
	assert.Empty(t, handler.handled)

	// Other sweeps hold their own locks and still run.
	s.sweepReservations(context.Background())
	assert.Equal(t, 1, expirer.calls)
	assert.Empty(t, locker.held, "locks must be released after the sweep")
}

func TestRunStopsOnCancel(t *testing.T) {
	purger := &fakePurger{}
	s := NewSweeper(&fakeSagas{}, &fakeHandler{}, &fakeExpirer{}, purger, nil, Config{
		SagaInterval:        5 * time.Millisecond,
		ReservationInterval: 5 * time.Millisecond,
		TokenInterval:       5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
	require.GreaterOrEqual(t, purger.calls, 1)
}
