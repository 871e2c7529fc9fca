package sweeper

import (
	"context"
	"sync"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/saga"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

const (
	lockSagas        = "sweep:sagas"
	lockReservations = "sweep:reservations"
	lockTokens       = "sweep:tokens"
)

// Locker guards a sweep so only one instance runs it at a time.
type Locker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
}

// NoopLocker always grants the lock, for single-instance deployments.
type NoopLocker struct{}

func (NoopLocker) AcquireLock(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (NoopLocker) ReleaseLock(context.Context, string) error                        { return nil }

// SagaLister surfaces sagas past their deadline.
type SagaLister interface {
	ListOverdueSagas(ctx context.Context, now time.Time, limit int) ([]models.SagaExecution, error)
}

// TimeoutHandler compensates timed-out sagas and trims terminal ones.
type TimeoutHandler interface {
	HandleTimeout(ctx context.Context, sx *models.SagaExecution) *saga.CompensationResult
	SweepTerminal(ctx context.Context, retention time.Duration) (int, error)
}

// ReservationExpirer releases stock held past its TTL.
type ReservationExpirer interface {
	ExpireOverdue(ctx context.Context, limit int) (int, error)
}

// TokenPurger discards idempotency tokens past their TTL.
type TokenPurger interface {
	DeleteExpiredTokens(ctx context.Context, now time.Time, limit int) (int, error)
}

// Config sets the fixed cadences and batch sizes of the three sweeps.
type Config struct {
	SagaInterval        time.Duration
	ReservationInterval time.Duration
	TokenInterval       time.Duration
	BatchLimit          int
	TerminalRetention   time.Duration
	LockTTL             time.Duration
}

// Sweeper runs the three background sweeps on fixed tickers: timed-out
// sagas, expired reservations, and expired idempotency tokens.
type Sweeper struct {
	sagas   SagaLister
	handler TimeoutHandler
	engine  ReservationExpirer
	tokens  TokenPurger
	locker  Locker
	cfg     Config
	logger  *zap.Logger
}

func NewSweeper(sagas SagaLister, handler TimeoutHandler, engine ReservationExpirer, tokens TokenPurger, locker Locker, cfg Config) *Sweeper {
	if cfg.SagaInterval <= 0 {
		cfg.SagaInterval = 30 * time.Second
	}
	if cfg.ReservationInterval <= 0 {
		cfg.ReservationInterval = 15 * time.Second
	}
	if cfg.TokenInterval <= 0 {
		cfg.TokenInterval = time.Minute
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}
	if cfg.TerminalRetention <= 0 {
		cfg.TerminalRetention = 24 * time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Second
	}
	if locker == nil {
		locker = NoopLocker{}
	}
	return &Sweeper{
		sagas:   sagas,
		handler: handler,
		engine:  engine,
		tokens:  tokens,
		locker:  locker,
		cfg:     cfg,
		logger:  util.GetLogger(),
	}
}

// Run blocks until the context is cancelled, driving all three sweeps.
func (s *Sweeper) Run(ctx context.Context) {
	var wg sync.WaitGroup
	loops := []struct {
		interval time.Duration
		sweep    func(context.Context)
	}{
		{s.cfg.SagaInterval, s.sweepSagas},
		{s.cfg.ReservationInterval, s.sweepReservations},
		{s.cfg.TokenInterval, s.sweepTokens},
	}

	for _, loop := range loops {
		wg.Add(1)
		go func(interval time.Duration, sweep func(context.Context)) {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					sweep(ctx)
				}
			}
		}(loop.interval, loop.sweep)
	}

	wg.Wait()
}

// sweepSagas compensates overdue sagas and trims terminal ones past the
// retention window.
func (s *Sweeper) sweepSagas(ctx context.Context) {
	if !s.lock(ctx, lockSagas) {
		return
	}
	defer s.unlock(ctx, lockSagas)

	util.SweepRunsTotal.WithLabelValues("sagas").Inc()

	overdue, err := s.sagas.ListOverdueSagas(ctx, time.Now(), s.cfg.BatchLimit)
	if err != nil {
		s.logger.Error("Failed to list overdue sagas", zap.Error(err))
		return
	}

	for i := range overdue {
		sx := overdue[i]
		result := s.handler.HandleTimeout(ctx, &sx)
		if result != nil && result.Failed() > 0 {
			s.logger.Warn("Compensation left residue for timed-out saga",
				zap.String("saga_id", sx.ID),
				zap.Int("failed_actions", result.Failed()))
		}
		util.SweepItemsTotal.WithLabelValues("sagas").Inc()
	}

	trimmed, err := s.handler.SweepTerminal(ctx, s.cfg.TerminalRetention)
	if err != nil {
		s.logger.Error("Failed to trim terminal sagas", zap.Error(err))
		return
	}
	if len(overdue) > 0 || trimmed > 0 {
		s.logger.Info("Saga sweep finished",
			zap.Int("timed_out", len(overdue)), zap.Int("trimmed", trimmed))
	}
}

func (s *Sweeper) sweepReservations(ctx context.Context) {
	if !s.lock(ctx, lockReservations) {
		return
	}
	defer s.unlock(ctx, lockReservations)

	util.SweepRunsTotal.WithLabelValues("reservations").Inc()

	expired, err := s.engine.ExpireOverdue(ctx, s.cfg.BatchLimit)
	if err != nil {
		s.logger.Error("Reservation expiry sweep failed", zap.Error(err))
		return
	}
	if expired > 0 {
		util.SweepItemsTotal.WithLabelValues("reservations").Add(float64(expired))
		s.logger.Info("Reservation sweep finished", zap.Int("expired", expired))
	}
}

func (s *Sweeper) sweepTokens(ctx context.Context) {
	if !s.lock(ctx, lockTokens) {
		return
	}
	defer s.unlock(ctx, lockTokens)

	util.SweepRunsTotal.WithLabelValues("tokens").Inc()

	purged, err := s.tokens.DeleteExpiredTokens(ctx, time.Now(), s.cfg.BatchLimit)
	if err != nil {
		s.logger.Error("Token purge sweep failed", zap.Error(err))
		return
	}
	if purged > 0 {
		util.SweepItemsTotal.WithLabelValues("tokens").Add(float64(purged))
		s.logger.Info("Token sweep finished", zap.Int("purged", purged))
	}
}

func (s *Sweeper) lock(ctx context.Context, key string) bool {
	ok, err := s.locker.AcquireLock(ctx, key, s.cfg.LockTTL)
	if err != nil {
		s.logger.Warn("Sweep lock acquisition failed", zap.String("lock", key), zap.Error(err))
		return false
	}
	return ok
}

func (s *Sweeper) unlock(ctx context.Context, key string) {
	if err := s.locker.ReleaseLock(ctx, key); err != nil {
		s.logger.Warn("Sweep lock release failed", zap.String("lock", key), zap.Error(err))
	}
}
