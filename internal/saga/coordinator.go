package saga

import (
	"context"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Saga data keys
const (
	dataReservationID = "reservation_id"
	dataPaymentID     = "payment_id"
	dataTransactionID = "transaction_id"
)

// StepError is a step-local failure converted into a structured reason
// before the retry-vs-compensate decision.
type StepError struct {
	Reason    string
	Retryable bool
	Err       error
}

func (e *StepError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *StepError) Unwrap() error { return e.Err }

// Config tunes retry, backoff, and deadlines.
type Config struct {
	MaxRetries     int
	RetryInterval  time.Duration
	StepTimeout    time.Duration
	SagaTimeout    time.Duration
	ReservationTTL time.Duration
}

// Coordinator drives the ordered step sequence for one order at a time per
// saga, many sagas concurrently on the worker pool.
type Coordinator struct {
	orders    OrderStore
	sagas     SagaStore
	users     UserValidator
	inventory InventoryClient
	payments  PaymentGateway
	events    EventSink
	cfg       Config
	logger    *zap.Logger
	handlers  map[models.SagaStep]stepHandler
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewCoordinator creates a saga coordinator.
func NewCoordinator(
	orders OrderStore,
	sagas SagaStore,
	users UserValidator,
	inventory InventoryClient,
	payments PaymentGateway,
	events EventSink,
	cfg Config,
) *Coordinator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 10 * time.Second
	}
	if cfg.SagaTimeout <= 0 {
		cfg.SagaTimeout = 5 * time.Minute
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 5 * time.Minute
	}

	c := &Coordinator{
		orders:    orders,
		sagas:     sagas,
		users:     users,
		inventory: inventory,
		payments:  payments,
		events:    events,
		cfg:       cfg,
		logger:    util.GetLogger(),
		sleep:     sleepCtx,
	}

	// Step dispatch is a transition table, forward-only, no skipping.
	c.handlers = map[models.SagaStep]stepHandler{
		models.StepUserValidation:       c.validateUser,
		models.StepInventoryReservation: c.reserveInventory,
		models.StepPaymentProcessing:    c.processPayment,
		models.StepOrderConfirmation:    c.confirmOrder,
	}

	return c
}

var nextStep = map[models.SagaStep]models.SagaStep{
	models.StepUserValidation:       models.StepInventoryReservation,
	models.StepInventoryReservation: models.StepPaymentProcessing,
	models.StepPaymentProcessing:    models.StepOrderConfirmation,
	models.StepOrderConfirmation:    models.StepCompleted,
}

type stepHandler func(ctx context.Context, run *sagaRun) *StepError

// sagaRun carries the state of one execution across steps.
type sagaRun struct {
	sx            *models.SagaExecution
	order         *models.Order
	tc            TenantContext
	paymentMethod string
	paymentToken  string
}

// ProcessOrder runs the fulfillment saga for an order to a terminal state.
// It blocks the calling worker; callers dispatch it from the async pool.
// The boolean reports whether the order completed; a step failure that was
// compensated is not an error.
func (c *Coordinator) ProcessOrder(ctx context.Context, orderID, paymentMethod, paymentToken string) (bool, error) {
	ctx, span := util.StartSpan(ctx, "SagaCoordinator.ProcessOrder")
	defer span.End()

	order, err := c.orders.LoadOrder(ctx, orderID)
	if err != nil {
		return false, fmt.Errorf("failed to load order: %w", err)
	}

	now := time.Now()
	run := &sagaRun{
		sx: &models.SagaExecution{
			ID:            uuid.New().String(),
			OrderID:       order.ID,
			TenantID:      order.TenantID,
			Status:        models.SagaStatusStarted,
			CurrentStep:   models.StepUserValidation,
			SagaData:      models.StringMap{},
			StartedAt:     now,
			LastUpdatedAt: now,
			TimeoutAt:     now.Add(c.cfg.SagaTimeout),
		},
		order:         order,
		tc:            TenantContext{TenantID: order.TenantID, UserID: order.UserID},
		paymentMethod: paymentMethod,
		paymentToken:  paymentToken,
	}

	if err := c.sagas.CreateSaga(ctx, run.sx); err != nil {
		return false, fmt.Errorf("failed to persist saga: %w", err)
	}

	util.SagasStartedTotal.Inc()
	defer func() {
		util.SagaDuration.Observe(time.Since(now).Seconds())
	}()

	c.publish(ctx, models.EventTypeSagaStarted, &models.SagaStartedEvent{
		BaseEvent: c.baseEvent(models.EventTypeSagaStarted),
		SagaID:    run.sx.ID,
		OrderID:   order.ID,
		TenantID:  order.TenantID,
	})

	order.Status = models.OrderStatusProcessing
	if err := c.orders.SaveOrder(ctx, order); err != nil {
		c.logger.Error("Failed to mark order processing", zap.Error(err))
	}

	run.sx.Status = models.SagaStatusInProgress
	c.saveSaga(ctx, run.sx)

	for run.sx.CurrentStep != models.StepCompleted {
		handler, ok := c.handlers[run.sx.CurrentStep]
		if !ok {
			return false, fmt.Errorf("no handler for step %s", run.sx.CurrentStep)
		}

		stepErr := c.runStep(ctx, handler, run)
		if stepErr == nil {
			c.publish(ctx, models.EventTypeSagaStepCompleted, &models.SagaStepCompletedEvent{
				BaseEvent: c.baseEvent(models.EventTypeSagaStepCompleted),
				SagaID:    run.sx.ID,
				OrderID:   order.ID,
				Step:      run.sx.CurrentStep,
			})
			run.sx.CurrentStep = nextStep[run.sx.CurrentStep]
			run.sx.RetryCount = 0
			c.saveSaga(ctx, run.sx)
			continue
		}

		if stepErr.Retryable && run.sx.RetryCount < c.cfg.MaxRetries {
			run.sx.RetryCount++
			run.sx.ErrorMessage = stepErr.Reason
			c.saveSaga(ctx, run.sx)

			util.SagaStepRetriesTotal.WithLabelValues(string(run.sx.CurrentStep)).Inc()
			c.logger.Warn("Saga step failed, retrying",
				zap.String("saga_id", run.sx.ID),
				zap.String("step", string(run.sx.CurrentStep)),
				zap.Int("retry", run.sx.RetryCount),
				zap.Error(stepErr))

			backoff := c.cfg.RetryInterval * time.Duration(run.sx.RetryCount)
			if err := c.sleep(ctx, backoff); err != nil {
				c.compensate(ctx, run, stepErr.Reason, models.SagaStatusCompensated)
				return false, nil
			}
			continue
		}

		c.logger.Warn("Saga step failed, compensating",
			zap.String("saga_id", run.sx.ID),
			zap.String("step", string(run.sx.CurrentStep)),
			zap.Error(stepErr))
		c.compensate(ctx, run, stepErr.Reason, models.SagaStatusCompensated)
		return false, nil
	}

	run.sx.Status = models.SagaStatusCompleted
	run.sx.ErrorMessage = ""
	c.saveSaga(ctx, run.sx)

	util.SagasCompletedTotal.Inc()
	c.publish(ctx, models.EventTypeSagaCompleted, &models.SagaCompletedEvent{
		BaseEvent: c.baseEvent(models.EventTypeSagaCompleted),
		SagaID:    run.sx.ID,
		OrderID:   order.ID,
		PaymentID: run.sx.SagaData[dataPaymentID],
	})

	c.logger.Info("Saga completed",
		zap.String("saga_id", run.sx.ID),
		zap.String("order_id", order.ID))
	return true, nil
}

// runStep executes one step attempt under the bounded per-call deadline.
func (c *Coordinator) runStep(ctx context.Context, handler stepHandler, run *sagaRun) *StepError {
	stepCtx, cancel := context.WithTimeout(ctx, c.cfg.StepTimeout)
	defer cancel()
	return handler(stepCtx, run)
}

// HandleTimeout fails an overdue saga detected by the sweep and attempts
// compensation once. The in-flight remote call, if any, is left to its own
// deadline.
func (c *Coordinator) HandleTimeout(ctx context.Context, sx *models.SagaExecution) *CompensationResult {
	ctx, span := util.StartSpan(ctx, "SagaCoordinator.HandleTimeout")
	defer span.End()

	order, err := c.orders.LoadOrder(ctx, sx.OrderID)
	if err != nil {
		c.logger.Error("Failed to load order for timed-out saga",
			zap.String("saga_id", sx.ID), zap.Error(err))
		return nil
	}

	run := &sagaRun{
		sx:    sx,
		order: order,
		tc:    TenantContext{TenantID: order.TenantID, UserID: order.UserID},
	}

	util.SagasTimedOutTotal.Inc()
	c.logger.Warn("Saga timed out, compensating",
		zap.String("saga_id", sx.ID),
		zap.String("order_id", sx.OrderID),
		zap.String("step", string(sx.CurrentStep)))

	result := c.compensate(ctx, run, "saga timed out", models.SagaStatusFailed)

	c.publish(ctx, models.EventTypeSagaFailed, &models.SagaFailedEvent{
		BaseEvent: c.baseEvent(models.EventTypeSagaFailed),
		SagaID:    sx.ID,
		OrderID:   sx.OrderID,
		Reason:    "saga timed out",
	})
	return result
}

// SweepTerminal discards terminal sagas kept past the retention window.
func (c *Coordinator) SweepTerminal(ctx context.Context, retention time.Duration) (int, error) {
	return c.sagas.DeleteTerminalSagasBefore(ctx, time.Now().Add(-retention))
}

func (c *Coordinator) saveSaga(ctx context.Context, sx *models.SagaExecution) {
	sx.LastUpdatedAt = time.Now()
	if err := c.sagas.UpdateSaga(ctx, sx); err != nil {
		c.logger.Error("Failed to persist saga state",
			zap.String("saga_id", sx.ID), zap.Error(err))
	}
}

func (c *Coordinator) baseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}

func (c *Coordinator) publish(ctx context.Context, eventType string, payload interface{}) {
	if c.events == nil {
		return
	}
	if err := c.events.Publish(ctx, eventType, payload); err != nil {
		c.logger.Error("Failed to publish event",
			zap.String("event_type", eventType), zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
