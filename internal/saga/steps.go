package saga

import (
	"context"
	"fmt"
	"strings"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/reservation"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

func (c *Coordinator) validateUser(ctx context.Context, run *sagaRun) *StepError {
	res, err := c.users.Validate(ctx, run.tc, run.order.UserID)
	if err != nil {
		return &StepError{Reason: "user validation call failed", Retryable: true, Err: err}
	}
	if !res.IsValid {
		return &StepError{Reason: "user is not valid", Retryable: false}
	}
	if !res.IsActive {
		return &StepError{Reason: "user is not active", Retryable: false}
	}
	return nil
}

func (c *Coordinator) reserveInventory(ctx context.Context, run *sagaRun) *StepError {
	items := make([]reservation.ItemRequest, 0, len(run.order.Items))
	for _, line := range run.order.Items {
		items = append(items, reservation.ItemRequest{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
		})
	}

	result, err := c.inventory.Reserve(ctx, run.tc, run.order.ID, items, c.cfg.ReservationTTL)
	if err != nil {
		return &StepError{Reason: "inventory reservation call failed", Retryable: true, Err: err}
	}

	if !result.Success {
		var short []string
		for _, item := range result.Items {
			if !item.Reserved {
				short = append(short, fmt.Sprintf("%s: %s, available=%d",
					item.ProductID, item.Reason, item.AvailableQuantity))
			}
		}
		return &StepError{
			Reason:    "inventory unavailable: " + strings.Join(short, "; "),
			Retryable: true,
		}
	}

	run.sx.SagaData[dataReservationID] = result.ReservationID
	return nil
}

func (c *Coordinator) processPayment(ctx context.Context, run *sagaRun) *StepError {
	// The saga id keys the charge so gateway-side dedup holds across
	// retries of this step.
	result, err := c.payments.Charge(ctx, run.tc, ChargeRequest{
		OrderID:          run.order.ID,
		AmountMinorUnits: run.order.TotalAmount,
		Currency:         run.order.Currency,
		Method:           run.paymentMethod,
		Token:            run.paymentToken,
		IdempotencyKey:   run.sx.ID,
	})
	if err != nil {
		return &StepError{Reason: "payment call failed", Retryable: true, Err: err}
	}

	if !result.Success {
		reason := result.ErrorMessage
		if reason == "" {
			reason = "payment declined"
		}
		return &StepError{Reason: reason, Retryable: true}
	}

	run.sx.SagaData[dataPaymentID] = result.PaymentID
	run.sx.SagaData[dataTransactionID] = result.TransactionID
	return nil
}

func (c *Coordinator) confirmOrder(ctx context.Context, run *sagaRun) *StepError {
	reservationID := run.sx.SagaData[dataReservationID]
	if reservationID != "" {
		if err := c.inventory.Confirm(ctx, run.tc, reservationID); err != nil {
			return &StepError{Reason: "reservation confirm failed", Retryable: true, Err: err}
		}
	}

	run.order.Status = models.OrderStatusConfirmed
	if err := c.orders.SaveOrder(ctx, run.order); err != nil {
		return &StepError{Reason: "order save failed", Retryable: true, Err: err}
	}

	c.publish(ctx, models.EventTypeOrderConfirmed, &models.OrderConfirmedEvent{
		BaseEvent: c.baseEvent(models.EventTypeOrderConfirmed),
		OrderID:   run.order.ID,
		TenantID:  run.order.TenantID,
		UserID:    run.order.UserID,
	})
	return nil
}

// ActionOutcome records how one compensating action went.
type ActionOutcome struct {
	Action string
	OK     bool
	Error  string
}

// CompensationResult is the two-level outcome of a compensation pass:
// the saga-level terminal status plus each compensating action's result.
type CompensationResult struct {
	SagaStatus models.SagaStatus
	Actions    []ActionOutcome
}

// Failed counts the compensating actions that did not land.
func (r *CompensationResult) Failed() int {
	n := 0
	for _, a := range r.Actions {
		if !a.OK {
			n++
		}
	}
	return n
}

// compensate runs compensating actions in reverse from the failing step.
// Best-effort: individual failures are logged and recorded, never retried
// further, and the order is marked Cancelled regardless. User validation
// is read-only and needs no action.
func (c *Coordinator) compensate(ctx context.Context, run *sagaRun, reason string, terminal models.SagaStatus) *CompensationResult {
	ctx, span := util.StartSpan(ctx, "SagaCoordinator.Compensate")
	defer span.End()

	failedStep := run.sx.CurrentStep
	run.sx.Status = models.SagaStatusCompensating
	run.sx.ErrorMessage = reason
	c.saveSaga(ctx, run.sx)

	result := &CompensationResult{SagaStatus: terminal}

	// Refund before release: reverse of the forward order.
	if paymentID := run.sx.SagaData[dataPaymentID]; paymentID != "" {
		outcome := ActionOutcome{Action: "refund_payment", OK: true}
		err := c.payments.Refund(ctx, run.tc, paymentID, run.order.TotalAmount, reason)
		if err != nil {
			outcome.OK = false
			outcome.Error = err.Error()
			util.CompensationActionsFailedTotal.WithLabelValues(outcome.Action).Inc()
			c.logger.Error("Compensation refund failed, needs operational follow-up",
				zap.String("saga_id", run.sx.ID),
				zap.String("payment_id", paymentID),
				zap.Error(err))
		}
		result.Actions = append(result.Actions, outcome)
	}

	if reservationID := run.sx.SagaData[dataReservationID]; reservationID != "" {
		outcome := ActionOutcome{Action: "release_reservation", OK: true}
		err := c.inventory.Release(ctx, run.tc, reservationID, reservation.ReasonCompensation)
		if err != nil {
			outcome.OK = false
			outcome.Error = err.Error()
			util.CompensationActionsFailedTotal.WithLabelValues(outcome.Action).Inc()
			c.logger.Error("Compensation release failed, needs operational follow-up",
				zap.String("saga_id", run.sx.ID),
				zap.String("reservation_id", reservationID),
				zap.Error(err))
		}
		result.Actions = append(result.Actions, outcome)
	}

	run.order.Status = models.OrderStatusCancelled
	if err := c.orders.SaveOrder(ctx, run.order); err != nil {
		c.logger.Error("Failed to cancel order after compensation",
			zap.String("order_id", run.order.ID), zap.Error(err))
	}
	c.publish(ctx, models.EventTypeOrderCancelled, &models.OrderCancelledEvent{
		BaseEvent: c.baseEvent(models.EventTypeOrderCancelled),
		OrderID:   run.order.ID,
		Reason:    reason,
	})

	run.sx.Status = terminal
	c.saveSaga(ctx, run.sx)

	util.SagasCompensatedTotal.WithLabelValues(string(failedStep)).Inc()
	c.publish(ctx, models.EventTypeSagaCompensated, &models.SagaCompensatedEvent{
		BaseEvent:     c.baseEvent(models.EventTypeSagaCompensated),
		SagaID:        run.sx.ID,
		OrderID:       run.order.ID,
		FailedStep:    failedStep,
		Reason:        reason,
		ActionsFailed: result.Failed(),
	})

	c.logger.Info("Saga compensated",
		zap.String("saga_id", run.sx.ID),
		zap.String("order_id", run.order.ID),
		zap.String("failed_step", string(failedStep)),
		zap.Int("actions", len(result.Actions)),
		zap.Int("actions_failed", result.Failed()))

	return result
}
