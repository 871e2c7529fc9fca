package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"fulfillment-service/internal/idempotency"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/saga"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// RejectedError is returned when the idempotency guard refuses a request
// before any saga is started.
type RejectedError struct {
	Reason  idempotency.RejectReason
	OrderID string // original order for replayed content
}

func (e *RejectedError) Error() string {
	if e.OrderID != "" {
		return fmt.Sprintf("request rejected: %s (original order %s)", e.Reason, e.OrderID)
	}
	return fmt.Sprintf("request rejected: %s", e.Reason)
}

// SagaRunner drives one order saga to a terminal state.
type SagaRunner interface {
	ProcessOrder(ctx context.Context, orderID, paymentMethod, paymentToken string) (bool, error)
}

// Config selects the failure-reconciliation policy per call site.
type Config struct {
	HTTPFailurePolicy   idempotency.FailurePolicy
	IntakeFailurePolicy idempotency.FailurePolicy
}

// ProcessOrderRequest asks for an order to be fulfilled.
type ProcessOrderRequest struct {
	OrderID          string `json:"order_id"`
	PaymentMethod    string `json:"payment_method" binding:"required"`
	PaymentToken     string `json:"payment_token" binding:"required"`
	IdempotencyToken string `json:"idempotency_token,omitempty"`
}

// ProcessOrderResponse reports the admission outcome and, once the saga is
// terminal, the final order status.
type ProcessOrderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Cached  bool   `json:"cached,omitempty"`
}

// OrderService is the guarded front door for order processing.
type OrderService struct {
	orders   saga.OrderStore
	guard    *idempotency.Guard
	runner   SagaRunner
	cfg      Config
	logger   *zap.Logger
	dispatch func(fn func())
}

// NewOrderService creates the order front door
func NewOrderService(orders saga.OrderStore, guard *idempotency.Guard, runner SagaRunner, cfg Config) *OrderService {
	if cfg.HTTPFailurePolicy == "" {
		cfg.HTTPFailurePolicy = idempotency.PolicyRetainFailed
	}
	if cfg.IntakeFailurePolicy == "" {
		cfg.IntakeFailurePolicy = idempotency.PolicyReleaseToken
	}
	return &OrderService{
		orders:   orders,
		guard:    guard,
		runner:   runner,
		cfg:      cfg,
		logger:   util.GetLogger(),
		dispatch: func(fn func()) { go fn() },
	}
}

// Submit admits a processing request and launches the saga asynchronously.
// Idempotency and validation failures answer synchronously; compensation is
// reflected later in order status.
func (s *OrderService) Submit(ctx context.Context, req *ProcessOrderRequest) (*ProcessOrderResponse, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Submit")
	defer span.End()

	resp, tenantID, proceed, err := s.admit(ctx, req)
	if err != nil || !proceed {
		return resp, err
	}

	s.dispatch(func() {
		s.run(req, tenantID, s.cfg.HTTPFailurePolicy)
	})

	return resp, nil
}

// ProcessIntake handles one intake message on the calling worker, running
// the saga to completion before the message is committed.
func (s *OrderService) ProcessIntake(ctx context.Context, req *ProcessOrderRequest) error {
	ctx, span := util.StartSpan(ctx, "OrderService.ProcessIntake")
	defer span.End()

	_, tenantID, proceed, err := s.admit(ctx, req)
	if err != nil {
		var rejected *RejectedError
		if errors.As(err, &rejected) {
			// Redelivered or replayed message: drop it, do not re-execute.
			s.logger.Info("Intake request rejected by idempotency guard",
				zap.String("order_id", req.OrderID),
				zap.String("reason", string(rejected.Reason)))
			return nil
		}
		return err
	}
	if !proceed {
		return nil
	}

	s.run(req, tenantID, s.cfg.IntakeFailurePolicy)
	return nil
}

// admit checks the order and the idempotency guard. proceed is true when
// the saga should run; otherwise resp carries the synchronous answer. The
// order's tenant is returned so reconciliation can address the token even
// when the order cannot be reloaded later.
func (s *OrderService) admit(ctx context.Context, req *ProcessOrderRequest) (*ProcessOrderResponse, string, bool, error) {
	order, err := s.orders.LoadOrder(ctx, req.OrderID)
	if err != nil {
		return nil, "", false, fmt.Errorf("failed to load order: %w", err)
	}

	// A re-request for an order already past Pending never restarts the saga.
	if order.Status != models.OrderStatusPending {
		return &ProcessOrderResponse{OrderID: order.ID, Status: order.Status}, order.TenantID, false, nil
	}

	fingerprint := idempotency.Fingerprint(
		order.ID,
		order.UserID,
		req.PaymentMethod,
		fmt.Sprintf("%d", order.TotalAmount),
		order.Currency,
	)

	decision, err := s.guard.Admit(ctx, order.TenantID, req.IdempotencyToken, order.UserID, fingerprint)
	if err != nil {
		return nil, "", false, fmt.Errorf("idempotency admit failed: %w", err)
	}

	switch decision.Outcome {
	case idempotency.OutcomeCachedResponse:
		resp := &ProcessOrderResponse{OrderID: order.ID, Status: order.Status}
		if decision.Response != "" {
			if err := json.Unmarshal([]byte(decision.Response), resp); err != nil {
				s.logger.Warn("Failed to decode cached response",
					zap.String("token", decision.Token), zap.Error(err))
			}
		}
		resp.Cached = true
		return resp, order.TenantID, false, nil

	case idempotency.OutcomeReject:
		return nil, "", false, &RejectedError{Reason: decision.Reason, OrderID: decision.OrderID}

	default:
		return &ProcessOrderResponse{OrderID: order.ID, Status: models.OrderStatusProcessing}, order.TenantID, true, nil
	}
}

// run executes the saga and reconciles the idempotency token with the
// terminal outcome. Detached from the request context: the saga outlives
// the HTTP exchange.
func (s *OrderService) run(req *ProcessOrderRequest, tenantID string, policy idempotency.FailurePolicy) {
	ctx := context.Background()

	ok, err := s.runner.ProcessOrder(ctx, req.OrderID, req.PaymentMethod, req.PaymentToken)
	if err != nil {
		s.logger.Error("Saga execution error",
			zap.String("order_id", req.OrderID), zap.Error(err))
	}

	order, loadErr := s.orders.LoadOrder(ctx, req.OrderID)
	if loadErr != nil {
		s.logger.Error("Failed to reload order after saga",
			zap.String("order_id", req.OrderID), zap.Error(loadErr))
	}

	if ok && order != nil {
		raw, _ := json.Marshal(&ProcessOrderResponse{OrderID: order.ID, Status: order.Status})
		if cerr := s.guard.Complete(ctx, tenantID, req.IdempotencyToken, order.ID, string(raw)); cerr != nil {
			s.logger.Error("Failed to complete idempotency token", zap.Error(cerr))
		}
		return
	}

	if ferr := s.guard.Fail(ctx, tenantID, req.IdempotencyToken, policy); ferr != nil {
		s.logger.Error("Failed to reconcile idempotency token", zap.Error(ferr))
	}
}
