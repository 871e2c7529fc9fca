package worker

import (
	"context"
	"sync"

	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// IntakeProcessor runs one admitted processing request to completion.
type IntakeProcessor interface {
	ProcessIntake(ctx context.Context, req *service.ProcessOrderRequest) error
}

// IntakeConsumer feeds intake messages to a handler and commits each
// offset only after the handler returns nil.
type IntakeConsumer interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
}

// Pool drains the order-processing intake topic with a fixed set of
// consumers in one group, so partitions are split across them. Each
// message is processed to completion before its offset is committed; a
// crash mid-saga redelivers the request and the idempotency guard absorbs
// the duplicate. Messages are keyed by order id, so a given order stays on
// one consumer; the in-flight set catches the overlap a group rebalance
// can produce.
type Pool struct {
	consumers []IntakeConsumer
	processor IntakeProcessor
	logger    *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewPool creates an intake pool over the given consumers.
func NewPool(consumers []IntakeConsumer, processor IntakeProcessor) *Pool {
	return &Pool{
		consumers: consumers,
		processor: processor,
		inflight:  make(map[string]struct{}),
		logger:    util.GetLogger(),
	}
}

// Run consumes until the context is cancelled and every consumer loop has
// returned.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(p.consumers))

	for _, c := range p.consumers {
		wg.Add(1)
		go func(c IntakeConsumer) {
			defer wg.Done()
			errs <- c.StartConsuming(ctx, p.handleMessage)
		}(c)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil && err != context.Canceled {
			return err
		}
	}
	return ctx.Err()
}

func (p *Pool) handleMessage(ctx context.Context, msg kafka.Message) error {
	req, err := broker.DecodeProcessingRequest(msg)
	if err != nil {
		// Malformed message: log and commit rather than poison the partition.
		p.logger.Error("Dropping undecodable intake message",
			zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}

	if !p.acquire(req.OrderID) {
		p.logger.Info("Order already in flight, dropping duplicate delivery",
			zap.String("order_id", req.OrderID))
		return nil
	}
	defer p.release(req.OrderID)

	job := &service.ProcessOrderRequest{
		OrderID:          req.OrderID,
		PaymentMethod:    req.PaymentMethod,
		PaymentToken:     req.PaymentToken,
		IdempotencyToken: req.IdempotencyToken,
	}

	// Run the request to completion before returning; the consumer only
	// commits the offset on a nil result, so a failure here leaves the
	// message for redelivery.
	if err := p.processor.ProcessIntake(ctx, job); err != nil {
		p.logger.Error("Intake processing failed",
			zap.String("order_id", req.OrderID), zap.Error(err))
		return err
	}
	return nil
}

func (p *Pool) acquire(orderID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[orderID]; busy {
		return false
	}
	p.inflight[orderID] = struct{}{}
	return true
}

func (p *Pool) release(orderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, orderID)
}
