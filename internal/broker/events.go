package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"fulfillment-service/internal/models"

	"github.com/segmentio/kafka-go"
)

// EventPublisher is the event sink: it publishes lifecycle events
// fire-and-forget; at-least-once delivery is assumed downstream.
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// Publish sends an event keyed by its order id so events of one order stay
// ordered on their partition.
func (ep *EventPublisher) Publish(ctx context.Context, eventType string, payload interface{}) error {
	key := eventType
	switch e := payload.(type) {
	case *models.SagaStartedEvent:
		key = fmt.Sprintf("order-%s", e.OrderID)
	case *models.SagaStepCompletedEvent:
		key = fmt.Sprintf("order-%s", e.OrderID)
	case *models.SagaCompletedEvent:
		key = fmt.Sprintf("order-%s", e.OrderID)
	case *models.SagaCompensatedEvent:
		key = fmt.Sprintf("order-%s", e.OrderID)
	case *models.SagaFailedEvent:
		key = fmt.Sprintf("order-%s", e.OrderID)
	case *models.OrderConfirmedEvent:
		key = fmt.Sprintf("order-%s", e.OrderID)
	case *models.OrderCancelledEvent:
		key = fmt.Sprintf("order-%s", e.OrderID)
	case *models.ReservationReleasedEvent:
		key = fmt.Sprintf("order-%s", e.OrderID)
	}
	return ep.producer.PublishMessage(ctx, key, payload)
}

// DecodeProcessingRequest parses an order-processing intake message
func DecodeProcessingRequest(msg kafka.Message) (*models.OrderProcessingRequest, error) {
	var req models.OrderProcessingRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal processing request: %w", err)
	}
	if req.OrderID == "" {
		return nil, fmt.Errorf("processing request missing order_id")
	}
	return &req, nil
}
