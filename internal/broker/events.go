package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"fulfillment-service/internal/models"

	"github.com/segmentio/kafka-go"
)

// EventPublisher handles publishing inventory and settlement change events.
// Downstream consumers use them only as re-synchronization triggers.
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishStockChanged publishes StockChanged event
func (ep *EventPublisher) PublishStockChanged(ctx context.Context, event *models.StockChangedEvent) error {
	key := fmt.Sprintf("product-%d", event.ProductID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishSlotAllocated publishes SlotAllocated event
func (ep *EventPublisher) PublishSlotAllocated(ctx context.Context, event *models.SlotAllocatedEvent) error {
	key := fmt.Sprintf("product-%d", event.ProductID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishSlotReleased publishes SlotReleased event
func (ep *EventPublisher) PublishSlotReleased(ctx context.Context, event *models.SlotReleasedEvent) error {
	key := fmt.Sprintf("product-%d", event.ProductID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishOrderRenewed publishes OrderRenewed event
func (ep *EventPublisher) PublishOrderRenewed(ctx context.Context, event *models.OrderRenewedEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishOrderRejected publishes OrderRejected event
func (ep *EventPublisher) PublishOrderRejected(ctx context.Context, event *models.OrderRejectedEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishSettlementCompensated publishes SettlementCompensated event
func (ep *EventPublisher) PublishSettlementCompensated(ctx context.Context, event *models.SettlementCompensatedEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// EventHandler routes incoming change notifications. Handlers must be
// re-sync triggers only, never state mutations.
type EventHandler struct {
	onStockAffecting func(ctx context.Context, productID int64) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnStockAffecting registers a handler invoked with the product id of every
// event that can change availability.
func (eh *EventHandler) OnStockAffecting(handler func(ctx context.Context, productID int64) error) {
	eh.onStockAffecting = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	switch baseEvent.EventType {
	case models.EventTypeSlotAllocated:
		if eh.onStockAffecting != nil {
			var event models.SlotAllocatedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal SlotAllocated event: %w", err)
			}
			return eh.onStockAffecting(ctx, event.ProductID)
		}

	case models.EventTypeSlotReleased:
		if eh.onStockAffecting != nil {
			var event models.SlotReleasedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal SlotReleased event: %w", err)
			}
			return eh.onStockAffecting(ctx, event.ProductID)
		}

	default:
		log.Printf("Unhandled event type: %s", baseEvent.EventType)
	}

	return nil
}
