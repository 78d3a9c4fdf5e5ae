package service

import (
	"context"

	"fulfillment-service/internal/models"
)

// Publisher is the change-notification channel the engines emit into. It is
// consumed downstream only to trigger re-synchronization, never to mutate
// state, so every publish failure is logged and swallowed.
type Publisher interface {
	PublishStockChanged(ctx context.Context, event *models.StockChangedEvent) error
	PublishSlotAllocated(ctx context.Context, event *models.SlotAllocatedEvent) error
	PublishSlotReleased(ctx context.Context, event *models.SlotReleasedEvent) error
	PublishOrderRenewed(ctx context.Context, event *models.OrderRenewedEvent) error
	PublishOrderRejected(ctx context.Context, event *models.OrderRejectedEvent) error
	PublishSettlementCompensated(ctx context.Context, event *models.SettlementCompensatedEvent) error
}
