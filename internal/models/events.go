package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeStockChanged          = "STOCK_CHANGED"
	EventTypeSlotAllocated         = "SLOT_ALLOCATED"
	EventTypeSlotReleased          = "SLOT_RELEASED"
	EventTypeOrderRenewed          = "ORDER_RENEWED"
	EventTypeOrderRejected         = "ORDER_REJECTED"
	EventTypeSettlementCompensated = "SETTLEMENT_COMPENSATED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// StockChangedEvent published after the synchronizer rewrites a product's
// cached stock. Consumers treat it as a re-sync trigger only.
type StockChangedEvent struct {
	BaseEvent
	ProductID int64 `json:"product_id"`
	Stock     int   `json:"stock"`
}

// SlotAllocatedEvent published when a slot or account is bound to a buyer
type SlotAllocatedEvent struct {
	BaseEvent
	ProductID int64 `json:"product_id"`
	SlotID    int64 `json:"slot_id,omitempty"`
	AccountID int64 `json:"account_id,omitempty"`
	BuyerID   int64 `json:"buyer_id"`
	OrderID   int64 `json:"order_id"`
}

// SlotReleasedEvent published when an assignment is reversed
type SlotReleasedEvent struct {
	BaseEvent
	ProductID int64 `json:"product_id"`
	SlotID    int64 `json:"slot_id,omitempty"`
	AccountID int64 `json:"account_id,omitempty"`
}

// OrderRenewedEvent published after a successful settlement
type OrderRenewedEvent struct {
	BaseEvent
	OrderID   int64           `json:"order_id"`
	BuyerID   int64           `json:"buyer_id"`
	Amount    decimal.Decimal `json:"amount"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// OrderRejectedEvent published when an on-demand order is rejected and refunded
type OrderRejectedEvent struct {
	BaseEvent
	OrderID  int64           `json:"order_id"`
	BuyerID  int64           `json:"buyer_id"`
	Refunded decimal.Decimal `json:"refunded"`
}

// SettlementCompensatedEvent published when a settlement rolled back after a
// partial failure. Reason carries the original step error.
type SettlementCompensatedEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	Reason  string `json:"reason"`
}
