package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account types
const (
	AccountTypeFullAccount  = "full_account"
	AccountTypeProfileSlots = "profile_slots"
)

// Delivery modes
const (
	DeliveryModeInstant  = "instant"
	DeliveryModeOnDemand = "on_demand"
)

// Product represents a sellable subscription product. StockAvailable is a
// cache of slot/account availability, recomputed after every allocation and
// release - never authoritative.
type Product struct {
	ID             int64               `db:"id" json:"id"`
	ProviderID     int64               `db:"provider_id" json:"provider_id"`
	AccountType    string              `db:"account_type" json:"account_type"`
	DeliveryMode   string              `db:"delivery_mode" json:"delivery_mode"`
	DurationDays   *int                `db:"duration_days" json:"duration_days,omitempty"`
	Renewable      bool                `db:"renewable" json:"renewable"`
	RenewalPrice   decimal.NullDecimal `db:"renewal_price" json:"renewal_price,omitempty"`
	PriceRenewal   decimal.NullDecimal `db:"price_renewal" json:"price_renewal,omitempty"`
	StockAvailable int                 `db:"stock_available" json:"stock_available"`
	CreatedAt      time.Time           `db:"created_at" json:"created_at"`
}

// InventoryAccount is one shared login loaded by a provider. For profile
// products there is one account row per profile (capacity 1); legacy rows
// embed the profile label in the login as base::slot_<label>::<suffix>.
// Login uniqueness is scoped per product, not global.
type InventoryAccount struct {
	ID            int64     `db:"id" json:"id"`
	ProductID     int64     `db:"product_id" json:"product_id"`
	ProviderID    int64     `db:"provider_id" json:"provider_id"`
	LoginUser     string    `db:"login_user" json:"login_user"`
	LoginPassword string    `db:"login_password" json:"login_password"`
	SlotCapacity  int       `db:"slot_capacity" json:"slot_capacity"`
	IsActive      bool      `db:"is_active" json:"is_active"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// InventorySlot is one assignable sub-identity within an account.
// Status and BuyerID must agree: a non-free status implies a buyer.
type InventorySlot struct {
	ID                 int64     `db:"id" json:"id"`
	InventoryAccountID int64     `db:"inventory_account_id" json:"inventory_account_id"`
	ProductID          int64     `db:"product_id" json:"product_id"`
	ProviderID         int64     `db:"provider_id" json:"provider_id"`
	SlotIndex          int       `db:"slot_index" json:"slot_index"`
	SlotLabel          string    `db:"slot_label" json:"slot_label"`
	ProfilePIN         string    `db:"profile_pin" json:"profile_pin"`
	Status             string    `db:"status" json:"status"`
	BuyerID            *int64    `db:"buyer_id" json:"buyer_id,omitempty"`
	UpdatedAt          time.Time `db:"updated_at" json:"updated_at"`
}

// Occupied reports whether the slot is out of the free pool.
func (s *InventorySlot) Occupied() bool {
	if s.BuyerID != nil && *s.BuyerID != 0 {
		return true
	}
	return OccupiedStatuses[s.Status]
}

// SlotStatusFree marks a slot available for allocation.
const SlotStatusFree = "free"

// SlotStatusOccupied is the status written on allocation.
const SlotStatusOccupied = "occupied"

// OccupiedStatuses carries every spelling older dashboard builds wrote for a
// taken slot; stock counting must treat all of them as out of the free pool.
var OccupiedStatuses = map[string]bool{
	"occupied":  true,
	"ocupado":   true,
	"used":      true,
	"taken":     true,
	"asignado":  true,
	"delivered": true,
	"entregado": true,
}

// Order statuses
const (
	OrderStatusPending    = "pending"
	OrderStatusInProgress = "in_progress"
	OrderStatusPaid       = "paid"
	OrderStatusDelivered  = "delivered"
	OrderStatusCancelled  = "cancelled"
	OrderStatusRejected   = "rejected"
	OrderStatusRefunded   = "refunded"
)

// CredentialSnapshot is the opaque credential bag captured on an order at
// delivery time. It is independent of live inventory rows and is what the
// credential resolver matches against when inventory_slot_id is missing.
type CredentialSnapshot struct {
	Login    string `json:"login,omitempty"`
	Password string `json:"password,omitempty"`
	Profile  string `json:"profile,omitempty"`
	PIN      string `json:"pin,omitempty"`
}

// Order is a buyer's purchase of a product. InventorySlotID is nullable;
// older rows lack it, which is what the credential resolver repairs.
type Order struct {
	ID              int64           `db:"id" json:"id"`
	BuyerID         int64           `db:"buyer_id" json:"buyer_id"`
	ProviderID      int64           `db:"provider_id" json:"provider_id"`
	ProductID       int64           `db:"product_id" json:"product_id"`
	InventorySlotID *int64          `db:"inventory_slot_id" json:"inventory_slot_id,omitempty"`
	Status          string          `db:"status" json:"status"`
	Credentials     []byte          `db:"credentials" json:"credentials,omitempty"`
	DurationDays    int             `db:"duration_days" json:"duration_days"`
	StartsAt        *time.Time      `db:"starts_at" json:"starts_at,omitempty"`
	ExpiresAt       *time.Time      `db:"expires_at" json:"expires_at,omitempty"`
	PricePaid       decimal.Decimal `db:"price_paid" json:"price_paid"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// DaysLeft reports whole days remaining on the order's paid period at now.
// Undelivered or expired orders report zero or negative.
func (o *Order) DaysLeft(now time.Time) int {
	if o.ExpiresAt == nil {
		return 0
	}
	return int(o.ExpiresAt.Sub(now).Hours() / 24)
}

// Profile is the buyer/provider account row holding balances. The provider
// balance column name varies across legacy schemas and is resolved once at
// startup; ProviderBalance is populated from whichever column was found.
type Profile struct {
	ID              int64           `db:"id" json:"id"`
	Balance         decimal.Decimal `db:"balance" json:"balance"`
	ProviderBalance decimal.Decimal `db:"provider_balance" json:"provider_balance"`
}

// Settlement journal steps
const (
	JournalStepDebitBuyer     = "debit_buyer"
	JournalStepCreditProvider = "credit_provider"
	JournalStepExtendOrder    = "extend_order"
)

// SettlementJournalEntry records intent before each irreversible settlement
// step so a crash mid-sequence is recoverable by reading the journal instead
// of re-deriving state.
type SettlementJournalEntry struct {
	ID        string          `db:"id" json:"id"`
	OrderID   int64           `db:"order_id" json:"order_id"`
	Step      string          `db:"step" json:"step"`
	Amount    decimal.Decimal `db:"amount" json:"amount"`
	Done      bool            `db:"done" json:"done"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}
