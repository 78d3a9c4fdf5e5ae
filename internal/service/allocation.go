package service

import (
	"context"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AllocationStore is the slice of the store the allocation engine uses.
type AllocationStore interface {
	GetProductByID(ctx context.Context, id int64) (*models.Product, error)
	ClaimFreeSlot(ctx context.Context, productID, buyerID int64) (*models.InventorySlot, error)
	ClaimActiveAccount(ctx context.Context, productID int64) (*models.InventoryAccount, error)
	GetAccountByID(ctx context.Context, id int64) (*models.InventoryAccount, error)
	GetSlotByID(ctx context.Context, id int64) (*models.InventorySlot, error)
	GetSlotByAccountID(ctx context.Context, accountID int64) (*models.InventorySlot, error)
	OccupySlot(ctx context.Context, slotID, buyerID int64) error
	FreeSlot(ctx context.Context, slotID int64) error
	SetAccountActive(ctx context.Context, accountID int64, active bool) error
	GetOrderBySlotID(ctx context.Context, slotID int64) (*models.Order, error)
}

// SlotBinding is what an allocation hands back: the inventory reference to
// store on the order plus the credentials to snapshot.
type SlotBinding struct {
	SlotID        *int64
	AccountID     int64
	LoginUser     string
	LoginPassword string
	SlotLabel     string
	ProfilePIN    string
}

// Snapshot renders the binding as the opaque credential snapshot stored on
// the order at delivery time.
func (b *SlotBinding) Snapshot() models.CredentialSnapshot {
	return models.CredentialSnapshot{
		Login:    b.LoginUser,
		Password: b.LoginPassword,
		Profile:  b.SlotLabel,
		PIN:      b.ProfilePIN,
	}
}

// StockCounter is the advisory cached-stock fast path. Claims and restocks
// keep the advertised counter moving between full syncs; the database claim
// remains the authoritative check either way.
type StockCounter interface {
	ClaimCachedStock(ctx context.Context, productID int64) (bool, error)
	RestockCached(ctx context.Context, productID int64) error
}

// AllocationEngine assigns free slots/accounts to buyers on delivery and
// reverses assignments on release.
type AllocationEngine struct {
	store  AllocationStore
	stock  *StockSynchronizer
	cache  StockCounter
	events Publisher
	logger *zap.Logger
	now    func() time.Time
}

// NewAllocationEngine creates a new allocation engine. cache and events may
// be nil.
func NewAllocationEngine(store AllocationStore, stock *StockSynchronizer, cache StockCounter, events Publisher) *AllocationEngine {
	return &AllocationEngine{
		store:  store,
		stock:  stock,
		cache:  cache,
		events: events,
		logger: util.GetLogger(),
		now:    time.Now,
	}
}

// Allocate binds one free slot (profile products) or one active account
// (full-account products) to the order's buyer. The advertised stock is
// re-read first; callers must not rely on it alone, the claim itself is the
// authoritative check. Returns ErrNoStockAvailable when nothing is claimable.
func (ae *AllocationEngine) Allocate(ctx context.Context, order *models.Order, product *models.Product) (*SlotBinding, error) {
	ctx, span := util.StartSpan(ctx, "AllocationEngine.Allocate")
	defer span.End()

	// Re-read the synchronizer's last computed value before claiming.
	fresh, err := ae.store.GetProductByID(ctx, product.ID)
	if err != nil {
		return nil, err
	}
	if fresh.StockAvailable <= 0 {
		util.AllocationsFailedTotal.WithLabelValues("no_stock").Inc()
		return nil, models.ErrNoStockAvailable
	}

	var binding *SlotBinding
	switch product.AccountType {
	case models.AccountTypeProfileSlots:
		binding, err = ae.allocateSlot(ctx, order, product)
	default:
		binding, err = ae.allocateAccount(ctx, order, product)
	}
	if err != nil {
		if err == models.ErrNoStockAvailable {
			util.AllocationsFailedTotal.WithLabelValues("no_stock").Inc()
		} else {
			util.AllocationsFailedTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	if ae.cache != nil {
		if _, err := ae.cache.ClaimCachedStock(ctx, product.ID); err != nil {
			ae.logger.Debug("Cached stock claim skipped",
				zap.Int64("product_id", product.ID),
				zap.Error(err))
		}
	}

	util.AllocationsTotal.WithLabelValues(product.AccountType).Inc()
	ae.logger.Info("Inventory allocated",
		zap.Int64("order_id", order.ID),
		zap.Int64("buyer_id", order.BuyerID),
		zap.Int64("account_id", binding.AccountID))

	ae.publishAllocated(ctx, order, product, binding)
	ae.resync(ctx, product.ID)
	return binding, nil
}

func (ae *AllocationEngine) allocateSlot(ctx context.Context, order *models.Order, product *models.Product) (*SlotBinding, error) {
	slot, err := ae.store.ClaimFreeSlot(ctx, product.ID, order.BuyerID)
	if err != nil {
		return nil, err
	}

	account, err := ae.store.GetAccountByID(ctx, slot.InventoryAccountID)
	if err != nil {
		return nil, fmt.Errorf("claimed slot %d has no account: %w", slot.ID, err)
	}

	return &SlotBinding{
		SlotID:        &slot.ID,
		AccountID:     account.ID,
		LoginUser:     account.LoginUser,
		LoginPassword: account.LoginPassword,
		SlotLabel:     slot.SlotLabel,
		ProfilePIN:    slot.ProfilePIN,
	}, nil
}

func (ae *AllocationEngine) allocateAccount(ctx context.Context, order *models.Order, product *models.Product) (*SlotBinding, error) {
	account, err := ae.store.ClaimActiveAccount(ctx, product.ID)
	if err != nil {
		return nil, err
	}

	binding := &SlotBinding{
		AccountID:     account.ID,
		LoginUser:     account.LoginUser,
		LoginPassword: account.LoginPassword,
	}

	// Legacy full-account rows may carry a slot; keep it in agreement.
	slot, err := ae.store.GetSlotByAccountID(ctx, account.ID)
	if err != nil {
		ae.logger.Warn("Failed to look up account slot",
			zap.Int64("account_id", account.ID),
			zap.Error(err))
		return binding, nil
	}
	if slot != nil {
		if err := ae.store.OccupySlot(ctx, slot.ID, order.BuyerID); err != nil {
			ae.logger.Warn("Failed to occupy account slot",
				zap.Int64("slot_id", slot.ID),
				zap.Error(err))
			return binding, nil
		}
		binding.SlotID = &slot.ID
		binding.SlotLabel = slot.SlotLabel
		binding.ProfilePIN = slot.ProfilePIN
	}
	return binding, nil
}

// orderHoldsSlot reports whether a bound order still entitles its buyer to
// the slot: an active status with paid days remaining. Cancelled, rejected
// and refunded orders never hold their slot.
func orderHoldsSlot(order *models.Order, now time.Time) bool {
	if order == nil {
		return false
	}
	switch order.Status {
	case models.OrderStatusPaid, models.OrderStatusDelivered, models.OrderStatusInProgress:
		return order.DaysLeft(now) > 0
	}
	return false
}

// ReleaseSlot returns a slot to the free pool. Refused while the linked order
// is still within its paid period - releasing would kick a live customer.
func (ae *AllocationEngine) ReleaseSlot(ctx context.Context, slotID int64) error {
	ctx, span := util.StartSpan(ctx, "AllocationEngine.ReleaseSlot")
	defer span.End()

	slot, err := ae.store.GetSlotByID(ctx, slotID)
	if err != nil {
		return err
	}

	order, err := ae.store.GetOrderBySlotID(ctx, slotID)
	if err != nil {
		return err
	}
	if orderHoldsSlot(order, ae.now()) {
		return models.ErrOrderStillActive
	}

	if err := ae.store.FreeSlot(ctx, slotID); err != nil {
		return fmt.Errorf("failed to free slot: %w", err)
	}

	util.ReleasesTotal.Inc()
	ae.restockCache(ctx, slot.ProductID)
	ae.publishReleased(ctx, slot.ProductID, slotID, slot.InventoryAccountID)
	ae.resync(ctx, slot.ProductID)
	return nil
}

// ReleaseAccount reactivates a full account, returning it to the free pool.
// Same guard as ReleaseSlot when a slot/order binding exists.
func (ae *AllocationEngine) ReleaseAccount(ctx context.Context, accountID int64) error {
	ctx, span := util.StartSpan(ctx, "AllocationEngine.ReleaseAccount")
	defer span.End()

	account, err := ae.store.GetAccountByID(ctx, accountID)
	if err != nil {
		return err
	}

	slot, err := ae.store.GetSlotByAccountID(ctx, accountID)
	if err != nil {
		return err
	}
	if slot != nil {
		order, err := ae.store.GetOrderBySlotID(ctx, slot.ID)
		if err != nil {
			return err
		}
		if orderHoldsSlot(order, ae.now()) {
			return models.ErrOrderStillActive
		}
		if slot.Occupied() {
			if err := ae.store.FreeSlot(ctx, slot.ID); err != nil {
				return fmt.Errorf("failed to free account slot: %w", err)
			}
		}
	}

	if err := ae.store.SetAccountActive(ctx, accountID, true); err != nil {
		return fmt.Errorf("failed to reactivate account: %w", err)
	}

	util.ReleasesTotal.Inc()
	ae.restockCache(ctx, account.ProductID)
	var slotID int64
	if slot != nil {
		slotID = slot.ID
	}
	ae.publishReleased(ctx, account.ProductID, slotID, accountID)
	ae.resync(ctx, account.ProductID)
	return nil
}

func (ae *AllocationEngine) publishAllocated(ctx context.Context, order *models.Order, product *models.Product, binding *SlotBinding) {
	if ae.events == nil {
		return
	}
	event := &models.SlotAllocatedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeSlotAllocated,
			Timestamp: time.Now(),
		},
		ProductID: product.ID,
		AccountID: binding.AccountID,
		BuyerID:   order.BuyerID,
		OrderID:   order.ID,
	}
	if binding.SlotID != nil {
		event.SlotID = *binding.SlotID
	}
	if err := ae.events.PublishSlotAllocated(ctx, event); err != nil {
		ae.logger.Error("Failed to publish SlotAllocated event", zap.Error(err))
	}
}

func (ae *AllocationEngine) publishReleased(ctx context.Context, productID, slotID, accountID int64) {
	if ae.events == nil {
		return
	}
	event := &models.SlotReleasedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeSlotReleased,
			Timestamp: time.Now(),
		},
		ProductID: productID,
		SlotID:    slotID,
		AccountID: accountID,
	}
	if err := ae.events.PublishSlotReleased(ctx, event); err != nil {
		ae.logger.Error("Failed to publish SlotReleased event", zap.Error(err))
	}
}

func (ae *AllocationEngine) restockCache(ctx context.Context, productID int64) {
	if ae.cache == nil {
		return
	}
	if err := ae.cache.RestockCached(ctx, productID); err != nil {
		ae.logger.Debug("Cached restock skipped",
			zap.Int64("product_id", productID),
			zap.Error(err))
	}
}

func (ae *AllocationEngine) resync(ctx context.Context, productID int64) {
	if ae.stock == nil {
		return
	}
	if _, err := ae.stock.SyncProduct(ctx, productID); err != nil {
		ae.logger.Error("Failed to resync stock after allocation change",
			zap.Int64("product_id", productID),
			zap.Error(err))
	}
}
