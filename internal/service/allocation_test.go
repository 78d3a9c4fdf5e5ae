package service

import (
	"context"
	"testing"
	"time"

	"fulfillment-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAllocationFixture() (*memStore, *AllocationEngine) {
	ms := newMemStore()
	engine := NewAllocationEngine(ms, NewStockSynchronizer(ms, nil, nil), nil, nil)
	return ms, engine
}

func seedProfileProduct(ms *memStore) (*models.Product, *models.Order) {
	product := &models.Product{ID: 1, ProviderID: 3, AccountType: models.AccountTypeProfileSlots, StockAvailable: 2}
	ms.products[1] = product
	ms.accounts[1] = &models.InventoryAccount{ID: 1, ProductID: 1, ProviderID: 3, LoginUser: "acct@mail", LoginPassword: "pw", SlotCapacity: 2, IsActive: true}
	ms.slots[10] = &models.InventorySlot{ID: 10, InventoryAccountID: 1, ProductID: 1, ProviderID: 3, SlotIndex: 1, SlotLabel: "1", ProfilePIN: "1111", Status: models.SlotStatusFree}
	ms.slots[11] = &models.InventorySlot{ID: 11, InventoryAccountID: 1, ProductID: 1, ProviderID: 3, SlotIndex: 2, SlotLabel: "2", Status: models.SlotStatusFree}
	order := &models.Order{ID: 100, BuyerID: 55, ProviderID: 3, ProductID: 1, Status: models.OrderStatusPending}
	ms.orders[100] = order
	return product, order
}

func TestAllocateProfileSlot(t *testing.T) {
	ms, engine := newAllocationFixture()
	product, order := seedProfileProduct(ms)

	binding, err := engine.Allocate(context.Background(), order, product)

	require.NoError(t, err)
	require.NotNil(t, binding.SlotID)
	assert.Equal(t, int64(10), *binding.SlotID)
	assert.Equal(t, "acct@mail", binding.LoginUser)
	assert.Equal(t, "1111", binding.ProfilePIN)

	slot := ms.slots[10]
	require.NotNil(t, slot.BuyerID)
	assert.Equal(t, int64(55), *slot.BuyerID)
	assert.Equal(t, models.SlotStatusOccupied, slot.Status)

	// Allocation recomputes the advertised stock.
	assert.Equal(t, 1, ms.products[1].StockAvailable)
}

func TestAllocateSkipsOccupiedSlots(t *testing.T) {
	ms, engine := newAllocationFixture()
	product, order := seedProfileProduct(ms)
	other := int64(999)
	ms.slots[10].Status = "entregado"
	ms.slots[10].BuyerID = &other

	binding, err := engine.Allocate(context.Background(), order, product)

	require.NoError(t, err)
	require.NotNil(t, binding.SlotID)
	assert.Equal(t, int64(11), *binding.SlotID)
	// The occupied slot keeps its owner.
	assert.Equal(t, other, *ms.slots[10].BuyerID)
}

func TestAllocateNoAdvertisedStock(t *testing.T) {
	ms, engine := newAllocationFixture()
	product, order := seedProfileProduct(ms)
	ms.products[1].StockAvailable = 0

	_, err := engine.Allocate(context.Background(), order, product)

	assert.ErrorIs(t, err, models.ErrNoStockAvailable)
}

func TestAllocateNoClaimableSlot(t *testing.T) {
	ms, engine := newAllocationFixture()
	product, order := seedProfileProduct(ms)
	// Advertised stock says available but every slot is taken.
	for _, s := range ms.slots {
		s.Status = "ocupado"
	}

	_, err := engine.Allocate(context.Background(), order, product)

	assert.ErrorIs(t, err, models.ErrNoStockAvailable)
}

func TestAllocateFullAccount(t *testing.T) {
	ms, engine := newAllocationFixture()
	product := &models.Product{ID: 2, ProviderID: 3, AccountType: models.AccountTypeFullAccount, StockAvailable: 1}
	ms.products[2] = product
	ms.accounts[5] = &models.InventoryAccount{ID: 5, ProductID: 2, ProviderID: 3, LoginUser: "full@mail", LoginPassword: "pw", SlotCapacity: 1, IsActive: true}
	order := &models.Order{ID: 200, BuyerID: 55, ProviderID: 3, ProductID: 2, Status: models.OrderStatusPending}
	ms.orders[200] = order

	binding, err := engine.Allocate(context.Background(), order, product)

	require.NoError(t, err)
	assert.Equal(t, int64(5), binding.AccountID)
	assert.Nil(t, binding.SlotID)
	assert.False(t, ms.accounts[5].IsActive)
	assert.Equal(t, 0, ms.products[2].StockAvailable)
}

func TestAllocateFullAccountOccupiesLegacySlot(t *testing.T) {
	ms, engine := newAllocationFixture()
	product := &models.Product{ID: 2, ProviderID: 3, AccountType: models.AccountTypeFullAccount, StockAvailable: 1}
	ms.products[2] = product
	ms.accounts[5] = &models.InventoryAccount{ID: 5, ProductID: 2, ProviderID: 3, LoginUser: "full@mail", IsActive: true}
	ms.slots[50] = &models.InventorySlot{ID: 50, InventoryAccountID: 5, ProductID: 2, ProviderID: 3, SlotIndex: 1, SlotLabel: "1", Status: models.SlotStatusFree}
	order := &models.Order{ID: 200, BuyerID: 55, ProviderID: 3, ProductID: 2, Status: models.OrderStatusPending}
	ms.orders[200] = order

	binding, err := engine.Allocate(context.Background(), order, product)

	require.NoError(t, err)
	require.NotNil(t, binding.SlotID)
	assert.Equal(t, int64(50), *binding.SlotID)
	assert.Equal(t, models.SlotStatusOccupied, ms.slots[50].Status)
}

func TestReleaseSlotRefusedWhileOrderActive(t *testing.T) {
	ms, engine := newAllocationFixture()
	_, order := seedProfileProduct(ms)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }

	buyer := order.BuyerID
	slotID := int64(10)
	ms.slots[10].Status = models.SlotStatusOccupied
	ms.slots[10].BuyerID = &buyer
	expires := now.AddDate(0, 0, 12)
	order.Status = models.OrderStatusDelivered
	order.InventorySlotID = &slotID
	order.ExpiresAt = &expires

	err := engine.ReleaseSlot(context.Background(), 10)

	assert.ErrorIs(t, err, models.ErrOrderStillActive)
	assert.Equal(t, models.SlotStatusOccupied, ms.slots[10].Status)
}

func TestReleaseSlotAllowedAfterExpiry(t *testing.T) {
	ms, engine := newAllocationFixture()
	_, order := seedProfileProduct(ms)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }

	buyer := order.BuyerID
	slotID := int64(10)
	ms.slots[10].Status = models.SlotStatusOccupied
	ms.slots[10].BuyerID = &buyer
	expires := now.AddDate(0, 0, -3)
	order.Status = models.OrderStatusDelivered
	order.InventorySlotID = &slotID
	order.ExpiresAt = &expires

	err := engine.ReleaseSlot(context.Background(), 10)

	require.NoError(t, err)
	assert.Equal(t, models.SlotStatusFree, ms.slots[10].Status)
	assert.Nil(t, ms.slots[10].BuyerID)
	assert.Equal(t, 2, ms.products[1].StockAvailable)
}

func TestReleaseSlotAllowedWhenOrderRejected(t *testing.T) {
	ms, engine := newAllocationFixture()
	_, order := seedProfileProduct(ms)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }

	buyer := order.BuyerID
	slotID := int64(10)
	ms.slots[10].Status = models.SlotStatusOccupied
	ms.slots[10].BuyerID = &buyer
	// Rejected orders never hold their slot, paid days or not.
	expires := now.AddDate(0, 0, 20)
	order.Status = models.OrderStatusRejected
	order.InventorySlotID = &slotID
	order.ExpiresAt = &expires

	err := engine.ReleaseSlot(context.Background(), 10)

	require.NoError(t, err)
	assert.Equal(t, models.SlotStatusFree, ms.slots[10].Status)
}

func TestReleaseAccountReactivates(t *testing.T) {
	ms, engine := newAllocationFixture()
	ms.products[2] = &models.Product{ID: 2, ProviderID: 3, AccountType: models.AccountTypeFullAccount}
	ms.accounts[5] = &models.InventoryAccount{ID: 5, ProductID: 2, ProviderID: 3, IsActive: false}

	err := engine.ReleaseAccount(context.Background(), 5)

	require.NoError(t, err)
	assert.True(t, ms.accounts[5].IsActive)
	assert.Equal(t, 1, ms.products[2].StockAvailable)
}

func TestReleaseAccountRefusedWhileOrderActive(t *testing.T) {
	ms, engine := newAllocationFixture()
	ms.products[2] = &models.Product{ID: 2, ProviderID: 3, AccountType: models.AccountTypeFullAccount}
	ms.accounts[5] = &models.InventoryAccount{ID: 5, ProductID: 2, ProviderID: 3, IsActive: false}
	buyer := int64(55)
	ms.slots[50] = &models.InventorySlot{ID: 50, InventoryAccountID: 5, ProductID: 2, Status: models.SlotStatusOccupied, BuyerID: &buyer}

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }

	slotID := int64(50)
	expires := now.AddDate(0, 0, 5)
	ms.orders[300] = &models.Order{
		ID: 300, BuyerID: buyer, ProductID: 2,
		InventorySlotID: &slotID,
		Status:          models.OrderStatusPaid,
		ExpiresAt:       &expires,
	}

	err := engine.ReleaseAccount(context.Background(), 5)

	assert.ErrorIs(t, err, models.ErrOrderStillActive)
	assert.False(t, ms.accounts[5].IsActive)
}
