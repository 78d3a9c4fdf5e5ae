package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"fulfillment-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Equal(dec(want)), "want %s, got %s", want, got.String())
}

type fakeLocker struct {
	allow    bool
	acquired []string
	released []string
}

func (l *fakeLocker) AcquireLock(_ context.Context, key string, _ time.Duration) (bool, error) {
	l.acquired = append(l.acquired, key)
	return l.allow, nil
}

func (l *fakeLocker) ReleaseLock(_ context.Context, key string) error {
	l.released = append(l.released, key)
	return nil
}

type settlementFixture struct {
	ms     *memStore
	engine *SettlementEngine
	now    time.Time
}

func newSettlementFixture() *settlementFixture {
	ms := newMemStore()
	alloc := NewAllocationEngine(ms, NewStockSynchronizer(ms, nil, nil), nil, nil)
	engine := NewSettlementEngine(ms, alloc, nil, nil, DefaultCommissions(), 0, 0)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }
	alloc.now = engine.now
	return &settlementFixture{ms: ms, engine: engine, now: now}
}

// seedRenewal sets up a delivered, renewable order 5 days from expiry with a
// 10.00 renewal price and a 25.00 buyer balance.
func (f *settlementFixture) seedRenewal(accountType string) *models.Order {
	f.ms.products[1] = &models.Product{
		ID:           1,
		ProviderID:   3,
		AccountType:  accountType,
		Renewable:    true,
		RenewalPrice: decimal.NewNullDecimal(dec("10.00")),
	}
	starts := f.now.AddDate(0, 0, -25)
	expires := f.now.AddDate(0, 0, 5)
	order := &models.Order{
		ID:           100,
		BuyerID:      55,
		ProviderID:   3,
		ProductID:    1,
		Status:       models.OrderStatusDelivered,
		Credentials:  []byte(`{"login":"acct@mail","password":"pw","profile":"1"}`),
		DurationDays: 30,
		StartsAt:     &starts,
		ExpiresAt:    &expires,
		PricePaid:    dec("10.00"),
	}
	f.ms.orders[100] = order
	f.ms.buyerBal[55] = dec("25.00")
	f.ms.provBal[3] = decimal.Zero
	return order
}

func TestRenewOrderProfileProduct(t *testing.T) {
	f := newSettlementFixture()
	order := f.seedRenewal(models.AccountTypeProfileSlots)
	wantExpiry := order.ExpiresAt.AddDate(0, 0, 30)

	result, err := f.engine.RenewOrder(context.Background(), 100)

	require.NoError(t, err)
	assertDecimal(t, "10.00", result.Amount)
	assertDecimal(t, "9.50", result.ProviderCredit)
	assertDecimal(t, "15.00", f.ms.buyerBal[55])
	assertDecimal(t, "9.50", f.ms.provBal[3])
	assert.True(t, wantExpiry.Equal(*f.ms.orders[100].ExpiresAt))
	assert.Equal(t, models.OrderStatusPaid, f.ms.orders[100].Status)
}

func TestRenewOrderFullAccountCommission(t *testing.T) {
	f := newSettlementFixture()
	f.seedRenewal(models.AccountTypeFullAccount)

	result, err := f.engine.RenewOrder(context.Background(), 100)

	require.NoError(t, err)
	assertDecimal(t, "9.00", result.ProviderCredit)
	assertDecimal(t, "9.00", f.ms.provBal[3])
}

func TestRenewOrderLapsedStartsFromNow(t *testing.T) {
	f := newSettlementFixture()
	order := f.seedRenewal(models.AccountTypeProfileSlots)
	expired := f.now.AddDate(0, 0, -10)
	order.ExpiresAt = &expired

	result, err := f.engine.RenewOrder(context.Background(), 100)

	require.NoError(t, err)
	assert.True(t, f.now.AddDate(0, 0, 30).Equal(result.ExpiresAt))
}

func TestRenewOrderFallsBackToPricePaid(t *testing.T) {
	f := newSettlementFixture()
	order := f.seedRenewal(models.AccountTypeProfileSlots)
	f.ms.products[1].RenewalPrice = decimal.NullDecimal{}
	order.PricePaid = dec("7.50")

	result, err := f.engine.RenewOrder(context.Background(), 100)

	require.NoError(t, err)
	assertDecimal(t, "7.50", result.Amount)
	assertDecimal(t, "17.50", f.ms.buyerBal[55])
}

func TestRenewOrderNotRenewable(t *testing.T) {
	f := newSettlementFixture()
	f.seedRenewal(models.AccountTypeProfileSlots)
	f.ms.products[1].Renewable = false

	_, err := f.engine.RenewOrder(context.Background(), 100)

	assert.ErrorIs(t, err, models.ErrNotRenewable)
	assertDecimal(t, "25.00", f.ms.buyerBal[55])
}

func TestRenewOrderRequiresDelivery(t *testing.T) {
	f := newSettlementFixture()
	order := f.seedRenewal(models.AccountTypeProfileSlots)
	order.Credentials = nil
	order.InventorySlotID = nil

	_, err := f.engine.RenewOrder(context.Background(), 100)

	assert.ErrorIs(t, err, models.ErrNoLinkedOrder)
	assertDecimal(t, "25.00", f.ms.buyerBal[55])
}

func TestRenewOrderInsufficientFunds(t *testing.T) {
	f := newSettlementFixture()
	f.seedRenewal(models.AccountTypeProfileSlots)
	f.ms.buyerBal[55] = dec("5.00")

	_, err := f.engine.RenewOrder(context.Background(), 100)

	assert.ErrorIs(t, err, models.ErrInsufficientFunds)
	assertDecimal(t, "5.00", f.ms.buyerBal[55])
	assertDecimal(t, "0", f.ms.provBal[3])
	assert.Empty(t, f.ms.journal)
}

func TestRenewOrderWritesJournal(t *testing.T) {
	f := newSettlementFixture()
	f.seedRenewal(models.AccountTypeProfileSlots)

	_, err := f.engine.RenewOrder(context.Background(), 100)

	require.NoError(t, err)
	require.Len(t, f.ms.journal, 3)
	assert.Equal(t, models.JournalStepDebitBuyer, f.ms.journal[0].Step)
	assert.Equal(t, models.JournalStepCreditProvider, f.ms.journal[1].Step)
	assert.Equal(t, models.JournalStepExtendOrder, f.ms.journal[2].Step)
	for _, entry := range f.ms.journal {
		assert.True(t, f.ms.journalDone[entry.ID], "entry %s not marked done", entry.Step)
	}
}

func TestRenewOrderCreditFailureCompensates(t *testing.T) {
	f := newSettlementFixture()
	f.seedRenewal(models.AccountTypeProfileSlots)
	f.ms.errCreditProvider = errors.New("profiles table locked")

	_, err := f.engine.RenewOrder(context.Background(), 100)

	var pse *PartialSettlementError
	require.ErrorAs(t, err, &pse)
	assert.True(t, pse.Compensated())
	assertDecimal(t, "25.00", f.ms.buyerBal[55])
	assertDecimal(t, "0", f.ms.provBal[3])
}

func TestRenewOrderExtendFailureCompensates(t *testing.T) {
	f := newSettlementFixture()
	order := f.seedRenewal(models.AccountTypeProfileSlots)
	originalExpiry := *order.ExpiresAt
	f.ms.errSchedule = errors.New("orders table locked")

	_, err := f.engine.RenewOrder(context.Background(), 100)

	var pse *PartialSettlementError
	require.ErrorAs(t, err, &pse)
	assert.True(t, pse.Compensated())
	assertDecimal(t, "25.00", f.ms.buyerBal[55])
	assertDecimal(t, "0", f.ms.provBal[3])
	assert.True(t, originalExpiry.Equal(*f.ms.orders[100].ExpiresAt))
}

func TestRenewOrderCompensationFailureSurfaces(t *testing.T) {
	f := newSettlementFixture()
	f.seedRenewal(models.AccountTypeProfileSlots)
	f.ms.errSchedule = errors.New("orders table locked")
	f.ms.errRefundBuyer = errors.New("profiles table locked")

	_, err := f.engine.RenewOrder(context.Background(), 100)

	var pse *PartialSettlementError
	require.ErrorAs(t, err, &pse)
	assert.False(t, pse.Compensated())
	require.Len(t, pse.CompensationErrs, 1)
	// The debit stuck; the provider credit rolled back.
	assertDecimal(t, "15.00", f.ms.buyerBal[55])
	assertDecimal(t, "0", f.ms.provBal[3])
}

func TestRenewOrderSerializedPerOrder(t *testing.T) {
	f := newSettlementFixture()
	f.seedRenewal(models.AccountTypeProfileSlots)
	locker := &fakeLocker{allow: false}
	f.engine.locks = locker

	_, err := f.engine.RenewOrder(context.Background(), 100)

	assert.ErrorIs(t, err, models.ErrSettlementInProgress)
	assert.Equal(t, []string{"settlement:order:100"}, locker.acquired)
	assertDecimal(t, "25.00", f.ms.buyerBal[55])
}

func TestRenewOrderReleasesLock(t *testing.T) {
	f := newSettlementFixture()
	f.seedRenewal(models.AccountTypeProfileSlots)
	locker := &fakeLocker{allow: true}
	f.engine.locks = locker

	_, err := f.engine.RenewOrder(context.Background(), 100)

	require.NoError(t, err)
	assert.Equal(t, []string{"settlement:order:100"}, locker.released)
}

func (f *settlementFixture) seedOnDemand() *models.Order {
	duration := 30
	f.ms.products[1] = &models.Product{
		ID:             1,
		ProviderID:     3,
		AccountType:    models.AccountTypeProfileSlots,
		DeliveryMode:   models.DeliveryModeOnDemand,
		DurationDays:   &duration,
		StockAvailable: 1,
	}
	f.ms.accounts[1] = &models.InventoryAccount{ID: 1, ProductID: 1, ProviderID: 3, LoginUser: "acct@mail", LoginPassword: "pw", SlotCapacity: 1, IsActive: true}
	f.ms.slots[10] = &models.InventorySlot{ID: 10, InventoryAccountID: 1, ProductID: 1, ProviderID: 3, SlotIndex: 1, SlotLabel: "1", ProfilePIN: "1111", Status: models.SlotStatusFree}
	order := &models.Order{
		ID:         200,
		BuyerID:    55,
		ProviderID: 3,
		ProductID:  1,
		Status:     models.OrderStatusPending,
		PricePaid:  dec("10.00"),
	}
	f.ms.orders[200] = order
	f.ms.buyerBal[55] = dec("25.00")
	f.ms.provBal[3] = decimal.Zero
	return order
}

func TestFulfillOnDemandDelivers(t *testing.T) {
	f := newSettlementFixture()
	f.seedOnDemand()

	result, err := f.engine.FulfillOnDemand(context.Background(), 200)

	require.NoError(t, err)
	assertDecimal(t, "10.00", result.Amount)
	assertDecimal(t, "15.00", f.ms.buyerBal[55])
	assertDecimal(t, "9.50", f.ms.provBal[3])

	order := f.ms.orders[200]
	assert.Equal(t, models.OrderStatusDelivered, order.Status)
	require.NotNil(t, order.InventorySlotID)
	assert.Equal(t, int64(10), *order.InventorySlotID)
	assert.True(t, f.now.Equal(*order.StartsAt))
	assert.True(t, f.now.AddDate(0, 0, 30).Equal(*order.ExpiresAt))

	var snap models.CredentialSnapshot
	require.NoError(t, json.Unmarshal(order.Credentials, &snap))
	assert.Equal(t, "acct@mail", snap.Login)
	assert.Equal(t, "1111", snap.PIN)

	slot := f.ms.slots[10]
	require.NotNil(t, slot.BuyerID)
	assert.Equal(t, int64(55), *slot.BuyerID)
}

func TestFulfillOnDemandLinkFailureFreesSlot(t *testing.T) {
	f := newSettlementFixture()
	f.seedOnDemand()
	f.ms.errLinkSlot = errors.New("orders table unavailable")

	_, err := f.engine.FulfillOnDemand(context.Background(), 200)

	var pse *PartialSettlementError
	require.ErrorAs(t, err, &pse)
	assert.True(t, pse.Compensated())
	assertDecimal(t, "25.00", f.ms.buyerBal[55])
	assertDecimal(t, "0", f.ms.provBal[3])

	slot := f.ms.slots[10]
	assert.Equal(t, models.SlotStatusFree, slot.Status)
	assert.Nil(t, slot.BuyerID)
	assert.Nil(t, f.ms.orders[200].InventorySlotID)
}

func TestFulfillOnDemandNoStockRefundsDebit(t *testing.T) {
	f := newSettlementFixture()
	f.seedOnDemand()
	f.ms.products[1].StockAvailable = 0

	_, err := f.engine.FulfillOnDemand(context.Background(), 200)

	assert.ErrorIs(t, err, models.ErrNoStockAvailable)
	var pse *PartialSettlementError
	require.ErrorAs(t, err, &pse)
	assert.True(t, pse.Compensated())
	assertDecimal(t, "25.00", f.ms.buyerBal[55])
	assertDecimal(t, "0", f.ms.provBal[3])
	assert.Equal(t, models.OrderStatusPending, f.ms.orders[200].Status)
}

func TestFulfillOnDemandWrongStatus(t *testing.T) {
	f := newSettlementFixture()
	f.seedOnDemand()
	f.ms.orders[200].Status = models.OrderStatusDelivered

	_, err := f.engine.FulfillOnDemand(context.Background(), 200)

	assert.Error(t, err)
	assertDecimal(t, "25.00", f.ms.buyerBal[55])
}

func TestRejectOrderRefundsAndFreesSlot(t *testing.T) {
	f := newSettlementFixture()
	order := f.seedOnDemand()

	_, err := f.engine.FulfillOnDemand(context.Background(), 200)
	require.NoError(t, err)
	assertDecimal(t, "15.00", f.ms.buyerBal[55])

	err = f.engine.RejectOrder(context.Background(), 200)

	require.NoError(t, err)
	assertDecimal(t, "25.00", f.ms.buyerBal[55])
	assert.Equal(t, models.OrderStatusRejected, order.Status)
	assert.Equal(t, models.SlotStatusFree, f.ms.slots[10].Status)
	assert.Nil(t, f.ms.slots[10].BuyerID)
	assert.Equal(t, 1, f.ms.products[1].StockAvailable)
}

func TestRejectOrderResolvesSupportTickets(t *testing.T) {
	f := newSettlementFixture()
	f.seedOnDemand()
	f.ms.openTickets[200] = 2

	err := f.engine.RejectOrder(context.Background(), 200)

	require.NoError(t, err)
	assert.Zero(t, f.ms.openTickets[200])
}

func TestRejectOrderSucceedsWhenTicketResolutionFails(t *testing.T) {
	f := newSettlementFixture()
	f.seedOnDemand()
	f.ms.openTickets[200] = 1
	f.ms.errResolveTickets = errors.New("tickets table unavailable")

	err := f.engine.RejectOrder(context.Background(), 200)

	require.NoError(t, err)
	assertDecimal(t, "35.00", f.ms.buyerBal[55])
	assert.Equal(t, models.OrderStatusRejected, f.ms.orders[200].Status)
}

func TestRejectOrderIdempotent(t *testing.T) {
	f := newSettlementFixture()
	f.seedOnDemand()
	f.ms.orders[200].Status = models.OrderStatusRejected

	err := f.engine.RejectOrder(context.Background(), 200)

	require.NoError(t, err)
	assertDecimal(t, "25.00", f.ms.buyerBal[55])
}
