package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"fulfillment-service/internal/models"

	"github.com/shopspring/decimal"
)

// memStore is an in-memory stand-in for the relational store, shared by the
// engine tests. Error fields inject failures at specific steps.
type memStore struct {
	products map[int64]*models.Product
	accounts map[int64]*models.InventoryAccount
	slots    map[int64]*models.InventorySlot
	orders   map[int64]*models.Order
	buyerBal map[int64]decimal.Decimal
	provBal  map[int64]decimal.Decimal

	journal     []models.SettlementJournalEntry
	journalDone map[string]bool
	openTickets map[int64]int

	errCreditProvider error // AdjustProviderBalance with positive delta
	errRefundBuyer    error // AdjustBuyerBalance with positive delta
	errSchedule       error // UpdateOrderSchedule
	errUpdateStock    error // UpdateProductStock
	errLinkSlot       error // LinkOrderSlot
	errResolveTickets error // ResolveOrderTickets

	stockSyncs int
}

func newMemStore() *memStore {
	return &memStore{
		products:    make(map[int64]*models.Product),
		accounts:    make(map[int64]*models.InventoryAccount),
		slots:       make(map[int64]*models.InventorySlot),
		orders:      make(map[int64]*models.Order),
		buyerBal:    make(map[int64]decimal.Decimal),
		provBal:     make(map[int64]decimal.Decimal),
		journalDone: make(map[string]bool),
		openTickets: make(map[int64]int),
	}
}

func (m *memStore) sortedSlotIDs() []int64 {
	ids := make([]int64, 0, len(m.slots))
	for id := range m.slots {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *memStore) sortedAccountIDs() []int64 {
	ids := make([]int64, 0, len(m.accounts))
	for id := range m.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *memStore) GetProductByID(_ context.Context, id int64) (*models.Product, error) {
	p, ok := m.products[id]
	if !ok {
		return nil, fmt.Errorf("product not found: %d", id)
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) CountFreeSlots(_ context.Context, productID int64) (int, error) {
	count := 0
	for _, s := range m.slots {
		if s.ProductID == productID && s.BuyerID == nil && !models.OccupiedStatuses[s.Status] {
			count++
		}
	}
	return count, nil
}

func (m *memStore) CountActiveAccounts(_ context.Context, productID int64) (int, error) {
	count := 0
	for _, a := range m.accounts {
		if a.ProductID == productID && a.IsActive {
			count++
		}
	}
	return count, nil
}

func (m *memStore) UpdateProductStock(_ context.Context, productID int64, stock int) error {
	if m.errUpdateStock != nil {
		return m.errUpdateStock
	}
	p, ok := m.products[productID]
	if !ok {
		return fmt.Errorf("product not found: %d", productID)
	}
	p.StockAvailable = stock
	m.stockSyncs++
	return nil
}

func (m *memStore) ClaimFreeSlot(_ context.Context, productID, buyerID int64) (*models.InventorySlot, error) {
	for _, id := range m.sortedSlotIDs() {
		s := m.slots[id]
		if s.ProductID != productID || s.BuyerID != nil || models.OccupiedStatuses[s.Status] {
			continue
		}
		s.Status = models.SlotStatusOccupied
		b := buyerID
		s.BuyerID = &b
		cp := *s
		return &cp, nil
	}
	return nil, models.ErrNoStockAvailable
}

func (m *memStore) ClaimActiveAccount(_ context.Context, productID int64) (*models.InventoryAccount, error) {
	for _, id := range m.sortedAccountIDs() {
		a := m.accounts[id]
		if a.ProductID != productID || !a.IsActive {
			continue
		}
		a.IsActive = false
		cp := *a
		return &cp, nil
	}
	return nil, models.ErrNoStockAvailable
}

func (m *memStore) GetAccountByID(_ context.Context, id int64) (*models.InventoryAccount, error) {
	a, ok := m.accounts[id]
	if !ok {
		return nil, fmt.Errorf("inventory account not found: %d", id)
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) GetSlotByID(_ context.Context, id int64) (*models.InventorySlot, error) {
	s, ok := m.slots[id]
	if !ok {
		return nil, fmt.Errorf("inventory slot not found: %d", id)
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) GetSlotByAccountID(_ context.Context, accountID int64) (*models.InventorySlot, error) {
	for _, id := range m.sortedSlotIDs() {
		if m.slots[id].InventoryAccountID == accountID {
			cp := *m.slots[id]
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) OccupySlot(_ context.Context, slotID, buyerID int64) error {
	s, ok := m.slots[slotID]
	if !ok {
		return fmt.Errorf("inventory slot not found: %d", slotID)
	}
	s.Status = models.SlotStatusOccupied
	b := buyerID
	s.BuyerID = &b
	return nil
}

func (m *memStore) FreeSlot(_ context.Context, slotID int64) error {
	s, ok := m.slots[slotID]
	if !ok {
		return fmt.Errorf("inventory slot not found: %d", slotID)
	}
	s.Status = models.SlotStatusFree
	s.BuyerID = nil
	return nil
}

func (m *memStore) SetAccountActive(_ context.Context, accountID int64, active bool) error {
	a, ok := m.accounts[accountID]
	if !ok {
		return fmt.Errorf("inventory account not found: %d", accountID)
	}
	a.IsActive = active
	return nil
}

func (m *memStore) GetOrderBySlotID(_ context.Context, slotID int64) (*models.Order, error) {
	var latest *models.Order
	for _, o := range m.orders {
		if o.InventorySlotID != nil && *o.InventorySlotID == slotID {
			if latest == nil || o.ID > latest.ID {
				latest = o
			}
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (m *memStore) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("order not found: %d", id)
	}
	cp := *o
	return &cp, nil
}

func (m *memStore) GetBuyerBalance(_ context.Context, profileID int64) (decimal.Decimal, error) {
	return m.buyerBal[profileID], nil
}

func (m *memStore) AdjustBuyerBalance(_ context.Context, profileID int64, delta decimal.Decimal) error {
	if delta.IsPositive() && m.errRefundBuyer != nil {
		return m.errRefundBuyer
	}
	next := m.buyerBal[profileID].Add(delta)
	if next.IsNegative() {
		return models.ErrInsufficientFunds
	}
	m.buyerBal[profileID] = next
	return nil
}

func (m *memStore) AdjustProviderBalance(_ context.Context, profileID int64, delta decimal.Decimal) error {
	if delta.IsPositive() && m.errCreditProvider != nil {
		return m.errCreditProvider
	}
	next := m.provBal[profileID].Add(delta)
	if next.IsNegative() {
		return models.ErrInsufficientFunds
	}
	m.provBal[profileID] = next
	return nil
}

func (m *memStore) UpdateOrderStatus(_ context.Context, orderID int64, status string) error {
	o, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("order not found: %d", orderID)
	}
	o.Status = status
	return nil
}

func (m *memStore) UpdateOrderSchedule(_ context.Context, orderID int64, startsAt, expiresAt time.Time, durationDays int, status string) error {
	if m.errSchedule != nil {
		return m.errSchedule
	}
	o, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("order not found: %d", orderID)
	}
	o.StartsAt = &startsAt
	o.ExpiresAt = &expiresAt
	o.DurationDays = durationDays
	o.Status = status
	return nil
}

func (m *memStore) LinkOrderSlot(_ context.Context, orderID int64, slotID *int64, credentials []byte) error {
	if m.errLinkSlot != nil {
		return m.errLinkSlot
	}
	o, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("order not found: %d", orderID)
	}
	o.InventorySlotID = slotID
	o.Credentials = credentials
	return nil
}

func (m *memStore) ResolveOrderTickets(_ context.Context, orderID int64) (int, error) {
	if m.errResolveTickets != nil {
		return 0, m.errResolveTickets
	}
	n := m.openTickets[orderID]
	delete(m.openTickets, orderID)
	return n, nil
}

func (m *memStore) AppendSettlementJournal(_ context.Context, entry *models.SettlementJournalEntry) error {
	m.journal = append(m.journal, *entry)
	return nil
}

func (m *memStore) MarkSettlementJournalDone(_ context.Context, entryID string) error {
	m.journalDone[entryID] = true
	return nil
}

func (m *memStore) CreateAccount(_ context.Context, account *models.InventoryAccount) error {
	account.ID = int64(len(m.accounts) + 1)
	cp := *account
	m.accounts[account.ID] = &cp
	return nil
}

func (m *memStore) CreateSlot(_ context.Context, slot *models.InventorySlot) error {
	slot.ID = int64(len(m.slots) + 1)
	cp := *slot
	m.slots[slot.ID] = &cp
	return nil
}

func (m *memStore) GetAccountsByProduct(_ context.Context, productID int64) ([]models.InventoryAccount, error) {
	var out []models.InventoryAccount
	for _, id := range m.sortedAccountIDs() {
		if m.accounts[id].ProductID == productID {
			out = append(out, *m.accounts[id])
		}
	}
	return out, nil
}

func (m *memStore) GetSlotsByProduct(_ context.Context, productID int64) ([]models.InventorySlot, error) {
	var out []models.InventorySlot
	for _, id := range m.sortedSlotIDs() {
		if m.slots[id].ProductID == productID {
			out = append(out, *m.slots[id])
		}
	}
	return out, nil
}
