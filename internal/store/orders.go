package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
)

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrdersByBuyer retrieves orders for a buyer
func (s *Store) GetOrdersByBuyer(ctx context.Context, buyerID int64) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE buyer_id = $1 ORDER BY created_at DESC", buyerID)
	return orders, err
}

// GetOrderBySlotID retrieves the most recent order bound to a slot, or nil.
func (s *Store) GetOrderBySlotID(ctx context.Context, slotID int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT * FROM orders WHERE inventory_slot_id = $1 ORDER BY created_at DESC LIMIT 1", slotID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateOrderStatus updates order status
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2",
		status, orderID)
	return err
}

// UpdateOrderSchedule rewrites the order's validity period and status in one
// statement. expires_at is always derived from starts_at + duration_days by
// the caller, never drifted independently.
func (s *Store) UpdateOrderSchedule(ctx context.Context, orderID int64, startsAt, expiresAt time.Time, durationDays int, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET starts_at = $1, expires_at = $2, duration_days = $3, status = $4, updated_at = NOW()
		WHERE id = $5`,
		startsAt, expiresAt, durationDays, status, orderID)
	return err
}

// LinkOrderSlot stores the allocated slot reference and credential snapshot
// on the order. slotID may be nil for full-account bindings without a legacy
// slot row; the snapshot is still captured.
func (s *Store) LinkOrderSlot(ctx context.Context, orderID int64, slotID *int64, credentials []byte) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET inventory_slot_id = $1, credentials = $2, updated_at = NOW() WHERE id = $3",
		slotID, credentials, orderID)
	return err
}

// AppendSettlementJournal records intent before an irreversible settlement
// step.
func (s *Store) AppendSettlementJournal(ctx context.Context, entry *models.SettlementJournalEntry) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO settlement_journal (id, order_id, step, amount, done) VALUES ($1, $2, $3, $4, false)",
		entry.ID, entry.OrderID, entry.Step, entry.Amount)
	return err
}

// MarkSettlementJournalDone marks a journal entry committed.
func (s *Store) MarkSettlementJournalDone(ctx context.Context, entryID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE settlement_journal SET done = true WHERE id = $1", entryID)
	return err
}

// ResolveOrderTickets closes any support tickets still open against an
// order, returning how many were resolved.
func (s *Store) ResolveOrderTickets(ctx context.Context, orderID int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE support_tickets
		SET status = 'resolved', resolved_at = NOW()
		WHERE order_id = $1 AND status <> 'resolved'`,
		orderID)
	if err != nil {
		return 0, err
	}
	rows, err := res.RowsAffected()
	return int(rows), err
}

// GetOpenSettlementJournal lists entries recorded but never marked done for an
// order - the manual reconciliation surface after a crash mid-settlement.
func (s *Store) GetOpenSettlementJournal(ctx context.Context, orderID int64) ([]models.SettlementJournalEntry, error) {
	var entries []models.SettlementJournalEntry
	err := s.db.SelectContext(ctx, &entries,
		"SELECT * FROM settlement_journal WHERE order_id = $1 AND done = false ORDER BY created_at", orderID)
	return entries, err
}
