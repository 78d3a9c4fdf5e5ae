package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"fulfillment-service/internal/models"
)

// occupiedStatusList mirrors models.OccupiedStatuses for IN clauses.
var occupiedStatusList = func() []string {
	out := make([]string, 0, len(models.OccupiedStatuses))
	for s := range models.OccupiedStatuses {
		out = append(out, s)
	}
	return out
}()

// GetAccountsByProduct retrieves all inventory accounts for a product
func (s *Store) GetAccountsByProduct(ctx context.Context, productID int64) ([]models.InventoryAccount, error) {
	var accounts []models.InventoryAccount
	err := s.db.SelectContext(ctx, &accounts,
		"SELECT * FROM inventory_accounts WHERE product_id = $1 ORDER BY id", productID)
	return accounts, err
}

// GetAccountByID retrieves a single inventory account
func (s *Store) GetAccountByID(ctx context.Context, id int64) (*models.InventoryAccount, error) {
	var account models.InventoryAccount
	err := s.db.GetContext(ctx, &account,
		"SELECT * FROM inventory_accounts WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("inventory account not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// GetSlotsByProduct retrieves all inventory slots for a product
func (s *Store) GetSlotsByProduct(ctx context.Context, productID int64) ([]models.InventorySlot, error) {
	var slots []models.InventorySlot
	err := s.db.SelectContext(ctx, &slots,
		"SELECT * FROM inventory_slots WHERE product_id = $1 ORDER BY id", productID)
	return slots, err
}

// GetSlotByID retrieves a single inventory slot
func (s *Store) GetSlotByID(ctx context.Context, id int64) (*models.InventorySlot, error) {
	var slot models.InventorySlot
	err := s.db.GetContext(ctx, &slot,
		"SELECT * FROM inventory_slots WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("inventory slot not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &slot, nil
}

// GetSlotsByBuyer retrieves slots currently assigned to a buyer for a product
func (s *Store) GetSlotsByBuyer(ctx context.Context, buyerID, productID int64) ([]models.InventorySlot, error) {
	var slots []models.InventorySlot
	err := s.db.SelectContext(ctx, &slots,
		"SELECT * FROM inventory_slots WHERE buyer_id = $1 AND product_id = $2 ORDER BY id",
		buyerID, productID)
	return slots, err
}

// CountFreeSlots counts slots in the free pool for a profile-type product:
// not in the occupied set and with no buyer bound.
func (s *Store) CountFreeSlots(ctx context.Context, productID int64) (int, error) {
	placeholders := make([]string, len(occupiedStatusList))
	args := make([]interface{}, 0, len(occupiedStatusList)+1)
	args = append(args, productID)
	for i, status := range occupiedStatusList {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, status)
	}

	query := fmt.Sprintf(
		"SELECT COUNT(*) FROM inventory_slots WHERE product_id = $1 AND buyer_id IS NULL AND status NOT IN (%s)",
		strings.Join(placeholders, ", "))

	var count int
	err := s.db.GetContext(ctx, &count, query, args...)
	return count, err
}

// CountActiveAccounts counts active accounts for a full-account product.
func (s *Store) CountActiveAccounts(ctx context.Context, productID int64) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM inventory_accounts WHERE product_id = $1 AND is_active = true",
		productID)
	return count, err
}

// ClaimFreeSlot binds one free slot of the product to the buyer inside a
// transaction. FOR UPDATE SKIP LOCKED lets concurrent claims pick distinct
// rows instead of serializing on the first one. Selection is first-found.
func (s *Store) ClaimFreeSlot(ctx context.Context, productID, buyerID int64) (*models.InventorySlot, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	placeholders := make([]string, len(occupiedStatusList))
	args := make([]interface{}, 0, len(occupiedStatusList)+1)
	args = append(args, productID)
	for i, status := range occupiedStatusList {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, status)
	}

	query := fmt.Sprintf(`
		SELECT * FROM inventory_slots
		WHERE product_id = $1 AND buyer_id IS NULL AND status NOT IN (%s)
		ORDER BY id
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		strings.Join(placeholders, ", "))

	var slot models.InventorySlot
	err = tx.GetContext(ctx, &slot, query, args...)
	if err == sql.ErrNoRows {
		return nil, models.ErrNoStockAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock free slot: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE inventory_slots SET status = $1, buyer_id = $2, updated_at = NOW() WHERE id = $3",
		models.SlotStatusOccupied, buyerID, slot.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to occupy slot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	slot.Status = models.SlotStatusOccupied
	slot.BuyerID = &buyerID
	return &slot, nil
}

// ClaimActiveAccount removes one active account of the product from the free
// pool by flipping is_active. Same locking discipline as ClaimFreeSlot.
func (s *Store) ClaimActiveAccount(ctx context.Context, productID int64) (*models.InventoryAccount, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var account models.InventoryAccount
	err = tx.GetContext(ctx, &account, `
		SELECT * FROM inventory_accounts
		WHERE product_id = $1 AND is_active = true
		ORDER BY id
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, productID)
	if err == sql.ErrNoRows {
		return nil, models.ErrNoStockAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock active account: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE inventory_accounts SET is_active = false WHERE id = $1", account.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to deactivate account: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	account.IsActive = false
	return &account, nil
}

// OccupySlot binds an already-chosen slot to a buyer. Used for the legacy
// slot row of a claimed full account; instant claims go through ClaimFreeSlot.
func (s *Store) OccupySlot(ctx context.Context, slotID, buyerID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE inventory_slots SET status = $1, buyer_id = $2, updated_at = NOW() WHERE id = $3",
		models.SlotStatusOccupied, buyerID, slotID)
	return err
}

// FreeSlot clears a slot's assignment, returning it to the free pool.
func (s *Store) FreeSlot(ctx context.Context, slotID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE inventory_slots SET status = $1, buyer_id = NULL, updated_at = NOW() WHERE id = $2",
		models.SlotStatusFree, slotID)
	return err
}

// SetAccountActive toggles an account in or out of the free pool.
func (s *Store) SetAccountActive(ctx context.Context, accountID int64, active bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE inventory_accounts SET is_active = $1 WHERE id = $2", active, accountID)
	return err
}

// GetSlotByAccountID retrieves the first slot belonging to an account.
// Full-account products may carry a legacy slot row; profile products carry
// exactly one by construction.
func (s *Store) GetSlotByAccountID(ctx context.Context, accountID int64) (*models.InventorySlot, error) {
	var slot models.InventorySlot
	err := s.db.GetContext(ctx, &slot,
		"SELECT * FROM inventory_slots WHERE inventory_account_id = $1 ORDER BY id LIMIT 1", accountID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &slot, nil
}

// CreateAccount inserts an inventory account and returns its id.
func (s *Store) CreateAccount(ctx context.Context, account *models.InventoryAccount) error {
	query := `
		INSERT INTO inventory_accounts (product_id, provider_id, login_user, login_password, slot_capacity, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	return s.db.GetContext(ctx, account, query,
		account.ProductID, account.ProviderID, account.LoginUser,
		account.LoginPassword, account.SlotCapacity, account.IsActive)
}

// CreateSlot inserts an inventory slot and returns its id.
func (s *Store) CreateSlot(ctx context.Context, slot *models.InventorySlot) error {
	query := `
		INSERT INTO inventory_slots (inventory_account_id, product_id, provider_id, slot_index, slot_label, profile_pin, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, updated_at`

	return s.db.GetContext(ctx, slot, query,
		slot.InventoryAccountID, slot.ProductID, slot.ProviderID,
		slot.SlotIndex, slot.SlotLabel, slot.ProfilePIN, slot.Status)
}
