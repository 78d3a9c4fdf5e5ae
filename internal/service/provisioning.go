package service

import (
	"context"
	"fmt"
	"strconv"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// ProvisioningStore is the slice of the store used to load inventory.
type ProvisioningStore interface {
	GetProductByID(ctx context.Context, id int64) (*models.Product, error)
	CreateAccount(ctx context.Context, account *models.InventoryAccount) error
	CreateSlot(ctx context.Context, slot *models.InventorySlot) error
}

// ProfileSpec describes one profile of a shared login being loaded.
type ProfileSpec struct {
	Label string `json:"label"`
	PIN   string `json:"pin"`
}

// ProvisioningService loads provider inventory. For profile products it
// creates one capacity-1 account per profile: the slot label is first-class
// on the slot row, while the account login keeps the per-product uniqueness
// suffix (base::slot_<label>::<n>) older rows already use, so both shapes
// coexist under one resolver.
type ProvisioningService struct {
	store  ProvisioningStore
	stock  *StockSynchronizer
	logger *zap.Logger
}

// NewProvisioningService creates a new provisioning service. stock may be nil.
func NewProvisioningService(store ProvisioningStore, stock *StockSynchronizer) *ProvisioningService {
	return &ProvisioningService{
		store:  store,
		stock:  stock,
		logger: util.GetLogger(),
	}
}

// LoadProfileInventory bulk-inserts one account+slot pair per profile for a
// profile-slots product and resynchronizes the advertised stock once at the
// end.
func (ps *ProvisioningService) LoadProfileInventory(ctx context.Context, productID int64, login, password string, profiles []ProfileSpec) ([]models.InventorySlot, error) {
	ctx, span := util.StartSpan(ctx, "ProvisioningService.LoadProfileInventory")
	defer span.End()

	product, err := ps.store.GetProductByID(ctx, productID)
	if err != nil {
		return nil, err
	}
	if product.AccountType != models.AccountTypeProfileSlots {
		return nil, fmt.Errorf("product %d is not a profile-slots product", productID)
	}
	if len(profiles) == 0 {
		return nil, fmt.Errorf("no profiles to load")
	}

	slots := make([]models.InventorySlot, 0, len(profiles))
	for i, p := range profiles {
		label := p.Label
		if label == "" {
			label = strconv.Itoa(i + 1)
		}

		account := &models.InventoryAccount{
			ProductID:     productID,
			ProviderID:    product.ProviderID,
			LoginUser:     fmt.Sprintf("%s::slot_%s::%d", login, label, i+1),
			LoginPassword: password,
			SlotCapacity:  1,
			IsActive:      true,
		}
		if err := ps.store.CreateAccount(ctx, account); err != nil {
			return slots, fmt.Errorf("failed to create account for profile %q: %w", label, err)
		}

		slot := &models.InventorySlot{
			InventoryAccountID: account.ID,
			ProductID:          productID,
			ProviderID:         product.ProviderID,
			SlotIndex:          i + 1,
			SlotLabel:          label,
			ProfilePIN:         p.PIN,
			Status:             models.SlotStatusFree,
		}
		if err := ps.store.CreateSlot(ctx, slot); err != nil {
			return slots, fmt.Errorf("failed to create slot for profile %q: %w", label, err)
		}
		slots = append(slots, *slot)
	}

	ps.logger.Info("Profile inventory loaded",
		zap.Int64("product_id", productID),
		zap.Int("profiles", len(slots)))

	if ps.stock != nil {
		if _, err := ps.stock.SyncProduct(ctx, productID); err != nil {
			ps.logger.Error("Failed to resync stock after bulk insert",
				zap.Int64("product_id", productID),
				zap.Error(err))
		}
	}
	return slots, nil
}

// LoadFullAccount inserts a single active full account.
func (ps *ProvisioningService) LoadFullAccount(ctx context.Context, productID int64, login, password string) (*models.InventoryAccount, error) {
	ctx, span := util.StartSpan(ctx, "ProvisioningService.LoadFullAccount")
	defer span.End()

	product, err := ps.store.GetProductByID(ctx, productID)
	if err != nil {
		return nil, err
	}

	account := &models.InventoryAccount{
		ProductID:     productID,
		ProviderID:    product.ProviderID,
		LoginUser:     login,
		LoginPassword: password,
		SlotCapacity:  1,
		IsActive:      true,
	}
	if err := ps.store.CreateAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	if ps.stock != nil {
		if _, err := ps.stock.SyncProduct(ctx, productID); err != nil {
			ps.logger.Error("Failed to resync stock after account insert",
				zap.Int64("product_id", productID),
				zap.Error(err))
		}
	}
	return account, nil
}
