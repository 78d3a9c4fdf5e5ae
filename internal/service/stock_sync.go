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

// StockStore is the slice of the store the synchronizer reads and writes.
type StockStore interface {
	GetProductByID(ctx context.Context, id int64) (*models.Product, error)
	CountFreeSlots(ctx context.Context, productID int64) (int, error)
	CountActiveAccounts(ctx context.Context, productID int64) (int, error)
	UpdateProductStock(ctx context.Context, productID int64, stock int) error
}

// StockCache is the fast-path advertised-stock cache. The database row stays
// authoritative; cache write failures only degrade read latency.
type StockCache interface {
	SetStock(ctx context.Context, productID int64, stock int) error
}

// StockSynchronizer recomputes a product's advertised stock from the live
// free-slot or active-account count and writes it back. Idempotent and safe
// to run redundantly at any time.
type StockSynchronizer struct {
	store  StockStore
	cache  StockCache
	events Publisher
	logger *zap.Logger
}

// NewStockSynchronizer creates a new stock synchronizer. cache and events may
// be nil.
func NewStockSynchronizer(store StockStore, cache StockCache, events Publisher) *StockSynchronizer {
	return &StockSynchronizer{
		store:  store,
		cache:  cache,
		events: events,
		logger: util.GetLogger(),
	}
}

// SyncProduct recomputes and persists the product's cached stock value,
// returning the fresh count.
func (ss *StockSynchronizer) SyncProduct(ctx context.Context, productID int64) (int, error) {
	ctx, span := util.StartSpan(ctx, "StockSynchronizer.SyncProduct")
	defer span.End()

	start := time.Now()
	defer func() {
		util.StockSyncLatency.Observe(time.Since(start).Seconds())
	}()

	product, err := ss.store.GetProductByID(ctx, productID)
	if err != nil {
		return 0, fmt.Errorf("failed to load product for stock sync: %w", err)
	}

	var stock int
	switch product.AccountType {
	case models.AccountTypeProfileSlots:
		stock, err = ss.store.CountFreeSlots(ctx, productID)
	default:
		stock, err = ss.store.CountActiveAccounts(ctx, productID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count availability: %w", err)
	}

	if err := ss.store.UpdateProductStock(ctx, productID, stock); err != nil {
		return 0, fmt.Errorf("failed to write product stock: %w", err)
	}

	util.StockSyncsTotal.Inc()

	if ss.cache != nil {
		if err := ss.cache.SetStock(ctx, productID, stock); err != nil {
			ss.logger.Warn("Failed to write stock cache",
				zap.Int64("product_id", productID),
				zap.Error(err))
		}
	}

	if ss.events != nil {
		event := &models.StockChangedEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeStockChanged,
				Timestamp: time.Now(),
			},
			ProductID: productID,
			Stock:     stock,
		}
		if err := ss.events.PublishStockChanged(ctx, event); err != nil {
			ss.logger.Error("Failed to publish StockChanged event", zap.Error(err))
		}
	}

	ss.logger.Debug("Stock synchronized",
		zap.Int64("product_id", productID),
		zap.Int("stock", stock))
	return stock, nil
}

// SyncProvider recomputes stock for every product a provider owns, continuing
// past individual failures.
func (ss *StockSynchronizer) SyncProvider(ctx context.Context, products []models.Product) {
	for _, p := range products {
		if _, err := ss.SyncProduct(ctx, p.ID); err != nil {
			ss.logger.Error("Failed to sync product stock",
				zap.Int64("product_id", p.ID),
				zap.Error(err))
		}
	}
}
