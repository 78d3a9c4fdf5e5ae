package worker

import (
	"context"
	"log"

	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/service"
)

// StockWorker listens to the realtime change channel and re-synchronizes
// product stock. It never mutates inventory itself; the synchronizer is
// idempotent, so redundant triggers are harmless.
type StockWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	stock        *service.StockSynchronizer
}

// NewStockWorker creates a new stock worker
func NewStockWorker(consumer *broker.Consumer, stock *service.StockSynchronizer) *StockWorker {
	eventHandler := broker.NewEventHandler()

	eventHandler.OnStockAffecting(func(ctx context.Context, productID int64) error {
		_, err := stock.SyncProduct(ctx, productID)
		return err
	})

	return &StockWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		stock:        stock,
	}
}

// Start starts the worker
func (w *StockWorker) Start(ctx context.Context) error {
	log.Println("Starting stock worker...")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *StockWorker) Stop() error {
	log.Println("Stopping stock worker...")
	return w.consumer.Close()
}
