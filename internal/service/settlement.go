package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Ledger is the slice of the store the settlement engine moves money and
// order state through. Balance adjustments are atomic deltas; a debit below
// zero fails with models.ErrInsufficientFunds without touching the row.
type Ledger interface {
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetProductByID(ctx context.Context, id int64) (*models.Product, error)
	GetBuyerBalance(ctx context.Context, profileID int64) (decimal.Decimal, error)
	AdjustBuyerBalance(ctx context.Context, profileID int64, delta decimal.Decimal) error
	AdjustProviderBalance(ctx context.Context, profileID int64, delta decimal.Decimal) error
	UpdateOrderStatus(ctx context.Context, orderID int64, status string) error
	UpdateOrderSchedule(ctx context.Context, orderID int64, startsAt, expiresAt time.Time, durationDays int, status string) error
	LinkOrderSlot(ctx context.Context, orderID int64, slotID *int64, credentials []byte) error
	AppendSettlementJournal(ctx context.Context, entry *models.SettlementJournalEntry) error
	MarkSettlementJournalDone(ctx context.Context, entryID string) error
	ResolveOrderTickets(ctx context.Context, orderID int64) (int, error)
}

// Locker serializes settlements per order across sessions. Implemented by the
// Redis client; nil disables locking.
type Locker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
}

// SettlementEngine orchestrates the compensating-transaction workflow for
// renewals, on-demand fulfillment and rejection refunds: validate funds,
// debit buyer, credit provider minus commission, extend or set expiry, and
// roll back committed steps in strict reverse order when a later step fails.
type SettlementEngine struct {
	ledger      Ledger
	alloc       *AllocationEngine
	locks       Locker
	events      Publisher
	commissions CommissionSchedule
	lockTTL     time.Duration
	timeout     time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

// NewSettlementEngine creates a new settlement engine. locks and events may
// be nil; timeout zero disables the per-settlement deadline.
func NewSettlementEngine(ledger Ledger, alloc *AllocationEngine, locks Locker, events Publisher, commissions CommissionSchedule, lockTTL, timeout time.Duration) *SettlementEngine {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &SettlementEngine{
		ledger:      ledger,
		alloc:       alloc,
		locks:       locks,
		events:      events,
		commissions: commissions,
		lockTTL:     lockTTL,
		timeout:     timeout,
		logger:      util.GetLogger(),
		now:         time.Now,
	}
}

// withDeadline bounds a settlement so a stalled dependency cannot hold the
// order lock past its TTL.
func (se *SettlementEngine) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if se.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, se.timeout)
}

// SettlementResult reports what a successful settlement moved and wrote.
type SettlementResult struct {
	OrderID        int64           `json:"order_id"`
	Amount         decimal.Decimal `json:"amount"`
	ProviderCredit decimal.Decimal `json:"provider_credit"`
	StartsAt       time.Time       `json:"starts_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

// renewalAmount picks the price a renewal charges: first positive value among
// the product's renewal price columns, falling back to what the order
// originally paid.
func renewalAmount(product *models.Product, order *models.Order) decimal.Decimal {
	for _, candidate := range []decimal.NullDecimal{product.RenewalPrice, product.PriceRenewal} {
		if candidate.Valid && candidate.Decimal.IsPositive() {
			return candidate.Decimal
		}
	}
	return order.PricePaid
}

// settlementDuration resolves the period a settlement extends: the order's
// own duration, else the product's.
func settlementDuration(product *models.Product, order *models.Order) (int, error) {
	if order.DurationDays > 0 {
		return order.DurationDays, nil
	}
	if product.DurationDays != nil && *product.DurationDays > 0 {
		return *product.DurationDays, nil
	}
	return 0, fmt.Errorf("order %d has no usable duration", order.ID)
}

// RenewOrder extends an existing order's paid period, moving funds from buyer
// to provider. The slot binding is untouched.
func (se *SettlementEngine) RenewOrder(ctx context.Context, orderID int64) (*SettlementResult, error) {
	ctx, span := util.StartSpan(ctx, "SettlementEngine.RenewOrder")
	defer span.End()

	ctx, cancel := se.withDeadline(ctx)
	defer cancel()

	start := time.Now()
	defer func() {
		util.SettlementLatency.Observe(time.Since(start).Seconds())
	}()

	unlock, err := se.lockOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	order, err := se.ledger.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	product, err := se.ledger.GetProductByID(ctx, order.ProductID)
	if err != nil {
		return nil, err
	}
	if !product.Renewable {
		util.SettlementsFailedTotal.WithLabelValues("not_renewable").Inc()
		return nil, models.ErrNotRenewable
	}
	// Nothing was ever delivered on this order; there is no assignment to
	// extend.
	if order.InventorySlotID == nil && len(order.Credentials) == 0 {
		util.SettlementsFailedTotal.WithLabelValues("no_linked_order").Inc()
		return nil, models.ErrNoLinkedOrder
	}

	amount := renewalAmount(product, order)
	if !amount.IsPositive() {
		util.SettlementsFailedTotal.WithLabelValues("no_price").Inc()
		return nil, fmt.Errorf("order %d has no usable renewal price", orderID)
	}

	durationDays, err := settlementDuration(product, order)
	if err != nil {
		util.SettlementsFailedTotal.WithLabelValues("no_duration").Inc()
		return nil, err
	}

	result, err := se.settle(ctx, "RenewOrder", order, product, amount, durationDays, nil)
	if err != nil {
		return nil, err
	}

	se.publishRenewed(ctx, order, result)
	util.SettlementsTotal.WithLabelValues("renewal").Inc()
	se.logger.Info("Order renewed",
		zap.Int64("order_id", orderID),
		zap.String("amount", result.Amount.String()),
		zap.Time("expires_at", result.ExpiresAt))
	return result, nil
}

// FulfillOnDemand delivers an on-demand order: allocates inventory, links it
// onto the order, and runs the same settlement steps as a renewal using the
// order's paid price.
func (se *SettlementEngine) FulfillOnDemand(ctx context.Context, orderID int64) (*SettlementResult, error) {
	ctx, span := util.StartSpan(ctx, "SettlementEngine.FulfillOnDemand")
	defer span.End()

	ctx, cancel := se.withDeadline(ctx)
	defer cancel()

	start := time.Now()
	defer func() {
		util.SettlementLatency.Observe(time.Since(start).Seconds())
	}()

	unlock, err := se.lockOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	order, err := se.ledger.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusPending && order.Status != models.OrderStatusInProgress {
		return nil, fmt.Errorf("order %d is not awaiting fulfillment (status %s)", orderID, order.Status)
	}
	product, err := se.ledger.GetProductByID(ctx, order.ProductID)
	if err != nil {
		return nil, err
	}

	amount := order.PricePaid
	durationDays, err := settlementDuration(product, order)
	if err != nil {
		util.SettlementsFailedTotal.WithLabelValues("no_duration").Inc()
		return nil, err
	}

	result, err := se.settle(ctx, "FulfillOnDemand", order, product, amount, durationDays, func(ctx context.Context) (func(context.Context) error, error) {
		binding, err := se.alloc.Allocate(ctx, order, product)
		if err != nil {
			return nil, err
		}

		// The claim is a committed step from here on: any later failure
		// returns this undo so compensation frees the inventory again.
		undo := func(ctx context.Context) error {
			if binding.SlotID != nil {
				return se.alloc.ReleaseSlot(ctx, *binding.SlotID)
			}
			return se.alloc.ReleaseAccount(ctx, binding.AccountID)
		}

		snapshot, err := json.Marshal(binding.Snapshot())
		if err != nil {
			return undo, err
		}
		if err := se.ledger.LinkOrderSlot(ctx, order.ID, binding.SlotID, snapshot); err != nil {
			return undo, fmt.Errorf("failed to link slot to order: %w", err)
		}
		return undo, nil
	})
	if err != nil {
		return nil, err
	}

	util.SettlementsTotal.WithLabelValues("on_demand").Inc()
	se.logger.Info("On-demand order fulfilled",
		zap.Int64("order_id", orderID),
		zap.Time("expires_at", result.ExpiresAt))
	return result, nil
}

// settle runs the shared debit/credit/extend sequence. allocate, when
// non-nil, runs after the money steps and returns an undo used during
// compensation. Committed steps are reversed in strict reverse order on any
// later failure.
func (se *SettlementEngine) settle(ctx context.Context, op string, order *models.Order, product *models.Product, amount decimal.Decimal, durationDays int, allocate func(context.Context) (func(context.Context) error, error)) (*SettlementResult, error) {
	// Step 1-2: validate funds before committing anything. The atomic debit
	// below re-checks; this keeps the common failure cheap and unambiguous.
	balance, err := se.ledger.GetBuyerBalance(ctx, order.BuyerID)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(amount) {
		util.SettlementsFailedTotal.WithLabelValues("insufficient_funds").Inc()
		return nil, models.ErrInsufficientFunds
	}

	// Step 3: debit buyer.
	debitEntry := se.journalIntent(ctx, order.ID, models.JournalStepDebitBuyer, amount)
	if err := se.ledger.AdjustBuyerBalance(ctx, order.BuyerID, amount.Neg()); err != nil {
		if errors.Is(err, models.ErrInsufficientFunds) {
			util.SettlementsFailedTotal.WithLabelValues("insufficient_funds").Inc()
			return nil, models.ErrInsufficientFunds
		}
		util.SettlementsFailedTotal.WithLabelValues("debit_failed").Inc()
		return nil, fmt.Errorf("failed to debit buyer: %w", err)
	}
	se.journalDone(ctx, debitEntry)

	undoDebit := func(ctx context.Context) error {
		return se.ledger.AdjustBuyerBalance(ctx, order.BuyerID, amount)
	}

	// Step 4: credit provider, net of commission.
	net := se.commissions.NetCredit(product.AccountType, amount)
	var undoCredit func(ctx context.Context) error
	if net.IsPositive() {
		creditEntry := se.journalIntent(ctx, order.ID, models.JournalStepCreditProvider, net)
		if err := se.ledger.AdjustProviderBalance(ctx, order.ProviderID, net); err != nil {
			util.SettlementsFailedTotal.WithLabelValues("credit_failed").Inc()
			return nil, se.compensate(ctx, op, order.ID, fmt.Errorf("failed to credit provider: %w", err), undoDebit)
		}
		se.journalDone(ctx, creditEntry)
		undoCredit = func(ctx context.Context) error {
			return se.ledger.AdjustProviderBalance(ctx, order.ProviderID, net.Neg())
		}
	}

	// On-demand only: allocate inventory and link it before extending. The
	// closure hands back its undo even on failure so a claim committed before
	// the link broke is reversed with the money steps.
	var undoAllocation func(context.Context) error
	if allocate != nil {
		undo, err := allocate(ctx)
		if err != nil {
			util.SettlementsFailedTotal.WithLabelValues("allocation_failed").Inc()
			return nil, se.compensate(ctx, op, order.ID, err, undo, undoCredit, undoDebit)
		}
		undoAllocation = undo
	}

	// Step 5: extend or set the validity period.
	now := se.now()
	startsAt := now
	if order.StartsAt != nil {
		startsAt = *order.StartsAt
	}
	status := models.OrderStatusPaid
	if allocate != nil {
		startsAt = now
		status = models.OrderStatusDelivered
	}
	expiresAt := NextExpiry(order.ExpiresAt, durationDays, now)

	extendEntry := se.journalIntent(ctx, order.ID, models.JournalStepExtendOrder, amount)
	if err := se.ledger.UpdateOrderSchedule(ctx, order.ID, startsAt, expiresAt, durationDays, status); err != nil {
		util.SettlementsFailedTotal.WithLabelValues("extend_failed").Inc()
		return nil, se.compensate(ctx, op, order.ID, fmt.Errorf("failed to update order schedule: %w", err), undoAllocation, undoCredit, undoDebit)
	}
	se.journalDone(ctx, extendEntry)

	return &SettlementResult{
		OrderID:        order.ID,
		Amount:         amount,
		ProviderCredit: net,
		StartsAt:       startsAt,
		ExpiresAt:      expiresAt,
	}, nil
}

// RejectOrder reverses an on-demand delivery: refunds the buyer the full paid
// price, marks the order rejected and releases the linked slot. The refund is
// a single step; nothing else was committed, so no compensation chain.
func (se *SettlementEngine) RejectOrder(ctx context.Context, orderID int64) error {
	ctx, span := util.StartSpan(ctx, "SettlementEngine.RejectOrder")
	defer span.End()

	unlock, err := se.lockOrder(ctx, orderID)
	if err != nil {
		return err
	}
	defer unlock()

	order, err := se.ledger.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status == models.OrderStatusRejected || order.Status == models.OrderStatusRefunded {
		return nil
	}

	if order.PricePaid.IsPositive() {
		if err := se.ledger.AdjustBuyerBalance(ctx, order.BuyerID, order.PricePaid); err != nil {
			return fmt.Errorf("failed to refund buyer: %w", err)
		}
	}

	if err := se.ledger.UpdateOrderStatus(ctx, orderID, models.OrderStatusRejected); err != nil {
		return fmt.Errorf("failed to mark order rejected: %w", err)
	}

	if order.InventorySlotID != nil {
		if err := se.alloc.ReleaseSlot(ctx, *order.InventorySlotID); err != nil {
			se.logger.Error("Failed to release slot after rejection",
				zap.Int64("order_id", orderID),
				zap.Int64("slot_id", *order.InventorySlotID),
				zap.Error(err))
		}
	}

	// Support tickets opened against the order are closed with it. Auxiliary
	// bookkeeping, so a failure downgrades to a warning.
	if resolved, err := se.ledger.ResolveOrderTickets(ctx, orderID); err != nil {
		se.logger.Warn("Failed to resolve support tickets for rejected order",
			zap.Int64("order_id", orderID),
			zap.Error(err))
	} else if resolved > 0 {
		se.logger.Info("Resolved support tickets for rejected order",
			zap.Int64("order_id", orderID),
			zap.Int("tickets", resolved))
	}

	se.publishRejected(ctx, order)
	se.logger.Info("Order rejected and refunded",
		zap.Int64("order_id", orderID),
		zap.String("refunded", order.PricePaid.String()))
	return nil
}

// compensate reverses committed steps in the order given (callers pass them
// already reversed), then wraps the original error. A nil undo is skipped.
// Compensation failures are collected, never retried.
func (se *SettlementEngine) compensate(ctx context.Context, op string, orderID int64, cause error, undos ...func(context.Context) error) error {
	util.CompensationsTotal.Inc()

	var compErrs []error
	for _, undo := range undos {
		if undo == nil {
			continue
		}
		if err := undo(ctx); err != nil {
			compErrs = append(compErrs, err)
		}
	}

	pse := &PartialSettlementError{
		Op:               op,
		OrderID:          orderID,
		Err:              cause,
		CompensationErrs: compErrs,
	}

	if len(compErrs) > 0 {
		// Balances are now inconsistent; this needs manual reconciliation
		// and must never be mistaken for an ordinary failure.
		util.CompensationFailuresTotal.Inc()
		se.logger.Error("SETTLEMENT COMPENSATION FAILED - manual reconciliation required",
			zap.String("op", op),
			zap.Int64("order_id", orderID),
			zap.NamedError("original", cause),
			zap.Errors("compensation", compErrs))
	} else {
		se.logger.Warn("Settlement rolled back",
			zap.String("op", op),
			zap.Int64("order_id", orderID),
			zap.Error(cause))
		se.publishCompensated(ctx, orderID, cause)
	}
	return pse
}

// lockOrder serializes settlement per order id. Lock service outages degrade
// to a warning rather than blocking settlements.
func (se *SettlementEngine) lockOrder(ctx context.Context, orderID int64) (func(), error) {
	if se.locks == nil {
		return func() {}, nil
	}

	key := fmt.Sprintf("settlement:order:%d", orderID)
	ok, err := se.locks.AcquireLock(ctx, key, se.lockTTL)
	if err != nil {
		se.logger.Warn("Lock service unavailable, settling without lock",
			zap.Int64("order_id", orderID),
			zap.Error(err))
		return func() {}, nil
	}
	if !ok {
		return nil, models.ErrSettlementInProgress
	}
	return func() {
		if err := se.locks.ReleaseLock(ctx, key); err != nil {
			se.logger.Warn("Failed to release settlement lock",
				zap.Int64("order_id", orderID),
				zap.Error(err))
		}
	}, nil
}

// journalIntent records a step about to run. Journal failures are downgraded:
// the journal exists for crash recovery, compensation remains the primary
// correctness mechanism.
func (se *SettlementEngine) journalIntent(ctx context.Context, orderID int64, step string, amount decimal.Decimal) string {
	entry := &models.SettlementJournalEntry{
		ID:      uuid.New().String(),
		OrderID: orderID,
		Step:    step,
		Amount:  amount,
	}
	if err := se.ledger.AppendSettlementJournal(ctx, entry); err != nil {
		se.logger.Warn("Failed to append settlement journal",
			zap.Int64("order_id", orderID),
			zap.String("step", step),
			zap.Error(err))
		return ""
	}
	return entry.ID
}

func (se *SettlementEngine) journalDone(ctx context.Context, entryID string) {
	if entryID == "" {
		return
	}
	if err := se.ledger.MarkSettlementJournalDone(ctx, entryID); err != nil {
		se.logger.Warn("Failed to mark settlement journal entry done",
			zap.String("entry_id", entryID),
			zap.Error(err))
	}
}

func (se *SettlementEngine) publishRenewed(ctx context.Context, order *models.Order, result *SettlementResult) {
	if se.events == nil {
		return
	}
	event := &models.OrderRenewedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderRenewed,
			Timestamp: time.Now(),
		},
		OrderID:   order.ID,
		BuyerID:   order.BuyerID,
		Amount:    result.Amount,
		ExpiresAt: result.ExpiresAt,
	}
	if err := se.events.PublishOrderRenewed(ctx, event); err != nil {
		se.logger.Error("Failed to publish OrderRenewed event", zap.Error(err))
	}
}

func (se *SettlementEngine) publishRejected(ctx context.Context, order *models.Order) {
	if se.events == nil {
		return
	}
	event := &models.OrderRejectedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderRejected,
			Timestamp: time.Now(),
		},
		OrderID:  order.ID,
		BuyerID:  order.BuyerID,
		Refunded: order.PricePaid,
	}
	if err := se.events.PublishOrderRejected(ctx, event); err != nil {
		se.logger.Error("Failed to publish OrderRejected event", zap.Error(err))
	}
}

func (se *SettlementEngine) publishCompensated(ctx context.Context, orderID int64, cause error) {
	if se.events == nil {
		return
	}
	event := &models.SettlementCompensatedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeSettlementCompensated,
			Timestamp: time.Now(),
		},
		OrderID: orderID,
		Reason:  cause.Error(),
	}
	if err := se.events.PublishSettlementCompensated(ctx, event); err != nil {
		se.logger.Error("Failed to publish SettlementCompensated event", zap.Error(err))
	}
}
