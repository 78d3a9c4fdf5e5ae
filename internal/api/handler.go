package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// ReadStore is the read access used directly by the handlers.
type ReadStore interface {
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrdersByBuyer(ctx context.Context, buyerID int64) ([]models.Order, error)
	GetSlotsByBuyer(ctx context.Context, buyerID, productID int64) ([]models.InventorySlot, error)
	GetProductByID(ctx context.Context, id int64) (*models.Product, error)
	GetProductsByProvider(ctx context.Context, providerID int64) ([]models.Product, error)
	GetBuyerBalance(ctx context.Context, profileID int64) (decimal.Decimal, error)
	GetProviderBalance(ctx context.Context, profileID int64) (decimal.Decimal, error)
	GetOpenSettlementJournal(ctx context.Context, orderID int64) ([]models.SettlementJournalEntry, error)
}

// StockCache is the cached-stock read used by the fast stock endpoint. May be
// nil; the handler falls back to the product row.
type StockCache interface {
	GetStock(ctx context.Context, productID int64) (int, error)
}

// Handler contains HTTP handlers
type Handler struct {
	settlement   *service.SettlementEngine
	allocation   *service.AllocationEngine
	stock        *service.StockSynchronizer
	resolver     *service.CredentialResolver
	provisioning *service.ProvisioningService
	store        ReadStore
	cache        StockCache
}

// NewHandler creates a new HTTP handler
func NewHandler(
	settlement *service.SettlementEngine,
	allocation *service.AllocationEngine,
	stock *service.StockSynchronizer,
	resolver *service.CredentialResolver,
	provisioning *service.ProvisioningService,
	store ReadStore,
	cache StockCache,
) *Handler {
	return &Handler{
		settlement:   settlement,
		allocation:   allocation,
		stock:        stock,
		resolver:     resolver,
		provisioning: provisioning,
		store:        store,
		cache:        cache,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/orders/:id", h.getOrder)
		v1.GET("/orders/:id/credentials", h.getOrderCredentials)
		v1.GET("/orders/:id/settlement-journal", h.getSettlementJournal)
		v1.POST("/orders/:id/renew", h.renewOrder)
		v1.POST("/orders/:id/fulfill", h.fulfillOrder)
		v1.POST("/orders/:id/reject", h.rejectOrder)
		v1.POST("/slots/:id/release", h.releaseSlot)
		v1.POST("/accounts/:id/release", h.releaseAccount)
		v1.GET("/products/:id/stock", h.getStock)
		v1.POST("/products/:id/sync-stock", h.syncStock)
		v1.POST("/products/:id/profiles", h.loadProfiles)
		v1.POST("/products/:id/accounts", h.loadAccount)
		v1.POST("/providers/:id/sync-stock", h.syncProviderStock)
		v1.GET("/buyers/:id/orders", h.getBuyerOrders)
		v1.GET("/buyers/:id/slots", h.getBuyerSlots)
		v1.GET("/profiles/:id/balances", h.getBalances)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid id"})
		return 0, false
	}
	return id, true
}

// businessStatus maps business-rule violations to HTTP statuses. Anything
// unrecognized is a 500.
func businessStatus(err error) int {
	switch {
	case errors.Is(err, models.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, models.ErrNoStockAvailable),
		errors.Is(err, models.ErrOrderStillActive),
		errors.Is(err, models.ErrSettlementInProgress):
		return http.StatusConflict
	case errors.Is(err, models.ErrNotRenewable),
		errors.Is(err, models.ErrNoLinkedOrder):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (h *Handler) renewOrder(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}

	result, err := h.settlement.RenewOrder(c.Request.Context(), orderID)
	if err != nil {
		var pse *service.PartialSettlementError
		if errors.As(err, &pse) {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":       "Settlement failed",
				"compensated": pse.Compensated(),
				"details":     pse.Error(),
			})
			return
		}
		c.JSON(businessStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) fulfillOrder(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}

	result, err := h.settlement.FulfillOnDemand(c.Request.Context(), orderID)
	if err != nil {
		var pse *service.PartialSettlementError
		if errors.As(err, &pse) {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":       "Fulfillment failed",
				"compensated": pse.Compensated(),
				"details":     pse.Error(),
			})
			return
		}
		c.JSON(businessStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) rejectOrder(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}

	if err := h.settlement.RejectOrder(c.Request.Context(), orderID); err != nil {
		c.JSON(businessStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"order_id": orderID, "status": models.OrderStatusRejected})
}

func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}

	order, err := h.store.GetOrderByID(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, order)
}

// getOrderCredentials runs the credential resolver for orders whose slot
// link is missing. A miss is a 200 with found=false; the dashboard shows "-".
func (h *Handler) getOrderCredentials(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}

	order, err := h.store.GetOrderByID(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found", "details": err.Error()})
		return
	}

	resolution, err := h.resolver.ResolveOrder(c.Request.Context(), order)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Resolution failed", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resolution)
}

func (h *Handler) releaseSlot(c *gin.Context) {
	slotID, ok := pathID(c)
	if !ok {
		return
	}

	if err := h.allocation.ReleaseSlot(c.Request.Context(), slotID); err != nil {
		c.JSON(businessStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"slot_id": slotID, "status": models.SlotStatusFree})
}

func (h *Handler) releaseAccount(c *gin.Context) {
	accountID, ok := pathID(c)
	if !ok {
		return
	}

	if err := h.allocation.ReleaseAccount(c.Request.Context(), accountID); err != nil {
		c.JSON(businessStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"account_id": accountID, "active": true})
}

func (h *Handler) syncStock(c *gin.Context) {
	productID, ok := pathID(c)
	if !ok {
		return
	}

	stock, err := h.stock.SyncProduct(c.Request.Context(), productID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Stock sync failed", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"product_id": productID, "stock": stock})
}

type loadProfilesRequest struct {
	Login    string                `json:"login" binding:"required"`
	Password string                `json:"password" binding:"required"`
	Profiles []service.ProfileSpec `json:"profiles" binding:"required,min=1"`
}

func (h *Handler) loadProfiles(c *gin.Context) {
	productID, ok := pathID(c)
	if !ok {
		return
	}

	var req loadProfilesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	slots, err := h.provisioning.LoadProfileInventory(c.Request.Context(), productID, req.Login, req.Password, req.Profiles)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Provisioning failed", "details": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"product_id": productID, "slots": slots})
}

type loadAccountRequest struct {
	Login    string `json:"login" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) loadAccount(c *gin.Context) {
	productID, ok := pathID(c)
	if !ok {
		return
	}

	var req loadAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	account, err := h.provisioning.LoadFullAccount(c.Request.Context(), productID, req.Login, req.Password)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Provisioning failed", "details": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, account)
}

// getStock serves the fast stock read from the cache, falling back to the
// product row when the value is not cached.
func (h *Handler) getStock(c *gin.Context) {
	productID, ok := pathID(c)
	if !ok {
		return
	}

	if h.cache != nil {
		if stock, err := h.cache.GetStock(c.Request.Context(), productID); err == nil {
			c.JSON(http.StatusOK, gin.H{"product_id": productID, "stock": stock, "source": "cache"})
			return
		}
	}

	product, err := h.store.GetProductByID(c.Request.Context(), productID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Product not found", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"product_id": productID, "stock": product.StockAvailable, "source": "database"})
}

func (h *Handler) syncProviderStock(c *gin.Context) {
	providerID, ok := pathID(c)
	if !ok {
		return
	}

	products, err := h.store.GetProductsByProvider(c.Request.Context(), providerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list products", "details": err.Error()})
		return
	}

	h.stock.SyncProvider(c.Request.Context(), products)
	c.JSON(http.StatusOK, gin.H{"provider_id": providerID, "products_synced": len(products)})
}

func (h *Handler) getBuyerOrders(c *gin.Context) {
	buyerID, ok := pathID(c)
	if !ok {
		return
	}

	orders, err := h.store.GetOrdersByBuyer(c.Request.Context(), buyerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list orders", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"buyer_id": buyerID, "orders": orders})
}

func (h *Handler) getBuyerSlots(c *gin.Context) {
	buyerID, ok := pathID(c)
	if !ok {
		return
	}

	productID, err := strconv.ParseInt(c.Query("product_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid product_id"})
		return
	}

	slots, err := h.store.GetSlotsByBuyer(c.Request.Context(), buyerID, productID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list slots", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"buyer_id": buyerID, "product_id": productID, "slots": slots})
}

// getBalances reads both sides of a profile's wallet. The provider balance is
// omitted when the deployment has no provider balance column.
func (h *Handler) getBalances(c *gin.Context) {
	profileID, ok := pathID(c)
	if !ok {
		return
	}

	balance, err := h.store.GetBuyerBalance(c.Request.Context(), profileID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Profile not found", "details": err.Error()})
		return
	}

	resp := gin.H{"profile_id": profileID, "balance": balance}
	if provider, err := h.store.GetProviderBalance(c.Request.Context(), profileID); err == nil {
		resp["provider_balance"] = provider
	}

	c.JSON(http.StatusOK, resp)
}

// getSettlementJournal lists journal entries recorded but never marked done,
// the starting point for manual reconciliation after a failed compensation.
func (h *Handler) getSettlementJournal(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}

	entries, err := h.store.GetOpenSettlementJournal(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read journal", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"order_id": orderID, "open_entries": entries})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
