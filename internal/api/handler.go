package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"print-workflow/internal/auth"
	"print-workflow/internal/models"
	"print-workflow/internal/realtime"
	"print-workflow/internal/redisclient"
	"print-workflow/internal/service"
	"print-workflow/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Services bundles the workflow managers the handler serves
type Services struct {
	Orders     *service.OrderService
	Payments   *service.PaymentService
	Production *service.ProductionService
	Views      realtime.ViewFetcher
	Hub        *realtime.Hub
	Resolver   *auth.Resolver
	// Verifier is nil in development; the X-User-ID header is trusted then
	Verifier *auth.TokenVerifier
}

// ResponseCache stores POST responses by Idempotency-Key. *redisclient.Client
// implements it.
type ResponseCache interface {
	Ping(ctx context.Context) error
	RecallResponse(ctx context.Context, scope, key string) (*redisclient.CachedResponse, error)
	RememberResponse(ctx context.Context, scope, key string, resp redisclient.CachedResponse, ttl time.Duration) error
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
}

// Options tunes optional handler behaviour
type Options struct {
	// Idempotency caches POST responses by Idempotency-Key when set
	Idempotency    ResponseCache
	IdempotencyTTL time.Duration
	// Ready reports whether dependencies are reachable
	Ready          func(ctx context.Context) error
	AllowedOrigins []string
}

// Handler contains HTTP handlers
type Handler struct {
	svc      Services
	opts     Options
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(svc Services, opts Options) *Handler {
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}

	h := &Handler{
		svc:    svc,
		opts:   opts,
		logger: util.Named("api"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/ws", h.authenticate(), h.serveWS)

	v1 := router.Group("/api/v1", h.authenticate())
	{
		v1.POST("/orders", h.idempotent(), h.createOrder)
		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/:id", h.getOrder)
		v1.GET("/customers", h.listCustomers)
		v1.GET("/stats", h.stats)

		v1.POST("/orders/:id/payments", h.idempotent(), h.settlePayment)
		v1.GET("/payments", h.listPayments)
		v1.GET("/payments/today", h.todaySummary)

		v1.POST("/orders/:id/work-orders", h.idempotent(), h.createWorkOrder)
		v1.GET("/work-orders", h.listWorkOrders)
		v1.GET("/work-orders/counts", h.stageCounts)
		v1.POST("/work-orders/:id/advance", h.idempotent(), h.advanceStage)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests. A lost idempotency cache
// only degrades POST replay, so it is reported but does not fail the check.
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	idempotency := "disabled"
	if h.opts.Idempotency != nil {
		idempotency = "ok"
		if err := h.opts.Idempotency.Ping(ctx); err != nil {
			h.logger.Warn("Idempotency cache unreachable", zap.Error(err))
			idempotency = "degraded"
		}
	}

	if h.opts.Ready != nil {
		if err := h.opts.Ready(ctx); err != nil {
			h.logger.Warn("Readiness check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unavailable",
				"time":   time.Now().Unix(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "ready",
		"idempotency": idempotency,
		"time":        time.Now().Unix(),
	})
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader(idempotencyHeader)
	}

	order, err := h.svc.Orders.CreateOrder(c.Request.Context(), identity(c), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

// listOrders handles order listing with optional filters
func (h *Handler) listOrders(c *gin.Context) {
	filter := models.OrderFilter{
		Search:        c.Query("search"),
		PaymentStatus: models.PaymentStatus(c.Query("payment_status")),
		OrderStatus:   models.OrderStatus(c.Query("order_status")),
	}

	orders, err := h.svc.Orders.ListOrders(c.Request.Context(), identity(c), filter)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}

	order, err := h.svc.Orders.GetOrder(c.Request.Context(), identity(c), orderID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

func (h *Handler) listCustomers(c *gin.Context) {
	customers, err := h.svc.Orders.ListCustomers(c.Request.Context(), identity(c))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"customers": customers})
}

func (h *Handler) stats(c *gin.Context) {
	stats, err := h.svc.Orders.Stats(c.Request.Context(), identity(c))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

// settlePayment handles a cashier settlement
func (h *Handler) settlePayment(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}

	var req service.SettlePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	payment, err := h.svc.Payments.SettlePayment(c.Request.Context(), identity(c), orderID, &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, payment)
}

func (h *Handler) listPayments(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(c, "Invalid limit", err)
			return
		}
		limit = n
	}

	payments, err := h.svc.Payments.RecentPayments(c.Request.Context(), identity(c), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payments": payments})
}

func (h *Handler) todaySummary(c *gin.Context) {
	summary, err := h.svc.Payments.TodaySummary(c.Request.Context(), identity(c))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

// createWorkOrder opens production for a paid order. The body is optional.
func (h *Handler) createWorkOrder(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}

	var req service.CreateWorkOrderRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body", err)
			return
		}
	}

	wo, err := h.svc.Production.CreateWorkOrder(c.Request.Context(), identity(c), orderID, &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, wo)
}

func (h *Handler) listWorkOrders(c *gin.Context) {
	filter := models.WorkOrderFilter{
		Search: c.Query("search"),
		Stage:  models.Stage(c.Query("stage")),
	}

	workOrders, err := h.svc.Production.ListWorkOrders(c.Request.Context(), identity(c), filter)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"work_orders": workOrders})
}

func (h *Handler) stageCounts(c *gin.Context) {
	counts, err := h.svc.Production.StageCounts(c.Request.Context(), identity(c))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, counts)
}

// advanceRequest carries the stage the operator saw, so a resubmitted request
// cannot advance the work order twice
type advanceRequest struct {
	ExpectedStage *models.Stage `json:"expected_stage" binding:"required"`
}

// advanceStage moves a work order one stage forward
func (h *Handler) advanceStage(c *gin.Context) {
	workOrderID, ok := pathID(c)
	if !ok {
		return
	}

	var req advanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	wo, err := h.svc.Production.AdvanceStage(c.Request.Context(), identity(c), workOrderID, req.ExpectedStage)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, wo)
}

// serveWS upgrades the connection and streams the caller's role view
func (h *Handler) serveWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	realtime.NewClient(h.svc.Hub, conn, identity(c), h.svc.Views).Start()
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "Invalid id", err)
		return uuid.Nil, false
	}
	return id, true
}

func badRequest(c *gin.Context, msg string, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   msg,
		"details": err.Error(),
	})
}
