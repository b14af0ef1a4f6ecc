package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"print-workflow/internal/auth"
	"print-workflow/internal/errs"
	"print-workflow/internal/gateway"
	"print-workflow/internal/models"
	"print-workflow/internal/realtime"
	"print-workflow/internal/redisclient"
	"print-workflow/internal/service"
	"print-workflow/internal/store/memory"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router   *gin.Engine
	repo     *memory.Store
	hub      *realtime.Hub
	intake   uuid.UUID
	cashier  uuid.UUID
	operator uuid.UUID
}

func newTestServer(t *testing.T, verifier *auth.TokenVerifier) *testServer {
	t.Helper()
	return newTestServerWithOptions(t, verifier, Options{})
}

func newTestServerWithOptions(t *testing.T, verifier *auth.TokenVerifier, opts Options) *testServer {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	repo := memory.New()
	ts := &testServer{
		repo:     repo,
		hub:      realtime.NewHub(),
		intake:   uuid.New(),
		cashier:  uuid.New(),
		operator: uuid.New(),
	}
	require.NoError(t, repo.SetUserRole(ctx, ts.intake, "designer"))
	require.NoError(t, repo.SetUserRole(ctx, ts.cashier, "cashier"))
	require.NoError(t, repo.SetUserRole(ctx, ts.operator, "operator"))
	go ts.hub.Run(ctx)

	orders := service.NewOrderService(repo)
	payments := service.NewPaymentService(repo, gateway.NewMock(1.0, 0), service.DefaultReconcilePolicy)
	production := service.NewProductionService(repo, service.DefaultReconcilePolicy)
	if opts.Ready == nil {
		opts.Ready = func(ctx context.Context) error { return nil }
	}

	handler := NewHandler(Services{
		Orders:     orders,
		Payments:   payments,
		Production: production,
		Views:      service.NewViewService(orders, payments, production),
		Hub:        ts.hub,
		Resolver:   auth.NewResolver(repo),
		Verifier:   verifier,
	}, opts)

	ts.router = gin.New()
	handler.SetupRoutes(ts.router)
	return ts
}

func (ts *testServer) do(t *testing.T, user uuid.UUID, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != uuid.Nil {
		req.Header.Set(userIDHeader, user.String())
	}

	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func orderBody() gin.H {
	return gin.H{
		"new_customer": gin.H{"name": "Toko Maju"},
		"items": []gin.H{
			{"product_name": "Banner 3x1m", "quantity": 2, "price": 50000},
		},
	}
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, uuid.Nil, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, uuid.Nil, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "disabled", decode[map[string]interface{}](t, w)["idempotency"])
}

func TestWorkflowOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, ts.intake, http.MethodPost, "/api/v1/orders", orderBody())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	order := decode[models.Order](t, w)
	assert.Regexp(t, `^ORD-\d{8}-\d{3}$`, order.OrderNumber)
	assert.Equal(t, int64(100000), order.TotalAmount)

	w = ts.do(t, ts.intake, http.MethodPost, fmt.Sprintf("/api/v1/orders/%s/work-orders", order.ID), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	settle := gin.H{"amount": order.TotalAmount, "method": "cash"}
	w = ts.do(t, ts.cashier, http.MethodPost, fmt.Sprintf("/api/v1/orders/%s/payments", order.ID), settle)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = ts.do(t, ts.cashier, http.MethodPost, fmt.Sprintf("/api/v1/orders/%s/payments", order.ID), settle)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_paid", decode[map[string]string](t, w)["kind"])

	w = ts.do(t, ts.intake, http.MethodPost, fmt.Sprintf("/api/v1/orders/%s/work-orders", order.ID), gin.H{"notes": "matte"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	wo := decode[models.WorkOrder](t, w)
	assert.Equal(t, models.StagePending, wo.Stage)

	from := wo.Stage
	for _, expected := range []models.Stage{models.StagePrinting, models.StageFinishing, models.StageDone} {
		w = ts.do(t, ts.operator, http.MethodPost, fmt.Sprintf("/api/v1/work-orders/%s/advance", wo.ID), gin.H{"expected_stage": from})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, expected, decode[models.WorkOrder](t, w).Stage)
		from = expected
	}

	w = ts.do(t, ts.operator, http.MethodPost, fmt.Sprintf("/api/v1/work-orders/%s/advance", wo.ID), gin.H{"expected_stage": "done"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "terminal_state", decode[map[string]string](t, w)["kind"])

	w = ts.do(t, ts.operator, http.MethodPost, fmt.Sprintf("/api/v1/work-orders/%s/advance", wo.ID), gin.H{"expected_stage": "finishing"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, ts.intake, http.MethodGet, "/api/v1/orders/"+order.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.OrderStatusCompleted, decode[models.Order](t, w).OrderStatus)

	w = ts.do(t, ts.operator, http.MethodGet, "/api/v1/work-orders?stage=done", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		WorkOrders []models.WorkOrder `json:"work_orders"`
	}](t, w)
	assert.Len(t, list.WorkOrders, 1)

	w = ts.do(t, ts.cashier, http.MethodGet, "/api/v1/payments", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, ts.intake, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[models.OrderStats](t, w).TotalOrders)
}

func TestErrorStatuses(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, ts.intake, http.MethodPost, "/api/v1/orders", orderBody())
	require.Equal(t, http.StatusCreated, w.Code)
	order := decode[models.Order](t, w)

	testCases := []struct {
		name     string
		user     uuid.UUID
		method   string
		path     string
		body     interface{}
		expected int
	}{
		{"no identity", uuid.Nil, http.MethodGet, "/api/v1/orders", nil, http.StatusUnauthorized},
		{"user without role", uuid.New(), http.MethodGet, "/api/v1/orders", nil, http.StatusForbidden},
		{"cashier creating order", ts.cashier, http.MethodPost, "/api/v1/orders", orderBody(), http.StatusForbidden},
		{"operator listing orders", ts.operator, http.MethodGet, "/api/v1/orders", nil, http.StatusForbidden},
		{"empty order", ts.intake, http.MethodPost, "/api/v1/orders", gin.H{"new_customer": gin.H{"name": "X"}}, http.StatusBadRequest},
		{"malformed id", ts.intake, http.MethodGet, "/api/v1/orders/42", nil, http.StatusBadRequest},
		{"unknown order", ts.intake, http.MethodGet, "/api/v1/orders/" + uuid.NewString(), nil, http.StatusNotFound},
		{"amount mismatch", ts.cashier, http.MethodPost, "/api/v1/orders/" + order.ID.String() + "/payments",
			gin.H{"amount": 1, "method": "cash"}, http.StatusUnprocessableEntity},
		{"card declined", ts.cashier, http.MethodPost, "/api/v1/orders/" + order.ID.String() + "/payments",
			gin.H{"amount": order.TotalAmount, "method": "card", "card_token": gateway.DeclineToken}, http.StatusBadGateway},
		{"unknown stage filter", ts.operator, http.MethodGet, "/api/v1/work-orders?stage=shipping", nil, http.StatusBadRequest},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := ts.do(t, tc.user, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.expected, w.Code, w.Body.String())
		})
	}
}

func TestInvalidBody(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader("{"))
	req.Header.Set(userIDHeader, ts.intake.String())
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdvanceRequiresObservedStage(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, ts.intake, http.MethodPost, "/api/v1/orders", orderBody())
	require.Equal(t, http.StatusCreated, w.Code)
	order := decode[models.Order](t, w)

	w = ts.do(t, ts.cashier, http.MethodPost, fmt.Sprintf("/api/v1/orders/%s/payments", order.ID),
		gin.H{"amount": order.TotalAmount, "method": "cash"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = ts.do(t, ts.intake, http.MethodPost, fmt.Sprintf("/api/v1/orders/%s/work-orders", order.ID), nil)
	require.Equal(t, http.StatusCreated, w.Code)
	wo := decode[models.WorkOrder](t, w)
	path := fmt.Sprintf("/api/v1/work-orders/%s/advance", wo.ID)

	w = ts.do(t, ts.operator, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, ts.operator, http.MethodPost, path, gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	for i := 0; i < 2; i++ {
		w = ts.do(t, ts.operator, http.MethodPost, path, gin.H{"expected_stage": "pending"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, models.StagePrinting, decode[models.WorkOrder](t, w).Stage)
	}

	stored, err := ts.repo.GetWorkOrder(context.Background(), wo.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StagePrinting, stored.Stage)
}

func TestIdempotencyKeyHeader(t *testing.T) {
	ts := newTestServer(t, nil)

	send := func() *httptest.ResponseRecorder {
		payload, err := json.Marshal(orderBody())
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", bytes.NewReader(payload))
		req.Header.Set(userIDHeader, ts.intake.String())
		req.Header.Set(idempotencyHeader, "desk-1-0001")
		w := httptest.NewRecorder()
		ts.router.ServeHTTP(w, req)
		return w
	}

	first := send()
	second := send()
	require.Equal(t, http.StatusCreated, first.Code)
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, decode[models.Order](t, first).ID, decode[models.Order](t, second).ID)
}

// racingCache stores a response for the key while the lock is being taken, as
// a first request completing on another replica would
type racingCache struct {
	mu         sync.Mutex
	stored     map[string]redisclient.CachedResponse
	pending    *redisclient.CachedResponse
	hangUp     context.CancelFunc
	releaseErr error
	released   int
}

func (c *racingCache) Ping(ctx context.Context) error { return nil }

func (c *racingCache) RecallResponse(ctx context.Context, scope, key string) (*redisclient.CachedResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if resp, ok := c.stored[scope+":"+key]; ok {
		return &resp, nil
	}
	return nil, nil
}

func (c *racingCache) RememberResponse(ctx context.Context, scope, key string, resp redisclient.CachedResponse, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stored[scope+":"+key] = resp
	return nil
}

func (c *racingCache) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		c.stored[strings.TrimPrefix(lockKey, "idempotency:")] = *c.pending
		c.pending = nil
	}
	if c.hangUp != nil {
		c.hangUp()
	}
	return true, nil
}

func (c *racingCache) ReleaseLock(ctx context.Context, lockKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released++
	c.releaseErr = ctx.Err()
	return nil
}

func TestIdempotencyReplaysResponseStoredBeforeLock(t *testing.T) {
	first := redisclient.CachedResponse{
		Status:      http.StatusCreated,
		ContentType: "application/json",
		Body:        json.RawMessage(`{"id":"first"}`),
	}
	// the caller hangs up while the lock is being taken
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cache := &racingCache{stored: map[string]redisclient.CachedResponse{}, pending: &first, hangUp: cancel}
	ts := newTestServerWithOptions(t, nil, Options{Idempotency: cache})

	payload, err := json.Marshal(orderBody())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", bytes.NewReader(payload)).WithContext(ctx)
	req.Header.Set(userIDHeader, ts.intake.String())
	req.Header.Set(idempotencyHeader, "desk-2-0001")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "true", w.Header().Get(replayHeader))
	assert.JSONEq(t, `{"id":"first"}`, w.Body.String())

	orders, err := ts.repo.ListOrders(context.Background(), models.OrderFilter{})
	require.NoError(t, err)
	assert.Empty(t, orders)

	assert.Equal(t, 1, cache.released)
	assert.NoError(t, cache.releaseErr)
}

func TestBearerToken(t *testing.T) {
	verifier := auth.NewTokenVerifier("test-secret")
	ts := newTestServer(t, verifier)

	token, err := verifier.Sign(ts.intake, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set(userIDHeader, ts.intake.String())
	w = httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	forged, err := auth.NewTokenVerifier("other-secret").Sign(ts.intake, jwt.RegisteredClaims{})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	w = httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebsocketView(t *testing.T) {
	ts := newTestServer(t, nil)
	server := httptest.NewServer(ts.router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?user_id=" + ts.cashier.String()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var msg realtime.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, realtime.MessageTypeView, msg.Type)
	assert.Equal(t, "cashier", msg.Role)

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws?user_id="+uuid.NewString(), nil)
	assert.Error(t, err)
}

func TestStatusFor(t *testing.T) {
	testCases := []struct {
		kind     errs.Kind
		expected int
	}{
		{errs.KindValidation, http.StatusBadRequest},
		{errs.KindNotFound, http.StatusNotFound},
		{errs.KindForbidden, http.StatusForbidden},
		{errs.KindAlreadyPaid, http.StatusConflict},
		{errs.KindStageConflict, http.StatusConflict},
		{errs.KindNumberCollision, http.StatusConflict},
		{errs.KindAmountMismatch, http.StatusUnprocessableEntity},
		{errs.KindNotPayable, http.StatusUnprocessableEntity},
		{errs.KindPaymentGateway, http.StatusBadGateway},
		{errs.KindInconsistentState, http.StatusInternalServerError},
	}

	for _, tc := range testCases {
		t.Run(tc.kind.String(), func(t *testing.T) {
			err := fmt.Errorf("outer: %w", errs.New(tc.kind, "op", "failed"))
			assert.Equal(t, tc.expected, statusFor(err))
		})
	}

	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}
