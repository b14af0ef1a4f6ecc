package service

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"print-workflow/internal/auth"
	"print-workflow/internal/errs"
	"print-workflow/internal/models"
	"print-workflow/internal/store"
	"print-workflow/internal/store/memory"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	intake   = auth.Identity{UserID: uuid.New(), Role: auth.RoleIntake}
	cashier  = auth.Identity{UserID: uuid.New(), Role: auth.RoleCashier}
	operator = auth.Identity{UserID: uuid.New(), Role: auth.RoleOperator}
)

func strPtr(s string) *string {
	return &s
}

func fixedNumber(suffix string) NumberFunc {
	return func(prefix string, now time.Time) string {
		return prefix + "-" + now.Format("20060102") + "-" + suffix
	}
}

// sequentialNumber never collides
func sequentialNumber() NumberFunc {
	var n atomic.Int64
	return func(prefix string, now time.Time) string {
		return fmt.Sprintf("%s-%s-%03d", prefix, now.Format("20060102"), n.Add(1))
	}
}

func bannerOrder() *CreateOrderRequest {
	return &CreateOrderRequest{
		NewCustomer: &NewCustomerRequest{Name: "  Toko Maju  ", Phone: strPtr("0812")},
		Items: []OrderItemRequest{
			{ProductName: "Banner 3x1m", Quantity: 2, Price: 50000},
			{ProductName: "Sticker A6", Quantity: 100, Price: 500},
		},
		Notes: strPtr("glossy"),
	}
}

var testNumber = sequentialNumber()

func newOrderService(repo store.Repository) *OrderService {
	svc := NewOrderService(repo)
	svc.number = testNumber
	return svc
}

func TestCreateOrder(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	svc := newOrderService(repo)

	order, err := svc.CreateOrder(ctx, intake, bannerOrder())
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, order.ID)
	assert.Equal(t, int64(150000), order.TotalAmount)
	assert.Equal(t, models.PaymentStatusPending, order.PaymentStatus)
	assert.Equal(t, models.OrderStatusPending, order.OrderStatus)
	assert.Equal(t, intake.UserID, order.IntakeID)
	assert.Equal(t, "Toko Maju", order.CustomerName)
	require.Len(t, order.Items, 2)
	assert.Equal(t, int64(100000), order.Items[0].Subtotal)
	assert.Equal(t, int64(50000), order.Items[1].Subtotal)

	stored, err := svc.GetOrder(ctx, intake, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.OrderNumber, stored.OrderNumber)
	assert.Len(t, stored.Items, 2)

	customers, err := svc.ListCustomers(ctx, intake)
	require.NoError(t, err)
	require.Len(t, customers, 1)
	assert.Equal(t, "Toko Maju", customers[0].Name)
}

func TestCreateOrderExistingCustomer(t *testing.T) {
	ctx := context.Background()
	svc := newOrderService(memory.New())

	first, err := svc.CreateOrder(ctx, intake, bannerOrder())
	require.NoError(t, err)

	second, err := svc.CreateOrder(ctx, intake, &CreateOrderRequest{
		CustomerID: &first.CustomerID,
		Items:      []OrderItemRequest{{ProductName: "Flyer", Quantity: 10, Price: 1000}},
	})
	require.NoError(t, err)
	assert.Equal(t, first.CustomerID, second.CustomerID)

	customers, err := svc.ListCustomers(ctx, intake)
	require.NoError(t, err)
	assert.Len(t, customers, 1)
}

func TestCreateOrderDropsUnnamedItems(t *testing.T) {
	svc := newOrderService(memory.New())

	req := bannerOrder()
	req.Items = append(req.Items, OrderItemRequest{ProductName: "   ", Quantity: 0, Price: -1})

	order, err := svc.CreateOrder(context.Background(), intake, req)
	require.NoError(t, err)
	assert.Len(t, order.Items, 2)
}

func TestCreateOrderValidation(t *testing.T) {
	unknown := uuid.New()

	testCases := []struct {
		name   string
		mutate func(*CreateOrderRequest)
	}{
		{"no items", func(r *CreateOrderRequest) { r.Items = nil }},
		{"only unnamed items", func(r *CreateOrderRequest) {
			r.Items = []OrderItemRequest{{ProductName: "", Quantity: 1, Price: 100}}
		}},
		{"zero quantity", func(r *CreateOrderRequest) { r.Items[0].Quantity = 0 }},
		{"negative price", func(r *CreateOrderRequest) { r.Items[1].Price = -5 }},
		{"subtotal out of range", func(r *CreateOrderRequest) { r.Items[0].Price = math.MaxInt64/2 + 1 }},
		{"total out of range", func(r *CreateOrderRequest) {
			r.Items[0].Quantity = 1
			r.Items[0].Price = math.MaxInt64
			r.Items[1].Quantity = 1
			r.Items[1].Price = 1
		}},
		{"no customer", func(r *CreateOrderRequest) { r.NewCustomer = nil }},
		{"blank customer name", func(r *CreateOrderRequest) { r.NewCustomer.Name = "  " }},
		{"unknown customer", func(r *CreateOrderRequest) {
			r.NewCustomer = nil
			r.CustomerID = &unknown
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			repo := memory.New()
			svc := newOrderService(repo)

			req := bannerOrder()
			tc.mutate(req)

			_, err := svc.CreateOrder(context.Background(), intake, req)
			require.Error(t, err)
			assert.Equal(t, errs.KindValidation, errs.KindOf(err))

			orders, err := repo.ListOrders(context.Background(), models.OrderFilter{})
			require.NoError(t, err)
			assert.Empty(t, orders)
		})
	}
}

func TestCreateOrderForbidden(t *testing.T) {
	svc := newOrderService(memory.New())

	for _, id := range []auth.Identity{cashier, operator, {UserID: uuid.New()}} {
		_, err := svc.CreateOrder(context.Background(), id, bannerOrder())
		assert.True(t, errs.Is(err, errs.KindForbidden), "role %s", id.Role)
	}
}

func TestCreateOrderIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	svc := newOrderService(memory.New())

	req := bannerOrder()
	req.IdempotencyKey = "intake-42"

	first, err := svc.CreateOrder(ctx, intake, req)
	require.NoError(t, err)

	second, err := svc.CreateOrder(ctx, intake, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	orders, err := svc.ListOrders(ctx, intake, models.OrderFilter{})
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestCreateOrderNumberCollision(t *testing.T) {
	ctx := context.Background()
	svc := NewOrderService(memory.New())
	svc.number = fixedNumber("007")

	_, err := svc.CreateOrder(ctx, intake, bannerOrder())
	require.NoError(t, err)

	_, err = svc.CreateOrder(ctx, intake, bannerOrder())
	require.Error(t, err)
	assert.Equal(t, errs.KindNumberCollision, errs.KindOf(err))
}

func TestRandomNumberFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^ORD-20260314-\d{3}$`)
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.Local)

	for i := 0; i < 50; i++ {
		assert.Regexp(t, pattern, RandomNumber(PrefixOrder, now))
	}
	assert.Regexp(t, `^SPK-\d{8}-\d{3}$`, RandomNumber(PrefixWorkOrder, time.Now()))
}

func TestListOrders(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	orders := newOrderService(repo)
	payments := NewPaymentService(repo, nil, DefaultReconcilePolicy)

	first, err := orders.CreateOrder(ctx, intake, bannerOrder())
	require.NoError(t, err)

	req := bannerOrder()
	req.NewCustomer.Name = "Percetakan Sinar"
	second, err := orders.CreateOrder(ctx, intake, req)
	require.NoError(t, err)

	_, err = payments.SettlePayment(ctx, cashier, first.ID, &SettlePaymentRequest{Amount: first.TotalAmount, Method: models.PaymentMethodCash})
	require.NoError(t, err)

	t.Run("newest first", func(t *testing.T) {
		list, err := orders.ListOrders(ctx, intake, models.OrderFilter{})
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, second.ID, list[0].ID)
	})

	t.Run("by payment status", func(t *testing.T) {
		list, err := orders.ListOrders(ctx, cashier, models.OrderFilter{PaymentStatus: models.PaymentStatusPending})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, second.ID, list[0].ID)
	})

	t.Run("search by customer", func(t *testing.T) {
		list, err := orders.ListOrders(ctx, intake, models.OrderFilter{Search: " sinar "})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, second.ID, list[0].ID)
	})

	t.Run("unknown status", func(t *testing.T) {
		_, err := orders.ListOrders(ctx, intake, models.OrderFilter{OrderStatus: "shipped"})
		assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	})

	t.Run("operator may not list orders", func(t *testing.T) {
		_, err := orders.ListOrders(ctx, operator, models.OrderFilter{})
		assert.Equal(t, errs.KindForbidden, errs.KindOf(err))
	})

	t.Run("stats", func(t *testing.T) {
		stats, err := orders.Stats(ctx, intake)
		require.NoError(t, err)
		assert.Equal(t, 2, stats.TotalOrders)
		assert.Equal(t, 1, stats.PendingPayment)
		assert.Equal(t, 0, stats.InProduction)
		assert.Equal(t, first.TotalAmount, stats.Revenue)
	})
}

func TestGetOrderNotFound(t *testing.T) {
	svc := newOrderService(memory.New())

	_, err := svc.GetOrder(context.Background(), intake, uuid.New())
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}
