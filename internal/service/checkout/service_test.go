package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/coupon"
	"github.com/vladislavdragonenkov/storefront/internal/service/payment"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	svc      *Service
	orders   domain.OrderRepository
	outbox   *memory.OutboxRepository
	timeline domain.TimelineRepository
	stripe   *payment.MockGateway
	vnpay    *payment.MockGateway
}

func newHarness(t *testing.T, orders domain.OrderRepository, opts ...Option) *harness {
	t.Helper()

	if orders == nil {
		orders = memory.NewOrderRepository()
	}
	coupons := memory.NewCouponRepository(
		domain.Coupon{Code: "SAVE20", DiscountType: domain.DiscountTypePercentage, DiscountAmount: 20, Active: true},
		domain.Coupon{Code: "FIVE", DiscountType: domain.DiscountTypeFixed, DiscountAmount: 500, Active: true},
		domain.Coupon{
			Code:           "OLD",
			DiscountType:   domain.DiscountTypePercentage,
			DiscountAmount: 10,
			Active:         true,
			ValidUntil:     fixedNow.Add(-time.Hour),
		},
	)

	h := &harness{
		orders:   orders,
		outbox:   memory.NewOutboxRepository(),
		timeline: memory.NewTimelineRepository(),
		stripe:   payment.NewMockGateway(domain.PaymentMethodStripe),
		vnpay:    payment.NewMockGateway(domain.PaymentMethodVNPay),
	}
	clock := func() time.Time { return fixedNow }
	base := []Option{
		WithClock(clock),
		WithRetryConfig(RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffFactor: 2}),
	}
	h.svc = NewService(
		orders,
		coupon.NewResolver(coupons, coupon.WithClock(clock)),
		payment.NewRegistry(h.stripe, h.vnpay),
		h.outbox,
		h.timeline,
		append(base, opts...)...,
	)
	return h
}

func validRequest() Request {
	return Request{
		UserID: "user-1",
		Items: []domain.OrderItem{
			{ProductID: "p-1", ProductName: "Mug", Quantity: 2, UnitPriceMinor: 500},
			{ProductID: "p-2", ProductName: "Poster", Quantity: 1, UnitPriceMinor: 1000},
		},
		ShippingAddress: domain.Address{FullName: "Jane Doe", Street: "1 Main St", City: "Springfield", Country: "US"},
		PaymentMethod:   domain.PaymentMethodStripe,
		Currency:        "usd",
		Customer:        domain.PaymentCustomer{Email: "jane@example.com"},
	}
}

func TestCheckout_WithoutCoupon(t *testing.T) {
	h := newHarness(t, nil)
	req := validRequest()
	req.Items = []domain.OrderItem{
		{ProductID: "p-1", Quantity: 2, UnitPriceMinor: 500},
		{ProductID: "p-2", Quantity: 1, UnitPriceMinor: 500},
	}

	res, err := h.svc.Checkout(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, int64(1500), res.Order.TotalPriceMinor)
	assert.Equal(t, int64(0), res.Order.DiscountMinor)
	assert.Equal(t, int64(1500), res.Order.OrderTotalMinor)
	assert.Equal(t, "USD", res.Order.Currency)
	assert.Equal(t, domain.OrderStatusPaymentInitiated, res.Order.Status)
	assert.Equal(t, "pi_mock", res.Order.PaymentReference)
	assert.Equal(t, "pi_mock_secret", res.Payment.ClientSecret)

	requests := h.stripe.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, int64(1500), requests[0].AmountMinor)
	assert.Equal(t, payment.InitiateKey(res.Order.ID), requests[0].IdempotencyKey)
	assert.Equal(t, "Jane Doe", requests[0].Customer.Name)

	stored, err := h.orders.Get(context.Background(), res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaymentInitiated, stored.Status)
	assert.Equal(t, res.Order.Version, stored.Version)
}

func TestCheckout_WithPercentageCoupon(t *testing.T) {
	h := newHarness(t, nil)
	req := validRequest()
	req.CouponCode = "save20"

	res, err := h.svc.Checkout(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, int64(2000), res.Order.TotalPriceMinor)
	assert.Equal(t, int64(400), res.Order.DiscountMinor)
	assert.Equal(t, int64(1600), res.Order.OrderTotalMinor)
	assert.Equal(t, "SAVE20", res.Order.CouponCode)
}

func TestCheckout_WithFixedCoupon(t *testing.T) {
	h := newHarness(t, nil)
	req := validRequest()
	req.Items = []domain.OrderItem{{ProductID: "p-1", Quantity: 1, UnitPriceMinor: 2300}}
	req.CouponCode = "FIVE"

	res, err := h.svc.Checkout(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(1800), res.Order.OrderTotalMinor)
}

func TestCheckout_ExpiredCouponCreatesNoOrder(t *testing.T) {
	h := newHarness(t, nil)
	req := validRequest()
	req.CouponCode = "OLD"

	_, err := h.svc.Checkout(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrCouponExpired)

	orders, err := h.orders.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Zero(t, h.stripe.Calls())
	assert.Empty(t, h.outbox.AllPending())
}

func TestCheckout_ValidationErrors(t *testing.T) {
	cases := map[string]func(r *Request){
		"missing user":    func(r *Request) { r.UserID = " " },
		"empty items":     func(r *Request) { r.Items = nil },
		"missing product": func(r *Request) { r.Items[0].ProductID = "" },
		"missing address": func(r *Request) { r.ShippingAddress = domain.Address{} },
		"unknown method":  func(r *Request) { r.PaymentMethod = "cash" },
		"bad currency":    func(r *Request) { r.Currency = "dollars" },
		"zero quantity":   func(r *Request) { r.Items[0].Quantity = 0 },
		"negative price":  func(r *Request) { r.Items[0].UnitPriceMinor = -1 },
		"unknown coupon":  func(r *Request) { r.CouponCode = "NOPE" },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, nil)
			req := validRequest()
			mutate(&req)

			_, err := h.svc.Checkout(context.Background(), req)
			require.Error(t, err)

			orders, listErr := h.orders.List(context.Background(), 0)
			require.NoError(t, listErr)
			assert.Empty(t, orders)
			assert.Zero(t, h.stripe.Calls())
		})
	}
}

func TestCheckout_DefaultCurrency(t *testing.T) {
	req := validRequest()
	req.Currency = ""

	res, err := newHarness(t, nil).svc.Checkout(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, DefaultCurrency, res.Order.Currency)

	h := newHarness(t, nil, WithDefaultCurrency("eur"))
	res, err = h.svc.Checkout(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "EUR", res.Order.Currency)
	assert.Equal(t, "EUR", h.stripe.Requests()[0].Currency)

	req.Currency = "gbp"
	res, err = h.svc.Checkout(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "GBP", res.Order.Currency, "currency from the request wins")
}

func TestCheckout_GatewayTimeoutLeavesOrderPending(t *testing.T) {
	h := newHarness(t, nil, WithGatewayTimeout(20*time.Millisecond))
	h.stripe.Delay = time.Second

	res, err := h.svc.Checkout(context.Background(), validRequest())
	require.ErrorIs(t, err, domain.ErrPaymentInitiationFailed)

	var initErr *domain.PaymentInitiationError
	require.True(t, errors.As(err, &initErr))
	assert.Equal(t, domain.PaymentMethodStripe, initErr.Provider)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NotEmpty(t, res.Order.ID)
	stored, err := h.orders.Get(context.Background(), res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, stored.Status)
	assert.Empty(t, stored.PaymentReference)

	events, err := h.svc.Timeline(context.Background(), res.Order.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventOrderCreated, events[0].Type)
	assert.Equal(t, "payment_initiation_failed", events[1].Type)
}

func TestCheckout_ProviderErrorLeavesOrderPending(t *testing.T) {
	h := newHarness(t, nil)
	h.stripe.Err = errors.New("card_declined")

	res, err := h.svc.Checkout(context.Background(), validRequest())
	require.ErrorIs(t, err, domain.ErrPaymentInitiationFailed)
	assert.Equal(t, domain.OrderStatusPending, res.Order.Status)
	assert.Empty(t, res.Payment.Reference)
}

func TestCheckout_RedirectProviderKeepsURL(t *testing.T) {
	h := newHarness(t, nil)
	h.vnpay.Result.Reference = "vnp-ref-1"
	req := validRequest()
	req.PaymentMethod = domain.PaymentMethodVNPay
	req.Currency = "VND"
	req.Items = []domain.OrderItem{{ProductID: "p-1", Quantity: 1, UnitPriceMinor: 150000}}

	res, err := h.svc.Checkout(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "https://sandbox.example.test/pay", res.Payment.RedirectURL)
	assert.Equal(t, "https://sandbox.example.test/pay", res.Order.RedirectURL)
	assert.Equal(t, domain.OrderStatusPaymentInitiated, res.Order.Status)
}

func TestCheckout_UnknownProvider(t *testing.T) {
	orders := memory.NewOrderRepository()
	svc := NewService(orders, nil, payment.NewRegistry(), nil, nil, WithClock(func() time.Time { return fixedNow }))

	_, err := svc.Checkout(context.Background(), validRequest())
	require.ErrorIs(t, err, domain.ErrPaymentProviderUnknown)
}

// failingSaveRepo отклоняет Save, имитируя недоступное хранилище после ответа провайдера.
type failingSaveRepo struct {
	domain.OrderRepository
	mu    sync.Mutex
	fail  bool
	saves int
}

func (r *failingSaveRepo) Save(ctx context.Context, order domain.Order) error {
	r.mu.Lock()
	r.saves++
	fail := r.fail
	r.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return r.OrderRepository.Save(ctx, order)
}

func TestCheckout_StatusWriteFailureIsInconsistency(t *testing.T) {
	repo := &failingSaveRepo{OrderRepository: memory.NewOrderRepository(), fail: true}
	h := newHarness(t, repo)

	res, err := h.svc.Checkout(context.Background(), validRequest())
	require.ErrorIs(t, err, domain.ErrPersistenceInconsistency)

	var inconsistency *domain.PersistenceInconsistencyError
	require.True(t, errors.As(err, &inconsistency))
	assert.Equal(t, "pi_mock", inconsistency.Reference)
	assert.Equal(t, res.Order.ID, inconsistency.OrderID)
	assert.Equal(t, "pi_mock", res.Payment.Reference)
	assert.Equal(t, 3, repo.saves)
	assert.Equal(t, 1, h.stripe.Calls())
}

func TestCheckout_StatusWriteRecoversAfterConflict(t *testing.T) {
	repo := &conflictOnceRepo{OrderRepository: memory.NewOrderRepository()}
	h := newHarness(t, repo)

	res, err := h.svc.Checkout(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaymentInitiated, res.Order.Status)
	assert.Equal(t, 2, repo.saves)
}

type conflictOnceRepo struct {
	domain.OrderRepository
	saves int
}

func (r *conflictOnceRepo) Save(ctx context.Context, order domain.Order) error {
	r.saves++
	if r.saves == 1 {
		return domain.ErrOrderVersionConflict
	}
	return r.OrderRepository.Save(ctx, order)
}

func checkoutOrder(t *testing.T, h *harness) domain.Order {
	t.Helper()
	res, err := h.svc.Checkout(context.Background(), validRequest())
	require.NoError(t, err)
	return res.Order
}

func paidNotification(order domain.Order) domain.PaymentNotification {
	return domain.PaymentNotification{
		OrderID:     order.ID,
		Provider:    order.PaymentMethod,
		Reference:   order.PaymentReference,
		Outcome:     domain.PaymentOutcomeSucceeded,
		AmountMinor: order.OrderTotalMinor,
	}
}

func TestHandlePaymentNotification_RepeatedConfirmations(t *testing.T) {
	h := newHarness(t, nil)
	order := checkoutOrder(t, h)

	for i := 0; i < 3; i++ {
		got, err := h.svc.HandlePaymentNotification(context.Background(), paidNotification(order))
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusPaid, got.Status)
	}

	paid := h.outbox.ByEventType(domain.EventOrderPaid)
	require.Len(t, paid, 1)

	var event OrderEvent
	require.NoError(t, json.Unmarshal(paid[0].Payload, &event))
	assert.Equal(t, order.ID, event.OrderID)
	assert.Equal(t, domain.OrderStatusPaid, event.Status)
	assert.Equal(t, domain.OrderStatusPaymentInitiated, event.PreviousStatus)
}

func TestHandlePaymentNotification_ConcurrentConfirmations(t *testing.T) {
	h := newHarness(t, nil, WithRetryConfig(RetryConfig{MaxAttempts: 50, InitialDelay: time.Microsecond, MaxDelay: time.Millisecond}))
	order := checkoutOrder(t, h)

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.svc.HandlePaymentNotification(context.Background(), paidNotification(order)); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("confirmation failed: %v", err)
	}

	stored, err := h.orders.Get(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, stored.Status)
	assert.Len(t, h.outbox.ByEventType(domain.EventOrderPaid), 1)
}

func TestHandlePaymentNotification_PendingOrderIsPaid(t *testing.T) {
	h := newHarness(t, nil)
	h.stripe.Err = errors.New("timeout")
	res, err := h.svc.Checkout(context.Background(), validRequest())
	require.Error(t, err)

	n := paidNotification(res.Order)
	n.Reference = "pi_late"
	got, err := h.svc.HandlePaymentNotification(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, got.Status)
	assert.Equal(t, "pi_late", got.PaymentReference)
	assert.Len(t, h.outbox.ByEventType(domain.EventOrderPaymentInitiated), 1)
	assert.Len(t, h.outbox.ByEventType(domain.EventOrderPaid), 1)
}

// confirmingGateway получает подтверждение оплаты раньше, чем возвращает ответ на initiate().
type confirmingGateway struct {
	svc *Service
}

func (g *confirmingGateway) Provider() domain.PaymentMethod { return domain.PaymentMethodVNPay }

func (g *confirmingGateway) Initiate(ctx context.Context, req domain.PaymentRequest) (domain.PaymentResult, error) {
	_, err := g.svc.HandlePaymentNotification(ctx, domain.PaymentNotification{
		OrderID:     req.OrderID,
		Provider:    domain.PaymentMethodVNPay,
		Reference:   "vnp-txn-1",
		Outcome:     domain.PaymentOutcomeSucceeded,
		AmountMinor: req.AmountMinor,
	})
	if err != nil {
		return domain.PaymentResult{}, err
	}
	return domain.PaymentResult{Provider: domain.PaymentMethodVNPay, RedirectURL: "https://pay.example.test/r/1"}, nil
}

func TestCheckout_ConfirmationBeforeInitiateReturns(t *testing.T) {
	orders := memory.NewOrderRepository()
	outbox := memory.NewOutboxRepository()
	gw := &confirmingGateway{}
	svc := NewService(orders, nil, payment.NewRegistry(gw), outbox, memory.NewTimelineRepository(),
		WithClock(func() time.Time { return fixedNow }))
	gw.svc = svc

	req := validRequest()
	req.PaymentMethod = domain.PaymentMethodVNPay
	res, err := svc.Checkout(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, res.Order.Status)

	stored, err := orders.Get(context.Background(), res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, stored.Status)
	assert.Equal(t, "vnp-txn-1", stored.PaymentReference)
	assert.Equal(t, "https://pay.example.test/r/1", stored.RedirectURL, "redirect url is saved without a status change")
	assert.Len(t, outbox.ByEventType(domain.EventOrderPaymentInitiated), 1)
	assert.Len(t, outbox.ByEventType(domain.EventOrderPaid), 1)
}

func TestHandlePaymentNotification_AmountMismatch(t *testing.T) {
	h := newHarness(t, nil)
	order := checkoutOrder(t, h)

	n := paidNotification(order)
	n.AmountMinor = order.OrderTotalMinor - 1
	_, err := h.svc.HandlePaymentNotification(context.Background(), n)
	require.ErrorIs(t, err, domain.ErrPaymentAmountMismatch)

	stored, _ := h.orders.Get(context.Background(), order.ID)
	assert.Equal(t, domain.OrderStatusPaymentInitiated, stored.Status)
}

func TestHandlePaymentNotification_RedirectRequiresAmount(t *testing.T) {
	h := newHarness(t, nil)
	req := validRequest()
	req.PaymentMethod = domain.PaymentMethodVNPay
	res, err := h.svc.Checkout(context.Background(), req)
	require.NoError(t, err)

	n := domain.PaymentNotification{
		OrderID:   res.Order.ID,
		Provider:  domain.PaymentMethodVNPay,
		Reference: "vnp-txn-1",
		Outcome:   domain.PaymentOutcomeSucceeded,
	}
	_, err = h.svc.HandlePaymentNotification(context.Background(), n)
	require.ErrorIs(t, err, domain.ErrPaymentAmountMismatch)
	stored, _ := h.orders.Get(context.Background(), res.Order.ID)
	assert.Equal(t, domain.OrderStatusPaymentInitiated, stored.Status)

	n.AmountMinor = res.Order.OrderTotalMinor
	got, err := h.svc.HandlePaymentNotification(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, got.Status)
}

func TestHandlePaymentNotification_ProviderMismatch(t *testing.T) {
	h := newHarness(t, nil)
	order := checkoutOrder(t, h)

	n := paidNotification(order)
	n.Provider = domain.PaymentMethodVNPay
	_, err := h.svc.HandlePaymentNotification(context.Background(), n)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestHandlePaymentNotification_Failure(t *testing.T) {
	h := newHarness(t, nil)
	order := checkoutOrder(t, h)

	n := paidNotification(order)
	n.Outcome = domain.PaymentOutcomeFailed
	n.Reason = "insufficient_funds"
	got, err := h.svc.HandlePaymentNotification(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaymentFailed, got.Status)

	// Запоздавшее подтверждение не воскрешает заказ.
	_, err = h.svc.HandlePaymentNotification(context.Background(), paidNotification(order))
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	events, err := h.svc.Timeline(context.Background(), order.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, domain.EventOrderPaymentFailed, last.Type)
	assert.Equal(t, "insufficient_funds", last.Reason)
}

func TestHandlePaymentNotification_FailureAfterPaidIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	order := checkoutOrder(t, h)
	_, err := h.svc.HandlePaymentNotification(context.Background(), paidNotification(order))
	require.NoError(t, err)

	n := paidNotification(order)
	n.Outcome = domain.PaymentOutcomeFailed
	got, err := h.svc.HandlePaymentNotification(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, got.Status)
}

func TestHandlePaymentNotification_Invalid(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.svc.HandlePaymentNotification(context.Background(), domain.PaymentNotification{Outcome: domain.PaymentOutcomeSucceeded})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.svc.HandlePaymentNotification(context.Background(), domain.PaymentNotification{OrderID: "missing", Outcome: domain.PaymentOutcomeSucceeded})
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestUpdateStatus_PaymentEdgesAreProviderOnly(t *testing.T) {
	h := newHarness(t, nil)
	order := checkoutOrder(t, h)
	ctx := context.Background()

	for _, to := range []domain.OrderStatus{domain.OrderStatusPaid, domain.OrderStatusPaymentFailed, domain.OrderStatusPending} {
		_, err := h.svc.UpdateStatus(ctx, order.ID, to)
		var transitionErr *domain.InvalidTransitionError
		require.True(t, errors.As(err, &transitionErr), "to %s: %v", to, err)
		assert.Equal(t, domain.OrderStatusPaymentInitiated, transitionErr.From)
	}

	stored, err := h.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaymentInitiated, stored.Status)
	assert.Equal(t, order.Version, stored.Version)

	got, err := h.svc.UpdateStatus(ctx, order.ID, domain.OrderStatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, got.Status)
}

func TestUpdateStatus(t *testing.T) {
	h := newHarness(t, nil)
	order := checkoutOrder(t, h)
	ctx := context.Background()

	_, err := h.svc.HandlePaymentNotification(ctx, paidNotification(order))
	require.NoError(t, err)

	_, err = h.svc.UpdateStatus(ctx, order.ID, domain.OrderStatusCancelled)
	var transitionErr *domain.InvalidTransitionError
	require.True(t, errors.As(err, &transitionErr))
	assert.Equal(t, domain.OrderStatusPaid, transitionErr.From)
	assert.Equal(t, domain.OrderStatusCancelled, transitionErr.To)

	got, err := h.svc.UpdateStatus(ctx, order.ID, domain.OrderStatusPaid)
	require.NoError(t, err, "paid -> paid is a no-op")
	assert.Equal(t, domain.OrderStatusPaid, got.Status)

	got, err = h.svc.UpdateStatus(ctx, order.ID, domain.OrderStatusFulfilling)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFulfilling, got.Status)

	got, err = h.svc.UpdateStatus(ctx, order.ID, domain.OrderStatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCompleted, got.Status)

	_, err = h.svc.UpdateStatus(ctx, order.ID, domain.OrderStatusPending)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = h.svc.UpdateStatus(ctx, order.ID, "shipped")
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.svc.UpdateStatus(ctx, "missing", domain.OrderStatusCancelled)
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestExpirePayment(t *testing.T) {
	h := newHarness(t, nil)
	order := checkoutOrder(t, h)
	ctx := context.Background()

	changed, err := h.svc.ExpirePayment(ctx, order.ID, "payment window elapsed")
	require.NoError(t, err)
	assert.True(t, changed)

	stored, _ := h.orders.Get(ctx, order.ID)
	assert.Equal(t, domain.OrderStatusPaymentFailed, stored.Status)

	changed, err = h.svc.ExpirePayment(ctx, order.ID, "again")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestListAndGet(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	first := checkoutOrder(t, h)
	other := validRequest()
	other.UserID = "user-2"
	_, err := h.svc.Checkout(ctx, other)
	require.NoError(t, err)

	all, err := h.svc.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := h.svc.ListByUser(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, first.ID, mine[0].ID)

	_, err = h.svc.ListByUser(ctx, "", 10)
	require.ErrorIs(t, err, domain.ErrValidation)

	got, err := h.svc.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestDelete(t *testing.T) {
	h := newHarness(t, nil)
	order := checkoutOrder(t, h)
	ctx := context.Background()

	require.NoError(t, h.svc.Delete(ctx, order.ID))

	_, err := h.svc.Get(ctx, order.ID)
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
	assert.Len(t, h.outbox.ByEventType(domain.EventOrderDeleted), 1)

	require.ErrorIs(t, h.svc.Delete(ctx, order.ID), domain.ErrOrderNotFound)
}

func TestRetryConfigDelay(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 5, InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, BackoffFactor: 2}.normalized()

	assert.Equal(t, 10*time.Millisecond, cfg.delay(1))
	assert.Equal(t, 20*time.Millisecond, cfg.delay(2))
	assert.Equal(t, 40*time.Millisecond, cfg.delay(3))
	assert.Equal(t, 50*time.Millisecond, cfg.delay(4))
}

func TestShouldRetry(t *testing.T) {
	assert.True(t, shouldRetry(domain.ErrOrderVersionConflict))
	assert.True(t, shouldRetry(errors.New("temporary")))
	assert.False(t, shouldRetry(domain.ErrOrderNotFound))
	assert.False(t, shouldRetry(&domain.InvalidTransitionError{From: domain.OrderStatusPaid, To: domain.OrderStatusCancelled}))
	assert.False(t, shouldRetry(context.Canceled))
}
