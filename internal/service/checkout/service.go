// Package checkout оформляет заказы и ведёт их по машине состояний:
// расчёт суммы, купон, сохранение pending, инициация платежа у провайдера и
// приём подтверждений.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/money"
	"github.com/vladislavdragonenkov/storefront/internal/service/coupon"
	"github.com/vladislavdragonenkov/storefront/internal/service/payment"
	"github.com/vladislavdragonenkov/storefront/internal/service/pricing"
)

// DefaultCurrency - валюта заказа, если ни запрос, ни настройки её не задают.
const DefaultCurrency = "USD"

// GatewayResolver выбирает шлюз по способу оплаты.
type GatewayResolver interface {
	Get(method domain.PaymentMethod) (domain.PaymentGateway, error)
}

// Service - оркестратор оформления заказа.
type Service struct {
	orders   domain.OrderRepository
	coupons  *coupon.Resolver
	gateways GatewayResolver
	outbox   domain.OutboxRepository
	timeline domain.TimelineRepository

	metrics         *metrics.CheckoutMetrics
	retry           RetryConfig
	gatewayTimeout  time.Duration
	defaultCurrency string
	now             func() time.Time
	newID           func() string
	logger          *log.Entry
}

// Option настраивает Service.
type Option func(*Service)

// WithMetrics подключает Prometheus-метрики.
func WithMetrics(m *metrics.CheckoutMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithRetryConfig задаёт политику повторов записи статуса.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(s *Service) { s.retry = cfg.normalized() }
}

// WithGatewayTimeout ограничивает время вызова провайдера.
func WithGatewayTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.gatewayTimeout = d
		}
	}
}

// WithDefaultCurrency задаёт валюту заказов, в запросе которых валюта не указана.
// Пустое значение оставляет DefaultCurrency.
func WithDefaultCurrency(code string) Option {
	return func(s *Service) {
		if code != "" {
			s.defaultCurrency = code
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator подменяет генератор идентификаторов заказов.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService собирает оркестратор. Провайдеры создаются один раз при старте и передаются через gateways.
func NewService(
	orders domain.OrderRepository,
	coupons *coupon.Resolver,
	gateways GatewayResolver,
	outbox domain.OutboxRepository,
	timeline domain.TimelineRepository,
	opts ...Option,
) *Service {
	s := &Service{
		orders:          orders,
		coupons:         coupons,
		gateways:        gateways,
		outbox:          outbox,
		timeline:        timeline,
		retry:           DefaultRetryConfig(),
		gatewayTimeout:  15 * time.Second,
		defaultCurrency: DefaultCurrency,
		now:             func() time.Time { return time.Now().UTC() },
		newID:           uuid.NewString,
		logger:          log.WithField("component", "checkout"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.coupons == nil {
		s.coupons = coupon.NewResolver(nil)
	}
	return s
}

// Request - проверенный на границе запрос на оформление заказа.
type Request struct {
	UserID          string
	Items           []domain.OrderItem
	ShippingAddress domain.Address
	PaymentMethod   domain.PaymentMethod
	CouponCode      string
	Currency        string
	Customer        domain.PaymentCustomer
	ReturnURL       string
	NotifyURL       string
	ClientIP        string
}

// Result - заказ и данные платежа для клиента.
type Result struct {
	Order   domain.Order
	Payment domain.PaymentResult
}

// Checkout выполняет шаги validate → price → coupon → orderTotal → persist pending → initiate.
// При ошибке провайдера заказ остаётся pending и возвращается вместе с PaymentInitiationError.
// Внутри Checkout повторяется только запись статуса после успешного ответа провайдера.
func (s *Service) Checkout(ctx context.Context, req Request) (result Result, err error) {
	ctx, span := otel.Tracer("storefront/checkout").Start(ctx, "checkout.Checkout")
	defer span.End()

	started := s.now()
	if s.metrics != nil {
		s.metrics.RecordCheckoutStarted()
	}
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if s.metrics != nil {
			s.metrics.RecordCheckoutFinished(failureReason(err), s.now().Sub(started))
		}
	}()

	currency, err := validateRequest(&req, s.defaultCurrency)
	if err != nil {
		return Result{}, err
	}
	gateway, err := s.gateways.Get(req.PaymentMethod)
	if err != nil {
		return Result{}, err
	}

	totalPrice, err := pricing.ComputeTotal(req.Items)
	if err != nil {
		return Result{}, err
	}
	couponCode, discount, err := s.coupons.Resolve(ctx, req.CouponCode, totalPrice)
	if err != nil {
		return Result{}, err
	}
	orderTotal, err := pricing.OrderTotal(totalPrice, discount)
	if err != nil {
		return Result{}, err
	}

	now := s.now()
	order := domain.Order{
		ID:              s.newID(),
		UserID:          req.UserID,
		Items:           append([]domain.OrderItem(nil), req.Items...),
		CouponCode:      couponCode,
		DiscountMinor:   discount,
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   req.PaymentMethod,
		Currency:        currency,
		TotalPriceMinor: totalPrice,
		OrderTotalMinor: orderTotal,
		Status:          domain.OrderStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := order.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	span.SetAttributes(attribute.String("order.id", order.ID), attribute.String("payment.provider", string(order.PaymentMethod)))

	if err := s.orders.Create(ctx, order); err != nil {
		return Result{}, fmt.Errorf("persist order: %w", err)
	}
	s.emit(ctx, &order, domain.EventOrderCreated, "", "")

	logger := s.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"provider": order.PaymentMethod,
	})

	paymentResult, err := s.initiate(ctx, gateway, order, req)
	if err != nil {
		logger.WithError(err).Warn("payment initiation failed, order left pending")
		s.appendTimeline(ctx, order, "payment_initiation_failed", err.Error())
		return Result{Order: order}, err
	}

	updated, err := s.markInitiated(ctx, order.ID, paymentResult)
	if err != nil {
		inconsistency := &domain.PersistenceInconsistencyError{
			OrderID:   order.ID,
			Provider:  order.PaymentMethod,
			Reference: paymentResult.Reference,
			Err:       err,
		}
		logger.WithError(err).WithFields(log.Fields{
			"payment_reference": paymentResult.Reference,
			"reconcile":         true,
		}).Error("payment accepted by provider but order status was not persisted")
		if s.metrics != nil {
			s.metrics.RecordInconsistency()
		}
		return Result{Order: order, Payment: paymentResult}, inconsistency
	}

	logger.WithField("status", updated.Status).Info("checkout completed, awaiting payment confirmation")
	return Result{Order: updated, Payment: paymentResult}, nil
}

func (s *Service) initiate(ctx context.Context, gateway domain.PaymentGateway, order domain.Order, req Request) (domain.PaymentResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()

	customer := req.Customer
	if customer.Address == (domain.Address{}) {
		customer.Address = order.ShippingAddress
	}
	if customer.Name == "" {
		customer.Name = order.ShippingAddress.FullName
	}
	if customer.Phone == "" {
		customer.Phone = order.ShippingAddress.Phone
	}

	started := s.now()
	result, err := gateway.Initiate(callCtx, domain.PaymentRequest{
		OrderID:        order.ID,
		AmountMinor:    order.OrderTotalMinor,
		Currency:       order.Currency,
		Description:    "Order " + order.ID + " (" + money.Format(order.OrderTotalMinor, order.Currency) + ")",
		Customer:       customer,
		ReturnURL:      req.ReturnURL,
		NotifyURL:      req.NotifyURL,
		ClientIP:       req.ClientIP,
		CreatedAt:      order.CreatedAt,
		IdempotencyKey: payment.InitiateKey(order.ID),
	})
	if s.metrics != nil {
		s.metrics.RecordGatewayCall(string(order.PaymentMethod), err == nil, s.now().Sub(started))
	}
	if err != nil {
		var initErr *domain.PaymentInitiationError
		if !errors.As(err, &initErr) {
			err = &domain.PaymentInitiationError{Provider: order.PaymentMethod, Err: err}
		}
		return domain.PaymentResult{}, err
	}
	return result, nil
}

// markInitiated переводит заказ в payment_initiated с повторами.
// Запись выполняется даже если клиент уже отключился: провайдер запрос принял.
func (s *Service) markInitiated(ctx context.Context, orderID string, result domain.PaymentResult) (domain.Order, error) {
	writeCtx := context.WithoutCancel(ctx)
	order, _, err := s.mutate(writeCtx, orderID, func(o *domain.Order) (string, error) {
		before := *o
		if err := o.ApplyPaymentReference(result.Reference); err != nil {
			return "", err
		}
		if result.RedirectURL != "" && o.RedirectURL == "" {
			o.RedirectURL = result.RedirectURL
		}
		if o.Status != domain.OrderStatusPending {
			// Подтверждение провайдера пришло раньше нашей записи: статус не трогаем,
			// но сохраняем данные платежа, которых у заказа ещё не было.
			if o.PaymentReference != before.PaymentReference || o.RedirectURL != before.RedirectURL {
				return persistOnly, nil
			}
			return "", nil
		}
		if err := domain.ValidateTransition(o.Status, domain.OrderStatusPaymentInitiated); err != nil {
			return "", err
		}
		o.Status = domain.OrderStatusPaymentInitiated
		return domain.EventOrderPaymentInitiated, nil
	})
	return order, err
}

// HandlePaymentNotification применяет подтверждение провайдера через ту же идемпотентную запись статуса.
// Повторные и запоздавшие уведомления не меняют состояние.
func (s *Service) HandlePaymentNotification(ctx context.Context, n domain.PaymentNotification) (domain.Order, error) {
	if err := n.Validate(); err != nil {
		return domain.Order{}, err
	}
	logger := s.logger.WithFields(log.Fields{
		"order_id": n.OrderID,
		"provider": n.Provider,
		"outcome":  n.Outcome,
	})
	if s.metrics != nil {
		s.metrics.RecordNotification(string(n.Provider), string(n.Outcome))
	}

	current, err := s.orders.Get(ctx, n.OrderID)
	if err != nil {
		return domain.Order{}, err
	}
	if n.Provider != "" && n.Provider != current.PaymentMethod {
		return domain.Order{}, domain.NewValidationError("provider",
			fmt.Sprintf("order %s is paid via %s, not %s", current.ID, current.PaymentMethod, n.Provider))
	}
	if n.Outcome == domain.PaymentOutcomeSucceeded && n.AmountMinor <= 0 && current.PaymentMethod.ReportsAmount() {
		logger.WithField("reconcile", true).Error("payment confirmation without amount")
		return domain.Order{}, fmt.Errorf("%w: amount is missing", domain.ErrPaymentAmountMismatch)
	}
	if n.Outcome == domain.PaymentOutcomeSucceeded && n.AmountMinor > 0 && n.AmountMinor != current.OrderTotalMinor {
		logger.WithFields(log.Fields{
			"expected_minor": current.OrderTotalMinor,
			"received_minor": n.AmountMinor,
			"reconcile":      true,
		}).Error("payment notification amount mismatch")
		return domain.Order{}, domain.ErrPaymentAmountMismatch
	}

	writeCtx := context.WithoutCancel(ctx)
	if n.Outcome == domain.PaymentOutcomeFailed {
		order, changed, err := s.mutate(writeCtx, n.OrderID, func(o *domain.Order) (string, error) {
			if o.Status != domain.OrderStatusPending && o.Status != domain.OrderStatusPaymentInitiated {
				return "", nil
			}
			if err := o.ApplyPaymentReference(n.Reference); err != nil {
				return "", err
			}
			o.Status = domain.OrderStatusPaymentFailed
			return domain.EventOrderPaymentFailed, nil
		}, withReason(n.Reason))
		if err == nil && !changed {
			logger.WithField("status", order.Status).Info("payment failure notification ignored")
		}
		return order, err
	}

	order, err := s.confirmPaid(writeCtx, n.OrderID, n.Reference)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			logger.WithError(err).WithField("reconcile", true).Error("payment confirmed for order that can no longer be paid")
		}
		return order, err
	}
	return order, nil
}

// confirmPaid доводит заказ до paid. Если заказ ещё pending (redirect-провайдер
// не успел сообщить о себе), сначала фиксирует payment_initiated.
func (s *Service) confirmPaid(ctx context.Context, orderID, reference string) (domain.Order, error) {
	order, _, err := s.mutate(ctx, orderID, func(o *domain.Order) (string, error) {
		if o.Status != domain.OrderStatusPending {
			return "", nil
		}
		if err := o.ApplyPaymentReference(reference); err != nil {
			return "", err
		}
		o.Status = domain.OrderStatusPaymentInitiated
		return domain.EventOrderPaymentInitiated, nil
	})
	if err != nil {
		return order, err
	}

	order, changed, err := s.mutate(ctx, orderID, func(o *domain.Order) (string, error) {
		switch o.Status {
		case domain.OrderStatusPaid, domain.OrderStatusFulfilling, domain.OrderStatusCompleted:
			return "", nil
		}
		if err := domain.ValidateTransition(o.Status, domain.OrderStatusPaid); err != nil {
			return "", err
		}
		if err := o.ApplyPaymentReference(reference); err != nil {
			return "", err
		}
		o.Status = domain.OrderStatusPaid
		return domain.EventOrderPaid, nil
	})
	if err == nil && !changed {
		s.logger.WithFields(log.Fields{
			"order_id": orderID,
			"status":   order.Status,
		}).Debug("duplicate payment confirmation, no-op")
	}
	return order, err
}

// UpdateStatus - административный переход статуса. Оператор может отгрузить,
// завершить или отменить заказ; оплату подтверждает только провайдер.
// paid -> paid остаётся no-op.
func (s *Service) UpdateStatus(ctx context.Context, orderID string, to domain.OrderStatus) (domain.Order, error) {
	if !to.Valid() {
		return domain.Order{}, domain.NewValidationError("orderStatus", "unknown status "+string(to))
	}
	order, _, err := s.mutate(ctx, orderID, func(o *domain.Order) (string, error) {
		if domain.IsNoopTransition(o.Status, to) {
			return "", nil
		}
		if err := domain.ValidateAdminTransition(o.Status, to); err != nil {
			return "", err
		}
		o.Status = to
		return eventForStatus(to), nil
	}, withReason("admin update"))
	return order, err
}

// ExpirePayment переводит заказ, не получивший подтверждения, в payment_failed.
// Заказ, успевший сменить статус, не трогается.
func (s *Service) ExpirePayment(ctx context.Context, orderID, reason string) (bool, error) {
	_, changed, err := s.mutate(ctx, orderID, func(o *domain.Order) (string, error) {
		if o.Status != domain.OrderStatusPaymentInitiated {
			return "", nil
		}
		o.Status = domain.OrderStatusPaymentFailed
		return domain.EventOrderPaymentFailed, nil
	}, withReason(reason))
	return changed, err
}

// Get возвращает заказ.
func (s *Service) Get(ctx context.Context, orderID string) (domain.Order, error) {
	return s.orders.Get(ctx, orderID)
}

// List возвращает заказы от новых к старым.
func (s *Service) List(ctx context.Context, limit int) ([]domain.Order, error) {
	return s.orders.List(ctx, limit)
}

// ListByUser возвращает заказы покупателя от новых к старым.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domain.NewValidationError("userId", "is required")
	}
	return s.orders.ListByUser(ctx, userID, limit)
}

// Timeline возвращает события жизненного цикла заказа.
func (s *Service) Timeline(ctx context.Context, orderID string) ([]domain.TimelineEvent, error) {
	if _, err := s.orders.Get(ctx, orderID); err != nil {
		return nil, err
	}
	if s.timeline == nil {
		return nil, nil
	}
	return s.timeline.List(ctx, orderID)
}

// Delete удаляет заказ без проверки машины состояний.
func (s *Service) Delete(ctx context.Context, orderID string) error {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if err := s.orders.Delete(ctx, orderID); err != nil {
		return err
	}
	s.enqueue(ctx, &order, domain.EventOrderDeleted, "", "admin delete")
	s.logger.WithFields(log.Fields{
		"order_id": orderID,
		"status":   order.Status,
	}).Info("order deleted")
	return nil
}

type mutateOptions struct {
	reason string
}

type mutateOption func(*mutateOptions)

func withReason(reason string) mutateOption {
	return func(o *mutateOptions) { o.reason = reason }
}

// persistOnly - fn изменила заказ без смены статуса: сохранить, но событие не публиковать.
const persistOnly = "persist-only"

// mutate загружает свежую версию заказа, применяет fn и сохраняет с optimistic locking.
// fn возвращает тип события; пустая строка означает, что сохранять нечего.
// Конфликты версий и временные ошибки повторяются согласно RetryConfig.
func (s *Service) mutate(
	ctx context.Context,
	orderID string,
	fn func(o *domain.Order) (string, error),
	opts ...mutateOption,
) (domain.Order, bool, error) {
	var options mutateOptions
	for _, opt := range opts {
		opt(&options)
	}

	var lastErr error
	for attempt := 1; attempt <= s.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepContext(ctx, s.retry.delay(attempt-1)); err != nil {
				return domain.Order{}, false, errors.Join(lastErr, err)
			}
		}

		order, err := s.orders.Get(ctx, orderID)
		if err != nil {
			if !shouldRetry(err) {
				return domain.Order{}, false, err
			}
			lastErr = err
			continue
		}

		from := order.Status
		eventType, err := fn(&order)
		if err != nil {
			return order, false, err
		}
		if eventType == "" {
			return order, false, nil
		}

		order.UpdatedAt = s.now()
		if err := s.orders.Save(ctx, order); err != nil {
			if !shouldRetry(err) {
				return order, false, err
			}
			lastErr = err
			s.logger.WithError(err).WithFields(log.Fields{
				"order_id": orderID,
				"attempt":  attempt,
				"version":  order.Version,
			}).Warn("order status write failed, retrying")
			continue
		}
		order.Version++
		if eventType == persistOnly {
			return order, true, nil
		}

		if s.metrics != nil {
			s.metrics.RecordTransition(string(from), string(order.Status))
		}
		s.emit(ctx, &order, eventType, from, options.reason)
		return order, true, nil
	}

	if lastErr == nil {
		lastErr = domain.ErrOrderVersionConflict
	}
	return domain.Order{}, false, fmt.Errorf("update order %s after %d attempts: %w", orderID, s.retry.MaxAttempts, lastErr)
}

func validateRequest(req *Request, defaultCurrency string) (string, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return "", domain.NewValidationError("userId", "is required")
	}
	if len(req.Items) == 0 {
		return "", domain.NewValidationError("items", "must contain at least one item")
	}
	for i, item := range req.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return "", domain.NewValidationError(fmt.Sprintf("items[%d].productId", i), "is required")
		}
	}
	if req.ShippingAddress.IsZero() {
		return "", domain.NewValidationError("shippingAddress", "street, city and country are required")
	}
	if !req.PaymentMethod.Valid() {
		return "", domain.NewValidationError("paymentMethod", "unsupported payment method "+string(req.PaymentMethod))
	}
	code := req.Currency
	if strings.TrimSpace(code) == "" {
		code = defaultCurrency
	}
	currency, err := money.NormalizeCurrency(code)
	if err != nil {
		return "", domain.NewValidationError("currency", err.Error())
	}
	return currency, nil
}

func eventForStatus(status domain.OrderStatus) string {
	switch status {
	case domain.OrderStatusPaymentInitiated:
		return domain.EventOrderPaymentInitiated
	case domain.OrderStatusPaid:
		return domain.EventOrderPaid
	case domain.OrderStatusPaymentFailed:
		return domain.EventOrderPaymentFailed
	default:
		return domain.EventOrderStatusChanged
	}
}

func failureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidItems):
		return "validation"
	case errors.Is(err, domain.ErrCouponExpired), errors.Is(err, domain.ErrCouponNotFound), errors.Is(err, domain.ErrCouponInvalid):
		return "coupon"
	case errors.Is(err, domain.ErrPaymentProviderUnknown):
		return "provider_unknown"
	case errors.Is(err, domain.ErrPaymentInitiationFailed):
		return "payment_initiation_failed"
	case errors.Is(err, domain.ErrPersistenceInconsistency):
		return "persistence_inconsistency"
	default:
		return "internal"
	}
}
