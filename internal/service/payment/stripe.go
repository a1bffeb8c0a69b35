package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// EphemeralKeyAPIVersion - версия API для ephemeral key, которую ожидает мобильный SDK.
const EphemeralKeyAPIVersion = "2023-10-16"

// metadataOrderID - ключ метаданных intent, по которому webhook коррелируется с заказом.
const metadataOrderID = "order_id"

// StripeConfig - параметры intent-провайдера.
type StripeConfig struct {
	SecretKey      string
	PublishableKey string
	WebhookSecret  string
	// APIURL переопределяет адрес API (для тестов и прокси).
	APIURL  string
	Timeout time.Duration
}

// StripeGateway создаёт customer, ephemeral key и payment intent.
type StripeGateway struct {
	api            *client.API
	publishableKey string
	webhookSecret  string
	logger         *log.Entry
}

// NewStripeGateway собирает клиента провайдера один раз при старте процесса.
func NewStripeGateway(cfg StripeConfig, logger *log.Entry) (*StripeGateway, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, errors.New("stripe secret key is required")
	}
	if logger == nil {
		logger = log.WithField("component", "stripe-gateway")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	httpClient := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripeLogger{entry: logger},
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(cfg.APIURL)
	}

	api := &client.API{}
	api.Init(cfg.SecretKey, &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg),
	})

	return &StripeGateway{
		api:            api,
		publishableKey: cfg.PublishableKey,
		webhookSecret:  cfg.WebhookSecret,
		logger:         logger,
	}, nil
}

// Provider возвращает идентификатор провайдера.
func (g *StripeGateway) Provider() domain.PaymentMethod {
	return domain.PaymentMethodStripe
}

// Initiate создаёт customer, ephemeral key и payment intent. Списание средств подтверждается позже webhook'ом.
func (g *StripeGateway) Initiate(ctx context.Context, req domain.PaymentRequest) (domain.PaymentResult, error) {
	ctx, span := otel.Tracer("storefront/payment").Start(ctx, "stripe.Initiate")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", req.OrderID),
		attribute.Int64("payment.amount_minor", req.AmountMinor),
	)

	result, err := g.initiate(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.PaymentResult{}, &domain.PaymentInitiationError{Provider: domain.PaymentMethodStripe, Err: err}
	}
	return result, nil
}

func (g *StripeGateway) initiate(ctx context.Context, req domain.PaymentRequest) (domain.PaymentResult, error) {
	if req.AmountMinor <= 0 {
		return domain.PaymentResult{}, fmt.Errorf("invalid amount %d", req.AmountMinor)
	}
	if strings.TrimSpace(req.Currency) == "" {
		return domain.PaymentResult{}, domain.ErrCurrencyRequired
	}

	customerParams := &stripe.CustomerParams{
		Email:   optionalString(req.Customer.Email),
		Name:    optionalString(req.Customer.Name),
		Phone:   optionalString(req.Customer.Phone),
		Address: addressParams(req.Customer.Address),
	}
	customerParams.Context = ctx
	setIdempotencyKey(&customerParams.Params, req.IdempotencyKey, "customer")
	customer, err := g.api.Customers.New(customerParams)
	if err != nil {
		return domain.PaymentResult{}, fmt.Errorf("create customer: %w", err)
	}

	keyParams := &stripe.EphemeralKeyParams{
		Customer:      stripe.String(customer.ID),
		StripeVersion: stripe.String(EphemeralKeyAPIVersion),
	}
	keyParams.Context = ctx
	setIdempotencyKey(&keyParams.Params, req.IdempotencyKey, "ephemeral_key")
	ephemeralKey, err := g.api.EphemeralKeys.New(keyParams)
	if err != nil {
		return domain.PaymentResult{}, fmt.Errorf("create ephemeral key: %w", err)
	}

	intentParams := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(req.AmountMinor),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Customer:    stripe.String(customer.ID),
		Description: optionalString(req.Description),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	intentParams.Context = ctx
	if req.OrderID != "" {
		intentParams.AddMetadata(metadataOrderID, req.OrderID)
	}
	setIdempotencyKey(&intentParams.Params, req.IdempotencyKey, "payment_intent")
	intent, err := g.api.PaymentIntents.New(intentParams)
	if err != nil {
		return domain.PaymentResult{}, fmt.Errorf("create payment intent: %w", err)
	}

	g.logger.WithFields(log.Fields{
		"order_id":          req.OrderID,
		"payment_reference": intent.ID,
	}).Info("payment intent created")

	return domain.PaymentResult{
		Provider:           domain.PaymentMethodStripe,
		Reference:          intent.ID,
		ClientSecret:       intent.ClientSecret,
		EphemeralSecret:    ephemeralKey.Secret,
		ProviderCustomerID: customer.ID,
		PublishableKey:     g.publishableKey,
	}, nil
}

// ParseWebhook проверяет подпись и переводит событие intent в PaymentNotification.
// Для событий, не относящихся к исходу платежа, ok == false.
func (g *StripeGateway) ParseWebhook(payload []byte, signature string) (domain.PaymentNotification, bool, error) {
	if g.webhookSecret == "" {
		return domain.PaymentNotification{}, false, errors.New("stripe webhook secret is not configured")
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return domain.PaymentNotification{}, false, fmt.Errorf("%w: %v", domain.ErrPaymentSignatureInvalid, err)
	}

	var outcome domain.PaymentOutcome
	switch event.Type {
	case "payment_intent.succeeded":
		outcome = domain.PaymentOutcomeSucceeded
	case "payment_intent.payment_failed", "payment_intent.canceled":
		outcome = domain.PaymentOutcomeFailed
	default:
		return domain.PaymentNotification{}, false, nil
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return domain.PaymentNotification{}, false, fmt.Errorf("decode payment intent: %w", err)
	}
	orderID := intent.Metadata[metadataOrderID]
	if orderID == "" {
		return domain.PaymentNotification{}, false, domain.NewValidationError("metadata.order_id", "is missing on payment intent "+intent.ID)
	}

	n := domain.PaymentNotification{
		OrderID:     orderID,
		Provider:    domain.PaymentMethodStripe,
		Reference:   intent.ID,
		Outcome:     outcome,
		AmountMinor: intent.Amount,
	}
	if intent.LastPaymentError != nil {
		n.Reason = intent.LastPaymentError.Msg
	}
	return n, true, nil
}

func setIdempotencyKey(params *stripe.Params, key, step string) {
	if key == "" {
		return
	}
	params.SetIdempotencyKey(key + ":" + step)
}

func optionalString(v string) *string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return stripe.String(v)
}

func addressParams(a domain.Address) *stripe.AddressParams {
	if a == (domain.Address{}) {
		return nil
	}
	return &stripe.AddressParams{
		Line1:      optionalString(a.Street),
		City:       optionalString(a.City),
		State:      optionalString(a.State),
		PostalCode: optionalString(a.PostalCode),
		Country:    optionalString(a.Country),
	}
}

// stripeLogger направляет внутренние сообщения SDK в logrus.
type stripeLogger struct {
	entry *log.Entry
}

func (l *stripeLogger) Debugf(format string, v ...interface{}) { l.entry.Debugf(format, v...) }
func (l *stripeLogger) Infof(format string, v ...interface{})  { l.entry.Debugf(format, v...) }
func (l *stripeLogger) Warnf(format string, v ...interface{})  { l.entry.Warnf(format, v...) }
func (l *stripeLogger) Errorf(format string, v ...interface{}) { l.entry.Errorf(format, v...) }

var _ domain.PaymentGateway = (*StripeGateway)(nil)
