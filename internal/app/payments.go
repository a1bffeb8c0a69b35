package app

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/payment"
	httptransport "github.com/vladislavdragonenkov/storefront/internal/transport/http"
)

// paymentGateways - шлюзы, собранные один раз при старте процесса.
type paymentGateways struct {
	registry *payment.Registry
	webhook  httptransport.WebhookParser
	callback httptransport.CallbackVerifier
}

// initPaymentGateways создаёт провайдеров из cfg. Каждый реальный шлюз оборачивается
// circuit breaker и хранилищем попыток, чтобы повтор initiate() с тем же ключом
// не создавал второй платёж.
func initPaymentGateways(cfg Config, attempts domain.PaymentAttemptStore, logger *log.Entry) (*paymentGateways, error) {
	out := &paymentGateways{registry: payment.NewRegistry()}
	wrap := func(gw domain.PaymentGateway) domain.PaymentGateway {
		breaker := payment.NewCircuitBreaker(string(gw.Provider()), cfg.BreakerMaxFailures, cfg.BreakerResetTimeout, logger)
		return payment.NewIdempotentGateway(payment.NewBreakerGateway(gw, breaker), attempts, logger)
	}

	if cfg.StripeSecretKey != "" {
		stripeGW, err := payment.NewStripeGateway(payment.StripeConfig{
			SecretKey:      cfg.StripeSecretKey,
			PublishableKey: cfg.StripePublishableKey,
			WebhookSecret:  cfg.StripeWebhookSecret,
			APIURL:         cfg.StripeAPIURL,
			Timeout:        cfg.GatewayTimeout,
		}, logger.WithField("provider", domain.PaymentMethodStripe))
		if err != nil {
			return nil, fmt.Errorf("stripe gateway: %w", err)
		}
		out.registry.Register(wrap(stripeGW))
		if cfg.StripeWebhookSecret != "" {
			out.webhook = stripeGW
		}
	}

	if cfg.RedirectTmnCode != "" && cfg.RedirectHashSecret != "" {
		location := time.UTC
		if cfg.RedirectTimezone != "" {
			loc, err := time.LoadLocation(cfg.RedirectTimezone)
			if err != nil {
				return nil, fmt.Errorf("redirect timezone: %w", err)
			}
			location = loc
		}
		redirectGW, err := payment.NewRedirectGateway(payment.RedirectConfig{
			TmnCode:          cfg.RedirectTmnCode,
			HashSecret:       cfg.RedirectHashSecret,
			PayURL:           cfg.RedirectPayURL,
			DefaultReturnURL: cfg.RedirectReturnURL,
			Currency:         cfg.RedirectCurrency,
			Location:         location,
		}, logger.WithField("provider", domain.PaymentMethodVNPay))
		if err != nil {
			return nil, fmt.Errorf("redirect gateway: %w", err)
		}
		out.registry.Register(wrap(redirectGW))
		out.callback = redirectGW
	}

	if cfg.PaymentsMock {
		for _, method := range domain.PaymentMethods() {
			if _, err := out.registry.Get(method); err == nil {
				continue
			}
			out.registry.Register(payment.NewIdempotentGateway(payment.NewMockGateway(method), attempts, logger))
			logger.WithField("provider", method).Warn("payment provider is mocked")
		}
	}

	if len(out.registry.Providers()) == 0 {
		return nil, fmt.Errorf("no payment providers configured")
	}
	return out, nil
}
