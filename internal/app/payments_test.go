package app

import (
	"context"
	"errors"
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/payment"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func TestInitPaymentGateways_Mock(t *testing.T) {
	cfg := DefaultConfig()
	attempts := memory.NewPaymentAttemptStore()

	gws, err := initPaymentGateways(cfg, attempts, log.WithField("test", "payments"))
	if err != nil {
		t.Fatalf("initPaymentGateways failed: %v", err)
	}
	if got := gws.registry.Providers(); len(got) != 2 {
		t.Fatalf("expected both providers mocked, got %v", got)
	}
	if gws.webhook != nil || gws.callback != nil {
		t.Error("mocked providers must not expose confirmation endpoints")
	}

	gw, err := gws.registry.Get(domain.PaymentMethodStripe)
	if err != nil {
		t.Fatalf("get stripe: %v", err)
	}
	req := domain.PaymentRequest{OrderID: "o-1", AmountMinor: 100, Currency: "usd", IdempotencyKey: payment.InitiateKey("o-1")}
	first, err := gw.Initiate(context.Background(), req)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	second, err := gw.Initiate(context.Background(), req)
	if err != nil {
		t.Fatalf("repeat initiate: %v", err)
	}
	if first != second {
		t.Errorf("repeat initiate must return the stored result: %+v != %+v", first, second)
	}
	if attempts.Len() != 1 {
		t.Errorf("expected one stored attempt, got %d", attempts.Len())
	}
}

func TestInitPaymentGateways_RealProviders(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PaymentsMock = false
	cfg.StripeSecretKey = "sk_test_123"
	cfg.StripeWebhookSecret = "whsec_123"
	cfg.RedirectTmnCode = "TMN"
	cfg.RedirectHashSecret = "secret"

	gws, err := initPaymentGateways(cfg, memory.NewPaymentAttemptStore(), log.WithField("test", "payments"))
	if err != nil {
		t.Fatalf("initPaymentGateways failed: %v", err)
	}
	if gws.webhook == nil {
		t.Error("stripe webhook parser must be exposed when webhook secret is set")
	}
	if gws.callback == nil {
		t.Error("redirect callback verifier must be exposed")
	}

	gw, err := gws.registry.Get(domain.PaymentMethodVNPay)
	if err != nil {
		t.Fatalf("get vnpay: %v", err)
	}
	if _, ok := gw.(*payment.IdempotentGateway); !ok {
		t.Errorf("expected idempotent wrapper, got %T", gw)
	}
}

func TestInitPaymentGateways_NoProviders(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PaymentsMock = false

	_, err := initPaymentGateways(cfg, memory.NewPaymentAttemptStore(), log.WithField("test", "payments"))
	if err == nil {
		t.Fatal("expected error without providers")
	}
}

func TestInitPaymentGateways_UnknownProviderLookup(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PaymentsMock = false
	cfg.StripeSecretKey = "sk_test_123"

	gws, err := initPaymentGateways(cfg, memory.NewPaymentAttemptStore(), log.WithField("test", "payments"))
	if err != nil {
		t.Fatalf("initPaymentGateways failed: %v", err)
	}
	if _, err := gws.registry.Get(domain.PaymentMethodVNPay); !errors.Is(err, domain.ErrPaymentProviderUnknown) {
		t.Fatalf("expected ErrPaymentProviderUnknown, got %v", err)
	}
	if gws.webhook != nil {
		t.Error("webhook parser must stay disabled without a webhook secret")
	}
}
