package payment

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// MockGateway - конфигурируемая заглушка PaymentGateway для тестов и локального запуска.
type MockGateway struct {
	Method domain.PaymentMethod
	Result domain.PaymentResult
	Err    error
	// Delay имитирует медленного провайдера; учитывает отмену контекста.
	Delay time.Duration

	mu       sync.Mutex
	calls    int
	requests []domain.PaymentRequest
}

// NewMockGateway возвращает mock с успешным сценарием по умолчанию.
func NewMockGateway(method domain.PaymentMethod) *MockGateway {
	m := &MockGateway{Method: method, Result: domain.PaymentResult{Provider: method}}
	switch method {
	case domain.PaymentMethodVNPay:
		m.Result.RedirectURL = "https://sandbox.example.test/pay"
	default:
		m.Result.Reference = "pi_mock"
		m.Result.ClientSecret = "pi_mock_secret"
		m.Result.EphemeralSecret = "ek_mock"
		m.Result.ProviderCustomerID = "cus_mock"
		m.Result.PublishableKey = "pk_mock"
	}
	return m
}

// Provider возвращает настроенный способ оплаты.
func (m *MockGateway) Provider() domain.PaymentMethod {
	return m.Method
}

// Initiate возвращает заранее настроенный результат и считает вызовы.
func (m *MockGateway) Initiate(ctx context.Context, req domain.PaymentRequest) (domain.PaymentResult, error) {
	m.mu.Lock()
	m.calls++
	m.requests = append(m.requests, req)
	result, err, delay := m.Result, m.Err, m.Delay
	m.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return domain.PaymentResult{}, &domain.PaymentInitiationError{Provider: m.Method, Err: ctx.Err()}
		case <-timer.C:
		}
	}
	if err != nil {
		return domain.PaymentResult{}, &domain.PaymentInitiationError{Provider: m.Method, Err: err}
	}
	return result, nil
}

// Calls возвращает число вызовов Initiate.
func (m *MockGateway) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Requests возвращает копию принятых запросов.
func (m *MockGateway) Requests() []domain.PaymentRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.PaymentRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

var _ domain.PaymentGateway = (*MockGateway)(nil)
