// Package payment содержит адаптеры платёжных провайдеров и обёртки над ними.
package payment

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Registry хранит шлюзы по способу оплаты. Заполняется один раз при старте процесса.
type Registry struct {
	mu       sync.RWMutex
	gateways map[domain.PaymentMethod]domain.PaymentGateway
}

// NewRegistry создаёт реестр и регистрирует переданные шлюзы.
func NewRegistry(gateways ...domain.PaymentGateway) *Registry {
	r := &Registry{gateways: make(map[domain.PaymentMethod]domain.PaymentGateway, len(gateways))}
	for _, gw := range gateways {
		r.Register(gw)
	}
	return r
}

// Register добавляет или заменяет шлюз для его провайдера.
func (r *Registry) Register(gw domain.PaymentGateway) {
	if gw == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[gw.Provider()] = gw
}

// Get возвращает шлюз или ErrPaymentProviderUnknown.
func (r *Registry) Get(method domain.PaymentMethod) (domain.PaymentGateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	gw, ok := r.gateways[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPaymentProviderUnknown, method)
	}
	return gw, nil
}

// Providers возвращает отсортированный список зарегистрированных провайдеров.
func (r *Registry) Providers() []domain.PaymentMethod {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.PaymentMethod, 0, len(r.gateways))
	for method := range r.gateways {
		out = append(out, method)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// initiationError оборачивает ошибку адаптера, если она ещё не PaymentInitiationError.
func initiationError(provider domain.PaymentMethod, err error) error {
	if err == nil {
		return nil
	}
	var typed *domain.PaymentInitiationError
	if errors.As(err, &typed) {
		return err
	}
	return &domain.PaymentInitiationError{Provider: provider, Err: err}
}
