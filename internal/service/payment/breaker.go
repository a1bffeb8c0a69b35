package payment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// ErrCircuitOpen - провайдер отключён breaker-ом, вызов не выполнялся.
var ErrCircuitOpen = errors.New("circuit breaker is open")

var (
	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "storefront_payment_breaker_state",
		Help: "Circuit breaker state per provider: 0 closed, 1 open, 2 half-open.",
	}, []string{"provider"})
	breakerRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_payment_breaker_rejected_total",
		Help: "Provider calls rejected without reaching the provider.",
	}, []string{"provider"})
)

type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	// CircuitHalfOpen пропускает одну пробу; остальные вызовы отклоняются, пока она идёт.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker размыкается после maxFailures ошибок подряд и через
// resetTimeout пробует провайдера снова.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time
	logger       *log.Entry

	mu       sync.Mutex
	state    CircuitState
	streak   int
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker: name - метка в метриках и логах; maxFailures <= 0 - 5.
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration, logger *log.Entry) *CircuitBreaker {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	if maxFailures <= 0 {
		maxFailures = 5
	}
	cb := &CircuitBreaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		now:          time.Now,
		logger:       logger.WithField("breaker", name),
	}
	breakerState.WithLabelValues(name).Set(float64(CircuitClosed))
	return cb
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute вызывает fn, если breaker её пропускает. Отмена ctx вызывающим
// не считается отказом провайдера.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	probe, err := cb.admit()
	if err != nil {
		breakerRejected.WithLabelValues(cb.name).Inc()
		return err
	}
	err = fn(ctx)
	cb.record(probe, err, errors.Is(ctx.Err(), context.Canceled))
	return err
}

func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return false, nil
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			return false, ErrCircuitOpen
		}
		cb.moveTo(CircuitHalfOpen)
	}
	if cb.probing {
		return false, ErrCircuitOpen
	}
	cb.probing = true
	return true, nil
}

func (cb *CircuitBreaker) record(probe bool, err error, callerGone bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		cb.probing = false
	}
	switch {
	case err != nil && callerGone:
		// Проба не дала ответа: следующий вызов пробует снова.
	case err != nil:
		cb.streak++
		if probe || cb.streak >= cb.maxFailures {
			cb.openedAt = cb.now()
			cb.moveTo(CircuitOpen)
		}
	default:
		cb.streak = 0
		if probe {
			cb.moveTo(CircuitClosed)
		}
	}
}

// moveTo вызывается под mu.
func (cb *CircuitBreaker) moveTo(state CircuitState) {
	if cb.state == state {
		return
	}
	cb.logger.WithFields(log.Fields{"from": cb.state, "to": state, "failures": cb.streak}).Warn("circuit breaker state changed")
	cb.state = state
	breakerState.WithLabelValues(cb.name).Set(float64(state))
}

// BreakerGateway не пускает initiate() к провайдеру, пока его breaker разомкнут.
type BreakerGateway struct {
	inner   domain.PaymentGateway
	breaker *CircuitBreaker
}

func NewBreakerGateway(inner domain.PaymentGateway, breaker *CircuitBreaker) *BreakerGateway {
	return &BreakerGateway{inner: inner, breaker: breaker}
}

func (g *BreakerGateway) Provider() domain.PaymentMethod {
	return g.inner.Provider()
}

// Initiate: любой отказ, включая ErrCircuitOpen, приходит как PaymentInitiationError.
func (g *BreakerGateway) Initiate(ctx context.Context, req domain.PaymentRequest) (domain.PaymentResult, error) {
	var result domain.PaymentResult
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = g.inner.Initiate(ctx, req)
		return err
	})
	if err != nil {
		return domain.PaymentResult{}, initiationError(g.inner.Provider(), err)
	}
	return result, nil
}

var _ domain.PaymentGateway = (*BreakerGateway)(nil)
