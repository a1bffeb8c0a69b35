package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// sharedCallTimeout ограничивает склеенный вызов провайдера, если у первого вызывающего нет дедлайна.
const sharedCallTimeout = 30 * time.Second

// InitiateKey - стабильный ключ идемпотентности initiate() для заказа.
func InitiateKey(orderID string) string {
	return "order:" + orderID + ":initiate"
}

// RequestHash - отпечаток полей, от которых зависит платёж: заказ, сумма и валюта.
func RequestHash(req domain.PaymentRequest) string {
	sum := sha256.Sum256([]byte(req.OrderID + "|" + strconv.FormatInt(req.AmountMinor, 10) + "|" + strings.ToUpper(req.Currency)))
	return hex.EncodeToString(sum[:])
}

// IdempotentGateway гарантирует, что повторные initiate() с одним ключом
// дают один вызов провайдера и один и тот же результат.
// Конкурентные вызовы внутри процесса склеиваются через singleflight,
// между процессами результат берётся из PaymentAttemptStore.
// Тот же ключ с другой суммой или валютой отклоняется с ErrPaymentAttemptMismatch.
type IdempotentGateway struct {
	inner  domain.PaymentGateway
	store  domain.PaymentAttemptStore
	group  singleflight.Group
	logger *log.Entry
}

// NewIdempotentGateway оборачивает шлюз хранилищем попыток.
func NewIdempotentGateway(inner domain.PaymentGateway, store domain.PaymentAttemptStore, logger *log.Entry) *IdempotentGateway {
	if logger == nil {
		logger = log.WithField("component", "idempotent-gateway")
	}
	return &IdempotentGateway{inner: inner, store: store, logger: logger}
}

// Provider возвращает провайдера исходного шлюза.
func (g *IdempotentGateway) Provider() domain.PaymentMethod {
	return g.inner.Provider()
}

// Initiate возвращает сохранённый результат для ключа или вызывает провайдера один раз.
// Каждый вызывающий ждёт общий вызов только до отмены своего ctx.
func (g *IdempotentGateway) Initiate(ctx context.Context, req domain.PaymentRequest) (domain.PaymentResult, error) {
	key := req.IdempotencyKey
	if key == "" || g.store == nil {
		return g.inner.Initiate(ctx, req)
	}
	key = string(g.inner.Provider()) + ":" + key
	hash := RequestHash(req)

	if cached, err := g.lookup(ctx, key); err != nil {
		return domain.PaymentResult{}, initiationError(g.inner.Provider(), err)
	} else if cached != nil {
		return g.reply(*cached, hash)
	}

	ch := g.group.DoChan(key, func() (interface{}, error) {
		callCtx, cancel := detach(ctx)
		defer cancel()

		if cached, err := g.lookup(callCtx, key); err != nil {
			return nil, err
		} else if cached != nil {
			return *cached, nil
		}

		result, err := g.inner.Initiate(callCtx, req)
		if err != nil {
			return nil, err
		}
		result.RequestHash = hash

		stored, err := g.store.Put(callCtx, key, result)
		if err != nil {
			// Провайдер уже принял запрос; его собственная идемпотентность
			// защитит от второго платежа при повторе.
			g.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to persist payment attempt")
			return result, nil
		}
		return stored, nil
	})

	select {
	case <-ctx.Done():
		return domain.PaymentResult{}, initiationError(g.inner.Provider(), ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return domain.PaymentResult{}, initiationError(g.inner.Provider(), res.Err)
		}
		if res.Shared {
			g.logger.WithField("idempotency_key", key).Debug("initiate call coalesced")
		}
		return g.reply(res.Val.(domain.PaymentResult), hash)
	}
}

// reply отдаёт сохранённый результат, если он получен для того же запроса.
// Записи без отпечатка принимаются как есть.
func (g *IdempotentGateway) reply(result domain.PaymentResult, hash string) (domain.PaymentResult, error) {
	if result.RequestHash != "" && result.RequestHash != hash {
		return domain.PaymentResult{}, initiationError(g.inner.Provider(), domain.ErrPaymentAttemptMismatch)
	}
	result.RequestHash = ""
	return result, nil
}

func (g *IdempotentGateway) lookup(ctx context.Context, key string) (*domain.PaymentResult, error) {
	result, err := g.store.Get(ctx, key)
	switch {
	case err == nil:
		return &result, nil
	case errors.Is(err, domain.ErrPaymentAttemptNotFound):
		return nil, nil
	default:
		return nil, fmt.Errorf("load payment attempt: %w", err)
	}
}

// detach отвязывает общий вызов от отмены первого вызывающего, сохраняя его дедлайн.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		return context.WithDeadline(base, deadline)
	}
	return context.WithTimeout(base, sharedCallTimeout)
}

var _ domain.PaymentGateway = (*IdempotentGateway)(nil)
