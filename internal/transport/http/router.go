// Package httptransport - REST-поверхность сервиса заказов на gin.
package httptransport

import (
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

const defaultIdempotencyTTL = 24 * time.Hour

// Dependencies - всё, что нужно роутеру. Nil-поля отключают соответствующие маршруты.
type Dependencies struct {
	Orders           OrderService
	Gateways         GatewayResolver
	StripeWebhook    WebhookParser
	RedirectCallback CallbackVerifier

	Idempotency    domain.IdempotencyRepository
	IdempotencyTTL time.Duration

	// AdminSecret - HMAC-ключ для JWT администратора; пустой ключ закрывает админские маршруты.
	AdminSecret []byte
	HTTPMetrics *metrics.HTTPMetrics
	Logger      *log.Entry
}

// NewRouter собирает gin.Engine с middleware и маршрутами заказов и платежей.
func NewRouter(deps Dependencies) *gin.Engine {
	registerValidators()

	logger := deps.Logger
	if logger == nil {
		logger = log.WithField("component", "http")
	}
	ttl := deps.IdempotencyTTL
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}

	r := gin.New()
	r.Use(gin.Recovery(), RequestID())
	if deps.HTTPMetrics != nil {
		r.Use(Metrics(deps.HTTPMetrics))
	}
	r.Use(AccessLog(logger))

	orders := &orderHandler{orders: deps.Orders}
	admin := AdminOnly(deps.AdminSecret)

	og := r.Group("/orders")
	if deps.Idempotency != nil {
		og.POST("", Idempotency(deps.Idempotency, ttl, logger), orders.create)
	} else {
		og.POST("", orders.create)
	}
	og.GET("", orders.list)
	og.GET("/orderByUserId/:userId", orders.listByUser)
	og.GET("/:id", orders.get)
	og.GET("/:id/timeline", orders.timeline)
	og.PUT("/:id", admin, orders.updateStatus)
	og.DELETE("/:id", admin, orders.delete)

	payments := &paymentHandler{
		orders:   deps.Orders,
		gateways: deps.Gateways,
		webhook:  deps.StripeWebhook,
		callback: deps.RedirectCallback,
		logger:   logger,
	}
	pg := r.Group("/payment")
	if deps.Gateways != nil {
		pg.POST("/stripe-style", payments.initiateStripe)
		pg.POST("/redirect-style", payments.initiateRedirect)
	}
	if deps.StripeWebhook != nil {
		pg.POST("/stripe-style/webhook", payments.stripeWebhook)
	}
	if deps.RedirectCallback != nil {
		pg.GET("/redirect-style/ipn", payments.redirectIPN)
		pg.GET("/redirect-style/return", payments.redirectReturn)
	}

	return r
}
