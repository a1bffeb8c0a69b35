package httptransport

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/payment"
)

// GatewayResolver выбирает шлюз по способу оплаты.
type GatewayResolver interface {
	Get(method domain.PaymentMethod) (domain.PaymentGateway, error)
}

// WebhookParser проверяет подпись webhook intent-провайдера.
type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (domain.PaymentNotification, bool, error)
}

// CallbackVerifier проверяет подпись IPN/return redirect-провайдера.
type CallbackVerifier interface {
	VerifyCallback(query url.Values) (domain.PaymentNotification, error)
}

// Коды ответа IPN redirect-провайдера.
const (
	ipnConfirmed        = "00"
	ipnOrderNotFound    = "01"
	ipnAlreadyConfirmed = "02"
	ipnInvalidAmount    = "04"
	ipnInvalidSignature = "97"
	ipnUnknownError     = "99"
)

const stripeSignatureHeader = "Stripe-Signature"

type paymentHandler struct {
	orders   OrderService
	gateways GatewayResolver
	webhook  WebhookParser
	callback CallbackVerifier
	logger   *log.Entry
}

// initiateStripe создаёт intent без привязки к заказу; корреляцию выполняет оркестратор.
func (h *paymentHandler) initiateStripe(c *gin.Context) {
	var req stripePaymentRequest
	if err := bindStrictJSON(c, &req); err != nil {
		writePaymentError(c, err)
		return
	}
	gateway, err := h.gateways.Get(domain.PaymentMethodStripe)
	if err != nil {
		writePaymentError(c, err)
		return
	}

	customer := domain.PaymentCustomer{Email: req.Email, Name: req.Name}
	if req.Address != nil {
		customer.Address = req.Address.toDomain()
	}
	result, err := gateway.Initiate(c.Request.Context(), domain.PaymentRequest{
		OrderID:        req.OrderID,
		AmountMinor:    req.Amount,
		Currency:       strings.ToLower(req.Currency),
		Description:    req.Description,
		Customer:       customer,
		IdempotencyKey: requestIdempotencyKey(c, req.OrderID),
	})
	if err != nil {
		writePaymentError(c, err)
		return
	}

	c.JSON(http.StatusOK, paymentResponse{
		PaymentIntent:  result.ClientSecret,
		EphemeralKey:   result.EphemeralSecret,
		Customer:       result.ProviderCustomerID,
		PublishableKey: result.PublishableKey,
	})
}

func (h *paymentHandler) initiateRedirect(c *gin.Context) {
	var req redirectPaymentRequest
	if err := bindStrictJSON(c, &req); err != nil {
		writePaymentError(c, err)
		return
	}
	gateway, err := h.gateways.Get(domain.PaymentMethodVNPay)
	if err != nil {
		writePaymentError(c, err)
		return
	}

	paymentReq := domain.PaymentRequest{
		OrderID:        req.OrderID,
		AmountMinor:    req.Amount,
		Description:    req.OrderDescription,
		ReturnURL:      req.ReturnURL,
		NotifyURL:      req.NotifyURL,
		ClientIP:       c.ClientIP(),
		IdempotencyKey: payment.InitiateKey(req.OrderID),
	}
	// Для известного заказа ссылка строится от его времени создания.
	if order, err := h.orders.Get(c.Request.Context(), req.OrderID); err == nil {
		paymentReq.CreatedAt = order.CreatedAt
	}
	result, err := gateway.Initiate(c.Request.Context(), paymentReq)
	if err != nil {
		writePaymentError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"paymentUrl": result.RedirectURL})
}

// stripeWebhook принимает события intent и передаёт исход платежа оркестратору.
func (h *paymentHandler) stripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		writePaymentError(c, domain.NewValidationError("body", "cannot read request body"))
		return
	}

	n, ok, err := h.webhook.ParseWebhook(payload, c.GetHeader(stripeSignatureHeader))
	if err != nil {
		writePaymentError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	if _, err := h.orders.HandlePaymentNotification(c.Request.Context(), n); err != nil {
		h.logger.WithError(err).WithField("order_id", n.OrderID).Warn("stripe notification rejected")
		// Повторная доставка не исправит бизнес-ошибку: подтверждаем получение.
		if statusFor(err) < http.StatusInternalServerError {
			c.JSON(http.StatusOK, gin.H{"received": true, "applied": false})
			return
		}
		writePaymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "applied": true})
}

// redirectIPN - серверное уведомление redirect-провайдера.
func (h *paymentHandler) redirectIPN(c *gin.Context) {
	n, err := h.callback.VerifyCallback(c.Request.URL.Query())
	if err != nil {
		code := ipnUnknownError
		if errors.Is(err, domain.ErrPaymentSignatureInvalid) {
			code = ipnInvalidSignature
		}
		h.logger.WithError(err).Warn("redirect ipn rejected")
		c.JSON(http.StatusOK, gin.H{"RspCode": code, "Message": ipnMessage(code)})
		return
	}

	code := ipnConfirmed
	if _, err := h.orders.HandlePaymentNotification(c.Request.Context(), n); err != nil {
		code = ipnCode(err)
		h.logger.WithError(err).WithFields(log.Fields{
			"order_id": n.OrderID,
			"rsp_code": code,
		}).Warn("redirect ipn not applied")
	}
	c.JSON(http.StatusOK, gin.H{"RspCode": code, "Message": ipnMessage(code)})
}

// redirectReturn показывает покупателю результат; статус заказа меняет только IPN.
func (h *paymentHandler) redirectReturn(c *gin.Context) {
	n, err := h.callback.VerifyCallback(c.Request.URL.Query())
	if err != nil {
		writePaymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"orderId": n.OrderID,
		"outcome": n.Outcome,
		"message": returnMessage(n.Outcome),
	})
}

func ipnCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		return ipnOrderNotFound
	case errors.Is(err, domain.ErrPaymentAmountMismatch):
		return ipnInvalidAmount
	case errors.Is(err, domain.ErrInvalidTransition):
		return ipnAlreadyConfirmed
	default:
		return ipnUnknownError
	}
}

func ipnMessage(code string) string {
	switch code {
	case ipnConfirmed:
		return "Confirm Success"
	case ipnOrderNotFound:
		return "Order not found"
	case ipnAlreadyConfirmed:
		return "Order already confirmed"
	case ipnInvalidAmount:
		return "Invalid amount"
	case ipnInvalidSignature:
		return "Invalid signature"
	default:
		return "Unknown error"
	}
}

func returnMessage(outcome domain.PaymentOutcome) string {
	if outcome == domain.PaymentOutcomeSucceeded {
		return "Payment received, the order will be confirmed shortly."
	}
	return "Payment was not completed."
}

// requestIdempotencyKey предпочитает ключ, производный от заказа, заголовку клиента.
func requestIdempotencyKey(c *gin.Context, orderID string) string {
	if orderID != "" {
		return payment.InitiateKey(orderID)
	}
	return strings.TrimSpace(c.GetHeader(headerIdempotencyKey))
}
