package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/money"
)

const (
	redirectVersion    = "2.1.0"
	redirectCommand    = "pay"
	redirectDateLayout = "20060102150405"
	redirectSuccess    = "00"
	redirectHashField  = "vnp_SecureHash"
	redirectHashType   = "vnp_SecureHashType"
)

// RedirectConfig - параметры регионального redirect-шлюза.
type RedirectConfig struct {
	TmnCode    string
	HashSecret string
	PayURL     string
	// DefaultReturnURL используется, если в запросе returnUrl не указан.
	DefaultReturnURL string
	// Currency - единственная валюта, которую принимает шлюз.
	Currency  string
	Locale    string
	OrderType string
	// ExpireAfter - срок жизни ссылки на оплату.
	ExpireAfter time.Duration
	Location    *time.Location
}

// RedirectGateway детерминированно строит подписанную ссылку на страницу оплаты.
type RedirectGateway struct {
	cfg    RedirectConfig
	now    func() time.Time
	logger *log.Entry
}

// RedirectOption настраивает RedirectGateway.
type RedirectOption func(*RedirectGateway)

// WithRedirectClock подменяет источник времени.
func WithRedirectClock(now func() time.Time) RedirectOption {
	return func(g *RedirectGateway) {
		if now != nil {
			g.now = now
		}
	}
}

// NewRedirectGateway проверяет конфигурацию и создаёт шлюз.
func NewRedirectGateway(cfg RedirectConfig, logger *log.Entry, opts ...RedirectOption) (*RedirectGateway, error) {
	if cfg.TmnCode == "" || cfg.HashSecret == "" {
		return nil, errors.New("redirect gateway terminal code and hash secret are required")
	}
	if _, err := url.ParseRequestURI(cfg.PayURL); err != nil {
		return nil, fmt.Errorf("redirect gateway pay url: %w", err)
	}
	if cfg.Currency == "" {
		cfg.Currency = "VND"
	}
	cfg.Currency = strings.ToUpper(cfg.Currency)
	if cfg.Locale == "" {
		cfg.Locale = "vn"
	}
	if cfg.OrderType == "" {
		cfg.OrderType = "other"
	}
	if cfg.ExpireAfter <= 0 {
		cfg.ExpireAfter = 15 * time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.FixedZone("GMT+7", 7*60*60)
	}
	if logger == nil {
		logger = log.WithField("component", "redirect-gateway")
	}

	g := &RedirectGateway{cfg: cfg, now: time.Now, logger: logger}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Provider возвращает идентификатор провайдера.
func (g *RedirectGateway) Provider() domain.PaymentMethod {
	return domain.PaymentMethodVNPay
}

// Initiate строит ссылку на оплату. Reference остаётся пустым до callback'а провайдера.
func (g *RedirectGateway) Initiate(ctx context.Context, req domain.PaymentRequest) (domain.PaymentResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.PaymentResult{}, &domain.PaymentInitiationError{Provider: domain.PaymentMethodVNPay, Err: err}
	}
	paymentURL, err := g.BuildPaymentURL(req)
	if err != nil {
		return domain.PaymentResult{}, &domain.PaymentInitiationError{Provider: domain.PaymentMethodVNPay, Err: err}
	}

	g.logger.WithField("order_id", req.OrderID).Info("payment url built")
	return domain.PaymentResult{
		Provider:    domain.PaymentMethodVNPay,
		RedirectURL: paymentURL,
	}, nil
}

// BuildPaymentURL собирает параметры запроса и подписывает их HMAC-SHA512.
func (g *RedirectGateway) BuildPaymentURL(req domain.PaymentRequest) (string, error) {
	if strings.TrimSpace(req.OrderID) == "" {
		return "", domain.NewValidationError("orderId", "is required")
	}
	if req.AmountMinor <= 0 {
		return "", domain.NewValidationError("amount", "must be positive")
	}
	currency := g.cfg.Currency
	if req.Currency != "" && !strings.EqualFold(req.Currency, currency) {
		return "", fmt.Errorf("currency %s is not supported, gateway accepts %s", req.Currency, currency)
	}
	returnURL := req.ReturnURL
	if returnURL == "" {
		returnURL = g.cfg.DefaultReturnURL
	}
	if returnURL == "" {
		return "", domain.NewValidationError("returnUrl", "is required")
	}

	// Ссылка - функция заказа: время берётся из заказа, часы только для запросов без него.
	created := req.CreatedAt
	if created.IsZero() {
		created = g.now()
	}
	created = created.In(g.cfg.Location)
	description := req.Description
	if description == "" {
		description = "Thanh toan don hang " + req.OrderID
	}
	clientIP := req.ClientIP
	if clientIP == "" {
		clientIP = "127.0.0.1"
	}

	params := url.Values{}
	params.Set("vnp_Version", redirectVersion)
	params.Set("vnp_Command", redirectCommand)
	params.Set("vnp_TmnCode", g.cfg.TmnCode)
	params.Set("vnp_Amount", strconv.FormatInt(toGatewayAmount(req.AmountMinor, currency), 10))
	params.Set("vnp_CurrCode", strings.ToUpper(currency))
	params.Set("vnp_TxnRef", req.OrderID)
	params.Set("vnp_OrderInfo", description)
	params.Set("vnp_OrderType", g.cfg.OrderType)
	params.Set("vnp_Locale", g.cfg.Locale)
	params.Set("vnp_ReturnUrl", returnURL)
	params.Set("vnp_IpAddr", clientIP)
	params.Set("vnp_CreateDate", created.Format(redirectDateLayout))
	params.Set("vnp_ExpireDate", created.Add(g.cfg.ExpireAfter).Format(redirectDateLayout))
	if req.NotifyURL != "" {
		params.Set("vnp_IpnUrl", req.NotifyURL)
	}

	signData := canonicalQuery(params)
	return g.cfg.PayURL + "?" + signData + "&" + redirectHashField + "=" + sign(g.cfg.HashSecret, signData), nil
}

// VerifyCallback проверяет подпись параметров IPN/return и извлекает исход платежа.
func (g *RedirectGateway) VerifyCallback(query url.Values) (domain.PaymentNotification, error) {
	received := query.Get(redirectHashField)
	if received == "" {
		return domain.PaymentNotification{}, fmt.Errorf("%w: missing %s", domain.ErrPaymentSignatureInvalid, redirectHashField)
	}

	fields := url.Values{}
	for key, values := range query {
		if !strings.HasPrefix(key, "vnp_") || key == redirectHashField || key == redirectHashType {
			continue
		}
		if len(values) > 0 && values[0] != "" {
			fields.Set(key, values[0])
		}
	}

	expected := sign(g.cfg.HashSecret, canonicalQuery(fields))
	if !hmac.Equal([]byte(strings.ToLower(received)), []byte(expected)) {
		return domain.PaymentNotification{}, domain.ErrPaymentSignatureInvalid
	}

	orderID := fields.Get("vnp_TxnRef")
	if orderID == "" {
		return domain.PaymentNotification{}, domain.NewValidationError("vnp_TxnRef", "is required")
	}

	n := domain.PaymentNotification{
		OrderID:   orderID,
		Provider:  domain.PaymentMethodVNPay,
		Reference: fields.Get("vnp_TransactionNo"),
		Outcome:   domain.PaymentOutcomeFailed,
	}
	if raw := fields.Get("vnp_Amount"); raw != "" {
		amount, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return domain.PaymentNotification{}, domain.NewValidationError("vnp_Amount", "must be an integer")
		}
		n.AmountMinor = fromGatewayAmount(amount, g.cfg.Currency)
	}

	responseCode := fields.Get("vnp_ResponseCode")
	status := fields.Get("vnp_TransactionStatus")
	if responseCode == redirectSuccess && (status == "" || status == redirectSuccess) {
		if n.AmountMinor <= 0 {
			return domain.PaymentNotification{}, domain.NewValidationError("vnp_Amount", "is required for a successful payment")
		}
		n.Outcome = domain.PaymentOutcomeSucceeded
	} else {
		n.Reason = "response code " + responseCode
	}
	return n, nil
}

// canonicalQuery сортирует ключи и кодирует значения так же, как это делает провайдер при проверке подписи.
func canonicalQuery(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(values.Get(k)))
	}
	return b.String()
}

func sign(secret, data string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// toGatewayAmount переводит минимальные единицы в формат шлюза: основная единица * 100.
func toGatewayAmount(amountMinor int64, currency string) int64 {
	return money.ToMajor(amountMinor, currency).Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

func fromGatewayAmount(amount int64, currency string) int64 {
	major := decimal.New(amount, -2)
	minor, err := money.FromMajor(major, currency)
	if err != nil {
		return 0
	}
	return minor
}

var _ domain.PaymentGateway = (*RedirectGateway)(nil)
