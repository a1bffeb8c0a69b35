package httptransport

import (
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
)

type addressRequest struct {
	FullName   string `json:"fullName"`
	Phone      string `json:"phone"`
	Street     string `json:"street" binding:"required"`
	City       string `json:"city" binding:"required"`
	State      string `json:"state"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country" binding:"required"`
}

func (a addressRequest) toDomain() domain.Address {
	return domain.Address{
		FullName:   a.FullName,
		Phone:      a.Phone,
		Street:     a.Street,
		City:       a.City,
		State:      a.State,
		PostalCode: a.PostalCode,
		Country:    a.Country,
	}
}

type orderItemRequest struct {
	ProductID   string `json:"productId" binding:"required"`
	ProductName string `json:"productName"`
	Quantity    int32  `json:"quantity" binding:"required,gt=0"`
	UnitPrice   *int64 `json:"unitPrice" binding:"required,gte=0"`
}

type customerRequest struct {
	Email string `json:"email" binding:"omitempty,email"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// createOrderRequest - тело POST /orders. Суммы totalPrice/orderTotal от клиента
// принимаются для совместимости со старыми клиентами, но всегда пересчитываются.
type createOrderRequest struct {
	UserID          string             `json:"userId" binding:"required"`
	Items           []orderItemRequest `json:"items" binding:"required,min=1,dive"`
	ShippingAddress *addressRequest    `json:"shippingAddress" binding:"required"`
	PaymentMethod   string             `json:"paymentMethod" binding:"required,payment_method"`
	CouponCode      string             `json:"couponCode"`
	Currency        string             `json:"currency" binding:"omitempty,currency"`
	Customer        customerRequest    `json:"customer"`
	ReturnURL       string             `json:"returnUrl" binding:"omitempty,url"`
	NotifyURL       string             `json:"notifyUrl" binding:"omitempty,url"`

	TotalPrice  *int64 `json:"totalPrice,omitempty"`
	OrderTotal  *int64 `json:"orderTotal,omitempty"`
	OrderStatus string `json:"orderStatus,omitempty"`
}

func (r createOrderRequest) toCheckout(clientIP string) checkout.Request {
	items := make([]domain.OrderItem, 0, len(r.Items))
	for _, item := range r.Items {
		items = append(items, domain.OrderItem{
			ProductID:      item.ProductID,
			ProductName:    item.ProductName,
			Quantity:       item.Quantity,
			UnitPriceMinor: *item.UnitPrice,
		})
	}
	address := r.ShippingAddress.toDomain()
	return checkout.Request{
		UserID:          r.UserID,
		Items:           items,
		ShippingAddress: address,
		PaymentMethod:   domain.PaymentMethod(strings.ToLower(strings.TrimSpace(r.PaymentMethod))),
		CouponCode:      r.CouponCode,
		Currency:        r.Currency,
		Customer: domain.PaymentCustomer{
			Email:   r.Customer.Email,
			Name:    r.Customer.Name,
			Phone:   r.Customer.Phone,
			Address: address,
		},
		ReturnURL: r.ReturnURL,
		NotifyURL: r.NotifyURL,
		ClientIP:  clientIP,
	}
}

type updateOrderRequest struct {
	OrderStatus string `json:"orderStatus" binding:"required"`
}

type stripePaymentRequest struct {
	OrderID     string          `json:"orderId"`
	Email       string          `json:"email" binding:"omitempty,email"`
	Name        string          `json:"name"`
	Address     *addressRequest `json:"address" binding:"omitempty"`
	Amount      int64           `json:"amount" binding:"required,gt=0"`
	Currency    string          `json:"currency" binding:"required,currency"`
	Description string          `json:"description"`
}

type redirectPaymentRequest struct {
	OrderID          string `json:"orderId" binding:"required"`
	Amount           int64  `json:"amount" binding:"required,gt=0"`
	OrderDescription string `json:"orderDescription"`
	ReturnURL        string `json:"returnUrl" binding:"omitempty,url"`
	NotifyURL        string `json:"notifyUrl" binding:"omitempty,url"`
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type paymentErrorResponse struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

type addressResponse struct {
	FullName   string `json:"fullName,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Street     string `json:"street"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country"`
}

type orderItemResponse struct {
	ProductID   string `json:"productId"`
	ProductName string `json:"productName,omitempty"`
	Quantity    int32  `json:"quantity"`
	UnitPrice   int64  `json:"unitPrice"`
}

type orderResponse struct {
	ID               string              `json:"id"`
	UserID           string              `json:"userId"`
	Items            []orderItemResponse `json:"items"`
	CouponCode       string              `json:"couponCode,omitempty"`
	Discount         int64               `json:"discount"`
	ShippingAddress  addressResponse     `json:"shippingAddress"`
	PaymentMethod    string              `json:"paymentMethod"`
	Currency         string              `json:"currency"`
	TotalPrice       int64               `json:"totalPrice"`
	OrderTotal       int64               `json:"orderTotal"`
	OrderStatus      string              `json:"orderStatus"`
	PaymentReference string              `json:"paymentReference,omitempty"`
	RedirectURL      string              `json:"redirectUrl,omitempty"`
	CreatedAt        time.Time           `json:"createdAt"`
	UpdatedAt        time.Time           `json:"updatedAt"`
}

func newOrderResponse(o domain.Order) orderResponse {
	items := make([]orderItemResponse, 0, len(o.Items))
	for _, item := range o.Items {
		items = append(items, orderItemResponse{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPriceMinor,
		})
	}
	a := o.ShippingAddress
	return orderResponse{
		ID:         o.ID,
		UserID:     o.UserID,
		Items:      items,
		CouponCode: o.CouponCode,
		Discount:   o.DiscountMinor,
		ShippingAddress: addressResponse{
			FullName:   a.FullName,
			Phone:      a.Phone,
			Street:     a.Street,
			City:       a.City,
			State:      a.State,
			PostalCode: a.PostalCode,
			Country:    a.Country,
		},
		PaymentMethod:    string(o.PaymentMethod),
		Currency:         o.Currency,
		TotalPrice:       o.TotalPriceMinor,
		OrderTotal:       o.OrderTotalMinor,
		OrderStatus:      string(o.Status),
		PaymentReference: o.PaymentReference,
		RedirectURL:      o.RedirectURL,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
	}
}

func newOrderResponses(orders []domain.Order) []orderResponse {
	out := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, newOrderResponse(o))
	}
	return out
}

// paymentResponse повторяет форму ответа мобильного SDK провайдера.
type paymentResponse struct {
	PaymentIntent  string `json:"paymentIntent,omitempty"`
	EphemeralKey   string `json:"ephemeralKey,omitempty"`
	Customer       string `json:"customer,omitempty"`
	PublishableKey string `json:"publishableKey,omitempty"`
	PaymentURL     string `json:"paymentUrl,omitempty"`
}

func newPaymentResponse(r domain.PaymentResult) paymentResponse {
	return paymentResponse{
		PaymentIntent:  r.ClientSecret,
		EphemeralKey:   r.EphemeralSecret,
		Customer:       r.ProviderCustomerID,
		PublishableKey: r.PublishableKey,
		PaymentURL:     r.RedirectURL,
	}
}

type checkoutResponse struct {
	Order   orderResponse   `json:"order"`
	Payment paymentResponse `json:"payment"`
}

type timelineEventResponse struct {
	Type     string    `json:"type"`
	Status   string    `json:"status,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Occurred time.Time `json:"occurred"`
}

func newTimelineResponse(events []domain.TimelineEvent) []timelineEventResponse {
	out := make([]timelineEventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, timelineEventResponse{
			Type:     e.Type,
			Status:   string(e.Status),
			Reason:   e.Reason,
			Occurred: e.Occurred,
		})
	}
	return out
}
