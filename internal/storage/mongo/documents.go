package mongo

import (
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type addressDocument struct {
	FullName   string `bson:"fullName"`
	Phone      string `bson:"phone,omitempty"`
	Street     string `bson:"street"`
	City       string `bson:"city"`
	State      string `bson:"state,omitempty"`
	PostalCode string `bson:"postalCode,omitempty"`
	Country    string `bson:"country"`
}

type orderItemDocument struct {
	ProductID      string `bson:"productId"`
	ProductName    string `bson:"productName"`
	Quantity       int32  `bson:"quantity"`
	UnitPriceMinor int64  `bson:"unitPriceMinor"`
}

type orderDocument struct {
	ID               string              `bson:"_id"`
	UserID           string              `bson:"userId"`
	Items            []orderItemDocument `bson:"items"`
	CouponCode       string              `bson:"couponCode,omitempty"`
	DiscountMinor    int64               `bson:"discountMinor"`
	ShippingAddress  addressDocument     `bson:"shippingAddress"`
	PaymentMethod    string              `bson:"paymentMethod"`
	Currency         string              `bson:"currency"`
	TotalPriceMinor  int64               `bson:"totalPriceMinor"`
	OrderTotalMinor  int64               `bson:"orderTotalMinor"`
	Status           string              `bson:"status"`
	PaymentReference string              `bson:"paymentReference,omitempty"`
	RedirectURL      string              `bson:"redirectUrl,omitempty"`
	Version          int64               `bson:"version"`
	CreatedAt        time.Time           `bson:"createdAt"`
	UpdatedAt        time.Time           `bson:"updatedAt"`
}

type couponDocument struct {
	Code           string     `bson:"_id"`
	DiscountType   string     `bson:"discountType"`
	DiscountAmount int64      `bson:"discountAmount"`
	ValidFrom      *time.Time `bson:"validFrom,omitempty"`
	ValidUntil     *time.Time `bson:"validUntil,omitempty"`
	Active         bool       `bson:"active"`
}

func toOrderDocument(order domain.Order) orderDocument {
	items := make([]orderItemDocument, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemDocument{
			ProductID:      item.ProductID,
			ProductName:    item.ProductName,
			Quantity:       item.Quantity,
			UnitPriceMinor: item.UnitPriceMinor,
		})
	}

	a := order.ShippingAddress
	return orderDocument{
		ID:            order.ID,
		UserID:        order.UserID,
		Items:         items,
		CouponCode:    order.CouponCode,
		DiscountMinor: order.DiscountMinor,
		ShippingAddress: addressDocument{
			FullName:   a.FullName,
			Phone:      a.Phone,
			Street:     a.Street,
			City:       a.City,
			State:      a.State,
			PostalCode: a.PostalCode,
			Country:    a.Country,
		},
		PaymentMethod:    string(order.PaymentMethod),
		Currency:         order.Currency,
		TotalPriceMinor:  order.TotalPriceMinor,
		OrderTotalMinor:  order.OrderTotalMinor,
		Status:           string(order.Status),
		PaymentReference: order.PaymentReference,
		RedirectURL:      order.RedirectURL,
		Version:          order.Version,
		CreatedAt:        order.CreatedAt.UTC(),
		UpdatedAt:        order.UpdatedAt.UTC(),
	}
}

func (d orderDocument) toDomain() domain.Order {
	items := make([]domain.OrderItem, 0, len(d.Items))
	for _, item := range d.Items {
		items = append(items, domain.OrderItem{
			ProductID:      item.ProductID,
			ProductName:    item.ProductName,
			Quantity:       item.Quantity,
			UnitPriceMinor: item.UnitPriceMinor,
		})
	}

	a := d.ShippingAddress
	return domain.Order{
		ID:            d.ID,
		UserID:        d.UserID,
		Items:         items,
		CouponCode:    d.CouponCode,
		DiscountMinor: d.DiscountMinor,
		ShippingAddress: domain.Address{
			FullName:   a.FullName,
			Phone:      a.Phone,
			Street:     a.Street,
			City:       a.City,
			State:      a.State,
			PostalCode: a.PostalCode,
			Country:    a.Country,
		},
		PaymentMethod:    domain.PaymentMethod(d.PaymentMethod),
		Currency:         d.Currency,
		TotalPriceMinor:  d.TotalPriceMinor,
		OrderTotalMinor:  d.OrderTotalMinor,
		Status:           domain.OrderStatus(d.Status),
		PaymentReference: d.PaymentReference,
		RedirectURL:      d.RedirectURL,
		Version:          d.Version,
		CreatedAt:        d.CreatedAt.UTC(),
		UpdatedAt:        d.UpdatedAt.UTC(),
	}
}

func toCouponDocument(c domain.Coupon) couponDocument {
	doc := couponDocument{
		Code:           normalizeCouponCode(c.Code),
		DiscountType:   string(c.DiscountType),
		DiscountAmount: c.DiscountAmount,
		Active:         c.Active,
	}
	if !c.ValidFrom.IsZero() {
		from := c.ValidFrom.UTC()
		doc.ValidFrom = &from
	}
	if !c.ValidUntil.IsZero() {
		until := c.ValidUntil.UTC()
		doc.ValidUntil = &until
	}
	return doc
}

func (d couponDocument) toDomain() domain.Coupon {
	c := domain.Coupon{
		Code:           d.Code,
		DiscountType:   domain.DiscountType(d.DiscountType),
		DiscountAmount: d.DiscountAmount,
		Active:         d.Active,
	}
	if d.ValidFrom != nil {
		c.ValidFrom = d.ValidFrom.UTC()
	}
	if d.ValidUntil != nil {
		c.ValidUntil = d.ValidUntil.UTC()
	}
	return c
}
