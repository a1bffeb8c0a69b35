package httptransport

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
)

// OrderService - операции оркестратора, доступные через HTTP.
type OrderService interface {
	Checkout(ctx context.Context, req checkout.Request) (checkout.Result, error)
	HandlePaymentNotification(ctx context.Context, n domain.PaymentNotification) (domain.Order, error)
	UpdateStatus(ctx context.Context, orderID string, to domain.OrderStatus) (domain.Order, error)
	Get(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, limit int) ([]domain.Order, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error)
	Timeline(ctx context.Context, orderID string) ([]domain.TimelineEvent, error)
	Delete(ctx context.Context, orderID string) error
}

const maxListLimit = 500

type orderHandler struct {
	orders OrderService
}

func (h *orderHandler) create(c *gin.Context) {
	var req createOrderRequest
	if err := bindStrictJSON(c, &req); err != nil {
		writeError(c, err)
		return
	}

	result, err := h.orders.Checkout(c.Request.Context(), req.toCheckout(c.ClientIP()))
	if err != nil {
		// Заказ уже сохранён: клиент получает его id, чтобы повторить оплату или посмотреть статус.
		if result.Order.ID != "" {
			writeErrorWithData(c, err, gin.H{"orderId": result.Order.ID, "orderStatus": result.Order.Status})
			return
		}
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, envelope{
		Success: true,
		Message: "Order created successfully.",
		Data: checkoutResponse{
			Order:   newOrderResponse(result.Order),
			Payment: newPaymentResponse(result.Payment),
		},
	})
}

func (h *orderHandler) list(c *gin.Context) {
	limit, err := limitParam(c)
	if err != nil {
		writeError(c, err)
		return
	}
	orders, err := h.orders.List(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, envelope{Success: true, Message: "Orders retrieved successfully.", Data: newOrderResponses(orders)})
}

func (h *orderHandler) listByUser(c *gin.Context) {
	limit, err := limitParam(c)
	if err != nil {
		writeError(c, err)
		return
	}
	orders, err := h.orders.ListByUser(c.Request.Context(), c.Param("userId"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, envelope{Success: true, Message: "Orders retrieved successfully.", Data: newOrderResponses(orders)})
}

func (h *orderHandler) get(c *gin.Context) {
	order, err := h.orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, envelope{Success: false, Message: "Order not found."})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, envelope{Success: true, Message: "Order retrieved successfully.", Data: newOrderResponse(order)})
}

func (h *orderHandler) timeline(c *gin.Context) {
	events, err := h.orders.Timeline(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, envelope{Success: true, Message: "Order timeline retrieved successfully.", Data: newTimelineResponse(events)})
}

func (h *orderHandler) updateStatus(c *gin.Context) {
	var req updateOrderRequest
	if err := bindStrictJSON(c, &req); err != nil {
		writeError(c, err)
		return
	}
	status, err := domain.ParseOrderStatus(req.OrderStatus)
	if err != nil {
		writeError(c, err)
		return
	}

	order, err := h.orders.UpdateStatus(c.Request.Context(), c.Param("id"), status)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, envelope{Success: false, Message: "Order not found."})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, envelope{Success: true, Message: "Order updated successfully.", Data: newOrderResponse(order)})
}

func (h *orderHandler) delete(c *gin.Context) {
	if err := h.orders.Delete(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, envelope{Success: false, Message: "Order not found."})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, envelope{Success: true, Message: "Order deleted successfully."})
}

func limitParam(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 || limit > maxListLimit {
		return 0, domain.NewValidationError("limit", "must be an integer between 0 and "+strconv.Itoa(maxListLimit))
	}
	return limit, nil
}
