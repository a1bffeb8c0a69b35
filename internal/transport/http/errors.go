package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// statusFor сопоставляет доменные ошибки HTTP-кодам.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrUserRequired),
		errors.Is(err, domain.ErrCurrencyRequired),
		errors.Is(err, domain.ErrShippingAddressRequired),
		errors.Is(err, domain.ErrPaymentMethodInvalid),
		errors.Is(err, domain.ErrInvalidItems),
		errors.Is(err, domain.ErrAmountNegative),
		errors.Is(err, domain.ErrAmountOverflow),
		errors.Is(err, domain.ErrDiscountExceedsTotal),
		errors.Is(err, domain.ErrCouponNotFound),
		errors.Is(err, domain.ErrCouponExpired),
		errors.Is(err, domain.ErrCouponInvalid),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrPaymentProviderUnknown),
		errors.Is(err, domain.ErrPaymentAmountMismatch),
		errors.Is(err, domain.ErrPaymentReferenceAlreadySet),
		errors.Is(err, domain.ErrPaymentSignatureInvalid):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrIdempotencyHashMismatch),
		errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists),
		errors.Is(err, domain.ErrPaymentAttemptMismatch):
		return http.StatusConflict
	case errors.Is(err, domain.ErrPaymentInitiationFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage скрывает детали внутренних ошибок от клиента.
func publicMessage(err error, status int) string {
	if status == http.StatusInternalServerError && !errors.Is(err, domain.ErrPersistenceInconsistency) {
		return "internal server error"
	}
	if errors.Is(err, domain.ErrPersistenceInconsistency) {
		return "payment was accepted but the order status could not be saved; it will be reconciled"
	}
	return err.Error()
}

// writeError пишет конверт {success:false, message} для маршрутов заказов.
func writeError(c *gin.Context, err error) {
	writeErrorWithData(c, err, nil)
}

func writeErrorWithData(c *gin.Context, err error, data any) {
	status := statusFor(err)
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, envelope{Success: false, Message: publicMessage(err, status), Data: data})
}

// writePaymentError пишет конверт {error:true, message, data:null} платёжных маршрутов.
func writePaymentError(c *gin.Context, err error) {
	status := statusFor(err)
	message := publicMessage(err, status)
	if status >= http.StatusInternalServerError {
		status = http.StatusInternalServerError
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, paymentErrorResponse{Error: true, Message: message, Data: nil})
}
