package httptransport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/money"
)

const maxBodyBytes = 1 << 20

var registerValidatorsOnce sync.Once

// registerValidators подключает собственные правила к валидатору gin и
// переключает имена полей в сообщениях на json-теги.
func registerValidators() {
	registerValidatorsOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("currency", func(fl validator.FieldLevel) bool {
			_, err := money.NormalizeCurrency(fl.Field().String())
			return err == nil
		})
		_ = v.RegisterValidation("payment_method", func(fl validator.FieldLevel) bool {
			return domain.PaymentMethod(strings.ToLower(fl.Field().String())).Valid()
		})
	})
}

// bindStrictJSON декодирует тело, отвергая неизвестные поля, и проверяет binding-теги.
func bindStrictJSON(c *gin.Context, dst any) error {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		return domain.NewValidationError("body", "cannot read request body")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return domain.NewValidationError("body", jsonErrorMessage(err))
	}
	if err := binding.Validator.ValidateStruct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

func jsonErrorMessage(err error) string {
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.Is(err, io.EOF):
		return "request body is empty"
	case errors.As(err, &typeErr):
		return fmt.Sprintf("field %s must be %s", typeErr.Field, typeErr.Type)
	case strings.HasPrefix(err.Error(), "json: unknown field"):
		return strings.TrimPrefix(err.Error(), "json: ")
	default:
		return "malformed JSON"
	}
}

// validationError превращает ошибки validator в ValidationError по первому полю.
func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return domain.NewValidationError("", err.Error())
	}

	fe := fieldErrs[0]
	field := strings.TrimPrefix(fe.Namespace(), rootNamespace(fe))
	switch fe.Tag() {
	case "required":
		return domain.NewValidationError(field, "is required")
	case "min":
		return domain.NewValidationError(field, "must contain at least "+fe.Param()+" element(s)")
	case "gt":
		return domain.NewValidationError(field, "must be greater than "+fe.Param())
	case "gte":
		return domain.NewValidationError(field, "must be greater than or equal to "+fe.Param())
	case "currency":
		return domain.NewValidationError(field, "must be an ISO 4217 currency code")
	case "payment_method":
		return domain.NewValidationError(field, fmt.Sprintf("must be one of %v", domain.PaymentMethods()))
	default:
		return domain.NewValidationError(field, "failed on '"+fe.Tag()+"' rule")
	}
}

func rootNamespace(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[:i+1]
	}
	return ""
}
