package httptransport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

const (
	headerRequestID      = "X-Request-Id"
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"

	ctxRequestID = "request_id"

	roleAdmin = "admin"
)

// RequestID проставляет идентификатор запроса, сохраняя переданный клиентом.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(headerRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

// AccessLog пишет одну строку на запрос через logrus.
func AccessLog(logger *log.Entry) gin.HandlerFunc {
	if logger == nil {
		logger = log.WithField("component", "http")
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := logger.WithFields(log.Fields{
			"method":      c.Request.Method,
			"route":       routeOf(c),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  c.GetString(ctxRequestID),
			"client_ip":   c.ClientIP(),
		})
		if len(c.Errors) > 0 {
			entry = entry.WithField("error", c.Errors.String())
		}

		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			entry.Error("http request")
		case status >= http.StatusBadRequest:
			entry.Warn("http request")
		default:
			entry.Info("http request")
		}
	}
}

// Metrics отдаёт длительность и статус каждого запроса в HTTPMetrics.
func Metrics(m *metrics.HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		m.Observe(c.Request.Method, routeOf(c), c.Writer.Status(), time.Since(start))
	}
}

func routeOf(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return "unmatched"
}

// adminClaims - claims токена администратора.
type adminClaims struct {
	Role  string   `json:"role,omitempty"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

func (c adminClaims) isAdmin() bool {
	if c.Role == roleAdmin {
		return true
	}
	for _, r := range c.Roles {
		if r == roleAdmin {
			return true
		}
	}
	return false
}

// AdminOnly пропускает только запросы с HS256-токеном, содержащим роль admin.
func AdminOnly(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(secret) == 0 {
			c.AbortWithStatusJSON(http.StatusForbidden, envelope{Success: false, Message: "administrative API is disabled"})
			return
		}

		raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			c.Header("WWW-Authenticate", `Bearer error="invalid_request"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, envelope{Success: false, Message: "missing bearer token"})
			return
		}

		var claims adminClaims
		_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), &claims, func(*jwt.Token) (any, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(30*time.Second))
		if err != nil {
			c.Header("WWW-Authenticate", `Bearer error="invalid_token"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, envelope{Success: false, Message: "invalid token"})
			return
		}
		if !claims.isAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, envelope{Success: false, Message: "admin role required"})
			return
		}

		c.Set("subject", claims.Subject)
		c.Next()
	}
}

// responseRecorder копирует тело ответа, чтобы сохранить его под idempotency-key.
type responseRecorder struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *responseRecorder) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *responseRecorder) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Idempotency повторяет сохранённый ответ для запросов с тем же Idempotency-Key и телом.
// Запросы без заголовка проходят без изменений.
func Idempotency(repo domain.IdempotencyRepository, ttl time.Duration, logger *log.Entry) gin.HandlerFunc {
	if logger == nil {
		logger = log.WithField("component", "http-idempotency")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(headerIdempotencyKey))
		if key == "" || repo == nil {
			c.Next()
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
		if err != nil {
			writeError(c, domain.NewValidationError("body", "cannot read request body"))
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		sum := sha256.Sum256(append([]byte(c.Request.Method+" "+c.FullPath()+"\n"), body...))
		hash := hex.EncodeToString(sum[:])
		ctx := c.Request.Context()
		entry := logger.WithField("idempotency_key", key)

		record, err := repo.CreateProcessing(ctx, key, hash, time.Now().UTC().Add(ttl))
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrIdempotencyHashMismatch):
			writeError(c, domain.ErrIdempotencyHashMismatch)
			return
		case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
			if record.Status == domain.IdempotencyStatusProcessing {
				c.AbortWithStatusJSON(http.StatusConflict, envelope{Success: false, Message: "request with this idempotency key is still processing"})
				return
			}
			entry.Debug("replaying stored response")
			c.Header(headerReplayed, "true")
			c.Data(record.HTTPStatus, "application/json; charset=utf-8", record.ResponseBody)
			c.Abort()
			return
		default:
			writeError(c, err)
			return
		}

		recorder := &responseRecorder{ResponseWriter: c.Writer}
		c.Writer = recorder
		c.Next()

		status := recorder.Status()
		// Клиент мог отключиться, но ответ уже сформирован и должен быть сохранён.
		storeCtx := context.WithoutCancel(ctx)
		if status >= http.StatusInternalServerError {
			err = repo.MarkFailed(storeCtx, key, recorder.body.Bytes(), status)
		} else {
			err = repo.MarkDone(storeCtx, key, recorder.body.Bytes(), status)
		}
		if err != nil {
			entry.WithError(err).Error("failed to store idempotent response")
		}
	}
}
