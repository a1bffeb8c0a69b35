// Package health отдаёт состояние процесса и его зависимостей (хранилище, брокер).
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	// StatusDegraded - упала необязательная зависимость; трафик принимается.
	StatusDegraded Status = "degraded"
)

const defaultCheckTimeout = 2 * time.Second

var (
	dependencyUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "storefront_dependency_up",
		Help: "1 when the last health check of the dependency passed.",
	}, []string{"dependency"})
	checkDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "storefront_health_check_duration_seconds",
		Help:    "Duration of dependency health checks.",
		Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2},
	}, []string{"dependency"})
)

// Check - результат одной проверки.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Response - тело ответа /healthz.
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Checker проверяет один компонент в пределах ctx.
type Checker interface {
	Check(ctx context.Context) Check
}

// Option настраивает Handler.
type Option func(*Handler)

// WithTimeout ограничивает время всех проверок одного прогона.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithCache переиспользует результат прогона в течение ttl: частые пробы
// балансировщика и kubelet не долбят базу.
func WithCache(ttl time.Duration) Option {
	return func(h *Handler) { h.cacheTTL = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

type Handler struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	version  string
	started  time.Time
	timeout  time.Duration
	cacheTTL time.Duration
	now      func() time.Time
	logger   *log.Entry

	runs     singleflight.Group
	cached   Response
	cachedAt time.Time
}

func NewHandler(version string, opts ...Option) *Handler {
	h := &Handler{
		checkers: make(map[string]Checker),
		version:  version,
		timeout:  defaultCheckTimeout,
		now:      time.Now,
		logger:   log.WithField("component", "health"),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.started = h.now()
	return h
}

// RegisterChecker добавляет или заменяет проверку; nil игнорируется.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	if checker == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
	h.cachedAt = time.Time{}
}

// Run выполняет проверки параллельно. Одновременные вызовы делят один прогон,
// а в пределах WithCache возвращается предыдущий результат.
func (h *Handler) Run(ctx context.Context) Response {
	h.mu.RLock()
	cached, fresh := h.cached, h.cacheTTL > 0 && !h.cachedAt.IsZero() && h.now().Sub(h.cachedAt) < h.cacheTTL
	h.mu.RUnlock()
	if fresh {
		return cached
	}

	// Прогон не должен обрываться из-за отмены запроса, который его начал:
	// результат ждут и другие вызывающие.
	res, _, _ := h.runs.Do("run", func() (any, error) {
		return h.runChecks(context.WithoutCancel(ctx)), nil
	})
	return res.(Response)
}

func (h *Handler) runChecks(ctx context.Context) Response {
	h.mu.RLock()
	names := make([]string, 0, len(h.checkers))
	for name := range h.checkers {
		names = append(names, name)
	}
	checkers := make([]Checker, len(names))
	for i, name := range names {
		checkers[i] = h.checkers[name]
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make([]Check, len(checkers))
	var g errgroup.Group
	for i, checker := range checkers {
		g.Go(func() error {
			results[i] = checker.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	response := Response{
		Status:        StatusHealthy,
		Checks:        make(map[string]Check, len(results)),
		Version:       h.version,
		Timestamp:     h.now().UTC(),
		UptimeSeconds: int64(h.now().Sub(h.started).Seconds()),
	}
	for i, check := range results {
		name := names[i]
		response.Checks[name] = check
		observe(name, check)

		switch check.Status {
		case StatusUnhealthy:
			response.Status = StatusUnhealthy
		case StatusDegraded:
			if response.Status == StatusHealthy {
				response.Status = StatusDegraded
			}
		}
		if check.Status != StatusHealthy {
			h.logger.WithFields(log.Fields{"dependency": name, "status": check.Status}).Warn(check.Message)
		}
	}

	h.mu.Lock()
	h.cached, h.cachedAt = response, h.now()
	h.mu.Unlock()
	return response
}

func observe(name string, check Check) {
	up := 0.0
	if check.Status == StatusHealthy {
		up = 1
	}
	dependencyUp.WithLabelValues(name).Set(up)
	checkDuration.WithLabelValues(name).Observe(float64(check.DurationMs) / 1000)
}

// ServeHTTP отдаёт полный отчёт; 503, если хотя бы одна проверка unhealthy.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	response := h.Run(r.Context())

	code := http.StatusOK
	if response.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(response)
}

// LivenessHandler отвечает 200, пока процесс жив; зависимости не проверяются.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ReadinessHandler: 503 и список упавших обязательных проверок, по одной на строку.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	response := h.Run(r.Context())
	if response.Status != StatusUnhealthy {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}

	var failed []string
	for name, check := range response.Checks {
		if check.Status == StatusUnhealthy {
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)

	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
	for _, name := range failed {
		_, _ = w.Write([]byte("\n" + name))
	}
}

// CheckFunc - проверка зависимости: nil означает, что она доступна.
type CheckFunc func(ctx context.Context) error

type funcChecker struct {
	name     string
	fn       CheckFunc
	optional bool
}

// Required - ошибка делает сервис unhealthy.
func Required(name string, fn CheckFunc) Checker {
	return &funcChecker{name: name, fn: fn}
}

// Optional - ошибка переводит сервис в degraded.
func Optional(name string, fn CheckFunc) Checker {
	return &funcChecker{name: name, fn: fn, optional: true}
}

func (c *funcChecker) Check(ctx context.Context) Check {
	start := time.Now()
	err := c.fn(ctx)
	check := Check{Name: c.name, Status: StatusHealthy, DurationMs: time.Since(start).Milliseconds()}
	if err == nil {
		return check
	}

	check.Message = err.Error()
	check.Status = StatusUnhealthy
	if c.optional {
		check.Status = StatusDegraded
	}
	return check
}
