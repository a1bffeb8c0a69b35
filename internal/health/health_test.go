package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func up(context.Context) error { return nil }

func failing(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func serve(t *testing.T, handler http.HandlerFunc, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var response Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	return response
}

func TestHandler_Report(t *testing.T) {
	tests := []struct {
		name     string
		checkers map[string]Checker
		wantCode int
		want     Status
	}{
		{
			name:     "all healthy",
			checkers: map[string]Checker{"postgres": Required("postgres", up)},
			wantCode: http.StatusOK,
			want:     StatusHealthy,
		},
		{
			name: "optional failure degrades",
			checkers: map[string]Checker{
				"postgres": Required("postgres", up),
				"kafka":    Optional("kafka", failing("no brokers")),
			},
			wantCode: http.StatusOK,
			want:     StatusDegraded,
		},
		{
			name: "required failure wins over degraded",
			checkers: map[string]Checker{
				"postgres": Required("postgres", failing("connection refused")),
				"kafka":    Optional("kafka", failing("no brokers")),
			},
			wantCode: http.StatusServiceUnavailable,
			want:     StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHandler("v1.0.0")
			for name, c := range tt.checkers {
				handler.RegisterChecker(name, c)
			}

			w := serve(t, handler.ServeHTTP, "/healthz")
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

			response := decode(t, w)
			assert.Equal(t, tt.want, response.Status)
			assert.Equal(t, "v1.0.0", response.Version)
			assert.Len(t, response.Checks, len(tt.checkers))
		})
	}
}

func TestHandler_FailureDetailsAndMetrics(t *testing.T) {
	handler := NewHandler("dev")
	handler.RegisterChecker("health-test-db", Required("health-test-db", failing("connection refused")))
	handler.RegisterChecker("health-test-cache", Required("health-test-cache", up))
	handler.RegisterChecker("ignored", nil)

	response := handler.Run(context.Background())
	db := response.Checks["health-test-db"]
	assert.Equal(t, StatusUnhealthy, db.Status)
	assert.Equal(t, "connection refused", db.Message)
	assert.NotContains(t, response.Checks, "ignored")

	assert.Equal(t, 0.0, testutil.ToFloat64(dependencyUp.WithLabelValues("health-test-db")))
	assert.Equal(t, 1.0, testutil.ToFloat64(dependencyUp.WithLabelValues("health-test-cache")))
}

func TestHandler_TimeoutReachesChecker(t *testing.T) {
	handler := NewHandler("dev", WithTimeout(20*time.Millisecond))
	handler.RegisterChecker("slow", Required("slow", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	}))

	start := time.Now()
	response := handler.Run(context.Background())

	assert.Equal(t, StatusUnhealthy, response.Status)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "check was not cancelled")
}

func TestHandler_CacheAndCoalescing(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		clockMu.Lock()
		defer clockMu.Unlock()
		now = now.Add(d)
	}

	var calls atomic.Int32
	release := make(chan struct{})
	handler := NewHandler("dev", WithCache(time.Second), WithClock(clock))
	handler.RegisterChecker("db", Required("db", func(context.Context) error {
		calls.Add(1)
		<-release
		return nil
	}))

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, StatusHealthy, handler.Run(context.Background()).Status)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load(), "concurrent runs share one probe")

	handler.Run(context.Background())
	assert.Equal(t, int32(1), calls.Load(), "cached result is reused")

	advance(time.Second)
	handler.Run(context.Background())
	assert.Equal(t, int32(2), calls.Load(), "stale cache triggers a new probe")

	handler.RegisterChecker("cache", Required("cache", up))
	handler.Run(context.Background())
	assert.Equal(t, int32(3), calls.Load(), "registering a checker drops the cache")
}

func TestLivenessHandler(t *testing.T) {
	w := serve(t, LivenessHandler, "/livez")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestReadinessHandler(t *testing.T) {
	handler := NewHandler("v1.0.0")
	handler.RegisterChecker("storage", Required("storage", up))
	handler.RegisterChecker("kafka", Optional("kafka", failing("down")))

	w := serve(t, handler.ReadinessHandler, "/readyz")
	assert.Equal(t, http.StatusOK, w.Code, "degraded is still ready")
	assert.Equal(t, "ready", w.Body.String())

	handler.RegisterChecker("postgres", Required("postgres", failing("down")))
	handler.RegisterChecker("mongo", Required("mongo", failing("down")))

	w = serve(t, handler.ReadinessHandler, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "not ready\nmongo\npostgres", w.Body.String())
}
