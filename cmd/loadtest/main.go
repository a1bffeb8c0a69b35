// Команда loadtest нагружает REST API сценариями создания заказа и печатает
// сводку по задержкам и кодам ответов.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type loadMode string

const (
	modeCreate       loadMode = "create"
	modeCreateRead   loadMode = "create-read"
	modeCreateCancel loadMode = "create-cancel"
)

const scenarioName = "scenario"

type config struct {
	baseURL        string
	total          int
	duration       time.Duration
	concurrency    int
	timeout        time.Duration
	mode           loadMode
	paymentMethod  string
	currency       string
	productID      string
	unitPriceMinor int64
	coupon         string
	adminToken     string
	outputPath     string
}

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type routeReport struct {
	Calls     int64            `json:"calls"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Statuses  map[string]int64 `json:"statuses"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt       time.Time              `json:"started_at"`
	DurationSeconds float64                `json:"duration_seconds"`
	Scenarios       int64                  `json:"scenarios"`
	Failed          int64                  `json:"failed"`
	ErrorRate       float64                `json:"error_rate"`
	RPS             float64                `json:"rps"`
	Routes          map[string]routeReport `json:"routes"`
}

type routeStats struct {
	calls     int64
	failed    int64
	statuses  map[string]int64
	latencies []float64
}

// collector накапливает результаты вызовов по маршрутам.
type collector struct {
	mu     sync.Mutex
	routes map[string]*routeStats
}

func newCollector() *collector {
	return &collector{routes: make(map[string]*routeStats)}
}

// record учитывает вызов; status 0 означает сетевую ошибку или итог сценария.
func (c *collector) record(route string, latency time.Duration, status int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, found := c.routes[route]
	if !found {
		stats = &routeStats{statuses: make(map[string]int64)}
		c.routes[route] = stats
	}
	stats.calls++
	if !ok {
		stats.failed++
	}
	label := "error"
	switch {
	case status > 0:
		label = strconv.Itoa(status)
	case ok:
		label = "ok"
	}
	stats.statuses[label]++
	stats.latencies = append(stats.latencies, float64(latency.Microseconds())/1000.0)
}

func (c *collector) buildReport(startedAt time.Time, elapsed time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: elapsed.Seconds(),
		Routes:          make(map[string]routeReport, len(c.routes)),
	}
	for name, stats := range c.routes {
		statuses := make(map[string]int64, len(stats.statuses))
		for k, v := range stats.statuses {
			statuses[k] = v
		}
		out.Routes[name] = routeReport{
			Calls:     stats.calls,
			Failed:    stats.failed,
			ErrorRate: ratio(stats.failed, stats.calls),
			Statuses:  statuses,
			LatencyMs: buildLatencySummary(stats.latencies),
		}
	}
	if s, ok := out.Routes[scenarioName]; ok {
		out.Scenarios = s.Calls
		out.Failed = s.Failed
		out.ErrorRate = s.ErrorRate
	}
	if elapsed > 0 {
		out.RPS = float64(out.Scenarios) / elapsed.Seconds()
	}
	return out
}

func parseConfig(args []string, output io.Writer) (config, error) {
	var (
		cfg  config
		mode string
	)
	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&cfg.baseURL, "url", "http://localhost:8080", "storefront API base URL")
	fs.IntVar(&cfg.total, "total", 400, "scenarios to run; with -duration acts as an upper bound when > 0")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration")
	fs.IntVar(&cfg.concurrency, "concurrency", 20, "number of concurrent workers")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&mode, "mode", string(modeCreate), "scenario: create | create-read | create-cancel")
	fs.StringVar(&cfg.paymentMethod, "payment-method", "stripe", "payment method for created orders")
	fs.StringVar(&cfg.currency, "currency", "USD", "order currency")
	fs.StringVar(&cfg.productID, "product", "SKU-LOAD", "product id of the single order item")
	fs.Int64Var(&cfg.unitPriceMinor, "unit-price-minor", 1000, "unit price in minor units")
	fs.StringVar(&cfg.coupon, "coupon", "", "optional coupon code")
	fs.StringVar(&cfg.adminToken, "admin-token", "", "admin bearer token, required for create-cancel")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report file")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	switch m := loadMode(strings.TrimSpace(mode)); m {
	case modeCreate, modeCreateRead, modeCreateCancel:
		cfg.mode = m
	default:
		return cfg, fmt.Errorf("unsupported mode: %s", mode)
	}

	u, err := url.Parse(strings.TrimSpace(cfg.baseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return cfg, fmt.Errorf("url must be absolute: %q", cfg.baseURL)
	}
	cfg.baseURL = strings.TrimRight(u.String(), "/")

	switch {
	case cfg.duration < 0:
		return cfg, errors.New("duration must be >= 0")
	case cfg.duration == 0 && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when duration is not set")
	case cfg.concurrency <= 0:
		return cfg, errors.New("concurrency must be > 0")
	case cfg.timeout <= 0:
		return cfg, errors.New("timeout must be > 0")
	case cfg.unitPriceMinor <= 0:
		return cfg, errors.New("unit-price-minor must be > 0")
	case strings.TrimSpace(cfg.currency) == "":
		return cfg, errors.New("currency is required")
	case cfg.mode == modeCreateCancel && cfg.adminToken == "":
		return cfg, errors.New("admin-token is required for create-cancel")
	}
	return cfg, nil
}

// runner выполняет сценарии против API.
type runner struct {
	cfg    config
	client *http.Client
	col    *collector
	runID  string
}

func (r *runner) call(ctx context.Context, route, method, path string, body any, headers map[string]string, wantStatus int, dst any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		r.col.record(route, time.Since(start), 0, false)
		return err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	r.col.record(route, time.Since(start), resp.StatusCode, err == nil && resp.StatusCode == wantStatus)
	if err != nil {
		return err
	}
	if resp.StatusCode != wantStatus {
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if dst != nil {
		return json.Unmarshal(payload, dst)
	}
	return nil
}

type createdOrder struct {
	Data struct {
		Order struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"order"`
	} `json:"data"`
}

func (r *runner) scenario(ctx context.Context, index int) (err error) {
	start := time.Now()
	defer func() {
		r.col.record(scenarioName, time.Since(start), 0, err == nil)
	}()

	body := map[string]any{
		"userId":        fmt.Sprintf("load-%s-%d", r.runID, index),
		"paymentMethod": r.cfg.paymentMethod,
		"currency":      r.cfg.currency,
		"items": []map[string]any{{
			"productId": r.cfg.productID,
			"quantity":  1,
			"unitPrice": r.cfg.unitPriceMinor,
		}},
		"shippingAddress": map[string]string{
			"street":  "1 Load St",
			"city":    "Testville",
			"country": "US",
		},
	}
	if r.cfg.coupon != "" {
		body["couponCode"] = r.cfg.coupon
	}

	var created createdOrder
	headers := map[string]string{"Idempotency-Key": fmt.Sprintf("lt-%s-%d", r.runID, index)}
	if err := r.call(ctx, "POST /orders", http.MethodPost, "/orders", body, headers, http.StatusCreated, &created); err != nil {
		return err
	}
	orderID := created.Data.Order.ID
	if orderID == "" {
		return errors.New("create response has no order id")
	}

	switch r.cfg.mode {
	case modeCreateRead:
		if err := r.call(ctx, "GET /orders/:id", http.MethodGet, "/orders/"+orderID, nil, nil, http.StatusOK, nil); err != nil {
			return err
		}
		return r.call(ctx, "GET /orders/:id/timeline", http.MethodGet, "/orders/"+orderID+"/timeline", nil, nil, http.StatusOK, nil)
	case modeCreateCancel:
		auth := map[string]string{"Authorization": "Bearer " + r.cfg.adminToken}
		return r.call(ctx, "PUT /orders/:id", http.MethodPut, "/orders/"+orderID,
			map[string]string{"orderStatus": "cancelled"}, auth, http.StatusOK, nil)
	}
	return nil
}

// run раздаёт сценарии воркерам до исчерпания total или истечения duration.
func (r *runner) run(ctx context.Context) {
	if r.cfg.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.duration)
		defer cancel()
	}

	jobs := make(chan int, r.cfg.concurrency*2)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(jobs)
		for i := 0; r.cfg.total <= 0 || i < r.cfg.total; i++ {
			select {
			case <-gctx.Done():
				return nil
			case jobs <- i:
			}
		}
		return nil
	})
	for range r.cfg.concurrency {
		g.Go(func() error {
			for i := range jobs {
				_ = r.scenario(gctx, i)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func main() {
	cfg, err := parseConfig(os.Args[1:], os.Stderr)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	startedAt := time.Now()
	r := &runner{
		cfg:    cfg,
		client: &http.Client{Transport: &http.Transport{MaxIdleConnsPerHost: cfg.concurrency}},
		col:    newCollector(),
		runID:  uuid.NewString()[:8],
	}
	r.run(context.Background())

	result := r.col.buildReport(startedAt, time.Since(startedAt))
	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}
	if result.Failed > 0 {
		os.Exit(1)
	}
}

func writeJSONReport(path string, result report) error {
	clean := filepath.Clean(path)
	if clean == "." || clean == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- путь задаётся явно флагом -output.
	file, err := os.Create(clean)
	if err != nil {
		return err
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func printReport(w io.Writer, result report, cfg config) {
	_, _ = fmt.Fprintln(w, "Load test summary")
	_, _ = fmt.Fprintf(w, "mode=%s scenarios=%d failed=%d error_rate=%.4f duration=%.2fs rps=%.2f\n",
		cfg.mode, result.Scenarios, result.Failed, result.ErrorRate, result.DurationSeconds, result.RPS)

	names := make([]string, 0, len(result.Routes))
	for name := range result.Routes {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		stats := result.Routes[name]
		_, _ = fmt.Fprintf(w, "%s: calls=%d failed=%d p50=%.2fms p95=%.2fms p99=%.2fms statuses=%v\n",
			name, stats.Calls, stats.Failed, stats.LatencyMs.P50, stats.LatencyMs.P95, stats.LatencyMs.P99, stats.Statuses)
	}
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

// percentile интерполирует между соседними рангами отсортированной выборки.
func percentile(sorted []float64, p float64) float64 {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}
	rank := (p / 100.0) * float64(len(sorted)-1)
	lower, upper := int(math.Floor(rank)), int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	return sorted[lower] + (sorted[upper]-sorted[lower])*(rank-float64(lower))
}

func ratio(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
