package observability

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusOK        HealthStatus = "ok"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// severity orders statuses so the worst one wins.
func (s HealthStatus) severity() int {
	switch s {
	case HealthStatusOK:
		return 0
	case HealthStatusDegraded:
		return 1
	default:
		return 2
	}
}

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	LatencyMS int64        `json:"latency_ms,omitempty"`
}

// HealthCheckResponse represents the overall health check response.
type HealthCheckResponse struct {
	Status        HealthStatus               `json:"status"`
	Version       string                     `json:"version"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Timestamp     string                     `json:"timestamp"`
	Checks        map[string]ComponentHealth `json:"checks"`
}

// HealthCheckFunc defines a function that checks component health.
type HealthCheckFunc func(ctx context.Context) ComponentHealth

// HealthChecker runs registered component checks in parallel.
type HealthChecker struct {
	version   string
	startTime time.Time
	timeout   time.Duration

	mu     sync.RWMutex
	checks map[string]HealthCheckFunc
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		version:   version,
		startTime: time.Now(),
		timeout:   5 * time.Second,
		checks:    make(map[string]HealthCheckFunc),
	}
}

// RegisterCheck registers or replaces the check for a component.
func (hc *HealthChecker) RegisterCheck(name string, checkFunc HealthCheckFunc) {
	hc.mu.Lock()
	hc.checks[name] = checkFunc
	hc.mu.Unlock()
}

// Check runs every check concurrently. A check still running when ctx
// (bounded by the checker's timeout) ends is reported unhealthy.
func (hc *HealthChecker) Check(ctx context.Context) HealthCheckResponse {
	ctx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	hc.mu.RLock()
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	fns := make([]HealthCheckFunc, len(names))
	for i, name := range names {
		fns[i] = hc.checks[name]
	}
	hc.mu.RUnlock()

	results := make([]ComponentHealth, len(names))
	var wg sync.WaitGroup
	for i, fn := range fns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = runCheck(ctx, fn)
		}()
	}
	wg.Wait()

	response := HealthCheckResponse{
		Status:        HealthStatusOK,
		Version:       hc.version,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Checks:        make(map[string]ComponentHealth, len(names)),
	}
	for i, name := range names {
		response.Checks[name] = results[i]
		if results[i].Status.severity() > response.Status.severity() {
			response.Status = results[i].Status
		}
	}
	return response
}

func runCheck(ctx context.Context, fn HealthCheckFunc) ComponentHealth {
	done := make(chan ComponentHealth, 1)
	go func() { done <- fn(ctx) }()
	select {
	case h := <-done:
		return h
	case <-ctx.Done():
		return ComponentHealth{Status: HealthStatusUnhealthy, Message: "check timed out"}
	}
}

// Handler serves Check as JSON: 200 for ok and degraded, 503 otherwise.
func (hc *HealthChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := hc.Check(r.Context())

		code := http.StatusOK
		if response.Status == HealthStatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(response)
	}
}

// EntropyCheck checks that the system RNG produces output.
func EntropyCheck() HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		var buf [32]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return ComponentHealth{Status: HealthStatusUnhealthy, Message: fmt.Sprintf("RNG unavailable: %v", err)}
		}
		return ComponentHealth{Status: HealthStatusOK, LatencyMS: time.Since(start).Milliseconds()}
	}
}

// SelfTestCheck runs selfTest, e.g. a full channel round trip, at most once
// per ttl and reports the cached outcome in between.
func SelfTestCheck(selfTest func() error, ttl time.Duration) HealthCheckFunc {
	var (
		mu      sync.Mutex
		lastRun time.Time
		last    ComponentHealth
	)
	return func(ctx context.Context) ComponentHealth {
		mu.Lock()
		defer mu.Unlock()
		if !lastRun.IsZero() && time.Since(lastRun) < ttl {
			return last
		}

		start := time.Now()
		last = ComponentHealth{Status: HealthStatusOK, Message: "channel self-test passed"}
		if err := selfTest(); err != nil {
			last = ComponentHealth{Status: HealthStatusUnhealthy, Message: fmt.Sprintf("self-test failed: %v", err)}
		}
		last.LatencyMS = time.Since(start).Milliseconds()
		lastRun = time.Now()
		return last
	}
}

// StoreCheck pings a storage backend. Responses slower than 50ms are
// reported as degraded.
func StoreCheck(name string, ping func(ctx context.Context) error) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		err := ping(ctx)
		h := ComponentHealth{LatencyMS: time.Since(start).Milliseconds()}

		switch {
		case err != nil:
			h.Status = HealthStatusUnhealthy
			h.Message = fmt.Sprintf("%s unavailable: %v", name, err)
		case h.LatencyMS >= 50:
			h.Status = HealthStatusDegraded
			h.Message = fmt.Sprintf("%s slow", name)
		default:
			h.Status = HealthStatusOK
		}
		return h
	}
}
