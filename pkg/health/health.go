// Package health exposes liveness and readiness probes. Registered checks run
// periodically in the background; probe endpoints report the last observed
// state so they stay cheap under load.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"
)

// CheckFunc probes one component. A nil return means healthy.
type CheckFunc func(ctx context.Context) error

// GoroutineCountCheck fails when the process exceeds the given goroutine
// count, a cheap proxy for leaks.
func GoroutineCountCheck(limit int) CheckFunc {
	return func(context.Context) error {
		if n := runtime.NumGoroutine(); n > limit {
			return fmt.Errorf("too many goroutines: %d > %d", n, limit)
		}
		return nil
	}
}

type kind int

const (
	liveness kind = iota
	readiness
)

// check holds one registered probe and its last observed result.
type check struct {
	name    string
	kind    kind
	timeout time.Duration
	fn      CheckFunc

	// failures counts consecutive failures; a check is reported unhealthy
	// only after three in a row, so a single blip does not flip the probe.
	failures int
	lastErr  error
}

const failureThreshold = 3

func (c *check) unhealthy() bool {
	return c.failures >= failureThreshold
}

// Service runs health checks and serves the probe endpoints.
type Service struct {
	mu     sync.Mutex
	checks []*check
	ready  bool
	cancel context.CancelFunc
}

// New creates a Service. It starts not-ready; call SetReady(true) once
// initialization is complete.
func New() *Service {
	return &Service{}
}

// AddLiveness registers a liveness probe (is the process functional).
func (s *Service) AddLiveness(name string, timeout time.Duration, fn CheckFunc) {
	s.add(name, liveness, timeout, fn)
}

// AddReadiness registers a readiness probe (can the service take traffic).
func (s *Service) AddReadiness(name string, timeout time.Duration, fn CheckFunc) {
	s.add(name, readiness, timeout, fn)
}

func (s *Service) add(name string, k kind, timeout time.Duration, fn CheckFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks = append(s.checks, &check{name: name, kind: k, timeout: timeout, fn: fn})
}

// Start runs all registered checks at the given interval until Stop is called
// or ctx is cancelled. Checks run once immediately.
func (s *Service) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		s.runAll(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runAll(ctx)
			}
		}
	}()
}

func (s *Service) runAll(ctx context.Context) {
	s.mu.Lock()
	checks := make([]*check, len(s.checks))
	copy(checks, s.checks)
	s.mu.Unlock()

	for _, c := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := c.fn(checkCtx)
		cancel()

		s.mu.Lock()
		c.lastErr = err
		if err != nil {
			c.failures++
		} else {
			c.failures = 0
		}
		s.mu.Unlock()
	}
}

// Stop halts the background check loop. Safe to call repeatedly.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// SetReady toggles the manual readiness gate. Set false during graceful
// shutdown to drain traffic.
func (s *Service) SetReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = ready
}

type statusResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// LiveEndpoint serves /livez: 200 when all liveness checks pass, 503 with
// failure details otherwise.
func (s *Service) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, s.failures(liveness))
}

// ReadyEndpoint serves /readyz: 200 when the service is marked ready and all
// readiness checks pass.
func (s *Service) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	failures := s.failures(readiness)

	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	if !ready {
		failures["_readiness"] = "service is not ready"
	}

	s.respond(w, failures)
}

func (s *Service) failures(k kind) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string)
	for _, c := range s.checks {
		if c.kind != k || !c.unhealthy() {
			continue
		}
		if c.lastErr != nil {
			out[c.name] = c.lastErr.Error()
		} else {
			out[c.name] = "check is unhealthy"
		}
	}
	return out
}

func (s *Service) respond(w http.ResponseWriter, failures map[string]string) {
	w.Header().Set("Content-Type", "application/json")

	resp := statusResponse{Status: "ok"}
	code := http.StatusOK
	if len(failures) > 0 {
		resp.Status = "unhealthy"
		resp.Checks = failures
		code = http.StatusServiceUnavailable
	}

	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
