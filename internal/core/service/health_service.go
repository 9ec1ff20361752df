package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"

	defaultHealthTimeout = 2 * time.Second
)

var ErrRelayStopped = errors.New("relay worker not running")

// HealthCheck returns nil when the component is usable.
type HealthCheck func(ctx context.Context) error

type ComponentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type HealthReport struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	CheckedAt  time.Time                  `json:"checked_at"`
}

func (r HealthReport) Healthy() bool {
	return r.Status == HealthHealthy
}

type namedCheck struct {
	name  string
	check HealthCheck
}

// HealthService runs every registered check concurrently, each under its own
// timeout. One failing check degrades the whole report.
type HealthService struct {
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.RWMutex
	checks []namedCheck
}

func NewHealthService(timeout time.Duration, logger *zap.Logger) *HealthService {
	if timeout <= 0 {
		timeout = defaultHealthTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthService{timeout: timeout, logger: logger, now: time.Now}
}

// Register adds or replaces the check reported under name.
func (s *HealthService) Register(name string, check HealthCheck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.checks {
		if s.checks[i].name == name {
			s.checks[i].check = check
			return
		}
	}
	s.checks = append(s.checks, namedCheck{name: name, check: check})
	sort.Slice(s.checks, func(i, j int) bool { return s.checks[i].name < s.checks[j].name })
}

func (s *HealthService) Check(ctx context.Context) HealthReport {
	s.mu.RLock()
	checks := append([]namedCheck(nil), s.checks...)
	s.mu.RUnlock()

	results := make([]ComponentHealth, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		i, c := i, c
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			if err := c.check(cctx); err != nil {
				results[i] = ComponentHealth{Status: HealthDegraded, Error: err.Error()}
				return
			}
			results[i] = ComponentHealth{Status: HealthHealthy}
		}()
	}
	wg.Wait()

	report := HealthReport{
		Status:     HealthHealthy,
		Components: make(map[string]ComponentHealth, len(checks)),
		CheckedAt:  s.now().UTC(),
	}
	for i, c := range checks {
		report.Components[c.name] = results[i]
		if results[i].Status != HealthHealthy {
			report.Status = HealthDegraded
			s.logger.Warn("health check failed", zap.String("component", c.name), zap.String("error", results[i].Error))
		}
	}
	return report
}

// RelayWorkerCheck reports the relay as degraded while its loop is not running.
func RelayWorkerCheck(relay *RelayService) HealthCheck {
	return func(context.Context) error {
		if !relay.Running() {
			return ErrRelayStopped
		}
		return nil
	}
}
