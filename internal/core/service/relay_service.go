package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rl1809/supermarket/internal/core/domain"
	"github.com/rl1809/supermarket/internal/port"
)

const (
	claimExpiredReason = "claim expired"
	defaultFailedLimit = 10
	defaultPageSize    = 20
	maxPageSize        = 100
)

var ErrRelayRunning = errors.New("relay already running")

// RelayConfig holds configuration for the outbox relay
type RelayConfig struct {
	PollInterval     time.Duration
	BatchSize        int
	Workers          int
	DeliveryTimeout  time.Duration
	SettleTimeout    time.Duration
	ClaimTimeout     time.Duration
	CleanupRetention time.Duration
	CleanupInterval  time.Duration
	Retry            domain.RetryPolicy
}

// DefaultRelayConfig returns default configuration
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PollInterval:     5 * time.Second,
		BatchSize:        10,
		Workers:          1,
		DeliveryTimeout:  10 * time.Second,
		SettleTimeout:    5 * time.Second,
		ClaimTimeout:     2 * time.Minute,
		CleanupRetention: 7 * 24 * time.Hour,
		CleanupInterval:  time.Hour,
		Retry: domain.RetryPolicy{
			MaxRetries:  3,
			BaseBackoff: 5 * time.Second,
			MaxBackoff:  5 * time.Minute,
		},
	}
}

// CycleResult counts what one relay cycle did.
type CycleResult struct {
	Reclaimed int `json:"reclaimed"`
	Claimed   int `json:"claimed"`
	Skipped   int `json:"skipped"`
	Delivered int `json:"delivered"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"`
}

// RelayService moves sale_created events from the outbox to the ticket store.
type RelayService struct {
	repo     port.OutboxRepository
	store    port.TicketStore
	config   RelayConfig
	metrics  port.RelayMetrics
	logger   *zap.Logger
	now      func() time.Time
	newToken func() string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewRelayService(
	repo port.OutboxRepository,
	store port.TicketStore,
	config RelayConfig,
	metrics port.RelayMetrics,
	logger *zap.Logger,
) *RelayService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = port.NoopMetrics{}
	}
	defaults := DefaultRelayConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = defaults.DeliveryTimeout
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.SettleTimeout <= 0 {
		config.SettleTimeout = defaults.SettleTimeout
	}
	if config.Retry.MaxRetries <= 0 {
		config.Retry = defaults.Retry
	}
	return &RelayService{
		repo:     repo,
		store:    store,
		config:   config,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		newToken: uuid.NewString,
	}
}

// Start launches the worker loops and, when retention is set, the cleanup loop.
func (s *RelayService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRelayRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.processLoop(ctx, i)
	}
	if s.config.CleanupRetention > 0 && s.config.CleanupInterval > 0 {
		s.wg.Add(1)
		go s.cleanupLoop(ctx)
	}

	s.logger.Info("outbox relay started",
		zap.Int("workers", s.config.Workers),
		zap.Int("batch_size", s.config.BatchSize),
		zap.Duration("poll_interval", s.config.PollInterval),
		zap.Int("max_retries", s.config.Retry.MaxRetries),
	)
	return nil
}

// Stop cancels the loops and waits for in-flight cycles until ctx is done.
func (s *RelayService) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("outbox relay stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *RelayService) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *RelayService) processLoop(ctx context.Context, worker int) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.RunCycle(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("relay cycle failed", zap.Int("worker", worker), zap.Error(err))
				continue
			}
			if res.Claimed > 0 || res.Reclaimed > 0 {
				s.logger.Debug("relay cycle done",
					zap.Int("worker", worker),
					zap.Int("claimed", res.Claimed),
					zap.Int("delivered", res.Delivered),
					zap.Int("retried", res.Retried),
					zap.Int("failed", res.Failed),
					zap.Int("deferred", res.Deferred),
					zap.Int("reclaimed", res.Reclaimed),
				)
			}
		}
	}
}

// ProcessNow runs one cycle synchronously.
func (s *RelayService) ProcessNow(ctx context.Context) (CycleResult, error) {
	return s.RunCycle(ctx)
}

// RunCycle reclaims stale claims, then claims and delivers up to BatchSize
// due events.
func (s *RelayService) RunCycle(ctx context.Context) (CycleResult, error) {
	var res CycleResult

	if err := s.reclaimStale(ctx, &res); err != nil {
		return res, err
	}

	due, err := s.repo.ListDue(ctx, s.now(), s.config.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list due events: %w", err)
	}

	for _, ev := range due {
		if ctx.Err() != nil {
			break
		}
		token := s.newToken()
		ok, err := s.repo.Claim(ctx, ev.ID, token, s.now())
		if err != nil {
			s.logger.Error("failed to claim event", zap.Int64("event_id", ev.ID), zap.Error(err))
			continue
		}
		if !ok {
			res.Skipped++
			continue
		}
		if err := ev.Claim(token, s.now()); err != nil {
			return res, err
		}
		res.Claimed++
		s.deliver(ctx, ev, token, &res)
	}

	s.refreshBacklog(ctx)
	return res, ctx.Err()
}

// reclaimStale treats claims older than ClaimTimeout as failed attempts: the
// worker holding them died or lost its connection mid-delivery.
func (s *RelayService) reclaimStale(ctx context.Context, res *CycleResult) error {
	if s.config.ClaimTimeout <= 0 {
		return nil
	}
	now := s.now()
	stale, err := s.repo.ListStaleClaims(ctx, now.Add(-s.config.ClaimTimeout), s.config.BatchSize)
	if err != nil {
		return fmt.Errorf("list stale claims: %w", err)
	}

	for _, ev := range stale {
		if ev.ClaimToken == nil {
			continue
		}
		token := *ev.ClaimToken
		if err := ev.Fail(claimExpiredReason, s.config.Retry, now); err != nil {
			return err
		}
		if !s.settle(ctx, ev, token) {
			continue
		}
		res.Reclaimed++
		s.logger.Warn("reclaimed stale outbox claim",
			zap.Int64("event_id", ev.ID),
			zap.String("aggregate_id", ev.AggregateID),
			zap.Int("retry_count", ev.RetryCount),
		)
		if ev.Status == domain.OutboxFailed {
			res.Failed++
			s.logPermanentFailure(ev)
		}
	}
	return nil
}

func (s *RelayService) deliver(ctx context.Context, ev domain.OutboxEvent, token string, res *CycleResult) {
	start := s.now()
	err := s.push(ctx, ev)
	now := s.now()

	var outcome string
	var transErr error
	switch {
	case err == nil:
		outcome = "delivered"
		transErr = ev.Complete(now)
	case errors.Is(err, domain.ErrDeliveryDeferred):
		outcome = "deferred"
		transErr = ev.Defer(now.Add(s.config.PollInterval))
	case ctx.Err() != nil:
		// Stopping the relay is not a delivery failure.
		outcome = "interrupted"
		transErr = ev.Defer(now)
	default:
		derr := &domain.DeliveryError{EventID: ev.ID, AggregateID: ev.AggregateID, Err: err}
		transErr = ev.Fail(derr.Error(), s.config.Retry, now)
		outcome = "retried"
		if ev.Status == domain.OutboxFailed {
			outcome = "failed"
		}
		s.logger.Warn("outbox delivery failed",
			zap.Int64("event_id", ev.ID),
			zap.String("aggregate_id", ev.AggregateID),
			zap.Int("retry_count", ev.RetryCount),
			zap.Error(derr),
		)
	}
	if transErr != nil {
		s.logger.Error("cannot record delivery outcome",
			zap.Int64("event_id", ev.ID),
			zap.String("outcome", outcome),
			zap.Error(transErr),
		)
		return
	}
	s.metrics.ObserveDelivery(outcome, now.Sub(start))

	if !s.settle(ctx, ev, token) {
		return
	}
	switch outcome {
	case "delivered":
		res.Delivered++
		s.logger.Debug("event delivered",
			zap.Int64("event_id", ev.ID),
			zap.String("aggregate_id", ev.AggregateID),
		)
	case "deferred", "interrupted":
		res.Deferred++
	case "retried":
		res.Retried++
	case "failed":
		res.Failed++
		s.logPermanentFailure(ev)
	}
}

func (s *RelayService) push(ctx context.Context, ev domain.OutboxEvent) error {
	ticket, err := domain.TicketFromEvent(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.DeliveryTimeout)
	defer cancel()
	return s.store.UpsertTicket(ctx, ticket)
}

// settle persists the event outcome. It runs detached from ctx so a shutdown
// does not leave an already delivered event in PROCESSING.
func (s *RelayService) settle(ctx context.Context, ev domain.OutboxEvent, token string) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.SettleTimeout)
	defer cancel()

	err := s.repo.Settle(ctx, ev, token)
	switch {
	case err == nil:
		return true
	case errors.Is(err, domain.ErrClaimLost):
		s.logger.Warn("outbox claim lost before settle",
			zap.Int64("event_id", ev.ID),
			zap.String("status", string(ev.Status)),
		)
	default:
		s.logger.Error("failed to settle event",
			zap.Int64("event_id", ev.ID),
			zap.String("status", string(ev.Status)),
			zap.Error(err),
		)
	}
	return false
}

func (s *RelayService) logPermanentFailure(ev domain.OutboxEvent) {
	var lastErr string
	if ev.ErrorMessage != nil {
		lastErr = *ev.ErrorMessage
	}
	s.logger.Error("relay permanent failure",
		zap.Int64("event_id", ev.ID),
		zap.String("event_type", ev.EventType),
		zap.String("aggregate_id", ev.AggregateID),
		zap.Int("retry_count", ev.RetryCount),
		zap.String("last_error", lastErr),
	)
}

func (s *RelayService) refreshBacklog(ctx context.Context) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return
	}
	s.metrics.SetBacklog(withAllStatuses(counts))
}

// Status reports counts per status, the oldest pending event and the most
// recent failures.
func (s *RelayService) Status(ctx context.Context, failedLimit int) (domain.OutboxReport, error) {
	if failedLimit <= 0 {
		failedLimit = defaultFailedLimit
	}
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return domain.OutboxReport{}, fmt.Errorf("count events: %w", err)
	}
	oldest, err := s.repo.OldestPending(ctx)
	if err != nil {
		return domain.OutboxReport{}, fmt.Errorf("oldest pending: %w", err)
	}
	failed, err := s.repo.ListRecentFailed(ctx, failedLimit)
	if err != nil {
		return domain.OutboxReport{}, fmt.Errorf("recent failures: %w", err)
	}
	counts = withAllStatuses(counts)
	s.metrics.SetBacklog(counts)
	return domain.OutboxReport{
		Counts:         counts,
		OldestPending:  oldest,
		RecentFailures: failed,
	}, nil
}

// ListEvents pages through events of one status, or of every status when
// status is empty. limit defaults to 20 and is capped at 100.
func (s *RelayService) ListEvents(ctx context.Context, status domain.OutboxStatus, limit, offset int) (domain.OutboxPage, error) {
	if status != "" && !status.IsValid() {
		return domain.OutboxPage{}, fmt.Errorf("%w: %q", domain.ErrInvalidStatus, status)
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)
	offset = max(offset, 0)

	events, total, err := s.repo.ListByStatus(ctx, status, limit, offset)
	if err != nil {
		return domain.OutboxPage{}, fmt.Errorf("list events: %w", err)
	}
	return domain.OutboxPage{Events: events, Total: total, Limit: limit, Offset: offset}, nil
}

// Requeue gives a FAILED event a fresh retry budget.
func (s *RelayService) Requeue(ctx context.Context, id int64) error {
	if err := s.repo.Requeue(ctx, id); err != nil {
		return err
	}
	s.logger.Info("outbox event requeued", zap.Int64("event_id", id))
	return nil
}

// Cleanup removes COMPLETED events older than the retention window.
func (s *RelayService) Cleanup(ctx context.Context) (int64, error) {
	if s.config.CleanupRetention <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.config.CleanupRetention)
	deleted, err := s.repo.DeleteCompletedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.logger.Info("cleaned up completed outbox events",
			zap.Int64("deleted", deleted),
			zap.Time("cutoff", cutoff),
		)
	}
	return deleted, nil
}

func (s *RelayService) cleanupLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Cleanup(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("failed to cleanup outbox", zap.Error(err))
			}
		}
	}
}

func withAllStatuses(counts map[domain.OutboxStatus]int64) map[domain.OutboxStatus]int64 {
	out := make(map[domain.OutboxStatus]int64, len(domain.AllOutboxStatuses()))
	for _, st := range domain.AllOutboxStatuses() {
		out[st] = counts[st]
	}
	return out
}
