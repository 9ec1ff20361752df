package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// OutboxStatus is the lifecycle state of an outbox event.
//
//	PENDING --claim--> PROCESSING --success--> COMPLETED
//	PROCESSING --failure, retries remain--> PENDING
//	PROCESSING --failure, retries exhausted--> FAILED
//	FAILED --manual requeue--> PENDING
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "PENDING"
	OutboxProcessing OutboxStatus = "PROCESSING"
	OutboxCompleted  OutboxStatus = "COMPLETED"
	OutboxFailed     OutboxStatus = "FAILED"
)

const EventSaleCreated = "sale_created"

const maxErrorMessageLength = 500

func AllOutboxStatuses() []OutboxStatus {
	return []OutboxStatus{OutboxPending, OutboxProcessing, OutboxCompleted, OutboxFailed}
}

func (s OutboxStatus) IsValid() bool {
	switch s {
	case OutboxPending, OutboxProcessing, OutboxCompleted, OutboxFailed:
		return true
	}
	return false
}

// ParseOutboxStatus accepts a status in any case. An empty value parses to
// the empty status, which list queries read as "any status".
func ParseOutboxStatus(raw string) (OutboxStatus, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	s := OutboxStatus(strings.ToUpper(raw))
	if !s.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return s, nil
}

func (s OutboxStatus) CanTransitionTo(next OutboxStatus) bool {
	switch s {
	case OutboxPending:
		return next == OutboxProcessing
	case OutboxProcessing:
		return next == OutboxCompleted || next == OutboxPending || next == OutboxFailed
	case OutboxFailed:
		return next == OutboxPending
	}
	return false
}

type OutboxEvent struct {
	ID            int64        `db:"id"`
	EventType     string       `db:"event_type"`
	AggregateID   string       `db:"aggregate_id"`
	Payload       []byte       `db:"payload"`
	Status        OutboxStatus `db:"status"`
	RetryCount    int          `db:"retry_count"`
	ErrorMessage  *string      `db:"error_message"`
	NextAttemptAt *time.Time   `db:"next_attempt_at"`
	ClaimToken    *string      `db:"claim_token"`
	ClaimedAt     *time.Time   `db:"claimed_at"`
	CreatedAt     time.Time    `db:"created_at"`
	ProcessedAt   *time.Time   `db:"processed_at"`
}

// NewSaleCreatedEvent serializes sale into a PENDING sale_created event.
func NewSaleCreatedEvent(sale Sale, at time.Time) (OutboxEvent, error) {
	payload, err := json.Marshal(sale)
	if err != nil {
		return OutboxEvent{}, fmt.Errorf("encode sale %s: %w", sale.ID, err)
	}
	return OutboxEvent{
		EventType:   EventSaleCreated,
		AggregateID: sale.ID,
		Payload:     payload,
		Status:      OutboxPending,
		CreatedAt:   at,
	}, nil
}

func (e *OutboxEvent) transition(next OutboxStatus) error {
	if !e.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s (event %d)", ErrInvalidTransition, e.Status, next, e.ID)
	}
	if e.Status == OutboxProcessing {
		e.ClaimToken = nil
		e.ClaimedAt = nil
	}
	e.Status = next
	return nil
}

func (e *OutboxEvent) Claim(token string, now time.Time) error {
	if err := e.transition(OutboxProcessing); err != nil {
		return err
	}
	e.ClaimToken = &token
	e.ClaimedAt = &now
	return nil
}

func (e *OutboxEvent) Complete(now time.Time) error {
	if err := e.transition(OutboxCompleted); err != nil {
		return err
	}
	e.ProcessedAt = &now
	e.NextAttemptAt = nil
	e.ErrorMessage = nil
	return nil
}

// Fail records a failed delivery attempt. The event goes back to PENDING with
// an exponential delay while retries remain, otherwise to FAILED.
func (e *OutboxEvent) Fail(reason string, policy RetryPolicy, now time.Time) error {
	if e.Status != OutboxProcessing {
		return fmt.Errorf("%w: fail from %s (event %d)", ErrInvalidTransition, e.Status, e.ID)
	}
	e.RetryCount++
	msg := truncate(reason, maxErrorMessageLength)
	e.ErrorMessage = &msg

	if e.RetryCount >= policy.MaxRetries {
		e.NextAttemptAt = nil
		return e.transition(OutboxFailed)
	}
	next := now.Add(policy.Backoff(e.RetryCount))
	e.NextAttemptAt = &next
	return e.transition(OutboxPending)
}

// Defer returns a claimed event to PENDING without spending a retry.
func (e *OutboxEvent) Defer(until time.Time) error {
	if err := e.transition(OutboxPending); err != nil {
		return err
	}
	e.NextAttemptAt = &until
	return nil
}

// Requeue revives a FAILED event with a fresh retry budget.
func (e *OutboxEvent) Requeue() error {
	if err := e.transition(OutboxPending); err != nil {
		return err
	}
	e.RetryCount = 0
	e.ErrorMessage = nil
	e.NextAttemptAt = nil
	return nil
}

func (e OutboxEvent) Terminal() bool {
	return e.Status == OutboxCompleted || e.Status == OutboxFailed
}

// RetryPolicy controls relay retries. Backoff doubles per attempt from
// BaseBackoff and is capped at MaxBackoff when that is set.
type RetryPolicy struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	if p.BaseBackoff <= 0 || retryCount <= 0 {
		return 0
	}
	shift := min(retryCount-1, 62)
	mult := int64(1) << shift
	d := time.Duration(math.MaxInt64)
	if int64(p.BaseBackoff) <= math.MaxInt64/mult {
		d = p.BaseBackoff * time.Duration(mult)
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// OutboxReport is the admin view of the outbox.
type OutboxReport struct {
	Counts         map[OutboxStatus]int64
	OldestPending  *time.Time
	RecentFailures []OutboxEvent
}

// OutboxPage is one page of events, newest first, out of Total matches.
type OutboxPage struct {
	Events []OutboxEvent
	Total  int64
	Limit  int
	Offset int
}

func (r OutboxReport) Total() int64 {
	var n int64
	for _, c := range r.Counts {
		n += c
	}
	return n
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
