package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPolicy = RetryPolicy{MaxRetries: 3, BaseBackoff: time.Second, MaxBackoff: time.Minute}

func claimed(t *testing.T, now time.Time) *OutboxEvent {
	t.Helper()
	ev := &OutboxEvent{ID: 1, EventType: EventSaleCreated, AggregateID: "SALE-1", Status: OutboxPending}
	require.NoError(t, ev.Claim("token", now))
	return ev
}

func TestOutboxEvent_ClaimAndComplete(t *testing.T) {
	now := time.Now()
	ev := claimed(t, now)
	assert.Equal(t, OutboxProcessing, ev.Status)
	require.NotNil(t, ev.ClaimToken)

	require.NoError(t, ev.Complete(now))
	assert.Equal(t, OutboxCompleted, ev.Status)
	assert.Equal(t, &now, ev.ProcessedAt)
	assert.Nil(t, ev.ClaimToken)
	assert.True(t, ev.Terminal())

	assert.ErrorIs(t, ev.Claim("again", now), ErrInvalidTransition)
}

func TestOutboxEvent_ClaimRequiresPending(t *testing.T) {
	ev := &OutboxEvent{Status: OutboxFailed}
	assert.ErrorIs(t, ev.Claim("t", time.Now()), ErrInvalidTransition)
}

func TestOutboxEvent_FailUntilExhausted(t *testing.T) {
	now := time.Date(2025, 12, 1, 12, 0, 0, 0, time.UTC)
	ev := claimed(t, now)

	require.NoError(t, ev.Fail("timeout", testPolicy, now))
	assert.Equal(t, OutboxPending, ev.Status)
	assert.Equal(t, 1, ev.RetryCount)
	assert.Equal(t, now.Add(time.Second), *ev.NextAttemptAt)

	require.NoError(t, ev.Claim("t2", now))
	require.NoError(t, ev.Fail("timeout", testPolicy, now))
	assert.Equal(t, OutboxPending, ev.Status)
	assert.Equal(t, now.Add(2*time.Second), *ev.NextAttemptAt)

	require.NoError(t, ev.Claim("t3", now))
	require.NoError(t, ev.Fail("connection refused", testPolicy, now))
	assert.Equal(t, OutboxFailed, ev.Status)
	assert.Equal(t, 3, ev.RetryCount)
	assert.Nil(t, ev.NextAttemptAt)
	assert.Equal(t, "connection refused", *ev.ErrorMessage)
	assert.True(t, ev.Terminal())
}

func TestOutboxEvent_FailRequiresProcessing(t *testing.T) {
	ev := &OutboxEvent{Status: OutboxPending}
	assert.ErrorIs(t, ev.Fail("x", testPolicy, time.Now()), ErrInvalidTransition)
	assert.Equal(t, 0, ev.RetryCount)
}

func TestOutboxEvent_FailTruncatesMessage(t *testing.T) {
	ev := claimed(t, time.Now())
	require.NoError(t, ev.Fail(strings.Repeat("x", 2000), testPolicy, time.Now()))
	assert.Len(t, *ev.ErrorMessage, maxErrorMessageLength)
}

func TestOutboxEvent_DeferKeepsRetryBudget(t *testing.T) {
	now := time.Now()
	ev := claimed(t, now)
	require.NoError(t, ev.Defer(now.Add(5*time.Second)))
	assert.Equal(t, OutboxPending, ev.Status)
	assert.Equal(t, 0, ev.RetryCount)
}

func TestOutboxEvent_Requeue(t *testing.T) {
	now := time.Now()
	ev := claimed(t, now)
	policy := RetryPolicy{MaxRetries: 1}
	require.NoError(t, ev.Fail("boom", policy, now))
	require.Equal(t, OutboxFailed, ev.Status)

	require.NoError(t, ev.Requeue())
	assert.Equal(t, OutboxPending, ev.Status)
	assert.Equal(t, 0, ev.RetryCount)
	assert.Nil(t, ev.ErrorMessage)

	completed := &OutboxEvent{Status: OutboxCompleted}
	assert.ErrorIs(t, completed.Requeue(), ErrInvalidTransition)
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{BaseBackoff: time.Second, MaxBackoff: 10 * time.Second}
	assert.Equal(t, time.Duration(0), p.Backoff(0))
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 8*time.Second, p.Backoff(4))
	assert.Equal(t, 10*time.Second, p.Backoff(5))
	assert.Equal(t, 10*time.Second, p.Backoff(500))

	uncapped := RetryPolicy{BaseBackoff: time.Hour}
	assert.Positive(t, uncapped.Backoff(200))
}

func TestOutboxStatus_Transitions(t *testing.T) {
	cases := []struct {
		from, to OutboxStatus
		ok       bool
	}{
		{OutboxPending, OutboxProcessing, true},
		{OutboxPending, OutboxCompleted, false},
		{OutboxProcessing, OutboxCompleted, true},
		{OutboxProcessing, OutboxPending, true},
		{OutboxProcessing, OutboxFailed, true},
		{OutboxCompleted, OutboxPending, false},
		{OutboxFailed, OutboxPending, true},
		{OutboxFailed, OutboxProcessing, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, c.from.CanTransitionTo(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestParseOutboxStatus(t *testing.T) {
	for raw, want := range map[string]OutboxStatus{
		"":           "",
		"pending":    OutboxPending,
		" FAILED ":   OutboxFailed,
		"Processing": OutboxProcessing,
		"COMPLETED":  OutboxCompleted,
	} {
		got, err := ParseOutboxStatus(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	_, err := ParseOutboxStatus("DONE")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}
