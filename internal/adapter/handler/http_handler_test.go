package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/supermarket/internal/core/domain"
	"github.com/rl1809/supermarket/internal/core/service"
)

var testSecret = []byte("test-secret")

type stubCheckout struct {
	gotActor domain.Actor
	gotReq   service.CheckoutRequest
	sale     *domain.Sale
	err      error
}

func (s *stubCheckout) Checkout(_ context.Context, actor domain.Actor, req service.CheckoutRequest) (*domain.Sale, error) {
	s.gotActor = actor
	s.gotReq = req
	return s.sale, s.err
}

type stubInventory struct {
	entry    service.EntryRequest
	adjust   service.AdjustmentRequest
	asOf     time.Time
	moves    []domain.InventoryMovement
	err      error
	gotActor domain.Actor
}

func (s *stubInventory) Entry(_ context.Context, actor domain.Actor, req service.EntryRequest) (*domain.ProductBatch, error) {
	s.gotActor, s.entry = actor, req
	if s.err != nil {
		return nil, s.err
	}
	return &domain.ProductBatch{ID: 9, ProductID: req.ProductID, BatchCode: req.BatchCode, Quantity: req.Quantity}, nil
}

func (s *stubInventory) Adjust(_ context.Context, actor domain.Actor, req service.AdjustmentRequest) (*domain.ProductBatch, error) {
	s.gotActor, s.adjust = actor, req
	if s.err != nil {
		return nil, s.err
	}
	return &domain.ProductBatch{ID: req.BatchID, Quantity: 10 + req.Delta}, nil
}

func (s *stubInventory) WriteOffExpired(_ context.Context, actor domain.Actor, asOf time.Time) ([]domain.InventoryMovement, error) {
	s.gotActor, s.asOf = actor, asOf
	return s.moves, s.err
}

type stubOutbox struct {
	report   domain.OutboxReport
	cycle    service.CycleResult
	page     domain.OutboxPage
	requeued []int64
	limit    int
	listed   []any
	err      error
}

func (s *stubOutbox) Status(_ context.Context, limit int) (domain.OutboxReport, error) {
	s.limit = limit
	return s.report, s.err
}

func (s *stubOutbox) ProcessNow(context.Context) (service.CycleResult, error) {
	return s.cycle, s.err
}

func (s *stubOutbox) Requeue(_ context.Context, id int64) error {
	if s.err != nil {
		return s.err
	}
	s.requeued = append(s.requeued, id)
	return nil
}

func (s *stubOutbox) ListEvents(_ context.Context, status domain.OutboxStatus, limit, offset int) (domain.OutboxPage, error) {
	s.listed = []any{status, limit, offset}
	return s.page, s.err
}

type stubHealth struct {
	report service.HealthReport
}

func (s *stubHealth) Check(context.Context) service.HealthReport {
	return s.report
}

type httpFixture struct {
	checkout  *stubCheckout
	inventory *stubInventory
	outbox    *stubOutbox
	health    *stubHealth
	server    http.Handler
	token     string
}

func newHTTPFixture(t *testing.T) *httpFixture {
	t.Helper()
	f := &httpFixture{
		checkout:  &stubCheckout{},
		inventory: &stubInventory{},
		outbox:    &stubOutbox{},
		health:    &stubHealth{report: service.HealthReport{Status: service.HealthHealthy}},
	}
	h := NewHTTPHandler(f.checkout, f.inventory, f.outbox, f.health, testSecret, nil)
	f.server = h.Router(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "# metrics")
	}))
	token, err := NewActorToken(domain.Actor{UserID: 7, Username: "ana", Role: "cashier"}, testSecret, time.Hour)
	require.NoError(t, err)
	f.token = token
	return f
}

func (f *httpFixture) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+f.token)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)

	var resp APIResponse
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestHTTP_HealthAndMetricsArePublic(t *testing.T) {
	f := newHTTPFixture(t)

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var report service.HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, service.HealthHealthy, report.Status)

	rec = httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# metrics", rec.Body.String())
}

func TestHTTP_HealthReportsDegradedDependencies(t *testing.T) {
	f := newHTTPFixture(t)
	f.health.report = service.HealthReport{
		Status: service.HealthDegraded,
		Components: map[string]service.ComponentHealth{
			"mysql": {Status: service.HealthHealthy},
			"relay": {Status: service.HealthDegraded, Error: "relay worker not running"},
		},
	}

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var report service.HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, service.HealthDegraded, report.Status)
	assert.Equal(t, "relay worker not running", report.Components["relay"].Error)
}

func TestHTTP_HealthWithoutChecker(t *testing.T) {
	h := NewHTTPHandler(&stubCheckout{}, &stubInventory{}, &stubOutbox{}, nil, testSecret, nil)

	rec := httptest.NewRecorder()
	h.Router(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
}

func TestHTTP_RequiresBearerToken(t *testing.T) {
	f := newHTTPFixture(t)

	cases := map[string]string{
		"missing":      "",
		"wrong scheme": "Basic abc",
		"garbage":      "Bearer not-a-jwt",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/sales", bytes.NewBufferString(`{}`))
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			f.server.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}

	other, err := NewActorToken(domain.Actor{UserID: 7}, []byte("other-secret"), time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/sales", bytes.NewBufferString(`{}`))
	req.Header.Set("Authorization", "Bearer "+other)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, f.checkout.gotActor.UserID)
}

func TestHTTP_CreateSale(t *testing.T) {
	f := newHTTPFixture(t)
	f.checkout.sale = &domain.Sale{ID: "SALE-1", GrandTotal: decimal.RequireFromString("80.04")}

	rec, resp := f.do(t, http.MethodPost, "/api/sales", map[string]interface{}{
		"request_id":     "req-1",
		"payment_method": "cash",
		"items": []map[string]interface{}{
			{"product_id": 1, "quantity": 3},
			{"product_id": 2, "quantity": 1, "unit_price": "4.50"},
		},
		"payment_details": map[string]string{"amount_paid": "100"},
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, resp.Success)
	assert.Equal(t, domain.Actor{UserID: 7, Username: "ana", Role: "cashier"}, f.checkout.gotActor)

	got := f.checkout.gotReq
	assert.Equal(t, "req-1", got.RequestID)
	require.Len(t, got.Items, 2)
	assert.Nil(t, got.Items[0].UnitPrice)
	assert.True(t, decimal.RequireFromString("4.5").Equal(*got.Items[1].UnitPrice))
	assert.True(t, decimal.NewFromInt(100).Equal(*got.PaymentDetails.AmountPaid))

	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "SALE-1", data["sale_id"])
}

func TestHTTP_CreateSaleErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"insufficient", &domain.InsufficientStockError{ProductID: 1, Requested: 12, Available: 10}, http.StatusConflict},
		{"duplicate", fmt.Errorf("request req-1: %w", domain.ErrDuplicateRequest), http.StatusConflict},
		{"bad cart", fmt.Errorf("%w: cart is empty", domain.ErrInvalidCart), http.StatusBadRequest},
		{"bad payment", domain.ErrInvalidPaymentMethod, http.StatusBadRequest},
		{"unknown product", domain.ErrProductNotFound, http.StatusNotFound},
		{"invariant", domain.InvariantViolation("batch 1 went negative"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newHTTPFixture(t)
			f.checkout.err = tc.err

			rec, resp := f.do(t, http.MethodPost, "/api/sales", map[string]interface{}{
				"items": []map[string]interface{}{{"product_id": 1, "quantity": 12}},
			})
			assert.Equal(t, tc.want, rec.Code)
			assert.False(t, resp.Success)
		})
	}
}

func TestHTTP_InsufficientStockBody(t *testing.T) {
	f := newHTTPFixture(t)
	f.checkout.err = &domain.InsufficientStockError{ProductID: 1, Requested: 12, Available: 10}

	_, resp := f.do(t, http.MethodPost, "/api/sales", map[string]interface{}{
		"items": []map[string]interface{}{{"product_id": 1, "quantity": 12}},
	})
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, float64(10), data["available"])
	assert.Equal(t, float64(12), data["requested"])
}

func TestHTTP_InternalErrorsAreNotLeaked(t *testing.T) {
	f := newHTTPFixture(t)
	f.checkout.err = fmt.Errorf("dial tcp 10.0.0.3:3306: connection refused")

	rec, resp := f.do(t, http.MethodPost, "/api/sales", map[string]interface{}{
		"items": []map[string]interface{}{{"product_id": 1, "quantity": 1}},
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", resp.Message)
}

func TestHTTP_RejectsMalformedBody(t *testing.T) {
	f := newHTTPFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/api/sales", bytes.NewBufferString(`{"items": [`))
	req.Header.Set("Authorization", "Bearer "+f.token)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/sales", map[string]interface{}{"unknown": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTP_InventoryEntry(t *testing.T) {
	f := newHTTPFixture(t)

	rec, resp := f.do(t, http.MethodPost, "/api/inventory/entry", map[string]interface{}{
		"product_id":      1,
		"batch_code":      "L-2025-11",
		"quantity":        24,
		"cost_per_unit":   "12.30",
		"expiration_date": "2026-01-31",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, resp.Success)

	got := f.inventory.entry
	assert.Equal(t, "L-2025-11", got.BatchCode)
	assert.Equal(t, int64(24), got.Quantity)
	require.NotNil(t, got.ExpirationDate)
	assert.Equal(t, time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC), *got.ExpirationDate)
	assert.Nil(t, got.ReceivedDate)
	assert.Equal(t, int64(7), f.inventory.gotActor.UserID)

	rec, _ = f.do(t, http.MethodPost, "/api/inventory/entry", map[string]interface{}{
		"product_id": 1, "batch_code": "X", "quantity": 1, "expiration_date": "31/01/2026",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.inventory.err = fmt.Errorf("%w: product 1 batch \"X\"", domain.ErrDuplicateBatch)
	rec, _ = f.do(t, http.MethodPost, "/api/inventory/entry", map[string]interface{}{
		"product_id": 1, "batch_code": "X", "quantity": 1,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHTTP_InventoryAdjustment(t *testing.T) {
	f := newHTTPFixture(t)

	rec, _ := f.do(t, http.MethodPost, "/api/inventory/adjustment", map[string]interface{}{
		"batch_id": 4, "delta": -2, "note": "broken jar",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, service.AdjustmentRequest{BatchID: 4, Delta: -2, Note: "broken jar"}, f.inventory.adjust)

	f.inventory.err = fmt.Errorf("%w: 4", domain.ErrBatchNotFound)
	rec, _ = f.do(t, http.MethodPost, "/api/inventory/adjustment", map[string]interface{}{"batch_id": 4, "delta": 1, "note": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.inventory.err = fmt.Errorf("%w: would go negative", domain.ErrInvalidAdjustment)
	rec, _ = f.do(t, http.MethodPost, "/api/inventory/adjustment", map[string]interface{}{"batch_id": 4, "delta": -99, "note": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTP_WriteOffExpired(t *testing.T) {
	f := newHTTPFixture(t)
	f.inventory.moves = []domain.InventoryMovement{{ProductBatchID: 1, Quantity: -3}}

	rec, resp := f.do(t, http.MethodPost, "/api/inventory/expirations", map[string]string{"as_of": "2025-12-01"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1 batches written off", resp.Message)
	assert.Equal(t, time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC), f.inventory.asOf)

	rec, _ = f.do(t, http.MethodPost, "/api/inventory/expirations", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.WithinDuration(t, time.Now(), f.inventory.asOf, time.Minute)
}

func TestHTTP_OutboxAdmin(t *testing.T) {
	f := newHTTPFixture(t)
	oldest := time.Date(2025, 12, 1, 9, 0, 0, 0, time.UTC)
	msg := "deliver event 3 (SALE-3): mongo down"
	f.outbox.report = domain.OutboxReport{
		Counts:         map[domain.OutboxStatus]int64{domain.OutboxPending: 2, domain.OutboxFailed: 1},
		OldestPending:  &oldest,
		RecentFailures: []domain.OutboxEvent{{ID: 3, EventType: domain.EventSaleCreated, AggregateID: "SALE-3", RetryCount: 3, ErrorMessage: &msg}},
	}
	f.outbox.cycle = service.CycleResult{Claimed: 2, Delivered: 2}

	rec, resp := f.do(t, http.MethodGet, "/api/admin/outbox/stats?failed_limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, f.outbox.limit)
	stats := resp.Data.(map[string]interface{})
	assert.Equal(t, float64(3), stats["total"])
	failures := stats["recent_failures"].([]interface{})
	require.Len(t, failures, 1)
	assert.Equal(t, msg, failures[0].(map[string]interface{})["error_message"])

	rec, _ = f.do(t, http.MethodGet, "/api/admin/outbox/stats?failed_limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, resp = f.do(t, http.MethodPost, "/api/admin/outbox/process-now", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), resp.Data.(map[string]interface{})["delivered"])

	rec, _ = f.do(t, http.MethodPost, "/api/admin/outbox/events/3/retry", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{3}, f.outbox.requeued)

	rec, _ = f.do(t, http.MethodPost, "/api/admin/outbox/events/abc/retry", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.outbox.err = fmt.Errorf("%w: COMPLETED -> PENDING", domain.ErrInvalidTransition)
	rec, _ = f.do(t, http.MethodPost, "/api/admin/outbox/events/3/retry", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	f.outbox.err = fmt.Errorf("%w: 99", domain.ErrEventNotFound)
	rec, _ = f.do(t, http.MethodPost, "/api/admin/outbox/events/99/retry", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTP_ListOutboxEvents(t *testing.T) {
	f := newHTTPFixture(t)
	created := time.Date(2025, 12, 1, 9, 0, 0, 0, time.UTC)
	msg := "mongo down"
	f.outbox.page = domain.OutboxPage{
		Events: []domain.OutboxEvent{{
			ID: 4, EventType: domain.EventSaleCreated, AggregateID: "SALE-4",
			Status: domain.OutboxFailed, RetryCount: 3, ErrorMessage: &msg, CreatedAt: created,
		}},
		Total:  41,
		Limit:  20,
		Offset: 20,
	}

	rec, resp := f.do(t, http.MethodGet, "/api/admin/outbox/events?status=failed&offset=20", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{domain.OutboxFailed, 0, 20}, f.outbox.listed)
	page := resp.Data.(map[string]interface{})
	assert.Equal(t, float64(41), page["total"])
	events := page["events"].([]interface{})
	require.Len(t, events, 1)
	ev := events[0].(map[string]interface{})
	assert.Equal(t, "FAILED", ev["status"])
	assert.Equal(t, msg, ev["error_message"])

	rec, _ = f.do(t, http.MethodGet, "/api/admin/outbox/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{domain.OutboxStatus(""), 0, 0}, f.outbox.listed)

	rec, _ = f.do(t, http.MethodGet, "/api/admin/outbox/events?status=DONE", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/admin/outbox/events?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParseActorToken(t *testing.T) {
	token, err := NewActorToken(domain.Actor{UserID: 42, Username: "bo", Role: "manager"}, testSecret, time.Hour)
	require.NoError(t, err)

	actor, err := ParseActorToken(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, domain.Actor{UserID: 42, Username: "bo", Role: "manager"}, actor)

	expired, err := NewActorToken(domain.Actor{UserID: 42}, testSecret, -time.Minute)
	require.NoError(t, err)
	_, err = ParseActorToken(expired, testSecret)
	assert.Error(t, err)

	noSubject, err := NewActorToken(domain.Actor{UserID: 0}, testSecret, time.Hour)
	require.NoError(t, err)
	_, err = ParseActorToken(noSubject, testSecret)
	assert.Error(t, err)
}
