package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/supermarket/internal/core/domain"
	"github.com/rl1809/supermarket/internal/core/service"
)

const dateLayout = "2006-01-02"

type SaleCheckout interface {
	Checkout(ctx context.Context, actor domain.Actor, req service.CheckoutRequest) (*domain.Sale, error)
}

type InventoryLedger interface {
	Entry(ctx context.Context, actor domain.Actor, req service.EntryRequest) (*domain.ProductBatch, error)
	Adjust(ctx context.Context, actor domain.Actor, req service.AdjustmentRequest) (*domain.ProductBatch, error)
	WriteOffExpired(ctx context.Context, actor domain.Actor, asOf time.Time) ([]domain.InventoryMovement, error)
}

type OutboxAdmin interface {
	Status(ctx context.Context, failedLimit int) (domain.OutboxReport, error)
	ProcessNow(ctx context.Context) (service.CycleResult, error)
	Requeue(ctx context.Context, id int64) error
	ListEvents(ctx context.Context, status domain.OutboxStatus, limit, offset int) (domain.OutboxPage, error)
}

type HealthChecker interface {
	Check(ctx context.Context) service.HealthReport
}

type HTTPHandler struct {
	checkout  SaleCheckout
	inventory InventoryLedger
	outbox    OutboxAdmin
	health    HealthChecker
	jwtSecret []byte
	logger    *zap.Logger
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// NewHTTPHandler builds the API handler. A nil health checker reports the
// process as healthy without checking dependencies.
func NewHTTPHandler(checkout SaleCheckout, inventory InventoryLedger, outbox OutboxAdmin, health HealthChecker, jwtSecret []byte, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{
		checkout:  checkout,
		inventory: inventory,
		outbox:    outbox,
		health:    health,
		jwtSecret: jwtSecret,
		logger:    logger,
	}
}

// Router wires the HTTP API. metrics may be nil.
func (h *HTTPHandler) Router(metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", h.HealthCheck)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authMiddleware)

		r.Post("/sales", h.CreateSale)

		r.Route("/inventory", func(r chi.Router) {
			r.Post("/entry", h.Entry)
			r.Post("/adjustment", h.Adjust)
			r.Post("/expirations", h.WriteOffExpired)
		})

		r.Route("/admin/outbox", func(r chi.Router) {
			r.Get("/stats", h.OutboxStats)
			r.Get("/events", h.ListEvents)
			r.Post("/process-now", h.ProcessNow)
			r.Post("/events/{id}/retry", h.RetryEvent)
		})
	})
	return r
}

// HealthCheck answers 200 while every dependency check passes and 503 once
// any of them fails.
func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		writeJSON(w, http.StatusOK, service.HealthReport{Status: service.HealthHealthy, CheckedAt: time.Now().UTC()})
		return
	}
	report := h.health.Check(r.Context())
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

type SaleItemRequest struct {
	ProductID int64            `json:"product_id"`
	Quantity  int64            `json:"quantity"`
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
}

type CreateSaleRequest struct {
	RequestID      string                 `json:"request_id"`
	Items          []SaleItemRequest      `json:"items"`
	PaymentMethod  string                 `json:"payment_method"`
	PaymentDetails *domain.PaymentDetails `json:"payment_details,omitempty"`
	TaxRate        *decimal.Decimal       `json:"tax_rate,omitempty"`
}

func (h *HTTPHandler) CreateSale(w http.ResponseWriter, r *http.Request) {
	var req CreateSaleRequest
	if !decodeBody(w, r, &req) {
		return
	}

	items := make([]domain.CartItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, domain.CartItem{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	actor, _ := ActorFromContext(r.Context())

	sale, err := h.checkout.Checkout(r.Context(), actor, service.CheckoutRequest{
		RequestID:      req.RequestID,
		Items:          items,
		PaymentMethod:  req.PaymentMethod,
		PaymentDetails: req.PaymentDetails,
		TaxRate:        req.TaxRate,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, APIResponse{Success: true, Message: "sale recorded", Data: sale})
}

type EntryHTTPRequest struct {
	ProductID      int64           `json:"product_id"`
	BatchCode      string          `json:"batch_code"`
	Quantity       int64           `json:"quantity"`
	CostPerUnit    decimal.Decimal `json:"cost_per_unit"`
	ExpirationDate string          `json:"expiration_date,omitempty"`
	ReceivedDate   string          `json:"received_date,omitempty"`
	Note           string          `json:"note,omitempty"`
}

func (h *HTTPHandler) Entry(w http.ResponseWriter, r *http.Request) {
	var req EntryHTTPRequest
	if !decodeBody(w, r, &req) {
		return
	}
	expires, err := parseOptionalDate(req.ExpirationDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "expiration_date must be YYYY-MM-DD")
		return
	}
	received, err := parseOptionalDate(req.ReceivedDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "received_date must be YYYY-MM-DD")
		return
	}
	actor, _ := ActorFromContext(r.Context())

	batch, err := h.inventory.Entry(r.Context(), actor, service.EntryRequest{
		ProductID:      req.ProductID,
		BatchCode:      req.BatchCode,
		Quantity:       req.Quantity,
		CostPerUnit:    req.CostPerUnit,
		ExpirationDate: expires,
		ReceivedDate:   received,
		Note:           req.Note,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, APIResponse{Success: true, Message: "batch received", Data: batch})
}

type AdjustmentHTTPRequest struct {
	BatchID int64  `json:"batch_id"`
	Delta   int64  `json:"delta"`
	Note    string `json:"note"`
}

func (h *HTTPHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentHTTPRequest
	if !decodeBody(w, r, &req) {
		return
	}
	actor, _ := ActorFromContext(r.Context())

	batch, err := h.inventory.Adjust(r.Context(), actor, service.AdjustmentRequest{
		BatchID: req.BatchID,
		Delta:   req.Delta,
		Note:    req.Note,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: "batch adjusted", Data: batch})
}

type ExpirationsHTTPRequest struct {
	AsOf string `json:"as_of,omitempty"`
}

func (h *HTTPHandler) WriteOffExpired(w http.ResponseWriter, r *http.Request) {
	var req ExpirationsHTTPRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	asOf := time.Now()
	if req.AsOf != "" {
		t, err := time.Parse(dateLayout, req.AsOf)
		if err != nil {
			writeError(w, http.StatusBadRequest, "as_of must be YYYY-MM-DD")
			return
		}
		asOf = t
	}
	actor, _ := ActorFromContext(r.Context())

	moves, err := h.inventory.WriteOffExpired(r.Context(), actor, asOf)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Message: strconv.Itoa(len(moves)) + " batches written off",
		Data:    moves,
	})
}

// OutboxStatsResponse is the admin view of the outbox, shared with the gRPC
// admin service.
type OutboxStatsResponse struct {
	Counts         map[string]int64  `json:"counts"`
	Total          int64             `json:"total"`
	OldestPending  *time.Time        `json:"oldest_pending,omitempty"`
	RecentFailures []FailedEventView `json:"recent_failures"`
}

type FailedEventView struct {
	ID           int64     `json:"id"`
	EventType    string    `json:"event_type"`
	AggregateID  string    `json:"aggregate_id"`
	RetryCount   int       `json:"retry_count"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func NewOutboxStatsResponse(report domain.OutboxReport) OutboxStatsResponse {
	resp := OutboxStatsResponse{
		Counts:         make(map[string]int64, len(report.Counts)),
		Total:          report.Total(),
		OldestPending:  report.OldestPending,
		RecentFailures: make([]FailedEventView, 0, len(report.RecentFailures)),
	}
	for status, n := range report.Counts {
		resp.Counts[string(status)] = n
	}
	for _, ev := range report.RecentFailures {
		view := FailedEventView{
			ID:          ev.ID,
			EventType:   ev.EventType,
			AggregateID: ev.AggregateID,
			RetryCount:  ev.RetryCount,
			CreatedAt:   ev.CreatedAt,
		}
		if ev.ErrorMessage != nil {
			view.ErrorMessage = *ev.ErrorMessage
		}
		resp.RecentFailures = append(resp.RecentFailures, view)
	}
	return resp
}

func (h *HTTPHandler) OutboxStats(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("failed_limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "failed_limit must be a non-negative integer")
			return
		}
		limit = n
	}
	report, err := h.outbox.Status(r.Context(), limit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: NewOutboxStatsResponse(report)})
}

type OutboxEventView struct {
	ID            int64      `json:"id"`
	EventType     string     `json:"event_type"`
	AggregateID   string     `json:"aggregate_id"`
	Status        string     `json:"status"`
	RetryCount    int        `json:"retry_count"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
}

// OutboxEventsResponse is one page of the event listing, shared with the
// gRPC admin service.
type OutboxEventsResponse struct {
	Events []OutboxEventView `json:"events"`
	Total  int64             `json:"total"`
	Limit  int               `json:"limit"`
	Offset int               `json:"offset"`
}

func NewOutboxEventsResponse(page domain.OutboxPage) OutboxEventsResponse {
	resp := OutboxEventsResponse{
		Events: make([]OutboxEventView, 0, len(page.Events)),
		Total:  page.Total,
		Limit:  page.Limit,
		Offset: page.Offset,
	}
	for _, ev := range page.Events {
		view := OutboxEventView{
			ID:            ev.ID,
			EventType:     ev.EventType,
			AggregateID:   ev.AggregateID,
			Status:        string(ev.Status),
			RetryCount:    ev.RetryCount,
			NextAttemptAt: ev.NextAttemptAt,
			ClaimedAt:     ev.ClaimedAt,
			CreatedAt:     ev.CreatedAt,
			ProcessedAt:   ev.ProcessedAt,
		}
		if ev.ErrorMessage != nil {
			view.ErrorMessage = *ev.ErrorMessage
		}
		resp.Events = append(resp.Events, view)
	}
	return resp
}

func (h *HTTPHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status, err := domain.ParseOutboxStatus(q.Get("status"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	limit, ok := queryInt(w, q.Get("limit"), "limit")
	if !ok {
		return
	}
	offset, ok := queryInt(w, q.Get("offset"), "offset")
	if !ok {
		return
	}
	page, err := h.outbox.ListEvents(r.Context(), status, limit, offset)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: NewOutboxEventsResponse(page)})
}

func (h *HTTPHandler) ProcessNow(w http.ResponseWriter, r *http.Request) {
	res, err := h.outbox.ProcessNow(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: res})
}

func (h *HTTPHandler) RetryEvent(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid event id")
		return
	}
	if err := h.outbox.Requeue(r.Context(), id); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: "event requeued"})
}

// HTTPStatus maps a domain error to a response status.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrInsufficientStock),
		errors.Is(err, domain.ErrDuplicateRequest),
		errors.Is(err, domain.ErrDuplicateBatch),
		errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrMissingActor):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrProductNotFound),
		errors.Is(err, domain.ErrBatchNotFound),
		errors.Is(err, domain.ErrEventNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidCart),
		errors.Is(err, domain.ErrInvalidPaymentMethod),
		errors.Is(err, domain.ErrInvalidEntry),
		errors.Is(err, domain.ErrInvalidAdjustment),
		errors.Is(err, domain.ErrInvalidStatus):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *HTTPHandler) writeDomainError(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
		message = "internal error"
	}
	resp := APIResponse{Success: false, Message: message}

	var short *domain.InsufficientStockError
	if errors.As(err, &short) {
		resp.Data = map[string]int64{
			"product_id": short.ProductID,
			"requested":  short.Requested,
			"available":  short.Available,
		}
	}
	writeJSON(w, status, resp)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// queryInt reads an optional non-negative integer parameter, writing a 400
// when it is malformed.
func queryInt(w http.ResponseWriter, raw, name string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func parseOptionalDate(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, APIResponse{Success: false, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
