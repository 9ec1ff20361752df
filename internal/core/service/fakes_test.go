package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/supermarket/internal/core/domain"
	"github.com/rl1809/supermarket/internal/port"
)

// memLedger is an in-memory ledger and outbox. WithinTx holds a global lock
// for the duration of the transaction, works on a copy of the state and
// publishes it only when fn succeeds.
type memLedger struct {
	mu    sync.Mutex
	state memState

	// lockHook, when set, may rewrite the batches LockBatches hands out.
	lockHook func([]domain.ProductBatch) []domain.ProductBatch
}

type memState struct {
	products  map[int64]domain.Product
	batches   map[int64]domain.ProductBatch
	movements []domain.InventoryMovement
	events    map[int64]domain.OutboxEvent
	nextID    int64
}

func newMemLedger() *memLedger {
	return &memLedger{state: memState{
		products: map[int64]domain.Product{},
		batches:  map[int64]domain.ProductBatch{},
		events:   map[int64]domain.OutboxEvent{},
	}}
}

func (s memState) clone() memState {
	out := memState{
		products:  make(map[int64]domain.Product, len(s.products)),
		batches:   make(map[int64]domain.ProductBatch, len(s.batches)),
		movements: append([]domain.InventoryMovement(nil), s.movements...),
		events:    make(map[int64]domain.OutboxEvent, len(s.events)),
		nextID:    s.nextID,
	}
	for k, v := range s.products {
		out.products[k] = v
	}
	for k, v := range s.batches {
		out.batches[k] = v
	}
	for k, v := range s.events {
		out.events[k] = v
	}
	return out
}

func (m *memLedger) addProduct(p domain.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.Active = true
	m.state.products[p.ID] = p
}

func (m *memLedger) addBatch(b domain.ProductBatch) domain.ProductBatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.ID == 0 {
		m.state.nextID++
		b.ID = m.state.nextID
	} else if b.ID > m.state.nextID {
		m.state.nextID = b.ID
	}
	m.state.batches[b.ID] = b
	return b
}

func (m *memLedger) addEvent(ev domain.OutboxEvent) domain.OutboxEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.nextID++
	ev.ID = m.state.nextID
	m.state.events[ev.ID] = ev
	return ev
}

func (m *memLedger) batch(id int64) domain.ProductBatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.batches[id]
}

func (m *memLedger) event(id int64) domain.OutboxEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.events[id]
}

func (m *memLedger) movements() []domain.InventoryMovement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.InventoryMovement(nil), m.state.movements...)
}

func (m *memLedger) events() []domain.OutboxEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.OutboxEvent, 0, len(m.state.events))
	for _, ev := range m.state.events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memLedger) stockOf(productID int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, b := range m.state.batches {
		if b.ProductID == productID {
			n += b.Quantity
		}
	}
	return n
}

func (m *memLedger) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.LedgerTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(ctx, &memTx{st: &work, hook: m.lockHook}); err != nil {
		return err
	}
	m.state = work
	return nil
}

type memTx struct {
	st   *memState
	hook func([]domain.ProductBatch) []domain.ProductBatch
}

func (t *memTx) LockBatches(_ context.Context, productIDs []int64) ([]domain.ProductBatch, error) {
	want := make(map[int64]bool, len(productIDs))
	for _, id := range productIDs {
		want[id] = true
	}
	var out []domain.ProductBatch
	for _, b := range t.st.batches {
		if want[b.ProductID] && b.Quantity > 0 {
			out = append(out, b)
		}
	}
	domain.SortForLocking(out)
	if t.hook != nil {
		out = t.hook(out)
	}
	return out, nil
}

func (t *memTx) LockBatch(_ context.Context, id int64) (*domain.ProductBatch, error) {
	b, ok := t.st.batches[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", domain.ErrBatchNotFound, id)
	}
	return &b, nil
}

func (t *memTx) LockExpiredBatches(_ context.Context, asOf time.Time) ([]domain.ProductBatch, error) {
	var out []domain.ProductBatch
	for _, b := range t.st.batches {
		if b.Quantity > 0 && b.ExpiredAt(asOf) {
			out = append(out, b)
		}
	}
	domain.SortForLocking(out)
	return out, nil
}

func (t *memTx) FindProducts(_ context.Context, ids []int64) (map[int64]domain.Product, error) {
	out := make(map[int64]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := t.st.products[id]; ok && p.Active {
			out[id] = p
		}
	}
	return out, nil
}

func (t *memTx) InsertBatch(_ context.Context, b *domain.ProductBatch) error {
	for _, existing := range t.st.batches {
		if existing.ProductID == b.ProductID && existing.BatchCode == b.BatchCode {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateBatch, b.BatchCode)
		}
	}
	t.st.nextID++
	b.ID = t.st.nextID
	b.CreatedAt = time.Now()
	t.st.batches[b.ID] = *b
	return nil
}

func (t *memTx) ApplyDelta(_ context.Context, batchID, delta int64) error {
	b, ok := t.st.batches[batchID]
	if !ok || b.Quantity+delta < 0 {
		return domain.InvariantViolation("batch %d cannot take delta %d", batchID, delta)
	}
	b.Quantity += delta
	t.st.batches[batchID] = b
	return nil
}

func (t *memTx) InsertMovements(_ context.Context, moves []domain.InventoryMovement) error {
	for _, mv := range moves {
		t.st.nextID++
		mv.ID = t.st.nextID
		t.st.movements = append(t.st.movements, mv)
	}
	return nil
}

func (t *memTx) InsertOutboxEvent(_ context.Context, ev *domain.OutboxEvent) error {
	for _, existing := range t.st.events {
		if existing.EventType == ev.EventType && existing.AggregateID == ev.AggregateID {
			return errors.New("duplicate outbox event")
		}
	}
	t.st.nextID++
	ev.ID = t.st.nextID
	ev.Status = domain.OutboxPending
	t.st.events[ev.ID] = *ev
	return nil
}

// OutboxRepository

func (m *memLedger) ListDue(_ context.Context, now time.Time, limit int) ([]domain.OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OutboxEvent
	for _, ev := range m.state.events {
		if ev.Status != domain.OutboxPending {
			continue
		}
		if ev.NextAttemptAt != nil && ev.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memLedger) Claim(_ context.Context, id int64, token string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.state.events[id]
	if !ok || ev.Status != domain.OutboxPending {
		return false, nil
	}
	if err := ev.Claim(token, now); err != nil {
		return false, err
	}
	m.state.events[id] = ev
	return true, nil
}

func (m *memLedger) Settle(_ context.Context, ev domain.OutboxEvent, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.state.events[ev.ID]
	if !ok || cur.Status != domain.OutboxProcessing || cur.ClaimToken == nil || *cur.ClaimToken != token {
		return domain.ErrClaimLost
	}
	m.state.events[ev.ID] = ev
	return nil
}

func (m *memLedger) ListStaleClaims(_ context.Context, before time.Time, limit int) ([]domain.OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OutboxEvent
	for _, ev := range m.state.events {
		if ev.Status == domain.OutboxProcessing && ev.ClaimedAt != nil && ev.ClaimedAt.Before(before) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memLedger) Get(_ context.Context, id int64) (*domain.OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.state.events[id]
	if !ok {
		return nil, domain.ErrEventNotFound
	}
	return &ev, nil
}

func (m *memLedger) CountByStatus(context.Context) (map[domain.OutboxStatus]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[domain.OutboxStatus]int64{}
	for _, ev := range m.state.events {
		out[ev.Status]++
	}
	return out, nil
}

func (m *memLedger) OldestPending(context.Context) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *time.Time
	for _, ev := range m.state.events {
		if ev.Status != domain.OutboxPending {
			continue
		}
		if oldest == nil || ev.CreatedAt.Before(*oldest) {
			t := ev.CreatedAt
			oldest = &t
		}
	}
	return oldest, nil
}

func (m *memLedger) ListRecentFailed(_ context.Context, limit int) ([]domain.OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OutboxEvent
	for _, ev := range m.state.events {
		if ev.Status == domain.OutboxFailed {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memLedger) ListByStatus(_ context.Context, status domain.OutboxStatus, limit, offset int) ([]domain.OutboxEvent, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OutboxEvent
	for _, ev := range m.state.events {
		if status == "" || ev.Status == status {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	total := int64(len(out))
	if offset >= len(out) {
		return nil, total, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (m *memLedger) Requeue(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.state.events[id]
	if !ok {
		return domain.ErrEventNotFound
	}
	if err := ev.Requeue(); err != nil {
		return err
	}
	m.state.events[id] = ev
	return nil
}

func (m *memLedger) DeleteCompletedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, ev := range m.state.events {
		if ev.Status == domain.OutboxCompleted && ev.ProcessedAt != nil && ev.ProcessedAt.Before(cutoff) {
			delete(m.state.events, id)
			n++
		}
	}
	return n, nil
}

// memTickets is a ticket store keyed by sale id.
type memTickets struct {
	mu       sync.Mutex
	tickets  map[string]domain.Ticket
	calls    int
	failNext int
	err      error
	// entered, when set, receives one value per call and the call then
	// blocks until its context is done.
	entered chan struct{}
}

func newMemTickets() *memTickets {
	return &memTickets{tickets: map[string]domain.Ticket{}}
}

func (s *memTickets) UpsertTicket(ctx context.Context, t domain.Ticket) error {
	if s.entered != nil {
		s.entered <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return s.err
	}
	if s.failNext > 0 {
		s.failNext--
		return errors.New("connection refused")
	}
	s.tickets[t.ID] = t
	return nil
}

func (s *memTickets) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tickets)
}

func (s *memTickets) get(saleID string) (domain.Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[saleID]
	return t, ok
}

// memCache mirrors the Redis idempotency keys.
type memCache struct {
	mu   sync.Mutex
	keys map[string]bool
}

func newMemCache() *memCache {
	return &memCache{keys: map[string]bool{}}
}

func (c *memCache) SetIdempotency(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keys[key] {
		return false, nil
	}
	c.keys[key] = true
	return true, nil
}

func (c *memCache) ReleaseIdempotency(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys, key)
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
