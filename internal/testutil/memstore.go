package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kirinyoku/tix-pay/internal/clock"
	"github.com/kirinyoku/tix-pay/internal/domain"
	"github.com/kirinyoku/tix-pay/internal/repository"
	"github.com/kirinyoku/tix-pay/internal/uow"
)

// State is a full copy of everything a MemStore holds.
type State struct {
	Events          map[int64]domain.Event
	Reservations    map[int64]domain.Reservation
	Payments        map[int64]domain.Payment
	Notifications   map[string]domain.ProcessedNotification
	Reconciliations map[int64]domain.ReconciliationCase
	Seq             int64
}

func (s State) clone() State {
	out := State{
		Events:          make(map[int64]domain.Event, len(s.Events)),
		Reservations:    make(map[int64]domain.Reservation, len(s.Reservations)),
		Payments:        make(map[int64]domain.Payment, len(s.Payments)),
		Notifications:   make(map[string]domain.ProcessedNotification, len(s.Notifications)),
		Reconciliations: make(map[int64]domain.ReconciliationCase, len(s.Reconciliations)),
		Seq:             s.Seq,
	}
	for k, v := range s.Events {
		out.Events[k] = v
	}
	for k, v := range s.Reservations {
		out.Reservations[k] = v
	}
	for k, v := range s.Payments {
		out.Payments[k] = v
	}
	for k, v := range s.Notifications {
		out.Notifications[k] = v
	}
	for k, v := range s.Reconciliations {
		out.Reconciliations[k] = v
	}
	return out
}

type memTxKey struct{}

// MemStore is an in-memory stand-in for the Postgres store. Transactions run
// one at a time and roll back to a snapshot on error, which gives services the
// same all-or-nothing behaviour they get from the database.
type MemStore struct {
	mu    sync.Mutex
	state State
	clock clock.Clock

	failMu sync.Mutex
	fail   map[string]error
}

func NewMemStore(c clock.Clock) *MemStore {
	if c == nil {
		c = clock.System{}
	}
	return &MemStore{state: State{}.clone(), clock: c, fail: make(map[string]error)}
}

// Do implements uow.Runner.
func (s *MemStore) Do(ctx context.Context, fn func(ctx context.Context, after func(uow.AfterCommit)) error) error {
	if after, ok := uow.Join(ctx); ok {
		return fn(ctx, after)
	}

	s.mu.Lock()
	snapshot := s.state.clone()
	txCtx, after, runHooks := uow.Begin(ctx)

	err := fn(context.WithValue(txCtx, memTxKey{}, true), after)
	if err != nil {
		s.state = snapshot
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	runHooks(ctx)
	return nil
}

// FailOn makes the next call of the named operation return err.
// Names look like "Payments.UpdateStatus".
func (s *MemStore) FailOn(name string, err error) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	s.fail[name] = err
}

func (s *MemStore) injected(name string) error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	err, ok := s.fail[name]
	if ok {
		delete(s.fail, name)
	}
	return err
}

// Snapshot returns a copy of the current state.
func (s *MemStore) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// AddEvent seeds an event and returns its ID.
func (s *MemStore) AddEvent(e domain.Event) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Seq++
	e.ID = s.state.Seq
	if e.Status == "" {
		e.Status = domain.StatusFor(e.TicketsAvailable)
	}
	if e.Currency == "" {
		e.Currency = "usd"
	}
	s.state.Events[e.ID] = e
	return e.ID
}

// enter locks the store unless ctx is already inside one of its transactions.
func (s *MemStore) enter(ctx context.Context) func() {
	if inTx, _ := ctx.Value(memTxKey{}).(bool); inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *MemStore) nextID() int64 {
	s.state.Seq++
	return s.state.Seq
}

func (s *MemStore) Events() *MemEvents                   { return &MemEvents{s: s} }
func (s *MemStore) Reservations() *MemReservations       { return &MemReservations{s: s} }
func (s *MemStore) Payments() *MemPayments               { return &MemPayments{s: s} }
func (s *MemStore) Notifications() *MemNotifications     { return &MemNotifications{s: s} }
func (s *MemStore) Reconciliations() *MemReconciliations { return &MemReconciliations{s: s} }

type MemEvents struct{ s *MemStore }

func (r *MemEvents) Create(ctx context.Context, e *domain.Event) (int64, error) {
	if err := r.s.injected("Events.Create"); err != nil {
		return 0, err
	}
	defer r.s.enter(ctx)()
	cp := *e
	cp.ID = r.s.nextID()
	cp.TicketsAvailable = cp.TotalTickets
	cp.Status = domain.StatusFor(cp.TotalTickets)
	cp.CreatedAt = r.s.clock.Now()
	r.s.state.Events[cp.ID] = cp
	return cp.ID, nil
}

func (r *MemEvents) Get(ctx context.Context, id int64) (*domain.Event, error) {
	defer r.s.enter(ctx)()
	e, ok := r.s.state.Events[id]
	if !ok {
		return nil, fmt.Errorf("memstore.Events.Get:%w", repository.ErrNotFound)
	}
	return &e, nil
}

func (r *MemEvents) UpdateDetails(ctx context.Context, e *domain.Event) error {
	if err := r.s.injected("Events.UpdateDetails"); err != nil {
		return err
	}
	defer r.s.enter(ctx)()
	cur, ok := r.s.state.Events[e.ID]
	if !ok {
		return fmt.Errorf("memstore.Events.UpdateDetails:%w", repository.ErrNotFound)
	}
	if e.PriceCents < 0 {
		return fmt.Errorf("memstore.Events.UpdateDetails:%w", repository.ErrConstraint)
	}
	cur.Title = e.Title
	cur.Description = e.Description
	cur.Location = e.Location
	cur.StartsAt = e.StartsAt
	cur.PriceCents = e.PriceCents
	r.s.state.Events[e.ID] = cur
	return nil
}

func (r *MemEvents) Delete(ctx context.Context, id int64) error {
	if err := r.s.injected("Events.Delete"); err != nil {
		return err
	}
	defer r.s.enter(ctx)()
	if _, ok := r.s.state.Events[id]; !ok {
		return fmt.Errorf("memstore.Events.Delete:%w", repository.ErrNotFound)
	}
	for _, res := range r.s.state.Reservations {
		if res.EventID == id {
			return fmt.Errorf("memstore.Events.Delete:%w: event has reservations", repository.ErrConflict)
		}
	}
	delete(r.s.state.Events, id)
	return nil
}

func (r *MemEvents) DecrementAvailable(ctx context.Context, id int64, qty int) (bool, error) {
	if err := r.s.injected("Events.DecrementAvailable"); err != nil {
		return false, err
	}
	defer r.s.enter(ctx)()
	e, ok := r.s.state.Events[id]
	if !ok || e.TicketsAvailable < qty {
		return false, nil
	}
	e.TicketsAvailable -= qty
	e.Status = domain.StatusFor(e.TicketsAvailable)
	r.s.state.Events[id] = e
	return true, nil
}

func (r *MemEvents) IncrementAvailable(ctx context.Context, id int64, qty int) (bool, error) {
	defer r.s.enter(ctx)()
	e, ok := r.s.state.Events[id]
	if !ok || e.TicketsAvailable+qty > e.TotalTickets {
		return false, nil
	}
	e.TicketsAvailable += qty
	e.Status = domain.StatusFor(e.TicketsAvailable)
	r.s.state.Events[id] = e
	return true, nil
}

type MemReservations struct{ s *MemStore }

func (r *MemReservations) Create(ctx context.Context, res *domain.Reservation) (int64, error) {
	if err := r.s.injected("Reservations.Create"); err != nil {
		return 0, err
	}
	defer r.s.enter(ctx)()
	for _, existing := range r.s.state.Reservations {
		if existing.UserID == res.UserID && existing.EventID == res.EventID && existing.Status.IsActive() {
			return 0, fmt.Errorf("memstore.Reservations.Create:%w", repository.ErrConflict)
		}
	}
	cp := *res
	cp.ID = r.s.nextID()
	cp.CreatedAt = r.s.clock.Now()
	cp.UpdatedAt = cp.CreatedAt
	r.s.state.Reservations[cp.ID] = cp
	return cp.ID, nil
}

func (r *MemReservations) Get(ctx context.Context, id int64) (*domain.Reservation, error) {
	defer r.s.enter(ctx)()
	res, ok := r.s.state.Reservations[id]
	if !ok {
		return nil, fmt.Errorf("memstore.Reservations.Get:%w", repository.ErrNotFound)
	}
	return &res, nil
}

func (r *MemReservations) GetForUpdate(ctx context.Context, id int64) (*domain.Reservation, error) {
	return r.Get(ctx, id)
}

func (r *MemReservations) UpdateStatus(ctx context.Context, id int64, from, to domain.ReservationStatus) error {
	if err := r.s.injected("Reservations.UpdateStatus"); err != nil {
		return err
	}
	defer r.s.enter(ctx)()
	res, ok := r.s.state.Reservations[id]
	if !ok || res.Status != from {
		return fmt.Errorf("memstore.Reservations.UpdateStatus:%w", repository.ErrConflict)
	}
	res.Status = to
	res.UpdatedAt = r.s.clock.Now()
	r.s.state.Reservations[id] = res
	return nil
}

func (r *MemReservations) SetPaymentReference(ctx context.Context, id int64, ref string) error {
	defer r.s.enter(ctx)()
	res, ok := r.s.state.Reservations[id]
	if !ok || (res.ExternalPaymentReference != "" && res.ExternalPaymentReference != ref) {
		return fmt.Errorf("memstore.Reservations.SetPaymentReference:%w", repository.ErrConflict)
	}
	res.ExternalPaymentReference = ref
	r.s.state.Reservations[id] = res
	return nil
}

func (r *MemReservations) HasActive(ctx context.Context, userID, eventID int64) (bool, error) {
	defer r.s.enter(ctx)()
	for _, res := range r.s.state.Reservations {
		if res.UserID == userID && res.EventID == eventID && res.Status.IsActive() {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemReservations) ListByUser(ctx context.Context, userID int64) ([]domain.Reservation, error) {
	defer r.s.enter(ctx)()
	var out []domain.Reservation
	for _, res := range r.s.state.Reservations {
		if res.UserID == userID {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (r *MemReservations) ListStalePending(ctx context.Context, before time.Time, limit int) ([]int64, error) {
	defer r.s.enter(ctx)()
	var ids []int64
	for _, res := range r.s.state.Reservations {
		if res.Status != domain.ReservationPending || !res.CreatedAt.Before(before) {
			continue
		}
		busy := false
		for _, p := range r.s.state.Payments {
			if p.ReservationID == res.ID && (p.Status == domain.PaymentProcessing || p.Status == domain.PaymentSucceeded) {
				busy = true
			}
		}
		if !busy {
			ids = append(ids, res.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

type MemPayments struct{ s *MemStore }

func (r *MemPayments) Create(ctx context.Context, p *domain.Payment) (int64, error) {
	if err := r.s.injected("Payments.Create"); err != nil {
		return 0, err
	}
	defer r.s.enter(ctx)()
	for _, existing := range r.s.state.Payments {
		if existing.ReservationID == p.ReservationID {
			return 0, fmt.Errorf("memstore.Payments.Create:%w", repository.ErrConflict)
		}
	}
	cp := *p
	cp.ID = r.s.nextID()
	cp.CreatedAt = r.s.clock.Now()
	r.s.state.Payments[cp.ID] = cp
	return cp.ID, nil
}

func (r *MemPayments) GetByReservation(ctx context.Context, reservationID int64) (*domain.Payment, error) {
	defer r.s.enter(ctx)()
	for _, p := range r.s.state.Payments {
		if p.ReservationID == reservationID {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("memstore.Payments.GetByReservation:%w", repository.ErrNotFound)
}

func (r *MemPayments) GetByReferenceForUpdate(ctx context.Context, ref string) (*domain.Payment, error) {
	defer r.s.enter(ctx)()
	for _, p := range r.s.state.Payments {
		if p.ExternalReference != "" && p.ExternalReference == ref {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("memstore.Payments.GetByReferenceForUpdate:%w", repository.ErrNotFound)
}

func (r *MemPayments) AttachReference(ctx context.Context, id int64, ref string) error {
	if err := r.s.injected("Payments.AttachReference"); err != nil {
		return err
	}
	defer r.s.enter(ctx)()
	for _, other := range r.s.state.Payments {
		if other.ID != id && other.ExternalReference == ref {
			return fmt.Errorf("memstore.Payments.AttachReference:%w", repository.ErrConflict)
		}
	}
	p, ok := r.s.state.Payments[id]
	if !ok || (p.ExternalReference != "" && p.ExternalReference != ref) {
		return fmt.Errorf("memstore.Payments.AttachReference:%w", repository.ErrConflict)
	}
	p.ExternalReference = ref
	r.s.state.Payments[id] = p
	return nil
}

func (r *MemPayments) UpdateStatus(
	ctx context.Context,
	id int64,
	status domain.PaymentStatus,
	failureReason string,
	processedAt time.Time,
) error {
	if err := r.s.injected("Payments.UpdateStatus"); err != nil {
		return err
	}
	defer r.s.enter(ctx)()
	p, ok := r.s.state.Payments[id]
	if !ok {
		return fmt.Errorf("memstore.Payments.UpdateStatus:%w", repository.ErrNotFound)
	}
	p.Status = status
	p.FailureReason = failureReason
	at := processedAt
	p.ProcessedAt = &at
	r.s.state.Payments[id] = p
	return nil
}

func (r *MemPayments) ListByUser(ctx context.Context, userID int64) ([]domain.Payment, error) {
	defer r.s.enter(ctx)()
	var out []domain.Payment
	for _, p := range r.s.state.Payments {
		if res, ok := r.s.state.Reservations[p.ReservationID]; ok && res.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

type MemNotifications struct{ s *MemStore }

func (r *MemNotifications) Exists(ctx context.Context, id string) (bool, error) {
	defer r.s.enter(ctx)()
	_, ok := r.s.state.Notifications[id]
	return ok, nil
}

func (r *MemNotifications) Record(ctx context.Context, n domain.ProcessedNotification) (bool, error) {
	if err := r.s.injected("Notifications.Record"); err != nil {
		return false, err
	}
	defer r.s.enter(ctx)()
	if _, ok := r.s.state.Notifications[n.ID]; ok {
		return false, nil
	}
	r.s.state.Notifications[n.ID] = n
	return true, nil
}

type MemReconciliations struct{ s *MemStore }

func (r *MemReconciliations) Create(ctx context.Context, c *domain.ReconciliationCase) (int64, error) {
	if err := r.s.injected("Reconciliations.Create"); err != nil {
		return 0, err
	}
	defer r.s.enter(ctx)()
	cp := *c
	cp.ID = r.s.nextID()
	cp.CreatedAt = r.s.clock.Now()
	r.s.state.Reconciliations[cp.ID] = cp
	return cp.ID, nil
}

func (r *MemReconciliations) ListOpen(ctx context.Context, limit int) ([]domain.ReconciliationCase, error) {
	defer r.s.enter(ctx)()
	var out []domain.ReconciliationCase
	for _, c := range r.s.state.Reconciliations {
		if c.ResolvedAt == nil {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemReconciliations) Resolve(ctx context.Context, id int64, resolution string, at time.Time) error {
	defer r.s.enter(ctx)()
	c, ok := r.s.state.Reconciliations[id]
	if !ok || c.ResolvedAt != nil {
		return fmt.Errorf("memstore.Reconciliations.Resolve:%w", repository.ErrNotFound)
	}
	c.ResolvedAt = &at
	c.Resolution = resolution
	r.s.state.Reconciliations[id] = c
	return nil
}
