package notification_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirinyoku/tix-pay/internal/clock"
	"github.com/kirinyoku/tix-pay/internal/domain"
	"github.com/kirinyoku/tix-pay/internal/gateway"
	"github.com/kirinyoku/tix-pay/internal/metrics"
	"github.com/kirinyoku/tix-pay/internal/queue"
	"github.com/kirinyoku/tix-pay/internal/service/inventory"
	"github.com/kirinyoku/tix-pay/internal/service/notification"
	"github.com/kirinyoku/tix-pay/internal/service/payment"
	"github.com/kirinyoku/tix-pay/internal/service/reservation"
	"github.com/kirinyoku/tix-pay/internal/testutil"
)

type recordingPublisher struct {
	mu   sync.Mutex
	sent map[string][]any
}

func (p *recordingPublisher) Publish(_ context.Context, q string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sent == nil {
		p.sent = make(map[string][]any)
	}
	p.sent[q] = append(p.sent[q], payload)
	return nil
}

func (p *recordingPublisher) count(q string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent[q])
}

type harness struct {
	store        *testutil.MemStore
	gw           *gateway.Sandbox
	reservations *reservation.Service
	payments     *payment.Service
	processor    *notification.Processor
	metrics      *metrics.Metrics
	pub          *recordingPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clk := clock.Fixed{T: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := testutil.NewMemStore(clk)
	m := metrics.New()
	pub := &recordingPublisher{}
	gw := gateway.NewSandbox("")

	reservations := reservation.New(reservation.Deps{
		UoW:          store,
		Reservations: store.Reservations(),
		Events:       store.Events(),
		Payments:     store.Payments(),
		Ledger:       inventory.NewLedger(store.Events(), m),
		Publisher:    pub,
		Metrics:      m,
		Clock:        clk,
	}, reservation.Config{})

	payments := payment.New(payment.Deps{
		UoW:          store,
		Payments:     store.Payments(),
		Reservations: store.Reservations(),
		Gateway:      gw,
		Clock:        clk,
	}, payment.Config{})

	processor := notification.NewProcessor(notification.Deps{
		UoW:             store,
		Ledger:          store.Notifications(),
		Payments:        payments,
		Reservations:    reservations,
		Reconciliations: store.Reconciliations(),
		Publisher:       pub,
		Metrics:         m,
		Clock:           clk,
	})

	return &harness{
		store:        store,
		gw:           gw,
		reservations: reservations,
		payments:     payments,
		processor:    processor,
		metrics:      m,
		pub:          pub,
	}
}

// reserveAndPay creates a pending reservation with a payment intent and
// returns the reservation and the intent's reference.
func (h *harness) reserveAndPay(t *testing.T, userID, eventID int64, qty int, skipCheck bool) (*domain.Reservation, string) {
	t.Helper()

	ctx := context.Background()
	r, err := h.reservations.Create(ctx, reservation.CreateInput{
		UserID: userID, EventID: eventID, Quantity: qty, SkipAvailabilityCheck: skipCheck,
	})
	require.NoError(t, err)

	intent, err := h.payments.RequestPaymentIntent(ctx, r.ID, userID)
	require.NoError(t, err)
	require.NotEmpty(t, intent.ExternalReference)

	return r, intent.ExternalReference
}

func note(id, ref, status string) domain.Notification {
	return domain.Notification{ID: id, Type: "payment_intent." + status, PaymentReference: ref, RawStatus: status}
}

func TestHandle_SucceededConfirmsReservation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	eventID := h.store.AddEvent(domain.Event{PriceCents: 1000, TotalTickets: 10, TicketsAvailable: 10})

	r, ref := h.reserveAndPay(t, 1, eventID, 3, false)
	assert.Equal(t, 10, h.store.Snapshot().Events[eventID].TicketsAvailable)

	out, err := h.processor.Handle(ctx, note("n-1", ref, "succeeded"))
	require.NoError(t, err)
	assert.Equal(t, notification.OutcomeApplied, out)

	state := h.store.Snapshot()
	assert.Equal(t, domain.ReservationConfirmed, state.Reservations[r.ID].Status)
	assert.Equal(t, 7, state.Events[eventID].TicketsAvailable)

	p, err := h.payments.GetForReservation(ctx, r.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentSucceeded, p.Status)
	assert.Contains(t, state.Notifications, "n-1")
	assert.Equal(t, 1, h.pub.count(queue.QueueReservationConfirmed))
}

func TestHandle_DuplicateDeliveryChangesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	eventID := h.store.AddEvent(domain.Event{TotalTickets: 10, TicketsAvailable: 10})
	_, ref := h.reserveAndPay(t, 1, eventID, 3, false)

	_, err := h.processor.Handle(ctx, note("n-1", ref, "succeeded"))
	require.NoError(t, err)

	before := h.store.Snapshot()
	out, err := h.processor.Handle(ctx, note("n-1", ref, "succeeded"))
	require.NoError(t, err)
	assert.Equal(t, notification.OutcomeDuplicate, out)
	assert.Equal(t, before, h.store.Snapshot())
	assert.Equal(t, 1, h.pub.count(queue.QueueReservationConfirmed))
}

func TestHandle_InsufficientInventoryOpensReconciliationCase(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	eventID := h.store.AddEvent(domain.Event{TotalTickets: 2, TicketsAvailable: 2})
	r, ref := h.reserveAndPay(t, 1, eventID, 3, true)

	out, err := h.processor.Handle(ctx, note("n-1", ref, "succeeded"))
	require.NoError(t, err)
	assert.Equal(t, notification.OutcomeReconciliation, out)

	state := h.store.Snapshot()
	assert.Equal(t, domain.ReservationPending, state.Reservations[r.ID].Status)
	assert.Equal(t, 2, state.Events[eventID].TicketsAvailable)
	assert.Contains(t, state.Notifications, "n-1", "the gap is committed, not retried")

	p, err := h.payments.GetForReservation(ctx, r.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentSucceeded, p.Status)

	require.Len(t, state.Reconciliations, 1)
	for _, c := range state.Reconciliations {
		assert.Equal(t, domain.ReconciliationInventoryUnavailable, c.Reason)
		assert.Equal(t, p.ID, c.PaymentID)
		assert.Equal(t, eventID, c.EventID)
		assert.Equal(t, ref, c.ExternalReference)
	}

	assert.Equal(t, float64(1), promtest.ToFloat64(
		h.metrics.ReconciliationGaps.WithLabelValues(string(domain.ReconciliationInventoryUnavailable))))
	assert.Equal(t, 1, h.pub.count(queue.QueueReconciliationRequired))
}

func TestHandle_SucceededForCancelledReservation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	eventID := h.store.AddEvent(domain.Event{TotalTickets: 5, TicketsAvailable: 5})
	r, ref := h.reserveAndPay(t, 1, eventID, 1, false)

	_, err := h.reservations.Cancel(ctx, r.ID)
	require.NoError(t, err)

	out, err := h.processor.Handle(ctx, note("n-1", ref, "succeeded"))
	require.NoError(t, err)
	assert.Equal(t, notification.OutcomeReconciliation, out)

	state := h.store.Snapshot()
	assert.Equal(t, domain.ReservationCancelled, state.Reservations[r.ID].Status)
	assert.Equal(t, 5, state.Events[eventID].TicketsAvailable)
	require.Len(t, state.Reconciliations, 1)
	for _, c := range state.Reconciliations {
		assert.Equal(t, domain.ReconciliationReservationNotPending, c.Reason)
	}
}

func TestHandle_NoDowngrade(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	eventID := h.store.AddEvent(domain.Event{TotalTickets: 10, TicketsAvailable: 10})
	r, ref := h.reserveAndPay(t, 1, eventID, 1, false)

	out, err := h.processor.Handle(ctx, note("n-2", ref, "succeeded"))
	require.NoError(t, err)
	assert.Equal(t, notification.OutcomeApplied, out)

	out, err = h.processor.Handle(ctx, note("n-1", ref, "processing"))
	require.NoError(t, err)
	assert.Equal(t, notification.OutcomeStale, out)

	out, err = h.processor.Handle(ctx, note("n-3", ref, "canceled"))
	require.NoError(t, err)
	assert.Equal(t, notification.OutcomeStale, out)

	p, err := h.payments.GetForReservation(ctx, r.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentSucceeded, p.Status)
	assert.Equal(t, 9, h.store.Snapshot().Events[eventID].TicketsAvailable)
	assert.Contains(t, h.store.Snapshot().Notifications, "n-1", "stale notifications are still recorded")
}

func TestHandle_SucceededAfterFailedOpensReconciliationCase(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	eventID := h.store.AddEvent(domain.Event{TotalTickets: 10, TicketsAvailable: 10})
	r, ref := h.reserveAndPay(t, 1, eventID, 2, false)

	out, err := h.processor.Handle(ctx, note("n-1", ref, "requires_payment_method"))
	require.NoError(t, err)
	assert.Equal(t, notification.OutcomeApplied, out)

	// the buyer retries and the gateway hands back the same intent
	intent, err := h.payments.RequestPaymentIntent(ctx, r.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, ref, intent.ExternalReference)

	out, err = h.processor.Handle(ctx, note("n-2", ref, "succeeded"))
	require.NoError(t, err)
	assert.Equal(t, notification.OutcomeReconciliation, out)

	state := h.store.Snapshot()
	assert.Equal(t, domain.ReservationPending, state.Reservations[r.ID].Status)
	assert.Equal(t, 10, state.Events[eventID].TicketsAvailable)
	assert.Contains(t, state.Notifications, "n-2")

	p, err := h.payments.GetForReservation(ctx, r.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentFailed, p.Status, "terminal status stays frozen")

	require.Len(t, state.Reconciliations, 1)
	for _, c := range state.Reconciliations {
		assert.Equal(t, domain.ReconciliationPaymentStatusConflict, c.Reason)
		assert.Equal(t, p.ID, c.PaymentID)
		assert.Equal(t, ref, c.ExternalReference)
		assert.Contains(t, c.Detail, "failed")
	}

	assert.Equal(t, float64(1), promtest.ToFloat64(
		h.metrics.ReconciliationGaps.WithLabelValues(string(domain.ReconciliationPaymentStatusConflict))))
	assert.Equal(t, 1, h.pub.count(queue.QueueReconciliationRequired))
	assert.Equal(t, 0, h.pub.count(queue.QueueReservationConfirmed))
}

func TestHandle_LaterSucceededConfirmsOnceInventoryFrees(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	eventID := h.store.AddEvent(domain.Event{TotalTickets: 2, TicketsAvailable: 2})

	first, firstRef := h.reserveAndPay(t, 1, eventID, 2, false)
	out, err := h.processor.Handle(ctx, note("n-1", firstRef, "succeeded"))
	require.NoError(t, err)
	require.Equal(t, notification.OutcomeApplied, out)

	second, ref := h.reserveAndPay(t, 2, eventID, 1, true)
	out, err = h.processor.Handle(ctx, note("n-2", ref, "succeeded"))
	require.NoError(t, err)
	require.Equal(t, notification.OutcomeReconciliation, out)

	// still sold out: the retry is blocked and no second case is opened
	out, err = h.processor.Handle(ctx, note("n-3", ref, "succeeded"))
	require.NoError(t, err)
	assert.Equal(t, notification.OutcomeStale, out)
	assert.Len(t, h.store.Snapshot().Reconciliations, 1)

	_, err = h.reservations.CancelConfirmed(ctx, first.ID, "refunded")
	require.NoError(t, err)

	out, err = h.processor.Handle(ctx, note("n-4", ref, "succeeded"))
	require.NoError(t, err)
	assert.Equal(t, notification.OutcomeApplied, out)

	state := h.store.Snapshot()
	assert.Equal(t, domain.ReservationConfirmed, state.Reservations[second.ID].Status)
	assert.Equal(t, 1, state.Events[eventID].TicketsAvailable)
	assert.Len(t, state.Reconciliations, 1)

	out, err = h.processor.Handle(ctx, note("n-5", ref, "succeeded"))
	require.NoError(t, err)
	assert.Equal(t, notification.OutcomeStale, out, "already confirmed")
	assert.Equal(t, 1, h.store.Snapshot().Events[eventID].TicketsAvailable)
}

func TestHandle_FailedPaymentLeavesReservationPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	eventID := h.store.AddEvent(domain.Event{TotalTickets: 10, TicketsAvailable: 10})
	r, ref := h.reserveAndPay(t, 1, eventID, 2, false)

	n := note("n-1", ref, "requires_payment_method")
	n.FailureReason = "card_declined"
	out, err := h.processor.Handle(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, notification.OutcomeApplied, out)

	p, err := h.payments.GetForReservation(ctx, r.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentFailed, p.Status)
	assert.Equal(t, "card_declined", p.FailureReason)
	assert.Equal(t, domain.ReservationPending, h.store.Snapshot().Reservations[r.ID].Status)
}

func TestHandle_OrphanIsNotRecorded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	before := h.store.Snapshot()
	out, err := h.processor.Handle(ctx, note("n-9", "pi_unknown", "succeeded"))
	require.NoError(t, err)
	assert.Equal(t, notification.OutcomeOrphan, out)
	assert.Equal(t, before, h.store.Snapshot())
	assert.Equal(t, float64(1), promtest.ToFloat64(h.metrics.Notifications.WithLabelValues("orphan")))
}

func TestHandle_Invalid(t *testing.T) {
	h := newHarness(t)

	_, err := h.processor.Handle(context.Background(), domain.Notification{PaymentReference: "pi_1"})
	require.ErrorIs(t, err, notification.ErrInvalidNotification)
	assert.True(t, notification.Permanent(err))
}

func TestHandle_FailureRollsBackEverything(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	eventID := h.store.AddEvent(domain.Event{TotalTickets: 10, TicketsAvailable: 10})
	r, ref := h.reserveAndPay(t, 1, eventID, 3, false)

	boom := errors.New("connection reset")
	h.store.FailOn("Reservations.UpdateStatus", boom)

	before := h.store.Snapshot()
	_, err := h.processor.Handle(ctx, note("n-1", ref, "succeeded"))
	require.ErrorIs(t, err, boom)
	assert.False(t, notification.Permanent(err))
	assert.Equal(t, before, h.store.Snapshot(), "claim, payment status and decrement all rolled back")
	assert.Equal(t, 0, h.pub.count(queue.QueueReservationConfirmed))

	out, err := h.processor.Handle(ctx, note("n-1", ref, "succeeded"))
	require.NoError(t, err)
	assert.Equal(t, notification.OutcomeApplied, out)
	assert.Equal(t, domain.ReservationConfirmed, h.store.Snapshot().Reservations[r.ID].Status)
	assert.Equal(t, 7, h.store.Snapshot().Events[eventID].TicketsAvailable)
}

func TestHandle_ConcurrentConfirmationsNeverOversell(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	eventID := h.store.AddEvent(domain.Event{TotalTickets: 1, TicketsAvailable: 1})

	const buyers = 6
	refs := make([]string, buyers)
	for i := range refs {
		_, refs[i] = h.reserveAndPay(t, int64(i+1), eventID, 1, false)
	}

	var wg sync.WaitGroup
	outcomes := make([]notification.Outcome, buyers)
	for i := range refs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := h.processor.Handle(ctx, note(fmt.Sprintf("n-%d", i), refs[i], "succeeded"))
			assert.NoError(t, err)
			outcomes[i] = out
		}(i)
	}
	wg.Wait()

	applied, gaps := 0, 0
	for _, o := range outcomes {
		switch o {
		case notification.OutcomeApplied:
			applied++
		case notification.OutcomeReconciliation:
			gaps++
		}
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, buyers-1, gaps)

	state := h.store.Snapshot()
	assert.Equal(t, 0, state.Events[eventID].TicketsAvailable)
	assert.Len(t, state.Reconciliations, buyers-1)
}
