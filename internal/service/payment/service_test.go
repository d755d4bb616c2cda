package payment_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kirinyoku/tix-pay/internal/clock"
	"github.com/kirinyoku/tix-pay/internal/domain"
	"github.com/kirinyoku/tix-pay/internal/gateway"
	redisrepo "github.com/kirinyoku/tix-pay/internal/repository/redis"
	"github.com/kirinyoku/tix-pay/internal/service/payment"
	"github.com/kirinyoku/tix-pay/internal/service/reservation"
	"github.com/kirinyoku/tix-pay/internal/testutil"
)

type mockGateway struct{ mock.Mock }

func (m *mockGateway) CreatePaymentIntent(ctx context.Context, req gateway.IntentRequest) (domain.PaymentIntent, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(domain.PaymentIntent), args.Error(1)
}

func (m *mockGateway) GetPaymentIntent(ctx context.Context, ref string) (domain.PaymentIntent, error) {
	args := m.Called(ctx, ref)
	return args.Get(0).(domain.PaymentIntent), args.Error(1)
}

type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *memLocker) AcquireLock(_ context.Context, key string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]bool)
	}
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *memLocker) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}

type fixture struct {
	store  *testutil.MemStore
	svc    *payment.Service
	gw     *mockGateway
	locker *memLocker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := testutil.NewMemStore(clock.Fixed{T: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)})
	f := &fixture{store: store, gw: &mockGateway{}, locker: &memLocker{}}
	f.svc = payment.New(payment.Deps{
		UoW:          store,
		Payments:     store.Payments(),
		Reservations: store.Reservations(),
		Gateway:      f.gw,
		Locker:       f.locker,
	}, payment.Config{})

	t.Cleanup(func() { f.gw.AssertExpectations(t) })
	return f
}

func (f *fixture) pendingReservation(t *testing.T, userID int64) *domain.Reservation {
	t.Helper()

	ctx := context.Background()
	eventID := f.store.AddEvent(domain.Event{PriceCents: 1500, TotalTickets: 10, TicketsAvailable: 10})
	id, err := f.store.Reservations().Create(ctx, &domain.Reservation{
		UserID: userID, EventID: eventID, NumberOfTickets: 2,
		Status: domain.ReservationPending, AmountCents: 3000, Currency: "usd",
	})
	require.NoError(t, err)

	r, err := f.store.Reservations().Get(ctx, id)
	require.NoError(t, err)
	return r
}

func TestGetOrCreateForReservation_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.pendingReservation(t, 1)

	first, err := f.svc.GetOrCreateForReservation(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, first.Status)
	assert.Equal(t, int64(3000), first.AmountCents)

	second, err := f.svc.GetOrCreateForReservation(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, f.store.Snapshot().Payments, 1)
}

func TestAttachExternalReference(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.pendingReservation(t, 1)

	p, err := f.svc.GetOrCreateForReservation(ctx, r)
	require.NoError(t, err)

	require.NoError(t, f.svc.AttachExternalReference(ctx, p, "pi_1"))
	require.NoError(t, f.svc.AttachExternalReference(ctx, p, "pi_1"))

	state := f.store.Snapshot()
	assert.Equal(t, "pi_1", state.Payments[p.ID].ExternalReference)
	assert.Equal(t, "pi_1", state.Reservations[r.ID].ExternalPaymentReference)

	err = f.svc.AttachExternalReference(ctx, p, "pi_2")
	assert.ErrorIs(t, err, payment.ErrReferenceConflict)
	assert.Equal(t, "pi_1", f.store.Snapshot().Payments[p.ID].ExternalReference)
}

func TestApplyGatewayStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.pendingReservation(t, 1)

	p, err := f.svc.GetOrCreateForReservation(ctx, r)
	require.NoError(t, err)
	require.NoError(t, f.svc.AttachExternalReference(ctx, p, "pi_1"))

	got, changed, err := f.svc.ApplyGatewayStatus(ctx, "pi_1", payment.StatusUpdate{RawStatus: "processing"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.PaymentProcessing, got.Status)

	got, changed, err = f.svc.ApplyGatewayStatus(ctx, "pi_1", payment.StatusUpdate{RawStatus: "requires_confirmation"})
	require.NoError(t, err)
	assert.False(t, changed, "processing never moves back to pending")
	assert.Equal(t, domain.PaymentProcessing, got.Status)

	got, changed, err = f.svc.ApplyGatewayStatus(ctx, "pi_1", payment.StatusUpdate{
		RawStatus: "requires_payment_method", FailureReason: "card_declined",
	})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.PaymentFailed, got.Status)
	assert.Equal(t, "card_declined", got.FailureReason)
	require.NotNil(t, got.ProcessedAt)

	_, changed, err = f.svc.ApplyGatewayStatus(ctx, "pi_1", payment.StatusUpdate{RawStatus: "succeeded"})
	require.NoError(t, err)
	assert.False(t, changed, "terminal statuses are frozen")
	assert.Equal(t, domain.PaymentFailed, f.store.Snapshot().Payments[p.ID].Status)

	_, _, err = f.svc.ApplyGatewayStatus(ctx, "pi_unknown", payment.StatusUpdate{RawStatus: "succeeded"})
	assert.ErrorIs(t, err, payment.ErrPaymentNotFound)
}

func TestRequestPaymentIntent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.pendingReservation(t, 7)

	f.gw.On("CreatePaymentIntent", mock.Anything, mock.MatchedBy(func(req gateway.IntentRequest) bool {
		return req.AmountCents == 3000 &&
			req.Currency == "usd" &&
			req.Metadata["reservation_id"] != "" &&
			req.Metadata["user_id"] == "7" &&
			req.IdempotencyKey != ""
	})).Return(domain.PaymentIntent{ExternalReference: "pi_1", ClientToken: "secret_1"}, nil).Once()

	intent, err := f.svc.RequestPaymentIntent(ctx, r.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, "pi_1", intent.ExternalReference)
	assert.Equal(t, "secret_1", intent.ClientToken)

	state := f.store.Snapshot()
	assert.Equal(t, "pi_1", state.Reservations[r.ID].ExternalPaymentReference)
	assert.Empty(t, f.locker.held, "lock released")

	f.gw.On("GetPaymentIntent", mock.Anything, "pi_1").
		Return(domain.PaymentIntent{ExternalReference: "pi_1", ClientToken: "secret_1"}, nil).Once()

	again, err := f.svc.RequestPaymentIntent(ctx, r.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, intent, again)
	assert.Len(t, f.store.Snapshot().Payments, 1)
}

func TestRequestPaymentIntent_Rejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.pendingReservation(t, 7)

	_, err := f.svc.RequestPaymentIntent(ctx, r.ID, 8)
	assert.ErrorIs(t, err, reservation.ErrUnauthorizedAccess)

	_, err = f.svc.RequestPaymentIntent(ctx, 999, 7)
	assert.ErrorIs(t, err, reservation.ErrReservationNotFound)

	_, err = f.locker.AcquireLock(ctx, redisrepo.KeyIntentLock(r.ID), time.Second)
	require.NoError(t, err)
	_, err = f.svc.RequestPaymentIntent(ctx, r.ID, 7)
	assert.ErrorIs(t, err, payment.ErrIntentInProgress)
	require.NoError(t, f.locker.Release(ctx, redisrepo.KeyIntentLock(r.ID)))

	require.NoError(t, f.store.Reservations().UpdateStatus(ctx, r.ID, domain.ReservationPending, domain.ReservationCancelled))
	_, err = f.svc.RequestPaymentIntent(ctx, r.ID, 7)
	assert.ErrorIs(t, err, reservation.ErrInvalidReservationState)
	assert.Empty(t, f.store.Snapshot().Payments)
}

func TestRequestPaymentIntent_GatewayFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.pendingReservation(t, 7)

	f.gw.On("CreatePaymentIntent", mock.Anything, mock.Anything).
		Return(domain.PaymentIntent{}, errors.Join(gateway.ErrCommunication, errors.New("timeout"))).Once()

	_, err := f.svc.RequestPaymentIntent(ctx, r.ID, 7)
	assert.ErrorIs(t, err, gateway.ErrCommunication)

	p := f.store.Snapshot().Payments
	require.Len(t, p, 1, "payment row stays for the next attempt")
	for _, v := range p {
		assert.Empty(t, v.ExternalReference)
	}
}

func TestGetForReservation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.pendingReservation(t, 7)

	_, err := f.svc.GetForReservation(ctx, r.ID, 7)
	assert.ErrorIs(t, err, payment.ErrPaymentNotFound)

	created, err := f.svc.GetOrCreateForReservation(ctx, r)
	require.NoError(t, err)

	got, err := f.svc.GetForReservation(ctx, r.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	_, err = f.svc.GetForReservation(ctx, r.ID, 8)
	assert.ErrorIs(t, err, reservation.ErrUnauthorizedAccess)

	list, err := f.svc.ListByUser(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
