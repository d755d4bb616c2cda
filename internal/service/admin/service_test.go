package admin_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirinyoku/tix-pay/internal/clock"
	"github.com/kirinyoku/tix-pay/internal/domain"
	"github.com/kirinyoku/tix-pay/internal/service/admin"
	"github.com/kirinyoku/tix-pay/internal/service/inventory"
	"github.com/kirinyoku/tix-pay/internal/service/reservation"
	"github.com/kirinyoku/tix-pay/internal/testutil"
)

type fakeCache struct{ invalidated []int64 }

func (c *fakeCache) InvalidateEvent(_ context.Context, id int64) error {
	c.invalidated = append(c.invalidated, id)
	return nil
}

func newService(t *testing.T) (*admin.Service, *testutil.MemStore, *fakeCache) {
	t.Helper()

	clk := clock.Fixed{T: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := testutil.NewMemStore(clk)
	cache := &fakeCache{}

	reservations := reservation.New(reservation.Deps{
		UoW:          store,
		Reservations: store.Reservations(),
		Events:       store.Events(),
		Ledger:       inventory.NewLedger(store.Events(), nil),
		Clock:        clk,
	}, reservation.Config{})

	svc := admin.New(admin.Deps{
		UoW:             store,
		Events:          store.Events(),
		Reconciliations: store.Reconciliations(),
		Reservations:    reservations,
		Cache:           cache,
		Clock:           clk,
	}, "")

	return svc, store, cache
}

func TestCreateEvent(t *testing.T) {
	svc, _, cache := newService(t)

	e, err := svc.CreateEvent(context.Background(), admin.CreateEventInput{
		Title: "Concert", PriceCents: 4200, Currency: "EUR", TotalTickets: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, 100, e.TicketsAvailable)
	assert.Equal(t, domain.EventActive, e.Status)
	assert.Equal(t, "eur", e.Currency)
	assert.Equal(t, []int64{e.ID}, cache.invalidated)

	for _, in := range []admin.CreateEventInput{
		{Title: "", TotalTickets: 1},
		{Title: "x", TotalTickets: 0},
		{Title: "x", TotalTickets: 1, PriceCents: -1},
	} {
		_, err := svc.CreateEvent(context.Background(), in)
		assert.ErrorIs(t, err, admin.ErrInvalidEvent)
	}
}

func TestCancelConfirmedReservation(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t)
	eventID := store.AddEvent(domain.Event{TotalTickets: 5, TicketsAvailable: 3})
	id, err := store.Reservations().Create(ctx, &domain.Reservation{
		UserID: 1, EventID: eventID, NumberOfTickets: 2, Status: domain.ReservationConfirmed,
	})
	require.NoError(t, err)

	r, err := svc.CancelConfirmedReservation(ctx, id, "refunded")
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationCancelled, r.Status)
	assert.Equal(t, 5, store.Snapshot().Events[eventID].TicketsAvailable)

	_, err = svc.CancelConfirmedReservation(ctx, id, "again")
	assert.ErrorIs(t, err, reservation.ErrInvalidReservationState)
}

func TestReconciliations(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t)

	id, err := store.Reconciliations().Create(ctx, &domain.ReconciliationCase{
		PaymentID: 1, ReservationID: 2, Reason: domain.ReconciliationInventoryUnavailable,
	})
	require.NoError(t, err)

	open, err := svc.ListOpenReconciliations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)

	assert.ErrorIs(t, svc.ResolveReconciliation(ctx, id, " "), admin.ErrInvalidResolution)
	require.NoError(t, svc.ResolveReconciliation(ctx, id, "refunded"))
	assert.ErrorIs(t, svc.ResolveReconciliation(ctx, id, "refunded"), admin.ErrCaseNotFound)

	open, err = svc.ListOpenReconciliations(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Equal(t, "refunded", store.Snapshot().Reconciliations[id].Resolution)
}

func TestUpdateEvent(t *testing.T) {
	ctx := context.Background()
	svc, store, cache := newService(t)
	eventID := store.AddEvent(domain.Event{Title: "Concert", PriceCents: 1000, Currency: "usd", TotalTickets: 10, TicketsAvailable: 7})

	title, where, price := "Concert (moved)", "Hall B", int64(1500)
	starts := time.Date(2030, 6, 1, 19, 0, 0, 0, time.UTC)

	e, err := svc.UpdateEvent(ctx, eventID, admin.UpdateEventInput{
		Title: &title, Location: &where, StartsAt: &starts, PriceCents: &price,
	})
	require.NoError(t, err)
	assert.Equal(t, title, e.Title)
	assert.Equal(t, where, e.Location)
	assert.Equal(t, starts, e.StartsAt)
	assert.Equal(t, price, e.PriceCents)

	stored := store.Snapshot().Events[eventID]
	assert.Equal(t, "Hall B", stored.Location)
	assert.Equal(t, 10, stored.TotalTickets, "ticket totals are immutable")
	assert.Equal(t, 7, stored.TicketsAvailable)
	assert.Equal(t, "usd", stored.Currency)
	assert.Equal(t, []int64{eventID}, cache.invalidated)

	blank := " "
	_, err = svc.UpdateEvent(ctx, eventID, admin.UpdateEventInput{Title: &blank})
	assert.ErrorIs(t, err, admin.ErrInvalidEvent)

	negative := int64(-1)
	_, err = svc.UpdateEvent(ctx, eventID, admin.UpdateEventInput{PriceCents: &negative})
	assert.ErrorIs(t, err, admin.ErrInvalidEvent)

	_, err = svc.UpdateEvent(ctx, 999, admin.UpdateEventInput{Title: &title})
	assert.ErrorIs(t, err, admin.ErrEventNotFound)
	assert.Len(t, cache.invalidated, 1, "failed updates invalidate nothing")
}

func TestDeleteEvent(t *testing.T) {
	ctx := context.Background()
	svc, store, cache := newService(t)

	unused := store.AddEvent(domain.Event{Title: "Empty", TotalTickets: 5, TicketsAvailable: 5})
	require.NoError(t, svc.DeleteEvent(ctx, unused))
	assert.NotContains(t, store.Snapshot().Events, unused)
	assert.Equal(t, []int64{unused}, cache.invalidated)

	assert.ErrorIs(t, svc.DeleteEvent(ctx, unused), admin.ErrEventNotFound)

	used := store.AddEvent(domain.Event{Title: "Busy", TotalTickets: 5, TicketsAvailable: 5})
	_, err := store.Reservations().Create(ctx, &domain.Reservation{
		UserID: 1, EventID: used, NumberOfTickets: 1, Status: domain.ReservationCancelled,
	})
	require.NoError(t, err)

	assert.ErrorIs(t, svc.DeleteEvent(ctx, used), admin.ErrEventInUse)
	assert.Contains(t, store.Snapshot().Events, used)
	assert.Len(t, cache.invalidated, 1)
}
