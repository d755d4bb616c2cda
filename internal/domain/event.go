package domain

import "time"

type EventStatus string

const (
	EventActive  EventStatus = "active"
	EventSoldOut EventStatus = "sold_out"
)

type Event struct {
	ID               int64
	Title            string
	Description      string
	Location         string
	StartsAt         time.Time
	PriceCents       int64
	Currency         string
	TotalTickets     int
	TicketsAvailable int
	Status           EventStatus
	CreatedAt        time.Time
}

// StatusFor derives the availability status from the remaining ticket count.
func StatusFor(available int) EventStatus {
	if available <= 0 {
		return EventSoldOut
	}
	return EventActive
}

// CanAllocate reports whether qty tickets can currently be taken from the event.
func (e Event) CanAllocate(qty int) bool {
	return qty > 0 && e.TicketsAvailable >= qty
}

type Availability struct {
	EventID   int64
	Total     int
	Available int
	Status    EventStatus
}

func (e Event) Availability() Availability {
	return Availability{
		EventID:   e.ID,
		Total:     e.TotalTickets,
		Available: e.TicketsAvailable,
		Status:    e.Status,
	}
}
