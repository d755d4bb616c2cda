package redis

import "fmt"

const ns = "tixpay:v1"

func KeyEventSummary(eventID int64) string {
	return fmt.Sprintf("%s:event:%d:summary", ns, eventID)
}

func KeyEventAvailability(eventID int64) string {
	return fmt.Sprintf("%s:event:%d:availability", ns, eventID)
}

func KeyRateLimit(scope, id string) string {
	return fmt.Sprintf("%s:rl:%s:%s", ns, scope, id)
}

// KeyIdemReservation scopes a client Idempotency-Key to the user and event it was sent for.
func KeyIdemReservation(userID, eventID int64, idemKey string) string {
	return fmt.Sprintf("%s:idem:reservations:%d:%d:%s", ns, userID, eventID, idemKey)
}

func KeyIntentLock(reservationID int64) string {
	return fmt.Sprintf("%s:idem:intent:%d", ns, reservationID)
}

func ChannelEventsChanged() string {
	return ns + ":events:changed"
}
