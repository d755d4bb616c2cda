package admin

import "errors"

var (
	ErrInvalidEvent      = errors.New("event needs a title, a positive ticket count and a non-negative price")
	ErrEventNotFound     = errors.New("event not found")
	ErrEventInUse        = errors.New("event has reservations")
	ErrCaseNotFound      = errors.New("open reconciliation case not found")
	ErrInvalidResolution = errors.New("resolution must not be empty")
)
