package inventory

import "errors"

var (
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrEventNotFound         = errors.New("event not found")
	ErrInvalidQuantity       = errors.New("quantity must be positive")
	// ErrCapacityExceeded means a release would push available above total.
	ErrCapacityExceeded = errors.New("release exceeds event capacity")
)
